package object

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
)

// Format is the object hashing algorithm of a repository.
type Format string

const (
	SHA1   Format = "sha1"
	SHA256 Format = "sha256"
)

// ParseFormat accepts "sha1", "sha256" or "" (SHA-1).
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(SHA1):
		return SHA1, nil
	case string(SHA256):
		return SHA256, nil
	default:
		return "", fmt.Errorf("unknown object format %q", s)
	}
}

func (f Format) orDefault() Format {
	if f == "" {
		return SHA1
	}
	return f
}

// New returns a fresh hasher for the format.
func (f Format) New() hash.Hash {
	if f.orDefault() == SHA256 {
		return sha256.New()
	}
	return sha1.New()
}

// Size is the raw digest length in bytes.
func (f Format) Size() int {
	if f.orDefault() == SHA256 {
		return sha256.Size
	}
	return sha1.Size
}

// HexSize is the length of a hex-encoded Hash.
func (f Format) HexSize() int {
	return 2 * f.Size()
}

// ZeroHash is the all-zero id used on the wire for "no object".
func (f Format) ZeroHash() Hash {
	return Hash(strings.Repeat("0", f.HexSize()))
}

// Validate checks that h is a well-formed id for the format.
func (f Format) Validate(h Hash) error {
	if len(h) != f.HexSize() {
		return fmt.Errorf("invalid %s object id %q: want %d hex digits", f.orDefault(), h, f.HexSize())
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("invalid %s object id %q", f.orDefault(), h)
		}
	}
	return nil
}

// HashBytes digests data and returns it hex-encoded.
func (f Format) HashBytes(data []byte) Hash {
	h := f.New()
	h.Write(data)
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// HashObject computes the digest of the envelope "type len\0content", which
// is Git's object id.
func HashObject(f Format, objType ObjectType, data []byte) Hash {
	h := f.New()
	h.Write(envelope(objType, len(data)))
	h.Write(data)
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

func envelope(objType ObjectType, n int) []byte {
	return []byte(string(objType) + " " + strconv.Itoa(n) + "\x00")
}

// Raw decodes the hex digest.
func (h Hash) Raw() ([]byte, error) {
	return hex.DecodeString(string(h))
}

// HashFromRaw hex-encodes a raw digest.
func HashFromRaw(raw []byte) Hash {
	return Hash(hex.EncodeToString(raw))
}
