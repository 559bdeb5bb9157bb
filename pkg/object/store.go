package object

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zlib"

	"github.com/odvcencio/minigit/pkg/errs"
	"github.com/odvcencio/minigit/pkg/vfs"
)

// DefaultCacheSize is the number of decoded objects kept in memory.
const DefaultCacheSize = 1024

// ErrHashMismatch reports a stored object whose content does not hash to
// the id it is stored under.
var ErrHashMismatch = fmt.Errorf("object hash mismatch: %w", errs.ErrCorruptPack)

type cachedObject struct {
	typ  ObjectType
	data []byte
}

// Store is a content-addressed object store using Git's loose object layout:
// objects/ab/cdef0123..., each file a zlib stream of "type len\0content".
type Store struct {
	fs     vfs.FS
	root   string
	format Format
	cache  *lru.Cache[Hash, cachedObject]
}

// NewStore creates a Store rooted at gitDir. The objects/ subdirectory is
// created lazily on first write. cacheSize <= 0 disables the read cache.
func NewStore(fsys vfs.FS, gitDir string, format Format, cacheSize int) *Store {
	s := &Store{fs: fsys, root: gitDir, format: format.orDefault()}
	if cacheSize > 0 {
		s.cache, _ = lru.New[Hash, cachedObject](cacheSize)
	}
	return s
}

// Format returns the hash algorithm of the store.
func (s *Store) Format() Format {
	return s.format
}

// objectPath returns the filesystem path for a given hash.
func (s *Store) objectPath(h Hash) string {
	return filepath.Join(s.root, "objects", string(h[:2]), string(h[2:]))
}

// Has reports whether the store contains an object with the given hash.
func (s *Store) Has(h Hash) bool {
	if s.format.Validate(h) != nil {
		return false
	}
	if s.cache != nil && s.cache.Contains(h) {
		return true
	}
	_, err := s.fs.Stat(s.objectPath(h))
	return err == nil
}

// Write stores an object and returns its content hash. Writing an object
// that already exists is a no-op returning the same hash.
func (s *Store) Write(objType ObjectType, data []byte) (Hash, error) {
	h := HashObject(s.format, objType, data)
	if s.Has(h) {
		return h, nil
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(envelope(objType, len(data))); err != nil {
		return "", fmt.Errorf("object write %s: compress: %w", h, err)
	}
	if _, err := zw.Write(data); err != nil {
		return "", fmt.Errorf("object write %s: compress: %w", h, err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("object write %s: compress: %w", h, err)
	}

	// Concurrent writers of the same id write identical bytes.
	if err := s.fs.WriteFile(s.objectPath(h), buf.Bytes(), 0o444); err != nil {
		return "", fmt.Errorf("object write %s: %w", h, err)
	}
	s.remember(h, objType, data)
	return h, nil
}

// Read retrieves an object by hash, returning its type and raw content.
func (s *Store) Read(h Hash) (ObjectType, []byte, error) {
	if err := s.format.Validate(h); err != nil {
		return "", nil, fmt.Errorf("object read: %w: %v", errs.ErrNotFound, err)
	}
	if s.cache != nil {
		if obj, ok := s.cache.Get(h); ok {
			return obj.typ, obj.data, nil
		}
	}

	compressed, err := s.fs.ReadFile(s.objectPath(h))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, fmt.Errorf("object read %s: %w", h, errs.ErrNotFound)
		}
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: zlib: %w", h, err)
	}
	raw, err := io.ReadAll(zr)
	zr.Close()
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: inflate: %w", h, err)
	}

	objType, content, err := parseEnvelope(raw)
	if err != nil {
		return "", nil, fmt.Errorf("object read %s: %w", h, err)
	}
	if got := HashObject(s.format, objType, content); got != h {
		return "", nil, fmt.Errorf("object read %s: %w: content hashes to %s", h, ErrHashMismatch, got)
	}
	s.remember(h, objType, content)
	return objType, content, nil
}

func parseEnvelope(raw []byte) (ObjectType, []byte, error) {
	nulIdx := bytes.IndexByte(raw, 0)
	if nulIdx < 0 {
		return "", nil, fmt.Errorf("invalid format (no NUL)")
	}
	header := string(raw[:nulIdx])
	content := raw[nulIdx+1:]

	typ, lenStr, ok := strings.Cut(header, " ")
	if !ok {
		return "", nil, fmt.Errorf("invalid header %q", header)
	}
	length, err := strconv.Atoi(lenStr)
	if err != nil {
		return "", nil, fmt.Errorf("invalid length %q: %w", lenStr, err)
	}
	if len(content) != length {
		return "", nil, fmt.Errorf("length mismatch (header=%d, actual=%d)", length, len(content))
	}
	return ObjectType(typ), content, nil
}

func (s *Store) remember(h Hash, objType ObjectType, data []byte) {
	if s.cache == nil {
		return
	}
	// Cap entries so one large blob cannot evict the working set.
	if len(data) > 1<<20 {
		return
	}
	s.cache.Add(h, cachedObject{typ: objType, data: data})
}

// ---------------------------------------------------------------------------
// Typed convenience methods
// ---------------------------------------------------------------------------

// WriteBlob serializes and stores a Blob.
func (s *Store) WriteBlob(b *Blob) (Hash, error) {
	return s.Write(TypeBlob, MarshalBlob(b))
}

// ReadBlob reads and deserializes a Blob.
func (s *Store) ReadBlob(h Hash) (*Blob, error) {
	data, err := s.readTyped(h, TypeBlob)
	if err != nil {
		return nil, err
	}
	return UnmarshalBlob(data)
}

// WriteTree serializes and stores a TreeObj.
func (s *Store) WriteTree(tr *TreeObj) (Hash, error) {
	data, err := MarshalTree(tr)
	if err != nil {
		return "", err
	}
	return s.Write(TypeTree, data)
}

// ReadTree reads and deserializes a TreeObj.
func (s *Store) ReadTree(h Hash) (*TreeObj, error) {
	data, err := s.readTyped(h, TypeTree)
	if err != nil {
		return nil, err
	}
	return UnmarshalTree(s.format, data)
}

// WriteCommit serializes and stores a CommitObj.
func (s *Store) WriteCommit(c *CommitObj) (Hash, error) {
	return s.Write(TypeCommit, MarshalCommit(c))
}

// ReadCommit reads and deserializes a CommitObj.
func (s *Store) ReadCommit(h Hash) (*CommitObj, error) {
	data, err := s.readTyped(h, TypeCommit)
	if err != nil {
		return nil, err
	}
	return UnmarshalCommit(data)
}

// ReadTag reads and deserializes an annotated tag.
func (s *Store) ReadTag(h Hash) (*TagObj, error) {
	data, err := s.readTyped(h, TypeTag)
	if err != nil {
		return nil, err
	}
	return UnmarshalTag(data)
}

// PeelToCommit follows annotated tags until it reaches a commit id.
func (s *Store) PeelToCommit(h Hash) (Hash, error) {
	for i := 0; i < 16; i++ {
		objType, data, err := s.Read(h)
		if err != nil {
			return "", err
		}
		switch objType {
		case TypeCommit:
			return h, nil
		case TypeTag:
			tag, err := UnmarshalTag(data)
			if err != nil {
				return "", err
			}
			h = tag.Object
		default:
			return "", fmt.Errorf("object %s: %s is not a commit", h, objType)
		}
	}
	return "", fmt.Errorf("object %s: tag chain too deep", h)
}

func (s *Store) readTyped(h Hash, want ObjectType) ([]byte, error) {
	objType, data, err := s.Read(h)
	if err != nil {
		return nil, err
	}
	if objType != want {
		return nil, fmt.Errorf("object %s: type mismatch: got %q, want %q", h, objType, want)
	}
	return data, nil
}
