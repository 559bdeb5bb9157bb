package repo

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	sshSigMagic     = "SSHSIG"
	sshSigNamespace = "git"
	sshSigHashAlg   = "sha512"
	sshSigBegin     = "-----BEGIN SSH SIGNATURE-----"
	sshSigEnd       = "-----END SSH SIGNATURE-----"
)

// NewSSHSigner parses an OpenSSH private key and returns a CommitSigner that
// produces the armored "SSH SIGNATURE" blocks git verifies with
// gpg.format=ssh.
func NewSSHSigner(privateKey []byte) (CommitSigner, ssh.PublicKey, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("parse signing key: %w", err)
	}
	return SSHSigner(signer), signer.PublicKey(), nil
}

// SSHSigner wraps an ssh.Signer as a CommitSigner.
func SSHSigner(signer ssh.Signer) CommitSigner {
	return func(payload []byte) (string, error) {
		signed := sshSignedData(payload)
		var (
			sig *ssh.Signature
			err error
		)
		if as, ok := signer.(ssh.AlgorithmSigner); ok && signer.PublicKey().Type() == ssh.KeyAlgoRSA {
			sig, err = as.SignWithAlgorithm(rand.Reader, signed, ssh.KeyAlgoRSASHA512)
		} else {
			sig, err = signer.Sign(rand.Reader, signed)
		}
		if err != nil {
			return "", fmt.Errorf("ssh sign: %w", err)
		}

		blob := append([]byte(sshSigMagic), ssh.Marshal(struct {
			Version       uint32
			PublicKey     []byte
			Namespace     string
			Reserved      string
			HashAlgorithm string
			Signature     []byte
		}{1, signer.PublicKey().Marshal(), sshSigNamespace, "", sshSigHashAlg, ssh.Marshal(sig)})...)
		return armorSSHSignature(blob), nil
	}
}

// VerifySSHSignature checks an armored signature over payload against pub.
func VerifySSHSignature(pub ssh.PublicKey, payload []byte, armored string) error {
	blob, err := dearmorSSHSignature(armored)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(string(blob), sshSigMagic) {
		return fmt.Errorf("ssh signature: bad magic")
	}
	var env struct {
		Version       uint32
		PublicKey     []byte
		Namespace     string
		Reserved      string
		HashAlgorithm string
		Signature     []byte
	}
	if err := ssh.Unmarshal(blob[len(sshSigMagic):], &env); err != nil {
		return fmt.Errorf("ssh signature: %w", err)
	}
	if env.Namespace != sshSigNamespace || env.HashAlgorithm != sshSigHashAlg {
		return fmt.Errorf("ssh signature: unsupported namespace %q or hash %q", env.Namespace, env.HashAlgorithm)
	}
	if string(env.PublicKey) != string(pub.Marshal()) {
		return fmt.Errorf("ssh signature: made by a different key")
	}
	var sig ssh.Signature
	if err := ssh.Unmarshal(env.Signature, &sig); err != nil {
		return fmt.Errorf("ssh signature: %w", err)
	}
	return pub.Verify(sshSignedData(payload), &sig)
}

// sshSignedData is the blob an SSHSIG signature actually covers.
func sshSignedData(payload []byte) []byte {
	digest := sha512.Sum512(payload)
	return append([]byte(sshSigMagic), ssh.Marshal(struct {
		Namespace     string
		Reserved      string
		HashAlgorithm string
		Hash          []byte
	}{sshSigNamespace, "", sshSigHashAlg, digest[:]})...)
}

func armorSSHSignature(blob []byte) string {
	enc := base64.StdEncoding.EncodeToString(blob)
	var b strings.Builder
	b.WriteString(sshSigBegin + "\n")
	for len(enc) > 70 {
		b.WriteString(enc[:70] + "\n")
		enc = enc[70:]
	}
	b.WriteString(enc + "\n")
	b.WriteString(sshSigEnd)
	return b.String()
}

func dearmorSSHSignature(armored string) ([]byte, error) {
	s := strings.TrimSpace(armored)
	if !strings.HasPrefix(s, sshSigBegin) || !strings.HasSuffix(s, sshSigEnd) {
		return nil, fmt.Errorf("ssh signature: missing armor")
	}
	body := strings.TrimSuffix(strings.TrimPrefix(s, sshSigBegin), sshSigEnd)
	body = strings.Join(strings.Fields(body), "")
	blob, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("ssh signature: %w", err)
	}
	return blob, nil
}
