// Package integrity interprets pak version tokens and verifies file content
// against them.
package integrity

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Algorithm names a content hash carried by a version token.
type Algorithm string

const (
	// None marks an opaque version identifier.
	None Algorithm = ""
	SHA1 Algorithm = "SHA1"
)

const sha1HexLen = sha1.Size * 2

// Token is a parsed version token.
type Token struct {
	Algorithm Algorithm
	// Digest is the expected lowercase hex digest, empty for opaque tokens.
	Digest string
}

// Hashed reports whether the token carries a content hash.
func (t Token) Hashed() bool {
	return t.Algorithm != None
}

// ParseToken interprets a version string. "SHA1:" followed by exactly 40 hex
// characters is a content hash; anything else is opaque.
func ParseToken(version string) Token {
	prefix := string(SHA1) + ":"
	if !strings.HasPrefix(version, prefix) {
		return Token{}
	}
	digest := version[len(prefix):]
	if len(digest) != sha1HexLen {
		return Token{}
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return Token{}
	}
	return Token{Algorithm: SHA1, Digest: strings.ToLower(digest)}
}

// Hasher computes digests for a single algorithm.
type Hasher struct {
	algorithm Algorithm
}

// NewHasher returns a hasher for algorithm.
func NewHasher(algorithm Algorithm) (*Hasher, error) {
	switch algorithm {
	case SHA1:
		return &Hasher{algorithm: algorithm}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}

func (h *Hasher) newHash() hash.Hash {
	return sha1.New()
}

// HashReader returns the lowercase hex digest of everything read from r.
func (h *Hasher) HashReader(r io.Reader) (string, error) {
	sum := h.newHash()
	if _, err := io.Copy(sum, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// HashFile returns the lowercase hex digest of the file at path.
func (h *Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	digest, err := h.HashReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return digest, nil
}

// VerifyFile checks the file at path against version. Opaque versions always
// verify. Digest comparison ignores case.
func VerifyFile(path, version string) (bool, error) {
	token := ParseToken(version)
	if !token.Hashed() {
		return true, nil
	}

	h, err := NewHasher(token.Algorithm)
	if err != nil {
		return false, err
	}
	digest, err := h.HashFile(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(digest, token.Digest), nil
}

// Version formats a SHA1 version token for data.
func Version(data []byte) string {
	sum := sha1.Sum(data)
	return string(SHA1) + ":" + strings.ToUpper(hex.EncodeToString(sum[:]))
}
