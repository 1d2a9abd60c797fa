package integrity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToken(t *testing.T) {
	hexDigest := "0123456789abcdef0123456789abcdef01234567"

	tests := []struct {
		name    string
		version string
		hashed  bool
	}{
		{"lowercase sha1", "SHA1:" + hexDigest, true},
		{"uppercase sha1", "SHA1:" + strings.ToUpper(hexDigest), true},
		{"opaque", "v12", false},
		{"short digest", "SHA1:abcd", false},
		{"non hex digest", "SHA1:" + strings.Repeat("z", 40), false},
		{"lowercase prefix", "sha1:" + hexDigest, false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := ParseToken(tt.version)
			assert.Equal(t, tt.hashed, token.Hashed())
			if tt.hashed {
				assert.Equal(t, hexDigest, token.Digest)
			}
		})
	}
}

func TestVerifyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.pak")
	data := []byte("pak contents")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	ok, err := VerifyFile(path, Version(data))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyFile(path, strings.ToLower(Version(data)[:5])+Version(data)[5:])
	require.NoError(t, err)
	assert.True(t, ok, "opaque token with lowercase prefix is not validated")

	ok, err = VerifyFile(path, Version([]byte("other")))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = VerifyFile(path, "v1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = VerifyFile(filepath.Join(dir, "missing.pak"), Version(data))
	assert.Error(t, err)
}

func TestNewHasherUnsupported(t *testing.T) {
	_, err := NewHasher("MD5")
	assert.Error(t, err)
}
