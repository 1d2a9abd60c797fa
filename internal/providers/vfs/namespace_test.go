package vfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePak(t *testing.T, dir, name string, files map[string]string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for n, body := range files {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return p
}

func TestNamespaceReadOrder(t *testing.T) {
	dir := t.TempDir()
	base := writePak(t, dir, "base.pak", map[string]string{
		"Content/Maps/town.umap": "base town",
		"Content/ui.json":        "base ui",
	})
	patch := writePak(t, dir, "patch.pak", map[string]string{
		"Content/Maps/town.umap": "patched town",
	})

	ns := NewNamespace(nil)
	t.Cleanup(ns.Close)

	require.True(t, ns.Mount(base, 100))
	require.True(t, ns.Mount(patch, 200))
	assert.Equal(t, []string{patch, base}, ns.Mounted())

	tests := []struct {
		name string
		want string
		pak  string
	}{
		{"Content/Maps/town.umap", "patched town", patch},
		{"/Content/ui.json", "base ui", base},
		{`Content\ui.json`, "base ui", base},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ns.ReadFile(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))

			p, ok := ns.Resolve(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.pak, p)
		})
	}

	require.True(t, ns.Unmount(patch))
	got, err := ns.ReadFile("Content/Maps/town.umap")
	require.NoError(t, err)
	assert.Equal(t, "base town", string(got))
}

func TestNamespaceUnmountIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	p := writePak(t, dir, "a.pak", map[string]string{"a.txt": "a"})

	ns := NewNamespace(nil)
	require.True(t, ns.Mount(p, 1))
	assert.True(t, ns.Unmount(p))
	assert.False(t, ns.Unmount(p))
	assert.False(t, ns.Unmount(filepath.Join(dir, "never.pak")))

	_, err := ns.ReadFile("a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNamespaceMountFailures(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.pak")
	require.NoError(t, os.WriteFile(junk, []byte("not a zip"), 0o644))

	ns := NewNamespace(nil)
	assert.False(t, ns.Mount(junk, 1))
	assert.False(t, ns.Mount(filepath.Join(dir, "absent.pak"), 1))
	assert.Empty(t, ns.Mounted())
}

func TestNamespaceRemountUpdatesOrder(t *testing.T) {
	dir := t.TempDir()
	a := writePak(t, dir, "a.pak", map[string]string{"x": "from a"})
	b := writePak(t, dir, "b.pak", map[string]string{"x": "from b"})

	ns := NewNamespace(nil)
	t.Cleanup(ns.Close)
	require.True(t, ns.Mount(a, 10))
	require.True(t, ns.Mount(b, 5))

	got, err := ns.ReadFile("x")
	require.NoError(t, err)
	assert.Equal(t, "from a", string(got))

	require.True(t, ns.Mount(b, 20))
	got, err = ns.ReadFile("x")
	require.NoError(t, err)
	assert.Equal(t, "from b", string(got))
}
