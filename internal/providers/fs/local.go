// Package fs is the device wrapper the engine uses for disk space, cache
// enumeration and atomic file replacement.
package fs

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
)

// Local operates on the host filesystem.
type Local struct{}

// NewLocal returns the host filesystem.
func NewLocal() *Local {
	return &Local{}
}

// FreeSpace returns the free bytes available to unprivileged users on the
// volume holding dir.
func (l *Local) FreeSpace(dir string) (uint64, error) {
	return freeSpace(dir)
}

// Size returns the size in bytes of the regular file at path.
func (l *Local) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

// Remove deletes path. A missing file is not an error.
func (l *Local) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return err
	}
	return nil
}

// MkdirAll creates dir and any missing parents.
func (l *Local) MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// ReadFile reads path.
func (l *Local) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile writes data to path, creating parent directories.
func (l *Local) WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Rename atomically replaces to with from.
func (l *Local) Rename(from, to string) error {
	return os.Rename(from, to)
}

// Exists reports whether path exists.
func (l *Local) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Enumerate returns the regular files under dir whose slash-separated path
// relative to dir matches the doublestar pattern. "*.pak" matches only the
// top level; "**/*.pak" matches at any depth. Results are sorted.
func (l *Local) Enumerate(dir, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	if _, err := os.Stat(dir); errors.Is(err, iofs.ErrNotExist) {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		matches []string
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil
		}
		if ok, _ := doublestar.Match(pattern, filepath.ToSlash(rel)); ok {
			mu.Lock()
			matches = append(matches, p)
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate %s: %w", dir, err)
	}

	sort.Strings(matches)
	return matches, nil
}
