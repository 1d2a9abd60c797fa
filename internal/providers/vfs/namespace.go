// Package vfs mounts pak archives into a single virtual namespace. A pak is
// a zip archive; when two mounted paks hold the same path, the one with the
// higher read order wins.
package vfs

import (
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

// ErrNotFound reports a path that no mounted pak contains.
var ErrNotFound = errors.New("file not found in any mounted pak")

type archive struct {
	path   string
	order  uint32
	reader *zip.ReadCloser
	files  map[string]*zip.File
}

// Namespace implements mount.Mounter over zip archives. It is safe for
// concurrent use.
type Namespace struct {
	logger *zap.Logger

	mu       sync.RWMutex
	archives map[string]*archive
	// sorted holds mounted archives by descending read order.
	sorted []*archive
}

// NewNamespace creates an empty namespace.
func NewNamespace(logger *zap.Logger) *Namespace {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Namespace{
		logger:   logger.Named("vfs"),
		archives: make(map[string]*archive),
	}
}

// Mount opens the archive at p and makes its entries visible. Mounting an
// already mounted path only updates its read order.
func (n *Namespace) Mount(p string, order uint32) bool {
	n.mu.RLock()
	existing, ok := n.archives[p]
	n.mu.RUnlock()
	if ok {
		n.mu.Lock()
		existing.order = order
		n.sortLocked()
		n.mu.Unlock()
		return true
	}

	rc, err := zip.OpenReader(p)
	if err != nil {
		n.logger.Error("Failed to open pak", zap.String("path", p), zap.Error(err))
		return false
	}
	a := &archive{path: p, order: order, reader: rc, files: make(map[string]*zip.File, len(rc.File))}
	for _, f := range rc.File {
		if f.FileInfo().IsDir() {
			continue
		}
		a.files[normalize(f.Name)] = f
	}

	n.mu.Lock()
	if _, raced := n.archives[p]; raced {
		n.mu.Unlock()
		_ = rc.Close()
		return true
	}
	n.archives[p] = a
	n.sorted = append(n.sorted, a)
	n.sortLocked()
	n.mu.Unlock()

	n.logger.Info("Mounted pak",
		zap.String("path", p),
		zap.Uint32("order", order),
		zap.Int("files", len(a.files)))
	return true
}

// Unmount closes the archive at p. It returns false when p is not mounted.
func (n *Namespace) Unmount(p string) bool {
	n.mu.Lock()
	a, ok := n.archives[p]
	if !ok {
		n.mu.Unlock()
		return false
	}
	delete(n.archives, p)
	for i, s := range n.sorted {
		if s == a {
			n.sorted = append(n.sorted[:i], n.sorted[i+1:]...)
			break
		}
	}
	n.mu.Unlock()

	if err := a.reader.Close(); err != nil {
		n.logger.Warn("Failed to close pak", zap.String("path", p), zap.Error(err))
	}
	n.logger.Info("Unmounted pak", zap.String("path", p))
	return true
}

func (n *Namespace) sortLocked() {
	sort.SliceStable(n.sorted, func(i, j int) bool {
		return n.sorted[i].order > n.sorted[j].order
	})
}

// Resolve returns the pak that serves name.
func (n *Namespace) Resolve(name string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if a, _ := n.lookupLocked(normalize(name)); a != nil {
		return a.path, true
	}
	return "", false
}

// Open opens name from the highest-order pak that contains it.
func (n *Namespace) Open(name string) (io.ReadCloser, error) {
	n.mu.RLock()
	_, f := n.lookupLocked(normalize(name))
	n.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	return rc, nil
}

// ReadFile returns the contents of name.
func (n *Namespace) ReadFile(name string) ([]byte, error) {
	rc, err := n.Open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (n *Namespace) lookupLocked(name string) (*archive, *zip.File) {
	for _, a := range n.sorted {
		if f, ok := a.files[name]; ok {
			return a, f
		}
	}
	return nil, nil
}

// Mounted returns the mounted pak paths by descending read order.
func (n *Namespace) Mounted() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, len(n.sorted))
	for i, a := range n.sorted {
		out[i] = a.path
	}
	return out
}

// Close unmounts everything.
func (n *Namespace) Close() {
	for _, p := range n.Mounted() {
		n.Unmount(p)
	}
}

func normalize(name string) string {
	return strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(name, "\\", "/")), "/")
}
