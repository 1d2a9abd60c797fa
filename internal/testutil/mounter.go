package testutil

import (
	"path/filepath"
	"sync"

	"github.com/stretchr/testify/mock"
)

// MountCall is one call seen by Mounter.
type MountCall struct {
	Op    string
	Path  string
	Order uint32
}

// Mounter records mount and unmount calls. Paths whose base name is in the
// fail set are refused.
type Mounter struct {
	mu      sync.Mutex
	calls   []MountCall
	mounted map[string]uint32
	fail    map[string]bool
	Panic   bool
}

// NewMounter creates a mounter that accepts everything.
func NewMounter() *Mounter {
	return &Mounter{mounted: make(map[string]uint32), fail: make(map[string]bool)}
}

// Fail makes mounts of the named paks fail.
func (m *Mounter) Fail(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		m.fail[n] = true
	}
}

// Mount records the call.
func (m *Mounter) Mount(path string, order uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Panic {
		panic("mount exploded")
	}
	m.calls = append(m.calls, MountCall{Op: "mount", Path: path, Order: order})
	if m.fail[filepath.Base(path)] {
		return false
	}
	m.mounted[path] = order
	return true
}

// Unmount records the call.
func (m *Mounter) Unmount(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MountCall{Op: "unmount", Path: path})
	if _, ok := m.mounted[path]; !ok {
		return false
	}
	delete(m.mounted, path)
	return true
}

// Calls returns every call in order.
func (m *Mounter) Calls() []MountCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MountCall(nil), m.calls...)
}

// Names returns the base names passed to op, in call order.
func (m *Mounter) Names(op string) []string {
	var out []string
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, filepath.Base(c.Path))
		}
	}
	return out
}

// Orders returns the read orders passed to Mount, in call order.
func (m *Mounter) Orders() []uint32 {
	var out []uint32
	for _, c := range m.Calls() {
		if c.Op == "mount" {
			out = append(out, c.Order)
		}
	}
	return out
}

// IsMounted reports whether path is currently mounted.
func (m *Mounter) IsMounted(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.mounted[path]
	return ok
}

// MockMounter is a testify mock of the mounter interface.
type MockMounter struct {
	mock.Mock
}

func (m *MockMounter) Mount(path string, order uint32) bool {
	args := m.Called(path, order)
	return args.Bool(0)
}

func (m *MockMounter) Unmount(path string) bool {
	args := m.Called(path)
	return args.Bool(0)
}
