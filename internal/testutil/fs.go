package testutil

import (
	"sync"

	"github.com/GriffinCanCode/paksync/internal/providers/fs"
)

// FS is the host filesystem with a configurable free-space reading.
type FS struct {
	*fs.Local

	mu      sync.Mutex
	free    uint64
	limited bool
}

// NewFS returns an FS reporting unlimited space.
func NewFS() *FS {
	return &FS{Local: fs.NewLocal()}
}

// SetFree makes FreeSpace report n bytes.
func (f *FS) SetFree(n uint64) {
	f.mu.Lock()
	f.free, f.limited = n, true
	f.mu.Unlock()
}

// FreeSpace returns the configured reading, or a very large value.
func (f *FS) FreeSpace(string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limited {
		return f.free, nil
	}
	return 1 << 40, nil
}
