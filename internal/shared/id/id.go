// Package id generates prefixed ULIDs for download tasks, mount tasks and
// loading-mode sessions. ULIDs sort by creation time, so log lines for one
// pak's successive attempts read in order.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TransferID identifies one download task for a pak.
type TransferID string

// MountID identifies one mount task for a chunk.
type MountID string

// LoadingID identifies one loading-mode window.
type LoadingID string

const (
	TransferPrefix = "xfer"
	MountPrefix    = "mnt"
	LoadingPrefix  = "load"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the shared generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand with monotonic
// entropy, so ids minted within the same millisecond still sort.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a "prefix_ULID" string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewTransferID generates a download task id.
func NewTransferID() TransferID {
	return TransferID(Default().GenerateWithPrefix(TransferPrefix))
}

// NewMountID generates a mount task id.
func NewMountID() MountID {
	return MountID(Default().GenerateWithPrefix(MountPrefix))
}

// NewLoadingID generates a loading-mode id.
func NewLoadingID() LoadingID {
	return LoadingID(Default().GenerateWithPrefix(LoadingPrefix))
}

func (id TransferID) String() string { return string(id) }
func (id MountID) String() string    { return string(id) }
func (id LoadingID) String() string  { return string(id) }

// Timestamp extracts the creation time from a prefixed or bare ULID.
func Timestamp(s string) (time.Time, error) {
	if i := strings.LastIndexByte(s, '_'); i >= 0 {
		s = s[i+1:]
	}
	parsed, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
