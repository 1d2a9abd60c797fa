package download

import (
	"errors"
	"time"

	"github.com/GriffinCanCode/paksync/internal/shared/id"
)

// ErrInsufficientSpace reports that the cache volume cannot hold a pak.
var ErrInsufficientSpace = errors.New("not enough space on device")

// Request describes one transfer attempt.
type Request struct {
	ID      id.TransferID
	URL     string
	Dest    string
	Attempt int
}

// Result is the outcome of one transfer attempt. Status is the HTTP status,
// or 0 when no response was received.
type Result struct {
	Status int
	Err    error
}

// OK reports whether the HTTP status counts as a successful transfer.
func (r Result) OK() bool {
	return r.Status == 200 || r.Status == 206
}

// Handle cancels an in-flight transfer.
type Handle interface {
	Cancel()
}

// Transport performs transfers. Callbacks may run on any goroutine;
// onComplete is called exactly once unless the transfer is canceled.
type Transport interface {
	StartTransfer(req Request, onProgress func(bytesReceived int64), onComplete func(Result)) Handle
}

// FileSystem is the subset of file operations the scheduler needs.
type FileSystem interface {
	// FreeSpace returns free bytes on the volume holding dir.
	FreeSpace(dir string) (uint64, error)
	// Size returns the size of path, or an error if it does not exist.
	Size(path string) (int64, error)
	Remove(path string) error
}

// Verifier checks a downloaded file against its version token.
type Verifier func(path, version string) (bool, error)

// Report describes a finished transfer attempt, for analytics.
type Report struct {
	File     string
	URL      string
	Size     int64
	Duration time.Duration
	Status   int
	Attempt  int
}

// Hooks observe scheduler activity. Every field is optional.
type Hooks struct {
	// Progress receives byte deltas as transfers advance or reset.
	Progress func(delta int64)
	// Started is called when a task starts.
	Started func(name string)
	// Finished is called once per task with its terminal result.
	Finished func(name string, ok bool, errText string)
	// Transfer is called for every completed transfer attempt.
	Transfer func(Report)
	// Retry is called when a retry is scheduled.
	Retry func(name string, attempt int, delay time.Duration)
	// Changed is called whenever record state that is persisted changes.
	Changed func()
	// QueueDepth receives the queue length after every change.
	QueueDepth func(n int)
}

// Config holds scheduler settings.
type Config struct {
	// MaxInFlight caps concurrent transfers.
	MaxInFlight int
	// CacheDir is where paks are written.
	CacheDir string
}

// RetryDelay returns the wait before re-attempting after failed attempt.
func RetryDelay(attempt int) time.Duration {
	seconds := (attempt + 1) * 5
	if seconds > 60 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}
