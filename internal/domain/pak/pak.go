// Package pak holds the package and chunk records shared by every part of
// the sync engine, plus the Catalog that owns them.
//
// A Catalog is not safe for concurrent use. It is owned by the engine's
// control loop and every mutation happens there.
package pak

import "fmt"

// LocalChunkID is the chunk id written for entries in the local state
// document, which only tracks on-disk presence.
const LocalChunkID int32 = -1

// LocalRelativeURL is the placeholder relative URL written to the local
// state document.
const LocalRelativeURL = "/"

// Entry describes one package as published by a manifest. It is immutable
// for a given manifest generation.
type Entry struct {
	Name        string
	Size        int64
	Version     string
	ChunkID     int32
	RelativeURL string
}

// Callback receives the terminal result of an asynchronous operation.
type Callback func(ok bool)

// Transfer is the download task handle owned by a Record while a download
// is live.
type Transfer interface {
	// BytesReceived reports the bytes received by the current attempt.
	BytesReceived() int64
}

// Record is the mutable state of one known package.
type Record struct {
	Entry Entry

	Cached   bool
	Mounted  bool
	Embedded bool

	// SizeOnDisk grows as a download progresses.
	SizeOnDisk int64
	// Priority is the max priority of every outstanding request.
	Priority int32

	// Download is non-nil while a download task is live.
	Download Transfer
	// PostDownload holds callbacks waiting on the live download.
	PostDownload []Callback
}

// NewRecord returns an uncached record for e.
func NewRecord(e Entry) *Record {
	return &Record{Entry: e}
}

// Downloading reports whether a download task is live.
func (r *Record) Downloading() bool {
	return r.Download != nil
}

// TakeCallbacks clears and returns the pending download callbacks.
func (r *Record) TakeCallbacks() []Callback {
	cbs := r.PostDownload
	r.PostDownload = nil
	return cbs
}

func (r *Record) String() string {
	return fmt.Sprintf("%s@%s", r.Entry.Name, r.Entry.Version)
}

// Chunk is an ordered group of packages that must all be present before the
// chunk is usable. Members are package names in mount order.
type Chunk struct {
	ID      int32
	Members []string
	Mounted bool
}

// Status summarizes a chunk's availability.
type Status int

const (
	StatusUnknown Status = iota
	StatusRemote
	StatusPartial
	StatusDownloading
	StatusCached
	StatusMounted
)

var statusNames = [...]string{"Unknown", "Remote", "Partial", "Downloading", "Cached", "Mounted"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText renders the status name for JSON APIs.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
