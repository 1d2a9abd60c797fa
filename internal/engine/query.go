package engine

import (
	"fmt"

	"github.com/GriffinCanCode/paksync/internal/domain/pak"
	"github.com/GriffinCanCode/paksync/internal/domain/progress"
)

// Location describes where a chunk's content can be read from.
type Location int

const (
	LocationNotAvailable Location = iota
	LocationLocalSlow
	LocationLocalFast
)

var locationNames = [...]string{"NotAvailable", "LocalSlow", "LocalFast"}

func (l Location) String() string {
	if l < 0 || int(l) >= len(locationNames) {
		return fmt.Sprintf("Location(%d)", int(l))
	}
	return locationNames[l]
}

// MarshalText renders the location name.
func (l Location) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ChunkInfo is a point-in-time view of one chunk.
type ChunkInfo struct {
	ID      int32      `json:"id"`
	Status  pak.Status `json:"status"`
	Paks    int        `json:"paks"`
	Size    int64      `json:"size"`
	OnDisk  int64      `json:"on_disk"`
	Mounted bool       `json:"mounted"`
}

// Snapshot summarizes engine state.
type Snapshot struct {
	Session   string         `json:"session"`
	BuildID   string         `json:"build_id"`
	UpToDate  bool           `json:"up_to_date"`
	ChunkList []int32        `json:"chunk_list"`
	Progress  float64        `json:"progress"`
	Loading   bool           `json:"loading"`
	Stats     progress.Stats `json:"stats"`
}

// GetChunkStatus returns the availability of chunk id.
func (e *Engine) GetChunkStatus(id int32) (pak.Status, error) {
	var status pak.Status
	err := e.query(func() { status = e.catalog.Status(id) })
	return status, err
}

// GetAllChunkIDs returns every chunk id in the loaded manifest.
func (e *Engine) GetAllChunkIDs() ([]int32, error) {
	var ids []int32
	err := e.query(func() { ids = e.catalog.ChunkIDs() })
	return ids, err
}

// GetLoadingStats recomputes and returns the loading-mode counters.
func (e *Engine) GetLoadingStats() (progress.Stats, error) {
	var stats progress.Stats
	err := e.query(func() { stats = e.tracker.Compute() })
	return stats, err
}

// PatchProgress returns a 0..1 estimate of how far the download list is
// from being fully mounted.
func (e *Engine) PatchProgress() (float64, error) {
	var p float64
	err := e.query(func() { p = e.patchProgress() })
	return p, err
}

// ChunkLocation reports where chunk id can be read from.
func (e *Engine) ChunkLocation(id int32) (Location, error) {
	var loc Location
	err := e.query(func() { loc = e.chunkLocation(id) })
	return loc, err
}

// IsReadyForPatching reports whether the manifest is current and lists
// every chunk in the download list.
func (e *Engine) IsReadyForPatching() (bool, error) {
	var ready bool
	err := e.query(func() { ready = e.readyForPatching() })
	return ready, err
}

// Chunks describes every chunk in the loaded manifest.
func (e *Engine) Chunks() ([]ChunkInfo, error) {
	var out []ChunkInfo
	err := e.query(func() {
		for _, ch := range e.catalog.Chunks() {
			out = append(out, e.chunkInfo(ch))
		}
	})
	return out, err
}

// Chunk describes one chunk. ok is false for an unknown id.
func (e *Engine) Chunk(id int32) (info ChunkInfo, ok bool, err error) {
	err = e.query(func() {
		ch := e.catalog.Chunk(id)
		if ch == nil {
			return
		}
		info, ok = e.chunkInfo(ch), true
	})
	return info, ok, err
}

// Snapshot returns a summary of engine state.
func (e *Engine) Snapshot() (Snapshot, error) {
	var s Snapshot
	err := e.query(func() {
		s = Snapshot{
			Session:   e.sessionID,
			BuildID:   e.buildID,
			UpToDate:  e.upToDate,
			ChunkList: append([]int32(nil), e.chunkList...),
			Progress:  e.patchProgress(),
			Loading:   e.tracker.Active(),
			Stats:     e.tracker.Compute(),
		}
	})
	return s, err
}

func (e *Engine) query(fn func()) error {
	if err := e.check(); err != nil {
		return err
	}
	return e.call(fn)
}

func (e *Engine) chunkInfo(ch *pak.Chunk) ChunkInfo {
	info := ChunkInfo{
		ID:      ch.ID,
		Status:  e.catalog.Status(ch.ID),
		Paks:    len(ch.Members),
		Mounted: ch.Mounted,
	}
	for _, rec := range e.catalog.Members(ch) {
		info.Size += rec.Entry.Size
		info.OnDisk += rec.SizeOnDisk
	}
	return info
}

func (e *Engine) patchProgress() float64 {
	if len(e.chunkList) == 0 {
		return 1
	}

	var sum float64
	for _, id := range e.chunkList {
		switch e.catalog.Status(id) {
		case pak.StatusMounted:
			sum++
		case pak.StatusCached:
			sum += 0.95
		case pak.StatusDownloading:
			sum += e.downloadFraction(id)
		case pak.StatusPartial:
			sum += 0.1
		}
	}
	return sum / float64(len(e.chunkList))
}

// downloadFraction scores a downloading chunk by its first live transfer.
func (e *Engine) downloadFraction(id int32) float64 {
	for _, rec := range e.catalog.Members(e.catalog.Chunk(id)) {
		if rec.Download == nil || rec.Entry.Size <= 0 {
			continue
		}
		f := float64(rec.Download.BytesReceived()) / float64(rec.Entry.Size) * 0.9
		if f < 0 {
			f = 0
		}
		if f > 0.9 {
			f = 0.9
		}
		return f
	}
	return 0
}

func (e *Engine) chunkLocation(id int32) Location {
	if id == 0 {
		return LocationLocalFast
	}
	switch e.catalog.Status(id) {
	case pak.StatusMounted, pak.StatusCached:
		return LocationLocalFast
	default:
		return LocationNotAvailable
	}
}

func (e *Engine) readyForPatching() bool {
	if !e.upToDate {
		return false
	}
	for _, id := range e.chunkList {
		if e.catalog.Status(id) == pak.StatusUnknown {
			return false
		}
	}
	return true
}
