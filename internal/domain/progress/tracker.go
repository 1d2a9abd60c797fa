// Package progress aggregates download and mount counters into loading mode.
package progress

import (
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/paksync/internal/domain/pak"
	"github.com/GriffinCanCode/paksync/internal/infrastructure/clock"
	"github.com/GriffinCanCode/paksync/internal/shared/id"
)

// Defaults for Config.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultIdlePolls    = 5
)

// Stats are the loading mode counters. Cumulative counters reset when a new
// loading mode begins; totals are cumulative plus outstanding work.
type Stats struct {
	BytesDownloaded int64     `json:"bytes_downloaded"`
	FilesDownloaded int       `json:"files_downloaded"`
	ChunksMounted   int       `json:"chunks_mounted"`
	TotalBytes      int64     `json:"total_bytes_to_download"`
	TotalFiles      int       `json:"total_files_to_download"`
	TotalChunks     int       `json:"total_chunks_to_mount"`
	StartTime       time.Time `json:"loading_start_time"`
	LastError       string    `json:"last_error,omitempty"`
}

// Outstanding is the work still queued: files and bytes waiting on the
// download queue and chunks with a live mount task.
type Outstanding func() (files int, bytes int64, mounts int)

// Config holds tracker settings.
type Config struct {
	PollInterval time.Duration
	IdlePolls    int
}

// Tracker owns loading mode. Methods must be called on the control
// goroutine; poll timers post back through post.
type Tracker struct {
	cfg         Config
	clock       clock.Clock
	post        func(func())
	outstanding Outstanding
	logger      *zap.Logger

	stats   Stats
	session id.LoadingID
	waiters []pak.Callback
	idle    int
	timer   clock.Timer
}

// New creates a tracker.
func New(cfg Config, clk clock.Clock, post func(func()), outstanding Outstanding, logger *zap.Logger) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.IdlePolls <= 0 {
		cfg.IdlePolls = DefaultIdlePolls
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{cfg: cfg, clock: clk, post: post, outstanding: outstanding, logger: logger}
}

// Active reports whether loading mode is running.
func (t *Tracker) Active() bool {
	return len(t.waiters) > 0
}

// Begin starts loading mode, or joins the running one. cb fires once loading
// mode ends, with true if no error was recorded since it began.
func (t *Tracker) Begin(cb pak.Callback) {
	if cb == nil {
		cb = func(bool) {}
	}
	if t.Active() {
		t.logger.Info("Joining loading mode", zap.String("session", t.session.String()))
		t.waiters = append(t.waiters, cb)
		return
	}

	t.session = id.NewLoadingID()
	t.logger.Info("Beginning loading mode", zap.String("session", t.session.String()))
	t.stats.LastError = ""
	t.stats.BytesDownloaded = 0
	t.stats.FilesDownloaded = 0
	t.stats.ChunksMounted = 0
	t.stats.StartTime = t.clock.Now()
	t.Compute()

	t.waiters = append(t.waiters, cb)
	t.idle = 0
	t.schedule()
}

// Compute refreshes the totals and returns the stats.
func (t *Tracker) Compute() Stats {
	files, bytes, mounts := 0, int64(0), 0
	if t.outstanding != nil {
		files, bytes, mounts = t.outstanding()
	}
	t.stats.TotalBytes = t.stats.BytesDownloaded + bytes
	t.stats.TotalFiles = t.stats.FilesDownloaded + files
	t.stats.TotalChunks = t.stats.ChunksMounted + mounts
	return t.stats
}

// Stats returns the counters without recomputing totals.
func (t *Tracker) Stats() Stats {
	return t.stats
}

// AddBytes adds a download progress delta.
func (t *Tracker) AddBytes(delta int64) {
	t.stats.BytesDownloaded += delta
}

// FileFinished counts a terminal download. A failure records errText.
func (t *Tracker) FileFinished(ok bool, errText string) {
	t.stats.FilesDownloaded++
	if !ok {
		t.SetError(errText)
	}
}

// ChunkMounted counts a finished mount task.
func (t *Tracker) ChunkMounted() {
	t.stats.ChunksMounted++
}

// SetError records the most recent error.
func (t *Tracker) SetError(errText string) {
	if errText != "" {
		t.stats.LastError = errText
	}
}

// LastError returns the most recent error.
func (t *Tracker) LastError() string {
	return t.stats.LastError
}

// Finalize ends loading mode, failing every waiter.
func (t *Tracker) Finalize() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.end(false)
}

func (t *Tracker) schedule() {
	t.timer = t.clock.AfterFunc(t.cfg.PollInterval, func() {
		t.post(t.poll)
	})
}

func (t *Tracker) poll() {
	t.timer = nil
	if !t.Active() {
		return
	}

	s := t.Compute()
	if s.FilesDownloaded >= s.TotalFiles && s.ChunksMounted >= s.TotalChunks {
		t.idle++
		if t.idle >= t.cfg.IdlePolls {
			t.logger.Info("Ending loading mode",
				zap.String("session", t.session.String()),
				zap.Int("files", s.FilesDownloaded),
				zap.Int("chunks", s.ChunksMounted),
				zap.String("last_error", s.LastError))
			t.end(s.LastError == "")
			return
		}
	} else {
		t.idle = 0
	}
	t.schedule()
}

func (t *Tracker) end(ok bool) {
	waiters := t.waiters
	t.waiters = nil
	t.idle = 0
	for _, cb := range waiters {
		cb := cb
		t.post(func() { cb(ok) })
	}
}
