package download

import (
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/paksync/internal/domain/integrity"
	"github.com/GriffinCanCode/paksync/internal/domain/pak"
	"github.com/GriffinCanCode/paksync/internal/infrastructure/clock"
)

// Scheduler owns the download queue and every live task.
type Scheduler struct {
	cfg       Config
	transport Transport
	fs        FileSystem
	clock     clock.Clock
	post      func(func())
	verify    Verifier
	logger    *zap.Logger
	hooks     Hooks

	hosts  []string
	queue  []*pak.Record
	halted bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithVerifier replaces integrity.VerifyFile.
func WithVerifier(v Verifier) Option {
	return func(s *Scheduler) { s.verify = v }
}

// WithHooks installs activity hooks.
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) { s.hooks = h }
}

// New creates a scheduler. post must run functions on the control goroutine
// in FIFO order.
func New(cfg Config, transport Transport, fs FileSystem, clk clock.Clock, post func(func()), logger *zap.Logger, opts ...Option) *Scheduler {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:       cfg,
		transport: transport,
		fs:        fs,
		clock:     clk,
		post:      post,
		verify:    integrity.VerifyFile,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHosts replaces the base URLs transfers rotate through.
func (s *Scheduler) SetHosts(hosts []string) {
	s.hosts = append([]string(nil), hosts...)
}

// Hosts returns the configured base URLs.
func (s *Scheduler) Hosts() []string {
	return append([]string(nil), s.hosts...)
}

// Path returns where rec is stored in the cache.
func (s *Scheduler) Path(rec *pak.Record) string {
	return filepath.Join(s.cfg.CacheDir, rec.Entry.Name)
}

// Request asks for rec to be downloaded. priority raises the record's
// priority if higher than any outstanding request. cb, if non-nil, fires
// exactly once with the terminal result of the download. A record that is
// already cached completes successfully on the next tick.
func (s *Scheduler) Request(rec *pak.Record, priority int32, cb pak.Callback) {
	if rec.Cached && !rec.Downloading() {
		if cb != nil {
			s.post(func() { cb(true) })
		}
		return
	}

	queued := s.indexOf(rec) >= 0
	if !queued && !rec.Downloading() {
		rec.Priority = priority
	} else if priority > rec.Priority {
		rec.Priority = priority
	}

	if cb != nil {
		rec.PostDownload = append(rec.PostDownload, cb)
	}

	if !queued {
		s.queue = append(s.queue, rec)
	}
	s.sortQueue()
	s.reportDepth()
	s.Issue()
}

// Issue starts transfers, in queue order, for records with no live task
// until MaxInFlight tasks are live. Records that became cached while queued
// are completed and removed.
func (s *Scheduler) Issue() {
	if s.halted {
		return
	}
	s.pruneCached()

	var starts []*pak.Record
	free := s.cfg.MaxInFlight - s.InFlight()
	for _, rec := range s.queue {
		if free <= 0 {
			break
		}
		if rec.Downloading() || rec.Cached {
			continue
		}
		starts = append(starts, rec)
		free--
	}

	for _, rec := range starts {
		// A completion inside an earlier start may have re-issued already.
		if rec.Downloading() || rec.Cached || s.indexOf(rec) < 0 || s.InFlight() >= s.cfg.MaxInFlight {
			continue
		}
		t := newTask(s, rec)
		rec.Download = t
		s.changed()
		if s.hooks.Started != nil {
			s.hooks.Started(rec.Entry.Name)
		}
		t.start()
	}
}

// Cancel aborts any download of rec and fires its pending callbacks with
// result. Returns false if rec was neither queued nor downloading.
func (s *Scheduler) Cancel(rec *pak.Record, result bool) bool {
	if t, ok := rec.Download.(*task); ok && !t.done {
		t.cancel(result)
		return true
	}
	if s.remove(rec) {
		s.logger.Info("Dropping queued download",
			zap.String("pak", rec.Entry.Name),
			zap.Bool("result", result))
		s.fire(rec.TakeCallbacks(), result)
		s.reportDepth()
		s.Issue()
		return true
	}
	return false
}

// CancelAll cancels every queued or running download without starting any
// of the records behind them.
func (s *Scheduler) CancelAll(result bool) {
	s.halted = true
	defer func() { s.halted = false }()
	for _, rec := range append([]*pak.Record(nil), s.queue...) {
		s.Cancel(rec, result)
	}
}

// Queue returns the queued records in service order.
func (s *Scheduler) Queue() []*pak.Record {
	return append([]*pak.Record(nil), s.queue...)
}

// InFlight returns the number of live tasks.
func (s *Scheduler) InFlight() int {
	n := 0
	for _, rec := range s.queue {
		if rec.Downloading() {
			n++
		}
	}
	return n
}

// Remaining returns the files queued and the bytes they still need.
func (s *Scheduler) Remaining() (files int, bytes int64) {
	for _, rec := range s.queue {
		files++
		if rec.Download != nil {
			bytes += rec.Entry.Size - rec.Download.BytesReceived()
		} else {
			bytes += rec.Entry.Size
		}
	}
	return files, bytes
}

// State returns the task state of rec's live download, or Idle.
func (s *Scheduler) State(rec *pak.Record) State {
	if t, ok := rec.Download.(*task); ok {
		return t.state
	}
	return StateIdle
}

func (s *Scheduler) sortQueue() {
	sort.SliceStable(s.queue, func(i, j int) bool {
		return s.queue[i].Priority > s.queue[j].Priority
	})
}

func (s *Scheduler) indexOf(rec *pak.Record) int {
	for i, r := range s.queue {
		if r == rec {
			return i
		}
	}
	return -1
}

func (s *Scheduler) remove(rec *pak.Record) bool {
	i := s.indexOf(rec)
	if i < 0 {
		return false
	}
	s.queue = append(s.queue[:i], s.queue[i+1:]...)
	return true
}

func (s *Scheduler) pruneCached() {
	var done []*pak.Record
	kept := s.queue[:0]
	for _, rec := range s.queue {
		if rec.Cached && !rec.Downloading() {
			done = append(done, rec)
			continue
		}
		kept = append(kept, rec)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept

	for _, rec := range done {
		s.fire(rec.TakeCallbacks(), true)
	}
	if len(done) > 0 {
		s.reportDepth()
	}
}

// fire schedules every callback for the next tick.
func (s *Scheduler) fire(cbs []pak.Callback, ok bool) {
	for _, cb := range cbs {
		cb := cb
		s.post(func() { cb(ok) })
	}
}

func (s *Scheduler) changed() {
	if s.hooks.Changed != nil {
		s.hooks.Changed()
	}
}

func (s *Scheduler) progress(delta int64) {
	if delta != 0 && s.hooks.Progress != nil {
		s.hooks.Progress(delta)
	}
}

func (s *Scheduler) reportDepth() {
	if s.hooks.QueueDepth != nil {
		s.hooks.QueueDepth(len(s.queue))
	}
}

// hasSpaceFor reports whether the cache volume can hold the rest of rec.
// An unreadable volume is assumed to have room.
func (s *Scheduler) hasSpaceFor(rec *pak.Record) bool {
	free, err := s.fs.FreeSpace(s.cfg.CacheDir)
	if err != nil {
		s.logger.Debug("Free space unavailable", zap.Error(err))
		return true
	}
	needed := rec.Entry.Size - rec.SizeOnDisk
	if needed <= 0 {
		return true
	}
	if free < uint64(needed) {
		s.logger.Warn("Not enough space for download",
			zap.String("pak", rec.Entry.Name),
			zap.Int64("needed", needed),
			zap.Uint64("free", free))
		return false
	}
	return true
}

func joinURL(base, rel string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(rel, "/")
}
