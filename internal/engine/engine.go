// Package engine is the content sync control plane.
//
// Every piece of sync state (the catalog, the download queue, mount tasks,
// the loading-mode tracker) is owned by a single control goroutine. Public
// methods either post work to it or block on a call that runs there.
// Completion callbacks and event listeners run on a second notifier
// goroutine, in FIFO order, so user code can call back into the engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/paksync/internal/domain/download"
	"github.com/GriffinCanCode/paksync/internal/domain/mount"
	"github.com/GriffinCanCode/paksync/internal/domain/pak"
	"github.com/GriffinCanCode/paksync/internal/domain/persist"
	"github.com/GriffinCanCode/paksync/internal/domain/progress"
	"github.com/GriffinCanCode/paksync/internal/domain/reconcile"
	"github.com/GriffinCanCode/paksync/internal/infrastructure/clock"
	"github.com/GriffinCanCode/paksync/internal/infrastructure/monitoring"
)

var (
	// ErrNotStarted is returned by calls made before Start.
	ErrNotStarted = errors.New("engine not started")
	// ErrStopped is returned by calls made after Stop.
	ErrStopped = errors.New("engine stopped")
	// ErrUnknownDeployment is returned when a deployment has no hosts.
	ErrUnknownDeployment = errors.New("unknown deployment")
)

const (
	statusIdle int32 = iota
	statusRunning
	statusStopped
)

// Transport fetches manifests and transfers paks.
type Transport interface {
	download.Transport
	// FetchManifest returns the body and HTTP status of url. Status is 0
	// when no response was received.
	FetchManifest(ctx context.Context, url string) ([]byte, int, error)
}

// FileSystem is the storage the engine works through.
type FileSystem interface {
	download.FileSystem
	persist.FileSystem
	MkdirAll(dir string) error
	// Enumerate lists files under dir matching a glob pattern.
	Enumerate(dir, pattern string) ([]string, error)
}

// Deps are the engine's collaborators.
type Deps struct {
	Transport  Transport
	Mounter    mount.Mounter
	FileSystem FileSystem
	Clock      clock.Clock
}

// Config holds engine settings.
type Config struct {
	Platform    string
	CacheDir    string
	EmbeddedDir string

	// Deployment is the active deployment name; Deployments maps every
	// deployment to its CDN hosts.
	Deployment  string
	Deployments map[string][]string

	BuildID   string
	ChunkList []int32

	RemoteChunkList bool
	RemoteBuildID   bool

	MaxDownloads     int
	MountWorkers     int
	InitialReadOrder uint32
	LoadingPoll      time.Duration
	LoadingIdlePolls int
	ManifestRetries  int

	LocalManifestFile       string
	CachedBuildManifestFile string
	EmbeddedManifestFile    string
	PakPattern              string
}

func (c Config) withDefaults() Config {
	if c.Platform == "" {
		c.Platform = "linux"
	}
	if c.MaxDownloads <= 0 {
		c.MaxDownloads = 2
	}
	if c.MountWorkers <= 0 {
		c.MountWorkers = 2
	}
	if c.ManifestRetries <= 0 {
		c.ManifestRetries = 10
	}
	if c.LocalManifestFile == "" {
		c.LocalManifestFile = "LocalManifest.json"
	}
	if c.CachedBuildManifestFile == "" {
		c.CachedBuildManifestFile = "CachedBuildManifest.json"
	}
	if c.EmbeddedManifestFile == "" {
		c.EmbeddedManifestFile = "EmbeddedManifest.json"
	}
	if c.PakPattern == "" {
		c.PakPattern = "*.pak"
	}
	return c
}

// Engine synchronizes paks from a CDN into a local cache and mounts them
// chunk by chunk.
type Engine struct {
	cfg       Config
	deps      Deps
	logger    *zap.Logger
	metrics   *monitoring.Metrics
	sessionID string

	status     atomic.Int32
	loop       *taskQueue
	notifier   *taskQueue
	loopDone   chan struct{}
	notifyDone chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc

	listenersMu  sync.RWMutex
	listeners    map[int]Listener
	nextListener int

	// Owned by the control goroutine.
	catalog *pak.Catalog
	sched   *download.Scheduler
	orch    *mount.Orchestrator
	recon   *reconcile.Reconciler
	persist *persist.Persister
	tracker *progress.Tracker

	deployment string
	buildID    string
	baseURLs   []string
	chunkList  []int32
	upToDate   bool
	refreshed  bool

	update      pak.Callback
	fetchCancel context.CancelFunc
	fetchGen    uint64
	fetchTimer  clock.Timer
}

// New creates a stopped engine. metrics may be nil.
func New(cfg Config, deps Deps, logger *zap.Logger, metrics *monitoring.Metrics) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	e := &Engine{
		cfg:        cfg,
		deps:       deps,
		logger:     logger.Named("engine"),
		metrics:    metrics,
		sessionID:  uuid.NewString(),
		loop:       newTaskQueue(),
		notifier:   newTaskQueue(),
		loopDone:   make(chan struct{}),
		notifyDone: make(chan struct{}),
		listeners:  make(map[int]Listener),
		catalog:    pak.NewCatalog(),
		deployment: cfg.Deployment,
		buildID:    cfg.BuildID,
		chunkList:  append([]int32(nil), cfg.ChunkList...),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.sched = download.New(
		download.Config{MaxInFlight: cfg.MaxDownloads, CacheDir: cfg.CacheDir},
		deps.Transport, deps.FileSystem, deps.Clock, e.post, logger.Named("download"),
		download.WithHooks(e.downloadHooks()),
	)
	e.orch = mount.New(
		mount.Config{Workers: cfg.MountWorkers, InitialReadOrder: cfg.InitialReadOrder},
		e.catalog, deps.Mounter, e.pakPath, e.downloadChunk, e.post, logger.Named("mount"),
		e.mountHooks(),
	)
	e.recon = reconcile.New(nil, effects{e}, logger.Named("reconcile"))
	e.persist = persist.New(deps.FileSystem,
		filepath.Join(cfg.CacheDir, cfg.LocalManifestFile),
		persist.Options{RemoteBuildID: cfg.RemoteBuildID, RemoteChunkList: cfg.RemoteChunkList},
		logger.Named("persist"))
	e.tracker = progress.New(
		progress.Config{PollInterval: cfg.LoadingPoll, IdlePolls: cfg.LoadingIdlePolls},
		deps.Clock, e.post, e.outstanding, logger.Named("progress"))
	return e
}

// SessionID identifies this engine instance in logs and API responses.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Start launches the control goroutines and runs the boot sequence. An
// engine can only be started once.
func (e *Engine) Start(ctx context.Context) error {
	if !e.status.CompareAndSwap(statusIdle, statusRunning) {
		if e.status.Load() == statusStopped {
			return ErrStopped
		}
		return errors.New("engine already started")
	}

	go e.run()
	go e.notify()

	e.logger.Info("Starting engine",
		zap.String("session", e.sessionID),
		zap.String("cache_dir", e.cfg.CacheDir),
		zap.String("build_id", e.buildID))

	var bootErr error
	if err := e.callContext(ctx, func() { bootErr = e.boot() }); err != nil {
		return err
	}
	return bootErr
}

// Stop finalizes the engine: mounts are awaited, downloads canceled,
// mounted chunks unmounted and pending callbacks failed. Stop waits for
// the control goroutines to exit or ctx to end.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.status.CompareAndSwap(statusRunning, statusStopped) {
		if e.status.Load() == statusIdle {
			return ErrNotStarted
		}
		return nil
	}

	e.logger.Info("Stopping engine", zap.String("session", e.sessionID))
	if err := e.callContext(ctx, e.finalize); err != nil {
		return err
	}

	e.loop.Close()
	if err := wait(ctx, e.loopDone); err != nil {
		return err
	}
	e.cancel()
	e.notifier.Close()
	return wait(ctx, e.notifyDone)
}

func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// check reports whether public calls are accepted.
func (e *Engine) check() error {
	switch e.status.Load() {
	case statusRunning:
		return nil
	case statusIdle:
		return ErrNotStarted
	default:
		return ErrStopped
	}
}

func (e *Engine) run() {
	defer close(e.loopDone)
	for {
		fn, ok := e.loop.Dequeue()
		if !ok {
			return
		}
		e.exec("control", fn)
	}
}

func (e *Engine) notify() {
	defer close(e.notifyDone)
	for {
		fn, ok := e.notifier.Dequeue()
		if !ok {
			return
		}
		e.exec("notifier", fn)
	}
}

func (e *Engine) exec(where string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Recovered panic", zap.String("goroutine", where), zap.Any("panic", r))
		}
	}()
	fn()
}

// post runs fn on a later tick of the control goroutine.
func (e *Engine) post(fn func()) {
	if !e.loop.Enqueue(fn) {
		e.logger.Debug("Dropping task after shutdown")
	}
}

// call runs fn on the control goroutine and waits for it.
func (e *Engine) call(fn func()) error {
	return e.callContext(context.Background(), fn)
}

func (e *Engine) callContext(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !e.loop.Enqueue(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	return wait(ctx, done)
}

// user wraps cb so it runs on the notifier goroutine.
func (e *Engine) user(cb pak.Callback) pak.Callback {
	if cb == nil {
		return func(bool) {}
	}
	return func(ok bool) {
		e.notifier.Enqueue(func() { cb(ok) })
	}
}

func (e *Engine) pakPath(rec *pak.Record) string {
	if rec.Embedded {
		return filepath.Join(e.cfg.EmbeddedDir, rec.Entry.Name)
	}
	return e.sched.Path(rec)
}

func (e *Engine) localState() persist.State {
	return persist.State{BuildID: e.buildID, ChunkList: e.chunkList}
}

// save writes the local state document when it is dirty, or always when
// forced.
func (e *Engine) save(force bool) {
	if err := e.persist.Save(e.catalog, e.localState(), force); err != nil {
		e.logger.Error("Failed to save local state", zap.Error(err))
	}
}

func (e *Engine) outstanding() (int, int64, int) {
	files, bytes := e.sched.Remaining()
	return files, bytes, e.orch.ActiveCount()
}

func (e *Engine) mountedChunks() int {
	n := 0
	for _, ch := range e.catalog.Chunks() {
		if ch.Mounted {
			n++
		}
	}
	return n
}

func (e *Engine) downloadHooks() download.Hooks {
	return download.Hooks{
		Progress: func(delta int64) {
			e.tracker.AddBytes(delta)
			if delta > 0 {
				e.metrics.AddDownloadBytes(delta)
			}
		},
		Started: func(string) {
			e.metrics.RecordDownloadStarted()
		},
		Finished: func(_ string, ok bool, errText string) {
			e.tracker.FileFinished(ok, errText)
			e.metrics.RecordDownloadResult(ok)
		},
		Transfer: func(r download.Report) {
			e.metrics.RecordTransfer(r.Status, r.Duration)
			report := r
			e.emit(Event{Kind: EventDownloadAnalytics, OK: r.Status == 200 || r.Status == 206, Analytics: &report})
		},
		Retry: func(string, int, time.Duration) {
			e.metrics.RecordRetry()
		},
		Changed: func() {
			e.persist.MarkDirty()
		},
		QueueDepth: func(n int) {
			e.metrics.SetQueueDepth(n)
		},
	}
}

func (e *Engine) mountHooks() mount.Hooks {
	return mount.Hooks{
		Mounted: func(chunkID int32, ok bool) {
			e.tracker.ChunkMounted()
			e.metrics.SetChunksMounted(e.mountedChunks())
			e.emit(Event{Kind: EventChunkMounted, ChunkID: chunkID, OK: ok})
		},
		Member: func(_ string, ok bool) {
			e.metrics.RecordMount(ok)
		},
		Failed: func(errText string) {
			e.tracker.SetError(errText)
		},
	}
}

// effects carries out the reconciler's side effects on the engine.
type effects struct{ e *Engine }

func (f effects) CancelDownload(rec *pak.Record, result bool) {
	f.e.sched.Cancel(rec, result)
}

func (f effects) Unmount(recs []*pak.Record) {
	f.e.orch.UnmountRecords(recs)
}

func (f effects) Delete(rec *pak.Record) error {
	if err := f.e.deps.FileSystem.Remove(f.e.sched.Path(rec)); err != nil {
		return fmt.Errorf("failed to delete %s: %w", rec.Entry.Name, err)
	}
	return nil
}
