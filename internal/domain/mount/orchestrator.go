// Package mount drives the per-chunk mount state machine.
//
// A chunk mounts only once every member pak is cached. Members mount in chunk
// order on a bounded pool of worker goroutines; results are applied on the
// control goroutine. Unmounting always walks members in reverse order.
package mount

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/GriffinCanCode/paksync/internal/domain/pak"
	"github.com/GriffinCanCode/paksync/internal/shared/id"
)

// DefaultInitialReadOrder is the read order given to the first pak mounted
// in a session.
const DefaultInitialReadOrder uint32 = 1 << 20

// Mounter maps pak files into the content namespace. Both calls may block.
type Mounter interface {
	Mount(path string, order uint32) bool
	Unmount(path string) bool
}

// DownloadFunc requests every member of a chunk at priority.
type DownloadFunc func(chunkID int32, priority int32, cb pak.Callback)

// Config holds orchestrator settings.
type Config struct {
	Workers          int
	InitialReadOrder uint32
}

// Hooks observe mount activity. Every field is optional.
type Hooks struct {
	// Mounted is called once per finished mount task.
	Mounted func(chunkID int32, ok bool)
	// Member is called for every pak mount attempt.
	Member func(name string, ok bool)
	// Failed receives a human readable error for a rejected pak.
	Failed func(errText string)
}

// Orchestrator owns the mount tasks. Methods must be called on the control
// goroutine.
type Orchestrator struct {
	catalog  *pak.Catalog
	mounter  Mounter
	path     func(*pak.Record) string
	download DownloadFunc
	post     func(func())
	logger   *zap.Logger
	hooks    Hooks

	sem   *semaphore.Weighted
	order atomic.Uint32
	tasks map[int32]*task
	wg    sync.WaitGroup
}

type task struct {
	id        id.MountID
	chunkID   int32
	members   []*pak.Record
	paths     []string
	orders    []uint32
	results   []bool
	callbacks []pak.Callback
	done      bool
}

// New creates an orchestrator. path resolves a record to its file; download
// is used when a chunk is not fully cached.
func New(cfg Config, catalog *pak.Catalog, mounter Mounter, path func(*pak.Record) string,
	download DownloadFunc, post func(func()), logger *zap.Logger, hooks Hooks) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.InitialReadOrder == 0 {
		cfg.InitialReadOrder = DefaultInitialReadOrder
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		catalog:  catalog,
		mounter:  mounter,
		path:     path,
		download: download,
		post:     post,
		logger:   logger,
		hooks:    hooks,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		tasks:    make(map[int32]*task),
	}
	o.order.Store(cfg.InitialReadOrder)
	return o
}

// MountChunk mounts every member of chunkID, downloading first if needed.
// cb always runs on a later tick, with true only if every member mounted.
func (o *Orchestrator) MountChunk(chunkID int32, cb pak.Callback) {
	if cb == nil {
		cb = func(bool) {}
	}

	ch := o.catalog.Chunk(chunkID)
	if ch == nil {
		o.logger.Error("Unable to mount unknown chunk", zap.Int32("chunk", chunkID))
		o.post(func() { cb(false) })
		return
	}
	if len(ch.Members) == 0 || ch.Mounted {
		o.post(func() { cb(true) })
		return
	}

	if t, ok := o.tasks[chunkID]; ok {
		t.callbacks = append(t.callbacks, cb)
		return
	}

	if !o.catalog.IsCached(ch) {
		o.logger.Info("Chunk not cached, downloading before mount", zap.Int32("chunk", chunkID))
		o.download(chunkID, math.MaxInt32, func(ok bool) {
			if !ok {
				o.logger.Warn("Download for mount failed", zap.Int32("chunk", chunkID))
				cb(false)
				return
			}
			o.MountChunk(chunkID, cb)
		})
		return
	}

	t := &task{id: id.NewMountID(), chunkID: chunkID, callbacks: []pak.Callback{cb}}
	for _, rec := range o.catalog.Members(ch) {
		if rec.Mounted {
			continue
		}
		t.members = append(t.members, rec)
		t.paths = append(t.paths, o.path(rec))
		// Reserved here, not in the worker, so a chunk requested later never
		// outranks one requested earlier.
		t.orders = append(t.orders, o.order.Add(^uint32(0))+1)
	}
	t.results = make([]bool, len(t.members))
	o.tasks[chunkID] = t

	o.logger.Info("Mounting chunk",
		zap.Int32("chunk", chunkID),
		zap.String("task", t.id.String()),
		zap.Int("paks", len(t.members)))

	o.wg.Add(1)
	go o.run(t)
}

func (o *Orchestrator) run(t *task) {
	defer o.wg.Done()

	if err := o.sem.Acquire(context.Background(), 1); err != nil {
		o.post(func() { o.finish(t) })
		return
	}
	for i, path := range t.paths {
		t.results[i] = o.mountOne(path, t.orders[i])
	}
	o.sem.Release(1)

	o.post(func() { o.finish(t) })
}

// mountOne calls the primitive, converting a panic into a failed mount.
func (o *Orchestrator) mountOne(path string, order uint32) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Mount primitive panicked",
				zap.String("path", path),
				zap.Any("panic", r))
			ok = false
		}
	}()
	return o.mounter.Mount(path, order)
}

func (o *Orchestrator) finish(t *task) {
	if t.done {
		return
	}
	t.done = true
	if o.tasks[t.chunkID] == t {
		delete(o.tasks, t.chunkID)
	}

	ok := true
	for i, rec := range t.members {
		if o.hooks.Member != nil {
			o.hooks.Member(rec.Entry.Name, t.results[i])
		}
		if t.results[i] {
			rec.Mounted = true
			continue
		}
		ok = false
		errText := fmt.Sprintf("Failed to mount %s", rec.Entry.Name)
		o.logger.Error(errText, zap.Int32("chunk", t.chunkID))
		if o.hooks.Failed != nil {
			o.hooks.Failed(errText)
		}
	}

	if ch := o.catalog.Chunk(t.chunkID); ch != nil {
		members := o.catalog.Members(ch)
		all := len(members) == len(ch.Members)
		for _, rec := range members {
			all = all && rec.Mounted
		}
		ch.Mounted = all
		ok = ok && all
	}

	o.logger.Info("Mount task finished",
		zap.Int32("chunk", t.chunkID),
		zap.String("task", t.id.String()),
		zap.Bool("ok", ok))
	if o.hooks.Mounted != nil {
		o.hooks.Mounted(t.chunkID, ok)
	}
	for _, cb := range t.callbacks {
		cb := cb
		o.post(func() { cb(ok) })
	}
}

// WaitAll blocks until every worker has finished and applies their results.
func (o *Orchestrator) WaitAll() {
	o.wg.Wait()

	ids := make([]int32, 0, len(o.tasks))
	for chunkID := range o.tasks {
		ids = append(ids, chunkID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, chunkID := range ids {
		o.finish(o.tasks[chunkID])
	}
}

// Active reports whether a mount task is live for chunkID.
func (o *Orchestrator) Active(chunkID int32) bool {
	_, ok := o.tasks[chunkID]
	return ok
}

// ActiveCount returns the number of live mount tasks.
func (o *Orchestrator) ActiveCount() int {
	return len(o.tasks)
}

// UnmountChunk unmounts every member of chunkID in reverse order and clears
// its mounted flag. Returns false if any unmount was refused.
func (o *Orchestrator) UnmountChunk(chunkID int32) bool {
	ch := o.catalog.Chunk(chunkID)
	if ch == nil {
		return false
	}
	ch.Mounted = false
	return o.UnmountRecords(o.catalog.Members(ch))
}

// UnmountRecords calls the primitive for every record, last first. Records
// that are not mounted are still passed through since unmount is idempotent.
func (o *Orchestrator) UnmountRecords(recs []*pak.Record) bool {
	ok := true
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		path := o.path(rec)
		if !o.mounter.Unmount(path) && rec.Mounted {
			o.logger.Warn("Failed to unmount pak", zap.String("pak", rec.Entry.Name))
			ok = false
		}
		rec.Mounted = false
	}
	return ok
}

// NextReadOrder returns the order the next mounted pak will receive.
func (o *Orchestrator) NextReadOrder() uint32 {
	return o.order.Load()
}
