package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/paksync/internal/domain/callback"
	"github.com/GriffinCanCode/paksync/internal/domain/pak"
)

// DownloadChunk downloads every uncached member of chunk id. cb reports
// whether all of them ended up cached.
func (e *Engine) DownloadChunk(id int32, priority int32, cb pak.Callback) error {
	if err := e.check(); err != nil {
		return err
	}
	e.post(func() { e.downloadChunk(id, priority, e.user(cb)) })
	return nil
}

// DownloadChunks downloads several chunks under one callback.
func (e *Engine) DownloadChunks(ids []int32, priority int32, cb pak.Callback) error {
	if err := e.check(); err != nil {
		return err
	}
	ids = append([]int32(nil), ids...)
	e.post(func() { e.downloadChunks(ids, priority, e.user(cb)) })
	return nil
}

// MountChunk mounts chunk id, downloading it first when needed.
func (e *Engine) MountChunk(id int32, cb pak.Callback) error {
	if err := e.check(); err != nil {
		return err
	}
	e.post(func() { e.mountChunk(id, e.user(cb)) })
	return nil
}

// MountChunks mounts several chunks under one callback.
func (e *Engine) MountChunks(ids []int32, cb pak.Callback) error {
	if err := e.check(); err != nil {
		return err
	}
	ids = append([]int32(nil), ids...)
	e.post(func() { e.mountChunks(ids, e.user(cb)) })
	return nil
}

// BeginLoadingMode starts, or joins, a loading-mode session. cb fires once
// downloads and mounts have been idle for a few polls, with false if any
// error was recorded during the session.
func (e *Engine) BeginLoadingMode(cb pak.Callback) error {
	if err := e.check(); err != nil {
		return err
	}
	e.post(func() { e.tracker.Begin(e.user(cb)) })
	return nil
}

// WaitForMounts blocks until every running mount task has finished and its
// result has been applied.
func (e *Engine) WaitForMounts() error {
	if err := e.check(); err != nil {
		return err
	}
	return e.call(e.orch.WaitAll)
}

func (e *Engine) downloadChunk(id int32, priority int32, cb pak.Callback) {
	ch := e.catalog.Chunk(id)
	if ch == nil {
		e.logger.Warn("Ignoring download request for unknown chunk", zap.Int32("chunk", id))
		e.post(func() { cb(false) })
		return
	}
	if len(ch.Members) == 0 || e.catalog.IsCached(ch) {
		e.post(func() { cb(true) })
		return
	}

	e.downloadChunkInternal(ch, priority, cb)
	e.save(false)
	e.tracker.Compute()
}

func (e *Engine) downloadChunks(ids []int32, priority int32, cb pak.Callback) {
	var work []*pak.Chunk
	for _, id := range ids {
		ch := e.catalog.Chunk(id)
		if ch == nil || len(ch.Members) == 0 {
			e.logger.Warn("Ignoring download request for chunk with no paks", zap.Int32("chunk", id))
			continue
		}
		if !e.catalog.IsCached(ch) {
			work = append(work, ch)
		}
	}
	if len(work) == 0 {
		e.post(func() { cb(true) })
		return
	}

	agg := callback.New(callback.Func(cb))
	for _, ch := range work {
		e.downloadChunkInternal(ch, priority, pak.Callback(agg.Add()))
	}
	if err := agg.Seal(); err != nil {
		e.logger.Error("Download aggregator sealed empty", zap.Error(err))
	}

	e.save(false)
	e.tracker.Compute()
}

// downloadChunkInternal requests every uncached member of ch.
func (e *Engine) downloadChunkInternal(ch *pak.Chunk, priority int32, cb pak.Callback) {
	if e.catalog.IsCached(ch) {
		e.post(func() { cb(true) })
		return
	}
	if len(e.sched.Hosts()) == 0 {
		e.logger.Error("Unable to download chunk, no CDN hosts", zap.Int32("chunk", ch.ID))
		e.tracker.SetError(fmt.Sprintf("Unable to download chunk %d. (NoCDN)", ch.ID))
		e.post(func() { cb(false) })
		return
	}

	e.logger.Info("Downloading chunk", zap.Int32("chunk", ch.ID), zap.Int32("priority", priority))
	agg := callback.New(callback.Func(cb))
	for _, rec := range e.catalog.Members(ch) {
		if rec.Cached {
			continue
		}
		e.sched.Request(rec, priority, pak.Callback(agg.Add()))
	}
	if err := agg.Seal(); err != nil {
		e.post(func() { cb(true) })
	}
}

func (e *Engine) mountChunk(id int32, cb pak.Callback) {
	e.orch.MountChunk(id, cb)
	e.save(false)
	e.tracker.Compute()
}

func (e *Engine) mountChunks(ids []int32, cb pak.Callback) {
	var work []int32
	for _, id := range ids {
		ch := e.catalog.Chunk(id)
		if ch == nil || len(ch.Members) == 0 {
			e.logger.Warn("Ignoring mount request for chunk with no paks", zap.Int32("chunk", id))
			continue
		}
		if !ch.Mounted {
			work = append(work, id)
		}
	}
	if len(work) == 0 {
		e.post(func() { cb(true) })
		return
	}

	agg := callback.New(callback.Func(cb))
	for _, id := range work {
		e.orch.MountChunk(id, pak.Callback(agg.Add()))
	}
	if err := agg.Seal(); err != nil {
		e.logger.Error("Mount aggregator sealed empty", zap.Error(err))
	}

	e.save(false)
	e.tracker.Compute()
}
