package engine

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/paksync/internal/domain/pak"
)

// StartPatch brings every chunk in the download list to mounted. Progress
// is reported through patch-completed and mount-completed events. It
// returns false when a listed chunk is not in the manifest.
func (e *Engine) StartPatch() (bool, error) {
	if err := e.check(); err != nil {
		return false, err
	}
	var started bool
	if err := e.call(func() { started = e.startPatch() }); err != nil {
		return false, err
	}
	return started, nil
}

func (e *Engine) startPatch() bool {
	if !e.upToDate {
		e.logger.Warn("Manifest is not up to date, updating before patch")
		e.updateBuild(e.deployment, e.buildID, func(ok bool) {
			if !ok {
				e.logger.Error("Failed to update manifest, cannot start patch")
				e.emit(Event{Kind: EventPatchCompleted, OK: false})
				return
			}
			e.logger.Info("Manifest updated, retrying patch")
			if !e.startPatch() {
				e.emit(Event{Kind: EventPatchCompleted, OK: false})
			}
		})
		return true
	}

	var mounted, cached, downloadable, missing []int32
	for _, id := range e.chunkList {
		switch e.catalog.Status(id) {
		case pak.StatusMounted:
			mounted = append(mounted, id)
		case pak.StatusCached:
			cached = append(cached, id)
		case pak.StatusRemote, pak.StatusPartial, pak.StatusDownloading:
			downloadable = append(downloadable, id)
		default:
			missing = append(missing, id)
		}
	}

	e.logger.Info("Patch analysis",
		zap.Int("mounted", len(mounted)),
		zap.Int("cached", len(cached)),
		zap.Int("downloadable", len(downloadable)),
		zap.Int("missing", len(missing)))

	if len(missing) > 0 {
		e.logger.Error("Cannot patch, chunks missing from manifest", zap.Int32s("chunks", missing))
		return false
	}
	if len(mounted) == len(e.chunkList) {
		e.logger.Info("All chunks already mounted")
		e.emit(Event{Kind: EventPatchCompleted, OK: true})
		return true
	}

	e.tracker.Begin(func(ok bool) {
		e.logger.Info("Patch finished", zap.Bool("ok", ok))
		e.emit(Event{Kind: EventPatchCompleted, OK: ok})
	})

	mountDone := func(ok bool) {
		e.emit(Event{Kind: EventMountCompleted, OK: ok})
	}

	switch {
	case len(downloadable) > 0:
		process := append(append([]int32(nil), cached...), downloadable...)
		e.downloadChunks(downloadable, 0, func(ok bool) {
			if !ok {
				e.logger.Error("Patch download failed")
				return
			}
			e.mountChunks(process, mountDone)
		})
	case len(cached) > 0:
		e.mountChunks(cached, mountDone)
	}
	return true
}
