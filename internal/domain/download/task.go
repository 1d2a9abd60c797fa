package download

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/paksync/internal/domain/integrity"
	"github.com/GriffinCanCode/paksync/internal/domain/pak"
	"github.com/GriffinCanCode/paksync/internal/infrastructure/clock"
	"github.com/GriffinCanCode/paksync/internal/shared/id"
)

// State is a download task's position in its retry state machine.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateValidating
	StateRetrying
	StateSucceeded
	StateFailed
	StateCanceled
)

var stateNames = [...]string{"idle", "requesting", "validating", "retrying", "succeeded", "failed", "canceled"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// task downloads one record. All fields are owned by the control goroutine.
type task struct {
	s    *Scheduler
	rec  *pak.Record
	id   id.TransferID
	path string

	attempt  int
	state    State
	handle   Handle
	timer    clock.Timer
	received int64
	began    time.Time
	done     bool
}

func newTask(s *Scheduler, rec *pak.Record) *task {
	return &task{
		s:    s,
		rec:  rec,
		id:   id.NewTransferID(),
		path: s.Path(rec),
	}
}

// BytesReceived implements pak.Transfer.
func (t *task) BytesReceived() int64 {
	return t.received
}

func (t *task) log() *zap.Logger {
	return t.s.logger.With(
		zap.String("pak", t.rec.Entry.Name),
		zap.String("transfer", t.id.String()),
	)
}

func (t *task) start() {
	t.log().Info("Starting download",
		zap.Int64("size", t.rec.Entry.Size),
		zap.Int64("on_disk", t.rec.SizeOnDisk),
		zap.Int32("priority", t.rec.Priority))

	if !t.s.hasSpaceFor(t.rec) {
		t.s.post(func() {
			if !t.done {
				t.complete(false, ErrInsufficientSpace.Error())
			}
		})
		return
	}
	t.attemptTransfer(0)
}

func (t *task) attemptTransfer(attempt int) {
	t.attempt = attempt
	t.timer = nil
	t.began = t.s.clock.Now()
	t.setReceived(0)

	hosts := t.s.hosts
	if len(hosts) == 0 {
		t.s.post(func() {
			if !t.done {
				t.complete(false, "no CDN hosts configured")
			}
		})
		return
	}

	url := joinURL(hosts[attempt%len(hosts)], t.rec.Entry.RelativeURL)
	t.state = StateRequesting
	t.log().Debug("Requesting transfer", zap.String("url", url), zap.Int("attempt", attempt))

	req := Request{ID: t.id, URL: url, Dest: t.path, Attempt: attempt}
	t.handle = t.s.transport.StartTransfer(req,
		func(n int64) {
			t.s.post(func() {
				if t.current(attempt) {
					t.setReceived(n)
				}
			})
		},
		func(res Result) {
			t.s.post(func() {
				if t.current(attempt) {
					t.transferred(url, res)
				}
			})
		},
	)
}

// current reports whether a transport callback for attempt is still wanted.
func (t *task) current(attempt int) bool {
	return !t.done && t.attempt == attempt && t.state == StateRequesting
}

func (t *task) transferred(url string, res Result) {
	t.handle = nil

	var size int64
	if n, err := t.s.fs.Size(t.path); err == nil && n > 0 {
		size = n
	}
	t.rec.SizeOnDisk = size
	t.s.changed()

	if t.s.hooks.Transfer != nil {
		t.s.hooks.Transfer(Report{
			File:     t.rec.Entry.Name,
			URL:      url,
			Size:     size,
			Duration: t.s.clock.Now().Sub(t.began),
			Status:   res.Status,
			Attempt:  t.attempt,
		})
	}

	if !res.OK() {
		t.log().Warn("Transfer failed",
			zap.String("url", url),
			zap.Int("status", res.Status),
			zap.Int("attempt", t.attempt),
			zap.Error(res.Err))
		t.retry()
		return
	}

	if size != t.rec.Entry.Size {
		t.log().Error("Size mismatch",
			zap.Int64("expected", t.rec.Entry.Size),
			zap.Int64("actual", size))
		t.discard()
		t.retry()
		return
	}

	if !integrity.ParseToken(t.rec.Entry.Version).Hashed() {
		t.succeed()
		return
	}

	t.state = StateValidating
	attempt := t.attempt
	path, version, verify := t.path, t.rec.Entry.Version, t.s.verify
	go func() {
		ok, err := verify(path, version)
		t.s.post(func() {
			if t.done || t.attempt != attempt || t.state != StateValidating {
				return
			}
			t.validated(ok, err)
		})
	}()
}

func (t *task) validated(ok bool, err error) {
	if ok {
		t.succeed()
		return
	}
	t.log().Error("Checksum mismatch",
		zap.String("expected", t.rec.Entry.Version),
		zap.Error(err))
	t.discard()
	t.retry()
}

func (t *task) discard() {
	if err := t.s.fs.Remove(t.path); err != nil {
		t.log().Warn("Failed to delete invalid download", zap.Error(err))
	}
	t.rec.SizeOnDisk = 0
	t.setReceived(0)
	t.s.changed()
}

func (t *task) retry() {
	if !t.s.hasSpaceFor(t.rec) {
		t.complete(false, ErrInsufficientSpace.Error())
		return
	}

	delay := RetryDelay(t.attempt)
	next := t.attempt + 1
	t.state = StateRetrying
	t.log().Info("Will re-attempt download", zap.Duration("delay", delay), zap.Int("attempt", next))
	if t.s.hooks.Retry != nil {
		t.s.hooks.Retry(t.rec.Entry.Name, next, delay)
	}

	t.timer = t.s.clock.AfterFunc(delay, func() {
		t.s.post(func() {
			if !t.done && t.state == StateRetrying && t.attempt == next-1 {
				t.attemptTransfer(next)
			}
		})
	})
}

func (t *task) succeed() {
	t.rec.Cached = true
	t.complete(true, "")
}

func (t *task) cancel(result bool) {
	t.log().Warn("Canceling download", zap.Bool("result", result))
	t.state = StateCanceled
	if t.handle != nil {
		t.handle.Cancel()
		t.handle = nil
	}
	t.complete(result, fmt.Sprintf("Download of '%s' was canceled.", t.rec.Entry.Name))
}

func (t *task) complete(ok bool, errText string) {
	if t.done {
		return
	}
	t.done = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.state != StateCanceled {
		if ok {
			t.state = StateSucceeded
		} else {
			t.state = StateFailed
		}
	}

	if ok {
		t.setReceived(t.rec.SizeOnDisk)
		t.log().Info("Download complete", zap.Int64("bytes", t.rec.SizeOnDisk))
	} else {
		t.setReceived(0)
		t.log().Error("Download failed", zap.String("reason", errText))
	}

	if t.s.hooks.Finished != nil {
		t.s.hooks.Finished(t.rec.Entry.Name, ok, errText)
	}
	t.s.fire(t.rec.TakeCallbacks(), ok)

	if t.rec.Download == pak.Transfer(t) {
		t.rec.Download = nil
	}
	t.s.remove(t.rec)
	t.s.changed()
	t.s.reportDepth()
	t.s.Issue()
}

func (t *task) setReceived(n int64) {
	delta := n - t.received
	t.received = n
	t.s.progress(delta)
}
