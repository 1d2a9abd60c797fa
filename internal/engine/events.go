package engine

import (
	"fmt"
	"sort"

	"github.com/GriffinCanCode/paksync/internal/domain/download"
)

// EventKind identifies an engine event.
type EventKind int

const (
	// EventChunkMounted reports a finished mount task for ChunkID.
	EventChunkMounted EventKind = iota + 1
	// EventPatchCompleted reports the end of a patch.
	EventPatchCompleted
	// EventMountCompleted reports the mount step of a patch.
	EventMountCompleted
	// EventDownloadAnalytics reports one finished transfer attempt.
	EventDownloadAnalytics
)

var eventNames = map[EventKind]string{
	EventChunkMounted:      "chunk-mounted",
	EventPatchCompleted:    "patch-completed",
	EventMountCompleted:    "mount-completed",
	EventDownloadAnalytics: "download-analytics",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// MarshalText renders the event name.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is delivered to every subscribed Listener.
type Event struct {
	Kind      EventKind        `json:"kind"`
	ChunkID   int32            `json:"chunk_id,omitempty"`
	OK        bool             `json:"ok"`
	Analytics *download.Report `json:"analytics,omitempty"`
}

// Listener receives events on the notifier goroutine.
type Listener func(Event)

// Subscribe registers l and returns a function that removes it.
func (e *Engine) Subscribe(l Listener) (unsubscribe func()) {
	e.listenersMu.Lock()
	key := e.nextListener
	e.nextListener++
	e.listeners[key] = l
	e.listenersMu.Unlock()

	return func() {
		e.listenersMu.Lock()
		delete(e.listeners, key)
		e.listenersMu.Unlock()
	}
}

// emit queues ev for every listener registered at delivery time.
func (e *Engine) emit(ev Event) {
	e.notifier.Enqueue(func() {
		e.listenersMu.RLock()
		keys := make([]int, 0, len(e.listeners))
		for k := range e.listeners {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		ls := make([]Listener, 0, len(keys))
		for _, k := range keys {
			ls = append(ls, e.listeners[k])
		}
		e.listenersMu.RUnlock()

		for _, l := range ls {
			l(ev)
		}
	})
}
