// Package reconcile diffs a newly loaded manifest against the catalog.
//
// Chunks that survive are reused so their mounted flag carries over. A pak
// whose version is unchanged keeps its record; anything else gets a fresh
// record, and the old one is torn down as an orphan: its download is
// canceled, it is unmounted, and its bytes are deleted unless embedded.
package reconcile

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/paksync/internal/domain/pak"
)

// Effects are the side effects reconciliation applies. They run
// synchronously on the control goroutine.
type Effects interface {
	// CancelDownload aborts rec's download, firing its callbacks with result.
	CancelDownload(rec *pak.Record, result bool)
	// Unmount unmounts recs in reverse order.
	Unmount(recs []*pak.Record)
	// Delete removes rec's cached file.
	Delete(rec *pak.Record) error
}

// Result summarizes one reconciliation.
type Result struct {
	// Changed is true when persisted or mounted state changed.
	Changed bool
	Chunks  int
	Paks    int
	// Orphans lists removed or replaced pak names, sorted.
	Orphans []string
	// Unmounted lists chunks that lost their mounted flag.
	Unmounted []int32
	// Skipped counts duplicate or invalid entries.
	Skipped int
}

// Reconciler applies manifests to a catalog.
type Reconciler struct {
	embedded map[string]pak.Entry
	effects  Effects
	logger   *zap.Logger
}

// New creates a reconciler. embedded maps pak names to the entries shipped
// with the installation.
func New(embedded map[string]pak.Entry, effects Effects, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if embedded == nil {
		embedded = make(map[string]pak.Entry)
	}
	return &Reconciler{embedded: embedded, effects: effects, logger: logger}
}

// SetEmbedded replaces the embedded table.
func (r *Reconciler) SetEmbedded(embedded map[string]pak.Entry) {
	r.embedded = embedded
}

// Embedded returns the embedded entry for name.
func (r *Reconciler) Embedded(name string) (pak.Entry, bool) {
	e, ok := r.embedded[name]
	return e, ok
}

// Apply replaces the catalog contents with entries. All side effects have
// run by the time it returns.
func (r *Reconciler) Apply(cat *pak.Catalog, entries []pak.Entry) (Result, error) {
	var res Result
	r.logger.Info("Beginning manifest load", zap.Int("entries", len(entries)))

	order, groups, skipped := r.group(entries)
	res.Skipped = skipped

	oldRecords, oldChunks := cat.Snapshot()
	records := make(map[string]*pak.Record, len(entries))
	chunks := make(map[int32]*pak.Chunk, len(order))

	for _, chunkID := range order {
		ch, reused := oldChunks[chunkID]
		var prev []*pak.Record
		if reused {
			delete(oldChunks, chunkID)
			prev = cat.Members(ch)
		} else {
			ch = &pak.Chunk{ID: chunkID}
			res.Changed = true
		}

		members := make([]string, 0, len(groups[chunkID]))
		current := make([]*pak.Record, 0, len(groups[chunkID]))
		for _, e := range groups[chunkID] {
			rec := r.carry(oldRecords, e)
			if rec == nil {
				rec = r.fresh(e)
				res.Changed = true
			} else {
				delete(oldRecords, e.Name)
			}
			records[e.Name] = rec
			members = append(members, e.Name)
			current = append(current, rec)
		}
		if !sameNames(ch.Members, members) {
			res.Changed = true
		}
		ch.Members = members
		chunks[chunkID] = ch

		r.logger.Debug("Found chunk", zap.Int32("chunk", chunkID), zap.Int("paks", len(members)))
		res.Chunks++
		res.Paks += len(members)

		if ch.Mounted && !samePrefix(prev, current) {
			r.logger.Info("Chunk contents changed, unmounting", zap.Int32("chunk", chunkID))
			ch.Mounted = false
			r.effects.Unmount(prev)
			r.effects.Unmount(current)
			res.Unmounted = append(res.Unmounted, chunkID)
			res.Changed = true
		}
	}

	if len(oldChunks) > 0 {
		res.Changed = true
	}

	res.Orphans = r.removeOrphans(oldRecords)
	if len(res.Orphans) > 0 {
		res.Changed = true
	}

	cat.Replace(records, chunks)

	if res.Paks != len(entries)-skipped || cat.Len() != res.Paks {
		return res, fmt.Errorf("manifest load left %d paks for %d entries", cat.Len(), len(entries)-skipped)
	}

	r.logger.Info("Manifest load complete",
		zap.Int("chunks", res.Chunks),
		zap.Int("paks", res.Paks),
		zap.Int("orphans", len(res.Orphans)),
		zap.Bool("changed", res.Changed))
	return res, nil
}

// group buckets entries by chunk id in order of first appearance.
func (r *Reconciler) group(entries []pak.Entry) ([]int32, map[int32][]pak.Entry, int) {
	var order []int32
	groups := make(map[int32][]pak.Entry)
	seen := make(map[string]bool, len(entries))
	skipped := 0

	for _, e := range entries {
		if e.ChunkID < 0 {
			r.logger.Warn("Skipping manifest entry without a chunk",
				zap.String("pak", e.Name), zap.Int32("chunk", e.ChunkID))
			skipped++
			continue
		}
		if seen[e.Name] {
			r.logger.Warn("Skipping duplicate manifest entry", zap.String("pak", e.Name))
			skipped++
			continue
		}
		seen[e.Name] = true
		if _, ok := groups[e.ChunkID]; !ok {
			order = append(order, e.ChunkID)
		}
		groups[e.ChunkID] = append(groups[e.ChunkID], e)
	}
	return order, groups, skipped
}

// carry returns the existing record for e when its version is unchanged,
// refreshed with e's remote location.
func (r *Reconciler) carry(old map[string]*pak.Record, e pak.Entry) *pak.Record {
	rec := old[e.Name]
	if rec == nil || rec.Entry.Version != e.Version {
		return nil
	}
	if rec.Entry.Size != e.Size {
		r.logger.Warn("Pak size changed without a version change",
			zap.String("pak", e.Name),
			zap.Int64("old", rec.Entry.Size),
			zap.Int64("new", e.Size))
	}
	rec.Entry = e
	return rec
}

func (r *Reconciler) fresh(e pak.Entry) *pak.Record {
	rec := pak.NewRecord(e)
	if emb, ok := r.embedded[e.Name]; ok && emb.Version == e.Version {
		rec.Embedded = true
		rec.Cached = true
		rec.SizeOnDisk = emb.Size
	}
	return rec
}

func (r *Reconciler) removeOrphans(orphans map[string]*pak.Record) []string {
	names := make([]string, 0, len(orphans))
	for name := range orphans {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rec := orphans[name]
		r.logger.Info("Removing orphaned pak",
			zap.String("pak", name),
			zap.Int32("chunk", rec.Entry.ChunkID))

		if rec.Downloading() {
			r.effects.CancelDownload(rec, true)
		}
		if rec.Mounted {
			r.effects.Unmount([]*pak.Record{rec})
		}
		if rec.SizeOnDisk > 0 && !rec.Embedded {
			if err := r.effects.Delete(rec); err != nil {
				r.logger.Error("Failed to delete orphaned pak",
					zap.String("pak", name), zap.Error(err))
			}
			rec.SizeOnDisk = 0
			rec.Cached = false
		}
	}
	return names
}

// samePrefix reports whether prev and next hold the same versions in the
// same positions.
func samePrefix(prev, next []*pak.Record) bool {
	common := 0
	for common < len(prev) && common < len(next) {
		if prev[common].Entry.Version != next[common].Entry.Version {
			break
		}
		common++
	}
	return common == len(prev) && common == len(next)
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
