package engine

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/paksync/internal/domain/integrity"
	"github.com/GriffinCanCode/paksync/internal/domain/pak"
)

// FlushCache deletes the cached bytes of every pak that is neither
// embedded, mounted, nor part of a chunk with a download in progress. It
// returns the number of files it had to leave on disk.
func (e *Engine) FlushCache() (int, error) {
	if err := e.check(); err != nil {
		return 0, err
	}
	var skipped int
	if err := e.call(func() { skipped = e.flushCache() }); err != nil {
		return 0, err
	}
	return skipped, nil
}

func (e *Engine) flushCache() int {
	e.orch.WaitAll()
	e.logger.Info("Flushing pak cache", zap.String("cache_dir", e.cfg.CacheDir))

	deleted, skipped := 0, 0
	member := make(map[string]bool)

	for _, ch := range e.catalog.Chunks() {
		recs := e.catalog.Members(ch)
		pending := false
		for _, rec := range recs {
			member[rec.Entry.Name] = true
			pending = pending || rec.Downloading()
		}

		if pending {
			for _, rec := range recs {
				if rec.SizeOnDisk > 0 {
					e.logger.Warn("Skipping pak with a download pending", zap.String("pak", rec.Entry.Name))
					skipped++
				}
			}
			continue
		}

		for _, rec := range recs {
			if rec.Embedded || rec.SizeOnDisk <= 0 {
				continue
			}
			if rec.Mounted {
				e.logger.Warn("Skipping mounted pak", zap.String("pak", rec.Entry.Name))
				skipped++
				continue
			}
			if e.deletePak(rec) {
				deleted++
			} else {
				skipped++
			}
		}
	}

	// Records outside every chunk are only kept for their bytes on disk.
	for _, rec := range e.catalog.Records() {
		if member[rec.Entry.Name] || rec.Embedded || rec.Downloading() || rec.SizeOnDisk <= 0 {
			continue
		}
		if e.deletePak(rec) {
			deleted++
			e.catalog.Delete(rec.Entry.Name)
		} else {
			skipped++
		}
	}

	e.save(false)
	e.tracker.Compute()
	e.logger.Info("Cache flushed", zap.Int("deleted", deleted), zap.Int("skipped", skipped))
	return skipped
}

// deletePak removes rec's file and marks it uncached.
func (e *Engine) deletePak(rec *pak.Record) bool {
	path := e.sched.Path(rec)
	if err := e.deps.FileSystem.Remove(path); err != nil {
		e.logger.Error("Failed to delete pak", zap.String("path", path), zap.Error(err))
		return false
	}
	rec.Cached = false
	rec.SizeOnDisk = 0
	e.persist.MarkDirty()
	return true
}

type cacheCheck struct {
	rec     *pak.Record
	path    string
	version string
}

// ValidateCache hashes every cached, non-embedded pak that carries a SHA1
// version. Files that do not match are deleted and marked uncached. It
// returns the number of invalid files. Hashing runs on the calling
// goroutine.
func (e *Engine) ValidateCache() (int, error) {
	if err := e.check(); err != nil {
		return 0, err
	}

	var checks []cacheCheck
	if err := e.call(func() {
		e.orch.WaitAll()
		for _, rec := range e.catalog.Records() {
			if !rec.Cached || rec.Embedded {
				continue
			}
			if !integrity.ParseToken(rec.Entry.Version).Hashed() {
				e.logger.Debug("Skipping pak without a hash version", zap.String("pak", rec.Entry.Name))
				continue
			}
			checks = append(checks, cacheCheck{rec: rec, path: e.sched.Path(rec), version: rec.Entry.Version})
		}
	}); err != nil {
		return 0, err
	}

	e.logger.Info("Validating pak cache", zap.Int("paks", len(checks)))
	var invalid []cacheCheck
	for _, c := range checks {
		ok, err := integrity.VerifyFile(c.path, c.version)
		if err != nil {
			e.logger.Warn("Unable to hash pak", zap.String("path", c.path), zap.Error(err))
		}
		if !ok {
			invalid = append(invalid, c)
		}
	}

	if err := e.call(func() {
		for _, c := range invalid {
			if e.catalog.Record(c.rec.Entry.Name) != c.rec || !c.rec.Cached || c.rec.Entry.Version != c.version {
				continue
			}
			e.logger.Warn("Invalid pak in cache", zap.String("pak", c.rec.Entry.Name))
			if c.rec.Mounted {
				continue
			}
			e.deletePak(c.rec)
		}
		e.save(false)
	}); err != nil {
		return 0, err
	}
	return len(invalid), nil
}
