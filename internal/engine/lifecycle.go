package engine

import (
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/paksync/internal/domain/manifest"
	"github.com/GriffinCanCode/paksync/internal/domain/pak"
)

// boot prepares the cache and loads whatever build is available locally.
// Runs on the control goroutine.
func (e *Engine) boot() error {
	if err := e.deps.FileSystem.MkdirAll(e.cfg.CacheDir); err != nil {
		return fmt.Errorf("failed to create cache directory %s: %w", e.cfg.CacheDir, err)
	}

	e.loadEmbedded()
	doc := e.loadLocalState()
	e.resolveChunkList(doc)
	e.resolveBuildID(doc)
	e.scanLocalPaks(doc.Entries)
	e.save(true)

	if e.loadCachedBuild(e.deployment) {
		e.logger.Info("Using valid cached build manifest", zap.String("build_id", e.buildID))
		return nil
	}

	e.updateBuild(e.deployment, e.buildID, func(ok bool) {
		e.logger.Info("Initial build update finished", zap.Bool("ok", ok))
		if !ok {
			e.logger.Error("Unable to load build manifest", zap.String("last_error", e.tracker.LastError()))
		}
	})
	return nil
}

// loadEmbedded reads the table of paks shipped with the install.
func (e *Engine) loadEmbedded() {
	path := filepath.Join(e.cfg.EmbeddedDir, e.cfg.EmbeddedManifestFile)
	data, err := e.deps.FileSystem.ReadFile(path)
	if err != nil {
		e.logger.Debug("No embedded manifest", zap.String("path", path))
		e.recon.SetEmbedded(nil)
		return
	}
	doc, err := manifest.Parse(data, e.logger)
	if err != nil {
		e.logger.Error("Embedded manifest is invalid", zap.String("path", path), zap.Error(err))
		e.recon.SetEmbedded(nil)
		return
	}

	table := make(map[string]pak.Entry, len(doc.Entries))
	for _, entry := range doc.Entries {
		table[entry.Name] = entry
	}
	e.recon.SetEmbedded(table)
	e.logger.Info("Loaded embedded manifest", zap.Int("paks", len(table)))
}

// loadLocalState reads the local state document, writing a default one
// when it is missing or invalid.
func (e *Engine) loadLocalState() *manifest.Document {
	doc, err := e.persist.Load()
	if err == nil {
		return doc
	}

	e.logger.Warn("Local manifest unavailable, creating default", zap.Error(err))
	if err := e.persist.CreateDefault(e.localState()); err != nil {
		e.logger.Error("Failed to create default local manifest", zap.Error(err))
	}
	return &manifest.Document{Properties: make(map[string]string)}
}

func (e *Engine) resolveChunkList(doc *manifest.Document) {
	if e.cfg.RemoteChunkList {
		if doc.HasChunkList && len(doc.ChunkList) > 0 {
			e.chunkList = append([]int32(nil), doc.ChunkList...)
			e.logger.Info("Using remote chunk download list", zap.Int32s("chunks", e.chunkList))
			return
		}
		e.logger.Warn("Remote chunk download list not available, using configured list")
	}
	e.chunkList = append([]int32(nil), e.cfg.ChunkList...)
	if len(e.chunkList) == 0 {
		e.logger.Error("No chunks configured for download")
	}
}

func (e *Engine) resolveBuildID(doc *manifest.Document) {
	if e.cfg.RemoteBuildID {
		if id := doc.Properties[manifest.KeyClientBuildID]; id != "" {
			e.setContentBuildID(e.deployment, id)
			e.logger.Info("Using remote build id", zap.String("build_id", id))
			return
		}
		e.logger.Warn("Remote build id not available, using configured id")
	}
	e.setContentBuildID(e.deployment, e.cfg.BuildID)
	if e.buildID == "" {
		e.logger.Error("No build id configured")
	}
}

// scanLocalPaks rebuilds records for paks recorded in the local state
// document and deletes untracked or oversized pak files.
func (e *Engine) scanLocalPaks(entries []pak.Entry) {
	fs := e.deps.FileSystem
	stray := make(map[string]bool)
	found, err := fs.Enumerate(e.cfg.CacheDir, e.cfg.PakPattern)
	if err != nil {
		e.logger.Error("Failed to scan cache directory", zap.Error(err))
	}
	for _, path := range found {
		if rel, err := filepath.Rel(e.cfg.CacheDir, path); err == nil {
			stray[filepath.ToSlash(rel)] = true
		}
	}

	for _, entry := range entries {
		path := filepath.Join(e.cfg.CacheDir, entry.Name)
		size, err := fs.Size(path)
		if err != nil || size <= 0 {
			e.logger.Info("Tracked pak is not on disk", zap.String("pak", entry.Name))
			e.persist.MarkDirty()
			delete(stray, entry.Name)
			continue
		}
		if size > entry.Size {
			e.logger.Warn("Pak on disk is larger than recorded, discarding",
				zap.String("pak", entry.Name),
				zap.Int64("on_disk", size),
				zap.Int64("expected", entry.Size))
			e.persist.MarkDirty()
			continue
		}

		rec := pak.NewRecord(entry)
		rec.SizeOnDisk = size
		rec.Cached = size == entry.Size
		e.catalog.Put(rec)
		delete(stray, entry.Name)
	}

	names := make([]string, 0, len(stray))
	for name := range stray {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e.persist.MarkDirty()
		path := filepath.Join(e.cfg.CacheDir, filepath.FromSlash(name))
		e.logger.Info("Deleting untracked pak", zap.String("path", path))
		if err := fs.Remove(path); err != nil {
			e.logger.Error("Unable to delete untracked pak", zap.String("path", path), zap.Error(err))
		}
	}
}

// finalize tears the engine down on the control goroutine.
func (e *Engine) finalize() {
	e.cancelFetch()
	e.orch.WaitAll()
	e.sched.CancelAll(false)

	ids := e.catalog.ChunkIDs()
	for i := len(ids) - 1; i >= 0; i-- {
		if ch := e.catalog.Chunk(ids[i]); ch != nil && ch.Mounted {
			e.orch.UnmountChunk(ch.ID)
		}
	}

	e.tracker.Finalize()
	e.finishUpdate(false)
	e.save(false)

	e.catalog.Replace(make(map[string]*pak.Record), make(map[int32]*pak.Chunk))
	e.upToDate = false
	e.buildID = ""
	e.baseURLs = nil
	e.sched.SetHosts(nil)
	e.metrics.SetChunksMounted(0)
	e.logger.Info("Engine finalized", zap.String("session", e.sessionID))
}
