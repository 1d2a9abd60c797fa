package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/paksync/internal/domain/manifest"
	"github.com/GriffinCanCode/paksync/internal/domain/pak"
)

// UpdateBuild switches to buildID on deployment, fetching its manifest when
// the cached one does not match. cb runs on the notifier goroutine.
func (e *Engine) UpdateBuild(deployment, buildID string, cb pak.Callback) error {
	if err := e.check(); err != nil {
		return err
	}
	if buildID == "" {
		return fmt.Errorf("failed to update build: empty build id")
	}
	if len(e.hostsFor(deployment)) == 0 {
		return fmt.Errorf("failed to update build: %w: %q", ErrUnknownDeployment, deployment)
	}
	e.post(func() { e.updateBuild(deployment, buildID, e.user(cb)) })
	return nil
}

// LoadCachedBuild loads the cached build manifest if it matches the current
// build id and covers every chunk in the download list.
func (e *Engine) LoadCachedBuild(deployment string) (bool, error) {
	if err := e.check(); err != nil {
		return false, err
	}
	var ok bool
	if err := e.call(func() { ok = e.loadCachedBuild(deployment) }); err != nil {
		return false, err
	}
	return ok, nil
}

func (e *Engine) hostsFor(deployment string) []string {
	return e.cfg.Deployments[deployment]
}

// setContentBuildID points the scheduler at host/buildID for every host of
// deployment.
func (e *Engine) setContentBuildID(deployment, buildID string) {
	if buildID != e.buildID {
		e.refreshed = false
	}
	e.deployment = deployment
	e.buildID = buildID

	hosts := e.hostsFor(deployment)
	if len(hosts) == 0 {
		e.logger.Error("No CDN hosts configured", zap.String("deployment", deployment))
	}
	e.baseURLs = make([]string, 0, len(hosts))
	for _, host := range hosts {
		e.baseURLs = append(e.baseURLs, strings.TrimRight(host, "/")+"/"+buildID)
	}
	e.sched.SetHosts(e.baseURLs)
	e.logger.Info("Content build id set",
		zap.String("deployment", deployment),
		zap.String("build_id", buildID),
		zap.Strings("base_urls", e.baseURLs))
}

func (e *Engine) cachedBuildPath() string {
	return filepath.Join(e.cfg.CacheDir, e.cfg.CachedBuildManifestFile)
}

// cachedBuild parses the cached build manifest, or returns nil.
func (e *Engine) cachedBuild() *manifest.Document {
	data, err := e.deps.FileSystem.ReadFile(e.cachedBuildPath())
	if err != nil {
		return nil
	}
	doc, err := manifest.Parse(data, e.logger)
	if err != nil {
		e.logger.Warn("Cached build manifest is invalid", zap.Error(err))
		return nil
	}
	return doc
}

// matchingCachedBuild returns the cached build manifest when it has entries
// for the current build id.
func (e *Engine) matchingCachedBuild() *manifest.Document {
	doc := e.cachedBuild()
	if doc == nil || len(doc.Entries) == 0 || doc.BuildID() == "" || doc.BuildID() != e.buildID {
		return nil
	}
	return doc
}

func (e *Engine) loadCachedBuild(deployment string) bool {
	doc := e.cachedBuild()
	if doc == nil || len(doc.Entries) == 0 {
		e.logger.Warn("No cached manifest entries found", zap.String("path", e.cachedBuildPath()))
		return false
	}
	buildID := doc.BuildID()
	if buildID == "" {
		e.logger.Warn("No cached build id found in manifest")
		return false
	}
	if buildID != e.buildID {
		e.logger.Warn("Cached build id does not match current",
			zap.String("cached", buildID),
			zap.String("current", e.buildID))
		return false
	}

	available := make(map[int32]bool)
	for _, entry := range doc.Entries {
		if entry.ChunkID >= 0 {
			available[entry.ChunkID] = true
		}
	}
	for _, id := range e.chunkList {
		if !available[id] {
			e.logger.Warn("Cached manifest is missing a required chunk", zap.Int32("chunk", id))
			return false
		}
	}

	e.setContentBuildID(deployment, buildID)
	e.loadManifest(doc.Entries)
	return true
}

// loadManifest reconciles the catalog against entries and marks the
// manifest up to date.
func (e *Engine) loadManifest(entries []pak.Entry) {
	e.orch.WaitAll()

	res, err := e.recon.Apply(e.catalog, entries)
	if err != nil {
		e.logger.Error("Manifest reconciliation failed", zap.Error(err))
	}
	e.metrics.AddOrphans(len(res.Orphans))
	e.metrics.SetChunksMounted(e.mountedChunks())
	if res.Changed || len(res.Orphans) > 0 {
		e.persist.MarkDirty()
	}
	e.save(false)

	e.upToDate = true
	e.logger.Info("Manifest loaded",
		zap.Int("chunks", res.Chunks),
		zap.Int("paks", res.Paks),
		zap.Int("orphans", len(res.Orphans)),
		zap.Bool("changed", res.Changed))
	e.validateChunks()
}

// validateChunks checks that every chunk in the download list is known. A
// gap in an up-to-date manifest forces one refetch per build id.
func (e *Engine) validateChunks() {
	var missing []int32
	for _, id := range e.chunkList {
		if e.catalog.Status(id) == pak.StatusUnknown {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		e.logger.Info("All required chunks are available", zap.Int("chunks", len(e.chunkList)))
		return
	}

	e.logger.Warn("Required chunks missing from manifest", zap.Int32s("chunks", missing))
	if !e.upToDate || e.refreshed {
		return
	}
	e.upToDate = false
	e.refreshed = true
	e.post(func() {
		if err := e.deps.FileSystem.Remove(e.cachedBuildPath()); err != nil {
			e.logger.Warn("Failed to drop cached build manifest", zap.Error(err))
		}
		e.updateBuild(e.deployment, e.buildID, func(ok bool) {
			e.logger.Info("Forced manifest refresh finished", zap.Bool("ok", ok))
		})
	})
}

func (e *Engine) updateBuild(deployment, buildID string, cb pak.Callback) {
	if cb == nil {
		cb = func(bool) {}
	}
	if buildID == "" {
		e.logger.Error("Cannot update to an empty build id")
		e.post(func() { cb(false) })
		return
	}

	e.setContentBuildID(deployment, buildID)
	if len(e.baseURLs) == 0 {
		e.logger.Error("No CDN URLs configured", zap.String("deployment", deployment))
		e.post(func() { cb(false) })
		return
	}

	if e.update != nil {
		e.logger.Warn("Build update already in progress, replacing it")
		e.cancelFetch()
		e.finishUpdate(false)
	}

	if doc := e.matchingCachedBuild(); doc != nil {
		e.logger.Info("Cached build manifest is current", zap.String("build_id", buildID))
		if !e.upToDate {
			e.loadManifest(doc.Entries)
		}
		e.post(func() { cb(true) })
		return
	}

	e.update = cb
	e.tryLoadBuildManifest(0)
}

// finishUpdate completes the pending update callback, if any.
func (e *Engine) finishUpdate(ok bool) {
	cb := e.update
	e.update = nil
	if cb != nil {
		e.post(func() { cb(ok) })
	}
}

func (e *Engine) tryLoadBuildManifest(try int) {
	if doc := e.matchingCachedBuild(); doc != nil {
		e.metrics.RecordManifestLoad("cache", true)
		e.loadManifest(doc.Entries)
		e.finishUpdate(true)
		return
	}

	if len(e.baseURLs) == 0 {
		e.tracker.SetError("Unable to download build manifest. (NoCDN)")
		e.finishUpdate(false)
		return
	}
	if try >= e.cfg.ManifestRetries {
		e.logger.Error("Maximum manifest download retries exceeded", zap.Int("retries", e.cfg.ManifestRetries))
		e.tracker.SetError("Maximum manifest download retries exceeded")
		e.finishUpdate(false)
		return
	}

	if try <= 0 {
		e.tryDownloadBuildManifest(try)
		return
	}

	delay := manifestRetryDelay(try)
	e.logger.Info("Will re-attempt manifest download", zap.Int("try", try), zap.Duration("delay", delay))
	gen := e.fetchGen
	e.fetchTimer = e.deps.Clock.AfterFunc(delay, func() {
		e.post(func() {
			if gen != e.fetchGen {
				return
			}
			e.fetchTimer = nil
			e.tryDownloadBuildManifest(try)
		})
	})
}

func manifestRetryDelay(try int) time.Duration {
	seconds := try * 5
	if seconds > 60 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}

func (e *Engine) manifestURL(try int) string {
	base := e.baseURLs[try%len(e.baseURLs)]
	return base + "/BuildManifest-" + e.cfg.Platform + ".json"
}

func (e *Engine) tryDownloadBuildManifest(try int) {
	e.cancelFetch()
	url := e.manifestURL(try)
	gen := e.fetchGen
	ctx, cancel := context.WithCancel(e.ctx)
	e.fetchCancel = cancel

	e.logger.Info("Downloading build manifest", zap.String("url", url), zap.Int("try", try))
	transport := e.deps.Transport
	go func() {
		body, status, err := transport.FetchManifest(ctx, url)
		e.post(func() {
			if gen != e.fetchGen {
				return
			}
			cancel()
			e.fetchCancel = nil
			e.manifestFetched(try, url, body, status, err)
		})
	}()
}

func (e *Engine) manifestFetched(try int, url string, body []byte, status int, fetchErr error) {
	n := try + 1
	var errText string

	switch {
	case fetchErr != nil || status == 0:
		e.logger.Warn("Manifest request failed", zap.String("url", url), zap.Error(fetchErr))
		errText = fmt.Sprintf("[Try %d] Connection issues downloading manifest. Check your network connection...", n)
	case status < 200 || status >= 300:
		errText = fmt.Sprintf("[Try %d] Manifest download failed (HTTP %d)", n, status)
	case len(body) == 0:
		errText = fmt.Sprintf("[Try %d] Downloaded manifest is empty.", n)
	default:
		stamped, err := manifest.SetProperty(body, manifest.KeyBuildID, e.buildID)
		if err != nil {
			e.logger.Warn("Downloaded manifest is invalid", zap.String("url", url), zap.Error(err))
			errText = fmt.Sprintf("[Try %d] Downloaded manifest contains invalid JSON.", n)
			break
		}
		if doc, err := manifest.Parse(stamped, e.logger); err != nil || len(doc.Entries) == 0 {
			e.logger.Warn("Downloaded manifest has no usable entries", zap.String("url", url), zap.Error(err))
			errText = fmt.Sprintf("[Try %d] Downloaded manifest has no usable entries.", n)
			break
		}
		if err := e.deps.FileSystem.WriteFile(e.cachedBuildPath(), stamped); err != nil {
			e.logger.Error("Failed to write cached build manifest", zap.Error(err))
			errText = fmt.Sprintf("[Try %d] Failed to write manifest.", n)
		}
	}

	if errText != "" {
		e.logger.Warn("Manifest download failed", zap.String("url", url), zap.Int("status", status), zap.String("reason", errText))
		e.metrics.RecordManifestLoad("cdn", false)
		e.tracker.SetError(errText)
		e.tryLoadBuildManifest(try + 1)
		return
	}

	e.logger.Info("Build manifest downloaded", zap.String("url", url), zap.Int("bytes", len(body)))
	e.metrics.RecordManifestLoad("cdn", true)
	e.tryLoadBuildManifest(0)
}

// cancelFetch abandons any manifest request or pending retry.
func (e *Engine) cancelFetch() {
	e.fetchGen++
	if e.fetchCancel != nil {
		e.fetchCancel()
		e.fetchCancel = nil
	}
	if e.fetchTimer != nil {
		e.fetchTimer.Stop()
		e.fetchTimer = nil
	}
}
