package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/paksync/internal/domain/pak"
	"github.com/GriffinCanCode/paksync/internal/domain/progress"
	"github.com/GriffinCanCode/paksync/internal/engine"
)

// Engine is the part of the sync engine the handlers drive.
type Engine interface {
	Chunks() ([]engine.ChunkInfo, error)
	Chunk(id int32) (engine.ChunkInfo, bool, error)
	DownloadChunks(ids []int32, priority int32, cb pak.Callback) error
	MountChunks(ids []int32, cb pak.Callback) error
	FlushCache() (int, error)
	ValidateCache() (int, error)
	GetLoadingStats() (progress.Stats, error)
	Snapshot() (engine.Snapshot, error)
	StartPatch() (bool, error)
}

// Handlers serves the status and control routes.
type Handlers struct {
	engine  Engine
	logger  *zap.Logger
	started time.Time
}

// NewHandlers creates handlers for eng.
func NewHandlers(eng Engine, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{engine: eng, logger: logger.Named("api"), started: time.Now()}
}

// Register mounts every route on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/chunks", h.ListChunks)
	r.GET("/chunks/:id", h.GetChunk)
	r.POST("/chunks/download", h.DownloadChunks)
	r.POST("/chunks/mount", h.MountChunks)
	r.POST("/cache/flush", h.FlushCache)
	r.POST("/cache/validate", h.ValidateCache)
	r.GET("/stats", h.Stats)
	r.GET("/progress", h.Progress)
	r.POST("/patch", h.StartPatch)
}

// chunkRequest is the body of the download and mount routes. With Wait set
// the request blocks until the engine reports a result.
type chunkRequest struct {
	IDs      []int32 `json:"ids" binding:"required"`
	Priority int32   `json:"priority"`
	Wait     bool    `json:"wait"`
}

// Health reports liveness.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// ListChunks lists every chunk in the loaded manifest.
func (h *Handlers) ListChunks(c *gin.Context) {
	chunks, err := h.engine.Chunks()
	if err != nil {
		h.fail(c, err)
		return
	}
	if chunks == nil {
		chunks = []engine.ChunkInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"chunks": chunks})
}

// GetChunk describes one chunk.
func (h *Handlers) GetChunk(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chunk id"})
		return
	}

	info, ok, err := h.engine.Chunk(int32(id))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "chunk not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// DownloadChunks queues downloads for the requested chunks.
func (h *Handlers) DownloadChunks(c *gin.Context) {
	var req chunkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("Download requested", zap.Int32s("chunks", req.IDs), zap.Int32("priority", req.Priority))
	h.dispatch(c, req.Wait, func(cb pak.Callback) error {
		return h.engine.DownloadChunks(req.IDs, req.Priority, cb)
	})
}

// MountChunks queues mounts for the requested chunks.
func (h *Handlers) MountChunks(c *gin.Context) {
	var req chunkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("Mount requested", zap.Int32s("chunks", req.IDs))
	h.dispatch(c, req.Wait, func(cb pak.Callback) error {
		return h.engine.MountChunks(req.IDs, cb)
	})
}

// dispatch starts an asynchronous engine operation. Without wait it answers
// 202 at once; with wait it answers with the callback result, or 504 if the
// client gives up first.
func (h *Handlers) dispatch(c *gin.Context, wait bool, start func(pak.Callback) error) {
	if !wait {
		if err := start(nil); err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
		return
	}

	done := make(chan bool, 1)
	if err := start(func(ok bool) { done <- ok }); err != nil {
		h.fail(c, err)
		return
	}

	select {
	case ok := <-done:
		c.JSON(http.StatusOK, gin.H{"success": ok})
	case <-c.Request.Context().Done():
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": context.Cause(c.Request.Context()).Error()})
	}
}

// FlushCache deletes cached paks that are not in use.
func (h *Handlers) FlushCache(c *gin.Context) {
	skipped, err := h.engine.FlushCache()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "skipped": skipped})
}

// ValidateCache hashes the cache and deletes corrupt paks.
func (h *Handlers) ValidateCache(c *gin.Context) {
	invalid, err := h.engine.ValidateCache()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "invalid": invalid})
}

// Stats returns the loading-mode counters.
func (h *Handlers) Stats(c *gin.Context) {
	stats, err := h.engine.GetLoadingStats()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Progress returns an engine snapshot.
func (h *Handlers) Progress(c *gin.Context) {
	snap, err := h.engine.Snapshot()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// StartPatch begins bringing the download list to mounted.
func (h *Handlers) StartPatch(c *gin.Context) {
	started, err := h.engine.StartPatch()
	if err != nil {
		h.fail(c, err)
		return
	}
	if !started {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"error":   "chunks in the download list are missing from the manifest",
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if isUnavailable(err) {
		status = http.StatusServiceUnavailable
	}
	h.logger.Warn("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}
