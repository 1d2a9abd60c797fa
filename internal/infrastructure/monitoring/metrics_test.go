package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordDownloadStarted()
	m.RecordDownloadResult(true)
	m.RecordDownloadResult(false)
	m.RecordDownloadResult(false)
	m.AddDownloadBytes(512)
	m.AddDownloadBytes(-1)
	m.RecordRetry()
	m.SetQueueDepth(3)
	m.RecordMount(true)
	m.SetChunksMounted(2)
	m.RecordManifestLoad("cdn", true)
	m.AddOrphans(4)
	m.RecordTransfer(206, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownloadsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownloadsCompleted.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DownloadsCompleted.WithLabelValues("failure")))
	assert.Equal(t, 512.0, testutil.ToFloat64(m.DownloadBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownloadRetries))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mounts.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChunksMounted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ManifestLoads.WithLabelValues("cdn", "success")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ReconcileOrphans))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDownloadStarted()
		m.RecordDownloadResult(true)
		m.RecordMount(false)
		m.SetQueueDepth(1)
		m.RecordHTTPRequest("GET", "/", "200", time.Millisecond)
		m.IncWSConnections()
	})
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics(prometheus.NewRegistry())

	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/chunks/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chunks/7", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/chunks/:id", "200")))
}
