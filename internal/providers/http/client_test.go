package http

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/paksync/internal/domain/download"
)

var payload = []byte(strings.Repeat("0123456789abcdef", 8192))

// rangeServer serves payload, honouring "bytes=N-" ranges.
func rangeServer(t *testing.T, seen *[]*http.Request, mu *sync.Mutex) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		*seen = append(*seen, r.Clone(context.Background()))
		mu.Unlock()

		switch r.URL.Path {
		case "/missing.pak":
			http.NotFound(w, r)
			return
		case "/flaky.pak":
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		case "/badrange.pak":
			w.Header().Set("Content-Range", "bytes 0-9/10")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write([]byte("0123456789"))
			return
		}

		if rng := r.Header.Get("Range"); rng != "" {
			start, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
			if err != nil || start >= len(payload) {
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(payload)-1, len(payload)))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(payload[start:])
			return
		}
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type outcome struct {
	mu       sync.Mutex
	progress []int64
	done     chan download.Result
}

func newOutcome() *outcome {
	return &outcome{done: make(chan download.Result, 1)}
}

func (o *outcome) onProgress(n int64) {
	o.mu.Lock()
	o.progress = append(o.progress, n)
	o.mu.Unlock()
}

func (o *outcome) onComplete(res download.Result) {
	o.done <- res
}

func (o *outcome) wait(t *testing.T) download.Result {
	t.Helper()
	select {
	case res := <-o.done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not complete")
		return download.Result{}
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(Options{RequestsPerSecond: 0}, nil)
	t.Cleanup(c.Close)
	return c
}

func TestStartTransfer(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []*http.Request
	)
	srv := rangeServer(t, &seen, &mu)
	c := newTestClient(t)
	dir := t.TempDir()

	t.Run("full download", func(t *testing.T) {
		dest := filepath.Join(dir, "full.pak")
		o := newOutcome()
		c.StartTransfer(download.Request{ID: "xfer_1", URL: srv.URL + "/full.pak", Dest: dest}, o.onProgress, o.onComplete)

		res := o.wait(t)
		require.NoError(t, res.Err)
		assert.Equal(t, http.StatusOK, res.Status)
		assert.True(t, res.OK())

		got, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, payload, got)

		o.mu.Lock()
		defer o.mu.Unlock()
		require.NotEmpty(t, o.progress)
		assert.Equal(t, int64(len(payload)), o.progress[len(o.progress)-1])
	})

	t.Run("resumes a partial file", func(t *testing.T) {
		dest := filepath.Join(dir, "resume.pak")
		require.NoError(t, os.WriteFile(dest, payload[:1000], 0o644))

		o := newOutcome()
		c.StartTransfer(download.Request{ID: "xfer_2", URL: srv.URL + "/resume.pak", Dest: dest}, o.onProgress, o.onComplete)

		res := o.wait(t)
		require.NoError(t, res.Err)
		assert.Equal(t, http.StatusPartialContent, res.Status)

		got, err := os.ReadFile(dest)
		require.NoError(t, err)
		assert.Equal(t, payload, got)

		mu.Lock()
		last := seen[len(seen)-1]
		mu.Unlock()
		assert.Equal(t, "bytes=1000-", last.Header.Get("Range"))
		assert.Equal(t, "xfer_2", last.Header.Get(HeaderTransferID))
		assert.NotEmpty(t, last.Header.Get(HeaderRequestID))
	})

	t.Run("client error deletes partial file", func(t *testing.T) {
		dest := filepath.Join(dir, "missing.pak")
		require.NoError(t, os.WriteFile(dest, []byte("stale"), 0o644))

		o := newOutcome()
		c.StartTransfer(download.Request{ID: "xfer_3", URL: srv.URL + "/missing.pak", Dest: dest}, o.onProgress, o.onComplete)

		res := o.wait(t)
		assert.Equal(t, http.StatusNotFound, res.Status)
		assert.NoFileExists(t, dest)
	})

	t.Run("server error keeps partial file", func(t *testing.T) {
		dest := filepath.Join(dir, "flaky.pak")
		require.NoError(t, os.WriteFile(dest, []byte("keep"), 0o644))

		o := newOutcome()
		c.StartTransfer(download.Request{ID: "xfer_4", URL: srv.URL + "/flaky.pak", Dest: dest}, o.onProgress, o.onComplete)

		res := o.wait(t)
		assert.Equal(t, http.StatusServiceUnavailable, res.Status)
		assert.FileExists(t, dest)
	})

	t.Run("mismatched content range", func(t *testing.T) {
		dest := filepath.Join(dir, "badrange.pak")
		require.NoError(t, os.WriteFile(dest, []byte("abc"), 0o644))

		o := newOutcome()
		c.StartTransfer(download.Request{ID: "xfer_5", URL: srv.URL + "/badrange.pak", Dest: dest}, o.onProgress, o.onComplete)

		res := o.wait(t)
		assert.Zero(t, res.Status)
		assert.ErrorIs(t, res.Err, errBadContentRange)
		assert.NoFileExists(t, dest)
	})
}

func TestStartTransferConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClient(t)
	o := newOutcome()
	c.StartTransfer(download.Request{ID: "xfer_1", URL: url + "/a.pak", Dest: filepath.Join(t.TempDir(), "a.pak")}, o.onProgress, o.onComplete)

	res := o.wait(t)
	assert.Zero(t, res.Status)
	assert.Error(t, res.Err)
	assert.False(t, res.OK())
}

func TestTransferCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t)
	o := newOutcome()
	h := c.StartTransfer(download.Request{ID: "xfer_1", URL: srv.URL + "/slow.pak", Dest: filepath.Join(t.TempDir(), "slow.pak")}, o.onProgress, o.onComplete)
	h.Cancel()

	select {
	case res := <-o.done:
		t.Fatalf("canceled transfer completed with %+v", res)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFetchManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/b1/BuildManifest-linux.json":
			assert.NotEmpty(t, r.Header.Get(HeaderRequestID))
			assert.Equal(t, "paksync/1.0", r.Header.Get("User-Agent"))
			_, _ = w.Write([]byte(`{"entries-count":0,"entries":[]}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := newTestClient(t)

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{"ok", "/b1/BuildManifest-linux.json", http.StatusOK, `{"entries-count":0,"entries":[]}`},
		{"server error", "/b2/BuildManifest-linux.json", http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, status, err := c.FetchManifest(context.Background(), srv.URL+tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.body, string(body))
		})
	}
}

func TestFetchManifestCanceled(t *testing.T) {
	c := newTestClient(t)
	c.SetRateLimit(1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, status, err := c.FetchManifest(ctx, "http://127.0.0.1:1/manifest.json")
	assert.Error(t, err)
	assert.Zero(t, status)
}

func TestHostBreakerSkipsFailingHost(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	now := time.Unix(1_700_000_000, 0)
	c := NewClient(Options{HostFailures: 2, HostCooldown: time.Minute, Now: func() time.Time { return now }}, nil)
	t.Cleanup(c.Close)

	for i := 0; i < 2; i++ {
		_, status, err := c.FetchManifest(context.Background(), srv.URL+"/m.json")
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, status)
	}
	host := strings.TrimPrefix(srv.URL, "http://")
	assert.Equal(t, "open", c.HostState(host).String())

	_, status, err := c.FetchManifest(context.Background(), srv.URL+"/m.json")
	assert.Error(t, err)
	assert.Zero(t, status)

	o := newOutcome()
	c.StartTransfer(download.Request{ID: "xfer_1", URL: srv.URL + "/a.pak", Dest: filepath.Join(t.TempDir(), "a.pak")}, o.onProgress, o.onComplete)
	res := o.wait(t)
	assert.Error(t, res.Err)
	assert.Zero(t, res.Status)

	mu.Lock()
	assert.Equal(t, 2, hits)
	mu.Unlock()
}
