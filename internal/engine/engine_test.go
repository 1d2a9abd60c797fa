package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/paksync/internal/domain/integrity"
	"github.com/GriffinCanCode/paksync/internal/domain/manifest"
	"github.com/GriffinCanCode/paksync/internal/domain/pak"
	"github.com/GriffinCanCode/paksync/internal/engine"
	"github.com/GriffinCanCode/paksync/internal/infrastructure/clock"
	"github.com/GriffinCanCode/paksync/internal/testutil"
)

const (
	buildID  = "b1"
	cdnHost  = "http://cdn"
	waitFor  = 5 * time.Second
	pollTick = time.Millisecond
)

type rig struct {
	t         *testing.T
	cache     string
	embedded  string
	transport *testutil.Transport
	mounter   *testutil.Mounter
	fs        *testutil.FS
	clk       *clock.Manual
	cfg       engine.Config
	eng       *engine.Engine
}

func newRig(t *testing.T, opts ...func(*engine.Config)) *rig {
	t.Helper()
	dir := t.TempDir()
	r := &rig{
		t:         t,
		cache:     filepath.Join(dir, "cache"),
		embedded:  filepath.Join(dir, "embedded"),
		transport: testutil.NewTransport(),
		mounter:   testutil.NewMounter(),
		fs:        testutil.NewFS(),
		clk:       clock.NewManual(time.Unix(1_700_000_000, 0)),
	}
	r.cfg = engine.Config{
		Platform:         "linux",
		CacheDir:         r.cache,
		EmbeddedDir:      r.embedded,
		Deployment:       "default",
		Deployments:      map[string][]string{"default": {cdnHost}},
		BuildID:          buildID,
		ChunkList:        []int32{7},
		MaxDownloads:     2,
		MountWorkers:     1,
		LoadingPoll:      100 * time.Millisecond,
		LoadingIdlePolls: 2,
		ManifestRetries:  10,
	}
	for _, opt := range opts {
		opt(&r.cfg)
	}
	require.NoError(t, os.MkdirAll(r.cache, 0o755))
	return r
}

func (r *rig) start() *engine.Engine {
	r.t.Helper()
	r.eng = engine.New(r.cfg, engine.Deps{
		Transport:  r.transport,
		Mounter:    r.mounter,
		FileSystem: r.fs,
		Clock:      r.clk,
	}, nil, nil)
	require.NoError(r.t, r.eng.Start(context.Background()))
	r.t.Cleanup(func() {
		_ = r.eng.Stop(context.Background())
	})
	return r.eng
}

func (r *rig) path(name string) string {
	return filepath.Join(r.cache, name)
}

func (r *rig) writeFile(name string, data []byte) {
	r.t.Helper()
	require.NoError(r.t, os.WriteFile(r.path(name), data, 0o644))
}

func (r *rig) writeDoc(name string, props map[string]string, entries ...pak.Entry) {
	r.t.Helper()
	if props == nil {
		props = map[string]string{}
	}
	data, err := manifest.Encode(&manifest.Document{Entries: entries, Properties: props})
	require.NoError(r.t, err)
	r.writeFile(name, data)
}

func (r *rig) writeCachedBuild(entries ...pak.Entry) {
	r.writeDoc("CachedBuildManifest.json", map[string]string{manifest.KeyBuildID: buildID}, entries...)
}

// writeLocalState records entries as present on disk.
func (r *rig) writeLocalState(entries ...pak.Entry) {
	local := make([]pak.Entry, 0, len(entries))
	for _, e := range entries {
		local = append(local, manifest.LocalEntry(e))
	}
	r.writeDoc("LocalManifest.json", nil, local...)
}

func (r *rig) status(id int32) pak.Status {
	r.t.Helper()
	s, err := r.eng.GetChunkStatus(id)
	require.NoError(r.t, err)
	return s
}

func (r *rig) manifestURL(host string) string {
	return host + "/" + buildID + "/BuildManifest-linux.json"
}

func (r *rig) deliverAll(n int, bodies map[string][]byte) {
	r.t.Helper()
	r.transport.WaitFor(r.t, n)
	for _, x := range r.transport.Transfers() {
		x.Deliver(r.t, 200, bodies[filepath.Base(x.Req.Dest)])
	}
}

func entry(name string, chunk int32, data []byte) pak.Entry {
	return pak.Entry{
		Name:        name,
		Size:        int64(len(data)),
		Version:     integrity.Version(data),
		ChunkID:     chunk,
		RelativeURL: "/paks/" + name,
	}
}

type result struct{ ch chan bool }

func newResult() *result {
	return &result{ch: make(chan bool, 8)}
}

func (r *result) cb() pak.Callback {
	return func(ok bool) { r.ch <- ok }
}

func (r *result) wait(t *testing.T) bool {
	t.Helper()
	select {
	case ok := <-r.ch:
		return ok
	case <-time.After(waitFor):
		t.Fatal("callback did not fire")
		return false
	}
}

type recorder struct {
	mu     sync.Mutex
	events []engine.Event
}

func (r *recorder) listen(ev engine.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) has(kind engine.EventKind, ok bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind && ev.OK == ok {
			return true
		}
	}
	return false
}

func (r *recorder) count(kind engine.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

var (
	dataA = []byte("alpha pak contents")
	dataB = []byte("bravo pak contents, a little longer")
	dataC = []byte("charlie")
	dataD = []byte("delta pak")
)

func TestChunkDownloadAndMount(t *testing.T) {
	r := newRig(t)
	a, b := entry("a.pak", 7, dataA), entry("b.pak", 7, dataB)
	r.writeCachedBuild(a, b)
	eng := r.start()

	assert.Empty(t, r.transport.Fetched(), "a matching cached build needs no fetch")
	assert.Equal(t, pak.StatusRemote, r.status(7))
	ready, err := eng.IsReadyForPatching()
	require.NoError(t, err)
	assert.True(t, ready)

	downloaded := newResult()
	require.NoError(t, eng.DownloadChunk(7, 0, downloaded.cb()))
	r.deliverAll(2, map[string][]byte{"a.pak": dataA, "b.pak": dataB})
	require.True(t, downloaded.wait(t))

	urls := []string{r.transport.Transfers()[0].Req.URL, r.transport.Transfers()[1].Req.URL}
	assert.ElementsMatch(t, []string{cdnHost + "/b1/paks/a.pak", cdnHost + "/b1/paks/b.pak"}, urls)
	assert.Equal(t, pak.StatusCached, r.status(7))

	mounted := newResult()
	require.NoError(t, eng.MountChunk(7, mounted.cb()))
	require.True(t, mounted.wait(t))
	assert.Equal(t, pak.StatusMounted, r.status(7))
	assert.Equal(t, []string{"a.pak", "b.pak"}, r.mounter.Names("mount"))

	orders := r.mounter.Orders()
	require.Len(t, orders, 2)
	assert.Greater(t, orders[0], orders[1], "later paks get lower read order")

	doc, err := manifest.ParseFile(r.path("LocalManifest.json"), nil)
	require.NoError(t, err)
	require.Len(t, doc.Entries, 2)
	for _, e := range doc.Entries {
		assert.Equal(t, pak.LocalChunkID, e.ChunkID)
		assert.Equal(t, pak.LocalRelativeURL, e.RelativeURL)
	}

	loc, err := eng.ChunkLocation(7)
	require.NoError(t, err)
	assert.Equal(t, engine.LocationLocalFast, loc)
}

func TestBootFetchesBuildManifest(t *testing.T) {
	r := newRig(t)
	body, err := manifest.Encode(&manifest.Document{
		Entries:    []pak.Entry{entry("a.pak", 7, dataA), entry("b.pak", 8, dataB)},
		Properties: map[string]string{},
	})
	require.NoError(t, err)
	r.transport.SetManifest(r.manifestURL(cdnHost), testutil.ManifestResponse{Status: 200, Body: body})

	eng := r.start()

	require.Eventually(t, func() bool {
		ready, err := eng.IsReadyForPatching()
		return err == nil && ready
	}, waitFor, pollTick)

	ids, err := eng.GetAllChunkIDs()
	require.NoError(t, err)
	assert.Equal(t, []int32{7, 8}, ids)
	assert.Equal(t, []string{r.manifestURL(cdnHost)}, r.transport.Fetched())

	cached, err := manifest.ParseFile(r.path("CachedBuildManifest.json"), nil)
	require.NoError(t, err)
	assert.Equal(t, buildID, cached.BuildID(), "fetched manifest is stamped with the build id")
}

func TestManifestRetryRotatesHosts(t *testing.T) {
	r := newRig(t, func(c *engine.Config) {
		c.Deployments = map[string][]string{"default": {"http://h0", "http://h1/"}}
	})
	body, err := manifest.Encode(&manifest.Document{
		Entries:    []pak.Entry{entry("a.pak", 7, dataA)},
		Properties: map[string]string{},
	})
	require.NoError(t, err)
	r.transport.SetManifest(r.manifestURL("http://h0"), testutil.ManifestResponse{Status: 500})
	r.transport.SetManifest(r.manifestURL("http://h1"), testutil.ManifestResponse{Status: 200, Body: body})

	eng := r.start()

	require.Eventually(t, func() bool {
		stats, err := eng.GetLoadingStats()
		return err == nil && stats.LastError == "[Try 1] Manifest download failed (HTTP 500)"
	}, waitFor, pollTick)
	require.Eventually(t, func() bool { return r.clk.Pending() > 0 }, waitFor, pollTick)

	delay, ok := r.clk.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, delay)
	r.clk.Advance(delay)

	require.Eventually(t, func() bool {
		ready, err := eng.IsReadyForPatching()
		return err == nil && ready
	}, waitFor, pollTick)
	assert.Equal(t, []string{r.manifestURL("http://h0"), r.manifestURL("http://h1")}, r.transport.Fetched())
}

func TestManifestRetriesExhausted(t *testing.T) {
	r := newRig(t, func(c *engine.Config) { c.ManifestRetries = 2 })
	r.transport.SetManifest(r.manifestURL(cdnHost), testutil.ManifestResponse{Status: 503})

	eng := r.start()

	require.Eventually(t, func() bool { return r.clk.Pending() > 0 }, waitFor, pollTick)
	r.clk.Advance(5 * time.Second)

	require.Eventually(t, func() bool {
		stats, err := eng.GetLoadingStats()
		return err == nil && stats.LastError == "Maximum manifest download retries exceeded"
	}, waitFor, pollTick)
	assert.Len(t, r.transport.Fetched(), 2)

	ready, err := eng.IsReadyForPatching()
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestBootScansLocalPaks(t *testing.T) {
	r := newRig(t, func(c *engine.Config) { c.ChunkList = []int32{7, 8} })
	a, b := entry("a.pak", 7, dataA), entry("b.pak", 7, dataB)
	c, d := entry("c.pak", 8, dataC), entry("d.pak", 8, dataD)
	r.writeCachedBuild(a, b, c, d)

	oversized := c
	oversized.Size = 3
	r.writeLocalState(a, b, oversized, d)
	r.writeFile("a.pak", dataA)
	r.writeFile("b.pak", dataB[:5])
	r.writeFile("c.pak", dataC)
	r.writeFile("stray.pak", []byte("nobody owns me"))

	r.start()

	assert.FileExists(t, r.path("a.pak"))
	assert.FileExists(t, r.path("b.pak"))
	assert.NoFileExists(t, r.path("c.pak"), "oversized paks are deleted")
	assert.NoFileExists(t, r.path("stray.pak"), "untracked paks are deleted")

	assert.Equal(t, pak.StatusPartial, r.status(7))
	assert.Equal(t, pak.StatusRemote, r.status(8))

	doc, err := manifest.ParseFile(r.path("LocalManifest.json"), nil)
	require.NoError(t, err)
	var names []string
	for _, e := range doc.Entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"a.pak", "b.pak"}, names)
}

func TestMissingChunkForcesOneRefresh(t *testing.T) {
	r := newRig(t, func(c *engine.Config) { c.ChunkList = []int32{7, 9} })
	r.writeCachedBuild(entry("a.pak", 7, dataA))

	body, err := manifest.Encode(&manifest.Document{
		Entries:    []pak.Entry{entry("a.pak", 7, dataA), entry("z.pak", 9, dataD)},
		Properties: map[string]string{},
	})
	require.NoError(t, err)
	r.transport.SetManifest(r.manifestURL(cdnHost), testutil.ManifestResponse{Status: 200, Body: body})

	eng := r.start()

	require.Eventually(t, func() bool {
		ready, err := eng.IsReadyForPatching()
		return err == nil && ready
	}, waitFor, pollTick)
	assert.Len(t, r.transport.Fetched(), 1)
	assert.Equal(t, pak.StatusRemote, r.status(9))
}

func TestStartPatchFailsOnMissingChunk(t *testing.T) {
	r := newRig(t, func(c *engine.Config) { c.ChunkList = []int32{7, 9} })
	r.writeCachedBuild(entry("a.pak", 7, dataA))

	body, err := manifest.Encode(&manifest.Document{
		Entries:    []pak.Entry{entry("a.pak", 7, dataA)},
		Properties: map[string]string{},
	})
	require.NoError(t, err)
	r.transport.SetManifest(r.manifestURL(cdnHost), testutil.ManifestResponse{Status: 200, Body: body})

	eng := r.start()

	require.Eventually(t, func() bool {
		snap, err := eng.Snapshot()
		return err == nil && snap.UpToDate && len(r.transport.Fetched()) == 1
	}, waitFor, pollTick)

	started, err := eng.StartPatch()
	require.NoError(t, err)
	assert.False(t, started)
}

func TestStartPatch(t *testing.T) {
	r := newRig(t, func(c *engine.Config) { c.ChunkList = []int32{7, 8} })
	a, b, c := entry("a.pak", 7, dataA), entry("b.pak", 7, dataB), entry("c.pak", 8, dataC)
	r.writeCachedBuild(a, b, c)
	r.writeLocalState(c)
	r.writeFile("c.pak", dataC)
	eng := r.start()

	var rec recorder
	unsubscribe := eng.Subscribe(rec.listen)
	defer unsubscribe()

	assert.Equal(t, pak.StatusCached, r.status(8))
	started, err := eng.StartPatch()
	require.NoError(t, err)
	require.True(t, started)

	r.deliverAll(2, map[string][]byte{"a.pak": dataA, "b.pak": dataB})

	require.Eventually(t, func() bool { return rec.has(engine.EventMountCompleted, true) }, waitFor, pollTick)
	assert.Equal(t, pak.StatusMounted, r.status(7))
	assert.Equal(t, pak.StatusMounted, r.status(8))
	assert.Equal(t, 2, rec.count(engine.EventChunkMounted))
	assert.Equal(t, 2, rec.count(engine.EventDownloadAnalytics))

	require.Eventually(t, func() bool {
		r.clk.Advance(100 * time.Millisecond)
		return rec.has(engine.EventPatchCompleted, true)
	}, waitFor, pollTick)

	progress, err := eng.PatchProgress()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, progress, 1e-9)

	// Everything is mounted now, so a second patch completes at once.
	started, err = eng.StartPatch()
	require.NoError(t, err)
	require.True(t, started)
	require.Eventually(t, func() bool { return rec.count(engine.EventPatchCompleted) == 2 }, waitFor, pollTick)
}

func TestStartPatchReportsMountFailure(t *testing.T) {
	r := newRig(t)
	a, b := entry("a.pak", 7, dataA), entry("b.pak", 7, dataB)
	r.writeCachedBuild(a, b)
	r.writeLocalState(a, b)
	r.writeFile("a.pak", dataA)
	r.writeFile("b.pak", dataB)
	r.mounter.Fail("b.pak")
	eng := r.start()

	var rec recorder
	eng.Subscribe(rec.listen)

	started, err := eng.StartPatch()
	require.NoError(t, err)
	require.True(t, started)

	require.Eventually(t, func() bool { return rec.has(engine.EventMountCompleted, false) }, waitFor, pollTick)
	require.Eventually(t, func() bool {
		r.clk.Advance(100 * time.Millisecond)
		return rec.has(engine.EventPatchCompleted, false)
	}, waitFor, pollTick)

	stats, err := eng.GetLoadingStats()
	require.NoError(t, err)
	assert.Equal(t, "Failed to mount b.pak", stats.LastError)
	assert.Equal(t, pak.StatusCached, r.status(7))
}

func TestPatchProgress(t *testing.T) {
	r := newRig(t, func(c *engine.Config) { c.ChunkList = []int32{7, 8} })
	a, b := entry("a.pak", 7, dataA), entry("b.pak", 8, dataB)
	r.writeCachedBuild(a, b)
	r.writeLocalState(a)
	r.writeFile("a.pak", dataA)
	eng := r.start()

	progress, err := eng.PatchProgress()
	require.NoError(t, err)
	assert.InDelta(t, 0.475, progress, 1e-9)

	loc, err := eng.ChunkLocation(8)
	require.NoError(t, err)
	assert.Equal(t, engine.LocationNotAvailable, loc)
	loc, err = eng.ChunkLocation(0)
	require.NoError(t, err)
	assert.Equal(t, engine.LocationLocalFast, loc, "chunk 0 ships with the install")
}

func TestFlushCache(t *testing.T) {
	r := newRig(t, func(c *engine.Config) { c.ChunkList = []int32{7, 8} })
	a, b := entry("a.pak", 7, dataA), entry("b.pak", 8, dataB)
	r.writeCachedBuild(a, b)
	r.writeLocalState(a, b)
	r.writeFile("a.pak", dataA)
	r.writeFile("b.pak", dataB)
	eng := r.start()

	mounted := newResult()
	require.NoError(t, eng.MountChunk(8, mounted.cb()))
	require.True(t, mounted.wait(t))

	skipped, err := eng.FlushCache()
	require.NoError(t, err)
	assert.Equal(t, 1, skipped, "mounted paks stay on disk")
	assert.NoFileExists(t, r.path("a.pak"))
	assert.FileExists(t, r.path("b.pak"))
	assert.Equal(t, pak.StatusRemote, r.status(7))
	assert.Equal(t, pak.StatusMounted, r.status(8))
}

func TestFlushCacheSkipsDownloadingChunk(t *testing.T) {
	r := newRig(t)
	a, b := entry("a.pak", 7, dataA), entry("b.pak", 7, dataB)
	r.writeCachedBuild(a, b)
	r.writeLocalState(a)
	r.writeFile("a.pak", dataA)
	eng := r.start()

	require.NoError(t, eng.DownloadChunk(7, 0, nil))
	r.transport.WaitFor(t, 1)

	skipped, err := eng.FlushCache()
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.FileExists(t, r.path("a.pak"))
}

func TestValidateCache(t *testing.T) {
	r := newRig(t)
	a, b := entry("a.pak", 7, dataA), entry("b.pak", 7, dataB)
	r.writeCachedBuild(a, b)
	r.writeLocalState(a, b)
	r.writeFile("a.pak", dataA)
	corrupt := append([]byte(nil), dataB...)
	corrupt[0] ^= 0xff
	r.writeFile("b.pak", corrupt)
	eng := r.start()

	assert.Equal(t, pak.StatusCached, r.status(7))

	invalid, err := eng.ValidateCache()
	require.NoError(t, err)
	assert.Equal(t, 1, invalid)
	assert.FileExists(t, r.path("a.pak"))
	assert.NoFileExists(t, r.path("b.pak"))
	assert.Equal(t, pak.StatusPartial, r.status(7))
}

func TestBatchAPIsSkipUnknownChunks(t *testing.T) {
	r := newRig(t)
	r.writeCachedBuild(entry("a.pak", 7, dataA))
	eng := r.start()

	tests := []struct {
		name string
		call func(pak.Callback) error
		want bool
	}{
		{"download many", func(cb pak.Callback) error { return eng.DownloadChunks([]int32{99}, 0, cb) }, true},
		{"mount many", func(cb pak.Callback) error { return eng.MountChunks([]int32{99}, cb) }, true},
		{"download one", func(cb pak.Callback) error { return eng.DownloadChunk(99, 0, cb) }, false},
		{"mount one", func(cb pak.Callback) error { return eng.MountChunk(99, cb) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newResult()
			require.NoError(t, tt.call(res.cb()))
			assert.Equal(t, tt.want, res.wait(t))
		})
	}
	assert.Zero(t, r.transport.Count())
}

func TestStopFailsPendingWork(t *testing.T) {
	r := newRig(t)
	r.writeCachedBuild(entry("a.pak", 7, dataA))
	eng := r.start()

	downloaded := newResult()
	require.NoError(t, eng.DownloadChunk(7, 0, downloaded.cb()))
	x := r.transport.WaitFor(t, 1)

	loading := newResult()
	require.NoError(t, eng.BeginLoadingMode(loading.cb()))

	require.NoError(t, eng.Stop(context.Background()))
	assert.False(t, downloaded.wait(t))
	assert.False(t, loading.wait(t))
	assert.True(t, x.Canceled())

	_, err := eng.GetChunkStatus(7)
	assert.ErrorIs(t, err, engine.ErrStopped)
	assert.ErrorIs(t, eng.DownloadChunk(7, 0, nil), engine.ErrStopped)
}

func TestCallsBeforeStart(t *testing.T) {
	r := newRig(t)
	eng := engine.New(r.cfg, engine.Deps{Transport: r.transport, Mounter: r.mounter, FileSystem: r.fs, Clock: r.clk}, nil, nil)

	_, err := eng.GetAllChunkIDs()
	assert.ErrorIs(t, err, engine.ErrNotStarted)
	assert.ErrorIs(t, eng.Stop(context.Background()), engine.ErrNotStarted)
}

func TestUpdateBuildUnknownDeployment(t *testing.T) {
	r := newRig(t)
	r.writeCachedBuild(entry("a.pak", 7, dataA))
	eng := r.start()

	err := eng.UpdateBuild("staging", "b2", nil)
	assert.ErrorIs(t, err, engine.ErrUnknownDeployment)
}

func TestUpdateBuildFetchesNewBuild(t *testing.T) {
	r := newRig(t)
	r.writeCachedBuild(entry("a.pak", 7, dataA))
	eng := r.start()

	body, err := manifest.Encode(&manifest.Document{
		Entries:    []pak.Entry{entry("a2.pak", 7, dataB)},
		Properties: map[string]string{},
	})
	require.NoError(t, err)
	r.transport.SetManifest(cdnHost+"/b2/BuildManifest-linux.json", testutil.ManifestResponse{Status: 200, Body: body})

	res := newResult()
	require.NoError(t, eng.UpdateBuild("default", "b2", res.cb()))
	require.True(t, res.wait(t))

	snap, err := eng.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "b2", snap.BuildID)
	assert.True(t, snap.UpToDate)

	info, ok, err := eng.Chunk(7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, info.Paks)
	assert.Equal(t, int64(len(dataB)), info.Size)
}
