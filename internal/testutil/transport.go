package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/paksync/internal/domain/download"
)

// Transfer is one StartTransfer call captured by Transport.
type Transfer struct {
	Req download.Request

	onProgress func(int64)
	onComplete func(download.Result)

	mu       sync.Mutex
	canceled bool
	finished bool
}

// Cancel implements download.Handle.
func (x *Transfer) Cancel() {
	x.mu.Lock()
	x.canceled = true
	x.mu.Unlock()
}

// Canceled reports whether the scheduler canceled this transfer.
func (x *Transfer) Canceled() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.canceled
}

// Progress reports n bytes received.
func (x *Transfer) Progress(n int64) {
	x.onProgress(n)
}

// Complete finishes the transfer with status, without touching disk.
func (x *Transfer) Complete(status int) {
	x.mu.Lock()
	if x.finished {
		x.mu.Unlock()
		return
	}
	x.finished = true
	x.mu.Unlock()
	x.onComplete(download.Result{Status: status})
}

// Deliver writes body to the destination and completes with status.
func (x *Transfer) Deliver(t testing.TB, status int, body []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(x.Req.Dest, body, 0o644))
	x.Progress(int64(len(body)))
	x.Complete(status)
}

// ManifestResponse is a canned FetchManifest reply.
type ManifestResponse struct {
	Status int
	Body   []byte
	Err    error
}

// Transport records transfers and lets tests finish them by hand.
type Transport struct {
	mu        sync.Mutex
	transfers []*Transfer
	manifests map[string][]ManifestResponse
	fetched   []string
}

// NewTransport creates an idle transport.
func NewTransport() *Transport {
	return &Transport{manifests: make(map[string][]ManifestResponse)}
}

// SetManifest queues replies for url. Each fetch consumes one reply; the
// last one repeats. Unknown URLs answer 404.
func (tr *Transport) SetManifest(url string, replies ...ManifestResponse) {
	tr.mu.Lock()
	tr.manifests[url] = replies
	tr.mu.Unlock()
}

// FetchManifest serves the replies registered with SetManifest.
func (tr *Transport) FetchManifest(ctx context.Context, url string) ([]byte, int, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.fetched = append(tr.fetched, url)
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	replies := tr.manifests[url]
	if len(replies) == 0 {
		return nil, 404, nil
	}
	r := replies[0]
	if len(replies) > 1 {
		tr.manifests[url] = replies[1:]
	}
	return r.Body, r.Status, r.Err
}

// Fetched returns every URL passed to FetchManifest, in call order.
func (tr *Transport) Fetched() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.fetched...)
}

// StartTransfer implements download.Transport.
func (tr *Transport) StartTransfer(req download.Request, onProgress func(int64), onComplete func(download.Result)) download.Handle {
	x := &Transfer{Req: req, onProgress: onProgress, onComplete: onComplete}
	tr.mu.Lock()
	tr.transfers = append(tr.transfers, x)
	tr.mu.Unlock()
	return x
}

// Transfers returns every transfer started so far.
func (tr *Transport) Transfers() []*Transfer {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]*Transfer(nil), tr.transfers...)
}

// Count returns the number of transfers started.
func (tr *Transport) Count() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.transfers)
}

// Last returns the most recent transfer, or nil.
func (tr *Transport) Last() *Transfer {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.transfers) == 0 {
		return nil
	}
	return tr.transfers[len(tr.transfers)-1]
}

// WaitFor blocks until at least n transfers have started and returns the
// nth.
func (tr *Transport) WaitFor(t testing.TB, n int) *Transfer {
	t.Helper()
	require.Eventually(t, func() bool { return tr.Count() >= n }, 5*time.Second, time.Millisecond,
		"expected %d transfers", n)
	return tr.Transfers()[n-1]
}
