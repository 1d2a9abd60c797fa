package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTime struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newHosts(t *testing.T) (*Hosts, *fakeTime, *[]string) {
	t.Helper()
	clk := &fakeTime{now: time.Unix(1_700_000_000, 0)}
	var transitions []string
	h := NewHosts(Settings{
		FailureThreshold: 3,
		Cooldown:         10 * time.Second,
		Probes:           1,
		Now:              clk.Now,
		OnStateChange: func(host string, from, to State) {
			transitions = append(transitions, host+":"+from.String()+"->"+to.String())
		},
	})
	return h, clk, &transitions
}

func fail(t *testing.T, h *Hosts, host string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ticket, err := h.Allow(host)
		require.NoError(t, err)
		h.Done(ticket, false)
	}
}

func TestHostsStateTransitions(t *testing.T) {
	h, clk, transitions := newHosts(t)

	fail(t, h, "a", 2)
	assert.Equal(t, StateClosed, h.State("a"))
	fail(t, h, "a", 1)
	assert.Equal(t, StateOpen, h.State("a"))

	_, err := h.Allow("a")
	assert.ErrorIs(t, err, ErrCircuitOpen)

	// Other hosts are unaffected.
	ticket, err := h.Allow("b")
	require.NoError(t, err)
	h.Done(ticket, true)
	assert.Equal(t, StateClosed, h.State("b"))

	clk.Advance(10 * time.Second)
	assert.Equal(t, StateHalfOpen, h.State("a"))

	probe, err := h.Allow("a")
	require.NoError(t, err)
	_, err = h.Allow("a")
	assert.ErrorIs(t, err, ErrCircuitOpen, "only one probe while half-open")

	h.Done(probe, true)
	assert.Equal(t, StateClosed, h.State("a"))

	assert.Equal(t, []string{
		"a:closed->open",
		"a:open->half-open",
		"a:half-open->closed",
	}, *transitions)
}

func TestHostsHalfOpenFailureReopens(t *testing.T) {
	h, clk, _ := newHosts(t)
	fail(t, h, "a", 3)
	clk.Advance(10 * time.Second)

	probe, err := h.Allow("a")
	require.NoError(t, err)
	h.Done(probe, false)
	assert.Equal(t, StateOpen, h.State("a"))

	clk.Advance(9 * time.Second)
	assert.Equal(t, StateOpen, h.State("a"))
}

func TestHostsSuccessResetsFailures(t *testing.T) {
	h, _, _ := newHosts(t)
	fail(t, h, "a", 2)

	ticket, err := h.Allow("a")
	require.NoError(t, err)
	h.Done(ticket, true)

	fail(t, h, "a", 2)
	assert.Equal(t, StateClosed, h.State("a"))
	assert.Equal(t, uint32(2), h.Counts("a").ConsecutiveFailures)
}

func TestHostsStaleOutcomeIgnored(t *testing.T) {
	h, _, _ := newHosts(t)

	stale, err := h.Allow("a")
	require.NoError(t, err)
	fail(t, h, "a", 3)
	require.Equal(t, StateOpen, h.State("a"))

	h.Done(stale, true)
	assert.Equal(t, StateOpen, h.State("a"))
}

func TestHostsReleaseFreesProbe(t *testing.T) {
	h, clk, _ := newHosts(t)
	fail(t, h, "a", 3)
	clk.Advance(10 * time.Second)

	probe, err := h.Allow("a")
	require.NoError(t, err)
	h.Release(probe)
	assert.Equal(t, StateHalfOpen, h.State("a"))

	_, err = h.Allow("a")
	assert.NoError(t, err)
}
