package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen reports a host that is being skipped after repeated
// failures.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state for one host.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures the breakers.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens a
	// host's circuit.
	FailureThreshold uint32
	// Cooldown is how long an open circuit rejects requests before letting
	// probes through.
	Cooldown time.Duration
	// Probes is the number of concurrent requests allowed while half-open,
	// and the number of successes needed to close again.
	Probes uint32
	// OnStateChange is called whenever a host changes state.
	OnStateChange func(host string, from, to State)
	// Now returns the current time. Nil uses time.Now.
	Now func() time.Time
}

// Counts holds per-host statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

type hostState struct {
	state      State
	counts     Counts
	openUntil  time.Time
	generation uint64
	inFlight   uint32
}

// Hosts keeps one circuit breaker per CDN host.
type Hosts struct {
	settings Settings

	mu    sync.Mutex
	hosts map[string]*hostState
}

// NewHosts creates an empty breaker set.
func NewHosts(settings Settings) *Hosts {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.Cooldown == 0 {
		settings.Cooldown = 30 * time.Second
	}
	if settings.Probes == 0 {
		settings.Probes = 1
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Hosts{settings: settings, hosts: make(map[string]*hostState)}
}

// Ticket is returned by Allow and must be passed to Done.
type Ticket struct {
	host       string
	generation uint64
}

// Allow admits a request to host, or returns ErrCircuitOpen.
func (h *Hosts) Allow(host string) (Ticket, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hs := h.get(host)
	h.refresh(host, hs)
	switch hs.state {
	case StateOpen:
		return Ticket{}, ErrCircuitOpen
	case StateHalfOpen:
		if hs.inFlight >= h.settings.Probes {
			return Ticket{}, ErrCircuitOpen
		}
	}
	hs.inFlight++
	hs.counts.Requests++
	return Ticket{host: host, generation: hs.generation}, nil
}

// Done records the outcome of an admitted request. Outcomes from before the
// last state change are ignored.
func (h *Hosts) Done(t Ticket, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hs, ok := h.hosts[t.host]
	if !ok || hs.generation != t.generation {
		return
	}
	if hs.inFlight > 0 {
		hs.inFlight--
	}

	if success {
		hs.counts.TotalSuccesses++
		hs.counts.ConsecutiveSuccesses++
		hs.counts.ConsecutiveFailures = 0
		if hs.state == StateHalfOpen && hs.counts.ConsecutiveSuccesses >= h.settings.Probes {
			h.setState(t.host, hs, StateClosed)
		}
		return
	}

	hs.counts.TotalFailures++
	hs.counts.ConsecutiveFailures++
	hs.counts.ConsecutiveSuccesses = 0
	switch hs.state {
	case StateClosed:
		if hs.counts.ConsecutiveFailures >= h.settings.FailureThreshold {
			h.setState(t.host, hs, StateOpen)
		}
	case StateHalfOpen:
		h.setState(t.host, hs, StateOpen)
	}
}

// Release returns an admitted request's slot without recording an outcome.
func (h *Hosts) Release(t Ticket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hs, ok := h.hosts[t.host]; ok && hs.generation == t.generation && hs.inFlight > 0 {
		hs.inFlight--
	}
}

// State returns the current state of host.
func (h *Hosts) State(host string) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	hs, ok := h.hosts[host]
	if !ok {
		return StateClosed
	}
	h.refresh(host, hs)
	return hs.state
}

// Counts returns a copy of host's counters since its last state change.
func (h *Hosts) Counts(host string) Counts {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hs, ok := h.hosts[host]; ok {
		return hs.counts
	}
	return Counts{}
}

func (h *Hosts) get(host string) *hostState {
	hs, ok := h.hosts[host]
	if !ok {
		hs = &hostState{}
		h.hosts[host] = hs
	}
	return hs
}

func (h *Hosts) refresh(host string, hs *hostState) {
	if hs.state == StateOpen && !h.settings.Now().Before(hs.openUntil) {
		h.setState(host, hs, StateHalfOpen)
	}
}

func (h *Hosts) setState(host string, hs *hostState, state State) {
	if hs.state == state {
		return
	}
	prev := hs.state
	hs.state = state
	hs.counts = Counts{}
	hs.inFlight = 0
	hs.generation++
	if state == StateOpen {
		hs.openUntil = h.settings.Now().Add(h.settings.Cooldown)
	}
	if h.settings.OnStateChange != nil {
		h.settings.OnStateChange(host, prev, state)
	}
}
