package pool

import (
	"sync"
	"time"
)

// State is a backend health state.
type State int

const (
	StateHealthy State = iota
	StateSuspect
	StateDown
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateSuspect:
		return "suspect"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// Backend tracks one backend endpoint and its health state. Backends are
// created at startup (or via the admin API) and are marked Down rather than
// destroyed when they fail. Probe bookkeeping is owned by the health
// monitor; the dispatcher only calls MarkSuspect.
type Backend struct {
	id string // host:port

	mu        sync.RWMutex
	state     State
	lastCheck time.Time
	fails     int // consecutive failed probes
	oks       int // consecutive successful probes
}

// Status is a read-only snapshot of a backend, used by metrics and the
// admin API.
type Status struct {
	Addr      string    `json:"addr"`
	State     string    `json:"state"`
	LastCheck time.Time `json:"last_check,omitempty"`
	Fails     int       `json:"consecutive_failures"`
}

func newBackend(id string) *Backend {
	return &Backend{id: id, state: StateHealthy}
}

// ID returns the backend address ("host:port").
func (b *Backend) ID() string {
	return b.id
}

// State returns the current health state.
func (b *Backend) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Routable reports whether the backend may be selected for new sessions.
// Suspect backends remain routable; only Down backends are skipped.
func (b *Backend) Routable() bool {
	return b.State() != StateDown
}

// Status returns a snapshot for metrics and the admin API.
func (b *Backend) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Status{
		Addr:      b.id,
		State:     b.state.String(),
		LastCheck: b.lastCheck,
		Fails:     b.fails,
	}
}

// MarkSuspect flags the backend after a failed connect attempt from the
// dispatcher. It counts as one failed probe so the health monitor reaches
// its Down threshold sooner. Down backends stay Down. Returns the state
// after the mark.
func (b *Backend) MarkSuspect() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateDown {
		return b.state
	}
	b.state = StateSuspect
	b.oks = 0
	b.fails++
	return b.state
}

// MarkHealthy forces the backend Healthy and resets probe counters.
// Idempotent.
func (b *Backend) MarkHealthy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateHealthy
	b.fails = 0
	b.oks = 0
}

// MarkDown forces the backend Down. Idempotent; its ring nodes are not
// removed, selection just skips it.
func (b *Backend) MarkDown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateDown
	b.oks = 0
}

// Observe records one probe result and applies the hysteresis policy:
// failThreshold consecutive failures transition to Down, recoverThreshold
// consecutive successes transition back to Healthy. A single success after a
// Suspect mark clears the suspicion. Returns the previous and new states.
func (b *Backend) Observe(success bool, failThreshold, recoverThreshold int) (from, to State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	from = b.state
	b.lastCheck = time.Now()

	if success {
		b.fails = 0
		b.oks++
		switch b.state {
		case StateDown:
			if b.oks >= recoverThreshold {
				b.state = StateHealthy
			}
		case StateSuspect:
			b.state = StateHealthy
		}
	} else {
		b.oks = 0
		b.fails++
		if b.fails >= failThreshold && b.state != StateDown {
			b.state = StateDown
		}
	}

	return from, b.state
}

// Pool is the thread-safe set of known backends. Reads come from every
// dispatcher invocation, writes from the health monitor and the admin API.
type Pool struct {
	mu       sync.RWMutex
	backends map[string]*Backend
	order    []string
}

// New creates a pool containing the given backend addresses, preserving
// order.
func New(addrs []string) *Pool {
	p := &Pool{backends: make(map[string]*Backend)}
	for _, addr := range addrs {
		p.add(addr)
	}
	return p
}

func (p *Pool) add(addr string) *Backend {
	if b, ok := p.backends[addr]; ok {
		return b
	}
	b := newBackend(addr)
	p.backends[addr] = b
	p.order = append(p.order, addr)
	return b
}

// Add registers a backend, returning the existing entry if already present.
func (p *Pool) Add(addr string) *Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.add(addr)
}

// Remove deletes a backend from the pool. Existing sessions to it are
// unaffected.
func (p *Pool) Remove(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.backends[addr]; !ok {
		return
	}
	delete(p.backends, addr)
	kept := p.order[:0]
	for _, id := range p.order {
		if id != addr {
			kept = append(kept, id)
		}
	}
	p.order = kept
}

// Get returns the backend for addr.
func (p *Pool) Get(addr string) (*Backend, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.backends[addr]
	return b, ok
}

// List returns the backends in registration order.
func (p *Pool) List() []*Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Backend, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.backends[id])
	}
	return out
}

// Statuses returns a snapshot of every backend in registration order.
func (p *Pool) Statuses() []Status {
	backends := p.List()
	out := make([]Status, 0, len(backends))
	for _, b := range backends {
		out = append(out, b.Status())
	}
	return out
}
