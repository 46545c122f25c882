package health

import (
	"context"
	"net"
	"time"

	"github.com/hashlb/pkg/logging"
	"github.com/hashlb/pkg/pool"
)

// Config holds the probe policy. Zero values are replaced with the package
// defaults (5s interval, 2s probe timeout, 3 failures down, 2 successes up).
type Config struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	FailThreshold    int
	RecoverThreshold int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = 3
	}
	if c.RecoverThreshold <= 0 {
		c.RecoverThreshold = 2
	}
	return c
}

// Monitor periodically probes every backend in the pool with a plain TCP
// connect and feeds the results into the pool's hysteresis policy. Probes
// run concurrently so one unreachable backend never delays checks on the
// others.
type Monitor struct {
	cfg  Config
	pool *pool.Pool

	// OnTransition is invoked for every state change (for metrics). May be
	// nil.
	OnTransition func(addr string, from, to pool.State)
}

// New creates a monitor over the given pool.
func New(cfg Config, p *pool.Pool) *Monitor {
	return &Monitor{cfg: cfg.withDefaults(), pool: p}
}

// Run probes all backends every interval until ctx is canceled. An initial
// round runs immediately so startup state reflects reality before the first
// tick.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.checkAll(ctx)
	for {
		select {
		case <-ticker.C:
			m.checkAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) checkAll(ctx context.Context) {
	for _, b := range m.pool.List() {
		go m.probe(ctx, b)
	}
}

func (m *Monitor) probe(ctx context.Context, b *pool.Backend) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", b.ID())
	if conn != nil {
		_ = conn.Close()
	}

	// A timed-out probe counts as a failure like any other connect error.
	from, to := b.Observe(err == nil, m.cfg.FailThreshold, m.cfg.RecoverThreshold)
	if from != to {
		logging.Logf("[health] backend %s: %s -> %s (err=%v)", b.ID(), from, to, err)
		if m.OnTransition != nil {
			m.OnTransition(b.ID(), from, to)
		}
	}
}
