package dispatch

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/hashlb/pkg/logging"
	"github.com/hashlb/pkg/metrics"
	"github.com/hashlb/pkg/pool"
	"github.com/hashlb/pkg/ring"
	"github.com/hashlb/pkg/routing"
	"github.com/hashlb/pkg/session"
)

// ErrRingInconsistency means the ring selected a backend the pool does not
// know. This is a programming defect, never expected in correct operation;
// it fails the client connection loudly instead of misrouting.
var ErrRingInconsistency = errors.New("dispatch: ring selected unknown backend")

// Config bounds the dispatcher's connect behavior.
type Config struct {
	DialTimeout time.Duration // Per-attempt backend connect timeout
	DialRetries int           // Additional selections after a failed connect
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.DialRetries < 0 {
		c.DialRetries = 0
	}
	return c
}

// Dispatcher routes each accepted client connection to a backend chosen by
// consistent hashing on the client's source address, dials it with a bounded
// timeout, and runs the forwarding session. It holds the only references to
// shared state (pool and ring) handed into per-connection goroutines.
type Dispatcher struct {
	cfg       Config
	pool      *pool.Pool
	ring      *ring.Ring
	collector *metrics.Collector
}

// New creates a dispatcher. collector may be nil (tests).
func New(cfg Config, p *pool.Pool, r *ring.Ring, collector *metrics.Collector) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		pool:      p,
		ring:      r,
		collector: collector,
	}
}

// Handle serves one accepted client connection to completion. It is called
// in its own goroutine per connection and never returns an error to the
// accept loop: all failures end with the client socket closed and a counter
// incremented.
func (d *Dispatcher) Handle(ctx context.Context, client net.Conn) {
	key := routing.Key(client.RemoteAddr())

	backendConn, backend, err := d.connect(ctx, key)
	if err != nil {
		if errors.Is(err, ring.ErrNoHealthyBackend) {
			logging.Logf("[dispatch] no healthy backend for client=%s", client.RemoteAddr())
			if d.collector != nil {
				d.collector.RecordNoHealthyBackend()
			}
		}
		_ = client.Close()
		return
	}

	sess := session.New(client, backendConn, backend.ID())
	logging.Logf("[session] open client=%s backend=%s", client.RemoteAddr(), backend.ID())
	if d.collector != nil {
		d.collector.RecordSessionOpen(backend.ID())
	}

	runErr := sess.Run(ctx)
	success := runErr == nil

	duration := sess.Duration()
	logging.Logf("[session] close client=%s backend=%s bytes_tx=%d bytes_rx=%d duration=%s success=%t",
		client.RemoteAddr(), backend.ID(), sess.BytesTx(), sess.BytesRx(), duration.Truncate(time.Millisecond), success)
	if d.collector != nil {
		d.collector.RecordSessionClose(backend.ID(), success, sess.BytesTx(), sess.BytesRx(), duration)
	}
}

// connect selects a backend for key and dials it, retrying against another
// live backend after a connect failure. A failed backend is marked Suspect
// and excluded from the remaining attempts of this dispatch only; the health
// monitor decides whether it goes Down.
func (d *Dispatcher) connect(ctx context.Context, key string) (net.Conn, *pool.Backend, error) {
	excluded := make(map[string]struct{})
	attempts := 1 + d.cfg.DialRetries

	var lastErr error
	for i := 0; i < attempts; i++ {
		id, err := d.ring.Select(key, func(id string) bool {
			if _, ok := excluded[id]; ok {
				return false
			}
			b, ok := d.pool.Get(id)
			return ok && b.Routable()
		})
		if err != nil {
			return nil, nil, err
		}

		b, ok := d.pool.Get(id)
		if !ok {
			logging.Logf("[dispatch] ring inconsistency: backend %s not in pool", id)
			if d.collector != nil {
				d.collector.RecordRingInconsistency()
			}
			return nil, nil, ErrRingInconsistency
		}

		dialer := net.Dialer{Timeout: d.cfg.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", id)
		if err == nil {
			return conn, b, nil
		}

		lastErr = err
		timeout := isTimeout(err)
		b.MarkSuspect()
		excluded[id] = struct{}{}
		logging.Logf("[dispatch] connect failed backend=%s timeout=%t err=%v", id, timeout, err)
		if d.collector != nil {
			d.collector.RecordConnectFailure(id, timeout)
		}
	}

	// Retries exhausted: every candidate we tried was unreachable.
	logging.Logf("[dispatch] attempts exhausted (attempts=%d last_err=%v)", attempts, lastErr)
	return nil, nil, ring.ErrNoHealthyBackend
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
