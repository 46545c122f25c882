package listener

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hashlb/pkg/logging"
)

// DefaultMaxConnections bounds simultaneously open connections per listening
// socket when none is configured.
const DefaultMaxConnections = 1024

// Listener binds the proxy's listening sockets and feeds accepted
// connections to a handler. With an unspecified bind host it binds an
// IPv6-only socket plus a separate IPv4 socket on the same port, so both
// address families are served on one logical service port without relying on
// platform dual-stack defaults.
type Listener struct {
	listeners []net.Listener
	maxConns  int64
}

// Listen binds the listening sockets for bindAddr. Either every bind
// succeeds or none is kept: a partially-bound proxy never starts.
func Listen(ctx context.Context, bindAddr string, maxConns int64) (*Listener, error) {
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}

	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address %q: %v", bindAddr, err)
	}

	l := &Listener{maxConns: maxConns}

	if host == "" {
		// Dual stack: explicit IPv6-only socket plus an IPv4 socket on the
		// same port.
		lc6 := net.ListenConfig{Control: v6OnlyControl}
		ln6, err := lc6.Listen(ctx, "tcp6", net.JoinHostPort("::", port))
		if err != nil {
			return nil, fmt.Errorf("bind tcp6 port %s: %v", port, err)
		}
		l.listeners = append(l.listeners, ln6)

		// With port 0 the v4 socket must reuse the port the v6 bind got.
		if port == "0" {
			if tcpAddr, ok := ln6.Addr().(*net.TCPAddr); ok {
				port = fmt.Sprintf("%d", tcpAddr.Port)
			}
		}

		var lc4 net.ListenConfig
		ln4, err := lc4.Listen(ctx, "tcp4", net.JoinHostPort("0.0.0.0", port))
		if err != nil {
			_ = ln6.Close()
			return nil, fmt.Errorf("bind tcp4 port %s: %v", port, err)
		}
		l.listeners = append(l.listeners, ln4)
		return l, nil
	}

	// Explicit host: bind a single socket of the matching family.
	network := "tcp"
	var lc net.ListenConfig
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() != nil {
			network = "tcp4"
		} else {
			network = "tcp6"
			lc.Control = v6OnlyControl
		}
	}
	ln, err := lc.Listen(ctx, network, bindAddr)
	if err != nil {
		return nil, fmt.Errorf("bind %s %s: %v", network, bindAddr, err)
	}
	l.listeners = append(l.listeners, ln)
	return l, nil
}

// Addrs returns the bound addresses, one per socket.
func (l *Listener) Addrs() []net.Addr {
	out := make([]net.Addr, 0, len(l.listeners))
	for _, ln := range l.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

// Close closes every listening socket.
func (l *Listener) Close() error {
	var first error
	for _, ln := range l.listeners {
		if err := ln.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Serve runs an accept loop per socket until ctx is canceled or the sockets
// are closed. Each accepted connection is handed to handle in its own
// goroutine; the loop itself never blocks on backend I/O. A weighted
// semaphore per socket bounds open connections: at the bound, new accepts
// wait (the OS backlog backpressures) rather than being dropped.
func (l *Listener) Serve(ctx context.Context, handle func(context.Context, net.Conn)) error {
	g, gctx := errgroup.WithContext(ctx)

	stop := context.AfterFunc(gctx, func() {
		_ = l.Close()
	})
	defer stop()

	for _, ln := range l.listeners {
		ln := ln
		sem := semaphore.NewWeighted(l.maxConns)
		g.Go(func() error {
			return l.acceptLoop(gctx, ln, sem, handle)
		})
	}
	return g.Wait()
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener, sem *semaphore.Weighted, handle func(context.Context, net.Conn)) error {
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			sem.Release(1)
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			logging.Logf("[listen] accept error on %s: %v", ln.Addr(), err)
			continue
		}

		go func() {
			defer sem.Release(1)
			handle(ctx, conn)
		}()
	}
}
