package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hashlb/pkg/config"
	"github.com/hashlb/pkg/dispatch"
	"github.com/hashlb/pkg/health"
	"github.com/hashlb/pkg/listener"
	"github.com/hashlb/pkg/logging"
	"github.com/hashlb/pkg/metrics"
	"github.com/hashlb/pkg/pool"
	"github.com/hashlb/pkg/ring"
)

// NewProxyServer creates a proxy server from the startup configuration. The
// pool and ring are seeded with the configured backends; every backend
// starts Healthy until the first probe round says otherwise.
func NewProxyServer(cfg *config.Config) (*ProxyServer, error) {
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("no backends configured")
	}

	registry := prometheus.NewRegistry()

	s := &ProxyServer{
		cfg:      cfg,
		pool:     pool.New(cfg.BackendAddrs()),
		ring:     ring.New(cfg.Ring.VirtualNodes),
		registry: registry,
		ready:    make(chan struct{}),
	}
	for _, addr := range cfg.BackendAddrs() {
		s.ring.Add(addr)
	}

	s.collector = metrics.NewCollector(func() []metrics.BackendStatus {
		statuses := s.pool.Statuses()
		out := make([]metrics.BackendStatus, 0, len(statuses))
		for _, st := range statuses {
			out = append(out, metrics.BackendStatus{
				Addr:  st.Addr,
				State: st.State,
				Up:    st.State != pool.StateDown.String(),
			})
		}
		return out
	})
	registry.MustRegister(s.collector)

	s.monitor = health.New(health.Config{
		Interval:         cfg.GetHealthInterval(),
		ProbeTimeout:     cfg.GetProbeTimeout(),
		FailThreshold:    cfg.Health.FailThreshold,
		RecoverThreshold: cfg.Health.RecoverThreshold,
	}, s.pool)
	s.monitor.OnTransition = func(addr string, from, to pool.State) {
		s.collector.RecordHealthTransition(addr, to.String())
	}

	s.dispatcher = dispatch.New(dispatch.Config{
		DialTimeout: cfg.GetDialTimeout(),
		DialRetries: cfg.Proxy.DialRetries,
	}, s.pool, s.ring, s.collector)

	return s, nil
}

// Ready is closed once the listening sockets are bound.
func (s *ProxyServer) Ready() <-chan struct{} {
	return s.ready
}

// ListenerAddrs returns the bound proxy addresses. Valid after Ready.
func (s *ProxyServer) ListenerAddrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addrs()
}

// AddBackend registers a backend at runtime. New selections see it
// immediately; existing sessions are untouched.
func (s *ProxyServer) AddBackend(addr string) {
	s.pool.Add(addr)
	s.ring.Add(addr)
	logging.Logf("[admin] backend added addr=%s", addr)
}

// RemoveBackend deletes a backend from the ring and pool. Existing sessions
// to it keep running until they finish on their own.
func (s *ProxyServer) RemoveBackend(addr string) {
	s.ring.Remove(addr)
	s.pool.Remove(addr)
	logging.Logf("[admin] backend removed addr=%s", addr)
}

// Run binds the listeners and serves until ctx is canceled. A bind failure
// is returned before any traffic is served, so the process never runs
// partially bound. On shutdown the listeners close first, open sessions get
// the configured drain grace, then remaining sessions are force-closed.
func (s *ProxyServer) Run(ctx context.Context) error {
	ln, err := listener.Listen(ctx, s.cfg.Listen.BindAddr, s.cfg.Listen.MaxConnections)
	if err != nil {
		return fmt.Errorf("listener bind: %v", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	for _, addr := range ln.Addrs() {
		logging.Logf("[listen] proxy addr=%s", addr)
	}

	// Sessions get their own context so they can outlive ctx during drain.
	sessCtx, sessCancel := context.WithCancel(context.Background())
	defer sessCancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.monitor.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return ln.Serve(gctx, func(_ context.Context, c net.Conn) {
			s.sessions.Add(1)
			defer s.sessions.Done()
			s.dispatcher.Handle(sessCtx, c)
		})
	})

	g.Go(func() error {
		return s.serveMetrics(gctx)
	})

	err = g.Wait()

	drained := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.cfg.GetDrainTimeout()):
		logging.Logf("[shutdown] drain timeout after %s, closing remaining sessions", s.cfg.GetDrainTimeout())
		sessCancel()
		<-drained
	}

	logging.Log("[shutdown] all sessions closed")
	return err
}

// serveMetrics runs the metrics and admin HTTP server until ctx is
// canceled.
func (s *ProxyServer) serveMetrics(ctx context.Context) error {
	metricsPath := s.cfg.Listen.TelemetryPath

	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/backends", s.handleBackends)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
<head><title>HashLB Exporter</title></head>
<body>
<h1>HashLB Exporter</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
<p><a href="/backends">Backends</a></p>
</body>
</html>`))
	})

	srv := &http.Server{Addr: s.cfg.Listen.ListenAddress, Handler: mux}

	stop := context.AfterFunc(ctx, func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	})
	defer stop()

	logging.Logf("[listen] metrics addr=%s path=%s health=/healthz", s.cfg.Listen.ListenAddress, metricsPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics serve: %v", err)
	}
	return nil
}
