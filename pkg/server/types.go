package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hashlb/pkg/config"
	"github.com/hashlb/pkg/dispatch"
	"github.com/hashlb/pkg/health"
	"github.com/hashlb/pkg/listener"
	"github.com/hashlb/pkg/metrics"
	"github.com/hashlb/pkg/pool"
	"github.com/hashlb/pkg/ring"
)

// ProxyServer owns the balancer's shared state (backend pool, hash ring)
// and wires the listener, dispatcher, health monitor and metrics together.
// Per-connection goroutines receive references to the pool and ring through
// the dispatcher; nothing else is shared between sessions.
type ProxyServer struct {
	cfg        *config.Config
	pool       *pool.Pool
	ring       *ring.Ring
	monitor    *health.Monitor
	dispatcher *dispatch.Dispatcher
	registry   *prometheus.Registry
	collector  *metrics.Collector

	mu       sync.Mutex
	listener *listener.Listener
	ready    chan struct{}

	sessions sync.WaitGroup
}
