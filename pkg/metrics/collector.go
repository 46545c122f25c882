package metrics

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hashlb/pkg/logging"
)

// BackendStatus is the per-backend snapshot the collector exports as gauges.
type BackendStatus struct {
	Addr  string
	State string
	Up    bool
}

// Collector Prometheus metrics collector
type Collector struct {
	GetBackends func() []BackendStatus

	// Info metric (always 1)
	serverInfo *prometheus.Desc

	// Backend metrics
	backendsTotal          *prometheus.Desc
	backendsRoutable       *prometheus.Desc
	backendUp              *prometheus.Desc
	healthTransitionsTotal *prometheus.Desc

	// Session metrics
	sessionsTotal          *prometheus.Desc
	sessionsActive         *prometheus.Desc
	sessionBytesTx         *prometheus.Desc
	sessionBytesRx         *prometheus.Desc
	sessionDurationSeconds *prometheus.Desc
	sessionErrorsTotal     *prometheus.Desc

	// Dispatch metrics
	connectFailuresTotal   *prometheus.Desc
	connectTimeoutsTotal   *prometheus.Desc
	noHealthyBackendTotal  *prometheus.Desc
	ringInconsistencyTotal *prometheus.Desc

	// Counters (protected by mutex)
	metricsLock        sync.RWMutex
	sessionsByBackend  map[string]float64
	activeByBackend    map[string]float64
	bytesTxByBackend   map[string]float64
	bytesRxByBackend   map[string]float64
	durationSum        map[string]float64
	durationCount      map[string]float64
	sessionErrors      map[string]float64
	connectFailures    map[string]float64
	connectTimeouts    map[string]float64
	transitionsByKey   map[string]float64 // "backend:state"
	noHealthyBackendN  float64
	ringInconsistencyN float64
}

// NewCollector creates a new metrics collector
func NewCollector(getBackends func() []BackendStatus) *Collector {
	return &Collector{
		GetBackends: getBackends,
		serverInfo: prometheus.NewDesc(
			"hashlb_server_info",
			"Balancer process info metric (always 1)",
			[]string{"instance"},
			nil,
		),
		backendsTotal: prometheus.NewDesc(
			"hashlb_backends",
			"Number of backends registered in the pool",
			[]string{"instance"},
			nil,
		),
		backendsRoutable: prometheus.NewDesc(
			"hashlb_backends_routable",
			"Number of backends currently eligible for new sessions",
			[]string{"instance"},
			nil,
		),
		backendUp: prometheus.NewDesc(
			"hashlb_backend_up",
			"Backend routability by address (1=routable, 0=down)",
			[]string{"backend", "state", "instance"},
			nil,
		),
		healthTransitionsTotal: prometheus.NewDesc(
			"hashlb_health_transitions_total",
			"Total health state transitions, labeled by the state entered",
			[]string{"backend", "state", "instance"},
			nil,
		),
		sessionsTotal: prometheus.NewDesc(
			"hashlb_sessions_total",
			"Total forwarding sessions opened per backend",
			[]string{"backend", "instance"},
			nil,
		),
		sessionsActive: prometheus.NewDesc(
			"hashlb_sessions_active",
			"Currently open forwarding sessions per backend",
			[]string{"backend", "instance"},
			nil,
		),
		sessionBytesTx: prometheus.NewDesc(
			"hashlb_session_bytes_tx_total",
			"Total bytes forwarded client to backend",
			[]string{"backend", "instance"},
			nil,
		),
		sessionBytesRx: prometheus.NewDesc(
			"hashlb_session_bytes_rx_total",
			"Total bytes forwarded backend to client",
			[]string{"backend", "instance"},
			nil,
		),
		sessionDurationSeconds: prometheus.NewDesc(
			"hashlb_session_duration_seconds",
			"Average forwarding session duration in seconds",
			[]string{"backend", "instance"},
			nil,
		),
		sessionErrorsTotal: prometheus.NewDesc(
			"hashlb_session_errors_total",
			"Total sessions terminated by an I/O error",
			[]string{"backend", "instance"},
			nil,
		),
		connectFailuresTotal: prometheus.NewDesc(
			"hashlb_connect_failures_total",
			"Total failed backend connect attempts",
			[]string{"backend", "instance"},
			nil,
		),
		connectTimeoutsTotal: prometheus.NewDesc(
			"hashlb_connect_timeouts_total",
			"Total backend connect attempts that timed out",
			[]string{"backend", "instance"},
			nil,
		),
		noHealthyBackendTotal: prometheus.NewDesc(
			"hashlb_no_healthy_backend_total",
			"Total client connections rejected because no healthy backend was available",
			[]string{"instance"},
			nil,
		),
		ringInconsistencyTotal: prometheus.NewDesc(
			"hashlb_ring_inconsistencies_total",
			"Total ring selections that resolved to an unknown backend (programming defect)",
			[]string{"instance"},
			nil,
		),
		sessionsByBackend: make(map[string]float64),
		activeByBackend:   make(map[string]float64),
		bytesTxByBackend:  make(map[string]float64),
		bytesRxByBackend:  make(map[string]float64),
		durationSum:       make(map[string]float64),
		durationCount:     make(map[string]float64),
		sessionErrors:     make(map[string]float64),
		connectFailures:   make(map[string]float64),
		connectTimeouts:   make(map[string]float64),
		transitionsByKey:  make(map[string]float64),
	}
}

// RecordSessionOpen increments the session counters for a backend.
func (c *Collector) RecordSessionOpen(backend string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.sessionsByBackend[backend]++
	c.activeByBackend[backend]++
}

// RecordSessionClose records a finished session with its byte counts and
// duration.
func (c *Collector) RecordSessionClose(backend string, success bool, bytesTx, bytesRx int64, duration time.Duration) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	if c.activeByBackend[backend] > 0 {
		c.activeByBackend[backend]--
	}
	c.bytesTxByBackend[backend] += float64(bytesTx)
	c.bytesRxByBackend[backend] += float64(bytesRx)
	c.durationSum[backend] += duration.Seconds()
	c.durationCount[backend]++
	if !success {
		c.sessionErrors[backend]++
	}
}

// RecordConnectFailure records a failed backend connect attempt.
func (c *Collector) RecordConnectFailure(backend string, timeout bool) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.connectFailures[backend]++
	if timeout {
		c.connectTimeouts[backend]++
	}
}

// RecordNoHealthyBackend records a client connection failed for lack of a
// routable backend.
func (c *Collector) RecordNoHealthyBackend() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.noHealthyBackendN++
}

// RecordRingInconsistency records a ring selection that named a backend the
// pool does not know.
func (c *Collector) RecordRingInconsistency() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.ringInconsistencyN++
}

// RecordHealthTransition records a backend entering a new health state.
func (c *Collector) RecordHealthTransition(backend, state string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	key := fmt.Sprintf("%s:%s", backend, state)
	c.transitionsByKey[key]++
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.serverInfo
	ch <- c.backendsTotal
	ch <- c.backendsRoutable
	ch <- c.backendUp
	ch <- c.healthTransitionsTotal
	ch <- c.sessionsTotal
	ch <- c.sessionsActive
	ch <- c.sessionBytesTx
	ch <- c.sessionBytesRx
	ch <- c.sessionDurationSeconds
	ch <- c.sessionErrorsTotal
	ch <- c.connectFailuresTotal
	ch <- c.connectTimeoutsTotal
	ch <- c.noHealthyBackendTotal
	ch <- c.ringInconsistencyTotal
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	instance := logging.GetInstanceID()

	ch <- prometheus.MustNewConstMetric(
		c.serverInfo,
		prometheus.GaugeValue,
		1,
		instance,
	)

	backends := c.GetBackends()
	routable := 0
	for _, b := range backends {
		if b.Up {
			routable++
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.backendsTotal,
		prometheus.GaugeValue,
		float64(len(backends)),
		instance,
	)
	ch <- prometheus.MustNewConstMetric(
		c.backendsRoutable,
		prometheus.GaugeValue,
		float64(routable),
		instance,
	)

	for _, b := range backends {
		v := 0.0
		if b.Up {
			v = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.backendUp,
			prometheus.GaugeValue,
			v,
			b.Addr, b.State, instance,
		)
	}

	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	for backend, value := range c.sessionsByBackend {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsTotal,
			prometheus.CounterValue,
			value,
			backend, instance,
		)
	}
	for backend, value := range c.activeByBackend {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsActive,
			prometheus.GaugeValue,
			value,
			backend, instance,
		)
	}
	for backend, value := range c.bytesTxByBackend {
		ch <- prometheus.MustNewConstMetric(
			c.sessionBytesTx,
			prometheus.CounterValue,
			value,
			backend, instance,
		)
	}
	for backend, value := range c.bytesRxByBackend {
		ch <- prometheus.MustNewConstMetric(
			c.sessionBytesRx,
			prometheus.CounterValue,
			value,
			backend, instance,
		)
	}
	for backend, sum := range c.durationSum {
		if c.durationCount[backend] > 0 {
			avg := sum / c.durationCount[backend]
			ch <- prometheus.MustNewConstMetric(
				c.sessionDurationSeconds,
				prometheus.GaugeValue,
				avg,
				backend, instance,
			)
		}
	}
	for backend, value := range c.sessionErrors {
		ch <- prometheus.MustNewConstMetric(
			c.sessionErrorsTotal,
			prometheus.CounterValue,
			value,
			backend, instance,
		)
	}
	for backend, value := range c.connectFailures {
		ch <- prometheus.MustNewConstMetric(
			c.connectFailuresTotal,
			prometheus.CounterValue,
			value,
			backend, instance,
		)
	}
	for backend, value := range c.connectTimeouts {
		ch <- prometheus.MustNewConstMetric(
			c.connectTimeoutsTotal,
			prometheus.CounterValue,
			value,
			backend, instance,
		)
	}
	for key, value := range c.transitionsByKey {
		parts := strings.Split(key, ":")
		if len(parts) >= 2 {
			state := parts[len(parts)-1]
			backend := strings.Join(parts[:len(parts)-1], ":")
			ch <- prometheus.MustNewConstMetric(
				c.healthTransitionsTotal,
				prometheus.CounterValue,
				value,
				backend, state, instance,
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.noHealthyBackendTotal,
		prometheus.CounterValue,
		c.noHealthyBackendN,
		instance,
	)
	ch <- prometheus.MustNewConstMetric(
		c.ringInconsistencyTotal,
		prometheus.CounterValue,
		c.ringInconsistencyN,
		instance,
	)
}
