package sandbox

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Simon-McIntosh/nucleai-sandbox/outcome"
	"github.com/Simon-McIntosh/nucleai-sandbox/worker"
)

const metricsNamespace = "nucleai_sandbox"

// metrics holds the engine collectors.
type metrics struct {
	reg prometheus.Registerer

	attempts   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	violations *prometheus.CounterVec
	sessions   *prometheus.CounterVec
	inflight   prometheus.Gauge

	// poolCollectors read worker.Pool counters; they are unregistered on
	// Cleanup.
	poolCollectors []prometheus.Collector
}

// newMetrics registers the engine collectors on reg. Collectors already
// registered by another engine on the same registry are shared.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{reg: reg}

	var err error
	if m.attempts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "attempts_total",
		Help:      "Attempts by result status.",
	}, []string{"status"})); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "attempt_duration_seconds",
		Help:      "Wall-clock duration of attempts by result status.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"status"})); err != nil {
		return nil, err
	}
	if m.violations, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "violations_total",
		Help:      "Static validation violations by rule.",
	}, []string{"rule"})); err != nil {
		return nil, err
	}
	if m.sessions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sessions_total",
		Help:      "Sealed sessions by final state.",
	}, []string{"state"})); err != nil {
		return nil, err
	}
	if m.inflight, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "attempts_in_flight",
		Help:      "Attempts currently validating or executing.",
	})); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers c, or returns the equivalent collector that is
// already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metrics) observeAttempt(o outcome.Outcome) {
	status := string(o.Status())
	m.attempts.WithLabelValues(status).Inc()
	m.duration.WithLabelValues(status).Observe(o.Duration().Seconds())
	for _, v := range o.Violations() {
		m.violations.WithLabelValues(v.Rule).Inc()
	}
}

func (m *metrics) observeSession(state string) {
	m.sessions.WithLabelValues(state).Inc()
}

// watchPool exposes the pool counters. A second engine on the same
// registry keeps its pool unexported.
func (m *metrics) watchPool(p *worker.Pool) {
	counter := func(name, help string, read func(worker.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "worker",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(p.Stats())) })
	}
	collectors := []prometheus.Collector{
		counter("spawned_total", "Worker processes started.", func(s worker.Stats) uint64 { return s.Spawned }),
		counter("killed_total", "Worker processes killed by a watchdog or cancellation.", func(s worker.Stats) uint64 { return s.Killed }),
		counter("crashed_total", "Worker processes that exited without an outcome.", func(s worker.Stats) uint64 { return s.Crashed }),
		counter("scratch_residue_total", "Scratch directories that survived removal.", func(s worker.Stats) uint64 { return s.Residue }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "worker",
			Name:      "idle",
			Help:      "Pre-warmed idle worker processes.",
		}, func() float64 { return float64(p.Stats().Idle) }),
	}
	for _, c := range collectors {
		if err := m.reg.Register(c); err == nil {
			m.poolCollectors = append(m.poolCollectors, c)
		}
	}
}

func (m *metrics) unwatchPool() {
	for _, c := range m.poolCollectors {
		m.reg.Unregister(c)
	}
	m.poolCollectors = nil
}
