package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arklim/esign-sessions/internal/core/port"
)

// SessionMetricsOptions configures the session store and refresh collectors.
type SessionMetricsOptions struct {
	Registerer prometheus.Registerer
	Namespace  string
	Buckets    []float64
}

// SessionMetrics records tier health and refresh outcomes.
type SessionMetrics struct {
	TierOperations *prometheus.HistogramVec
	Fallbacks      *prometheus.CounterVec
	CacheFills     *prometheus.CounterVec
	Refreshes      *prometheus.CounterVec
}

// NewSessionMetrics constructs the collectors and registers them with the provided registerer.
func NewSessionMetrics(opts SessionMetricsOptions) (*SessionMetrics, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "esign"
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}
	}

	tierOps, err := RegisterHistogramVec(reg, prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session_store",
		Name:      "tier_operation_duration_seconds",
		Help:      "Latency of session tier operations partitioned by tier, operation, and result.",
		Buckets:   buckets,
	}, []string{"tier", "operation", "result"})
	if err != nil {
		return nil, err
	}

	fallbacks, err := RegisterCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session_store",
		Name:      "fallbacks_total",
		Help:      "Number of times an operation degraded past an unavailable tier.",
	}, []string{"operation", "tier"})
	if err != nil {
		return nil, err
	}

	fills, err := RegisterCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session_store",
		Name:      "cache_fills_total",
		Help:      "Number of sessions copied back into the fast tier after a durable hit.",
	}, []string{"tier"})
	if err != nil {
		return nil, err
	}

	refreshes, err := RegisterCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "refresh",
		Name:      "requests_total",
		Help:      "Refresh attempts partitioned by outcome.",
	}, []string{"result"})
	if err != nil {
		return nil, err
	}

	return &SessionMetrics{
		TierOperations: tierOps,
		Fallbacks:      fallbacks,
		CacheFills:     fills,
		Refreshes:      refreshes,
	}, nil
}

func (m *SessionMetrics) ObserveTierOperation(tier, operation, result string, duration time.Duration) {
	m.TierOperations.WithLabelValues(tier, operation, result).Observe(duration.Seconds())
}

func (m *SessionMetrics) IncFallback(operation, fromTier string) {
	m.Fallbacks.WithLabelValues(operation, fromTier).Inc()
}

func (m *SessionMetrics) IncCacheFill(tier string) {
	m.CacheFills.WithLabelValues(tier).Inc()
}

func (m *SessionMetrics) IncRefresh(result string) {
	m.Refreshes.WithLabelValues(result).Inc()
}

// RegisterCounterVec registers a counter vector, reusing an identical collector that is already registered.
func RegisterCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, fmt.Errorf("existing %s collector has unexpected type %T", opts.Name, already.ExistingCollector)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("register %s collector: %w", opts.Name, err)
	}
	return collector, nil
}

// RegisterHistogramVec is the histogram counterpart of RegisterCounterVec.
func RegisterHistogramVec(reg prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) (*prometheus.HistogramVec, error) {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				return nil, fmt.Errorf("existing %s collector has unexpected type %T", opts.Name, already.ExistingCollector)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("register %s collector: %w", opts.Name, err)
	}
	return collector, nil
}

// RegisterGauge registers a gauge, reusing an existing one with the same descriptor.
func RegisterGauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) (prometheus.Gauge, error) {
	collector := prometheus.NewGauge(opts)
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := already.ExistingCollector.(prometheus.Gauge)
			if !ok {
				return nil, fmt.Errorf("existing %s collector has unexpected type %T", opts.Name, already.ExistingCollector)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("register %s collector: %w", opts.Name, err)
	}
	return collector, nil
}

var (
	_ port.SessionStoreMetrics = (*SessionMetrics)(nil)
	_ port.RefreshMetrics      = (*SessionMetrics)(nil)
)
