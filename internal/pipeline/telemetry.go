package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Telemetry holds the pipeline's own Prometheus collectors on a private registry.
type Telemetry struct {
	Registry *prometheus.Registry

	passes          *prometheus.CounterVec
	passDuration    prometheus.Histogram
	sampled         prometheus.Gauge
	skipped         prometheus.Counter
	aggregates      prometheus.Gauge
	pendingWrites   prometheus.Gauge
	evicted         prometheus.Counter
	persistFailures *prometheus.CounterVec
}

func NewTelemetry() *Telemetry {
	t := &Telemetry{
		Registry: prometheus.NewRegistry(),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecoscan",
			Name:      "passes_total",
			Help:      "Sampling passes by outcome.",
		}, []string{"result"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ecoscan",
			Name:      "pass_duration_seconds",
			Help:      "Time spent sampling, aggregating and publishing one pass.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		sampled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ecoscan",
			Name:      "processes_sampled",
			Help:      "Processes read in the last pass.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ecoscan",
			Name:      "processes_skipped_total",
			Help:      "Processes that vanished or could not be read during a pass.",
		}),
		aggregates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ecoscan",
			Name:      "aggregates",
			Help:      "Distinct process names in the last snapshot.",
		}),
		pendingWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ecoscan",
			Name:      "pending_store_writes",
			Help:      "Aggregates waiting for a successful store write.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ecoscan",
			Name:      "evicted_total",
			Help:      "Aggregates removed for not being seen within evict_after.",
		}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecoscan",
			Name:      "persist_failures_total",
			Help:      "Snapshots a sink gave up on after retries.",
		}, []string{"sink"}),
	}
	t.Registry.MustRegister(
		t.passes, t.passDuration, t.sampled, t.skipped, t.aggregates,
		t.pendingWrites, t.evicted, t.persistFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return t
}

// PersistFailed matches sink.WithFailureHook.
func (t *Telemetry) PersistFailed(sink string, _ error) {
	t.persistFailures.WithLabelValues(sink).Inc()
}
