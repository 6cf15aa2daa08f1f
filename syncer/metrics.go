package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "anon_sync"

// Metrics groups the pipeline counters. A nil Registerer yields working but
// unregistered collectors.
type Metrics struct {
	Enqueued       prometheus.Counter
	Pending        prometheus.Gauge
	Flushes        *prometheus.CounterVec
	RecordsWritten prometheus.Counter
	WriteFailures  prometheus.Counter
	BackfillPasses *prometheus.CounterVec
	ChangeEvents   *prometheus.CounterVec
	Resubscribes   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Enqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueued_records_total",
			Help:      "Anonymized records added to the write buffer.",
		}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_records",
			Help:      "Records waiting in the write buffer.",
		}),
		Flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Buffer flushes by result.",
		}, []string{"result"}),
		RecordsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_records_total",
			Help:      "Records upserted into the destination.",
		}),
		WriteFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Per-record destination write failures, including retried ones.",
		}),
		BackfillPasses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_passes_total",
			Help:      "Backfill passes by reason.",
		}, []string{"reason"}),
		ChangeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_total",
			Help:      "Change feed notifications by operation.",
		}, []string{"op"}),
		Resubscribes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resubscribes_total",
			Help:      "Change feed subscriptions re-established after termination.",
		}),
	}
}
