package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	CycleDuration prometheus.Histogram
	CyclesSkipped prometheus.Counter
	CycleErrors   *prometheus.CounterVec
	FeedErrors    prometheus.Counter
	OrdersSettled prometheus.Counter
	OrdersExpired prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reconciler_cycle_duration_seconds",
				Help:    "Duration of one reconciliation cycle in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		CyclesSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconciler_cycles_skipped_total",
				Help: "Cycles skipped because the previous one was still running.",
			},
		),
		CycleErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_cycle_errors_total",
				Help: "Errors during reconciliation, by stage.",
			},
			[]string{"stage"},
		),
		FeedErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconciler_feed_errors_total",
				Help: "External feed fetch failures.",
			},
		),
		OrdersSettled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconciler_orders_settled_total",
				Help: "Deposit orders settled.",
			},
		),
		OrdersExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconciler_orders_expired_total",
				Help: "Deposit orders expired.",
			},
		),
	}

	registry.MustRegister(
		m.CycleDuration,
		m.CyclesSkipped,
		m.CycleErrors,
		m.FeedErrors,
		m.OrdersSettled,
		m.OrdersExpired,
	)
	return m
}
