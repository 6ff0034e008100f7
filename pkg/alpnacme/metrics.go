package alpnacme

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics mirrors the teacher's own promauto.NewCounterVec usage in
// pkg/shockwave/buffer_pool_prometheus.go, generalized from buffer-pool
// gets/puts to order/challenge outcomes.
type metrics struct {
	ordersStarted   prometheus.Counter
	ordersSucceeded prometheus.Counter
	ordersFailed    prometheus.Counter
	challengesValidated prometheus.Counter
	resolverInstalls    prometheus.Counter
}

// newMetrics registers the core's counters against reg. Passing a fresh
// prometheus.NewRegistry() per test avoids the "duplicate metrics
// collector registration" panic promauto.With would otherwise hit
// across repeated test runs against the global DefaultRegisterer.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		ordersStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "alpnacme",
			Subsystem: "order",
			Name:      "started_total",
			Help:      "Total number of RequestCertificates calls started.",
		}),
		ordersSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "alpnacme",
			Subsystem: "order",
			Name:      "succeeded_total",
			Help:      "Total number of orders that completed with an issued chain.",
		}),
		ordersFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "alpnacme",
			Subsystem: "order",
			Name:      "failed_total",
			Help:      "Total number of orders that failed before a chain was issued.",
		}),
		challengesValidated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "alpnacme",
			Subsystem: "challenge",
			Name:      "validated_total",
			Help:      "Total number of tls-alpn-01 challenges observed as valid.",
		}),
		resolverInstalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "alpnacme",
			Subsystem: "resolver",
			Name:      "challenge_installs_total",
			Help:      "Total number of challenge keys installed into the resolver.",
		}),
	}
}
