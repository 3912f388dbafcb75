// Package metrics exports Prometheus metrics for the eHash engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ehash"

// Metrics holds every collector. It implements the observer hooks of the
// router, the coordinators and the keyset manager.
type Metrics struct {
	registry *prometheus.Registry

	// Router
	EventsRouted  *prometheus.CounterVec
	EventsDropped *prometheus.CounterVec

	// Coordinators
	CoordinatorResults *prometheus.CounterVec
	RetryDepth         *prometheus.GaugeVec
	Disabled           *prometheus.GaugeVec

	// Mint
	QuotesIssued    *prometheus.CounterVec
	AmountIssued    *prometheus.CounterVec
	PersistFailures *prometheus.CounterVec

	// Keysets
	Rotations     prometheus.Counter
	SwapsTotal    prometheus.Counter
	AmountBurned  prometheus.Counter
	AmountPaidOut prometheus.Counter

	// Wallet
	TokensCredited prometheus.Counter
}

// New registers all collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsRouted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "events_routed_total",
			Help:      "Events handed to a coordinator, by destination",
		}, []string{"destination"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "events_dropped_total",
			Help:      "Events dropped by the router, by destination and reason",
		}, []string{"destination", "reason"}),

		CoordinatorResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "results_total",
			Help:      "Event outcomes per coordinator",
		}, []string{"coordinator", "outcome"}),
		RetryDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "retry_queue_depth",
			Help:      "Events waiting in the retry queue",
		}, []string{"coordinator"}),
		Disabled: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "disabled",
			Help:      "1 when the coordinator self-disabled",
		}, []string{"coordinator"}),

		QuotesIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mint",
			Name:      "quotes_issued_total",
			Help:      "Mint quotes issued, by unit",
		}, []string{"unit"}),
		AmountIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mint",
			Name:      "amount_issued_total",
			Help:      "Sum of quote amounts issued, by unit",
		}, []string{"unit"}),
		PersistFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mint",
			Name:      "persist_failures_total",
			Help:      "Writes lost after the token engine already issued",
		}, []string{"store"}),

		Rotations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyset",
			Name:      "rotations_total",
			Help:      "Keyset rotations triggered by payouts",
		}),
		SwapsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyset",
			Name:      "swaps_total",
			Help:      "Completed swaps",
		}),
		AmountBurned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyset",
			Name:      "amount_burned_total",
			Help:      "eHash burned by swaps",
		}),
		AmountPaidOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyset",
			Name:      "amount_paid_out_total",
			Help:      "Target-unit amount paid out by swaps",
		}),

		TokensCredited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "tokens_credited_total",
			Help:      "Tokens credited to miner balances",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Routed implements events.DropHook.
func (m *Metrics) Routed(destination string) {
	m.EventsRouted.WithLabelValues(destination).Inc()
}

// Dropped implements events.DropHook.
func (m *Metrics) Dropped(destination, reason string) {
	m.EventsDropped.WithLabelValues(destination, reason).Inc()
}

// ObserveResult implements coordinator.Observer.
func (m *Metrics) ObserveResult(coordinator, outcome string) {
	m.CoordinatorResults.WithLabelValues(coordinator, outcome).Inc()
}

// ObserveRetryDepth implements coordinator.Observer.
func (m *Metrics) ObserveRetryDepth(coordinator string, depth int) {
	m.RetryDepth.WithLabelValues(coordinator).Set(float64(depth))
}

// ObserveDisabled implements coordinator.Observer.
func (m *Metrics) ObserveDisabled(coordinator string, disabled bool) {
	v := 0.0
	if disabled {
		v = 1
	}
	m.Disabled.WithLabelValues(coordinator).Set(v)
}

// ObserveQuote implements mint.Observer.
func (m *Metrics) ObserveQuote(unit string, amount uint64) {
	m.QuotesIssued.WithLabelValues(unit).Inc()
	m.AmountIssued.WithLabelValues(unit).Add(float64(amount))
}

// ObservePersistFailure implements mint.Observer.
func (m *Metrics) ObservePersistFailure(store string) {
	m.PersistFailures.WithLabelValues(store).Inc()
}

// ObserveRotation implements keyset.Observer.
func (m *Metrics) ObserveRotation(_, _ string) {
	m.Rotations.Inc()
}

// ObserveSwap implements keyset.Observer.
func (m *Metrics) ObserveSwap(burned, paid uint64) {
	m.SwapsTotal.Inc()
	m.AmountBurned.Add(float64(burned))
	m.AmountPaidOut.Add(float64(paid))
}

// ObserveCredit implements wallet.Observer.
func (m *Metrics) ObserveCredit(amount uint64) {
	m.TokensCredited.Add(float64(amount))
}
