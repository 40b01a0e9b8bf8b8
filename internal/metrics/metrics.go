// Package metrics exposes the bot's Prometheus instrumentation. Collectors
// are registered through promauto and served by the /metrics handler started
// in main.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Cycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "positionbot",
			Name:      "reconcile_cycles_total",
			Help:      "Reconciliation cycles completed per market",
		},
		[]string{"market"},
	)

	CycleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "positionbot",
			Name:      "reconcile_errors_total",
			Help:      "Reconciliation cycles aborted by an error",
		},
		[]string{"market"},
	)

	OrdersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "positionbot",
			Name:      "orders_placed_total",
			Help:      "Orders placed by role",
		},
		[]string{"market", "role"},
	)

	FillsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "positionbot",
			Name:      "fills_detected_total",
			Help:      "Tracked orders detected as filled, by role",
		},
		[]string{"market", "role"},
	)

	StopsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "positionbot",
			Name:      "stops_executed_total",
			Help:      "Stop-loss responses by action (freeze|liquidate)",
		},
		[]string{"market", "action"},
	)

	EntriesBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "positionbot",
			Name:      "entries_blocked_total",
			Help:      "Entries refused by the safety gate, by reason",
		},
		[]string{"market", "reason"},
	)

	GatewayErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "positionbot",
			Name:      "gateway_errors_total",
			Help:      "Exchange gateway call failures (transient: yes|no)",
		},
		[]string{"market", "transient"},
	)

	TrackedOrders = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "positionbot",
			Name:      "tracked_orders",
			Help:      "Orders currently tracked per market",
		},
		[]string{"market"},
	)

	PositionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "positionbot",
			Name:      "position_status",
			Help:      "Position state as labeled 0/1 series (none|open|closed|frozen)",
		},
		[]string{"market", "status"},
	)

	LastPrice = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "positionbot",
			Name:      "last_price",
			Help:      "Last observed price per market",
		},
		[]string{"market"},
	)
)

var positionStatuses = []string{"none", "open", "closed", "frozen"}

// SetPositionStatus flips the labeled series so exactly one is 1.
func SetPositionStatus(market, status string) {
	for _, s := range positionStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		PositionStatus.WithLabelValues(market, s).Set(v)
	}
}

func RecordGatewayError(market string, transient bool) {
	label := "no"
	if transient {
		label = "yes"
	}
	GatewayErrors.WithLabelValues(market, label).Inc()
}

// Forget drops every series for a removed market so dashboards stop showing it.
func Forget(market string) {
	Cycles.DeleteLabelValues(market)
	CycleErrors.DeleteLabelValues(market)
	TrackedOrders.DeleteLabelValues(market)
	LastPrice.DeleteLabelValues(market)
	for _, s := range positionStatuses {
		PositionStatus.DeleteLabelValues(market, s)
	}
	OrdersPlaced.DeletePartialMatch(prometheus.Labels{"market": market})
	FillsDetected.DeletePartialMatch(prometheus.Labels{"market": market})
	StopsExecuted.DeletePartialMatch(prometheus.Labels{"market": market})
	EntriesBlocked.DeletePartialMatch(prometheus.Labels{"market": market})
	GatewayErrors.DeletePartialMatch(prometheus.Labels{"market": market})
}
