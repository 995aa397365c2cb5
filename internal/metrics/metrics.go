// Package metrics provides Prometheus metrics collection for the option desk.
// It defines the order, stop-loss, re-entry, feed and session metrics that
// are exposed via the Prometheus metrics endpoint for monitoring and alerting.
package metrics

import (
	"optiondesk/internal/flags"
	"optiondesk/internal/ledger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the desk.
type Metrics struct {
	// Order metrics
	OrdersTotal            *prometheus.CounterVec // Orders filled, by backend and side
	OrderFailures          *prometheus.CounterVec // Orders rejected, by backend
	OrderExecutionDuration prometheus.Histogram   // Duration of order placement

	// Position metrics
	ActivePositions *prometheus.GaugeVec // Open or pending positions, by mode
	RealizedPnL     *prometheus.GaugeVec // Realized P&L across positions, by mode
	UnrealizedPnL   *prometheus.GaugeVec // Unrealized P&L of open positions, by mode

	// Risk metrics
	StopLossTriggers prometheus.Counter     // Positions closed by a stop loss
	StopLossMoves    *prometheus.CounterVec // Stop loss updates, by source
	AutoBuys         prometheus.Counter     // Automatic re-buys executed
	Confirmations    *prometheus.CounterVec // Re-entry confirmations resolved, by decision

	// Feed and session metrics
	QuotesReceived   prometheus.Counter // Quotes received from the feed
	FeedReconnects   prometheus.Counter // Quote feed reconnections
	SessionConnected prometheus.Gauge   // 1 when the broker session is healthy
	ModeSwitches     prometheus.Counter // Trading mode switches

	// System metrics
	ErrorsTotal prometheus.Counter // Total number of errors encountered
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_total",
			Help: "Total number of orders filled",
		}, []string{"backend", "side"}),
		OrderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "order_failures_total",
			Help: "Total number of rejected orders",
		}, []string{"backend"}),
		OrderExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "order_execution_duration_seconds",
			Help:    "Duration of order execution attempts in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		ActivePositions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "active_positions",
			Help: "Number of open or pending positions",
		}, []string{"mode"}),
		RealizedPnL: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "realized_pnl",
			Help: "Realized profit and loss",
		}, []string{"mode"}),
		UnrealizedPnL: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "unrealized_pnl",
			Help: "Unrealized profit and loss of open positions",
		}, []string{"mode"}),
		StopLossTriggers: factory.NewCounter(prometheus.CounterOpts{
			Name: "stop_loss_triggers_total",
			Help: "Total number of positions closed by a stop loss",
		}),
		StopLossMoves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stop_loss_moves_total",
			Help: "Total number of stop loss updates",
		}, []string{"source"}),
		AutoBuys: factory.NewCounter(prometheus.CounterOpts{
			Name: "auto_buys_total",
			Help: "Total number of automatic re-buys",
		}),
		Confirmations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reentry_confirmations_total",
			Help: "Total number of resolved re-entry confirmations",
		}, []string{"decision"}),
		QuotesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "quotes_received_total",
			Help: "Total number of quotes received",
		}),
		FeedReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "feed_reconnects_total",
			Help: "Total number of quote feed reconnections",
		}),
		SessionConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "broker_session_connected",
			Help: "1 when the broker session is connected",
		}),
		ModeSwitches: factory.NewCounter(prometheus.CounterOpts{
			Name: "mode_switches_total",
			Help: "Total number of trading mode switches",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}

// UpdatePositions recomputes the position gauges of one mode from a ledger
// snapshot.
func (m *Metrics) UpdatePositions(mode flags.Mode, positions []ledger.Position) {
	var active int
	var realized, unrealized float64
	for _, p := range positions {
		r, _ := p.RealizedPnL.Float64()
		realized += r
		if p.Terminal() {
			continue
		}
		active++
		u, _ := p.UnrealizedPnL.Float64()
		unrealized += u
	}
	m.ActivePositions.WithLabelValues(string(mode)).Set(float64(active))
	m.RealizedPnL.WithLabelValues(string(mode)).Set(realized)
	m.UnrealizedPnL.WithLabelValues(string(mode)).Set(unrealized)
}
