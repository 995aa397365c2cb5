package metrics

import (
	"context"

	"optiondesk/internal/events"
	"optiondesk/internal/ledger"
	"optiondesk/internal/reentry"
)

// MetricsWrapper adapts Metrics to the narrow interfaces of the order
// tracker and the feed loop.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) OrderPlacedInc(backend, side string) {
	w.m.OrdersTotal.WithLabelValues(backend, side).Inc()
}

func (w *MetricsWrapper) OrderFailedInc(backend string) {
	w.m.OrderFailures.WithLabelValues(backend).Inc()
}

func (w *MetricsWrapper) OrderExecutionDurationObserve(v float64) {
	w.m.OrderExecutionDuration.Observe(v)
}

func (w *MetricsWrapper) QuoteReceived() {
	w.m.QuotesReceived.Inc()
}

func (w *MetricsWrapper) FeedReconnected() {
	w.m.FeedReconnects.Inc()
}

func (w *MetricsWrapper) ErrorInc() {
	w.m.ErrorsTotal.Inc()
}

// Run updates event driven metrics until in closes or ctx is done.
func (w *MetricsWrapper) Run(ctx context.Context, in <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			w.Observe(ev)
		}
	}
}

// Observe applies one event.
func (w *MetricsWrapper) Observe(ev events.Event) {
	switch ev.Type {
	case events.TradeAppended:
		t, ok := ev.Data.(ledger.Trade)
		if !ok {
			return
		}
		switch t.Action {
		case ledger.ActionStopLossSell:
			w.m.StopLossTriggers.Inc()
		case ledger.ActionAutoBuy:
			w.m.AutoBuys.Inc()
		}
	case events.StopLossMoved:
		if data, ok := ev.Data.(map[string]any); ok {
			if src, ok := data["source"].(ledger.StopSource); ok {
				w.m.StopLossMoves.WithLabelValues(string(src)).Inc()
			}
		}
	case events.ConfirmationResolved:
		if c, ok := ev.Data.(reentry.Confirmation); ok {
			w.m.Confirmations.WithLabelValues(string(c.Decision)).Inc()
		}
	case events.SessionChanged:
		if s, ok := ev.Data.(interface{ Healthy() bool }); ok {
			if s.Healthy() {
				w.m.SessionConnected.Set(1)
			} else {
				w.m.SessionConnected.Set(0)
			}
		}
	case events.ModeChanged:
		w.m.ModeSwitches.Inc()
	}
}
