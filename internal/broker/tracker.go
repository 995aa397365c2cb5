package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MetricsInterface defines the metrics methods needed by the order tracker
type MetricsInterface interface {
	OrderPlacedInc(backend string, side string)
	OrderFailedInc(backend string)
	OrderExecutionDurationObserve(float64)
}

// OrderStatus represents the status of a tracked order
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// TrackedOrder is the tracker's record of one order attempt
type TrackedOrder struct {
	ClientOrderID string      `json:"client_order_id"`
	OrderID       string      `json:"order_id,omitempty"`
	Backend       string      `json:"backend"`
	Instrument    string      `json:"instrument"`
	Side          Side        `json:"side"`
	Quantity      int64       `json:"quantity"`
	Price         string      `json:"price"`
	Status        OrderStatus `json:"status"`
	SubmittedAt   time.Time   `json:"submitted_at"`
	CompletedAt   time.Time   `json:"completed_at"`
	Error         string      `json:"error,omitempty"`
}

// Tracker wraps an Executor and keeps a bounded history of order attempts.
// A failed order is reported to the caller and never retried.
type Tracker struct {
	mu      sync.RWMutex
	orders  map[string]*TrackedOrder
	order   []string
	limit   int
	next    Executor
	backend string
	metrics MetricsInterface
}

// NewTracker tracks orders sent to next under the given backend name.
func NewTracker(next Executor, backend string, limit int) *Tracker {
	if limit <= 0 {
		limit = 500
	}
	return &Tracker{
		orders:  make(map[string]*TrackedOrder),
		limit:   limit,
		next:    next,
		backend: backend,
	}
}

// SetMetrics sets the metrics interface for reporting
func (t *Tracker) SetMetrics(m MetricsInterface) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
}

// PlaceOrder forwards req once and records the outcome.
func (t *Tracker) PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	start := time.Now()
	tracked := &TrackedOrder{
		ClientOrderID: uuid.NewString(),
		Backend:       t.backend,
		Instrument:    req.Instrument.String(),
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         req.Price.StringFixed(2),
		Status:        OrderStatusPending,
		SubmittedAt:   start,
	}
	t.add(tracked)

	fill, err := t.next.PlaceOrder(ctx, req)
	duration := time.Since(start)

	t.mu.Lock()
	tracked.CompletedAt = time.Now()
	if err != nil {
		tracked.Status = OrderStatusRejected
		tracked.Error = err.Error()
	} else {
		tracked.Status = OrderStatusFilled
		tracked.OrderID = fill.OrderID
	}
	m := t.metrics
	t.mu.Unlock()

	if m != nil {
		m.OrderExecutionDurationObserve(duration.Seconds())
		if err != nil {
			m.OrderFailedInc(t.backend)
		} else {
			m.OrderPlacedInc(t.backend, string(req.Side))
		}
	}

	if err != nil {
		log.Warn().
			Err(err).
			Str("client_order_id", tracked.ClientOrderID).
			Str("backend", t.backend).
			Str("instrument", tracked.Instrument).
			Str("side", string(req.Side)).
			Msg("order rejected")
		return Fill{}, fmt.Errorf("%s order: %w", t.backend, err)
	}

	log.Info().
		Str("client_order_id", tracked.ClientOrderID).
		Str("order_id", fill.OrderID).
		Str("backend", t.backend).
		Str("instrument", tracked.Instrument).
		Str("side", string(req.Side)).
		Int64("quantity", req.Quantity).
		Str("price", fill.Price.StringFixed(2)).
		Dur("duration", duration).
		Msg("order filled")
	return fill, nil
}

func (t *Tracker) add(o *TrackedOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.orders[o.ClientOrderID] = o
	t.order = append(t.order, o.ClientOrderID)
	for len(t.order) > t.limit {
		delete(t.orders, t.order[0])
		t.order = t.order[1:]
	}
}

// GetOrderStatus returns the current status of an order
func (t *Tracker) GetOrderStatus(clientOrderID string) (OrderStatus, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if o, ok := t.orders[clientOrderID]; ok {
		return o.Status, nil
	}
	return "", fmt.Errorf("order not found: %s", clientOrderID)
}

// Orders returns copies of the tracked orders, newest first.
func (t *Tracker) Orders() []TrackedOrder {
	t.mu.RLock()
	out := make([]TrackedOrder, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, *o)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}
