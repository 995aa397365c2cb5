package broker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"optiondesk/internal/ledger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu        sync.Mutex
	placed    int
	failed    int
	durations int
}

func (m *MockMetrics) OrderPlacedInc(string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placed++
}

func (m *MockMetrics) OrderFailedInc(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *MockMetrics) OrderExecutionDurationObserve(float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations++
}

// MockExecutor fails the first failures calls
type MockExecutor struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (m *MockExecutor) PlaceOrder(_ context.Context, req OrderRequest) (Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failures {
		return Fill{}, errors.New("mock rejection")
	}
	return Fill{OrderID: "ord-1", Price: req.Price, Quantity: req.Quantity}, nil
}

func testRequest() OrderRequest {
	return OrderRequest{
		Instrument: ledger.Instrument{Symbol: "NIFTY", Strike: decimal.NewFromInt(24000), Type: ledger.Call},
		Side:       Buy,
		Quantity:   75,
		Price:      decimal.NewFromInt(100),
	}
}

func TestTracker_PlaceOrder(t *testing.T) {
	exec := &MockExecutor{}
	metrics := &MockMetrics{}
	tracker := NewTracker(exec, "paper", 10)
	tracker.SetMetrics(metrics)

	fill, err := tracker.PlaceOrder(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "ord-1", fill.OrderID)
	assert.Equal(t, int64(75), fill.Quantity)

	orders := tracker.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, OrderStatusFilled, orders[0].Status)
	assert.Equal(t, "NIFTY 24000 CE", orders[0].Instrument)

	status, err := tracker.GetOrderStatus(orders[0].ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, status)

	assert.Equal(t, 1, metrics.placed)
	assert.Equal(t, 1, metrics.durations)
}

func TestTracker_NoRetry(t *testing.T) {
	exec := &MockExecutor{failures: 1}
	metrics := &MockMetrics{}
	tracker := NewTracker(exec, "kite", 10)
	tracker.SetMetrics(metrics)

	_, err := tracker.PlaceOrder(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, 1, exec.calls)
	assert.Equal(t, 1, metrics.failed)

	orders := tracker.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, OrderStatusRejected, orders[0].Status)
	assert.Contains(t, orders[0].Error, "mock rejection")
}

func TestTracker_BoundedHistory(t *testing.T) {
	tracker := NewTracker(&MockExecutor{}, "paper", 3)
	for i := 0; i < 5; i++ {
		_, err := tracker.PlaceOrder(context.Background(), testRequest())
		require.NoError(t, err)
	}
	assert.Len(t, tracker.Orders(), 3)

	_, err := tracker.GetOrderStatus("missing")
	assert.Error(t, err)
}
