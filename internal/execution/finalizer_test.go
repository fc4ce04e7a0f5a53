package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/rebalancer/internal/domain"
)

func newFinalizer(b *fakeBroker, alerts AlertSender) *OrderFinalizer {
	cfg := FinalizerConfig{MaxWait: time.Second, StatusConcurrency: 4}
	return NewOrderFinalizer(b, alerts, cfg, nil, testLogger())
}

func placedFor(id, symbol string, side domain.OrderSide, qty float64, planIndex int) PlacedOrder {
	return PlacedOrder{
		OrderID:     id,
		Symbol:      symbol,
		Side:        side,
		Qty:         qty,
		Notional:    qty * 100,
		PlanIndex:   planIndex,
		SubmittedAt: time.Now().UTC(),
	}
}

func TestFinalizeMalformedOrderIDNeverHitsBroker(t *testing.T) {
	b := &fakeBroker{statusErr: errors.New("must not be called")}
	f := newFinalizer(b, nil)

	results := f.Finalize(context.Background(),
		[]PlacedOrder{placedFor("not-a-uuid", "AAPL", domain.OrderSideBuy, 10, -1)}, nil)

	require.Len(t, results, 1)
	assert.Equal(t, domain.BrokerStatusRejected, results[0].Status)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].ErrorMessage, "malformed order id")
}

func TestFinalizeStatuses(t *testing.T) {
	id := func() string { return uuid.NewString() }
	filled, partial, rejected, canceled, expired := id(), id(), id(), id(), id()

	b := &fakeBroker{}
	b.setStatus(domain.OrderStatus{OrderID: filled, Status: domain.BrokerStatusFilled, FilledQty: 10, AvgPrice: 100})
	b.setStatus(domain.OrderStatus{OrderID: partial, Status: domain.BrokerStatusPartiallyFilled, FilledQty: 4, AvgPrice: 99})
	b.setStatus(domain.OrderStatus{OrderID: rejected, Status: domain.BrokerStatusRejected})
	b.setStatus(domain.OrderStatus{OrderID: canceled, Status: domain.BrokerStatusCanceled})
	b.setStatus(domain.OrderStatus{OrderID: expired, Status: domain.BrokerStatusExpired})
	f := newFinalizer(b, nil)

	results := f.Finalize(context.Background(), []PlacedOrder{
		placedFor(filled, "AAPL", domain.OrderSideBuy, 10, -1),
		placedFor(partial, "MSFT", domain.OrderSideBuy, 10, -1),
		placedFor(rejected, "GOOG", domain.OrderSideBuy, 10, -1),
		placedFor(canceled, "AMZN", domain.OrderSideSell, 10, -1),
		placedFor(expired, "META", domain.OrderSideSell, 10, -1),
	}, nil)

	require.Len(t, results, 5)
	byID := make(map[string]domain.OrderResult, len(results))
	for _, r := range results {
		byID[r.OrderID] = r
	}

	assert.True(t, byID[filled].Success)
	assert.InDelta(t, 100.0, byID[filled].FilledPrice, 1e-9)

	assert.True(t, byID[partial].Success, "partial fills count as success")
	assert.InDelta(t, 4.0, byID[partial].FilledQty, 1e-9)

	assert.False(t, byID[rejected].Success)
	assert.Equal(t, "order rejected", byID[rejected].ErrorMessage)

	assert.False(t, byID[canceled].Success)
	assert.Equal(t, "order canceled", byID[canceled].ErrorMessage)

	assert.False(t, byID[expired].Success)
	assert.Equal(t, "order expired", byID[expired].ErrorMessage)
}

func TestFinalizeInconsistentFillReportAlerts(t *testing.T) {
	id := uuid.NewString()
	b := &fakeBroker{}
	b.setStatus(domain.OrderStatus{OrderID: id, Status: domain.BrokerStatusAccepted, FilledQty: 7, AvgPrice: 0})
	alerts := &fakeAlerts{}
	f := newFinalizer(b, alerts)

	results := f.Finalize(context.Background(),
		[]PlacedOrder{placedFor(id, "AAPL", domain.OrderSideBuy, 10, -1)}, nil)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success, "only filled and partially_filled succeed")
	assert.InDelta(t, 7.0, results[0].FilledQty, 1e-9)
	assert.Equal(t, 1, alerts.count())
}

func TestFinalizeStatusFetchFailure(t *testing.T) {
	id := uuid.NewString()
	b := &fakeBroker{statusErr: errors.New("api down")}
	f := newFinalizer(b, nil)

	results := f.Finalize(context.Background(),
		[]PlacedOrder{placedFor(id, "AAPL", domain.OrderSideBuy, 10, -1)}, nil)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "unknown", results[0].Status)
	assert.Contains(t, results[0].ErrorMessage, "final status unavailable")
}

func TestFinalizeTradeAmountFromPlan(t *testing.T) {
	id := uuid.NewString()
	b := &fakeBroker{}
	b.setStatus(domain.OrderStatus{OrderID: id, Status: domain.BrokerStatusFilled, FilledQty: 10, AvgPrice: 100})
	f := newFinalizer(b, nil)

	items := []domain.PlanItem{
		{Symbol: "AAPL", Action: domain.ActionBuy, TradeAmount: 1234.56},
	}
	results := f.Finalize(context.Background(),
		[]PlacedOrder{placedFor(id, "AAPL", domain.OrderSideBuy, 10, 0)}, items)

	require.Len(t, results, 1)
	assert.InDelta(t, 1234.56, results[0].TradeAmount, 1e-9)
}

func TestFinalizeTradeAmountFallsBackToNotional(t *testing.T) {
	id := uuid.NewString()
	b := &fakeBroker{}
	b.setStatus(domain.OrderStatus{OrderID: id, Status: domain.BrokerStatusFilled, FilledQty: 10, AvgPrice: 100})
	f := newFinalizer(b, nil)

	// Plan index points at a different symbol, so the linkage is rejected.
	items := []domain.PlanItem{{Symbol: "MSFT", Action: domain.ActionBuy, TradeAmount: 999}}
	results := f.Finalize(context.Background(),
		[]PlacedOrder{placedFor(id, "AAPL", domain.OrderSideBuy, 10, 0)}, items)

	require.Len(t, results, 1)
	assert.InDelta(t, 1000.0, results[0].TradeAmount, 1e-9)
}
