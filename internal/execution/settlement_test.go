package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/rebalancer/internal/domain"
)

func newMonitor(t *testing.T, b *fakeBroker, mut func(*SettlementConfig)) *SettlementMonitor {
	t.Helper()
	cfg := SettlementConfig{
		StreamTimeout:    200 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
		MaxPollAttempts:  3,
		VerifyBaseDelay:  time.Millisecond,
		VerifyMaxRetries: 3,
		VerifyMaxWait:    time.Second,
	}
	if mut != nil {
		mut(&cfg)
	}
	m, err := NewSettlementMonitor(b, cfg, nil, testLogger())
	require.NoError(t, err)
	return m
}

func TestSettlementConfigValidation(t *testing.T) {
	b := &fakeBroker{}
	_, err := NewSettlementMonitor(b, SettlementConfig{PollInterval: time.Second, MaxPollAttempts: 1}, nil, testLogger())
	assert.Error(t, err, "zero stream timeout must be rejected")

	_, err = NewSettlementMonitor(b, SettlementConfig{StreamTimeout: time.Second, MaxPollAttempts: 1}, nil, testLogger())
	assert.Error(t, err, "zero poll interval must be rejected")

	_, err = NewSettlementMonitor(b, SettlementConfig{StreamTimeout: time.Second, PollInterval: time.Second}, nil, testLogger())
	assert.Error(t, err, "zero poll attempts must be rejected")
}

func TestPollBudgetClamp(t *testing.T) {
	assert.Equal(t, minPollBudget, PollBudget(time.Second, time.Second))
	assert.Equal(t, 2*time.Minute, PollBudget(time.Minute, 30*time.Second))
	assert.Equal(t, maxPollBudget, PollBudget(time.Hour, time.Minute))
}

func TestSettlementEmptyBatch(t *testing.T) {
	m := newMonitor(t, &fakeBroker{}, nil)
	batch := m.WaitForSettlement(context.Background(), nil)
	assert.Empty(t, batch.Statuses)
	assert.Zero(t, batch.ReleasedBuyingPower)
}

func TestSettlementViaStream(t *testing.T) {
	b := &fakeBroker{updates: make(chan domain.OrderUpdate, 2)}
	b.updates <- domain.OrderUpdate{OrderID: "s1", Status: domain.BrokerStatusPartiallyFilled, FilledQty: 5, AvgPrice: 100}
	b.updates <- domain.OrderUpdate{OrderID: "s1", Status: domain.BrokerStatusFilled, FilledQty: 10, AvgPrice: 100}
	m := newMonitor(t, b, nil)

	var settled []SettlementStatus
	m.OnSettled(func(st SettlementStatus) { settled = append(settled, st) })

	batch := m.WaitForSettlement(context.Background(), []SettleOrder{{OrderID: "s1", Side: domain.OrderSideSell}})

	require.Contains(t, batch.Statuses, "s1")
	st := batch.Statuses["s1"]
	assert.Equal(t, SettleMethodStream, st.Method)
	assert.Equal(t, 2, st.StreamEvents)
	assert.InDelta(t, 1000.0, batch.ReleasedBuyingPower, 1e-9)
	assert.Equal(t, 1, batch.Settled)
	assert.Len(t, settled, 1)
}

func TestSettlementFallsBackToPolling(t *testing.T) {
	b := &fakeBroker{subscribeErr: errors.New("stream down")}
	b.setStatus(domain.OrderStatus{OrderID: "s1", Status: domain.BrokerStatusFilled, FilledQty: 10, AvgPrice: 50})
	m := newMonitor(t, b, nil)

	batch := m.WaitForSettlement(context.Background(), []SettleOrder{{OrderID: "s1", Side: domain.OrderSideSell}})

	st := batch.Statuses["s1"]
	assert.Equal(t, SettleMethodPoll, st.Method)
	assert.GreaterOrEqual(t, st.PollAttempts, 1)
	assert.InDelta(t, 500.0, batch.ReleasedBuyingPower, 1e-9)
}

func TestSettlementTimeoutReleasesNothing(t *testing.T) {
	b := &fakeBroker{subscribeErr: errors.New("stream down")}
	b.setStatus(domain.OrderStatus{OrderID: "s1", Status: domain.BrokerStatusAccepted})
	m := newMonitor(t, b, func(c *SettlementConfig) {
		c.StreamTimeout = 20 * time.Millisecond
		c.MaxPollAttempts = 2
	})

	var got SettlementBatch
	m.OnBatchComplete(func(b SettlementBatch) { got = b })

	batch := m.WaitForSettlement(context.Background(), []SettleOrder{{OrderID: "s1", Side: domain.OrderSideSell}})

	assert.Equal(t, SettleMethodTimeout, batch.Statuses["s1"].Method)
	assert.Equal(t, 1, batch.TimedOut)
	assert.Zero(t, batch.ReleasedBuyingPower)
	assert.Equal(t, 1, got.TimedOut, "batch callback sees the final batch")
}

func TestSettlementBuysReleaseNothing(t *testing.T) {
	b := &fakeBroker{subscribeErr: errors.New("stream down")}
	b.setStatus(domain.OrderStatus{OrderID: "b1", Status: domain.BrokerStatusFilled, FilledQty: 10, AvgPrice: 50})
	b.setStatus(domain.OrderStatus{OrderID: "s1", Status: domain.BrokerStatusFilled, FilledQty: 4, AvgPrice: 25})
	m := newMonitor(t, b, nil)

	batch := m.WaitForSettlement(context.Background(), []SettleOrder{
		{OrderID: "b1", Side: domain.OrderSideBuy},
		{OrderID: "s1", Side: domain.OrderSideSell},
	})

	assert.Equal(t, 2, batch.Settled)
	assert.InDelta(t, 100.0, batch.ReleasedBuyingPower, 1e-9, "only the sell contributes")
}

func TestSettlementCanceledSellReleasesNothing(t *testing.T) {
	b := &fakeBroker{subscribeErr: errors.New("stream down")}
	b.setStatus(domain.OrderStatus{OrderID: "s1", Status: domain.BrokerStatusCanceled})
	m := newMonitor(t, b, nil)

	batch := m.WaitForSettlement(context.Background(), []SettleOrder{{OrderID: "s1", Side: domain.OrderSideSell}})
	assert.Equal(t, 1, batch.Settled)
	assert.Zero(t, batch.ReleasedBuyingPower)
}

func TestVerifyBuyingPower(t *testing.T) {
	calls := 0
	b := &fakeBroker{}
	b.accountFn = func() (domain.Account, error) {
		calls++
		if calls < 3 {
			return domain.Account{BuyingPower: 10_000}, nil
		}
		return domain.Account{BuyingPower: 20_000}, nil
	}
	m := newMonitor(t, b, nil)

	assert.True(t, m.VerifyBuyingPower(context.Background(), 10_000, 10_000))
	assert.Equal(t, 3, calls)
}

func TestVerifyBuyingPowerGivesUp(t *testing.T) {
	b := &fakeBroker{}
	b.accountFn = func() (domain.Account, error) {
		return domain.Account{BuyingPower: 10_000}, nil
	}
	m := newMonitor(t, b, nil)
	assert.False(t, m.VerifyBuyingPower(context.Background(), 10_000, 50_000))
}

func TestVerifyBuyingPowerNoReleaseIsTrivial(t *testing.T) {
	m := newMonitor(t, &fakeBroker{accountErr: errors.New("down")}, nil)
	assert.True(t, m.VerifyBuyingPower(context.Background(), 0, 0))
}
