package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/rebalancer/internal/domain"
)

func newWorkflow(t *testing.T, b *fakeBroker, deps WorkflowDeps) *RebalanceWorkflow {
	t.Helper()
	logger := testLogger()
	lifecycle := NewLifecycleManager(logger)
	validator := NewPreTradeValidator(b, nil, DefaultValidatorConfig(), logger)
	repeg := NewRepegPolicyEngine(DefaultRepegConfig(), logger)

	phaseCfg := DefaultPhaseConfig()
	phaseCfg.UseLimitOrders = false
	phaseCfg.RetryDelay = time.Millisecond
	phases := NewPhaseExecutor(b, validator, lifecycle, repeg, nil, phaseCfg, nil, logger)

	settleCfg := SettlementConfig{
		StreamTimeout:    20 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		MaxPollAttempts:  3,
		VerifyBaseDelay:  time.Millisecond,
		VerifyMaxRetries: 2,
		VerifyMaxWait:    100 * time.Millisecond,
	}
	settlement, err := NewSettlementMonitor(b, settleCfg, nil, logger)
	require.NoError(t, err)

	finalizer := NewOrderFinalizer(b, deps.Alerts, FinalizerConfig{MaxWait: time.Second, StatusConcurrency: 4}, nil, logger)

	wfCfg := DefaultWorkflowConfig()
	wfCfg.VerifyBuyingPower = false
	wf, err := NewRebalanceWorkflow(b, phases, settlement, finalizer, lifecycle, wfCfg, deps, nil, logger)
	require.NoError(t, err)
	return wf
}

func TestWorkflowConstructorRejectsBadTimeouts(t *testing.T) {
	b := &fakeBroker{}
	logger := testLogger()
	_, err := NewRebalanceWorkflow(b, nil, nil, nil, nil, WorkflowConfig{OrderTimeout: 0}, WorkflowDeps{}, nil, logger)
	assert.Error(t, err)

	_, err = NewRebalanceWorkflow(b, nil, nil, nil, nil,
		WorkflowConfig{OrderTimeout: time.Minute, RepegFillWait: -time.Second}, WorkflowDeps{}, nil, logger)
	assert.Error(t, err)
}

func TestClassificationTable(t *testing.T) {
	wf := newWorkflow(t, &fakeBroker{}, WorkflowDeps{})
	plan := domain.RebalancePlan{ID: "p1"}

	placedOK := domain.OrderResult{Success: true, TradeAmount: 100}
	placedFailed := domain.OrderResult{Success: false}
	skipped := domain.OrderResult{Skipped: true}

	cases := []struct {
		name   string
		orders []domain.OrderResult
		status domain.ExecutionStatus
		ok     bool
	}{
		{"empty plan", nil, domain.ExecutionFailure, false},
		{"all skipped", []domain.OrderResult{skipped, skipped}, domain.ExecutionSuccessWithSkips, true},
		{"all succeeded", []domain.OrderResult{placedOK, placedOK}, domain.ExecutionSuccess, true},
		{"succeeded with skips", []domain.OrderResult{placedOK, skipped}, domain.ExecutionSuccessWithSkips, true},
		{"partial", []domain.OrderResult{placedOK, placedFailed}, domain.ExecutionPartialSuccess, false},
		{"partial with skips", []domain.OrderResult{placedOK, placedFailed, skipped}, domain.ExecutionPartialSuccess, false},
		{"all placed failed", []domain.OrderResult{placedFailed, placedFailed}, domain.ExecutionFailure, false},
		{"failed with skips", []domain.OrderResult{placedFailed, skipped}, domain.ExecutionFailure, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := wf.classify(plan, "c1", tc.orders)
			assert.Equal(t, tc.status, result.Status)
			assert.Equal(t, tc.ok, result.Success)
		})
	}
}

func TestClassifyCounts(t *testing.T) {
	wf := newWorkflow(t, &fakeBroker{}, WorkflowDeps{})
	orders := []domain.OrderResult{
		{Success: true, TradeAmount: 100},
		{Success: true, TradeAmount: 50},
		{Success: false},
		{Skipped: true},
	}
	result := wf.classify(domain.RebalancePlan{ID: "p1"}, "c1", orders)
	assert.Equal(t, 3, result.OrdersPlaced)
	assert.Equal(t, 2, result.OrdersSucceeded)
	assert.Equal(t, 1, result.OrdersSkipped)
	assert.InDelta(t, 150.0, result.TotalTradeValue, 1e-9)
	assert.Equal(t, "p1", result.PlanID)
	assert.Equal(t, "c1", result.CorrelationID)
}

func TestWorkflowEndToEndSuccess(t *testing.T) {
	b := &fakeBroker{
		positions: []domain.Position{{Symbol: "MSFT", Qty: 50, MarketValue: 5_000}},
	}
	store := &memExecutionStore{}
	wf := newWorkflow(t, b, WorkflowDeps{Store: store})

	plan := domain.RebalancePlan{
		ID: "plan-1",
		Items: []domain.PlanItem{
			{Symbol: "MSFT", Action: domain.ActionSell, TargetWeight: 0, TradeAmount: -5_000},
			{Symbol: "AAPL", Action: domain.ActionBuy, TargetWeight: 0.1, TradeAmount: 5_000},
			{Symbol: "SPY", Action: domain.ActionHold},
		},
		CreatedAt: time.Now(),
	}

	result := wf.Run(context.Background(), plan)

	assert.Equal(t, domain.ExecutionSuccess, result.Status)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.OrdersPlaced)
	assert.Equal(t, 2, result.OrdersSucceeded)
	assert.Zero(t, result.OrdersSkipped)
	assert.NotEmpty(t, result.CorrelationID)

	// Sell phase runs first and liquidates the whole held quantity.
	placed := b.placedOrders()
	require.Len(t, placed, 2)
	assert.Equal(t, domain.OrderSideSell, placed[0].Side)
	assert.InDelta(t, 50.0, placed[0].Qty, 1e-9)
	assert.Equal(t, domain.OrderSideBuy, placed[1].Side)

	require.Len(t, store.results, 1)
	assert.Equal(t, result.CorrelationID, store.results[0].CorrelationID)
}

func TestWorkflowSkipsOversizedBuy(t *testing.T) {
	b := &fakeBroker{}
	wf := newWorkflow(t, b, WorkflowDeps{})

	plan := domain.RebalancePlan{
		ID: "plan-2",
		Items: []domain.PlanItem{
			{Symbol: "AAPL", Action: domain.ActionBuy, TargetWeight: 0.1, TradeAmount: 5_000},
			// Past the 50k per-order ceiling, rejected before submission.
			{Symbol: "TSLA", Action: domain.ActionBuy, TargetWeight: 0.3, TradeAmount: 90_000},
		},
	}

	result := wf.Run(context.Background(), plan)

	assert.Equal(t, domain.ExecutionSuccessWithSkips, result.Status)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.OrdersPlaced)
	assert.Equal(t, 1, result.OrdersSkipped)
	assert.Len(t, b.placedOrders(), 1, "the rejected item never reaches the broker")
}

func TestWorkflowPartialSuccessOnPlacementFailure(t *testing.T) {
	b := &fakeBroker{placeErrs: []error{domain.ErrInvalidOrder, nil}}
	wf := newWorkflow(t, b, WorkflowDeps{})

	plan := domain.RebalancePlan{
		ID: "plan-3",
		Items: []domain.PlanItem{
			{Symbol: "AAPL", Action: domain.ActionBuy, TargetWeight: 0.1, TradeAmount: 5_000},
			{Symbol: "MSFT", Action: domain.ActionBuy, TargetWeight: 0.1, TradeAmount: 5_000},
		},
	}

	result := wf.Run(context.Background(), plan)

	assert.Equal(t, domain.ExecutionPartialSuccess, result.Status)
	assert.False(t, result.Success)
	assert.Equal(t, 2, result.OrdersPlaced, "a broker-refused placement still counts as placed")
	assert.Equal(t, 1, result.OrdersSucceeded)
}

func TestWorkflowFailureAlerts(t *testing.T) {
	alerts := &fakeAlerts{}
	b := &fakeBroker{placeErr: domain.ErrInvalidOrder}
	wf := newWorkflow(t, b, WorkflowDeps{Alerts: alerts})

	plan := domain.RebalancePlan{
		ID: "plan-4",
		Items: []domain.PlanItem{
			{Symbol: "AAPL", Action: domain.ActionBuy, TargetWeight: 0.1, TradeAmount: 5_000},
		},
	}

	result := wf.Run(context.Background(), plan)
	assert.Equal(t, domain.ExecutionFailure, result.Status)
	assert.Equal(t, 1, alerts.count())
}

// memExecutionStore is an in-memory ExecutionStore.
type memExecutionStore struct {
	mu      sync.Mutex
	results []domain.ExecutionResult
}

func (s *memExecutionStore) Create(_ context.Context, result domain.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *memExecutionStore) GetByCorrelationID(_ context.Context, correlationID string) (domain.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.results {
		if r.CorrelationID == correlationID {
			return r, nil
		}
	}
	return domain.ExecutionResult{}, domain.ErrNotFound
}

func (s *memExecutionStore) ListRecent(_ context.Context, limit int) ([]domain.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.results) {
		limit = len(s.results)
	}
	return append([]domain.ExecutionResult(nil), s.results[len(s.results)-limit:]...), nil
}
