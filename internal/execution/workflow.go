package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quantfolio/rebalancer/internal/domain"
	"github.com/quantfolio/rebalancer/internal/metrics"
)

// Execution phases, in run order.
const (
	PhaseSell = "sell"
	PhaseBuy  = "buy"
)

// ExecutionsChannel is the event bus channel finished results are published
// on. Monitoring consumers subscribe to it.
const ExecutionsChannel = "rebalancer:executions"

// LifecycleChannel is the event bus channel individual order lifecycle
// events are published on.
const LifecycleChannel = "rebalancer:lifecycle"

// ResultArchiver writes a finished execution result to cold storage.
type ResultArchiver interface {
	Archive(ctx context.Context, result domain.ExecutionResult) error
}

// WorkflowConfig holds the orchestrator's tunables.
type WorkflowConfig struct {
	// OrderTimeout bounds each phase's order resting time and feeds the
	// settlement polling budget.
	OrderTimeout time.Duration

	// RepegFillWait is the per-repeg fill allowance, also feeding the polling
	// budget.
	RepegFillWait time.Duration

	// StaleOrderMaxAge is the cutoff for the pre-run stale-order sweep.
	StaleOrderMaxAge time.Duration

	// VerifyBuyingPower enables the post-settlement account re-check before
	// the buy phase starts.
	VerifyBuyingPower bool
}

// DefaultWorkflowConfig returns the standard production settings.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		OrderTimeout:      3 * time.Minute,
		RepegFillWait:     30 * time.Second,
		StaleOrderMaxAge:  15 * time.Minute,
		VerifyBuyingPower: true,
	}
}

// RebalanceWorkflow runs a full sell-first rebalance: sweep stale orders,
// execute sells, wait for settlement, verify the freed buying power, execute
// buys, and classify the overall outcome. Run never returns an error; every
// failure mode is folded into the ExecutionResult.
type RebalanceWorkflow struct {
	broker     domain.BrokerClient
	phases     *PhaseExecutor
	settlement *SettlementMonitor
	finalizer  *OrderFinalizer
	lifecycle  *LifecycleManager
	cfg        WorkflowConfig

	store    domain.ExecutionStore
	audit    domain.AuditStore
	archiver ResultArchiver
	alerts   AlertSender
	bus      domain.EventBus

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// WorkflowDeps bundles the optional sinks a workflow reports into. Any field
// may be nil.
type WorkflowDeps struct {
	Store    domain.ExecutionStore
	Audit    domain.AuditStore
	Archiver ResultArchiver
	Alerts   AlertSender
	Bus      domain.EventBus
}

// NewRebalanceWorkflow creates a workflow. It returns an error for unusable
// timeouts; everything else degrades at run time instead of failing here.
func NewRebalanceWorkflow(broker domain.BrokerClient, phases *PhaseExecutor, settlement *SettlementMonitor, finalizer *OrderFinalizer, lifecycle *LifecycleManager, cfg WorkflowConfig, deps WorkflowDeps, m *metrics.Metrics, logger *slog.Logger) (*RebalanceWorkflow, error) {
	if cfg.OrderTimeout <= 0 {
		return nil, fmt.Errorf("workflow: order timeout must be positive, got %v", cfg.OrderTimeout)
	}
	if cfg.RepegFillWait < 0 {
		return nil, fmt.Errorf("workflow: repeg fill wait must not be negative, got %v", cfg.RepegFillWait)
	}
	return &RebalanceWorkflow{
		broker:     broker,
		phases:     phases,
		settlement: settlement,
		finalizer:  finalizer,
		lifecycle:  lifecycle,
		cfg:        cfg,
		store:      deps.Store,
		audit:      deps.Audit,
		archiver:   deps.Archiver,
		alerts:     deps.Alerts,
		bus:        deps.Bus,
		metrics:    m,
		logger:     logger.With(slog.String("component", "workflow")),
	}, nil
}

// Run executes the plan end to end and returns the classified result.
func (w *RebalanceWorkflow) Run(ctx context.Context, plan domain.RebalancePlan) domain.ExecutionResult {
	correlationID := uuid.NewString()
	logger := w.logger.With(
		slog.String("correlation_id", correlationID),
		slog.String("plan_id", plan.ID),
	)
	logger.InfoContext(ctx, "rebalance run starting",
		slog.Int("items", len(plan.Items)),
	)
	w.auditEvent(ctx, "rebalance_started", map[string]any{
		"correlation_id": correlationID,
		"plan_id":        plan.ID,
		"items":          len(plan.Items),
	})

	w.sweepStaleOrders(ctx, logger)

	sells, buys, holds := plan.Partition()
	logger.InfoContext(ctx, "plan partitioned",
		slog.Int("sells", len(sells)),
		slog.Int("buys", len(buys)),
		slog.Int("holds", len(holds)),
	)

	baseline := w.snapshotBuyingPower(ctx, logger)

	var orders []domain.OrderResult

	sellResults, released := w.runSellPhase(ctx, logger, sells)
	orders = append(orders, sellResults...)

	if len(buys) > 0 && w.cfg.VerifyBuyingPower && released > 0 {
		if !w.settlement.VerifyBuyingPower(ctx, baseline, released) {
			logger.WarnContext(ctx, "buy phase proceeding on unverified buying power",
				slog.Float64("released", released),
			)
		}
	}

	orders = append(orders, w.runBuyPhase(ctx, logger, buys)...)

	result := w.classify(plan, correlationID, orders)
	w.report(ctx, logger, result)
	return result
}

// runSellPhase executes the sell side and waits for its fills to settle,
// returning the per-order results and the buying power released by filled
// sells.
func (w *RebalanceWorkflow) runSellPhase(ctx context.Context, logger *slog.Logger, sells []domain.PlanItem) ([]domain.OrderResult, float64) {
	if len(sells) == 0 {
		return nil, 0
	}

	outcome := w.phases.Execute(ctx, PhaseSell, sells)
	w.phases.MonitorRepegs(ctx, outcome.Placed)
	results := w.collect(ctx, outcome, sells)

	settleOrders := make([]SettleOrder, 0, len(outcome.Placed))
	for _, p := range outcome.Placed {
		settleOrders = append(settleOrders, SettleOrder{OrderID: p.OrderID, Side: p.Side})
	}
	budget := PollBudget(w.cfg.OrderTimeout, w.cfg.RepegFillWait)
	settleCtx, cancel := context.WithTimeout(ctx, budget)
	batch := w.settlement.WaitForSettlement(settleCtx, settleOrders)
	cancel()

	logger.InfoContext(ctx, "sell phase complete",
		slog.Int("placed", len(outcome.Placed)),
		slog.Int("skipped", len(outcome.Skipped)),
		slog.Int("failed", len(outcome.Failed)),
		slog.Float64("released_buying_power", batch.ReleasedBuyingPower),
	)
	return results, batch.ReleasedBuyingPower
}

func (w *RebalanceWorkflow) runBuyPhase(ctx context.Context, logger *slog.Logger, buys []domain.PlanItem) []domain.OrderResult {
	if len(buys) == 0 {
		return nil
	}

	outcome := w.phases.Execute(ctx, PhaseBuy, buys)
	w.phases.MonitorRepegs(ctx, outcome.Placed)
	results := w.collect(ctx, outcome, buys)

	logger.InfoContext(ctx, "buy phase complete",
		slog.Int("placed", len(outcome.Placed)),
		slog.Int("skipped", len(outcome.Skipped)),
		slog.Int("failed", len(outcome.Failed)),
	)
	return results
}

// collect finalizes a phase's placed orders and merges in its pre-submission
// skips and placement failures.
func (w *RebalanceWorkflow) collect(ctx context.Context, outcome PhaseOutcome, items []domain.PlanItem) []domain.OrderResult {
	results := w.finalizer.Finalize(ctx, outcome.Placed, items)
	results = append(results, outcome.Failed...)
	results = append(results, outcome.Skipped...)
	return results
}

// classify builds the final ExecutionResult from the accumulated per-order
// results.
func (w *RebalanceWorkflow) classify(plan domain.RebalancePlan, correlationID string, orders []domain.OrderResult) domain.ExecutionResult {
	result := domain.ExecutionResult{
		PlanID:        plan.ID,
		CorrelationID: correlationID,
		Orders:        orders,
		CompletedAt:   time.Now().UTC(),
		Metadata: map[string]string{
			"engine": "rebalancer",
		},
	}

	for _, o := range orders {
		switch {
		case o.Skipped:
			result.OrdersSkipped++
		default:
			result.OrdersPlaced++
			if o.Success {
				result.OrdersSucceeded++
				result.TotalTradeValue += o.TradeAmount
			}
		}
	}

	placed, succeeded, skipped := result.OrdersPlaced, result.OrdersSucceeded, result.OrdersSkipped
	switch {
	case placed == 0 && skipped == 0:
		result.Status = domain.ExecutionFailure
	case placed == 0:
		result.Status = domain.ExecutionSuccessWithSkips
	case succeeded == placed && skipped == 0:
		result.Status = domain.ExecutionSuccess
	case succeeded == placed:
		result.Status = domain.ExecutionSuccessWithSkips
	case succeeded > 0:
		result.Status = domain.ExecutionPartialSuccess
	default:
		result.Status = domain.ExecutionFailure
	}
	result.Success = result.Status == domain.ExecutionSuccess || result.Status == domain.ExecutionSuccessWithSkips

	return result
}

// report fans the finished result out to every configured sink. Each sink is
// best effort; a failing sink is logged and never changes the result.
func (w *RebalanceWorkflow) report(ctx context.Context, logger *slog.Logger, result domain.ExecutionResult) {
	logger.InfoContext(ctx, "rebalance run complete",
		slog.String("status", string(result.Status)),
		slog.Int("placed", result.OrdersPlaced),
		slog.Int("succeeded", result.OrdersSucceeded),
		slog.Int("skipped", result.OrdersSkipped),
		slog.Float64("total_trade_value", result.TotalTradeValue),
	)
	w.metrics.ObserveExecution(string(result.Status))
	w.metrics.ObserveTradedValue(result.TotalTradeValue)

	if w.store != nil {
		if err := w.store.Create(ctx, result); err != nil {
			logger.ErrorContext(ctx, "result persistence failed",
				slog.String("error", err.Error()),
			)
		}
	}
	if w.archiver != nil {
		if err := w.archiver.Archive(ctx, result); err != nil {
			logger.WarnContext(ctx, "result archival failed",
				slog.String("error", err.Error()),
			)
		}
	}
	if w.bus != nil {
		if payload, err := marshalResult(result); err == nil {
			if pubErr := w.bus.Publish(ctx, ExecutionsChannel, payload); pubErr != nil {
				logger.WarnContext(ctx, "result publish failed",
					slog.String("error", pubErr.Error()),
				)
			}
		}
	}
	w.auditEvent(ctx, "rebalance_completed", map[string]any{
		"correlation_id": result.CorrelationID,
		"status":         string(result.Status),
		"placed":         result.OrdersPlaced,
		"succeeded":      result.OrdersSucceeded,
		"skipped":        result.OrdersSkipped,
	})

	if w.alerts != nil && result.Status == domain.ExecutionFailure {
		body := fmt.Sprintf("rebalance %s failed: %d placed, %d succeeded, %d skipped",
			result.CorrelationID, result.OrdersPlaced, result.OrdersSucceeded, result.OrdersSkipped)
		if err := w.alerts.Alert(ctx, "high", "rebalance failed", body); err != nil {
			logger.WarnContext(ctx, "alert delivery failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

// sweepStaleOrders cancels leftovers from previous runs so they cannot eat
// buying power or double-trade symbols in this run.
func (w *RebalanceWorkflow) sweepStaleOrders(ctx context.Context, logger *slog.Logger) {
	if w.cfg.StaleOrderMaxAge <= 0 {
		return
	}
	swept, err := w.broker.CancelStaleOrders(ctx, w.cfg.StaleOrderMaxAge)
	if err != nil {
		logger.WarnContext(ctx, "stale order sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if swept.CancelledCount > 0 || len(swept.Errors) > 0 {
		logger.InfoContext(ctx, "stale orders swept",
			slog.Int("cancelled", swept.CancelledCount),
			slog.Int("errors", len(swept.Errors)),
		)
	}
}

func (w *RebalanceWorkflow) snapshotBuyingPower(ctx context.Context, logger *slog.Logger) float64 {
	account, err := w.broker.GetAccount(ctx)
	if err != nil {
		logger.WarnContext(ctx, "baseline account snapshot unavailable",
			slog.String("error", err.Error()),
		)
		return 0
	}
	return account.BuyingPower
}

func marshalResult(result domain.ExecutionResult) ([]byte, error) {
	return json.Marshal(result)
}

func (w *RebalanceWorkflow) auditEvent(ctx context.Context, event string, detail map[string]any) {
	if w.audit == nil {
		return
	}
	if err := w.audit.Log(ctx, event, detail); err != nil {
		w.logger.WarnContext(ctx, "audit write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
