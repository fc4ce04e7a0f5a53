package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/quantfolio/rebalancer/internal/config"
	"github.com/quantfolio/rebalancer/internal/domain"
	"github.com/quantfolio/rebalancer/internal/execution"
)

// rebalanceLockKey guards the trading account. Two runs against the same
// account must never overlap, so every rebalance takes this lock first.
const rebalanceLockKey = "rebalance:account"

// rebalanceLockTTL bounds how long a crashed run can keep the account locked.
const rebalanceLockTTL = 30 * time.Minute

// RebalanceMode loads the plan, takes the account lock, and runs one full
// sell-then-buy execution. The process exits when the run completes; a FAILURE
// outcome is reported as an error so the exit code reflects it.
func (a *App) RebalanceMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting rebalance mode",
		slog.String("plan", a.planPath),
	)

	plan, err := LoadPlan(a.planPath)
	if err != nil {
		return fmt.Errorf("rebalance mode: %w", err)
	}

	workflow, err := a.buildWorkflow(deps)
	if err != nil {
		return fmt.Errorf("rebalance mode: %w", err)
	}

	unlock, err := deps.Locks.Acquire(ctx, rebalanceLockKey, rebalanceLockTTL)
	if err != nil {
		return fmt.Errorf("rebalance mode: acquire account lock: %w", err)
	}
	defer unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, runCtx := errgroup.WithContext(runCtx)
	a.startMetricsServer(runCtx, g)

	var result domain.ExecutionResult
	g.Go(func() error {
		defer cancel()
		result = workflow.Run(runCtx, plan)
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("rebalance mode: %w", err)
	}

	a.logger.InfoContext(ctx, "rebalance run finished",
		slog.String("correlation_id", result.CorrelationID),
		slog.String("status", string(result.Status)),
		slog.Int("placed", result.OrdersPlaced),
		slog.Int("succeeded", result.OrdersSucceeded),
		slog.Int("skipped", result.OrdersSkipped),
		slog.Float64("traded_value", result.TotalTradeValue),
	)

	if !result.Success {
		return fmt.Errorf("rebalance mode: run %s finished with status %s",
			result.CorrelationID, result.Status)
	}
	return nil
}

// ValidateMode runs every plan instruction through pre-trade validation
// without placing anything. It reports per-item outcomes and fails when any
// instruction would be rejected.
func (a *App) ValidateMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting validate mode",
		slog.String("plan", a.planPath),
	)

	plan, err := LoadPlan(a.planPath)
	if err != nil {
		return fmt.Errorf("validate mode: %w", err)
	}

	validator := execution.NewPreTradeValidator(
		deps.Broker, deps.Prices, riskConfig(a.cfg), a.logger,
	)

	rejected := 0
	for _, item := range plan.Items {
		var side domain.OrderSide
		switch item.Action {
		case domain.ActionSell:
			side = domain.OrderSideSell
		case domain.ActionBuy:
			side = domain.OrderSideBuy
		default:
			continue
		}

		res := validator.Validate(ctx, item.Symbol, side, 0, item.AbsTradeAmount(), 0)
		if res.Valid {
			a.logger.InfoContext(ctx, "instruction valid",
				slog.String("symbol", item.Symbol),
				slog.String("action", string(item.Action)),
				slog.Float64("approved_qty", res.ApprovedQty),
				slog.Float64("risk_score", res.RiskScore),
				slog.Any("warnings", res.Warnings),
			)
			continue
		}

		rejected++
		msgs := make([]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			msgs = append(msgs, e.Error())
		}
		a.logger.WarnContext(ctx, "instruction rejected",
			slog.String("symbol", item.Symbol),
			slog.String("action", string(item.Action)),
			slog.String("errors", strings.Join(msgs, "; ")),
		)
	}

	if rejected > 0 {
		return fmt.Errorf("validate mode: %d of %d instructions rejected", rejected, len(plan.Items))
	}
	a.logger.InfoContext(ctx, "plan valid",
		slog.String("plan_id", plan.ID),
		slog.Int("instructions", len(plan.Items)),
	)
	return nil
}

// MonitorMode attaches to the execution event channel and logs every finished
// run until the context is cancelled. No orders are placed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startMetricsServer(ctx, g)

	g.Go(func() error {
		ch, err := deps.Bus.Subscribe(ctx, execution.ExecutionsChannel)
		if err != nil {
			return fmt.Errorf("monitor mode: subscribe executions: %w", err)
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case payload, ok := <-ch:
				if !ok {
					return nil
				}
				var result domain.ExecutionResult
				if err := json.Unmarshal(payload, &result); err != nil {
					a.logger.WarnContext(ctx, "undecodable execution event",
						slog.String("error", err.Error()),
					)
					continue
				}
				a.logger.InfoContext(ctx, "execution completed",
					slog.String("correlation_id", result.CorrelationID),
					slog.String("plan_id", result.PlanID),
					slog.String("status", string(result.Status)),
					slog.Int("placed", result.OrdersPlaced),
					slog.Int("succeeded", result.OrdersSucceeded),
					slog.Int("skipped", result.OrdersSkipped),
					slog.Float64("traded_value", result.TotalTradeValue),
				)
			}
		}
	})

	return g.Wait()
}

// buildWorkflow assembles the full execution stack from configuration.
func (a *App) buildWorkflow(deps *Dependencies) (*execution.RebalanceWorkflow, error) {
	lifecycle := execution.NewLifecycleManager(a.logger)
	// Mirror every lifecycle event onto the bus so external consumers can
	// follow a run order by order. Publish failures only cost the mirror.
	lifecycle.SubscribeAll(func(evt execution.LifecycleEvent) {
		payload, err := json.Marshal(evt)
		if err != nil {
			return
		}
		pubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if pubErr := deps.Bus.Publish(pubCtx, execution.LifecycleChannel, payload); pubErr != nil {
			a.logger.Warn("lifecycle event publish failed",
				slog.String("order_id", evt.OrderID),
				slog.String("error", pubErr.Error()),
			)
		}
	})
	validator := execution.NewPreTradeValidator(deps.Broker, deps.Prices, riskConfig(a.cfg), a.logger)
	repeg := execution.NewRepegPolicyEngine(repegConfig(a.cfg), a.logger)
	phases := execution.NewPhaseExecutor(
		deps.Broker, validator, lifecycle, repeg, deps.RateLimiter,
		phaseConfig(a.cfg), deps.Metrics, a.logger,
	)

	settlement, err := execution.NewSettlementMonitor(
		deps.Broker, settlementConfig(a.cfg), deps.Metrics, a.logger,
	)
	if err != nil {
		return nil, err
	}

	finalizer := execution.NewOrderFinalizer(
		deps.Broker, deps.Notifier, execution.DefaultFinalizerConfig(), deps.Metrics, a.logger,
	)

	return execution.NewRebalanceWorkflow(
		deps.Broker, phases, settlement, finalizer, lifecycle,
		workflowConfig(a.cfg),
		execution.WorkflowDeps{
			Store:    deps.Executions,
			Audit:    deps.Audit,
			Archiver: deps.Archiver,
			Alerts:   deps.Notifier,
			Bus:      deps.Bus,
		},
		deps.Metrics, a.logger,
	)
}

// startMetricsServer adds a Prometheus exposition server to the given
// errgroup when metrics are enabled. It shuts down when the context ends.
func (a *App) startMetricsServer(ctx context.Context, g *errgroup.Group) {
	if !a.cfg.Metrics.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "metrics server listening",
			slog.String("addr", a.cfg.Metrics.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// --------------------------------------------------------------------------
// Config translation
// --------------------------------------------------------------------------

func phaseConfig(cfg *config.Config) execution.PhaseConfig {
	out := execution.DefaultPhaseConfig()
	out.OrderTimeout = cfg.Execution.OrderTimeout.Duration
	out.UseLimitOrders = cfg.Execution.UseLimitOrders
	out.MinOrderNotional = cfg.Execution.MinOrderNotional
	out.RateLimitPerWindow = cfg.Execution.RateLimitPerMin
	out.RateLimitWindow = time.Minute
	return out
}

func riskConfig(cfg *config.Config) execution.ValidatorConfig {
	return execution.ValidatorConfig{
		BuyingPowerReservePct: cfg.Risk.BuyingPowerReservePct,
		MaxPositionPct:        cfg.Risk.MaxPositionPct,
		MaxOrderNotional:      cfg.Risk.MaxOrderNotional,
		MaxSpreadBps:          cfg.Risk.MaxSpreadBps,
		WarnSpreadBps:         cfg.Risk.WarnSpreadBps,
		MaxLimitDeviationPct:  cfg.Risk.MaxLimitDeviationPct,
		NotionalHaircutPct:    cfg.Risk.NotionalHaircutPct,
	}
}

func repegConfig(cfg *config.Config) execution.RepegConfig {
	out := execution.DefaultRepegConfig()
	out.Enabled = cfg.Repeg.Enabled
	out.Strategy = execution.RepegStrategy(strings.ToLower(cfg.Repeg.Strategy))
	out.Interval = cfg.Repeg.Interval.Duration
	out.MaxRepegs = cfg.Repeg.MaxRepegs
	out.AbandonSpreadBps = cfg.Repeg.AbandonSpreadBps
	out.FallbackToMarket = cfg.Repeg.FallbackToMarket
	out.FallbackAfter = cfg.Repeg.FallbackAfter
	out.BaseIncrement = cfg.Repeg.BaseIncrement
	out.IncrementFactor = cfg.Repeg.IncrementFactor
	out.MaxIncrement = cfg.Repeg.MaxIncrement
	out.MaxDeviationPct = cfg.Repeg.MaxDeviationPct
	out.TightSpreadBps = cfg.Repeg.TightSpreadBps
	out.WideSpreadBps = cfg.Repeg.WideSpreadBps
	return out
}

func settlementConfig(cfg *config.Config) execution.SettlementConfig {
	out := execution.DefaultSettlementConfig()
	out.StreamTimeout = cfg.Execution.SettleStreamWait.Duration
	out.PollInterval = cfg.Execution.SettlePollInterval.Duration
	out.MaxPollAttempts = cfg.Execution.SettleMaxPolls
	return out
}

func workflowConfig(cfg *config.Config) execution.WorkflowConfig {
	return execution.WorkflowConfig{
		OrderTimeout:      cfg.Execution.OrderTimeout.Duration,
		RepegFillWait:     cfg.Repeg.Interval.Duration,
		StaleOrderMaxAge:  cfg.Execution.StaleOrderMaxAge.Duration,
		VerifyBuyingPower: cfg.Execution.VerifyBuyingPower,
	}
}
