package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/quantfolio/rebalancer/internal/domain"
	"github.com/quantfolio/rebalancer/internal/metrics"
)

// PhaseConfig holds the tunables for one execution phase.
type PhaseConfig struct {
	// OrderTimeout bounds how long a phase's orders may rest before the
	// finalizer sweeps them up.
	OrderTimeout time.Duration

	// UseLimitOrders places marketable limit orders instead of market orders.
	UseLimitOrders bool

	// MinOrderNotional skips instructions below this dollar value when the
	// instrument itself declares no minimum.
	MinOrderNotional float64

	// RetryDelay is the pause before the single placement retry.
	RetryDelay time.Duration

	// RepegCheckInterval is the cadence of the re-peg monitoring loop.
	RepegCheckInterval time.Duration

	// RateLimitPerWindow and RateLimitWindow throttle order placement.
	RateLimitPerWindow int
	RateLimitWindow    time.Duration
}

// DefaultPhaseConfig returns the standard production settings.
func DefaultPhaseConfig() PhaseConfig {
	return PhaseConfig{
		OrderTimeout:       3 * time.Minute,
		UseLimitOrders:     true,
		MinOrderNotional:   1.0,
		RetryDelay:         2 * time.Second,
		RepegCheckInterval: 5 * time.Second,
		RateLimitPerWindow: 150,
		RateLimitWindow:    time.Minute,
	}
}

// PhaseOutcome is everything one phase produced: orders that reached the
// broker, instructions rejected before submission, and placements the broker
// refused.
type PhaseOutcome struct {
	Phase   string
	Placed  []PlacedOrder
	Skipped []domain.OrderResult
	Failed  []domain.OrderResult
	Elapsed time.Duration
}

// PhaseExecutor turns one side of a rebalance plan into broker orders. It
// sizes each instruction, gates it through pre-trade validation, places it
// with a single retry for transient failures, and tracks it in the lifecycle
// manager. The re-peg monitoring loop runs separately via MonitorRepegs.
type PhaseExecutor struct {
	broker    domain.BrokerClient
	validator *PreTradeValidator
	lifecycle *LifecycleManager
	repeg     *RepegPolicyEngine
	limiter   domain.RateLimiter
	cfg       PhaseConfig
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewPhaseExecutor creates a phase executor. limiter may be nil.
func NewPhaseExecutor(broker domain.BrokerClient, validator *PreTradeValidator, lifecycle *LifecycleManager, repeg *RepegPolicyEngine, limiter domain.RateLimiter, cfg PhaseConfig, m *metrics.Metrics, logger *slog.Logger) *PhaseExecutor {
	return &PhaseExecutor{
		broker:    broker,
		validator: validator,
		lifecycle: lifecycle,
		repeg:     repeg,
		limiter:   limiter,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With(slog.String("component", "phase_executor")),
	}
}

// Execute sizes, validates, and places orders for the given plan items.
// Nothing here returns an error: every per-item failure lands in the outcome
// as a skipped or failed result.
func (e *PhaseExecutor) Execute(ctx context.Context, phase string, items []domain.PlanItem) PhaseOutcome {
	start := time.Now()
	outcome := PhaseOutcome{Phase: phase}

	for i, item := range items {
		select {
		case <-ctx.Done():
			outcome.Skipped = append(outcome.Skipped, skippedResult(item, "phase cancelled"))
			e.metrics.ObserveOrderSkipped()
			continue
		default:
		}

		side := domain.OrderSideBuy
		if item.Action == domain.ActionSell {
			side = domain.OrderSideSell
		}

		qty, limitPrice, skipReason := e.sizeOrder(ctx, item, side)
		if skipReason != "" {
			e.logger.InfoContext(ctx, "plan item skipped",
				slog.String("symbol", item.Symbol),
				slog.String("phase", phase),
				slog.String("reason", skipReason),
			)
			outcome.Skipped = append(outcome.Skipped, skippedResult(item, skipReason))
			e.metrics.ObserveOrderSkipped()
			continue
		}

		vr := e.validator.Validate(ctx, item.Symbol, side, qty, 0, limitPrice)
		for _, w := range vr.Warnings {
			e.logger.WarnContext(ctx, "pre-trade warning",
				slog.String("symbol", item.Symbol),
				slog.String("warning", w),
				slog.Float64("risk_score", vr.RiskScore),
			)
		}
		if !vr.Valid {
			reason := "validation failed"
			if len(vr.Errors) > 0 {
				reason = vr.Errors[0].Error()
			}
			outcome.Skipped = append(outcome.Skipped, skippedResult(item, reason))
			e.metrics.ObserveOrderSkipped()
			continue
		}

		req := domain.OrderRequest{
			Symbol:     item.Symbol,
			Side:       side,
			Qty:        vr.ApprovedQty,
			Kind:       domain.OrderKindMarket,
			LimitPrice: 0,
		}
		if e.cfg.UseLimitOrders && limitPrice > 0 {
			req.Kind = domain.OrderKindLimit
			req.LimitPrice = limitPrice
		}

		e.throttle(ctx)

		orderID, placeErr := e.placeWithRetry(ctx, req)
		if placeErr != nil {
			oe := Classify(placeErr)
			e.logger.ErrorContext(ctx, "order placement failed",
				slog.String("symbol", item.Symbol),
				slog.String("code", string(oe.Code)),
				slog.String("error", oe.Message),
			)
			failed := skippedResult(item, oe.Error())
			failed.Skipped = false
			failed.Side = side
			failed.Qty = req.Qty
			outcome.Failed = append(outcome.Failed, failed)
			e.metrics.ObserveOrderPlaced(string(side))
			continue
		}

		now := time.Now().UTC()
		e.lifecycle.Track(orderID, item.Symbol, side, req.Qty, req.Kind, req.LimitPrice)
		_ = e.lifecycle.Transition(orderID, StateSubmitted, nil)
		_ = e.lifecycle.Transition(orderID, StateAcknowledged, nil)

		outcome.Placed = append(outcome.Placed, PlacedOrder{
			OrderID:     orderID,
			Symbol:      item.Symbol,
			Side:        side,
			Qty:         req.Qty,
			Notional:    req.Qty * priceOrZero(limitPrice, item, req.Qty),
			PlanIndex:   i,
			SubmittedAt: now,
		})
		e.metrics.ObserveOrderPlaced(string(side))
		e.logger.InfoContext(ctx, "order placed",
			slog.String("order_id", orderID),
			slog.String("symbol", item.Symbol),
			slog.String("side", string(side)),
			slog.Float64("qty", req.Qty),
			slog.String("kind", string(req.Kind)),
			slog.Float64("limit_price", req.LimitPrice),
		)
	}

	outcome.Elapsed = time.Since(start)
	e.metrics.ObservePhaseDuration(phase, outcome.Elapsed.Seconds())
	return outcome
}

// sizeOrder turns a plan instruction into a share quantity and a marketable
// limit price. A non-empty reason means the item should be skipped.
func (e *PhaseExecutor) sizeOrder(ctx context.Context, item domain.PlanItem, side domain.OrderSide) (qty, limitPrice float64, reason string) {
	quote, err := e.broker.GetQuote(ctx, item.Symbol)
	if err != nil || quote.Mid() <= 0 {
		return 0, 0, fmt.Sprintf("no usable quote for %s", item.Symbol)
	}
	price := quote.Mid()
	if e.cfg.UseLimitOrders {
		// Marketable limits: buys at the ask, sells at the bid.
		if side == domain.OrderSideBuy {
			limitPrice = quote.Ask
		} else {
			limitPrice = quote.Bid
		}
	}

	// A full liquidation sells the entire held quantity rather than a
	// dollar-derived estimate, avoiding residual fractional shares.
	if side == domain.OrderSideSell && item.TargetWeight == 0 {
		positions, posErr := e.broker.GetPositions(ctx)
		if posErr == nil {
			for _, p := range positions {
				if p.Symbol == item.Symbol && p.Qty > 0 {
					qty = p.Qty
					break
				}
			}
		}
	}
	if qty <= 0 {
		qty = item.AbsTradeAmount() / price
	}

	asset, assetErr := e.broker.GetAsset(ctx, item.Symbol)
	if assetErr == nil && !asset.Fractionable {
		qty = math.Floor(qty)
	}
	if qty <= 0 {
		return 0, 0, "rounds to zero shares"
	}

	minNotional := e.cfg.MinOrderNotional
	if assetErr == nil && asset.MinNotional > minNotional {
		minNotional = asset.MinNotional
	}
	if qty*price < minNotional {
		return 0, 0, fmt.Sprintf("notional %.2f below minimum %.2f", qty*price, minNotional)
	}

	return qty, limitPrice, ""
}

// placeWithRetry submits an order, retrying exactly once for failures the
// taxonomy classifies as retryable.
func (e *PhaseExecutor) placeWithRetry(ctx context.Context, req domain.OrderRequest) (string, error) {
	orderID, err := e.broker.PlaceOrder(ctx, req)
	if err == nil {
		return orderID, nil
	}

	oe := Classify(err)
	if !oe.Retryable {
		return "", oe
	}

	e.logger.WarnContext(ctx, "placement failed, retrying once",
		slog.String("symbol", req.Symbol),
		slog.String("code", string(oe.Code)),
	)
	select {
	case <-ctx.Done():
		return "", Classify(ctx.Err())
	case <-time.After(e.cfg.RetryDelay):
	}

	orderID, err = e.broker.PlaceOrder(ctx, req)
	if err != nil {
		return "", Classify(err)
	}
	return orderID, nil
}

// throttle consults the distributed rate limiter before each placement. A
// limiter failure is logged and ignored so the broker's own limits become
// the backstop.
func (e *PhaseExecutor) throttle(ctx context.Context) {
	if e.limiter == nil || e.cfg.RateLimitPerWindow <= 0 {
		return
	}
	allowed, err := e.limiter.Allow(ctx, "broker:orders", e.cfg.RateLimitPerWindow, e.cfg.RateLimitWindow)
	if err != nil {
		e.logger.WarnContext(ctx, "rate limiter unavailable",
			slog.String("error", err.Error()),
		)
		return
	}
	if !allowed {
		if waitErr := e.limiter.Wait(ctx, "broker:orders"); waitErr != nil {
			e.logger.WarnContext(ctx, "rate limit wait interrupted",
				slog.String("error", waitErr.Error()),
			)
		}
	}
}

// MonitorRepegs watches the phase's resting limit orders until they resolve
// or the order timeout elapses, re-pricing, abandoning, or falling back to
// market per the policy engine. Replacement order ids are written back into
// placed so the finalizer resolves the live order.
func (e *PhaseExecutor) MonitorRepegs(ctx context.Context, placed []PlacedOrder) {
	if !e.cfg.UseLimitOrders || len(placed) == 0 {
		return
	}

	deadline := time.NewTimer(e.cfg.OrderTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(e.cfg.RepegCheckInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}

		live := 0
		for i := range placed {
			if e.checkOne(ctx, &placed[i]) {
				live++
			}
		}
		if live == 0 {
			return
		}
	}
}

// checkOne evaluates one resting order and applies the policy decision.
// Returns whether the order is still live.
func (e *PhaseExecutor) checkOne(ctx context.Context, p *PlacedOrder) bool {
	lc, ok := e.lifecycle.Get(p.OrderID)
	if !ok || lc.State.Terminal() || lc.Kind != domain.OrderKindLimit {
		return false
	}

	status, err := e.broker.GetOrderStatus(ctx, p.OrderID)
	if err == nil && domain.TerminalBrokerStatus(status.Status) {
		return false
	}

	quote, err := e.broker.GetQuote(ctx, p.Symbol)
	if err != nil {
		return true
	}
	snap := MarketSnapshot{Bid: quote.Bid, Ask: quote.Ask}

	decision := e.repeg.Evaluate(p.OrderID, p.Side, lc.LimitPrice, snap, time.Since(p.SubmittedAt), lc.RepegCount)
	switch {
	case decision.Abandon && decision.FallbackToMarket:
		e.fallbackToMarket(ctx, p, lc)
		return false
	case decision.Abandon:
		e.logger.InfoContext(ctx, "abandoning order",
			slog.String("order_id", p.OrderID),
			slog.String("reason", decision.Reason),
		)
		if cancelErr := e.broker.CancelOrder(ctx, p.OrderID); cancelErr != nil {
			e.logger.WarnContext(ctx, "cancel failed",
				slog.String("order_id", p.OrderID),
				slog.String("error", cancelErr.Error()),
			)
			return true
		}
		_ = e.lifecycle.Transition(p.OrderID, StateCancelled, map[string]any{"reason": decision.Reason})
		e.metrics.ObserveRepeg("abandoned")
		return false
	case decision.ShouldRepeg:
		e.applyRepeg(ctx, p, decision)
		return true
	default:
		return true
	}
}

// applyRepeg replaces the resting order at the decision's price and rebinds
// the placement to the replacement id.
func (e *PhaseExecutor) applyRepeg(ctx context.Context, p *PlacedOrder, decision RepegDecision) {
	_ = e.lifecycle.Transition(p.OrderID, StatePendingReplace, map[string]any{"new_price": decision.NewPrice})

	newID, err := e.broker.ReplaceOrder(ctx, p.OrderID, decision.NewPrice)
	if err != nil {
		e.logger.WarnContext(ctx, "replace failed",
			slog.String("order_id", p.OrderID),
			slog.String("error", err.Error()),
		)
		_ = e.lifecycle.Transition(p.OrderID, StateAcknowledged, nil)
		return
	}

	_ = e.lifecycle.Transition(p.OrderID, StateReplaced, map[string]any{"replacement": newID})
	lc, _ := e.lifecycle.Get(p.OrderID)
	e.lifecycle.Track(newID, p.Symbol, p.Side, p.Qty, domain.OrderKindLimit, decision.NewPrice)
	_ = e.lifecycle.Transition(newID, StateSubmitted, nil)
	_ = e.lifecycle.Transition(newID, StateAcknowledged, nil)
	// The replacement inherits the predecessor's repeg count plus this one.
	for r := 0; r <= lc.RepegCount; r++ {
		e.lifecycle.RecordRepeg(newID, decision.NewPrice)
	}

	e.logger.InfoContext(ctx, "order re-pegged",
		slog.String("order_id", p.OrderID),
		slog.String("replacement", newID),
		slog.Float64("new_price", decision.NewPrice),
		slog.String("reason", decision.Reason),
		slog.Int("attempt", decision.RetryCount+1),
	)
	e.metrics.ObserveRepeg("repegged")
	p.OrderID = newID
	p.SubmittedAt = time.Now().UTC()
}

// fallbackToMarket cancels the resting limit order and resubmits the unfilled
// remainder as a market order.
func (e *PhaseExecutor) fallbackToMarket(ctx context.Context, p *PlacedOrder, lc OrderLifecycle) {
	if err := e.broker.CancelOrder(ctx, p.OrderID); err != nil {
		e.logger.WarnContext(ctx, "cancel for market fallback failed",
			slog.String("order_id", p.OrderID),
			slog.String("error", err.Error()),
		)
		return
	}
	_ = e.lifecycle.Transition(p.OrderID, StateCancelled, map[string]any{"reason": "market fallback"})

	remainder := lc.RequestedQty - lc.FilledQty
	if remainder <= 0 {
		return
	}
	newID, err := e.broker.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: p.Symbol,
		Side:   p.Side,
		Qty:    remainder,
		Kind:   domain.OrderKindMarket,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "market fallback placement failed",
			slog.String("symbol", p.Symbol),
			slog.String("error", err.Error()),
		)
		return
	}

	e.lifecycle.Track(newID, p.Symbol, p.Side, remainder, domain.OrderKindMarket, 0)
	_ = e.lifecycle.Transition(newID, StateSubmitted, nil)
	_ = e.lifecycle.Transition(newID, StateAcknowledged, nil)
	e.logger.InfoContext(ctx, "fell back to market order",
		slog.String("order_id", p.OrderID),
		slog.String("replacement", newID),
		slog.Float64("qty", remainder),
	)
	e.metrics.ObserveRepeg("market_fallback")
	p.OrderID = newID
	p.Qty = remainder
	p.SubmittedAt = time.Now().UTC()
}

// skippedResult builds the OrderResult recorded for an instruction that never
// reached the broker.
func skippedResult(item domain.PlanItem, reason string) domain.OrderResult {
	side := domain.OrderSideBuy
	if item.Action == domain.ActionSell {
		side = domain.OrderSideSell
	}
	return domain.OrderResult{
		Symbol:       item.Symbol,
		Side:         side,
		Skipped:      true,
		ErrorMessage: reason,
		TradeAmount:  item.AbsTradeAmount(),
	}
}

// priceOrZero estimates the order's notional reference price. Limit orders
// use the limit; market orders derive from the plan's dollar amount.
func priceOrZero(limitPrice float64, item domain.PlanItem, qty float64) float64 {
	if limitPrice > 0 {
		return limitPrice
	}
	if qty > 0 {
		return item.AbsTradeAmount() / qty
	}
	return 0
}
