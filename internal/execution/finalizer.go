package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/quantfolio/rebalancer/internal/domain"
	"github.com/quantfolio/rebalancer/internal/metrics"
)

// AlertSender delivers out-of-band alerts for anomalies that need human
// attention. notify.Notifier satisfies it.
type AlertSender interface {
	Alert(ctx context.Context, severity, title, body string) error
}

// FinalizerConfig holds the finalizer's tunables.
type FinalizerConfig struct {
	// MaxWait bounds the single blocking wait for the whole batch.
	MaxWait time.Duration

	// StatusConcurrency bounds the fan-out when fetching final statuses.
	StatusConcurrency int
}

// DefaultFinalizerConfig returns the standard production settings.
func DefaultFinalizerConfig() FinalizerConfig {
	return FinalizerConfig{
		MaxWait:           90 * time.Second,
		StatusConcurrency: 8,
	}
}

// PlacedOrder pairs a broker order id with the plan context it was placed
// for. PlanIndex points into the plan items the phase executed; a negative
// index means no plan linkage.
type PlacedOrder struct {
	OrderID     string
	Symbol      string
	Side        domain.OrderSide
	Qty         float64
	Notional    float64
	PlanIndex   int
	SubmittedAt time.Time
}

// OrderFinalizer resolves a batch of placed orders into final OrderResults.
// It performs one bounded wait for the batch, then fetches each order's
// final status concurrently.
type OrderFinalizer struct {
	broker  domain.BrokerClient
	alerts  AlertSender
	cfg     FinalizerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewOrderFinalizer creates a finalizer. alerts may be nil.
func NewOrderFinalizer(broker domain.BrokerClient, alerts AlertSender, cfg FinalizerConfig, m *metrics.Metrics, logger *slog.Logger) *OrderFinalizer {
	if cfg.StatusConcurrency <= 0 {
		cfg.StatusConcurrency = 8
	}
	return &OrderFinalizer{
		broker:  broker,
		alerts:  alerts,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "finalizer")),
	}
}

// Finalize waits for the batch to complete and returns one OrderResult per
// placed order, in input order. Orders whose ids are not well-formed UUIDs
// are resolved as rejected without ever hitting the broker.
func (f *OrderFinalizer) Finalize(ctx context.Context, placed []PlacedOrder, items []domain.PlanItem) []domain.OrderResult {
	results := make([]domain.OrderResult, len(placed))
	waitable := make([]string, 0, len(placed))
	waitIdx := make([]int, 0, len(placed))

	for i, p := range placed {
		results[i] = domain.OrderResult{
			Symbol:      p.Symbol,
			OrderID:     p.OrderID,
			Side:        p.Side,
			Qty:         p.Qty,
			Notional:    p.Notional,
			TradeAmount: f.tradeAmount(p, items),
			SubmittedAt: p.SubmittedAt,
		}
		if _, err := uuid.Parse(p.OrderID); err != nil {
			results[i].Status = domain.BrokerStatusRejected
			results[i].ErrorMessage = fmt.Sprintf("malformed order id %q", p.OrderID)
			f.logger.WarnContext(ctx, "skipping finalization for malformed order id",
				slog.String("order_id", p.OrderID),
				slog.String("symbol", p.Symbol),
			)
			continue
		}
		waitable = append(waitable, p.OrderID)
		waitIdx = append(waitIdx, i)
	}

	if len(waitable) == 0 {
		return results
	}

	if err := f.broker.WaitForCompletion(ctx, waitable, f.cfg.MaxWait); err != nil {
		// Expiry is tolerated; each order still gets a final status fetch.
		f.logger.WarnContext(ctx, "batch wait ended early",
			slog.String("error", err.Error()),
			slog.Int("orders", len(waitable)),
		)
	}

	p := pool.New().WithMaxGoroutines(f.cfg.StatusConcurrency)
	for _, i := range waitIdx {
		p.Go(func() {
			f.resolve(ctx, &results[i])
		})
	}
	p.Wait()

	for i := range results {
		if results[i].Success {
			f.metrics.ObserveOrderSucceeded(string(results[i].Side))
		}
	}
	return results
}

// resolve fetches one order's final status and fills in the result.
func (f *OrderFinalizer) resolve(ctx context.Context, r *domain.OrderResult) {
	status, err := f.broker.GetOrderStatus(ctx, r.OrderID)
	if err != nil {
		r.Status = "unknown"
		r.ErrorMessage = fmt.Sprintf("final status unavailable: %v", err)
		f.logger.WarnContext(ctx, "final status fetch failed",
			slog.String("order_id", r.OrderID),
			slog.String("error", err.Error()),
		)
		return
	}

	r.Status = status.Status
	r.FilledQty = status.FilledQty
	r.FilledPrice = status.AvgPrice

	switch status.Status {
	case domain.BrokerStatusFilled, domain.BrokerStatusPartiallyFilled:
		r.Success = true
	case domain.BrokerStatusRejected:
		r.ErrorMessage = "order rejected"
	case domain.BrokerStatusCanceled:
		r.ErrorMessage = "order canceled"
	case domain.BrokerStatusExpired:
		r.ErrorMessage = "order expired"
	default:
		r.ErrorMessage = fmt.Sprintf("order not filled, final status %q", status.Status)
	}

	// An accepted order reporting filled quantity with no average price means
	// the broker's fill report is internally inconsistent. Flag it loudly but
	// leave the order unsuccessful: only filled and partially_filled count,
	// and booking value would be unreliable anyway.
	if status.Status == domain.BrokerStatusAccepted && status.FilledQty > 0 && status.AvgPrice <= 0 {
		f.logger.ErrorContext(ctx, "broker reported fills without a price",
			slog.String("order_id", r.OrderID),
			slog.String("symbol", r.Symbol),
			slog.Float64("filled_qty", status.FilledQty),
		)
		if f.alerts != nil {
			body := fmt.Sprintf("order %s (%s %s) reports filled qty %.4f with no average price; booking value is unreliable",
				r.OrderID, r.Side, r.Symbol, status.FilledQty)
			if alertErr := f.alerts.Alert(ctx, "high", "inconsistent fill report", body); alertErr != nil {
				f.logger.WarnContext(ctx, "alert delivery failed",
					slog.String("error", alertErr.Error()),
				)
			}
		}
	}
}

// tradeAmount resolves the dollar amount this order was meant to move. The
// plan item is authoritative; when the linkage is missing the order's own
// notional is used.
func (f *OrderFinalizer) tradeAmount(p PlacedOrder, items []domain.PlanItem) float64 {
	if p.PlanIndex >= 0 && p.PlanIndex < len(items) && items[p.PlanIndex].Symbol == p.Symbol {
		return items[p.PlanIndex].AbsTradeAmount()
	}
	f.logger.Warn("plan linkage missing for order, using order notional",
		slog.String("order_id", p.OrderID),
		slog.String("symbol", p.Symbol),
		slog.Int("plan_index", p.PlanIndex),
	)
	return p.Notional
}
