package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/quantfolio/rebalancer/internal/domain"
	"github.com/quantfolio/rebalancer/internal/metrics"
)

// Settlement resolution methods.
const (
	SettleMethodStream  = "stream"
	SettleMethodPoll    = "poll"
	SettleMethodTimeout = "timeout"
)

// Polling budget clamp bounds. The raw budget is derived from the order
// timeout, but observed broker latency makes anything under a minute too
// tight and anything over ten minutes wasteful.
const (
	minPollBudget = 60 * time.Second
	maxPollBudget = 600 * time.Second
)

// SettlementConfig holds the tunable parameters for settlement monitoring.
type SettlementConfig struct {
	// StreamTimeout bounds the broker-event-stream phase for the batch.
	StreamTimeout time.Duration

	// PollInterval is the fixed delay between polling rounds.
	PollInterval time.Duration

	// MaxPollAttempts bounds the polling fallback per batch.
	MaxPollAttempts int

	// VerifyBaseDelay seeds the exponential backoff used when re-checking
	// that account-level buying power reflects the released amount.
	VerifyBaseDelay time.Duration

	// VerifyMaxRetries bounds the verification loop.
	VerifyMaxRetries int

	// VerifyMaxWait caps the total time spent verifying.
	VerifyMaxWait time.Duration
}

// DefaultSettlementConfig returns the standard production settings.
func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{
		StreamTimeout:    2 * time.Minute,
		PollInterval:     5 * time.Second,
		MaxPollAttempts:  12,
		VerifyBaseDelay:  time.Second,
		VerifyMaxRetries: 6,
		VerifyMaxWait:    2 * time.Minute,
	}
}

// Validate rejects unusable monitor parameters. This is the one place the
// engine fails hard at construction time rather than degrading.
func (c SettlementConfig) Validate() error {
	if c.StreamTimeout <= 0 {
		return fmt.Errorf("settlement: stream timeout must be positive, got %v", c.StreamTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("settlement: poll interval must be positive, got %v", c.PollInterval)
	}
	if c.MaxPollAttempts <= 0 {
		return fmt.Errorf("settlement: max poll attempts must be positive, got %d", c.MaxPollAttempts)
	}
	return nil
}

// PollBudget derives the total polling time allowed from the order-placement
// timeout and per-repeg fill wait, clamped to [minPollBudget, maxPollBudget].
// The clamp constants encode observed broker latency characteristics.
func PollBudget(orderTimeout, repegFillWait time.Duration) time.Duration {
	budget := orderTimeout + 2*repegFillWait
	if budget < minPollBudget {
		return minPollBudget
	}
	if budget > maxPollBudget {
		return maxPollBudget
	}
	return budget
}

// SettleOrder identifies one order to track through settlement.
type SettleOrder struct {
	OrderID string
	Side    domain.OrderSide
}

// SettlementStatus tracks one order through settlement.
type SettlementStatus struct {
	OrderID      string    `json:"order_id"`
	Side         domain.OrderSide `json:"side"`
	SubmittedAt  time.Time `json:"submitted_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	BrokerStatus string    `json:"broker_status"`
	SettledQty   float64   `json:"settled_qty"`
	SettledPrice float64   `json:"settled_price"`
	StreamEvents int       `json:"stream_events"`
	PollAttempts int       `json:"poll_attempts"`
	Method       string    `json:"method"`
	Err          error     `json:"-"`
}

// SettlementBatch is the summary for one monitored batch.
type SettlementBatch struct {
	Statuses            map[string]*SettlementStatus
	ReleasedBuyingPower float64
	Settled             int
	TimedOut            int
	Elapsed             time.Duration
}

// SettledFunc is invoked once per order as it settles.
type SettledFunc func(SettlementStatus)

// BatchFunc is invoked once when the whole batch resolves.
type BatchFunc func(SettlementBatch)

// SettlementMonitor tracks a batch of orders to a terminal state using the
// broker's event stream first, with bounded polling as a fallback, and
// computes the buying power released by filled sells.
type SettlementMonitor struct {
	broker  domain.BrokerClient
	cfg     SettlementConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	onSettled SettledFunc
	onBatch   BatchFunc
}

// NewSettlementMonitor creates a monitor. It returns an error for unusable
// timeout parameters; this is the only construction-time failure in the
// engine.
func NewSettlementMonitor(broker domain.BrokerClient, cfg SettlementConfig, m *metrics.Metrics, logger *slog.Logger) (*SettlementMonitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SettlementMonitor{
		broker:  broker,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "settlement_monitor")),
	}, nil
}

// OnSettled registers a per-order settlement callback.
func (m *SettlementMonitor) OnSettled(fn SettledFunc) { m.onSettled = fn }

// OnBatchComplete registers a batch-completion callback.
func (m *SettlementMonitor) OnBatchComplete(fn BatchFunc) { m.onBatch = fn }

// WaitForSettlement tracks the given orders until each reaches a terminal
// broker status or the monitoring budget runs out. It never returns an error
// for order-level problems; unresolved orders are marked with method
// "timeout" and contribute nothing to released buying power.
func (m *SettlementMonitor) WaitForSettlement(ctx context.Context, orders []SettleOrder) SettlementBatch {
	start := time.Now()
	batch := SettlementBatch{Statuses: make(map[string]*SettlementStatus, len(orders))}
	if len(orders) == 0 {
		return batch
	}

	remaining := make(map[string]bool, len(orders))
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		batch.Statuses[o.OrderID] = &SettlementStatus{
			OrderID:     o.OrderID,
			Side:        o.Side,
			SubmittedAt: start.UTC(),
			UpdatedAt:   start.UTC(),
		}
		remaining[o.OrderID] = true
		ids = append(ids, o.OrderID)
	}

	m.streamPhase(ctx, ids, batch.Statuses, remaining)

	if len(remaining) > 0 {
		m.pollPhase(ctx, batch.Statuses, remaining)
	}

	// Anything still unresolved gets no value credited.
	for id := range remaining {
		st := batch.Statuses[id]
		st.Method = SettleMethodTimeout
		st.UpdatedAt = time.Now().UTC()
		batch.TimedOut++
		m.metrics.ObserveSettlement(SettleMethodTimeout)
		m.logger.Warn("order unresolved after polling budget",
			slog.String("order_id", id),
			slog.Int("poll_attempts", st.PollAttempts),
		)
	}

	for _, st := range batch.Statuses {
		if st.Method == SettleMethodTimeout || st.Method == "" {
			continue
		}
		batch.Settled++
		// Buying power is released by filled sells only.
		if st.Side == domain.OrderSideSell && st.BrokerStatus == domain.BrokerStatusFilled {
			batch.ReleasedBuyingPower += st.SettledQty * st.SettledPrice
		}
	}

	batch.Elapsed = time.Since(start)
	m.logger.Info("settlement batch complete",
		slog.Int("settled", batch.Settled),
		slog.Int("timed_out", batch.TimedOut),
		slog.Float64("released_buying_power", batch.ReleasedBuyingPower),
		slog.Duration("elapsed", batch.Elapsed),
	)
	if m.onBatch != nil {
		m.onBatch(batch)
	}
	return batch
}

// streamPhase consumes the broker's push channel until every order resolves,
// the stream drops, or the stream budget expires.
func (m *SettlementMonitor) streamPhase(ctx context.Context, ids []string, statuses map[string]*SettlementStatus, remaining map[string]bool) {
	streamCtx, cancel := context.WithTimeout(ctx, m.cfg.StreamTimeout)
	defer cancel()

	events, err := m.broker.SubscribeOrderEvents(streamCtx, ids)
	if err != nil {
		m.logger.Warn("event stream unavailable, falling back to polling",
			slog.String("error", err.Error()),
		)
		return
	}

	for len(remaining) > 0 {
		select {
		case <-streamCtx.Done():
			m.logger.Info("stream phase ended",
				slog.Int("unresolved", len(remaining)),
			)
			return
		case update, ok := <-events:
			if !ok {
				m.logger.Warn("event stream closed, falling back to polling",
					slog.Int("unresolved", len(remaining)),
				)
				return
			}
			st, tracked := statuses[update.OrderID]
			if !tracked {
				continue
			}
			st.StreamEvents++
			st.BrokerStatus = update.Status
			st.UpdatedAt = time.Now().UTC()
			if domain.TerminalBrokerStatus(update.Status) {
				st.Method = SettleMethodStream
				st.SettledQty = update.FilledQty
				st.SettledPrice = update.AvgPrice
				delete(remaining, update.OrderID)
				m.settled(*st)
			}
		}
	}
}

// pollPhase queries broker status for the unresolved set, up to
// MaxPollAttempts rounds with a fixed interval, removing settled orders
// after each round. Poll errors for one order degrade to a later retry,
// never to a raised error.
func (m *SettlementMonitor) pollPhase(ctx context.Context, statuses map[string]*SettlementStatus, remaining map[string]bool) {
	for attempt := 1; attempt <= m.cfg.MaxPollAttempts && len(remaining) > 0; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		g, gctx := errgroup.WithContext(ctx)
		for id := range remaining {
			st := statuses[id]
			g.Go(func() error {
				status, err := m.broker.GetOrderStatus(gctx, st.OrderID)
				st.PollAttempts++
				st.UpdatedAt = time.Now().UTC()
				if err != nil {
					st.Err = err
					return nil // expected, retried next round
				}
				st.BrokerStatus = status.Status
				if domain.TerminalBrokerStatus(status.Status) {
					st.Method = SettleMethodPoll
					st.SettledQty = status.FilledQty
					st.SettledPrice = status.AvgPrice
					st.Err = nil
				}
				return nil
			})
		}
		_ = g.Wait()

		for id := range remaining {
			if statuses[id].Method == SettleMethodPoll {
				delete(remaining, id)
				m.settled(*statuses[id])
			}
		}
		if len(remaining) == 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

func (m *SettlementMonitor) settled(st SettlementStatus) {
	m.metrics.ObserveSettlement(st.Method)
	m.logger.Info("order settled",
		slog.String("order_id", st.OrderID),
		slog.String("status", st.BrokerStatus),
		slog.String("method", st.Method),
		slog.Float64("qty", st.SettledQty),
		slog.Float64("price", st.SettledPrice),
	)
	if m.onSettled != nil {
		m.onSettled(st)
	}
}

// VerifyBuyingPower re-checks that the broker's account snapshot reflects
// the released amount, using exponential backoff. Some brokers settle
// individual orders before the account snapshot catches up; without this
// check the BUY phase can start against stale buying power. Returns true
// once the account shows at least baseline + a tolerance of the release.
func (m *SettlementMonitor) VerifyBuyingPower(ctx context.Context, baseline, released float64) bool {
	if released <= 0 {
		return true
	}
	// 10% tolerance absorbs fees and partial releases.
	target := baseline + released*0.9

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = m.cfg.VerifyBaseDelay
	expo.Multiplier = 2

	deadline := time.Now().Add(m.cfg.VerifyMaxWait)
	for attempt := 0; attempt < m.cfg.VerifyMaxRetries; attempt++ {
		account, err := m.broker.GetAccount(ctx)
		if err == nil && account.BuyingPower >= target {
			m.logger.Info("buying power verified",
				slog.Float64("buying_power", account.BuyingPower),
				slog.Float64("target", target),
				slog.Int("attempts", attempt+1),
			)
			return true
		}
		if err != nil {
			m.logger.Warn("account snapshot unavailable during verification",
				slog.String("error", err.Error()),
			)
		}

		sleep := expo.NextBackOff()
		if sleep == backoff.Stop || time.Now().Add(sleep).After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(sleep):
		}
	}

	m.logger.Warn("buying power not verified within budget",
		slog.Float64("target", target),
	)
	return false
}
