package execution

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/quantfolio/rebalancer/internal/domain"
)

// RepegStrategy selects how a replacement price is computed.
type RepegStrategy string

const (
	// RepegConservative nudges the resting price toward the opposite side by
	// a base increment that escalates geometrically per attempt.
	RepegConservative RepegStrategy = "conservative"

	// RepegAggressive jumps directly to the opposite side's quote plus one
	// increment.
	RepegAggressive RepegStrategy = "aggressive"

	// RepegAdaptive picks between the other strategies based on the current
	// spread width.
	RepegAdaptive RepegStrategy = "adaptive"
)

// RepegConfig holds the tunable parameters for the re-peg policy engine.
type RepegConfig struct {
	Enabled  bool
	Strategy RepegStrategy

	// Interval is how long an order may rest unfilled before a re-peg is
	// considered.
	Interval time.Duration

	// MaxRepegs abandons the order once this many replacements have happened.
	MaxRepegs int

	// AbandonSpreadBps abandons the order when the live spread exceeds this.
	AbandonSpreadBps float64

	// FallbackToMarket allows abandonment to convert into a market order once
	// FallbackAfter attempts have been made. FallbackAfter is a lower bar
	// than MaxRepegs.
	FallbackToMarket bool
	FallbackAfter    int

	// BaseIncrement is the starting price nudge in dollars. IncrementFactor
	// escalates it geometrically per attempt; MaxIncrement caps it.
	BaseIncrement   float64
	IncrementFactor float64
	MaxIncrement    float64

	// MaxDeviationPct rejects candidate prices further than this from the
	// previous price.
	MaxDeviationPct float64

	// VolumeFloor triggers a re-peg when traded volume drops below it even
	// before Interval elapses.
	VolumeFloor float64

	// TightSpreadBps and WideSpreadBps are the adaptive strategy's tier
	// boundaries.
	TightSpreadBps float64
	WideSpreadBps  float64
}

// DefaultRepegConfig returns the standard production re-peg policy.
func DefaultRepegConfig() RepegConfig {
	return RepegConfig{
		Enabled:          true,
		Strategy:         RepegAdaptive,
		Interval:         30 * time.Second,
		MaxRepegs:        5,
		AbandonSpreadBps: 150,
		FallbackToMarket: true,
		FallbackAfter:    3,
		BaseIncrement:    0.02,
		IncrementFactor:  1.5,
		MaxIncrement:     0.25,
		MaxDeviationPct:  1.0,
		VolumeFloor:      0,
		TightSpreadBps:   10,
		WideSpreadBps:    50,
	}
}

// MarketSnapshot is the slice of market state the policy engine looks at.
type MarketSnapshot struct {
	Bid    float64
	Ask    float64
	Volume float64
}

// SpreadBps returns the snapshot's spread in basis points of the midpoint.
func (s MarketSnapshot) SpreadBps() float64 {
	mid := (s.Bid + s.Ask) / 2
	if mid <= 0 {
		return 0
	}
	return (s.Ask - s.Bid) / mid * 10_000
}

// RepegDecision is the pure value returned for one evaluation. It is
// consumed immediately by the caller and never persisted.
type RepegDecision struct {
	ShouldRepeg      bool
	NewPrice         float64
	Reason           string
	Abandon          bool
	FallbackToMarket bool
	RetryCount       int
	DecidedAt        time.Time
}

// RepegPolicyEngine decides whether a resting limit order should be
// re-priced, abandoned, or converted to a market order. Evaluate is
// stateless per call except for the per-order decision history kept for
// later analysis.
type RepegPolicyEngine struct {
	cfg RepegConfig

	mu      sync.Mutex
	history map[string][]RepegDecision

	logger *slog.Logger
}

// NewRepegPolicyEngine creates an engine with the given policy.
func NewRepegPolicyEngine(cfg RepegConfig, logger *slog.Logger) *RepegPolicyEngine {
	if cfg.IncrementFactor <= 0 {
		cfg.IncrementFactor = 1.5
	}
	return &RepegPolicyEngine{
		cfg:     cfg,
		history: make(map[string][]RepegDecision),
		logger:  logger.With(slog.String("component", "repeg_engine")),
	}
}

// Evaluate decides what to do with one resting limit order.
func (e *RepegPolicyEngine) Evaluate(orderID string, side domain.OrderSide, currentLimit float64, snap MarketSnapshot, sinceSubmit time.Duration, repegCount int) RepegDecision {
	decision := RepegDecision{RetryCount: repegCount, DecidedAt: time.Now().UTC()}

	// (a) Strategy disabled.
	if !e.cfg.Enabled {
		decision.Reason = "repeg disabled"
		return decision
	}

	// (b) Abandon conditions.
	if repegCount >= e.cfg.MaxRepegs {
		decision.Abandon = true
		decision.FallbackToMarket = e.cfg.FallbackToMarket && repegCount >= e.cfg.FallbackAfter
		decision.Reason = fmt.Sprintf("repeg count %d reached max %d", repegCount, e.cfg.MaxRepegs)
		e.record(orderID, decision)
		return decision
	}
	if spread := snap.SpreadBps(); e.cfg.AbandonSpreadBps > 0 && spread > e.cfg.AbandonSpreadBps {
		decision.Abandon = true
		decision.FallbackToMarket = e.cfg.FallbackToMarket && repegCount >= e.cfg.FallbackAfter
		decision.Reason = fmt.Sprintf("spread %.1f bps exceeds abandon threshold %.1f", spread, e.cfg.AbandonSpreadBps)
		e.record(orderID, decision)
		return decision
	}

	// (c) Re-peg triggers.
	aged := sinceSubmit >= e.cfg.Interval
	thinVolume := e.cfg.VolumeFloor > 0 && snap.Volume < e.cfg.VolumeFloor
	if !aged && !thinVolume {
		decision.Reason = "no trigger"
		return decision
	}

	// (d) Candidate price per strategy.
	candidate, how := e.candidatePrice(side, currentLimit, snap, repegCount)

	// (e) Candidate validation.
	if reason, ok := e.validateCandidate(side, currentLimit, candidate, snap); !ok {
		decision.Reason = reason
		return decision
	}

	decision.ShouldRepeg = true
	decision.NewPrice = candidate
	decision.Reason = how
	e.record(orderID, decision)
	return decision
}

// History returns the accepted decisions recorded for an order.
func (e *RepegPolicyEngine) History(orderID string) []RepegDecision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]RepegDecision(nil), e.history[orderID]...)
}

func (e *RepegPolicyEngine) record(orderID string, d RepegDecision) {
	e.mu.Lock()
	e.history[orderID] = append(e.history[orderID], d)
	e.mu.Unlock()
}

// candidatePrice computes the replacement price for the configured strategy.
func (e *RepegPolicyEngine) candidatePrice(side domain.OrderSide, currentLimit float64, snap MarketSnapshot, attempt int) (float64, string) {
	strategy := e.cfg.Strategy
	increment := e.escalatedIncrement(attempt)

	if strategy == RepegAdaptive {
		spread := snap.SpreadBps()
		switch {
		case spread <= e.cfg.TightSpreadBps:
			strategy = RepegAggressive
		case spread >= e.cfg.WideSpreadBps:
			// Wide market: creep in half steps to avoid overpaying.
			increment = increment / 2
			strategy = RepegConservative
		default:
			strategy = RepegConservative
		}
	}

	switch strategy {
	case RepegAggressive:
		if side == domain.OrderSideBuy {
			return roundPrice(snap.Ask + e.cfg.BaseIncrement), "aggressive: cross to ask"
		}
		return roundPrice(snap.Bid - e.cfg.BaseIncrement), "aggressive: cross to bid"
	default:
		if side == domain.OrderSideBuy {
			return roundPrice(currentLimit + increment), fmt.Sprintf("conservative: +%.4f", increment)
		}
		return roundPrice(currentLimit - increment), fmt.Sprintf("conservative: -%.4f", increment)
	}
}

// escalatedIncrement grows the base increment geometrically per attempt,
// capped at MaxIncrement.
func (e *RepegPolicyEngine) escalatedIncrement(attempt int) float64 {
	inc := e.cfg.BaseIncrement * math.Pow(e.cfg.IncrementFactor, float64(attempt))
	if e.cfg.MaxIncrement > 0 && inc > e.cfg.MaxIncrement {
		inc = e.cfg.MaxIncrement
	}
	return inc
}

// validateCandidate rejects prices that deviate too far from the previous
// price, move the wrong direction for the side, or stray materially beyond
// the live quote.
func (e *RepegPolicyEngine) validateCandidate(side domain.OrderSide, previous, candidate float64, snap MarketSnapshot) (string, bool) {
	if candidate <= 0 {
		return fmt.Sprintf("candidate price %.4f not positive", candidate), false
	}

	if previous > 0 && e.cfg.MaxDeviationPct > 0 {
		deviationPct := math.Abs(candidate-previous) / previous * 100
		if deviationPct > e.cfg.MaxDeviationPct {
			return fmt.Sprintf("candidate deviates %.2f%% from previous price, max %.2f%%",
				deviationPct, e.cfg.MaxDeviationPct), false
		}
	}

	// A re-peg must improve fill probability: buys move up, sells move down.
	if side == domain.OrderSideBuy && candidate < previous {
		return "buy candidate below previous price", false
	}
	if side == domain.OrderSideSell && candidate > previous {
		return "sell candidate above previous price", false
	}

	// Sanity against the live quote.
	guard := 1 + e.cfg.MaxDeviationPct/100
	if side == domain.OrderSideBuy && snap.Ask > 0 && candidate > snap.Ask*guard {
		return fmt.Sprintf("buy candidate %.4f strays beyond ask %.4f", candidate, snap.Ask), false
	}
	if side == domain.OrderSideSell && snap.Bid > 0 && candidate < snap.Bid/guard {
		return fmt.Sprintf("sell candidate %.4f strays beyond bid %.4f", candidate, snap.Bid), false
	}

	return "", true
}

// roundPrice rounds to the penny.
func roundPrice(p float64) float64 {
	return math.Round(p*100) / 100
}
