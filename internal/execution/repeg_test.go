package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quantfolio/rebalancer/internal/domain"
)

func newRepegEngine(mut func(*RepegConfig)) *RepegPolicyEngine {
	cfg := DefaultRepegConfig()
	cfg.Strategy = RepegConservative
	if mut != nil {
		mut(&cfg)
	}
	return NewRepegPolicyEngine(cfg, testLogger())
}

func TestRepegDisabled(t *testing.T) {
	e := newRepegEngine(func(c *RepegConfig) { c.Enabled = false })
	d := e.Evaluate("o1", domain.OrderSideBuy, 100, MarketSnapshot{Bid: 99.9, Ask: 100.1}, time.Minute, 0)
	assert.False(t, d.ShouldRepeg)
	assert.False(t, d.Abandon)
}

func TestRepegNoTriggerBeforeInterval(t *testing.T) {
	e := newRepegEngine(nil)
	d := e.Evaluate("o1", domain.OrderSideBuy, 100, MarketSnapshot{Bid: 99.9, Ask: 100.1}, 5*time.Second, 0)
	assert.False(t, d.ShouldRepeg)
	assert.Equal(t, "no trigger", d.Reason)
}

func TestRepegAgedOrderConservativeBuy(t *testing.T) {
	e := newRepegEngine(nil)
	d := e.Evaluate("o1", domain.OrderSideBuy, 100, MarketSnapshot{Bid: 99.95, Ask: 100.05}, time.Minute, 0)
	assert.True(t, d.ShouldRepeg)
	assert.InDelta(t, 100.02, d.NewPrice, 1e-9)
}

func TestRepegConservativeSellMovesDown(t *testing.T) {
	e := newRepegEngine(nil)
	d := e.Evaluate("o1", domain.OrderSideSell, 100, MarketSnapshot{Bid: 99.95, Ask: 100.05}, time.Minute, 0)
	assert.True(t, d.ShouldRepeg)
	assert.InDelta(t, 99.98, d.NewPrice, 1e-9)
}

func TestRepegIncrementEscalates(t *testing.T) {
	e := newRepegEngine(nil)
	first := e.Evaluate("o1", domain.OrderSideBuy, 100, MarketSnapshot{Bid: 99.9, Ask: 100.2}, time.Minute, 0)
	second := e.Evaluate("o1", domain.OrderSideBuy, 100, MarketSnapshot{Bid: 99.9, Ask: 100.2}, time.Minute, 1)
	assert.True(t, first.ShouldRepeg)
	assert.True(t, second.ShouldRepeg)
	assert.Greater(t, second.NewPrice, first.NewPrice)
}

func TestRepegIncrementCapped(t *testing.T) {
	e := newRepegEngine(func(c *RepegConfig) {
		c.BaseIncrement = 0.10
		c.MaxIncrement = 0.12
		c.MaxDeviationPct = 5
	})
	// With factor 1.5 the raw increment at attempt 3 would be 0.34.
	assert.InDelta(t, 0.12, e.escalatedIncrement(3), 1e-9)
}

func TestRepegAbandonAtMaxAttempts(t *testing.T) {
	e := newRepegEngine(nil)
	d := e.Evaluate("o1", domain.OrderSideBuy, 100, MarketSnapshot{Bid: 99.9, Ask: 100.1}, time.Minute, 5)
	assert.True(t, d.Abandon)
	assert.True(t, d.FallbackToMarket, "past FallbackAfter the abandon converts to market")
}

func TestRepegAbandonOnWideSpreadNoFallbackEarly(t *testing.T) {
	e := newRepegEngine(nil)
	// Spread ~200 bps exceeds the 150 bps abandon threshold; only one attempt
	// so far, below FallbackAfter.
	d := e.Evaluate("o1", domain.OrderSideBuy, 100, MarketSnapshot{Bid: 99, Ask: 101}, time.Minute, 1)
	assert.True(t, d.Abandon)
	assert.False(t, d.FallbackToMarket)
}

func TestRepegAggressiveCrossesSpread(t *testing.T) {
	e := newRepegEngine(func(c *RepegConfig) { c.Strategy = RepegAggressive })
	buy := e.Evaluate("o1", domain.OrderSideBuy, 100, MarketSnapshot{Bid: 99.95, Ask: 100.05}, time.Minute, 0)
	assert.True(t, buy.ShouldRepeg)
	assert.InDelta(t, 100.07, buy.NewPrice, 1e-9)

	sell := e.Evaluate("o2", domain.OrderSideSell, 100, MarketSnapshot{Bid: 99.95, Ask: 100.05}, time.Minute, 0)
	assert.True(t, sell.ShouldRepeg)
	assert.InDelta(t, 99.93, sell.NewPrice, 1e-9)
}

func TestRepegAdaptivePicksByTier(t *testing.T) {
	e := newRepegEngine(func(c *RepegConfig) { c.Strategy = RepegAdaptive })

	// ~5 bps spread is tight, so adaptive goes aggressive: ask + base.
	tight := e.Evaluate("o1", domain.OrderSideBuy, 100, MarketSnapshot{Bid: 99.975, Ask: 100.025}, time.Minute, 0)
	assert.True(t, tight.ShouldRepeg)
	assert.InDelta(t, 100.05, tight.NewPrice, 1e-2)

	// ~75 bps spread is wide, so adaptive creeps with half the increment.
	wide := e.Evaluate("o2", domain.OrderSideBuy, 100, MarketSnapshot{Bid: 99.6, Ask: 100.35}, time.Minute, 0)
	assert.True(t, wide.ShouldRepeg)
	assert.InDelta(t, 100.01, wide.NewPrice, 1e-9)
}

func TestRepegCandidateValidation(t *testing.T) {
	e := newRepegEngine(nil)

	reason, ok := e.validateCandidate(domain.OrderSideBuy, 100, 0, MarketSnapshot{Bid: 99, Ask: 101})
	assert.False(t, ok)
	assert.Contains(t, reason, "not positive")

	_, ok = e.validateCandidate(domain.OrderSideBuy, 100, 103, MarketSnapshot{Bid: 102, Ask: 104})
	assert.False(t, ok, "deviation above MaxDeviationPct must be rejected")

	_, ok = e.validateCandidate(domain.OrderSideBuy, 100, 99.5, MarketSnapshot{Bid: 99, Ask: 101})
	assert.False(t, ok, "buy candidate must not move down")

	_, ok = e.validateCandidate(domain.OrderSideSell, 100, 100.5, MarketSnapshot{Bid: 99, Ask: 101})
	assert.False(t, ok, "sell candidate must not move up")

	_, ok = e.validateCandidate(domain.OrderSideBuy, 100, 100.5, MarketSnapshot{Bid: 99.4, Ask: 99.45})
	assert.False(t, ok, "buy candidate beyond the ask must be rejected")

	_, ok = e.validateCandidate(domain.OrderSideBuy, 100, 100.02, MarketSnapshot{Bid: 99.95, Ask: 100.05})
	assert.True(t, ok)
}

func TestRepegHistoryRecordsAcceptedDecisions(t *testing.T) {
	e := newRepegEngine(nil)
	snap := MarketSnapshot{Bid: 99.95, Ask: 100.05}

	e.Evaluate("o1", domain.OrderSideBuy, 100, snap, time.Second, 0) // no trigger
	e.Evaluate("o1", domain.OrderSideBuy, 100, snap, time.Minute, 0) // repeg
	e.Evaluate("o1", domain.OrderSideBuy, 100, snap, time.Minute, 5) // abandon

	hist := e.History("o1")
	assert.Len(t, hist, 2)
	assert.True(t, hist[0].ShouldRepeg)
	assert.True(t, hist[1].Abandon)
	assert.Empty(t, e.History("other"))
}

func TestMarketSnapshotSpread(t *testing.T) {
	assert.InDelta(t, 20.0, MarketSnapshot{Bid: 99.9, Ask: 100.1}.SpreadBps(), 0.1)
	assert.Zero(t, MarketSnapshot{}.SpreadBps())
}
