package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"

	"github.com/quantfolio/rebalancer/internal/domain"
)

// symbolPattern accepts conventional US equity/ETF tickers.
var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,9}$`)

// ValidatorConfig holds the tunable parameters for pre-trade risk checks.
type ValidatorConfig struct {
	// BuyingPowerReservePct is the fraction of total buying power kept in
	// reserve, never committed to new buys.
	BuyingPowerReservePct float64

	// MaxPositionPct is the concentration ceiling: the resulting position's
	// share of portfolio value after the order.
	MaxPositionPct float64

	// MaxOrderNotional is the absolute per-order dollar ceiling.
	MaxOrderNotional float64

	// MaxSpreadBps rejects orders when the live spread exceeds this.
	MaxSpreadBps float64

	// WarnSpreadBps adds a warning when the spread approaches the ceiling.
	WarnSpreadBps float64

	// MaxLimitDeviationPct rejects limit prices further than this from the
	// quote midpoint in the adverse direction.
	MaxLimitDeviationPct float64

	// NotionalHaircutPct shrinks notional->quantity conversions to leave
	// headroom for price movement between validation and fill.
	NotionalHaircutPct float64
}

// DefaultValidatorConfig returns the standard production limits.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		BuyingPowerReservePct: 0.05,
		MaxPositionPct:        0.25,
		MaxOrderNotional:      50_000,
		MaxSpreadBps:          100,
		WarnSpreadBps:         60,
		MaxLimitDeviationPct:  2.0,
		NotionalHaircutPct:    1.0,
	}
}

// ValidationResult reports the outcome of pre-trade validation.
type ValidationResult struct {
	Valid            bool
	Errors           []*OrderError
	Warnings         []string
	ApprovedQty      float64
	ApprovedNotional float64
	RiskScore        float64 // 0-100
}

func (r *ValidationResult) fail(err *OrderError) {
	r.Valid = false
	r.Errors = append(r.Errors, err)
}

func (r *ValidationResult) warn(msg string, riskDelta float64) {
	r.Warnings = append(r.Warnings, msg)
	r.RiskScore = math.Min(100, r.RiskScore+riskDelta)
}

// PreTradeValidator validates a prospective order against buying power,
// concentration, notional limits, and market microstructure before it is
// placed. Price and buying-power lookups failing is a hard error; auxiliary
// risk signals failing degrades to a warning so an order is never blocked
// purely because context data was unreachable.
type PreTradeValidator struct {
	broker domain.BrokerClient
	prices domain.PriceCache
	cfg    ValidatorConfig
	logger *slog.Logger
}

// NewPreTradeValidator creates a validator. prices may be nil; it is only a
// fallback quote source.
func NewPreTradeValidator(broker domain.BrokerClient, prices domain.PriceCache, cfg ValidatorConfig, logger *slog.Logger) *PreTradeValidator {
	return &PreTradeValidator{
		broker: broker,
		prices: prices,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "pretrade_validator")),
	}
}

// Validate runs all pre-trade checks for one prospective order. Exactly one
// of qty or notional must be positive; limitPrice is optional (zero means
// market). Hard errors short-circuit further checks.
func (v *PreTradeValidator) Validate(ctx context.Context, symbol string, side domain.OrderSide, qty, notional, limitPrice float64) ValidationResult {
	result := ValidationResult{Valid: true}

	// 1. Basic shape checks.
	if !symbolPattern.MatchString(symbol) {
		result.fail(NewOrderError(CodeInvalidSymbol, fmt.Sprintf("malformed symbol %q", symbol), nil))
		return result
	}
	if side != domain.OrderSideBuy && side != domain.OrderSideSell {
		result.fail(NewOrderError(CodeInvalidQuantity, fmt.Sprintf("unknown side %q", side), nil))
		return result
	}
	if (qty > 0) == (notional > 0) {
		result.fail(NewOrderError(CodeInvalidQuantity,
			"exactly one of quantity or notional must be positive", map[string]any{
				"qty":      qty,
				"notional": notional,
			}))
		return result
	}

	// 2. Derive the missing one of qty/notional from the latest price.
	price, priceErr := v.lookupPrice(ctx, symbol)
	if priceErr != nil {
		result.fail(NewOrderError(CodeBrokerUnavailable,
			fmt.Sprintf("cannot establish price for %s: %v", symbol, priceErr), nil))
		return result
	}
	if notional <= 0 {
		notional = qty * price
	}
	if qty <= 0 {
		// Haircut guards against the price moving between validation and fill.
		qty = notional * (1 - v.cfg.NotionalHaircutPct/100) / price
	}
	result.ApprovedQty = qty
	result.ApprovedNotional = notional

	// 3. Buying power.
	account, acctErr := v.broker.GetAccount(ctx)
	if acctErr != nil {
		result.fail(NewOrderError(CodeBrokerUnavailable,
			fmt.Sprintf("cannot establish buying power: %v", acctErr), nil))
		return result
	}
	if side == domain.OrderSideBuy {
		available := account.BuyingPower * (1 - v.cfg.BuyingPowerReservePct)
		if notional > available {
			result.fail(NewOrderError(CodeBuyingPower,
				fmt.Sprintf("notional %.2f exceeds available buying power %.2f", notional, available),
				map[string]any{"notional": notional, "available": available}))
			return result
		}
		utilization := notional / math.Max(available, 1)
		if utilization > 0.8 {
			result.warn(fmt.Sprintf("order uses %.0f%% of available buying power", utilization*100), 20)
		}
	}

	// 4. Concentration. Position data failing is a soft signal.
	v.checkConcentration(ctx, symbol, side, notional, account.PortfolioValue, &result)
	if !result.Valid {
		return result
	}

	// 5. Absolute per-order notional ceiling.
	if v.cfg.MaxOrderNotional > 0 && notional > v.cfg.MaxOrderNotional {
		result.fail(NewOrderError(CodeNotionalLimit,
			fmt.Sprintf("notional %.2f exceeds per-order ceiling %.2f", notional, v.cfg.MaxOrderNotional), nil))
		return result
	}

	// 6. Market conditions (spread). Quote failing is a soft signal.
	quote, quoteErr := v.broker.GetQuote(ctx, symbol)
	if quoteErr != nil {
		result.warn(fmt.Sprintf("spread check skipped, quote unavailable: %v", quoteErr), 10)
	} else {
		spread := quote.SpreadBps()
		if v.cfg.MaxSpreadBps > 0 && spread > v.cfg.MaxSpreadBps {
			result.fail(NewOrderError(CodeWideSpread,
				fmt.Sprintf("spread %.1f bps exceeds ceiling %.1f bps", spread, v.cfg.MaxSpreadBps),
				map[string]any{"spread_bps": spread}))
			return result
		}
		if v.cfg.WarnSpreadBps > 0 && spread > v.cfg.WarnSpreadBps {
			result.warn(fmt.Sprintf("spread %.1f bps approaching ceiling", spread), 15)
		}

		// 7. Limit price sanity against the midpoint, adverse direction only.
		if limitPrice > 0 {
			mid := quote.Mid()
			if mid > 0 {
				deviationPct := (limitPrice - mid) / mid * 100
				adverse := (side == domain.OrderSideBuy && deviationPct > v.cfg.MaxLimitDeviationPct) ||
					(side == domain.OrderSideSell && -deviationPct > v.cfg.MaxLimitDeviationPct)
				if adverse {
					result.fail(NewOrderError(CodeInvalidPrice,
						fmt.Sprintf("limit %.2f deviates %.2f%% from mid %.2f", limitPrice, deviationPct, mid), nil))
					return result
				}
			}
		}
	}

	return result
}

// checkConcentration computes the resulting position's share of portfolio
// value after the order and rejects past the ceiling.
func (v *PreTradeValidator) checkConcentration(ctx context.Context, symbol string, side domain.OrderSide, notional, portfolioValue float64, result *ValidationResult) {
	if v.cfg.MaxPositionPct <= 0 || portfolioValue <= 0 {
		return
	}

	positions, err := v.broker.GetPositions(ctx)
	if err != nil {
		result.warn(fmt.Sprintf("concentration check skipped, positions unavailable: %v", err), 10)
		return
	}

	var current float64
	for _, p := range positions {
		if p.Symbol == symbol {
			current = p.MarketValue
			break
		}
	}

	resulting := current
	if side == domain.OrderSideBuy {
		resulting += notional
	} else {
		resulting -= notional
	}
	fraction := math.Abs(resulting) / portfolioValue

	if fraction > v.cfg.MaxPositionPct {
		result.fail(NewOrderError(CodeConcentration,
			fmt.Sprintf("resulting position %.1f%% of portfolio exceeds ceiling %.1f%%",
				fraction*100, v.cfg.MaxPositionPct*100),
			map[string]any{"fraction": fraction}))
		return
	}
	if fraction > v.cfg.MaxPositionPct*0.8 {
		result.warn(fmt.Sprintf("position concentration %.1f%% near ceiling", fraction*100), 15)
	}
}

// lookupPrice returns a usable reference price: the live quote midpoint
// first, then the price cache.
func (v *PreTradeValidator) lookupPrice(ctx context.Context, symbol string) (float64, error) {
	quote, err := v.broker.GetQuote(ctx, symbol)
	if err == nil && quote.Mid() > 0 {
		return quote.Mid(), nil
	}

	if v.prices != nil {
		cached, cacheErr := v.prices.GetQuote(ctx, symbol)
		if cacheErr == nil && cached.Mid() > 0 {
			v.logger.WarnContext(ctx, "using cached quote, live quote unavailable",
				slog.String("symbol", symbol),
			)
			return cached.Mid(), nil
		}
	}

	if err == nil {
		err = fmt.Errorf("quote for %s has no usable midpoint", symbol)
	}
	return 0, err
}
