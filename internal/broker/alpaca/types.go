package alpaca

import (
	"strconv"
	"time"

	"github.com/quantfolio/rebalancer/internal/domain"
)

// apiOrder is the broker's order representation. Numeric fields arrive as
// JSON strings and may be null, so everything is kept as strings here and
// parsed on conversion.
type apiOrder struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Status         string    `json:"status"`
	Qty            string    `json:"qty"`
	FilledQty      string    `json:"filled_qty"`
	FilledAvgPrice string    `json:"filled_avg_price"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// toOrderStatus converts an API order into the domain view.
func (o apiOrder) toOrderStatus() domain.OrderStatus {
	return domain.OrderStatus{
		OrderID:   o.ID,
		Status:    o.Status,
		FilledQty: parseFloat(o.FilledQty),
		AvgPrice:  parseFloat(o.FilledAvgPrice),
	}
}

// apiAccount is the broker's account snapshot.
type apiAccount struct {
	BuyingPower    string `json:"buying_power"`
	PortfolioValue string `json:"portfolio_value"`
}

func (a apiAccount) toAccount() domain.Account {
	return domain.Account{
		BuyingPower:    parseFloat(a.BuyingPower),
		PortfolioValue: parseFloat(a.PortfolioValue),
	}
}

// apiPosition is one holding as reported by the broker.
type apiPosition struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	MarketValue string `json:"market_value"`
}

func (p apiPosition) toPosition() domain.Position {
	return domain.Position{
		Symbol:      p.Symbol,
		Qty:         parseFloat(p.Qty),
		MarketValue: parseFloat(p.MarketValue),
	}
}

// apiAsset describes one tradeable instrument.
type apiAsset struct {
	Symbol       string `json:"symbol"`
	Fractionable bool   `json:"fractionable"`
	Tradable     bool   `json:"tradable"`
	MinOrderSize string `json:"min_order_size"`
}

// apiQuote is the latest NBBO quote from the market data API.
type apiQuote struct {
	BidPrice  float64   `json:"bp"`
	AskPrice  float64   `json:"ap"`
	Timestamp time.Time `json:"t"`
}

// tradeUpdate is one event on the trade_updates stream.
type tradeUpdate struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Order     apiOrder  `json:"order"`
}

// parseFloat parses the broker's stringly-typed numerics. Empty or malformed
// values come back as zero; callers treat zero as "not reported".
func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// formatQty renders a quantity without trailing zeros, as the order API
// expects.
func formatQty(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
