package domain

import (
	"context"
	"time"
)

// Quote is the broker's best bid/ask for a symbol.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	At     time.Time
}

// Mid returns the quote midpoint, or zero when either side is missing.
func (q Quote) Mid() float64 {
	if q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return (q.Bid + q.Ask) / 2
}

// SpreadBps returns the bid-ask spread in basis points of the midpoint.
func (q Quote) SpreadBps() float64 {
	mid := q.Mid()
	if mid <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / mid * 10_000
}

// Account is the broker's account snapshot. BuyingPower is authoritative and
// never mutated locally by the execution core.
type Account struct {
	BuyingPower    float64
	PortfolioValue float64
}

// Position is one holding reported by the broker.
type Position struct {
	Symbol      string
	Qty         float64
	MarketValue float64
}

// Asset describes a tradeable instrument's microstructure constraints.
type Asset struct {
	Symbol       string
	Fractionable bool
	MinNotional  float64
}

// CancelStaleResult reports the outcome of a stale-order sweep.
type CancelStaleResult struct {
	CancelledCount int
	Errors         []string
}

// BrokerClient is the capability set the execution engine requires from a
// brokerage. Implementations are injected at construction; the core never
// constructs one itself.
type BrokerClient interface {
	// PlaceOrder submits an order and returns the broker-assigned order id.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)

	// ReplaceOrder re-prices a resting limit order without changing side or
	// quantity, returning the id of the replacement order.
	ReplaceOrder(ctx context.Context, orderID string, limitPrice float64) (string, error)

	// CancelOrder cancels a single open order.
	CancelOrder(ctx context.Context, orderID string) error

	// GetOrderStatus returns the broker's current view of an order.
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)

	// WaitForCompletion blocks until every order in orderIDs reaches a
	// terminal status or maxWait elapses. Expiry is not an error.
	WaitForCompletion(ctx context.Context, orderIDs []string, maxWait time.Duration) error

	// SubscribeOrderEvents returns a channel of order updates for the given
	// ids. The channel is closed when ctx is cancelled or the stream drops.
	SubscribeOrderEvents(ctx context.Context, orderIDs []string) (<-chan OrderUpdate, error)

	// GetQuote returns the best bid/ask for a symbol.
	GetQuote(ctx context.Context, symbol string) (Quote, error)

	// GetAccount returns the account snapshot.
	GetAccount(ctx context.Context) (Account, error)

	// GetPositions returns all current holdings.
	GetPositions(ctx context.Context) ([]Position, error)

	// GetAsset returns instrument constraints for a symbol.
	GetAsset(ctx context.Context, symbol string) (Asset, error)

	// CancelStaleOrders cancels open orders older than maxAge.
	CancelStaleOrders(ctx context.Context, maxAge time.Duration) (CancelStaleResult, error)
}
