package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderKind selects the broker order type.
type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
)

// Broker-reported order statuses. These are the raw strings the broker API
// returns; the execution core maps them onto its own lifecycle states.
const (
	BrokerStatusNew             = "new"
	BrokerStatusAccepted        = "accepted"
	BrokerStatusPartiallyFilled = "partially_filled"
	BrokerStatusFilled          = "filled"
	BrokerStatusCanceled        = "canceled"
	BrokerStatusRejected        = "rejected"
	BrokerStatusExpired         = "expired"
	BrokerStatusReplaced        = "replaced"
	BrokerStatusPendingCancel   = "pending_cancel"
)

// TerminalBrokerStatus reports whether a broker status string is terminal,
// i.e. the order can no longer change.
func TerminalBrokerStatus(status string) bool {
	switch status {
	case BrokerStatusFilled, BrokerStatusCanceled, BrokerStatusRejected, BrokerStatusExpired:
		return true
	default:
		return false
	}
}

// OrderRequest is what the execution engine hands the broker when placing an
// order. Exactly one of Qty or Notional must be set.
type OrderRequest struct {
	Symbol     string
	Side       OrderSide
	Qty        float64
	Notional   float64
	Kind       OrderKind
	LimitPrice float64
}

// OrderStatus is the broker's view of a single order.
type OrderStatus struct {
	OrderID   string
	Status    string
	FilledQty float64
	AvgPrice  float64
}

// OrderUpdate is one event from the broker's streaming order-update channel.
type OrderUpdate struct {
	OrderID   string
	Status    string
	FilledQty float64
	AvgPrice  float64
	At        time.Time
}

// OrderResult is the per-order outcome recorded in an ExecutionResult.
type OrderResult struct {
	Symbol       string    `json:"symbol"`
	OrderID      string    `json:"order_id"`
	Side         OrderSide `json:"side"`
	Qty          float64   `json:"qty"`
	Notional     float64   `json:"notional"`
	FilledQty    float64   `json:"filled_qty"`
	FilledPrice  float64   `json:"filled_price"`
	Status       string    `json:"status"`
	Success      bool      `json:"success"`
	Skipped      bool      `json:"skipped"`
	ErrorMessage string    `json:"error_message,omitempty"`
	TradeAmount  float64   `json:"trade_amount"`
	SubmittedAt  time.Time `json:"submitted_at"`
}
