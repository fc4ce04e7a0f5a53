package domain

import "time"

// Action indicates what a rebalance plan wants done with a symbol.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// PlanItem is one per-symbol instruction produced by the rebalance-plan
// calculator. TradeAmount is the dollar value to trade; its sign follows the
// action (negative for sells) but consumers should use AbsTradeAmount.
type PlanItem struct {
	Symbol        string  `json:"symbol"`
	Action        Action  `json:"action"`
	CurrentWeight float64 `json:"current_weight"`
	TargetWeight  float64 `json:"target_weight"`
	CurrentValue  float64 `json:"current_value"`
	TargetValue   float64 `json:"target_value"`
	TradeAmount   float64 `json:"trade_amount"`
}

// AbsTradeAmount returns the unsigned dollar value of the instruction.
func (p PlanItem) AbsTradeAmount() float64 {
	if p.TradeAmount < 0 {
		return -p.TradeAmount
	}
	return p.TradeAmount
}

// RebalancePlan is an ordered list of plan items for one rebalancing run.
type RebalancePlan struct {
	ID        string     `json:"id"`
	Items     []PlanItem `json:"items"`
	CreatedAt time.Time  `json:"created_at"`
}

// Partition splits the plan's items by action, preserving order within each
// bucket.
func (p RebalancePlan) Partition() (sells, buys, holds []PlanItem) {
	for _, item := range p.Items {
		switch item.Action {
		case ActionSell:
			sells = append(sells, item)
		case ActionBuy:
			buys = append(buys, item)
		default:
			holds = append(holds, item)
		}
	}
	return sells, buys, holds
}
