package domain

import "time"

// ExecutionStatus classifies the overall outcome of a workflow run.
type ExecutionStatus string

const (
	ExecutionSuccess          ExecutionStatus = "SUCCESS"
	ExecutionPartialSuccess   ExecutionStatus = "PARTIAL_SUCCESS"
	ExecutionFailure          ExecutionStatus = "FAILURE"
	ExecutionSuccessWithSkips ExecutionStatus = "SUCCESS_WITH_SKIPS"
)

// ExecutionResult is the terminal output of one rebalance workflow run. It is
// immutable once constructed and is the sole artifact the core produces.
type ExecutionResult struct {
	Success         bool              `json:"success"`
	Status          ExecutionStatus   `json:"status"`
	PlanID          string            `json:"plan_id"`
	CorrelationID   string            `json:"correlation_id"`
	Orders          []OrderResult     `json:"orders"`
	OrdersPlaced    int               `json:"orders_placed"`
	OrdersSucceeded int               `json:"orders_succeeded"`
	OrdersSkipped   int               `json:"orders_skipped"`
	TotalTradeValue float64           `json:"total_trade_value"`
	CompletedAt     time.Time         `json:"completed_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}
