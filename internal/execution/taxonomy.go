// Package execution implements the order execution engine: the order
// lifecycle state machine, pre-trade risk validation, re-peg policy,
// settlement monitoring, order finalization, and the rebalance workflow that
// coordinates a sell-first/settle/buy-second run against a broker.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quantfolio/rebalancer/internal/domain"
)

// ErrorCategory groups error codes by failure domain.
type ErrorCategory string

const (
	CategoryValidation       ErrorCategory = "VALIDATION"
	CategoryLiquidity        ErrorCategory = "LIQUIDITY"
	CategoryRiskManagement   ErrorCategory = "RISK_MANAGEMENT"
	CategoryMarketConditions ErrorCategory = "MARKET_CONDITIONS"
	CategorySystem           ErrorCategory = "SYSTEM"
	CategoryConnectivity     ErrorCategory = "CONNECTIVITY"
	CategoryAuthorization    ErrorCategory = "AUTHORIZATION"
	CategoryConfiguration    ErrorCategory = "CONFIGURATION"
)

// ErrorCode is a closed enum of specific failure conditions. Every code maps
// to exactly one category and one retryability flag.
type ErrorCode string

const (
	CodeInvalidSymbol     ErrorCode = "INVALID_SYMBOL"
	CodeInvalidQuantity   ErrorCode = "INVALID_QUANTITY"
	CodeInvalidPrice      ErrorCode = "INVALID_PRICE"
	CodeLowLiquidity      ErrorCode = "LOW_LIQUIDITY"
	CodeBuyingPower       ErrorCode = "BUYING_POWER_EXCEEDED"
	CodeConcentration     ErrorCode = "CONCENTRATION_LIMIT"
	CodeNotionalLimit     ErrorCode = "NOTIONAL_LIMIT"
	CodeWideSpread        ErrorCode = "WIDE_SPREAD"
	CodeMarketClosed      ErrorCode = "MARKET_CLOSED"
	CodeInternal          ErrorCode = "INTERNAL"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeConnectionLost    ErrorCode = "CONNECTION_LOST"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeBrokerUnavailable ErrorCode = "BROKER_UNAVAILABLE"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeBadConfig         ErrorCode = "BAD_CONFIG"
)

// codeCategories maps every code to its single category.
var codeCategories = map[ErrorCode]ErrorCategory{
	CodeInvalidSymbol:     CategoryValidation,
	CodeInvalidQuantity:   CategoryValidation,
	CodeInvalidPrice:      CategoryValidation,
	CodeLowLiquidity:      CategoryLiquidity,
	CodeBuyingPower:       CategoryRiskManagement,
	CodeConcentration:     CategoryRiskManagement,
	CodeNotionalLimit:     CategoryRiskManagement,
	CodeWideSpread:        CategoryMarketConditions,
	CodeMarketClosed:      CategoryMarketConditions,
	CodeInternal:          CategorySystem,
	CodeTimeout:           CategorySystem,
	CodeConnectionLost:    CategoryConnectivity,
	CodeRateLimited:       CategoryConnectivity,
	CodeBrokerUnavailable: CategoryConnectivity,
	CodeUnauthorized:      CategoryAuthorization,
	CodeBadConfig:         CategoryConfiguration,
}

// codeRetryable maps every code to its fixed retryability flag. Timeouts,
// rate limits, connection loss, wide spread, and low liquidity are
// retryable; validation, risk, and authorization failures are not.
var codeRetryable = map[ErrorCode]bool{
	CodeInvalidSymbol:     false,
	CodeInvalidQuantity:   false,
	CodeInvalidPrice:      false,
	CodeLowLiquidity:      true,
	CodeBuyingPower:       false,
	CodeConcentration:     false,
	CodeNotionalLimit:     false,
	CodeWideSpread:        true,
	CodeMarketClosed:      true,
	CodeInternal:          false,
	CodeTimeout:           true,
	CodeConnectionLost:    true,
	CodeRateLimited:       true,
	CodeBrokerUnavailable: true,
	CodeUnauthorized:      false,
	CodeBadConfig:         false,
}

// codeActions suggests a remediation per code, surfaced in logs and alerts.
var codeActions = map[ErrorCode]string{
	CodeInvalidSymbol:     "check the symbol against the broker's asset list",
	CodeInvalidQuantity:   "supply a positive quantity or notional",
	CodeInvalidPrice:      "supply a limit price near the current quote",
	CodeLowLiquidity:      "retry later or reduce order size",
	CodeBuyingPower:       "reduce order size or wait for settlement",
	CodeConcentration:     "reduce target weight for this symbol",
	CodeNotionalLimit:     "split the order or raise the per-order ceiling",
	CodeWideSpread:        "wait for the spread to tighten",
	CodeMarketClosed:      "retry during market hours",
	CodeInternal:          "inspect logs and report the failure",
	CodeTimeout:           "retry with a longer timeout",
	CodeConnectionLost:    "retry; check broker connectivity",
	CodeRateLimited:       "back off and retry",
	CodeBrokerUnavailable: "retry; check broker status page",
	CodeUnauthorized:      "check API credentials",
	CodeBadConfig:         "fix configuration and restart",
}

// OrderError is a structured, classified execution error. It is immutable
// once created.
type OrderError struct {
	Code            ErrorCode
	Category        ErrorCategory
	Message         string
	Detail          map[string]any
	Timestamp       time.Time
	Retryable       bool
	SuggestedAction string
}

// Error implements the error interface.
func (e *OrderError) Error() string {
	return fmt.Sprintf("%s [%s]: %s", e.Code, e.Category, e.Message)
}

// NewOrderError builds an OrderError for a known code. Unknown codes fall
// back to the SYSTEM/INTERNAL classification.
func NewOrderError(code ErrorCode, message string, detail map[string]any) *OrderError {
	category, ok := codeCategories[code]
	if !ok {
		code = CodeInternal
		category = CategorySystem
	}
	return &OrderError{
		Code:            code,
		Category:        category,
		Message:         message,
		Detail:          detail,
		Timestamp:       time.Now().UTC(),
		Retryable:       codeRetryable[code],
		SuggestedAction: codeActions[code],
	}
}

// Classify maps an arbitrary error onto the taxonomy. Errors that already
// carry a classification pass through unchanged.
func Classify(err error) *OrderError {
	if err == nil {
		return nil
	}

	var oe *OrderError
	if errors.As(err, &oe) {
		return oe
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewOrderError(CodeTimeout, err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, domain.ErrContextDone):
		return NewOrderError(CodeTimeout, err.Error(), nil)
	case errors.Is(err, domain.ErrRateLimited):
		return NewOrderError(CodeRateLimited, err.Error(), nil)
	case errors.Is(err, domain.ErrUnauthorized):
		return NewOrderError(CodeUnauthorized, err.Error(), nil)
	case errors.Is(err, domain.ErrBrokerUnavailable):
		return NewOrderError(CodeBrokerUnavailable, err.Error(), nil)
	case errors.Is(err, domain.ErrStreamDisconnect):
		return NewOrderError(CodeConnectionLost, err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidOrder):
		return NewOrderError(CodeInvalidQuantity, err.Error(), nil)
	default:
		return NewOrderError(CodeInternal, err.Error(), nil)
	}
}
