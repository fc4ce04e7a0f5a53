package execution

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/rebalancer/internal/domain"
)

func TestEveryCodeHasCategoryAndAction(t *testing.T) {
	codes := []ErrorCode{
		CodeInvalidSymbol, CodeInvalidQuantity, CodeInvalidPrice,
		CodeLowLiquidity, CodeBuyingPower, CodeConcentration,
		CodeNotionalLimit, CodeWideSpread, CodeMarketClosed,
		CodeInternal, CodeTimeout, CodeConnectionLost,
		CodeRateLimited, CodeBrokerUnavailable, CodeUnauthorized, CodeBadConfig,
	}
	for _, code := range codes {
		assert.Contains(t, codeCategories, code)
		assert.Contains(t, codeRetryable, code)
		assert.Contains(t, codeActions, code)
	}
}

func TestRetryability(t *testing.T) {
	assert.True(t, NewOrderError(CodeTimeout, "t", nil).Retryable)
	assert.True(t, NewOrderError(CodeRateLimited, "t", nil).Retryable)
	assert.True(t, NewOrderError(CodeConnectionLost, "t", nil).Retryable)
	assert.True(t, NewOrderError(CodeWideSpread, "t", nil).Retryable)
	assert.True(t, NewOrderError(CodeLowLiquidity, "t", nil).Retryable)

	assert.False(t, NewOrderError(CodeBuyingPower, "t", nil).Retryable)
	assert.False(t, NewOrderError(CodeInvalidSymbol, "t", nil).Retryable)
	assert.False(t, NewOrderError(CodeUnauthorized, "t", nil).Retryable)
	assert.False(t, NewOrderError(CodeInternal, "t", nil).Retryable)
}

func TestNewOrderErrorUnknownCodeFallsBack(t *testing.T) {
	oe := NewOrderError(ErrorCode("NO_SUCH_CODE"), "mystery", nil)
	assert.Equal(t, CodeInternal, oe.Code)
	assert.Equal(t, CategorySystem, oe.Category)
}

func TestClassifySentinels(t *testing.T) {
	cases := []struct {
		err  error
		code ErrorCode
	}{
		{context.DeadlineExceeded, CodeTimeout},
		{context.Canceled, CodeTimeout},
		{domain.ErrRateLimited, CodeRateLimited},
		{domain.ErrUnauthorized, CodeUnauthorized},
		{domain.ErrBrokerUnavailable, CodeBrokerUnavailable},
		{domain.ErrStreamDisconnect, CodeConnectionLost},
		{domain.ErrInvalidOrder, CodeInvalidQuantity},
		{errors.New("who knows"), CodeInternal},
	}
	for _, tc := range cases {
		oe := Classify(tc.err)
		require.NotNil(t, oe)
		assert.Equalf(t, tc.code, oe.Code, "classify %v", tc.err)
	}
}

func TestClassifyWrappedSentinel(t *testing.T) {
	wrapped := fmt.Errorf("broker: place: %w", domain.ErrRateLimited)
	assert.Equal(t, CodeRateLimited, Classify(wrapped).Code)
}

func TestClassifyPassthrough(t *testing.T) {
	orig := NewOrderError(CodeWideSpread, "spread blew out", nil)
	wrapped := fmt.Errorf("phase: %w", orig)
	assert.Same(t, orig, Classify(wrapped))
	assert.Nil(t, Classify(nil))
}

func TestOrderErrorMessage(t *testing.T) {
	oe := NewOrderError(CodeBuyingPower, "insufficient funds", nil)
	assert.Equal(t, "BUYING_POWER_EXCEEDED [RISK_MANAGEMENT]: insufficient funds", oe.Error())
	assert.NotEmpty(t, oe.SuggestedAction)
	assert.False(t, oe.Timestamp.IsZero())
}
