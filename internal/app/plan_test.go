package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/rebalancer/internal/domain"
)

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPlanFillsDefaults(t *testing.T) {
	path := writePlan(t, `{
		"items": [
			{"symbol": "AAPL", "action": "SELL", "trade_amount": -1000},
			{"symbol": "VTI", "action": "BUY", "trade_amount": 1000},
			{"symbol": "BND", "action": "HOLD"}
		]
	}`)

	plan, err := LoadPlan(path)
	require.NoError(t, err)
	assert.NotEmpty(t, plan.ID)
	assert.False(t, plan.CreatedAt.IsZero())
	assert.Len(t, plan.Items, 3)

	sells, buys, holds := plan.Partition()
	assert.Len(t, sells, 1)
	assert.Len(t, buys, 1)
	assert.Len(t, holds, 1)
}

func TestLoadPlanRejectsBadPlans(t *testing.T) {
	cases := map[string]string{
		"no items":         `{"items": []}`,
		"empty symbol":     `{"items": [{"symbol": "", "action": "BUY", "trade_amount": 10}]}`,
		"duplicate symbol": `{"items": [{"symbol": "AAPL", "action": "BUY", "trade_amount": 10}, {"symbol": "AAPL", "action": "SELL", "trade_amount": -10}]}`,
		"unknown action":   `{"items": [{"symbol": "AAPL", "action": "SHORT", "trade_amount": 10}]}`,
		"zero amount buy":  `{"items": [{"symbol": "AAPL", "action": "BUY", "trade_amount": 0, "target_weight": 0.5}]}`,
		"not json":         `plan?`,
	}
	for name, content := range cases {
		_, err := LoadPlan(writePlan(t, content))
		assert.Error(t, err, name)
	}
}

func TestLoadPlanAllowsFullLiquidation(t *testing.T) {
	// A sell-to-zero may carry no trade amount; the executor sizes it from
	// the live position instead.
	path := writePlan(t, `{
		"items": [{"symbol": "AAPL", "action": "SELL", "trade_amount": 0, "target_weight": 0}]
	}`)

	plan, err := LoadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionSell, plan.Items[0].Action)
}

func TestLoadPlanMissingFile(t *testing.T) {
	_, err := LoadPlan(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)

	_, err = LoadPlan("")
	assert.Error(t, err)
}
