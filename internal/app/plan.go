package app

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/quantfolio/rebalancer/internal/domain"
)

// LoadPlan reads a rebalance plan document from disk. The file is the JSON
// form of domain.RebalancePlan; a missing id or timestamp is filled in so
// ad-hoc plans written by hand still work.
func LoadPlan(path string) (domain.RebalancePlan, error) {
	if path == "" {
		return domain.RebalancePlan{}, fmt.Errorf("plan: no plan file given")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.RebalancePlan{}, fmt.Errorf("plan: read %s: %w", path, err)
	}

	var plan domain.RebalancePlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return domain.RebalancePlan{}, fmt.Errorf("plan: parse %s: %w", path, err)
	}

	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}

	if err := checkPlan(plan); err != nil {
		return domain.RebalancePlan{}, fmt.Errorf("plan: %s: %w", path, err)
	}
	return plan, nil
}

// checkPlan rejects structurally unusable plans before any broker call is
// made.
func checkPlan(plan domain.RebalancePlan) error {
	if len(plan.Items) == 0 {
		return fmt.Errorf("plan has no items")
	}
	seen := make(map[string]bool, len(plan.Items))
	for i, item := range plan.Items {
		if item.Symbol == "" {
			return fmt.Errorf("item %d: empty symbol", i)
		}
		if seen[item.Symbol] {
			return fmt.Errorf("item %d: duplicate symbol %s", i, item.Symbol)
		}
		seen[item.Symbol] = true

		switch item.Action {
		case domain.ActionBuy, domain.ActionSell, domain.ActionHold:
		default:
			return fmt.Errorf("item %d (%s): unknown action %q", i, item.Symbol, item.Action)
		}
		if item.Action != domain.ActionHold && item.AbsTradeAmount() <= 0 && item.TargetWeight != 0 {
			return fmt.Errorf("item %d (%s): %s with no trade amount", i, item.Symbol, item.Action)
		}
	}
	return nil
}
