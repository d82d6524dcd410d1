package composer

import "fmt"

// Diff describes the effect of a prospective slot upgrade, without
// mutating the strategy.
type Diff struct {
	Strategy    string
	Slot        string
	FromVersion string
	ToVersion   string
	Valid       bool
	Errors      []string
}

// PreviewUpgrade checks whether swapping a slot's single bound
// component version would succeed, without applying it.
func (c *Composer) PreviewUpgrade(strategyName, slot, newVersionID string) (Diff, error) {
	strategy, ok := c.Get(strategyName)
	if !ok {
		return Diff{}, fmt.Errorf("composer: unknown strategy %q", strategyName)
	}

	binding, ok := strategy.binding(slot)
	if !ok {
		return Diff{}, fmt.Errorf("composer: strategy %q has no slot %q", strategyName, slot)
	}

	from := ""
	if len(binding.VersionIDs) > 0 {
		from = binding.VersionIDs[0]
	}

	diff := Diff{Strategy: strategyName, Slot: slot, FromVersion: from, ToVersion: newVersionID}

	newComp, ok := c.registry.Find(newVersionID)
	if !ok {
		diff.Errors = append(diff.Errors, fmt.Sprintf("unknown component %q", newVersionID))
		return diff, nil
	}
	if string(newComp.Metadata().Type) != slot {
		diff.Errors = append(diff.Errors, fmt.Sprintf("component %q has type %q, slot is %q", newVersionID, newComp.Metadata().Type, slot))
		return diff, nil
	}
	if valid, errs := newComp.ValidateConfig(strategy.Config); !valid {
		diff.Errors = append(diff.Errors, errs...)
		return diff, nil
	}

	diff.Valid = true
	return diff, nil
}

// Upgrade applies a single-slot component swap after re-running the
// same checks PreviewUpgrade performs.
func (c *Composer) Upgrade(strategyName, slot, newVersionID string) error {
	diff, err := c.PreviewUpgrade(strategyName, slot, newVersionID)
	if err != nil {
		return err
	}
	if !diff.Valid {
		return fmt.Errorf("composer: upgrade rejected: %v", diff.Errors)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	strategy := c.strategies[strategyName]
	for i, sl := range strategy.Slots {
		if sl.Slot == slot {
			strategy.Slots[i].VersionIDs = []string{newVersionID}
			return nil
		}
	}
	return fmt.Errorf("composer: slot %q vanished during upgrade", slot)
}

// BatchUpgradeItem is one requested slot upgrade within a batch.
type BatchUpgradeItem struct {
	Strategy     string
	Slot         string
	NewVersionID string
}

// BatchUpgradeResult reports one item's outcome.
type BatchUpgradeResult struct {
	Item  BatchUpgradeItem
	Error error
}

// BatchUpgrade applies every item independently; a failure on one
// item never aborts the rest of the batch.
func (c *Composer) BatchUpgrade(items []BatchUpgradeItem) []BatchUpgradeResult {
	results := make([]BatchUpgradeResult, 0, len(items))
	for _, item := range items {
		err := c.Upgrade(item.Strategy, item.Slot, item.NewVersionID)
		results = append(results, BatchUpgradeResult{Item: item, Error: err})
	}
	return results
}
