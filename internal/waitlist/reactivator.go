package waitlist

import (
	"context"
	"fmt"

	"salon-waitlist/internal/models"
)

// ReactivationResult aggregates one ReactivateCooldownEntries call.
type ReactivationResult struct {
	Reactivated int `json:"reactivated"`
	Errors      int `json:"errors"`
}

// ReactivateCooldownEntries returns entries whose cooldown has elapsed to
// waiting, earliest cooldown_until first. It does not notify anyone; the entry
// simply becomes eligible for future slot matching.
func (e *Engine) ReactivateCooldownEntries(ctx context.Context, maxRows int) ReactivationResult {
	var res ReactivationResult
	now := e.now()

	entries, err := e.store.ListReactivatableEntries(ctx, now, batchSize(maxRows))
	if err != nil {
		e.logger.Warn("cooldown entries query failed", "error", err)
		return ReactivationResult{Errors: 1}
	}

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("reactivation batch interrupted", "remaining", len(entries)-i, "error", err)
			break
		}

		var applied bool
		err := guard(func() error {
			var err error
			applied, err = e.store.ReactivateEntry(ctx, entry.ID)
			if err != nil {
				return fmt.Errorf("reactivate entry %s: %w", entry.ID, err)
			}
			return nil
		})
		if err != nil {
			res.Errors++
			e.logger.Error("cooldown reactivation failed", "entry_id", entry.ID, "error", err)
			continue
		}
		if !applied {
			e.logger.Debug("entry left cooldown elsewhere", "entry_id", entry.ID)
			continue
		}

		e.recordTransition(ctx, entry.ID, entry.SalonID, models.EntryCooldown, models.EntryWaiting, models.ReasonCooldownReactivated, map[string]any{
			"processor": e.processor,
		}, now)
		res.Reactivated++
	}

	return res
}
