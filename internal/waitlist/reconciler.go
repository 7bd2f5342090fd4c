package waitlist

import (
	"context"
	"fmt"
	"sort"
	"time"

	"salon-waitlist/internal/models"
)

// OfferExpiryResult aggregates one ProcessExpiredOffers call.
type OfferExpiryResult struct {
	Processed int `json:"processed"`
	Chained   int `json:"chained"`
	Errors    int `json:"errors"`
}

// ProcessExpiredOffers expires pending offers whose token has lapsed, puts
// their entries into cooldown and offers each freed slot to the next waiting
// customer. Offers are handled oldest expiry first. Per-row failures are
// counted, never returned; a failed batch fetch reports a single error.
func (e *Engine) ProcessExpiredOffers(ctx context.Context, maxRows int) OfferExpiryResult {
	var res OfferExpiryResult
	now := e.now()

	offers, err := e.store.ListExpiredOffers(ctx, now, batchSize(maxRows))
	if err != nil {
		e.logger.Warn("expired offers query failed", "error", err)
		return OfferExpiryResult{Errors: 1}
	}
	sort.SliceStable(offers, func(i, j int) bool {
		return offers[i].TokenExpiresAt.Before(offers[j].TokenExpiresAt)
	})

	for i, offer := range offers {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("offer expiry batch interrupted", "remaining", len(offers)-i, "error", err)
			break
		}

		var expired bool
		err := guard(func() error {
			var err error
			expired, err = e.expireOffer(ctx, offer, now)
			return err
		})
		if err != nil {
			res.Errors++
			e.logger.Error("offer expiry failed", "offer_id", offer.ID, "entry_id", offer.WaitlistEntryID, "error", err)
			continue
		}
		if !expired {
			continue
		}
		res.Processed++

		var notified bool
		err = guard(func() error {
			var err error
			notified, err = e.chainSlot(ctx, offer)
			return err
		})
		if err != nil {
			res.Errors++
			e.logger.Warn("slot chaining failed", "offer_id", offer.ID, "salon_id", offer.SalonID, "error", err)
			e.scheduleRetry(ctx, offer)
			continue
		}
		if notified {
			res.Chained++
		}
	}

	return res
}

// expireOffer reports true when this call performed the transition. An offer
// another run already closed is a silent skip. An offer whose entry is gone is
// closed without a cooldown so it stops heading every later batch.
func (e *Engine) expireOffer(ctx context.Context, offer models.WaitlistOffer, now time.Time) (bool, error) {
	entry, found, err := e.store.GetEntry(ctx, offer.WaitlistEntryID)
	if err != nil {
		return false, fmt.Errorf("load entry %s: %w", offer.WaitlistEntryID, err)
	}
	if !found {
		closed, err := e.store.ExpireOffer(ctx, offer.ID, now)
		if err != nil {
			e.logger.Warn("orphan offer not closed", "offer_id", offer.ID, "entry_id", offer.WaitlistEntryID, "error", err)
			return false, nil
		}
		e.logger.Debug("offer entry missing, skipping", "offer_id", offer.ID, "entry_id", offer.WaitlistEntryID, "closed", closed)
		return false, nil
	}

	policy, err := e.resolvePolicy(ctx, entry.SalonID, entry.ServiceID)
	if err != nil {
		return false, err
	}
	penalty := policy.PenaltyFor(entry.DeclineCount)
	change := models.CooldownChange{
		DeclineCount:  penalty.DeclineCount,
		Reason:        models.CooldownReasonTimeout,
		CooldownUntil: now.Add(penalty.Duration()),
	}

	applied, err := e.timeOut(ctx, offer.ID, entry.ID, change, now)
	if err != nil {
		return false, err
	}
	if !applied {
		e.logger.Debug("offer already handled", "offer_id", offer.ID)
		return false, nil
	}

	e.recordTransition(ctx, entry.ID, entry.SalonID, models.EntryNotified, models.EntryCooldown, models.ReasonOfferTimeout, map[string]any{
		"offer_id":         offer.ID,
		"passive_applied":  penalty.Passive,
		"cooldown_minutes": penalty.Minutes,
	}, now)
	return true, nil
}

func (e *Engine) timeOut(ctx context.Context, offerID, entryID string, change models.CooldownChange, now time.Time) (bool, error) {
	if tx, ok := e.store.(OfferTimeouts); ok {
		applied, err := tx.TimeOutOffer(ctx, offerID, now, entryID, change)
		if err != nil {
			return false, fmt.Errorf("time out offer %s: %w", offerID, err)
		}
		return applied, nil
	}

	applied, err := e.store.ExpireOffer(ctx, offerID, now)
	if err != nil {
		return false, fmt.Errorf("expire offer %s: %w", offerID, err)
	}
	if !applied {
		return false, nil
	}
	if err := e.store.ApplyCooldown(ctx, entryID, change); err != nil {
		return false, fmt.Errorf("apply cooldown to entry %s: %w", entryID, err)
	}
	return true, nil
}

func (e *Engine) chainSlot(ctx context.Context, offer models.WaitlistOffer) (bool, error) {
	if e.notifier == nil {
		return false, nil
	}
	return e.notifier.HandleCancellation(ctx, offer.Slot())
}

func (e *Engine) scheduleRetry(ctx context.Context, offer models.WaitlistOffer) {
	if e.retries == nil {
		return
	}
	if err := e.retries.ScheduleChainRetry(ctx, offer.Slot()); err != nil {
		e.logger.Warn("chain retry not scheduled", "offer_id", offer.ID, "error", err)
	}
}
