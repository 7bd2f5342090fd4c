package waitlist

import (
	"context"
	"time"

	"salon-waitlist/internal/models"
)

// OfferStore reads timed-out offers and closes them.
type OfferStore interface {
	// ListExpiredOffers returns pending offers with token_expires_at <= now,
	// oldest expiry first, at most limit rows.
	ListExpiredOffers(ctx context.Context, now time.Time, limit int) ([]models.WaitlistOffer, error)
	// ExpireOffer moves a pending offer to expired. It reports false when the
	// offer was no longer pending.
	ExpireOffer(ctx context.Context, offerID string, respondedAt time.Time) (bool, error)
}

// OfferTimeouts is implemented by stores that can expire an offer and put its
// entry into cooldown atomically. The engine prefers it over the two separate
// writes, so a failed cooldown write cannot close an offer on its own.
type OfferTimeouts interface {
	// TimeOutOffer reports false, changing nothing, when the offer was no
	// longer pending.
	TimeOutOffer(ctx context.Context, offerID string, respondedAt time.Time, entryID string, change models.CooldownChange) (bool, error)
}

// EntryStore reads and transitions waitlist entries.
type EntryStore interface {
	GetEntry(ctx context.Context, id string) (models.WaitlistEntry, bool, error)
	ApplyCooldown(ctx context.Context, id string, change models.CooldownChange) error
	// ListReactivatableEntries returns cooldown entries with cooldown_until <= now,
	// earliest first, at most limit rows.
	ListReactivatableEntries(ctx context.Context, now time.Time, limit int) ([]models.WaitlistEntry, error)
	// ReactivateEntry moves a cooldown entry back to waiting. It reports false
	// when the entry was no longer in cooldown.
	ReactivateEntry(ctx context.Context, id string) (bool, error)
}

// LifecycleLog is the append-only audit sink.
type LifecycleLog interface {
	AppendLifecycleEvent(ctx context.Context, ev models.LifecycleEvent) error
}

// Store is everything the engine reads and writes.
type Store interface {
	OfferStore
	EntryStore
	LifecycleLog
}

// PolicyResolver looks up the cooldown policy for a salon service. found is
// false when no policy is configured.
type PolicyResolver interface {
	ResolvePolicy(ctx context.Context, salonID, serviceID string) (models.PolicyOverride, bool, error)
}

// Notifier offers a freed slot to the next eligible waiting entry.
type Notifier interface {
	HandleCancellation(ctx context.Context, slot models.SlotRelease) (bool, error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, slot models.SlotRelease) (bool, error)

func (f NotifierFunc) HandleCancellation(ctx context.Context, slot models.SlotRelease) (bool, error) {
	return f(ctx, slot)
}

// ChainRetryScheduler queues a slot whose chaining failed for a later attempt.
type ChainRetryScheduler interface {
	ScheduleChainRetry(ctx context.Context, slot models.SlotRelease) error
}
