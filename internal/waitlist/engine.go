// Package waitlist reconciles waitlist offers and cooldowns.
//
// The engine is stateless between calls. Every status change is a
// compare-and-swap on the row's current status, so overlapping invocations
// (two cron ticks, two replicas) are safe without locks: the loser sees zero
// affected rows and moves on.
package waitlist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"salon-waitlist/internal/models"
)

// DefaultMaxRows bounds a batch when the caller passes a non-positive limit.
const DefaultMaxRows = 100

// DefaultProcessorName is recorded on reactivation events.
const DefaultProcessorName = "waitlist-reconciler"

// Engine runs the offer expiry and cooldown reactivation batches.
type Engine struct {
	store     Store
	policies  PolicyResolver
	notifier  Notifier
	retries   ChainRetryScheduler
	clock     func() time.Time
	newID     func() string
	logger    *slog.Logger
	processor string
}

// Option configures the Engine.
type Option func(*Engine)

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithProcessorName sets the name recorded on lifecycle events.
func WithProcessorName(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.processor = name
		}
	}
}

// WithChainRetries queues slots whose chaining failed.
func WithChainRetries(s ChainRetryScheduler) Option {
	return func(e *Engine) {
		e.retries = s
	}
}

// WithIDGenerator sets the lifecycle event id generator.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		e.newID = gen
	}
}

// New builds an engine. notifier may be nil, in which case freed slots are
// not chained.
func New(st Store, policies PolicyResolver, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		policies:  policies,
		notifier:  notifier,
		clock:     time.Now,
		newID:     func() string { return uuid.New().String() },
		logger:    slog.Default(),
		processor: DefaultProcessorName,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessorName returns the name recorded on lifecycle events.
func (e *Engine) ProcessorName() string {
	return e.processor
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// resolvePolicy returns the effective policy. A missing policy means defaults;
// a resolver error is returned so the caller can leave the row for a later run.
func (e *Engine) resolvePolicy(ctx context.Context, salonID, serviceID string) (Policy, error) {
	if e.policies == nil {
		return DefaultPolicy(), nil
	}
	o, found, err := e.policies.ResolvePolicy(ctx, salonID, serviceID)
	if err != nil {
		return Policy{}, fmt.Errorf("resolve policy salon=%s service=%s: %w", salonID, serviceID, err)
	}
	if !found {
		return DefaultPolicy(), nil
	}
	return EffectivePolicy(o), nil
}

// recordTransition appends the audit row for a transition that already
// happened. Failures are logged and swallowed: the row state is the source of
// truth, not the log.
func (e *Engine) recordTransition(ctx context.Context, entryID, salonID, from, to, reason string, meta map[string]any, at time.Time) {
	ev := models.LifecycleEvent{
		ID:              e.newID(),
		WaitlistEntryID: entryID,
		SalonID:         salonID,
		FromStatus:      from,
		ToStatus:        to,
		Reason:          reason,
		Metadata:        meta,
		CreatedAt:       at,
	}
	if err := e.store.AppendLifecycleEvent(ctx, ev); err != nil {
		e.logger.Warn("lifecycle event not recorded",
			"entry_id", entryID,
			"from", from,
			"to", to,
			"reason", reason,
			"error", err,
		)
	}
}

// guard runs fn and turns a panic into an error so one bad row cannot take
// the batch down.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func batchSize(maxRows int) int {
	if maxRows <= 0 {
		return DefaultMaxRows
	}
	return maxRows
}
