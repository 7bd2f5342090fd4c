package worker

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"salon-waitlist/internal/config"
	"salon-waitlist/internal/queue"
	"salon-waitlist/internal/report"
	"salon-waitlist/internal/telemetry"
	"salon-waitlist/internal/waitlist"
)

// Batcher runs the two reconciliation batches.
type Batcher interface {
	ProcessExpiredOffers(ctx context.Context, maxRows int) waitlist.OfferExpiryResult
	ReactivateCooldownEntries(ctx context.Context, maxRows int) waitlist.ReactivationResult
	ProcessorName() string
}

// RetryQueue is the chain-retry schedule drained by the worker.
type RetryQueue interface {
	ClaimDue(ctx context.Context, limit int64) ([]queue.ChainRetry, error)
	Ack(ctx context.Context, id string) error
	Schedule(ctx context.Context, r queue.ChainRetry, runAt time.Time) error
	DeadLetter(ctx context.Context, r queue.ChainRetry) error
	RequeueExpired(ctx context.Context, limit int64) (int, error)
	Depth(ctx context.Context) (int64, error)
}

// ReportWriter stores run reports.
type ReportWriter interface {
	Write(ctx context.Context, r report.Run) (string, error)
}

// DrainResult summarises one chain-retry drain.
type DrainResult struct {
	Succeeded    int `json:"succeeded"`
	Rescheduled  int `json:"rescheduled"`
	DeadLettered int `json:"dead_lettered"`
	Errors       int `json:"errors"`
}

// Processor drives the batch cadences of the worker.
type Processor struct {
	cfg      config.Config
	engine   Batcher
	retries  RetryQueue
	notifier waitlist.Notifier
	reports  ReportWriter
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor wires the worker. retries, notifier and reports may be nil.
func NewProcessor(cfg config.Config, engine Batcher, retries RetryQueue, notifier waitlist.Notifier, reports ReportWriter, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		engine:   engine,
		retries:  retries,
		notifier: notifier,
		reports:  reports,
		logger:   logger,
		now:      time.Now,
	}
}

// Run ticks each batch on its own interval until ctx is cancelled. A
// non-positive interval disables that batch.
func (p *Processor) Run(ctx context.Context) error {
	expire, stopExpire := ticker(p.cfg.ExpireInterval)
	defer stopExpire()
	reactivate, stopReactivate := ticker(p.cfg.ReactivateInterval)
	defer stopReactivate()
	var drain <-chan time.Time
	stopDrain := func() {}
	if p.retries != nil && p.notifier != nil {
		drain, stopDrain = ticker(p.cfg.ChainRetryInterval)
	}
	defer stopDrain()

	p.logger.Info("worker started",
		"processor", p.engine.ProcessorName(),
		"expire_interval", p.cfg.ExpireInterval,
		"reactivate_interval", p.cfg.ReactivateInterval,
		"chain_retry_interval", p.cfg.ChainRetryInterval,
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-expire:
			p.RunExpireOffers(ctx, p.cfg.OfferBatchSize)
		case <-reactivate:
			p.RunReactivate(ctx, p.cfg.ReactivateBatchSize)
		case <-drain:
			p.DrainChainRetries(ctx)
		}
	}
}

func ticker(every time.Duration) (<-chan time.Time, func()) {
	if every <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(every)
	return t.C, t.Stop
}

// RunExpireOffers runs one expiry batch with metrics and a run report.
func (p *Processor) RunExpireOffers(ctx context.Context, maxRows int) waitlist.OfferExpiryResult {
	started := p.now()
	res := p.engine.ProcessExpiredOffers(ctx, maxRows)
	finished := p.now()
	telemetry.ObserveOfferExpiry(res, finished.Sub(started))
	p.logger.Info("offer expiry batch finished",
		"processed", res.Processed,
		"chained", res.Chained,
		"errors", res.Errors,
		"took", finished.Sub(started),
	)
	p.writeReport(ctx, telemetry.JobExpireOffers, started, finished, res)
	return res
}

// RunReactivate runs one reactivation batch with metrics and a run report.
func (p *Processor) RunReactivate(ctx context.Context, maxRows int) waitlist.ReactivationResult {
	started := p.now()
	res := p.engine.ReactivateCooldownEntries(ctx, maxRows)
	finished := p.now()
	telemetry.ObserveReactivation(res, finished.Sub(started))
	p.logger.Info("cooldown reactivation batch finished",
		"reactivated", res.Reactivated,
		"errors", res.Errors,
		"took", finished.Sub(started),
	)
	p.writeReport(ctx, telemetry.JobReactivate, started, finished, res)
	return res
}

// DrainChainRetries re-sends due chain retries to the candidate service.
// Failed attempts back off exponentially until ChainMaxAttempts, then the
// retry is dead-lettered.
func (p *Processor) DrainChainRetries(ctx context.Context) DrainResult {
	var res DrainResult
	if p.retries == nil || p.notifier == nil {
		return res
	}
	started := p.now()

	if n, err := p.retries.RequeueExpired(ctx, 100); err != nil {
		p.logger.Warn("requeue expired chain retries failed", "error", err)
	} else if n > 0 {
		p.logger.Info("reclaimed chain retries", "count", n)
	}

	batch := p.cfg.OfferBatchSize
	if batch <= 0 {
		batch = waitlist.DefaultMaxRows
	}
	due, err := p.retries.ClaimDue(ctx, int64(batch))
	if err != nil {
		p.logger.Warn("claim chain retries failed", "error", err)
		res.Errors++
		return res
	}

	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		notified, err := p.notifier.HandleCancellation(ctx, r.Slot)
		if err == nil {
			if ackErr := p.retries.Ack(ctx, r.ID); ackErr != nil {
				p.logger.Warn("ack chain retry failed", "retry_id", r.ID, "error", ackErr)
			}
			telemetry.ChainRetrySucceeded.Inc()
			res.Succeeded++
			p.logger.Debug("chain retry delivered", "retry_id", r.ID, "notified", notified)
			continue
		}

		r.Attempts++
		r.LastError = err.Error()
		if r.Attempts >= p.maxAttempts() {
			if dlqErr := p.retries.DeadLetter(ctx, r); dlqErr != nil {
				p.logger.Error("dead-letter chain retry failed", "retry_id", r.ID, "error", dlqErr)
				res.Errors++
				continue
			}
			telemetry.ChainRetryDead.Inc()
			res.DeadLettered++
			p.logger.Warn("chain retry dead-lettered", "retry_id", r.ID, "salon_id", r.Slot.SalonID, "attempts", r.Attempts, "error", err)
			continue
		}

		next := p.now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, r.Attempts))
		if schedErr := p.retries.Schedule(ctx, r, next); schedErr != nil {
			p.logger.Error("reschedule chain retry failed", "retry_id", r.ID, "error", schedErr)
			res.Errors++
			continue
		}
		telemetry.ChainRetryScheduled.Inc()
		res.Rescheduled++
	}

	if depth, err := p.retries.Depth(ctx); err == nil {
		telemetry.ChainRetryDepth.Set(float64(depth))
	}
	if len(due) > 0 {
		p.writeReport(ctx, telemetry.JobChainRetries, started, p.now(), res)
	}
	return res
}

func (p *Processor) maxAttempts() int {
	if p.cfg.ChainMaxAttempts <= 0 {
		return 5
	}
	return p.cfg.ChainMaxAttempts
}

// writeReport is best effort.
func (p *Processor) writeReport(ctx context.Context, job string, started, finished time.Time, result any) {
	if p.reports == nil {
		return
	}
	run := report.Run{
		RunID:      uuid.New().String(),
		Job:        job,
		Processor:  p.engine.ProcessorName(),
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
		Result:     result,
	}
	if _, err := p.reports.Write(ctx, run); err != nil {
		p.logger.Warn("run report not written", "job", job, "run_id", run.RunID, "error", err)
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
