package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"salon-waitlist/internal/config"
	"salon-waitlist/internal/models"
)

// ChainRetry is a freed slot whose next-candidate notification failed and is
// waiting for another attempt.
type ChainRetry struct {
	ID         string             `json:"id"`
	Slot       models.SlotRelease `json:"slot"`
	Attempts   int                `json:"attempts"`
	LastError  string             `json:"last_error,omitempty"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
}

// ChainQueue keeps chain retries in Redis: a scheduled set scored by due
// time, an in-flight set scored by lease deadline, and one payload per retry.
type ChainQueue struct {
	client        *redis.Client
	scheduledKey  string
	inflightKey   string
	payloadPrefix string
	dlqKey        string
	leaseTTL      time.Duration
	now           func() time.Time
}

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewChainQueue wraps an existing client. An empty dlqKey uses the default.
func NewChainQueue(client *redis.Client, dlqKey string) *ChainQueue {
	if dlqKey == "" {
		dlqKey = "waitlist:chain:dlq"
	}
	return &ChainQueue{
		client:        client,
		scheduledKey:  "waitlist:chain:scheduled",
		inflightKey:   "waitlist:chain:inflight",
		payloadPrefix: "waitlist:chain:retry:",
		dlqKey:        dlqKey,
		leaseTTL:      time.Minute,
		now:           time.Now,
	}
}

// WithClock replaces the time source. It returns the queue for chaining.
func (q *ChainQueue) WithClock(now func() time.Time) *ChainQueue {
	q.now = now
	return q
}

func (q *ChainQueue) payloadKey(id string) string {
	return q.payloadPrefix + id
}

// ScheduleChainRetry queues a slot for an immediate retry by the next drain.
// A slot carrying an offer id is keyed by it, so queueing the same release
// twice leaves one retry.
func (q *ChainQueue) ScheduleChainRetry(ctx context.Context, slot models.SlotRelease) error {
	now := q.now().UTC()
	id := slot.OfferID
	if id == "" {
		id = uuid.New().String()
	}
	return q.Schedule(ctx, ChainRetry{
		ID:         id,
		Slot:       slot,
		EnqueuedAt: now,
	}, now)
}

// Schedule stores the retry payload and makes it due at runAt. A retry that
// was in flight is released.
func (q *ChainQueue) Schedule(ctx context.Context, r ChainRetry, runAt time.Time) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal chain retry: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.payloadKey(r.ID), payload, 0)
	pipe.ZRem(ctx, q.inflightKey, r.ID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: r.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule chain retry: %w", err)
	}
	return nil
}

// ClaimDue atomically moves up to limit due retries into flight and returns
// them. Claimed retries must be acked, rescheduled or dead-lettered before
// the lease runs out, otherwise RequeueExpired hands them out again.
func (q *ChainQueue) ClaimDue(ctx context.Context, limit int64) ([]ChainRetry, error) {
	now := q.now()
	res, err := claimScript.Run(ctx, q.client, []string{q.scheduledKey, q.inflightKey},
		now.UnixMilli(), limit, now.Add(q.leaseTTL).UnixMilli()).Result()
	if err != nil {
		return nil, fmt.Errorf("claim chain retries: %w", err)
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(raw))
	pipe := q.client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(raw))
	for _, v := range raw {
		id, ok := v.(string)
		if !ok {
			continue
		}
		ids = append(ids, id)
		cmds = append(cmds, pipe.Get(ctx, q.payloadKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load chain retries: %w", err)
	}

	out := make([]ChainRetry, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			// payload gone, nothing to retry
			q.client.ZRem(ctx, q.inflightKey, ids[i])
			continue
		}
		var r ChainRetry
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode chain retry %s: %w", ids[i], err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Ack drops a retry that succeeded.
func (q *ChainQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.payloadKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired makes retries whose lease ran out due again. It returns how
// many were reclaimed.
func (q *ChainQueue) RequeueExpired(ctx context.Context, limit int64) (int, error) {
	now := q.now()
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DeadLetter gives up on a retry and appends it to the dead-letter list.
func (q *ChainQueue) DeadLetter(ctx context.Context, r ChainRetry) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal chain retry: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, r.ID)
	pipe.ZRem(ctx, q.scheduledKey, r.ID)
	pipe.Del(ctx, q.payloadKey(r.ID))
	pipe.RPush(ctx, q.dlqKey, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter chain retry: %w", err)
	}
	return nil
}

// DLQPeek reads the oldest dead-lettered retries.
func (q *ChainQueue) DLQPeek(ctx context.Context, count int64) ([]ChainRetry, error) {
	items, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ChainRetry, 0, len(items))
	for _, item := range items {
		var r ChainRetry
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Depth returns how many retries are scheduled or in flight.
func (q *ChainQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	scheduled := pipe.ZCard(ctx, q.scheduledKey)
	inflight := pipe.ZCard(ctx, q.inflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return scheduled.Val() + inflight.Val(), nil
}

// Ping checks connectivity.
func (q *ChainQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[3], id)
end
return ids
`)
