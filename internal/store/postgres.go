package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"salon-waitlist/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

const offerColumns = `id, salon_id, waitlist_entry_id, service_id, employee_id,
	to_char(slot_date, 'YYYY-MM-DD'), to_char(slot_start, 'HH24:MI'), to_char(slot_end, 'HH24:MI'),
	status, token_expires_at, responded_at, response_channel, created_at`

const entryColumns = `id, salon_id, service_id, customer_id, status, decline_count,
	cooldown_reason, cooldown_until, created_at, updated_at`

// ListExpiredOffers returns pending offers whose token expired at or before now, oldest first.
func (s *Store) ListExpiredOffers(ctx context.Context, now time.Time, limit int) ([]models.WaitlistOffer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+offerColumns+`
		FROM waitlist_offers
		WHERE status = $1 AND token_expires_at <= $2
		ORDER BY token_expires_at ASC
		LIMIT $3
	`, models.OfferPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired offers: %w", err)
	}
	defer rows.Close()

	var out []models.WaitlistOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired offers: %w", err)
	}
	return out, nil
}

const expireOfferSQL = `
	UPDATE waitlist_offers
	SET status = $2, responded_at = $3, response_channel = $4
	WHERE id = $1 AND status = $5`

const applyCooldownSQL = `
	UPDATE waitlist_entries
	SET status = $2, decline_count = GREATEST(decline_count, $3), cooldown_reason = $4, cooldown_until = $5, updated_at = NOW()
	WHERE id = $1`

// ExpireOffer closes a pending offer on behalf of the system. It reports
// false when the offer had already left pending.
func (s *Store) ExpireOffer(ctx context.Context, offerID string, respondedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, expireOfferSQL, offerID, models.OfferExpired, respondedAt, models.ResponseChannelSystem, models.OfferPending)
	if err != nil {
		return false, fmt.Errorf("expire offer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetOffer fetches an offer by id.
func (s *Store) GetOffer(ctx context.Context, id string) (models.WaitlistOffer, bool, error) {
	o, err := scanOffer(s.pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM waitlist_offers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WaitlistOffer{}, false, nil
	}
	if err != nil {
		return models.WaitlistOffer{}, false, err
	}
	return o, true, nil
}

// GetEntry fetches an entry by id.
func (s *Store) GetEntry(ctx context.Context, id string) (models.WaitlistEntry, bool, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM waitlist_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WaitlistEntry{}, false, nil
	}
	if err != nil {
		return models.WaitlistEntry{}, false, err
	}
	return e, true, nil
}

// ApplyCooldown puts an entry into cooldown. decline_count never moves backwards.
func (s *Store) ApplyCooldown(ctx context.Context, id string, change models.CooldownChange) error {
	tag, err := s.pool.Exec(ctx, applyCooldownSQL, id, models.EntryCooldown, change.DeclineCount, change.Reason, change.CooldownUntil)
	if err != nil {
		return fmt.Errorf("apply cooldown: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("apply cooldown: entry %s not found", id)
	}
	return nil
}

// TimeOutOffer expires a pending offer and puts its entry into cooldown in
// one transaction. It reports false, changing nothing, when the offer was no
// longer pending. Any error leaves both rows untouched.
func (s *Store) TimeOutOffer(ctx context.Context, offerID string, respondedAt time.Time, entryID string, change models.CooldownChange) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin offer timeout: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, expireOfferSQL, offerID, models.OfferExpired, respondedAt, models.ResponseChannelSystem, models.OfferPending)
	if err != nil {
		return false, fmt.Errorf("expire offer: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	tag, err = tx.Exec(ctx, applyCooldownSQL, entryID, models.EntryCooldown, change.DeclineCount, change.Reason, change.CooldownUntil)
	if err != nil {
		return false, fmt.Errorf("apply cooldown: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, fmt.Errorf("apply cooldown: entry %s not found", entryID)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit offer timeout: %w", err)
	}
	return true, nil
}

// ListReactivatableEntries returns cooldown entries due at or before now, earliest first.
func (s *Store) ListReactivatableEntries(ctx context.Context, now time.Time, limit int) ([]models.WaitlistEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE status = $1 AND cooldown_until <= $2
		ORDER BY cooldown_until ASC
		LIMIT $3
	`, models.EntryCooldown, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query cooldown entries: %w", err)
	}
	defer rows.Close()

	var out []models.WaitlistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cooldown entries: %w", err)
	}
	return out, nil
}

// ReactivateEntry returns a cooldown entry to waiting. It reports false when
// the entry was no longer in cooldown.
func (s *Store) ReactivateEntry(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE waitlist_entries
		SET status = $2, cooldown_until = NULL, cooldown_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.EntryWaiting, models.EntryCooldown)
	if err != nil {
		return false, fmt.Errorf("reactivate entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendLifecycleEvent adds an audit row.
func (s *Store) AppendLifecycleEvent(ctx context.Context, ev models.LifecycleEvent) error {
	meta, err := marshalMetadata(ev.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO waitlist_lifecycle_events (id, waitlist_entry_id, salon_id, from_status, to_status, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, ev.WaitlistEntryID, ev.SalonID, ev.FromStatus, ev.ToStatus, ev.Reason, meta, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert lifecycle event: %w", err)
	}
	return nil
}

// ListLifecycleEvents returns the audit trail of an entry, oldest first.
func (s *Store) ListLifecycleEvents(ctx context.Context, entryID string) ([]models.LifecycleEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, waitlist_entry_id, salon_id, from_status, to_status, reason, metadata, created_at
		FROM waitlist_lifecycle_events
		WHERE waitlist_entry_id = $1
		ORDER BY created_at ASC, id ASC
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("query lifecycle events: %w", err)
	}
	defer rows.Close()

	var out []models.LifecycleEvent
	for rows.Next() {
		var ev models.LifecycleEvent
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.WaitlistEntryID, &ev.SalonID, &ev.FromStatus, &ev.ToStatus, &ev.Reason, &meta, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lifecycle event: %w", err)
		}
		if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ResolvePolicy returns the cooldown policy of a salon service. A row for the
// exact service wins over the salon-wide row (service_id = '').
func (s *Store) ResolvePolicy(ctx context.Context, salonID, serviceID string) (models.PolicyOverride, bool, error) {
	var o models.PolicyOverride
	err := s.pool.QueryRow(ctx, `
		SELECT salon_id, service_id, cooldown_minutes, passive_decline_threshold, passive_cooldown_minutes
		FROM waitlist_cooldown_policies
		WHERE salon_id = $1 AND (service_id = $2 OR service_id = '')
		ORDER BY (service_id = '') ASC
		LIMIT 1
	`, salonID, serviceID).Scan(&o.SalonID, &o.ServiceID, &o.CooldownMinutes, &o.PassiveDeclineThreshold, &o.PassiveCooldownMinutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PolicyOverride{}, false, nil
	}
	if err != nil {
		return models.PolicyOverride{}, false, fmt.Errorf("query cooldown policy: %w", err)
	}
	return o, true, nil
}

// UpsertPolicy creates or replaces a cooldown policy row.
func (s *Store) UpsertPolicy(ctx context.Context, p models.PolicyOverride) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO waitlist_cooldown_policies (salon_id, service_id, cooldown_minutes, passive_decline_threshold, passive_cooldown_minutes, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (salon_id, service_id) DO UPDATE
		SET cooldown_minutes = EXCLUDED.cooldown_minutes,
			passive_decline_threshold = EXCLUDED.passive_decline_threshold,
			passive_cooldown_minutes = EXCLUDED.passive_cooldown_minutes,
			updated_at = NOW()
	`, p.SalonID, p.ServiceID, p.CooldownMinutes, p.PassiveDeclineThreshold, p.PassiveCooldownMinutes)
	if err != nil {
		return fmt.Errorf("upsert cooldown policy: %w", err)
	}
	return nil
}

// InsertEntry adds a waitlist entry.
func (s *Store) InsertEntry(ctx context.Context, e models.WaitlistEntry) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO waitlist_entries (id, salon_id, service_id, customer_id, status, decline_count, cooldown_reason, cooldown_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, e.ID, e.SalonID, e.ServiceID, e.CustomerID, e.Status, e.DeclineCount, e.CooldownReason, e.CooldownUntil, now)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// InsertOffer adds a waitlist offer.
func (s *Store) InsertOffer(ctx context.Context, o models.WaitlistOffer) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO waitlist_offers (id, salon_id, waitlist_entry_id, service_id, employee_id, slot_date, slot_start, slot_end, status, token_expires_at, responded_at, response_channel, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, o.ID, o.SalonID, o.WaitlistEntryID, o.ServiceID, o.EmployeeID, o.SlotDate, o.SlotStart, o.SlotEnd, o.Status, o.TokenExpiresAt, o.RespondedAt, o.ResponseChannel, now)
	if err != nil {
		return fmt.Errorf("insert offer: %w", err)
	}
	return nil
}

func scanOffer(row pgx.Row) (models.WaitlistOffer, error) {
	var o models.WaitlistOffer
	var responded pgtype.Timestamptz
	var channel pgtype.Text
	if err := row.Scan(&o.ID, &o.SalonID, &o.WaitlistEntryID, &o.ServiceID, &o.EmployeeID, &o.SlotDate, &o.SlotStart, &o.SlotEnd,
		&o.Status, &o.TokenExpiresAt, &responded, &channel, &o.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WaitlistOffer{}, err
		}
		return models.WaitlistOffer{}, fmt.Errorf("scan offer: %w", err)
	}
	o.RespondedAt = timestampPtr(responded)
	o.ResponseChannel = textPtr(channel)
	return o, nil
}

func scanEntry(row pgx.Row) (models.WaitlistEntry, error) {
	var e models.WaitlistEntry
	var reason pgtype.Text
	var until pgtype.Timestamptz
	if err := row.Scan(&e.ID, &e.SalonID, &e.ServiceID, &e.CustomerID, &e.Status, &e.DeclineCount,
		&reason, &until, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WaitlistEntry{}, err
		}
		return models.WaitlistEntry{}, fmt.Errorf("scan entry: %w", err)
	}
	e.CooldownReason = textPtr(reason)
	e.CooldownUntil = timestampPtr(until)
	return e, nil
}

func marshalMetadata(meta map[string]any) ([]byte, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timestampPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}
