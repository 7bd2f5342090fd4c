// Package sqlite is a single-file waitlist store for local runs and tests.
// It applies the same status guards as the Postgres store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"salon-waitlist/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Store persists waitlist rows in SQLite. Timestamps are unix nanoseconds,
// so deadline comparisons see the full time.Time precision.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	// one writer at a time avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db}
	if err := s.RunMigrations(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return nil
}

// RunMigrations applies the embedded schema. It is idempotent.
func (s *Store) RunMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const offerColumns = `id, salon_id, waitlist_entry_id, service_id, employee_id, slot_date, slot_start, slot_end,
	status, token_expires_at, responded_at, response_channel, created_at`

const entryColumns = `id, salon_id, service_id, customer_id, status, decline_count,
	cooldown_reason, cooldown_until, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) ListExpiredOffers(ctx context.Context, now time.Time, limit int) ([]models.WaitlistOffer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM waitlist_offers
		WHERE status = ? AND token_expires_at <= ?
		ORDER BY token_expires_at ASC
		LIMIT ?
	`, models.OfferPending, toNanos(now), limit)
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

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) ExpireOffer(ctx context.Context, offerID string, respondedAt time.Time) (bool, error) {
	return expireOffer(ctx, s.db, offerID, respondedAt)
}

func expireOffer(ctx context.Context, db execer, offerID string, respondedAt time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE waitlist_offers
		SET status = ?, responded_at = ?, response_channel = ?
		WHERE id = ? AND status = ?
	`, models.OfferExpired, toNanos(respondedAt), models.ResponseChannelSystem, offerID, models.OfferPending)
	if err != nil {
		return false, fmt.Errorf("expire offer: %w", err)
	}
	return affectedOne(res)
}

func (s *Store) GetOffer(ctx context.Context, id string) (models.WaitlistOffer, bool, error) {
	o, err := scanOffer(s.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM waitlist_offers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.WaitlistOffer{}, false, nil
	}
	if err != nil {
		return models.WaitlistOffer{}, false, err
	}
	return o, true, nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (models.WaitlistEntry, bool, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM waitlist_entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.WaitlistEntry{}, false, nil
	}
	if err != nil {
		return models.WaitlistEntry{}, false, err
	}
	return e, true, nil
}

func (s *Store) ApplyCooldown(ctx context.Context, id string, change models.CooldownChange) error {
	return applyCooldown(ctx, s.db, id, change)
}

func applyCooldown(ctx context.Context, db execer, id string, change models.CooldownChange) error {
	res, err := db.ExecContext(ctx, `
		UPDATE waitlist_entries
		SET status = ?, decline_count = MAX(decline_count, ?), cooldown_reason = ?, cooldown_until = ?, updated_at = ?
		WHERE id = ?
	`, models.EntryCooldown, change.DeclineCount, change.Reason, toNanos(change.CooldownUntil), toNanos(time.Now()), id)
	if err != nil {
		return fmt.Errorf("apply cooldown: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("apply cooldown: entry %s not found", id)
	}
	return nil
}

// TimeOutOffer expires the offer and cools down its entry in one
// transaction. Nothing changes unless both updates apply.
func (s *Store) TimeOutOffer(ctx context.Context, offerID string, respondedAt time.Time, entryID string, change models.CooldownChange) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin offer timeout: %w", err)
	}
	defer tx.Rollback()

	applied, err := expireOffer(ctx, tx, offerID, respondedAt)
	if err != nil || !applied {
		return false, err
	}
	if err := applyCooldown(ctx, tx, entryID, change); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit offer timeout: %w", err)
	}
	return true, nil
}

func (s *Store) ListReactivatableEntries(ctx context.Context, now time.Time, limit int) ([]models.WaitlistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE status = ? AND cooldown_until IS NOT NULL AND cooldown_until <= ?
		ORDER BY cooldown_until ASC
		LIMIT ?
	`, models.EntryCooldown, toNanos(now), limit)
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

func (s *Store) ReactivateEntry(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE waitlist_entries
		SET status = ?, cooldown_until = NULL, cooldown_reason = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`, models.EntryWaiting, toNanos(time.Now()), id, models.EntryCooldown)
	if err != nil {
		return false, fmt.Errorf("reactivate entry: %w", err)
	}
	return affectedOne(res)
}

func (s *Store) AppendLifecycleEvent(ctx context.Context, ev models.LifecycleEvent) error {
	meta := ev.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO waitlist_lifecycle_events (id, waitlist_entry_id, salon_id, from_status, to_status, reason, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.WaitlistEntryID, ev.SalonID, ev.FromStatus, ev.ToStatus, ev.Reason, string(b), toNanos(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert lifecycle event: %w", err)
	}
	return nil
}

// ListLifecycleEvents returns the audit trail of an entry, oldest first.
func (s *Store) ListLifecycleEvents(ctx context.Context, entryID string) ([]models.LifecycleEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, waitlist_entry_id, salon_id, from_status, to_status, reason, metadata, created_at
		FROM waitlist_lifecycle_events
		WHERE waitlist_entry_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("query lifecycle events: %w", err)
	}
	defer rows.Close()

	var out []models.LifecycleEvent
	for rows.Next() {
		var ev models.LifecycleEvent
		var meta string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.WaitlistEntryID, &ev.SalonID, &ev.FromStatus, &ev.ToStatus, &ev.Reason, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan lifecycle event: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		ev.CreatedAt = fromNanos(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ResolvePolicy prefers the exact service row over the salon-wide row.
func (s *Store) ResolvePolicy(ctx context.Context, salonID, serviceID string) (models.PolicyOverride, bool, error) {
	var o models.PolicyOverride
	var cooldown, threshold, passive sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT salon_id, service_id, cooldown_minutes, passive_decline_threshold, passive_cooldown_minutes
		FROM waitlist_cooldown_policies
		WHERE salon_id = ? AND (service_id = ? OR service_id = '')
		ORDER BY (service_id = '') ASC
		LIMIT 1
	`, salonID, serviceID).Scan(&o.SalonID, &o.ServiceID, &cooldown, &threshold, &passive)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PolicyOverride{}, false, nil
	}
	if err != nil {
		return models.PolicyOverride{}, false, fmt.Errorf("query cooldown policy: %w", err)
	}
	o.CooldownMinutes = intPtr(cooldown)
	o.PassiveDeclineThreshold = intPtr(threshold)
	o.PassiveCooldownMinutes = intPtr(passive)
	return o, true, nil
}

func (s *Store) UpsertPolicy(ctx context.Context, p models.PolicyOverride) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO waitlist_cooldown_policies (salon_id, service_id, cooldown_minutes, passive_decline_threshold, passive_cooldown_minutes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (salon_id, service_id) DO UPDATE
		SET cooldown_minutes = excluded.cooldown_minutes,
			passive_decline_threshold = excluded.passive_decline_threshold,
			passive_cooldown_minutes = excluded.passive_cooldown_minutes,
			updated_at = excluded.updated_at
	`, p.SalonID, p.ServiceID, p.CooldownMinutes, p.PassiveDeclineThreshold, p.PassiveCooldownMinutes, toNanos(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert cooldown policy: %w", err)
	}
	return nil
}

func (s *Store) InsertEntry(ctx context.Context, e models.WaitlistEntry) error {
	now := toNanos(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO waitlist_entries (id, salon_id, service_id, customer_id, status, decline_count, cooldown_reason, cooldown_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.SalonID, e.ServiceID, e.CustomerID, e.Status, e.DeclineCount, e.CooldownReason, nullNanos(e.CooldownUntil), now, now)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (s *Store) InsertOffer(ctx context.Context, o models.WaitlistOffer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO waitlist_offers (id, salon_id, waitlist_entry_id, service_id, employee_id, slot_date, slot_start, slot_end, status, token_expires_at, responded_at, response_channel, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.SalonID, o.WaitlistEntryID, o.ServiceID, o.EmployeeID, o.SlotDate, o.SlotStart, o.SlotEnd, o.Status,
		toNanos(o.TokenExpiresAt), nullNanos(o.RespondedAt), o.ResponseChannel, toNanos(time.Now()))
	if err != nil {
		return fmt.Errorf("insert offer: %w", err)
	}
	return nil
}

func scanOffer(row scanner) (models.WaitlistOffer, error) {
	var o models.WaitlistOffer
	var expires, created int64
	var responded sql.NullInt64
	var channel sql.NullString
	if err := row.Scan(&o.ID, &o.SalonID, &o.WaitlistEntryID, &o.ServiceID, &o.EmployeeID, &o.SlotDate, &o.SlotStart, &o.SlotEnd,
		&o.Status, &expires, &responded, &channel, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.WaitlistOffer{}, err
		}
		return models.WaitlistOffer{}, fmt.Errorf("scan offer: %w", err)
	}
	o.TokenExpiresAt = fromNanos(expires)
	o.CreatedAt = fromNanos(created)
	o.RespondedAt = timePtr(responded)
	o.ResponseChannel = stringPtr(channel)
	return o, nil
}

func scanEntry(row scanner) (models.WaitlistEntry, error) {
	var e models.WaitlistEntry
	var created, updated int64
	var reason sql.NullString
	var until sql.NullInt64
	if err := row.Scan(&e.ID, &e.SalonID, &e.ServiceID, &e.CustomerID, &e.Status, &e.DeclineCount,
		&reason, &until, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.WaitlistEntry{}, err
		}
		return models.WaitlistEntry{}, fmt.Errorf("scan entry: %w", err)
	}
	e.CooldownReason = stringPtr(reason)
	e.CooldownUntil = timePtr(until)
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	return e, nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(ns int64) time.Time { return time.Unix(0, ns).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNanos(v.Int64)
	return &t
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
