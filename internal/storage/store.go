// Package storage is the durable local store backing the evidence
// queue and the crash-recovery snapshot of the active event. It must
// survive process termination, so everything lives in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"detentiond/internal/model"
)

// Queue item states. An item only moves pending -> in_flight ->
// {delivered | pending} and reaches dead solely by exhausting its
// delivery attempts.
const (
	StatePending  = "pending"
	StateInFlight = "in_flight"
	StateDead     = "dead"
)

type Store struct {
	db *sql.DB

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// Item is one queued GPS sample with its delivery metadata.
type Item struct {
	ID            int64
	EventID       string
	EntryID       string
	Lat           float64
	Lng           float64
	Accuracy      float64
	CapturedAt    time.Time
	State         string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	EnqueuedAt    time.Time
}

// ActiveEvent is the persisted snapshot the controller needs to
// rebuild its timer state after a restart.
type ActiveEvent struct {
	UserID        string
	EventID       string
	FacilityID    string
	LoadReference string
	EventType     string
	ArrivalTime   time.Time
	GraceMinutes  int
	HourlyRate    float64
	Notes         string
}

// PendingFinalization is a completed event whose remote patch has not
// been acknowledged yet. It survives restarts so the computed amount is
// never lost to an outage.
type PendingFinalization struct {
	UserID           string
	EventID          string
	DepartureTime    time.Time
	DetentionStart   *time.Time
	DetentionMinutes int
	TotalAmount      float64
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY under concurrent drains and keeps :memory:
	// databases shared across callers.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS evidence_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL,
	entry_id TEXT NOT NULL UNIQUE,
	lat REAL NOT NULL,
	lng REAL NOT NULL,
	accuracy REAL NOT NULL DEFAULT 0,
	captured_at INTEGER NOT NULL,
	state TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	enqueued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_queue_state ON evidence_queue (state, event_id, id);
CREATE TABLE IF NOT EXISTS active_event (
	user_id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL,
	facility_id TEXT NOT NULL DEFAULT '',
	load_reference TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	arrival_time INTEGER NOT NULL,
	grace_minutes INTEGER NOT NULL,
	hourly_rate REAL NOT NULL,
	notes TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS pending_finalization (
	user_id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL,
	departure_time INTEGER NOT NULL,
	detention_start INTEGER,
	detention_minutes INTEGER NOT NULL,
	total_amount REAL NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Append persists one sample at the tail of its event's queue.
func (s *Store) Append(ctx context.Context, entry model.GpsLogEntry) error {
	if entry.EntryID == "" {
		return errors.New("entry id required")
	}
	if entry.DetentionEventID == "" {
		return errors.New("event id required")
	}
	if entry.Timestamp.IsZero() {
		return errors.New("entry timestamp required")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO evidence_queue (event_id, entry_id, lat, lng, accuracy, captured_at, state, enqueued_at)
VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)
`, entry.DetentionEventID, entry.EntryID, entry.Lat, entry.Lng, entry.Accuracy, entry.Timestamp.Unix(), s.now().Unix())
	return err
}

// ClaimBatch picks the event whose oldest pending item is due, marks
// all of that event's pending items in_flight, and returns them in
// enqueue order. It returns sql.ErrNoRows when nothing is due. The
// head item gates the whole event so a backed-off head can never be
// overtaken by a fresher sample of the same event.
func (s *Store) ClaimBatch(ctx context.Context, now time.Time) ([]Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `
SELECT event_id
FROM evidence_queue q
WHERE state = 'pending'
AND id = (
	SELECT MIN(id) FROM evidence_queue
	WHERE state = 'pending' AND event_id = q.event_id
)
AND next_attempt_at <= ?
ORDER BY id
LIMIT 1
`, now.Unix())
	var eventID string
	if err := row.Scan(&eventID); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
SELECT id, event_id, entry_id, lat, lng, accuracy, captured_at, attempts, next_attempt_at, last_error, enqueued_at
FROM evidence_queue
WHERE state = 'pending' AND event_id = ?
ORDER BY id
`, eventID)
	if err != nil {
		return nil, err
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
UPDATE evidence_queue SET state = 'in_flight' WHERE id = ?
`, item.ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for i := range items {
		items[i].State = StateInFlight
	}
	return items, nil
}

// MarkDelivered evicts acknowledged items from the queue.
func (s *Store) MarkDelivered(ctx context.Context, ids []int64) error {
	return s.each(ctx, ids, `DELETE FROM evidence_queue WHERE id = ?`)
}

// MarkRetry returns items to pending with an incremented attempt count
// and the next attempt time.
func (s *Store) MarkRetry(ctx context.Context, ids []int64, lastError string, nextAttempt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
UPDATE evidence_queue
SET state = 'pending', attempts = attempts + 1, next_attempt_at = ?, last_error = ?
WHERE id = ?
`, nextAttempt.Unix(), lastError, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkDead parks items that exhausted their attempts. Dead items stay
// in the store until the caller discards or re-enqueues them.
func (s *Store) MarkDead(ctx context.Context, ids []int64, lastError string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
UPDATE evidence_queue
SET state = 'dead', attempts = attempts + 1, last_error = ?
WHERE id = ?
`, lastError, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RequeueDead puts a dead item back into rotation with a fresh attempt
// budget.
func (s *Store) RequeueDead(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE evidence_queue
SET state = 'pending', attempts = 0, next_attempt_at = 0, last_error = ''
WHERE id = ? AND state = 'dead'
`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DiscardDead deletes a dead item for good.
func (s *Store) DiscardDead(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM evidence_queue WHERE id = ? AND state = 'dead'
`, id)
	return err
}

// RequeueInFlight sweeps items stranded in_flight by a crash back to
// pending. Run once at startup, before any drain.
func (s *Store) RequeueInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE evidence_queue SET state = 'pending' WHERE state = 'in_flight'
`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountPending counts items still owed to the remote store, including
// any currently in flight.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	return s.countStates(ctx, StatePending, StateInFlight)
}

func (s *Store) CountDead(ctx context.Context) (int, error) {
	return s.countStates(ctx, StateDead)
}

func (s *Store) countStates(ctx context.Context, states ...string) (int, error) {
	total := 0
	for _, state := range states {
		row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM evidence_queue WHERE state = ?
`, state)
		var count int
		if err := row.Scan(&count); err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

// DeadLetters returns the parked items, oldest first.
func (s *Store) DeadLetters(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, event_id, entry_id, lat, lng, accuracy, captured_at, attempts, next_attempt_at, last_error, enqueued_at
FROM evidence_queue
WHERE state = 'dead'
ORDER BY id
`)
	if err != nil {
		return nil, err
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].State = StateDead
	}
	return items, nil
}

func (s *Store) SaveActiveEvent(ctx context.Context, ev ActiveEvent) error {
	if ev.UserID == "" {
		return errors.New("user id required")
	}
	if ev.EventID == "" {
		return errors.New("event id required")
	}
	if ev.ArrivalTime.IsZero() {
		return errors.New("arrival time required")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO active_event (user_id, event_id, facility_id, load_reference, event_type, arrival_time, grace_minutes, hourly_rate, notes)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	event_id = excluded.event_id,
	facility_id = excluded.facility_id,
	load_reference = excluded.load_reference,
	event_type = excluded.event_type,
	arrival_time = excluded.arrival_time,
	grace_minutes = excluded.grace_minutes,
	hourly_rate = excluded.hourly_rate,
	notes = excluded.notes
`, ev.UserID, ev.EventID, ev.FacilityID, ev.LoadReference, ev.EventType, ev.ArrivalTime.Unix(), ev.GraceMinutes, ev.HourlyRate, ev.Notes)
	return err
}

func (s *Store) LoadActiveEvent(ctx context.Context, userID string) (ActiveEvent, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT event_id, facility_id, load_reference, event_type, arrival_time, grace_minutes, hourly_rate, notes
FROM active_event
WHERE user_id = ?
`, userID)
	ev := ActiveEvent{UserID: userID}
	var arrival int64
	if err := row.Scan(&ev.EventID, &ev.FacilityID, &ev.LoadReference, &ev.EventType, &arrival, &ev.GraceMinutes, &ev.HourlyRate, &ev.Notes); err != nil {
		return ActiveEvent{}, err
	}
	ev.ArrivalTime = time.Unix(arrival, 0)
	return ev, nil
}

func (s *Store) ClearActiveEvent(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM active_event WHERE user_id = ?
`, userID)
	return err
}

// SavePendingFinalization records a completed event whose remote patch
// is still owed. It replaces any earlier record for the user.
func (s *Store) SavePendingFinalization(ctx context.Context, pf PendingFinalization) error {
	if pf.UserID == "" {
		return errors.New("user id required")
	}
	if pf.EventID == "" {
		return errors.New("event id required")
	}

	var detentionStart sql.NullInt64
	if pf.DetentionStart != nil {
		detentionStart = sql.NullInt64{Int64: pf.DetentionStart.Unix(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO pending_finalization (user_id, event_id, departure_time, detention_start, detention_minutes, total_amount)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	event_id = excluded.event_id,
	departure_time = excluded.departure_time,
	detention_start = excluded.detention_start,
	detention_minutes = excluded.detention_minutes,
	total_amount = excluded.total_amount
`, pf.UserID, pf.EventID, pf.DepartureTime.Unix(), detentionStart, pf.DetentionMinutes, pf.TotalAmount)
	return err
}

func (s *Store) LoadPendingFinalization(ctx context.Context, userID string) (PendingFinalization, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT event_id, departure_time, detention_start, detention_minutes, total_amount
FROM pending_finalization
WHERE user_id = ?
`, userID)

	pf := PendingFinalization{UserID: userID}
	var departure int64
	var detentionStart sql.NullInt64
	if err := row.Scan(&pf.EventID, &departure, &detentionStart, &pf.DetentionMinutes, &pf.TotalAmount); err != nil {
		return PendingFinalization{}, err
	}
	pf.DepartureTime = time.Unix(departure, 0)
	if detentionStart.Valid {
		ts := time.Unix(detentionStart.Int64, 0)
		pf.DetentionStart = &ts
	}
	return pf, nil
}

func (s *Store) ClearPendingFinalization(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM pending_finalization WHERE user_id = ?
`, userID)
	return err
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) each(ctx context.Context, ids []int64, query string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var capturedAt, nextAttempt, enqueuedAt int64
		if err := rows.Scan(&item.ID, &item.EventID, &item.EntryID, &item.Lat, &item.Lng, &item.Accuracy, &capturedAt, &item.Attempts, &nextAttempt, &item.LastError, &enqueuedAt); err != nil {
			return nil, err
		}
		item.CapturedAt = time.Unix(capturedAt, 0)
		item.NextAttemptAt = time.Unix(nextAttempt, 0)
		item.EnqueuedAt = time.Unix(enqueuedAt, 0)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
