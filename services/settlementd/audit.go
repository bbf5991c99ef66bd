package settlementd

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// Settlement actions recorded per order. Each action runs at most once per
// order: referral crediting is additionally bounded by the referee usage
// flag, credit deduction only by this record.
const (
	ActionReferralCredit  = "referral_credit"
	ActionCreditDeduction = "credit_deduction"
)

// Terminal statuses for a settlement action.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// AuditStore persists settlement outcomes and the notification outbox.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore opens (or creates) the audit database.
func NewAuditStore(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &AuditStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *AuditStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settlements (
            order_id TEXT NOT NULL,
            action TEXT NOT NULL,
            status TEXT NOT NULL,
            detail TEXT,
            created_at TIMESTAMP NOT NULL,
            PRIMARY KEY (order_id, action)
        );`,
		`CREATE TABLE IF NOT EXISTS notification_events (
            id TEXT PRIMARY KEY,
            referrer_id TEXT NOT NULL,
            referrer_name TEXT NOT NULL,
            credit_amount TEXT NOT NULL,
            order_reference TEXT NOT NULL,
            status TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL,
            acked_at TIMESTAMP
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *AuditStore) Close() error { return s.db.Close() }

// ActionDone reports whether the action already reached a terminal outcome
// (completed or deliberately skipped) for the order. Failed attempts are not
// terminal; redelivery may retry them.
func (s *AuditStore) ActionDone(ctx context.Context, orderID, action string) (bool, error) {
	const query = `SELECT status FROM settlements WHERE order_id = ? AND action = ?`
	row := s.db.QueryRowContext(ctx, query, orderID, action)
	var status string
	err := row.Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == StatusCompleted || status == StatusSkipped, nil
}

// RecordAction stores (or overwrites) the action's outcome for the order.
func (s *AuditStore) RecordAction(ctx context.Context, orderID, action, status, detail string) error {
	const stmt = `INSERT OR REPLACE INTO settlements(order_id, action, status, detail, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, orderID, action, status, detail, time.Now().UTC())
	return err
}

// NotificationEvent is a notification-trigger event for the external
// messaging collaborator: "tell this referrer they earned credit".
type NotificationEvent struct {
	ID             string    `json:"id"`
	ReferrerID     string    `json:"referrer_id"`
	ReferrerName   string    `json:"referrer_display_name"`
	CreditAmount   string    `json:"credit_amount"`
	OrderReference string    `json:"order_reference"`
	CreatedAt      time.Time `json:"created_at"`
}

// InsertNotification appends a pending notification event to the outbox.
func (s *AuditStore) InsertNotification(ctx context.Context, event NotificationEvent) error {
	const stmt = `INSERT INTO notification_events(id, referrer_id, referrer_name, credit_amount, order_reference, status, created_at) VALUES (?, ?, ?, ?, ?, 'pending', ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		event.ID, event.ReferrerID, event.ReferrerName, event.CreditAmount,
		event.OrderReference, event.CreatedAt.UTC())
	return err
}

// PendingNotifications lists unacknowledged notification events, oldest first.
func (s *AuditStore) PendingNotifications(ctx context.Context, limit int) ([]NotificationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, referrer_id, referrer_name, credit_amount, order_reference, created_at
        FROM notification_events WHERE status = 'pending' ORDER BY created_at ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []NotificationEvent
	for rows.Next() {
		var event NotificationEvent
		if err := rows.Scan(&event.ID, &event.ReferrerID, &event.ReferrerName,
			&event.CreditAmount, &event.OrderReference, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// AckNotification marks a notification event as delivered. It reports false
// when no pending event with that id exists.
func (s *AuditStore) AckNotification(ctx context.Context, id string) (bool, error) {
	const stmt = `UPDATE notification_events SET status = 'acked', acked_at = ? WHERE id = ? AND status = 'pending'`
	result, err := s.db.ExecContext(ctx, stmt, time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
