package audit

import (
	"context"
	"time"

	"courtbook/internal/adapters/storage"
	domain "courtbook/internal/domain/audit"
)

const dateLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLStore implements the audit Store over SQLite or PostgreSQL.
type SQLStore struct {
	db storage.SQLDB
}

// NewSQLStore creates a new audit event store.
func NewSQLStore(db storage.SQLDB) *SQLStore {
	return &SQLStore{db: db}
}

// Save persists an audit event.
// PRE: event.ID is unique
// POST: Event is persisted
func (s *SQLStore) Save(ctx context.Context, e domain.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_event (id, timestamp, category, action, severity, actor_id, actor_role, booking_id, description, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC().Format(dateLayout), string(e.Category), string(e.Action), string(e.Severity),
		e.ActorID, e.ActorRole, e.BookingID, e.Description, e.Metadata)
	return err
}

// List returns events matching filter, newest first.
func (s *SQLStore) List(ctx context.Context, filter Filter, limit int) ([]domain.Event, error) {
	query := `SELECT id, timestamp, category, action, severity, actor_id, actor_role, booking_id, description, metadata FROM audit_event WHERE 1=1`
	var args []any
	if filter.Category != "" {
		query += " AND category = ?"
		args = append(args, string(filter.Category))
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, string(filter.Action))
	}
	if filter.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, filter.ActorID)
	}
	if filter.BookingID != "" {
		query += " AND booking_id = ?"
		args = append(args, filter.BookingID)
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Category, &e.Action, &e.Severity, &e.ActorID, &e.ActorRole,
			&e.BookingID, &e.Description, &e.Metadata); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(dateLayout, ts)
		events = append(events, e)
	}
	return events, rows.Err()
}
