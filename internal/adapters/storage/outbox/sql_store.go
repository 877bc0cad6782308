package outbox

import (
	"context"
	"database/sql"
	"time"

	"courtbook/internal/adapters/storage"
	domain "courtbook/internal/domain/outbox"
)

// dateLayout is fixed width so stored timestamps sort lexically.
const dateLayout = "2006-01-02T15:04:05.000000000Z07:00"

const selectColumns = `SELECT id, action_type, payload, status, attempts, max_attempts, last_attempted_at, created_at, external_id, error_message FROM outbox`

// SQLStore implements Store over SQLite or PostgreSQL.
type SQLStore struct {
	db storage.SQLDB
}

// NewSQLStore creates a new outbox store.
func NewSQLStore(db storage.SQLDB) *SQLStore {
	return &SQLStore{db: db}
}

// GetByID retrieves an outbox entry by its ID.
func (s *SQLStore) GetByID(ctx context.Context, id string) (domain.Entry, error) {
	return scanEntry(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
}

// Save inserts or updates an entry.
func (s *SQLStore) Save(ctx context.Context, e domain.Entry) error {
	return SaveWith(ctx, s.db, e)
}

// SaveWith upserts e through q, so callers can enqueue an entry inside
// their own transaction.
// PRE: q rebinds placeholders for its dialect (TimedDB, InTx, or SQLite)
// POST: entry persisted when the surrounding transaction commits
func SaveWith(ctx context.Context, q storage.Querier, e domain.Entry) error {
	lastAttemptedAt := ""
	if !e.LastAttemptedAt.IsZero() {
		lastAttemptedAt = e.LastAttemptedAt.UTC().Format(dateLayout)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO outbox (id, action_type, payload, status, attempts, max_attempts, last_attempted_at, created_at, external_id, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, attempts=excluded.attempts, max_attempts=excluded.max_attempts,
		   last_attempted_at=excluded.last_attempted_at, external_id=excluded.external_id,
		   error_message=excluded.error_message`,
		e.ID, e.ActionType, e.Payload, e.Status, e.Attempts, e.MaxAttempts,
		lastAttemptedAt, e.CreatedAt.UTC().Format(dateLayout), e.ExternalID, e.ErrorMessage)
	return err
}

// ListPending returns pending and retrying entries, oldest first.
func (s *SQLStore) ListPending(ctx context.Context, limit int) ([]domain.Entry, error) {
	return s.query(ctx, selectColumns+` WHERE status IN (?, ?) ORDER BY created_at ASC LIMIT ?`,
		domain.StatusPending, domain.StatusRetrying, limit)
}

// List returns entries of the given status (all when empty), newest first.
func (s *SQLStore) List(ctx context.Context, status string, limit int) ([]domain.Entry, error) {
	if status == "" {
		return s.query(ctx, selectColumns+` ORDER BY created_at DESC LIMIT ?`, limit)
	}
	return s.query(ctx, selectColumns+` WHERE status = ? ORDER BY created_at DESC LIMIT ?`, status, limit)
}

// Delete removes an entry.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	return err
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) ([]domain.Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (domain.Entry, error) {
	var e domain.Entry
	var createdAt, lastAttemptedAt string
	err := row.Scan(&e.ID, &e.ActionType, &e.Payload, &e.Status, &e.Attempts, &e.MaxAttempts,
		&lastAttemptedAt, &createdAt, &e.ExternalID, &e.ErrorMessage)
	if err != nil {
		return domain.Entry{}, err
	}
	e.CreatedAt, _ = time.Parse(dateLayout, createdAt)
	if lastAttemptedAt != "" {
		e.LastAttemptedAt, _ = time.Parse(dateLayout, lastAttemptedAt)
	}
	return e, nil
}

var _ scanner = (*sql.Row)(nil)
