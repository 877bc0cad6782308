package booking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"courtbook/internal/adapters/storage"
	outboxStore "courtbook/internal/adapters/storage/outbox"
	domain "courtbook/internal/domain/booking"
	"courtbook/internal/domain/outbox"
)

// dateLayout is fixed width so stored timestamps sort lexically.
const dateLayout = "2006-01-02T15:04:05.000000000Z07:00"

// pgExclusionViolation is SQLSTATE exclusion_violation.
const pgExclusionViolation = "23P01"

const selectColumns = `SELECT b.id, b.resources, b.date, b.start_minute, b.duration_minutes, b.kind, b.title, b.coach,
	b.participants, b.description, b.status, b.outreach_ref, b.version, b.created_by, b.created_at, b.updated_at
	FROM booking b`

// SQLStore implements Store over SQLite or PostgreSQL.
type SQLStore struct {
	db storage.SQLDB
}

// NewSQLStore creates a new booking store.
func NewSQLStore(db storage.SQLDB) *SQLStore {
	return &SQLStore{db: db}
}

// GetByID returns the booking, cancelled or not.
// PRE: id is non-empty
// POST: *domain.NotFoundError when no row exists
func (s *SQLStore) GetByID(ctx context.Context, id string) (domain.Booking, error) {
	b, err := scanBooking(s.db.QueryRowContext(ctx, selectColumns+` WHERE b.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Booking{}, &domain.NotFoundError{ID: id}
	}
	return b, err
}

// List returns bookings matching f ordered by date, start time, id.
func (s *SQLStore) List(ctx context.Context, f Filter) ([]domain.Booking, error) {
	query := selectColumns + ` WHERE 1=1`
	var args []any
	if !f.IncludeCancelled {
		query += ` AND b.status = ?`
		args = append(args, domain.StatusScheduled)
	}
	if f.DateFrom != "" {
		query += ` AND b.date >= ?`
		args = append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		query += ` AND b.date <= ?`
		args = append(args, f.DateTo)
	}
	if f.Kind != "" {
		query += ` AND b.kind = ?`
		args = append(args, f.Kind)
	}
	if f.Resource != "" {
		query += ` AND EXISTS (SELECT 1 FROM booking_resource br WHERE br.booking_id = b.id AND br.resource = ?)`
		args = append(args, f.Resource)
	}
	query += ` ORDER BY b.date, b.start_minute, b.id`
	return s.query(ctx, query, args...)
}

// ListScheduled returns every scheduled booking.
func (s *SQLStore) ListScheduled(ctx context.Context) ([]domain.Booking, error) {
	return s.query(ctx, selectColumns+` WHERE b.status = ? ORDER BY b.date, b.start_minute, b.id`, domain.StatusScheduled)
}

// Create inserts b, its slots and events in one transaction.
// Rows are written before the overlap check so SQLite takes its write lock
// first and the check sees every committed writer.
// PRE: b validated, Version == 1
// POST: ErrOverlap if a scheduled booking already occupies one of b's slots
func (s *SQLStore) Create(ctx context.Context, b domain.Booking, events ...outbox.Entry) error {
	participants, err := json.Marshal(nonNil(b.Participants))
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	resources, err := json.Marshal(nonNil(b.Resources))
	if err != nil {
		return fmt.Errorf("encode resources: %w", err)
	}
	return s.inTx(ctx, func(q storage.Querier) error {
		_, err := q.ExecContext(ctx,
			`INSERT INTO booking (id, resources, date, start_minute, duration_minutes, kind, title, coach, participants,
			 description, status, outreach_ref, version, created_by, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, string(resources), b.Date, b.StartMinute, b.DurationMinutes, b.Kind, b.Title, b.Coach,
			string(participants), b.Description, b.Status, b.OutreachRef, b.Version, b.CreatedBy,
			b.CreatedAt.UTC().Format(dateLayout), b.UpdatedAt.UTC().Format(dateLayout))
		if err != nil {
			return fmt.Errorf("insert booking: %w", err)
		}
		if err := writeSlots(ctx, q, b); err != nil {
			return err
		}
		if err := checkOverlap(ctx, q, b); err != nil {
			return err
		}
		return saveEvents(ctx, q, events)
	})
}

// Update replaces the stored row when its version is still prevVersion.
// PRE: b validated, b.Version > prevVersion
// POST: ErrStaleVersion when the version moved, ErrOverlap on a slot clash
func (s *SQLStore) Update(ctx context.Context, b domain.Booking, prevVersion int, events ...outbox.Entry) error {
	participants, err := json.Marshal(nonNil(b.Participants))
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	resources, err := json.Marshal(nonNil(b.Resources))
	if err != nil {
		return fmt.Errorf("encode resources: %w", err)
	}
	return s.inTx(ctx, func(q storage.Querier) error {
		res, err := q.ExecContext(ctx,
			`UPDATE booking SET resources = ?, date = ?, start_minute = ?, duration_minutes = ?, kind = ?, title = ?,
			 coach = ?, participants = ?, description = ?, status = ?, outreach_ref = ?, version = ?, updated_at = ?
			 WHERE id = ? AND version = ?`,
			string(resources), b.Date, b.StartMinute, b.DurationMinutes, b.Kind, b.Title, b.Coach,
			string(participants), b.Description, b.Status, b.OutreachRef, b.Version,
			b.UpdatedAt.UTC().Format(dateLayout), b.ID, prevVersion)
		if err != nil {
			return fmt.Errorf("update booking: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update booking: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s expected version %d", ErrStaleVersion, b.ID, prevVersion)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM booking_resource WHERE booking_id = ?`, b.ID); err != nil {
			return fmt.Errorf("clear slots: %w", err)
		}
		if err := writeSlots(ctx, q, b); err != nil {
			return err
		}
		if b.IsScheduled() {
			if err := checkOverlap(ctx, q, b); err != nil {
				return err
			}
		}
		return saveEvents(ctx, q, events)
	})
}

func (s *SQLStore) inTx(ctx context.Context, fn func(q storage.Querier) error) error {
	err := storage.InTx(ctx, s.db, fn)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgExclusionViolation {
		return fmt.Errorf("%w: %s", ErrOverlap, pgErr.ConstraintName)
	}
	return err
}

func writeSlots(ctx context.Context, q storage.Querier, b domain.Booking) error {
	for _, r := range b.Resources {
		_, err := q.ExecContext(ctx,
			`INSERT INTO booking_resource (booking_id, resource, date, start_minute, end_minute, status) VALUES (?, ?, ?, ?, ?, ?)`,
			b.ID, r, b.Date, b.StartMinute, b.EndMinute(), b.Status)
		if err != nil {
			return fmt.Errorf("insert slot %s: %w", r, err)
		}
	}
	return nil
}

// checkOverlap looks for other scheduled slots on b's resources and date
// that intersect [start, end).
func checkOverlap(ctx context.Context, q storage.Querier, b domain.Booking) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(b.Resources)), ", ")
	args := make([]any, 0, len(b.Resources)+5)
	for _, r := range b.Resources {
		args = append(args, r)
	}
	args = append(args, b.Date, domain.StatusScheduled, b.ID, b.EndMinute(), b.StartMinute)
	rows, err := q.QueryContext(ctx,
		`SELECT DISTINCT booking_id FROM booking_resource
		 WHERE resource IN (`+placeholders+`) AND date = ? AND status = ? AND booking_id <> ?
		   AND start_minute < ? AND end_minute > ?
		 ORDER BY booking_id`, args...)
	if err != nil {
		return fmt.Errorf("overlap check: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("overlap check: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("overlap check: %w", err)
	}
	if len(ids) > 0 {
		return fmt.Errorf("%w: %s overlaps %s", ErrOverlap, b.ID, strings.Join(ids, ", "))
	}
	return nil
}

func saveEvents(ctx context.Context, q storage.Querier, events []outbox.Entry) error {
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("outbox entry %s: %w", e.ID, err)
		}
		if err := outboxStore.SaveWith(ctx, q, e); err != nil {
			return fmt.Errorf("enqueue outbox entry: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]domain.Booking, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(row scanner) (domain.Booking, error) {
	var b domain.Booking
	var resources, participants, createdAt, updatedAt string
	err := row.Scan(&b.ID, &resources, &b.Date, &b.StartMinute, &b.DurationMinutes, &b.Kind, &b.Title, &b.Coach,
		&participants, &b.Description, &b.Status, &b.OutreachRef, &b.Version, &b.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		return domain.Booking{}, err
	}
	if err := json.Unmarshal([]byte(resources), &b.Resources); err != nil {
		return domain.Booking{}, fmt.Errorf("decode resources of %s: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(participants), &b.Participants); err != nil {
		return domain.Booking{}, fmt.Errorf("decode participants of %s: %w", b.ID, err)
	}
	if len(b.Participants) == 0 {
		b.Participants = nil
	}
	b.CreatedAt, _ = time.Parse(dateLayout, createdAt)
	b.UpdatedAt, _ = time.Parse(dateLayout, updatedAt)
	return b, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
