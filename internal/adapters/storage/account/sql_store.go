package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"courtbook/internal/adapters/storage"
	domain "courtbook/internal/domain/account"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const selectAccount = "SELECT id, email, password_hash, role, created_at, failed_logins, locked_until FROM account"

// SQLStore implements Store over SQLite or PostgreSQL.
type SQLStore struct {
	db storage.SQLDB
}

// NewSQLStore creates a new account store.
func NewSQLStore(db storage.SQLDB) *SQLStore {
	return &SQLStore{db: db}
}

// GetByID retrieves an Account by its ID.
// PRE: id is non-empty
// POST: Returns the entity or ErrNotFound
func (s *SQLStore) GetByID(ctx context.Context, id string) (domain.Account, error) {
	return s.get(ctx, selectAccount+" WHERE id = ?", id)
}

// GetByEmail retrieves an Account by email, case-insensitively.
// PRE: email is non-empty
// POST: Returns the entity or ErrNotFound
func (s *SQLStore) GetByEmail(ctx context.Context, email string) (domain.Account, error) {
	return s.get(ctx, selectAccount+" WHERE email = ?", normalizeEmail(email))
}

func (s *SQLStore) get(ctx context.Context, query string, arg string) (domain.Account, error) {
	entity, err := scanAccount(s.db.QueryRowContext(ctx, query, arg).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("%w: %s", ErrNotFound, arg)
	}
	return entity, err
}

// Save persists an Account to the database.
// PRE: entity has been validated
// POST: Entity is persisted (insert or update)
func (s *SQLStore) Save(ctx context.Context, entity domain.Account) error {
	fields := []string{"id", "email", "password_hash", "role", "created_at", "failed_logins", "locked_until"}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(fields)), ", ")
	updates := []string{
		"email=excluded.email",
		"password_hash=excluded.password_hash",
		"role=excluded.role",
		"failed_logins=excluded.failed_logins",
		"locked_until=excluded.locked_until",
	}
	query := fmt.Sprintf(
		"INSERT INTO account (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		strings.Join(fields, ", "),
		placeholders,
		strings.Join(updates, ", "),
	)

	lockedUntil := ""
	if !entity.LockedUntil.IsZero() {
		lockedUntil = entity.LockedUntil.UTC().Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx, query,
		entity.ID,
		normalizeEmail(entity.Email),
		entity.PasswordHash,
		entity.Role,
		entity.CreatedAt.UTC().Format(timeLayout),
		entity.FailedLogins,
		lockedUntil,
	)
	return err
}

// Count returns the total number of accounts.
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM account").Scan(&count)
	return count, err
}

// scanAccount extracts an Account from a row scanner function.
func scanAccount(scan func(dest ...any) error) (domain.Account, error) {
	var entity domain.Account
	var createdAt, lockedUntil string
	err := scan(
		&entity.ID,
		&entity.Email,
		&entity.PasswordHash,
		&entity.Role,
		&createdAt,
		&entity.FailedLogins,
		&lockedUntil,
	)
	if err != nil {
		return domain.Account{}, err
	}
	entity.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	if lockedUntil != "" {
		entity.LockedUntil, _ = time.Parse(timeLayout, lockedUntil)
	}
	return entity, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
