package outbox

import (
	"context"

	domain "courtbook/internal/domain/outbox"
)

// Store defines the interface for outbox entry persistence.
type Store interface {
	// GetByID retrieves an outbox entry by its ID.
	// PRE: id is non-empty
	// POST: Returns the entry or sql.ErrNoRows
	GetByID(ctx context.Context, id string) (domain.Entry, error)

	// Save inserts or updates an entry.
	// PRE: entry has been validated
	Save(ctx context.Context, e domain.Entry) error

	// ListPending returns pending and retrying entries, oldest first.
	// PRE: limit > 0
	ListPending(ctx context.Context, limit int) ([]domain.Entry, error)

	// List returns entries of the given status (all statuses when empty), newest first.
	// PRE: limit > 0
	List(ctx context.Context, status string, limit int) ([]domain.Entry, error)

	// Delete removes an entry.
	Delete(ctx context.Context, id string) error
}

// Ensure SQLStore implements Store interface.
var _ Store = (*SQLStore)(nil)
