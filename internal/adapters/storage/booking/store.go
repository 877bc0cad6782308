package booking

import (
	"context"
	"errors"

	domain "courtbook/internal/domain/booking"
	"courtbook/internal/domain/outbox"
)

// Store-level errors. The scheduling service turns both into a
// *domain.ConcurrencyError and rebuilds its slot index.
var (
	// ErrOverlap means the store found a scheduled overlap the caller did not expect.
	ErrOverlap = errors.New("store rejected overlapping booking")
	// ErrStaleVersion means the row changed since the caller read it.
	ErrStaleVersion = errors.New("booking version is stale")
)

// Filter selects bookings for List. Zero values match everything;
// cancelled bookings are excluded unless IncludeCancelled is set.
type Filter struct {
	DateFrom         string // inclusive, YYYY-MM-DD
	DateTo           string // inclusive, YYYY-MM-DD
	Resource         string
	Kind             string
	IncludeCancelled bool
}

// Store persists bookings and their per-resource slots.
type Store interface {
	// GetByID returns the booking, cancelled or not.
	// POST: *domain.NotFoundError when no row exists
	GetByID(ctx context.Context, id string) (domain.Booking, error)

	// List returns bookings matching f ordered by date, start time, id.
	List(ctx context.Context, f Filter) ([]domain.Booking, error)

	// ListScheduled returns every scheduled booking; used to build the slot index.
	ListScheduled(ctx context.Context) ([]domain.Booking, error)

	// Create inserts b and the given outbox entries in one transaction.
	// POST: ErrOverlap if a scheduled booking already occupies one of b's slots
	Create(ctx context.Context, b domain.Booking, events ...outbox.Entry) error

	// Update replaces the stored row when its version is still prevVersion.
	// POST: ErrStaleVersion when the version moved, ErrOverlap on a slot clash
	Update(ctx context.Context, b domain.Booking, prevVersion int, events ...outbox.Entry) error
}

// Ensure SQLStore implements Store interface.
var _ Store = (*SQLStore)(nil)
