package audit

import (
	"context"

	domain "courtbook/internal/domain/audit"
)

// Store defines the interface for audit event persistence.
type Store interface {
	// Save persists an audit event.
	Save(ctx context.Context, event domain.Event) error

	// List returns events matching filter, newest first.
	// PRE: limit > 0
	List(ctx context.Context, filter Filter, limit int) ([]domain.Event, error)
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Category  domain.Category
	Action    domain.Action
	ActorID   string
	BookingID string
}

// Ensure SQLStore implements Store interface.
var _ Store = (*SQLStore)(nil)
