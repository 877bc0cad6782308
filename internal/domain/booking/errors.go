package booking

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Every typed error below matches exactly one of these via errors.Is.
var (
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("booking conflict")
	ErrNotFound     = errors.New("booking not found")
	ErrUnauthorized = errors.New("not authorized to modify bookings")
	ErrConcurrency  = errors.New("concurrent modification detected")
)

// ValidationError reports malformed or missing input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError carries every scheduled booking the candidate collides with,
// ordered by resource then start time.
type ConflictError struct {
	Conflicting []Booking
}

func (e *ConflictError) Error() string {
	ids := make([]string, 0, len(e.Conflicting))
	for _, b := range e.Conflicting {
		ids = append(ids, b.ID)
	}
	return fmt.Sprintf("booking conflicts with %d existing booking(s): %s", len(ids), strings.Join(ids, ", "))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// NotFoundError reports a missing or already cancelled booking.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("booking %s not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// AuthorizationError reports a caller whose role may not perform Action.
type AuthorizationError struct {
	Role   string
	Action string
}

func (e *AuthorizationError) Error() string {
	role := e.Role
	if role == "" {
		role = "anonymous"
	}
	return fmt.Sprintf("role %s may not %s bookings", role, e.Action)
}

func (e *AuthorizationError) Is(target error) bool { return target == ErrUnauthorized }

// ConcurrencyError reports a divergence between the slot index and the store,
// or a write that lost a race at commit time. The caller must retry against
// fresh state.
type ConcurrencyError struct {
	Reason string
}

func (e *ConcurrencyError) Error() string {
	return "concurrent modification: " + e.Reason
}

func (e *ConcurrencyError) Is(target error) bool { return target == ErrConcurrency }
