// Package outreach queries delivery status of messages the external outreach
// workflow sent about a booking. It never sends anything itself.
package outreach

import (
	"context"
	"errors"
	"time"
)

// Status values besides the provider's own last-event names.
const (
	StatusUnknown = "unknown"
)

// ErrNoRef reports a lookup without a message reference.
var ErrNoRef = errors.New("outreach reference is empty")

// Status is the delivery state of one message.
type Status struct {
	Ref       string    `json:"ref"`
	State     string    `json:"state"` // e.g. sent, delivered, bounced
	CheckedAt time.Time `json:"checkedAt"`
}

// StatusChecker looks up a message by the reference stored on a booking.
type StatusChecker interface {
	Status(ctx context.Context, ref string) (Status, error)
}

// NoopChecker reports every message as unknown. Used when no provider is configured.
type NoopChecker struct{}

// Status returns StatusUnknown for any non-empty ref.
func (NoopChecker) Status(_ context.Context, ref string) (Status, error) {
	if ref == "" {
		return Status{}, ErrNoRef
	}
	return Status{Ref: ref, State: StatusUnknown, CheckedAt: time.Now()}, nil
}
