package outreach

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/resend/resend-go/v2"
)

// ResendChecker reads message status from the Resend API.
type ResendChecker struct {
	client *resend.Client
}

// NewResendChecker creates a checker for the given API key.
// PRE: apiKey is a valid Resend API key
func NewResendChecker(apiKey string) *ResendChecker {
	return &ResendChecker{client: resend.NewClient(apiKey)}
}

// Status returns the last delivery event Resend recorded for ref.
// PRE: ref is a Resend email id
// POST: State is the provider's last event, or StatusUnknown when it has none
func (c *ResendChecker) Status(ctx context.Context, ref string) (Status, error) {
	if ref == "" {
		return Status{}, ErrNoRef
	}
	email, err := c.client.Emails.GetWithContext(ctx, ref)
	if err != nil {
		slog.Warn("resend_status_failed", "ref", ref, "error", err)
		return Status{}, fmt.Errorf("resend status %s: %w", ref, err)
	}
	state := email.LastEvent
	if state == "" {
		state = StatusUnknown
	}
	return Status{Ref: ref, State: state, CheckedAt: time.Now()}, nil
}
