package audit

import (
	"time"
)

// Category groups audit events.
type Category string

const (
	CategoryBooking  Category = "booking"
	CategoryMove     Category = "move"
	CategorySecurity Category = "security"
	CategorySystem   Category = "system"
)

// Action is what happened.
type Action string

const (
	ActionCreate       Action = "create"
	ActionReschedule   Action = "reschedule"
	ActionCancel       Action = "cancel"
	ActionMoveCommit   Action = "move_committed"
	ActionMoveRollback Action = "move_rolled_back"
	ActionDenied       Action = "denied"
	ActionLogin        Action = "login"
	ActionIndexRebuild Action = "index_rebuild"
)

// Severity represents the severity level of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one audit log entry.
type Event struct {
	ID          string
	Timestamp   time.Time
	Category    Category
	Action      Action
	Severity    Severity
	ActorID     string
	ActorRole   string
	BookingID   string
	Description string
	Metadata    string // JSON or empty
}

// NewEvent creates an info-level event.
// PRE: id is unique, action is non-empty
// POST: Returns an Event stamped with at
func NewEvent(id string, at time.Time, actorID, actorRole string, category Category, action Action) Event {
	return Event{
		ID:        id,
		Timestamp: at,
		Category:  category,
		Action:    action,
		Severity:  SeverityInfo,
		ActorID:   actorID,
		ActorRole: actorRole,
	}
}

// WithSeverity sets the severity level.
func (e Event) WithSeverity(s Severity) Event {
	e.Severity = s
	return e
}

// WithBooking sets the booking the event concerns.
func (e Event) WithBooking(id string) Event {
	e.BookingID = id
	return e
}

// WithDescription sets the event description.
func (e Event) WithDescription(desc string) Event {
	e.Description = desc
	return e
}

// WithMetadata sets optional JSON metadata.
func (e Event) WithMetadata(metadata string) Event {
	e.Metadata = metadata
	return e
}
