package booking

import "time"

// Event types, also used as message routing keys.
const (
	EventCreated     = "booking.created"
	EventRescheduled = "booking.rescheduled"
	EventCancelled   = "booking.cancelled"
)

// Slot is the wire form of a placement.
type Slot struct {
	Resources []string `json:"resources"`
	Date      string   `json:"date"`
	StartTime string   `json:"startTime"`
	EndTime   string   `json:"endTime"`
}

// SlotOf renders a booking's placement.
func SlotOf(b Booking) Slot {
	return Slot{
		Resources: b.Resources,
		Date:      b.Date,
		StartTime: FormatClock(b.StartMinute),
		EndTime:   FormatClock(b.EndMinute()),
	}
}

// Event describes a committed booking change for downstream consumers.
type Event struct {
	Type       string    `json:"type"`
	BookingID  string    `json:"bookingId"`
	Version    int       `json:"version"`
	Kind       string    `json:"kind,omitempty"`
	Title      string    `json:"title,omitempty"`
	Coach      string    `json:"coach,omitempty"`
	Slot       Slot      `json:"slot"`
	Previous   *Slot     `json:"previous,omitempty"`
	Actor      string    `json:"actor"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewEvent builds an event for b. prev is the placement before a reschedule, or nil.
func NewEvent(eventType string, b Booking, prev *Booking, actor string, at time.Time) Event {
	ev := Event{
		Type:       eventType,
		BookingID:  b.ID,
		Version:    b.Version,
		Kind:       b.Kind,
		Title:      b.Title,
		Coach:      b.Coach,
		Slot:       SlotOf(b),
		Actor:      actor,
		OccurredAt: at.UTC(),
	}
	if prev != nil {
		s := SlotOf(*prev)
		ev.Previous = &s
	}
	return ev
}
