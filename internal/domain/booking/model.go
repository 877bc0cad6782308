package booking

import (
	"slices"
	"strings"
	"time"
)

// Kind constants. Kind is informational and never consulted by conflict logic.
const (
	KindTraining   = "training"
	KindMatch      = "match"
	KindTournament = "tournament"
	KindPractice   = "practice"
	KindTryout     = "tryout"
	KindCamp       = "camp"
	KindSocial     = "social"
	KindOther      = "other"
)

// ValidKinds contains all valid kind values.
var ValidKinds = []string{KindTraining, KindMatch, KindTournament, KindPractice, KindTryout, KindCamp, KindSocial, KindOther}

// Status constants
const (
	StatusScheduled = "scheduled"
	StatusCancelled = "cancelled"
)

// DateLayout is the wire and storage format of Booking.Date.
const DateLayout = "2006-01-02"

// Booking is a scheduled occupation of one or more resources for a
// half-open interval [Start, End) on a single date.
type Booking struct {
	ID              string
	Resources       []string // sorted, de-duplicated
	Date            string   // YYYY-MM-DD
	StartMinute     int      // minutes since midnight
	DurationMinutes int
	Kind            string
	Title           string
	Coach           string
	Participants    []string
	Description     string // markdown
	Status          string
	OutreachRef     string // message id held by the external outreach workflow
	Version         int
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Interval is a half-open range of minutes since midnight.
type Interval struct {
	Start int
	End   int
}

// Overlaps reports whether two half-open intervals intersect.
// Touching intervals (a.End == b.Start) do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start < o.End && o.Start < i.End
}

// EndMinute returns StartMinute + DurationMinutes.
func (b Booking) EndMinute() int {
	return b.StartMinute + b.DurationMinutes
}

// Interval returns the booking's occupied range.
func (b Booking) Interval() Interval {
	return Interval{Start: b.StartMinute, End: b.EndMinute()}
}

// IsScheduled reports whether the booking takes part in conflict checks.
func (b Booking) IsScheduled() bool {
	return b.Status == StatusScheduled
}

// HasResource reports whether r is one of the booking's resources.
func (b Booking) HasResource(r string) bool {
	return slices.Contains(b.Resources, r)
}

// Collides reports whether b and o are both scheduled, share a resource and
// date, and have overlapping intervals.
func (b Booking) Collides(o Booking) bool {
	if b.ID == o.ID || !b.IsScheduled() || !o.IsScheduled() || b.Date != o.Date {
		return false
	}
	if !b.Interval().Overlaps(o.Interval()) {
		return false
	}
	for _, r := range b.Resources {
		if o.HasResource(r) {
			return true
		}
	}
	return false
}

// Placement is where and when a booking sits: the part a reschedule changes.
type Placement struct {
	Resources       []string
	Date            string
	StartMinute     int
	DurationMinutes int
}

// Placement returns the booking's current placement.
func (b Booking) Placement() Placement {
	return Placement{
		Resources:       slices.Clone(b.Resources),
		Date:            b.Date,
		StartMinute:     b.StartMinute,
		DurationMinutes: b.DurationMinutes,
	}
}

// WithPlacement returns a copy of b moved to p.
// Empty Resources or Date in p keep the booking's current values.
// PRE: none
// POST: returned booking shares no slices with b
func (b Booking) WithPlacement(p Placement) Booking {
	out := b.Clone()
	if len(p.Resources) > 0 {
		out.Resources = NormalizeResources(p.Resources)
	}
	if p.Date != "" {
		out.Date = p.Date
	}
	out.StartMinute = p.StartMinute
	out.DurationMinutes = p.DurationMinutes
	return out
}

// Clone returns a deep copy of b.
func (b Booking) Clone() Booking {
	b.Resources = slices.Clone(b.Resources)
	b.Participants = slices.Clone(b.Participants)
	return b
}

// Validate checks the booking's structural fields against the operating hours.
// PRE: Booking struct is populated, Resources normalized
// POST: Returns nil if valid, *ValidationError otherwise
// INVARIANT: a valid booking ends on the same date it starts
func (b *Booking) Validate(hours OperatingHours) error {
	if len(b.Resources) == 0 {
		return &ValidationError{Field: "resources", Reason: "at least one resource is required"}
	}
	for _, r := range b.Resources {
		if strings.TrimSpace(r) == "" {
			return &ValidationError{Field: "resources", Reason: "resource id cannot be empty"}
		}
	}
	if _, err := time.Parse(DateLayout, b.Date); err != nil {
		return &ValidationError{Field: "date", Reason: "must be a calendar date in YYYY-MM-DD format"}
	}
	if b.DurationMinutes <= 0 {
		return &ValidationError{Field: "durationMinutes", Reason: "must be a positive number of minutes"}
	}
	if b.StartMinute < 0 || b.StartMinute >= MinutesPerDay {
		return &ValidationError{Field: "startTime", Reason: "must be a time of day between 00:00 and 23:59"}
	}
	// Compare against the remaining minutes so a huge duration cannot wrap EndMinute.
	if b.DurationMinutes > MinutesPerDay-b.StartMinute {
		return &ValidationError{Field: "durationMinutes", Reason: "booking cannot span midnight"}
	}
	if b.StartMinute < hours.Open {
		return &ValidationError{Field: "startTime", Reason: "must not be before opening time " + FormatClock(hours.Open)}
	}
	if b.DurationMinutes > hours.Close-b.StartMinute {
		return &ValidationError{Field: "durationMinutes", Reason: "booking must end by closing time " + FormatClock(hours.Close)}
	}
	if b.Kind != "" && !slices.Contains(ValidKinds, b.Kind) {
		return &ValidationError{Field: "kind", Reason: "must be one of " + strings.Join(ValidKinds, ", ")}
	}
	if b.Status != StatusScheduled && b.Status != StatusCancelled {
		return &ValidationError{Field: "status", Reason: "must be scheduled or cancelled"}
	}
	return nil
}

// NormalizeResources trims, de-duplicates and sorts resource ids.
// Empty ids are kept so Validate can report them.
func NormalizeResources(rs []string) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, strings.TrimSpace(r))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Less orders bookings by date, then start, then id.
func Less(a, b Booking) bool {
	if a.Date != b.Date {
		return a.Date < b.Date
	}
	if a.StartMinute != b.StartMinute {
		return a.StartMinute < b.StartMinute
	}
	return a.ID < b.ID
}

// Compare is the three-way form of Less, for slices.SortFunc.
func Compare(a, b Booking) int {
	switch {
	case Less(a, b):
		return -1
	case Less(b, a):
		return 1
	}
	return 0
}
