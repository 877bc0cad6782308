// Package conflict decides whether a candidate placement collides with
// scheduled bookings. It only reads; it never mutates or retries.
package conflict

import (
	"courtbook/internal/domain/booking"
)

// SlotReader is the read side of the slot index used for detection.
type SlotReader interface {
	Overlapping(resource, date string, start, end int, excludeID string) []booking.Booking
}

// Candidate is the interval being checked.
type Candidate struct {
	Resources []string
	Date      string
	Start     int
	End       int
}

// CandidateFor builds a Candidate from a booking's current placement.
func CandidateFor(b booking.Booking) Candidate {
	return Candidate{Resources: b.Resources, Date: b.Date, Start: b.StartMinute, End: b.EndMinute()}
}

// Result is the detection outcome.
type Result struct {
	Conflict    bool
	Conflicting []booking.Booking
}

// Err returns a *booking.ConflictError for a conflicting result and nil otherwise.
func (r Result) Err() error {
	if !r.Conflict {
		return nil
	}
	return &booking.ConflictError{Conflicting: r.Conflicting}
}

// Detect checks c against the slot index, ignoring excludeID.
// PRE: c.Resources normalized (sorted, unique)
// POST: Conflicting is ordered by resource then start time; a booking that
// collides on several resources appears once, under the first of them
func Detect(r SlotReader, c Candidate, excludeID string) Result {
	var res Result
	seen := make(map[string]bool)
	for _, resource := range c.Resources {
		for _, b := range r.Overlapping(resource, c.Date, c.Start, c.End, excludeID) {
			if seen[b.ID] {
				continue
			}
			seen[b.ID] = true
			res.Conflicting = append(res.Conflicting, b)
		}
	}
	res.Conflict = len(res.Conflicting) > 0
	return res
}
