// Package slotindex keeps scheduled bookings sorted by start time per
// (resource, date) so overlap lookups touch only nearby intervals.
package slotindex

import (
	"fmt"
	"hash/fnv"
	"slices"
	"sort"
	"sync"

	"courtbook/internal/domain/booking"
)

// Entry is one booking's interval inside a (resource, date) bucket.
type Entry struct {
	BookingID string
	Start     int
	End       int
}

type key struct {
	resource string
	date     string
}

// bucket holds entries sorted by (Start, BookingID). maxLen is an upper bound
// on End-Start of any entry; it only grows until the next Rebuild.
type bucket struct {
	entries []Entry
	maxLen  int
}

// Index is safe for concurrent use. Readers share a read lock; Insert,
// Remove, Replace and Rebuild take the write lock.
type Index struct {
	mu       sync.RWMutex
	buckets  map[key]*bucket
	bookings map[string]booking.Booking
}

// New returns an empty index.
func New() *Index {
	return &Index{
		buckets:  make(map[key]*bucket),
		bookings: make(map[string]booking.Booking),
	}
}

// Insert adds a scheduled booking, replacing any previous entry with the same id.
// Cancelled bookings are removed instead of inserted.
// PRE: b has a non-empty ID
// POST: the index holds b iff b is scheduled
func (x *Index) Insert(b booking.Booking) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(b.ID)
	x.insertLocked(b)
}

// Remove drops a booking by id. It reports whether the id was present.
func (x *Index) Remove(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.removeLocked(id)
}

// Replace removes oldID and inserts b as one step; readers never observe
// the state in between.
func (x *Index) Replace(oldID string, b booking.Booking) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(oldID)
	x.removeLocked(b.ID)
	x.insertLocked(b)
}

// Rebuild discards the current content and loads bookings.
// POST: index content equals the scheduled subset of bookings
func (x *Index) Rebuild(bookings []booking.Booking) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.buckets = make(map[key]*bucket)
	x.bookings = make(map[string]booking.Booking, len(bookings))
	for _, b := range bookings {
		x.insertLocked(b)
	}
}

// Query returns the entries for (resource, date) sorted by start.
func (x *Index) Query(resource, date string) []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	bk := x.buckets[key{resource, date}]
	if bk == nil {
		return nil
	}
	return slices.Clone(bk.entries)
}

// OverlapsAny reports whether any booking other than excludeID occupies
// resource on date within [start, end).
// The conflict detector needs the colliding ids and uses Overlapping; this is
// the cheaper yes/no form.
func (x *Index) OverlapsAny(resource, date string, start, end int, excludeID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	found := false
	x.scanLocked(resource, date, start, end, excludeID, func(Entry) bool {
		found = true
		return false
	})
	return found
}

// Overlapping returns copies of the bookings other than excludeID that occupy
// resource on date within [start, end), ordered by start time.
func (x *Index) Overlapping(resource, date string, start, end int, excludeID string) []booking.Booking {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []booking.Booking
	x.scanLocked(resource, date, start, end, excludeID, func(e Entry) bool {
		out = append(out, x.bookings[e.BookingID].Clone())
		return true
	})
	return out
}

// Get returns the indexed copy of a booking.
func (x *Index) Get(id string) (booking.Booking, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	b, ok := x.bookings[id]
	return b.Clone(), ok
}

// Len returns the number of indexed bookings.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.bookings)
}

// Diff compares the index with the authoritative set of scheduled bookings
// and returns the ids whose presence, placement or version differ, sorted.
func (x *Index) Diff(scheduled []booking.Booking) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var diff []string
	seen := make(map[string]bool, len(scheduled))
	for _, b := range scheduled {
		seen[b.ID] = true
		got, ok := x.bookings[b.ID]
		if !ok || !samePlacement(got, b) {
			diff = append(diff, b.ID)
		}
	}
	for id := range x.bookings {
		if !seen[id] {
			diff = append(diff, id)
		}
	}
	slices.Sort(diff)
	return diff
}

// Checksum summarizes index content: the number of bookings and a hash over
// their ids and versions in id order.
type Checksum struct {
	Count  int
	Digest uint64
}

// Snapshot returns the checksum of the current content.
func (x *Index) Snapshot() Checksum {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return checksumOf(x.bookings)
}

// ChecksumOf computes the checksum the index would have for scheduled.
func ChecksumOf(scheduled []booking.Booking) Checksum {
	m := make(map[string]booking.Booking, len(scheduled))
	for _, b := range scheduled {
		if b.IsScheduled() {
			m[b.ID] = b
		}
	}
	return checksumOf(m)
}

func checksumOf(bookings map[string]booking.Booking) Checksum {
	ids := make([]string, 0, len(bookings))
	for id := range bookings {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	h := fnv.New64a()
	for _, id := range ids {
		fmt.Fprintf(h, "%s@%d;", id, bookings[id].Version)
	}
	return Checksum{Count: len(ids), Digest: h.Sum64()}
}

func samePlacement(a, b booking.Booking) bool {
	return a.Date == b.Date &&
		a.StartMinute == b.StartMinute &&
		a.DurationMinutes == b.DurationMinutes &&
		a.Version == b.Version &&
		slices.Equal(a.Resources, b.Resources)
}

func (x *Index) insertLocked(b booking.Booking) {
	if !b.IsScheduled() {
		return
	}
	b = b.Clone()
	x.bookings[b.ID] = b
	e := Entry{BookingID: b.ID, Start: b.StartMinute, End: b.EndMinute()}
	for _, r := range b.Resources {
		k := key{r, b.Date}
		bk := x.buckets[k]
		if bk == nil {
			bk = &bucket{}
			x.buckets[k] = bk
		}
		i := sort.Search(len(bk.entries), func(i int) bool {
			c := bk.entries[i]
			return c.Start > e.Start || (c.Start == e.Start && c.BookingID >= e.BookingID)
		})
		bk.entries = slices.Insert(bk.entries, i, e)
		bk.maxLen = max(bk.maxLen, e.End-e.Start)
	}
}

func (x *Index) removeLocked(id string) bool {
	b, ok := x.bookings[id]
	if !ok {
		return false
	}
	delete(x.bookings, id)
	for _, r := range b.Resources {
		k := key{r, b.Date}
		bk := x.buckets[k]
		if bk == nil {
			continue
		}
		bk.entries = slices.DeleteFunc(bk.entries, func(e Entry) bool { return e.BookingID == id })
		if len(bk.entries) == 0 {
			delete(x.buckets, k)
		}
	}
	return true
}

// scanLocked visits overlapping entries in start order until fn returns false.
// Only entries with Start in (start-maxLen, end) can overlap, so both ends
// of the scan are found by binary search.
func (x *Index) scanLocked(resource, date string, start, end int, excludeID string, fn func(Entry) bool) {
	bk := x.buckets[key{resource, date}]
	if bk == nil || start >= end {
		return
	}
	lo := sort.Search(len(bk.entries), func(i int) bool { return bk.entries[i].Start > start-bk.maxLen })
	hi := sort.Search(len(bk.entries), func(i int) bool { return bk.entries[i].Start >= end })
	for _, e := range bk.entries[lo:hi] {
		if e.End <= start || e.BookingID == excludeID {
			continue
		}
		if !fn(e) {
			return
		}
	}
}
