// Package scheduling owns every booking mutation. It serializes writers per
// resource, checks candidates against the slot index and keeps the index in
// step with the store.
package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	bookingstore "courtbook/internal/adapters/storage/booking"
	"courtbook/internal/application/conflict"
	"courtbook/internal/application/slotindex"
	"courtbook/internal/domain/audit"
	"courtbook/internal/domain/booking"
	"courtbook/internal/domain/outbox"
)

// maxLockAttempts bounds how often a reschedule or delete re-acquires locks
// when the booking moved to other resources while it was waiting.
const maxLockAttempts = 3

// ErrStaleVersion rejects a RescheduleFrom whose booking has since changed.
var ErrStaleVersion = errors.New("booking version changed")

// Actor is the caller of a service operation.
type Actor struct {
	ID   string
	Role string
}

// Draft is the caller-supplied part of a new booking.
type Draft struct {
	Resources       []string
	Date            string
	StartMinute     int
	DurationMinutes int
	Kind            string
	Title           string
	Coach           string
	Participants    []string
	Description     string
	OutreachRef     string
}

// Filter selects bookings for Query. Status is "" or "scheduled" for
// scheduled bookings only, "cancelled" for cancelled only, "all" for both.
type Filter struct {
	DateFrom string
	DateTo   string
	Resource string
	Kind     string
	Status   string
}

// StatusAll selects bookings of any status in Filter.Status.
const StatusAll = "all"

// Authorizer decides whether a role may mutate bookings.
type Authorizer interface {
	CanMutate(role string) bool
}

// RoleAuthorizer allows a fixed set of roles to mutate.
type RoleAuthorizer struct {
	Roles []string
}

// DefaultAuthorizer lets admins and coaches create, move and delete.
var DefaultAuthorizer = RoleAuthorizer{Roles: []string{"admin", "coach"}}

// CanMutate reports whether role is in the allowed set.
func (a RoleAuthorizer) CanMutate(role string) bool {
	return role != "" && slices.Contains(a.Roles, role)
}

// AuditLog records mutations. Failures are logged and never fail the operation.
type AuditLog interface {
	Save(ctx context.Context, event audit.Event) error
}

// ChangeListener is told which (resource, date) pairs a committed write touched.
type ChangeListener interface {
	BookingsChanged(ctx context.Context, date string, resources []string)
}

// Deps wires a Service. Store and Index are required.
type Deps struct {
	Store      bookingstore.Store
	Index      *slotindex.Index
	Authorizer Authorizer
	Hours      booking.OperatingHours
	Audit      AuditLog
	Listeners  []ChangeListener
	// LockWait, when set, observes how long each mutation waited for its resource locks.
	LockWait   func(resources []string, waited time.Duration)
	Now        func() time.Time
	GenerateID func() string
}

// Service implements create, reschedule, delete and query over bookings.
type Service struct {
	store      bookingstore.Store
	index      *slotindex.Index
	authorizer Authorizer
	hours      booking.OperatingHours
	audit      AuditLog
	listeners  []ChangeListener
	lockWait   func([]string, time.Duration)
	now        func() time.Time
	newID      func() string

	locks *lockTable
	// rebuildMu is read-held by every mutation and write-held by index rebuilds.
	rebuildMu sync.RWMutex
}

// NewService creates a scheduling service.
// PRE: d.Store and d.Index are non-nil
// POST: zero-valued optional deps fall back to defaults (admin/coach policy,
// default operating hours, wall clock, uuid ids)
func NewService(d Deps) *Service {
	s := &Service{
		store:      d.Store,
		index:      d.Index,
		authorizer: d.Authorizer,
		hours:      d.Hours,
		audit:      d.Audit,
		listeners:  d.Listeners,
		lockWait:   d.LockWait,
		now:        d.Now,
		newID:      d.GenerateID,
		locks:      newLockTable(),
	}
	if s.authorizer == nil {
		s.authorizer = DefaultAuthorizer
	}
	if s.hours == (booking.OperatingHours{}) {
		s.hours = booking.DefaultHours
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Hours returns the operating hours bookings are validated against.
func (s *Service) Hours() booking.OperatingHours {
	return s.hours
}

// Load fills the slot index from the store's scheduled bookings.
// POST: index content equals the store's scheduled set
func (s *Service) Load(ctx context.Context) error {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()
	scheduled, err := s.store.ListScheduled(ctx)
	if err != nil {
		return fmt.Errorf("load scheduled bookings: %w", err)
	}
	s.index.Rebuild(scheduled)
	slog.Info("booking_index_loaded", "bookings", len(scheduled))
	return nil
}

// Verify compares the slot index with the store and rebuilds it on any
// divergence. It returns the ids that differed.
func (s *Service) Verify(ctx context.Context) ([]string, error) {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()
	scheduled, err := s.store.ListScheduled(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify index: %w", err)
	}
	diff := s.index.Diff(scheduled)
	if len(diff) > 0 {
		slog.Warn("booking_index_diverged", "bookings", diff,
			"index_count", s.index.Snapshot().Count, "store_count", slotindex.ChecksumOf(scheduled).Count)
		s.index.Rebuild(scheduled)
		s.record(ctx, audit.NewEvent(uuid.NewString(), s.now(), "", "", audit.CategorySystem, audit.ActionIndexRebuild).
			WithSeverity(audit.SeverityWarning).
			WithDescription(fmt.Sprintf("%d booking(s) diverged", len(diff))))
	}
	return diff, nil
}

// Create validates and books a new placement.
// PRE: actor's role may mutate
// POST: on success the booking is persisted with Version 1 and present in the index;
// on any error nothing was written
func (s *Service) Create(ctx context.Context, actor Actor, d Draft) (booking.Booking, error) {
	if err := s.authorize(ctx, actor, "create"); err != nil {
		return booking.Booking{}, err
	}
	now := s.now()
	b := booking.Booking{
		ID:              s.newID(),
		Resources:       booking.NormalizeResources(d.Resources),
		Date:            d.Date,
		StartMinute:     d.StartMinute,
		DurationMinutes: d.DurationMinutes,
		Kind:            d.Kind,
		Title:           d.Title,
		Coach:           d.Coach,
		Participants:    slices.Clone(d.Participants),
		Description:     d.Description,
		Status:          booking.StatusScheduled,
		OutreachRef:     d.OutreachRef,
		Version:         1,
		CreatedBy:       actor.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if b.Kind == "" {
		b.Kind = booking.KindOther
	}
	if err := b.Validate(s.hours); err != nil {
		return booking.Booking{}, err
	}

	err := s.mutate(ctx, b.Resources, func() error {
		if err := conflict.Detect(s.index, conflict.CandidateFor(b), "").Err(); err != nil {
			return err
		}
		entry, err := s.eventEntry(booking.EventCreated, b, nil, actor, now)
		if err != nil {
			return err
		}
		if err := s.store.Create(ctx, b, entry); err != nil {
			return s.storeErr(err)
		}
		s.index.Insert(b)
		return nil
	})
	if err != nil {
		s.logRejected(actor, "create", b.ID, err)
		return booking.Booking{}, err
	}

	s.changed(ctx, b)
	s.record(ctx, s.bookingAudit(actor, audit.ActionCreate, b).
		WithDescription(fmt.Sprintf("%s on %v at %s", b.Date, b.Resources, booking.FormatClock(b.StartMinute))))
	slog.Info("booking_event", "event", "booking_created", "booking_id", b.ID, "resources", b.Resources,
		"date", b.Date, "start", booking.FormatClock(b.StartMinute), "actor_id", actor.ID)
	return b.Clone(), nil
}

// Reschedule moves a scheduled booking to p. Empty p.Resources or p.Date keep
// the current values.
// PRE: actor's role may mutate
// POST: all-or-nothing: on error the stored booking and the index are unchanged
func (s *Service) Reschedule(ctx context.Context, actor Actor, id string, p booking.Placement) (booking.Booking, error) {
	return s.reschedule(ctx, actor, id, 0, p)
}

// RescheduleFrom is Reschedule guarded by the stored version: the move only
// happens while the booking is still at version.
// PRE: version > 0
// POST: a booking at any other version is left alone and ErrStaleVersion returned
func (s *Service) RescheduleFrom(ctx context.Context, actor Actor, id string, version int, p booking.Placement) (booking.Booking, error) {
	return s.reschedule(ctx, actor, id, version, p)
}

// reschedule moves id to p. expect > 0 pins the stored version.
func (s *Service) reschedule(ctx context.Context, actor Actor, id string, expect int, p booking.Placement) (booking.Booking, error) {
	if err := s.authorize(ctx, actor, "reschedule"); err != nil {
		return booking.Booking{}, err
	}

	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		cur, err := s.loadScheduled(ctx, id)
		if err != nil {
			return booking.Booking{}, err
		}
		if expect > 0 && cur.Version != expect {
			return booking.Booking{}, staleVersion(id, expect, cur.Version)
		}
		target := cur.WithPlacement(p)
		if err := target.Validate(s.hours); err != nil {
			return booking.Booking{}, err
		}
		lockSet := union(cur.Resources, target.Resources)

		var moved, prev booking.Booking
		retry, stale := false, 0
		err = s.mutate(ctx, lockSet, func() error {
			fresh, err := s.loadScheduled(ctx, id)
			if err != nil {
				return err
			}
			if expect > 0 && fresh.Version != expect {
				stale = fresh.Version
				return nil
			}
			next := fresh.WithPlacement(p)
			if !covers(lockSet, union(fresh.Resources, next.Resources)) {
				retry = true
				return nil
			}
			if indexed, ok := s.index.Get(id); !ok || indexed.Version != fresh.Version {
				return &booking.ConcurrencyError{Reason: "slot index disagrees with store for booking " + id}
			}
			if err := conflict.Detect(s.index, conflict.CandidateFor(next), id).Err(); err != nil {
				return err
			}
			now := s.now()
			next.Version = fresh.Version + 1
			next.UpdatedAt = now
			entry, err := s.eventEntry(booking.EventRescheduled, next, &fresh, actor, now)
			if err != nil {
				return err
			}
			if err := s.store.Update(ctx, next, fresh.Version, entry); err != nil {
				return s.storeErr(err)
			}
			s.index.Replace(id, next)
			moved, prev = next, fresh
			return nil
		})
		if err != nil {
			s.logRejected(actor, "reschedule", id, err)
			return booking.Booking{}, err
		}
		if stale > 0 {
			return booking.Booking{}, staleVersion(id, expect, stale)
		}
		if retry {
			continue
		}

		s.changed(ctx, prev)
		s.changed(ctx, moved)
		s.record(ctx, s.bookingAudit(actor, audit.ActionReschedule, moved).
			WithDescription(fmt.Sprintf("%s %v %s -> %s %v %s",
				prev.Date, prev.Resources, booking.FormatClock(prev.StartMinute),
				moved.Date, moved.Resources, booking.FormatClock(moved.StartMinute))))
		slog.Info("booking_event", "event", "booking_rescheduled", "booking_id", id, "resources", moved.Resources,
			"date", moved.Date, "start", booking.FormatClock(moved.StartMinute), "version", moved.Version, "actor_id", actor.ID)
		return moved.Clone(), nil
	}
	return booking.Booking{}, &booking.ConcurrencyError{Reason: "booking " + id + " kept moving while waiting for locks"}
}

// Delete cancels a booking and frees its slots. Deleting a missing or
// already cancelled booking succeeds without effect.
// PRE: actor's role may mutate
// POST: booking is cancelled in the store and absent from the index
func (s *Service) Delete(ctx context.Context, actor Actor, id string) error {
	if err := s.authorize(ctx, actor, "delete"); err != nil {
		return err
	}

	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		cur, err := s.loadScheduled(ctx, id)
		if errors.Is(err, booking.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var cancelled booking.Booking
		retry, done := false, false
		err = s.mutate(ctx, cur.Resources, func() error {
			fresh, err := s.loadScheduled(ctx, id)
			if errors.Is(err, booking.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !covers(cur.Resources, fresh.Resources) {
				retry = true
				return nil
			}
			now := s.now()
			cancelled = fresh.Clone()
			cancelled.Status = booking.StatusCancelled
			cancelled.Version = fresh.Version + 1
			cancelled.UpdatedAt = now
			entry, err := s.eventEntry(booking.EventCancelled, cancelled, nil, actor, now)
			if err != nil {
				return err
			}
			if err := s.store.Update(ctx, cancelled, fresh.Version, entry); err != nil {
				return s.storeErr(err)
			}
			s.index.Remove(id)
			done = true
			return nil
		})
		if err != nil {
			s.logRejected(actor, "delete", id, err)
			return err
		}
		if retry {
			continue
		}
		if done {
			s.changed(ctx, cancelled)
			s.record(ctx, s.bookingAudit(actor, audit.ActionCancel, cancelled))
			slog.Info("booking_event", "event", "booking_cancelled", "booking_id", id, "actor_id", actor.ID)
		}
		return nil
	}
	return &booking.ConcurrencyError{Reason: "booking " + id + " kept moving while waiting for locks"}
}

// Query lists bookings matching f sorted by date, then start time.
// It reads the store only and never runs conflict detection.
func (s *Service) Query(ctx context.Context, f Filter) ([]booking.Booking, error) {
	for _, d := range []string{f.DateFrom, f.DateTo} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(booking.DateLayout, d); err != nil {
			return nil, &booking.ValidationError{Field: "date", Reason: "must be a calendar date in YYYY-MM-DD format"}
		}
	}
	if f.DateFrom != "" && f.DateTo != "" && f.DateFrom > f.DateTo {
		return nil, &booking.ValidationError{Field: "date", Reason: "range start must not be after range end"}
	}
	switch f.Status {
	case "", booking.StatusScheduled, booking.StatusCancelled, StatusAll:
	default:
		return nil, &booking.ValidationError{Field: "status", Reason: "must be scheduled, cancelled or all"}
	}

	all, err := s.store.List(ctx, bookingstore.Filter{
		DateFrom:         f.DateFrom,
		DateTo:           f.DateTo,
		Resource:         f.Resource,
		Kind:             f.Kind,
		IncludeCancelled: f.Status == booking.StatusCancelled || f.Status == StatusAll,
	})
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	out := make([]booking.Booking, 0, len(all))
	for _, b := range all {
		if f.Status == booking.StatusCancelled && b.IsScheduled() {
			continue
		}
		out = append(out, b)
	}
	slices.SortStableFunc(out, booking.Compare)
	return out, nil
}

// Get returns a booking by id, cancelled or not.
func (s *Service) Get(ctx context.Context, id string) (booking.Booking, error) {
	return s.store.GetByID(ctx, id)
}

// Occupancy returns the indexed entries for one resource and date in start order.
func (s *Service) Occupancy(resource, date string) []slotindex.Entry {
	return s.index.Query(resource, date)
}

// mutate runs fn while holding the locks of every resource in resources.
// A ConcurrencyError from fn triggers an index rebuild once the locks are released.
func (s *Service) mutate(ctx context.Context, resources []string, fn func() error) error {
	s.rebuildMu.RLock()
	started := time.Now()
	unlock, err := s.locks.lock(ctx, resources)
	if err != nil {
		s.rebuildMu.RUnlock()
		return fmt.Errorf("acquire resource locks: %w", err)
	}
	if s.lockWait != nil {
		s.lockWait(resources, time.Since(started))
	}
	err = fn()
	unlock()
	s.rebuildMu.RUnlock()

	if errors.Is(err, booking.ErrConcurrency) {
		if rerr := s.rebuild(context.WithoutCancel(ctx)); rerr != nil {
			slog.Error("booking_index_rebuild_failed", "error", rerr)
		}
	}
	return err
}

func (s *Service) rebuild(ctx context.Context) error {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()
	scheduled, err := s.store.ListScheduled(ctx)
	if err != nil {
		return err
	}
	s.index.Rebuild(scheduled)
	slog.Warn("booking_index_rebuilt", "bookings", len(scheduled))
	return nil
}

func (s *Service) authorize(ctx context.Context, actor Actor, action string) error {
	if s.authorizer.CanMutate(actor.Role) {
		return nil
	}
	slog.Warn("auth_event", "event", "booking_mutation_denied", "actor_id", actor.ID, "role", actor.Role, "action", action)
	s.record(ctx, audit.NewEvent(uuid.NewString(), s.now(), actor.ID, actor.Role, audit.CategorySecurity, audit.ActionDenied).
		WithSeverity(audit.SeverityWarning).
		WithDescription("may not "+action+" bookings"))
	return &booking.AuthorizationError{Role: actor.Role, Action: action}
}

// loadScheduled returns the stored booking, treating cancelled as not found.
func (s *Service) loadScheduled(ctx context.Context, id string) (booking.Booking, error) {
	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, booking.ErrNotFound) {
			return booking.Booking{}, err
		}
		return booking.Booking{}, fmt.Errorf("load booking %s: %w", id, err)
	}
	if !b.IsScheduled() {
		return booking.Booking{}, &booking.NotFoundError{ID: id}
	}
	return b, nil
}

func (s *Service) storeErr(err error) error {
	switch {
	case errors.Is(err, bookingstore.ErrOverlap):
		return &booking.ConcurrencyError{Reason: "store rejected an overlap the slot index missed"}
	case errors.Is(err, bookingstore.ErrStaleVersion):
		return &booking.ConcurrencyError{Reason: "booking changed before commit"}
	}
	return fmt.Errorf("persist booking: %w", err)
}

func (s *Service) eventEntry(eventType string, b booking.Booking, prev *booking.Booking, actor Actor, at time.Time) (outbox.Entry, error) {
	payload, err := json.Marshal(booking.NewEvent(eventType, b, prev, actor.ID, at))
	if err != nil {
		return outbox.Entry{}, fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return outbox.NewEntry(uuid.NewString(), outbox.ActionTypeBookingEvent, string(payload), at), nil
}

func (s *Service) changed(ctx context.Context, b booking.Booking) {
	for _, l := range s.listeners {
		l.BookingsChanged(ctx, b.Date, b.Resources)
	}
}

func (s *Service) bookingAudit(actor Actor, action audit.Action, b booking.Booking) audit.Event {
	return audit.NewEvent(uuid.NewString(), s.now(), actor.ID, actor.Role, audit.CategoryBooking, action).WithBooking(b.ID)
}

func (s *Service) record(ctx context.Context, e audit.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Save(ctx, e); err != nil {
		slog.Error("audit_save_failed", "action", e.Action, "booking_id", e.BookingID, "error", err)
	}
}

func (s *Service) logRejected(actor Actor, op, id string, err error) {
	var conflictErr *booking.ConflictError
	switch {
	case errors.As(err, &conflictErr):
		slog.Info("booking_rejected", "op", op, "booking_id", id, "reason", "conflict", "conflicting", len(conflictErr.Conflicting), "actor_id", actor.ID)
	case errors.Is(err, booking.ErrConcurrency):
		slog.Warn("booking_rejected", "op", op, "booking_id", id, "reason", "concurrency", "error", err)
	case errors.Is(err, booking.ErrNotFound), errors.Is(err, booking.ErrValidation):
	default:
		slog.Error("booking_mutation_failed", "op", op, "booking_id", id, "error", err)
	}
}

func staleVersion(id string, want, got int) error {
	return fmt.Errorf("%w: booking %s is at version %d, expected %d", ErrStaleVersion, id, got, want)
}

func union(a, b []string) []string {
	out := append(slices.Clone(a), b...)
	slices.Sort(out)
	return slices.Compact(out)
}

// covers reports whether every element of sub is in set.
func covers(set, sub []string) bool {
	for _, r := range sub {
		if !slices.Contains(set, r) {
			return false
		}
	}
	return true
}
