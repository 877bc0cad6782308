// Package reschedule runs interactive moves: a gesture shows the booking at
// its new position straight away and settles once the scheduling service
// accepts or rejects the move.
package reschedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"courtbook/internal/application/scheduling"
	"courtbook/internal/domain/audit"
	"courtbook/internal/domain/booking"
)

// State of a move.
type State string

const (
	StateIdle        State = "idle"
	StatePendingMove State = "pending_move"
	StateCommitted   State = "committed"
	StateRolledBack  State = "rolled_back"
)

// Rollback reasons.
const (
	ReasonConflict    = "conflict"
	ReasonNotFound    = "not_found"
	ReasonValidation  = "validation"
	ReasonConcurrency = "concurrency"
	ReasonTimeout     = "timeout"
	ReasonCancelled   = "cancelled"
	ReasonError       = "error"
)

// DefaultRetention is how long settled moves stay queryable.
const DefaultRetention = 15 * time.Minute

// revertTimeout bounds the reschedule that undoes a commit which landed
// after its move had already rolled back.
const revertTimeout = 10 * time.Second

var (
	// ErrMovePending rejects a second gesture on a booking whose move has not settled.
	ErrMovePending = errors.New("a move for this booking is already pending")
	// ErrMoveNotFound reports an unknown or expired move id.
	ErrMoveNotFound = errors.New("move not found")
)

// Rescheduler is the part of the scheduling service a move needs.
// RescheduleFrom must leave a booking at any other version untouched.
type Rescheduler interface {
	Get(ctx context.Context, id string) (booking.Booking, error)
	Reschedule(ctx context.Context, actor scheduling.Actor, id string, p booking.Placement) (booking.Booking, error)
	RescheduleFrom(ctx context.Context, actor scheduling.Actor, id string, version int, p booking.Placement) (booking.Booking, error)
}

// AuditLog records settled moves.
type AuditLog interface {
	Save(ctx context.Context, event audit.Event) error
}

// Move is a snapshot of one gesture.
type Move struct {
	ID        string
	BookingID string
	Actor     scheduling.Actor
	Before    booking.Booking   // position when the gesture started
	Target    booking.Placement // requested position
	State     State
	Result    booking.Booking // stored booking once committed
	Reason    string          // why it rolled back
	Err       error           // service error behind a rollback, if any
	StartedAt time.Time
	SettledAt time.Time
}

// Terminal reports whether the move has settled.
func (m Move) Terminal() bool {
	return m.State == StateCommitted || m.State == StateRolledBack
}

type move struct {
	Move
	done   chan struct{}
	cancel context.CancelFunc
}

// Deps wires a Coordinator. Service is required.
type Deps struct {
	Service    Rescheduler
	Authorizer scheduling.Authorizer
	Audit      AuditLog
	Retention  time.Duration
	Now        func() time.Time
	GenerateID func() string
}

// Coordinator tracks at most one pending move per booking. A booking stays
// pending until its service call has returned, even when the move itself
// already rolled back.
type Coordinator struct {
	svc        Rescheduler
	authorizer scheduling.Authorizer
	audit      AuditLog
	retention  time.Duration
	now        func() time.Time
	newID      func() string

	mu      sync.Mutex
	moves   map[string]*move           // by move id
	pending map[string]string          // booking id -> move id with a call in flight
	views   map[string]booking.Booking // displayed position of pending bookings
	wg      sync.WaitGroup
}

// NewCoordinator creates a coordinator.
func NewCoordinator(d Deps) *Coordinator {
	c := &Coordinator{
		svc:        d.Service,
		authorizer: d.Authorizer,
		audit:      d.Audit,
		retention:  d.Retention,
		now:        d.Now,
		newID:      d.GenerateID,
		moves:      make(map[string]*move),
		pending:    make(map[string]string),
		views:      make(map[string]booking.Booking),
	}
	if c.authorizer == nil {
		c.authorizer = scheduling.DefaultAuthorizer
	}
	if c.retention <= 0 {
		c.retention = DefaultRetention
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

// Begin starts a move of bookingID to target and returns while the
// reschedule runs in the background. timeout > 0 bounds how long the
// service may take; an expired timeout or a deadline on ctx rolls the move back.
// PRE: actor may mutate bookings; no move of bookingID is pending
// POST: the move is PendingMove and View(bookingID) shows the target position;
// on error no state changed
func (c *Coordinator) Begin(ctx context.Context, actor scheduling.Actor, bookingID string, target booking.Placement, timeout time.Duration) (Move, error) {
	if !c.authorizer.CanMutate(actor.Role) {
		slog.Warn("auth_event", "event", "move_denied", "actor_id", actor.ID, "role", actor.Role, "booking_id", bookingID)
		return Move{}, &booking.AuthorizationError{Role: actor.Role, Action: "reschedule"}
	}

	c.mu.Lock()
	if id, ok := c.pending[bookingID]; ok {
		c.mu.Unlock()
		return Move{}, fmt.Errorf("%w: move %s", ErrMovePending, id)
	}
	c.mu.Unlock()

	before, err := c.svc.Get(ctx, bookingID)
	if err != nil {
		return Move{}, err
	}
	if !before.IsScheduled() {
		return Move{}, &booking.NotFoundError{ID: bookingID}
	}

	runCtx, cancel := moveContext(ctx, timeout)
	now := c.now()
	m := &move{
		Move: Move{
			ID:        c.newID(),
			BookingID: bookingID,
			Actor:     actor,
			Before:    before,
			Target:    target,
			State:     StatePendingMove,
			StartedAt: now,
		},
		done:   make(chan struct{}),
		cancel: cancel,
	}

	c.mu.Lock()
	if id, ok := c.pending[bookingID]; ok {
		c.mu.Unlock()
		cancel()
		return Move{}, fmt.Errorf("%w: move %s", ErrMovePending, id)
	}
	c.pruneLocked(now)
	c.moves[m.ID] = m
	c.pending[bookingID] = m.ID
	c.views[bookingID] = before.WithPlacement(target)
	snapshot := m.Move
	c.mu.Unlock()

	slog.Info("move_event", "event", "move_started", "move_id", m.ID, "booking_id", bookingID, "actor_id", actor.ID)
	c.wg.Add(1)
	go c.run(runCtx, m)
	return snapshot, nil
}

// Cancel abandons a pending move: the displayed position returns to the
// pre-move snapshot at once. A late failure is discarded and a late commit
// is reverted. Cancelling a settled move returns it unchanged.
func (c *Coordinator) Cancel(moveID string) (Move, error) {
	c.mu.Lock()
	m, ok := c.moves[moveID]
	if !ok {
		c.mu.Unlock()
		return Move{}, ErrMoveNotFound
	}
	if m.Terminal() {
		snapshot := m.Move
		c.mu.Unlock()
		return snapshot, nil
	}
	c.rollbackLocked(m, ReasonCancelled, nil)
	snapshot := m.Move
	c.mu.Unlock()

	m.cancel()
	c.settled(snapshot)
	return snapshot, nil
}

// Await blocks until the move settles or ctx is done.
func (c *Coordinator) Await(ctx context.Context, moveID string) (Move, error) {
	c.mu.Lock()
	m, ok := c.moves[moveID]
	c.mu.Unlock()
	if !ok {
		return Move{}, ErrMoveNotFound
	}
	select {
	case <-m.done:
	case <-ctx.Done():
		return Move{}, ctx.Err()
	}
	return c.Get(moveID)
}

// Get returns the current snapshot of a move.
func (c *Coordinator) Get(moveID string) (Move, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.moves[moveID]
	if !ok {
		return Move{}, ErrMoveNotFound
	}
	return m.Move, nil
}

// View returns the position the coordinator displays for a booking whose
// service call is still in flight: the target while the move is pending, the
// pre-move snapshot once it rolled back. ok is false otherwise; the store is
// then the only source of truth.
func (c *Coordinator) View(bookingID string) (booking.Booking, State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.views[bookingID]
	if !ok {
		return booking.Booking{}, StateIdle, false
	}
	state := StatePendingMove
	if m, known := c.moves[c.pending[bookingID]]; known {
		state = m.State
	}
	return b.Clone(), state, true
}

// Wait blocks until every background reschedule has returned. Used on shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

type outcome struct {
	booking booking.Booking
	err     error
}

func (c *Coordinator) run(ctx context.Context, m *move) {
	defer c.wg.Done()
	defer m.cancel()

	results := make(chan outcome, 1)
	go func() {
		b, err := c.svc.Reschedule(ctx, m.Actor, m.BookingID, m.Target)
		results <- outcome{b, err}
	}()

	var o outcome
	select {
	case o = <-results:
	case <-ctx.Done():
		reason := ReasonCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		c.settleRollback(m, reason, ctx.Err())
		o = <-results
	}

	c.mu.Lock()
	if m.Terminal() {
		c.mu.Unlock()
		c.late(m, o)
		return
	}
	if o.err == nil {
		m.State = StateCommitted
		m.Result = o.booking
		m.SettledAt = c.now()
		c.finishLocked(m)
	} else {
		c.rollbackLocked(m, reasonFor(o.err), o.err)
	}
	c.releaseLocked(m)
	snapshot := m.Move
	c.mu.Unlock()
	c.settled(snapshot)
}

func (c *Coordinator) settleRollback(m *move, reason string, err error) {
	c.mu.Lock()
	if m.Terminal() {
		c.mu.Unlock()
		return
	}
	c.rollbackLocked(m, reason, err)
	snapshot := m.Move
	c.mu.Unlock()
	c.settled(snapshot)
}

// rollbackLocked shows the pre-move position again.
// PRE: c.mu held, m pending
func (c *Coordinator) rollbackLocked(m *move, reason string, err error) {
	m.State = StateRolledBack
	m.Reason = reason
	m.Err = err
	m.SettledAt = c.now()
	c.views[m.BookingID] = m.Before
	c.finishLocked(m)
}

func (c *Coordinator) finishLocked(m *move) {
	close(m.done)
}

// releaseLocked frees the booking for the next gesture once m's call returned.
func (c *Coordinator) releaseLocked(m *move) {
	if c.pending[m.BookingID] == m.ID {
		delete(c.pending, m.BookingID)
		delete(c.views, m.BookingID)
	}
}

func (c *Coordinator) release(m *move) {
	c.mu.Lock()
	c.releaseLocked(m)
	c.mu.Unlock()
}

// late handles the service response to a move that already rolled back.
// A failure is dropped. A commit is reverted to the pre-move placement,
// guarded by the committed version; if that is impossible the move is
// reported as committed so it agrees with the store.
// POST: the booking is released for new gestures
func (c *Coordinator) late(m *move, o outcome) {
	defer c.release(m)
	if o.err != nil {
		slog.Info("move_event", "event", "late_response_discarded", "move_id", m.ID, "booking_id", m.BookingID, "error", o.err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), revertTimeout)
	defer cancel()
	reverted, err := c.svc.RescheduleFrom(ctx, m.Actor, m.BookingID, o.booking.Version, m.Before.Placement())
	if err == nil {
		slog.Warn("move_event", "event", "late_commit_reverted", "move_id", m.ID, "booking_id", m.BookingID,
			"version", reverted.Version)
		c.record(m.Move, audit.ActionMoveRollback, audit.SeverityWarning,
			"late commit reverted: "+m.Reason)
		return
	}

	slog.Error("move_event", "event", "late_commit_kept", "move_id", m.ID, "booking_id", m.BookingID,
		"version", o.booking.Version, "error", err)
	c.mu.Lock()
	m.State = StateCommitted
	m.Result = o.booking
	m.Reason = ""
	m.Err = nil
	m.SettledAt = c.now()
	snapshot := m.Move
	c.mu.Unlock()
	c.record(snapshot, audit.ActionMoveCommit, audit.SeverityWarning,
		fmt.Sprintf("committed after rollback, revert failed (%v); %s", err, movedTo(snapshot.Result)))
}

func (c *Coordinator) settled(m Move) {
	if m.State == StateRolledBack {
		slog.Info("move_event", "event", "move_rolled_back", "move_id", m.ID, "booking_id", m.BookingID, "reason", m.Reason)
		c.record(m, audit.ActionMoveRollback, audit.SeverityWarning, "rolled back: "+m.Reason)
		return
	}
	slog.Info("move_event", "event", "move_committed", "move_id", m.ID, "booking_id", m.BookingID, "version", m.Result.Version)
	c.record(m, audit.ActionMoveCommit, audit.SeverityInfo, movedTo(m.Result))
}

func (c *Coordinator) record(m Move, action audit.Action, severity audit.Severity, desc string) {
	if c.audit == nil {
		return
	}
	e := audit.NewEvent(uuid.NewString(), m.SettledAt, m.Actor.ID, m.Actor.Role, audit.CategoryMove, action).
		WithBooking(m.BookingID).
		WithSeverity(severity).
		WithDescription(desc).
		WithMetadata(fmt.Sprintf(`{"moveId":%q}`, m.ID))
	if err := c.audit.Save(context.Background(), e); err != nil {
		slog.Error("audit_save_failed", "action", action, "booking_id", m.BookingID, "error", err)
	}
}

func movedTo(b booking.Booking) string {
	return fmt.Sprintf("moved to %s %v %s", b.Date, b.Resources, booking.FormatClock(b.StartMinute))
}

// pruneLocked forgets settled moves older than the retention window whose
// service call has returned.
func (c *Coordinator) pruneLocked(now time.Time) {
	for id, m := range c.moves {
		if c.pending[m.BookingID] == id {
			continue
		}
		if m.Terminal() && now.Sub(m.SettledAt) > c.retention {
			delete(c.moves, id)
		}
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, booking.ErrConflict):
		return ReasonConflict
	case errors.Is(err, booking.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, booking.ErrValidation):
		return ReasonValidation
	case errors.Is(err, booking.ErrConcurrency):
		return ReasonConcurrency
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	}
	return ReasonError
}

// moveContext detaches the move from the caller's cancellation (a request
// context ends when the handler returns) but keeps its deadline.
func moveContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	run := context.WithoutCancel(ctx)
	var cancels []context.CancelFunc
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		run, cancel = context.WithDeadline(run, deadline)
		cancels = append(cancels, cancel)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		run, cancel = context.WithTimeout(run, timeout)
		cancels = append(cancels, cancel)
	}
	run, cancel := context.WithCancel(run)
	cancels = append(cancels, cancel)
	return run, func() {
		for i := len(cancels) - 1; i >= 0; i-- {
			cancels[i]()
		}
	}
}
