package scheduling

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"courtbook/internal/adapters/storage"
	bookingstore "courtbook/internal/adapters/storage/booking"
	outboxStore "courtbook/internal/adapters/storage/outbox"
	"courtbook/internal/application/slotindex"
	"courtbook/internal/domain/audit"
	"courtbook/internal/domain/booking"
)

var (
	coach  = Actor{ID: "acc-coach", Role: "coach"}
	member = Actor{ID: "acc-member", Role: "member"}
	t0     = time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
)

type fakeAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (f *fakeAudit) Save(_ context.Context, e audit.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeAudit) actions() []audit.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []audit.Action
	for _, e := range f.events {
		out = append(out, e.Action)
	}
	return out
}

type recordingListener struct {
	mu      sync.Mutex
	changes []string
}

func (l *recordingListener) BookingsChanged(_ context.Context, date string, resources []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range resources {
		l.changes = append(l.changes, r+"/"+date)
	}
}

type fixture struct {
	svc      *Service
	db       *sql.DB
	store    *bookingstore.SQLStore
	index    *slotindex.Index
	audit    *fakeAudit
	listener *recordingListener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := storage.MigrateDB(context.Background(), db, storage.DialectSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	var seq atomic.Int64
	f := &fixture{
		db:       db,
		store:    bookingstore.NewSQLStore(db),
		index:    slotindex.New(),
		audit:    &fakeAudit{},
		listener: &recordingListener{},
	}
	f.svc = NewService(Deps{
		Store:      f.store,
		Index:      f.index,
		Hours:      booking.AllDay,
		Audit:      f.audit,
		Listeners:  []ChangeListener{f.listener},
		Now:        func() time.Time { return t0 },
		GenerateID: func() string { return fmt.Sprintf("b%03d", seq.Add(1)) },
	})
	return f
}

func draft(date string, start, dur int, resources ...string) Draft {
	return Draft{Resources: resources, Date: date, StartMinute: start, DurationMinutes: dur, Kind: booking.KindTraining, Title: "Session"}
}

// assertInvariant checks that no two scheduled bookings overlap on a shared
// resource and that the index matches the store.
func assertInvariant(t *testing.T, f *fixture) {
	t.Helper()
	scheduled, err := f.store.ListScheduled(context.Background())
	if err != nil {
		t.Fatalf("ListScheduled: %v", err)
	}
	for i := range scheduled {
		for j := i + 1; j < len(scheduled); j++ {
			if scheduled[i].Collides(scheduled[j]) {
				t.Fatalf("invariant violated: %+v overlaps %+v", scheduled[i], scheduled[j])
			}
		}
	}
	if d := f.index.Diff(scheduled); len(d) != 0 {
		t.Fatalf("index diverged from store: %v", d)
	}
}

// TestService_Create tests the create path including defaults and side effects.
func TestService_Create(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := draft("2025-07-01", 540, 90, "court-2", "court-1", "court-2")
	d.Kind = ""
	b, err := f.svc.Create(ctx, coach, d)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.ID != "b001" || b.Version != 1 || b.Status != booking.StatusScheduled || b.Kind != booking.KindOther {
		t.Errorf("Create() = %+v", b)
	}
	if !reflect.DeepEqual(b.Resources, []string{"court-1", "court-2"}) {
		t.Errorf("Resources = %v, want normalized", b.Resources)
	}
	if b.CreatedBy != coach.ID {
		t.Errorf("CreatedBy = %q", b.CreatedBy)
	}

	stored, err := f.svc.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Version != 1 || !reflect.DeepEqual(stored.Resources, b.Resources) {
		t.Errorf("stored = %+v", stored)
	}
	if pending, _ := outboxStore.NewSQLStore(f.db).ListPending(ctx, 10); len(pending) != 1 {
		t.Errorf("outbox entries = %d, want 1", len(pending))
	}
	if got := f.audit.actions(); !reflect.DeepEqual(got, []audit.Action{audit.ActionCreate}) {
		t.Errorf("audit actions = %v", got)
	}
	if want := []string{"court-1/2025-07-01", "court-2/2025-07-01"}; !reflect.DeepEqual(f.listener.changes, want) {
		t.Errorf("listener changes = %v, want %v", f.listener.changes, want)
	}
	assertInvariant(t, f)
}

// TestService_CreateValidation tests that invalid drafts are rejected before anything is written.
func TestService_CreateValidation(t *testing.T) {
	tests := []struct {
		name  string
		draft Draft
		field string
	}{
		{"no resources", draft("2025-07-01", 540, 60), "resources"},
		{"bad date", draft("2025-13-01", 540, 60, "court-1"), "date"},
		{"zero duration", draft("2025-07-01", 540, 0, "court-1"), "durationMinutes"},
		{"spans midnight", draft("2025-07-01", 23*60, 120, "court-1"), "durationMinutes"},
		{"duration that would wrap the end minute", draft("2025-07-01", 600, math.MaxInt-100, "court-1"), "durationMinutes"},
		{"unknown kind", Draft{Resources: []string{"court-1"}, Date: "2025-07-01", StartMinute: 540, DurationMinutes: 60, Kind: "party"}, "kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Create(context.Background(), coach, tt.draft)
			var ve *booking.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("Create() error = %v, want ValidationError on %s", err, tt.field)
			}
			if f.index.Len() != 0 {
				t.Error("rejected draft must not reach the index")
			}
		})
	}
}

// TestService_OperatingHours tests the configured opening window.
func TestService_OperatingHours(t *testing.T) {
	f := newFixture(t)
	f.svc.hours = booking.DefaultHours
	ctx := context.Background()

	_, err := f.svc.Create(ctx, coach, draft("2025-07-01", 5*60, 60, "court-1"))
	var ve *booking.ValidationError
	if !errors.As(err, &ve) || ve.Field != "startTime" {
		t.Errorf("before opening: %v", err)
	}
	if _, err := f.svc.Create(ctx, coach, draft("2025-07-01", 22*60, 60, "court-1")); err != nil {
		t.Errorf("ending exactly at closing should be allowed: %v", err)
	}
}

// TestService_Adjacency tests that back-to-back bookings are legal and a one-minute overlap is not.
func TestService_Adjacency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Create(ctx, coach, draft("2025-07-01", 540, 60, "court-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.svc.Create(ctx, coach, draft("2025-07-01", 600, 60, "court-1")); err != nil {
		t.Errorf("adjacent after: %v", err)
	}
	if _, err := f.svc.Create(ctx, coach, draft("2025-07-01", 480, 60, "court-1")); err != nil {
		t.Errorf("adjacent before: %v", err)
	}
	if _, err := f.svc.Create(ctx, coach, draft("2025-07-01", 659, 30, "court-1")); !errors.Is(err, booking.ErrConflict) {
		t.Errorf("one-minute overlap = %v, want conflict", err)
	}
	assertInvariant(t, f)
}

// TestService_MultiResourceConflict tests that conflicts are reported on every resource, once per booking.
func TestService_MultiResourceConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	onOne, _ := f.svc.Create(ctx, coach, draft("2025-07-01", 600, 60, "court-1"))
	onBoth, _ := f.svc.Create(ctx, coach, draft("2025-07-01", 540, 45, "court-1", "court-3"))
	onThree, _ := f.svc.Create(ctx, coach, draft("2025-07-01", 660, 30, "court-3"))

	_, err := f.svc.Create(ctx, coach, draft("2025-07-01", 540, 180, "court-1", "court-2", "court-3"))
	var ce *booking.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("Create() = %v, want ConflictError", err)
	}
	var ids []string
	for _, b := range ce.Conflicting {
		ids = append(ids, b.ID)
	}
	want := []string{onBoth.ID, onOne.ID, onThree.ID}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("conflicting = %v, want %v", ids, want)
	}
	if f.index.Len() != 3 {
		t.Errorf("index holds %d bookings, want 3", f.index.Len())
	}
}

// TestService_Reschedule tests a successful move including resource change.
func TestService_Reschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, _ := f.svc.Create(ctx, coach, draft("2025-07-01", 540, 60, "court-1"))
	if _, err := f.svc.Create(ctx, coach, draft("2025-07-01", 600, 60, "court-2")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	moved, err := f.svc.Reschedule(ctx, coach, b.ID, booking.Placement{Resources: []string{"court-2"}, StartMinute: 660, DurationMinutes: 90})
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if moved.Version != 2 || moved.StartMinute != 660 || moved.Date != "2025-07-01" || moved.Resources[0] != "court-2" {
		t.Errorf("Reschedule() = %+v", moved)
	}
	if got := f.index.Query("court-1", "2025-07-01"); len(got) != 0 {
		t.Errorf("court-1 should be free after move, got %v", got)
	}
	if !f.index.OverlapsAny("court-2", "2025-07-01", 700, 710, "") {
		t.Error("court-2 should be busy at the new slot")
	}

	// moving onto itself (overlapping its old slot) is not a conflict
	if _, err := f.svc.Reschedule(ctx, coach, b.ID, booking.Placement{StartMinute: 690, DurationMinutes: 60}); err != nil {
		t.Errorf("overlap with own old slot: %v", err)
	}
	assertInvariant(t, f)
}

// TestService_RescheduleAtomicity tests that a rejected move leaves store and index untouched.
func TestService_RescheduleAtomicity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.svc.Create(ctx, coach, draft("2025-07-01", 540, 60, "court-1"))
	blocker, _ := f.svc.Create(ctx, coach, draft("2025-07-01", 600, 60, "court-2"))

	storedBefore, _ := f.store.ListScheduled(ctx)
	indexBefore := f.index.Snapshot()
	court1Before := f.index.Query("court-1", "2025-07-01")

	_, err := f.svc.Reschedule(ctx, coach, a.ID, booking.Placement{Resources: []string{"court-2"}, StartMinute: 630, DurationMinutes: 60})
	var ce *booking.ConflictError
	if !errors.As(err, &ce) || len(ce.Conflicting) != 1 || ce.Conflicting[0].ID != blocker.ID {
		t.Fatalf("Reschedule() = %v, want conflict with %s", err, blocker.ID)
	}

	storedAfter, _ := f.store.ListScheduled(ctx)
	if !reflect.DeepEqual(storedBefore, storedAfter) {
		t.Errorf("store changed:\nbefore %+v\nafter  %+v", storedBefore, storedAfter)
	}
	if f.index.Snapshot() != indexBefore || !reflect.DeepEqual(f.index.Query("court-1", "2025-07-01"), court1Before) {
		t.Error("index changed after rejected move")
	}
}

// TestService_RescheduleErrors tests not-found, cancelled and unauthorized moves.
func TestService_RescheduleErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, _ := f.svc.Create(ctx, coach, draft("2025-07-01", 540, 60, "court-1"))
	gone, _ := f.svc.Create(ctx, coach, draft("2025-07-01", 700, 60, "court-1"))
	if err := f.svc.Delete(ctx, coach, gone.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	p := booking.Placement{StartMinute: 800, DurationMinutes: 30}

	tests := []struct {
		name  string
		actor Actor
		id    string
		want  error
	}{
		{"missing", coach, "nope", booking.ErrNotFound},
		{"cancelled", coach, gone.ID, booking.ErrNotFound},
		{"member", member, b.ID, booking.ErrUnauthorized},
		{"anonymous", Actor{}, b.ID, booking.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Reschedule(ctx, tt.actor, tt.id, p); !errors.Is(err, tt.want) {
				t.Errorf("Reschedule() = %v, want %v", err, tt.want)
			}
		})
	}
	if got, _ := f.svc.Get(ctx, b.ID); got.StartMinute != 540 || got.Version != 1 {
		t.Errorf("booking changed by rejected moves: %+v", got)
	}
}

// TestService_DeleteIdempotent tests that repeated deletes succeed and free the slot.
func TestService_DeleteIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, _ := f.svc.Create(ctx, coach, draft("2025-07-01", 540, 60, "court-1"))

	for i := 0; i < 3; i++ {
		if err := f.svc.Delete(ctx, coach, b.ID); err != nil {
			t.Fatalf("Delete #%d: %v", i+1, err)
		}
	}
	if err := f.svc.Delete(ctx, coach, "never-existed"); err != nil {
		t.Errorf("Delete(missing) = %v", err)
	}
	got, _ := f.svc.Get(ctx, b.ID)
	if got.Status != booking.StatusCancelled || got.Version != 2 {
		t.Errorf("after delete: %+v", got)
	}
	if f.index.Len() != 0 {
		t.Errorf("index still holds %d bookings", f.index.Len())
	}
	if _, err := f.svc.Create(ctx, coach, draft("2025-07-01", 540, 60, "court-1")); err != nil {
		t.Errorf("freed slot rebook: %v", err)
	}
	cancels := 0
	for _, a := range f.audit.actions() {
		if a == audit.ActionCancel {
			cancels++
		}
	}
	if cancels != 1 {
		t.Errorf("cancel audited %d times, want 1", cancels)
	}
	if err := f.svc.Delete(ctx, member, b.ID); !errors.Is(err, booking.ErrUnauthorized) {
		t.Errorf("member Delete = %v, want unauthorized", err)
	}
}

// TestService_ConcurrentCreateRace tests that exactly one of many racing creates wins.
func TestService_ConcurrentCreateRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.svc.Create(ctx, coach, draft("2025-07-01", 540+i, 60, "court-1"))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, booking.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 || conflicts.Load() != racers-1 {
		t.Errorf("wins = %d conflicts = %d, want 1 and %d", wins.Load(), conflicts.Load(), racers-1)
	}
	assertInvariant(t, f)
}

// TestService_ConcurrencyErrorRebuildsIndex tests recovery from a write the index never saw.
func TestService_ConcurrencyErrorRebuildsIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outside := booking.Booking{
		ID: "outside", Resources: []string{"court-1"}, Date: "2025-07-01", StartMinute: 540, DurationMinutes: 60,
		Kind: booking.KindMatch, Status: booking.StatusScheduled, Version: 1, CreatedAt: t0, UpdatedAt: t0,
	}
	if err := f.store.Create(ctx, outside); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	_, err := f.svc.Create(ctx, coach, draft("2025-07-01", 560, 60, "court-1"))
	if !errors.Is(err, booking.ErrConcurrency) {
		t.Fatalf("Create() = %v, want ConcurrencyError", err)
	}
	if _, ok := f.index.Get("outside"); !ok {
		t.Fatal("index should have been rebuilt from the store")
	}

	_, err = f.svc.Create(ctx, coach, draft("2025-07-01", 560, 60, "court-1"))
	if !errors.Is(err, booking.ErrConflict) {
		t.Errorf("retry after rebuild = %v, want ConflictError", err)
	}
	assertInvariant(t, f)
}

// TestService_Verify tests divergence detection and repair.
func TestService_Verify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, _ := f.svc.Create(ctx, coach, draft("2025-07-01", 540, 60, "court-1"))

	if diff, err := f.svc.Verify(ctx); err != nil || len(diff) != 0 {
		t.Fatalf("Verify() on consistent state = %v, %v", diff, err)
	}

	f.index.Remove(b.ID)
	diff, err := f.svc.Verify(ctx)
	if err != nil || !reflect.DeepEqual(diff, []string{b.ID}) {
		t.Fatalf("Verify() = %v, %v; want [%s]", diff, err, b.ID)
	}
	assertInvariant(t, f)
}

// TestService_Query tests filters, ordering and date validation.
func TestService_Query(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	late, _ := f.svc.Create(ctx, coach, draft("2025-07-02", 540, 60, "court-1"))
	early, _ := f.svc.Create(ctx, coach, draft("2025-07-01", 600, 60, "court-2"))
	first, _ := f.svc.Create(ctx, coach, draft("2025-07-01", 480, 60, "court-1"))
	dropped, _ := f.svc.Create(ctx, coach, draft("2025-07-01", 900, 60, "court-1"))
	_ = f.svc.Delete(ctx, coach, dropped.ID)

	ids := func(bs []booking.Booking) []string {
		var out []string
		for _, b := range bs {
			out = append(out, b.ID)
		}
		return out
	}
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all scheduled", Filter{}, []string{first.ID, early.ID, late.ID}},
		{"one day", Filter{DateFrom: "2025-07-01", DateTo: "2025-07-01"}, []string{first.ID, early.ID}},
		{"resource", Filter{Resource: "court-1"}, []string{first.ID, late.ID}},
		{"cancelled", Filter{Status: booking.StatusCancelled}, []string{dropped.ID}},
		{"all statuses", Filter{DateFrom: "2025-07-01", DateTo: "2025-07-01", Status: StatusAll}, []string{first.ID, early.ID, dropped.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.Query(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if !reflect.DeepEqual(ids(got), tt.want) {
				t.Errorf("Query() = %v, want %v", ids(got), tt.want)
			}
		})
	}

	if _, err := f.svc.Query(ctx, Filter{DateFrom: "07/01/2025"}); !errors.Is(err, booking.ErrValidation) {
		t.Errorf("bad date = %v, want validation error", err)
	}
	if _, err := f.svc.Query(ctx, Filter{DateFrom: "2025-07-02", DateTo: "2025-07-01"}); !errors.Is(err, booking.ErrValidation) {
		t.Errorf("inverted range = %v, want validation error", err)
	}
}

// TestService_LoadRebuildsIndex tests that a fresh service picks up stored bookings.
func TestService_LoadRebuildsIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, _ := f.svc.Create(ctx, coach, draft("2025-07-01", 540, 60, "court-1"))

	restarted := NewService(Deps{Store: f.store, Index: slotindex.New(), Hours: booking.AllDay})
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := restarted.Create(ctx, coach, draft("2025-07-01", 570, 60, "court-1")); !errors.Is(err, booking.ErrConflict) {
		t.Errorf("Create over %s after restart = %v, want conflict", b.ID, err)
	}
	if got := restarted.Occupancy("court-1", "2025-07-01"); len(got) != 1 || got[0].BookingID != b.ID {
		t.Errorf("Occupancy() = %v", got)
	}
}

// TestService_RandomOperations runs seeded random operation sequences and
// checks the no-overlap invariant after every step.
func TestService_RandomOperations(t *testing.T) {
	for seed := uint64(1); seed <= 4; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			rng := rand.New(rand.NewPCG(seed, seed*7919))
			courts := []string{"court-1", "court-2", "court-3"}
			dates := []string{"2025-07-01", "2025-07-02"}
			var ids []string

			randomResources := func() []string {
				n := 1 + rng.IntN(2)
				out := make([]string, 0, n)
				for i := 0; i < n; i++ {
					out = append(out, courts[rng.IntN(len(courts))])
				}
				return out
			}

			for step := 0; step < 120; step++ {
				var err error
				switch op := rng.IntN(10); {
				case op < 5 || len(ids) == 0:
					var b booking.Booking
					b, err = f.svc.Create(ctx, coach, draft(dates[rng.IntN(2)], 6*60+rng.IntN(14)*60, 30+rng.IntN(4)*30, randomResources()...))
					if err == nil {
						ids = append(ids, b.ID)
					}
				case op < 8:
					_, err = f.svc.Reschedule(ctx, coach, ids[rng.IntN(len(ids))], booking.Placement{
						Resources:       randomResources(),
						StartMinute:     6*60 + rng.IntN(28)*30,
						DurationMinutes: 30 + rng.IntN(3)*30,
					})
				default:
					err = f.svc.Delete(ctx, coach, ids[rng.IntN(len(ids))])
				}
				if err != nil && !errors.Is(err, booking.ErrConflict) && !errors.Is(err, booking.ErrNotFound) {
					t.Fatalf("step %d: unexpected error %v", step, err)
				}
				assertInvariant(t, f)
			}
		})
	}
}

// TestRoleAuthorizer tests the default mutation policy.
func TestRoleAuthorizer(t *testing.T) {
	for role, want := range map[string]bool{"admin": true, "coach": true, "member": false, "guest": false, "": false} {
		if got := DefaultAuthorizer.CanMutate(role); got != want {
			t.Errorf("CanMutate(%q) = %v, want %v", role, got, want)
		}
	}
}
