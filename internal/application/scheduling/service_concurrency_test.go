package scheduling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	bookingstore "courtbook/internal/adapters/storage/booking"
	"courtbook/internal/domain/booking"
)

// hookStore runs onGet once, right after the first GetByID read.
type hookStore struct {
	*bookingstore.SQLStore
	mu    sync.Mutex
	onGet func()
}

func (h *hookStore) GetByID(ctx context.Context, id string) (booking.Booking, error) {
	b, err := h.SQLStore.GetByID(ctx, id)
	h.mu.Lock()
	fn := h.onGet
	h.onGet = nil
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
	return b, err
}

// moveBehindService relocates a stored booking the way a competing reschedule
// would, keeping store and index in step.
func moveBehindService(t *testing.T, f *fixture, id string, resources ...string) {
	t.Helper()
	ctx := context.Background()
	cur, err := f.store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	moved := cur.WithPlacement(booking.Placement{Resources: resources, StartMinute: cur.StartMinute, DurationMinutes: cur.DurationMinutes})
	moved.Version = cur.Version + 1
	if err := f.store.Update(ctx, moved, cur.Version); err != nil {
		t.Fatalf("Update: %v", err)
	}
	f.index.Replace(id, moved)
}

// TestService_RelocksWhenBookingMovedWhileWaiting tests the retry taken when a
// booking changes resources between the first read and lock acquisition.
func TestService_RelocksWhenBookingMovedWhileWaiting(t *testing.T) {
	t.Run("reschedule", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		b, err := f.svc.Create(ctx, coach, draft("2025-07-01", 540, 60, "court-1"))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		hs := &hookStore{SQLStore: f.store}
		svc := NewService(Deps{Store: hs, Index: f.index, Hours: booking.AllDay})
		hs.onGet = func() { moveBehindService(t, f, b.ID, "court-2") }

		moved, err := svc.Reschedule(ctx, coach, b.ID, booking.Placement{StartMinute: 600, DurationMinutes: 60})
		if err != nil {
			t.Fatalf("Reschedule: %v", err)
		}
		if moved.Resources[0] != "court-2" || moved.StartMinute != 600 || moved.Version != 3 {
			t.Errorf("moved = %+v, want court-2 at 10:00 version 3", moved)
		}
		assertInvariant(t, f)
	})

	t.Run("delete", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		b, err := f.svc.Create(ctx, coach, draft("2025-07-01", 540, 60, "court-1"))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		hs := &hookStore{SQLStore: f.store}
		svc := NewService(Deps{Store: hs, Index: f.index, Hours: booking.AllDay})
		hs.onGet = func() { moveBehindService(t, f, b.ID, "court-3") }

		if err := svc.Delete(ctx, coach, b.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		stored, _ := f.store.GetByID(ctx, b.ID)
		if stored.IsScheduled() || stored.Resources[0] != "court-3" {
			t.Errorf("stored = %+v, want cancelled on court-3", stored)
		}
		if _, ok := f.index.Get(b.ID); ok {
			t.Error("cancelled booking still indexed")
		}
		assertInvariant(t, f)
	})
}

// TestService_ConcurrentMovesAndCreates moves bookings between courts while
// creates and competing moves target the destinations.
func TestService_ConcurrentMovesAndCreates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const slots = 8

	var movers, racers []booking.Booking
	for i := 0; i < slots; i++ {
		b, err := f.svc.Create(ctx, coach, draft("2025-07-01", 360+60*i, 60, "court-1"))
		if err != nil {
			t.Fatalf("seed court-1: %v", err)
		}
		movers = append(movers, b)
		r, err := f.svc.Create(ctx, coach, draft("2025-07-01", 360+60*i, 60, "court-4"))
		if err != nil {
			t.Fatalf("seed court-4: %v", err)
		}
		racers = append(racers, r)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	pairWins := make([]atomic.Int32, slots/2)
	check := func(op string, err error) bool {
		if err != nil && !errors.Is(err, booking.ErrConflict) {
			t.Errorf("%s: unexpected error %v", op, err)
		}
		return err == nil
	}
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			fn()
		}()
	}

	for i := 0; i < slots; i++ {
		b := movers[i]
		spawn(func() {
			_, err := f.svc.Reschedule(ctx, coach, b.ID, booking.Placement{Resources: []string{"court-2"}, StartMinute: b.StartMinute, DurationMinutes: 60})
			check("move to court-2", err)
		})
		startMin := 360 + 60*i + 30
		spawn(func() {
			_, err := f.svc.Create(ctx, coach, draft("2025-07-01", startMin, 60, "court-2"))
			check("create on court-2", err)
		})
		r, pair := racers[i], i/2
		spawn(func() {
			_, err := f.svc.Reschedule(ctx, coach, r.ID, booking.Placement{Resources: []string{"court-3"}, StartMinute: 360 + 60*pair, DurationMinutes: 60})
			if check("move to court-3", err) {
				pairWins[pair].Add(1)
			}
		})
	}
	close(start)
	wg.Wait()

	for pair := range pairWins {
		if got := pairWins[pair].Load(); got != 1 {
			t.Errorf("slot %d on court-3 won by %d moves, want exactly 1", pair, got)
		}
	}
	assertInvariant(t, f)
}

// TestService_RescheduleFrom tests the version guard.
func TestService_RescheduleFrom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.svc.Create(ctx, coach, draft("2025-07-01", 540, 60, "court-1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	to := booking.Placement{StartMinute: 720, DurationMinutes: 60}

	if _, err := f.svc.RescheduleFrom(ctx, coach, b.ID, b.Version+1, to); !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("RescheduleFrom(stale) = %v, want ErrStaleVersion", err)
	}
	if stored, _ := f.store.GetByID(ctx, b.ID); stored.Version != 1 || stored.StartMinute != 540 {
		t.Errorf("stale guard changed the booking: %+v", stored)
	}

	moved, err := f.svc.RescheduleFrom(ctx, coach, b.ID, b.Version, to)
	if err != nil {
		t.Fatalf("RescheduleFrom: %v", err)
	}
	if moved.Version != 2 || moved.StartMinute != 720 {
		t.Errorf("moved = %+v", moved)
	}
	if _, err := f.svc.RescheduleFrom(ctx, member, b.ID, moved.Version, to); !errors.Is(err, booking.ErrUnauthorized) {
		t.Errorf("member RescheduleFrom = %v, want unauthorized", err)
	}
	assertInvariant(t, f)
}
