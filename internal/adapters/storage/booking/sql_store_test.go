package booking

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"courtbook/internal/adapters/storage"
	outboxStore "courtbook/internal/adapters/storage/outbox"
	domain "courtbook/internal/domain/booking"
	"courtbook/internal/domain/outbox"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *sql.DB {
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
	return db
}

func newBooking(id, date string, start, dur int, resources ...string) domain.Booking {
	return domain.Booking{
		ID:              id,
		Resources:       resources,
		Date:            date,
		StartMinute:     start,
		DurationMinutes: dur,
		Kind:            domain.KindTraining,
		Title:           "Session " + id,
		Coach:           "Coach Kim",
		Participants:    []string{"u14 girls"},
		Description:     "**Bring** water",
		Status:          domain.StatusScheduled,
		Version:         1,
		CreatedBy:       "acc-1",
		CreatedAt:       t0,
		UpdatedAt:       t0,
	}
}

// TestSQLStore_CreateAndGet tests a full round trip of every field.
func TestSQLStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(openTestDB(t))
	b := newBooking("b1", "2025-07-01", 540, 120, "court-1", "court-2")
	b.OutreachRef = "msg-77"

	if err := store.Create(ctx, b); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := store.GetByID(ctx, "b1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !got.CreatedAt.Equal(b.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, b.CreatedAt)
	}
	got.CreatedAt, got.UpdatedAt = b.CreatedAt, b.UpdatedAt
	if !reflect.DeepEqual(got, b) {
		t.Errorf("GetByID() = %+v\nwant %+v", got, b)
	}

	_, err = store.GetByID(ctx, "missing")
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) || nf.ID != "missing" {
		t.Errorf("GetByID(missing) = %v, want NotFoundError", err)
	}
}

// TestSQLStore_CreateRejectsOverlap tests the store-side overlap guard and adjacency.
func TestSQLStore_CreateRejectsOverlap(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewSQLStore(db)

	if err := store.Create(ctx, newBooking("b1", "2025-07-01", 540, 120, "court-1")); err != nil {
		t.Fatalf("Create b1: %v", err)
	}

	evt := outbox.NewEntry("evt-1", outbox.ActionTypeBookingEvent, `{"type":"booking.created"}`, t0)
	err := store.Create(ctx, newBooking("b2", "2025-07-01", 600, 60, "court-2", "court-1"), evt)
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("Create overlapping = %v, want ErrOverlap", err)
	}
	if _, err := store.GetByID(ctx, "b2"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("rejected booking must not be stored, GetByID = %v", err)
	}
	if pending, _ := outboxStore.NewSQLStore(db).ListPending(ctx, 10); len(pending) != 0 {
		t.Errorf("outbox entry of a rejected create must roll back, got %d", len(pending))
	}

	if err := store.Create(ctx, newBooking("b3", "2025-07-01", 660, 60, "court-1"), evt); err != nil {
		t.Fatalf("adjacent Create: %v", err)
	}
	if pending, _ := outboxStore.NewSQLStore(db).ListPending(ctx, 10); len(pending) != 1 {
		t.Errorf("outbox entries = %d, want 1", len(pending))
	}
}

// TestSQLStore_Update tests optimistic versioning and slot replacement.
func TestSQLStore_Update(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(openTestDB(t))
	b := newBooking("b1", "2025-07-01", 540, 120, "court-1")
	if err := store.Create(ctx, b); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, newBooking("b2", "2025-07-01", 720, 60, "court-1")); err != nil {
		t.Fatalf("Create b2: %v", err)
	}

	moved := b.WithPlacement(domain.Placement{Resources: []string{"court-2"}, StartMinute: 600, DurationMinutes: 60})
	moved.Version = 2
	moved.UpdatedAt = t0.Add(time.Hour)
	if err := store.Update(ctx, moved, 1); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := store.Update(ctx, moved, 1); !errors.Is(err, ErrStaleVersion) {
		t.Errorf("Update with stale version = %v, want ErrStaleVersion", err)
	}

	clash := moved.WithPlacement(domain.Placement{Resources: []string{"court-1"}, StartMinute: 700, DurationMinutes: 60})
	clash.Version = 3
	if err := store.Update(ctx, clash, 2); !errors.Is(err, ErrOverlap) {
		t.Errorf("Update into b2 = %v, want ErrOverlap", err)
	}
	got, _ := store.GetByID(ctx, "b1")
	if got.Version != 2 || got.StartMinute != 600 || got.Resources[0] != "court-2" {
		t.Errorf("failed update must leave row unchanged, got %+v", got)
	}

	onCourt1, _ := store.List(ctx, Filter{Resource: "court-1"})
	if len(onCourt1) != 1 || onCourt1[0].ID != "b2" {
		t.Errorf("court-1 bookings = %v, want only b2", onCourt1)
	}
}

// TestSQLStore_CancelFreesSlot tests that a cancelled booking no longer blocks its slot.
func TestSQLStore_CancelFreesSlot(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(openTestDB(t))
	b := newBooking("b1", "2025-07-01", 540, 120, "court-1")
	if err := store.Create(ctx, b); err != nil {
		t.Fatalf("Create: %v", err)
	}
	cancelled := b.Clone()
	cancelled.Status = domain.StatusCancelled
	cancelled.Version = 2
	if err := store.Update(ctx, cancelled, 1); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := store.Create(ctx, newBooking("b2", "2025-07-01", 540, 120, "court-1")); err != nil {
		t.Fatalf("rebook freed slot: %v", err)
	}

	scheduled, err := store.ListScheduled(ctx)
	if err != nil || len(scheduled) != 1 || scheduled[0].ID != "b2" {
		t.Errorf("ListScheduled = %v, %v", scheduled, err)
	}
	all, _ := store.List(ctx, Filter{IncludeCancelled: true})
	if len(all) != 2 {
		t.Errorf("List(IncludeCancelled) = %d bookings, want 2", len(all))
	}
}

// TestSQLStore_ListFilters tests date range, kind and ordering.
func TestSQLStore_ListFilters(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(openTestDB(t))
	seed := []domain.Booking{
		newBooking("late", "2025-07-02", 600, 60, "court-1"),
		newBooking("early", "2025-07-01", 900, 60, "court-2"),
		newBooking("first", "2025-07-01", 480, 60, "court-1"),
		newBooking("next-week", "2025-07-08", 480, 60, "court-1"),
	}
	seed[1].Kind = domain.KindMatch
	for _, b := range seed {
		if err := store.Create(ctx, b); err != nil {
			t.Fatalf("Create %s: %v", b.ID, err)
		}
	}

	tests := []struct {
		name string
		f    Filter
		want []string
	}{
		{"all sorted by date then start", Filter{}, []string{"first", "early", "late", "next-week"}},
		{"date range", Filter{DateFrom: "2025-07-01", DateTo: "2025-07-02"}, []string{"first", "early", "late"}},
		{"single date", Filter{DateFrom: "2025-07-02", DateTo: "2025-07-02"}, []string{"late"}},
		{"kind", Filter{Kind: domain.KindMatch}, []string{"early"}},
		{"resource", Filter{Resource: "court-1", DateTo: "2025-07-02"}, []string{"first", "late"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.f)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			var ids []string
			for _, b := range got {
				ids = append(ids, b.ID)
			}
			if !reflect.DeepEqual(ids, tt.want) {
				t.Errorf("List() = %v, want %v", ids, tt.want)
			}
		})
	}
}
