package projections

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"courtbook/internal/application/slotindex"
	"courtbook/internal/domain/booking"
)

// AvailabilityOccupancy reads indexed intervals for one resource and date.
type AvailabilityOccupancy interface {
	Occupancy(resource, date string) []slotindex.Entry
	Hours() booking.OperatingHours
}

// AvailabilityCache stores computed availability per (resource, date).
// Every invalidation of a key advances its generation; Set refuses a value
// computed under an older generation so a slow reader cannot cache what a
// concurrent write already replaced.
type AvailabilityCache interface {
	Get(ctx context.Context, date, resource string) (ResourceAvailability, bool, error)
	Generation(ctx context.Context, date, resource string) (int64, error)
	Set(ctx context.Context, a ResourceAvailability, gen int64) (bool, error)
}

// GetAvailabilityDeps holds dependencies for the projection.
type GetAvailabilityDeps struct {
	Occupancy AvailabilityOccupancy
	Cache     AvailabilityCache // optional
}

// GetAvailabilityQuery carries query parameters.
type GetAvailabilityQuery struct {
	Date      string
	Resources []string
}

// Window is a half-open [Start, End) range rendered as HH:MM.
type Window struct {
	BookingID string `json:"bookingId,omitempty"`
	Start     string `json:"startTime"`
	End       string `json:"endTime"`
}

// ResourceAvailability lists busy and free windows of one resource on one date.
type ResourceAvailability struct {
	Resource string   `json:"resource"`
	Date     string   `json:"date"`
	Busy     []Window `json:"busy"`
	Free     []Window `json:"free"`
}

// GetAvailability returns busy and free windows per requested resource,
// reading through the cache when one is configured.
// PRE: query.Date is YYYY-MM-DD, query.Resources non-empty
// POST: results follow the order of query.Resources; free windows lie within operating hours
func GetAvailability(ctx context.Context, query GetAvailabilityQuery, deps GetAvailabilityDeps) ([]ResourceAvailability, error) {
	if _, err := time.Parse(booking.DateLayout, query.Date); err != nil {
		return nil, &booking.ValidationError{Field: "date", Reason: "must be a calendar date in YYYY-MM-DD format"}
	}
	if len(query.Resources) == 0 {
		return nil, &booking.ValidationError{Field: "resource", Reason: "at least one resource is required"}
	}

	hours := deps.Occupancy.Hours()
	out := make([]ResourceAvailability, 0, len(query.Resources))
	for _, resource := range query.Resources {
		if deps.Cache != nil {
			cached, ok, err := deps.Cache.Get(ctx, query.Date, resource)
			if err != nil {
				slog.Warn("availability_cache_get_failed", "resource", resource, "date", query.Date, "error", err)
			}
			if ok {
				out = append(out, cached)
				continue
			}
		}
		out = append(out, readThrough(ctx, deps, resource, query.Date, hours))
	}
	return out, nil
}

// readThrough computes availability from the index and caches it. The
// generation is read before the index so a write landing in between makes
// the Set a no-op.
func readThrough(ctx context.Context, deps GetAvailabilityDeps, resource, date string, hours booking.OperatingHours) ResourceAvailability {
	if deps.Cache == nil {
		return buildAvailability(resource, date, deps.Occupancy.Occupancy(resource, date), hours)
	}
	gen, err := deps.Cache.Generation(ctx, date, resource)
	if err != nil {
		slog.Warn("availability_cache_generation_failed", "resource", resource, "date", date, "error", err)
		return buildAvailability(resource, date, deps.Occupancy.Occupancy(resource, date), hours)
	}
	a := buildAvailability(resource, date, deps.Occupancy.Occupancy(resource, date), hours)
	stored, err := deps.Cache.Set(ctx, a, gen)
	switch {
	case err != nil:
		slog.Warn("availability_cache_set_failed", "resource", resource, "date", date, "error", err)
	case !stored:
		slog.Debug("availability_cache_set_skipped", "resource", resource, "date", date, "generation", gen)
	}
	return a
}

func buildAvailability(resource, date string, entries []slotindex.Entry, hours booking.OperatingHours) ResourceAvailability {
	a := ResourceAvailability{Resource: resource, Date: date, Busy: []Window{}, Free: []Window{}}
	slices.SortFunc(entries, func(x, y slotindex.Entry) int { return x.Start - y.Start })

	cursor := hours.Open
	for _, e := range entries {
		a.Busy = append(a.Busy, Window{BookingID: e.BookingID, Start: booking.FormatClock(e.Start), End: booking.FormatClock(e.End)})
		if e.Start > cursor && cursor < hours.Close {
			a.Free = append(a.Free, Window{Start: booking.FormatClock(cursor), End: booking.FormatClock(min(e.Start, hours.Close))})
		}
		cursor = max(cursor, e.End)
	}
	if cursor < hours.Close {
		a.Free = append(a.Free, Window{Start: booking.FormatClock(cursor), End: booking.FormatClock(hours.Close)})
	}
	return a
}
