package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"

	"courtbook/internal/adapters/http/middleware"
	"courtbook/internal/adapters/outreach"
	"courtbook/internal/application/reschedule"
	"courtbook/internal/application/scheduling"
	"courtbook/internal/domain/booking"
)

// mdRenderer is a goldmark instance configured for safe HTML output.
// Raw HTML in markdown input is escaped (WithUnsafe is NOT set).
var mdRenderer = goldmark.New(
	goldmark.WithRendererOptions(
		goldmarkHTML.WithHardWraps(),
	),
)

// renderMarkdown converts a booking description to HTML. Empty input renders empty.
func renderMarkdown(src string) (string, error) {
	if src == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := mdRenderer.Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// internalError logs the real error and returns a generic message to the client.
func internalError(w http.ResponseWriter, err error) {
	slog.Error("internal_error", "error", err.Error())
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
}

// strictDecode decodes JSON from the request body, rejecting unknown fields.
func strictDecode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response_encode_failed", "error", err)
	}
}

func methodNotAllowed(w http.ResponseWriter, allow ...string) {
	w.Header().Set("Allow", strings.Join(allow, ", "))
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed"})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error               string        `json:"error"`
	Field               string        `json:"field,omitempty"`
	Reason              string        `json:"reason,omitempty"`
	ConflictingBookings []conflictRef `json:"conflictingBookings,omitempty"`
}

// conflictRef identifies one booking a candidate collides with.
type conflictRef struct {
	ID        string   `json:"id"`
	Resources []string `json:"resources"`
	Date      string   `json:"date"`
	StartTime string   `json:"startTime"`
	EndTime   string   `json:"endTime"`
	Title     string   `json:"title,omitempty"`
}

func conflictRefs(bs []booking.Booking) []conflictRef {
	refs := make([]conflictRef, 0, len(bs))
	for _, b := range bs {
		refs = append(refs, conflictRef{
			ID:        b.ID,
			Resources: b.Resources,
			Date:      b.Date,
			StartTime: booking.FormatClock(b.StartMinute),
			EndTime:   booking.FormatClock(b.EndMinute()),
			Title:     b.Title,
		})
	}
	return refs
}

func badRequest(w http.ResponseWriter, reason string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Reason: reason})
}

// writeError maps domain and coordinator errors onto status codes.
// Anything unrecognised is a 500.
func writeError(w http.ResponseWriter, err error) {
	var (
		verr *booking.ValidationError
		cerr *booking.ConflictError
		aerr *booking.AuthorizationError
		xerr *booking.ConcurrencyError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "validation", Field: verr.Field, Reason: verr.Reason})
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusConflict, errorBody{Error: "conflict", ConflictingBookings: conflictRefs(cerr.Conflicting)})
	case errors.As(err, &xerr):
		writeJSON(w, http.StatusConflict, errorBody{Error: "concurrency", Reason: xerr.Reason})
	case errors.Is(err, booking.ErrNotFound), errors.Is(err, reschedule.ErrMoveNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	case errors.As(err, &aerr):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Reason: aerr.Error()})
	case errors.Is(err, reschedule.ErrMovePending):
		writeJSON(w, http.StatusConflict, errorBody{Error: "move_pending"})
	default:
		internalError(w, err)
	}
}

// actorFrom returns the caller, or an anonymous actor with no role.
func actorFrom(r *http.Request) scheduling.Actor {
	sess, ok := middleware.GetSessionFromContext(r.Context())
	if !ok {
		return scheduling.Actor{}
	}
	return scheduling.Actor{ID: sess.AccountID, Role: sess.Role}
}

// bookingJSON is the wire form of a booking.
type bookingJSON struct {
	ID              string           `json:"id"`
	Resources       []string         `json:"resources"`
	Date            string           `json:"date"`
	StartTime       string           `json:"startTime"`
	EndTime         string           `json:"endTime"`
	DurationMinutes int              `json:"durationMinutes"`
	Kind            string           `json:"kind"`
	Title           string           `json:"title"`
	Coach           string           `json:"coach,omitempty"`
	Participants    []string         `json:"participants"`
	Description     string           `json:"description,omitempty"`
	DescriptionHTML string           `json:"descriptionHtml,omitempty"`
	Status          string           `json:"status"`
	Version         int              `json:"version"`
	OutreachRef     string           `json:"outreachRef,omitempty"`
	OutreachStatus  *outreach.Status `json:"outreachStatus,omitempty"`
	CreatedBy       string           `json:"createdBy"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

func toBookingJSON(b booking.Booking) bookingJSON {
	participants := b.Participants
	if participants == nil {
		participants = []string{}
	}
	return bookingJSON{
		ID:              b.ID,
		Resources:       b.Resources,
		Date:            b.Date,
		StartTime:       booking.FormatClock(b.StartMinute),
		EndTime:         booking.FormatClock(b.EndMinute()),
		DurationMinutes: b.DurationMinutes,
		Kind:            b.Kind,
		Title:           b.Title,
		Coach:           b.Coach,
		Participants:    participants,
		Description:     b.Description,
		Status:          b.Status,
		Version:         b.Version,
		OutreachRef:     b.OutreachRef,
		CreatedBy:       b.CreatedBy,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
}

// parseStart converts the wire startTime into minutes since midnight.
func parseStart(s string) (int, error) {
	if s == "" {
		return 0, &booking.ValidationError{Field: "startTime", Reason: "is required"}
	}
	m, err := booking.ParseClock(s)
	if err != nil {
		return 0, &booking.ValidationError{Field: "startTime", Reason: err.Error()}
	}
	return m, nil
}

// handleHealthz reports liveness and database reachability (GET /healthz).
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if app.Ping != nil {
		if err := app.Ping(r.Context()); err != nil {
			slog.Warn("healthz_failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"schema":  app.SchemaVersion,
		"version": app.Version,
	})
}
