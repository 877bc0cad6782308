package web

import (
	"errors"
	"net/http"
	"time"

	"courtbook/internal/application/reschedule"
	"courtbook/internal/domain/booking"
)

// maxMoveTimeout caps the timeoutMs a client may ask for.
const maxMoveTimeout = time.Minute

type beginMoveRequest struct {
	BookingID       string   `json:"bookingId"`
	Resources       []string `json:"resources"`
	Date            string   `json:"date"`
	StartTime       string   `json:"startTime"`
	DurationMinutes int      `json:"durationMinutes"`
	TimeoutMs       int      `json:"timeoutMs"`
}

// moveJSON is the wire form of a move. Booking is the position the
// coordinator currently displays for the booking.
type moveJSON struct {
	MoveID    string        `json:"moveId"`
	BookingID string        `json:"bookingId"`
	State     string        `json:"state"`
	Reason    string        `json:"reason,omitempty"`
	Error     string        `json:"error,omitempty"`
	Booking   *bookingJSON  `json:"booking,omitempty"`
	Conflicts []conflictRef `json:"conflictingBookings,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	SettledAt *time.Time    `json:"settledAt,omitempty"`
}

func toMoveJSON(m reschedule.Move) moveJSON {
	out := moveJSON{
		MoveID:    m.ID,
		BookingID: m.BookingID,
		State:     string(m.State),
		Reason:    m.Reason,
		StartedAt: m.StartedAt,
	}
	if m.Err != nil {
		out.Error = m.Err.Error()
		var cerr *booking.ConflictError
		if errors.As(m.Err, &cerr) {
			out.Conflicts = conflictRefs(cerr.Conflicting)
		}
	}
	if !m.SettledAt.IsZero() {
		settled := m.SettledAt
		out.SettledAt = &settled
	}
	if view, _, ok := app.Moves.View(m.BookingID); ok {
		b := toBookingJSON(view)
		out.Booking = &b
	} else if m.State == reschedule.StateCommitted {
		b := toBookingJSON(m.Result)
		out.Booking = &b
	} else {
		b := toBookingJSON(m.Before)
		out.Booking = &b
	}
	return out
}

// handleMoves starts a move (POST /api/moves). The response is 202 with the
// move in pending_move state; clients poll GET /api/moves/{id}.
func handleMoves(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req beginMoveRequest
	if err := strictDecode(r, &req); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.BookingID == "" {
		writeError(w, &booking.ValidationError{Field: "bookingId", Reason: "is required"})
		return
	}
	if req.TimeoutMs < 0 {
		writeError(w, &booking.ValidationError{Field: "timeoutMs", Reason: "must not be negative"})
		return
	}
	p, err := rescheduleRequest{
		Resources: req.Resources, Date: req.Date, StartTime: req.StartTime, DurationMinutes: req.DurationMinutes,
	}.placement()
	if err != nil {
		writeError(w, err)
		return
	}
	timeout := app.MoveTimeout
	if req.TimeoutMs > 0 {
		timeout = min(time.Duration(req.TimeoutMs)*time.Millisecond, maxMoveTimeout)
	}

	m, err := app.Moves.Begin(r.Context(), actorFrom(r), req.BookingID, p, timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/moves/"+m.ID)
	writeJSON(w, http.StatusAccepted, toMoveJSON(m))
}

// handleMove reads (GET) or cancels (DELETE) a move at /api/moves/{id}.
// GET with ?wait=1 blocks until the move settles or the request ends.
func handleMove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		var (
			m   reschedule.Move
			err error
		)
		if r.URL.Query().Get("wait") != "" {
			m, err = app.Moves.Await(r.Context(), id)
			if err != nil && r.Context().Err() != nil {
				m, err = app.Moves.Get(id)
			}
		} else {
			m, err = app.Moves.Get(id)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toMoveJSON(m))
	case http.MethodDelete:
		m, err := app.Moves.Cancel(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toMoveJSON(m))
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}
