package web

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"courtbook/internal/application/listutil"
	"courtbook/internal/application/scheduling"
	"courtbook/internal/domain/booking"
)

type createBookingRequest struct {
	Resources       []string `json:"resources"`
	Date            string   `json:"date"`
	StartTime       string   `json:"startTime"`
	DurationMinutes int      `json:"durationMinutes"`
	Kind            string   `json:"kind"`
	Title           string   `json:"title"`
	Coach           string   `json:"coach"`
	Participants    []string `json:"participants"`
	Description     string   `json:"description"`
	OutreachRef     string   `json:"outreachRef"`
}

type rescheduleRequest struct {
	Resources       []string `json:"resources"`
	Date            string   `json:"date"`
	StartTime       string   `json:"startTime"`
	DurationMinutes int      `json:"durationMinutes"`
}

func (req rescheduleRequest) placement() (booking.Placement, error) {
	start, err := parseStart(req.StartTime)
	if err != nil {
		return booking.Placement{}, err
	}
	return booking.Placement{
		Resources:       req.Resources,
		Date:            req.Date,
		StartMinute:     start,
		DurationMinutes: req.DurationMinutes,
	}, nil
}

// handleBookings lists (GET) and creates (POST) bookings at /api/bookings.
func handleBookings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		listBookings(w, r)
	case http.MethodPost:
		createBooking(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// listBookings handles GET /api/bookings?date=&from=&to=&resource=&kind=&status=
// date is shorthand for from=to=date. page/per_page select a page and set
// X-Total-Count, X-Page and X-Total-Pages.
func listBookings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := scheduling.Filter{
		DateFrom: q.Get("from"),
		DateTo:   q.Get("to"),
		Resource: q.Get("resource"),
		Kind:     q.Get("kind"),
		Status:   q.Get("status"),
	}
	if date := q.Get("date"); date != "" {
		f.DateFrom, f.DateTo = date, date
	}
	list, err := app.Scheduling.Query(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if listutil.Requested(q) {
		var info listutil.PageInfo
		list, info = listutil.Paginate(list, listutil.ParsePageParams(q))
		w.Header().Set("X-Total-Count", strconv.Itoa(info.Total))
		w.Header().Set("X-Page", strconv.Itoa(info.Page))
		w.Header().Set("X-Total-Pages", strconv.Itoa(info.TotalPages))
	}
	out := make([]bookingJSON, 0, len(list))
	for _, b := range list {
		out = append(out, toBookingJSON(b))
	}
	writeJSON(w, http.StatusOK, out)
}

// createBooking handles POST /api/bookings.
func createBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := strictDecode(r, &req); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	start, err := parseStart(req.StartTime)
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := app.Scheduling.Create(r.Context(), actorFrom(r), scheduling.Draft{
		Resources:       req.Resources,
		Date:            req.Date,
		StartMinute:     start,
		DurationMinutes: req.DurationMinutes,
		Kind:            strings.TrimSpace(req.Kind),
		Title:           req.Title,
		Coach:           req.Coach,
		Participants:    req.Participants,
		Description:     req.Description,
		OutreachRef:     req.OutreachRef,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/bookings/"+created.ID)
	writeJSON(w, http.StatusCreated, toBookingJSON(created))
}

// handleBooking reads (GET) or cancels (DELETE) one booking at /api/bookings/{id}.
func handleBooking(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		getBooking(w, r, id)
	case http.MethodDelete:
		if err := app.Scheduling.Delete(r.Context(), actorFrom(r), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

// getBooking renders the description and, when the booking carries an
// outreach reference, the delivery status of that message. A failing status
// lookup leaves outreachStatus out rather than failing the read.
func getBooking(w http.ResponseWriter, r *http.Request, id string) {
	b, err := app.Scheduling.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := toBookingJSON(b)
	html, err := renderMarkdown(b.Description)
	if err != nil {
		internalError(w, err)
		return
	}
	out.DescriptionHTML = html
	if b.OutreachRef != "" {
		status, err := app.Outreach.Status(r.Context(), b.OutreachRef)
		if err != nil {
			slog.Warn("outreach_status_unavailable", "booking_id", b.ID, "ref", b.OutreachRef, "error", err)
		} else {
			out.OutreachStatus = &status
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleReschedule moves a booking synchronously (PUT /api/bookings/{id}/reschedule).
func handleReschedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, http.MethodPut)
		return
	}
	var req rescheduleRequest
	if err := strictDecode(r, &req); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	p, err := req.placement()
	if err != nil {
		writeError(w, err)
		return
	}
	moved, err := app.Scheduling.Reschedule(r.Context(), actorFrom(r), r.PathValue("id"), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingJSON(moved))
}
