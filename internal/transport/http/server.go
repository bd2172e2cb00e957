// Package http exposes the booking service as a JSON API for the chat widget
// and the business dashboard.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"byhandle/backend/internal/availability"
	"byhandle/backend/internal/domain"
	"byhandle/backend/internal/service/booking"
	"byhandle/backend/internal/store"
)

const dateLayout = "2006-01-02"

type BookingServer struct {
	svc bookingService
	loc *time.Location
	log *slog.Logger
}

type bookingService interface {
	Availability(ctx context.Context, in booking.AvailabilityInput) ([]booking.DayAvailability, error)
	NextAvailable(ctx context.Context, businessID string, durationMinutes int) (availability.TimeSlot, bool, error)
	CheckSlot(ctx context.Context, businessID string, start time.Time, durationMinutes int) (availability.SlotCheck, error)
	Book(ctx context.Context, in booking.BookInput) (domain.Appointment, error)
	List(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
	UpdateStatus(ctx context.Context, businessID string, appointmentID uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error)
	OperatingHours(ctx context.Context, businessID string) ([]domain.OperatingHour, error)
	SetOperatingHours(ctx context.Context, businessID string, hours []domain.OperatingHour) ([]domain.OperatingHour, error)
}

// NewBookingServer renders times in loc, which should match the engine's
// location so dates in requests and responses agree with slot computation.
func NewBookingServer(svc bookingService, loc *time.Location, log *slog.Logger) *BookingServer {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &BookingServer{
		svc: svc,
		loc: loc,
		log: log.With(slog.String("component", "http.booking")),
	}
}

func (s *BookingServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/businesses/{businessID}/availability", s.getAvailability)
	mux.HandleFunc("GET /v1/businesses/{businessID}/availability/next", s.getNextAvailable)
	mux.HandleFunc("GET /v1/businesses/{businessID}/availability/check", s.checkSlot)
	mux.HandleFunc("POST /v1/businesses/{businessID}/appointments", s.bookAppointment)
	mux.HandleFunc("GET /v1/businesses/{businessID}/appointments", s.listAppointments)
	mux.HandleFunc("PATCH /v1/businesses/{businessID}/appointments/{appointmentID}", s.updateAppointmentStatus)
	mux.HandleFunc("GET /v1/businesses/{businessID}/operating-hours", s.getOperatingHours)
	mux.HandleFunc("PUT /v1/businesses/{businessID}/operating-hours", s.putOperatingHours)
}

func (s *BookingServer) getAvailability(w http.ResponseWriter, r *http.Request) {
	businessID := r.PathValue("businessID")
	log := s.log.With(slog.String("op", "Availability"), slog.String("business_id", businessID))
	q := r.URL.Query()

	in := booking.AvailabilityInput{BusinessID: businessID}
	var err error
	if v := q.Get("start"); v != "" {
		if in.StartDate, err = time.ParseInLocation(dateLayout, v, s.loc); err != nil {
			s.fail(w, r, log, badRequest("start must be a YYYY-MM-DD date"))
			return
		}
	}
	if in.Days, err = optionalInt(q.Get("days"), "days"); err != nil {
		s.fail(w, r, log, err)
		return
	}
	if in.DurationMinutes, err = requiredInt(q.Get("duration"), "duration"); err != nil {
		s.fail(w, r, log, err)
		return
	}
	if in.IntervalMinutes, err = optionalInt(q.Get("interval"), "interval"); err != nil {
		s.fail(w, r, log, err)
		return
	}

	days, err := s.svc.Availability(r.Context(), in)
	if err != nil {
		s.fail(w, r, log, err)
		return
	}

	out := availabilityResponse{Availability: make([]dayJSON, 0, len(days))}
	for _, d := range days {
		slots := make([]slotJSON, 0, len(d.Slots))
		for _, slot := range d.Slots {
			slots = append(slots, toSlotJSON(slot))
		}
		out.Availability = append(out.Availability, dayJSON{Date: d.Date, Slots: slots})
	}

	log.Debug("availability computed", slog.Int("days", len(out.Availability)))
	writeJSON(w, http.StatusOK, out)
}

func (s *BookingServer) getNextAvailable(w http.ResponseWriter, r *http.Request) {
	businessID := r.PathValue("businessID")
	log := s.log.With(slog.String("op", "NextAvailable"), slog.String("business_id", businessID))

	duration, err := requiredInt(r.URL.Query().Get("duration"), "duration")
	if err != nil {
		s.fail(w, r, log, err)
		return
	}

	slot, ok, err := s.svc.NextAvailable(r.Context(), businessID, duration)
	if err != nil {
		s.fail(w, r, log, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no availability in the next 14 days")
		return
	}
	writeJSON(w, http.StatusOK, nextSlotResponse{Slot: toSlotJSON(slot)})
}

func (s *BookingServer) checkSlot(w http.ResponseWriter, r *http.Request) {
	businessID := r.PathValue("businessID")
	log := s.log.With(slog.String("op", "CheckSlot"), slog.String("business_id", businessID))
	q := r.URL.Query()

	start, err := requiredTime(q.Get("start"), "start")
	if err != nil {
		s.fail(w, r, log, err)
		return
	}
	duration, err := requiredInt(q.Get("duration"), "duration")
	if err != nil {
		s.fail(w, r, log, err)
		return
	}

	check, err := s.svc.CheckSlot(r.Context(), businessID, start, duration)
	if err != nil {
		s.fail(w, r, log, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{Available: check.Available, Reason: string(check.Reason)})
}

func (s *BookingServer) bookAppointment(w http.ResponseWriter, r *http.Request) {
	businessID := r.PathValue("businessID")
	log := s.log.With(slog.String("op", "Book"), slog.String("business_id", businessID))

	var req bookRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, log, err)
		return
	}
	start, err := requiredTime(req.StartTime, "start_time")
	if err != nil {
		s.fail(w, r, log, err)
		return
	}

	appt, err := s.svc.Book(r.Context(), booking.BookInput{
		BusinessID:      businessID,
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		CustomerPhone:   req.CustomerPhone,
		ServiceName:     req.ServiceName,
		Notes:           req.Notes,
		StartTime:       start,
		DurationMinutes: req.DurationMinutes,
		IdempotencyKey:  idempotencyKey(r),
	})
	if err != nil {
		s.fail(w, r, log, err)
		return
	}

	log.Info(
		"appointment booked",
		slog.String("appointment_id", appt.ID.String()),
		slog.Time("start_time", appt.StartTime),
		slog.Time("end_time", appt.EndTime),
	)
	writeJSON(w, http.StatusCreated, appointmentResponse{Appointment: toAppointmentJSON(appt, s.loc)})
}

func (s *BookingServer) listAppointments(w http.ResponseWriter, r *http.Request) {
	businessID := r.PathValue("businessID")
	log := s.log.With(slog.String("op", "List"), slog.String("business_id", businessID))
	q := r.URL.Query()

	from, err := requiredTime(q.Get("from"), "from")
	if err != nil {
		s.fail(w, r, log, err)
		return
	}
	to, err := requiredTime(q.Get("to"), "to")
	if err != nil {
		s.fail(w, r, log, err)
		return
	}

	appts, err := s.svc.List(r.Context(), businessID, from, to)
	if err != nil {
		s.fail(w, r, log, err)
		return
	}

	out := appointmentsResponse{Appointments: make([]appointmentJSON, 0, len(appts))}
	for _, a := range appts {
		out.Appointments = append(out.Appointments, toAppointmentJSON(a, s.loc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *BookingServer) updateAppointmentStatus(w http.ResponseWriter, r *http.Request) {
	businessID := r.PathValue("businessID")
	log := s.log.With(slog.String("op", "UpdateStatus"), slog.String("business_id", businessID))

	id, err := uuid.Parse(r.PathValue("appointmentID"))
	if err != nil {
		s.fail(w, r, log, badRequest("appointment_id must be a UUID"))
		return
	}

	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, log, err)
		return
	}

	appt, err := s.svc.UpdateStatus(r.Context(), businessID, id, domain.AppointmentStatus(strings.TrimSpace(req.Status)))
	if err != nil {
		s.fail(w, r, log, err)
		return
	}

	log.Info("appointment status updated", slog.String("appointment_id", id.String()), slog.String("status", string(appt.Status)))
	writeJSON(w, http.StatusOK, appointmentResponse{Appointment: toAppointmentJSON(appt, s.loc)})
}

func (s *BookingServer) getOperatingHours(w http.ResponseWriter, r *http.Request) {
	businessID := r.PathValue("businessID")
	log := s.log.With(slog.String("op", "OperatingHours"), slog.String("business_id", businessID))

	hours, err := s.svc.OperatingHours(r.Context(), businessID)
	if err != nil {
		s.fail(w, r, log, err)
		return
	}
	if hours == nil {
		hours = []domain.OperatingHour{}
	}
	writeJSON(w, http.StatusOK, operatingHoursBody{Hours: hours})
}

func (s *BookingServer) putOperatingHours(w http.ResponseWriter, r *http.Request) {
	businessID := r.PathValue("businessID")
	log := s.log.With(slog.String("op", "SetOperatingHours"), slog.String("business_id", businessID))

	var req operatingHoursBody
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, log, err)
		return
	}

	hours, err := s.svc.SetOperatingHours(r.Context(), businessID, req.Hours)
	if err != nil {
		// Here the table comes from the caller, so a bad one is their input error.
		var cfgErr *availability.ConfigError
		if errors.As(err, &cfgErr) {
			log.Warn("invalid operating hours", slog.String("field", cfgErr.Field), slog.String("reason", cfgErr.Msg))
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: cfgErr.Msg, Field: cfgErr.Field})
			return
		}
		s.fail(w, r, log, err)
		return
	}
	writeJSON(w, http.StatusOK, operatingHoursBody{Hours: hours})
}

// fail maps service and request errors to HTTP responses. Internal details
// are logged and never returned to the caller.
func (s *BookingServer) fail(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var (
		reqErr  *requestError
		vErr    *booking.ValidationError
		slotErr *booking.SlotUnavailableError
		cfgErr  *availability.ConfigError
	)
	switch {
	case errors.As(err, &reqErr):
		log.Warn("invalid request", slog.Any("err", err))
		writeError(w, reqErr.status, reqErr.msg)
	case errors.As(err, &vErr):
		log.Warn("invalid request", slog.Any("err", err))
		writeError(w, http.StatusBadRequest, vErr.Error())
	case errors.As(err, &slotErr):
		log.Info("slot unavailable", slog.String("reason", string(slotErr.Reason)))
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:  "that time is no longer available",
			Reason: string(slotErr.Reason),
		})
	case errors.Is(err, store.ErrIdempotencyConflict):
		log.Info("idempotency key reused", slog.Any("err", err))
		writeError(w, http.StatusConflict, "this request key was already used for a different appointment")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "appointment not found")
	case errors.As(err, &cfgErr):
		log.Error("business schedule misconfigured", slog.String("field", cfgErr.Field), slog.String("reason", cfgErr.Msg))
		writeError(w, http.StatusInternalServerError, "booking is temporarily unavailable")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		log.Warn("request aborted", slog.Any("err", err))
		writeError(w, http.StatusServiceUnavailable, "request aborted")
	default:
		log.Error("request failed", slog.Any("err", err), slog.String("path", r.URL.Path))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func idempotencyKey(r *http.Request) string {
	v := r.Header.Get("Idempotency-Key")
	if v == "" {
		v = r.Header.Get("X-Idempotency-Key")
	}
	return strings.TrimSpace(v)
}

func requiredInt(v, name string) (int, error) {
	if strings.TrimSpace(v) == "" {
		return 0, badRequest("%s is required", name)
	}
	return optionalInt(v, name)
}

func optionalInt(v, name string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, badRequest("%s must be an integer", name)
	}
	return n, nil
}

func requiredTime(v, name string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, badRequest("%s is required", name)
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, badRequest("%s must be an RFC 3339 timestamp", name)
	}
	return t, nil
}
