package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"byhandle/backend/internal/availability"
	"byhandle/backend/internal/domain"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	Field  string `json:"field,omitempty"`
}

type slotJSON struct {
	Time      string `json:"time"`
	Available bool   `json:"available"`
	Start     string `json:"start"`
	End       string `json:"end"`
	Display   string `json:"display"`
}

type dayJSON struct {
	Date  string     `json:"date"`
	Slots []slotJSON `json:"slots"`
}

type availabilityResponse struct {
	Availability []dayJSON `json:"availability"`
}

type nextSlotResponse struct {
	Slot slotJSON `json:"slot"`
}

type checkResponse struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

type bookRequest struct {
	CustomerName    string `json:"customer_name"`
	CustomerEmail   string `json:"customer_email"`
	CustomerPhone   string `json:"customer_phone"`
	ServiceName     string `json:"service_name"`
	Notes           string `json:"notes"`
	StartTime       string `json:"start_time"`
	DurationMinutes int    `json:"duration_minutes"`
}

type appointmentJSON struct {
	ID            string    `json:"id"`
	BusinessID    string    `json:"business_id"`
	CustomerName  string    `json:"customer_name"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	CustomerPhone string    `json:"customer_phone,omitempty"`
	ServiceName   string    `json:"service_name,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type appointmentResponse struct {
	Appointment appointmentJSON `json:"appointment"`
}

type appointmentsResponse struct {
	Appointments []appointmentJSON `json:"appointments"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type operatingHoursBody struct {
	Hours []domain.OperatingHour `json:"hours"`
}

func toSlotJSON(s availability.TimeSlot) slotJSON {
	return slotJSON{
		Time:      s.Clock(),
		Available: true,
		Start:     s.StartISO(),
		End:       s.EndISO(),
		Display:   s.DisplayTime(),
	}
}

func toAppointmentJSON(a domain.Appointment, loc *time.Location) appointmentJSON {
	return appointmentJSON{
		ID:            a.ID.String(),
		BusinessID:    a.BusinessID,
		CustomerName:  a.CustomerName,
		CustomerEmail: a.CustomerEmail,
		CustomerPhone: a.CustomerPhone,
		ServiceName:   a.ServiceName,
		Notes:         a.Notes,
		StartTime:     a.StartTime.In(loc),
		EndTime:       a.EndTime.In(loc),
		Status:        string(a.Status),
		CreatedAt:     a.CreatedAt.UTC(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// requestError is a malformed request detected before reaching the service.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func decodeJSON(r *http.Request, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return &requestError{status: http.StatusUnsupportedMediaType, msg: "content type must be application/json"}
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return &requestError{status: http.StatusRequestEntityTooLarge, msg: "request body too large"}
		case errors.Is(err, io.EOF):
			return badRequest("request body is required")
		default:
			return badRequest("invalid JSON body")
		}
	}
	if dec.More() {
		return badRequest("request body must contain a single JSON object")
	}
	return nil
}
