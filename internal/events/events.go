// Package events publishes booking lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"byhandle/backend/internal/domain"
)

const (
	TypeAppointmentBooked        = "appointment.booked"
	TypeAppointmentStatusChanged = "appointment.status_changed"
)

type Event struct {
	ID         string
	Type       string
	Key        string
	OccurredAt time.Time
	Payload    []byte
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop drops every event. It is used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

type appointmentPayload struct {
	AppointmentID string    `json:"appointment_id"`
	BusinessID    string    `json:"business_id"`
	CustomerName  string    `json:"customer_name"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	ServiceName   string    `json:"service_name,omitempty"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Status        string    `json:"status"`
}

func AppointmentBooked(a domain.Appointment) (Event, error) {
	return appointmentEvent(TypeAppointmentBooked, a)
}

func AppointmentStatusChanged(a domain.Appointment) (Event, error) {
	return appointmentEvent(TypeAppointmentStatusChanged, a)
}

func appointmentEvent(eventType string, a domain.Appointment) (Event, error) {
	payload, err := json.Marshal(appointmentPayload{
		AppointmentID: a.ID.String(),
		BusinessID:    a.BusinessID,
		CustomerName:  a.CustomerName,
		CustomerEmail: a.CustomerEmail,
		ServiceName:   a.ServiceName,
		StartTime:     a.StartTime.UTC(),
		EndTime:       a.EndTime.UTC(),
		Status:        string(a.Status),
	})
	if err != nil {
		return Event{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:         id.String(),
		Type:       eventType,
		Key:        a.ID.String(),
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}, nil
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
