package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"byhandle/backend/internal/domain"
)

type AppointmentRepository interface {
	List(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
	UpdateStatus(ctx context.Context, businessID string, appointmentID uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error)

	// InBusinessTransaction runs fn with the business calendar locked, so a
	// check made through tx still holds when fn creates the appointment.
	InBusinessTransaction(ctx context.Context, businessID string, fn func(ctx context.Context, tx BookingTx) error) error
}

type BookingTx interface {
	ListAppointments(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
	CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	GetAppointment(ctx context.Context, businessID string, appointmentID uuid.UUID) (domain.Appointment, error)
	UpdateStatus(ctx context.Context, businessID string, appointmentID uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error)
}

type ScheduleRepository interface {
	OperatingHours(ctx context.Context, businessID string) ([]domain.OperatingHour, error)
	ReplaceOperatingHours(ctx context.Context, businessID string, hours []domain.OperatingHour) error
}
