package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AppointmentStatus string

const (
	AppointmentStatusPending   AppointmentStatus = "pending"
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	AppointmentStatusCompleted AppointmentStatus = "completed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
	AppointmentStatusNoShow    AppointmentStatus = "no_show"
)

// Blocking reports whether an appointment in this status occupies the
// calendar. Unknown statuses block.
func (s AppointmentStatus) Blocking() bool {
	switch s {
	case AppointmentStatusCancelled, AppointmentStatusNoShow:
		return false
	default:
		return true
	}
}

func (s AppointmentStatus) Known() bool {
	switch s {
	case AppointmentStatusPending,
		AppointmentStatusConfirmed,
		AppointmentStatusCompleted,
		AppointmentStatusCancelled,
		AppointmentStatusNoShow:
		return true
	default:
		return false
	}
}

type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID            uuid.UUID         `bun:"id,pk,type:uuid"`
	BusinessID    string            `bun:"business_id,notnull"`
	CustomerName  string            `bun:"customer_name,notnull"`
	CustomerEmail string            `bun:"customer_email"`
	CustomerPhone string            `bun:"customer_phone"`
	ServiceName   string            `bun:"service_name"`
	Notes         string            `bun:"notes"`
	StartTime     time.Time         `bun:"start_time,notnull"`
	EndTime       time.Time         `bun:"end_time,notnull"`
	Status        AppointmentStatus `bun:"status,notnull"`
	CreatedAt     time.Time         `bun:"created_at,notnull"`
	UpdatedAt     time.Time         `bun:"updated_at,notnull"`
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.Status == "" {
			a.Status = AppointmentStatusConfirmed
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

// Overlaps uses half-open intervals, so touching endpoints do not overlap.
func (a Appointment) Overlaps(start, end time.Time) bool {
	return start.Before(a.EndTime) && a.StartTime.Before(end)
}
