package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"byhandle/backend/internal/domain"
	"byhandle/backend/internal/store"
)

const (
	pgExclusionViolation = "23P01"

	noOverlapConstraint = "appointments_no_overlap"
)

type AppointmentRepo struct {
	db *bun.DB
}

func NewAppointmentRepo(db *bun.DB) *AppointmentRepo {
	return &AppointmentRepo{db: db}
}

type bookingTx struct {
	tx bun.Tx
}

func (r *AppointmentRepo) List(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	return listAppointments(ctx, r.db, businessID, windowStart, windowEnd)
}

func (r *AppointmentRepo) UpdateStatus(ctx context.Context, businessID string, appointmentID uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error) {
	return updateStatus(ctx, r.db, businessID, appointmentID, status)
}

func (r *AppointmentRepo) InBusinessTransaction(ctx context.Context, businessID string, fn func(ctx context.Context, tx store.BookingTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockBusinessCalendar(ctx, tx, businessID); err != nil {
			return err
		}
		return fn(ctx, bookingTx{tx: tx})
	})
}

func lockBusinessCalendar(ctx context.Context, tx bun.Tx, businessID string) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", lockKey(businessID)).Exec(ctx)
	return err
}

func lockKey(businessID string) string {
	return "byhandle:calendar:" + businessID
}

func (r bookingTx) ListAppointments(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	return listAppointments(ctx, r.tx, businessID, windowStart, windowEnd)
}

// GetAppointment loads one appointment and locks its row.
func (r bookingTx) GetAppointment(ctx context.Context, businessID string, appointmentID uuid.UUID) (domain.Appointment, error) {
	var m domain.Appointment
	err := r.tx.NewSelect().
		Model(&m).
		Where("business_id = ?", businessID).
		Where("id = ?", appointmentID).
		For("UPDATE").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Appointment{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Appointment{}, err
	}
	return m, nil
}

func (r bookingTx) UpdateStatus(ctx context.Context, businessID string, appointmentID uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error) {
	return updateStatus(ctx, r.tx, businessID, appointmentID, status)
}

// CreateAppointment inserts appt. A row already stored under the same ID is
// returned when it carries the same booking, which makes keyed retries safe.
func (r bookingTx) CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := appt

	res, err := r.tx.NewInsert().
		Model(&m).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		if isNoOverlapViolation(err) {
			return domain.Appointment{}, store.ErrConflict
		}
		return domain.Appointment{}, err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return m, err
	}

	var existing domain.Appointment
	err = r.tx.NewSelect().
		Model(&existing).
		Where("id = ?", m.ID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Appointment{}, store.ErrIdempotencyConflict
	}
	if err != nil {
		return domain.Appointment{}, err
	}
	if !sameBooking(existing, appt) {
		return domain.Appointment{}, store.ErrIdempotencyConflict
	}
	return existing, nil
}

func updateStatus(ctx context.Context, db bun.IDB, businessID string, appointmentID uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error) {
	m := domain.Appointment{Status: status}
	err := db.NewUpdate().
		Model(&m).
		Column("status", "updated_at").
		Where("business_id = ?", businessID).
		Where("id = ?", appointmentID).
		Returning("*").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		if isNoOverlapViolation(err) {
			return domain.Appointment{}, store.ErrConflict
		}
		return domain.Appointment{}, err
	}
	return m, nil
}

func listAppointments(ctx context.Context, db bun.IDB, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := db.NewSelect().
		Model(&rows).
		Where("business_id = ?", businessID).
		Where("start_time < ?", windowEnd).
		Where("end_time > ?", windowStart).
		OrderExpr("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func isNoOverlapViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgExclusionViolation && pgErr.ConstraintName == noOverlapConstraint
}

// sameBooking decides whether a replayed idempotency key carries the same
// request as the stored row.
func sameBooking(existing, requested domain.Appointment) bool {
	return existing.BusinessID == requested.BusinessID &&
		existing.CustomerName == requested.CustomerName &&
		existing.CustomerEmail == requested.CustomerEmail &&
		existing.CustomerPhone == requested.CustomerPhone &&
		existing.Notes == requested.Notes &&
		existing.ServiceName == requested.ServiceName &&
		existing.StartTime.Equal(requested.StartTime) &&
		existing.EndTime.Equal(requested.EndTime)
}
