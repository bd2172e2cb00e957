// Package booking loads schedules and appointments for a business and runs
// them through the availability engine. It is the only writer of
// appointments.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"byhandle/backend/internal/availability"
	"byhandle/backend/internal/domain"
	"byhandle/backend/internal/events"
	"byhandle/backend/internal/store"
)

const (
	DefaultDays           = 7
	MaxDurationMinutes    = 24 * 60
	DefaultPublishTimeout = 2 * time.Second

	maxIdempotencyKeyLen = 256
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// SlotUnavailableError is returned by Book when the requested start cannot
// be booked. Reason is one of the availability reason codes.
type SlotUnavailableError struct {
	Reason availability.Reason
}

func (e *SlotUnavailableError) Error() string {
	return "slot unavailable: " + string(e.Reason)
}

type Service struct {
	engine         *availability.Engine
	schedules      store.ScheduleRepository
	appointments   store.AppointmentRepository
	publisher      events.Publisher
	publishTimeout time.Duration
	log            *slog.Logger
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithPublishTimeout bounds how long a committed change waits on the event
// publisher before the request returns.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func NewService(engine *availability.Engine, schedules store.ScheduleRepository, appointments store.AppointmentRepository, opts ...Option) *Service {
	s := &Service{
		engine:         engine,
		schedules:      schedules,
		appointments:   appointments,
		publisher:      events.Nop{},
		publishTimeout: DefaultPublishTimeout,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type AvailabilityInput struct {
	BusinessID      string
	StartDate       time.Time
	Days            int
	DurationMinutes int
	IntervalMinutes int
}

type DayAvailability struct {
	Date  string
	Slots []availability.TimeSlot
}

func (s *Service) Availability(ctx context.Context, in AvailabilityInput) ([]DayAvailability, error) {
	if in.BusinessID == "" {
		return nil, validationError("business_id is required")
	}
	if err := validateDuration(in.DurationMinutes); err != nil {
		return nil, err
	}

	days := in.Days
	if days == 0 {
		days = DefaultDays
	}
	if days < 1 || days > availability.MaxRangeDays {
		return nil, validationError(fmt.Sprintf("days must be between 1 and %d", availability.MaxRangeDays))
	}

	interval := in.IntervalMinutes
	if interval == 0 {
		interval = availability.DefaultSlotIntervalMinutes
	}
	if interval < 1 || interval > MaxDurationMinutes {
		return nil, validationError("interval must be between 1 and 1440 minutes")
	}

	startDate := in.StartDate
	if startDate.IsZero() {
		startDate = s.engine.Now()
	}

	sched, err := s.schedule(ctx, in.BusinessID)
	if err != nil {
		return nil, err
	}

	from, to := s.window(startDate, days)
	appts, err := s.appointments.List(ctx, in.BusinessID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}

	res, err := s.engine.RangeAvailability(startDate, days, sched, in.DurationMinutes, appts, interval)
	if err != nil {
		return nil, err
	}

	out := make([]DayAvailability, 0, len(res))
	for _, d := range res.Dates() {
		out = append(out, DayAvailability{Date: d, Slots: res[d]})
	}
	return out, nil
}

func (s *Service) NextAvailable(ctx context.Context, businessID string, durationMinutes int) (availability.TimeSlot, bool, error) {
	if businessID == "" {
		return availability.TimeSlot{}, false, validationError("business_id is required")
	}
	if err := validateDuration(durationMinutes); err != nil {
		return availability.TimeSlot{}, false, err
	}

	sched, err := s.schedule(ctx, businessID)
	if err != nil {
		return availability.TimeSlot{}, false, err
	}

	from, to := s.window(s.engine.Now(), availability.DefaultHorizonDays)
	appts, err := s.appointments.List(ctx, businessID, from, to)
	if err != nil {
		return availability.TimeSlot{}, false, fmt.Errorf("list appointments: %w", err)
	}

	return s.engine.NextAvailableSlot(sched, durationMinutes, appts, availability.DefaultHorizonDays)
}

func (s *Service) CheckSlot(ctx context.Context, businessID string, start time.Time, durationMinutes int) (availability.SlotCheck, error) {
	if businessID == "" {
		return availability.SlotCheck{}, validationError("business_id is required")
	}
	if start.IsZero() {
		return availability.SlotCheck{}, validationError("start is required")
	}
	if err := validateDuration(durationMinutes); err != nil {
		return availability.SlotCheck{}, err
	}

	sched, err := s.schedule(ctx, businessID)
	if err != nil {
		return availability.SlotCheck{}, err
	}

	end := start.Add(time.Duration(durationMinutes) * time.Minute)
	appts, err := s.appointments.List(ctx, businessID, start.UTC(), end.UTC())
	if err != nil {
		return availability.SlotCheck{}, fmt.Errorf("list appointments: %w", err)
	}

	return s.engine.IsSlotAvailable(start, durationMinutes, sched, appts)
}

type BookInput struct {
	BusinessID      string
	CustomerName    string
	CustomerEmail   string
	CustomerPhone   string
	ServiceName     string
	Notes           string
	StartTime       time.Time
	DurationMinutes int
	IdempotencyKey  string
}

// Book re-checks the slot against the calendar while holding the business
// lock and inserts the appointment. A replayed idempotency key returns the
// stored appointment.
func (s *Service) Book(ctx context.Context, in BookInput) (domain.Appointment, error) {
	if in.BusinessID == "" {
		return domain.Appointment{}, validationError("business_id is required")
	}
	name := strings.TrimSpace(in.CustomerName)
	if name == "" {
		return domain.Appointment{}, validationError("customer_name is required")
	}
	email := strings.TrimSpace(in.CustomerEmail)
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return domain.Appointment{}, validationError("customer_email is invalid")
		}
	}
	if in.StartTime.IsZero() {
		return domain.Appointment{}, validationError("start_time is required")
	}
	if err := validateDuration(in.DurationMinutes); err != nil {
		return domain.Appointment{}, err
	}

	start := in.StartTime.UTC()
	end := start.Add(time.Duration(in.DurationMinutes) * time.Minute)

	appt := domain.Appointment{
		BusinessID:    in.BusinessID,
		CustomerName:  name,
		CustomerEmail: email,
		CustomerPhone: strings.TrimSpace(in.CustomerPhone),
		ServiceName:   strings.TrimSpace(in.ServiceName),
		Notes:         in.Notes,
		StartTime:     start,
		EndTime:       end,
		Status:        domain.AppointmentStatusConfirmed,
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if len(key) > maxIdempotencyKeyLen {
			return domain.Appointment{}, validationError("idempotency_key too long")
		}
		appt.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("byhandle:book_appointment:"+in.BusinessID+":"+key))
	}

	sched, err := s.schedule(ctx, in.BusinessID)
	if err != nil {
		return domain.Appointment{}, err
	}

	var created domain.Appointment
	replay := false
	err = s.appointments.InBusinessTransaction(ctx, in.BusinessID, func(ctx context.Context, tx store.BookingTx) error {
		existing, err := tx.ListAppointments(ctx, in.BusinessID, start, end)
		if err != nil {
			return fmt.Errorf("list appointments: %w", err)
		}

		if appt.ID != uuid.Nil && containsID(existing, appt.ID) {
			// The insert replays the stored row or reports a key mismatch.
			replay = true
		} else {
			check, err := s.engine.IsSlotAvailable(start, in.DurationMinutes, sched, existing)
			if err != nil {
				return err
			}
			if !check.Available {
				return &SlotUnavailableError{Reason: check.Reason}
			}
		}

		created, err = tx.CreateAppointment(ctx, appt)
		if store.IsConflict(err) {
			return &SlotUnavailableError{Reason: availability.ReasonConflict}
		}
		return err
	})
	if err != nil {
		return domain.Appointment{}, err
	}

	if !replay {
		s.publish(ctx, events.AppointmentBooked, created)
	}
	return created, nil
}

func (s *Service) List(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	if businessID == "" {
		return nil, validationError("business_id is required")
	}

	start := windowStart.UTC()
	end := windowEnd.UTC()
	if end.Equal(start) || end.Before(start) {
		return nil, validationError("window_end must be after window_start")
	}
	if end.Sub(start) > time.Duration(availability.MaxRangeDays)*24*time.Hour {
		return nil, validationError(fmt.Sprintf("window must be at most %d days", availability.MaxRangeDays))
	}

	return s.appointments.List(ctx, businessID, start, end)
}

// UpdateStatus changes an appointment's status. Moving a cancelled or
// no-show appointment back to a blocking status re-checks its interval
// against the current schedule and calendar under the business lock, as a
// new booking would be.
func (s *Service) UpdateStatus(ctx context.Context, businessID string, appointmentID uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error) {
	if businessID == "" {
		return domain.Appointment{}, validationError("business_id is required")
	}
	if appointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	if !status.Known() {
		return domain.Appointment{}, validationError("unknown status")
	}

	var (
		updated domain.Appointment
		err     error
	)
	if status.Blocking() {
		updated, err = s.reactivate(ctx, businessID, appointmentID, status)
	} else {
		updated, err = s.appointments.UpdateStatus(ctx, businessID, appointmentID, status)
	}
	if store.IsConflict(err) {
		return domain.Appointment{}, &SlotUnavailableError{Reason: availability.ReasonConflict}
	}
	if err != nil {
		return domain.Appointment{}, err
	}

	s.publish(ctx, events.AppointmentStatusChanged, updated)
	return updated, nil
}

func (s *Service) reactivate(ctx context.Context, businessID string, appointmentID uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error) {
	var updated domain.Appointment
	err := s.appointments.InBusinessTransaction(ctx, businessID, func(ctx context.Context, tx store.BookingTx) error {
		current, err := tx.GetAppointment(ctx, businessID, appointmentID)
		if err != nil {
			return err
		}

		if !current.Status.Blocking() {
			sched, err := s.schedule(ctx, businessID)
			if err != nil {
				return err
			}
			existing, err := tx.ListAppointments(ctx, businessID, current.StartTime, current.EndTime)
			if err != nil {
				return fmt.Errorf("list appointments: %w", err)
			}
			others := existing[:0:0]
			for _, a := range existing {
				if a.ID != current.ID {
					others = append(others, a)
				}
			}
			minutes := int(current.EndTime.Sub(current.StartTime) / time.Minute)
			check, err := s.engine.IsSlotAvailable(current.StartTime, minutes, sched, others)
			if err != nil {
				return err
			}
			if !check.Available {
				return &SlotUnavailableError{Reason: check.Reason}
			}
		}

		updated, err = tx.UpdateStatus(ctx, businessID, appointmentID, status)
		return err
	})
	return updated, err
}

func (s *Service) OperatingHours(ctx context.Context, businessID string) ([]domain.OperatingHour, error) {
	if businessID == "" {
		return nil, validationError("business_id is required")
	}
	return s.schedules.OperatingHours(ctx, businessID)
}

// SetOperatingHours validates and replaces the weekly table. Invalid tables
// are rejected with *availability.ConfigError and never persisted.
func (s *Service) SetOperatingHours(ctx context.Context, businessID string, hours []domain.OperatingHour) ([]domain.OperatingHour, error) {
	if businessID == "" {
		return nil, validationError("business_id is required")
	}
	if _, err := availability.NewSchedule(hours); err != nil {
		return nil, err
	}

	normalized := make([]domain.OperatingHour, 0, len(hours))
	for _, h := range hours {
		wd, _ := domain.ParseWeekday(h.Day)
		normalized = append(normalized, domain.OperatingHour{
			BusinessID: businessID,
			Day:        domain.WeekdayName(wd),
			Open:       strings.TrimSpace(h.Open),
			Close:      strings.TrimSpace(h.Close),
			Closed:     h.Closed,
		})
	}

	if err := s.schedules.ReplaceOperatingHours(ctx, businessID, normalized); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "operating hours replaced", "business_id", businessID, "days", len(normalized))
	return normalized, nil
}

// schedule loads and validates the stored table. A stored table that fails
// validation is an operator problem and is logged before being returned.
func (s *Service) schedule(ctx context.Context, businessID string) (availability.Schedule, error) {
	hours, err := s.schedules.OperatingHours(ctx, businessID)
	if err != nil {
		return availability.Schedule{}, fmt.Errorf("load operating hours: %w", err)
	}
	sched, err := availability.NewSchedule(hours)
	if err != nil {
		var cfgErr *availability.ConfigError
		if errors.As(err, &cfgErr) {
			s.log.ErrorContext(ctx, "stored operating hours are invalid",
				"business_id", businessID,
				"field", cfgErr.Field,
				"err", cfgErr.Msg,
			)
		}
		return availability.Schedule{}, err
	}
	return sched, nil
}

// window covers the local days [startDate, startDate+days). Slots never
// cross midnight, so no appointment outside it can block one.
func (s *Service) window(startDate time.Time, days int) (time.Time, time.Time) {
	loc := s.engine.Location()
	local := startDate.In(loc)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	to := time.Date(local.Year(), local.Month(), local.Day()+days, 0, 0, 0, 0, loc)
	return from.UTC(), to.UTC()
}

// publish runs after the change is committed. It outlives a cancelled
// request but never waits longer than publishTimeout.
func (s *Service) publish(ctx context.Context, build func(domain.Appointment) (events.Event, error), a domain.Appointment) {
	ev, err := build(a)
	if err == nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
		err = s.publisher.Publish(pctx, ev)
		cancel()
	}
	if err != nil {
		s.log.WarnContext(ctx, "publish event failed",
			"appointment_id", a.ID.String(),
			"business_id", a.BusinessID,
			"err", err,
		)
	}
}

func validateDuration(m int) error {
	if m < 1 {
		return validationError("duration must be positive")
	}
	if m > MaxDurationMinutes {
		return validationError("duration too long")
	}
	return nil
}

func containsID(appts []domain.Appointment, id uuid.UUID) bool {
	for _, a := range appts {
		if a.ID == id {
			return true
		}
	}
	return false
}
