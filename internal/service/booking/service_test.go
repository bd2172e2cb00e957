package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"byhandle/backend/internal/availability"
	"byhandle/backend/internal/domain"
	"byhandle/backend/internal/events"
	"byhandle/backend/internal/store"
)

type fakeSchedules struct {
	operatingHoursFn func(ctx context.Context, businessID string) ([]domain.OperatingHour, error)
	replaceFn        func(ctx context.Context, businessID string, hours []domain.OperatingHour) error
}

func (f *fakeSchedules) OperatingHours(ctx context.Context, businessID string) ([]domain.OperatingHour, error) {
	if f.operatingHoursFn == nil {
		panic("OperatingHours not configured")
	}
	return f.operatingHoursFn(ctx, businessID)
}

func (f *fakeSchedules) ReplaceOperatingHours(ctx context.Context, businessID string, hours []domain.OperatingHour) error {
	if f.replaceFn == nil {
		panic("ReplaceOperatingHours not configured")
	}
	return f.replaceFn(ctx, businessID, hours)
}

type fakeAppointments struct {
	listFn         func(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
	updateStatusFn func(ctx context.Context, businessID string, id uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error)
	tx             *fakeTx
	lockedFor      []string
}

func (f *fakeAppointments) List(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	if f.listFn == nil {
		panic("List not configured")
	}
	return f.listFn(ctx, businessID, windowStart, windowEnd)
}

func (f *fakeAppointments) UpdateStatus(ctx context.Context, businessID string, id uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error) {
	if f.updateStatusFn == nil {
		panic("UpdateStatus not configured")
	}
	return f.updateStatusFn(ctx, businessID, id, status)
}

func (f *fakeAppointments) InBusinessTransaction(ctx context.Context, businessID string, fn func(ctx context.Context, tx store.BookingTx) error) error {
	if f.tx == nil {
		panic("InBusinessTransaction not configured")
	}
	f.lockedFor = append(f.lockedFor, businessID)
	return fn(ctx, f.tx)
}

type fakeTx struct {
	listFn         func(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
	createFn       func(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	getFn          func(ctx context.Context, businessID string, id uuid.UUID) (domain.Appointment, error)
	updateStatusFn func(ctx context.Context, businessID string, id uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error)
}

func (f *fakeTx) ListAppointments(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(ctx, businessID, windowStart, windowEnd)
}

func (f *fakeTx) CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if f.createFn == nil {
		panic("CreateAppointment not configured")
	}
	return f.createFn(ctx, appt)
}

func (f *fakeTx) GetAppointment(ctx context.Context, businessID string, id uuid.UUID) (domain.Appointment, error) {
	if f.getFn == nil {
		panic("GetAppointment not configured")
	}
	return f.getFn(ctx, businessID, id)
}

func (f *fakeTx) UpdateStatus(ctx context.Context, businessID string, id uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error) {
	if f.updateStatusFn == nil {
		panic("UpdateStatus not configured")
	}
	return f.updateStatusFn(ctx, businessID, id, status)
}

type fakePublisher struct {
	published []events.Event
	err       error
}

func (f *fakePublisher) Publish(ctx context.Context, ev events.Event) error {
	f.published = append(f.published, ev)
	return f.err
}

// Sunday noon; the first open day is Monday 2026-01-05.
var now = time.Date(2026, 1, 4, 12, 0, 0, 0, time.UTC)

func testEngine() *availability.Engine {
	return availability.New(availability.WithClock(func() time.Time { return now }))
}

func weekdayHours() []domain.OperatingHour {
	var hours []domain.OperatingHour
	for _, d := range []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"} {
		hours = append(hours, domain.OperatingHour{Day: d, Open: "09:00", Close: "17:00"})
	}
	return hours
}

func weekdaySchedules() *fakeSchedules {
	return &fakeSchedules{
		operatingHoursFn: func(ctx context.Context, businessID string) ([]domain.OperatingHour, error) {
			return weekdayHours(), nil
		},
	}
}

func mondayAt(hour, minute int) time.Time {
	return time.Date(2026, 1, 5, hour, minute, 0, 0, time.UTC)
}

func TestServiceAvailability_DefaultsAndOrdering(t *testing.T) {
	var gotFrom, gotTo time.Time
	appts := &fakeAppointments{
		listFn: func(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
			gotFrom, gotTo = windowStart, windowEnd
			return []domain.Appointment{{
				StartTime: mondayAt(9, 0),
				EndTime:   mondayAt(17, 0),
				Status:    domain.AppointmentStatusConfirmed,
			}}, nil
		},
	}
	svc := NewService(testEngine(), weekdaySchedules(), appts)

	days, err := svc.Availability(context.Background(), AvailabilityInput{
		BusinessID:      "b1",
		DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("Availability error: %v", err)
	}

	// Sunday through Saturday: Monday is fully booked, weekend closed.
	want := []string{"2026-01-06", "2026-01-07", "2026-01-08", "2026-01-09"}
	if len(days) != len(want) {
		t.Fatalf("days = %d, want %d (%+v)", len(days), len(want), days)
	}
	for i, d := range days {
		if d.Date != want[i] {
			t.Fatalf("days[%d] = %s, want %s", i, d.Date, want[i])
		}
	}
	if got := len(days[0].Slots); got != 15 {
		t.Fatalf("Tuesday slots = %d, want 15", got)
	}
	if !gotFrom.Equal(time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC)) || !gotTo.Equal(time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("window = [%v, %v)", gotFrom, gotTo)
	}
}

func TestServiceAvailability_ValidatesInput(t *testing.T) {
	svc := NewService(testEngine(), weekdaySchedules(), &fakeAppointments{})

	tests := []struct {
		name string
		in   AvailabilityInput
		want string
	}{
		{"missing business", AvailabilityInput{DurationMinutes: 30}, "business_id is required"},
		{"zero duration", AvailabilityInput{BusinessID: "b1"}, "duration must be positive"},
		{"long duration", AvailabilityInput{BusinessID: "b1", DurationMinutes: 1441}, "duration too long"},
		{"too many days", AvailabilityInput{BusinessID: "b1", DurationMinutes: 30, Days: 93}, "days must be between 1 and 92"},
		{"negative interval", AvailabilityInput{BusinessID: "b1", DurationMinutes: 30, IntervalMinutes: -5}, "interval must be between 1 and 1440 minutes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Availability(context.Background(), tt.in)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("error type = %T, want *ValidationError", err)
			}
			if vErr.Error() != tt.want {
				t.Fatalf("error = %q, want %q", vErr.Error(), tt.want)
			}
		})
	}
}

func TestServiceAvailability_InvalidStoredScheduleIsConfigError(t *testing.T) {
	schedules := &fakeSchedules{
		operatingHoursFn: func(ctx context.Context, businessID string) ([]domain.OperatingHour, error) {
			return []domain.OperatingHour{{Day: "Monday", Open: "17:00", Close: "09:00"}}, nil
		},
	}
	svc := NewService(testEngine(), schedules, &fakeAppointments{})

	_, err := svc.Availability(context.Background(), AvailabilityInput{BusinessID: "b1", DurationMinutes: 30})
	var cfgErr *availability.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error type = %T, want *availability.ConfigError", err)
	}
}

func TestServiceNextAvailable(t *testing.T) {
	appts := &fakeAppointments{
		listFn: func(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
			return []domain.Appointment{{
				StartTime: mondayAt(9, 0),
				EndTime:   mondayAt(10, 0),
				Status:    domain.AppointmentStatusPending,
			}}, nil
		},
	}
	svc := NewService(testEngine(), weekdaySchedules(), appts)

	slot, ok, err := svc.NextAvailable(context.Background(), "b1", 60)
	if err != nil {
		t.Fatalf("NextAvailable error: %v", err)
	}
	if !ok {
		t.Fatalf("expected a slot")
	}
	if !slot.Start.Equal(mondayAt(10, 0)) {
		t.Fatalf("slot start = %v, want %v", slot.Start, mondayAt(10, 0))
	}
}

func TestServiceCheckSlot(t *testing.T) {
	appts := &fakeAppointments{
		listFn: func(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
			return []domain.Appointment{{
				StartTime: mondayAt(10, 0),
				EndTime:   mondayAt(11, 0),
				Status:    domain.AppointmentStatusConfirmed,
			}}, nil
		},
	}
	svc := NewService(testEngine(), weekdaySchedules(), appts)

	check, err := svc.CheckSlot(context.Background(), "b1", mondayAt(10, 30), 30)
	if err != nil {
		t.Fatalf("CheckSlot error: %v", err)
	}
	if check.Available || check.Reason != availability.ReasonConflict {
		t.Fatalf("check = %+v, want conflict", check)
	}

	check, err = svc.CheckSlot(context.Background(), "b1", mondayAt(11, 0), 30)
	if err != nil {
		t.Fatalf("CheckSlot error: %v", err)
	}
	if !check.Available {
		t.Fatalf("check = %+v, want available", check)
	}
}

func validBooking() BookInput {
	return BookInput{
		BusinessID:      "b1",
		CustomerName:    "  Ada Lovelace ",
		CustomerEmail:   "ada@example.com",
		ServiceName:     "Consultation",
		StartTime:       mondayAt(10, 0),
		DurationMinutes: 60,
	}
}

func TestServiceBook_CreatesAndPublishes(t *testing.T) {
	var got domain.Appointment
	appts := &fakeAppointments{tx: &fakeTx{
		createFn: func(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
			got = appt
			return appt, nil
		},
	}}
	pub := &fakePublisher{}
	svc := NewService(testEngine(), weekdaySchedules(), appts, WithPublisher(pub))

	created, err := svc.Book(context.Background(), validBooking())
	if err != nil {
		t.Fatalf("Book error: %v", err)
	}
	if got.CustomerName != "Ada Lovelace" {
		t.Fatalf("customer_name = %q", got.CustomerName)
	}
	if !got.EndTime.Equal(mondayAt(11, 0)) {
		t.Fatalf("end_time = %v, want %v", got.EndTime, mondayAt(11, 0))
	}
	if got.Status != domain.AppointmentStatusConfirmed {
		t.Fatalf("status = %q", got.Status)
	}
	if created.BusinessID != "b1" {
		t.Fatalf("created = %+v", created)
	}
	if len(appts.lockedFor) != 1 || appts.lockedFor[0] != "b1" {
		t.Fatalf("lockedFor = %v", appts.lockedFor)
	}
	if len(pub.published) != 1 || pub.published[0].Type != events.TypeAppointmentBooked {
		t.Fatalf("published = %+v", pub.published)
	}
}

func TestServiceBook_RevalidatesInsideTransaction(t *testing.T) {
	appts := &fakeAppointments{tx: &fakeTx{
		listFn: func(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
			return []domain.Appointment{{
				ID:        uuid.New(),
				StartTime: mondayAt(10, 30),
				EndTime:   mondayAt(11, 30),
				Status:    domain.AppointmentStatusConfirmed,
			}}, nil
		},
		createFn: func(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
			t.Fatalf("CreateAppointment must not be called")
			return appt, nil
		},
	}}
	pub := &fakePublisher{}
	svc := NewService(testEngine(), weekdaySchedules(), appts, WithPublisher(pub))

	_, err := svc.Book(context.Background(), validBooking())
	var slotErr *SlotUnavailableError
	if !errors.As(err, &slotErr) {
		t.Fatalf("error type = %T, want *SlotUnavailableError", err)
	}
	if slotErr.Reason != availability.ReasonConflict {
		t.Fatalf("reason = %q, want conflict", slotErr.Reason)
	}
	if len(pub.published) != 0 {
		t.Fatalf("published on failure: %+v", pub.published)
	}
}

func TestServiceBook_ReasonsFromEngine(t *testing.T) {
	tests := []struct {
		name  string
		start time.Time
		dur   int
		want  availability.Reason
	}{
		{"closed day", time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC), 30, availability.ReasonClosed},
		{"past", time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC), 30, availability.ReasonPast},
		{"before open", mondayAt(8, 30), 30, availability.ReasonBeforeOpen},
		{"after close", mondayAt(16, 30), 60, availability.ReasonAfterClose},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appts := &fakeAppointments{tx: &fakeTx{}}
			svc := NewService(testEngine(), weekdaySchedules(), appts)

			in := validBooking()
			in.StartTime = tt.start
			in.DurationMinutes = tt.dur

			_, err := svc.Book(context.Background(), in)
			var slotErr *SlotUnavailableError
			if !errors.As(err, &slotErr) {
				t.Fatalf("error = %v, want *SlotUnavailableError", err)
			}
			if slotErr.Reason != tt.want {
				t.Fatalf("reason = %q, want %q", slotErr.Reason, tt.want)
			}
		})
	}
}

func TestServiceBook_StoreConflictBecomesSlotUnavailable(t *testing.T) {
	appts := &fakeAppointments{tx: &fakeTx{
		createFn: func(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
			return domain.Appointment{}, store.ErrConflict
		},
	}}
	svc := NewService(testEngine(), weekdaySchedules(), appts)

	_, err := svc.Book(context.Background(), validBooking())
	var slotErr *SlotUnavailableError
	if !errors.As(err, &slotErr) || slotErr.Reason != availability.ReasonConflict {
		t.Fatalf("error = %v, want conflict", err)
	}
}

func TestServiceBook_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BookInput)
		want   string
	}{
		{"missing name", func(in *BookInput) { in.CustomerName = "  " }, "customer_name is required"},
		{"bad email", func(in *BookInput) { in.CustomerEmail = "not-an-email" }, "customer_email is invalid"},
		{"missing start", func(in *BookInput) { in.StartTime = time.Time{} }, "start_time is required"},
		{"zero duration", func(in *BookInput) { in.DurationMinutes = 0 }, "duration must be positive"},
		{"long key", func(in *BookInput) { in.IdempotencyKey = string(make([]byte, 257)) + "x" }, "idempotency_key too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(testEngine(), weekdaySchedules(), &fakeAppointments{})
			in := validBooking()
			tt.mutate(&in)

			_, err := svc.Book(context.Background(), in)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("error type = %T, want *ValidationError", err)
			}
			if vErr.Error() != tt.want {
				t.Fatalf("error = %q, want %q", vErr.Error(), tt.want)
			}
		})
	}
}

func TestServiceBook_IdempotencyKeyDeterministicUUID(t *testing.T) {
	var ids []uuid.UUID
	appts := &fakeAppointments{tx: &fakeTx{
		createFn: func(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
			ids = append(ids, appt.ID)
			return appt, nil
		},
	}}
	svc := NewService(testEngine(), weekdaySchedules(), appts)

	for _, key := range []string{"k1", "k1", "k2"} {
		in := validBooking()
		in.IdempotencyKey = key
		if _, err := svc.Book(context.Background(), in); err != nil {
			t.Fatalf("Book error: %v", err)
		}
	}
	if len(ids) != 3 {
		t.Fatalf("captured ids = %d, want 3", len(ids))
	}
	if ids[0] == uuid.Nil || ids[0] != ids[1] {
		t.Fatalf("same key must give the same id: %s vs %s", ids[0], ids[1])
	}
	if ids[0] == ids[2] {
		t.Fatalf("different keys must give different ids")
	}
}

func TestServiceBook_ReplaySkipsCheckAndDoesNotPublish(t *testing.T) {
	in := validBooking()
	in.IdempotencyKey = "k1"
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte("byhandle:book_appointment:b1:k1"))

	stored := domain.Appointment{
		ID:           id,
		BusinessID:   "b1",
		CustomerName: "Ada Lovelace",
		StartTime:    mondayAt(10, 0),
		EndTime:      mondayAt(11, 0),
		Status:       domain.AppointmentStatusConfirmed,
	}
	appts := &fakeAppointments{tx: &fakeTx{
		listFn: func(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
			return []domain.Appointment{stored}, nil
		},
		createFn: func(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
			if appt.ID != id {
				t.Fatalf("id = %s, want %s", appt.ID, id)
			}
			return stored, nil
		},
	}}
	pub := &fakePublisher{}
	svc := NewService(testEngine(), weekdaySchedules(), appts, WithPublisher(pub))

	got, err := svc.Book(context.Background(), in)
	if err != nil {
		t.Fatalf("Book error: %v", err)
	}
	if got.ID != id {
		t.Fatalf("got id %s, want %s", got.ID, id)
	}
	if len(pub.published) != 0 {
		t.Fatalf("replay must not publish: %+v", pub.published)
	}
}

func TestServiceBook_PublishFailureIsNotReturned(t *testing.T) {
	appts := &fakeAppointments{tx: &fakeTx{
		createFn: func(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
			return appt, nil
		},
	}}
	pub := &fakePublisher{err: errors.New("broker down")}
	svc := NewService(testEngine(), weekdaySchedules(), appts, WithPublisher(pub))

	if _, err := svc.Book(context.Background(), validBooking()); err != nil {
		t.Fatalf("Book error: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.published))
	}
}

func TestServiceList_ValidatesWindow(t *testing.T) {
	svc := NewService(testEngine(), weekdaySchedules(), &fakeAppointments{})

	_, err := svc.List(context.Background(), "b1", mondayAt(10, 0), mondayAt(10, 0))
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Error() != "window_end must be after window_start" {
		t.Fatalf("error = %v", err)
	}

	_, err = svc.List(context.Background(), "b1", mondayAt(10, 0), mondayAt(10, 0).AddDate(0, 0, 93))
	if !errors.As(err, &vErr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
}

func TestServiceUpdateStatus(t *testing.T) {
	id := uuid.New()
	appts := &fakeAppointments{
		updateStatusFn: func(ctx context.Context, businessID string, gotID uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error) {
			if gotID != id || status != domain.AppointmentStatusCancelled {
				t.Fatalf("unexpected args: %s %s", gotID, status)
			}
			return domain.Appointment{ID: id, BusinessID: businessID, Status: status}, nil
		},
	}
	pub := &fakePublisher{}
	svc := NewService(testEngine(), weekdaySchedules(), appts, WithPublisher(pub))

	got, err := svc.UpdateStatus(context.Background(), "b1", id, domain.AppointmentStatusCancelled)
	if err != nil {
		t.Fatalf("UpdateStatus error: %v", err)
	}
	if got.Status != domain.AppointmentStatusCancelled {
		t.Fatalf("status = %q", got.Status)
	}
	if len(pub.published) != 1 || pub.published[0].Type != events.TypeAppointmentStatusChanged {
		t.Fatalf("published = %+v", pub.published)
	}

	if _, err := svc.UpdateStatus(context.Background(), "b1", id, "archived"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestServiceUpdateStatus_ErrorMapping(t *testing.T) {
	confirmed := func(ctx context.Context, businessID string, id uuid.UUID) (domain.Appointment, error) {
		return domain.Appointment{ID: id, StartTime: mondayAt(10, 0), EndTime: mondayAt(11, 0), Status: domain.AppointmentStatusConfirmed}, nil
	}
	tests := []struct {
		name   string
		status domain.AppointmentStatus
		appts  *fakeAppointments
		check  func(t *testing.T, err error)
	}{
		{
			name:   "store conflict on reactivation",
			status: domain.AppointmentStatusCompleted,
			appts: &fakeAppointments{tx: &fakeTx{
				getFn: confirmed,
				updateStatusFn: func(ctx context.Context, businessID string, id uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error) {
					return domain.Appointment{}, store.ErrConflict
				},
			}},
			check: func(t *testing.T, err error) {
				var slotErr *SlotUnavailableError
				if !errors.As(err, &slotErr) {
					t.Fatalf("error type = %T, want *SlotUnavailableError", err)
				}
			},
		},
		{
			name:   "not found under lock",
			status: domain.AppointmentStatusConfirmed,
			appts: &fakeAppointments{tx: &fakeTx{
				getFn: func(ctx context.Context, businessID string, id uuid.UUID) (domain.Appointment, error) {
					return domain.Appointment{}, store.ErrNotFound
				},
			}},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("error = %v, want %v", err, store.ErrNotFound)
				}
			},
		},
		{
			name:   "not found on cancel",
			status: domain.AppointmentStatusCancelled,
			appts: &fakeAppointments{
				updateStatusFn: func(ctx context.Context, businessID string, id uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error) {
					return domain.Appointment{}, store.ErrNotFound
				},
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("error = %v, want %v", err, store.ErrNotFound)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(testEngine(), weekdaySchedules(), tt.appts)
			_, err := svc.UpdateStatus(context.Background(), "b1", uuid.New(), tt.status)
			tt.check(t, err)
		})
	}
}

func TestServiceUpdateStatus_ReactivationIsRevalidated(t *testing.T) {
	id := uuid.New()
	other := domain.Appointment{
		ID:        uuid.New(),
		StartTime: mondayAt(10, 30),
		EndTime:   mondayAt(11, 30),
		Status:    domain.AppointmentStatusConfirmed,
	}

	tests := []struct {
		name       string
		current    domain.Appointment
		calendar   []domain.Appointment
		wantReason availability.Reason
	}{
		{
			name:     "free interval",
			current:  domain.Appointment{ID: id, StartTime: mondayAt(9, 0), EndTime: mondayAt(10, 0), Status: domain.AppointmentStatusCancelled},
			calendar: []domain.Appointment{other},
		},
		{
			name:     "own cancelled row does not block",
			current:  domain.Appointment{ID: id, StartTime: mondayAt(9, 0), EndTime: mondayAt(10, 0), Status: domain.AppointmentStatusNoShow},
			calendar: []domain.Appointment{{ID: id, StartTime: mondayAt(9, 0), EndTime: mondayAt(10, 0), Status: domain.AppointmentStatusConfirmed}},
		},
		{
			name:       "taken by another booking",
			current:    domain.Appointment{ID: id, StartTime: mondayAt(10, 0), EndTime: mondayAt(11, 0), Status: domain.AppointmentStatusCancelled},
			calendar:   []domain.Appointment{other},
			wantReason: availability.ReasonConflict,
		},
		{
			name:       "in the past",
			current:    domain.Appointment{ID: id, StartTime: now.Add(-48 * time.Hour), EndTime: now.Add(-47 * time.Hour), Status: domain.AppointmentStatusCancelled},
			wantReason: availability.ReasonPast,
		},
		{
			name:       "day now closed",
			current:    domain.Appointment{ID: id, StartTime: time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC), EndTime: time.Date(2026, 1, 10, 11, 0, 0, 0, time.UTC), Status: domain.AppointmentStatusCancelled},
			wantReason: availability.ReasonClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updated := false
			appts := &fakeAppointments{tx: &fakeTx{
				getFn: func(ctx context.Context, businessID string, gotID uuid.UUID) (domain.Appointment, error) {
					return tt.current, nil
				},
				listFn: func(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
					return tt.calendar, nil
				},
				updateStatusFn: func(ctx context.Context, businessID string, gotID uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error) {
					updated = true
					a := tt.current
					a.Status = status
					return a, nil
				},
			}}
			pub := &fakePublisher{}
			svc := NewService(testEngine(), weekdaySchedules(), appts, WithPublisher(pub))

			got, err := svc.UpdateStatus(context.Background(), "b1", id, domain.AppointmentStatusConfirmed)
			if len(appts.lockedFor) != 1 {
				t.Fatalf("lockedFor = %v, want one locked transaction", appts.lockedFor)
			}

			if tt.wantReason == "" {
				if err != nil {
					t.Fatalf("UpdateStatus error: %v", err)
				}
				if !updated || got.Status != domain.AppointmentStatusConfirmed {
					t.Fatalf("updated=%v status=%q", updated, got.Status)
				}
				if len(pub.published) != 1 {
					t.Fatalf("published %d events, want 1", len(pub.published))
				}
				return
			}

			var slotErr *SlotUnavailableError
			if !errors.As(err, &slotErr) {
				t.Fatalf("error type = %T, want *SlotUnavailableError", err)
			}
			if slotErr.Reason != tt.wantReason {
				t.Fatalf("reason = %q, want %q", slotErr.Reason, tt.wantReason)
			}
			if updated {
				t.Fatalf("status must not change when the slot is unavailable")
			}
			if len(pub.published) != 0 {
				t.Fatalf("published = %+v, want none", pub.published)
			}
		})
	}
}

func TestServiceUpdateStatus_BlockingToBlockingSkipsCheck(t *testing.T) {
	id := uuid.New()
	past := domain.Appointment{ID: id, StartTime: now.Add(-48 * time.Hour), EndTime: now.Add(-47 * time.Hour), Status: domain.AppointmentStatusConfirmed}
	appts := &fakeAppointments{tx: &fakeTx{
		getFn: func(ctx context.Context, businessID string, gotID uuid.UUID) (domain.Appointment, error) {
			return past, nil
		},
		listFn: func(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
			t.Fatalf("calendar must not be reloaded for an already blocking appointment")
			return nil, nil
		},
		updateStatusFn: func(ctx context.Context, businessID string, gotID uuid.UUID, status domain.AppointmentStatus) (domain.Appointment, error) {
			a := past
			a.Status = status
			return a, nil
		},
	}}
	svc := NewService(testEngine(), weekdaySchedules(), appts)

	got, err := svc.UpdateStatus(context.Background(), "b1", id, domain.AppointmentStatusCompleted)
	if err != nil {
		t.Fatalf("UpdateStatus error: %v", err)
	}
	if got.Status != domain.AppointmentStatusCompleted {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestServiceSetOperatingHours_NormalizesAndPersists(t *testing.T) {
	var got []domain.OperatingHour
	schedules := &fakeSchedules{
		replaceFn: func(ctx context.Context, businessID string, hours []domain.OperatingHour) error {
			got = hours
			return nil
		},
	}
	svc := NewService(testEngine(), schedules, &fakeAppointments{})

	_, err := svc.SetOperatingHours(context.Background(), "b1", []domain.OperatingHour{
		{Day: " monday ", Open: " 09:00", Close: "17:00 "},
		{Day: "SUNDAY", Closed: true},
	})
	if err != nil {
		t.Fatalf("SetOperatingHours error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("persisted %d rows, want 2", len(got))
	}
	if got[0].Day != "Monday" || got[0].Open != "09:00" || got[0].Close != "17:00" || got[0].BusinessID != "b1" {
		t.Fatalf("row 0 = %+v", got[0])
	}
	if got[1].Day != "Sunday" || !got[1].Closed {
		t.Fatalf("row 1 = %+v", got[1])
	}
}

func TestServiceSetOperatingHours_RejectsInvalidTable(t *testing.T) {
	schedules := &fakeSchedules{
		replaceFn: func(ctx context.Context, businessID string, hours []domain.OperatingHour) error {
			t.Fatalf("invalid table must not be persisted")
			return nil
		},
	}
	svc := NewService(testEngine(), schedules, &fakeAppointments{})

	_, err := svc.SetOperatingHours(context.Background(), "b1", []domain.OperatingHour{
		{Day: "Monday", Open: "09:00", Close: "17:00"},
		{Day: "monday", Open: "10:00", Close: "12:00"},
	})
	var cfgErr *availability.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error type = %T, want *availability.ConfigError", err)
	}
	if cfgErr.Field != "hours[1].day" {
		t.Fatalf("field = %q, want hours[1].day", cfgErr.Field)
	}
}

type blockingPublisher struct {
	deadline time.Time
}

func (p *blockingPublisher) Publish(ctx context.Context, ev events.Event) error {
	p.deadline, _ = ctx.Deadline()
	<-ctx.Done()
	return ctx.Err()
}

func TestServiceBook_PublishIsBounded(t *testing.T) {
	appts := &fakeAppointments{tx: &fakeTx{
		listFn: func(ctx context.Context, businessID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
			return nil, nil
		},
		createFn: func(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
			return appt, nil
		},
	}}
	pub := &blockingPublisher{}
	svc := NewService(testEngine(), weekdaySchedules(), appts,
		WithPublisher(pub),
		WithPublishTimeout(20*time.Millisecond),
	)

	// A cancelled request still publishes, within the publish timeout.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	began := time.Now()
	if _, err := svc.Book(ctx, validBooking()); err != nil {
		t.Fatalf("Book error: %v", err)
	}
	if elapsed := time.Since(began); elapsed > time.Second {
		t.Fatalf("Book took %v, want it bounded by the publish timeout", elapsed)
	}
	if pub.deadline.IsZero() {
		t.Fatalf("publisher context has no deadline")
	}
}
