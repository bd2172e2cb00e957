// Package availability computes bookable slots from a weekly schedule and a
// snapshot of existing appointments. Every function is a pure function of its
// arguments plus the engine's location and clock.
package availability

import (
	"sort"
	"time"

	"byhandle/backend/internal/domain"
)

const (
	DefaultSlotIntervalMinutes = 30
	DefaultHorizonDays         = 14
	MaxRangeDays               = 92

	dateKeyLayout = "2006-01-02"
)

type Reason string

const (
	ReasonClosed     Reason = "closed"
	ReasonPast       Reason = "past"
	ReasonBeforeOpen Reason = "before-open"
	ReasonAfterClose Reason = "after-close"
	ReasonConflict   Reason = "conflict"
)

type SlotCheck struct {
	Available bool
	Reason    Reason
}

type TimeSlot struct {
	Start time.Time
	End   time.Time
}

func (s TimeSlot) StartISO() string    { return s.Start.Format(time.RFC3339) }
func (s TimeSlot) EndISO() string      { return s.End.Format(time.RFC3339) }
func (s TimeSlot) DisplayTime() string { return s.Start.Format("3:04 PM") }
func (s TimeSlot) Clock() string       { return s.Start.Format("15:04") }
func (s TimeSlot) DateKey() string     { return s.Start.Format(dateKeyLayout) }

// Result maps a YYYY-MM-DD key in the engine location to that day's slots.
type Result map[string][]TimeSlot

// Dates returns the keys of r in calendar order.
func (r Result) Dates() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type Engine struct {
	loc *time.Location
	now func() time.Time
}

type Option func(*Engine)

// WithLocation sets the zone used for weekdays, open/close wall-clock times
// and date keys.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{loc: time.UTC, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Location() *time.Location { return e.loc }

func (e *Engine) Now() time.Time { return e.now().In(e.loc) }

// DailySlots returns the bookable slots on the local day containing date.
// A closed day yields an empty result, not an error.
func (e *Engine) DailySlots(date time.Time, s Schedule, durationMinutes int, appts []domain.Appointment, intervalMinutes int) ([]TimeSlot, error) {
	if err := validateDuration(durationMinutes); err != nil {
		return nil, err
	}
	if err := validateInterval(intervalMinutes); err != nil {
		return nil, err
	}
	return e.dailySlots(e.midnight(date), s, durationMinutes, blocking(appts), intervalMinutes, e.now()), nil
}

// RangeAvailability applies DailySlots to numDays consecutive local days
// starting with the day containing startDate. Days without slots are absent.
func (e *Engine) RangeAvailability(startDate time.Time, numDays int, s Schedule, durationMinutes int, appts []domain.Appointment, intervalMinutes int) (Result, error) {
	return e.RangeAvailabilityAt(e.now(), startDate, numDays, s, durationMinutes, appts, intervalMinutes)
}

// IsSlotAvailable validates a single proposed start using the same boundary
// and overlap rules as DailySlots.
func (e *Engine) IsSlotAvailable(requestedStart time.Time, durationMinutes int, s Schedule, appts []domain.Appointment) (SlotCheck, error) {
	if err := validateDuration(durationMinutes); err != nil {
		return SlotCheck{}, err
	}

	local := requestedStart.In(e.loc)
	open, close, ok := s.Hours(local.Weekday())
	if !ok {
		return SlotCheck{Reason: ReasonClosed}, nil
	}
	if !local.After(e.now()) {
		return SlotCheck{Reason: ReasonPast}, nil
	}

	sinceMidnight := wallClock(local)
	if sinceMidnight < minutes(open) {
		return SlotCheck{Reason: ReasonBeforeOpen}, nil
	}
	if sinceMidnight+minutes(durationMinutes) > minutes(close) {
		return SlotCheck{Reason: ReasonAfterClose}, nil
	}

	end := local.Add(minutes(durationMinutes))
	if overlapsAny(local, end, blocking(appts)) {
		return SlotCheck{Reason: ReasonConflict}, nil
	}
	return SlotCheck{Available: true}, nil
}

// NextAvailableSlot searches horizonDays days starting today for the
// earliest slot at the default interval. horizonDays <= 0 means
// DefaultHorizonDays.
func (e *Engine) NextAvailableSlot(s Schedule, durationMinutes int, appts []domain.Appointment, horizonDays int) (TimeSlot, bool, error) {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	now := e.now()
	res, err := e.RangeAvailabilityAt(now, now, horizonDays, s, durationMinutes, appts, DefaultSlotIntervalMinutes)
	if err != nil {
		return TimeSlot{}, false, err
	}
	for _, d := range res.Dates() {
		if slots := res[d]; len(slots) > 0 {
			return slots[0], true, nil
		}
	}
	return TimeSlot{}, false, nil
}

// RangeAvailabilityAt is RangeAvailability evaluated against an explicit now.
func (e *Engine) RangeAvailabilityAt(now, startDate time.Time, numDays int, s Schedule, durationMinutes int, appts []domain.Appointment, intervalMinutes int) (Result, error) {
	if err := validateDuration(durationMinutes); err != nil {
		return nil, err
	}
	if err := validateInterval(intervalMinutes); err != nil {
		return nil, err
	}
	if numDays < 1 || numDays > MaxRangeDays {
		return nil, configError("num_days", "must be between 1 and %d", MaxRangeDays)
	}
	return e.rangeAvailability(startDate, numDays, s, durationMinutes, blocking(appts), intervalMinutes, now), nil
}

func (e *Engine) rangeAvailability(startDate time.Time, numDays int, s Schedule, durationMinutes int, busy []domain.Appointment, intervalMinutes int, now time.Time) Result {
	first := e.midnight(startDate)
	out := make(Result)
	for i := 0; i < numDays; i++ {
		day := time.Date(first.Year(), first.Month(), first.Day()+i, 0, 0, 0, 0, e.loc)
		slots := e.dailySlots(day, s, durationMinutes, busy, intervalMinutes, now)
		if len(slots) > 0 {
			out[day.Format(dateKeyLayout)] = slots
		}
	}
	return out
}

func (e *Engine) dailySlots(day time.Time, s Schedule, durationMinutes int, busy []domain.Appointment, intervalMinutes int, now time.Time) []TimeSlot {
	open, close, ok := s.Hours(day.Weekday())
	if !ok {
		return nil
	}

	duration := minutes(durationMinutes)
	var out []TimeSlot
	for m := open; m+durationMinutes <= close; m += intervalMinutes {
		start := time.Date(day.Year(), day.Month(), day.Day(), 0, m, 0, 0, e.loc)
		if !start.After(now) {
			continue
		}
		end := start.Add(duration)
		if overlapsAny(start, end, busy) {
			continue
		}
		out = append(out, TimeSlot{Start: start, End: end})
	}

	// Wall-clock minutes that fall into a DST gap normalize forward and can
	// collide with a later candidate.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	deduped := out[:0]
	for i, slot := range out {
		if i > 0 && slot.Start.Equal(deduped[len(deduped)-1].Start) {
			continue
		}
		deduped = append(deduped, slot)
	}
	return deduped
}

func (e *Engine) midnight(t time.Time) time.Time {
	l := t.In(e.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, e.loc)
}

func blocking(appts []domain.Appointment) []domain.Appointment {
	out := make([]domain.Appointment, 0, len(appts))
	for _, a := range appts {
		if a.Status.Blocking() {
			out = append(out, a)
		}
	}
	return out
}

func overlapsAny(start, end time.Time, busy []domain.Appointment) bool {
	for _, a := range busy {
		if a.Overlaps(start, end) {
			return true
		}
	}
	return false
}

func validateDuration(m int) error {
	if m <= 0 {
		return configError("service_duration_minutes", "must be positive, got %d", m)
	}
	return nil
}

func validateInterval(m int) error {
	if m <= 0 {
		return configError("slot_interval_minutes", "must be positive, got %d", m)
	}
	return nil
}

func wallClock(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}

func minutes(m int) time.Duration {
	return time.Duration(m) * time.Minute
}
