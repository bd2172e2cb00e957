package availability

import (
	"fmt"
	"strings"
	"time"

	"byhandle/backend/internal/domain"
)

// ConfigError reports a schedule or request parameter that can never produce
// a meaningful availability answer. It is an operator-facing problem.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "availability: " + e.Msg
	}
	return "availability: " + e.Field + ": " + e.Msg
}

func configError(field, format string, args ...any) error {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

type dayWindow struct {
	open  int
	close int
	set   bool
}

// Schedule is a validated weekly operating-hours table. The zero value is
// closed every day.
type Schedule struct {
	days [7]dayWindow
}

// NewSchedule validates hours and builds a Schedule. Unknown or duplicate
// weekday names, malformed HH:MM strings and open >= close are rejected. A
// day that is not closed but lacks open or close is treated as closed.
func NewSchedule(hours []domain.OperatingHour) (Schedule, error) {
	var s Schedule
	var seen [7]bool

	for i, h := range hours {
		field := fmt.Sprintf("hours[%d]", i)

		wd, ok := domain.ParseWeekday(h.Day)
		if !ok {
			return Schedule{}, configError(field+".day", "unknown weekday %q", h.Day)
		}
		if seen[wd] {
			return Schedule{}, configError(field+".day", "duplicate entry for %s", domain.WeekdayName(wd))
		}
		seen[wd] = true

		openStr := strings.TrimSpace(h.Open)
		closeStr := strings.TrimSpace(h.Close)

		var open, close int
		var err error
		if openStr != "" {
			if open, err = ParseClock(openStr); err != nil {
				return Schedule{}, configError(field+".open", "%v", err)
			}
		}
		if closeStr != "" {
			if close, err = ParseClock(closeStr); err != nil {
				return Schedule{}, configError(field+".close", "%v", err)
			}
		}

		if h.Closed || openStr == "" || closeStr == "" {
			continue
		}
		if open >= close {
			return Schedule{}, configError(field, "open %s must be before close %s", openStr, closeStr)
		}
		s.days[wd] = dayWindow{open: open, close: close, set: true}
	}

	return s, nil
}

// MustSchedule is NewSchedule for fixed tables in tests and seeds.
func MustSchedule(hours []domain.OperatingHour) Schedule {
	s, err := NewSchedule(hours)
	if err != nil {
		panic(err)
	}
	return s
}

// Hours returns the open and close minutes since local midnight for d.
func (s Schedule) Hours(d time.Weekday) (open, close int, ok bool) {
	if d < time.Sunday || d > time.Saturday {
		return 0, 0, false
	}
	w := s.days[d]
	return w.open, w.close, w.set
}

// OpenDays returns the number of weekdays the business takes appointments.
func (s Schedule) OpenDays() int {
	n := 0
	for _, w := range s.days {
		if w.set {
			n++
		}
	}
	return n
}

// ParseClock converts a strict 24-hour "HH:MM" string to minutes since midnight.
func ParseClock(v string) (int, error) {
	if len(v) != 5 || v[2] != ':' {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", v)
	}
	for _, i := range []int{0, 1, 3, 4} {
		if v[i] < '0' || v[i] > '9' {
			return 0, fmt.Errorf("invalid time %q, want HH:MM", v)
		}
	}
	h := int(v[0]-'0')*10 + int(v[1]-'0')
	m := int(v[3]-'0')*10 + int(v[4]-'0')
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("time %q out of range", v)
	}
	return h*60 + m, nil
}

func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
