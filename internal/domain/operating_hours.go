package domain

import (
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// OperatingHour is one weekday's business-hours rule. Open and Close are
// "HH:MM" wall-clock strings and are only meaningful when Closed is false.
type OperatingHour struct {
	bun.BaseModel `bun:"table:operating_hours"`

	BusinessID string `bun:"business_id,pk" json:"-"`
	Day        string `bun:"day,pk" json:"day"`
	Open       string `bun:"open" json:"open,omitempty"`
	Close      string `bun:"close" json:"close,omitempty"`
	Closed     bool   `bun:"closed,notnull" json:"closed"`
	Position   int    `bun:"position,notnull" json:"-"`
}

var weekdayNames = [7]string{
	time.Sunday:    "Sunday",
	time.Monday:    "Monday",
	time.Tuesday:   "Tuesday",
	time.Wednesday: "Wednesday",
	time.Thursday:  "Thursday",
	time.Friday:    "Friday",
	time.Saturday:  "Saturday",
}

func WeekdayName(d time.Weekday) string {
	if d < time.Sunday || d > time.Saturday {
		return ""
	}
	return weekdayNames[d]
}

// ParseWeekday accepts full English weekday names, case-insensitively.
func ParseWeekday(name string) (time.Weekday, bool) {
	name = strings.TrimSpace(name)
	for i, n := range weekdayNames {
		if strings.EqualFold(n, name) {
			return time.Weekday(i), true
		}
	}
	return 0, false
}
