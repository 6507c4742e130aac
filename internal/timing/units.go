package timing

import (
	"math"
	"strings"
	"time"
)

// Unit is a normalized calendar unit.
type Unit string

const (
	UnitHour    Unit = "hour"
	UnitDay     Unit = "day"
	UnitWeek    Unit = "week"
	UnitMonth   Unit = "month"
	UnitYear    Unit = "year"
	UnitUnknown Unit = ""
)

// NormalizeUnit maps free-form and UCUM unit spellings onto a Unit.
// "days", "Day" and "d" all become UnitDay.
func NormalizeUnit(s string) Unit {
	u := strings.ToLower(strings.TrimSpace(s))
	switch {
	case u == "":
		return UnitUnknown
	case u == "h" || strings.HasPrefix(u, "hour") || strings.HasPrefix(u, "hr"):
		return UnitHour
	case u == "d" || strings.HasPrefix(u, "day"):
		return UnitDay
	case u == "w" || u == "wk" || strings.HasPrefix(u, "week"):
		return UnitWeek
	case u == "mo" || strings.HasPrefix(u, "month"):
		return UnitMonth
	case u == "a" || u == "y" || u == "yr" || strings.HasPrefix(u, "year"):
		return UnitYear
	}
	return UnitUnknown
}

// DaysIn converts an amount of unit into whole days, truncated toward zero.
// Months count as 30 days and years as 365.25. Unknown units are taken as days.
func DaysIn(amount float64, unit string) int {
	var days float64
	switch NormalizeUnit(unit) {
	case UnitHour:
		days = amount / 24
	case UnitWeek:
		days = amount * 7
	case UnitMonth:
		days = amount * 30
	case UnitYear:
		days = amount * 365.25
	default:
		days = amount
	}
	return int(math.Trunc(days))
}

// Weekdays lists the canonical lowercase weekday names indexed by time.Weekday.
var Weekdays = [7]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

// ParseWeekday returns the weekday for a canonical lowercase name.
func ParseWeekday(name string) (time.Weekday, bool) {
	for i, w := range Weekdays {
		if w == name {
			return time.Weekday(i), true
		}
	}
	return time.Sunday, false
}

// WeekdayName returns the canonical lowercase name of d.
func WeekdayName(d time.Weekday) string {
	return Weekdays[d]
}
