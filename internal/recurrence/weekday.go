package recurrence

import (
	"sort"
	"time"
)

// Ordinals inside an encoded rule: Monday=1 .. Saturday=6, Sunday=7.
// Everywhere else weekdays are time.Weekday (Sunday=0). WeekdayOrdinal and
// GoWeekday are the only conversion points between the two.

// WeekdayOrdinal converts a time.Weekday to its rule ordinal.
func WeekdayOrdinal(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

// GoWeekday converts a rule ordinal back to a time.Weekday.
func GoWeekday(ordinal int) (time.Weekday, bool) {
	switch {
	case ordinal == 7:
		return time.Sunday, true
	case ordinal >= 1 && ordinal <= 6:
		return time.Weekday(ordinal), true
	}
	return 0, false
}

// DefaultWeekdays is the weekday selection offered when the user switches
// a schedule on date to weekly.
func DefaultWeekdays(date time.Time) []time.Weekday {
	return []time.Weekday{date.Weekday()}
}

var shortNames = [...]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// ShortName returns the three-letter English name of d.
func ShortName(d time.Weekday) string {
	if d < time.Sunday || d > time.Saturday {
		return ""
	}
	return shortNames[d]
}

// rrule BYDAY codes indexed by time.Weekday.
var byDayCodes = [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

func byDayCode(d time.Weekday) string {
	if d < time.Sunday || d > time.Saturday {
		return "MO"
	}
	return byDayCodes[d]
}

// sortedWeekdays returns a deduplicated copy of days in Sun..Sat order.
func sortedWeekdays(days []time.Weekday) []time.Weekday {
	seen := make(map[time.Weekday]bool, len(days))
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		if d < time.Sunday || d > time.Saturday || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
