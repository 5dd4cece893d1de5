package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AlarmOnTime is the offset text of an alarm firing at the start time.
const AlarmOnTime = "On time"

// ParseAlarmOffset converts the human offset text ("30 minutes before",
// "1 hour before", "2 days before", "On time") into a duration.
func ParseAlarmOffset(text string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == strings.ToLower(AlarmOnTime) {
		return 0, nil
	}
	parts := strings.Fields(s)
	if len(parts) != 3 || parts[2] != "before" {
		return 0, &ValidationError{Field: "alarm", Message: fmt.Sprintf("unknown alarm offset %q", text)}
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n <= 0 {
		return 0, &ValidationError{Field: "alarm", Message: fmt.Sprintf("unknown alarm offset %q", text)}
	}
	var unit time.Duration
	switch strings.TrimSuffix(parts[1], "s") {
	case "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	case "week":
		unit = 7 * 24 * time.Hour
	default:
		return 0, &ValidationError{Field: "alarm", Message: fmt.Sprintf("unknown alarm offset %q", text)}
	}
	return time.Duration(n) * unit, nil
}

// FormatAlarmOffset renders d in the form accepted by ParseAlarmOffset.
func FormatAlarmOffset(d time.Duration) string {
	if d <= 0 {
		return AlarmOnTime
	}
	plural := func(n int64, unit string) string {
		if n == 1 {
			return fmt.Sprintf("1 %s before", unit)
		}
		return fmt.Sprintf("%d %ss before", n, unit)
	}
	switch {
	case d%(7*24*time.Hour) == 0:
		return plural(int64(d/(7*24*time.Hour)), "week")
	case d%(24*time.Hour) == 0:
		return plural(int64(d/(24*time.Hour)), "day")
	case d%time.Hour == 0:
		return plural(int64(d/time.Hour), "hour")
	default:
		return plural(int64(d/time.Minute), "minute")
	}
}

// AlarmInstant returns the absolute trigger time of an event's alarm, or nil
// when the event has none.
func AlarmInstant(e *ScheduleEvent, loc *time.Location) (*time.Time, error) {
	if !e.HasAlarm {
		return nil, nil
	}
	offset, err := ParseAlarmOffset(e.AlarmOffsetText)
	if err != nil {
		return nil, err
	}
	at := e.StartAt(loc).Add(-offset)
	return &at, nil
}
