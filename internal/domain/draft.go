package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxTitleLength   = 100
	MaxContentLength = 500

	MinDuration = 5 * time.Minute
	MaxDuration = 24 * time.Hour
)

// Draft is the caller's input for creating or updating a schedule.
type Draft struct {
	Date      time.Time
	StartTime string
	EndTime   string
	IsAllDay  bool

	Title   string
	Content string

	GroupID    int64
	AssigneeID int64 // 0 keeps the current assignee on update

	LocationName    string
	LocationAddress string
	LocationLat     *float64
	LocationLng     *float64

	HasAlarm        bool
	AlarmOffsetText string

	Cadence  Cadence
	Weekdays []time.Weekday
}

// Normalize trims text fields in place.
func (d *Draft) Normalize() {
	d.Title = strings.TrimSpace(d.Title)
	d.Content = strings.TrimSpace(d.Content)
	d.StartTime = strings.TrimSpace(d.StartTime)
	d.EndTime = strings.TrimSpace(d.EndTime)
	d.LocationName = strings.TrimSpace(d.LocationName)
	d.LocationAddress = strings.TrimSpace(d.LocationAddress)
	if d.Cadence == "" {
		d.Cadence = CadenceNone
	}
}

// Validate checks the shape of the draft. Group and assignee resolution is
// done by the caller against the roster.
func (d *Draft) Validate() error {
	if d.Title == "" {
		return &ValidationError{Field: "title", Message: "title is required"}
	}
	if utf8.RuneCountInString(d.Title) > MaxTitleLength {
		return &ValidationError{Field: "title", Message: fmt.Sprintf("title must be at most %d characters", MaxTitleLength)}
	}
	if utf8.RuneCountInString(d.Content) > MaxContentLength {
		return &ValidationError{Field: "content", Message: fmt.Sprintf("content must be at most %d characters", MaxContentLength)}
	}
	if d.Date.IsZero() {
		return &ValidationError{Field: "date", Message: "date is required"}
	}
	if !d.IsAllDay {
		if err := ValidateTimeRange(d.StartTime, d.EndTime); err != nil {
			return err
		}
	}
	if d.GroupID == 0 {
		return &ValidationError{Field: "group", Message: "group is required"}
	}
	if (d.LocationLat == nil) != (d.LocationLng == nil) {
		return &ValidationError{Field: "location", Message: "latitude and longitude must be set together"}
	}
	if d.LocationLat != nil {
		if *d.LocationLat < -90 || *d.LocationLat > 90 || *d.LocationLng < -180 || *d.LocationLng > 180 {
			return &ValidationError{Field: "location", Message: "coordinates out of range"}
		}
	}
	if d.HasAlarm {
		if _, err := ParseAlarmOffset(d.AlarmOffsetText); err != nil {
			return err
		}
	}
	if d.Cadence != "" && !d.Cadence.Valid() {
		return &ValidationError{Field: "repeat", Message: fmt.Sprintf("unknown cadence %q", d.Cadence)}
	}
	return nil
}

// ValidateTimeRange checks that start and end are well-formed HH:MM values,
// start precedes end, and the duration lies within [5 min, 24 h].
func ValidateTimeRange(start, end string) error {
	sh, sm, err := ParseClock(start)
	if err != nil {
		return &ValidationError{Field: "start_time", Message: "start time must be HH:MM"}
	}
	eh, em, err := ParseClock(end)
	if err != nil {
		return &ValidationError{Field: "end_time", Message: "end time must be HH:MM"}
	}
	dur := time.Duration((eh*60+em)-(sh*60+sm)) * time.Minute
	if dur <= 0 {
		return &ValidationError{Field: "end_time", Message: "end time must be after start time"}
	}
	if dur < MinDuration || dur > MaxDuration {
		return &ValidationError{Field: "end_time", Message: "duration must be between 5 minutes and 24 hours"}
	}
	return nil
}
