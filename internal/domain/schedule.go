package domain

import (
	"fmt"
	"strings"
	"time"
)

// Flag is a server-side Y/N permission marker.
type Flag string

const (
	FlagYes Flag = "Y"
	FlagNo  Flag = "N"
)

// IsSet reports whether the flag is "Y".
func (f Flag) IsSet() bool {
	return strings.EqualFold(string(f), string(FlagYes))
}

// Cadence is the recurrence frequency class of a schedule.
type Cadence string

const (
	CadenceNone    Cadence = "none"
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
	CadenceYearly  Cadence = "yearly"
)

// Valid reports whether c is one of the known cadences.
func (c Cadence) Valid() bool {
	switch c {
	case CadenceNone, CadenceDaily, CadenceWeekly, CadenceMonthly, CadenceYearly:
		return true
	}
	return false
}

// LivePosition is the last GPS fix reported by a group member.
type LivePosition struct {
	Lat     float64   `json:"lat"`
	Lng     float64   `json:"lng"`
	Battery int       `json:"battery"`
	GPSTime time.Time `json:"gps_time"`
}

// ScheduleEvent is one calendar entry as rendered by the schedule screen.
//
// The assignee fields are a snapshot taken when the schedule was created, so a
// schedule stays attributable after the assignee leaves the group.
type ScheduleEvent struct {
	ID       string `json:"id"`
	ServerID string `json:"server_id,omitempty"`
	ParentID string `json:"parent_id,omitempty"`

	Date      time.Time `json:"date"`
	StartTime string    `json:"start_time,omitempty"` // "HH:MM"
	EndTime   string    `json:"end_time,omitempty"`   // "HH:MM"
	IsAllDay  bool      `json:"is_all_day"`

	Title   string `json:"title"`
	Content string `json:"content,omitempty"`

	GroupID           int64  `json:"group_id"`
	GroupName         string `json:"group_name,omitempty"`
	GroupColor        string `json:"group_color,omitempty"`
	AssigneeID        int64  `json:"assignee_id"`
	AssigneeName      string `json:"assignee_name,omitempty"`
	AssigneePhoto     string `json:"assignee_photo,omitempty"`
	AssigneeGender    string `json:"assignee_gender,omitempty"`
	OwnerFlag         Flag   `json:"owner_flag,omitempty"`
	LeaderFlag        Flag   `json:"leader_flag,omitempty"`
	GroupMembershipID int64  `json:"group_membership_id,omitempty"`

	LocationName    string   `json:"location_name,omitempty"`
	LocationAddress string   `json:"location_address,omitempty"`
	LocationLat     *float64 `json:"location_lat,omitempty"`
	LocationLng     *float64 `json:"location_lng,omitempty"`

	HasAlarm        bool       `json:"has_alarm"`
	AlarmOffsetText string     `json:"alarm_offset_text,omitempty"`
	AlarmInstant    *time.Time `json:"alarm_instant,omitempty"`

	RuleText     string `json:"rule_text,omitempty"`
	RuleEncoded  string `json:"rule_encoded,omitempty"`
	SeriesRootID string `json:"series_root_id,omitempty"`

	CanEdit   bool `json:"can_edit"`
	CanDelete bool `json:"can_delete"`

	// Recomputed on every load, never serialized.
	DistanceMeters *float64      `json:"-"`
	DistanceText   string        `json:"-"`
	Live           *LivePosition `json:"-"`
}

// IsRecurring reports whether the event belongs to a recurring series.
func (e *ScheduleEvent) IsRecurring() bool {
	return e.RuleEncoded != ""
}

// HasLocation reports whether the event carries coordinates.
func (e *ScheduleEvent) HasLocation() bool {
	return e.LocationLat != nil && e.LocationLng != nil
}

// Month returns the cache partition the event belongs to.
func (e *ScheduleEvent) Month() MonthKey {
	return MonthKeyOf(e.Date)
}

// StartAt returns the wall-clock start of the event in loc. All-day events
// start at local midnight.
func (e *ScheduleEvent) StartAt(loc *time.Location) time.Time {
	return combine(e.Date, e.StartTime, e.IsAllDay, loc)
}

// EndAt returns the wall-clock end of the event in loc. All-day events end
// at the following midnight.
func (e *ScheduleEvent) EndAt(loc *time.Location) time.Time {
	if e.IsAllDay {
		return combine(e.Date, "", true, loc).AddDate(0, 0, 1)
	}
	return combine(e.Date, e.EndTime, false, loc)
}

// SeriesID returns the id of the series root, or the event id itself.
func (e *ScheduleEvent) SeriesID() string {
	if e.SeriesRootID != "" {
		return e.SeriesRootID
	}
	if e.ParentID != "" {
		return e.ParentID
	}
	return e.ServerID
}

// TimeRange returns formatted time range
func (e *ScheduleEvent) TimeRange() string {
	if e.IsAllDay {
		return "All day"
	}
	if e.EndTime != "" {
		return e.StartTime + "-" + e.EndTime
	}
	return e.StartTime
}

// FormatDateTime returns formatted date and time
func (e *ScheduleEvent) FormatDateTime() string {
	if e.IsAllDay {
		return e.Date.Format("2006-01-02") + " (all day)"
	}
	return fmt.Sprintf("%s %s", e.Date.Format("2006-01-02"), e.TimeRange())
}

// SameDay reports whether the event falls on the calendar day of d.
func (e *ScheduleEvent) SameDay(d time.Time) bool {
	y1, m1, d1 := e.Date.Date()
	y2, m2, d2 := d.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// ClearDerived drops the ephemeral fields recomputed on load.
func (e *ScheduleEvent) ClearDerived() {
	e.DistanceMeters = nil
	e.DistanceText = ""
	e.Live = nil
}

// ParseDate parses a "YYYY-MM-DD" calendar day in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation("2006-01-02", strings.TrimSpace(s), loc)
}

// ParseClock parses "HH:MM" into hours and minutes.
func ParseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

func combine(date time.Time, clock string, allDay bool, loc *time.Location) time.Time {
	if loc == nil {
		loc = date.Location()
	}
	y, m, d := date.Date()
	if allDay || clock == "" {
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	h, min, err := ParseClock(clock)
	if err != nil {
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	return time.Date(y, m, d, h, min, 0, 0, loc)
}
