package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/tazhate/groupcal/internal/domain"
)

const defaultMaxOccurrences = 1000

// ToRRule converts a rule to an RFC 5545 RRULE value, e.g.
// "FREQ=WEEKLY;BYDAY=MO,WE". until, if non-nil, is appended as UNTIL in UTC.
// An empty rule yields "".
func ToRRule(r Rule, until *time.Time) string {
	if r.Empty() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("FREQ=")
	sb.WriteString(strings.ToUpper(string(r.Cadence)))
	if r.Cadence == domain.CadenceWeekly && len(r.Weekdays) > 0 {
		codes := make([]string, 0, len(r.Weekdays))
		for _, o := range r.Weekdays {
			if d, ok := GoWeekday(o); ok {
				codes = append(codes, byDayCode(d))
			}
		}
		sb.WriteString(";BYDAY=")
		sb.WriteString(strings.Join(codes, ","))
	}
	if until != nil {
		sb.WriteString(";UNTIL=")
		sb.WriteString(until.UTC().Format("20060102T150405Z"))
	}
	return sb.String()
}

// FromRRule parses an RRULE value into a rule and its optional UNTIL.
// Frequencies finer than daily are rejected.
func FromRRule(s string) (Rule, *time.Time, error) {
	opt, err := rrule.StrToROption(strings.TrimPrefix(strings.TrimSpace(s), "RRULE:"))
	if err != nil {
		return Rule{}, nil, fmt.Errorf("parse rrule: %w", err)
	}

	var until *time.Time
	if !opt.Until.IsZero() {
		u := opt.Until
		until = &u
	}

	switch opt.Freq {
	case rrule.DAILY:
		return Rule{Cadence: domain.CadenceDaily}, until, nil
	case rrule.MONTHLY:
		return Rule{Cadence: domain.CadenceMonthly}, until, nil
	case rrule.YEARLY:
		return Rule{Cadence: domain.CadenceYearly}, until, nil
	case rrule.WEEKLY:
		var days []time.Weekday
		for i := range opt.Byweekday {
			// rrule-go counts Monday as 0.
			days = append(days, time.Weekday((opt.Byweekday[i].Day()+1)%7))
		}
		if len(days) == 0 && !opt.Dtstart.IsZero() {
			days = DefaultWeekdays(opt.Dtstart)
		}
		r, err := Encode(domain.CadenceWeekly, days, false)
		if err != nil {
			return Rule{}, nil, err
		}
		return r, until, nil
	}
	return Rule{}, nil, fmt.Errorf("unsupported frequency %v", opt.Freq)
}

// Series describes a recurring schedule for expansion.
type Series struct {
	Rule    Rule
	Start   time.Time // first occurrence (DTSTART)
	Until   *time.Time
	ExDates []time.Time
	// MaxOccurrences caps the expansion. Zero means defaultMaxOccurrences.
	MaxOccurrences int
}

// Expand returns the occurrence start times of s within [from, to),
// honoring UNTIL and EXDATE. A non-repeating series yields Start when it
// falls inside the window.
func Expand(s Series, from, to time.Time) ([]time.Time, error) {
	if to.Before(from) {
		return nil, errors.New("expand: window end is before start")
	}
	if s.Rule.Empty() {
		if !s.Start.Before(from) && s.Start.Before(to) && !isExcluded(s.Start, s.ExDates) {
			return []time.Time{s.Start}, nil
		}
		return nil, nil
	}

	opt := rrule.ROption{Dtstart: s.Start}
	switch s.Rule.Cadence {
	case domain.CadenceDaily:
		opt.Freq = rrule.DAILY
	case domain.CadenceWeekly:
		opt.Freq = rrule.WEEKLY
		for _, o := range s.Rule.Weekdays {
			if d, ok := GoWeekday(o); ok {
				opt.Byweekday = append(opt.Byweekday, rruleWeekday(d))
			}
		}
	case domain.CadenceMonthly:
		opt.Freq = rrule.MONTHLY
	case domain.CadenceYearly:
		opt.Freq = rrule.YEARLY
	default:
		return nil, fmt.Errorf("expand: unknown cadence %q", s.Rule.Cadence)
	}
	if s.Until != nil {
		opt.Until = *s.Until
	}

	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("expand: %w", err)
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range s.ExDates {
		set.ExDate(ex.In(s.Start.Location()))
	}

	occ := set.Between(from.In(s.Start.Location()), to.Add(-time.Nanosecond).In(s.Start.Location()), true)
	max := s.MaxOccurrences
	if max <= 0 {
		max = defaultMaxOccurrences
	}
	if len(occ) > max {
		occ = occ[:max]
	}
	sort.Slice(occ, func(i, j int) bool { return occ[i].Before(occ[j]) })
	return occ, nil
}

func rruleWeekday(d time.Weekday) rrule.Weekday {
	switch d {
	case time.Monday:
		return rrule.MO
	case time.Tuesday:
		return rrule.TU
	case time.Wednesday:
		return rrule.WE
	case time.Thursday:
		return rrule.TH
	case time.Friday:
		return rrule.FR
	case time.Saturday:
		return rrule.SA
	default:
		return rrule.SU
	}
}

func isExcluded(t time.Time, exdates []time.Time) bool {
	for _, ex := range exdates {
		if ex.Equal(t) {
			return true
		}
	}
	return false
}
