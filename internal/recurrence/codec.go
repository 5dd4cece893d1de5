// Package recurrence translates between the compact rule encoding stored
// on a schedule, the UI selections it was built from, human labels, and
// RFC 5545 recurrence rules.
package recurrence

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tazhate/groupcal/internal/domain"
)

// Rule is the decoded form of a compact rule encoding.
type Rule struct {
	Cadence domain.Cadence
	// Weekdays holds rule ordinals (Monday=1 .. Sunday=7), ascending.
	// Only meaningful for weekly rules.
	Weekdays []int
}

// Empty reports whether the rule does not repeat.
func (r Rule) Empty() bool {
	return r.Cadence == "" || r.Cadence == domain.CadenceNone
}

// String returns the compact encoding: "" for no repeat, otherwise the
// cadence name, with ":<ordinals>" appended for weekly rules
// (e.g. "weekly:1,3,5").
func (r Rule) String() string {
	if r.Empty() {
		return ""
	}
	if r.Cadence != domain.CadenceWeekly {
		return string(r.Cadence)
	}
	parts := make([]string, len(r.Weekdays))
	for i, o := range r.Weekdays {
		parts[i] = strconv.Itoa(o)
	}
	return string(r.Cadence) + ":" + strings.Join(parts, ",")
}

// SelectedWeekdays converts the rule ordinals to time.Weekday in Sun..Sat order.
func (r Rule) SelectedWeekdays() []time.Weekday {
	days := make([]time.Weekday, 0, len(r.Weekdays))
	for _, o := range r.Weekdays {
		if d, ok := GoWeekday(o); ok {
			days = append(days, d)
		}
	}
	return sortedWeekdays(days)
}

// Decoded is the UI-facing view of an encoded rule.
type Decoded struct {
	Cadence  domain.Cadence
	Weekdays []time.Weekday
	Label    string
	Rule     Rule
}

// Encode builds a rule from UI selections. All-day schedules never repeat.
// A weekly cadence without selected weekdays is a validation error.
func Encode(cadence domain.Cadence, selected []time.Weekday, isAllDay bool) (Rule, error) {
	if isAllDay {
		return Rule{Cadence: domain.CadenceNone}, nil
	}
	switch cadence {
	case "", domain.CadenceNone:
		return Rule{Cadence: domain.CadenceNone}, nil
	case domain.CadenceDaily, domain.CadenceMonthly, domain.CadenceYearly:
		return Rule{Cadence: cadence}, nil
	case domain.CadenceWeekly:
		days := sortedWeekdays(selected)
		if len(days) == 0 {
			return Rule{}, &domain.ValidationError{Field: "repeat", Message: "select at least one weekday for a weekly repeat"}
		}
		ordinals := make([]int, len(days))
		for i, d := range days {
			ordinals[i] = WeekdayOrdinal(d)
		}
		sort.Ints(ordinals)
		return Rule{Cadence: domain.CadenceWeekly, Weekdays: ordinals}, nil
	}
	return Rule{}, &domain.ValidationError{Field: "repeat", Message: "unknown repeat option " + string(cadence)}
}

// Parse reads a compact encoding. Unknown or legacy encodings fall back to
// no repeat; RRULE strings ("FREQ=WEEKLY;BYDAY=MO") are accepted.
func Parse(encoded string) Rule {
	s := strings.TrimSpace(encoded)
	if s == "" {
		return Rule{Cadence: domain.CadenceNone}
	}
	if strings.Contains(strings.ToUpper(s), "FREQ=") {
		r, _, err := FromRRule(s)
		if err != nil {
			return Rule{Cadence: domain.CadenceNone}
		}
		return r
	}

	name, mask, _ := strings.Cut(s, ":")
	cadence := domain.Cadence(strings.ToLower(strings.TrimSpace(name)))
	switch cadence {
	case domain.CadenceDaily, domain.CadenceMonthly, domain.CadenceYearly:
		return Rule{Cadence: cadence}
	case domain.CadenceWeekly:
		ordinals := parseMask(mask)
		if len(ordinals) == 0 {
			return Rule{Cadence: domain.CadenceNone}
		}
		return Rule{Cadence: domain.CadenceWeekly, Weekdays: ordinals}
	}
	return Rule{Cadence: domain.CadenceNone}
}

func parseMask(mask string) []int {
	seen := map[int]bool{}
	var out []int
	for _, p := range strings.Split(mask, ",") {
		o, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		// Some older records stored Sunday as 0.
		if o == 0 {
			o = 7
		}
		if _, ok := GoWeekday(o); !ok || seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, o)
	}
	sort.Ints(out)
	return out
}

// Decode reconstructs UI selections and the human label from an encoding.
func Decode(encoded string) Decoded {
	r := Parse(encoded)
	return Decoded{
		Cadence:  r.Cadence,
		Weekdays: r.SelectedWeekdays(),
		Label:    HumanLabel(r),
		Rule:     r,
	}
}

// HumanLabel renders the user-facing text of a rule.
func HumanLabel(r Rule) string {
	switch r.Cadence {
	case domain.CadenceDaily:
		return "Every day"
	case domain.CadenceWeekly:
		days := r.SelectedWeekdays()
		if isWeekdays(days) {
			return "Weekly Mon–Fri"
		}
		names := make([]string, len(days))
		for i, d := range days {
			names[i] = ShortName(d)
		}
		return "Weekly " + strings.Join(names, ",")
	case domain.CadenceMonthly:
		return "Every month"
	case domain.CadenceYearly:
		return "Every year"
	default:
		return "None"
	}
}

func isWeekdays(days []time.Weekday) bool {
	if len(days) != 5 {
		return false
	}
	for i, d := range days {
		if d != time.Weekday(i+1) {
			return false
		}
	}
	return true
}
