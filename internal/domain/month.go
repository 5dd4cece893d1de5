package domain

import (
	"fmt"
	"time"
)

// MonthKey identifies a cache partition, formatted "YYYY-MM".
type MonthKey string

// MonthKeyOf returns the month key of t.
func MonthKeyOf(t time.Time) MonthKey {
	return MonthKey(t.Format("2006-01"))
}

// NewMonthKey builds a key from a year and month.
func NewMonthKey(year int, month time.Month) MonthKey {
	return MonthKey(fmt.Sprintf("%04d-%02d", year, int(month)))
}

// ParseMonthKey validates s and returns it as a MonthKey.
func ParseMonthKey(s string) (MonthKey, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return "", &ValidationError{Field: "month", Message: fmt.Sprintf("invalid month %q, expected YYYY-MM", s)}
	}
	return MonthKeyOf(t), nil
}

// YearMonth returns the year and month of the key. Malformed keys yield zero.
func (k MonthKey) YearMonth() (int, time.Month) {
	t, err := time.Parse("2006-01", string(k))
	if err != nil {
		return 0, 0
	}
	return t.Year(), t.Month()
}

// Range returns [first day, first day of next month) in loc.
func (k MonthKey) Range(loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	y, m := k.YearMonth()
	from := time.Date(y, m, 1, 0, 0, 0, 0, loc)
	return from, from.AddDate(0, 1, 0)
}

// Add returns the key n months away.
func (k MonthKey) Add(n int) MonthKey {
	y, m := k.YearMonth()
	return MonthKeyOf(time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC))
}

// MonthsBetween returns the signed number of months from a to b.
func MonthsBetween(a, b MonthKey) int {
	ya, ma := a.YearMonth()
	yb, mb := b.YearMonth()
	return (yb-ya)*12 + int(mb) - int(ma)
}

func (k MonthKey) String() string { return string(k) }
