package caldav

import (
	"context"
	"time"

	"github.com/tazhate/groupcal/internal/domain"
	"github.com/tazhate/groupcal/internal/recurrence"
)

// Calendar represents a calendar collection on the server
type Calendar struct {
	ID          string // Calendar path/URL
	DisplayName string
	URL         string
}

// Object is one stored calendar object: a single schedule or the root of a
// recurring series. Start and End are wall-clock times in the client's
// location.
type Object struct {
	UID         string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
	AllDay      bool

	Rule    recurrence.Rule
	Until   *time.Time
	ExDates []time.Time

	GroupID    int64
	GroupName  string
	GroupColor string
	Assignee   domain.Assignee
	CreatedBy  int64

	LocationName    string
	LocationAddress string
	Lat             *float64
	Lng             *float64

	HasAlarm    bool
	AlarmOffset time.Duration

	// ReadOnly marks objects the group may not change.
	ReadOnly bool
}

// IsRecurring reports whether the object is a series root.
func (o *Object) IsRecurring() bool {
	return !o.Rule.Empty()
}

// Duration returns End - Start.
func (o *Object) Duration() time.Duration {
	return o.End.Sub(o.Start)
}

// ObjectStore persists calendar objects by UID.
type ObjectStore interface {
	// Query returns the objects with at least one occurrence in [from, to).
	Query(ctx context.Context, from, to time.Time) ([]Object, error)
	// Get returns domain.ErrNotFound for unknown UIDs.
	Get(ctx context.Context, uid string) (*Object, error)
	Put(ctx context.Context, obj *Object) error
	Delete(ctx context.Context, uid string) error
}
