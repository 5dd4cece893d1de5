package caldav

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tazhate/groupcal/internal/domain"
	"github.com/tazhate/groupcal/internal/recurrence"
)

// instanceSep joins a series UID and an occurrence day in event ids.
const instanceSep = "~"

// Client is the remote schedule API over a calendar object store. Single
// schedules map to one object; recurring schedules map to a series root
// whose occurrences are expanded locally.
type Client struct {
	store   ObjectStore
	loc     *time.Location
	limiter *rate.Limiter
	log     zerolog.Logger
	newUID  func() string
}

// NewClient creates a client over store. ratePerSec <= 0 disables rate
// limiting.
func NewClient(store ObjectStore, loc *time.Location, ratePerSec float64, log zerolog.Logger) *Client {
	if loc == nil {
		loc = time.Local
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &Client{
		store:   store,
		loc:     loc,
		limiter: rate.NewLimiter(limit, 1),
		log:     log.With().Str("component", "caldav").Logger(),
		newUID:  uuid.NewString,
	}
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// InstanceID returns the event id of the occurrence of series uid on day.
func InstanceID(uid string, day time.Time) string {
	return uid + instanceSep + day.Format("20060102")
}

// ParseID splits an event id into the object UID and, for occurrences of a
// series, the occurrence day in loc.
func ParseID(id string, loc *time.Location) (string, time.Time, bool) {
	i := strings.LastIndex(id, instanceSep)
	if i < 0 {
		return id, time.Time{}, false
	}
	day, err := time.ParseInLocation("20060102", id[i+len(instanceSep):], loc)
	if err != nil {
		return id, time.Time{}, false
	}
	return id[:i], day, true
}

// FetchMonth returns the events of groupID in the given month with every
// series expanded into its occurrences. groupID 0 returns all groups.
func (c *Client) FetchMonth(ctx context.Context, groupID int64, year int, month time.Month) ([]domain.ScheduleEvent, error) {
	from := time.Date(year, month, 1, 0, 0, 0, 0, c.loc)
	to := from.AddDate(0, 1, 0)

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	objects, err := c.store.Query(ctx, from, to)
	if err != nil {
		return nil, err
	}

	var events []domain.ScheduleEvent
	for i := range objects {
		obj := &objects[i]
		if groupID != 0 && obj.GroupID != groupID {
			continue
		}
		occurrences, err := recurrence.Expand(c.series(obj), from, to)
		if err != nil {
			c.log.Warn().Err(err).Str("uid", obj.UID).Msg("skip unexpandable series")
			continue
		}
		for _, at := range occurrences {
			events = append(events, c.toEvent(obj, at))
		}
	}
	return events, nil
}

// CreateRemote stores a new schedule and returns it as its first
// occurrence.
func (c *Client) CreateRemote(ctx context.Context, sub domain.Submission) (*domain.ScheduleEvent, error) {
	obj := c.fromSubmission(sub, c.newUID())
	obj.CreatedBy = sub.ActorID

	if err := c.put(ctx, obj); err != nil {
		return nil, err
	}
	e := c.toEvent(obj, obj.Start)
	return &e, nil
}

// UpdateRemote applies sub to the schedule id within scope.
//
//   - this: the occurrence is excluded from its series and a detached
//     single schedule is stored in its place.
//   - thisAndFuture: the series ends the day before the occurrence and a
//     new series starts from the submitted date.
//   - all: the series root is rewritten, keeping its original start day.
func (c *Client) UpdateRemote(ctx context.Context, id string, sub domain.Submission, scope domain.Scope) (*domain.ScheduleEvent, error) {
	uid, day, _ := ParseID(id, c.loc)
	root, err := c.get(ctx, uid)
	if err != nil {
		return nil, err
	}

	if !root.IsRecurring() {
		obj := c.fromSubmission(sub, root.UID)
		obj.CreatedBy = root.CreatedBy
		obj.ReadOnly = root.ReadOnly
		if err := c.put(ctx, obj); err != nil {
			return nil, err
		}
		e := c.toEvent(obj, obj.Start)
		return &e, nil
	}

	occurrence, err := c.occurrence(root, day)
	if err != nil {
		return nil, err
	}

	switch scope {
	case domain.ScopeThis:
		root.ExDates = append(root.ExDates, occurrence)
		if err := c.put(ctx, root); err != nil {
			return nil, err
		}
		detached := c.fromSubmission(sub, c.newUID())
		detached.Rule = recurrence.Rule{Cadence: domain.CadenceNone}
		detached.Until = nil
		detached.CreatedBy = root.CreatedBy
		if err := c.put(ctx, detached); err != nil {
			return nil, err
		}
		e := c.toEvent(detached, detached.Start)
		return &e, nil

	case domain.ScopeThisAndFuture:
		if !sameDay(occurrence, root.Start) {
			until := endOfPreviousDay(occurrence)
			root.Until = &until
			if err := c.put(ctx, root); err != nil {
				return nil, err
			}
			next := c.fromSubmission(sub, c.newUID())
			next.CreatedBy = root.CreatedBy
			next.ExDates = futureExDates(root.ExDates, occurrence, next.Start)
			if err := c.put(ctx, next); err != nil {
				return nil, err
			}
			e := c.toEvent(next, next.Start)
			return &e, nil
		}
		// The first occurrence onwards is the whole series.
		fallthrough

	case domain.ScopeAll:
		obj := c.fromSubmission(sub, root.UID)
		obj.CreatedBy = root.CreatedBy
		obj.ReadOnly = root.ReadOnly
		obj.Until = root.Until
		rebase(obj, root)
		if err := c.put(ctx, obj); err != nil {
			return nil, err
		}
		at := obj.Start
		if !day.IsZero() {
			at = atClock(day, obj.Start)
		}
		e := c.toEvent(obj, at)
		return &e, nil
	}
	return nil, &domain.ScopeRequiredError{ScheduleID: id}
}

// DeleteRemote removes the schedule id within scope.
func (c *Client) DeleteRemote(ctx context.Context, id string, scope domain.Scope) error {
	uid, day, _ := ParseID(id, c.loc)
	root, err := c.get(ctx, uid)
	if err != nil {
		return err
	}
	if !root.IsRecurring() || scope == domain.ScopeAll {
		return c.remove(ctx, uid)
	}

	occurrence, err := c.occurrence(root, day)
	if err != nil {
		return err
	}

	switch scope {
	case domain.ScopeThis:
		root.ExDates = append(root.ExDates, occurrence)
		return c.put(ctx, root)
	case domain.ScopeThisAndFuture:
		if sameDay(occurrence, root.Start) {
			return c.remove(ctx, uid)
		}
		until := endOfPreviousDay(occurrence)
		root.Until = &until
		return c.put(ctx, root)
	}
	return &domain.ScopeRequiredError{ScheduleID: id}
}

func (c *Client) get(ctx context.Context, uid string) (*Object, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.store.Get(ctx, uid)
}

func (c *Client) put(ctx context.Context, obj *Object) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := c.store.Put(ctx, obj); err != nil {
		return err
	}
	c.log.Debug().Str("uid", obj.UID).Str("rule", obj.Rule.String()).Msg("object stored")
	return nil
}

func (c *Client) remove(ctx context.Context, uid string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, uid); err != nil {
		return err
	}
	c.log.Debug().Str("uid", uid).Msg("object removed")
	return nil
}

// occurrence resolves the start time of the occurrence of root on day.
func (c *Client) occurrence(root *Object, day time.Time) (time.Time, error) {
	if day.IsZero() {
		return root.Start, nil
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, c.loc)
	occ, err := recurrence.Expand(c.series(root), from, from.AddDate(0, 0, 1))
	if err != nil {
		return time.Time{}, err
	}
	if len(occ) == 0 {
		return time.Time{}, fmt.Errorf("%s has no occurrence on %s: %w", root.UID, day.Format("2006-01-02"), domain.ErrNotFound)
	}
	return occ[0], nil
}

func (c *Client) series(obj *Object) recurrence.Series {
	return recurrence.Series{
		Rule:    obj.Rule,
		Start:   obj.Start,
		Until:   obj.Until,
		ExDates: obj.ExDates,
	}
}

func (c *Client) fromSubmission(sub domain.Submission, uid string) *Object {
	d := sub.Draft
	start := time.Date(d.Date.Year(), d.Date.Month(), d.Date.Day(), 0, 0, 0, 0, c.loc)
	var end time.Time
	if d.IsAllDay {
		end = start.AddDate(0, 0, 1)
	} else {
		e := domain.ScheduleEvent{Date: start, StartTime: d.StartTime, EndTime: d.EndTime}
		start = e.StartAt(c.loc)
		end = e.EndAt(c.loc)
	}

	obj := &Object{
		UID:             uid,
		Title:           d.Title,
		Description:     d.Content,
		Start:           start,
		End:             end,
		AllDay:          d.IsAllDay,
		Rule:            recurrence.Parse(sub.RuleEncoded),
		GroupID:         sub.Group.ID,
		GroupName:       sub.Group.Name,
		GroupColor:      sub.Group.Color,
		Assignee:        sub.Assignee,
		LocationName:    d.LocationName,
		LocationAddress: d.LocationAddress,
		Lat:             d.LocationLat,
		Lng:             d.LocationLng,
		HasAlarm:        d.HasAlarm,
	}
	if d.HasAlarm {
		obj.AlarmOffset, _ = domain.ParseAlarmOffset(d.AlarmOffsetText)
	}
	return obj
}

// toEvent renders the occurrence of obj starting at at.
func (c *Client) toEvent(obj *Object, at time.Time) domain.ScheduleEvent {
	at = at.In(c.loc)
	e := domain.ScheduleEvent{
		ID:              obj.UID,
		ServerID:        obj.UID,
		Date:            time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, c.loc),
		IsAllDay:        obj.AllDay,
		Title:           obj.Title,
		Content:         obj.Description,
		GroupID:         obj.GroupID,
		GroupName:       obj.GroupName,
		GroupColor:      obj.GroupColor,
		LocationName:    obj.LocationName,
		LocationAddress: obj.LocationAddress,
		LocationLat:     obj.Lat,
		LocationLng:     obj.Lng,
		HasAlarm:        obj.HasAlarm,
		CanEdit:         !obj.ReadOnly,
		CanDelete:       !obj.ReadOnly,
	}
	obj.Assignee.Apply(&e)
	if !obj.AllDay {
		e.StartTime = at.Format("15:04")
		e.EndTime = at.Add(obj.Duration()).Format("15:04")
	}
	if obj.HasAlarm {
		e.AlarmOffsetText = domain.FormatAlarmOffset(obj.AlarmOffset)
	}
	if obj.IsRecurring() {
		e.ID = InstanceID(obj.UID, at)
		e.ParentID = obj.UID
		e.SeriesRootID = obj.UID
		e.RuleEncoded = obj.Rule.String()
		e.RuleText = recurrence.HumanLabel(obj.Rule)
	}
	return e
}

func sameDay(a, b time.Time) bool {
	y1, m1, d1 := a.Date()
	y2, m2, d2 := b.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// endOfPreviousDay returns the last second of the day before t.
func endOfPreviousDay(t time.Time) time.Time {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return midnight.Add(-time.Second)
}

// atClock returns day at the wall-clock time of ref.
func atClock(day, ref time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), ref.Hour(), ref.Minute(), 0, 0, ref.Location())
}

// rebase moves obj onto the start day of root and carries the exclusions of
// root over to the new time of day.
func rebase(obj, root *Object) {
	dur := obj.Duration()
	obj.Start = time.Date(root.Start.Year(), root.Start.Month(), root.Start.Day(), obj.Start.Hour(), obj.Start.Minute(), 0, 0, obj.Start.Location())
	obj.End = obj.Start.Add(dur)
	obj.ExDates = nil
	for _, ex := range root.ExDates {
		obj.ExDates = append(obj.ExDates, atClock(ex, obj.Start))
	}
}

// futureExDates keeps the exclusions of a split series that fall on or
// after from, moved to the time of day of start.
func futureExDates(exdates []time.Time, from, start time.Time) []time.Time {
	var out []time.Time
	for _, ex := range exdates {
		if !ex.Before(from) {
			out = append(out, atClock(ex, start))
		}
	}
	return out
}
