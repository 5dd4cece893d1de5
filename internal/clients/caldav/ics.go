package caldav

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/tazhate/groupcal/internal/domain"
	"github.com/tazhate/groupcal/internal/recurrence"
)

const (
	propGeo = "GEO"

	propGroupID      = "X-GROUPCAL-GROUP-ID"
	propGroupName    = "X-GROUPCAL-GROUP-NAME"
	propGroupColor   = "X-GROUPCAL-GROUP-COLOR"
	propAssigneeID   = "X-GROUPCAL-ASSIGNEE-ID"
	propMembershipID = "X-GROUPCAL-MEMBERSHIP-ID"
	propAssignee     = "X-GROUPCAL-ASSIGNEE-NAME"
	propPhoto        = "X-GROUPCAL-ASSIGNEE-PHOTO"
	propGender       = "X-GROUPCAL-ASSIGNEE-GENDER"
	propOwner        = "X-GROUPCAL-OWNER"
	propLeader       = "X-GROUPCAL-LEADER"
	propAddress      = "X-GROUPCAL-ADDRESS"
	propCreatedBy    = "X-GROUPCAL-CREATED-BY"
	propReadOnly     = "X-GROUPCAL-READONLY"
)

// objectToCalendar converts an Object to iCalendar format
func objectToCalendar(obj *Object, now time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//GroupCal//CalDAV//EN")

	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, obj.UID)
	vevent.Props.SetText(ical.PropSummary, obj.Title)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())

	if obj.Description != "" {
		vevent.Props.SetText(ical.PropDescription, obj.Description)
	}

	if obj.AllDay {
		vevent.Props.SetDate(ical.PropDateTimeStart, obj.Start)
		vevent.Props.SetDate(ical.PropDateTimeEnd, obj.End)
	} else {
		// UTC on the wire, converted back to the client location on read
		vevent.Props.SetDateTime(ical.PropDateTimeStart, obj.Start.UTC())
		vevent.Props.SetDateTime(ical.PropDateTimeEnd, obj.End.UTC())
	}

	if obj.IsRecurring() {
		rrule := ical.NewProp(ical.PropRecurrenceRule)
		rrule.Value = recurrence.ToRRule(obj.Rule, obj.Until)
		vevent.Props.Set(rrule)
		for _, ex := range obj.ExDates {
			p := ical.NewProp(ical.PropExceptionDates)
			if obj.AllDay {
				p.SetDate(ex)
			} else {
				p.SetDateTime(ex.UTC())
			}
			vevent.Props.Add(p)
		}
	}

	if obj.LocationName != "" {
		vevent.Props.SetText(ical.PropLocation, obj.LocationName)
	}
	if obj.LocationAddress != "" {
		vevent.Props.SetText(propAddress, obj.LocationAddress)
	}
	if obj.Lat != nil && obj.Lng != nil {
		geo := ical.NewProp(propGeo)
		geo.Value = strconv.FormatFloat(*obj.Lat, 'f', -1, 64) + ";" + strconv.FormatFloat(*obj.Lng, 'f', -1, 64)
		vevent.Props.Set(geo)
	}

	setInt(vevent.Props, propGroupID, obj.GroupID)
	setText(vevent.Props, propGroupName, obj.GroupName)
	setText(vevent.Props, propGroupColor, obj.GroupColor)
	setInt(vevent.Props, propAssigneeID, obj.Assignee.MemberID)
	setInt(vevent.Props, propMembershipID, obj.Assignee.MembershipID)
	setText(vevent.Props, propAssignee, obj.Assignee.Name)
	setText(vevent.Props, propPhoto, obj.Assignee.Photo)
	setText(vevent.Props, propGender, obj.Assignee.Gender)
	setText(vevent.Props, propOwner, string(obj.Assignee.OwnerFlag))
	setText(vevent.Props, propLeader, string(obj.Assignee.LeaderFlag))
	setInt(vevent.Props, propCreatedBy, obj.CreatedBy)
	if obj.ReadOnly {
		vevent.Props.SetText(propReadOnly, "TRUE")
	}

	if obj.HasAlarm {
		alarm := ical.NewComponent(ical.CompAlarm)
		alarm.Props.SetText(ical.PropAction, "DISPLAY")
		alarm.Props.SetText(ical.PropDescription, obj.Title)
		trigger := ical.NewProp(ical.PropTrigger)
		trigger.SetDuration(-obj.AlarmOffset)
		alarm.Props.Set(trigger)
		vevent.Children = append(vevent.Children, alarm)
	}

	cal.Children = append(cal.Children, vevent.Component)
	return cal
}

// objectFromCalendar reads the first VEVENT of cal. Times are converted
// to loc.
func objectFromCalendar(cal *ical.Calendar, loc *time.Location) (*Object, error) {
	if cal == nil {
		return nil, fmt.Errorf("no data in calendar object")
	}

	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		return objectFromEvent(comp, loc)
	}
	return nil, fmt.Errorf("no VEVENT in calendar object")
}

func objectFromEvent(comp *ical.Component, loc *time.Location) (*Object, error) {
	obj := &Object{
		UID:             text(comp.Props, ical.PropUID),
		Title:           text(comp.Props, ical.PropSummary),
		Description:     text(comp.Props, ical.PropDescription),
		LocationName:    text(comp.Props, ical.PropLocation),
		LocationAddress: text(comp.Props, propAddress),
		GroupID:         integer(comp.Props, propGroupID),
		GroupName:       text(comp.Props, propGroupName),
		GroupColor:      text(comp.Props, propGroupColor),
		CreatedBy:       integer(comp.Props, propCreatedBy),
		ReadOnly:        strings.EqualFold(text(comp.Props, propReadOnly), "TRUE"),
		Assignee: domain.Assignee{
			MemberID:     integer(comp.Props, propAssigneeID),
			MembershipID: integer(comp.Props, propMembershipID),
			Name:         text(comp.Props, propAssignee),
			Photo:        text(comp.Props, propPhoto),
			Gender:       text(comp.Props, propGender),
			OwnerFlag:    domain.Flag(text(comp.Props, propOwner)),
			LeaderFlag:   domain.Flag(text(comp.Props, propLeader)),
		},
	}
	if obj.UID == "" {
		return nil, fmt.Errorf("VEVENT without UID")
	}

	start := comp.Props.Get(ical.PropDateTimeStart)
	if start == nil {
		return nil, fmt.Errorf("%s: missing DTSTART", obj.UID)
	}
	obj.AllDay = start.ValueType() == ical.ValueDate
	t, err := start.DateTime(loc)
	if err != nil {
		return nil, fmt.Errorf("%s: DTSTART: %w", obj.UID, err)
	}
	obj.Start = t.In(loc)

	if end := comp.Props.Get(ical.PropDateTimeEnd); end != nil {
		t, err := end.DateTime(loc)
		if err != nil {
			return nil, fmt.Errorf("%s: DTEND: %w", obj.UID, err)
		}
		obj.End = t.In(loc)
	}
	if obj.End.IsZero() || !obj.End.After(obj.Start) {
		if obj.AllDay {
			obj.End = obj.Start.AddDate(0, 0, 1)
		} else {
			obj.End = obj.Start.Add(time.Hour)
		}
	}

	if rr := comp.Props.Get(ical.PropRecurrenceRule); rr != nil && rr.Value != "" {
		rule, until, err := recurrence.FromRRule(rr.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", obj.UID, err)
		}
		obj.Rule = rule
		if until != nil {
			u := until.In(loc)
			obj.Until = &u
		}
	}
	for _, p := range comp.Props.Values(ical.PropExceptionDates) {
		for _, v := range strings.Split(p.Value, ",") {
			single := ical.Prop{Name: p.Name, Params: p.Params, Value: v}
			ex, err := single.DateTime(loc)
			if err != nil {
				continue
			}
			obj.ExDates = append(obj.ExDates, ex.In(loc))
		}
	}

	if geo := comp.Props.Get(propGeo); geo != nil {
		latStr, lngStr, ok := strings.Cut(geo.Value, ";")
		if ok {
			lat, errLat := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
			lng, errLng := strconv.ParseFloat(strings.TrimSpace(lngStr), 64)
			if errLat == nil && errLng == nil {
				obj.Lat, obj.Lng = &lat, &lng
			}
		}
	}

	for _, child := range comp.Children {
		if child.Name != ical.CompAlarm {
			continue
		}
		trigger := child.Props.Get(ical.PropTrigger)
		if trigger == nil {
			continue
		}
		// Absolute and after-start triggers have no offset form.
		d, err := trigger.Duration()
		if err != nil || d > 0 {
			continue
		}
		obj.HasAlarm = true
		obj.AlarmOffset = -d
		break
	}

	return obj, nil
}

func text(props ical.Props, name string) string {
	p := props.Get(name)
	if p == nil {
		return ""
	}
	v, err := p.Text()
	if err != nil {
		return p.Value
	}
	return v
}

func integer(props ical.Props, name string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(text(props, name)), 10, 64)
	return n
}

func setText(props ical.Props, name, value string) {
	if value != "" {
		props.SetText(name, value)
	}
}

func setInt(props ical.Props, name string, value int64) {
	if value != 0 {
		props.SetText(name, strconv.FormatInt(value, 10))
	}
}
