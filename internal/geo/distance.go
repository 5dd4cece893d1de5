// Package geo correlates a schedule's fixed location with the assignee's
// live position.
package geo

import (
	"fmt"
	"math"

	"github.com/tazhate/groupcal/internal/domain"
)

// EarthRadiusMeters is the mean Earth radius used by Distance.
const EarthRadiusMeters = 6371000.0

// Distance returns the great-circle distance in meters between two points
// using the haversine formula.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// FormatDistance renders meters as "{n}m" below one kilometer and
// "{n.n}km" otherwise.
func FormatDistance(meters float64) string {
	if meters < 1000 {
		return fmt.Sprintf("%dm", int64(math.Round(meters)))
	}
	return fmt.Sprintf("%.1fkm", meters/1000)
}

// AttachLiveState copies the live position of the event's assignee from
// roster onto the event and computes the distance to the event location.
// The event is returned unchanged when the assignee is not on the roster;
// the distance stays empty when either side has no position.
func AttachLiveState(e domain.ScheduleEvent, roster []domain.GroupMember) domain.ScheduleEvent {
	member, ok := domain.FindMember(roster, e.GroupMembershipID, e.AssigneeID)
	if !ok {
		return e
	}

	e.ClearDerived()
	if member.Live == nil {
		return e
	}
	live := *member.Live
	e.Live = &live

	if !e.HasLocation() {
		return e
	}
	meters := Distance(*e.LocationLat, *e.LocationLng, live.Lat, live.Lng)
	e.DistanceMeters = &meters
	e.DistanceText = FormatDistance(meters)
	return e
}
