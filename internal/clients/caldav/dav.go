package caldav

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-webdav/caldav"

	"github.com/tazhate/groupcal/internal/domain"
)

const (
	// Apple iCloud CalDAV endpoint
	DefaultiCloudURL = "https://caldav.icloud.com"
)

// DAVConfig holds the server connection settings.
type DAVConfig struct {
	URL          string
	Username     string
	Password     string
	CalendarPath string // Optional: discovered when empty
	Location     *time.Location
}

// DAVStore is an ObjectStore backed by a CalDAV calendar collection.
type DAVStore struct {
	client       *caldav.Client
	calendarPath string
	loc          *time.Location
	now          func() time.Time
}

// NewDAVStore connects to the server. When no calendar path is configured
// the first calendar of the user's home set is used.
func NewDAVStore(ctx context.Context, cfg DAVConfig) (*DAVStore, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultiCloudURL
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	httpClient := &http.Client{
		Transport: &basicAuthTransport{
			username: cfg.Username,
			password: cfg.Password,
		},
		Timeout: 30 * time.Second,
	}

	client, err := caldav.NewClient(httpClient, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to CalDAV: %w", err)
	}

	s := &DAVStore{client: client, calendarPath: cfg.CalendarPath, loc: cfg.Location, now: time.Now}
	if s.calendarPath == "" {
		cals, err := s.DiscoverCalendars(ctx)
		if err != nil {
			return nil, err
		}
		if len(cals) == 0 {
			return nil, fmt.Errorf("no calendars found for %s", cfg.Username)
		}
		s.calendarPath = cals[0].URL
	}
	return s, nil
}

// basicAuthTransport adds Basic Auth to HTTP requests
type basicAuthTransport struct {
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	return http.DefaultTransport.RoundTrip(req)
}

// CalendarPath returns the collection the store reads and writes.
func (s *DAVStore) CalendarPath() string {
	return s.calendarPath
}

// DiscoverCalendars returns all calendars for the user
func (s *DAVStore) DiscoverCalendars(ctx context.Context) ([]Calendar, error) {
	// Find the user's calendar home
	principal, err := s.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("find principal: %w", err)
	}

	homeSet, err := s.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("find home set: %w", err)
	}

	cals, err := s.client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("find calendars: %w", err)
	}

	var result []Calendar
	for _, cal := range cals {
		result = append(result, Calendar{
			ID:          cal.Path,
			DisplayName: cal.Name,
			URL:         cal.Path,
		})
	}

	return result, nil
}

func (s *DAVStore) objectPath(uid string) string {
	p := s.calendarPath
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p + uid + ".ics"
}

// Query returns the objects with occurrences in [from, to). Recurring
// series are returned as their root object.
func (s *DAVStore) Query(ctx context.Context, from, to time.Time) ([]Object, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{
				{
					Name:  "VEVENT",
					Start: from.UTC(),
					End:   to.UTC(),
				},
			},
		},
	}

	objects, err := s.client.QueryCalendar(ctx, s.calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	var result []Object
	for _, o := range objects {
		obj, err := objectFromCalendar(o.Data, s.loc)
		if err != nil {
			continue // Skip invalid events
		}
		result = append(result, *obj)
	}
	return result, nil
}

func (s *DAVStore) Get(ctx context.Context, uid string) (*Object, error) {
	o, err := s.client.GetCalendarObject(ctx, s.objectPath(uid))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", uid, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", uid, err)
	}
	return objectFromCalendar(o.Data, s.loc)
}

func (s *DAVStore) Put(ctx context.Context, obj *Object) error {
	if _, err := s.client.PutCalendarObject(ctx, s.objectPath(obj.UID), objectToCalendar(obj, s.now())); err != nil {
		return fmt.Errorf("put %s: %w", obj.UID, err)
	}
	return nil
}

func (s *DAVStore) Delete(ctx context.Context, uid string) error {
	if err := s.client.RemoveAll(ctx, s.objectPath(uid)); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", uid, domain.ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", uid, err)
	}
	return nil
}

func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "404") || strings.Contains(strings.ToLower(msg), "not found")
}
