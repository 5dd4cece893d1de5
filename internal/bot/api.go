package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tazhate/groupcal/internal/domain"
	"github.com/tazhate/groupcal/internal/recurrence"
)

// MemberIDHeader carries the acting member. Authentication happens in front
// of this service.
const MemberIDHeader = "X-Member-Id"

// ScheduleAPI is the schedule engine as seen from HTTP.
type ScheduleAPI interface {
	LoadMonth(ctx context.Context, key domain.MonthKey) ([]domain.ScheduleEvent, error)
	LoadMonthPreservingDay(ctx context.Context, key domain.MonthKey, preserveDate time.Time) ([]domain.ScheduleEvent, error)
	Create(ctx context.Context, actor domain.Actor, draft domain.Draft) (*domain.ScheduleEvent, error)
	Update(ctx context.Context, actor domain.Actor, id string, draft domain.Draft, scope domain.Scope) (*domain.ScheduleEvent, error)
	Delete(ctx context.Context, actor domain.Actor, id string, scope domain.Scope) error
	Location() *time.Location
}

// MemberStore reads the roster and records live positions.
type MemberStore interface {
	GetMember(ctx context.Context, groupID, memberID int64) (*domain.GroupMember, error)
	UpdateLivePosition(ctx context.Context, memberID int64, pos domain.LivePosition) error
}

// API Response types
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EventResponse is a schedule with its derived live fields, which the
// event itself never serializes.
type EventResponse struct {
	domain.ScheduleEvent
	DistanceMeters *float64             `json:"distance_meters,omitempty"`
	DistanceText   string               `json:"distance_text,omitempty"`
	Live           *domain.LivePosition `json:"live,omitempty"`
}

// ScheduleRequest is the body of create and update calls. Weekdays are
// rule ordinals, Monday=1 through Sunday=7.
type ScheduleRequest struct {
	Date            string   `json:"date"`
	StartTime       string   `json:"start_time"`
	EndTime         string   `json:"end_time"`
	IsAllDay        bool     `json:"is_all_day"`
	Title           string   `json:"title"`
	Content         string   `json:"content"`
	GroupID         int64    `json:"group_id"`
	AssigneeID      int64    `json:"assignee_id"`
	LocationName    string   `json:"location_name"`
	LocationAddress string   `json:"location_address"`
	LocationLat     *float64 `json:"location_lat"`
	LocationLng     *float64 `json:"location_lng"`
	HasAlarm        bool     `json:"has_alarm"`
	AlarmOffsetText string   `json:"alarm_offset_text"`
	Cadence         string   `json:"cadence"`
	Weekdays        []int    `json:"weekdays"`
}

type PositionRequest struct {
	Lat     float64   `json:"lat"`
	Lng     float64   `json:"lng"`
	Battery int       `json:"battery"`
	GPSTime time.Time `json:"gps_time"`
}

// Server is the JSON HTTP surface used by the calendar UI.
type Server struct {
	schedules ScheduleAPI
	members   MemberStore
	log       zerolog.Logger
	mux       *http.ServeMux
	server    *http.Server
}

func NewServer(schedules ScheduleAPI, members MemberStore, log zerolog.Logger) *Server {
	s := &Server{
		schedules: schedules,
		members:   members,
		log:       log.With().Str("component", "api").Logger(),
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	s.mux.HandleFunc("GET /api/schedules", s.apiListSchedules)
	s.mux.HandleFunc("POST /api/schedules", s.apiCreateSchedule)
	s.mux.HandleFunc("PUT /api/schedules/{id}", s.apiUpdateSchedule)
	s.mux.HandleFunc("DELETE /api/schedules/{id}", s.apiDeleteSchedule)
	s.mux.HandleFunc("PUT /api/members/{id}/position", s.apiMemberPosition)
	return s
}

// Handle mounts an extra handler, e.g. the Telegram webhook.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves on addr in the background.
func (s *Server) Start(addr string) {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.log.Info().Str("addr", addr).Msg("starting http server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server error")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

func (s *Server) jsonError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: domain.UserMessage(err)})
}

func statusOf(err error) int {
	var (
		ve *domain.ValidationError
		pe *domain.PermissionError
		se *domain.ScopeRequiredError
		re *domain.RemoteError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &pe):
		return http.StatusForbidden
	case errors.As(err, &se):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrUnknownMember):
		return http.StatusNotFound
	case errors.As(err, &re):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func toResponse(e domain.ScheduleEvent) EventResponse {
	return EventResponse{
		ScheduleEvent:  e,
		DistanceMeters: e.DistanceMeters,
		DistanceText:   e.DistanceText,
		Live:           e.Live,
	}
}

// actor resolves the acting member from the member header and group.
func (s *Server) actor(r *http.Request, groupID int64) (domain.Actor, error) {
	raw := r.Header.Get(MemberIDHeader)
	memberID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || memberID <= 0 {
		return domain.Actor{}, &domain.ValidationError{Field: "member", Message: MemberIDHeader + " header is required"}
	}
	if groupID == 0 {
		return domain.Actor{}, &domain.ValidationError{Field: "group", Message: "group is required"}
	}
	m, err := s.members.GetMember(r.Context(), groupID, memberID)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("load member: %w", err)
	}
	if m == nil {
		return domain.Actor{}, &domain.PermissionError{ActorID: memberID, Reason: "not a member of this group"}
	}
	return domain.ActorFromMember(*m), nil
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &domain.ValidationError{Field: name, Message: "must be a number"}
	}
	return v, nil
}

func (s *Server) draftFrom(req ScheduleRequest) (domain.Draft, error) {
	d := domain.Draft{
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		IsAllDay:        req.IsAllDay,
		Title:           req.Title,
		Content:         req.Content,
		GroupID:         req.GroupID,
		AssigneeID:      req.AssigneeID,
		LocationName:    req.LocationName,
		LocationAddress: req.LocationAddress,
		LocationLat:     req.LocationLat,
		LocationLng:     req.LocationLng,
		HasAlarm:        req.HasAlarm,
		AlarmOffsetText: req.AlarmOffsetText,
		Cadence:         domain.Cadence(strings.ToLower(strings.TrimSpace(req.Cadence))),
	}
	if req.Date != "" {
		date, err := domain.ParseDate(req.Date, s.schedules.Location())
		if err != nil {
			return d, &domain.ValidationError{Field: "date", Message: "date must be YYYY-MM-DD"}
		}
		d.Date = date
	}
	for _, o := range req.Weekdays {
		wd, ok := recurrence.GoWeekday(o)
		if !ok {
			return d, &domain.ValidationError{Field: "weekdays", Message: fmt.Sprintf("invalid weekday %d", o)}
		}
		d.Weekdays = append(d.Weekdays, wd)
	}
	return d, nil
}

func decodeSchedule(r *http.Request) (ScheduleRequest, error) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, &domain.ValidationError{Message: "invalid JSON"}
	}
	return req, nil
}

// GET /api/schedules?month=YYYY-MM[&group=ID][&preserve=YYYY-MM-DD]
func (s *Server) apiListSchedules(w http.ResponseWriter, r *http.Request) {
	key, err := domain.ParseMonthKey(r.URL.Query().Get("month"))
	if err != nil {
		s.jsonError(w, err)
		return
	}
	groupID, err := queryInt(r, "group")
	if err != nil {
		s.jsonError(w, err)
		return
	}

	var events []domain.ScheduleEvent
	if p := r.URL.Query().Get("preserve"); p != "" {
		date, perr := domain.ParseDate(p, s.schedules.Location())
		if perr != nil {
			s.jsonError(w, &domain.ValidationError{Field: "preserve", Message: "date must be YYYY-MM-DD"})
			return
		}
		events, err = s.schedules.LoadMonthPreservingDay(r.Context(), key, date)
	} else {
		events, err = s.schedules.LoadMonth(r.Context(), key)
	}
	if err != nil {
		s.jsonError(w, err)
		return
	}

	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		if groupID != 0 && e.GroupID != groupID {
			continue
		}
		out = append(out, toResponse(e))
	}
	s.jsonResponse(w, http.StatusOK, out)
}

// POST /api/schedules
func (s *Server) apiCreateSchedule(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSchedule(r)
	if err != nil {
		s.jsonError(w, err)
		return
	}
	actor, err := s.actor(r, req.GroupID)
	if err != nil {
		s.jsonError(w, err)
		return
	}
	draft, err := s.draftFrom(req)
	if err != nil {
		s.jsonError(w, err)
		return
	}

	created, err := s.schedules.Create(r.Context(), actor, draft)
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, toResponse(*created))
}

// PUT /api/schedules/{id}?group=ID&scope=this|thisAndFuture|all
func (s *Server) apiUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	scope, err := domain.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		s.jsonError(w, err)
		return
	}
	req, err := decodeSchedule(r)
	if err != nil {
		s.jsonError(w, err)
		return
	}
	groupID, err := queryInt(r, "group")
	if err != nil {
		s.jsonError(w, err)
		return
	}
	if groupID == 0 {
		groupID = req.GroupID
	}
	actor, err := s.actor(r, groupID)
	if err != nil {
		s.jsonError(w, err)
		return
	}
	draft, err := s.draftFrom(req)
	if err != nil {
		s.jsonError(w, err)
		return
	}

	updated, err := s.schedules.Update(r.Context(), actor, r.PathValue("id"), draft, scope)
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, toResponse(*updated))
}

// DELETE /api/schedules/{id}?group=ID&scope=this|thisAndFuture|all
func (s *Server) apiDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	scope, err := domain.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		s.jsonError(w, err)
		return
	}
	groupID, err := queryInt(r, "group")
	if err != nil {
		s.jsonError(w, err)
		return
	}
	actor, err := s.actor(r, groupID)
	if err != nil {
		s.jsonError(w, err)
		return
	}

	if err := s.schedules.Delete(r.Context(), actor, r.PathValue("id"), scope); err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"deleted": r.PathValue("id")})
}

// PUT /api/members/{id}/position
func (s *Server) apiMemberPosition(w http.ResponseWriter, r *http.Request) {
	memberID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.jsonError(w, &domain.ValidationError{Field: "member", Message: "invalid member id"})
		return
	}
	// Members report their own position only.
	callerID, err := strconv.ParseInt(r.Header.Get(MemberIDHeader), 10, 64)
	if err != nil || callerID <= 0 {
		s.jsonError(w, &domain.ValidationError{Field: "member", Message: MemberIDHeader + " header is required"})
		return
	}
	if callerID != memberID {
		s.jsonError(w, &domain.PermissionError{ActorID: callerID, Reason: "cannot report another member's position"})
		return
	}
	var req PositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, &domain.ValidationError{Message: "invalid JSON"})
		return
	}
	if req.Lat < -90 || req.Lat > 90 || req.Lng < -180 || req.Lng > 180 {
		s.jsonError(w, &domain.ValidationError{Field: "position", Message: "coordinates out of range"})
		return
	}
	if req.GPSTime.IsZero() {
		req.GPSTime = time.Now()
	}

	pos := domain.LivePosition{Lat: req.Lat, Lng: req.Lng, Battery: req.Battery, GPSTime: req.GPSTime}
	if err := s.members.UpdateLivePosition(r.Context(), memberID, pos); err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, pos)
}
