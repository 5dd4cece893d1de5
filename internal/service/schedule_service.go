package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tazhate/groupcal/internal/cache"
	"github.com/tazhate/groupcal/internal/domain"
	"github.com/tazhate/groupcal/internal/geo"
	"github.com/tazhate/groupcal/internal/recurrence"
)

// RemoteAPI is the schedule source of truth.
type RemoteAPI interface {
	FetchMonth(ctx context.Context, groupID int64, year int, month time.Month) ([]domain.ScheduleEvent, error)
	CreateRemote(ctx context.Context, sub domain.Submission) (*domain.ScheduleEvent, error)
	UpdateRemote(ctx context.Context, id string, sub domain.Submission, scope domain.Scope) (*domain.ScheduleEvent, error)
	DeleteRemote(ctx context.Context, id string, scope domain.Scope) error
}

// Dispatcher receives notification intents after successful mutations.
type Dispatcher interface {
	Dispatch(ctx context.Context, action Action, e domain.ScheduleEvent, actor domain.Actor)
}

// ScheduleOptions configures a ScheduleService.
type ScheduleOptions struct {
	// Location is the wall-clock zone of schedule dates and times.
	Location *time.Location
	// GroupScope limits month fetches to one group. Zero fetches every
	// group the remote exposes.
	GroupScope int64
}

// ScheduleService keeps the month cache in sync with the remote API.
//
// Every mutation runs validate, permission gate, remote call, cache patch,
// invalidate and reload, in that order. The optimistic patch is never
// trusted: the affected month is always refetched afterwards.
type ScheduleService struct {
	remote   RemoteAPI
	cache    *cache.Store
	roster   Roster
	notifier Dispatcher
	log      zerolog.Logger
	loc      *time.Location
	scope    int64

	mu       sync.Mutex
	inflight map[domain.MonthKey]*monthLoad
}

type monthLoad struct {
	done   chan struct{}
	events []domain.ScheduleEvent
	err    error
}

func NewScheduleService(remote RemoteAPI, store *cache.Store, roster Roster, notifier Dispatcher, log zerolog.Logger, opts ScheduleOptions) *ScheduleService {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &ScheduleService{
		remote:   remote,
		cache:    store,
		roster:   roster,
		notifier: notifier,
		log:      log.With().Str("component", "schedule").Logger(),
		loc:      opts.Location,
		scope:    opts.GroupScope,
		inflight: make(map[domain.MonthKey]*monthLoad),
	}
}

// Location returns the zone schedule times are interpreted in.
func (s *ScheduleService) Location() *time.Location {
	return s.loc
}

// === Loading ===

// LoadMonth returns the events of key. A cached month is served without a
// network call; concurrent loads of the same month share one fetch.
func (s *ScheduleService) LoadMonth(ctx context.Context, key domain.MonthKey) ([]domain.ScheduleEvent, error) {
	return s.loadMonth(ctx, key, nil)
}

// LoadMonthPreservingDay refetches key for a calendar page transition
// while preserveDate is selected. Local events of that day survive the
// refetch unless the server returns events for it.
func (s *ScheduleService) LoadMonthPreservingDay(ctx context.Context, key domain.MonthKey, preserveDate time.Time) ([]domain.ScheduleEvent, error) {
	return s.loadMonth(ctx, key, &preserveDate)
}

func (s *ScheduleService) loadMonth(ctx context.Context, key domain.MonthKey, preserve *time.Time) ([]domain.ScheduleEvent, error) {
	if preserve == nil {
		if events, ok := s.cache.Get(ctx, key); ok {
			return s.withLiveState(ctx, events), nil
		}
	}

	s.mu.Lock()
	if call, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if call.err != nil {
			return nil, call.err
		}
		return s.withLiveState(ctx, call.events), nil
	}
	call := &monthLoad{done: make(chan struct{})}
	s.inflight[key] = call
	s.mu.Unlock()

	call.events, call.err = s.fetchMonth(ctx, key, preserve)

	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
	close(call.done)

	if call.err != nil {
		return nil, call.err
	}
	return s.withLiveState(ctx, call.events), nil
}

// fetchMonth pulls key from the remote and stores it. Derived fields are
// never cached; they are attached per read.
func (s *ScheduleService) fetchMonth(ctx context.Context, key domain.MonthKey, preserve *time.Time) ([]domain.ScheduleEvent, error) {
	state := s.cache.State()
	state.BeginLoad(key)

	year, month := key.YearMonth()
	if year == 0 {
		state.FailLoad(key)
		return nil, &domain.ValidationError{Field: "month", Message: fmt.Sprintf("invalid month %q", key)}
	}

	raw, err := s.remote.FetchMonth(ctx, s.scope, year, month)
	if err != nil {
		state.FailLoad(key)
		return nil, &domain.RemoteError{Op: "fetch " + string(key), Err: err}
	}

	events := make([]domain.ScheduleEvent, 0, len(raw))
	for _, e := range raw {
		events = append(events, s.normalize(e))
	}

	if preserve != nil {
		events = s.cache.MergePreservingDay(ctx, key, events, *preserve)
	} else {
		events = s.cache.Put(ctx, key, events)
	}
	s.log.Debug().Str("month", string(key)).Int("events", len(events)).Msg("month loaded")
	return events, nil
}

// normalize decodes the rule into its canonical encoding and label and
// recomputes the alarm instant.
func (s *ScheduleService) normalize(e domain.ScheduleEvent) domain.ScheduleEvent {
	e.ClearDerived()

	decoded := recurrence.Decode(e.RuleEncoded)
	e.RuleEncoded = decoded.Rule.String()
	e.RuleText = decoded.Label
	if e.RuleEncoded != "" && e.SeriesRootID == "" {
		e.SeriesRootID = e.ParentID
	}

	if e.HasAlarm {
		at, err := domain.AlarmInstant(&e, s.loc)
		if err != nil {
			s.log.Warn().Err(err).Str("schedule", e.ID).Msg("drop unreadable alarm offset")
			e.AlarmInstant = nil
		} else {
			e.AlarmInstant = at
		}
	} else {
		e.AlarmInstant = nil
	}
	return e
}

// withLiveState attaches live positions and distances from the group
// rosters. Roster failures leave the events without live data.
func (s *ScheduleService) withLiveState(ctx context.Context, events []domain.ScheduleEvent) []domain.ScheduleEvent {
	rosters := make(map[int64][]domain.GroupMember)
	out := make([]domain.ScheduleEvent, len(events))
	for i, e := range events {
		members, ok := rosters[e.GroupID]
		if !ok {
			var err error
			members, err = s.roster.GetMembers(ctx, e.GroupID)
			if err != nil {
				s.log.Warn().Err(err).Int64("group", e.GroupID).Msg("load roster")
			}
			rosters[e.GroupID] = members
		}
		out[i] = geo.AttachLiveState(e, members)
	}
	return out
}

// Find returns a cached event by id, reading durable months when it is
// not held in memory.
func (s *ScheduleService) Find(ctx context.Context, id string) (domain.ScheduleEvent, error) {
	if e, _, ok := s.cache.Find(id); ok {
		return e, nil
	}
	for _, key := range s.cache.DurableMonths(ctx) {
		events, ok := s.cache.Get(ctx, key)
		if !ok {
			continue
		}
		for _, e := range events {
			if e.ID == id {
				return e, nil
			}
		}
	}
	return domain.ScheduleEvent{}, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
}

// === Create ===

// Create validates draft, stores it remotely and returns the created event.
func (s *ScheduleService) Create(ctx context.Context, actor domain.Actor, draft domain.Draft) (*domain.ScheduleEvent, error) {
	draft.Normalize()
	if draft.AssigneeID == 0 {
		draft.AssigneeID = actor.MemberID
	}
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	rule, err := recurrence.Encode(draft.Cadence, draft.Weekdays, draft.IsAllDay)
	if err != nil {
		return nil, err
	}
	if actor.GroupID != 0 && actor.GroupID != draft.GroupID {
		return nil, &domain.PermissionError{ActorID: actor.MemberID, Reason: "not a member of this group"}
	}

	members, err := s.roster.GetMembers(ctx, draft.GroupID)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	assignee, ok := domain.FindMember(members, 0, draft.AssigneeID)
	if !ok {
		return nil, &domain.ValidationError{Field: "assignee", Message: "assignee is not a member of the group"}
	}
	if !actor.CanManage(assignee.MemberID) {
		return nil, &domain.PermissionError{ActorID: actor.MemberID, AssigneeID: assignee.MemberID}
	}

	sub := domain.Submission{
		Draft:       draft,
		Group:       s.group(ctx, draft.GroupID, nil),
		Assignee:    domain.AssigneeFromMember(assignee),
		RuleEncoded: rule.String(),
		ActorID:     actor.MemberID,
	}

	created, err := s.remote.CreateRemote(ctx, sub)
	if err != nil {
		return nil, remoteError("create", err)
	}

	e := s.normalize(*created)
	key := e.Month()
	s.cache.Patch(ctx, key, e, cache.OpAdd)
	s.invalidate(ctx, key, e.IsRecurring())
	s.reload(ctx, key)

	s.log.Info().Str("schedule", e.ID).Int64("actor", actor.MemberID).Str("rule", e.RuleEncoded).Msg("schedule created")
	s.notify(ctx, ActionCreate, e, actor)

	out := s.withLiveState(ctx, []domain.ScheduleEvent{e})[0]
	return &out, nil
}

// === Update / Delete ===

// PrepareUpdate checks draft and the actor's rights over schedule id and
// returns a mutation. Recurring targets come back in ScopePending.
func (s *ScheduleService) PrepareUpdate(ctx context.Context, actor domain.Actor, id string, draft domain.Draft) (*Mutation, error) {
	target, err := s.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	draft.Normalize()
	if draft.GroupID == 0 {
		draft.GroupID = target.GroupID
	}
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	if _, err := recurrence.Encode(draft.Cadence, draft.Weekdays, draft.IsAllDay); err != nil {
		return nil, err
	}
	if err := s.gate(actor, &target, target.CanEdit); err != nil {
		return nil, err
	}
	if draft.AssigneeID != 0 && draft.AssigneeID != target.AssigneeID && !actor.CanManage(draft.AssigneeID) {
		return nil, &domain.PermissionError{ActorID: actor.MemberID, AssigneeID: draft.AssigneeID}
	}
	return newMutation(MutationUpdate, actor, target, draft), nil
}

// PrepareDelete checks the actor's rights over schedule id and returns a
// mutation. Recurring targets come back in ScopePending.
func (s *ScheduleService) PrepareDelete(ctx context.Context, actor domain.Actor, id string) (*Mutation, error) {
	target, err := s.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.gate(actor, &target, target.CanDelete); err != nil {
		return nil, err
	}
	return newMutation(MutationDelete, actor, target, domain.Draft{}), nil
}

// Execute runs a resolved mutation. A mutation still waiting for its scope
// fails with ScopeRequiredError before any network call.
func (s *ScheduleService) Execute(ctx context.Context, m *Mutation) (*domain.ScheduleEvent, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	var (
		out *domain.ScheduleEvent
		err error
	)
	if m.kind == MutationDelete {
		err = s.executeDelete(ctx, m)
	} else {
		out, err = s.executeUpdate(ctx, m)
	}
	m.finish(err)
	return out, err
}

// Update prepares, resolves and executes an update in one call. scope is
// ignored for single events and required for recurring ones.
func (s *ScheduleService) Update(ctx context.Context, actor domain.Actor, id string, draft domain.Draft, scope domain.Scope) (*domain.ScheduleEvent, error) {
	m, err := s.PrepareUpdate(ctx, actor, id, draft)
	if err != nil {
		return nil, err
	}
	if err := resolveScope(m, scope); err != nil {
		return nil, err
	}
	return s.Execute(ctx, m)
}

// Delete prepares, resolves and executes a delete in one call.
func (s *ScheduleService) Delete(ctx context.Context, actor domain.Actor, id string, scope domain.Scope) error {
	m, err := s.PrepareDelete(ctx, actor, id)
	if err != nil {
		return err
	}
	if err := resolveScope(m, scope); err != nil {
		return err
	}
	_, err = s.Execute(ctx, m)
	return err
}

func resolveScope(m *Mutation, scope domain.Scope) error {
	if !m.NeedsScope() {
		return nil
	}
	if scope == domain.ScopeUnset {
		return &domain.ScopeRequiredError{ScheduleID: m.target.ID}
	}
	return m.Resolve(scope)
}

func (s *ScheduleService) executeUpdate(ctx context.Context, m *Mutation) (*domain.ScheduleEvent, error) {
	target, draft := m.target, m.draft

	assignee := domain.AssigneeOf(&target)
	if draft.AssigneeID != 0 && draft.AssigneeID != target.AssigneeID {
		members, err := s.roster.GetMembers(ctx, draft.GroupID)
		if err != nil {
			return nil, fmt.Errorf("load roster: %w", err)
		}
		member, ok := domain.FindMember(members, 0, draft.AssigneeID)
		if !ok {
			return nil, &domain.ValidationError{Field: "assignee", Message: "assignee is not a member of the group"}
		}
		assignee = domain.AssigneeFromMember(member)
	}

	rule, err := recurrence.Encode(draft.Cadence, draft.Weekdays, draft.IsAllDay)
	if err != nil {
		return nil, err
	}
	sub := domain.Submission{
		Draft:       draft,
		Group:       s.group(ctx, draft.GroupID, &target),
		Assignee:    assignee,
		RuleEncoded: rule.String(),
		ActorID:     m.actor.MemberID,
	}

	updated, err := s.remote.UpdateRemote(ctx, target.ID, sub, m.scope)
	if err != nil {
		return nil, remoteError("update", err)
	}

	e := s.normalize(*updated)
	if e.ID == target.ID && e.Month() == target.Month() {
		s.cache.Patch(ctx, target.Month(), e, cache.OpUpdate)
	} else {
		s.cache.Patch(ctx, target.Month(), target, cache.OpDelete)
		s.cache.Patch(ctx, e.Month(), e, cache.OpAdd)
	}

	s.invalidateScope(ctx, &target, m.scope)
	s.invalidate(ctx, e.Month(), e.IsRecurring())
	s.reload(ctx, target.Month())
	if e.Month() != target.Month() {
		s.reload(ctx, e.Month())
	}

	s.log.Info().Str("schedule", target.ID).Str("scope", m.scope.String()).Int64("actor", m.actor.MemberID).Msg("schedule updated")
	s.notify(ctx, ActionUpdate, e, m.actor)

	out := s.withLiveState(ctx, []domain.ScheduleEvent{e})[0]
	return &out, nil
}

func (s *ScheduleService) executeDelete(ctx context.Context, m *Mutation) error {
	target := m.target
	if err := s.remote.DeleteRemote(ctx, target.ID, m.scope); err != nil {
		return remoteError("delete", err)
	}

	s.cache.Patch(ctx, target.Month(), target, cache.OpDelete)
	s.invalidateScope(ctx, &target, m.scope)
	s.reload(ctx, target.Month())

	s.log.Info().Str("schedule", target.ID).Str("scope", m.scope.String()).Int64("actor", m.actor.MemberID).Msg("schedule deleted")
	s.notify(ctx, ActionDelete, target, m.actor)
	return nil
}

// gate rejects actors without rights over the target's assignee and
// targets the server marked as not editable.
func (s *ScheduleService) gate(actor domain.Actor, target *domain.ScheduleEvent, allowed bool) error {
	if !actor.CanManage(target.AssigneeID) {
		return &domain.PermissionError{ActorID: actor.MemberID, AssigneeID: target.AssigneeID}
	}
	if !allowed {
		return &domain.PermissionError{ActorID: actor.MemberID, AssigneeID: target.AssigneeID, Reason: "the schedule is locked"}
	}
	return nil
}

// === Reconciliation ===

// invalidateScope drops the months a scoped mutation can have changed:
// the target month, every cached month from it onwards for thisAndFuture,
// and every cached month for all. Both tiers count as cached.
func (s *ScheduleService) invalidateScope(ctx context.Context, target *domain.ScheduleEvent, scope domain.Scope) {
	key := target.Month()
	s.cache.Invalidate(ctx, key)
	if !target.IsRecurring() {
		return
	}
	for _, k := range s.cache.CachedMonths(ctx) {
		switch scope {
		case domain.ScopeAll:
			s.cache.Invalidate(ctx, k)
		case domain.ScopeThisAndFuture:
			if k >= key {
				s.cache.Invalidate(ctx, k)
			}
		}
	}
}

// invalidate drops key and, for a series, every cached month after it.
func (s *ScheduleService) invalidate(ctx context.Context, key domain.MonthKey, series bool) {
	s.cache.Invalidate(ctx, key)
	if !series {
		return
	}
	for _, k := range s.cache.CachedMonths(ctx) {
		if k > key {
			s.cache.Invalidate(ctx, k)
		}
	}
}

// reload refetches key after a confirmed mutation. A failure only leaves
// the month unloaded; the mutation itself succeeded.
func (s *ScheduleService) reload(ctx context.Context, key domain.MonthKey) {
	if _, err := s.LoadMonth(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("month", string(key)).Msg("reload after mutation failed")
	}
}

func (s *ScheduleService) notify(ctx context.Context, action Action, e domain.ScheduleEvent, actor domain.Actor) {
	if s.notifier == nil {
		return
	}
	s.notifier.Dispatch(ctx, action, e, actor)
}

// group resolves name and color of groupID, falling back to the names
// carried by fallback.
func (s *ScheduleService) group(ctx context.Context, groupID int64, fallback *domain.ScheduleEvent) domain.Group {
	g, err := s.roster.GetGroup(ctx, groupID)
	if err != nil {
		s.log.Warn().Err(err).Int64("group", groupID).Msg("load group")
	}
	if g != nil {
		return *g
	}
	if fallback != nil && fallback.GroupID == groupID {
		return domain.Group{ID: groupID, Name: fallback.GroupName, Color: fallback.GroupColor}
	}
	return domain.Group{ID: groupID}
}

func remoteError(op string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	var scopeErr *domain.ScopeRequiredError
	if errors.As(err, &scopeErr) {
		return err
	}
	return &domain.RemoteError{Op: op, Err: err}
}
