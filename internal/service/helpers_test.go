package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"

	"github.com/tazhate/groupcal/internal/cache"
	"github.com/tazhate/groupcal/internal/domain"
)

type mockRemote struct {
	mock.Mock
}

func (m *mockRemote) FetchMonth(ctx context.Context, groupID int64, year int, month time.Month) ([]domain.ScheduleEvent, error) {
	args := m.Called(ctx, groupID, year, month)
	events, _ := args.Get(0).([]domain.ScheduleEvent)
	return events, args.Error(1)
}

func (m *mockRemote) CreateRemote(ctx context.Context, sub domain.Submission) (*domain.ScheduleEvent, error) {
	args := m.Called(ctx, sub)
	e, _ := args.Get(0).(*domain.ScheduleEvent)
	return e, args.Error(1)
}

func (m *mockRemote) UpdateRemote(ctx context.Context, id string, sub domain.Submission, scope domain.Scope) (*domain.ScheduleEvent, error) {
	args := m.Called(ctx, id, sub, scope)
	e, _ := args.Get(0).(*domain.ScheduleEvent)
	return e, args.Error(1)
}

func (m *mockRemote) DeleteRemote(ctx context.Context, id string, scope domain.Scope) error {
	args := m.Called(ctx, id, scope)
	return args.Error(0)
}

type fakeRoster struct {
	members map[int64][]domain.GroupMember
	groups  map[int64]domain.Group
}

func (f *fakeRoster) GetMembers(_ context.Context, groupID int64) ([]domain.GroupMember, error) {
	return f.members[groupID], nil
}

func (f *fakeRoster) GetGroup(_ context.Context, id int64) (*domain.Group, error) {
	g, ok := f.groups[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

type dispatched struct {
	action Action
	event  domain.ScheduleEvent
	actor  domain.Actor
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatched
}

func (r *recordingDispatcher) Dispatch(_ context.Context, action Action, e domain.ScheduleEvent, actor domain.Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, dispatched{action: action, event: e, actor: actor})
}

func (r *recordingDispatcher) actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Action
	for _, c := range r.calls {
		out = append(out, c.action)
	}
	return out
}

const testGroup int64 = 1

var ann = domain.GroupMember{MembershipID: 100, MemberID: 10, GroupID: testGroup, Name: "Ann", OwnerFlag: domain.FlagYes, LeaderFlag: domain.FlagNo, TelegramID: 1001}

var bo = domain.GroupMember{
	MembershipID: 200, MemberID: 20, GroupID: testGroup, Name: "Bo", OwnerFlag: domain.FlagNo, LeaderFlag: domain.FlagNo, TelegramID: 1002,
	Live: &domain.LivePosition{Lat: 37.5663, Lng: 126.9879, Battery: 55},
}

var cy = domain.GroupMember{MembershipID: 300, MemberID: 30, GroupID: testGroup, Name: "Cy", OwnerFlag: domain.FlagNo, LeaderFlag: domain.FlagYes, TelegramID: 1003}

func newRoster() *fakeRoster {
	return &fakeRoster{
		members: map[int64][]domain.GroupMember{testGroup: {ann, bo, cy}},
		groups:  map[int64]domain.Group{testGroup: {ID: testGroup, Name: "Family", Color: "#ff8800"}},
	}
}

type fixture struct {
	remote     *mockRemote
	store      *cache.Store
	dispatcher *recordingDispatcher
	svc        *ScheduleService
}

func newFixture() *fixture {
	f := &fixture{
		remote:     &mockRemote{},
		store:      cache.New(nil, zerolog.Nop(), cache.Options{}),
		dispatcher: &recordingDispatcher{},
	}
	f.svc = NewScheduleService(f.remote, f.store, newRoster(), f.dispatcher, zerolog.Nop(), ScheduleOptions{Location: time.UTC})
	return f
}

func day(d int) time.Time {
	return time.Date(2024, time.June, d, 0, 0, 0, 0, time.UTC)
}

func floatPtr(f float64) *float64 { return &f }

// single returns a non-repeating event on June d assigned to m.
func single(id string, d int, m domain.GroupMember) domain.ScheduleEvent {
	e := domain.ScheduleEvent{
		ID:        id,
		ServerID:  id,
		Date:      day(d),
		StartTime: "09:00",
		EndTime:   "10:00",
		Title:     "Dentist",
		GroupID:   testGroup,
		CanEdit:   true,
		CanDelete: true,
	}
	domain.AssigneeFromMember(m).Apply(&e)
	return e
}

// occurrence returns the June d occurrence of a weekly series root.
func occurrence(root string, d int, m domain.GroupMember) domain.ScheduleEvent {
	e := single(fmt.Sprintf("%s~202406%02d", root, d), d, m)
	e.ServerID = root
	e.ParentID = root
	e.SeriesRootID = root
	e.Title = "Swim"
	e.RuleEncoded = "weekly:3"
	return e
}

func actorOf(m domain.GroupMember) domain.Actor {
	return domain.ActorFromMember(m)
}

func draftFrom(e domain.ScheduleEvent) domain.Draft {
	return domain.Draft{
		Date:      e.Date,
		StartTime: e.StartTime,
		EndTime:   e.EndTime,
		Title:     e.Title,
		GroupID:   e.GroupID,
	}
}
