package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/groupcal/internal/cache"
	"github.com/tazhate/groupcal/internal/domain"
)

const june domain.MonthKey = "2024-06"

func (f *fixture) expectFetch(month time.Month, events []domain.ScheduleEvent) *mock.Call {
	return f.remote.On("FetchMonth", mock.Anything, int64(0), 2024, month).Return(events, nil).Once()
}

func ids(events []domain.ScheduleEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func TestLoadMonth_CachedMonthIsNotFetched(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	e := single("e1", 10, bo)
	e.LocationLat, e.LocationLng = floatPtr(37.5663), floatPtr(126.9779)
	e.HasAlarm, e.AlarmOffsetText = true, "30 minutes before"
	f.expectFetch(time.June, []domain.ScheduleEvent{e})

	first, err := f.svc.LoadMonth(ctx, june)
	require.NoError(t, err)
	second, err := f.svc.LoadMonth(ctx, june)
	require.NoError(t, err)

	f.remote.AssertNumberOfCalls(t, "FetchMonth", 1)
	assert.Equal(t, cache.Loaded, f.store.State().Status(june))
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)

	got := second[0]
	assert.Equal(t, "None", got.RuleText)
	require.NotNil(t, got.AlarmInstant)
	assert.Equal(t, time.Date(2024, 6, 10, 8, 30, 0, 0, time.UTC), *got.AlarmInstant)
	require.NotNil(t, got.Live, "live state comes from the roster")
	assert.Equal(t, 55, got.Live.Battery)
	assert.Equal(t, "881m", got.DistanceText)

	cached, _ := f.store.Get(ctx, june)
	assert.Empty(t, cached[0].DistanceText, "derived fields are not cached")
}

func TestLoadMonth_FailureLeavesMonthUnloaded(t *testing.T) {
	f := newFixture()
	f.remote.On("FetchMonth", mock.Anything, int64(0), 2024, time.June).Return(nil, errors.New("timeout")).Once()

	_, err := f.svc.LoadMonth(context.Background(), june)

	var remoteErr *domain.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, cache.Unloaded, f.store.State().Status(june))
}

func TestLoadMonth_ConcurrentLoadsShareOneFetch(t *testing.T) {
	f := newFixture()
	started := make(chan struct{})
	release := make(chan struct{})
	f.expectFetch(time.June, []domain.ScheduleEvent{single("e1", 10, ann)}).Run(func(mock.Arguments) {
		close(started)
		<-release
	})

	var wg sync.WaitGroup
	results := make([][]domain.ScheduleEvent, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = f.svc.LoadMonth(context.Background(), june)
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = f.svc.LoadMonth(context.Background(), june)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	f.remote.AssertNumberOfCalls(t, "FetchMonth", 1)
	assert.Equal(t, []string{"e1"}, ids(results[0]))
	assert.Equal(t, []string{"e1"}, ids(results[1]))
}

func TestLoadMonthPreservingDay(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.expectFetch(time.June, []domain.ScheduleEvent{single("local", 10, ann)})
	_, err := f.svc.LoadMonth(ctx, june)
	require.NoError(t, err)

	f.expectFetch(time.June, []domain.ScheduleEvent{single("other", 20, ann)})
	got, err := f.svc.LoadMonthPreservingDay(ctx, june, day(10))
	require.NoError(t, err)
	assert.Equal(t, []string{"local", "other"}, ids(got))

	f.expectFetch(time.June, []domain.ScheduleEvent{single("server", 10, ann)})
	got, err = f.svc.LoadMonthPreservingDay(ctx, june, day(10))
	require.NoError(t, err)
	assert.Equal(t, []string{"server"}, ids(got))
}

func TestCreate_ValidationBeforeNetwork(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	cases := map[string]domain.Draft{
		"missing title": {Date: day(10), StartTime: "09:00", EndTime: "10:00", GroupID: testGroup},
		"missing date":  {Title: "x", StartTime: "09:00", EndTime: "10:00", GroupID: testGroup},
		"bad range":     {Title: "x", Date: day(10), StartTime: "10:00", EndTime: "09:00", GroupID: testGroup},
		"weekly no day": {Title: "x", Date: day(10), StartTime: "09:00", EndTime: "10:00", GroupID: testGroup, Cadence: domain.CadenceWeekly},
		"unknown assignee": {Title: "x", Date: day(10), StartTime: "09:00", EndTime: "10:00", GroupID: testGroup, AssigneeID: 99},
	}
	for name, draft := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, actorOf(ann), draft)
			var ve *domain.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
	f.remote.AssertNotCalled(t, "CreateRemote", mock.Anything, mock.Anything)
}

func TestCreate_PermissionGate(t *testing.T) {
	f := newFixture()
	draft := domain.Draft{Title: "x", Date: day(10), StartTime: "09:00", EndTime: "10:00", GroupID: testGroup, AssigneeID: ann.MemberID}

	_, err := f.svc.Create(context.Background(), actorOf(bo), draft)

	var pe *domain.PermissionError
	require.ErrorAs(t, err, &pe)
	f.remote.AssertNotCalled(t, "CreateRemote", mock.Anything, mock.Anything)
}

func TestCreate_ReconcilesAndNotifies(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.expectFetch(time.June, nil)
	_, err := f.svc.LoadMonth(ctx, june)
	require.NoError(t, err)

	created := single("new", 12, bo)
	f.remote.On("CreateRemote", mock.Anything, mock.MatchedBy(func(sub domain.Submission) bool {
		return sub.Assignee.MemberID == bo.MemberID &&
			sub.Assignee.Name == "Bo" &&
			sub.Group.Name == "Family" &&
			sub.RuleEncoded == "" &&
			sub.ActorID == bo.MemberID
	})).Return(&created, nil).Once()
	f.expectFetch(time.June, []domain.ScheduleEvent{created})

	// Assignee defaults to the actor.
	got, err := f.svc.Create(ctx, actorOf(bo), domain.Draft{Title: "Dentist", Date: day(12), StartTime: "09:00", EndTime: "10:00", GroupID: testGroup})
	require.NoError(t, err)
	assert.Equal(t, "new", got.ID)

	f.remote.AssertExpectations(t)
	events, _ := f.store.Get(ctx, june)
	assert.Equal(t, []string{"new"}, ids(events))
	assert.Equal(t, []Action{ActionCreate}, f.dispatcher.actions())
}

// blockingTransport holds every send until release is closed.
type blockingTransport struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingTransport) Send(ctx context.Context, _ Notification) error {
	close(b.started)
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestCreate_DoesNotWaitForDelivery(t *testing.T) {
	transport := &blockingTransport{started: make(chan struct{}), release: make(chan struct{})}
	notifier := NewNotificationService(newRoster(), transport, zerolog.Nop())
	remote := &mockRemote{}
	store := cache.New(nil, zerolog.Nop(), cache.Options{})
	svc := NewScheduleService(remote, store, newRoster(), notifier, zerolog.Nop(), ScheduleOptions{Location: time.UTC})

	created := single("new", 12, bo)
	remote.On("CreateRemote", mock.Anything, mock.Anything).Return(&created, nil).Once()
	remote.On("FetchMonth", mock.Anything, mock.Anything, 2024, time.June).Return([]domain.ScheduleEvent{created}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Create(context.Background(), actorOf(ann), domain.Draft{Title: "Dentist", Date: day(12), StartTime: "09:00", EndTime: "10:00", GroupID: testGroup, AssigneeID: bo.MemberID})
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Create blocked on notification delivery")
	}

	select {
	case <-transport.started:
	case <-time.After(2 * time.Second):
		t.Fatal("notification was never sent")
	}
	close(transport.release)
	notifier.Wait()
}

func TestCreate_RemoteFailureLeavesCacheUntouched(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.expectFetch(time.June, []domain.ScheduleEvent{single("e1", 10, ann)})
	_, err := f.svc.LoadMonth(ctx, june)
	require.NoError(t, err)

	f.remote.On("CreateRemote", mock.Anything, mock.Anything).Return(nil, errors.New("503")).Once()
	_, err = f.svc.Create(ctx, actorOf(ann), domain.Draft{Title: "x", Date: day(12), StartTime: "09:00", EndTime: "10:00", GroupID: testGroup})

	var remoteErr *domain.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	events, ok := f.store.Get(ctx, june)
	require.True(t, ok)
	assert.Equal(t, []string{"e1"}, ids(events))
	assert.Empty(t, f.dispatcher.actions())
}

func TestUpdate_PermissionDeniedMakesNoRemoteCall(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	target := single("e1", 10, ann)
	f.expectFetch(time.June, []domain.ScheduleEvent{target})
	_, err := f.svc.LoadMonth(ctx, june)
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, actorOf(bo), "e1", draftFrom(target), domain.ScopeUnset)

	var pe *domain.PermissionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, bo.MemberID, pe.ActorID)
	f.remote.AssertNotCalled(t, "UpdateRemote", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, "You do not have permission to change this schedule.", domain.UserMessage(err))
}

func TestUpdate_LeaderMayEditOthers(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	target := single("e1", 10, bo)
	f.expectFetch(time.June, []domain.ScheduleEvent{target})
	_, err := f.svc.LoadMonth(ctx, june)
	require.NoError(t, err)

	updated := target
	updated.Title = "Dentist (moved)"
	f.remote.On("UpdateRemote", mock.Anything, "e1", mock.Anything, domain.ScopeThis).Return(&updated, nil).Once()
	f.expectFetch(time.June, []domain.ScheduleEvent{updated})

	draft := draftFrom(target)
	draft.Title = updated.Title
	got, err := f.svc.Update(ctx, actorOf(cy), "e1", draft, domain.ScopeUnset)
	require.NoError(t, err)
	assert.Equal(t, "Dentist (moved)", got.Title)
}

func TestUpdate_LockedScheduleIsRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	target := single("e1", 10, ann)
	target.CanEdit = false
	f.expectFetch(time.June, []domain.ScheduleEvent{target})
	_, err := f.svc.LoadMonth(ctx, june)
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, actorOf(ann), "e1", draftFrom(target), domain.ScopeThis)

	var pe *domain.PermissionError
	require.ErrorAs(t, err, &pe)
	f.remote.AssertNotCalled(t, "UpdateRemote", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdate_PreservesAssigneeSnapshot(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	target := single("e1", 10, bo)
	// The snapshot predates a rename on the roster.
	target.AssigneeName = "Bo (old)"
	f.expectFetch(time.June, []domain.ScheduleEvent{target})
	_, err := f.svc.LoadMonth(ctx, june)
	require.NoError(t, err)

	updated := target
	updated.Title = "Checkup"
	f.remote.On("UpdateRemote", mock.Anything, "e1", mock.MatchedBy(func(sub domain.Submission) bool {
		return sub.Assignee.MemberID == bo.MemberID && sub.Assignee.Name == "Bo (old)" && sub.Title == "Checkup"
	}), domain.ScopeThis).Return(&updated, nil).Once()
	f.expectFetch(time.June, []domain.ScheduleEvent{updated})

	draft := draftFrom(target)
	draft.Title = "Checkup"
	_, err = f.svc.Update(ctx, actorOf(ann), "e1", draft, domain.ScopeUnset)
	require.NoError(t, err)
	f.remote.AssertExpectations(t)
}

func TestUpdate_ReassignUsesRoster(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	target := single("e1", 10, bo)
	f.expectFetch(time.June, []domain.ScheduleEvent{target})
	_, err := f.svc.LoadMonth(ctx, june)
	require.NoError(t, err)

	updated := single("e1", 10, cy)
	f.remote.On("UpdateRemote", mock.Anything, "e1", mock.MatchedBy(func(sub domain.Submission) bool {
		return sub.Assignee.MemberID == cy.MemberID && sub.Assignee.LeaderFlag.IsSet()
	}), domain.ScopeThis).Return(&updated, nil).Once()
	f.expectFetch(time.June, []domain.ScheduleEvent{updated})

	draft := draftFrom(target)
	draft.AssigneeID = cy.MemberID
	_, err = f.svc.Update(ctx, actorOf(ann), "e1", draft, domain.ScopeUnset)
	require.NoError(t, err)
	f.remote.AssertExpectations(t)
}

func TestUpdate_RecurringRequiresScope(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	target := occurrence("r1", 12, ann)
	f.expectFetch(time.June, []domain.ScheduleEvent{target})
	_, err := f.svc.LoadMonth(ctx, june)
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, actorOf(ann), target.ID, draftFrom(target), domain.ScopeUnset)

	var se *domain.ScopeRequiredError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, target.ID, se.ScheduleID)
	f.remote.AssertNotCalled(t, "UpdateRemote", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdate_RemoteFailureKeepsCachedEvent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	target := single("e1", 10, ann)
	f.expectFetch(time.June, []domain.ScheduleEvent{target})
	_, err := f.svc.LoadMonth(ctx, june)
	require.NoError(t, err)

	f.remote.On("UpdateRemote", mock.Anything, "e1", mock.Anything, domain.ScopeThis).Return(nil, errors.New("reset")).Once()
	draft := draftFrom(target)
	draft.Title = "changed"
	_, err = f.svc.Update(ctx, actorOf(ann), "e1", draft, domain.ScopeUnset)

	var remoteErr *domain.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	events, ok := f.store.Get(ctx, june)
	require.True(t, ok)
	assert.Equal(t, "Dentist", events[0].Title)
	f.remote.AssertNumberOfCalls(t, "FetchMonth", 1)
}

func TestDelete_ThisRemovesEventFromMonth(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.expectFetch(time.June, []domain.ScheduleEvent{single("e1", 10, ann), single("e2", 11, ann)})
	_, err := f.svc.LoadMonth(ctx, june)
	require.NoError(t, err)

	f.remote.On("DeleteRemote", mock.Anything, "e1", domain.ScopeThis).Return(nil).Once()
	f.expectFetch(time.June, []domain.ScheduleEvent{single("e2", 11, ann)})

	require.NoError(t, f.svc.Delete(ctx, actorOf(ann), "e1", domain.ScopeThis))

	events, ok := f.store.Get(ctx, june)
	require.True(t, ok)
	assert.Equal(t, []string{"e2"}, ids(events))
	assert.Equal(t, []Action{ActionDelete}, f.dispatcher.actions())
	assert.Equal(t, "e1", f.dispatcher.calls[0].event.ID)
}

func TestDelete_ReloadFailureIsNotReturned(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.expectFetch(time.June, []domain.ScheduleEvent{single("e1", 10, ann)})
	_, err := f.svc.LoadMonth(ctx, june)
	require.NoError(t, err)

	f.remote.On("DeleteRemote", mock.Anything, "e1", domain.ScopeThis).Return(nil).Once()
	f.remote.On("FetchMonth", mock.Anything, int64(0), 2024, time.June).Return(nil, errors.New("offline")).Once()

	require.NoError(t, f.svc.Delete(ctx, actorOf(ann), "e1", domain.ScopeUnset))
	assert.Equal(t, cache.Unloaded, f.store.State().Status(june))
	_, ok := f.store.Get(ctx, june)
	assert.False(t, ok)
}

func TestDelete_UnknownSchedule(t *testing.T) {
	f := newFixture()
	err := f.svc.Delete(context.Background(), actorOf(ann), "missing", domain.ScopeAll)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDelete_ThisAndFutureInvalidatesLaterMonths(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	may := single("m1", 1, ann)
	may.Date = time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)
	f.remote.On("FetchMonth", mock.Anything, int64(0), 2024, time.May).Return([]domain.ScheduleEvent{may}, nil).Once()
	f.expectFetch(time.June, []domain.ScheduleEvent{occurrence("r1", 12, ann), occurrence("r1", 19, ann)})
	f.expectFetch(time.July, nil)
	for _, k := range []domain.MonthKey{"2024-05", "2024-06", "2024-07"} {
		_, err := f.svc.LoadMonth(ctx, k)
		require.NoError(t, err)
	}

	f.remote.On("DeleteRemote", mock.Anything, "r1~20240619", domain.ScopeThisAndFuture).Return(nil).Once()
	f.expectFetch(time.June, []domain.ScheduleEvent{occurrence("r1", 12, ann)})

	require.NoError(t, f.svc.Delete(ctx, actorOf(ann), "r1~20240619", domain.ScopeThisAndFuture))

	state := f.store.State()
	assert.Equal(t, cache.Loaded, state.Status("2024-05"), "earlier months are untouched")
	assert.Equal(t, cache.Loaded, state.Status("2024-06"), "the target month is reloaded")
	assert.Equal(t, cache.Unloaded, state.Status("2024-07"))
	f.remote.AssertExpectations(t)
}

func TestDelete_AllInvalidatesEveryLoadedMonth(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.remote.On("FetchMonth", mock.Anything, int64(0), 2024, time.May).Return(nil, nil).Once()
	f.expectFetch(time.June, []domain.ScheduleEvent{occurrence("r1", 12, ann)})
	for _, k := range []domain.MonthKey{"2024-05", "2024-06"} {
		_, err := f.svc.LoadMonth(ctx, k)
		require.NoError(t, err)
	}

	f.remote.On("DeleteRemote", mock.Anything, "r1~20240612", domain.ScopeAll).Return(nil).Once()
	f.expectFetch(time.June, nil)

	require.NoError(t, f.svc.Delete(ctx, actorOf(ann), "r1~20240612", domain.ScopeAll))
	assert.Equal(t, cache.Unloaded, f.store.State().Status("2024-05"))
	assert.Equal(t, cache.Loaded, f.store.State().Status("2024-06"))
}

func TestMutationStateMachine(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.expectFetch(time.June, []domain.ScheduleEvent{occurrence("r1", 12, ann), single("e1", 10, ann)})
	_, err := f.svc.LoadMonth(ctx, june)
	require.NoError(t, err)

	m, err := f.svc.PrepareDelete(ctx, actorOf(ann), "r1~20240612")
	require.NoError(t, err)
	assert.Equal(t, MutationScopePending, m.State())
	assert.True(t, m.NeedsScope())

	_, err = f.svc.Execute(ctx, m)
	var se *domain.ScopeRequiredError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, MutationScopePending, m.State())

	var ve *domain.ValidationError
	require.ErrorAs(t, m.Resolve(domain.ScopeUnset), &ve)
	require.NoError(t, m.Resolve(domain.ScopeThis))
	assert.Equal(t, MutationResolved, m.State())
	assert.Equal(t, domain.ScopeThis, m.Scope())

	f.remote.On("DeleteRemote", mock.Anything, "r1~20240612", domain.ScopeThis).Return(errors.New("flaky")).Once()
	_, err = f.svc.Execute(ctx, m)
	require.Error(t, err)
	assert.Equal(t, MutationResolved, m.State(), "a failed run can be retried")

	f.remote.On("DeleteRemote", mock.Anything, "r1~20240612", domain.ScopeThis).Return(nil).Once()
	f.expectFetch(time.June, []domain.ScheduleEvent{single("e1", 10, ann)})
	_, err = f.svc.Execute(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, MutationIdle, m.State())

	_, err = f.svc.Execute(ctx, m)
	assert.ErrorIs(t, err, ErrMutationDone)

	one, err := f.svc.PrepareDelete(ctx, actorOf(ann), "e1")
	require.NoError(t, err)
	assert.Equal(t, MutationResolved, one.State())
	assert.Equal(t, domain.ScopeThis, one.Scope())
	require.ErrorAs(t, one.Resolve(domain.ScopeThisAndFuture), &ve)
}
