package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/groupcal/internal/cache"
	"github.com/tazhate/groupcal/internal/domain"
	"github.com/tazhate/groupcal/internal/service"
)

type fakeTelegram struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
	failChat int64
}

func (f *fakeTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable")
	}
	if msg.ChatID == f.failChat {
		return tgbotapi.Message{}, errors.New("Forbidden: bot was blocked by the user")
	}
	f.sent = append(f.sent, msg)
	return tgbotapi.Message{}, nil
}

func (f *fakeTelegram) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

type chatMembers map[int64]domain.GroupMember

func (c chatMembers) GetMemberByTelegramID(_ context.Context, telegramID int64) (*domain.GroupMember, error) {
	m, ok := c[telegramID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// staticRemote serves a fixed month and records deletes.
type staticRemote struct {
	events  []domain.ScheduleEvent
	deleted []string
	scopes  []domain.Scope
}

func (r *staticRemote) FetchMonth(_ context.Context, _ int64, year int, month time.Month) ([]domain.ScheduleEvent, error) {
	var out []domain.ScheduleEvent
	for _, e := range r.events {
		if e.Date.Year() == year && e.Date.Month() == month {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *staticRemote) CreateRemote(context.Context, domain.Submission) (*domain.ScheduleEvent, error) {
	return nil, errors.New("not supported")
}

func (r *staticRemote) UpdateRemote(context.Context, string, domain.Submission, domain.Scope) (*domain.ScheduleEvent, error) {
	return nil, errors.New("not supported")
}

func (r *staticRemote) DeleteRemote(_ context.Context, id string, scope domain.Scope) error {
	r.deleted = append(r.deleted, id)
	r.scopes = append(r.scopes, scope)
	kept := r.events[:0]
	for _, e := range r.events {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	r.events = kept
	return nil
}

type roster []domain.GroupMember

func (r roster) GetMembers(context.Context, int64) ([]domain.GroupMember, error) { return r, nil }
func (r roster) GetGroup(context.Context, int64) (*domain.Group, error)         { return nil, nil }

var (
	owner  = domain.GroupMember{MembershipID: 100, MemberID: 10, GroupID: 1, Name: "Ann", OwnerFlag: domain.FlagYes, LeaderFlag: domain.FlagNo, TelegramID: 1001}
	member = domain.GroupMember{MembershipID: 200, MemberID: 20, GroupID: 1, Name: "Bo", OwnerFlag: domain.FlagNo, LeaderFlag: domain.FlagNo}
)

func event(id string, day int, title string) domain.ScheduleEvent {
	e := domain.ScheduleEvent{
		ID:        id,
		Date:      time.Date(2024, time.June, day, 0, 0, 0, 0, time.UTC),
		StartTime: "09:00",
		EndTime:   "10:00",
		Title:     title,
		GroupID:   1,
		CanEdit:   true,
		CanDelete: true,
	}
	domain.AssigneeFromMember(owner).Apply(&e)
	return e
}

func newTestBot(t *testing.T, events ...domain.ScheduleEvent) (*Bot, *fakeTelegram, *staticRemote) {
	t.Helper()
	tg := &fakeTelegram{}
	remote := &staticRemote{events: events}
	store := cache.New(nil, zerolog.Nop(), cache.Options{})
	svc := service.NewScheduleService(remote, store, roster{owner, member}, nil, zerolog.Nop(), service.ScheduleOptions{Location: time.UTC})

	b := newBot(tg, chatMembers{owner.TelegramID: owner}, zerolog.Nop())
	b.SetSchedules(svc)
	b.now = func() time.Time { return time.Date(2024, time.June, 12, 10, 0, 0, 0, time.UTC) }
	return b, tg, remote
}

func command(from int64, text string) tgbotapi.Update {
	n := strings.IndexByte(text, ' ')
	if n < 0 {
		n = len(text)
	}
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: from},
		Chat:     &tgbotapi.Chat{ID: from},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: n}},
	}}
}

func TestSend(t *testing.T) {
	tg := &fakeTelegram{failChat: 1003}
	b := newBot(tg, chatMembers{}, zerolog.Nop())

	n := service.Notification{
		Action:        service.ActionCreate,
		ScheduleTitle: "Swim <practice>",
		ScheduleTime:  "2024-06-12 09:00-10:00",
		Actor:         domain.Actor{Name: "Ann"},
		Target:        &domain.Assignee{Name: "Bo"},
		Recipients: []domain.GroupMember{
			{MemberID: 10, TelegramID: 1001},
			{MemberID: 20},
			{MemberID: 30, TelegramID: 1003},
		},
	}
	err := b.Send(context.Background(), n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "member 30")

	require.Len(t, tg.sent, 1)
	msg := tg.sent[0]
	assert.Equal(t, int64(1001), msg.ChatID)
	assert.Equal(t, tgbotapi.ModeHTML, msg.ParseMode)
	assert.Contains(t, msg.Text, "Ann added <b>Swim &lt;practice&gt;</b>")
	assert.Contains(t, msg.Text, "👤 Bo")
}

func TestFormatNotification_Alarm(t *testing.T) {
	text := FormatNotification(service.Notification{
		Action:        service.ActionAlarm,
		ScheduleTitle: "Dentist",
		ScheduleTime:  "2024-06-12 09:00-10:00",
		Target:        &domain.Assignee{Name: "Bo"},
	})
	assert.Equal(t, "🔔 Reminder: <b>Dentist</b>\n2024-06-12 09:00-10:00", text)
}

func TestParseDeleteData(t *testing.T) {
	scope, id, ok := parseDeleteData(deleteData(domain.ScopeThisAndFuture, "r1~20240612"))
	require.True(t, ok)
	assert.Equal(t, domain.ScopeThisAndFuture, scope)
	assert.Equal(t, "r1~20240612", id)

	for _, bad := range []string{"", "del", "del:this:", "del:unset:x", "del:sometimes:x", "done:this:x"} {
		_, _, ok := parseDeleteData(bad)
		assert.False(t, ok, bad)
	}
}

func TestTodayCommand(t *testing.T) {
	b, tg, _ := newTestBot(t, event("e1", 12, "Dentist"), event("e2", 13, "Gym"))

	b.handleUpdate(context.Background(), command(owner.TelegramID, "/today"))

	require.Len(t, tg.sent, 1)
	assert.Contains(t, tg.sent[0].Text, "09:00-10:00 Dentist · Ann")
	assert.NotContains(t, tg.sent[0].Text, "Gym")
}

func TestUnlinkedChat(t *testing.T) {
	b, tg, _ := newTestBot(t)

	b.handleUpdate(context.Background(), command(4242, "/today"))

	require.Len(t, tg.sent, 1)
	assert.Equal(t, notLinked, tg.sent[0].Text)
}

func TestDeleteRecurringAsksForScope(t *testing.T) {
	occ := event("r1~20240612", 12, "Swim")
	occ.RuleEncoded = "weekly:3"
	occ.RuleText = "Weekly Wed"
	occ.ParentID = "r1"
	b, tg, remote := newTestBot(t, occ)
	ctx := context.Background()

	// Load the month so the schedule is known.
	b.handleUpdate(ctx, command(owner.TelegramID, "/today"))
	b.handleUpdate(ctx, command(owner.TelegramID, "/delete r1~20240612"))

	require.Len(t, tg.sent, 2)
	prompt := tg.sent[1]
	assert.Contains(t, prompt.Text, "repeats (Weekly Wed)")
	kb, ok := prompt.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, kb.InlineKeyboard, 3)
	data := *kb.InlineKeyboard[1][0].CallbackData
	assert.Equal(t, "del:thisAndFuture:r1~20240612", data)
	assert.Empty(t, remote.deleted, "nothing is deleted before the scope is chosen")

	b.handleUpdate(ctx, tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: owner.TelegramID},
		Message: &tgbotapi.Message{MessageID: 7, Chat: &tgbotapi.Chat{ID: owner.TelegramID}},
		Data:    data,
	}})

	assert.Equal(t, []string{"r1~20240612"}, remote.deleted)
	assert.Equal(t, []domain.Scope{domain.ScopeThisAndFuture}, remote.scopes)
	require.Len(t, tg.requests, 2)
	answer, ok := tg.requests[0].(tgbotapi.CallbackConfig)
	require.True(t, ok)
	assert.Equal(t, "Deleted", answer.Text)
}

func TestDeleteUnknownSchedule(t *testing.T) {
	b, tg, _ := newTestBot(t)

	b.handleUpdate(context.Background(), command(owner.TelegramID, "/delete nope"))

	require.Len(t, tg.sent, 1)
	assert.Equal(t, "The schedule no longer exists.", tg.sent[0].Text)
}
