package bot

import (
	"context"
	"fmt"
	"html"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/groupcal/internal/domain"
)

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message, m *domain.GroupMember) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		b.reply(chatID, fmt.Sprintf("👋 Hi, %s! /help lists the commands.", html.EscapeString(m.Name)))
	case "help":
		b.cmdHelp(chatID)
	case "today":
		b.cmdToday(ctx, chatID, m)
	case "delete":
		b.cmdDelete(ctx, chatID, m, args)
	default:
		b.reply(chatID, "Unknown command. /help lists the commands.")
	}
}

func (b *Bot) cmdHelp(chatID int64) {
	text := `<b>Commands</b>

/today - schedules of your group for today
/delete &lt;id&gt; - delete a schedule; repeating ones ask which events`
	b.reply(chatID, text)
}

func (b *Bot) cmdToday(ctx context.Context, chatID int64, m *domain.GroupMember) {
	if b.schedules == nil {
		return
	}
	today := b.now().In(b.schedules.Location())

	events, err := b.schedules.LoadMonth(ctx, domain.MonthKeyOf(today))
	if err != nil {
		b.log.Warn().Err(err).Msg("load month for /today")
		b.reply(chatID, domain.UserMessage(err))
		return
	}

	var day []domain.ScheduleEvent
	for _, e := range events {
		if e.GroupID == m.GroupID && e.SameDay(today) {
			day = append(day, e)
		}
	}
	b.reply(chatID, formatDay(day))
}

func (b *Bot) cmdDelete(ctx context.Context, chatID int64, m *domain.GroupMember, id string) {
	if id == "" {
		b.reply(chatID, "Usage: /delete &lt;id&gt;")
		return
	}
	if b.schedules == nil {
		return
	}

	mutation, err := b.schedules.PrepareDelete(ctx, domain.ActorFromMember(*m), id)
	if err != nil {
		b.reply(chatID, html.EscapeString(domain.UserMessage(err)))
		return
	}

	target := mutation.Target()
	text := fmt.Sprintf("Delete <b>%s</b>, %s?", html.EscapeString(target.Title), target.FormatDateTime())
	kb := confirmKeyboard(id)
	if mutation.NeedsScope() {
		text = fmt.Sprintf("<b>%s</b> repeats (%s). Which events should be deleted?", html.EscapeString(target.Title), target.RuleText)
		kb = scopeKeyboard(id)
	}
	if err := b.SendMessageWithKeyboard(chatID, text, kb); err != nil {
		b.log.Warn().Err(err).Msg("send delete prompt")
	}
}
