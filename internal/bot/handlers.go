package bot

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/groupcal/internal/domain"
)

const notLinked = "This chat is not linked to a group member."

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message != nil {
		b.handleMessage(ctx, update.Message)
	} else if update.CallbackQuery != nil {
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) member(ctx context.Context, telegramID int64) *domain.GroupMember {
	m, err := b.members.GetMemberByTelegramID(ctx, telegramID)
	if err != nil {
		b.log.Error().Err(err).Int64("telegram_id", telegramID).Msg("look up member")
		return nil
	}
	return m
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || !msg.IsCommand() {
		return
	}
	chatID := msg.Chat.ID

	m := b.member(ctx, msg.From.ID)
	if m == nil {
		b.reply(chatID, notLinked)
		return
	}
	b.handleCommand(ctx, msg, m)
}

func (b *Bot) handleCallback(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	if callback.Message == nil {
		return
	}
	chatID := callback.Message.Chat.ID
	msgID := callback.Message.MessageID

	m := b.member(ctx, callback.From.ID)
	if m == nil {
		b.answer(callback.ID, notLinked)
		return
	}

	scope, id, ok := parseDeleteData(callback.Data)
	if !ok || b.schedules == nil {
		b.answer(callback.ID, "Unknown action")
		return
	}

	if err := b.schedules.Delete(ctx, domain.ActorFromMember(*m), id, scope); err != nil {
		b.log.Warn().Err(err).Str("schedule", id).Msg("delete from chat")
		b.answer(callback.ID, truncate(domain.UserMessage(err), 180))
		return
	}

	b.answer(callback.ID, "Deleted")
	edit := tgbotapi.NewEditMessageText(chatID, msgID, "🗑 Deleted.")
	if _, err := b.api.Request(edit); err != nil {
		b.log.Warn().Err(err).Msg("edit message")
	}
}

func (b *Bot) answer(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.log.Warn().Err(err).Msg("answer callback")
	}
}

func (b *Bot) reply(chatID int64, text string) {
	if err := b.SendMessage(chatID, text); err != nil {
		b.log.Warn().Err(err).Int64("chat", chatID).Msg("send reply")
	}
}
