package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/tazhate/groupcal/internal/domain"
	"github.com/tazhate/groupcal/internal/service"
)

// telegramAPI is the part of tgbotapi.BotAPI the bot uses.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Members resolves Telegram chats to group members.
type Members interface {
	GetMemberByTelegramID(ctx context.Context, telegramID int64) (*domain.GroupMember, error)
}

// Schedules is the schedule engine as seen from chat commands.
type Schedules interface {
	LoadMonth(ctx context.Context, key domain.MonthKey) ([]domain.ScheduleEvent, error)
	PrepareDelete(ctx context.Context, actor domain.Actor, id string) (*service.Mutation, error)
	Delete(ctx context.Context, actor domain.Actor, id string, scope domain.Scope) error
	Location() *time.Location
}

// Bot delivers notifications to Telegram chats and answers a few chat
// commands.
type Bot struct {
	client    *tgbotapi.BotAPI
	api       telegramAPI
	members   Members
	schedules Schedules
	log       zerolog.Logger
	now       func() time.Time
}

func New(token string, members Members, log zerolog.Logger) (*Bot, error) {
	client, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	b := newBot(client, members, log)
	b.client = client
	b.log.Info().Str("username", client.Self.UserName).Msg("authorized")

	b.setCommands()
	return b, nil
}

func newBot(api telegramAPI, members Members, log zerolog.Logger) *Bot {
	return &Bot{
		api:     api,
		members: members,
		log:     log.With().Str("component", "telegram").Logger(),
		now:     time.Now,
	}
}

// SetSchedules attaches the schedule engine. The bot is built before the
// engine because the engine notifies through it.
func (b *Bot) SetSchedules(s Schedules) {
	b.schedules = s
}

func (b *Bot) setCommands() {
	commands := []tgbotapi.BotCommand{
		{Command: "today", Description: "Today's schedules"},
		{Command: "delete", Description: "Delete a schedule by id"},
		{Command: "help", Description: "Command help"},
	}

	cfg := tgbotapi.NewSetMyCommands(commands...)
	if _, err := b.api.Request(cfg); err != nil {
		b.log.Warn().Err(err).Msg("set commands")
	}
}

// SetupWebhook registers url as the update endpoint.
func (b *Bot) SetupWebhook(url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	if _, err := b.api.Request(wh); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}

	if b.client != nil {
		info, err := b.client.GetWebhookInfo()
		if err != nil {
			return fmt.Errorf("get webhook info: %w", err)
		}
		if info.LastErrorDate != 0 {
			b.log.Warn().Str("error", info.LastErrorMessage).Msg("webhook last error")
		}
	}

	b.log.Info().Str("url", url).Msg("webhook set")
	return nil
}

// WebhookHandler accepts updates pushed by Telegram.
func (b *Bot) WebhookHandler(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if b.client == nil {
			http.NotFound(w, r)
			return
		}
		update, err := b.client.HandleUpdate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		go b.handleUpdate(ctx, *update)
	}
}

// Poll reads updates by long polling until ctx is done. It is used when no
// webhook is configured.
func (b *Bot) Poll(ctx context.Context) error {
	if b.client == nil {
		return errors.New("telegram client not configured")
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.client.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.client.StopReceivingUpdates()
			return nil
		case update := <-updates:
			go b.handleUpdate(ctx, update)
		}
	}
}

// Send delivers n to every recipient with a linked Telegram chat.
func (b *Bot) Send(ctx context.Context, n service.Notification) error {
	text := FormatNotification(n)

	var errs []error
	sent := 0
	for _, r := range n.Recipients {
		if r.TelegramID == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := b.SendMessage(r.TelegramID, text); err != nil {
			errs = append(errs, fmt.Errorf("send to member %d: %w", r.MemberID, err))
			continue
		}
		sent++
	}
	b.log.Debug().Str("action", string(n.Action)).Int("sent", sent).Msg("notification delivered")
	return errors.Join(errs...)
}

func (b *Bot) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) SendMessageWithKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = keyboard
	_, err := b.api.Send(msg)
	return err
}
