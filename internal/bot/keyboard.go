package bot

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/groupcal/internal/domain"
)

const deletePrefix = "del"

// Scope selection keyboard for deleting an occurrence of a series.
func scopeKeyboard(id string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("This event", deleteData(domain.ScopeThis, id)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("This and future", deleteData(domain.ScopeThisAndFuture, id)),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("All events", deleteData(domain.ScopeAll, id)),
		),
	)
}

// Confirmation keyboard for a single schedule.
func confirmKeyboard(id string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🗑 Delete", deleteData(domain.ScopeThis, id)),
		),
	)
}

// deleteData encodes "del:<scope>:<id>". Telegram limits callback data to
// 64 bytes; ids longer than that cannot be deleted from chat.
func deleteData(scope domain.Scope, id string) string {
	return deletePrefix + ":" + scope.String() + ":" + id
}

func parseDeleteData(data string) (domain.Scope, string, bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != deletePrefix || parts[2] == "" {
		return domain.ScopeUnset, "", false
	}
	scope, err := domain.ParseScope(parts[1])
	if err != nil || scope == domain.ScopeUnset {
		return domain.ScopeUnset, "", false
	}
	return scope, parts[2], true
}
