package bot

import (
	"fmt"
	"html"
	"strings"

	"github.com/tazhate/groupcal/internal/domain"
	"github.com/tazhate/groupcal/internal/service"
)

// FormatNotification renders n as an HTML Telegram message.
func FormatNotification(n service.Notification) string {
	title := "<b>" + html.EscapeString(n.ScheduleTitle) + "</b>"
	when := html.EscapeString(n.ScheduleTime)
	actor := html.EscapeString(n.Actor.Name)

	var sb strings.Builder
	switch n.Action {
	case service.ActionCreate:
		fmt.Fprintf(&sb, "📅 %s added %s\n%s", actor, title, when)
	case service.ActionUpdate:
		fmt.Fprintf(&sb, "✏️ %s changed %s\n%s", actor, title, when)
	case service.ActionDelete:
		fmt.Fprintf(&sb, "🗑 %s removed %s\n%s", actor, title, when)
	case service.ActionAlarm:
		fmt.Fprintf(&sb, "🔔 Reminder: %s\n%s", title, when)
	default:
		fmt.Fprintf(&sb, "%s\n%s", title, when)
	}
	if n.Target != nil && n.Target.Name != "" && n.Action != service.ActionAlarm {
		fmt.Fprintf(&sb, "\n👤 %s", html.EscapeString(n.Target.Name))
	}
	return sb.String()
}

// formatDay renders the schedules of one day, one line each.
func formatDay(events []domain.ScheduleEvent) string {
	if len(events) == 0 {
		return "No schedules today."
	}
	var sb strings.Builder
	sb.WriteString("<b>Today</b>\n")
	for _, e := range events {
		fmt.Fprintf(&sb, "\n%s %s", e.TimeRange(), html.EscapeString(e.Title))
		if e.AssigneeName != "" {
			fmt.Fprintf(&sb, " · %s", html.EscapeString(e.AssigneeName))
		}
		if e.RuleText != "" && e.IsRecurring() {
			fmt.Fprintf(&sb, " (%s)", e.RuleText)
		}
		if e.DistanceText != "" {
			fmt.Fprintf(&sb, " · %s away", e.DistanceText)
		}
		fmt.Fprintf(&sb, "\n<code>%s</code>", html.EscapeString(e.ID))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
