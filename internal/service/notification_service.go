package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tazhate/groupcal/internal/domain"
)

// Action names the kind of change a notification reports.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionAlarm  Action = "alarm"
)

// Notification is the payload handed to the transport.
type Notification struct {
	Action        Action
	ScheduleID    string
	ScheduleTitle string
	ScheduleTime  string
	Actor         domain.Actor
	Target        *domain.Assignee
	Recipients    []domain.GroupMember
}

// Transport delivers notifications, e.g. as Telegram messages.
type Transport interface {
	Send(ctx context.Context, n Notification) error
}

// Roster provides group members and group metadata.
type Roster interface {
	GetMembers(ctx context.Context, groupID int64) ([]domain.GroupMember, error)
	GetGroup(ctx context.Context, id int64) (*domain.Group, error)
}

// NotificationService decides who hears about a schedule change and hands
// the result to the transport in the background. Delivery failures are
// logged and never returned.
type NotificationService struct {
	roster    Roster
	transport Transport
	log       zerolog.Logger
	timeout   time.Duration
	wg        sync.WaitGroup
}

func NewNotificationService(roster Roster, transport Transport, log zerolog.Logger) *NotificationService {
	return &NotificationService{
		roster:    roster,
		transport: transport,
		log:       log.With().Str("component", "notify").Logger(),
		timeout:   10 * time.Second,
	}
}

// Dispatch notifies the recipients of action on e and returns without
// waiting for delivery. Alarms go to the assignee only; changes go to the
// assignee and the group's owners and leaders, except the actor.
func (n *NotificationService) Dispatch(ctx context.Context, action Action, e domain.ScheduleEvent, actor domain.Actor) {
	if n.transport == nil {
		return
	}
	// Delivery outlives the request that triggered it.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()
		n.deliver(sendCtx, action, e, actor)
	}()
}

// Wait blocks until every dispatched notification has been handed off or
// has failed.
func (n *NotificationService) Wait() {
	n.wg.Wait()
}

func (n *NotificationService) deliver(ctx context.Context, action Action, e domain.ScheduleEvent, actor domain.Actor) {
	log := n.log.With().Str("action", string(action)).Str("schedule", e.ID).Logger()

	members, err := n.roster.GetMembers(ctx, e.GroupID)
	if err != nil {
		log.Warn().Err(err).Msg("load roster for notification")
		return
	}

	var recipients []domain.GroupMember
	if action == ActionAlarm {
		if m, ok := domain.FindMember(members, e.GroupMembershipID, e.AssigneeID); ok {
			recipients = []domain.GroupMember{m}
		}
	} else {
		recipients = Recipients(members, e.AssigneeID, actor.MemberID)
	}
	if len(recipients) == 0 {
		log.Debug().Msg("no recipients")
		return
	}

	target := domain.AssigneeOf(&e)
	msg := Notification{
		Action:        action,
		ScheduleID:    e.ID,
		ScheduleTitle: e.Title,
		ScheduleTime:  e.FormatDateTime(),
		Actor:         actor,
		Target:        &target,
		Recipients:    recipients,
	}

	if err := n.transport.Send(ctx, msg); err != nil {
		log.Warn().Err(err).Int("recipients", len(recipients)).Msg("notification not delivered")
		return
	}
	log.Info().Int("recipients", len(recipients)).Msg("notification sent")
}

// Recipients returns the assignee and every owner or leader of the roster,
// without the actor and without duplicates, in roster order.
func Recipients(roster []domain.GroupMember, assigneeID, actorID int64) []domain.GroupMember {
	seen := make(map[int64]bool)
	var out []domain.GroupMember
	for _, m := range roster {
		if m.MemberID == actorID || seen[m.MemberID] {
			continue
		}
		if m.MemberID == assigneeID || m.IsManager() {
			seen[m.MemberID] = true
			out = append(out, m)
		}
	}
	return out
}
