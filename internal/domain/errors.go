package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageQuota is returned by a durable store when a write would
	// exceed its quota. The cache recovers from it internally.
	ErrStorageQuota = errors.New("storage quota exceeded")

	// ErrNotFound is returned when a schedule id is unknown.
	ErrNotFound = errors.New("schedule not found")

	// ErrUnknownMember is returned when a member is not on the roster.
	ErrUnknownMember = errors.New("member not found")
)

// ValidationError reports bad input shape. It is raised before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// PermissionError reports that the actor lacks rights over the target assignee.
type PermissionError struct {
	ActorID    int64
	AssigneeID int64
	Reason     string
}

func (e *PermissionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("permission denied for member %d: %s", e.ActorID, e.Reason)
	}
	return fmt.Sprintf("permission denied: member %d cannot modify schedules of member %d", e.ActorID, e.AssigneeID)
}

// ScopeRequiredError is returned when a recurring mutation is executed
// before its scope was resolved.
type ScopeRequiredError struct {
	ScheduleID string
}

func (e *ScopeRequiredError) Error() string {
	return fmt.Sprintf("schedule %s is recurring: scope must be chosen", e.ScheduleID)
}

// RemoteError wraps a failure of the remote schedule API.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// UserMessage maps err to a single human-readable sentence.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var (
		ve *ValidationError
		pe *PermissionError
		se *ScopeRequiredError
		re *RemoteError
	)
	switch {
	case errors.As(err, &ve):
		if ve.Field == "" {
			return capitalize(ve.Message) + "."
		}
		return fmt.Sprintf("Please check %s: %s.", ve.Field, ve.Message)
	case errors.As(err, &pe):
		return "You do not have permission to change this schedule."
	case errors.As(err, &se):
		return "Choose whether to apply the change to this event, this and future events, or all events."
	case errors.As(err, &re):
		return "The schedule server could not be reached. Please try again."
	case errors.Is(err, ErrNotFound):
		return "The schedule no longer exists."
	case errors.Is(err, ErrUnknownMember):
		return "The member is not part of this group."
	default:
		return "Something went wrong. Please try again."
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}
