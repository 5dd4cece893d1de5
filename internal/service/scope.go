package service

import (
	"errors"
	"fmt"

	"github.com/tazhate/groupcal/internal/domain"
)

// MutationKind is the operation a Mutation performs.
type MutationKind int

const (
	MutationUpdate MutationKind = iota
	MutationDelete
)

func (k MutationKind) String() string {
	if k == MutationDelete {
		return "delete"
	}
	return "update"
}

// MutationState tracks scope resolution of a pending update or delete:
// Idle -> ScopePending -> Resolved -> Executing -> Idle. Mutations of
// single events skip ScopePending.
type MutationState int

const (
	MutationIdle MutationState = iota
	MutationScopePending
	MutationResolved
	MutationExecuting
)

func (s MutationState) String() string {
	switch s {
	case MutationScopePending:
		return "scope_pending"
	case MutationResolved:
		return "resolved"
	case MutationExecuting:
		return "executing"
	default:
		return "idle"
	}
}

// ErrMutationDone is returned when a mutation is resolved or executed again
// after it ran.
var ErrMutationDone = errors.New("mutation already executed")

// Mutation is a prepared update or delete. It is created by
// PrepareUpdate or PrepareDelete and run by Execute.
type Mutation struct {
	kind   MutationKind
	actor  domain.Actor
	target domain.ScheduleEvent
	draft  domain.Draft
	scope  domain.Scope
	state  MutationState
}

func newMutation(kind MutationKind, actor domain.Actor, target domain.ScheduleEvent, draft domain.Draft) *Mutation {
	m := &Mutation{kind: kind, actor: actor, target: target, draft: draft}
	if target.IsRecurring() {
		m.state = MutationScopePending
	} else {
		// A single event has exactly one occurrence.
		m.scope = domain.ScopeThis
		m.state = MutationResolved
	}
	return m
}

func (m *Mutation) Kind() MutationKind           { return m.kind }
func (m *Mutation) State() MutationState         { return m.state }
func (m *Mutation) Scope() domain.Scope          { return m.scope }
func (m *Mutation) Target() domain.ScheduleEvent { return m.target }

// NeedsScope reports whether the caller must still choose a scope.
func (m *Mutation) NeedsScope() bool {
	return m.state == MutationScopePending
}

// Resolve sets the scope of a recurring mutation. Single events accept
// only ScopeThis and ScopeAll, which mean the same thing for them.
func (m *Mutation) Resolve(scope domain.Scope) error {
	switch m.state {
	case MutationScopePending, MutationResolved:
	case MutationExecuting:
		return fmt.Errorf("resolve %s: mutation is executing", m.target.ID)
	default:
		return ErrMutationDone
	}
	if scope == domain.ScopeUnset {
		return &domain.ValidationError{Field: "scope", Message: "a scope must be chosen"}
	}
	if !m.target.IsRecurring() {
		if scope == domain.ScopeThisAndFuture {
			return &domain.ValidationError{Field: "scope", Message: "this schedule does not repeat"}
		}
		scope = domain.ScopeThis
	}
	m.scope = scope
	m.state = MutationResolved
	return nil
}

// begin moves a resolved mutation to Executing.
func (m *Mutation) begin() error {
	switch m.state {
	case MutationResolved:
		m.state = MutationExecuting
		return nil
	case MutationScopePending:
		return &domain.ScopeRequiredError{ScheduleID: m.target.ID}
	case MutationExecuting:
		return fmt.Errorf("execute %s: mutation is executing", m.target.ID)
	}
	return ErrMutationDone
}

// finish ends execution. A failed run can be retried.
func (m *Mutation) finish(err error) {
	if err != nil {
		m.state = MutationResolved
		return
	}
	m.state = MutationIdle
}
