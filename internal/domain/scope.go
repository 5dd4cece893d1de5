package domain

import "fmt"

// Scope selects which occurrences of a recurring series a mutation touches.
// The zero value means the scope has not been chosen yet.
type Scope int

const (
	ScopeUnset Scope = iota
	ScopeThis
	ScopeThisAndFuture
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopeThis:
		return "this"
	case ScopeThisAndFuture:
		return "thisAndFuture"
	case ScopeAll:
		return "all"
	default:
		return "unset"
	}
}

// ParseScope parses the wire names "this", "thisAndFuture" and "all".
// An empty string yields ScopeUnset.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "":
		return ScopeUnset, nil
	case "this":
		return ScopeThis, nil
	case "thisAndFuture", "this_and_future", "future":
		return ScopeThisAndFuture, nil
	case "all":
		return ScopeAll, nil
	}
	return ScopeUnset, &ValidationError{Field: "scope", Message: fmt.Sprintf("unknown scope %q", s)}
}
