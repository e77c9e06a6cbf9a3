// Package fault defines the closed failure taxonomy used across the engine.
//
// Every failure the engine acts on is one of seven categories. Connectors and
// tools classify at the source by returning a *Error; anything that arrives
// untyped is treated as an engine bug (Internal). Categories are never
// inferred from message text.
package fault

import (
	"errors"
	"fmt"
)

type Type string

const (
	Auth       Type = "auth"
	Permission Type = "permission"
	Network    Type = "network"
	Logic      Type = "logic"
	Internal   Type = "internal"
	APIKey     Type = "api_key"
	Balance    Type = "balance"
)

// Valid reports whether t is one of the seven known categories.
func (t Type) Valid() bool {
	switch t {
	case Auth, Permission, Network, Logic, Internal, APIKey, Balance:
		return true
	}
	return false
}

// Error is a failure tagged with its category. Source names the component
// that classified it (e.g. "completion", "sandbox", "tool:chat.send").
type Error struct {
	Type    Type
	Message string
	Source  string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Type, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(t Type, message string) *Error {
	return &Error{Type: t, Message: message}
}

func Errorf(t Type, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags cause with a category. A nil cause returns nil.
func Wrap(t Type, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Type: t, Message: message, Cause: cause}
}

// At returns e with its Source set. Convenient at classification boundaries.
func (e *Error) At(source string) *Error {
	e.Source = source
	return e
}

// As extracts the nearest *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// TypeOf classifies err. A typed error anywhere in the chain is trusted;
// everything else is Internal by policy.
func TypeOf(err error) Type {
	if fe, ok := As(err); ok && fe.Type.Valid() {
		return fe.Type
	}
	return Internal
}

// IsDefiniteFailure reports whether the attempted side effect definitely did
// not happen. True only for logic and permission; network and auth are
// indeterminate and must go through reconciliation before any mutation is
// retried. Everything else defaults to indeterminate.
func IsDefiniteFailure(err error) bool {
	switch TypeOf(err) {
	case Logic, Permission:
		return true
	default:
		return false
	}
}
