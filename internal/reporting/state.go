package reporting

import (
	"fmt"
	"time"
)

// SessionState describes where a port-forward session is in its lifecycle.
// Transitions are monotonic along the state machine; StateStopped and
// StateError are terminal.
type SessionState string

const (
	StateRequested  SessionState = "Requested"
	StateValidating SessionState = "Validating"
	StateConnecting SessionState = "Connecting"
	StateConnected  SessionState = "Connected"
	StateStopping   SessionState = "Stopping"
	StateStopped    SessionState = "Stopped"
	StateError      SessionState = "Error"
)

// Terminal reports whether no further transitions can occur from s.
func (s SessionState) Terminal() bool {
	return s == StateStopped || s == StateError
}

// ErrorKind classifies why a session failed.
type ErrorKind string

const (
	ErrKindPortUnavailable   ErrorKind = "PortUnavailable"
	ErrKindToolNotFound      ErrorKind = "ToolNotFound"
	ErrKindPermissionDenied  ErrorKind = "PermissionDenied"
	ErrKindTargetNotFound    ErrorKind = "TargetNotFound"
	ErrKindConnectionRefused ErrorKind = "ConnectionRefused"
	ErrKindConnectingTimeout ErrorKind = "ConnectingTimeout"
	ErrKindUnknown           ErrorKind = "UnknownError"
)

// ErrorDetail is the structured failure attached to a session that reached
// StateError.
type ErrorDetail struct {
	Kind    ErrorKind
	Message string
}

// Error makes ErrorDetail usable as a normal error value.
func (e *ErrorDetail) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// SessionEvent is published on every session state change.
type SessionEvent struct {
	SessionID string
	Name      string
	OldState  SessionState
	NewState  SessionState
	Err       *ErrorDetail // set only when NewState is StateError
	Time      time.Time
}

func (e SessionEvent) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s -> %s (%s)", e.Name, e.OldState, e.NewState, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s -> %s", e.Name, e.OldState, e.NewState)
}
