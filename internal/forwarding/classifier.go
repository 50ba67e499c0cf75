package forwarding

import (
	"fmt"
	"strings"
)

// SignalKind is the classification of one line of tunnel-process output or of
// a process exit.
type SignalKind int

const (
	// SignalUnclassified is an output line that matched no known phrase.
	// It is neither success nor failure and is ignored by the state machine.
	SignalUnclassified SignalKind = iota
	// SignalConnectionEstablished is kubectl's "Forwarding from" readiness line.
	SignalConnectionEstablished
	// SignalPermissionDenied is an RBAC/forbidden rejection.
	SignalPermissionDenied
	// SignalTargetNotFound means the pod (or namespace) does not exist.
	SignalTargetNotFound
	// SignalToolNotFound means the kubectl binary is missing from PATH.
	SignalToolNotFound
	// SignalConnectionRefused covers connectivity and local bind failures.
	SignalConnectionRefused
	// SignalProcessExited is the synthetic signal emitted when the child exits.
	SignalProcessExited
)

func (k SignalKind) String() string {
	switch k {
	case SignalConnectionEstablished:
		return "ConnectionEstablished"
	case SignalPermissionDenied:
		return "PermissionDenied"
	case SignalTargetNotFound:
		return "TargetNotFound"
	case SignalToolNotFound:
		return "ToolNotFound"
	case SignalConnectionRefused:
		return "ConnectionRefused"
	case SignalProcessExited:
		return "ProcessExited"
	default:
		return "Unclassified"
	}
}

// Fatal reports whether the signal ends a session that has not yet been
// stopped explicitly.
func (k SignalKind) Fatal() bool {
	switch k {
	case SignalPermissionDenied, SignalTargetNotFound, SignalToolNotFound,
		SignalConnectionRefused, SignalProcessExited:
		return true
	}
	return false
}

// Signal is one classified event from a tunnel process.
type Signal struct {
	Kind SignalKind
	// Line is the raw output line the classification came from; empty for
	// process-exit signals.
	Line string
	// ExitCode is valid only when Kind is SignalProcessExited.
	ExitCode int
}

func (s Signal) String() string {
	if s.Kind == SignalProcessExited {
		return fmt.Sprintf("ProcessExited(%d)", s.ExitCode)
	}
	if s.Line == "" {
		return s.Kind.String()
	}
	return fmt.Sprintf("%s(%q)", s.Kind, s.Line)
}

// Classification is best-effort substring matching against kubectl's output
// conventions, most specific phrases first. "command not found" must be
// checked before the generic "not found".
var classifierRules = []struct {
	kind    SignalKind
	phrases []string
}{
	{SignalConnectionEstablished, []string{"forwarding from"}},
	{SignalToolNotFound, []string{"command not found", "executable file not found"}},
	{SignalPermissionDenied, []string{"forbidden", "permission denied", "unauthorized"}},
	{SignalConnectionRefused, []string{
		"connection refused",
		"unable to connect",
		"unable to listen",
		"address already in use",
	}},
	{SignalTargetNotFound, []string{"not found", "no such host"}},
}

// Classify maps one line of process output to a Signal. Unmatched lines yield
// SignalUnclassified.
func Classify(line string) Signal {
	lowered := strings.ToLower(line)
	for _, rule := range classifierRules {
		for _, phrase := range rule.phrases {
			if strings.Contains(lowered, phrase) {
				return Signal{Kind: rule.kind, Line: line}
			}
		}
	}
	return Signal{Kind: SignalUnclassified, Line: line}
}

// ExitSignal builds the synthetic signal for a process exit.
func ExitSignal(code int) Signal {
	return Signal{Kind: SignalProcessExited, ExitCode: code}
}
