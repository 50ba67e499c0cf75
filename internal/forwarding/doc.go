// Package forwarding owns the process side of a port-forward session: it
// spawns one kubectl port-forward child per session, classifies the child's
// stdout/stderr lines and exit into typed signals, and tears processes down
// with a SIGTERM, grace period, SIGKILL sequence.
//
// The package holds no lifecycle state of its own. Signals are handed to the
// caller through a SignalFunc in stream order; the session state machine in
// internal/session decides what they mean.
//
// The Driver interface exists so the state machine can be exercised with a
// fake driver emitting scripted lines and exit codes, without real processes
// or network ports.
package forwarding
