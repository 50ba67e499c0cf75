package forwarding

import (
	"context"
	"errors"
	"os"
)

// ErrToolNotFound is returned by Spawn when the tunnel binary is missing from
// PATH. The session layer maps it to the ToolNotFound error kind.
var ErrToolNotFound = errors.New("port-forward tool not found on PATH")

// SignalFunc receives classified signals from a tunnel process. Calls arrive
// in stream order for a single process; implementations must be safe to call
// from the driver's reader goroutines and must not block for long.
type SignalFunc func(Signal)

// Spec names the tunnel a process should carry.
type Spec struct {
	// Name is a human label used in argv-independent logging.
	Name string

	PodName   string
	Namespace string
	Context   string
	Container string

	LocalPort  int
	RemotePort int

	// BindAddress is the local address the tunnel binds; empty means the
	// tool's default (127.0.0.1 for pods).
	BindAddress string
}

// Handle is the caller's grip on a spawned tunnel process. It carries no
// lifecycle logic; the session layer owns that.
type Handle interface {
	// PID returns the child process id.
	PID() int

	// Signal delivers sig to the process (its process group for real
	// processes). Signalling an exited process is a no-op.
	Signal(sig os.Signal) error

	// Done is closed once the process has exited and its final
	// ProcessExited signal has been emitted.
	Done() <-chan struct{}

	// Alive reports whether the process has not yet exited.
	Alive() bool
}

// Driver spawns tunnel processes. The production implementation shells out to
// kubectl; tests substitute a fake that emits scripted signals.
type Driver interface {
	// Spawn launches a tunnel process for spec and begins feeding classified
	// output and the final exit event to emit. The context covers spawn-time
	// cancellation only; a started process outlives it and is stopped via
	// Terminator.
	Spawn(ctx context.Context, spec Spec, emit SignalFunc) (Handle, error)
}
