package forwarding

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"fwdctl/pkg/logging"
)

const (
	// DefaultGracePeriod is how long a process gets to exit after SIGTERM.
	DefaultGracePeriod = 1 * time.Second
	// DefaultFinalWait bounds the wait after SIGKILL so Terminate can never
	// hang on an unresponsive process.
	DefaultFinalWait = 5 * time.Second
)

// Terminator drives graceful shutdown of tunnel processes: SIGTERM, a bounded
// grace period, then SIGKILL.
type Terminator struct {
	Grace     time.Duration
	FinalWait time.Duration
}

// NewTerminator returns a Terminator with the given grace period; zero means
// DefaultGracePeriod.
func NewTerminator(grace time.Duration) *Terminator {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Terminator{Grace: grace, FinalWait: DefaultFinalWait}
}

func (t *Terminator) finalWait() time.Duration {
	if t.FinalWait <= 0 {
		return DefaultFinalWait
	}
	return t.FinalWait
}

// Terminate stops the process behind h. Calling it on an already-exited
// handle is a no-op. It returns once exit is confirmed, or with an error
// after the final bounded wait expires.
func (t *Terminator) Terminate(ctx context.Context, h Handle) error {
	select {
	case <-h.Done():
		return nil
	default:
	}

	if err := h.Signal(syscall.SIGTERM); err != nil {
		logging.Warn("Terminator", "SIGTERM to PID %d failed: %v", h.PID(), err)
	}

	grace := time.NewTimer(t.Grace)
	defer grace.Stop()
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-grace.C:
	}

	logging.Warn("Terminator", "PID %d did not exit within %s, sending SIGKILL", h.PID(), t.Grace)
	if err := h.Signal(syscall.SIGKILL); err != nil {
		logging.Warn("Terminator", "SIGKILL to PID %d failed: %v", h.PID(), err)
	}

	final := time.NewTimer(t.finalWait())
	defer final.Stop()
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-final.C:
		return fmt.Errorf("process %d did not exit after SIGKILL", h.PID())
	}
}
