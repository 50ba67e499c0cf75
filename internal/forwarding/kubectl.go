package forwarding

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"fwdctl/pkg/logging"
)

// DefaultBinary is the tunnel tool spawned per session.
const DefaultBinary = "kubectl"

// KubectlDriver spawns kubectl port-forward child processes.
type KubectlDriver struct {
	// Binary overrides the kubectl executable; empty means DefaultBinary.
	Binary string
}

// NewKubectlDriver returns a driver using the kubectl found on PATH.
func NewKubectlDriver() *KubectlDriver {
	return &KubectlDriver{}
}

func (d *KubectlDriver) binary() string {
	if d.Binary != "" {
		return d.Binary
	}
	return DefaultBinary
}

// buildArgs assembles the kubectl argument vector for a tunnel spec.
func buildArgs(spec Spec) []string {
	args := []string{
		"port-forward",
		"pod/" + spec.PodName,
		fmt.Sprintf("%d:%d", spec.LocalPort, spec.RemotePort),
	}
	if spec.Namespace != "" {
		args = append(args, "--namespace", spec.Namespace)
	}
	if spec.Context != "" {
		args = append(args, "--context", spec.Context)
	}
	if spec.BindAddress != "" {
		args = append(args, "--address", spec.BindAddress)
	}
	if spec.Container != "" {
		args = append(args, "--container", spec.Container)
	}
	return args
}

// Spawn launches kubectl port-forward and wires its output streams through
// the classifier into emit. The final ProcessExited signal is emitted exactly
// once, after both streams have drained, and then the handle's Done channel
// closes.
func (d *KubectlDriver) Spawn(ctx context.Context, spec Spec, emit SignalFunc) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subsystem := "PortForward-" + spec.Name

	cmd := exec.Command(d.binary(), buildArgs(spec)...)
	// Own process group, so termination signals reach kubectl's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %s: %w", spec.Name, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdoutPipe.Close()
		return nil, fmt.Errorf("stderr pipe for %s: %w", spec.Name, err)
	}

	if err := cmd.Start(); err != nil {
		stdoutPipe.Close()
		stderrPipe.Close()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", d.binary(), ErrToolNotFound)
		}
		return nil, fmt.Errorf("failed to start %s for %s: %w", d.binary(), spec.Name, err)
	}

	h := &kubectlHandle{
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	logging.Debug(subsystem, "Spawned %s (PID %d): %v", d.binary(), h.pid, buildArgs(spec))

	var scanners sync.WaitGroup
	scanners.Add(2)
	scan := func(r *bufio.Scanner) {
		defer scanners.Done()
		for r.Scan() {
			emit(Classify(r.Text()))
		}
	}
	go scan(bufio.NewScanner(stdoutPipe))
	go scan(bufio.NewScanner(stderrPipe))

	go func() {
		// Streams must drain before Wait closes the pipes.
		scanners.Wait()
		err := cmd.Wait()

		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		logging.Debug(subsystem, "Process %d exited with code %d", h.pid, code)
		emit(ExitSignal(code))
		close(h.done)
	}()

	return h, nil
}

// kubectlHandle wraps one running kubectl process.
type kubectlHandle struct {
	pid  int
	done chan struct{}
}

func (h *kubectlHandle) PID() int { return h.pid }

func (h *kubectlHandle) Signal(sig os.Signal) error {
	if !h.Alive() {
		return nil
	}
	sysSig, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("unsupported signal %v", sig)
	}
	// Negative pid targets the whole process group.
	if err := syscall.Kill(-h.pid, sysSig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal %v to process group %d: %w", sig, h.pid, err)
	}
	return nil
}

func (h *kubectlHandle) Done() <-chan struct{} { return h.done }

func (h *kubectlHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
