// Package session tracks active port-forward sessions and drives each one
// through its lifecycle: Requested, Validating, Connecting, Connected,
// Stopping, and the terminal Stopped and Error states.
//
// All mutation of the session table flows through a single control loop, so
// interleaved start and stop requests can never violate the port-uniqueness
// invariant. Sessions that reach a terminal state are removed from the
// registry immediately after observers are notified.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fwdctl/internal/forwarding"
	"fwdctl/internal/ports"
	"fwdctl/internal/reporting"
	"fwdctl/pkg/logging"
)

const subsystem = "SessionRegistry"

// ErrRegistryClosed is returned for operations on a closed registry.
var ErrRegistryClosed = errors.New("session registry is closed")

// Options tunes registry behaviour. Zero values take defaults.
type Options struct {
	// ConnectTimeout bounds how long a session may sit in Connecting before
	// it fails with ConnectingTimeout. Default 10s.
	ConnectTimeout time.Duration

	// StopGracePeriod is how long a process gets between SIGTERM and
	// SIGKILL. Default 1s.
	StopGracePeriod time.Duration

	// StopFinalWait bounds how long a stop waits for exit confirmation
	// after SIGKILL before the session is evicted anyway. Default 5s.
	StopFinalWait time.Duration

	// StartPort is where auto-allocation starts scanning. Default 8080.
	StartPort int

	// BindAddress is the default local bind address for sessions that do
	// not set one.
	BindAddress string

	// Allocator overrides the port allocator, mainly for tests.
	Allocator *ports.Allocator
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultStartPort      = 8080
)

// Registry is the single source of truth for active port-forward sessions.
type Registry struct {
	driver forwarding.Driver
	alloc  *ports.Allocator
	term   *forwarding.Terminator
	bus    *reporting.Bus
	opts   Options

	cmds     chan func()
	loopDone chan struct{}

	closeMu sync.RWMutex
	closed  bool

	// sessions is owned by the control loop; never touched elsewhere.
	sessions map[string]*session
}

// NewRegistry creates a registry supervising sessions through driver and
// starts its control loop.
func NewRegistry(driver forwarding.Driver, opts Options) *Registry {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.StopGracePeriod <= 0 {
		opts.StopGracePeriod = forwarding.DefaultGracePeriod
	}
	if opts.StartPort <= 0 {
		opts.StartPort = defaultStartPort
	}
	alloc := opts.Allocator
	if alloc == nil {
		alloc = ports.NewAllocator()
		if opts.BindAddress != "" {
			alloc.BindAddress = opts.BindAddress
		}
	}

	term := forwarding.NewTerminator(opts.StopGracePeriod)
	if opts.StopFinalWait > 0 {
		term.FinalWait = opts.StopFinalWait
	}

	r := &Registry{
		driver:   driver,
		alloc:    alloc,
		term:     term,
		bus:      reporting.NewBus(),
		opts:     opts,
		cmds:     make(chan func(), 64),
		loopDone: make(chan struct{}),
		sessions: make(map[string]*session),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	for fn := range r.cmds {
		fn()
	}
	close(r.loopDone)
}

// post schedules fn on the control loop; it reports false if the registry is
// closed and the work was dropped.
func (r *Registry) post(fn func()) bool {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return false
	}
	r.cmds <- fn
	return true
}

// do runs fn on the control loop and waits for it.
func (r *Registry) do(fn func()) bool {
	done := make(chan struct{})
	if !r.post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

// Start launches a new session and returns once its status has settled at
// Connecting. Pre-flight failures (PortUnavailable, a spawn that never
// produced a process) are returned synchronously; everything after Connecting
// is reported through the event subscription only.
func (r *Registry) Start(ctx context.Context, spec Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	id := uuid.New().String()
	var startErr error
	if !r.do(func() { startErr = r.startSession(ctx, id, spec) }) {
		return "", ErrRegistryClosed
	}
	if startErr != nil {
		return "", startErr
	}
	return id, nil
}

// startSession runs on the control loop.
func (r *Registry) startSession(ctx context.Context, id string, spec Spec) error {
	bind := spec.BindAddress
	if bind == "" {
		bind = r.opts.BindAddress
	}
	sess := &session{
		id:          id,
		name:        spec.label(),
		target:      spec.Target,
		remotePort:  spec.RemotePort,
		bindAddress: bind,
		state:       reporting.StateRequested,
		removed:     make(chan struct{}),
	}

	port := spec.LocalPort
	if port == 0 {
		free, err := r.alloc.FindFree(r.opts.StartPort)
		if err != nil {
			return r.rejectPort(sess, err.Error())
		}
		port = free
	} else if r.portHeld(port) {
		return r.rejectPort(sess, fmt.Sprintf("local port %d is held by another session", port))
	} else if !r.alloc.Available(port) {
		return r.rejectPort(sess, fmt.Sprintf("local port %d is already in use", port))
	}
	sess.localPort = port
	r.transition(sess, reporting.StateValidating)

	handle, err := r.driver.Spawn(ctx, forwarding.Spec{
		Name:        sess.name,
		PodName:     spec.Target.PodName,
		Namespace:   spec.Target.Namespace,
		Context:     spec.Target.Context,
		Container:   spec.Target.Container,
		LocalPort:   port,
		RemotePort:  spec.RemotePort,
		BindAddress: bind,
	}, r.signalSink(id))
	if err != nil {
		kind := reporting.ErrKindUnknown
		if errors.Is(err, forwarding.ErrToolNotFound) {
			kind = reporting.ErrKindToolNotFound
		}
		sess.errDetail = &reporting.ErrorDetail{Kind: kind, Message: err.Error()}
		r.transition(sess, reporting.StateError)
		close(sess.removed)
		return sess.errDetail
	}

	sess.handle = handle
	sess.startedAt = time.Now()
	r.sessions[id] = sess
	r.transition(sess, reporting.StateConnecting)
	logging.Info(subsystem, "Session %s forwarding %s:%d -> %s:%d (PID %d)",
		sess.name, bindLabel(bind), port, sess.target, spec.RemotePort, handle.PID())

	sess.connectTimer = time.AfterFunc(r.opts.ConnectTimeout, func() {
		r.post(func() { r.onConnectTimeout(id) })
	})
	return nil
}

func bindLabel(bind string) string {
	if bind == "" {
		return "127.0.0.1"
	}
	return bind
}

// rejectPort runs on the control loop; the session never owned a process.
func (r *Registry) rejectPort(sess *session, msg string) error {
	sess.errDetail = &reporting.ErrorDetail{Kind: reporting.ErrKindPortUnavailable, Message: msg}
	r.transition(sess, reporting.StateError)
	close(sess.removed)
	return sess.errDetail
}

// portHeld reports whether an active session already claims port. The
// allocator's live probe covers everything outside the registry.
func (r *Registry) portHeld(port int) bool {
	for _, s := range r.sessions {
		if s.localPort != port {
			continue
		}
		if s.state == reporting.StateConnecting || s.state == reporting.StateConnected {
			return true
		}
	}
	return false
}

// signalSink routes a process's classified signals onto the control loop,
// preserving stream order.
func (r *Registry) signalSink(id string) forwarding.SignalFunc {
	return func(sig forwarding.Signal) {
		r.post(func() { r.onSignal(id, sig) })
	}
}

// onSignal runs on the control loop. Signals for sessions that already left
// the registry, and any fatal signal after the first, are ignored.
func (r *Registry) onSignal(id string, sig forwarding.Signal) {
	sess, ok := r.sessions[id]
	if !ok {
		return
	}
	sess.lastSignal = sig

	switch sess.state {
	case reporting.StateConnecting:
		switch {
		case sig.Kind == forwarding.SignalConnectionEstablished:
			sess.stopConnectTimer()
			r.transition(sess, reporting.StateConnected)
		case sig.Kind == forwarding.SignalProcessExited:
			r.fail(sess, reporting.ErrKindUnknown,
				fmt.Sprintf("process exited with code %d before forwarding was established", sig.ExitCode))
		case sig.Kind.Fatal():
			r.fail(sess, errorKindFor(sig.Kind), sig.Line)
		}
	case reporting.StateConnected:
		switch {
		case sig.Kind == forwarding.SignalProcessExited:
			r.fail(sess, reporting.ErrKindUnknown,
				fmt.Sprintf("process exited unexpectedly with code %d", sig.ExitCode))
		case sig.Kind.Fatal():
			r.fail(sess, errorKindFor(sig.Kind), sig.Line)
		}
	case reporting.StateStopping:
		if sig.Kind == forwarding.SignalProcessExited {
			r.transition(sess, reporting.StateStopped)
			r.remove(sess)
		}
	}
}

func errorKindFor(kind forwarding.SignalKind) reporting.ErrorKind {
	switch kind {
	case forwarding.SignalPermissionDenied:
		return reporting.ErrKindPermissionDenied
	case forwarding.SignalTargetNotFound:
		return reporting.ErrKindTargetNotFound
	case forwarding.SignalToolNotFound:
		return reporting.ErrKindToolNotFound
	case forwarding.SignalConnectionRefused:
		return reporting.ErrKindConnectionRefused
	default:
		return reporting.ErrKindUnknown
	}
}

// onConnectTimeout runs on the control loop.
func (r *Registry) onConnectTimeout(id string) {
	sess, ok := r.sessions[id]
	if !ok || sess.state != reporting.StateConnecting {
		return
	}
	r.fail(sess, reporting.ErrKindConnectingTimeout,
		fmt.Sprintf("no readiness signal within %s", r.opts.ConnectTimeout))
}

// fail runs on the control loop: first fatal condition wins, the session is
// removed right after observers are notified, and the process (if any) is
// torn down off-loop.
func (r *Registry) fail(sess *session, kind reporting.ErrorKind, msg string) {
	sess.stopConnectTimer()
	sess.errDetail = &reporting.ErrorDetail{Kind: kind, Message: msg}
	r.transition(sess, reporting.StateError)

	handle := sess.handle
	r.remove(sess)

	if handle != nil && handle.Alive() {
		name := sess.name
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.stopBound())
			defer cancel()
			if err := r.term.Terminate(ctx, handle); err != nil {
				logging.Error(subsystem, err, "Failed to terminate process for failed session %s", name)
			}
		}()
	}
}

// remove runs on the control loop.
func (r *Registry) remove(sess *session) {
	delete(r.sessions, sess.id)
	sess.handle = nil
	close(sess.removed)
}

// transition runs on the control loop and publishes the state change before
// anything else can observe it.
func (r *Registry) transition(sess *session, next reporting.SessionState) {
	old := sess.state
	sess.state = next

	event := reporting.SessionEvent{
		SessionID: sess.id,
		Name:      sess.name,
		OldState:  old,
		NewState:  next,
		Time:      time.Now(),
	}
	if next == reporting.StateError {
		event.Err = sess.errDetail
		logging.Warn(subsystem, "Session %s: %s -> %s (%s)", sess.name, old, next, sess.errDetail.Error())
	} else {
		logging.Debug(subsystem, "Session %s: %s -> %s", sess.name, old, next)
	}
	r.bus.Publish(event)
}

// stopBound is the outer limit on any stop sequence: grace window, SIGKILL
// wait, plus slack for signal plumbing.
func (r *Registry) stopBound() time.Duration {
	return r.opts.StopGracePeriod + r.term.FinalWait + time.Second
}

// Stop terminates the session with the given id and blocks until its process
// exit is confirmed (bounded). Stopping an unknown or already-stopped id is a
// no-op.
func (r *Registry) Stop(id string) error {
	var handle forwarding.Handle
	var removed chan struct{}

	ok := r.do(func() {
		sess, exists := r.sessions[id]
		if !exists {
			return
		}
		removed = sess.removed
		if sess.state == reporting.StateStopping {
			// Another stop is already in flight; just wait for it.
			return
		}
		sess.stopConnectTimer()
		r.transition(sess, reporting.StateStopping)
		handle = sess.handle
	})
	if !ok || removed == nil {
		return nil
	}

	if handle != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.stopBound())
		defer cancel()
		if err := r.term.Terminate(ctx, handle); err != nil {
			logging.Error(subsystem, err, "Terminate failed for session %s", id)
		}
	}

	select {
	case <-removed:
		return nil
	case <-time.After(r.stopBound()):
	}

	// Exit was never confirmed; evict the session anyway so the registry
	// cannot leak it.
	r.do(func() {
		if sess, exists := r.sessions[id]; exists {
			r.transition(sess, reporting.StateStopped)
			r.remove(sess)
		}
	})
	return fmt.Errorf("session %s: process exit not confirmed within %s", id, r.stopBound())
}

// StopAll stops every active session concurrently. Each failure is logged
// independently; one failing stop never blocks the others.
func (r *Registry) StopAll() {
	var ids []string
	r.do(func() {
		for id := range r.sessions {
			ids = append(ids, id)
		}
	})

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					logging.Error(subsystem, fmt.Errorf("%v", rec), "Panic stopping session %s", id)
				}
			}()
			if err := r.Stop(id); err != nil {
				logging.Error(subsystem, err, "Failed to stop session %s", id)
			}
		}(id)
	}
	wg.Wait()
}

// List returns a read-only snapshot of active sessions, oldest first.
func (r *Registry) List() []Descriptor {
	var out []Descriptor
	r.do(func() {
		for _, sess := range r.sessions {
			out = append(out, sess.descriptor())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Get returns the descriptor for one session.
func (r *Registry) Get(id string) (Descriptor, bool) {
	var (
		desc  Descriptor
		found bool
	)
	r.do(func() {
		if sess, ok := r.sessions[id]; ok {
			desc = sess.descriptor()
			found = true
		}
	})
	return desc, found
}

// Subscribe registers a listener for session state changes and returns its
// unsubscribe function. Events for a single session arrive in transition
// order.
func (r *Registry) Subscribe(handler reporting.EventHandler) func() {
	sub := r.bus.Subscribe(nil, handler)
	return func() { r.bus.Unsubscribe(sub) }
}

// Close stops all sessions and shuts the registry down.
func (r *Registry) Close() {
	r.StopAll()

	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return
	}
	r.closed = true
	r.closeMu.Unlock()

	close(r.cmds)
	<-r.loopDone
	r.bus.Close()
}
