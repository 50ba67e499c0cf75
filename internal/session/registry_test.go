package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fwdctl/internal/forwarding"
	"fwdctl/internal/ports"
	"fwdctl/internal/reporting"
)

// fakeHandle is a scriptable tunnel process.
type fakeHandle struct {
	pid  int
	emit forwarding.SignalFunc

	// ignoreTerm simulates a process that survives SIGTERM and only dies
	// on SIGKILL.
	ignoreTerm bool

	// ignoreAll simulates a process stuck in uninterruptible sleep: no
	// signal ever makes it exit.
	ignoreAll bool

	mu      sync.Mutex
	signals []os.Signal
	exited  bool
	done    chan struct{}
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	exited := h.exited
	h.mu.Unlock()
	if exited || h.ignoreAll {
		return nil
	}
	switch sig {
	case syscall.SIGTERM:
		if !h.ignoreTerm {
			h.exit(0)
		}
	case syscall.SIGKILL:
		h.exit(137)
	}
	return nil
}

func (h *fakeHandle) exit(code int) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	h.mu.Unlock()
	h.emit(forwarding.ExitSignal(code))
	close(h.done)
}

// line feeds one line of scripted process output through the classifier.
func (h *fakeHandle) line(s string) {
	h.emit(forwarding.Classify(s))
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

func (h *fakeHandle) received() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]os.Signal(nil), h.signals...)
}

// fakeDriver records spawns and hands back scriptable handles.
type fakeDriver struct {
	spawnErr   error
	ignoreTerm bool

	// stubbornName marks one spec whose handle ignores every signal.
	stubbornName string

	mu      sync.Mutex
	nextPID int
	spawned []forwarding.Spec
	handles map[string]*fakeHandle // keyed by spec name
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{nextPID: 1000, handles: make(map[string]*fakeHandle)}
}

func (d *fakeDriver) Spawn(ctx context.Context, spec forwarding.Spec, emit forwarding.SignalFunc) (forwarding.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.spawnErr != nil {
		return nil, d.spawnErr
	}
	d.nextPID++
	h := &fakeHandle{
		pid:        d.nextPID,
		emit:       emit,
		ignoreTerm: d.ignoreTerm,
		ignoreAll:  d.stubbornName != "" && spec.Name == d.stubbornName,
		done:       make(chan struct{}),
	}
	d.spawned = append(d.spawned, spec)
	d.handles[spec.Name] = h
	return h, nil
}

func (d *fakeDriver) spawnCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.spawned)
}

func (d *fakeDriver) handle(name string) *fakeHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[name]
}

// recorder collects published events and lets tests wait for a state.
type recorder struct {
	mu     sync.Mutex
	events []reporting.SessionEvent
	wake   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{wake: make(chan struct{}, 64)}
}

func (rec *recorder) handle(e reporting.SessionEvent) {
	rec.mu.Lock()
	rec.events = append(rec.events, e)
	rec.mu.Unlock()
	select {
	case rec.wake <- struct{}{}:
	default:
	}
}

func (rec *recorder) all() []reporting.SessionEvent {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]reporting.SessionEvent(nil), rec.events...)
}

func (rec *recorder) statesFor(id string) []reporting.SessionState {
	var out []reporting.SessionState
	for _, e := range rec.all() {
		if e.SessionID == id {
			out = append(out, e.NewState)
		}
	}
	return out
}

func (rec *recorder) waitFor(t *testing.T, id string, state reporting.SessionState) reporting.SessionEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, e := range rec.all() {
			if e.SessionID == id && e.NewState == state {
				return e
			}
		}
		select {
		case <-rec.wake:
		case <-deadline:
			t.Fatalf("timed out waiting for session %s to reach %s; saw %v", id, state, rec.statesFor(id))
		}
	}
}

func freeAllocator() *ports.Allocator {
	return &ports.Allocator{Probe: func(host string, port int) bool { return true }}
}

func newTestRegistry(t *testing.T, driver forwarding.Driver, opts Options) (*Registry, *recorder) {
	t.Helper()
	if opts.Allocator == nil {
		opts.Allocator = freeAllocator()
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = time.Second
	}
	if opts.StopGracePeriod == 0 {
		opts.StopGracePeriod = 50 * time.Millisecond
	}
	reg := NewRegistry(driver, opts)
	t.Cleanup(reg.Close)

	rec := newRecorder()
	unsub := reg.Subscribe(rec.handle)
	t.Cleanup(unsub)
	return reg, rec
}

func nginxSpec(local int) Spec {
	return Spec{
		Name:       fmt.Sprintf("nginx-%d", local),
		Target:     Target{PodName: "nginx-pod", Namespace: "default"},
		LocalPort:  local,
		RemotePort: 80,
	}
}

func TestStartReachesConnected(t *testing.T) {
	driver := newFakeDriver()
	reg, rec := newTestRegistry(t, driver, Options{})

	id, err := reg.Start(context.Background(), nginxSpec(8080))
	require.NoError(t, err)

	driver.handle("nginx-8080").line("Forwarding from 127.0.0.1:8080 -> 80")
	rec.waitFor(t, id, reporting.StateConnected)

	assert.Equal(t, []reporting.SessionState{
		reporting.StateValidating,
		reporting.StateConnecting,
		reporting.StateConnected,
	}, rec.statesFor(id))

	sessions := reg.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, reporting.StateConnected, sessions[0].State)
	assert.Equal(t, 8080, sessions[0].LocalPort)
	assert.False(t, sessions[0].StartedAt.IsZero())
}

func TestStartPortUnavailableIsSynchronous(t *testing.T) {
	driver := newFakeDriver()
	alloc := &ports.Allocator{Probe: func(host string, port int) bool { return port != 8080 }}
	reg, _ := newTestRegistry(t, driver, Options{Allocator: alloc})

	_, err := reg.Start(context.Background(), nginxSpec(8080))
	require.Error(t, err)

	var detail *reporting.ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, reporting.ErrKindPortUnavailable, detail.Kind)
	assert.Equal(t, 0, driver.spawnCount(), "no process may be spawned on pre-flight failure")
	assert.Empty(t, reg.List())
}

func TestStartRejectsPortHeldBySession(t *testing.T) {
	driver := newFakeDriver()
	reg, _ := newTestRegistry(t, driver, Options{})

	_, err := reg.Start(context.Background(), nginxSpec(8080))
	require.NoError(t, err)

	spec := nginxSpec(8080)
	spec.Name = "duplicate"
	_, err = reg.Start(context.Background(), spec)
	require.Error(t, err)

	var detail *reporting.ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, reporting.ErrKindPortUnavailable, detail.Kind)
	assert.Equal(t, 1, driver.spawnCount())
}

func TestAutoAllocateLocalPort(t *testing.T) {
	driver := newFakeDriver()
	alloc := &ports.Allocator{Probe: func(host string, port int) bool { return port >= 8082 }}
	reg, _ := newTestRegistry(t, driver, Options{Allocator: alloc, StartPort: 8080})

	spec := nginxSpec(0)
	id, err := reg.Start(context.Background(), spec)
	require.NoError(t, err)

	desc, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, 8082, desc.LocalPort)
}

func TestTwoSessionsAreIndependent(t *testing.T) {
	driver := newFakeDriver()
	reg, rec := newTestRegistry(t, driver, Options{})

	idA, err := reg.Start(context.Background(), nginxSpec(8080))
	require.NoError(t, err)
	idB, err := reg.Start(context.Background(), nginxSpec(8081))
	require.NoError(t, err)

	driver.handle("nginx-8080").line("Forwarding from 127.0.0.1:8080 -> 80")
	driver.handle("nginx-8081").line("Forwarding from 127.0.0.1:8081 -> 80")
	rec.waitFor(t, idA, reporting.StateConnected)
	rec.waitFor(t, idB, reporting.StateConnected)

	require.NoError(t, reg.Stop(idA))

	sessions := reg.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, idB, sessions[0].ID)
	assert.Equal(t, reporting.StateConnected, sessions[0].State)
}

func TestStopDuringConnecting(t *testing.T) {
	driver := newFakeDriver()
	reg, rec := newTestRegistry(t, driver, Options{ConnectTimeout: time.Minute})

	id, err := reg.Start(context.Background(), nginxSpec(8080))
	require.NoError(t, err)

	// No readiness signal ever arrives; stop must be honored regardless.
	require.NoError(t, reg.Stop(id))

	assert.Contains(t, driver.handle("nginx-8080").received(), os.Signal(syscall.SIGTERM))
	assert.Empty(t, reg.List())
	assert.Equal(t, []reporting.SessionState{
		reporting.StateValidating,
		reporting.StateConnecting,
		reporting.StateStopping,
		reporting.StateStopped,
	}, rec.statesFor(id))
}

func TestPermissionDeniedDuringConnecting(t *testing.T) {
	driver := newFakeDriver()
	reg, rec := newTestRegistry(t, driver, Options{})

	id, err := reg.Start(context.Background(), nginxSpec(8080))
	require.NoError(t, err)

	h := driver.handle("nginx-8080")
	h.line(`Error from server (Forbidden): pods "nginx-pod" is forbidden: User "dev" cannot create resource "pods/portforward"`)

	event := rec.waitFor(t, id, reporting.StateError)
	require.NotNil(t, event.Err)
	assert.Equal(t, reporting.ErrKindPermissionDenied, event.Err.Kind)

	// Exactly one Error notification.
	errorEvents := 0
	for _, e := range rec.all() {
		if e.SessionID == id && e.NewState == reporting.StateError {
			errorEvents++
		}
	}
	assert.Equal(t, 1, errorEvents)

	// The process is torn down and the session purged.
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process was not terminated after fatal signal")
	}
	assert.Empty(t, reg.List())
}

func TestFirstFatalSignalWins(t *testing.T) {
	driver := newFakeDriver()
	reg, rec := newTestRegistry(t, driver, Options{})

	id, err := reg.Start(context.Background(), nginxSpec(8080))
	require.NoError(t, err)

	h := driver.handle("nginx-8080")
	h.line(`Error from server (NotFound): pods "nginx-pod" not found`)
	rec.waitFor(t, id, reporting.StateError)

	before := len(rec.all())
	h.line("error: permission denied")
	h.line("connection refused")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, len(rec.all()), "signals after the first fatal one must be ignored")
}

func TestConnectingTimeout(t *testing.T) {
	driver := newFakeDriver()
	reg, rec := newTestRegistry(t, driver, Options{ConnectTimeout: 40 * time.Millisecond})

	id, err := reg.Start(context.Background(), nginxSpec(8080))
	require.NoError(t, err)

	event := rec.waitFor(t, id, reporting.StateError)
	require.NotNil(t, event.Err)
	assert.Equal(t, reporting.ErrKindConnectingTimeout, event.Err.Kind)

	h := driver.handle("nginx-8080")
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process was not terminated after connect timeout")
	}
	assert.Empty(t, reg.List())
}

func TestUnexpectedProcessExitWhileConnected(t *testing.T) {
	driver := newFakeDriver()
	reg, rec := newTestRegistry(t, driver, Options{})

	id, err := reg.Start(context.Background(), nginxSpec(8080))
	require.NoError(t, err)

	h := driver.handle("nginx-8080")
	h.line("Forwarding from 127.0.0.1:8080 -> 80")
	rec.waitFor(t, id, reporting.StateConnected)

	h.exit(1)

	event := rec.waitFor(t, id, reporting.StateError)
	require.NotNil(t, event.Err)
	assert.Equal(t, reporting.ErrKindUnknown, event.Err.Kind)
	assert.Contains(t, event.Err.Message, "exited unexpectedly")
	assert.Empty(t, reg.List())
}

func TestStopIsIdempotent(t *testing.T) {
	driver := newFakeDriver()
	reg, _ := newTestRegistry(t, driver, Options{})

	assert.NoError(t, reg.Stop("no-such-session"))

	id, err := reg.Start(context.Background(), nginxSpec(8080))
	require.NoError(t, err)
	require.NoError(t, reg.Stop(id))
	assert.NoError(t, reg.Stop(id), "stopping an already-stopped session is a no-op")
}

func TestStopAllStopsEverySession(t *testing.T) {
	driver := newFakeDriver()
	reg, rec := newTestRegistry(t, driver, Options{})

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := reg.Start(context.Background(), nginxSpec(8080+i))
		require.NoError(t, err)
		ids = append(ids, id)
		driver.handle(fmt.Sprintf("nginx-%d", 8080+i)).line(
			fmt.Sprintf("Forwarding from 127.0.0.1:%d -> 80", 8080+i))
	}
	for _, id := range ids {
		rec.waitFor(t, id, reporting.StateConnected)
	}

	reg.StopAll()

	assert.Empty(t, reg.List())
	for i := 0; i < 5; i++ {
		h := driver.handle(fmt.Sprintf("nginx-%d", 8080+i))
		assert.Contains(t, h.received(), os.Signal(syscall.SIGTERM))
		assert.NotContains(t, h.received(), os.Signal(syscall.SIGKILL),
			"cooperative process must not be SIGKILLed")
	}
}

func TestStopAllEscalatesStubbornProcess(t *testing.T) {
	driver := newFakeDriver()
	driver.ignoreTerm = true
	reg, _ := newTestRegistry(t, driver, Options{StopGracePeriod: 30 * time.Millisecond})

	var handles []*fakeHandle
	for i := 0; i < 3; i++ {
		_, err := reg.Start(context.Background(), nginxSpec(8080+i))
		require.NoError(t, err)
		handles = append(handles, driver.handle(fmt.Sprintf("nginx-%d", 8080+i)))
	}

	reg.StopAll()

	assert.Empty(t, reg.List())
	for _, h := range handles {
		got := h.received()
		assert.Contains(t, got, os.Signal(syscall.SIGTERM))
		assert.Contains(t, got, os.Signal(syscall.SIGKILL))
	}
}

func TestStopForcesEvictionWhenExitNeverConfirms(t *testing.T) {
	driver := newFakeDriver()
	driver.stubbornName = "nginx-8080"
	reg, rec := newTestRegistry(t, driver, Options{
		StopGracePeriod: 20 * time.Millisecond,
		StopFinalWait:   20 * time.Millisecond,
	})

	id, err := reg.Start(context.Background(), nginxSpec(8080))
	require.NoError(t, err)
	driver.handle("nginx-8080").line("Forwarding from 127.0.0.1:8080 -> 80")
	rec.waitFor(t, id, reporting.StateConnected)

	err = reg.Stop(id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not confirmed")

	// The session must be evicted despite the process never exiting.
	assert.Empty(t, reg.List())
	assert.Equal(t, []reporting.SessionState{
		reporting.StateValidating,
		reporting.StateConnecting,
		reporting.StateConnected,
		reporting.StateStopping,
		reporting.StateStopped,
	}, rec.statesFor(id))

	got := driver.handle("nginx-8080").received()
	assert.Contains(t, got, os.Signal(syscall.SIGTERM))
	assert.Contains(t, got, os.Signal(syscall.SIGKILL))
}

func TestStopAllIsolatesFailingStop(t *testing.T) {
	driver := newFakeDriver()
	driver.stubbornName = "nginx-8081"
	reg, rec := newTestRegistry(t, driver, Options{
		StopGracePeriod: 20 * time.Millisecond,
		StopFinalWait:   20 * time.Millisecond,
	})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := reg.Start(context.Background(), nginxSpec(8080+i))
		require.NoError(t, err)
		ids = append(ids, id)
		driver.handle(fmt.Sprintf("nginx-%d", 8080+i)).line(
			fmt.Sprintf("Forwarding from 127.0.0.1:%d -> 80", 8080+i))
	}
	for _, id := range ids {
		rec.waitFor(t, id, reporting.StateConnected)
	}

	reg.StopAll()

	// One stop failed, but every session is gone from the registry.
	assert.Empty(t, reg.List())

	// Cooperative processes stopped cleanly on SIGTERM.
	for _, name := range []string{"nginx-8080", "nginx-8082"} {
		h := driver.handle(name)
		assert.Contains(t, h.received(), os.Signal(syscall.SIGTERM))
		assert.False(t, h.Alive())
	}

	// The stubborn process survived SIGKILL yet its session still reached
	// Stopped and was evicted.
	stubborn := driver.handle("nginx-8081")
	assert.Contains(t, stubborn.received(), os.Signal(syscall.SIGKILL))
	assert.True(t, stubborn.Alive())
	for _, id := range ids {
		states := rec.statesFor(id)
		require.NotEmpty(t, states)
		assert.Equal(t, reporting.StateStopped, states[len(states)-1])
	}
}

func TestSpawnFailureIsSynchronous(t *testing.T) {
	driver := newFakeDriver()
	driver.spawnErr = fmt.Errorf("kubectl: %w", forwarding.ErrToolNotFound)
	reg, _ := newTestRegistry(t, driver, Options{})

	_, err := reg.Start(context.Background(), nginxSpec(8080))
	require.Error(t, err)

	var detail *reporting.ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, reporting.ErrKindToolNotFound, detail.Kind)
	assert.Empty(t, reg.List())
}

func TestStartValidation(t *testing.T) {
	driver := newFakeDriver()
	reg, _ := newTestRegistry(t, driver, Options{})

	_, err := reg.Start(context.Background(), Spec{RemotePort: 80})
	assert.Error(t, err, "missing pod name")

	_, err = reg.Start(context.Background(), Spec{Target: Target{PodName: "p"}})
	assert.Error(t, err, "missing remote port")

	assert.Equal(t, 0, driver.spawnCount())
}

func TestClosedRegistryRejectsStart(t *testing.T) {
	driver := newFakeDriver()
	reg := NewRegistry(driver, Options{Allocator: freeAllocator()})
	reg.Close()

	_, err := reg.Start(context.Background(), nginxSpec(8080))
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	driver := newFakeDriver()
	reg, _ := newTestRegistry(t, driver, Options{})

	rec := newRecorder()
	unsub := reg.Subscribe(rec.handle)

	id, err := reg.Start(context.Background(), nginxSpec(8080))
	require.NoError(t, err)
	rec.waitFor(t, id, reporting.StateConnecting)

	unsub()
	before := len(rec.all())
	driver.handle("nginx-8080").line("Forwarding from 127.0.0.1:8080 -> 80")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, len(rec.all()))
}
