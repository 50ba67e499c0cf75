package session

import (
	"fmt"
	"time"

	"fwdctl/internal/forwarding"
	"fwdctl/internal/reporting"
)

// Target is the remote endpoint a session tunnels to. It is immutable for
// the lifetime of the session.
type Target struct {
	PodName   string
	Namespace string
	Context   string
	Container string
}

func (t Target) String() string {
	ns := t.Namespace
	if ns == "" {
		ns = "default"
	}
	return fmt.Sprintf("%s/%s", ns, t.PodName)
}

// Spec is a start request for one port-forward session.
type Spec struct {
	// Name labels the session in events and logs; empty derives a label
	// from the target.
	Name string

	Target Target

	// LocalPort is the local port to bind; zero auto-allocates the next
	// free port from the registry's configured start port.
	LocalPort int

	RemotePort int

	// BindAddress overrides the registry's default local bind address.
	BindAddress string
}

// Validate checks the parts of a spec that can be rejected before any port
// probe or process spawn.
func (s Spec) Validate() error {
	if s.Target.PodName == "" {
		return fmt.Errorf("target pod name is required")
	}
	if s.RemotePort <= 0 || s.RemotePort > 65535 {
		return fmt.Errorf("invalid remote port %d", s.RemotePort)
	}
	if s.LocalPort < 0 || s.LocalPort > 65535 {
		return fmt.Errorf("invalid local port %d", s.LocalPort)
	}
	return nil
}

func (s Spec) label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Target.String()
}

// Descriptor is a read-only snapshot of one active session.
type Descriptor struct {
	ID         string
	Name       string
	Target     Target
	LocalPort  int
	RemotePort int
	State      reporting.SessionState
	StartedAt  time.Time
	LastSignal string
}

// session is the registry's internal record. It is mutated only from the
// registry's control loop.
type session struct {
	id          string
	name        string
	target      Target
	localPort   int
	remotePort  int
	bindAddress string

	state      reporting.SessionState
	startedAt  time.Time
	lastSignal forwarding.Signal
	errDetail  *reporting.ErrorDetail

	handle       forwarding.Handle
	connectTimer *time.Timer

	// removed is closed when the session leaves the registry.
	removed chan struct{}
}

func (s *session) descriptor() Descriptor {
	d := Descriptor{
		ID:         s.id,
		Name:       s.name,
		Target:     s.target,
		LocalPort:  s.localPort,
		RemotePort: s.remotePort,
		State:      s.state,
		StartedAt:  s.startedAt,
	}
	if s.lastSignal.Kind != forwarding.SignalUnclassified || s.lastSignal.Line != "" {
		d.LastSignal = s.lastSignal.String()
	}
	return d
}

func (s *session) stopConnectTimer() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}
