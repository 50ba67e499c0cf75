// Package ports answers whether a local TCP port can be bound, by probing a
// real listener. Availability is advisory only: the probe listener is released
// immediately, and the port is actually claimed later by the tunnel process.
// Two near-simultaneous checks for the same port can therefore both pass; the
// losing process surfaces a bind failure on its own output, which the
// classifier reports as ConnectionRefused.
package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// ErrNoPortAvailable is returned when the scan range is exhausted without
// finding a bindable port.
var ErrNoPortAvailable = errors.New("no available local port in scan range")

// DefaultScanLimit is how many ports FindFree probes beyond the start port.
const DefaultScanLimit = 1000

// Allocator probes local port availability.
type Allocator struct {
	// BindAddress is the address probed, defaulting to 127.0.0.1.
	BindAddress string

	// ScanLimit bounds the FindFree scan; zero means DefaultScanLimit.
	ScanLimit int

	// Probe checks whether host:port can be bound. It exists so tests can
	// avoid real network binds; nil means a live net.Listen probe.
	Probe func(host string, port int) bool
}

// NewAllocator returns an Allocator probing 127.0.0.1 with live binds.
func NewAllocator() *Allocator {
	return &Allocator{BindAddress: "127.0.0.1"}
}

func (a *Allocator) host() string {
	if a.BindAddress == "" {
		return "127.0.0.1"
	}
	return a.BindAddress
}

func (a *Allocator) probe(port int) bool {
	if a.Probe != nil {
		return a.Probe(a.host(), port)
	}
	return liveProbe(a.host(), port)
}

// Available reports whether port can currently be bound on the allocator's
// bind address. The result is never cached; availability is external state
// and time-varying.
func (a *Allocator) Available(port int) bool {
	if port <= 0 || port > 65535 {
		return false
	}
	return a.probe(port)
}

// FindFree scans upward from start for the first bindable port. The scan is
// bounded by ScanLimit; exhaustion returns ErrNoPortAvailable.
func (a *Allocator) FindFree(start int) (int, error) {
	if start <= 0 || start > 65535 {
		return 0, fmt.Errorf("invalid start port %d", start)
	}
	limit := a.ScanLimit
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	for port := start; port <= start+limit && port <= 65535; port++ {
		if a.probe(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("scanned %d-%d: %w", start, start+limit, ErrNoPortAvailable)
}

// liveProbe binds a throwaway listener and releases it straight away.
func liveProbe(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
