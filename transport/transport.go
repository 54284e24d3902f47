// Package transport defines the driver interface the core's host wires its
// send callback to, and a mux that fans one send out to the driver for the
// requested kind. Drivers own sockets, brokers, and radios; the core never
// sees them.
package transport

import (
	"fmt"
	"log/slog"
	"sync"

	"meeple/addr"
)

// Driver moves opaque wire payloads for one transport kind.
type Driver interface {
	// Kind names the transport this driver serves.
	Kind() addr.Kind
	// Send delivers one payload toward to. It returns the byte count
	// accepted by the transport.
	Send(payload []byte, to *addr.Address, gameID uint32) (int, error)
	// Close releases the driver's resources.
	Close() error
}

// Mux holds one driver per kind and exposes the send fan-out shape the
// comms host callback needs. Safe for concurrent use.
type Mux struct {
	mu      sync.RWMutex
	drivers map[addr.Kind]Driver
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{drivers: make(map[addr.Kind]Driver)}
}

// Register installs d, replacing any prior driver for its kind.
func (m *Mux) Register(d Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.Kind()] = d
}

// Driver returns the driver for kind, or nil.
func (m *Mux) Driver(kind addr.Kind) Driver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.drivers[kind]
}

// Send routes one payload to the driver for kind. The return matches the
// core's host-send contract: bytes accepted, negative on failure.
func (m *Mux) Send(payload []byte, tag string, to *addr.Address, kind addr.Kind, gameID uint32) int {
	d := m.Driver(kind)
	if d == nil {
		slog.Debug("no driver for kind", "kind", kind.String(), "tag", tag)
		return -1
	}
	n, err := d.Send(payload, to, gameID)
	if err != nil {
		slog.Debug("driver send failed", "kind", kind.String(), "tag", tag, "err", err)
		return -1
	}
	return n
}

// Close shuts every driver down, returning the first error seen.
func (m *Mux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for kind, d := range m.drivers {
		if err := d.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s driver: %w", kind, err)
		}
		delete(m.drivers, kind)
	}
	return first
}
