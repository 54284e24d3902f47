// Package relayd implements the central forwarding relay: rooms keyed by
// invite cookie, host-identifier assignment, the server side of the relay
// conversation, frame switching between connected devices, and
// store-and-forward for devices that post while disconnected.
package relayd

import (
	"fmt"
	"log/slog"
	"sync"

	"meeple/relay"
	"meeple/store"
)

// Sink delivers one relay frame to a connected device. Implementations must
// be safe to call from any goroutine.
type Sink func(frame []byte) error

type device struct {
	hostID uint8
	seed   uint16
	sink   Sink
}

// Room is one game's rendezvous on the relay.
type Room struct {
	name     string
	cookieID uint16
	nTotal   uint8
	nextHost uint8
	devices  map[uint8]*device
	everAll  bool
}

func (r *Room) here() uint8 { return uint8(len(r.devices)) }

// Manager owns every room and the store-and-forward backlog.
type Manager struct {
	mu         sync.Mutex
	rooms      map[string]*Room
	nextCookie uint16
	store      *store.Store
	metrics    *Metrics
}

// NewManager returns a Manager persisting NoConn traffic to st. st may be
// nil, disabling store-and-forward.
func NewManager(st *store.Store, m *Metrics) *Manager {
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Manager{rooms: make(map[string]*Room), store: st, metrics: m}
}

// HandleFrame processes one frame from a device connection. sink is where
// replies and forwarded traffic for this device go; the returned device
// handle is non-nil once the device has joined a room and must be passed to
// Disconnect when the connection drops.
func (m *Manager) HandleFrame(data []byte, sink Sink, dev *Device) (*Device, error) {
	f, err := relay.Decode(data)
	if err != nil {
		m.metrics.garbled.Inc()
		return dev, fmt.Errorf("garbled frame: %w", err)
	}

	switch f.Op {
	case relay.OpConnect:
		return m.connect(f.Connect, 0, "", sink)
	case relay.OpReconnect:
		return m.connect(&f.Recon.Connect, f.Recon.HostID, f.Recon.ConnName, sink)
	case relay.OpMsgToRelay:
		m.forward(dev, f.Msg)
		return dev, nil
	case relay.OpMsgToRelayNoConn:
		m.storeNoConn(f.NoConn)
		return dev, nil
	case relay.OpDisconnect:
		m.Disconnect(dev)
		return nil, nil
	case relay.OpAck:
		return dev, nil
	default:
		m.metrics.garbled.Inc()
		return dev, fmt.Errorf("unexpected op %s from device", f.Op)
	}
}

// Device is the relay's handle on one live connection.
type Device struct {
	room   *Room
	hostID uint8
}

// HostID returns the relay host identifier assigned to this device.
func (d *Device) HostID() uint8 { return d.hostID }

// Room returns the room name this device joined.
func (d *Device) Room() string { return d.room.name }

func (m *Manager) connect(req *relay.Connect, wantHost uint8, connName string, sink Sink) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.Proto < relay.ProtoMinSupported || req.Proto > relay.ProtoCurrent {
		m.deny(sink, relay.ReasonBadProto)
		return nil, nil
	}

	name := req.Room
	if connName != "" {
		name = connName
	}
	room, ok := m.rooms[name]
	if !ok {
		if wantHost != 0 {
			// Reconnect to a room the relay no longer has: recreate it so
			// the game can regroup.
			slog.Info("recreating room for reconnect", "room", name, "host_id", wantHost)
		}
		m.nextCookie++
		room = &Room{
			name:     name,
			cookieID: m.nextCookie,
			nTotal:   req.NTotal,
			devices:  make(map[uint8]*device),
		}
		m.rooms[name] = room
		m.metrics.roomsActive.Inc()
	}

	if room.nTotal != 0 && req.NTotal != 0 && room.nTotal != req.NTotal {
		m.deny(sink, relay.ReasonCountsMismatch)
		return nil, nil
	}

	hostID := wantHost
	if hostID == 0 {
		if room.here() >= room.nTotal && room.nTotal != 0 {
			m.deny(sink, relay.ReasonRoomFull)
			return nil, nil
		}
		room.nextHost++
		hostID = room.nextHost
	} else if hostID > room.nextHost {
		room.nextHost = hostID
	}
	if _, taken := room.devices[hostID]; taken {
		m.deny(sink, relay.ReasonDuplicateHost)
		return nil, nil
	}

	room.devices[hostID] = &device{hostID: hostID, seed: req.Seed, sink: sink}
	m.metrics.devicesConnected.Inc()

	resp := relay.ConnectResp{
		HostID:   hostID,
		CookieID: room.cookieID,
		NSought:  room.nTotal,
		NHere:    room.here(),
		ConnName: room.name,
		DevID:    req.DevID,
	}
	m.send(sink, resp.Encode(wantHost != 0))
	slog.Info("device joined", "room", room.name, "host_id", hostID,
		"here", room.here(), "total", room.nTotal, "reconnect", wantHost != 0)

	dev := &Device{room: room, hostID: hostID}
	m.drainNoConnLocked(room, hostID, sink)

	if room.nTotal != 0 && room.here() == room.nTotal {
		all := relay.AllHere{SrcID: hostID, ConnName: room.name}
		frame := all.Encode()
		for _, d := range room.devices {
			m.send(d.sink, frame)
		}
		room.everAll = true
	}
	return dev, nil
}

func (m *Manager) deny(sink Sink, reason relay.Reason) {
	m.metrics.denials.WithLabelValues(reason.String()).Inc()
	m.send(sink, relay.EncodeReason(relay.OpConnectDenied, reason))
}

func (m *Manager) send(sink Sink, frame []byte) {
	if err := sink(frame); err != nil {
		slog.Debug("relay sink failed", "err", err)
	}
}

// forward switches one in-room message. DestID zero fans out to every other
// device.
func (m *Manager) forward(dev *Device, msg *relay.Msg) {
	if dev == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	room := dev.room
	if msg.CookieID != room.cookieID {
		slog.Debug("cookie mismatch", "room", room.name, "got", msg.CookieID)
		m.metrics.garbled.Inc()
		return
	}

	out := relay.Msg{CookieID: room.cookieID, SrcID: dev.hostID, DestID: msg.DestID, Frame: msg.Frame}
	frame := out.Encode(true)
	delivered := false
	for id, d := range room.devices {
		if id == dev.hostID {
			continue
		}
		if msg.DestID != 0 && id != msg.DestID {
			continue
		}
		m.send(d.sink, frame)
		delivered = true
		m.metrics.framesForwarded.Inc()
	}
	if delivered {
		if self, ok := room.devices[dev.hostID]; ok {
			m.send(self.sink, relay.EncodeAck(msg.DestID))
		}
	}
}

func (m *Manager) storeNoConn(msg *relay.MsgNoConn) {
	if m.store == nil {
		return
	}
	out := relay.MsgNoConn{RelayID: msg.RelayID, Frame: msg.Frame}
	if err := m.store.PushNoConn(msg.RelayID, out.Encode(true)); err != nil {
		slog.Error("store noconn failed", "relay_id", msg.RelayID, "err", err)
		return
	}
	m.metrics.noConnStored.Inc()
}

// drainNoConnLocked delivers stored messages addressed to room/hostID.
func (m *Manager) drainNoConnLocked(room *Room, hostID uint8, sink Sink) {
	if m.store == nil {
		return
	}
	relayID := fmt.Sprintf("%s/%d", room.name, hostID)
	msgs, err := m.store.DrainNoConn(relayID)
	if err != nil {
		slog.Error("drain noconn failed", "relay_id", relayID, "err", err)
		return
	}
	for _, frame := range msgs {
		m.send(sink, frame)
	}
}

// Disconnect removes a device; remaining peers learn via DisconnectOther.
// An emptied room is forgotten.
func (m *Manager) Disconnect(dev *Device) {
	if dev == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	room := dev.room
	if _, ok := room.devices[dev.hostID]; !ok {
		return
	}
	delete(room.devices, dev.hostID)
	m.metrics.devicesConnected.Dec()
	slog.Info("device left", "room", room.name, "host_id", dev.hostID,
		"remaining", room.here())

	frame := relay.EncodeReason(relay.OpDisconnectOther, relay.ReasonNone)
	for _, d := range room.devices {
		m.send(d.sink, frame)
	}

	if room.here() == 0 {
		delete(m.rooms, room.name)
		m.metrics.roomsActive.Dec()
	}
}

// Stats summarizes live state for the status endpoint.
func (m *Manager) Stats() (rooms, devices int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		devices += len(r.devices)
	}
	return len(m.rooms), devices
}
