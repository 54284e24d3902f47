package comms

import (
	"testing"
	"time"

	"meeple/addr"
	"meeple/relay"
)

// sentFrame is one payload the session handed to the fake transport layer.
type sentFrame struct {
	payload []byte
	tag     string
	kind    addr.Kind
}

// fakeHost records every callback. Its zero value accepts all sends.
type fakeHost struct {
	sent        []sentFrame
	noConn      [][]byte
	flags       uint32
	counts      []int
	states      []relay.State
	connected   []string
	relayErrors []relay.Reason
	roleChanges []bool
	joins       []string
	timers      map[TimerKind]time.Duration

	// failKinds makes Send report failure for the listed kinds.
	failKinds map[addr.Kind]bool
	// onRoleChange, when set, runs inside the RoleChange callback.
	onRoleChange func(isServer bool)
}

func (h *fakeHost) Send(payload []byte, tag string, _ *addr.Address, kind addr.Kind, _ uint32) int {
	if h.failKinds[kind] {
		return -1
	}
	cp := append([]byte(nil), payload...)
	h.sent = append(h.sent, sentFrame{payload: cp, tag: tag, kind: kind})
	return len(payload)
}

func (h *fakeHost) SendNoConn(payload []byte, _ string, _ string) bool {
	h.noConn = append(h.noConn, append([]byte(nil), payload...))
	return true
}

func (h *fakeHost) Flags() uint32 { return h.flags }

func (h *fakeHost) CountChanged(n int) { h.counts = append(h.counts, n) }

func (h *fakeHost) RelayStatus(s relay.State) { h.states = append(h.states, s) }

func (h *fakeHost) RelayConnected(room string, _ bool, _ uint8, allHere bool, _ int) {
	if allHere {
		room += "/all"
	}
	h.connected = append(h.connected, room)
}

func (h *fakeHost) RelayError(r relay.Reason) { h.relayErrors = append(h.relayErrors, r) }

func (h *fakeHost) RoleChange(isServer bool) {
	h.roleChanges = append(h.roleChanges, isServer)
	if h.onRoleChange != nil {
		h.onRoleChange(isServer)
	}
}

func (h *fakeHost) RequestJoin(_, room string, _, _ uint8, _ uint16, _ uint8) {
	h.joins = append(h.joins, room)
}

func (h *fakeHost) SetTimer(kind TimerKind, d time.Duration) {
	if h.timers == nil {
		h.timers = make(map[TimerKind]time.Duration)
	}
	h.timers[kind] = d
}

// takeSent pops everything sent so far.
func (h *fakeHost) takeSent() []sentFrame {
	out := h.sent
	h.sent = nil
	return out
}

// endpoint bundles a session with its fake host for loopback tests.
type endpoint struct {
	s    *Session
	host *fakeHost
}

func directAddr(hostname string, port uint16) addr.Address {
	var a addr.Address
	a.Add(addr.KindDirect)
	a.Direct = addr.DirectEndpoint{Host: hostname, Port: port}
	return a
}

// newPair returns a client and server wired for manual loopback delivery.
func newPair(t *testing.T) (client, server *endpoint) {
	t.Helper()
	ch := &fakeHost{}
	client = &endpoint{
		host: ch,
		s: New(ch, Config{
			Addr:        directAddr("10.0.0.2", 4433),
			ChannelSeed: 0xA1B0,
		}),
	}
	sh := &fakeHost{}
	server = &endpoint{
		host: sh,
		s: New(sh, Config{
			IsServer: true,
			GameID:   0x5EED5EED,
			Addr:     directAddr("10.0.0.1", 4433),
		}),
	}
	return client, server
}

// deliver feeds one captured frame into to's session; when a payload comes
// back it is processed successfully and returned.
func deliver(t *testing.T, to *endpoint, f sentFrame, from addr.Address) []byte {
	t.Helper()
	payload := to.s.CheckIncoming(f.payload, &from, f.kind)
	if payload != nil {
		to.s.MsgProcessed(false)
	}
	return payload
}

// connectPair runs the initial exchange: client "HELLO", server "ACK".
func connectPair(t *testing.T, client, server *endpoint) {
	t.Helper()
	if _, err := client.s.Send(0, []byte("HELLO")); err != nil {
		t.Fatalf("client initial send: %v", err)
	}
	sent := client.host.takeSent()
	if len(sent) != 1 {
		t.Fatalf("client sent %d frames", len(sent))
	}
	if got := deliver(t, server, sent[0], client.s.Addr()); string(got) != "HELLO" {
		t.Fatalf("server got %q", got)
	}

	if _, err := server.s.Send(0xA1B1, []byte("ACK")); err != nil {
		t.Fatalf("server reply: %v", err)
	}
	reply := server.host.takeSent()
	if len(reply) != 1 {
		t.Fatalf("server sent %d frames", len(reply))
	}
	if got := deliver(t, client, reply[0], server.s.Addr()); string(got) != "ACK" {
		t.Fatalf("client got %q", got)
	}
}
