package relayd

import (
	"sync"
	"testing"

	"meeple/relay"
	"meeple/store"
)

// fakeSink collects frames delivered to one device.
type fakeSink struct {
	mu     sync.Mutex
	frames []*relay.Frame
}

func (s *fakeSink) sink(frame []byte) error {
	f, err := relay.Decode(frame)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) take() []*relay.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.frames
	s.frames = nil
	return out
}

func newMemStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func connectDevice(t *testing.T, m *Manager, room string, total uint8, sink Sink) *Device {
	t.Helper()
	req := relay.Connect{Proto: relay.ProtoCurrent, Room: room, NHere: 1, NTotal: total}
	dev, err := m.HandleFrame(req.Encode(), sink, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return dev
}

// TestTwoDeviceConversation walks two devices through connect: responses,
// then AllHere to both once the room completes.
func TestTwoDeviceConversation(t *testing.T) {
	m := NewManager(nil, nil)
	var a, b fakeSink

	devA := connectDevice(t, m, "BONES", 2, a.sink)
	got := a.take()
	if len(got) != 1 || got[0].Op != relay.OpConnectResp {
		t.Fatalf("first device got %v", got)
	}
	if got[0].Resp.HostID != 1 || got[0].Resp.NHere != 1 || got[0].Resp.NSought != 2 {
		t.Errorf("resp = %+v", got[0].Resp)
	}
	cookie := got[0].Resp.CookieID
	if devA.HostID() != 1 {
		t.Errorf("hostID = %d", devA.HostID())
	}

	devB := connectDevice(t, m, "BONES", 2, b.sink)
	gotB := b.take()
	if len(gotB) != 2 || gotB[0].Op != relay.OpConnectResp || gotB[1].Op != relay.OpAllHere {
		t.Fatalf("second device got %v", gotB)
	}
	if gotB[0].Resp.HostID != 2 || gotB[0].Resp.CookieID != cookie {
		t.Errorf("resp = %+v", gotB[0].Resp)
	}
	gotA := a.take()
	if len(gotA) != 1 || gotA[0].Op != relay.OpAllHere {
		t.Fatalf("first device missed AllHere: %v", gotA)
	}
	_ = devB

	rooms, devices := m.Stats()
	if rooms != 1 || devices != 2 {
		t.Errorf("stats = %d/%d", rooms, devices)
	}
}

// TestFrameSwitching verifies in-room messages reach the addressed device
// with the source filled in, and the sender gets an Ack.
func TestFrameSwitching(t *testing.T) {
	m := NewManager(nil, nil)
	var a, b fakeSink
	devA := connectDevice(t, m, "BONES", 2, a.sink)
	connectDevice(t, m, "BONES", 2, b.sink)
	cookie := a.frames[0].Resp.CookieID
	a.take()
	b.take()

	game := []byte("game-frame-bytes")
	msg := relay.Msg{CookieID: cookie, SrcID: 1, DestID: 2, Frame: game}
	if _, err := m.HandleFrame(msg.Encode(false), a.sink, devA); err != nil {
		t.Fatalf("forward: %v", err)
	}

	gotB := b.take()
	if len(gotB) != 1 || gotB[0].Op != relay.OpMsgFromRelay {
		t.Fatalf("dest got %v", gotB)
	}
	if gotB[0].Msg.SrcID != 1 || string(gotB[0].Msg.Frame) != string(game) {
		t.Errorf("forwarded = %+v", gotB[0].Msg)
	}
	gotA := a.take()
	if len(gotA) != 1 || gotA[0].Op != relay.OpAck {
		t.Errorf("sender got %v", gotA)
	}

	// A wrong cookie is dropped, not forwarded.
	bad := relay.Msg{CookieID: cookie + 1, SrcID: 1, DestID: 2, Frame: game}
	m.HandleFrame(bad.Encode(false), a.sink, devA)
	if got := b.take(); len(got) != 0 {
		t.Errorf("wrong-cookie frame forwarded: %v", got)
	}
}

// TestRoomFullDenied verifies the denial path and its terminal reason.
func TestRoomFullDenied(t *testing.T) {
	m := NewManager(nil, nil)
	var a, b, c fakeSink
	connectDevice(t, m, "BONES", 2, a.sink)
	connectDevice(t, m, "BONES", 2, b.sink)

	dev := connectDevice(t, m, "BONES", 2, c.sink)
	if dev != nil {
		t.Fatal("third device admitted to a two-device room")
	}
	got := c.take()
	if len(got) != 1 || got[0].Op != relay.OpConnectDenied || got[0].Reason != relay.ReasonRoomFull {
		t.Fatalf("denial = %v", got)
	}
}

// TestDisconnectNotifiesPeers verifies DisconnectOther fan-out and room
// cleanup.
func TestDisconnectNotifiesPeers(t *testing.T) {
	m := NewManager(nil, nil)
	var a, b fakeSink
	devA := connectDevice(t, m, "BONES", 2, a.sink)
	devB := connectDevice(t, m, "BONES", 2, b.sink)
	a.take()
	b.take()

	m.Disconnect(devA)
	gotB := b.take()
	if len(gotB) != 1 || gotB[0].Op != relay.OpDisconnectOther {
		t.Fatalf("peer got %v", gotB)
	}

	m.Disconnect(devB)
	if rooms, devices := m.Stats(); rooms != 0 || devices != 0 {
		t.Errorf("stats after empty = %d/%d", rooms, devices)
	}
}

// TestReconnectKeepsIdentity verifies a Reconnect reclaims its host
// identifier in the surviving room.
func TestReconnectKeepsIdentity(t *testing.T) {
	m := NewManager(nil, nil)
	var a, b fakeSink
	devA := connectDevice(t, m, "BONES", 2, a.sink)
	connectDevice(t, m, "BONES", 2, b.sink)
	a.take()
	b.take()

	m.Disconnect(devA)
	b.take()

	recon := relay.Reconnect{
		Connect:  relay.Connect{Proto: relay.ProtoCurrent, Room: "BONES", NHere: 1, NTotal: 2},
		HostID:   1,
		ConnName: "BONES",
	}
	dev, err := m.HandleFrame(recon.Encode(), a.sink, nil)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if dev.HostID() != 1 {
		t.Errorf("hostID = %d", dev.HostID())
	}
	got := a.take()
	if len(got) != 2 || got[0].Op != relay.OpReconnectResp || got[1].Op != relay.OpAllHere {
		t.Fatalf("reconnector got %v", got)
	}
}

// TestNoConnStoreAndForward verifies messages posted while the addressee is
// away are delivered when it joins.
func TestNoConnStoreAndForward(t *testing.T) {
	m := NewManager(newMemStore(t), nil)
	var a, b fakeSink

	connectDevice(t, m, "BONES", 2, a.sink)
	a.take()

	// Host 2 has not joined; a message for it goes to the backlog.
	post := relay.MsgNoConn{RelayID: "BONES/2", Frame: []byte("early-move")}
	if _, err := m.HandleFrame(post.Encode(false), a.sink, nil); err != nil {
		t.Fatalf("noconn post: %v", err)
	}

	connectDevice(t, m, "BONES", 2, b.sink)
	got := b.take()
	// ConnectResp, the stored NoConn delivery, and AllHere.
	if len(got) != 3 {
		t.Fatalf("joiner got %d frames: %v", len(got), got)
	}
	if got[1].Op != relay.OpMsgFromRelayNoConn || string(got[1].NoConn.Frame) != "early-move" {
		t.Errorf("stored delivery = %+v", got[1])
	}
}
