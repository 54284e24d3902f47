package comms

import (
	"log/slog"
	"time"

	"meeple/addr"
	"meeple/relay"
)

func (s *Session) setRelayState(st relay.State) {
	if st == s.r.state {
		return
	}
	slog.Info("relay state", "from", s.r.state.String(), "to", st.String())
	s.r.state = st
	s.callback(func() { s.host.RelayStatus(st) })
}

// callback runs fn with the re-entrancy guard up, then asserts the queue
// length is unchanged: host callbacks must not issue sends.
func (s *Session) callback(fn func()) {
	before := s.queue.len()
	s.inCallback = true
	fn()
	s.inCallback = false
	if after := s.queue.len(); after != before {
		slog.Error("host callback changed queue length", "before", before, "after", after)
	}
}

// relayConnect opens (or resumes) the room conversation.
func (s *Session) relayConnect() {
	if s.r.state == relay.StateDenied {
		// Terminal; recovery is explicit and user-driven.
		return
	}
	req := relay.Connect{
		Proto:      relay.ProtoCurrent,
		ClientVers: 1,
		Room:       s.addr.Relay.Room,
		NHere:      s.cfg.NPlayersHere,
		NTotal:     s.cfg.NPlayersTotal,
		Seed:       s.ChannelSeed(),
		Lang:       s.cfg.Lang,
	}
	if devID := s.addr.MQTT.DevID; devID != "" {
		req.DevIDType = 1
		req.DevID = devID
	}

	var frame []byte
	if s.r.connName != "" && s.r.hostID != 0 {
		frame = (&relay.Reconnect{Connect: req, HostID: s.r.hostID, ConnName: s.r.connName}).Encode()
	} else {
		frame = req.Encode()
	}
	if s.sendRelayControl(frame) {
		s.setRelayState(relay.StateConnectPending)
	} else {
		s.host.SetTimer(TimerRelayReconnect, relayReconnectDelay)
	}
}

func (s *Session) sendRelayControl(frame []byte) bool {
	n := s.host.Send(frame, "relay-ctrl", &s.addr, addr.KindRelay, s.connID)
	return n >= 0
}

// sendViaRelay wraps one game frame for relay forwarding. With the room
// conversation up the framed Msg goes through the normal transport; while
// it is down, and the transport layer can, the frame is posted
// store-and-forward instead.
func (s *Session) sendViaRelay(frame []byte, tag string, destID uint8) int {
	switch s.r.state {
	case relay.StateConnected, relay.StateReconnected, relay.StateAllConnected:
		m := relay.Msg{CookieID: s.r.cookieID, SrcID: s.r.hostID, DestID: destID}
		m.Frame = frame
		return s.host.Send(m.Encode(false), tag, &s.addr, addr.KindRelay, s.connID)
	default:
		if s.host.Flags()&HostFlagHasNoConn != 0 {
			m := relay.MsgNoConn{RelayID: s.FormatRelayID(), Frame: frame}
			if s.host.SendNoConn(m.Encode(false), tag, s.FormatRelayID()) {
				return len(frame)
			}
		}
		return -1
	}
}

// handleRelayFrame advances the conversation. When a game frame rode inside
// it is returned with the relay host identifier of its sender.
func (s *Session) handleRelayFrame(f *relay.Frame) ([]byte, uint8) {
	switch f.Op {
	case relay.OpConnectResp, relay.OpReconnectResp:
		s.onConnectResp(f.Resp, f.Op == relay.OpReconnectResp)

	case relay.OpAllHere:
		s.r.connName = f.All.ConnName
		s.setRelayState(relay.StateAllConnected)
		if !s.r.everAll {
			s.r.everAll = true
			room := s.r.connName
			s.callback(func() { s.host.RelayConnected(room, false, s.r.hostID, true, 0) })
		}

	case relay.OpDisconnectOther:
		// A peer dropped out of a complete room.
		if s.r.state == relay.StateAllConnected {
			s.setRelayState(relay.StateReconnected)
		}

	case relay.OpDisconnectYou:
		s.setRelayState(relay.StateUnconnected)
		s.host.SetTimer(TimerRelayReconnect, relayReconnectDelay)

	case relay.OpConnectDenied:
		reason := f.Reason
		s.setRelayState(relay.StateDenied)
		s.callback(func() { s.host.RelayError(reason) })

	case relay.OpStatus:
		reason := f.Reason
		s.callback(func() { s.host.RelayError(reason) })

	case relay.OpMsgFromRelay:
		return f.Msg.Frame, f.Msg.SrcID

	case relay.OpMsgFromRelayNoConn:
		return f.NoConn.Frame, 0

	case relay.OpAck:
		// Delivery receipt; informational.

	default:
		slog.Debug("unexpected relay op", "op", f.Op.String())
		s.drops.bump(DropRelayGarbled)
	}
	return nil, 0
}

func (s *Session) onConnectResp(resp *relay.ConnectResp, reconnect bool) {
	if s.r.state != relay.StateConnectPending {
		slog.Debug("connect-resp outside pending", "state", s.r.state.String())
	}
	s.r.hostID = resp.HostID
	s.r.cookieID = resp.CookieID
	s.r.heartbeat = resp.Heartbeat
	s.r.connName = resp.ConnName
	if resp.DevID != "" && s.addr.MQTT.DevID == "" {
		s.AddMQTTDevID(resp.DevID)
	}

	// The relay's host assignment is authoritative for role: host 1 serves.
	shouldServe := resp.HostID == relay.HostServer
	if shouldServe != s.isServer {
		slog.Info("relay flipped role", "server", shouldServe)
		s.isServer = shouldServe
		s.recs = nil
		s.queue.clear()
		s.host.CountChanged(0)
		s.callback(func() { s.host.RoleChange(shouldServe) })
	}

	if reconnect {
		s.setRelayState(relay.StateReconnected)
	} else {
		s.setRelayState(relay.StateConnected)
	}
	missing := int(resp.NSought) - int(resp.NHere)
	if missing < 0 {
		missing = 0
	}
	room := s.r.connName
	s.callback(func() {
		s.host.RelayConnected(room, reconnect, resp.HostID, false, missing)
	})

	// A fresh room conversation is a chance to move the backlog.
	s.ResendAll(addr.KindRelay, true)

	if s.cfg.Heartbeat && resp.Heartbeat > 0 {
		s.host.SetTimer(TimerHeartbeat, time.Duration(resp.Heartbeat)*time.Second)
	}
}

// RequestJoinViaHost drives the alternate request/response relay path: the
// host forwards the parameters to the relay's join API instead of the
// framed conversation.
func (s *Session) RequestJoinViaHost() {
	devID := s.addr.MQTT.DevID
	s.callback(func() {
		s.host.RequestJoin(devID, s.addr.Relay.Room, s.cfg.NPlayersHere,
			s.cfg.NPlayersTotal, s.ChannelSeed(), s.cfg.Lang)
	})
}
