// Package relay defines the control vocabulary spoken between a device and
// the central forwarding relay: the conversational states a device moves
// through, the one-byte command opcodes, and the codecs for each command's
// fixed payload. Game-message frames ride opaquely inside the MsgToRelay
// family.
package relay

import "fmt"

// State is one conversational state of a device's life on the relay.
type State uint8

const (
	// StateUnconnected is the initial state, re-entered on disconnect.
	StateUnconnected State = iota
	// StateConnectPending follows a sent Connect or Reconnect.
	StateConnectPending
	// StateConnected follows a ConnectResp.
	StateConnected
	// StateReconnected follows a ReconnectResp, or a peer loss out of
	// StateAllConnected.
	StateReconnected
	// StateAllConnected means every sought peer is present.
	StateAllConnected
	// StateDenied is terminal; only an explicit session reset leaves it.
	StateDenied
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnectPending:
		return "connect-pending"
	case StateConnected:
		return "connected"
	case StateReconnected:
		return "reconnected"
	case StateAllConnected:
		return "all-connected"
	case StateDenied:
		return "denied"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Op is a one-byte relay command opcode.
type Op uint8

const (
	OpNone Op = iota
	OpConnect
	OpReconnect
	OpDisconnect
	OpConnectResp
	OpReconnectResp
	OpAllHere
	OpDisconnectYou
	OpDisconnectOther
	OpConnectDenied
	OpMsgToRelay
	OpMsgFromRelay
	OpMsgToRelayNoConn
	OpMsgFromRelayNoConn
	OpAck
	OpStatus
)

func (o Op) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpConnect:
		return "connect"
	case OpReconnect:
		return "reconnect"
	case OpDisconnect:
		return "disconnect"
	case OpConnectResp:
		return "connect-resp"
	case OpReconnectResp:
		return "reconnect-resp"
	case OpAllHere:
		return "all-here"
	case OpDisconnectYou:
		return "disconnect-you"
	case OpDisconnectOther:
		return "disconnect-other"
	case OpConnectDenied:
		return "connect-denied"
	case OpMsgToRelay:
		return "msg-to-relay"
	case OpMsgFromRelay:
		return "msg-from-relay"
	case OpMsgToRelayNoConn:
		return "msg-to-relay-noconn"
	case OpMsgFromRelayNoConn:
		return "msg-from-relay-noconn"
	case OpAck:
		return "ack"
	case OpStatus:
		return "status"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Reason is the one-byte code carried by DisconnectYou, DisconnectOther,
// ConnectDenied, and Status frames.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonRoomFull
	ReasonCountsMismatch
	ReasonBadProto
	ReasonNoRoom
	ReasonDuplicateHost
	ReasonHeartbeatLost
	ReasonRelayBusy
	ReasonShutdown
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRoomFull:
		return "room-full"
	case ReasonCountsMismatch:
		return "counts-mismatch"
	case ReasonBadProto:
		return "bad-proto"
	case ReasonNoRoom:
		return "no-room"
	case ReasonDuplicateHost:
		return "duplicate-host"
	case ReasonHeartbeatLost:
		return "heartbeat-lost"
	case ReasonRelayBusy:
		return "relay-busy"
	case ReasonShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Proto versions a device may announce in Connect.
const (
	ProtoMinSupported = 1
	ProtoCurrent      = 2
)

// HostServer is the host identifier the relay hands the server-role device.
const HostServer = 1
