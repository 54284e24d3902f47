// Package comms implements the reliable game-messaging core: per-channel
// sequence numbers with cumulative ACKs, an outbound queue with
// retransmission backoff, duplicate suppression, the multi-transport channel
// table, the relay conversation, and version-tagged persistence of all of
// it.
//
// The core is single-threaded cooperative: the host serializes every entry
// point, transports and storage are reached only through the injected Host,
// and time-driven work happens when the host calls back TimerFired.
package comms

import (
	"time"

	"meeple/addr"
	"meeple/relay"
)

// TimerKind names one of the core's host-scheduled wakeups.
type TimerKind uint8

const (
	// TimerResend paces queue retransmission.
	TimerResend TimerKind = iota + 1
	// TimerRelayReconnect retries the relay conversation after a disconnect.
	TimerRelayReconnect
	// TimerHeartbeat drives optional liveness pings.
	TimerHeartbeat
)

// Capability bits returned by Host.Flags.
const (
	// HostFlagHasNoConn means the transport layer can store-and-forward
	// relay messages while the room conversation is down.
	HostFlagHasNoConn uint32 = 1 << 0
)

// relayReconnectDelay is the fixed retry interval after losing the relay.
const relayReconnectDelay = 15 * time.Second

// Host is everything the core asks of its embedder. All callbacks run
// synchronously on the core's thread; none may re-enter the session except
// where noted.
type Host interface {
	// Send hands one wire payload to the transport layer for kind. It
	// returns the byte count accepted, negative on failure.
	Send(payload []byte, tag string, to *addr.Address, kind addr.Kind, gameID uint32) int

	// SendNoConn posts a store-and-forward relay message addressed by
	// relayID. Only called when Flags reports HostFlagHasNoConn.
	SendNoConn(payload []byte, tag string, relayID string) bool

	// Flags reports transport-layer capability bits.
	Flags() uint32

	// CountChanged is informational: the pending-queue length changed.
	CountChanged(queueLen int)

	// RelayStatus observes every relay conversational transition.
	RelayStatus(state relay.State)

	// RelayConnected fires on entry to Connected/Reconnected and again,
	// with allHere set, on first entry to All-Connected.
	RelayConnected(room string, reconnect bool, hostID uint8, allHere bool, missing int)

	// RelayError surfaces relay denials and status codes needing the user.
	RelayError(reason relay.Reason)

	// RoleChange reports that the relay assigned the opposite role. The
	// callback must not issue sends; the core enforces this.
	RoleChange(isServer bool)

	// RequestJoin is the alternate relay path over a request/response
	// channel instead of the framed conversation.
	RequestJoin(devID, room string, nHere, nTotal uint8, seed uint16, lang uint8)

	// SetTimer asks the host to call Session.TimerFired(kind) after d.
	// Re-arming replaces any earlier deadline for the same kind.
	SetTimer(kind TimerKind, d time.Duration)
}

// Config parameterizes a new Session.
type Config struct {
	// IsServer selects the server role: the channel-number allocator and
	// connection-identifier assignment live with the server.
	IsServer bool

	// Addr is the top-level address: the union of endpoints this session
	// can be reached at.
	Addr addr.Address

	// GameID becomes the connection identifier on a server-role session.
	// Zero means mint one.
	GameID uint32

	// ChannelSeed is the device-chosen seed in the high bits of every
	// channel identifier. Zero means mint one.
	ChannelSeed uint16

	// NPlayersHere and NPlayersTotal describe the local device's share of
	// the game, as announced to the relay.
	NPlayersHere  uint8
	NPlayersTotal uint8

	// Lang is the language code announced to the relay.
	Lang uint8

	// QueueSoftCap bounds CanChat; zero means the default of 64.
	QueueSoftCap int

	// Heartbeat enables periodic liveness pings on idle channels.
	Heartbeat bool

	// PhonesSame is the host's phone-number normalizing predicate used for
	// short-message address matching. Nil falls back to string equality.
	PhonesSame func(a, b string) bool

	// Now is a test hook; nil means time.Now.
	Now func() time.Time
}

const defaultQueueSoftCap = 64
