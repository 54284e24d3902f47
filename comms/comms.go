package comms

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"meeple/addr"
	"meeple/relay"
	"meeple/wire"
)

// withMarker controls emission of the optional marker/flags frame prefix.
// The receive path accepts frames either way.
const withMarker = true

// relayConv is the session's side of the relay conversation.
type relayConv struct {
	state     relay.State
	hostID    uint8  // our relay-assigned host identifier
	cookieID  uint16 // relay-assigned cookie for in-room message frames
	connName  string // relay-assigned permanent room name
	heartbeat uint16 // seconds, from ConnectResp; zero disables
	everAll   bool   // All-Connected reached at least once
}

// pendingMsg is a received message between "validated" and "host reported
// processed".
type pendingMsg struct {
	rec     *addressRecord
	seq     uint32
	initial bool
}

// Session is the root of the core: one per game, owned by the host.
type Session struct {
	host Host
	cfg  Config
	now  func() time.Time

	isServer      bool
	connID        uint32
	nextChannelNo uint16
	channelSeed   uint16
	addr          addr.Address

	recs  []*addressRecord
	queue msgQueue

	resendBackoff uint16    // seconds
	nextResend    time.Time // zero = no deadline

	// disabled[kind][0] gates send, [1] gates receive.
	disabled map[addr.Kind][2]bool

	r relayConv

	saveToken    uint16
	hasSaveToken bool

	inCallback bool
	pending    *pendingMsg
	started    bool
	destroyed  bool

	drops dropCounters
}

// New creates a blank session for a new game.
func New(host Host, cfg Config) *Session {
	s := &Session{
		host:     host,
		cfg:      cfg,
		isServer: cfg.IsServer,
		addr:     cfg.Addr,
		disabled: map[addr.Kind][2]bool{},
	}
	s.now = cfg.Now
	if s.now == nil {
		s.now = time.Now
	}
	if cfg.QueueSoftCap <= 0 {
		s.cfg.QueueSoftCap = defaultQueueSoftCap
	}
	s.channelSeed = cfg.ChannelSeed
	if s.isServer {
		s.connID = cfg.GameID
		if s.connID == 0 {
			s.connID = randU32()
		}
	}
	slog.Info("session created", "server", s.isServer, "seed", s.ChannelSeed(),
		"conn_id", s.connID)
	return s
}

// NewFromStream restores a session from a persisted blob. The host and the
// callback-relevant config (PhonesSame, Now, QueueSoftCap) come from cfg;
// everything the blob covers overrides it.
func NewFromStream(host Host, cfg Config, data []byte) (*Session, error) {
	s := New(host, cfg)
	if err := s.readFromStream(data); err != nil {
		return nil, err
	}
	slog.Info("session restored", "server", s.isServer, "conn_id", s.connID,
		"records", len(s.recs), "queued", s.queue.len())
	return s, nil
}

func randU32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("comms: entropy unavailable: %v", err))
	}
	return binary.BigEndian.Uint32(b[:])
}

// ChannelSeed returns the session's seed, minting one on first use.
func (s *Session) ChannelSeed() uint16 {
	for s.channelSeed&^wire.ChannelMask == 0 {
		var b [2]byte
		if _, err := rand.Read(b[:]); err != nil {
			panic(fmt.Sprintf("comms: entropy unavailable: %v", err))
		}
		s.channelSeed = binary.BigEndian.Uint16(b[:]) &^ wire.ChannelMask
	}
	return s.channelSeed
}

// Destroy tears the session down. No entry point is valid afterwards; the
// host must cancel any outstanding timers.
func (s *Session) Destroy() {
	s.destroyed = true
	s.started = false
	s.recs = nil
	s.queue.clear()
}

// Start begins transport activity: the relay conversation when the relay
// kind is enabled, and the resend timer.
func (s *Session) Start() {
	if s.destroyed || s.started {
		return
	}
	s.started = true
	if s.addr.Has(addr.KindRelay) && !s.sendDisabled(addr.KindRelay) {
		s.relayConnect()
	}
	s.armResendTimer()
}

// Stop ends transport activity without destroying state. A relay room is
// left politely.
func (s *Session) Stop() {
	if s.destroyed || !s.started {
		return
	}
	if s.r.state >= relay.StateConnected && s.r.state != relay.StateDenied {
		s.sendRelayControl(relay.EncodeReason(relay.OpDisconnect, relay.ReasonNone))
	}
	s.setRelayState(relay.StateUnconnected)
	s.started = false
}

// Reset wipes the channel table, queue, and connection identifier for a new
// game on the same session. The channel-number allocator is sticky: the
// highest number seen is preserved so a reconnected game never reissues one.
func (s *Session) Reset() {
	s.recs = nil
	s.queue.clear()
	s.connID = 0
	if s.isServer {
		s.connID = randU32()
	}
	s.resendBackoff = 0
	s.nextResend = time.Time{}
	s.r = relayConv{}
	s.pending = nil
	s.hasSaveToken = false
	s.host.CountChanged(0)
	slog.Info("session reset", "next_channel", s.nextChannelNo)
}

// SetConnID installs the connection identifier learned from game payload.
func (s *Session) SetConnID(id uint32) {
	s.connID = id
}

// ConnID returns the session-wide connection identifier; zero means no
// session yet.
func (s *Session) ConnID() uint32 { return s.connID }

// IsServer reports the session's current role.
func (s *Session) IsServer() bool { return s.isServer }

// Addr returns the session's top-level address.
func (s *Session) Addr() addr.Address { return s.addr }

// AugmentHostAddr merges newly learned endpoints into the top-level address.
func (s *Session) AugmentHostAddr(a *addr.Address) {
	s.addr.Augment(a)
}

// AddMQTTDevID installs the local pub/sub device identifier.
func (s *Session) AddMQTTDevID(devID string) {
	s.addr.Add(addr.KindMQTT)
	if s.addr.MQTT.DevID == "" {
		s.addr.MQTT.DevID = devID
	}
}

// DropHostAddr removes kind from the top-level address.
func (s *Session) DropHostAddr(kind addr.Kind) {
	s.addr.Remove(kind)
}

// SetAddrDisabled gates one direction of one transport kind.
func (s *Session) SetAddrDisabled(kind addr.Kind, forSend, disabled bool) {
	pair := s.disabled[kind]
	if forSend {
		pair[0] = disabled
	} else {
		pair[1] = disabled
	}
	s.disabled[kind] = pair
}

// GetAddrDisabled reports one direction's gate for kind.
func (s *Session) GetAddrDisabled(kind addr.Kind, forSend bool) bool {
	pair := s.disabled[kind]
	if forSend {
		return pair[0]
	}
	return pair[1]
}

func (s *Session) sendDisabled(kind addr.Kind) bool { return s.GetAddrDisabled(kind, true) }
func (s *Session) recvDisabled(kind addr.Kind) bool { return s.GetAddrDisabled(kind, false) }

// CanChat reports whether the queue has room for low-priority traffic.
func (s *Session) CanChat() bool {
	return s.queue.len() < s.cfg.QueueSoftCap
}

// CountPendingPackets returns the outbound queue length.
func (s *Session) CountPendingPackets() int { return s.queue.len() }

// IsConnected reports whether any channel has completed the initial
// exchange, or the relay conversation is live.
func (s *Session) IsConnected() bool {
	if s.r.state == relay.StateConnected || s.r.state == relay.StateReconnected ||
		s.r.state == relay.StateAllConnected {
		return true
	}
	return s.connID != 0 && len(s.recs) > 0
}

// FormatRelayID renders the room/host identifier used by the NoConn
// store-and-forward path.
func (s *Session) FormatRelayID() string {
	room := s.r.connName
	if room == "" {
		room = s.addr.Relay.Room
	}
	return fmt.Sprintf("%s/%d", room, s.r.hostID)
}

// TransportFailed notes that a transport kind failed outright. Queue
// elements stay resident for the resend path; for the relay this also tears
// the conversation down so Start or the reconnect timer can retry.
func (s *Session) TransportFailed(kind addr.Kind) {
	slog.Info("transport failed", "kind", kind.String())
	if kind == addr.KindRelay && s.r.state != relay.StateDenied {
		s.setRelayState(relay.StateUnconnected)
		s.host.SetTimer(TimerRelayReconnect, relayReconnectDelay)
	}
}

// Send frames payload on channel and queues it for reliable delivery,
// attempting immediate delivery on every enabled transport. It returns the
// byte count the best-succeeding transport accepted.
func (s *Session) Send(channel uint16, payload []byte) (int, error) {
	switch {
	case s.destroyed:
		return -1, ErrDestroyed
	case s.inCallback || s.pending != nil:
		return -1, ErrReentrantCall
	case len(payload) == 0:
		return -1, ErrEmptyPayload
	}

	rec := s.findRecord(nil, channel, false)
	var seq uint32
	if rec == nil {
		// Initial message: sequence 0 on the seed-only channel.
		channel = s.ChannelSeed()
		seq = 0
	} else {
		seq = rec.nextSeq
		rec.nextSeq++
	}

	elem := s.makeElem(rec, channel, seq, payload)
	elem = s.queue.enqueue(elem)
	s.host.CountChanged(s.queue.len())

	n := s.sendElem(elem, addr.KindNone)
	if n < 0 {
		return n, ErrSendFailed
	}
	return n, nil
}

// makeElem frames one payload. The cumulative ACK carries the durably saved
// cursor, which the record then notes as ACKed.
func (s *Session) makeElem(rec *addressRecord, channel uint16, seq uint32, payload []byte) *queueElem {
	var ack uint32
	if rec != nil {
		ack = rec.saved
		rec.ackedTo = rec.saved
	}
	frame := wire.BuildFrame(withMarker, s.isServer, s.connID, channel, seq, ack, payload)
	return &queueElem{channel: channel, seq: seq, frame: frame}
}

// sendElem attempts delivery on every enabled transport of the channel's
// address (or the top-level address before a record exists), optionally
// filtered to one kind. Returns bytes accepted by the best transport, or -1.
func (s *Session) sendElem(elem *queueElem, filter addr.Kind) int {
	dest := &s.addr
	var hostID uint8
	if rec := s.findRecord(nil, elem.channel, false); rec != nil && !rec.addr.Empty() {
		dest = &rec.addr
		hostID = rec.hostID
	}

	best := -1
	tag := fmt.Sprintf("%x:%d", elem.channel, elem.seq)
	for _, kind := range dest.EnabledKinds() {
		if filter != addr.KindNone && kind != filter {
			continue
		}
		if s.sendDisabled(kind) {
			continue
		}
		var n int
		if kind == addr.KindRelay {
			n = s.sendViaRelay(elem.frame, tag, hostID)
		} else {
			n = s.host.Send(elem.frame, tag, dest, kind, s.connID)
		}
		if n > best {
			best = n
		}
	}
	if best >= 0 {
		elem.sendCount++
	}
	return best
}

// ResendAll walks the queue head to tail and re-offers every element,
// optionally restricted to one transport kind. Unless forced, a pass runs
// at most once per backoff interval; each pass sets the backoff to
// 2*(backoff+1) seconds, and any valid receipt resets it. Returns the number of elements offered.
func (s *Session) ResendAll(filter addr.Kind, force bool) int {
	if s.destroyed {
		return 0
	}
	now := s.now()
	if !force && !s.nextResend.IsZero() && now.Before(s.nextResend) {
		return 0
	}

	sent := 0
	for _, elem := range s.queue.all() {
		if s.sendElem(elem, filter) >= 0 {
			sent++
		}
	}

	if !force {
		s.resendBackoff = 2 * (s.resendBackoff + 1)
		s.nextResend = now.Add(time.Duration(s.resendBackoff) * time.Second)
		s.armResendTimer()
	}
	if sent > 0 {
		slog.Debug("resend pass", "sent", sent, "backoff_s", s.resendBackoff)
	}
	return sent
}

func (s *Session) armResendTimer() {
	d := time.Duration(s.resendBackoff) * time.Second
	if d <= 0 {
		d = time.Second
	}
	s.host.SetTimer(TimerResend, d)
}

// resetBackoff runs on any valid receipt.
func (s *Session) resetBackoff() {
	s.resendBackoff = 0
	s.nextResend = time.Time{}
}

// AckAny sends a zero-payload frame on every channel whose peer has not yet
// been told about everything durably saved. Runs after every durable save.
func (s *Session) AckAny() {
	if s.destroyed {
		return
	}
	for _, rec := range s.recs {
		if rec.ackedTo >= rec.saved {
			continue
		}
		elem := s.makeElem(rec, rec.channel, 0, nil)
		// ACK-only frames are fire-and-forget: never queued, never resent.
		tag := fmt.Sprintf("%x:ack", rec.channel)
		for _, kind := range rec.addr.EnabledKinds() {
			if s.sendDisabled(kind) {
				continue
			}
			if kind == addr.KindRelay {
				s.sendViaRelay(elem.frame, tag, rec.hostID)
			} else {
				s.host.Send(elem.frame, tag, &rec.addr, kind, s.connID)
			}
		}
	}
}

// TimerFired is the host's wakeup entry point.
func (s *Session) TimerFired(kind TimerKind) {
	if s.destroyed || !s.started {
		return
	}
	switch kind {
	case TimerResend:
		s.ResendAll(addr.KindNone, false)
	case TimerRelayReconnect:
		if s.r.state == relay.StateUnconnected && s.addr.Has(addr.KindRelay) {
			s.relayConnect()
		}
	case TimerHeartbeat:
		if s.cfg.Heartbeat {
			s.sendHeartbeats()
		}
	}
}

// sendHeartbeats emits zero-payload frames on every channel, keeping idle
// conversations visible to transports that time out. Feature-gated; no
// delivery invariant depends on it.
func (s *Session) sendHeartbeats() {
	for _, rec := range s.recs {
		elem := s.makeElem(rec, rec.channel, 0, nil)
		tag := fmt.Sprintf("%x:hb", rec.channel)
		for _, kind := range rec.addr.EnabledKinds() {
			if !s.sendDisabled(kind) && kind != addr.KindRelay {
				s.host.Send(elem.frame, tag, &rec.addr, kind, s.connID)
			}
		}
	}
	if s.r.heartbeat > 0 {
		s.host.SetTimer(TimerHeartbeat, time.Duration(s.r.heartbeat)*time.Second)
	}
}
