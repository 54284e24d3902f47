package comms

import (
	"log/slog"

	"meeple/addr"
	"meeple/relay"
	"meeple/wire"
)

// CheckIncoming validates one inbound wire payload received on kind from the
// given return address. When it returns a non-nil payload, a game message
// awaits the host: the host must process it and then call MsgProcessed
// before issuing any further receive or send. A nil payload means the bytes
// were consumed (control traffic, ACK-only frame) or silently dropped.
func (s *Session) CheckIncoming(data []byte, from *addr.Address, kind addr.Kind) []byte {
	if s.destroyed {
		return nil
	}
	if s.pending != nil {
		// A prior receive is still between validated and processed.
		slog.Error("re-entrant receive dropped", "kind", kind.String())
		return nil
	}
	if s.recvDisabled(kind) {
		s.drops.bump(DropTransportDisabled)
		return nil
	}

	if kind == addr.KindRelay {
		f, err := relay.Decode(data)
		if err != nil {
			slog.Debug("relay frame garbled", "err", err)
			s.drops.bump(DropRelayGarbled)
			return nil
		}
		inner, sender := s.handleRelayFrame(f)
		if inner == nil {
			return nil
		}
		// A game frame rode inside; fall through with the relay sender
		// noted on the return address.
		var relayFrom addr.Address
		if from != nil {
			relayFrom = *from
		}
		relayFrom.Add(addr.KindRelay)
		return s.checkGameFrame(inner, &relayFrom, sender)
	}
	return s.checkGameFrame(data, from, 0)
}

func (s *Session) checkGameFrame(data []byte, from *addr.Address, senderID uint8) []byte {
	h, payload, err := wire.ParseFrame(data)
	if err != nil {
		s.drops.bump(DropTooShort)
		return nil
	}

	// Role-bit consistency: two servers (or two clients) never talk.
	if h.HasFlags && h.Flags != 0 && h.FromServer() == s.isServer {
		slog.Debug("role bit mismatch", "flags", h.Flags, "server", s.isServer)
		s.drops.bump(DropRoleMismatch)
		return nil
	}

	// A client's channels all carry its own seed; a frame whose seed bits
	// disagree belongs to some other game.
	if !s.isServer && h.Channel != 0 && s.channelSeed != 0 &&
		wire.ChannelSeed(h.Channel) != wire.ChannelSeed(s.channelSeed) {
		slog.Debug("channel seed mismatch", "frame", h.Channel, "seed", s.channelSeed)
		s.drops.bump(DropChannelMismatch)
		return nil
	}

	if h.ConnID == 0 {
		return s.acceptInitial(h, payload, from, senderID)
	}
	return s.acceptInSession(h, payload, from, senderID)
}

// acceptInitial handles the very first message on a channel: from a client
// to the server, or the server's response to it.
func (s *Session) acceptInitial(h wire.Header, payload []byte, from *addr.Address, senderID uint8) []byte {
	if rec := s.findRecord(from, h.Channel, true); rec != nil {
		// Duplicate initial; absorb whatever new endpoints it rode in on.
		s.augmentChannel(rec, from, senderID)
		s.drops.bump(DropDuplicateInitial)
		return nil
	}
	if len(payload) == 0 {
		return nil
	}

	channel := h.Channel
	if s.isServer {
		if wire.ChannelNum(channel) == 0 {
			if s.nextChannelNo >= wire.ChannelMask {
				slog.Error("channel allocator exhausted", "next", s.nextChannelNo)
				return nil
			}
			s.nextChannelNo++
			channel |= s.nextChannelNo
		} else {
			// Peer arrived with a number (rebuilt game); never reuse it.
			if n := wire.ChannelNum(channel); n > s.nextChannelNo {
				s.nextChannelNo = n
			}
		}
	}

	rec := s.rememberChannel(channel, senderID, from)
	s.resetBackoff()
	s.pending = &pendingMsg{rec: rec, seq: h.Seq, initial: true}
	return payload
}

// acceptInSession handles messages once a connection identifier exists.
func (s *Session) acceptInSession(h wire.Header, payload []byte, from *addr.Address, senderID uint8) []byte {
	if s.connID != 0 && s.connID != h.ConnID {
		slog.Debug("wrong connection id", "got", h.ConnID, "want", s.connID)
		s.drops.bump(DropWrongConnID)
		return nil
	}

	rec := s.findRecord(nil, h.Channel, false)
	if rec == nil {
		if s.isServer {
			s.drops.bump(DropNoRecord)
			return nil
		}
		// First server reply: adopt the assigned channel number.
		rec = s.rememberChannel(h.Channel, senderID, from)
		if h.Seq > 0 {
			rec.recd = h.Seq - 1
		}
	}
	if s.connID == 0 {
		s.connID = h.ConnID
	}

	// The frame's cumulative ACK retires our delivered elements, including
	// the client's channel-0 initial, implicitly ACKed by any reply now
	// that a connection identifier exists.
	if removed := s.queue.drain(h.Channel, h.Ack, true); removed > 0 {
		s.host.CountChanged(s.queue.len())
	}
	s.augmentChannel(rec, from, senderID)
	s.resetBackoff()
	s.hasSaveToken = false // cursors have moved; any older save is stale

	switch {
	case len(payload) == 0:
		// ACK-only frame; nothing to deliver.
		return nil
	case h.Seq == rec.recd+1:
		s.pending = &pendingMsg{rec: rec, seq: h.Seq}
		return payload
	case h.Seq > rec.recd+1:
		// Gap: wait for the retransmission to fill it.
		s.drops.bump(DropSequenceGap)
		return nil
	default:
		s.drops.bump(DropSequenceDuplicate)
		return nil
	}
}

// MsgProcessed completes the receive begun by CheckIncoming. On success the
// received cursor advances; the durable cursor waits for the save-token
// handshake. A rejected initial message discards its freshly minted record.
func (s *Session) MsgProcessed(rejected bool) {
	p := s.pending
	if p == nil {
		return
	}
	s.pending = nil

	if rejected {
		if p.initial {
			s.removeRecord(p.rec)
		}
		return
	}
	if p.seq > p.rec.recd {
		p.rec.recd = p.seq
	}
}
