package comms

import (
	"log/slog"

	"meeple/addr"
	"meeple/wire"
)

// addressRecord is the per-peer state: one per remote channel. The four
// cursors move only forward; saved never passes received.
type addressRecord struct {
	addr    addr.Address
	channel uint16 // number | seed
	nextSeq uint32 // next outbound sequence; first real message is 1
	recd    uint32 // last sequence received
	saved   uint32 // last sequence received and durably saved
	ackedTo uint32 // last received sequence we have ACKed to the peer
	hostID  uint8  // peer's relay host identifier, when relay is in use
}

// findRecord looks a record up by channel, optionally masking the low
// number bits so only the seed participates, with a secondary match by
// transport-specific address equality when peer is supplied.
func (s *Session) findRecord(peer *addr.Address, channel uint16, maskChannel bool) *addressRecord {
	mask := uint16(0xFFFF)
	if maskChannel {
		mask = ^uint16(wire.ChannelMask)
	}
	for _, rec := range s.recs {
		if rec.channel&mask == channel&mask {
			return rec
		}
		if peer == nil {
			continue
		}
		switch peer.Type() {
		case addr.KindRelay:
			if peer.Relay.Host == rec.addr.Relay.Host && peer.Relay.Port == rec.addr.Relay.Port {
				return rec
			}
		case addr.KindDirect:
			if peer.Direct == rec.addr.Direct {
				return rec
			}
		case addr.KindRadio:
			if peer.Radio.MAC == rec.addr.Radio.MAC {
				return rec
			}
		case addr.KindMQTT:
			if peer.MQTT.DevID != "" && peer.MQTT.DevID == rec.addr.MQTT.DevID {
				return rec
			}
		case addr.KindSMS:
			if s.phonesSame(peer.SMS.Phone, rec.addr.SMS.Phone) && peer.SMS.Port == rec.addr.SMS.Port {
				return rec
			}
		}
	}
	return nil
}

func (s *Session) phonesSame(a, b string) bool {
	if s.cfg.PhonesSame != nil {
		return s.cfg.PhonesSame(a, b)
	}
	return a == b
}

// rememberChannel appends a fresh record for a newly seen peer. Outbound
// sequences start at 1; 0 belongs to the initial exchange.
func (s *Session) rememberChannel(channel uint16, hostID uint8, peer *addr.Address) *addressRecord {
	rec := &addressRecord{channel: channel, hostID: hostID, nextSeq: 1}
	if peer != nil {
		rec.addr = *peer
	}
	s.recs = append(s.recs, rec)
	slog.Debug("channel remembered", "channel", channel, "host_id", hostID,
		"records", len(s.recs))
	return rec
}

// removeRecord splices rec out after the host finally rejects the initial
// message on its channel.
func (s *Session) removeRecord(rec *addressRecord) {
	for i, r := range s.recs {
		if r == rec {
			s.recs = append(s.recs[:i], s.recs[i+1:]...)
			s.queue.dropChannel(rec.channel)
			slog.Debug("channel removed", "channel", rec.channel)
			return
		}
	}
}

// augmentChannel merges newly learned endpoints into both the record's
// address and the session's top-level address. Present endpoints are never
// overwritten.
func (s *Session) augmentChannel(rec *addressRecord, peer *addr.Address, hostID uint8) {
	if hostID != 0 {
		rec.hostID = hostID
	}
	if peer == nil {
		return
	}
	if rec.addr.Augment(peer) {
		slog.Debug("channel address augmented", "channel", rec.channel,
			"kinds", len(rec.addr.EnabledKinds()))
	}
	s.addr.Augment(peer)
}
