package comms

import (
	"fmt"
	"time"

	"meeple/addr"
	"meeple/wire"
)

// Stream versions. Version 1 lacked the per-transport disabled-bits trailer;
// it is still readable. Anything newer than streamVersion fails the load.
const (
	streamVersion1 = 1
	streamVersion  = 2
)

const (
	flagIsServer  = 1 << 0
	flagHeartbeat = 1 << 1
	flagEverAll   = 1 << 2
)

// WriteToStream serializes the whole session, version-tagged. token is the
// host's opaque save token: when the host later confirms the bytes reached
// stable storage by echoing it to SaveSucceeded, the durable cursors
// advance. Only the most recent token counts.
func (s *Session) WriteToStream(token uint16) []byte {
	s.saveToken = token
	s.hasSaveToken = true

	w := wire.NewWriter(128)
	w.U8(streamVersion)

	var flags uint8
	if s.isServer {
		flags |= flagIsServer
	}
	if s.cfg.Heartbeat {
		flags |= flagHeartbeat
	}
	if s.r.everAll {
		flags |= flagEverAll
	}
	w.U8(flags)
	s.addr.Write(w)
	w.U8(s.cfg.NPlayersHere<<4 | s.cfg.NPlayersTotal&0x0F)
	w.U32(s.connID)
	w.U16(s.nextChannelNo)
	w.U16(s.channelSeed)
	w.U16(s.resendBackoff)
	var nextResend uint32
	if !s.nextResend.IsZero() {
		nextResend = uint32(s.nextResend.Unix())
	}
	w.U32(nextResend)

	relayInUse := s.addr.Has(addr.KindRelay)
	if relayInUse {
		w.U8(s.r.hostID)
		w.CString(s.r.connName)
	}

	w.U8(uint8(s.queue.len()))
	w.U8(uint8(len(s.recs)))
	for _, rec := range s.recs {
		rec.addr.Write(w)
		w.U16(uint16(rec.nextSeq))
		w.U16(uint16(rec.recd))
		w.U16(uint16(rec.ackedTo))
		w.U16(rec.channel)
		if relayInUse {
			w.U8(rec.hostID)
		}
	}
	for _, elem := range s.queue.all() {
		w.U16(elem.channel)
		w.U32(elem.seq)
		w.U16(uint16(len(elem.frame)))
		w.Raw(elem.frame)
	}

	for _, k := range addr.Kinds() {
		pair := s.disabled[k]
		var b uint8
		if pair[0] {
			b |= 1
		}
		if pair[1] {
			b |= 2
		}
		w.U8(b)
	}

	out := make([]byte, w.Len())
	copy(out, w.Bytes())
	return out
}

// SaveSucceeded reports that the blob produced under token hit stable
// storage. The durable cursors advance only when token is the latest one
// handed to WriteToStream; anything else is a stale save and nothing moves.
func (s *Session) SaveSucceeded(token uint16) {
	if !s.hasSaveToken || token != s.saveToken {
		return
	}
	for _, rec := range s.recs {
		rec.saved = rec.recd
	}
	// Peers can now be told; the scheduled ACK walk handles it.
	s.AckAny()
}

func (s *Session) readFromStream(data []byte) error {
	r := wire.NewReader(data)
	version := r.U8()
	if version > streamVersion {
		return fmt.Errorf("comms: stream version %d newer than %d", version, streamVersion)
	}
	if version == 0 {
		return fmt.Errorf("comms: bad stream version 0")
	}

	flags := r.U8()
	s.isServer = flags&flagIsServer != 0
	s.cfg.Heartbeat = flags&flagHeartbeat != 0
	s.r.everAll = flags&flagEverAll != 0

	a, err := addr.Read(r)
	if err != nil {
		return err
	}
	s.addr = a

	counts := r.U8()
	s.cfg.NPlayersHere = counts >> 4
	s.cfg.NPlayersTotal = counts & 0x0F
	s.connID = r.U32()
	s.nextChannelNo = r.U16()
	s.channelSeed = r.U16()
	s.resendBackoff = r.U16()
	if nextResend := r.U32(); nextResend != 0 {
		s.nextResend = time.Unix(int64(nextResend), 0)
	} else {
		s.nextResend = time.Time{}
	}

	relayInUse := s.addr.Has(addr.KindRelay)
	if relayInUse {
		s.r.hostID = r.U8()
		s.r.connName = r.CString()
	}

	queueLen := int(r.U8())
	nRecs := int(r.U8())
	s.recs = nil
	for i := 0; i < nRecs; i++ {
		ra, err := addr.Read(r)
		if err != nil {
			return err
		}
		rec := &addressRecord{addr: ra}
		rec.nextSeq = uint32(r.U16())
		rec.recd = uint32(r.U16())
		rec.ackedTo = uint32(r.U16())
		rec.channel = r.U16()
		if relayInUse {
			rec.hostID = r.U8()
		}
		// The blob being loaded is by definition a durable save.
		rec.saved = rec.recd
		s.recs = append(s.recs, rec)
	}

	s.queue.clear()
	for i := 0; i < queueLen; i++ {
		channel := r.U16()
		seq := r.U32()
		n := int(r.U16())
		frame := r.Raw(n)
		if r.Err() != nil {
			break
		}
		s.queue.enqueue(&queueElem{
			channel: channel,
			seq:     seq,
			frame:   append([]byte(nil), frame...),
		})
	}

	if version >= streamVersion {
		for _, k := range addr.Kinds() {
			b := r.U8()
			s.disabled[k] = [2]bool{b&1 != 0, b&2 != 0}
		}
	}

	if err := r.Err(); err != nil {
		return fmt.Errorf("comms: stream decode: %w", err)
	}
	s.host.CountChanged(s.queue.len())
	return nil
}
