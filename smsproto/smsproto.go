// Package smsproto fragments game-message frames across transports with a
// small MTU and reassembles them on receipt. Oversized frames become
// numbered parts; several small whole frames headed to the same peer may be
// packed into one "combo" datagram. Outbound traffic is batched: a frame is
// held briefly in the hope of riding with others, then flushed.
//
// Unlike the rest of the core this package guards its tables with a mutex:
// radio and short-message drivers deliver from their own threads.
package smsproto

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meeple/wire"
)

const (
	// ProtoSplit marks a datagram holding one numbered part of a frame.
	ProtoSplit = 1
	// ProtoCombo marks a datagram packing several small whole frames.
	ProtoCombo = 2

	// partHeader is proto + msgID + index + count.
	partHeader = 4
	// comboEntryHeader is the per-frame len + msgID prefix inside a combo.
	comboEntryHeader = 2

	// snapshotFormat tags the persisted reassembly-state layout.
	snapshotFormat = 0
)

const (
	// DefaultMTU is the largest datagram the short-message transport takes.
	DefaultMTU = 115
	// DefaultMaxWait is how long an outbound frame may sit waiting for
	// companions before it is flushed regardless.
	DefaultMaxWait = 3 * time.Second
)

// Config parameterizes a Codec. Zero fields take the defaults above.
type Config struct {
	MTU     int
	MaxWait time.Duration
	Now     func() time.Time // test hook
}

type pendingOut struct {
	frame   []byte
	created time.Time
}

type partial struct {
	count   uint8
	have    int
	parts   [][]byte // indexed by part index; nil = missing
	touched time.Time
}

type partialKey struct {
	phone string
	msgID uint8
}

// Codec is the fragmentation/batching engine. Safe for concurrent use.
type Codec struct {
	mu        sync.Mutex
	capacity  int // usable binary bytes per datagram
	maxWait   time.Duration
	now       func() time.Time
	nextMsgID uint8
	out       map[string][]pendingOut
	in        map[partialKey]*partial
}

// New returns a Codec with cfg applied. Short messages travel as text, so
// only three quarters of the MTU survives the base64 trip as binary; the
// codec sizes datagrams to that capacity.
func New(cfg Config) *Codec {
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	capacity := cfg.MTU * 3 / 4
	if capacity <= partHeader {
		capacity = partHeader + 1
	}
	return &Codec{
		capacity: capacity,
		maxWait:  cfg.MaxWait,
		now:      cfg.Now,
		out:      map[string][]pendingOut{},
		in:       map[partialKey]*partial{},
	}
}

// Send queues frame for phone and returns any datagrams now ready to hand to
// the transport, plus how long the caller should wait before forcing a
// flush (zero when nothing is left pending). A nil frame with force set
// flushes whatever is pending for phone.
func (c *Codec) Send(phone string, frame []byte, force bool) ([][]byte, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if frame != nil {
		c.out[phone] = append(c.out[phone], pendingOut{frame: frame, created: now})
	}
	pending := c.out[phone]
	if len(pending) == 0 {
		return nil, 0
	}

	total := 0
	for _, p := range pending {
		total += len(p.frame)
	}
	oldest := now.Sub(pending[0].created)

	if !force && total < c.capacity && oldest < c.maxWait {
		return nil, c.maxWait - oldest
	}

	datagrams := c.packLocked(pending)
	delete(c.out, phone)
	slog.Debug("smsproto flush", "phone", phone, "frames", len(pending),
		"datagrams", len(datagrams))
	return datagrams, 0
}

// packLocked turns pending frames into wire datagrams: whole frames that fit
// are accumulated into combo datagrams, oversized frames are split into
// numbered parts.
func (c *Codec) packLocked(pending []pendingOut) [][]byte {
	var out [][]byte
	var combo *wire.Writer

	flushCombo := func() {
		if combo != nil && combo.Len() > 1 {
			out = append(out, combo.Bytes())
		}
		combo = nil
	}

	for _, p := range pending {
		entry := comboEntryHeader + len(p.frame)
		if len(p.frame) <= 0xFF && 1+entry <= c.capacity {
			if combo != nil && combo.Len()+entry > c.capacity {
				flushCombo()
			}
			if combo == nil {
				combo = wire.NewWriter(c.capacity)
				combo.U8(ProtoCombo)
			}
			combo.U8(uint8(len(p.frame)))
			combo.U8(c.takeMsgID())
			combo.Raw(p.frame)
			continue
		}
		flushCombo()
		out = append(out, c.splitLocked(p.frame)...)
	}
	flushCombo()
	return out
}

func (c *Codec) takeMsgID() uint8 {
	c.nextMsgID++
	return c.nextMsgID
}

// splitLocked fragments one frame into numbered part datagrams.
func (c *Codec) splitLocked(frame []byte) [][]byte {
	chunk := c.capacity - partHeader
	count := (len(frame) + chunk - 1) / chunk
	msgID := c.takeMsgID()

	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		lo := i * chunk
		hi := lo + chunk
		if hi > len(frame) {
			hi = len(frame)
		}
		w := wire.NewWriter(partHeader + hi - lo)
		w.U8(ProtoSplit)
		w.U8(msgID)
		w.U8(uint8(i))
		w.U8(uint8(count))
		w.Raw(frame[lo:hi])
		out = append(out, w.Bytes())
	}
	return out
}

// Receive feeds one inbound datagram from phone and returns any frames that
// are now complete.
func (c *Codec) Receive(phone string, datagram []byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := wire.NewReader(datagram)
	switch proto := r.U8(); proto {
	case ProtoSplit:
		msgID := r.U8()
		index := r.U8()
		count := r.U8()
		body := r.Rest()
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("smsproto: part header: %w", err)
		}
		if count == 0 || index >= count {
			return nil, fmt.Errorf("smsproto: part %d of %d out of range", index, count)
		}
		return c.addPartLocked(phone, msgID, index, count, body), nil

	case ProtoCombo:
		var frames [][]byte
		for r.Remaining() > 0 {
			n := int(r.U8())
			r.U8() // msgID of a whole frame; no reassembly needed
			body := r.Raw(n)
			if r.Err() != nil {
				return nil, fmt.Errorf("smsproto: combo entry: %w", r.Err())
			}
			frames = append(frames, append([]byte(nil), body...))
		}
		return frames, nil

	default:
		return nil, fmt.Errorf("smsproto: unknown proto version %d", proto)
	}
}

func (c *Codec) addPartLocked(phone string, msgID, index, count uint8, body []byte) [][]byte {
	key := partialKey{phone: phone, msgID: msgID}
	p, ok := c.in[key]
	if !ok || p.count != count {
		p = &partial{count: count, parts: make([][]byte, count)}
		c.in[key] = p
	}
	if p.parts[index] == nil {
		p.parts[index] = append([]byte(nil), body...)
		p.have++
	}
	p.touched = c.now()

	if p.have < int(p.count) {
		return nil
	}
	delete(c.in, key)

	var frame []byte
	for _, part := range p.parts {
		frame = append(frame, part...)
	}
	return [][]byte{frame}
}

// PendingPartials returns how many reassembly buffers are in flight.
func (c *Codec) PendingPartials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.in)
}
