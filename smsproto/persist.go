package smsproto

import (
	"fmt"

	"meeple/wire"
)

// Snapshot serializes the in-flight reassembly buffers so a partial delivery
// survives a restart. The outbound batch queue is deliberately not included;
// unsent frames remain on the session's message queue and will be resent.
func (c *Codec) Snapshot() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := wire.NewWriter(64)
	w.U8(snapshotFormat)
	w.U8(uint8(len(c.in)))
	for key, p := range c.in {
		w.CString(key.phone)
		w.U8(key.msgID)
		w.U8(p.count)
		w.U8(uint8(p.have))
		for i, part := range p.parts {
			if part == nil {
				continue
			}
			w.U8(uint8(i))
			w.Blob(part)
		}
	}
	out := make([]byte, w.Len())
	copy(out, w.Bytes())
	return out
}

// Restore replaces the reassembly state with a prior Snapshot.
func (c *Codec) Restore(data []byte) error {
	r := wire.NewReader(data)
	if format := r.U8(); format != snapshotFormat {
		return fmt.Errorf("smsproto: unknown snapshot format %d", format)
	}

	in := map[partialKey]*partial{}
	n := int(r.U8())
	for i := 0; i < n; i++ {
		key := partialKey{phone: r.CString(), msgID: r.U8()}
		count := r.U8()
		have := int(r.U8())
		if r.Err() != nil {
			break
		}
		if count == 0 || have > int(count) {
			return fmt.Errorf("smsproto: snapshot corrupt: %d/%d parts", have, count)
		}
		p := &partial{count: count, have: have, parts: make([][]byte, count)}
		for j := 0; j < have; j++ {
			idx := r.U8()
			body := r.Blob()
			if r.Err() != nil {
				break
			}
			if int(idx) >= int(count) {
				return fmt.Errorf("smsproto: snapshot part index %d out of range", idx)
			}
			p.parts[idx] = append([]byte(nil), body...)
		}
		in[key] = p
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("smsproto: snapshot decode: %w", err)
	}

	c.mu.Lock()
	c.in = in
	c.mu.Unlock()
	return nil
}
