package comms

import (
	"bytes"
	"log/slog"

	"meeple/wire"
)

// queueElem is one unacknowledged outbound payload. Elements are held in a
// contiguous slice in send order, so within a channel sequences ascend.
// Elements of different channels are not grouped: they interleave in the
// order they were sent.
type queueElem struct {
	channel   uint16
	seq       uint32
	frame     []byte
	sendCount int // diagnostics only
}

func (e *queueElem) same(o *queueElem) bool {
	return e.seq == o.seq && e.channel == o.channel &&
		len(e.frame) == len(o.frame) && bytes.Equal(e.frame, o.frame)
}

// msgQueue holds the not-yet-acknowledged outbound payloads.
type msgQueue struct {
	elems []*queueElem
}

// enqueue appends e. If the tail is byte-identical the incoming element is
// dropped and the existing one returned, making replayed sends idempotent.
func (q *msgQueue) enqueue(e *queueElem) *queueElem {
	if n := len(q.elems); n > 0 && q.elems[n-1].same(e) {
		return q.elems[n-1]
	}
	q.elems = append(q.elems, e)
	return e
}

// drain removes every element whose seed bits match channel's and whose
// sequence <= seq. Matching ignores the low number bits: a peer's seed is
// unique to it, and the client's channel-0 initial element must match the
// fully-assigned channel the server replies on. That initial element is
// removed only when dropInitial is set: a reply from the server is an
// implicit ACK of it once a connection identifier exists.
func (q *msgQueue) drain(channel uint16, seq uint32, dropInitial bool) int {
	kept := q.elems[:0]
	removed := 0
	for _, e := range q.elems {
		keep := true
		switch {
		case wire.ChannelSeed(e.channel) != wire.ChannelSeed(channel):
			// different peer; untouched
		case wire.ChannelNum(e.channel) == 0 && channel != 0:
			keep = !dropInitial
		case e.seq <= seq:
			keep = false
		}
		if keep {
			kept = append(kept, e)
		} else {
			removed++
		}
	}
	// Zero the tail so dropped frames are collectable.
	for i := len(kept); i < len(q.elems); i++ {
		q.elems[i] = nil
	}
	q.elems = kept
	if removed > 0 {
		slog.Debug("queue drained", "channel", channel, "through", seq,
			"removed", removed, "len", len(q.elems))
	}
	return removed
}

// dropChannel removes every element on channel regardless of sequence.
func (q *msgQueue) dropChannel(channel uint16) int {
	kept := q.elems[:0]
	removed := 0
	for _, e := range q.elems {
		if e.channel == channel {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.elems); i++ {
		q.elems[i] = nil
	}
	q.elems = kept
	return removed
}

// all returns the elements head to tail for a resend pass. The slice is the
// queue's own; callers must not mutate it.
func (q *msgQueue) all() []*queueElem { return q.elems }

func (q *msgQueue) len() int { return len(q.elems) }

func (q *msgQueue) clear() { q.elems = nil }
