package smsproto

import (
	"bytes"
	"testing"
	"time"
)

// testClock is a controllable time source.
type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestCodec(t *testing.T) (*Codec, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1700000000, 0)}
	return New(Config{MTU: 115, Now: clock.Now}), clock
}

// TestSplitThreeParts verifies a 200-byte frame over a 115-octet transport
// becomes three numbered parts that reassemble exactly.
func TestSplitThreeParts(t *testing.T) {
	c, _ := newTestCodec(t)

	frame := make([]byte, 200)
	for i := range frame {
		frame[i] = byte(i)
	}

	datagrams, wait := c.Send("+15550123", frame, true)
	if wait != 0 {
		t.Errorf("wait = %v after forced flush", wait)
	}
	if len(datagrams) != 3 {
		t.Fatalf("datagrams = %d, want 3", len(datagrams))
	}
	for i, d := range datagrams {
		if d[0] != ProtoSplit {
			t.Errorf("part %d proto = %d", i, d[0])
		}
		if int(d[2]) != i {
			t.Errorf("part %d index = %d", i, d[2])
		}
		if d[3] != 3 {
			t.Errorf("part %d count = %d", i, d[3])
		}
	}

	// Deliver out of order; the frame completes on the last part.
	peer, _ := newTestCodec(t)
	for _, i := range []int{2, 0} {
		got, err := peer.Receive("+15550123", datagrams[i])
		if err != nil || got != nil {
			t.Fatalf("early completion: %v %v", got, err)
		}
	}
	got, err := peer.Receive("+15550123", datagrams[1])
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(got) != 1 || !bytes.Equal(got[0], frame) {
		t.Fatalf("reassembly mismatch: %d frames", len(got))
	}
}

// TestReassemblySurvivesRestart is the crash scenario: partial state is
// snapshotted, restored into a fresh codec, and the remaining part
// completes the frame.
func TestReassemblySurvivesRestart(t *testing.T) {
	c, _ := newTestCodec(t)
	frame := make([]byte, 200)
	for i := range frame {
		frame[i] = byte(255 - i%256)
	}
	datagrams, _ := c.Send("+15550123", frame, true)
	if len(datagrams) != 3 {
		t.Fatalf("datagrams = %d", len(datagrams))
	}

	peer, _ := newTestCodec(t)
	peer.Receive("+15550123", datagrams[0])
	peer.Receive("+15550123", datagrams[2])
	if peer.PendingPartials() != 1 {
		t.Fatalf("pending = %d", peer.PendingPartials())
	}

	snap := peer.Snapshot()

	restored, _ := newTestCodec(t)
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.PendingPartials() != 1 {
		t.Fatalf("restored pending = %d", restored.PendingPartials())
	}

	got, err := restored.Receive("+15550123", datagrams[1])
	if err != nil {
		t.Fatalf("Receive after restore: %v", err)
	}
	if len(got) != 1 || !bytes.Equal(got[0], frame) {
		t.Fatal("reassembly after restore mismatch")
	}
}

// TestComboPacksSmallFrames verifies several small frames share a datagram
// and unpack individually.
func TestComboPacksSmallFrames(t *testing.T) {
	c, _ := newTestCodec(t)

	a := []byte("short-a")
	b := []byte("short-b")
	if out, wait := c.Send("+15550123", a, false); out != nil || wait <= 0 {
		t.Fatalf("first frame flushed early: %v %v", out, wait)
	}
	datagrams, _ := c.Send("+15550123", b, true)
	if len(datagrams) != 1 {
		t.Fatalf("datagrams = %d, want 1 combo", len(datagrams))
	}
	if datagrams[0][0] != ProtoCombo {
		t.Fatalf("proto = %d", datagrams[0][0])
	}

	peer, _ := newTestCodec(t)
	got, err := peer.Receive("+15550123", datagrams[0])
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(got) != 2 || !bytes.Equal(got[0], a) || !bytes.Equal(got[1], b) {
		t.Fatalf("unpacked = %q", got)
	}
}

// TestBatchingFlushesOnAge verifies the max-wait clock forces a flush.
func TestBatchingFlushesOnAge(t *testing.T) {
	c, clock := newTestCodec(t)

	if out, wait := c.Send("+15550123", []byte("hello"), false); out != nil {
		t.Fatal("flushed immediately")
	} else if wait != DefaultMaxWait {
		t.Errorf("wait = %v", wait)
	}

	clock.advance(DefaultMaxWait)
	out, wait := c.Send("+15550123", nil, false)
	if len(out) != 1 || wait != 0 {
		t.Fatalf("age flush: %d datagrams, wait %v", len(out), wait)
	}
}

// TestBatchingFlushesOnSize verifies accumulating past the capacity flushes
// without waiting.
func TestBatchingFlushesOnSize(t *testing.T) {
	c, _ := newTestCodec(t)

	big := make([]byte, 60)
	if out, _ := c.Send("+15550123", big, false); out != nil {
		t.Fatal("flushed below capacity")
	}
	out, _ := c.Send("+15550123", big, false)
	if out == nil {
		t.Fatal("no flush once capacity exceeded")
	}
}

// TestReceiveGarbage verifies unknown versions and bad part headers error.
func TestReceiveGarbage(t *testing.T) {
	c, _ := newTestCodec(t)
	if _, err := c.Receive("+15550123", []byte{9, 9, 9}); err == nil {
		t.Error("unknown proto accepted")
	}
	if _, err := c.Receive("+15550123", []byte{ProtoSplit, 1, 5, 2, 0}); err == nil {
		t.Error("out-of-range part index accepted")
	}
}
