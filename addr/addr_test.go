package addr

import (
	"strings"
	"testing"

	"meeple/wire"
)

func sampleAddress() Address {
	var a Address
	a.Add(KindRelay)
	a.Relay = RelayEndpoint{Room: "BONES", Host: "relay.example.net", Port: 10997}
	a.Add(KindSMS)
	a.SMS = SMSEndpoint{Phone: "+15550123", Port: 3}
	a.Add(KindDirect)
	a.Direct = DirectEndpoint{Host: "10.0.0.2", Port: 4433}
	return a
}

// TestTypeIsFirstEnabledKind verifies the "type of an address" rule.
func TestTypeIsFirstEnabledKind(t *testing.T) {
	a := sampleAddress()
	if got := a.Type(); got != KindRelay {
		t.Errorf("Type = %v, want relay", got)
	}
	a.Remove(KindRelay)
	if got := a.Type(); got != KindSMS {
		t.Errorf("Type after remove = %v, want sms", got)
	}

	var empty Address
	if got := empty.Type(); got != KindNone {
		t.Errorf("empty Type = %v", got)
	}
}

// TestRemoveClearsEndpoint verifies disabled kinds keep zero records.
func TestRemoveClearsEndpoint(t *testing.T) {
	a := sampleAddress()
	a.Remove(KindSMS)
	if a.Has(KindSMS) {
		t.Error("sms still enabled")
	}
	if a.SMS != (SMSEndpoint{}) {
		t.Errorf("sms endpoint not cleared: %+v", a.SMS)
	}
}

// TestSetOnly verifies every other kind is disabled.
func TestSetOnly(t *testing.T) {
	a := sampleAddress()
	a.SetOnly(KindDirect)
	if got := a.EnabledKinds(); len(got) != 1 || got[0] != KindDirect {
		t.Errorf("EnabledKinds = %v", got)
	}
	if a.Direct.Host != "10.0.0.2" {
		t.Error("surviving endpoint cleared")
	}
}

// TestCodecRoundTrip verifies Write/Read preserve every enabled record.
func TestCodecRoundTrip(t *testing.T) {
	a := sampleAddress()
	a.Add(KindMQTT)
	a.MQTT.DevID = NewDeviceID()
	a.Add(KindRadio)
	a.Radio = RadioEndpoint{MAC: [6]byte{1, 2, 3, 4, 5, 6}, Name: "board"}

	w := wire.NewWriter(0)
	a.Write(w)

	got, err := Read(wire.NewReader(w.Bytes()))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != a {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, a)
	}
}

// TestDecodeUnknownKind verifies version skew fails the load loudly.
func TestDecodeUnknownKind(t *testing.T) {
	w := wire.NewWriter(0)
	w.U8(0x80) // a kind bit this build does not know
	if _, err := Read(wire.NewReader(w.Bytes())); err == nil {
		t.Fatal("expected error for unknown transport kind")
	} else if !strings.Contains(err.Error(), "unknown transport") {
		t.Errorf("err = %v", err)
	}
}

// TestAugmentAdoptsNewKinds verifies merging adds what was missing and never
// overwrites a present endpoint.
func TestAugmentAdoptsNewKinds(t *testing.T) {
	var a Address
	a.Add(KindDirect)
	a.Direct = DirectEndpoint{Host: "10.0.0.2", Port: 4433}

	var src Address
	src.Add(KindDirect)
	src.Direct = DirectEndpoint{Host: "192.168.1.9", Port: 9} // differs; must not win
	src.Add(KindMQTT)
	src.MQTT.DevID = "dev-abc"

	if changed := a.Augment(&src); !changed {
		t.Error("Augment reported no change")
	}
	if !a.Has(KindMQTT) || a.MQTT.DevID != "dev-abc" {
		t.Errorf("mqtt not adopted: %+v", a.MQTT)
	}
	if a.Direct.Host != "10.0.0.2" || a.Direct.Port != 4433 {
		t.Errorf("present endpoint overwritten: %+v", a.Direct)
	}

	// A second pass with nothing new is a no-op.
	if changed := a.Augment(&src); changed {
		t.Error("second Augment reported change")
	}
}
