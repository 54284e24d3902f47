// Package addr implements the polymorphic multi-transport address. One
// address can simultaneously carry endpoints for several transport kinds;
// the set of enabled kinds is a bitmap and the per-kind endpoint records sit
// alongside it. The codec writes the bitmap followed by each enabled record
// in fixed kind-enumeration order.
package addr

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Kind identifies one transport.
type Kind uint8

const (
	KindNone Kind = iota
	KindRelay
	KindSMS
	KindRadio
	KindMQTT
	KindDirect

	kindCount
)

// String returns the short transport name used in logs.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRelay:
		return "relay"
	case KindSMS:
		return "sms"
	case KindRadio:
		return "radio"
	case KindMQTT:
		return "mqtt"
	case KindDirect:
		return "direct"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) bit() uint8 { return 1 << (uint8(k) - 1) }

// Kinds returns every real transport kind in enumeration order.
func Kinds() []Kind {
	return []Kind{KindRelay, KindSMS, KindRadio, KindMQTT, KindDirect}
}

// RelayEndpoint locates a peer via the central forwarding relay.
type RelayEndpoint struct {
	Room string // invite cookie / room name
	Host string // relay host
	Port uint16
}

// SMSEndpoint locates a peer via the short-message transport.
type SMSEndpoint struct {
	Phone string
	Port  uint16 // application port multiplexed over the phone number
}

// RadioEndpoint locates a peer on the low-power radio transport.
type RadioEndpoint struct {
	MAC  [6]byte
	Name string
}

// MQTTEndpoint locates a peer via the pub/sub broker.
type MQTTEndpoint struct {
	DevID string
}

// DirectEndpoint locates a peer for direct-IP dialing.
type DirectEndpoint struct {
	Host string
	Port uint16
}

// Address is the polymorphic address. The zero value is the empty address
// with no kinds enabled. Every endpoint record with meaningful content
// corresponds to an enabled kind; disabled kinds keep zero-value records.
type Address struct {
	kinds uint8

	Relay  RelayEndpoint
	SMS    SMSEndpoint
	Radio  RadioEndpoint
	MQTT   MQTTEndpoint
	Direct DirectEndpoint
}

// Has reports whether kind is enabled.
func (a *Address) Has(k Kind) bool {
	return k > KindNone && k < kindCount && a.kinds&k.bit() != 0
}

// Empty reports whether no kind is enabled.
func (a *Address) Empty() bool { return a.kinds == 0 }

// Type returns the first enabled kind, the "type" of the address.
func (a *Address) Type() Kind {
	for _, k := range Kinds() {
		if a.Has(k) {
			return k
		}
	}
	return KindNone
}

// Add enables kind, leaving its endpoint record as-is.
func (a *Address) Add(k Kind) {
	if k > KindNone && k < kindCount {
		a.kinds |= k.bit()
	}
}

// Remove disables kind and clears its endpoint record.
func (a *Address) Remove(k Kind) {
	if k <= KindNone || k >= kindCount {
		return
	}
	a.kinds &^= k.bit()
	switch k {
	case KindRelay:
		a.Relay = RelayEndpoint{}
	case KindSMS:
		a.SMS = SMSEndpoint{}
	case KindRadio:
		a.Radio = RadioEndpoint{}
	case KindMQTT:
		a.MQTT = MQTTEndpoint{}
	case KindDirect:
		a.Direct = DirectEndpoint{}
	}
}

// SetOnly disables every kind except k, enabling k.
func (a *Address) SetOnly(k Kind) {
	for _, other := range Kinds() {
		if other != k {
			a.Remove(other)
		}
	}
	a.Add(k)
}

// EnabledKinds returns the enabled kinds in enumeration order.
func (a *Address) EnabledKinds() []Kind {
	var out []Kind
	for _, k := range Kinds() {
		if a.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// endpointEqual reports whether the k-endpoint records of a and b hold the
// same bytes.
func endpointEqual(a, b *Address, k Kind) bool {
	switch k {
	case KindRelay:
		return a.Relay == b.Relay
	case KindSMS:
		return a.SMS == b.SMS
	case KindRadio:
		return a.Radio == b.Radio
	case KindMQTT:
		return a.MQTT == b.MQTT
	case KindDirect:
		return a.Direct == b.Direct
	}
	return false
}

func copyEndpoint(dst, src *Address, k Kind) {
	switch k {
	case KindRelay:
		dst.Relay = src.Relay
	case KindSMS:
		dst.SMS = src.SMS
	case KindRadio:
		dst.Radio = src.Radio
	case KindMQTT:
		dst.MQTT = src.MQTT
	case KindDirect:
		dst.Direct = src.Direct
	}
}

// Augment merges endpoints of src into a. Kinds a did not know are adopted;
// a present endpoint is never overwritten; a concrete difference is logged
// and kept as-is. Reports whether a changed.
func (a *Address) Augment(src *Address) bool {
	changed := false
	for _, k := range src.EnabledKinds() {
		if !a.Has(k) {
			a.Add(k)
			copyEndpoint(a, src, k)
			changed = true
			continue
		}
		if !endpointEqual(a, src, k) {
			slog.Info("address endpoint differs; keeping known value",
				"kind", k.String())
		}
	}
	return changed
}

// NewDeviceID mints a fresh pub/sub device identifier.
func NewDeviceID() string { return uuid.NewString() }
