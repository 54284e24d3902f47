package addr

import (
	"fmt"

	"meeple/wire"
)

// Write encodes a as the enabled-kinds bitmap followed by each enabled
// endpoint record in kind-enumeration order.
func (a *Address) Write(w *wire.Writer) {
	w.U8(a.kinds)
	for _, k := range Kinds() {
		if !a.Has(k) {
			continue
		}
		switch k {
		case KindRelay:
			w.CString(a.Relay.Room)
			w.CString(a.Relay.Host)
			w.U16(a.Relay.Port)
		case KindSMS:
			w.CString(a.SMS.Phone)
			w.U16(a.SMS.Port)
		case KindRadio:
			w.Raw(a.Radio.MAC[:])
			w.CString(a.Radio.Name)
		case KindMQTT:
			w.CString(a.MQTT.DevID)
		case KindDirect:
			w.CString(a.Direct.Host)
			w.U16(a.Direct.Port)
		}
	}
}

// Read decodes an address written by Write. An enabled bit outside the known
// kind enumeration is version skew and fails loudly: the caller is loading
// a stream written by a newer build.
func Read(r *wire.Reader) (Address, error) {
	var a Address
	bits := r.U8()
	known := uint8(0)
	for _, k := range Kinds() {
		known |= k.bit()
	}
	if unknown := bits &^ known; unknown != 0 {
		return Address{}, fmt.Errorf("addr: unknown transport kinds 0x%02x", unknown)
	}
	a.kinds = bits
	for _, k := range Kinds() {
		if !a.Has(k) {
			continue
		}
		switch k {
		case KindRelay:
			a.Relay.Room = r.CString()
			a.Relay.Host = r.CString()
			a.Relay.Port = r.U16()
		case KindSMS:
			a.SMS.Phone = r.CString()
			a.SMS.Port = r.U16()
		case KindRadio:
			copy(a.Radio.MAC[:], r.Raw(6))
			a.Radio.Name = r.CString()
		case KindMQTT:
			a.MQTT.DevID = r.CString()
		case KindDirect:
			a.Direct.Host = r.CString()
			a.Direct.Port = r.U16()
		}
	}
	if err := r.Err(); err != nil {
		return Address{}, fmt.Errorf("addr: decode: %w", err)
	}
	return a, nil
}
