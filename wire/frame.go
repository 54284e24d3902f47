package wire

import "errors"

// Marker is the optional leading magic that announces a flags word follows.
const Marker = 0xBEEF

// FrameVersion is the protocol version carried in the low bits of the flags
// word when the marker prefix is emitted.
const FrameVersion = 1

const (
	// VersionBits masks the runtime version out of the flags word.
	VersionBits = 0x000F
	// ServerBit is set in the flags word when the sender holds the server role.
	ServerBit = 0x0010
)

// ChannelMask selects the per-game channel number out of a channel
// identifier; the remaining high bits are the device-chosen seed.
const ChannelMask = 0x000F

// ChannelNum returns the low channel-number bits of a channel identifier.
func ChannelNum(ch uint16) uint16 { return ch & ChannelMask }

// ChannelSeed returns the seed bits of a channel identifier.
func ChannelSeed(ch uint16) uint16 { return ch &^ ChannelMask }

// headerMin is connID + channel + seq + ack, the mandatory fixed header.
const headerMin = 4 + 2 + 4 + 4

// ErrFrameShort reports a frame below the fixed-header minimum.
var ErrFrameShort = errors.New("wire: frame below header minimum")

// Header is the decoded envelope of one game message.
type Header struct {
	HasFlags bool   // marker prefix was present
	Flags    uint16 // valid only when HasFlags
	ConnID   uint32 // zero on the very first message
	Channel  uint16 // channel number | seed
	Seq      uint32
	Ack      uint32 // highest sequence durably saved from the other side
}

// Version returns the runtime version carried in the flags word, or zero if
// the frame had no marker prefix.
func (h Header) Version() uint16 { return h.Flags & VersionBits }

// FromServer reports whether the sender claimed the server role. Only
// meaningful when HasFlags is true.
func (h Header) FromServer() bool { return h.Flags&ServerBit != 0 }

// BuildFrame assembles the wire form of one game message. When withMarker is
// set the optional marker/flags prefix is emitted; isServer feeds the role
// bit of the flags word.
func BuildFrame(withMarker, isServer bool, connID uint32, channel uint16, seq, ack uint32, payload []byte) []byte {
	w := NewWriter(2 + 2 + headerMin + len(payload))
	if withMarker {
		flags := uint16(FrameVersion)
		if isServer {
			flags |= ServerBit
		}
		w.U16(Marker)
		w.U16(flags)
	}
	w.U32(connID)
	w.U16(channel)
	w.U32(seq)
	w.U32(ack)
	w.Raw(payload)
	return w.Bytes()
}

// ParseFrame splits buf into header and payload. It probes for the marker
// prefix; when absent the leading bytes are interpreted as the connection
// identifier. Only the length check happens here; role, channel, and
// connection-identifier validation need session state and live with it.
func ParseFrame(buf []byte) (Header, []byte, error) {
	var h Header
	r := NewReader(buf)
	if r.Remaining() < headerMin {
		return h, nil, ErrFrameShort
	}

	marker := r.U16()
	if marker == Marker {
		h.HasFlags = true
		h.Flags = r.U16()
	} else {
		r.Rewind(2)
	}

	h.ConnID = r.U32()
	h.Channel = r.U16()
	h.Seq = r.U32()
	h.Ack = r.U32()
	payload := r.Rest()
	if err := r.Err(); err != nil {
		return Header{}, nil, ErrFrameShort
	}
	return h, payload, nil
}
