package relay

import (
	"fmt"

	"meeple/wire"
)

// Connect is the room-entry request a device sends first.
type Connect struct {
	Proto       uint8
	ClientVers  uint16
	Room        string
	SeeksPublic bool
	MakePublic  bool
	NHere       uint8
	NTotal      uint8
	Seed        uint16
	Lang        uint8
	DevIDType   uint8  // zero = no device identifier follows
	DevID       string // present only when DevIDType != 0
	ClientIndex uint8
}

// Reconnect is Connect plus the identity assigned on the previous visit.
type Reconnect struct {
	Connect
	HostID   uint8
	ConnName string
}

// ConnectResp is the relay's answer to Connect or Reconnect.
type ConnectResp struct {
	HostID    uint8
	CookieID  uint16
	Heartbeat uint16 // seconds; zero disables
	NSought   uint8
	NHere     uint8
	ConnName  string
	DevID     string // echo of the request's DevID, possibly empty
}

// AllHere announces that every sought device is present.
type AllHere struct {
	SrcID    uint8
	ConnName string
}

// Msg carries one game-message frame between devices via the relay.
type Msg struct {
	CookieID uint16
	SrcID    uint8
	DestID   uint8
	Frame    []byte
}

// MsgNoConn is the store-and-forward variant used while the room
// conversation is down; the relay identifier names room and host.
type MsgNoConn struct {
	RelayID string
	Frame   []byte
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func (c *Connect) writeBody(w *wire.Writer) {
	w.U8(c.Proto)
	w.U16(c.ClientVers)
	w.CString(c.Room)
	w.U8(boolByte(c.SeeksPublic))
	w.U8(boolByte(c.MakePublic))
	w.U8(c.NHere)
	w.U8(c.NTotal)
	w.U16(c.Seed)
	w.U8(c.Lang)
	w.U8(c.DevIDType)
	if c.DevIDType != 0 {
		w.CString(c.DevID)
	}
	w.U8(c.ClientIndex)
}

func (c *Connect) readBody(r *wire.Reader) {
	c.Proto = r.U8()
	c.ClientVers = r.U16()
	c.Room = r.CString()
	c.SeeksPublic = r.U8() != 0
	c.MakePublic = r.U8() != 0
	c.NHere = r.U8()
	c.NTotal = r.U8()
	c.Seed = r.U16()
	c.Lang = r.U8()
	c.DevIDType = r.U8()
	if c.DevIDType != 0 {
		c.DevID = r.CString()
	}
	c.ClientIndex = r.U8()
}

// Encode renders the frame with its opcode prefix.
func (c *Connect) Encode() []byte {
	w := wire.NewWriter(32)
	w.U8(uint8(OpConnect))
	c.writeBody(w)
	return w.Bytes()
}

// Encode renders the frame with its opcode prefix.
func (c *Reconnect) Encode() []byte {
	w := wire.NewWriter(48)
	w.U8(uint8(OpReconnect))
	c.writeBody(w)
	w.U8(c.HostID)
	w.CString(c.ConnName)
	return w.Bytes()
}

// Encode renders the frame with its opcode prefix.
func (c *ConnectResp) Encode(reconnect bool) []byte {
	op := OpConnectResp
	if reconnect {
		op = OpReconnectResp
	}
	w := wire.NewWriter(32)
	w.U8(uint8(op))
	w.U8(c.HostID)
	w.U16(c.CookieID)
	w.U16(c.Heartbeat)
	w.U8(c.NSought)
	w.U8(c.NHere)
	w.CString(c.ConnName)
	w.CString(c.DevID)
	return w.Bytes()
}

// Encode renders the frame with its opcode prefix.
func (a *AllHere) Encode() []byte {
	w := wire.NewWriter(16)
	w.U8(uint8(OpAllHere))
	w.U8(a.SrcID)
	w.CString(a.ConnName)
	return w.Bytes()
}

// Encode renders the frame with its opcode prefix; from selects the
// device-to-relay or relay-to-device direction.
func (m *Msg) Encode(from bool) []byte {
	op := OpMsgToRelay
	if from {
		op = OpMsgFromRelay
	}
	w := wire.NewWriter(8 + len(m.Frame))
	w.U8(uint8(op))
	w.U16(m.CookieID)
	w.U8(m.SrcID)
	w.U8(m.DestID)
	w.Raw(m.Frame)
	return w.Bytes()
}

// Encode renders the frame with its opcode prefix; from selects direction.
func (m *MsgNoConn) Encode(from bool) []byte {
	op := OpMsgToRelayNoConn
	if from {
		op = OpMsgFromRelayNoConn
	}
	w := wire.NewWriter(8 + len(m.RelayID) + len(m.Frame))
	w.U8(uint8(op))
	w.CString(m.RelayID)
	w.Raw(m.Frame)
	return w.Bytes()
}

// EncodeAck renders an Ack frame for destID.
func EncodeAck(destID uint8) []byte {
	return []byte{uint8(OpAck), destID}
}

// EncodeReason renders one of the single-reason frames (DisconnectYou,
// DisconnectOther, ConnectDenied, Status).
func EncodeReason(op Op, reason Reason) []byte {
	return []byte{uint8(op), uint8(reason)}
}

// Frame is one decoded relay control frame. Exactly one of the pointer
// fields is set, selected by Op; Reason covers the single-byte frames and
// AckDest the Ack frame.
type Frame struct {
	Op      Op
	Connect *Connect
	Recon   *Reconnect
	Resp    *ConnectResp
	All     *AllHere
	Msg     *Msg
	NoConn  *MsgNoConn
	AckDest uint8
	Reason  Reason
}

// Decode parses one relay control frame.
func Decode(buf []byte) (*Frame, error) {
	r := wire.NewReader(buf)
	op := Op(r.U8())
	f := &Frame{Op: op}

	switch op {
	case OpConnect:
		c := &Connect{}
		c.readBody(r)
		f.Connect = c
	case OpReconnect:
		c := &Reconnect{}
		c.readBody(r)
		c.HostID = r.U8()
		c.ConnName = r.CString()
		f.Recon = c
	case OpConnectResp, OpReconnectResp:
		resp := &ConnectResp{}
		resp.HostID = r.U8()
		resp.CookieID = r.U16()
		resp.Heartbeat = r.U16()
		resp.NSought = r.U8()
		resp.NHere = r.U8()
		resp.ConnName = r.CString()
		resp.DevID = r.CString()
		f.Resp = resp
	case OpAllHere:
		a := &AllHere{}
		a.SrcID = r.U8()
		a.ConnName = r.CString()
		f.All = a
	case OpMsgToRelay, OpMsgFromRelay:
		m := &Msg{}
		m.CookieID = r.U16()
		m.SrcID = r.U8()
		m.DestID = r.U8()
		m.Frame = r.Rest()
		f.Msg = m
	case OpMsgToRelayNoConn, OpMsgFromRelayNoConn:
		m := &MsgNoConn{}
		m.RelayID = r.CString()
		m.Frame = r.Rest()
		f.NoConn = m
	case OpAck:
		f.AckDest = r.U8()
	case OpDisconnect:
		// no body
	case OpDisconnectYou, OpDisconnectOther, OpConnectDenied, OpStatus:
		f.Reason = Reason(r.U8())
	default:
		return nil, fmt.Errorf("relay: unknown opcode %d", uint8(op))
	}

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("relay: decode %s: %w", op, err)
	}
	return f, nil
}
