// Package nsp implements the End Communications Layer (NSP): logical link
// connection setup/teardown, the data and other-data subchannels with
// independent retransmit queues, and segment flow control, as described in
// spec.md §4.G. Grounded on nsp.py's NspHdr/msgmap packet family and
// Connection/Subchannel state machines, translated into the layout
// package's codec idiom the way ddcmp/packet.go does for DDCMP.
package nsp

import (
	"errors"

	"github.com/pkoning2/godecnet/layout"
)

// MSGFLG type/subtype nibbles, NSP spec table 6.
const (
	typeData = 0
	typeAck  = 1
	typeCtl  = 2

	subDataNormal    = 0
	subDataLinkSvc   = 1
	subDataInterrupt = 3

	subAckData  = 0
	subAckOther = 1
	subAckConn  = 2

	subCtlNop      = 0
	subCtlConnInit = 1
	subCtlConnConf = 2
	subCtlDiscInit = 3
	subCtlDiscConf = 4
	subCtlRCI      = 6 // retransmitted connect-init: same wire shape as CI
)

// Flow control options carried in the services field of CI/CC.
const (
	SvcNone = 0
	SvcSeg  = 1 // segment flow control
	SvcMsg  = 2 // message flow control
)

// NSP version codes carried in the info field of CI/CC.
const (
	VerPh3 = 0 // Phase 3 (NSP 3.2)
	VerPh2 = 1 // Phase 2 (NSP 3.1)
	VerPh4 = 2 // Phase 4 (NSP 4.0)
)

// Link service message field values.
const (
	FcNoChange = 0 // fcmod
	FcXoff     = 1
	FcXon      = 2

	FcDataReq = 0 // fcval_int: the credit applies to the data subchannel
	FcIntReq  = 1 // fcval_int: the credit is an interrupt allowance
)

// Disconnect/reject reason codes reserved to NSP itself; everything else
// belongs to Session Control and the application.
const (
	ReasonNoRes    = 1  // no resources
	ReasonDiscComp = 42 // disconnect complete, not an error
	ReasonNoLink   = 43 // no such link
)

// MSS is the maximum segment size this implementation advertises and
// enforces on outbound ConnInit/ConnConf, spec.md §4.G.
const MSS = 563

// Sequence numbers are 12 bits, mod 4096; at most half the space minus one
// may ever be in flight.
const (
	seqMod   = 4096
	seqMask  = seqMod - 1
	maxDelta = seqMod/2 - 1
)

// Seq is a 12-bit modular sequence number.
type Seq uint16

func (s Seq) next() Seq { return (s + 1) & seqMask }

// seqLE reports a <= b in the circular order, within half the space.
func seqLE(a, b Seq) bool {
	return (b-a)&seqMask <= maxDelta
}

// seqDiff returns (a-b) mod 4096 as a non-negative count.
func seqDiff(a, b Seq) int {
	return int((a - b) & seqMask)
}

var ErrShort = errors.New("nsp: packet too short")
var ErrBadMsgFlag = errors.New("nsp: unrecognized msgflg")
var ErrInvalidConnInit = errors.New("nsp: conninit with nonzero dstaddr")

// MsgFlag is the decoded first octet of every NSP message: type at bits
// 2..3, subtype at bits 4..6. Bit 4 doubles as int_ls (data messages only):
// clear selects a normal data segment, whose bits 5/6 are then BOM/EOM; set
// selects an other-data message, whose bit 5 then selects link-service (0)
// vs. interrupt (1). Bit 7 is reserved, always zero.
type MsgFlag struct {
	Type    int
	Subtype int
	IntLS   bool // bit 4: other-data (link-service/interrupt) vs. normal data
	BOM     bool // bit 5 when IntLS is false
	EOM     bool // bit 6 when IntLS is false
	Int     bool // bit 5 when IntLS is true: interrupt vs. link-service
}

func decodeMsgFlag(b byte) MsgFlag {
	return MsgFlag{
		Type:    int(layout.GetBits([]byte{b}, 2, 2)),
		Subtype: int(layout.GetBits([]byte{b}, 4, 3)),
		IntLS:   layout.GetBits([]byte{b}, 4, 1) != 0,
		BOM:     layout.GetBits([]byte{b}, 5, 1) != 0,
		EOM:     layout.GetBits([]byte{b}, 6, 1) != 0,
		Int:     layout.GetBits([]byte{b}, 5, 1) != 0,
	}
}

// encodeMsgFlag renders the msgflg octet for a control/ack message, or for a
// normal data segment with bom/eom set as given. Other-data messages
// (link-service, interrupt) encode their subtype's 3-bit value directly via
// sub and pass bom=eom=false.
func encodeMsgFlag(typ, sub int, bom, eom bool) byte {
	g := make([]byte, 1)
	layout.PutBits(g, 2, 2, uint64(typ))
	layout.PutBits(g, 4, 3, uint64(sub))
	if bom {
		layout.PutBits(g, 5, 1, 1)
	}
	if eom {
		layout.PutBits(g, 6, 1, 1)
	}
	return g[0]
}

// LinkAddr is a 16-bit connection identifier, unique within each endpoint's
// own id space (the get_id/ret_id pool in entity.go).
type LinkAddr uint16

// header is the common DstAddr/SrcAddr pair every NSP message after the
// msgflg carries.
type header struct {
	Dst LinkAddr
	Src LinkAddr
}

func decodeHeader(d *layout.Decoder) (header, error) {
	dst, err := d.Uint(2)
	if err != nil {
		return header{}, ErrShort
	}
	src, err := d.Uint(2)
	if err != nil {
		return header{}, ErrShort
	}
	return header{Dst: LinkAddr(dst), Src: LinkAddr(src)}, nil
}

func (h header) encode(e *layout.Encoder) {
	e.Uint(2, uint64(h.Dst))
	e.Uint(2, uint64(h.Src))
}

// AckField is one optional 16-bit ack number: bit 15 marks presence on the
// wire, bits 12-13 the QUAL code (bit 0: NAK rather than ACK, bit 1:
// cross-subchannel), bits 0-11 the sequence number. An absent field
// occupies no octets at all; the receiver recognizes absence by bit 15
// being clear in whatever follows.
type AckField struct {
	Present bool
	Nak     bool
	Num     Seq
}

// encodeAckField appends the field. cross is the QUAL cross-subchannel bit,
// fixed per field position rather than carried in the value.
func encodeAckField(e *layout.Encoder, a AckField, cross bool) {
	if !a.Present {
		return
	}
	v := uint64(a.Num&seqMask) | 0x8000
	if a.Nak {
		v |= 1 << 12
	}
	if cross {
		v |= 2 << 12
	}
	e.Uint(2, v)
}

// decodeAckField consumes an optional ack number if the next two octets
// carry one whose cross-subchannel bit matches; otherwise it consumes
// nothing and reports an absent field.
func decodeAckField(d *layout.Decoder, cross bool) AckField {
	rest := d.Rest()
	if len(rest) < 2 {
		return AckField{}
	}
	v := uint64(rest[0]) | uint64(rest[1])<<8
	if v&0x8000 == 0 {
		return AckField{}
	}
	qual := (v >> 12) & 3
	if cross != (qual&2 != 0) {
		return AckField{}
	}
	d.Bytes(2)
	return AckField{Present: true, Nak: qual&1 != 0, Num: Seq(v & seqMask)}
}

// AckData acknowledges the data subchannel: a mandatory this-subchannel ack
// plus an optional cross-subchannel (other-data) ack.
type AckData struct {
	header
	Ack AckField
	Oth AckField
}

func (a AckData) Encode() []byte {
	e := layout.NewEncoder(10)
	e.Byte(encodeMsgFlag(typeAck, subAckData, false, false))
	a.header.encode(e)
	encodeAckField(e, a.Ack, false)
	encodeAckField(e, a.Oth, true)
	return e.Final()
}

func decodeAckData(d *layout.Decoder) (AckData, error) {
	h, err := decodeHeader(d)
	if err != nil {
		return AckData{}, err
	}
	return AckData{header: h, Ack: decodeAckField(d, false), Oth: decodeAckField(d, true)}, nil
}

// AckOther is AckData's twin for the other-data subchannel.
type AckOther struct {
	header
	Ack AckField
	Oth AckField
}

func (a AckOther) Encode() []byte {
	e := layout.NewEncoder(10)
	e.Byte(encodeMsgFlag(typeAck, subAckOther, false, false))
	a.header.encode(e)
	encodeAckField(e, a.Ack, false)
	encodeAckField(e, a.Oth, true)
	return e.Final()
}

func decodeAckOther(d *layout.Decoder) (AckOther, error) {
	h, err := decodeHeader(d)
	if err != nil {
		return AckOther{}, err
	}
	return AckOther{header: h, Ack: decodeAckField(d, false), Oth: decodeAckField(d, true)}, nil
}

// AckConn acknowledges a ConnInit. Unlike every other NSP message it
// carries only dstaddr, no srcaddr: nsp.py's AckConn class has a one-field
// layout, and spec.md's scenario 3 confirms it with the literal 3-byte wire
// value `24 03 00`.
type AckConn struct {
	Dst LinkAddr
}

func (a AckConn) Encode() []byte {
	e := layout.NewEncoder(4)
	e.Byte(encodeMsgFlag(typeAck, subAckConn, false, false))
	e.Uint(2, uint64(a.Dst))
	return e.Final()
}

func decodeAckConn(d *layout.Decoder) (AckConn, error) {
	dst, err := d.Uint(2)
	if err != nil {
		return AckConn{}, ErrShort
	}
	return AckConn{Dst: LinkAddr(dst)}, nil
}

// DataSeg is a normal data-subchannel segment, optionally piggybacking acks
// for either subchannel ahead of its own sequence number.
type DataSeg struct {
	header
	Ack      AckField
	Oth      AckField
	BOM, EOM bool
	SegNum   Seq
	Payload  []byte
}

func (m DataSeg) Encode() []byte {
	e := layout.NewEncoder(16 + len(m.Payload))
	e.Byte(encodeMsgFlag(typeData, subDataNormal, m.BOM, m.EOM))
	m.header.encode(e)
	encodeAckField(e, m.Ack, false)
	encodeAckField(e, m.Oth, true)
	e.Uint(2, uint64(m.SegNum&seqMask))
	e.Bytes(m.Payload)
	return e.Final()
}

func decodeDataSeg(d *layout.Decoder, flag MsgFlag) (DataSeg, error) {
	h, err := decodeHeader(d)
	if err != nil {
		return DataSeg{}, err
	}
	ack := decodeAckField(d, false)
	oth := decodeAckField(d, true)
	seg, err := d.Uint(2)
	if err != nil {
		return DataSeg{}, ErrShort
	}
	return DataSeg{
		header: h, Ack: ack, Oth: oth,
		BOM: flag.BOM, EOM: flag.EOM,
		SegNum: Seq(seg & seqMask), Payload: append([]byte(nil), d.RestBytes()...),
	}, nil
}

// IntMsg is an interrupt message on the other-data subchannel.
type IntMsg struct {
	header
	Ack     AckField
	Oth     AckField
	SegNum  Seq
	Payload []byte
}

func (m IntMsg) Encode() []byte {
	e := layout.NewEncoder(16 + len(m.Payload))
	e.Byte(encodeMsgFlag(typeData, subDataInterrupt, false, false))
	m.header.encode(e)
	encodeAckField(e, m.Ack, false)
	encodeAckField(e, m.Oth, true)
	e.Uint(2, uint64(m.SegNum&seqMask))
	e.Bytes(m.Payload)
	return e.Final()
}

func decodeIntMsg(d *layout.Decoder) (IntMsg, error) {
	h, err := decodeHeader(d)
	if err != nil {
		return IntMsg{}, err
	}
	ack := decodeAckField(d, false)
	oth := decodeAckField(d, true)
	seg, err := d.Uint(2)
	if err != nil {
		return IntMsg{}, ErrShort
	}
	return IntMsg{
		header: h, Ack: ack, Oth: oth,
		SegNum: Seq(seg & seqMask), Payload: append([]byte(nil), d.RestBytes()...),
	}, nil
}

// LinkSvcMsg carries flow-control credit/state updates on the other-data
// subchannel: an on/off switch (fcmod), which credit pool the count applies
// to (fcval_int), and a signed credit adjustment (fcval).
type LinkSvcMsg struct {
	header
	Ack      AckField
	Oth      AckField
	SegNum   Seq
	FcMod    int
	FcValInt int
	FcVal    int8
}

func (m LinkSvcMsg) Encode() []byte {
	e := layout.NewEncoder(12)
	e.Byte(encodeMsgFlag(typeData, subDataLinkSvc, false, false))
	m.header.encode(e)
	encodeAckField(e, m.Ack, false)
	encodeAckField(e, m.Oth, true)
	e.Uint(2, uint64(m.SegNum&seqMask))
	fc := make([]byte, 1)
	layout.PutBits(fc, 0, 2, uint64(m.FcMod))
	layout.PutBits(fc, 2, 3, uint64(m.FcValInt))
	e.Bytes(fc)
	e.Byte(byte(m.FcVal))
	return e.Final()
}

func decodeLinkSvcMsg(d *layout.Decoder) (LinkSvcMsg, error) {
	h, err := decodeHeader(d)
	if err != nil {
		return LinkSvcMsg{}, err
	}
	ack := decodeAckField(d, false)
	oth := decodeAckField(d, true)
	seg, err := d.Uint(2)
	if err != nil {
		return LinkSvcMsg{}, ErrShort
	}
	fc, err := d.Bytes(1)
	if err != nil {
		return LinkSvcMsg{}, ErrShort
	}
	v, err := d.Byte()
	if err != nil {
		return LinkSvcMsg{}, ErrShort
	}
	return LinkSvcMsg{
		header: h, Ack: ack, Oth: oth, SegNum: Seq(seg & seqMask),
		FcMod:    int(layout.GetBits(fc, 0, 2)),
		FcValInt: int(layout.GetBits(fc, 2, 3)),
		FcVal:    int8(v),
	}, nil
}

// ConnInit is the logical-link connect-initiate message. Its dstaddr is
// always zero on the wire (the destination link isn't known yet); the
// payload is Session Control connect data, opaque to NSP.
type ConnInit struct {
	Src     LinkAddr
	FcOpt   int
	Info    byte
	SegSize uint16
	Payload []byte

	// Retransmit selects the RCI msgflg variant on encode and records which
	// variant decode saw.
	Retransmit bool
}

func (m ConnInit) Encode() []byte {
	sub := subCtlConnInit
	if m.Retransmit {
		sub = subCtlRCI
	}
	e := layout.NewEncoder(16 + len(m.Payload))
	e.Byte(encodeMsgFlag(typeCtl, sub, false, false))
	e.Uint(2, 0)
	e.Uint(2, uint64(m.Src))
	e.Bytes(encodeServices(m.FcOpt))
	e.Ext(1, uint64(m.Info))
	e.Uint(2, uint64(m.SegSize))
	e.Bytes(m.Payload)
	return e.Final()
}

// encodeServices packs the CI/CC services octet: a fixed 01 in the low two
// bits, the flow control option above it.
func encodeServices(fcopt int) []byte {
	g := make([]byte, 1)
	layout.PutBits(g, 0, 2, 1)
	layout.PutBits(g, 2, 2, uint64(fcopt))
	return g
}

func decodeConnInit(d *layout.Decoder, retransmit bool) (ConnInit, error) {
	dst, err := d.Uint(2)
	if err != nil {
		return ConnInit{}, ErrShort
	}
	if dst != 0 {
		// spec §4.G step 4: a ConnInit always originates with dstaddr zero;
		// a nonzero value is invalid and dropped the same as an
		// unrecognized message.
		return ConnInit{}, ErrInvalidConnInit
	}
	src, err := d.Uint(2)
	if err != nil {
		return ConnInit{}, ErrShort
	}
	svc, err := d.Bytes(1)
	if err != nil {
		return ConnInit{}, ErrShort
	}
	info, err := d.Ext(1)
	if err != nil {
		return ConnInit{}, ErrShort
	}
	segsize, err := d.Uint(2)
	if err != nil {
		return ConnInit{}, ErrShort
	}
	return ConnInit{
		Src:   LinkAddr(src),
		FcOpt: int(layout.GetBits(svc, 2, 2)), Info: byte(info),
		SegSize:    uint16(segsize),
		Payload:    append([]byte(nil), d.RestBytes()...),
		Retransmit: retransmit,
	}, nil
}

// ConnConf is the accept-connection reply; its accept data is an image
// field rather than a free payload.
type ConnConf struct {
	header
	FcOpt   int
	Info    byte
	SegSize uint16
	Data    []byte
}

func (m ConnConf) Encode() []byte {
	e := layout.NewEncoder(16 + len(m.Data))
	e.Byte(encodeMsgFlag(typeCtl, subCtlConnConf, false, false))
	m.header.encode(e)
	e.Bytes(encodeServices(m.FcOpt))
	e.Ext(1, uint64(m.Info))
	e.Uint(2, uint64(m.SegSize))
	e.Image(16, m.Data)
	return e.Final()
}

func decodeConnConf(d *layout.Decoder) (ConnConf, error) {
	h, err := decodeHeader(d)
	if err != nil {
		return ConnConf{}, err
	}
	svc, err := d.Bytes(1)
	if err != nil {
		return ConnConf{}, ErrShort
	}
	info, err := d.Ext(1)
	if err != nil {
		return ConnConf{}, ErrShort
	}
	segsize, err := d.Uint(2)
	if err != nil {
		return ConnConf{}, ErrShort
	}
	data, err := d.Image(16)
	if err != nil {
		return ConnConf{}, ErrShort
	}
	return ConnConf{
		header: h,
		FcOpt:  int(layout.GetBits(svc, 2, 2)), Info: byte(info),
		SegSize: uint16(segsize), Data: append([]byte(nil), data...),
	}, nil
}

// DiscInit is both the reject-connection and the disconnect message: which
// one it is follows from the Connection state it's sent/received in, not
// from a distinct wire encoding.
type DiscInit struct {
	header
	Reason uint16
	Data   []byte
}

func (m DiscInit) Encode() []byte {
	e := layout.NewEncoder(16 + len(m.Data))
	e.Byte(encodeMsgFlag(typeCtl, subCtlDiscInit, false, false))
	m.header.encode(e)
	e.Uint(2, uint64(m.Reason))
	e.Image(16, m.Data)
	return e.Final()
}

func decodeDiscInit(d *layout.Decoder) (DiscInit, error) {
	h, err := decodeHeader(d)
	if err != nil {
		return DiscInit{}, err
	}
	reason, err := d.Uint(2)
	if err != nil {
		return DiscInit{}, ErrShort
	}
	data, err := d.Image(16)
	if err != nil {
		return DiscInit{}, ErrShort
	}
	return DiscInit{header: h, Reason: uint16(reason), Data: append([]byte(nil), data...)}, nil
}

// DiscConf acknowledges a disconnect/reject with no text message. The
// reserved reasons NoRes, DiscComp, and NoLink are carried in this shape;
// any other reason (a Phase II peer using it as a disconnect, or
// NSP.RejectConnInit carrying a Session Control reject reason) is handled
// as a DiscInit by the receive dispatcher.
type DiscConf struct {
	header
	Reason uint16
}

func (m DiscConf) Encode() []byte {
	e := layout.NewEncoder(8)
	e.Byte(encodeMsgFlag(typeCtl, subCtlDiscConf, false, false))
	m.header.encode(e)
	e.Uint(2, uint64(m.Reason))
	return e.Final()
}

func decodeDiscConf(d *layout.Decoder) (DiscConf, error) {
	h, err := decodeHeader(d)
	if err != nil {
		return DiscConf{}, err
	}
	reason, err := d.Uint(2)
	if err != nil {
		return DiscConf{}, ErrShort
	}
	return DiscConf{header: h, Reason: uint16(reason)}, nil
}

// Message is the decoded union of every NSP packet type; exactly one field
// besides Flag is populated, selected by Flag.Type/Subtype/Int the way
// nsp.py's msgmap dispatches on the raw msgflg octet.
type Message struct {
	Flag     MsgFlag
	AckData  *AckData
	AckOther *AckOther
	AckConn  *AckConn
	Data     *DataSeg
	Int      *IntMsg
	LinkSvc  *LinkSvcMsg
	ConnInit *ConnInit
	ConnConf *ConnConf
	DiscInit *DiscInit
	DiscConf *DiscConf
}

// Decode classifies and decodes one NSP message, following nsp.py's msgmap
// keyed on the first octet's type/subtype/int bits.
func Decode(buf []byte) (Message, error) {
	if len(buf) < 1 {
		return Message{}, ErrShort
	}
	flag := decodeMsgFlag(buf[0])
	d := layout.NewDecoder(buf[1:])
	var m Message
	m.Flag = flag
	switch {
	case flag.Type == typeCtl && flag.Subtype == subCtlNop:
		// No fields: msgmap[NOP] carries no packet class in the original
		// either, so the caller sees a bare Message and drops it.
	case flag.Type == typeCtl && (flag.Subtype == subCtlConnInit || flag.Subtype == subCtlRCI):
		v, err := decodeConnInit(d, flag.Subtype == subCtlRCI)
		if err != nil {
			return Message{}, err
		}
		m.ConnInit = &v
	case flag.Type == typeCtl && flag.Subtype == subCtlConnConf:
		v, err := decodeConnConf(d)
		if err != nil {
			return Message{}, err
		}
		m.ConnConf = &v
	case flag.Type == typeCtl && flag.Subtype == subCtlDiscInit:
		v, err := decodeDiscInit(d)
		if err != nil {
			return Message{}, err
		}
		m.DiscInit = &v
	case flag.Type == typeCtl && flag.Subtype == subCtlDiscConf:
		v, err := decodeDiscConf(d)
		if err != nil {
			return Message{}, err
		}
		m.DiscConf = &v
	case flag.Type == typeAck && flag.Subtype == subAckData:
		v, err := decodeAckData(d)
		if err != nil {
			return Message{}, err
		}
		m.AckData = &v
	case flag.Type == typeAck && flag.Subtype == subAckOther:
		v, err := decodeAckOther(d)
		if err != nil {
			return Message{}, err
		}
		m.AckOther = &v
	case flag.Type == typeAck && flag.Subtype == subAckConn:
		v, err := decodeAckConn(d)
		if err != nil {
			return Message{}, err
		}
		m.AckConn = &v
	case flag.Type == typeData && !flag.IntLS:
		v, err := decodeDataSeg(d, flag)
		if err != nil {
			return Message{}, err
		}
		m.Data = &v
	case flag.Type == typeData && flag.IntLS && flag.Int:
		v, err := decodeIntMsg(d)
		if err != nil {
			return Message{}, err
		}
		m.Int = &v
	case flag.Type == typeData && flag.IntLS && !flag.Int:
		v, err := decodeLinkSvcMsg(d)
		if err != nil {
			return Message{}, err
		}
		m.LinkSvc = &v
	default:
		return Message{}, ErrBadMsgFlag
	}
	return m, nil
}
