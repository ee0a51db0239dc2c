package ddcmp

import (
	"errors"

	"github.com/pkoning2/godecnet/layout"
)

// Start-of-message byte codes, DDCMP spec section 4.
const (
	SOH = 0o201 // start of a numbered data message
	ENQ = 0o005 // start of a control message
	DLE = 0o220 // start of a maintenance message
	SYN = 0o226 // inter-message synchronization filler
	DEL = 0o377 // post-message pad
)

// Control message type codes.
const (
	CtlACK   = 1
	CtlNAK   = 2
	CtlREP   = 3
	CtlSTRT  = 6
	CtlSTACK = 7
)

// NAK reason codes, DDCMP spec table of NAK subtypes.
const (
	ReasonHCRC = 1
	ReasonCRC  = 2
	ReasonREP  = 3
	ReasonBUF  = 8
	ReasonOVER = 9
	ReasonSHRT = 16
	ReasonFMT  = 17
)

// HdrLen is the fixed octet length of every DDCMP header: the SOH/ENQ/DLE
// start byte, count-or-type/subtype, resp, num, addr (6 octets total), plus
// the 2-octet header CRC.
const HdrLen = 8

// ErrHdrCRC signals a DDCMP header that failed its CRC check.
var ErrHdrCRC = errors.New("ddcmp: header CRC error")

// ErrShort signals a buffer too short to contain a DDCMP header.
var ErrShort = errors.New("ddcmp: message too short")

// msgClass distinguishes the three DDCMP framing classes by the
// bit-map group that follows the start byte and the count/type field.
type msgClass int

const (
	classData msgClass = iota
	classControl
	classMaint
)

// Header is the decoded common part of a DDCMP message: the 6 octets
// preceding the header CRC, applicable to data, control, and maintenance
// messages alike (maintenance messages reuse the data layout with fixed
// resp/num of zero).
type Header struct {
	Start  byte // SOH, ENQ, or DLE
	Count  int  // data message byte count (data/maint only)
	Type   int  // control message type (control only)
	Sub    int  // control subtype (NAK reason); unused for data/maint
	QSync  bool
	Select bool
	Resp   byte
	Num    byte
	Addr   byte
}

// DecodeHeader parses the first HdrLen octets of buf as a DDCMP header,
// verifying the header CRC. The caller has already identified buf[0] as one
// of SOH/ENQ/DLE to get here (see the stream-framing loop, Circuit.run in circuit.go).
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HdrLen {
		return Header{}, ErrShort
	}
	if !crcGood(buf[:HdrLen]) {
		return Header{}, ErrHdrCRC
	}
	d := layout.NewDecoder(buf[:8])
	var h Header
	start, _ := d.Byte()
	h.Start = start
	switch start {
	case ENQ:
		typ, _ := d.Byte()
		h.Type = int(typ)
		group, _ := d.Bytes(1)
		h.Sub = int(layout.GetBits(group, 0, 6))
		h.QSync = layout.GetBits(group, 6, 1) != 0
		h.Select = layout.GetBits(group, 7, 1) != 0
	default: // SOH or DLE: data/maintenance framing
		group, _ := d.Bytes(2)
		h.Count = int(layout.GetBits(group, 0, 14))
		h.QSync = layout.GetBits(group, 14, 1) != 0
		h.Select = layout.GetBits(group, 15, 1) != 0
	}
	resp, _ := d.Byte()
	num, _ := d.Byte()
	addr, _ := d.Byte()
	h.Resp, h.Num, h.Addr = resp, num, addr
	return h, nil
}

// encodeHeader renders h's 8-octet body (everything preceding the header
// CRC) and appends the header CRC to make a full HdrLen-octet header.
func encodeHeader(h Header) []byte {
	e := layout.NewEncoder(HdrLen)
	e.Byte(h.Start)
	switch h.Start {
	case ENQ:
		e.Byte(byte(h.Type))
		group := make([]byte, 1)
		layout.PutBits(group, 0, 6, uint64(h.Sub))
		if h.QSync {
			layout.PutBits(group, 6, 1, 1)
		}
		if h.Select {
			layout.PutBits(group, 7, 1, 1)
		}
		e.Bytes(group)
	default:
		group := make([]byte, 2)
		layout.PutBits(group, 0, 14, uint64(h.Count))
		if h.QSync {
			layout.PutBits(group, 14, 1, 1)
		}
		if h.Select {
			layout.PutBits(group, 15, 1, 1)
		}
		e.Bytes(group)
	}
	e.Byte(h.Resp)
	e.Byte(h.Num)
	e.Byte(h.Addr)
	body := e.Final()
	crc := crcOf(body)
	cb := crc.bytes()
	return append(body, cb[0], cb[1])
}

// DataMessage is a numbered data (SOH) or maintenance (DLE) message: header
// plus payload plus data CRC.
type DataMessage struct {
	Maint   bool
	QSync   bool
	Select  bool
	Resp    byte
	Num     byte
	Payload []byte
}

// Encode renders m as a complete wire frame (header, payload, data CRC).
func (m DataMessage) Encode() []byte {
	start := byte(SOH)
	if m.Maint {
		start = DLE
	}
	h := Header{
		Start: start, Count: len(m.Payload),
		QSync: m.QSync, Select: m.Select,
		Resp: m.Resp, Num: m.Num, Addr: 1,
	}
	out := encodeHeader(h)
	out = append(out, m.Payload...)
	crc := crcOf(m.Payload)
	cb := crc.bytes()
	return append(out, cb[0], cb[1])
}

// DecodeDataBody parses the payload + data CRC that follow a Header already
// identified as SOH/DLE. It reports crcOK separately rather than erroring,
// because DDCMP requires the resp field to still be processed even when the
// data CRC is bad (see circuit.go's running state).
func DecodeDataBody(h Header, buf []byte) (payload []byte, crcOK bool, err error) {
	need := h.Count + 2
	if len(buf) < need {
		return nil, false, ErrShort
	}
	payload = buf[:h.Count]
	crcOK = crcGood(buf[:need])
	return payload, crcOK, nil
}

// CtlMessage is an unnumbered control message: ACK, NAK, REP, STRT, or
// STACK.
type CtlMessage struct {
	Type byte
	Sub  int // NAK reason code, else 0
	Resp byte
	Num  byte
}

// Encode renders m as a complete wire frame (header only; control messages
// carry no payload).
func (m CtlMessage) Encode() []byte {
	qsync, sel := false, false
	switch m.Type {
	case CtlSTRT, CtlSTACK:
		qsync, sel = true, true
	}
	h := Header{
		Start: ENQ, Type: int(m.Type), Sub: m.Sub,
		QSync: qsync, Select: sel,
		Resp: m.Resp, Num: m.Num, Addr: 1,
	}
	return encodeHeader(h)
}
