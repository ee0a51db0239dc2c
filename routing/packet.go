// Package routing implements the point-to-point routing initialization
// sublayer described in spec.md §4.F: phase negotiation (HA→DS→RI→RV→RU),
// the PtpInit/PtpInit3/NodeInit family, PtpVerify, and periodic PtpHello.
// Grounded on route_ptp.py's PtpCircuit state machine, translated into the
// teacher's hand-written packet-struct idiom instead of Python's declarative
// packet metaclass.
package routing

import (
	"errors"

	"github.com/pkoning2/godecnet/addr"
	"github.com/pkoning2/godecnet/layout"
)

// Node types as carried in the init message's info field. Unlisted values
// (the field is three bits wide) are invalid and restart the circuit.
const (
	NtypePhase2     = 0
	NtypeL1Router   = 1
	NtypeL2Router   = 2
	NtypeEndnode    = 3
	NtypePh3Router  = NtypeL1Router
	NtypePh3Endnode = NtypeEndnode
)

// Control message codes carried in bits 1-3 of the routing header; bit 0
// set marks a control packet at all.
const (
	codeInit      = 0
	codeVerify    = 1
	codeHello     = 2
	codeL1Routing = 3
	codeL2Routing = 4
)

// ErrTooShort signals a buffer shorter than the packet it's being decoded as.
var ErrTooShort = errors.New("routing: packet too short")

// ErrBadMsgFlag signals a routing header whose msgflg doesn't match any
// known packet type.
var ErrBadMsgFlag = errors.New("routing: unrecognized msgflg")

func ctlFlag(code int) byte {
	group := make([]byte, 1)
	layout.PutBits(group, 0, 1, 1)
	layout.PutBits(group, 1, 3, uint64(code))
	return group[0]
}

// PtpInit is the Phase IV point-to-point routing initialization message:
// source node, an info octet (node type, verification-required flag,
// blocking flag), block size, routing version, hello timer, and a reserved
// image field.
type PtpInit struct {
	SrcNode  addr.NodeId
	NodeType int
	Verif    bool
	Blo      bool
	BlkSize  uint16
	Tiver    addr.Version
	Timer    uint16
	Reserved []byte
}

func (p PtpInit) Encode() []byte {
	e := layout.NewEncoder(32)
	e.Byte(ctlFlag(codeInit))
	e.Uint(2, uint64(p.SrcNode))
	info := make([]byte, 1)
	layout.PutBits(info, 0, 3, uint64(p.NodeType))
	if p.Verif {
		layout.PutBits(info, 3, 1, 1)
	}
	if p.Blo {
		layout.PutBits(info, 4, 1, 1)
	}
	e.Bytes(info)
	e.Uint(2, uint64(p.BlkSize))
	e.Byte(p.Tiver[0])
	e.Byte(p.Tiver[1])
	e.Byte(p.Tiver[2])
	e.Uint(2, uint64(p.Timer))
	e.Image(64, p.Reserved)
	return e.Final()
}

func DecodePtpInit(buf []byte) (PtpInit, error) {
	d := layout.NewDecoder(buf)
	if err := d.Const(ctlFlag(codeInit)); err != nil {
		return PtpInit{}, err
	}
	src, err := d.Uint(2)
	if err != nil {
		return PtpInit{}, ErrTooShort
	}
	info, err := d.Bytes(1)
	if err != nil {
		return PtpInit{}, ErrTooShort
	}
	blksize, err := d.Uint(2)
	if err != nil {
		return PtpInit{}, ErrTooShort
	}
	tiverB, err := d.Bytes(3)
	if err != nil {
		return PtpInit{}, ErrTooShort
	}
	timer, err := d.Uint(2)
	if err != nil {
		return PtpInit{}, ErrTooShort
	}
	reserved, err := d.Image(64)
	if err != nil {
		return PtpInit{}, ErrTooShort
	}
	return PtpInit{
		SrcNode:  addr.NodeId(src),
		NodeType: int(layout.GetBits(info, 0, 3)),
		Verif:    layout.GetBits(info, 3, 1) != 0,
		Blo:      layout.GetBits(info, 4, 1) != 0,
		BlkSize:  uint16(blksize),
		Tiver:    addr.Version{tiverB[0], tiverB[1], tiverB[2]},
		Timer:    uint16(timer),
		Reserved: append([]byte(nil), reserved...),
	}, nil
}

// PtpInit3 is the Phase III variant: same shape as PtpInit minus the
// blocking flag, the hello timer, and the reserved trailer. The source
// address is a node-in-area number, never carrying an area part.
type PtpInit3 struct {
	SrcNode  addr.NodeId
	NodeType int
	Verif    bool
	BlkSize  uint16
	Tiver    addr.Version
}

func (p PtpInit3) Encode() []byte {
	e := layout.NewEncoder(16)
	e.Byte(ctlFlag(codeInit))
	e.Uint(2, uint64(p.SrcNode)&nodeInAreaMask)
	info := make([]byte, 1)
	layout.PutBits(info, 0, 3, uint64(p.NodeType))
	if p.Verif {
		layout.PutBits(info, 3, 1, 1)
	}
	e.Bytes(info)
	e.Uint(2, uint64(p.BlkSize))
	e.Byte(p.Tiver[0])
	e.Byte(p.Tiver[1])
	e.Byte(p.Tiver[2])
	return e.Final()
}

const nodeInAreaMask = 0x3ff

func DecodePtpInit3(buf []byte) (PtpInit3, error) {
	d := layout.NewDecoder(buf)
	if err := d.Const(ctlFlag(codeInit)); err != nil {
		return PtpInit3{}, err
	}
	src, err := d.Uint(2)
	if err != nil {
		return PtpInit3{}, ErrTooShort
	}
	info, err := d.Bytes(1)
	if err != nil {
		return PtpInit3{}, ErrTooShort
	}
	blksize, err := d.Uint(2)
	if err != nil {
		return PtpInit3{}, ErrTooShort
	}
	tiverB, err := d.Bytes(3)
	if err != nil {
		return PtpInit3{}, ErrTooShort
	}
	if err := d.Done(); err != nil {
		return PtpInit3{}, err
	}
	return PtpInit3{
		SrcNode:  addr.NodeId(src & nodeInAreaMask),
		NodeType: int(layout.GetBits(info, 0, 3)),
		Verif:    layout.GetBits(info, 3, 1) != 0,
		BlkSize:  uint16(blksize),
		Tiver:    addr.Version{tiverB[0], tiverB[1], tiverB[2]},
	}, nil
}

// PtpVerify carries the Phase III/IV verification function value, an image
// field of up to 64 octets.
type PtpVerify struct {
	SrcNode addr.NodeId
	FcnVal  []byte
}

func (p PtpVerify) Encode() []byte {
	e := layout.NewEncoder(16)
	e.Byte(ctlFlag(codeVerify))
	e.Uint(2, uint64(p.SrcNode))
	e.Image(64, p.FcnVal)
	return e.Final()
}

func DecodePtpVerify(buf []byte) (PtpVerify, error) {
	d := layout.NewDecoder(buf)
	if err := d.Const(ctlFlag(codeVerify)); err != nil {
		return PtpVerify{}, err
	}
	src, err := d.Uint(2)
	if err != nil {
		return PtpVerify{}, ErrTooShort
	}
	fcn, err := d.Image(64)
	if err != nil {
		return PtpVerify{}, err
	}
	return PtpVerify{SrcNode: addr.NodeId(src), FcnVal: append([]byte(nil), fcn...)}, nil
}

// PtpHello is the periodic keepalive exchanged once a circuit is running.
// TestData must be a run of 0xAA octets.
type PtpHello struct {
	SrcNode  addr.NodeId
	TestData []byte
}

func (p PtpHello) Encode() []byte {
	e := layout.NewEncoder(16)
	e.Byte(ctlFlag(codeHello))
	e.Uint(2, uint64(p.SrcNode))
	e.Image(128, p.TestData)
	return e.Final()
}

func DecodePtpHello(buf []byte) (PtpHello, error) {
	d := layout.NewDecoder(buf)
	if err := d.Const(ctlFlag(codeHello)); err != nil {
		return PtpHello{}, err
	}
	src, err := d.Uint(2)
	if err != nil {
		return PtpHello{}, ErrTooShort
	}
	td, err := d.Image(128)
	if err != nil {
		return PtpHello{}, err
	}
	return PtpHello{SrcNode: addr.NodeId(src), TestData: append([]byte(nil), td...)}, nil
}

// NodeInit and NodeVerify are the Phase II startup messages, wire-compatible
// with a Phase II neighbor but not implementing Phase II "intercept"
// store-and-forward routing. Both carry msgflag 0x58 and are told apart by
// the starttype that follows (1 = init, 2 = verify).
type NodeInit struct {
	SrcNode  addr.NodeId
	NodeName string
	Int      int
	Verif    bool
	Rint     int
	BlkSize  uint16
	NSPSize  uint16
	MaxLnks  uint16
	RoutVer  addr.Version
	CommVer  addr.Version
	SysVer   string
}

const (
	msgflagPhase2   = 0x58
	startTypeInit   = 1
	startTypeVerify = 2
)

// Phase2StartType peeks at a Phase II startup message's subtype so the
// circuit can pick NodeInit or NodeVerify decoding. Zero means "neither".
func Phase2StartType(buf []byte) byte {
	if len(buf) < 2 || buf[0] != msgflagPhase2 {
		return 0
	}
	return buf[1]
}

func (n NodeInit) Encode() []byte {
	e := layout.NewEncoder(64)
	e.Byte(msgflagPhase2)
	e.Byte(startTypeInit)
	e.Ext(2, uint64(n.SrcNode))
	e.Image(6, []byte(n.NodeName))
	intGroup := make([]byte, 1)
	layout.PutBits(intGroup, 0, 3, uint64(n.Int))
	e.Bytes(intGroup)
	vGroup := make([]byte, 1)
	if n.Verif {
		layout.PutBits(vGroup, 0, 1, 1)
	}
	layout.PutBits(vGroup, 1, 2, uint64(n.Rint))
	e.Bytes(vGroup)
	e.Uint(2, uint64(n.BlkSize))
	e.Uint(2, uint64(n.NSPSize))
	e.Uint(2, uint64(n.MaxLnks))
	e.Byte(n.RoutVer[0])
	e.Byte(n.RoutVer[1])
	e.Byte(n.RoutVer[2])
	e.Byte(n.CommVer[0])
	e.Byte(n.CommVer[1])
	e.Byte(n.CommVer[2])
	e.Image(32, []byte(n.SysVer))
	return e.Final()
}

func DecodeNodeInit(buf []byte) (NodeInit, error) {
	d := layout.NewDecoder(buf)
	if err := d.Const(msgflagPhase2); err != nil {
		return NodeInit{}, err
	}
	if err := d.Const(startTypeInit); err != nil {
		return NodeInit{}, err
	}
	src, err := d.Ext(2)
	if err != nil {
		return NodeInit{}, ErrTooShort
	}
	name, err := d.Text(6)
	if err != nil {
		return NodeInit{}, ErrTooShort
	}
	intByte, err := d.Bytes(1)
	if err != nil {
		return NodeInit{}, ErrTooShort
	}
	vByte, err := d.Bytes(1)
	if err != nil {
		return NodeInit{}, ErrTooShort
	}
	blksize, err := d.Uint(2)
	if err != nil {
		return NodeInit{}, ErrTooShort
	}
	nspsize, err := d.Uint(2)
	if err != nil {
		return NodeInit{}, ErrTooShort
	}
	maxlnks, err := d.Uint(2)
	if err != nil {
		return NodeInit{}, ErrTooShort
	}
	routver, err := d.Bytes(3)
	if err != nil {
		return NodeInit{}, ErrTooShort
	}
	commver, err := d.Bytes(3)
	if err != nil {
		return NodeInit{}, ErrTooShort
	}
	sysver, err := d.Text(32)
	if err != nil {
		return NodeInit{}, ErrTooShort
	}
	return NodeInit{
		SrcNode:  addr.NodeId(src),
		NodeName: name,
		Int:      int(layout.GetBits(intByte, 0, 3)),
		Verif:    layout.GetBits(vByte, 0, 1) != 0,
		Rint:     int(layout.GetBits(vByte, 1, 2)),
		BlkSize:  uint16(blksize),
		NSPSize:  uint16(nspsize),
		MaxLnks:  uint16(maxlnks),
		RoutVer:  addr.Version{routver[0], routver[1], routver[2]},
		CommVer:  addr.Version{commver[0], commver[1], commver[2]},
		SysVer:   sysver,
	}, nil
}

// NodeVerify carries the Phase II startup password. Its starttype field is
// two octets wide where NodeInit's is one; the spec means it.
type NodeVerify struct {
	Password [8]byte
}

func (n NodeVerify) Encode() []byte {
	e := layout.NewEncoder(11)
	e.Byte(msgflagPhase2)
	e.Uint(2, startTypeVerify)
	e.FixedBytes(8, n.Password[:])
	return e.Final()
}

func DecodeNodeVerify(buf []byte) (NodeVerify, error) {
	d := layout.NewDecoder(buf)
	if err := d.Const(msgflagPhase2); err != nil {
		return NodeVerify{}, err
	}
	st, err := d.Uint(2)
	if err != nil {
		return NodeVerify{}, ErrTooShort
	}
	if st != startTypeVerify {
		return NodeVerify{}, layout.ErrWrongValue
	}
	pw, err := d.FixedBytes(8)
	if err != nil {
		return NodeVerify{}, ErrTooShort
	}
	var v NodeVerify
	copy(v.Password[:], pw)
	return v, nil
}
