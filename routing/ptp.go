package routing

import (
	"bytes"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pkoning2/godecnet/addr"
	"github.com/pkoning2/godecnet/datalink"
	"github.com/pkoning2/godecnet/sched"
)

// Phase negotiation timers, route_ptp.py's listen/hello timer constants.
// The listen timer is T3MULT hello intervals: three missed hellos declares
// the circuit down.
const (
	HelloTimer = 60 * time.Second
	T3MULT     = 3
)

// phase tracks the negotiated protocol level for a circuit, lowest common
// denominator between this node and its neighbor.
type phase int

const (
	phase4 phase = iota
	phase3
	phase2
)

// cstate is PtpCircuit's position in the ha/ds/ri/rv/ru state table,
// route_ptp.py's PtpCircuit state names kept verbatim since they are the
// conventional DECnet routing terms, not implementation detail.
type cstate int

const (
	csHalted cstate = iota
	csDS            // down, start: waiting for the datalink to come up
	csRI            // routing init: Init sent, waiting for peer's Init
	csRV            // routing verify: waiting for peer's Verify
	csRU            // running
)

var ErrNoRoute = errors.New("routing: circuit not running")

// Neighbor describes what PtpCircuit learned about the peer during
// initialization.
type Neighbor struct {
	NodeId   addr.NodeId
	NodeType int
	Phase    phase
	BlkSize  uint16
}

// Config configures a PtpCircuit; Check fills in defaults for zero-valued
// fields.
type Config struct {
	SrcNode  addr.NodeId
	NodeType int
	NodeName string
	SysVer   string
	BlkSize  uint16

	// Verify makes us demand a PtpVerify from the peer; VerifyRecv is the
	// value it must carry. VerifySend is what we put in our own PtpVerify
	// when the peer demands one.
	Verify     bool
	VerifyRecv []byte
	VerifySend []byte

	HelloTime  time.Duration
	ListenTime time.Duration
}

func (c *Config) Check() *Config {
	if c.BlkSize == 0 {
		c.BlkSize = 1498
	}
	if c.HelloTime == 0 {
		c.HelloTime = HelloTimer
	}
	if c.ListenTime == 0 {
		c.ListenTime = T3MULT * c.HelloTime
	}
	return c
}

// PtpCircuit runs the point-to-point routing initialization sublayer over
// one datalink.Port, promoting Received frames into Neighbor state and, once
// running, into routed packets delivered to Owner.
type PtpCircuit struct {
	Name string
	Log  *logrus.Entry

	node  *sched.Node
	cfg   *Config
	port  datalink.Port
	owner sched.Owner // receives Received (routed data) once running

	state    cstate
	negPhase phase
	peer     Neighbor
	t4       time.Duration // listen timeout, from the peer's hello timer

	helloT  timerTap
	listenT timerTap
}

// timerTap gives one PtpCircuit two independent timer identities on the
// node's wheel (hello and listen), since the wheel keys armed timers by
// owner.
type timerTap struct {
	fire func()
}

func (t *timerTap) Dispatch(w sched.Work) {
	if _, ok := w.(sched.Timeout); ok {
		t.fire()
	}
}

// NewPtpCircuit builds a PtpCircuit bound to an already-opened datalink
// port. port.Send is used for outgoing frames; the caller must have called
// datalink.Datalink.CreatePort(circuit) so Received/DlStatus work items are
// routed back to this circuit's Dispatch.
func NewPtpCircuit(name string, log *logrus.Entry, node *sched.Node, cfg *Config, port datalink.Port, owner sched.Owner) *PtpCircuit {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &PtpCircuit{
		Name: name, Log: log.WithField("routing-circuit", name),
		node: node, cfg: cfg.Check(), port: port, owner: owner,
	}
	p.helloT.fire = p.onHelloTimer
	p.listenT.fire = p.onListenTimer
	return p
}

// Start opens the datalink and waits in DS for it to report up; the init
// exchange begins from the DlStatus(Up) upcall.
func (p *PtpCircuit) Start() {
	p.state = csDS
	p.negPhase = phase4
	p.peer = Neighbor{}
	p.t4 = p.cfg.ListenTime
	if p.port != nil {
		p.port.Open()
	}
	p.node.StartTimer(&p.listenT, p.cfg.ListenTime)
}

// SetOwner binds the upper-layer recipient (NSP) of routed data once it has
// been constructed, for callers that must build PtpCircuit and its owner in
// the opposite order their constructors would otherwise require.
func (p *PtpCircuit) SetOwner(owner sched.Owner) { p.owner = owner }

// Peer returns the neighbor address negotiated during init, or the zero
// NodeId before RI/RV completes. A single-circuit node has exactly one
// possible peer, so NSP uses this instead of a routing table.
func (p *PtpCircuit) Peer() addr.NodeId { return p.peer.NodeId }

func (p *PtpCircuit) Stop() {
	p.state = csHalted
	p.node.StopTimer(&p.helloT)
	p.node.StopTimer(&p.listenT)
}

// restart tears negotiation state down after a failure and returns to DS,
// where the next DlStatus from the datalink decides what happens.
func (p *PtpCircuit) restart(reason string) {
	if p.state == csRU && p.owner != nil {
		p.node.AddWork(datalink.NewDlStatus(p.owner, datalink.StatusDown))
	}
	p.Log.WithField("reason", reason).Info("routing: circuit restart")
	p.state = csDS
	p.negPhase = phase4
	p.peer = Neighbor{}
	p.node.StopTimer(&p.helloT)
	p.node.StartTimer(&p.listenT, p.cfg.ListenTime)
}

// fmterr logs a format-error event with the packet beginning, the same
// report route_ptp.py raises as Event.fmt_err.
func (p *PtpCircuit) fmterr(buf []byte) {
	head := buf
	if len(head) > 16 {
		head = head[:16]
	}
	p.Log.WithField("packet", head).Warn("routing: format error")
}

func (p *PtpCircuit) sendInit() {
	switch p.negPhase {
	case phase4:
		pkt := PtpInit{
			SrcNode: p.cfg.SrcNode, NodeType: p.cfg.NodeType,
			Verif: p.cfg.Verify, BlkSize: p.cfg.BlkSize,
			Tiver: addr.TiverPhase4,
			Timer: uint16(p.cfg.HelloTime / time.Second),
		}
		p.port.Send(pkt.Encode())
	case phase3:
		pkt := PtpInit3{
			SrcNode: p.cfg.SrcNode, NodeType: p.phase3NodeType(),
			Verif: p.cfg.Verify, BlkSize: p.cfg.BlkSize, Tiver: addr.TiverPhase3,
		}
		p.port.Send(pkt.Encode())
	case phase2:
		pkt := NodeInit{
			SrcNode: p.cfg.SrcNode, NodeName: p.cfg.NodeName,
			Verif: p.cfg.Verify, BlkSize: p.cfg.BlkSize, NSPSize: p.cfg.BlkSize,
			MaxLnks: 32, RoutVer: addr.TiverPhase2, CommVer: addr.TiverPhase2,
			SysVer: p.cfg.SysVer,
		}
		p.port.Send(pkt.Encode())
	}
}

// phase3NodeType narrows our advertised node type for a Phase III neighbor,
// which has no concept of an area router.
func (p *PtpCircuit) phase3NodeType() int {
	if p.cfg.NodeType == NtypeL2Router {
		return NtypeL1Router
	}
	return p.cfg.NodeType
}

func (p *PtpCircuit) sendVerify() {
	pkt := PtpVerify{SrcNode: p.cfg.SrcNode, FcnVal: p.cfg.VerifySend}
	p.port.Send(pkt.Encode())
}

func (p *PtpCircuit) sendVerifyPhase2() {
	var pw [8]byte
	copy(pw[:], p.cfg.VerifySend)
	p.port.Send(NodeVerify{Password: pw}.Encode())
}

func (p *PtpCircuit) sendHello() {
	pkt := PtpHello{SrcNode: p.cfg.SrcNode, TestData: helloTestData()}
	p.port.Send(pkt.Encode())
}

// helloTestData is the fixed hello payload DECnet routing requires: a run
// of 0xAA octets, ten of them by convention.
func helloTestData() []byte {
	return bytes.Repeat([]byte{0xAA}, 10)
}

func testDataValid(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c != 0xAA {
			return false
		}
	}
	return true
}

// Dispatch implements sched.Owner. It is driven exclusively on the node
// goroutine by Received (inbound frame) and DlStatus work items; timer
// expiries arrive through the helloT/listenT taps instead.
func (p *PtpCircuit) Dispatch(w sched.Work) {
	switch item := w.(type) {
	case datalink.Received:
		p.onFrame(item.Packet)
	case datalink.DlStatus:
		p.onDlStatus(item.Status)
	}
}

func (p *PtpCircuit) onDlStatus(status int) {
	switch status {
	case datalink.StatusUp:
		if p.state != csDS {
			return
		}
		p.sendInit()
		p.state = csRI
		p.node.StartTimer(&p.listenT, p.cfg.ListenTime)
	case datalink.StatusDown:
		p.restart("datalink down")
	case datalink.StatusHalted:
		p.Stop()
	}
}

func (p *PtpCircuit) onListenTimer() {
	switch p.state {
	case csDS, csRI, csRV:
		// Listen timer expired before the peer completed init: restart at
		// the top of the negotiation, matching route_ptp.py's restart()
		// on failure.
		p.restart("init listen timeout")
	case csRU:
		p.restart("listen timeout")
	}
}

func (p *PtpCircuit) onHelloTimer() {
	if p.state != csRU {
		return
	}
	p.sendHello()
	p.node.StartTimer(&p.helloT, p.cfg.HelloTime)
}

func (p *PtpCircuit) onFrame(buf []byte) {
	if len(buf) == 0 {
		return
	}
	if p.state == csRU {
		// Any traffic from the peer proves the circuit alive.
		p.node.StartTimer(&p.listenT, p.t4)
	}
	if buf[0] == msgflagPhase2 {
		p.onPhase2(buf)
		return
	}
	ctl := buf[0]&0x01 != 0
	if !ctl {
		// Routed data packet: only valid once running.
		if p.state == csRU && p.owner != nil {
			p.node.AddWork(datalink.NewReceived(p.owner, buf))
		}
		return
	}
	code := int((buf[0] >> 1) & 0x07)
	switch code {
	case codeInit:
		p.onInit(buf)
	case codeVerify:
		p.onVerify(buf)
	case codeHello:
		p.onHello(buf)
	}
}

func (p *PtpCircuit) onPhase2(buf []byte) {
	switch Phase2StartType(buf) {
	case startTypeInit:
		if p.state != csRI && p.state != csDS {
			return
		}
		ni, err := DecodeNodeInit(buf)
		if err != nil {
			p.fmterr(buf)
			p.restart("bad phase 2 init")
			return
		}
		if p.negPhase != phase2 {
			// A Phase II neighbor gets a NodeInit back regardless of what
			// we sent first.
			p.negPhase = phase2
			p.sendInit()
		}
		p.peer = Neighbor{NodeId: ni.SrcNode, NodeType: NtypePhase2, Phase: phase2, BlkSize: ni.NSPSize}
		p.t4 = p.cfg.ListenTime
		if ni.Verif {
			p.state = csRV
			p.sendVerifyPhase2()
			p.node.StartTimer(&p.listenT, p.cfg.ListenTime)
			return
		}
		p.enterRunning()
	case startTypeVerify:
		if p.state != csRV {
			return
		}
		nv, err := DecodeNodeVerify(buf)
		if err != nil {
			p.fmterr(buf)
			p.restart("bad phase 2 verify")
			return
		}
		var want [8]byte
		copy(want[:], p.cfg.VerifyRecv)
		if p.cfg.Verify && nv.Password != want {
			p.restart("phase 2 verification mismatch")
			return
		}
		p.enterRunning()
	}
}

func (p *PtpCircuit) onInit(buf []byte) {
	if p.state != csRI && p.state != csDS {
		return
	}
	if pkt, err := DecodePtpInit(buf); err == nil {
		if !p.validNtype(pkt.NodeType, phase4) || pkt.Blo {
			p.fmterr(buf)
			p.restart("bad ntype")
			return
		}
		p.peer = Neighbor{NodeId: pkt.SrcNode, NodeType: pkt.NodeType, Phase: phase4, BlkSize: pkt.BlkSize}
		p.t4 = time.Duration(pkt.Timer) * time.Second * T3MULT
		p.afterInit(pkt.Verif)
		return
	}
	pkt, err := DecodePtpInit3(buf)
	if err != nil {
		p.fmterr(buf)
		p.restart("bad init")
		return
	}
	if !p.validNtype(pkt.NodeType, phase3) {
		p.fmterr(buf)
		p.restart("bad ntype for phase 3")
		return
	}
	if p.negPhase == phase4 {
		// A Phase III neighbor gets a PtpInit3 back even though we opened
		// with a Phase IV init.
		p.negPhase = phase3
		p.sendInit()
	}
	p.peer = Neighbor{NodeId: pkt.SrcNode, NodeType: pkt.NodeType, Phase: phase3, BlkSize: pkt.BlkSize}
	p.t4 = T3MULT * p.cfg.HelloTime
	p.afterInit(pkt.Verif)
}

// validNtype applies the neighbor node-type rules: routers and endnodes
// only, and an area router adjacency is only legal on a Phase IV exchange.
func (p *PtpCircuit) validNtype(ntype int, peerPhase phase) bool {
	switch ntype {
	case NtypeEndnode, NtypeL1Router:
		return true
	case NtypeL2Router:
		return peerPhase == phase4
	}
	return false
}

func (p *PtpCircuit) afterInit(peerWantsVerify bool) {
	if p.state == csDS {
		p.sendInit()
	}
	if peerWantsVerify {
		p.sendVerify()
	}
	if p.cfg.Verify {
		p.state = csRV
		p.node.StartTimer(&p.listenT, p.cfg.ListenTime)
		return
	}
	p.enterRunning()
}

func (p *PtpCircuit) onVerify(buf []byte) {
	if p.state != csRV {
		return
	}
	pkt, err := DecodePtpVerify(buf)
	if err != nil {
		p.fmterr(buf)
		p.restart("bad verify")
		return
	}
	if !bytes.Equal(pkt.FcnVal, p.cfg.VerifyRecv) {
		p.Log.WithField("peer", pkt.SrcNode).Warn("routing: verification mismatch, restarting")
		p.restart("verification reject")
		return
	}
	p.enterRunning()
}

func (p *PtpCircuit) onHello(buf []byte) {
	if p.state != csRU {
		return
	}
	pkt, err := DecodePtpHello(buf)
	if err != nil {
		p.fmterr(buf)
		return
	}
	if !testDataValid(pkt.TestData) {
		p.Log.WithField("peer", pkt.SrcNode).Warn("routing: hello testdata invalid, restarting")
		p.restart("bad hello testdata")
		return
	}
}

func (p *PtpCircuit) enterRunning() {
	p.state = csRU
	p.node.StartTimer(&p.helloT, p.cfg.HelloTime)
	p.node.StartTimer(&p.listenT, p.t4)
	p.sendHello()
	if p.owner != nil {
		p.node.AddWork(datalink.NewDlStatus(p.owner, datalink.StatusUp))
	}
}

// Send transmits a routed data packet over the circuit, once running.
func (p *PtpCircuit) Send(payload []byte) error {
	if p.state != csRU {
		return ErrNoRoute
	}
	return p.port.Send(payload)
}
