// Package ddcmp implements the DDCMP point-to-point data link protocol,
// DECnet Digital Network Architecture DDCMP spec V4.1, conforming to the
// sliding-window ARQ and startup handshake it defines and interoperable
// with SIMH's pdp11_dmc DDCMP implementation. Grounded on session/tcp.go's
// three-way split (a read goroutine, a write path, and a single-threaded
// state machine consumer), generalized to DDCMP's own state table and ARQ
// rules.
package ddcmp

import (
	"bufio"
	"errors"
	"io"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pkoning2/godecnet/datalink"
	"github.com/pkoning2/godecnet/sched"
)

// Timeouts, DDCMP spec section 6 and the teacher's pattern of naming a
// sentinel constant per protocol timer.
const (
	AckTimer     = 1 * time.Second
	StackTimer   = 3 * time.Second
	UDPTimerBase = 60 * time.Second
)

// ErrQueueFull is returned by Send when QMax messages are already
// outstanding. DDCMP queues rather than rejects in this case: the payload is
// kept and goes out as acknowledgments open the window.
var ErrQueueFull = errors.New("ddcmp: send window full, queued")

// Transport abstracts the byte pipe a Circuit frames messages over: a TCP
// or serial connection implements io.ReadWriteCloser directly; a UDP
// transport is adapted by udpTransport in udp.go so the same Circuit code
// drives all three, exactly as media.FT in the teacher parameterizes
// framing over an io.Reader/io.Writer rather than a concrete socket.
type Transport interface {
	io.ReadWriteCloser
}

// Mode selects the transport flavor a Circuit frames over. TCP and serial
// are byte streams differing only in the leading SYN fill; UDP carries one
// complete message per datagram and uses the slow startup retry timer.
type Mode int

const (
	ModeTCP Mode = iota
	ModeSerial
	ModeUDP
)

// Config is a DDCMP circuit's configuration, following the
// Check-panics-at-setup idiom used throughout this module.
type Config struct {
	QMax int  // maximum outstanding (unacked) messages, DDCMP caps this at 255
	Mode Mode // transport flavor, ModeTCP unless told otherwise
}

// Check applies defaults and panics on out-of-range values.
func (c *Config) Check() *Config {
	if c.QMax == 0 {
		c.QMax = 255
	} else if c.QMax < 1 || c.QMax > 255 {
		panic("ddcmp: QMax not in [1, 255]")
	}
	return c
}

// Counters tracks per-circuit traffic, echoed by the metrics package rather
// than by a NICE counters implementation (out of scope).
type Counters struct {
	BytesSent, BytesRecv uint64
	PktsSent, PktsRecv   uint64
	DataErrorsIn         uint64
	Retransmits          uint64
}

// state is a DDCMP circuit's position in the startup/run/maintenance state
// table, DDCMP spec table 3.
type state int

const (
	stateHalted state = iota
	stateIstart
	stateAstart
	stateRunning
	stateMaint
)

// Circuit is one DDCMP point-to-point datalink instance. It owns a single
// background read goroutine (run) that only ever pushes work items, and a
// state machine (Dispatch) that runs exclusively on the owning sched.Node's
// goroutine.
type Circuit struct {
	Name string
	Log  *logrus.Entry

	node  *sched.Node
	cfg   *Config
	owner sched.Owner // the circuit's upper-layer client (routing sublayer)
	conn  Transport

	state state
	r     byte // last sequence number received
	a     byte // last sent number acknowledged by peer
	n     byte // last sent sequence number

	ackFlag bool
	insync  bool

	unack   [256]*DataMessage
	notsent [][]byte

	counters Counters
}

// NewCircuit returns a Circuit bound to conn. owner receives Received and
// DlStatus work items once the circuit reaches the running state.
func NewCircuit(name string, log *logrus.Entry, node *sched.Node, cfg *Config, conn Transport) *Circuit {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Circuit{
		Name: name, Log: log.WithField("circuit", name),
		node: node, cfg: cfg.Check(), conn: conn,
	}
}

// Counters returns a snapshot of the circuit's traffic counters. Safe to
// call only from the owning sched.Node's goroutine.
func (c *Circuit) Counters() Counters { return c.counters }

// CreatePort implements datalink.Datalink: the circuit and the port are the
// same object, since DDCMP dedicates one Circuit per point-to-point peer.
func (c *Circuit) CreatePort(owner sched.Owner) (datalink.Port, error) {
	c.owner = owner
	return c, nil
}

// Open starts the circuit: the read goroutine and the startup handshake.
func (c *Circuit) Open() error {
	if c.state != stateHalted {
		return nil
	}
	c.r, c.a, c.n = 0, 0, 0
	c.ackFlag = false
	c.unack = [256]*DataMessage{}
	c.notsent = nil
	go c.run()
	c.state = stateIstart
	c.sendStart()
	return nil
}

// Close halts the circuit's background reader. The HALTED work item that
// follows cleans up remaining state on the node goroutine.
func (c *Circuit) Close() error {
	if c.state == stateHalted {
		return nil
	}
	return c.conn.Close()
}

// Send queues payload for transmission if running, else discards it — the
// spec.md behavior for a datalink that isn't up.
func (c *Circuit) Send(payload []byte) error {
	if c.state != stateRunning {
		return nil
	}
	if !c.canSend() {
		c.notsent = append(c.notsent, payload)
		return ErrQueueFull
	}
	c.sendData(payload)
	return nil
}

func (c *Circuit) canSend() bool {
	return int(byte(c.n-c.a)) < c.cfg.QMax
}

func (c *Circuit) sendData(payload []byte) {
	c.n++
	msg := &DataMessage{Resp: c.r, Num: c.n, Payload: payload}
	c.unack[c.n] = msg
	c.counters.BytesSent += uint64(len(payload))
	c.counters.PktsSent++
	c.sendMsg(msg.Encode(), AckTimer)
	c.ackFlag = false
}

// run is the circuit's background read goroutine: it frames messages from
// the byte stream (or decodes one already-framed UDP datagram) and hands
// each one to the node via Received/Err work items, never touching
// protocol state directly.
//
// Resynchronization follows the DDCMP rule: a header whose CRC fails while
// in sync is reported as an HCRC error and sync is lost; out of sync, bad
// headers are skipped silently and scanning resumes one octet past the
// start byte that led us astray, so a genuine header hiding inside the
// garbage is still found.
func (c *Circuit) run() {
	c.insync = false
	br := bufio.NewReaderSize(c.conn, 16640)
	for {
		b, err := br.ReadByte()
		if err != nil {
			c.node.AddWork(datalink.NewDlStatus(c, datalink.StatusHalted))
			return
		}
		if b != SOH && b != ENQ && b != DLE {
			continue // SYN and DEL fill, or noise between messages
		}
		rest, err := br.Peek(HdrLen - 1)
		if err != nil {
			c.node.AddWork(datalink.NewDlStatus(c, datalink.StatusHalted))
			return
		}
		full := append([]byte{b}, rest...)
		if !crcGood(full) {
			if c.insync {
				c.insync = false
				c.node.AddWork(newHdrErr(c, ReasonHCRC))
			}
			continue
		}
		br.Discard(HdrLen - 1)
		c.insync = true
		head, err := DecodeHeader(full)
		if err != nil {
			continue
		}
		switch head.Start {
		case ENQ:
			c.node.AddWork(newCtlReceived(c, head))
		default:
			body := make([]byte, head.Count+2)
			if _, err := io.ReadFull(br, body); err != nil {
				c.node.AddWork(datalink.NewDlStatus(c, datalink.StatusHalted))
				return
			}
			payload, crcOK, _ := DecodeDataBody(head, body)
			c.node.AddWork(newDataReceived(c, head, payload, crcOK))
		}
	}
}

func (c *Circuit) sendMsg(frame []byte, timeout time.Duration) {
	if c.cfg.Mode == ModeTCP {
		framed := make([]byte, 0, len(frame)+5)
		framed = append(framed, SYN, SYN, SYN, SYN)
		framed = append(framed, frame...)
		framed = append(framed, DEL)
		frame = framed
	} else {
		frame = append(frame, DEL)
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.node.AddWork(datalink.NewDlStatus(c, datalink.StatusHalted))
		return
	}
	if timeout > 0 {
		c.node.StartTimer(c, timeout)
	}
}

func (c *Circuit) sendStart() {
	c.sendMsg(CtlMessage{Type: CtlSTRT}.Encode(), c.startupTimer())
}

func (c *Circuit) sendStack() {
	c.sendMsg(CtlMessage{Type: CtlSTACK}.Encode(), StackTimer)
}

func (c *Circuit) sendAck() {
	c.sendMsg(CtlMessage{Type: CtlACK, Resp: c.r}.Encode(), 0)
}

func (c *Circuit) sendNak(reason int) {
	c.sendMsg(CtlMessage{Type: CtlNAK, Sub: reason, Resp: c.r}.Encode(), 0)
}

func (c *Circuit) sendRep() {
	c.sendMsg(CtlMessage{Type: CtlREP, Num: c.n}.Encode(), AckTimer)
}

// startupTimer picks the STRT retry interval: the 3-second STACKTMR on
// byte-stream transports, or a uniformly jittered 60-120 s on UDP so two
// endpoints restarting together don't stay in lockstep.
func (c *Circuit) startupTimer() time.Duration {
	if c.cfg.Mode != ModeUDP {
		return StackTimer
	}
	return UDPTimerBase + time.Duration(rand.Int63n(int64(UDPTimerBase)))
}

// Dispatch runs the DDCMP state machine. It is only ever called on the
// owning sched.Node's goroutine.
func (c *Circuit) Dispatch(w sched.Work) {
	// Losing the transport outside the halted state tears the circuit down.
	if st, ok := w.(datalink.DlStatus); ok && st.Status == datalink.StatusHalted && c.state != stateHalted {
		c.halt()
		return
	}
	switch c.state {
	case stateHalted:
		c.dispatchHalted(w)
	case stateIstart:
		c.dispatchIstart(w)
	case stateAstart:
		c.dispatchAstart(w)
	case stateRunning:
		c.dispatchRunning(w)
	case stateMaint:
		c.dispatchMaint(w)
	}
}

func (c *Circuit) dispatchHalted(w sched.Work) {
	if st, ok := w.(datalink.DlStatus); ok && st.Status == datalink.StatusHalted {
		if c.owner != nil {
			c.node.AddWork(datalink.NewDlStatus(c.owner, datalink.StatusHalted))
		}
	}
}

func (c *Circuit) dispatchIstart(w sched.Work) {
	switch item := w.(type) {
	case sched.Timeout:
		c.sendStart()
	case *ctlReceived:
		switch item.head.Type {
		case CtlSTRT:
			c.sendStack()
			c.state = stateAstart
		case CtlSTACK:
			c.enterRunning()
		}
	case *dataReceived:
		if item.head.Start == DLE {
			c.state = stateMaint
		}
	}
}

func (c *Circuit) dispatchAstart(w sched.Work) {
	switch item := w.(type) {
	case sched.Timeout:
		c.sendStack()
	case *ctlReceived:
		switch item.head.Type {
		case CtlSTRT:
			c.sendStack()
		case CtlSTACK:
			c.enterRunning()
		case CtlACK:
			c.enterRunning()
			c.processAck(item.head.Resp)
		}
	case *dataReceived:
		if item.head.Start == DLE {
			c.state = stateMaint
			c.dispatchMaint(w)
			return
		}
		c.enterRunning()
		c.dispatchRunning(w)
	}
}

func (c *Circuit) enterRunning() {
	if c.owner != nil {
		c.node.AddWork(datalink.NewDlStatus(c.owner, datalink.StatusUp))
	}
	c.node.StopTimer(c)
	c.state = stateRunning
	c.sendAck()
}

func (c *Circuit) dispatchRunning(w sched.Work) {
	switch item := w.(type) {
	case *dataReceived:
		if item.head.Start == DLE {
			c.state = stateMaint
			return
		}
		// The resp field of a data message acknowledges even when the data
		// CRC turns out bad: the header CRC already vouched for it.
		c.processAck(item.head.Resp)
		if !item.crcOK {
			c.sendNak(ReasonCRC)
			c.counters.DataErrorsIn++
			break
		}
		r1 := c.r + 1
		if item.head.Num != r1 {
			break // duplicate or out-of-sequence, the REP machinery recovers
		}
		c.r = r1
		c.ackFlag = true
		if c.owner != nil {
			c.counters.BytesRecv += uint64(len(item.payload))
			c.counters.PktsRecv++
			c.node.AddWork(datalink.NewReceived(c.owner, item.payload))
		}
	case *ctlReceived:
		switch item.head.Type {
		case CtlACK:
			c.processAck(item.head.Resp)
		case CtlNAK:
			if c.processAck(item.head.Resp) {
				c.retransmit()
			}
		case CtlREP:
			if item.head.Num == c.r {
				c.ackFlag = true
			} else {
				c.sendNak(ReasonREP)
			}
		case CtlSTRT:
			c.halt()
			return
		case CtlSTACK:
			c.ackFlag = true
		}
	case sched.Timeout:
		// DDCMP does not retransmit data on timeout; it asks the peer
		// to re-send its current ACK/NAK state instead.
		c.sendRep()
	case *hdrErr:
		c.sendNak(item.code)
	}
	if c.ackFlag {
		c.sendAck()
		c.ackFlag = false
	}
}

func (c *Circuit) dispatchMaint(w sched.Work) {
	switch item := w.(type) {
	case *dataReceived:
		if item.head.Start == DLE {
			// Maintenance payload discarded: no maintenance port exists.
			return
		}
	case *ctlReceived:
		if item.head.Type == CtlSTRT {
			c.halt()
		}
	}
}

// halt tears the circuit down after a protocol violation or peer restart.
// The upper layer sees DlStatus(Down) and decides whether to start over.
func (c *Circuit) halt() {
	wasRunning := c.state == stateRunning
	c.state = stateHalted
	c.node.StopTimer(c)
	c.conn.Close()
	if wasRunning && c.owner != nil {
		c.node.AddWork(datalink.NewDlStatus(c.owner, datalink.StatusDown))
	}
}

// processAck applies the resp field of an incoming message: every message
// up to and including resp is now acknowledged. Returns false if resp
// is out of the currently-outstanding range (a stale ACK/NAK due to
// sequence wraparound), in which case the caller must not act on it.
func (c *Circuit) processAck(resp byte) bool {
	count := int(resp - c.a)
	pend := int(c.n - c.a)
	if count > pend {
		return false
	}
	for i := 0; i < count; i++ {
		c.a++
		c.unack[c.a] = nil
	}
	if c.a != c.n {
		c.node.StartTimer(c, AckTimer)
	} else {
		c.node.StopTimer(c)
	}
	for c.canSend() && len(c.notsent) > 0 {
		next := c.notsent[0]
		c.notsent = c.notsent[1:]
		c.sendData(next)
	}
	return true
}

func (c *Circuit) retransmit() {
	c.counters.Retransmits++
	t := c.a
	pend := int(c.n - c.a)
	for i := 0; i < pend; i++ {
		t++
		msg := c.unack[t]
		if msg != nil {
			c.sendMsg(msg.Encode(), AckTimer)
		}
	}
}

type ctlReceived struct {
	owner *Circuit
	head  Header
}

func newCtlReceived(c *Circuit, h Header) *ctlReceived { return &ctlReceived{c, h} }
func (r *ctlReceived) Owner() sched.Owner              { return r.owner }

type dataReceived struct {
	owner   *Circuit
	head    Header
	payload []byte
	crcOK   bool
}

func newDataReceived(c *Circuit, h Header, payload []byte, crcOK bool) *dataReceived {
	return &dataReceived{c, h, payload, crcOK}
}
func (r *dataReceived) Owner() sched.Owner { return r.owner }

type hdrErr struct {
	owner *Circuit
	code  int
}

func newHdrErr(c *Circuit, code int) *hdrErr { return &hdrErr{c, code} }
func (r *hdrErr) Owner() sched.Owner         { return r.owner }
