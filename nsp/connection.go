package nsp

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pkoning2/godecnet/addr"
	"github.com/pkoning2/godecnet/sched"
)

// cstate is a Connection's position in the s0/cr/ci/cd/cc/run/di table.
// nsp.py's design note explains why there is no separate set of
// "waiting for SC to poll" states: the original SC-polling states (O/DN/
// RJ/NC/NR) collapse into immediate callbacks, so only the wire-driven
// states remain.
type cstate int

const (
	csS0     cstate = iota // idle, unused connection-id slot
	csCR                   // connect received, waiting for application accept/reject
	csCI                   // connect initiated, waiting for AckConn/ConnConf
	csCD                   // connect delivered: CI acked, ConnConf outstanding
	csCC                   // accept sent, waiting for first traffic
	csRun                  // running
	csDI                   // DiscInit sent, waiting for DiscConf
	csClosed               // retired; the id is back in the pool
)

// API misuse errors, raised to the application and never sent to the wire.
var (
	ErrWrongState      = errors.New("nsp: connection in wrong state")
	ErrRange           = errors.New("nsp: parameter out of range")
	ErrConnectionLimit = errors.New("nsp: connection limit reached")
	ErrCantSend        = errors.New("nsp: can't send interrupt at this time")
)

// Owner receives inbound application data and connection lifecycle events
// for one Connection. Session Control implements this.
type Owner interface {
	OnConnect(c *Connection, data []byte)
	OnAccept(c *Connection, data []byte)
	OnData(c *Connection, data []byte)
	OnInterrupt(c *Connection, data []byte)
	OnDisconnect(c *Connection, reason uint16, data []byte)
}

// Connection is one NSP logical link, addressed locally by a LinkAddr drawn
// from the owning NSP entity's id pool.
type Connection struct {
	Log *logrus.Entry

	nsp   *NSP
	owner Owner

	local  LinkAddr
	remote LinkAddr
	peer   addr.NodeId

	state  cstate
	nspVer byte

	// segSize is the most this connection may put in one DataSeg payload:
	// min(the peer's advertised SegSize, our own MSS). It is unset (and
	// Send falls back to MSS) until the peer's ConnInit/ConnConf is seen.
	segSize uint16

	data  *subchannel
	other *subchannel

	rxbuf []byte // inbound message reassembly between BOM and EOM

	// A disconnect issued while data is still unacknowledged is held back
	// until the queue drains.
	shutdown   bool
	shutReason uint16
	shutData   []byte

	discReason uint16

	delay time.Duration // smoothed ack round-trip estimate
}

func newConnection(n *NSP, local LinkAddr, owner Owner, peer addr.NodeId) *Connection {
	return &Connection{
		Log: n.Log.WithField("link", local), nsp: n, owner: owner,
		local: local, peer: peer, nspVer: VerPh4,
		data: newSubchannel(false), other: newSubchannel(true),
	}
}

// minSegSize narrows a peer-advertised segsize to our own MSS ceiling,
// tolerating a zero/oversized value from an unvalidated peer.
func minSegSize(remote uint16) uint16 {
	if remote == 0 || remote > MSS {
		return MSS
	}
	return remote
}

// LocalAddr returns the connection's own 16-bit port number.
func (c *Connection) LocalAddr() LinkAddr { return c.local }

// RemoteNode returns the peer node this link runs to.
func (c *Connection) RemoteNode() addr.NodeId { return c.peer }

// Dispatch implements sched.Owner for the connection's retransmit timer.
func (c *Connection) Dispatch(w sched.Work) {
	if _, ok := w.(sched.Timeout); ok {
		c.onRetransmitTimeout()
	}
}

// hdr builds the Dst/Src pair for an outbound message.
func (c *Connection) hdr() header {
	return header{Dst: c.remote, Src: c.local}
}

// post queues e on sub and transmits it immediately when flow control
// permits.
func (c *Connection) post(sub *subchannel, e *txqEntry) {
	if sub.queue(e) {
		e.sent = true
		c.xmit(e)
	}
}

func (c *Connection) xmit(e *txqEntry) {
	e.tries++
	if e.txtime.IsZero() {
		e.txtime = time.Now()
	}
	c.nsp.routeSend(c.peer, e.encode(e.tries > 1))
	c.armRetransmit()
}

// pumpSend transmits whatever newly fits in the send window.
func (c *Connection) pumpSend(sub *subchannel) {
	for _, e := range sub.pump() {
		c.xmit(e)
	}
}

func (c *Connection) armRetransmit() {
	if c.nsp.node != nil {
		c.nsp.node.StartTimer(c, c.ackTimeout())
	}
}

func (c *Connection) stopRetransmit() {
	if c.nsp.node != nil {
		c.nsp.node.StopTimer(c)
	}
}

// ackTimeout derives the retransmit interval from the smoothed delay
// estimate, floored at five seconds.
func (c *Connection) ackTimeout() time.Duration {
	if c.delay > 0 {
		t := time.Duration(float64(c.delay) * c.nsp.cfg.Delay)
		if t > 5*time.Second {
			return t
		}
	}
	return 5 * time.Second
}

// noteAcked feeds acknowledged entries into the delay estimate and quiets
// the retransmit timer once nothing is outstanding.
func (c *Connection) noteAcked(acked []*txqEntry) {
	for _, e := range acked {
		if e.tries == 1 && !e.txtime.IsZero() {
			c.updateDelay(time.Since(e.txtime))
		}
	}
	if len(c.data.unacked()) == 0 && len(c.other.unacked()) == 0 {
		c.stopRetransmit()
	}
	if c.shutdown && len(c.data.pending) == 0 {
		// Deferred disconnect: the data queue finally drained.
		c.shutdown = false
		c.sendDiscInit(c.shutReason, c.shutData)
		c.state = csDI
	}
}

// updateDelay blends one round-trip observation into the estimate,
// NSP 4.0.1's weighted average with the configured nsp-weight.
func (c *Connection) updateDelay(delta time.Duration) {
	if c.delay == 0 {
		c.delay = delta
		return
	}
	c.delay += (delta - c.delay) / time.Duration(c.nsp.cfg.Weight+1)
}

// onRetransmitTimeout resends the oldest transmitted-but-unacknowledged
// entry; anything behind it follows once the peer's ack or nak sorts the
// window out.
func (c *Connection) onRetransmitTimeout() {
	if c.state == csClosed {
		return
	}
	for _, sub := range []*subchannel{c.data, c.other} {
		if pend := sub.unacked(); len(pend) > 0 {
			c.xmit(pend[0])
			return
		}
	}
}

// retransmitAll resends every outstanding entry in order, the response to
// an explicit NAK.
func (c *Connection) retransmitAll(sub *subchannel) {
	for _, e := range sub.unacked() {
		c.xmit(e)
	}
}

// connect initiates an outbound logical link to peer, carrying Session
// Control connect data.
func (c *Connection) connect(payload []byte) {
	ci := ConnInit{
		Src: c.local, FcOpt: SvcNone, Info: VerPh4,
		SegSize: MSS, Payload: payload,
	}
	c.state = csCI
	c.post(c.data, &txqEntry{encode: func(retry bool) []byte {
		ci.Retransmit = retry
		return ci.Encode()
	}})
}

// Accept confirms an inbound connection received as OnConnect.
func (c *Connection) Accept(data []byte) error {
	if c.state != csCR {
		return ErrWrongState
	}
	cc := ConnConf{header: c.hdr(), FcOpt: SvcNone, Info: VerPh4, SegSize: MSS, Data: data}
	c.state = csCC
	if c.nspVer == VerPh2 {
		c.state = csRun
	}
	c.post(c.data, &txqEntry{encode: func(bool) []byte { return cc.Encode() }})
	return nil
}

// Reject refuses an inbound connection with reason and reject data.
func (c *Connection) Reject(reason uint16, data []byte) error {
	if c.state != csCR {
		return ErrWrongState
	}
	if err := checkReason(reason); err != nil {
		return err
	}
	c.sendDiscInit(reason, data)
	c.state = csDI
	return nil
}

// Disconnect closes a running connection cleanly: the DiscInit goes out
// only after all pending data has been acknowledged.
func (c *Connection) Disconnect(reason uint16, data []byte) error {
	if c.state != csRun {
		return ErrWrongState
	}
	if err := checkReason(reason); err != nil {
		return err
	}
	if len(c.data.pending) > 0 {
		c.shutdown = true
		c.shutReason, c.shutData = reason, data
		c.state = csDI
		return nil
	}
	c.state = csDI
	c.sendDiscInit(reason, data)
	return nil
}

// Abort closes a running connection immediately, discarding any pending
// transmits.
func (c *Connection) Abort(reason uint16, data []byte) error {
	if c.state != csRun && c.state != csCR {
		return ErrWrongState
	}
	if err := checkReason(reason); err != nil {
		return err
	}
	c.data.close()
	c.other.close()
	c.stopRetransmit()
	c.sendDiscInit(reason, data)
	c.state = csDI
	return nil
}

// checkReason guards the application-supplied disconnect codes: one octet,
// excluding the values reserved to NSP itself.
func checkReason(reason uint16) error {
	switch reason {
	case ReasonNoRes, ReasonDiscComp, ReasonNoLink, 41:
		return ErrRange
	}
	if reason > 255 {
		return ErrRange
	}
	return nil
}

func (c *Connection) sendDiscInit(reason uint16, data []byte) {
	di := DiscInit{header: c.hdr(), Reason: reason, Data: data}
	c.discReason = reason
	c.post(c.data, &txqEntry{encode: func(bool) []byte { return di.Encode() }})
}

// Send segments payload into pieces no larger than the negotiated segsize,
// BOM set on the first segment and EOM on the last. Segments queue without
// limit; transmission follows the flow control regime.
func (c *Connection) Send(payload []byte) error {
	if c.state != csRun {
		return ErrWrongState
	}
	size := int(c.segSize)
	if size == 0 {
		size = MSS
	}
	if len(payload) == 0 {
		c.sendSeg(nil, true, true)
		return nil
	}
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		c.sendSeg(payload[off:end], off == 0, end == len(payload))
	}
	return nil
}

func (c *Connection) sendSeg(chunk []byte, bom, eom bool) {
	seq := c.data.nextSeq()
	pkt := DataSeg{header: c.hdr(), BOM: bom, EOM: eom, SegNum: seq, Payload: chunk}
	c.post(c.data, &txqEntry{
		numbered: true, seq: seq, eom: eom,
		encode: func(bool) []byte { return pkt.Encode() },
	})
}

// Interrupt sends one interrupt message on the other-data subchannel. It is
// refused outright when no interrupt credit remains; unlike data, interrupts
// are never queued to wait for credit.
func (c *Connection) Interrupt(payload []byte) error {
	if c.state != csRun {
		return ErrWrongState
	}
	inflight := 0
	for _, e := range c.other.pending {
		if e.isInt {
			inflight++
		}
	}
	if inflight >= c.other.reqNum {
		return ErrCantSend
	}
	seq := c.other.nextSeq()
	pkt := IntMsg{header: c.hdr(), SegNum: seq, Payload: payload}
	c.post(c.other, &txqEntry{
		numbered: true, seq: seq, isInt: true,
		encode: func(bool) []byte { return pkt.Encode() },
	})
	return nil
}

// sendLinkSvc emits a link service message on the other-data subchannel.
func (c *Connection) sendLinkSvc(fcmod, fcvalInt int, fcval int8) {
	seq := c.other.nextSeq()
	pkt := LinkSvcMsg{header: c.hdr(), SegNum: seq, FcMod: fcmod, FcValInt: fcvalInt, FcVal: fcval}
	c.post(c.other, &txqEntry{
		numbered: true, seq: seq,
		encode: func(bool) []byte { return pkt.Encode() },
	})
}

// accepts applies spec.md §4.G step 7's per-state packet filter before a
// message mapped to this connection reaches deliver.
func (c *Connection) accepts(m Message) bool {
	switch c.state {
	case csCI, csCD:
		switch {
		case m.AckConn != nil, m.ConnConf != nil, m.DiscInit != nil, m.DiscConf != nil:
			return true
		default:
			return false
		}
	default:
		if m.AckConn != nil {
			return false // AckConn only ever matches a connection in CI
		}
		if c.remote != 0 {
			if src, ok := messageSrc(m); ok && src != c.remote {
				return false
			}
		}
		return true
	}
}

// deliver applies one decoded Message addressed to this connection. It is
// only ever called on the node goroutine, so no locking is needed here.
func (c *Connection) deliver(m Message) {
	if c.state == csCC {
		switch {
		case m.AckData != nil, m.AckOther != nil, m.Data != nil, m.Int != nil, m.LinkSvc != nil:
			// Any subchannel traffic past the ConnConf we sent confirms it.
			c.noteAcked(c.data.ack(0))
			c.state = csRun
		}
	}
	switch {
	case m.ConnInit != nil:
		// A retransmitted CI reaching a connection still in CR deserves a
		// fresh AckConn.
		if c.state == csCR && c.nspVer != VerPh2 {
			c.nsp.routeSend(c.peer, AckConn{Dst: c.remote}.Encode())
		}
	case m.ConnConf != nil:
		c.onConnConf(*m.ConnConf)
	case m.AckConn != nil:
		c.onAckConn()
	case m.DiscInit != nil:
		c.onDiscInit(*m.DiscInit)
	case m.DiscConf != nil:
		c.onDiscConf(*m.DiscConf)
	case m.AckData != nil:
		c.applyAck(m.AckData.Ack, c.data)
		c.applyAck(m.AckData.Oth, c.other)
	case m.AckOther != nil:
		c.applyAck(m.AckOther.Ack, c.other)
		c.applyAck(m.AckOther.Oth, c.data)
	case m.Data != nil:
		c.applyAck(m.Data.Ack, c.data)
		c.applyAck(m.Data.Oth, c.other)
		c.onData(*m.Data)
	case m.Int != nil:
		c.applyAck(m.Int.Ack, c.other)
		c.applyAck(m.Int.Oth, c.data)
		c.onInt(*m.Int)
	case m.LinkSvc != nil:
		c.applyAck(m.LinkSvc.Ack, c.other)
		c.applyAck(m.LinkSvc.Oth, c.data)
		c.onLinkSvc(*m.LinkSvc)
	}
}

func (c *Connection) applyAck(f AckField, sub *subchannel) {
	if !f.Present {
		return
	}
	c.noteAcked(sub.ack(f.Num))
	if f.Nak {
		c.retransmitAll(sub)
	}
	c.pumpSend(sub)
}

// onAckConn is the callee's acknowledgment of our ConnInit (Phase≥3 only):
// pop the CI from the retransmit queue and wait in CD for the ConnConf.
func (c *Connection) onAckConn() {
	if c.state != csCI {
		return
	}
	c.noteAcked(c.data.ack(0))
	c.state = csCD
}

func (c *Connection) onConnConf(m ConnConf) {
	if c.state != csCI && c.state != csCD {
		return
	}
	c.remote = m.header.Src
	c.nspVer = m.Info
	c.data.flow = m.FcOpt
	c.segSize = minSegSize(m.SegSize)
	c.noteAcked(c.data.ack(0)) // the ConnConf implicitly acks the CI
	c.nsp.registerRemote(c)
	c.state = csRun
	if c.nspVer != VerPh2 {
		// Resolution of the DataAck question: an explicit AckData on the
		// data subchannel, acknowledging whatever we have received so far.
		ack := AckData{header: c.hdr(), Ack: AckField{Present: true, Num: c.data.ackNum}}
		c.nsp.routeSend(c.peer, ack.Encode())
	}
	c.owner.OnAccept(c, m.Data)
}

func (c *Connection) onDiscInit(m DiscInit) {
	if c.state == csClosed {
		return
	}
	if c.remote == 0 {
		c.remote = m.header.Src // a connect reject arriving in CI/CD
	}
	wasUp := c.state == csRun || c.state == csCI || c.state == csCD || c.state == csCR || c.state == csCC
	c.discReason = m.Reason
	reply := DiscConf{header: c.hdr(), Reason: ReasonDiscComp}
	c.nsp.routeSend(c.peer, reply.Encode())
	if wasUp && c.owner != nil {
		c.owner.OnDisconnect(c, m.Reason, m.Data)
	}
	c.nsp.retire(c)
}

// onDiscConf applies spec.md §4.G step 3's reason specialization: the
// reserved reasons (NoRes/DiscComp/NoLink) are genuine confirms; any other
// reason is a Phase-II peer using this wire shape as a disconnect
// notification, handled like an inbound DiscInit.
func (c *Connection) onDiscConf(m DiscConf) {
	switch m.Reason {
	case ReasonDiscComp, ReasonNoLink:
		if c.state != csDI {
			return
		}
		c.nsp.retire(c)
	case ReasonNoRes:
		// The peer had no resources for our CI.
		wasUp := c.state == csCI || c.state == csCD
		if c.state == csDI {
			c.nsp.retire(c)
			return
		}
		if wasUp && c.owner != nil {
			c.owner.OnDisconnect(c, m.Reason, nil)
		}
		c.nsp.retire(c)
	default:
		c.onDiscInit(DiscInit{header: m.header, Reason: m.Reason})
	}
}

func (c *Connection) onData(m DataSeg) {
	if c.state != csRun {
		return
	}
	deliver, dup := c.data.receive(m.SegNum)
	switch {
	case deliver:
		c.reassemble(m.BOM, m.EOM, m.Payload)
		for _, seg := range c.data.drain() {
			c.reassemble(seg.bom, seg.eom, seg.payload)
		}
		c.ackData()
	case dup:
		c.ackData() // quiet the peer's retransmit
	default:
		c.data.stash(m.SegNum, oooSeg{payload: m.Payload, bom: m.BOM, eom: m.EOM})
	}
}

// reassemble accumulates BOM..EOM runs into one Session Control message.
func (c *Connection) reassemble(bom, eom bool, payload []byte) {
	if bom {
		c.rxbuf = c.rxbuf[:0]
	}
	c.rxbuf = append(c.rxbuf, payload...)
	if eom {
		msg := append([]byte(nil), c.rxbuf...)
		c.rxbuf = c.rxbuf[:0]
		if c.owner != nil {
			c.owner.OnData(c, msg)
		}
	}
}

func (c *Connection) onInt(m IntMsg) {
	if c.state != csRun {
		return
	}
	deliver, dup := c.other.receive(m.SegNum)
	switch {
	case deliver:
		if c.owner != nil {
			c.owner.OnInterrupt(c, m.Payload)
		}
		c.ackOther()
		// Grant the peer another interrupt; that is the whole of our local
		// flow control.
		c.sendLinkSvc(FcNoChange, FcIntReq, 1)
	case dup:
		c.ackOther()
	}
}

func (c *Connection) onLinkSvc(m LinkSvcMsg) {
	deliver, dup := c.other.receive(m.SegNum)
	if dup {
		c.ackOther()
		return
	}
	if !deliver {
		return
	}
	switch m.FcMod {
	case FcXoff:
		c.data.xon = false
	case FcXon:
		c.data.xon = true
	}
	switch m.FcValInt {
	case FcDataReq:
		c.data.reqNum += int(m.FcVal)
	case FcIntReq:
		if m.FcVal > 0 {
			c.other.reqNum += int(m.FcVal)
		}
	}
	c.ackOther()
	c.pumpSend(c.data)
	c.pumpSend(c.other)
}

func (c *Connection) ackData() {
	pkt := AckData{header: c.hdr(), Ack: AckField{Present: true, Num: c.data.ackNum}}
	c.nsp.routeSend(c.peer, pkt.Encode())
}

func (c *Connection) ackOther() {
	pkt := AckOther{header: c.hdr(), Ack: AckField{Present: true, Num: c.other.ackNum}}
	c.nsp.routeSend(c.peer, pkt.Encode())
}
