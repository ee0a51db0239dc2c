package nsp

import (
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/pkoning2/godecnet/addr"
	"github.com/pkoning2/godecnet/datalink"
	"github.com/pkoning2/godecnet/metrics"
	"github.com/pkoning2/godecnet/sched"
)

// Router is what NSP needs from the routing sublayer: send a packet toward
// a destination node, and receive inbound ones as datalink.Received work
// items addressed to this NSP instance.
type Router interface {
	Send(dst addr.NodeId, payload []byte) error
}

// peerAware is an optional Router extension: a Router backed by a single
// point-to-point circuit (cmd/decnetd's and cmd/dncat's ptpRouter) has
// exactly one possible neighbor and can report it, which is what NSP needs
// to key the retransmit/bounce-back matching spec.md §4.G steps 5-6
// describe. A Router fronting a real routing table would derive peer from
// the packet's own routing header instead; this module doesn't have one.
type peerAware interface {
	Peer() addr.NodeId
}

// ConnectListener resolves an inbound ConnInit NSP could not match to an
// existing connection to a destination application. Session Control
// (package sc) implements this; until one is wired in with
// SetConnectListener, every inbound connect request is rejected with
// NoRes, matching nsp.py's ReservedPort default.
type ConnectListener interface {
	OnConnectInit(n *NSP, peer addr.NodeId, remote LinkAddr, m ConnInit)
}

// Config carries the nsp configuration command's parameters.
type Config struct {
	MaxConnections int     // connection id pool size
	Weight         int     // delay-estimate blend weight
	Delay          float64 // retransmit timeout multiplier over the estimate
}

// Check applies defaults and panics on out-of-range values, at setup time.
func (c *Config) Check() *Config {
	if c.MaxConnections == 0 {
		c.MaxConnections = 4095
	} else if c.MaxConnections < 1 || c.MaxConnections > 65535 {
		panic("nsp: max-connections out of range")
	}
	if c.Weight == 0 {
		c.Weight = 3
	}
	if c.Delay == 0 {
		c.Delay = 2.0
	}
	return c
}

// rkey identifies a connection by its peer node and the peer's own port —
// spec.md §4.G step 6's "(remote_node, srcaddr)" key.
type rkey struct {
	peer   addr.NodeId
	remote LinkAddr
}

// NSP is one node's End Communications Layer instance: it owns the
// connection-id space and the routed Connection table, and dispatches
// inbound messages to the right Connection.deliver. Grounded on nsp.py's
// NSP class (connections/rconnections dicts, get_id/ret_id pool).
type NSP struct {
	Log *logrus.Entry

	node     *sched.Node
	router   Router
	cfg      *Config
	listener ConnectListener

	connections  map[LinkAddr]*Connection
	rconnections map[rkey]*Connection
	freeIDs      []LinkAddr
}

// NewNSP returns an NSP entity that sends outbound traffic through router
// and is driven by inbound work on node.
func NewNSP(log *logrus.Entry, node *sched.Node, router Router) *NSP {
	return NewNSPConfig(log, node, router, &Config{})
}

// NewNSPConfig is NewNSP with explicit nsp-command parameters.
func NewNSPConfig(log *logrus.Entry, node *sched.Node, router Router, cfg *Config) *NSP {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	n := &NSP{
		Log: log.WithField("layer", "nsp"), node: node, router: router,
		cfg:          cfg.Check(),
		connections:  make(map[LinkAddr]*Connection),
		rconnections: make(map[rkey]*Connection),
	}
	n.initIDs()
	return n
}

// SetConnectListener wires Session Control's object lookup into inbound
// ConnInit handling.
func (n *NSP) SetConnectListener(l ConnectListener) {
	n.listener = l
}

// initIDs seeds the free connection-id pool: ids 1..maxconns, each offset
// by a random multiple of maxconns+1 so reconnections do not trivially
// reuse a recent port number. The NSP spec mandates this rotation for
// Phase 2 intercept interoperability.
func (n *NSP) initIDs() {
	c := n.cfg.MaxConnections + 1
	n.freeIDs = make([]LinkAddr, 0, n.cfg.MaxConnections)
	for i := 1; i < c; i++ {
		n.freeIDs = append(n.freeIDs, LinkAddr(uint16(i)+uint16(rand.Intn(65536/c))*uint16(c)))
	}
}

// getID allocates a connection id from the head of the pool; zero and
// ErrConnectionLimit when none remain.
func (n *NSP) getID() (LinkAddr, error) {
	if len(n.freeIDs) == 0 {
		return 0, ErrConnectionLimit
	}
	id := n.freeIDs[0]
	n.freeIDs = n.freeIDs[1:]
	return id, nil
}

// retID returns an id to the tail of the pool, advanced by maxconns+1 mod
// 2^16 so its next user presents a different port number on the wire.
func (n *NSP) retID(id LinkAddr) {
	n.freeIDs = append(n.freeIDs, LinkAddr(uint16(id)+uint16(n.cfg.MaxConnections+1)))
}

// retire removes c from both connection tables and recycles its id.
func (n *NSP) retire(c *Connection) {
	if c.state == csClosed {
		return
	}
	c.state = csClosed
	c.data.close()
	c.other.close()
	c.stopRetransmit()
	if _, ok := n.connections[c.local]; ok {
		metrics.NspConnectionGauge.WithLabelValues(n.nodeName()).Dec()
	}
	delete(n.connections, c.local)
	if c.remote != 0 {
		delete(n.rconnections, rkey{peer: c.peer, remote: c.remote})
	}
	n.retID(c.local)
}

// registerRemote indexes c by its now-known remote port.
func (n *NSP) registerRemote(c *Connection) {
	if c.remote != 0 {
		n.rconnections[rkey{peer: c.peer, remote: c.remote}] = c
	}
}

// nodeName labels the shared NspConnectionGauge; a nil node (as in unit
// tests constructing a bare NSP) falls back to the empty label.
func (n *NSP) nodeName() string {
	if n.node == nil {
		return ""
	}
	return n.node.Name
}

func (n *NSP) routeSend(dst addr.NodeId, payload []byte) {
	if n.router == nil {
		return
	}
	n.router.Send(dst, payload)
}

// Connect creates a new outbound Connection toward peer and starts its
// connect handshake, carrying Session Control connect data as the payload.
func (n *NSP) Connect(owner Owner, peer addr.NodeId, payload []byte) (*Connection, error) {
	id, err := n.getID()
	if err != nil {
		return nil, err
	}
	c := newConnection(n, id, owner, peer)
	n.connections[id] = c
	metrics.NspConnectionGauge.WithLabelValues(n.nodeName()).Inc()
	c.connect(payload)
	return c, nil
}

// Dispatch implements sched.Owner: it is fed datalink.Received work items
// carrying inbound packets already routed to this node by the routing
// sublayer, and decodes/dispatches them to the addressed Connection.
func (n *NSP) Dispatch(w sched.Work) {
	item, ok := w.(datalink.Received)
	if !ok {
		return
	}
	n.onPacket(item.Packet)
}

// onPacket is also exposed directly for tests and for a Router
// implementation that prefers a plain function call over work-item
// indirection. It implements spec.md §4.G's 8-step receive dispatcher.
func (n *NSP) onPacket(buf []byte) {
	m, err := Decode(buf)
	if err != nil {
		// Step 1: an unrecognized msgflag, and step 4's invalid ConnInit
		// (nonzero dstaddr), both surface as a decode error and are
		// logged and dropped identically.
		n.Log.WithError(err).Debug("nsp: invalid message, dropped")
		return
	}
	if m.Flag.Type == typeCtl && m.Flag.Subtype == subCtlNop {
		return // step 2: NOP is silently dropped
	}
	if m.ConnInit != nil {
		n.dispatchConnInit(*m.ConnInit)
		return
	}
	dst := messageDst(m)
	c, ok := n.connections[dst]
	if !ok || c.state == csClosed {
		n.Log.WithField("link", dst).Debug("nsp: no such link")
		n.noLinkReply(m) // step 8
		return
	}
	if !c.accepts(m) { // step 7
		n.Log.WithField("link", dst).Debug("nsp: packet not valid in current state")
		return
	}
	c.deliver(m)
}

// dispatchConnInit implements steps 5-6: a returned-to-sender ConnInit
// (our own outbound CI bounced back undeliverable) is recognized by its
// own Src matching one of our local ports still waiting in CI; otherwise
// it's a genuine inbound request, matched against a pending retransmit or
// handed to the listener to allocate.
func (n *NSP) dispatchConnInit(m ConnInit) {
	if c, ok := n.connections[m.Src]; ok && c.state == csCI {
		n.Log.WithField("link", c.local).Debug("nsp: conninit undeliverable, destination unreachable")
		if c.owner != nil {
			c.owner.OnDisconnect(c, ReasonNoLink, nil)
		}
		n.retire(c)
		return
	}
	peer := n.routerPeer()
	if c, ok := n.rconnections[rkey{peer: peer, remote: m.Src}]; ok {
		if c.state == csCR || c.state == csCC {
			c.deliver(Message{ConnInit: &m})
		}
		return
	}
	if n.listener == nil {
		n.Log.Debug("nsp: connect request, no listener wired")
		n.RejectConnInit(peer, m.Src, ReasonNoRes)
		return
	}
	n.listener.OnConnectInit(n, peer, m.Src, m)
}

// noLinkReply implements step 8: most unmapped packets are dropped
// silently, but anything data-bearing (it would otherwise go unanswered
// forever) gets a No-Link reply from the reserved port.
func (n *NSP) noLinkReply(m Message) {
	switch {
	case m.ConnConf != nil, m.DiscInit != nil, m.Data != nil, m.Int != nil, m.LinkSvc != nil:
		src, ok := messageSrc(m)
		if !ok {
			return
		}
		n.RejectConnInit(n.routerPeer(), src, ReasonNoLink)
	}
}

// routerPeer reports the single neighbor of a point-to-point Router, or
// the zero NodeId if router doesn't implement peerAware.
func (n *NSP) routerPeer() addr.NodeId {
	if pa, ok := n.router.(peerAware); ok {
		return pa.Peer()
	}
	return 0
}

// RejectConnInit replies to an inbound request without ever allocating a
// Connection for it: a DiscConf from the reserved port carrying reason, which
// is NSP's NoRes (no listener/no resources) or No-Link (unmapped
// data-bearing packet), or a Session Control reject reason.
func (n *NSP) RejectConnInit(peer addr.NodeId, remote LinkAddr, reason uint16) {
	pkt := DiscConf{header: header{Dst: remote, Src: 0}, Reason: reason}
	n.routeSend(peer, pkt.Encode())
}

func messageDst(m Message) LinkAddr {
	switch {
	case m.ConnConf != nil:
		return m.ConnConf.Dst
	case m.DiscInit != nil:
		return m.DiscInit.Dst
	case m.DiscConf != nil:
		return m.DiscConf.Dst
	case m.AckData != nil:
		return m.AckData.Dst
	case m.AckOther != nil:
		return m.AckOther.Dst
	case m.AckConn != nil:
		return m.AckConn.Dst
	case m.Data != nil:
		return m.Data.Dst
	case m.Int != nil:
		return m.Int.Dst
	case m.LinkSvc != nil:
		return m.LinkSvc.Dst
	}
	return 0
}

// messageSrc mirrors messageDst for the header's Src half, used to validate
// that a mapped message actually came from the connection's known peer
// port. AckConn carries no Src of its own, so it has no case here.
func messageSrc(m Message) (LinkAddr, bool) {
	switch {
	case m.ConnConf != nil:
		return m.ConnConf.Src, true
	case m.DiscInit != nil:
		return m.DiscInit.Src, true
	case m.DiscConf != nil:
		return m.DiscConf.Src, true
	case m.AckData != nil:
		return m.AckData.Src, true
	case m.AckOther != nil:
		return m.AckOther.Src, true
	case m.Data != nil:
		return m.Data.Src, true
	case m.Int != nil:
		return m.Int.Src, true
	case m.LinkSvc != nil:
		return m.LinkSvc.Src, true
	}
	return 0, false
}

// AcceptConnInit is called by an upper layer (Session Control) once it has
// identified the destination object for an inbound ConnInit, to finish
// registering the Connection the normal connect path builds automatically.
// It also sends the immediate AckConn spec.md §3/§4.G require before the
// application's own accept/reject decision produces a ConnConf/DiscInit.
func (n *NSP) AcceptConnInit(owner Owner, peer addr.NodeId, remote LinkAddr, m ConnInit) (*Connection, error) {
	id, err := n.getID()
	if err != nil {
		n.RejectConnInit(peer, remote, ReasonNoRes)
		return nil, err
	}
	c := newConnection(n, id, owner, peer)
	c.remote = remote
	c.nspVer = m.Info
	c.data.flow = m.FcOpt
	c.segSize = minSegSize(m.SegSize)
	c.state = csCR
	n.connections[id] = c
	n.registerRemote(c)
	metrics.NspConnectionGauge.WithLabelValues(n.nodeName()).Inc()
	if c.nspVer != VerPh2 {
		n.routeSend(peer, AckConn{Dst: remote}.Encode())
	}
	return c, nil
}
