package main

import (
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/pkoning2/godecnet/addr"
	"github.com/pkoning2/godecnet/ddcmp"
	"github.com/pkoning2/godecnet/metrics"
	"github.com/pkoning2/godecnet/nsp"
	"github.com/pkoning2/godecnet/routing"
	"github.com/pkoning2/godecnet/sc"
	"github.com/pkoning2/godecnet/sched"
)

// ptpRouter adapts a single routing.PtpCircuit (one point-to-point peer) to
// nsp.Router: a circuit running in this daemon only ever has one possible
// destination, its negotiated neighbor, so the dst argument is advisory
// only and is not used to pick among multiple circuits. A node with several
// circuits would need a routing table here instead; that table is out of
// scope the same way spec.md leaves routing decision/forwarding out of
// scope for the point-to-point init sublayer.
type ptpRouter struct {
	circuit *routing.PtpCircuit
}

func (r *ptpRouter) Send(dst addr.NodeId, payload []byte) error {
	return r.circuit.Send(payload)
}

// Peer satisfies nsp's optional peer-aware Router extension: a single
// circuit has exactly one possible neighbor.
func (r *ptpRouter) Peer() addr.NodeId {
	return r.circuit.Peer()
}

// node bundles one running DECnet node: its scheduler, one DDCMP circuit,
// the point-to-point routing sublayer above it, NSP, and Session Control.
// Grounded on node.py's Node class, which owns exactly this set of
// sub-entities for a single-circuit node.
type node struct {
	Log *logrus.Entry

	sched   *sched.Node
	circuit *ddcmp.Circuit
	ptp     *routing.PtpCircuit
	nsp     *nsp.NSP
	sc      *sc.Dispatcher

	gauges   *metrics.SchedulerGauges
	registry *prometheus.Registry
}

// newNode wires one node around an already-established transport.
func newNode(cfg daemonConfig, conn ddcmp.Transport) *node {
	log := logrus.NewEntry(logrus.StandardLogger())
	sn := sched.NewNode(cfg.NodeName, log, 0)

	circuit := ddcmp.NewCircuit(cfg.CircuitName, log, sn, &ddcmp.Config{QMax: cfg.QMax, Mode: cfg.mode()}, conn)

	ptpCfg := &routing.Config{
		SrcNode: cfg.LocalNode, NodeType: cfg.NodeType,
		NodeName: cfg.NodeName, SysVer: "godecnet",
		BlkSize:    1498,
		Verify:     cfg.Verify,
		VerifyRecv: []byte(cfg.VerifyWith),
		VerifySend: []byte(cfg.VerifyWith),
	}
	ptp := routing.NewPtpCircuit(cfg.CircuitName, log, sn, ptpCfg, circuit, nil)
	circuit.CreatePort(ptp)

	n := nsp.NewNSPConfig(log, sn, &ptpRouter{circuit: ptp}, &nsp.Config{
		MaxConnections: cfg.MaxConnections,
		Weight:         cfg.NspWeight,
		Delay:          cfg.NspDelay,
	})
	ptp.SetOwner(n)

	disp := sc.NewDispatcher(log, sn)
	disp.SetNSP(n)
	disp.Register(sc.ObjectDesc{Number: sc.MirrorObjectNumber, Name: "MIRROR", App: sc.NewMirror()})
	n.SetConnectListener(disp)

	gauges := metrics.NewSchedulerGauges(cfg.NodeName)

	registry := prometheus.NewRegistry()
	registry.MustRegister(gauges.QueueDepth, gauges.ArmedTimers, metrics.NspConnectionGauge)
	registry.MustRegister(metrics.NewCircuitCollector(cfg.CircuitName, circuit.Counters))

	return &node{
		Log: log, sched: sn, circuit: circuit, ptp: ptp, nsp: n, sc: disp,
		gauges: gauges, registry: registry,
	}
}

// Start opens the datalink circuit and begins the node's single dispatch
// loop on the calling goroutine; it returns once Stop is called.
func (n *node) Start() error {
	n.sched.AddWork(startWork{n})
	go n.sampleQueueDepth()
	n.sched.Run()
	return nil
}

// startWork brings the circuit up from the node goroutine, so the routing
// state machine's first transitions happen where all the others do.
type startWork struct{ n *node }

func (s startWork) Owner() sched.Owner { return s }
func (s startWork) Dispatch(sched.Work) {
	s.n.ptp.Start()
}

// sampleQueueDepth periodically samples the work queue length into the
// scheduler gauges. QueueLen is safe from any goroutine; ArmedTimers is
// not, so it is left to a node-goroutine caller in a fuller deployment.
func (n *node) sampleQueueDepth() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		n.gauges.QueueDepth.Set(float64(n.sched.QueueLen()))
	}
}

func (n *node) Stop() {
	n.circuit.Close()
	n.sched.Stop()
}

// openTransport establishes the byte pipe (or datagram socket) the DDCMP
// circuit frames over, the outbound/inbound halves of session/tcp.go's
// connection setup generalized to DDCMP's three transports.
func openTransport(cfg daemonConfig) (ddcmp.Transport, error) {
	if cfg.UDP {
		raddr, err := net.ResolveUDPAddr("udp", cfg.Connect)
		if err != nil {
			return nil, err
		}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return nil, err
		}
		return ddcmp.NewUDPTransport(conn), nil
	}
	if cfg.Connect != "" {
		return net.Dial("tcp", cfg.Connect)
	}
	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}
	defer l.Close()
	conn, err := l.Accept()
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	return conn, nil
}
