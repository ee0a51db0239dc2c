package routing

import (
	"testing"
	"time"

	"github.com/pkoning2/godecnet/addr"
	"github.com/pkoning2/godecnet/datalink"
	"github.com/pkoning2/godecnet/sched"
)

// fakePort wires two PtpCircuits directly together without a real datalink,
// delivering each Send as a Received work item on the peer's node.
type fakePort struct {
	peerNode  *sched.Node
	peerOwner sched.Owner
}

func (f *fakePort) Open() error  { return nil }
func (f *fakePort) Close() error { return nil }
func (f *fakePort) Send(frame []byte) error {
	f.peerNode.AddWork(datalink.NewReceived(f.peerOwner, append([]byte(nil), frame...)))
	return nil
}

// sinkPort swallows frames, for single-ended state machine tests.
type sinkPort struct {
	sent [][]byte
}

func (s *sinkPort) Open() error  { return nil }
func (s *sinkPort) Close() error { return nil }
func (s *sinkPort) Send(frame []byte) error {
	s.sent = append(s.sent, append([]byte(nil), frame...))
	return nil
}

type upRecorder struct {
	up chan struct{}
}

func (r *upRecorder) Dispatch(w sched.Work) {
	if st, ok := w.(datalink.DlStatus); ok && st.Status == datalink.StatusUp {
		select {
		case r.up <- struct{}{}:
		default:
		}
	}
}

func TestPtpCircuitPhase4Handshake(t *testing.T) {
	nodeA := sched.NewNode("a", nil, 0)
	nodeB := sched.NewNode("b", nil, 0)
	go nodeA.Run()
	go nodeB.Run()
	defer nodeA.Stop()
	defer nodeB.Stop()

	cfgA := (&Config{SrcNode: mustNode(1, 1), NodeType: NtypeL2Router}).Check()
	cfgB := (&Config{SrcNode: mustNode(1, 2), NodeType: NtypeL2Router}).Check()

	recA, recB := &upRecorder{up: make(chan struct{}, 1)}, &upRecorder{up: make(chan struct{}, 1)}

	circA := NewPtpCircuit("a-b", nil, nodeA, cfgA, nil, recA)
	circB := NewPtpCircuit("b-a", nil, nodeB, cfgB, nil, recB)
	circA.port = &fakePort{peerNode: nodeB, peerOwner: circB}
	circB.port = &fakePort{peerNode: nodeA, peerOwner: circA}

	nodeA.AddWork(startWork{circA})
	nodeB.AddWork(startWork{circB})
	// The datalink handshake is not part of this test; report both circuits
	// up directly.
	nodeA.AddWork(datalink.NewDlStatus(circA, datalink.StatusUp))
	nodeB.AddWork(datalink.NewDlStatus(circB, datalink.StatusUp))

	select {
	case <-recA.up:
	case <-time.After(2 * time.Second):
		t.Fatal("circuit a never reached running")
	}
	select {
	case <-recB.up:
	case <-time.After(2 * time.Second):
		t.Fatal("circuit b never reached running")
	}
}

func TestPtpCircuitRejectsUnknownNodeType(t *testing.T) {
	node := sched.NewNode("x", nil, 0) // never Run: the test drives Dispatch itself
	cfg := (&Config{SrcNode: mustNode(1, 1), NodeType: NtypeEndnode}).Check()
	port := &sinkPort{}
	p := NewPtpCircuit("x-y", nil, node, cfg, port, nil)

	p.Start()
	p.onDlStatus(datalink.StatusUp)
	if p.state != csRI {
		t.Fatalf("state after up = %v, want RI", p.state)
	}

	bad := PtpInit{SrcNode: mustNode(1, 2), NodeType: 5, BlkSize: 576, Tiver: addr.TiverPhase4, Timer: 10}
	p.onFrame(bad.Encode())
	if p.state != csDS {
		t.Fatalf("state after bad ntype = %v, want DS", p.state)
	}
}

func TestPtpCircuitBlockingFlagRestarts(t *testing.T) {
	node := sched.NewNode("x", nil, 0)
	cfg := (&Config{SrcNode: mustNode(1, 1), NodeType: NtypeEndnode}).Check()
	p := NewPtpCircuit("x-y", nil, node, cfg, &sinkPort{}, nil)

	p.Start()
	p.onDlStatus(datalink.StatusUp)
	blocked := PtpInit{SrcNode: mustNode(1, 2), NodeType: NtypeL1Router, Blo: true, BlkSize: 576, Tiver: addr.TiverPhase4, Timer: 10}
	p.onFrame(blocked.Encode())
	if p.state != csDS {
		t.Fatalf("state after blocking init = %v, want DS", p.state)
	}
}

func TestPtpCircuitPhase3PeerDowngrades(t *testing.T) {
	node := sched.NewNode("x", nil, 0)
	cfg := (&Config{SrcNode: mustNode(1, 1), NodeType: NtypeL2Router}).Check()
	port := &sinkPort{}
	p := NewPtpCircuit("x-y", nil, node, cfg, port, nil)

	p.Start()
	p.onDlStatus(datalink.StatusUp)
	port.sent = nil

	init3 := PtpInit3{SrcNode: 42, NodeType: NtypeEndnode, BlkSize: 576, Tiver: addr.TiverPhase3}
	p.onFrame(init3.Encode())

	if p.state != csRU {
		t.Fatalf("state = %v, want RU", p.state)
	}
	if p.negPhase != phase3 {
		t.Fatalf("negotiated phase = %v, want phase3", p.negPhase)
	}
	// The reply to a Phase III init must itself be a Phase III init, and an
	// area router presents itself as a level 1 router there.
	if len(port.sent) == 0 {
		t.Fatal("no reply sent")
	}
	reply, err := DecodePtpInit3(port.sent[0])
	if err != nil {
		t.Fatalf("reply was not a phase 3 init: %v", err)
	}
	if reply.NodeType != NtypeL1Router {
		t.Errorf("advertised ntype = %d, want L1 router", reply.NodeType)
	}
}

func TestPtpCircuitVerificationMismatchRestarts(t *testing.T) {
	node := sched.NewNode("x", nil, 0)
	cfg := (&Config{
		SrcNode: mustNode(1, 1), NodeType: NtypeEndnode,
		Verify: true, VerifyRecv: []byte("SECRET"),
	}).Check()
	p := NewPtpCircuit("x-y", nil, node, cfg, &sinkPort{}, nil)

	p.Start()
	p.onDlStatus(datalink.StatusUp)
	init := PtpInit{SrcNode: mustNode(1, 2), NodeType: NtypeEndnode, BlkSize: 576, Tiver: addr.TiverPhase4, Timer: 10}
	p.onFrame(init.Encode())
	if p.state != csRV {
		t.Fatalf("state = %v, want RV", p.state)
	}

	p.onFrame(PtpVerify{SrcNode: mustNode(1, 2), FcnVal: []byte("WRONG")}.Encode())
	if p.state != csDS {
		t.Fatalf("state after bad verify = %v, want DS", p.state)
	}
}

func mustNode(area, node uint) addr.NodeId {
	id, err := addr.NewNodeId(area, node)
	if err != nil {
		panic(err)
	}
	return id
}

// startWork lets the test call PtpCircuit.Start on the owning node goroutine.
type startWork struct{ c *PtpCircuit }

func (s startWork) Owner() sched.Owner { return startDispatcher{s} }

type startDispatcher struct{ s startWork }

func (d startDispatcher) Dispatch(sched.Work) { d.s.c.Start() }
