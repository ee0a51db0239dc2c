package nsp

import (
	"bytes"
	"testing"

	"github.com/pkoning2/godecnet/addr"
)

// loopRouter hands every Send straight to peer's NSP.onPacket, standing in
// for the routing sublayer in a test that only cares about NSP's own state
// machine.
type loopRouter struct {
	peer *NSP
}

func (r *loopRouter) Send(dst addr.NodeId, payload []byte) error {
	r.peer.onPacket(payload)
	return nil
}

// sinkRouter records payloads without delivering them anywhere.
type sinkRouter struct {
	sent [][]byte
}

func (r *sinkRouter) Send(dst addr.NodeId, payload []byte) error {
	r.sent = append(r.sent, append([]byte(nil), payload...))
	return nil
}

type recordingOwner struct {
	accepted     bool
	gotData      [][]byte
	gotInts      [][]byte
	disconnected bool
	discReason   uint16
}

func (o *recordingOwner) OnConnect(c *Connection, data []byte)   {}
func (o *recordingOwner) OnAccept(c *Connection, data []byte)    { o.accepted = true }
func (o *recordingOwner) OnData(c *Connection, data []byte)      { o.gotData = append(o.gotData, data) }
func (o *recordingOwner) OnInterrupt(c *Connection, data []byte) { o.gotInts = append(o.gotInts, data) }
func (o *recordingOwner) OnDisconnect(c *Connection, reason uint16, data []byte) {
	o.disconnected = true
	o.discReason = reason
}

// acceptListener stands in for Session Control: every inbound connect is
// accepted on behalf of owner.
type acceptListener struct {
	owner      Owner
	acceptData []byte
	conn       *Connection
}

func (l *acceptListener) OnConnectInit(n *NSP, peer addr.NodeId, remote LinkAddr, m ConnInit) {
	c, err := n.AcceptConnInit(l.owner, peer, remote, m)
	if err != nil {
		return
	}
	l.conn = c
	c.Accept(l.acceptData)
}

func TestConnectionFullLifecycle(t *testing.T) {
	nA := NewNSP(nil, nil, nil)
	nB := NewNSP(nil, nil, nil)
	nA.router = &loopRouter{peer: nB}
	nB.router = &loopRouter{peer: nA}

	ownerA := &recordingOwner{}
	ownerB := &recordingOwner{}
	nB.SetConnectListener(&acceptListener{owner: ownerB, acceptData: []byte("welcome")})

	cA, err := nA.Connect(ownerA, 0, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !ownerA.accepted {
		t.Fatal("initiator never saw accept")
	}
	cB := nB.connections[nB.rconnections[rkey{peer: 0, remote: cA.local}].local]
	if cA.state != csRun || cB.state != csRun {
		t.Fatalf("states: a=%v b=%v", cA.state, cB.state)
	}

	if err := cA.Send([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	if len(ownerB.gotData) != 1 || string(ownerB.gotData[0]) != "ping" {
		t.Fatalf("got %v", ownerB.gotData)
	}
	if len(cA.data.pending) != 0 {
		t.Fatalf("segment not acknowledged: %d pending", len(cA.data.pending))
	}

	if err := cB.Interrupt([]byte{1}); err != nil {
		t.Fatal(err)
	}
	if len(ownerA.gotInts) != 1 {
		t.Fatalf("interrupt not delivered: %v", ownerA.gotInts)
	}

	if err := cB.Disconnect(0, []byte("bye")); err != nil {
		t.Fatal(err)
	}
	if !ownerA.disconnected || ownerA.discReason != 0 {
		t.Fatalf("disconnect not observed: %+v", ownerA)
	}
	if _, stillThere := nB.connections[cB.local]; stillThere {
		t.Error("connection b should have been retired")
	}
	if _, stillThere := nA.connections[cA.local]; stillThere {
		t.Error("connection a should have been retired")
	}
}

func TestSendSegmentsLargeMessage(t *testing.T) {
	router := &sinkRouter{}
	n := NewNSP(nil, nil, router)
	c, err := n.AcceptConnInit(&recordingOwner{}, 0, 7, ConnInit{Src: 7, SegSize: 516, Info: VerPh4})
	if err != nil {
		t.Fatal(err)
	}
	c.state = csRun
	router.sent = nil

	payload := bytes.Repeat([]byte("A"), 600)
	if err := c.Send(payload); err != nil {
		t.Fatal(err)
	}
	if len(router.sent) != 2 {
		t.Fatalf("sent %d packets, want 2", len(router.sent))
	}
	first, err := Decode(router.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	second, err := Decode(router.sent[1])
	if err != nil {
		t.Fatal(err)
	}
	if !first.Data.BOM || first.Data.EOM || len(first.Data.Payload) != 516 {
		t.Errorf("first segment %+v", first.Data)
	}
	if second.Data.BOM || !second.Data.EOM || len(second.Data.Payload) != 84 {
		t.Errorf("second segment %+v", second.Data)
	}
	if second.Data.SegNum != first.Data.SegNum+1 {
		t.Errorf("segment numbers %d, %d not consecutive", first.Data.SegNum, second.Data.SegNum)
	}
}

func TestReceiveReassemblesSegments(t *testing.T) {
	n := NewNSP(nil, nil, &sinkRouter{})
	owner := &recordingOwner{}
	c, err := n.AcceptConnInit(owner, 0, 7, ConnInit{Src: 7, Info: VerPh4})
	if err != nil {
		t.Fatal(err)
	}
	c.state = csRun

	c.deliver(Message{Data: &DataSeg{header: header{Src: 7}, BOM: true, SegNum: 1, Payload: []byte("hel")}})
	if len(owner.gotData) != 0 {
		t.Fatal("partial message must not be delivered")
	}
	c.deliver(Message{Data: &DataSeg{header: header{Src: 7}, EOM: true, SegNum: 2, Payload: []byte("lo")}})
	if len(owner.gotData) != 1 || string(owner.gotData[0]) != "hello" {
		t.Fatalf("got %q", owner.gotData)
	}
}

func TestReceiveReordersSegments(t *testing.T) {
	n := NewNSP(nil, nil, &sinkRouter{})
	owner := &recordingOwner{}
	c, err := n.AcceptConnInit(owner, 0, 7, ConnInit{Src: 7, Info: VerPh4})
	if err != nil {
		t.Fatal(err)
	}
	c.state = csRun

	// Segment 2 arrives before segment 1.
	c.deliver(Message{Data: &DataSeg{header: header{Src: 7}, EOM: true, SegNum: 2, Payload: []byte("lo")}})
	c.deliver(Message{Data: &DataSeg{header: header{Src: 7}, BOM: true, SegNum: 1, Payload: []byte("hel")}})
	if len(owner.gotData) != 1 || string(owner.gotData[0]) != "hello" {
		t.Fatalf("got %q", owner.gotData)
	}
}

func TestSegmentFlowControlHoldsBack(t *testing.T) {
	router := &sinkRouter{}
	n := NewNSP(nil, nil, router)
	c, err := n.AcceptConnInit(&recordingOwner{}, 0, 7, ConnInit{Src: 7, Info: VerPh4})
	if err != nil {
		t.Fatal(err)
	}
	c.state = csRun
	c.data.flow = SvcSeg
	c.data.reqNum = 1
	router.sent = nil

	c.Send([]byte("one"))
	c.Send([]byte("two"))
	if len(router.sent) != 1 {
		t.Fatalf("sent %d packets, want 1 (second held for credit)", len(router.sent))
	}

	// A link service message granting two more data credits releases it.
	c.deliver(Message{LinkSvc: &LinkSvcMsg{
		header: header{Src: 7}, SegNum: 1, FcMod: FcNoChange, FcValInt: FcDataReq, FcVal: 2,
	}})
	var dataSegs int
	for _, buf := range router.sent {
		if m, err := Decode(buf); err == nil && m.Data != nil {
			dataSegs++
		}
	}
	if dataSegs != 2 {
		t.Fatalf("data segments on the wire = %d, want 2", dataSegs)
	}
}

func TestInterruptCreditExhaustion(t *testing.T) {
	router := &sinkRouter{}
	n := NewNSP(nil, nil, router)
	c, err := n.AcceptConnInit(&recordingOwner{}, 0, 7, ConnInit{Src: 7, Info: VerPh4})
	if err != nil {
		t.Fatal(err)
	}
	c.state = csRun

	if err := c.Interrupt([]byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := c.Interrupt([]byte{2}); err != ErrCantSend {
		t.Errorf("second interrupt: got %v, want ErrCantSend", err)
	}
}

func TestAPIWrongState(t *testing.T) {
	n := NewNSP(nil, nil, &sinkRouter{})
	c, err := n.AcceptConnInit(&recordingOwner{}, 0, 7, ConnInit{Src: 7, Info: VerPh4})
	if err != nil {
		t.Fatal(err)
	}
	// Still in CR: data transfer is not legal yet.
	if err := c.Send([]byte("x")); err != ErrWrongState {
		t.Errorf("Send in CR: got %v", err)
	}
	if err := c.Disconnect(0, nil); err != ErrWrongState {
		t.Errorf("Disconnect in CR: got %v", err)
	}
	// Reserved reasons are NSP's own.
	if err := c.Reject(ReasonDiscComp, nil); err != ErrRange {
		t.Errorf("Reject with reserved reason: got %v", err)
	}
}

func TestDisconnectDeferredUntilAcked(t *testing.T) {
	router := &sinkRouter{}
	n := NewNSP(nil, nil, router)
	c, err := n.AcceptConnInit(&recordingOwner{}, 0, 7, ConnInit{Src: 7, Info: VerPh4})
	if err != nil {
		t.Fatal(err)
	}
	c.state = csRun
	c.Send([]byte("tail"))
	router.sent = nil

	if err := c.Disconnect(0, nil); err != nil {
		t.Fatal(err)
	}
	for _, buf := range router.sent {
		if m, err := Decode(buf); err == nil && m.DiscInit != nil {
			t.Fatal("DiscInit sent before pending data was acknowledged")
		}
	}

	// The ack for the data segment releases the deferred DiscInit.
	c.deliver(Message{AckData: &AckData{
		header: header{Src: 7}, Ack: AckField{Present: true, Num: 1},
	}})
	var sawDisc bool
	for _, buf := range router.sent {
		if m, err := Decode(buf); err == nil && m.DiscInit != nil {
			sawDisc = true
		}
	}
	if !sawDisc {
		t.Fatal("deferred DiscInit never went out")
	}
}

func TestIDPoolRotation(t *testing.T) {
	n := NewNSPConfig(nil, nil, nil, &Config{MaxConnections: 7})
	id, err := n.getID()
	if err != nil {
		t.Fatal(err)
	}
	n.retID(id)
	recycled := n.freeIDs[len(n.freeIDs)-1]
	if recycled != LinkAddr(uint16(id)+8) {
		t.Errorf("recycled id = %d, want %d advanced by maxconns+1", recycled, uint16(id)+8)
	}
}

func TestConnectionLimit(t *testing.T) {
	n := NewNSPConfig(nil, nil, &sinkRouter{}, &Config{MaxConnections: 1})
	if _, err := n.Connect(&recordingOwner{}, 0, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := n.Connect(&recordingOwner{}, 0, nil); err != ErrConnectionLimit {
		t.Errorf("got %v, want ErrConnectionLimit", err)
	}
}

func TestNakTriggersRetransmit(t *testing.T) {
	router := &sinkRouter{}
	n := NewNSP(nil, nil, router)
	c, err := n.AcceptConnInit(&recordingOwner{}, 0, 7, ConnInit{Src: 7, Info: VerPh4})
	if err != nil {
		t.Fatal(err)
	}
	c.state = csRun
	c.Send([]byte("lost"))
	router.sent = nil

	c.deliver(Message{AckData: &AckData{
		header: header{Src: 7}, Ack: AckField{Present: true, Nak: true, Num: 0},
	}})
	var resent int
	for _, buf := range router.sent {
		if m, err := Decode(buf); err == nil && m.Data != nil && string(m.Data.Payload) == "lost" {
			resent++
		}
	}
	if resent != 1 {
		t.Fatalf("resent %d copies, want 1", resent)
	}
}

func TestReservedPortRejectsWithoutListener(t *testing.T) {
	router := &sinkRouter{}
	n := NewNSP(nil, nil, router)
	n.onPacket(ConnInit{Src: 5, SegSize: MSS, Info: VerPh4}.Encode())
	if len(router.sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(router.sent))
	}
	m, err := Decode(router.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	if m.DiscConf == nil || m.DiscConf.Reason != ReasonNoRes {
		t.Errorf("reply = %+v, want NoRes disconnect confirm", m)
	}
}

func TestUnmappedDataGetsNoLink(t *testing.T) {
	router := &sinkRouter{}
	n := NewNSP(nil, nil, router)
	seg := DataSeg{header: header{Dst: 99, Src: 5}, BOM: true, EOM: true, SegNum: 1, Payload: []byte("x")}
	n.onPacket(seg.Encode())
	if len(router.sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(router.sent))
	}
	m, err := Decode(router.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	if m.DiscConf == nil || m.DiscConf.Reason != ReasonNoLink {
		t.Errorf("reply = %+v, want NoLink disconnect confirm", m)
	}
}
