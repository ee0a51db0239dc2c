package sc

import (
	"bytes"
	"testing"

	"github.com/pkoning2/godecnet/addr"
	"github.com/pkoning2/godecnet/datalink"
	"github.com/pkoning2/godecnet/nsp"
)

// loopbackRouter hands every NSP send straight to the peer entity,
// standing in for routing in an in-process end-to-end exchange.
type loopbackRouter struct {
	peer *nsp.NSP
}

func (r *loopbackRouter) Send(dst addr.NodeId, payload []byte) error {
	r.peer.Dispatch(datalink.NewReceived(r.peer, payload))
	return nil
}

func TestMirrorAcceptsWithMaxLoopLength(t *testing.T) {
	router := &recordingRouter{}
	n := nsp.NewNSP(nil, nil, router)
	m := NewMirror()

	conn, err := n.AcceptConnInit(nil, 0, 1, nsp.ConnInit{Info: nsp.VerPh4})
	if err != nil {
		t.Fatal(err)
	}
	router.sent = nil
	m.OnConnect(conn, "MIRROR", nil)

	if len(router.sent) != 1 {
		t.Fatalf("sent %d packets, want the ConnConf", len(router.sent))
	}
	reply, err := nsp.Decode(router.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	if reply.ConnConf == nil || !bytes.Equal(reply.ConnConf.Data, []byte{0xFF, 0xFF}) {
		t.Errorf("accept data = %+v, want FF FF", reply.ConnConf)
	}
}

// TestMirrorEndToEnd runs the whole inbound-to-MIRROR exchange: connect to
// object 25, accept with FF FF, echo a request, clean close.
func TestMirrorEndToEnd(t *testing.T) {
	rA, rB := &loopbackRouter{}, &loopbackRouter{}
	nA := nsp.NewNSP(nil, nil, rA)
	nB := nsp.NewNSP(nil, nil, rB)
	rA.peer = nB
	rB.peer = nA

	dB := NewDispatcher(nil, nil)
	dB.Register(ObjectDesc{Number: MirrorObjectNumber, Name: "MIRROR", App: NewMirror()})
	nB.SetConnectListener(dB)

	dA := NewDispatcher(nil, nil)
	app := &fakeApp{}
	conn, err := dA.Connect(nA, 0, EndUser{Format: FmtNumber, Num: MirrorObjectNumber}, app, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := conn.Send([]byte{0x00, 'd', 'a', 't', 'a'}); err != nil {
		t.Fatal(err)
	}
	if len(app.gotData) != 1 || !bytes.Equal(app.gotData[0], []byte{0x01, 'd', 'a', 't', 'a'}) {
		t.Fatalf("echo = %x", app.gotData)
	}

	if err := conn.Disconnect(0, nil); err != nil {
		t.Fatal(err)
	}
}

func TestMirrorIgnoresNonRequestFunctionCode(t *testing.T) {
	router := &recordingRouter{}
	n := nsp.NewNSP(nil, nil, router)
	m := NewMirror()
	conn, err := n.AcceptConnInit(nil, 0, 1, nsp.ConnInit{Info: nsp.VerPh4})
	if err != nil {
		t.Fatal(err)
	}
	m.OnConnect(conn, "MIRROR", nil)
	router.sent = nil

	m.OnData(conn, []byte{0x01, 'x'})

	if len(router.sent) != 0 {
		t.Errorf("mirror replied to a non-request function code: %x", router.sent)
	}
}
