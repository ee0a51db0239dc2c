package sc

import (
	"bytes"
	"testing"

	"github.com/pkoning2/godecnet/addr"
	"github.com/pkoning2/godecnet/datalink"
	"github.com/pkoning2/godecnet/nsp"
)

// recordingRouter captures every payload NSP sends, standing in for the
// routing sublayer the way nsp's own test fakes do.
type recordingRouter struct {
	sent [][]byte
}

func (r *recordingRouter) Send(dst addr.NodeId, payload []byte) error {
	r.sent = append(r.sent, append([]byte(nil), payload...))
	return nil
}

type fakeApp struct {
	connectedObj string
	connectData  []byte
	gotData      [][]byte
}

func (f *fakeApp) OnConnect(conn *nsp.Connection, objName string, data []byte) {
	f.connectedObj = objName
	f.connectData = data
}
func (f *fakeApp) OnAccept(conn *nsp.Connection, data []byte)                    {}
func (f *fakeApp) OnData(conn *nsp.Connection, data []byte)                      { f.gotData = append(f.gotData, data) }
func (f *fakeApp) OnInterrupt(conn *nsp.Connection, data []byte)                 {}
func (f *fakeApp) OnDisconnect(conn *nsp.Connection, reason uint16, data []byte) {}

func TestConnDataScenarioBytes(t *testing.T) {
	// Inbound connect data naming object 25 from user PAUL, no
	// credentials, no user data.
	buf := []byte{0x00, 0x19, 0x01, 0x00, 0x04, 'P', 'A', 'U', 'L', 0x00}
	cd, err := DecodeConnData(buf)
	if err != nil {
		t.Fatal(err)
	}
	if cd.Dst.Format != FmtNumber || cd.Dst.Num != 25 {
		t.Errorf("dst = %+v", cd.Dst)
	}
	if cd.Src.Format != FmtName || cd.Src.Name != "PAUL" {
		t.Errorf("src = %+v", cd.Src)
	}
	if cd.Auth || len(cd.UserData) != 0 {
		t.Errorf("unexpected trailer: %+v", cd)
	}
}

func TestConnDataRoundTripWithAuth(t *testing.T) {
	cd := ConnData{
		Dst:  EndUser{Format: FmtName, Name: "FAL"},
		Src:  EndUser{Format: FmtQualified, Group: 1, User: 2, Name: "SYSTEM"},
		Auth: true, RqstrID: "PAUL", Password: "SECRET", Account: "",
		UserData: []byte{0x01},
	}
	got, err := DecodeConnData(cd.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if got.Dst.Name != "FAL" || got.Src.Group != 1 || got.Src.User != 2 || got.Src.Name != "SYSTEM" {
		t.Errorf("descriptors = %+v", got)
	}
	if !got.Auth || got.RqstrID != "PAUL" || got.Password != "SECRET" {
		t.Errorf("auth = %+v", got)
	}
	if !bytes.Equal(got.UserData, []byte{0x01}) {
		t.Errorf("userdata = %x", got.UserData)
	}
}

func TestRegisterAndLookupByNameAndNumber(t *testing.T) {
	d := NewDispatcher(nil, nil)
	app := &fakeApp{}
	d.Register(ObjectDesc{Number: 25, Name: "MAIL", App: app})

	byName, ok := d.lookup(0, "mail")
	if !ok || byName.App != app {
		t.Fatal("lookup by name failed")
	}
	byNumber, ok := d.lookup(25, "")
	if !ok || byNumber.App != app {
		t.Fatal("lookup by number failed")
	}
}

func TestConnectInitResolvesObjectByNumber(t *testing.T) {
	router := &recordingRouter{}
	n := nsp.NewNSP(nil, nil, router)
	d := NewDispatcher(nil, nil)
	app := &fakeApp{}
	d.Register(ObjectDesc{Number: 25, Name: "MIRROR", App: app})
	n.SetConnectListener(d)

	payload := ConnData{
		Dst: EndUser{Format: FmtNumber, Num: 25},
		Src: EndUser{Format: FmtName, Name: "PAUL"},
	}.Encode()
	ci := nsp.ConnInit{Src: 3, SegSize: 516, Info: nsp.VerPh4, Payload: payload}
	n.Dispatch(datalink.NewReceived(n, ci.Encode()))

	if app.connectedObj != "MIRROR" {
		t.Fatalf("object not dispatched: %+v", app)
	}
}

func TestConnectInitRejectsUnknownObject(t *testing.T) {
	router := &recordingRouter{}
	n := nsp.NewNSP(nil, nil, router)
	d := NewDispatcher(nil, nil)
	n.SetConnectListener(d)

	payload := ConnData{Dst: EndUser{Format: FmtNumber, Num: 99}}.Encode()
	ci := nsp.ConnInit{Src: 3, SegSize: 516, Info: nsp.VerPh4, Payload: payload}
	n.Dispatch(datalink.NewReceived(n, ci.Encode()))

	if len(router.sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(router.sent))
	}
	m, err := nsp.Decode(router.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	if m.DiscConf == nil || m.DiscConf.Reason != RejectNoObject {
		t.Errorf("reply = %+v, want unrecognized-object reject", m)
	}
}

func TestDispatcherForwardsToOwningApplication(t *testing.T) {
	d := NewDispatcher(nil, nil)
	app := &fakeApp{}
	n := nsp.NewNSP(nil, nil, &recordingRouter{})

	conn, err := n.AcceptConnInit(d, 0, 1, nsp.ConnInit{Info: nsp.VerPh4})
	if err != nil {
		t.Fatal(err)
	}
	d.BindOutbound(conn, app)

	d.OnData(conn, []byte("hello"))
	if len(app.gotData) != 1 || string(app.gotData[0]) != "hello" {
		t.Errorf("got %v", app.gotData)
	}

	d.OnDisconnect(conn, 0, nil)
	if _, ok := d.ownerOf(conn); ok {
		t.Error("connection owner should be forgotten after disconnect")
	}
}

func TestReasonText(t *testing.T) {
	if ReasonText(RejectNoObject) != "unrecognized object" {
		t.Error("known reason text missing")
	}
	if ReasonText(200) != "application defined" {
		t.Error("unknown reason should be application defined")
	}
}
