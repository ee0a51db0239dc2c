package routing

import (
	"bytes"
	"testing"

	"github.com/pkoning2/godecnet/addr"
)

func TestPtpInitWireBytes(t *testing.T) {
	// A Phase IV init from node 1.2, area router, block size 528,
	// routing version 2.0.0, hello timer 10 s.
	p := PtpInit{
		SrcNode: mustNode(1, 2), NodeType: NtypeL2Router,
		BlkSize: 528, Tiver: addr.TiverPhase4, Timer: 10,
	}
	want := []byte{0x01, 0x02, 0x04, 0x02, 0x10, 0x02, 0x02, 0x00, 0x00, 0x0A, 0x00, 0x00}
	if got := p.Encode(); !bytes.Equal(got, want) {
		t.Errorf("encode = % X, want % X", got, want)
	}
	got, err := DecodePtpInit(want)
	if err != nil {
		t.Fatal(err)
	}
	if got.SrcNode != p.SrcNode || got.NodeType != NtypeL2Router || got.BlkSize != 528 || got.Timer != 10 {
		t.Errorf("decode = %+v", got)
	}
}

func TestPtpInitRoundTrip(t *testing.T) {
	p := PtpInit{SrcNode: 1050, NodeType: NtypeL2Router, Verif: true, Timer: 60, BlkSize: 576, Tiver: addr.TiverPhase4}
	enc := p.Encode()
	got, err := DecodePtpInit(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got.SrcNode != p.SrcNode || got.NodeType != p.NodeType || !got.Verif || got.Timer != p.Timer || got.BlkSize != p.BlkSize {
		t.Errorf("got %+v", got)
	}
	if got.Tiver != p.Tiver {
		t.Errorf("tiver got %v want %v", got.Tiver, p.Tiver)
	}
}

func TestPtpInit3RoundTrip(t *testing.T) {
	p := PtpInit3{SrcNode: 200, NodeType: NtypeEndnode, Verif: false, Tiver: addr.TiverPhase3, BlkSize: 512}
	enc := p.Encode()
	got, err := DecodePtpInit3(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got.SrcNode != p.SrcNode || got.NodeType != p.NodeType || got.Verif != p.Verif || got.BlkSize != p.BlkSize {
		t.Errorf("got %+v", got)
	}
}

func TestPtpInitDecodeDistinguishesPhase3(t *testing.T) {
	enc := PtpInit3{SrcNode: 9, NodeType: NtypeEndnode, Tiver: addr.TiverPhase3, BlkSize: 576}.Encode()
	if _, err := DecodePtpInit(enc); err == nil {
		t.Error("a phase 3 init must not decode as phase 4")
	}
	enc = PtpInit{SrcNode: 1050, NodeType: NtypeEndnode, Tiver: addr.TiverPhase4, BlkSize: 576, Timer: 60}.Encode()
	if _, err := DecodePtpInit3(enc); err == nil {
		t.Error("a phase 4 init must not decode as phase 3")
	}
}

func TestPtpVerifyWireBytes(t *testing.T) {
	v := PtpVerify{SrcNode: mustNode(1, 2), FcnVal: []byte("IVERIF")}
	enc := v.Encode()
	want := append([]byte{0x03, 0x02, 0x04, 0x06}, "IVERIF"...)
	if !bytes.Equal(enc, want) {
		t.Errorf("encode = % X, want % X", enc, want)
	}
	got, err := DecodePtpVerify(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got.SrcNode != v.SrcNode || !bytes.Equal(got.FcnVal, v.FcnVal) {
		t.Errorf("got %+v", got)
	}
}

func TestPtpHelloRoundTrip(t *testing.T) {
	h := PtpHello{SrcNode: 7, TestData: helloTestData()}
	enc := h.Encode()
	if enc[0] != 0x05 {
		t.Errorf("hello msgflag = %#x", enc[0])
	}
	got, err := DecodePtpHello(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got.SrcNode != h.SrcNode || !bytes.Equal(got.TestData, h.TestData) {
		t.Errorf("got %+v", got)
	}
	if !testDataValid(got.TestData) {
		t.Error("canonical hello testdata should validate")
	}
}

func TestNodeInitRoundTrip(t *testing.T) {
	n := NodeInit{
		SrcNode: 5, NodeName: "FOOBAR", Int: 2, Verif: true, Rint: 1,
		BlkSize: 576, NSPSize: 576, MaxLnks: 32,
		RoutVer: addr.TiverPhase2, CommVer: addr.TiverPhase2, SysVer: "go-decnet test",
	}
	enc := n.Encode()
	if Phase2StartType(enc) != startTypeInit {
		t.Fatalf("starttype = %d", Phase2StartType(enc))
	}
	got, err := DecodeNodeInit(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got.SrcNode != n.SrcNode || got.NodeName != n.NodeName || !got.Verif || got.BlkSize != n.BlkSize {
		t.Errorf("got %+v", got)
	}
	if got.SysVer != n.SysVer {
		t.Errorf("sysver got %q want %q", got.SysVer, n.SysVer)
	}
}

func TestNodeVerifyRoundTrip(t *testing.T) {
	v := NodeVerify{Password: [8]byte{9, 8, 7, 6, 5, 4, 3, 2}}
	enc := v.Encode()
	if Phase2StartType(enc) != startTypeVerify {
		t.Fatalf("starttype = %d", Phase2StartType(enc))
	}
	got, err := DecodeNodeVerify(enc)
	if err != nil {
		t.Fatal(err)
	}
	if got.Password != v.Password {
		t.Errorf("got %+v", got)
	}
}

func TestDecodeNodeInitRejectsWrongMsgFlag(t *testing.T) {
	buf := []byte{0x00, 0x01, 0x05, 0x00}
	if _, err := DecodeNodeInit(buf); err == nil {
		t.Error("expected error for bad msgflag")
	}
}
