package nsp

import (
	"bytes"
	"testing"
)

func TestConnInitWireBytes(t *testing.T) {
	// Connect initiate: srcaddr 3, segment flow control, NSP 4.0,
	// segment size 516, one byte of session control data.
	ci := ConnInit{Src: 3, FcOpt: SvcSeg, Info: VerPh4, SegSize: 516, Payload: []byte{0x07}}
	want := []byte{0x18, 0x00, 0x00, 0x03, 0x00, 0x05, 0x02, 0x04, 0x02, 0x07}
	if got := ci.Encode(); !bytes.Equal(got, want) {
		t.Errorf("encode = % X, want % X", got, want)
	}
	m, err := Decode(want)
	if err != nil {
		t.Fatal(err)
	}
	if m.ConnInit == nil || m.ConnInit.Src != 3 || m.ConnInit.FcOpt != SvcSeg ||
		m.ConnInit.Info != VerPh4 || m.ConnInit.SegSize != 516 {
		t.Errorf("decode = %+v", m.ConnInit)
	}
}

func TestAckConnWireBytes(t *testing.T) {
	a := AckConn{Dst: 3}
	want := []byte{0x24, 0x03, 0x00}
	if got := a.Encode(); !bytes.Equal(got, want) {
		t.Errorf("encode = % X, want % X", got, want)
	}
	m, err := Decode(want)
	if err != nil {
		t.Fatal(err)
	}
	if m.AckConn == nil || m.AckConn.Dst != 3 {
		t.Errorf("decode = %+v", m.AckConn)
	}
}

func TestAckDataRoundTrip(t *testing.T) {
	a := AckData{
		header: header{Dst: 5, Src: 9},
		Ack:    AckField{Present: true, Num: 42},
		Oth:    AckField{Present: true, Nak: true, Num: 7},
	}
	m, err := Decode(a.Encode())
	if err != nil {
		t.Fatal(err)
	}
	got := m.AckData
	if got == nil || got.Dst != 5 || got.Src != 9 {
		t.Fatalf("got %+v", m)
	}
	if !got.Ack.Present || got.Ack.Num != 42 || got.Ack.Nak {
		t.Errorf("ack field %+v", got.Ack)
	}
	if !got.Oth.Present || got.Oth.Num != 7 || !got.Oth.Nak {
		t.Errorf("cross ack field %+v", got.Oth)
	}
}

func TestAckFieldAbsent(t *testing.T) {
	a := AckData{header: header{Dst: 1, Src: 2}, Ack: AckField{Present: true, Num: 3}}
	m, err := Decode(a.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if m.AckData.Oth.Present {
		t.Error("cross ack should be absent")
	}
}

func TestDataSegRoundTrip(t *testing.T) {
	d := DataSeg{
		header: header{Dst: 1, Src: 2},
		Ack:    AckField{Present: true, Num: 9},
		BOM:    true, EOM: true, SegNum: 7, Payload: []byte("payload"),
	}
	m, err := Decode(d.Encode())
	if err != nil {
		t.Fatal(err)
	}
	got := m.Data
	if got == nil || !got.BOM || !got.EOM || got.SegNum != 7 || string(got.Payload) != "payload" {
		t.Errorf("got %+v", got)
	}
	if !got.Ack.Present || got.Ack.Num != 9 {
		t.Errorf("piggyback ack %+v", got.Ack)
	}
}

func TestDataSegWithoutAcks(t *testing.T) {
	d := DataSeg{header: header{Dst: 1, Src: 2}, SegNum: 100, Payload: []byte("x")}
	m, err := Decode(d.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if m.Data.Ack.Present || m.Data.Oth.Present {
		t.Error("no acks were encoded")
	}
	if m.Data.SegNum != 100 || string(m.Data.Payload) != "x" {
		t.Errorf("got %+v", m.Data)
	}
}

func TestIntMsgRoundTrip(t *testing.T) {
	i := IntMsg{header: header{Dst: 3, Src: 4}, SegNum: 1, Payload: []byte("urgent")}
	m, err := Decode(i.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if m.Int == nil || m.Int.SegNum != 1 || string(m.Int.Payload) != "urgent" {
		t.Errorf("got %+v", m)
	}
}

func TestLinkSvcRoundTrip(t *testing.T) {
	l := LinkSvcMsg{header: header{Dst: 3, Src: 4}, SegNum: 2, FcMod: FcXon, FcValInt: FcIntReq, FcVal: 1}
	m, err := Decode(l.Encode())
	if err != nil {
		t.Fatal(err)
	}
	got := m.LinkSvc
	if got == nil || got.SegNum != 2 || got.FcMod != FcXon || got.FcValInt != FcIntReq || got.FcVal != 1 {
		t.Errorf("got %+v", got)
	}
}

func TestConnInitRetransmitVariant(t *testing.T) {
	ci := ConnInit{Src: 11, FcOpt: SvcNone, Info: VerPh4, SegSize: MSS, Retransmit: true}
	m, err := Decode(ci.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if m.ConnInit == nil || !m.ConnInit.Retransmit {
		t.Errorf("got %+v", m.ConnInit)
	}
}

func TestConnInitRejectsNonzeroDst(t *testing.T) {
	buf := ConnInit{Src: 11, SegSize: MSS}.Encode()
	buf[1] = 9 // corrupt the dstaddr, which must be zero
	if _, err := Decode(buf); err != ErrInvalidConnInit {
		t.Errorf("got %v, want ErrInvalidConnInit", err)
	}
}

func TestConnConfRoundTrip(t *testing.T) {
	c := ConnConf{header: header{Dst: 11, Src: 22}, FcOpt: SvcNone, Info: VerPh4, SegSize: 1459, Data: []byte("hi")}
	m, err := Decode(c.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if m.ConnConf == nil || m.ConnConf.Dst != 11 || m.ConnConf.Src != 22 || string(m.ConnConf.Data) != "hi" {
		t.Errorf("got %+v", m)
	}
}

func TestDiscInitRoundTrip(t *testing.T) {
	d := DiscInit{header: header{Dst: 1, Src: 2}, Reason: 8, Data: []byte("no resources")}
	m, err := Decode(d.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if m.DiscInit == nil || m.DiscInit.Reason != 8 || string(m.DiscInit.Data) != "no resources" {
		t.Errorf("got %+v", m)
	}
}

func TestDiscConfRoundTrip(t *testing.T) {
	d := DiscConf{header: header{Dst: 1, Src: 2}, Reason: ReasonDiscComp}
	m, err := Decode(d.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if m.DiscConf == nil || m.DiscConf.Reason != ReasonDiscComp {
		t.Errorf("got %+v", m)
	}
}

func TestDecodeRejectsUnknownMsgFlag(t *testing.T) {
	buf := []byte{0x0C, 0, 0, 0, 0} // type bits say 3, which no message uses
	if _, err := Decode(buf); err != ErrBadMsgFlag {
		t.Errorf("got %v, want ErrBadMsgFlag", err)
	}
}

func TestSeqArithmetic(t *testing.T) {
	if !seqLE(4095, 0) {
		t.Error("4095 precedes 0 across the wrap")
	}
	if seqLE(0, 2048) {
		t.Error("a half-space jump is out of window")
	}
	if Seq(4095).next() != 0 {
		t.Error("next should wrap at 4096")
	}
	if seqDiff(2, 4094) != 4 {
		t.Errorf("seqDiff(2, 4094) = %d", seqDiff(2, 4094))
	}
}
