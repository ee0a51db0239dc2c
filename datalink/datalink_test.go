package datalink

import (
	"net"
	"testing"
)

func TestNewDlStatusCarriesStatus(t *testing.T) {
	st := NewDlStatus(nil, StatusUp)
	if st.Status != StatusUp {
		t.Errorf("got %d, want StatusUp", st.Status)
	}
}

func TestNewReceivedCarriesPacket(t *testing.T) {
	r := NewReceived(nil, []byte{1, 2, 3})
	if len(r.Packet) != 3 {
		t.Errorf("got %v", r.Packet)
	}
}

func TestHostAddressLookupNumeric(t *testing.T) {
	h := &HostAddress{Name: "127.0.0.1"}
	if err := h.Lookup(); err != nil {
		t.Fatal(err)
	}
	if !h.Valid(net.ParseIP("127.0.0.1")) {
		t.Error("expected numeric address to validate itself")
	}
	if h.Valid(net.ParseIP("10.0.0.1")) {
		t.Error("unexpected match against different address")
	}
}
