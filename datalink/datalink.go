// Package datalink is the abstract point-to-point datalink contract from
// spec.md §4.D: circuits above this layer send frames through a Port and
// receive upcalls (Received, DlStatus) as sched.Work items, without caring
// whether the concrete transport is TCP, UDP, or a serial line. Grounded on
// the teacher's media.FT, which likewise parameterizes byte-stream framing
// over an io.Reader/io.Writer rather than a concrete socket type.
package datalink

import (
	"net"

	"github.com/pkoning2/godecnet/sched"
)

// Status values carried by a DlStatus work item.
const (
	StatusDown = iota
	StatusUp
	StatusHalted
)

// DlStatus notifies a circuit owner that the underlying datalink connection
// changed state.
type DlStatus struct {
	sched.Work
	Status int
}

// NewDlStatus returns a DlStatus work item addressed to owner.
func NewDlStatus(owner sched.Owner, status int) DlStatus {
	return DlStatus{Work: sched.NewBase(owner), Status: status}
}

// Received carries one inbound frame (or, above the routing layer, one
// already-parsed packet) up to its owner.
type Received struct {
	sched.Work
	Packet []byte
}

// NewReceived returns a Received work item addressed to owner.
func NewReceived(owner sched.Owner, packet []byte) Received {
	return Received{Work: sched.NewBase(owner), Packet: packet}
}

// Port is a circuit's handle onto a datalink entity: open/close the
// underlying connection and send frames. Upcalls arrive as sched.Work
// items addressed to the owner supplied to CreatePort.
type Port interface {
	Open() error
	Close() error
	Send(frame []byte) error
}

// Datalink is implemented by each concrete transport (ddcmp.Circuit, and any
// future non-DDCMP datalink) to hand a circuit its Port.
type Datalink interface {
	CreatePort(owner sched.Owner) (Port, error)
}

// HostAddress resolves and caches a peer hostname, matching the teacher's
// convention of re-resolving on every circuit restart rather than once at
// startup (a restarted circuit may well be caused by the peer's address
// changing).
type HostAddress struct {
	Name string
	addr net.IP
}

// Lookup re-resolves Name. A numeric address is accepted as-is.
func (h *HostAddress) Lookup() error {
	if ip := net.ParseIP(h.Name); ip != nil {
		h.addr = ip
		return nil
	}
	addrs, err := net.LookupIP(h.Name)
	if err != nil {
		return err
	}
	h.addr = addrs[0]
	return nil
}

// Addr returns the most recently resolved address.
func (h *HostAddress) Addr() net.IP { return h.addr }

// Valid reports whether ip matches the resolved peer address.
func (h *HostAddress) Valid(ip net.IP) bool {
	return h.addr != nil && h.addr.Equal(ip)
}
