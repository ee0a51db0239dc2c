package ddcmp

import (
	"net"
	"testing"
	"time"

	"github.com/pkoning2/godecnet/datalink"
	"github.com/pkoning2/godecnet/sched"
)

type recorder struct {
	up      chan struct{}
	payload chan []byte
}

func newRecorder() *recorder {
	return &recorder{up: make(chan struct{}, 1), payload: make(chan []byte, 8)}
}

func (r *recorder) Dispatch(w sched.Work) {
	switch item := w.(type) {
	case datalink.DlStatus:
		if item.Status == datalink.StatusUp {
			select {
			case r.up <- struct{}{}:
			default:
			}
		}
	case datalink.Received:
		r.payload <- item.Packet
	}
}

func TestCircuitHandshakeAndDataExchange(t *testing.T) {
	a, b := net.Pipe()

	nodeA := sched.NewNode("a", nil, 0)
	nodeB := sched.NewNode("b", nil, 0)
	go nodeA.Run()
	go nodeB.Run()
	defer nodeA.Stop()
	defer nodeB.Stop()

	circA := NewCircuit("circA", nil, nodeA, &Config{Mode: ModeSerial}, a)
	circB := NewCircuit("circB", nil, nodeB, &Config{Mode: ModeSerial}, b)

	recA, recB := newRecorder(), newRecorder()
	circA.CreatePort(recA)
	circB.CreatePort(recB)

	// Open on each node goroutine: net.Pipe writes block until the peer's
	// reader runs, so the two Opens must not wait on one another.
	nodeA.AddWork(openWork{circA})
	nodeB.AddWork(openWork{circB})

	select {
	case <-recA.up:
	case <-time.After(3 * time.Second):
		t.Fatal("circuit A never reached running state")
	}
	select {
	case <-recB.up:
	case <-time.After(3 * time.Second):
		t.Fatal("circuit B never reached running state")
	}

	nodeA.AddWork(sendWork{circA, []byte("hello")})

	select {
	case got := <-recB.payload:
		if string(got) != "hello" {
			t.Errorf("got %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("payload never arrived")
	}
}

// openWork lets the test call Circuit.Open on the owning node goroutine.
type openWork struct{ c *Circuit }

func (o openWork) Owner() sched.Owner  { return o }
func (o openWork) Dispatch(sched.Work) { o.c.Open() }

// sendWork lets the test drive Circuit.Send from the owning node goroutine,
// matching how a real routing-sublayer caller would be scheduled.
type sendWork struct {
	c   *Circuit
	buf []byte
}

func (s sendWork) Owner() sched.Owner { return sendDispatcher{s} }

type sendDispatcher struct{ s sendWork }

func (d sendDispatcher) Dispatch(sched.Work) { d.s.c.Send(d.s.buf) }
