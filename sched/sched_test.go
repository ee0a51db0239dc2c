package sched

import (
	"testing"
	"time"
)

type countOwner struct {
	ch chan struct{}
}

func (c *countOwner) Dispatch(w Work) {
	if _, ok := w.(Timeout); ok {
		c.ch <- struct{}{}
	}
}

func TestTimerFires(t *testing.T) {
	n := NewNode("t1", nil, 0)
	go n.Run()
	defer n.Stop()

	owner := &countOwner{ch: make(chan struct{}, 1)}
	n.StartTimer(owner, JIFFY)

	select {
	case <-owner.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestStoppedTimerDoesNotFire(t *testing.T) {
	n := NewNode("t2", nil, 0)
	go n.Run()
	defer n.Stop()

	owner := &countOwner{ch: make(chan struct{}, 1)}
	n.StartTimer(owner, JIFFY)
	n.StopTimer(owner)

	select {
	case <-owner.ch:
		t.Fatal("stopped timer fired")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestRestartReplacesExpiry(t *testing.T) {
	w := newWheel(NewNode("t3", nil, 0))
	owner := &countOwner{ch: make(chan struct{}, 1)}
	w.start(owner, JIFFY)
	w.start(owner, 10*JIFFY)

	// After two ticks, enough for the one-JIFFY first timer to come due, it
	// must not have fired, since the restart replaced it.
	for i := 0; i < 2; i++ {
		w.tick(time.Time{})
	}
	select {
	case w2 := <-w.node.workCh:
		t.Fatalf("unexpected early fire: %v", w2)
	default:
	}
}

type dispatchOwner struct{ got Work }

func (d *dispatchOwner) Dispatch(w Work) { d.got = w }

func TestAddWorkDispatches(t *testing.T) {
	n := NewNode("t4", nil, 0)
	go n.Run()
	defer n.Stop()

	owner := &dispatchOwner{}
	done := make(chan struct{})
	go func() {
		// Queue the item from another goroutine; the test then gives the
		// node loop time to dispatch it.
		n.AddWork(NewBase(owner))
		close(done)
	}()
	<-done
	time.Sleep(50 * time.Millisecond)
	if owner.got == nil {
		t.Fatal("work item was not dispatched")
	}
}

func TestShutdownStopsLoop(t *testing.T) {
	n := NewNode("t5", nil, 0)
	done := make(chan struct{})
	go func() {
		n.Run()
		close(done)
	}()

	n.AddWork(NewShutdown(nil))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("node loop did not exit on Shutdown")
	}
}

func TestApplicationWorkCarriesArgs(t *testing.T) {
	n := NewNode("t6", nil, 0)
	go n.Run()
	defer n.Stop()

	owner := &dispatchOwner{}
	n.AddWork(NewApplicationWork(owner, "request"))
	time.Sleep(50 * time.Millisecond)
	aw, ok := owner.got.(ApplicationWork)
	if !ok || aw.Args != "request" {
		t.Fatalf("got %#v", owner.got)
	}
}
