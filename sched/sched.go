// Package sched is the cooperative single-threaded scheduler described in
// spec.md §4.C: one node goroutine drains a work queue and drives every
// protocol state machine, while a hashed timer wheel at JIFFY granularity
// delivers Timeout work items back onto that same queue. Background
// goroutines (datalink receive loops, subprocess pumps) only ever push work
// items; they never touch protocol state directly. This generalizes the
// single recvLoop/sendLoop/run split of session/tcp.go from one TCP station
// to one node owning an arbitrary number of circuits.
package sched

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// JIFFY is the timer wheel's tick granularity, matching the DECnet
// architecture's traditional 100ms scheduling clock.
const JIFFY = 100 * time.Millisecond

// Work is anything a node's single-threaded consumer loop can process. Every
// cross-goroutine signal into the node (received packets, datalink status,
// timeouts, subprocess exits) is wrapped as a Work value and pushed through
// Node.AddWork.
type Work interface {
	// Owner is the recipient the node's dispatcher hands this item to.
	Owner() Owner
}

// Owner receives dispatched work items on the node's single goroutine.
type Owner interface {
	Dispatch(w Work)
}

// base is embedded by concrete work item types to satisfy Work.
type base struct {
	owner Owner
}

func (b base) Owner() Owner { return b.owner }

// NewBase returns a base carrying owner, for embedding into concrete work
// item structs defined outside this package.
func NewBase(owner Owner) Work { return base{owner} }

// Timeout is delivered when a Timer armed with Node.StartTimer expires.
type Timeout struct {
	base
}

// Shutdown asks the node loop to exit. The in-flight work item (if any)
// finishes first; everything still queued behind the Shutdown is abandoned.
type Shutdown struct {
	base
}

// NewShutdown returns a Shutdown work item. The owner is ignored by the
// dispatch loop but kept for symmetry with every other work kind.
func NewShutdown(owner Owner) Shutdown { return Shutdown{base{owner}} }

// ApplicationWork carries a request from an application-facing background
// goroutine (a subprocess pipe reader, typically) onto the node goroutine,
// where Owner.Dispatch interprets Args.
type ApplicationWork struct {
	base
	Args any
}

// NewApplicationWork returns an ApplicationWork item addressed to owner.
func NewApplicationWork(owner Owner, args any) ApplicationWork {
	return ApplicationWork{base{owner}, args}
}

// Node is a single simulated DECnet node: one dispatch goroutine, one work
// queue, one timer wheel. All protocol state machines belonging to this
// node run exclusively on the dispatch goroutine, so they require no
// internal locking.
type Node struct {
	Log  *logrus.Entry
	Name string

	workCh chan Work
	wheel  *wheel

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewNode returns a Node ready to Run. queueDepth bounds the work channel;
// 0 selects a sensible default.
func NewNode(name string, log *logrus.Entry, queueDepth int) *Node {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	n := &Node{
		Log:    log.WithField("node", name),
		Name:   name,
		workCh: make(chan Work, queueDepth),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	n.wheel = newWheel(n)
	return n
}

// AddWork enqueues a work item for dispatch on the node goroutine. Safe to
// call from any goroutine, including the node goroutine itself.
func (n *Node) AddWork(w Work) {
	select {
	case n.workCh <- w:
	case <-n.stopCh:
	}
}

// Run drains the work queue and the timer wheel until Stop is called. It
// blocks the calling goroutine and is meant to be the node's one and only
// dispatch loop.
func (n *Node) Run() {
	defer close(n.doneCh)
	ticker := time.NewTicker(JIFFY)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case w := <-n.workCh:
			if _, ok := w.(Shutdown); ok {
				return
			}
			n.dispatch(w)
		case now := <-ticker.C:
			n.wheel.tick(now)
		}
	}
}

func (n *Node) dispatch(w Work) {
	owner := w.Owner()
	if owner == nil {
		n.Log.Debug("dropped work item with no owner")
		return
	}
	owner.Dispatch(w)
}

// Stop halts the dispatch loop. Pending work and armed timers are
// abandoned. Stop does not wait for in-flight background goroutines
// (datalink threads) to exit.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	<-n.doneCh
}

// StartTimer arms a one-shot timer that delivers Timeout{owner} to the node
// after d, rounded up to the next JIFFY. Re-arming an already-running timer
// for the same owner replaces its expiry.
func (n *Node) StartTimer(owner Owner, d time.Duration) {
	n.wheel.start(owner, d)
}

// StopTimer cancels a previously started timer for owner, if any. It is
// always safe to call even if no timer is currently running.
func (n *Node) StopTimer(owner Owner) {
	n.wheel.stop(owner)
}

// QueueLen reports the number of work items currently pending dispatch, for
// a metrics.SchedulerGauges.QueueDepth sample. Safe from any goroutine.
func (n *Node) QueueLen() int {
	return len(n.workCh)
}

// ArmedTimers reports the number of timers currently armed in the wheel.
// Only safe to call from the node's own dispatch goroutine, since the wheel
// is otherwise unsynchronized state.
func (n *Node) ArmedTimers() int {
	return n.wheel.armedCount()
}
