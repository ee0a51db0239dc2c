package nsp

import "time"

// txqEntry is one entry in a subchannel's retransmit queue: a message that
// has been queued for the peer and not yet acknowledged. Control messages
// (CI/CC/DI) travel the data subchannel's queue without a sequence number
// of their own, exactly as nsp.py routes them through Subchannel.send.
type txqEntry struct {
	numbered bool
	seq      Seq
	eom      bool // DataSeg closing a message; counts against SVC_MSG credit
	isInt    bool // IntMsg; counts against interrupt credit
	sent     bool
	tries    int
	txtime   time.Time

	// encode re-renders the wire form; retries of a ConnInit switch to the
	// RCI msgflg variant, every other message re-encodes unchanged.
	encode func(retry bool) []byte
}

// subchannel is one of a Connection's two independent sequence spaces: the
// data subchannel (normal segments and the connect/disconnect control
// messages) or the other-data subchannel (interrupt and link-service
// messages). Grounded on nsp.py's Subchannel/Other_Subchannel pair, merged
// into one type parameterized by isOther since the two differ only in their
// initial credit and which flow-control rules apply.
type subchannel struct {
	isOther bool

	seqNum  Seq // next sequence number this end will assign
	numHigh Seq // highest sequence number queued

	ackNum Seq // highest in-order sequence number received from the peer

	// Remote flow control state; there is no local flow control beyond
	// granting another interrupt each time one arrives.
	reqNum int  // credit granted by the remote
	xon    bool // false while the remote has flow off
	flow   int  // SvcNone/SvcSeg/SvcMsg

	pending []*txqEntry

	ooo map[Seq]oooSeg // received out of order, keyed by sequence number
}

// oooSeg is a stashed out-of-order segment: the payload plus the message
// boundary flags reassembly needs once the gap closes.
type oooSeg struct {
	payload  []byte
	bom, eom bool
}

func newSubchannel(isOther bool) *subchannel {
	s := &subchannel{
		isOther: isOther,
		seqNum:  1,
		xon:     true,
		flow:    SvcNone,
		ooo:     make(map[Seq]oooSeg),
	}
	if isOther {
		// One interrupt may always be sent on a fresh connection.
		s.reqNum = 1
		s.flow = SvcMsg
	}
	return s
}

// nextSeq assigns the next outbound sequence number.
func (s *subchannel) nextSeq() Seq {
	n := s.seqNum
	s.seqNum = s.seqNum.next()
	s.numHigh = n
	return n
}

// queue appends an entry to the retransmit queue and reports whether flow
// control permits transmitting it right now. A refused entry stays queued
// and goes out from pump once credit arrives.
func (s *subchannel) queue(e *txqEntry) bool {
	s.pending = append(s.pending, e)
	return s.maySend(e)
}

func (s *subchannel) maySend(e *txqEntry) bool {
	if !e.numbered {
		return true
	}
	if !s.xon {
		return false
	}
	inflight := 0
	msgs := 0
	for _, p := range s.pending {
		if !p.numbered {
			continue
		}
		inflight++
		if p.eom || p.isInt {
			msgs++
		}
	}
	if inflight > maxDelta {
		return false
	}
	switch s.flow {
	case SvcSeg:
		return inflight <= s.reqNum
	case SvcMsg:
		return msgs <= s.reqNum
	}
	return true
}

// pump returns the queued-but-unsent entries that flow control now permits,
// marking them sent. The caller transmits them in order.
func (s *subchannel) pump() []*txqEntry {
	var out []*txqEntry
	for _, e := range s.pending {
		if e.sent {
			continue
		}
		if !s.maySend(e) {
			break
		}
		e.sent = true
		out = append(out, e)
	}
	return out
}

// ack discards acknowledged entries and adjusts remote credit per the flow
// control regime, nsp.py's Subchannel.ack. For a numbered queue head the
// ack number names the last acknowledged segment; for an unnumbered
// (control) head a single entry is confirmed regardless of the number.
// Returns the acked entries for delay-estimate bookkeeping.
func (s *subchannel) ack(acknum Seq) []*txqEntry {
	if len(s.pending) == 0 {
		return nil
	}
	first := s.pending[0]
	count := 1
	if first.numbered {
		if !seqLE(first.seq, acknum) || !seqLE(acknum, s.numHigh) {
			return nil // duplicate or out of range
		}
		count = seqDiff(acknum, first.seq) + 1
	}
	if count > len(s.pending) {
		count = len(s.pending)
	}
	acked := s.pending[:count]
	s.pending = append([]*txqEntry(nil), s.pending[count:]...)
	for _, e := range acked {
		if (e.isInt && s.flow == SvcMsg) || (e.eom && s.flow == SvcMsg) || (e.numbered && s.flow == SvcSeg) {
			s.reqNum--
		}
	}
	return acked
}

// unacked returns the transmitted entries still awaiting acknowledgment.
func (s *subchannel) unacked() []*txqEntry {
	var out []*txqEntry
	for _, e := range s.pending {
		if e.sent {
			out = append(out, e)
		}
	}
	return out
}

// receive validates an incoming sequence number. It returns deliver=true
// for the in-order next segment, dup=true for an already-seen one (which
// still deserves a fresh ack so the peer stops retransmitting).
// Out-of-order segments ahead of the window are stashed by the caller via
// stash and drained with drain once the gap closes.
func (s *subchannel) receive(seq Seq) (deliver, dup bool) {
	want := s.ackNum.next()
	if seq == want {
		s.ackNum = want
		return true, false
	}
	if seqLE(seq, s.ackNum) {
		return false, true
	}
	return false, false
}

// stash records an out-of-order segment for later delivery.
func (s *subchannel) stash(seq Seq, seg oooSeg) {
	s.ooo[seq] = seg
}

// drain returns consecutively numbered segments now deliverable after an
// in-order arrival advanced ackNum.
func (s *subchannel) drain() []oooSeg {
	var out []oooSeg
	for {
		next := s.ackNum.next()
		seg, ok := s.ooo[next]
		if !ok {
			return out
		}
		delete(s.ooo, next)
		s.ackNum = next
		out = append(out, seg)
	}
}

// close discards all pending state, for connection teardown.
func (s *subchannel) close() {
	s.pending = nil
	s.ooo = make(map[Seq]oooSeg)
}
