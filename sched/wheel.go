package sched

import "time"

// entry is one owner's armed timer. stop clears armed, increments
// generation, and removes the entry from its slot, so tick never fires a
// stopped or replaced entry. A Timeout that tick already queued before the
// stop is still delivered to the owner; nothing in this package reads
// generation to filter it out.
type entry struct {
	owner      Owner
	generation uint64
	armed      bool
	laps       int // additional full revolutions before this entry really fires
}

// wheel is a hashed timer wheel: entries are slotted by expiry tick modulo
// the wheel's slot count, so expiring timers at any given tick costs
// O(timers in that slot) rather than O(all timers).
type wheel struct {
	node *Node

	slots []map[Owner]*entry
	cur   int
}

const wheelSlots = 512

func newWheel(n *Node) *wheel {
	w := &wheel{node: n, slots: make([]map[Owner]*entry, wheelSlots)}
	for i := range w.slots {
		w.slots[i] = make(map[Owner]*entry)
	}
	return w
}

// armedCount returns the number of timers currently armed across all slots,
// for metrics.SchedulerGauges to sample.
func (w *wheel) armedCount() int {
	var n int
	for _, slot := range w.slots {
		for _, e := range slot {
			if e.armed {
				n++
			}
		}
	}
	return n
}

func (w *wheel) start(owner Owner, d time.Duration) {
	w.stop(owner)
	ticks := int(d / JIFFY)
	if d%JIFFY != 0 {
		ticks++
	}
	if ticks < 1 {
		ticks = 1
	}
	slot := (w.cur + ticks) % wheelSlots
	laps := ticks / wheelSlots
	e := &entry{owner: owner, armed: true, laps: laps}
	w.slots[slot][owner] = e
}

func (w *wheel) stop(owner Owner) {
	for _, slot := range w.slots {
		if e, ok := slot[owner]; ok {
			e.armed = false
			e.generation++
			delete(slot, owner)
		}
	}
}

// tick advances the wheel by one JIFFY and delivers Timeout work items for
// every entry landing in the slot that just expired. It is driven once per
// node.Run ticker fire, so one call always advances exactly one slot.
func (w *wheel) tick(now time.Time) {
	slot := w.slots[w.cur]
	w.cur = (w.cur + 1) % wheelSlots
	if len(slot) == 0 {
		return
	}
	var fired, kept []*entry
	for owner, e := range slot {
		delete(slot, owner)
		if !e.armed {
			continue
		}
		if e.laps > 0 {
			e.laps--
			kept = append(kept, e)
			continue
		}
		fired = append(fired, e)
	}
	for _, e := range kept {
		slot[e.owner] = e
	}
	for _, e := range fired {
		e.armed = false
		w.node.AddWork(Timeout{base{e.owner}})
	}
}
