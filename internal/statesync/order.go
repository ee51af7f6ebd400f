package statesync

import (
	"github.com/cory-johannsen/tablesync/internal/protocol"
)

// orderBuffer holds updates that arrived ahead of the next expected
// identifier. It is a fixed arena indexed by id mod window, so it never grows.
type orderBuffer struct {
	slots []protocol.Update
	count int
}

func newOrderBuffer(window int) *orderBuffer {
	if window < 1 {
		window = 1
	}
	return &orderBuffer{slots: make([]protocol.Update, window)}
}

func (b *orderBuffer) window() int64 { return int64(len(b.slots)) }

func (b *orderBuffer) slot(id int64) int { return int(id % b.window()) }

// put stores u in its slot.
//
// Postcondition: Returns false if an update with the same identifier is already buffered.
func (b *orderBuffer) put(u protocol.Update) bool {
	i := b.slot(u.Sequence())
	if cur := b.slots[i]; cur != nil {
		if cur.Sequence() == u.Sequence() {
			return false
		}
		b.count--
	}
	b.slots[i] = u
	b.count++
	return true
}

// take removes and returns the update buffered for id.
func (b *orderBuffer) take(id int64) (protocol.Update, bool) {
	i := b.slot(id)
	cur := b.slots[i]
	if cur == nil || cur.Sequence() != id {
		return nil, false
	}
	b.slots[i] = nil
	b.count--
	return cur, true
}

// discardThrough drops every buffered update with identifier <= id.
func (b *orderBuffer) discardThrough(id int64) {
	for i, cur := range b.slots {
		if cur != nil && cur.Sequence() <= id {
			b.slots[i] = nil
			b.count--
		}
	}
}

func (b *orderBuffer) clear() {
	for i := range b.slots {
		b.slots[i] = nil
	}
	b.count = 0
}

func (b *orderBuffer) len() int { return b.count }
