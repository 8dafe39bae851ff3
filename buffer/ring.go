// Package buffer keeps the most recent decoded messages for operators who
// connect late. Each slot holds an atomic pointer, so a reader sees either a
// complete message or the one it replaced, and the framer never waits on a
// reader.
package buffer

import (
	"sync/atomic"

	"github.com/ojrdude/morsecode/framer"
)

type slot struct {
	id  uint64
	msg framer.Message
}

// Ring is a fixed-capacity circular history of messages.
type Ring struct {
	slots    []atomic.Pointer[slot]
	capacity int
	total    atomic.Uint64 // messages added, may exceed capacity
}

// NewRing allocates a ring holding up to capacity messages. A capacity
// below one is raised to one.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		slots:    make([]atomic.Pointer[slot], capacity),
		capacity: capacity,
	}
}

// Add publishes msg, overwriting the oldest entry once full.
func (r *Ring) Add(msg framer.Message) {
	id := r.total.Add(1)
	r.slots[(id-1)%uint64(r.capacity)].Store(&slot{id: id, msg: msg})
}

// Recent returns up to n messages, oldest first.
func (r *Ring) Recent(n int) []framer.Message {
	if n <= 0 {
		return nil
	}
	total := r.total.Load()
	available := int(total)
	if available > r.capacity {
		available = r.capacity
	}
	if n > available {
		n = available
	}
	out := make([]framer.Message, n)
	filled := 0
	for idx := total; idx > total-uint64(available) && filled < n; {
		idx--
		// A slot overwritten since total was read belongs to a newer lap.
		if s := r.slots[idx%uint64(r.capacity)].Load(); s != nil && s.id == idx+1 {
			filled++
			out[n-filled] = s.msg
		}
	}
	return out[n-filled:]
}

// Count returns how many messages were ever added.
func (r *Ring) Count() uint64 { return r.total.Load() }

// Capacity returns the number of slots.
func (r *Ring) Capacity() int { return r.capacity }
