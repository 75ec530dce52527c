// Package ring implements the bounded single-producer/single-consumer
// slot rings used to move work between the submitter and the workers.
// Each slot carries a sequence number so a slot is never observed
// half-written and reuse across laps cannot be confused (no ABA).
package ring

import (
	"context"
	"runtime"
	"sync/atomic"
	"unsafe"
)

const (
	// Region layout, relative to the ring's base offset. The head and
	// tail counters sit on separate cache lines; the two notify
	// counters back the blocking variants.
	offTail       = 0
	offHead       = 64
	offProdNotify = 128
	offConsNotify = 192
	slotsBase     = 256

	slotBytes = 16

	// DefaultCapacity is the slot count used when the caller does not
	// choose one. Must be a power of two.
	DefaultCapacity = 1024
)

// Entry is one ring slot payload: three 32-bit words. Submission rings
// carry (node, req, max_steps); completion rings carry (node, req, pad).
type Entry struct {
	A uint32
	B uint32
	C uint32
}

// Ring is a handle onto a ring region inside the shared memory. Handles
// in the same process share notifier state through Attach's caller; a
// handle in another process falls back to timed re-checks while waiting.
type Ring struct {
	mem  []byte
	base uint32
	mask uint32

	prod notifier
	cons notifier
}

// Size returns the byte size of a ring region with the given slot count.
func Size(capacity uint32) uint32 {
	return slotsBase + capacity*slotBytes
}

// Initialize writes the empty-ring state: head = tail = 0 and each
// slot's sequence set to its own index.
func Initialize(mem []byte, base, capacity uint32) {
	store32(mem, base+offTail, 0)
	store32(mem, base+offHead, 0)
	store32(mem, base+offProdNotify, 0)
	store32(mem, base+offConsNotify, 0)
	for i := uint32(0); i < capacity; i++ {
		store32(mem, base+slotsBase+i*slotBytes, i)
	}
}

// Attach creates a handle onto an already-initialized ring region.
func Attach(mem []byte, base, capacity uint32) *Ring {
	return &Ring{
		mem:  mem,
		base: base,
		mask: capacity - 1,
	}
}

// Enqueue attempts a non-blocking enqueue. Returns false when the ring
// is full.
func (r *Ring) Enqueue(e Entry) bool {
	for {
		tail := load32(r.mem, r.base+offTail)
		slot := r.base + slotsBase + (tail&r.mask)*slotBytes
		seq := load32(r.mem, slot)

		diff := int32(seq - tail)
		if diff == 0 {
			if !cas32(r.mem, r.base+offTail, tail, tail+1) {
				continue
			}
			store32(r.mem, slot+4, e.A)
			store32(r.mem, slot+8, e.B)
			store32(r.mem, slot+12, e.C)
			store32(r.mem, slot, tail+1)
			add32(r.mem, r.base+offProdNotify, 1)
			r.prod.notify()
			return true
		}
		if diff < 0 {
			return false
		}
		// Another enqueue advanced the tail between our loads; retry.
	}
}

// Dequeue attempts a non-blocking dequeue. Returns false when the ring
// is empty.
func (r *Ring) Dequeue() (Entry, bool) {
	for {
		head := load32(r.mem, r.base+offHead)
		slot := r.base + slotsBase + (head&r.mask)*slotBytes
		seq := load32(r.mem, slot)

		diff := int32(seq - (head + 1))
		if diff == 0 {
			if !cas32(r.mem, r.base+offHead, head, head+1) {
				continue
			}
			e := Entry{
				A: load32(r.mem, slot+4),
				B: load32(r.mem, slot+8),
				C: load32(r.mem, slot+12),
			}
			store32(r.mem, slot, head+r.mask+1)
			add32(r.mem, r.base+offConsNotify, 1)
			r.cons.notify()
			return e, true
		}
		if diff < 0 {
			return Entry{}, false
		}
	}
}

// EnqueueBlocking enqueues, suspending the caller while the ring is
// full. Returns the context's error if it is canceled first.
func (r *Ring) EnqueueBlocking(ctx context.Context, e Entry) error {
	for spin := 0; ; {
		if r.Enqueue(e) {
			return nil
		}
		seen := load32(r.mem, r.base+offConsNotify)
		// Re-check after sampling the counter so a wakeup between the
		// failed enqueue and the sample is not lost.
		if r.Enqueue(e) {
			return nil
		}
		if spin < spinBudget {
			spin++
			runtime.Gosched()
			continue
		}
		if err := r.cons.wait(ctx, func() bool {
			return load32(r.mem, r.base+offConsNotify) != seen
		}); err != nil {
			return err
		}
	}
}

// DequeueBlocking dequeues, suspending the caller while the ring is
// empty. Returns the context's error if it is canceled first.
func (r *Ring) DequeueBlocking(ctx context.Context) (Entry, error) {
	for spin := 0; ; {
		if e, ok := r.Dequeue(); ok {
			return e, nil
		}
		seen := load32(r.mem, r.base+offProdNotify)
		if e, ok := r.Dequeue(); ok {
			return e, nil
		}
		if spin < spinBudget {
			spin++
			runtime.Gosched()
			continue
		}
		if err := r.prod.wait(ctx, func() bool {
			return load32(r.mem, r.base+offProdNotify) != seen
		}); err != nil {
			return Entry{}, err
		}
	}
}

func load32(mem []byte, off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[off])))
}

func store32(mem []byte, off uint32, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[off])), v)
}

func add32(mem []byte, off uint32, d uint32) uint32 {
	return atomic.AddUint32((*uint32)(unsafe.Pointer(&mem[off])), d)
}

func cas32(mem []byte, off uint32, old, new uint32) bool {
	return atomic.CompareAndSwapUint32((*uint32)(unsafe.Pointer(&mem[off])), old, new)
}
