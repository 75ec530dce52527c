package arena

import (
	"runtime"

	"github.com/maxdeliso/typed-ski/kernel/utils"
)

// poisonSeq marks the resize counter after an unrecoverable failure.
// Even = stable, odd = resize in progress.
const poisonSeq uint32 = 0xFFFF_FFFF

func (a *Arena) seqLoad() uint32 {
	return load32(a.mem, hdrResizeSeq)
}

// stable spins until the resize counter is even and returns it. Traps
// on poison.
func (a *Arena) stable() uint32 {
	for {
		seq := a.seqLoad()
		if seq == poisonSeq {
			panic(ErrPoisoned)
		}
		if seq&1 == 0 {
			return seq
		}
		runtime.Gosched()
	}
}

// sampled runs fn against a stable snapshot of the region, retrying
// whenever a resize invalidates the read. fn must be side-effect free.
func (a *Arena) sampled(fn func() uint32) uint32 {
	for {
		seq := a.stable()
		v := fn()
		if a.seqLoad() == seq {
			return v
		}
	}
}

// beginWrite registers the caller as an in-flight row writer. Row
// writers exclude the resize writer (which waits for the count to
// drain) but not each other; row-level races are resolved by CAS.
// Never allocate or grow while holding the write guard.
func (a *Arena) beginWrite() {
	for {
		seq := a.stable()
		add32(a.mem, hdrWriters, 1)
		if a.seqLoad() == seq {
			return
		}
		add32(a.mem, hdrWriters, ^uint32(0))
	}
}

func (a *Arena) endWrite() {
	add32(a.mem, hdrWriters, ^uint32(0))
}

// grow doubles the arena capacity. Exactly one caller wins the resize
// counter CAS and becomes the writer; everyone else waits out the odd
// window and re-checks whatever condition sent them here.
func (a *Arena) grow() {
	var seq uint32
	for {
		seq = a.seqLoad()
		if seq == poisonSeq {
			panic(ErrPoisoned)
		}
		if seq&1 == 1 {
			a.stable()
			return
		}
		if cas32(a.mem, hdrResizeSeq, seq, seq+1) {
			break
		}
	}

	// Wait for in-flight row writers to drain; after this the region
	// is exclusively ours until the counter goes even again.
	for load32(a.mem, hdrWriters) != 0 {
		runtime.Gosched()
	}

	oldCap := load32(a.mem, hdrCapacity)
	if oldCap >= MaxCapacity {
		a.poison("capacity ceiling reached")
	}
	newCap := oldCap << 1
	ringCap := load32(a.mem, hdrRingCap)

	newL, err := ComputeLayout(newCap, ringCap)
	if err != nil {
		a.poison("layout computation failed")
	}
	if uint64(newL.Total) > uint64(len(a.mem)) {
		a.poison("backing region exhausted")
	}
	oldL, _ := ComputeLayout(oldCap, ringCap)

	top := load32(a.mem, hdrTop)
	if top > oldCap {
		// Transient over-bump by the allocation that triggered us.
		top = oldCap
	}

	// Relocate columns highest offset first; the new layout overlaps
	// the old one.
	copy(a.mem[newL.TermCache:newL.TermCache+termCacheBytes], a.mem[oldL.TermCache:oldL.TermCache+termCacheBytes])
	copy(a.mem[newL.Next:newL.Next+4*top], a.mem[oldL.Next:oldL.Next+4*top])
	copy(a.mem[newL.Hash:newL.Hash+4*top], a.mem[oldL.Hash:oldL.Hash+4*top])
	copy(a.mem[newL.Right:newL.Right+4*top], a.mem[oldL.Right:oldL.Right+4*top])
	copy(a.mem[newL.Left:newL.Left+4*top], a.mem[oldL.Left:oldL.Left+4*top])
	copy(a.mem[newL.Sym:newL.Sym+top], a.mem[oldL.Sym:oldL.Sym+top])
	copy(a.mem[newL.Kind:newL.Kind+top], a.mem[oldL.Kind:oldL.Kind+top])

	// Zero the extensions so bytes left behind by the moves cannot be
	// mistaken for live rows.
	zero(a.mem, newL.Kind+top, newCap-top)
	zero(a.mem, newL.Sym+top, newCap-top)
	zero(a.mem, newL.Left+4*top, 4*(newCap-top))
	zero(a.mem, newL.Right+4*top, 4*(newCap-top))
	zero(a.mem, newL.Hash+4*top, 4*(newCap-top))
	zero(a.mem, newL.Next+4*top, 4*(newCap-top))

	// Rebuild the hash index under the doubled mask. Holes and
	// reducer-owned frames are not part of the index.
	mask := newCap - 1
	fill32(a.mem, newL.Buckets, newCap, Empty)
	for i := uint32(0); i < top; i++ {
		if load8(a.mem, newL.Kind+i) != KindApplication {
			continue
		}
		h := load32(a.mem, newL.Hash+4*i)
		b := newL.Buckets + 4*(h&mask)
		store32(a.mem, newL.Next+4*i, load32(a.mem, b))
		store32(a.mem, b, i)
	}

	// Publish the new geometry, then release the counter.
	store32(a.mem, hdrCapacity, newCap)
	store32(a.mem, hdrBucketMask, mask)
	store32(a.mem, hdrOffKind, newL.Kind)
	store32(a.mem, hdrOffSym, newL.Sym)
	store32(a.mem, hdrOffLeft, newL.Left)
	store32(a.mem, hdrOffRight, newL.Right)
	store32(a.mem, hdrOffHash, newL.Hash)
	store32(a.mem, hdrOffNext, newL.Next)
	store32(a.mem, hdrOffBuckets, newL.Buckets)
	store32(a.mem, hdrOffTermCache, newL.TermCache)
	store32(a.mem, hdrTotalBytes, newL.Total)
	store32(a.mem, hdrResizeSeq, seq+2)

	a.log.Debug("arena grown",
		utils.Uint32("capacity", newCap),
		utils.Uint32("top", top),
	)
}

// poison makes every subsequent allocator and reader operation trap.
func (a *Arena) poison(reason string) {
	store32(a.mem, hdrResizeSeq, poisonSeq)
	a.log.Error("arena poisoned", utils.String("reason", reason))
	panic(ErrPoisoned)
}
