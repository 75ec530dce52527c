package arena

// bump claims the next node id, growing the table when the id lands
// beyond the current capacity. The id is never rolled back; a claim
// that loses its row to an insertion race becomes a hole.
func (a *Arena) bump() uint32 {
	a.stable()
	id := add32(a.mem, hdrTop, 1) - 1
	for {
		a.stable()
		if id < load32(a.mem, hdrCapacity) {
			return id
		}
		a.grow()
	}
}

// publish writes a freshly claimed row under the write guard: fields
// first, kind last, so the row cannot be observed half-built.
func (a *Arena) publish(id uint32, kind, sym uint8, left, right, hash uint32) {
	a.beginWrite()
	store8(a.mem, load32(a.mem, hdrOffSym)+id, sym)
	store32(a.mem, load32(a.mem, hdrOffLeft)+4*id, left)
	store32(a.mem, load32(a.mem, hdrOffRight)+4*id, right)
	store32(a.mem, load32(a.mem, hdrOffHash)+4*id, hash)
	store8(a.mem, load32(a.mem, hdrOffKind)+id, kind)
	a.endWrite()
}

// AllocTerminal returns a terminal node for sym, serving S, K and I
// from the four-slot cache.
func (a *Arena) AllocTerminal(sym uint8) uint32 {
	if uint32(sym) < termCacheSlots {
		cached := a.sampled(func() uint32 {
			return load32(a.mem, load32(a.mem, hdrOffTermCache)+4*uint32(sym))
		})
		if cached != Empty {
			return cached
		}
	}

	id := a.bump()
	a.publish(id, KindTerminal, sym, 0, 0, uint32(sym))

	if uint32(sym) < termCacheSlots {
		a.beginWrite()
		store32(a.mem, load32(a.mem, hdrOffTermCache)+4*uint32(sym), id)
		a.endWrite()
	}
	return id
}

// AllocApplication returns the node (l r), deduplicated through the
// hash-cons index: structurally equal applications share one id.
func (a *Arena) AllocApplication(l, r uint32) uint32 {
	h := mix(a.HashOf(l), a.HashOf(r))

	if id, ok := a.lookup(h, l, r); ok {
		return id
	}

	id := a.bump()

	// Publish and link under the write guard: the chains cannot be
	// rebuilt by a resize underneath us, so the only contention left
	// is other inserters, which the bucket CAS serializes.
	a.beginWrite()
	kindOff := load32(a.mem, hdrOffKind)
	store8(a.mem, load32(a.mem, hdrOffSym)+id, 0)
	store32(a.mem, load32(a.mem, hdrOffLeft)+4*id, l)
	store32(a.mem, load32(a.mem, hdrOffRight)+4*id, r)
	store32(a.mem, load32(a.mem, hdrOffHash)+4*id, h)
	store8(a.mem, kindOff+id, KindApplication)

	bucket := load32(a.mem, hdrOffBuckets) + 4*(h&load32(a.mem, hdrBucketMask))
	hashOff := load32(a.mem, hdrOffHash)
	leftOff := load32(a.mem, hdrOffLeft)
	rightOff := load32(a.mem, hdrOffRight)
	nextOff := load32(a.mem, hdrOffNext)
	for {
		head := load32(a.mem, bucket)
		dup := Empty
		for i := head; i != Empty; i = load32(a.mem, nextOff+4*i) {
			if i != id &&
				load8(a.mem, kindOff+i) == KindApplication &&
				load32(a.mem, hashOff+4*i) == h &&
				load32(a.mem, leftOff+4*i) == l &&
				load32(a.mem, rightOff+4*i) == r {
				dup = i
				break
			}
		}
		if dup != Empty {
			// Lost the race: an equal node won the chain. Retire the
			// claimed row as a hole and hand back the winner.
			store8(a.mem, kindOff+id, KindHole)
			a.endWrite()
			return dup
		}
		store32(a.mem, nextOff+4*id, head)
		if cas32(a.mem, bucket, head, id) {
			a.endWrite()
			return id
		}
	}
}

// lookup walks the bucket chain for (l, r) under a stable snapshot,
// retrying when a resize invalidates the walk. Holes and reducer nodes
// never match.
func (a *Arena) lookup(h, l, r uint32) (uint32, bool) {
	for {
		seq := a.stable()

		capacity := load32(a.mem, hdrCapacity)
		kindOff := load32(a.mem, hdrOffKind)
		hashOff := load32(a.mem, hdrOffHash)
		leftOff := load32(a.mem, hdrOffLeft)
		rightOff := load32(a.mem, hdrOffRight)
		nextOff := load32(a.mem, hdrOffNext)
		bucket := load32(a.mem, hdrOffBuckets) + 4*(h&load32(a.mem, hdrBucketMask))

		// The walk is bounded and range-checked: a resize rebuilding
		// the chains underneath us can leave torn links, and the seq
		// re-check below is what decides whether the walk was real.
		found := Empty
		hops := uint32(0)
		for i := load32(a.mem, bucket); i != Empty && i < capacity; i = load32(a.mem, nextOff+4*i) {
			if hops++; hops > capacity {
				break
			}
			if load8(a.mem, kindOff+i) == KindApplication &&
				load32(a.mem, hashOff+4*i) == h &&
				load32(a.mem, leftOff+4*i) == l &&
				load32(a.mem, rightOff+4*i) == r {
				found = i
				break
			}
		}

		if a.seqLoad() != seq {
			continue
		}
		return found, found != Empty
	}
}

// AllocNode allocates a node outside the hash-cons index. The reducer
// uses this for continuation frames and suspensions.
func (a *Arena) AllocNode(kind, sym uint8, left, right, hash uint32) uint32 {
	id := a.bump()
	a.publish(id, kind, sym, left, right, hash)
	return id
}

// Overwrite rewrites a node the caller owns in place, serving it as a
// fresh frame. Ids are never returned to a free list; recycling is the
// only reuse path.
func (a *Arena) Overwrite(id uint32, kind, sym uint8, left, right, hash uint32) {
	a.publish(id, kind, sym, left, right, hash)
}

// MarkHole retires a node the caller owns. Holes stay allocated but
// match nothing.
func (a *Arena) MarkHole(id uint32) {
	a.beginWrite()
	store8(a.mem, load32(a.mem, hdrOffKind)+id, KindHole)
	a.endWrite()
}
