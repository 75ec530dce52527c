// Package arena implements the shared-memory expression store: a
// content-addressed DAG of SKI nodes held in structure-of-arrays
// columns inside one flat byte region, together with the submission
// and completion rings and the resize coordinator that lets the
// columns grow while readers proceed lock-free.
package arena

import (
	"github.com/maxdeliso/typed-ski/kernel/ring"
)

const (
	// Magic identifies an initialized region ("SKI!").
	Magic uint32 = 0x534B4921

	// Empty is the universal absent-id sentinel.
	Empty uint32 = 0xFFFF_FFFF

	// MinCapacity and MaxCapacity bound the node table. Growth doubles
	// capacity until MaxCapacity, then poisons.
	MinCapacity uint32 = 1 << 10
	MaxCapacity uint32 = 1 << 27

	// HeaderSize is the fixed byte size of the region header. The
	// header never moves; everything behind it is positioned by the
	// offsets it records.
	HeaderSize uint32 = 128

	cacheLine = 64

	termCacheSlots = 4
	termCacheBytes = 4 * termCacheSlots
)

// Header field byte offsets. All fields are 32-bit little-endian words
// accessed atomically.
const (
	hdrMagic        = 0
	hdrCapacity     = 4
	hdrBucketMask   = 8
	hdrTop          = 12
	hdrResizeSeq    = 16
	hdrRingCap      = 20
	hdrRingMask     = 24
	hdrOffSubmit    = 28
	hdrOffComplete  = 32
	hdrOffKind      = 36
	hdrOffSym       = 40
	hdrOffLeft      = 44
	hdrOffRight     = 48
	hdrOffHash      = 52
	hdrOffNext      = 56
	hdrOffBuckets   = 60
	hdrOffTermCache = 64
	hdrTotalBytes   = 68
	hdrWriters      = 72
)

// Node kinds stored in the kind column. A zero kind is a hole: a row
// abandoned by a lost insertion race or retired by the reducer, skipped
// by every consumer.
const (
	KindHole         uint8 = 0
	KindTerminal     uint8 = 1
	KindApplication  uint8 = 2
	KindContinuation uint8 = 3
	KindSuspension   uint8 = 4
)

// Combinator symbols. Symbols below termCacheSlots are cached; larger
// values allocate fresh terminals on every call.
const (
	SymS uint8 = 1
	SymK uint8 = 2
	SymI uint8 = 3
)

// Layout holds the byte offsets of every region component for one
// capacity. Offsets are recomputed on every resize; the header is the
// source of truth for attached viewers.
type Layout struct {
	Capacity     uint32
	RingCapacity uint32

	Submit    uint32
	Complete  uint32
	Kind      uint32
	Sym       uint32
	Left      uint32
	Right     uint32
	Hash      uint32
	Next      uint32
	Buckets   uint32
	TermCache uint32

	Total uint32
}

// ComputeLayout returns the offsets and total byte size for a region
// with the given node capacity and ring slot count. The rings, the
// left column, the buckets, and the first column are 64-byte aligned
// to avoid false sharing.
func ComputeLayout(capacity, ringCapacity uint32) (Layout, error) {
	if capacity < MinCapacity || capacity > MaxCapacity || capacity&(capacity-1) != 0 {
		return Layout{}, ErrBadCapacity
	}
	if ringCapacity < 2 || ringCapacity&(ringCapacity-1) != 0 {
		return Layout{}, ErrBadCapacity
	}

	l := Layout{Capacity: capacity, RingCapacity: ringCapacity}

	off := alignUp(HeaderSize, cacheLine)
	l.Submit = off
	off += ring.Size(ringCapacity)

	off = alignUp(off, cacheLine)
	l.Complete = off
	off += ring.Size(ringCapacity)

	off = alignUp(off, cacheLine)
	l.Kind = off
	off += capacity

	off = alignUp(off, 8)
	l.Sym = off
	off += capacity

	off = alignUp(off, cacheLine)
	l.Left = off
	off += 4 * capacity

	off = alignUp(off, 8)
	l.Right = off
	off += 4 * capacity

	off = alignUp(off, 8)
	l.Hash = off
	off += 4 * capacity

	off = alignUp(off, 8)
	l.Next = off
	off += 4 * capacity

	off = alignUp(off, cacheLine)
	l.Buckets = off
	off += 4 * capacity

	off = alignUp(off, 8)
	l.TermCache = off
	off += termCacheBytes

	l.Total = alignUp(off, cacheLine)
	return l, nil
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}
