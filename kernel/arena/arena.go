package arena

import (
	"unsafe"

	"github.com/maxdeliso/typed-ski/kernel/ring"
	"github.com/maxdeliso/typed-ski/kernel/utils"
)

// Arena is a handle onto one expression region. Handles are cheap;
// every goroutine of a process can share one, and other processes
// attach their own through Connect.
type Arena struct {
	mem    []byte
	prov   Provider
	shared bool

	submit   *ring.Ring
	complete *ring.Ring

	log *utils.Logger
}

// Options configures region initialization.
type Options struct {
	// Capacity is the initial node capacity. Power of two in
	// [MinCapacity, MaxCapacity].
	Capacity uint32

	// MaxCapacity sizes the backing region; growth doubles Capacity
	// until the region can no longer hold the layout, then poisons.
	// Only used by New; Init takes the provider's size as given.
	MaxCapacity uint32

	// RingCapacity is the slot count of each ring. Power of two.
	RingCapacity uint32

	Logger *utils.Logger
}

// DefaultOptions returns the standard configuration: a million-node
// initial table with room to double twice.
func DefaultOptions() Options {
	return Options{
		Capacity:     1 << 20,
		MaxCapacity:  1 << 22,
		RingCapacity: ring.DefaultCapacity,
	}
}

// New initializes a process-local region sized for opts.MaxCapacity.
func New(opts Options) (*Arena, error) {
	opts = withDefaults(opts)
	maxL, err := ComputeLayout(opts.MaxCapacity, opts.RingCapacity)
	if err != nil {
		return nil, err
	}
	return Init(NewInMemoryProvider(maxL.Total), opts)
}

// Init writes a fresh region into the provider's bytes: header, rings,
// zeroed columns, buckets and terminal cache seeded to Empty.
func Init(prov Provider, opts Options) (*Arena, error) {
	opts = withDefaults(opts)
	mem := prov.Bytes()
	if len(mem) == 0 || uintptr(unsafe.Pointer(&mem[0]))&(cacheLine-1) != 0 {
		return nil, ErrBadAlignment
	}

	l, err := ComputeLayout(opts.Capacity, opts.RingCapacity)
	if err != nil {
		return nil, err
	}
	if uint64(l.Total) > uint64(len(mem)) {
		return nil, ErrOutOfMemory
	}

	zero(mem, 0, l.Total)

	store32(mem, hdrCapacity, opts.Capacity)
	store32(mem, hdrBucketMask, opts.Capacity-1)
	store32(mem, hdrTop, 0)
	store32(mem, hdrResizeSeq, 0)
	store32(mem, hdrRingCap, opts.RingCapacity)
	store32(mem, hdrRingMask, opts.RingCapacity-1)
	store32(mem, hdrOffSubmit, l.Submit)
	store32(mem, hdrOffComplete, l.Complete)
	store32(mem, hdrOffKind, l.Kind)
	store32(mem, hdrOffSym, l.Sym)
	store32(mem, hdrOffLeft, l.Left)
	store32(mem, hdrOffRight, l.Right)
	store32(mem, hdrOffHash, l.Hash)
	store32(mem, hdrOffNext, l.Next)
	store32(mem, hdrOffBuckets, l.Buckets)
	store32(mem, hdrOffTermCache, l.TermCache)
	store32(mem, hdrTotalBytes, l.Total)
	store32(mem, hdrWriters, 0)

	fill32(mem, l.Buckets, opts.Capacity, Empty)
	fill32(mem, l.TermCache, termCacheSlots, Empty)

	ring.Initialize(mem, l.Submit, opts.RingCapacity)
	ring.Initialize(mem, l.Complete, opts.RingCapacity)

	// Magic last: an attacher that sees it can trust the rest.
	store32(mem, hdrMagic, Magic)

	a := &Arena{
		mem:      mem,
		prov:     prov,
		shared:   prov.Shared(),
		submit:   ring.Attach(mem, l.Submit, opts.RingCapacity),
		complete: ring.Attach(mem, l.Complete, opts.RingCapacity),
		log:      loggerOrDefault(opts.Logger),
	}
	a.log.Info("arena initialized",
		utils.Uint32("capacity", opts.Capacity),
		utils.Uint32("bytes", l.Total),
		utils.Bool("shared", a.shared),
	)
	return a, nil
}

// Connect attaches to an already-initialized region.
func Connect(prov Provider) (*Arena, error) {
	mem := prov.Bytes()
	if len(mem) < int(HeaderSize) || uintptr(unsafe.Pointer(&mem[0]))&(cacheLine-1) != 0 {
		return nil, ErrBadAlignment
	}
	if load32(mem, hdrMagic) != Magic {
		return nil, ErrBadMagic
	}
	capacity := load32(mem, hdrCapacity)
	if capacity < MinCapacity || capacity > MaxCapacity || capacity&(capacity-1) != 0 {
		return nil, ErrBadCapacity
	}

	ringCap := load32(mem, hdrRingCap)
	a := &Arena{
		mem:      mem,
		prov:     prov,
		shared:   prov.Shared(),
		submit:   ring.Attach(mem, load32(mem, hdrOffSubmit), ringCap),
		complete: ring.Attach(mem, load32(mem, hdrOffComplete), ringCap),
		log:      loggerOrDefault(nil),
	}
	return a, nil
}

func withDefaults(opts Options) Options {
	d := DefaultOptions()
	if opts.Capacity == 0 {
		opts.Capacity = d.Capacity
	}
	if opts.MaxCapacity < opts.Capacity {
		opts.MaxCapacity = opts.Capacity
	}
	if opts.RingCapacity == 0 {
		opts.RingCapacity = d.RingCapacity
	}
	return opts
}

func loggerOrDefault(l *utils.Logger) *utils.Logger {
	if l != nil {
		return l
	}
	return utils.DefaultLogger("arena")
}

// SubmitRing returns the submission ring handle.
func (a *Arena) SubmitRing() *ring.Ring {
	return a.submit
}

// CompletionRing returns the completion ring handle.
func (a *Arena) CompletionRing() *ring.Ring {
	return a.complete
}

// Shared reports whether the region is backed by shared memory rather
// than a locally-owned buffer.
func (a *Arena) Shared() bool {
	return a.shared
}

// Capacity returns the current node capacity.
func (a *Arena) Capacity() uint32 {
	return a.sampled(func() uint32 { return load32(a.mem, hdrCapacity) })
}

// Top returns the count of allocated node ids.
func (a *Arena) Top() uint32 {
	return load32(a.mem, hdrTop)
}

// KindOf returns a node's kind, or 0 when the id is out of range.
func (a *Arena) KindOf(n uint32) uint8 {
	return uint8(a.sampled(func() uint32 {
		if n >= load32(a.mem, hdrCapacity) {
			return 0
		}
		return uint32(load8(a.mem, load32(a.mem, hdrOffKind)+n))
	}))
}

// SymOf returns a terminal's symbol (or a frame's stage, a
// suspension's mode), or 0 when the id is out of range.
func (a *Arena) SymOf(n uint32) uint8 {
	return uint8(a.sampled(func() uint32 {
		if n >= load32(a.mem, hdrCapacity) {
			return 0
		}
		return uint32(load8(a.mem, load32(a.mem, hdrOffSym)+n))
	}))
}

// LeftOf returns a node's left child, or 0 when the id is out of range.
func (a *Arena) LeftOf(n uint32) uint32 {
	return a.sampled(func() uint32 {
		if n >= load32(a.mem, hdrCapacity) {
			return 0
		}
		return load32(a.mem, load32(a.mem, hdrOffLeft)+4*n)
	})
}

// RightOf returns a node's right child, or 0 when the id is out of range.
func (a *Arena) RightOf(n uint32) uint32 {
	return a.sampled(func() uint32 {
		if n >= load32(a.mem, hdrCapacity) {
			return 0
		}
		return load32(a.mem, load32(a.mem, hdrOffRight)+4*n)
	})
}

// HashOf returns a node's hash word. For suspensions this carries the
// remaining step budget.
func (a *Arena) HashOf(n uint32) uint32 {
	return a.sampled(func() uint32 {
		if n >= load32(a.mem, hdrCapacity) {
			return 0
		}
		return load32(a.mem, load32(a.mem, hdrOffHash)+4*n)
	})
}

// Reset bulk-clears the live nodes: top returns to zero, the hash
// index and the terminal cache empty out. Concurrent submitters must
// be quiesced by the caller; in-flight node ids are invalidated.
func (a *Arena) Reset() {
	a.beginWrite()
	store32(a.mem, hdrTop, 0)
	capacity := load32(a.mem, hdrCapacity)
	fill32(a.mem, load32(a.mem, hdrOffBuckets), capacity, Empty)
	fill32(a.mem, load32(a.mem, hdrOffTermCache), termCacheSlots, Empty)
	a.endWrite()
	a.log.Debug("arena reset")
}

// DebugInfo is a snapshot of region state for diagnostics.
type DebugInfo struct {
	Shared     bool
	Capacity   uint32
	Top        uint32
	ResizeSeq  uint32
	TotalBytes uint32
	RingCap    uint32
}

// Debug returns a diagnostic snapshot.
func (a *Arena) Debug() DebugInfo {
	return DebugInfo{
		Shared:     a.shared,
		Capacity:   load32(a.mem, hdrCapacity),
		Top:        load32(a.mem, hdrTop),
		ResizeSeq:  load32(a.mem, hdrResizeSeq),
		TotalBytes: load32(a.mem, hdrTotalBytes),
		RingCap:    load32(a.mem, hdrRingCap),
	}
}
