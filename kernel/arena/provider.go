package arena

import (
	"errors"
	"unsafe"
)

// Provider abstracts the backing bytes of a region. Implementations may
// be an in-process buffer or a shared memory mapping; either way the
// mapping is fixed for the provider's lifetime, and growth happens by
// relocating columns inside it. Size the provider for the largest
// capacity the arena may grow to.
type Provider interface {
	Bytes() []byte
	Shared() bool
	Close() error
}

var ErrOutOfBounds = errors.New("arena: offset out of bounds")

// InMemoryProvider backs a region with a process-local byte slice,
// aligned to a cache line so atomics and the alignment validation hold.
type InMemoryProvider struct {
	buf  []byte
	data []byte
}

// NewInMemoryProvider creates an in-memory provider with the requested
// size.
func NewInMemoryProvider(size uint32) *InMemoryProvider {
	buf := make([]byte, uint64(size)+cacheLine)
	off := uintptr(unsafe.Pointer(&buf[0])) & (cacheLine - 1)
	if off != 0 {
		off = cacheLine - off
	}
	return &InMemoryProvider{
		buf:  buf,
		data: buf[off : uintptr(off)+uintptr(size)],
	}
}

func (m *InMemoryProvider) Bytes() []byte {
	return m.data
}

func (m *InMemoryProvider) Shared() bool {
	return false
}

func (m *InMemoryProvider) Close() error {
	m.buf = nil
	m.data = nil
	return nil
}
