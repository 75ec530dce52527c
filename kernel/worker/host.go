package worker

import (
	"context"
	"errors"

	"github.com/maxdeliso/typed-ski/kernel/arena"
	"github.com/maxdeliso/typed-ski/kernel/ring"
)

var (
	// ErrRingFull is returned by a non-blocking submit when the
	// submission ring has no free slot.
	ErrRingFull = errors.New("worker: submission ring full")

	// ErrNotConnected is returned when the host has no attached arena.
	ErrNotConnected = errors.New("worker: not connected to an arena")
)

// Host is the submitter side of the transport: it writes submissions
// and polls completions, correlating by request id.
type Host struct {
	arena *arena.Arena
}

// NewHost creates a submitter bound to the arena's rings.
func NewHost(a *arena.Arena) *Host {
	return &Host{arena: a}
}

// Submit enqueues work without blocking.
func (h *Host) Submit(node, reqID, maxSteps uint32) error {
	if h == nil || h.arena == nil {
		return ErrNotConnected
	}
	if !h.arena.SubmitRing().Enqueue(ring.Entry{A: node, B: reqID, C: maxSteps}) {
		return ErrRingFull
	}
	return nil
}

// SubmitBlocking enqueues work, waiting for a free slot.
func (h *Host) SubmitBlocking(ctx context.Context, node, reqID, maxSteps uint32) error {
	if h == nil || h.arena == nil {
		return ErrNotConnected
	}
	return h.arena.SubmitRing().EnqueueBlocking(ctx, ring.Entry{A: node, B: reqID, C: maxSteps})
}

// Pull polls one completion without blocking. The second return is
// false when the completion ring is empty.
func (h *Host) Pull() (Completion, bool) {
	if h == nil || h.arena == nil {
		return Completion{}, false
	}
	e, ok := h.arena.CompletionRing().Dequeue()
	if !ok {
		return Completion{}, false
	}
	return Completion{Node: e.A, ReqID: e.B}, true
}

// PullBlocking waits for one completion or context cancellation.
func (h *Host) PullBlocking(ctx context.Context) (Completion, error) {
	if h == nil || h.arena == nil {
		return Completion{}, ErrNotConnected
	}
	e, err := h.arena.CompletionRing().DequeueBlocking(ctx)
	if err != nil {
		return Completion{}, err
	}
	return Completion{Node: e.A, ReqID: e.B}, nil
}

// Packed encodes a completion the way external region viewers expect:
// the request id in the high word, the node in the low word.
func (c Completion) Packed() uint64 {
	return uint64(c.ReqID)<<32 | uint64(c.Node)
}
