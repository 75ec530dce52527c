// Package worker couples the reducer to the ring transport: workers
// blocking-dequeue submissions, drive the reducer in gas-bounded
// batches against the shared arena, and enqueue completions carrying
// either a reduced node or a suspension to resubmit.
package worker

import (
	"context"

	"github.com/maxdeliso/typed-ski/kernel/arena"
	"github.com/maxdeliso/typed-ski/kernel/reduce"
	"github.com/maxdeliso/typed-ski/kernel/ring"
	"github.com/maxdeliso/typed-ski/kernel/utils"
)

// Submission is one unit of requested work.
type Submission struct {
	Node     uint32
	ReqID    uint32
	MaxSteps uint32
}

// Completion reports one finished or suspended unit of work. The node
// is either fully reduced or a Suspension; resubmitting a Suspension
// resumes it.
type Completion struct {
	Node  uint32
	ReqID uint32
}

// Worker drives reductions against one arena.
type Worker struct {
	arena *arena.Arena
	gas   uint32
	log   *utils.Logger
}

// Config configures a worker.
type Config struct {
	// Gas is the per-batch traversal budget. Zero means DefaultGas.
	Gas    uint32
	Logger *utils.Logger
}

// New creates a worker bound to the arena's rings.
func New(a *arena.Arena, cfg Config) *Worker {
	if cfg.Gas == 0 {
		cfg.Gas = reduce.DefaultGas
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.DefaultLogger("worker")
	}
	return &Worker{arena: a, gas: cfg.Gas, log: cfg.Logger}
}

// Run consumes submissions until the context is canceled. It normally
// suspends inside the submission ring's blocking dequeue.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Debug("worker started")
	for {
		e, err := w.arena.SubmitRing().DequeueBlocking(ctx)
		if err != nil {
			w.log.Debug("worker stopping", utils.Err(err))
			return err
		}
		sub := Submission{Node: e.A, ReqID: e.B, MaxSteps: e.C}
		comp := w.evaluate(sub)
		if err := w.arena.CompletionRing().EnqueueBlocking(ctx, ring.Entry{A: comp.Node, B: comp.ReqID}); err != nil {
			return err
		}
	}
}

// evaluate runs one submission to a completion: normal form, or a
// suspension when a budget runs out.
func (w *Worker) evaluate(sub Submission) Completion {
	a := w.arena

	var st *reduce.State
	prev := arena.Empty
	if a.KindOf(sub.Node) == arena.KindSuspension {
		st = reduce.Resume(a, sub.Node)
		// The resubmission's budget replaces the captured one; the
		// capture records what was left at yield time.
		st.Remaining = sub.MaxSteps
	} else {
		st = reduce.NewState(sub.Node, sub.MaxSteps)
		prev = sub.Node
	}

	for {
		if st.Remaining == 0 {
			// Out of steps: unwind without further redexes so the
			// suspension holds the root, not a subexpression.
			root := st.Unwind(a)
			st.Restart(root)
			return Completion{Node: st.Suspend(a), ReqID: sub.ReqID}
		}

		outcome, next := st.Run(a, w.gas)
		switch outcome {
		case reduce.Done:
			if next == prev {
				return Completion{Node: next, ReqID: sub.ReqID}
			}
			prev = next
			st.Restart(next)
		case reduce.GasExhausted:
			// Preempted mid-sweep; park the exact traversal state.
			return Completion{Node: st.Suspend(a), ReqID: sub.ReqID}
		case reduce.StepsExhausted:
			root := st.Unwind(a)
			st.Restart(root)
			return Completion{Node: st.Suspend(a), ReqID: sub.ReqID}
		}
	}
}
