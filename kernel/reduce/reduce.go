// Package reduce implements the iterative graph rewriter. The
// evaluation stack is reified as Continuation nodes chained through
// their left field, so deep spines cannot blow the call stack and an
// in-flight reduction can be captured as a Suspension node and resumed
// by any worker later.
package reduce

import (
	"github.com/maxdeliso/typed-ski/kernel/arena"
)

// Continuation stages and suspension modes, stored in the sym column.
const (
	StageLeft  uint8 = 1
	StageRight uint8 = 2

	ModeDescend uint8 = 1
	ModeReturn  uint8 = 2
)

// DefaultGas is the per-call traversal budget the worker grants before
// forcing a yield.
const DefaultGas uint32 = 20_000

// Unbounded as a step budget means the reduction runs to normal form.
const Unbounded uint32 = 0xFFFF_FFFF

// Outcome reports why Run returned.
type Outcome int

const (
	// Done: the stack unwound to an empty state; the sweep finished.
	Done Outcome = iota
	// GasExhausted: the traversal budget ran out mid-sweep.
	GasExhausted
	// StepsExhausted: a redex was found but the step budget is spent.
	StepsExhausted
)

// State is one in-flight reduction. Exactly one goroutine drives a
// State at a time; the arena nodes it references are shared.
type State struct {
	Curr      uint32
	Stack     uint32
	Mode      uint8
	Remaining uint32

	// free holds a dead frame id that the next push may overwrite
	// instead of allocating.
	free uint32
}

// NewState starts a reduction of root with the given step budget.
func NewState(root, maxSteps uint32) *State {
	return &State{
		Curr:      root,
		Stack:     arena.Empty,
		Mode:      ModeDescend,
		Remaining: maxSteps,
		free:      arena.Empty,
	}
}

// Resume rebuilds a State from a Suspension node. The suspension's id
// becomes the scratch frame, so resuming does not leak it.
func Resume(a *arena.Arena, susp uint32) *State {
	return &State{
		Curr:      a.LeftOf(susp),
		Stack:     a.RightOf(susp),
		Mode:      a.SymOf(susp),
		Remaining: a.HashOf(susp),
		free:      susp,
	}
}

// Restart re-aims a finished State at a new root, preserving the step
// budget and the scratch frame.
func (s *State) Restart(root uint32) {
	s.Curr = root
	s.Stack = arena.Empty
	s.Mode = ModeDescend
}

// Suspend captures the state as a Suspension node and returns its id.
// The scratch frame is recycled into the suspension when available.
func (s *State) Suspend(a *arena.Arena) uint32 {
	if s.free != arena.Empty {
		id := s.free
		s.free = arena.Empty
		a.Overwrite(id, arena.KindSuspension, s.Mode, s.Curr, s.Stack, s.Remaining)
		return id
	}
	return a.AllocNode(arena.KindSuspension, s.Mode, s.Curr, s.Stack, s.Remaining)
}

// Run drives the reduction until the sweep completes, the traversal
// budget runs out, or a redex meets an exhausted step budget. On Done
// the returned id is the sweep's root; otherwise the State holds the
// exact point to suspend or unwind from.
func (s *State) Run(a *arena.Arena, gas uint32) (Outcome, uint32) {
	for {
		if gas == 0 {
			return GasExhausted, arena.Empty
		}
		gas--

		if s.Mode == ModeDescend {
			if a.KindOf(s.Curr) != arena.KindApplication {
				s.Mode = ModeReturn
				continue
			}
			if red, ok := matchRedex(a, s.Curr); ok {
				if s.Remaining == 0 {
					return StepsExhausted, arena.Empty
				}
				s.Curr = contract(a, red)
				s.Remaining--
				s.Mode = ModeReturn
				continue
			}
			s.pushLeft(a)
			continue
		}

		// Return phase: unwind one frame.
		if s.Stack == arena.Empty {
			s.retireScratch(a)
			return Done, s.Curr
		}

		frame := s.Stack
		stage := a.SymOf(frame)
		link := a.LeftOf(frame)
		parent := a.RightOf(frame)

		if stage == StageLeft {
			if s.Curr == a.LeftOf(parent) {
				// Function side unchanged; the frame flips in place
				// and the argument side is next.
				a.Overwrite(frame, arena.KindContinuation, StageRight, link, parent, 0)
				s.Curr = a.RightOf(parent)
				s.Mode = ModeDescend
				continue
			}
			s.Stack = link
			s.free = frame
			s.Curr = a.AllocApplication(s.Curr, a.RightOf(parent))
			continue
		}

		// StageRight
		s.Stack = link
		s.free = frame
		if s.Curr == a.RightOf(parent) {
			s.Curr = parent
		} else {
			s.Curr = a.AllocApplication(a.LeftOf(parent), s.Curr)
		}
	}
}

// Unwind rebuilds the root from the current position without
// performing any further redexes, returning the root id. Used when the
// step budget is spent and the caller wants the partial tree back.
func (s *State) Unwind(a *arena.Arena) uint32 {
	for s.Stack != arena.Empty {
		frame := s.Stack
		stage := a.SymOf(frame)
		parent := a.RightOf(frame)
		s.Stack = a.LeftOf(frame)
		s.free = frame

		if stage == StageLeft {
			if s.Curr == a.LeftOf(parent) {
				s.Curr = parent
			} else {
				s.Curr = a.AllocApplication(s.Curr, a.RightOf(parent))
			}
		} else {
			if s.Curr == a.RightOf(parent) {
				s.Curr = parent
			} else {
				s.Curr = a.AllocApplication(a.LeftOf(parent), s.Curr)
			}
		}
	}
	s.retireScratch(a)
	s.Mode = ModeDescend
	return s.Curr
}

// pushLeft pushes a LEFT-stage frame for the current application and
// descends into its function side.
func (s *State) pushLeft(a *arena.Arena) {
	var frame uint32
	if s.free != arena.Empty {
		frame = s.free
		s.free = arena.Empty
		a.Overwrite(frame, arena.KindContinuation, StageLeft, s.Stack, s.Curr, 0)
	} else {
		frame = a.AllocNode(arena.KindContinuation, StageLeft, s.Stack, s.Curr, 0)
	}
	s.Stack = frame
	s.Curr = a.LeftOf(s.Curr)
}

func (s *State) retireScratch(a *arena.Arena) {
	if s.free != arena.Empty {
		a.MarkHole(s.free)
		s.free = arena.Empty
	}
}

// redex is a matched rewrite site. No allocation happens at match
// time; contraction is deferred until the step budget admits it.
type redex struct {
	rule uint8
	x    uint32
	y    uint32
	z    uint32
}

const (
	ruleI uint8 = 1
	ruleK uint8 = 2
	ruleS uint8 = 3
)

// matchRedex checks the three spine patterns at curr only, not deeper.
func matchRedex(a *arena.Arena, curr uint32) (redex, bool) {
	l := a.LeftOf(curr)
	r := a.RightOf(curr)

	// I x
	if a.KindOf(l) == arena.KindTerminal {
		if a.SymOf(l) == arena.SymI {
			return redex{rule: ruleI, x: r}, true
		}
		return redex{}, false
	}
	if a.KindOf(l) != arena.KindApplication {
		return redex{}, false
	}

	// (K x) y
	ll := a.LeftOf(l)
	if a.KindOf(ll) == arena.KindTerminal {
		if a.SymOf(ll) == arena.SymK {
			return redex{rule: ruleK, x: a.RightOf(l)}, true
		}
		return redex{}, false
	}

	// ((S x) y) z
	if a.KindOf(ll) == arena.KindApplication {
		lll := a.LeftOf(ll)
		if a.KindOf(lll) == arena.KindTerminal && a.SymOf(lll) == arena.SymS {
			return redex{rule: ruleS, x: a.RightOf(ll), y: a.RightOf(l), z: r}, true
		}
	}
	return redex{}, false
}

// contract performs the matched rewrite, counting as exactly one step.
func contract(a *arena.Arena, red redex) uint32 {
	switch red.rule {
	case ruleI, ruleK:
		return red.x
	default:
		xz := a.AllocApplication(red.x, red.z)
		yz := a.AllocApplication(red.y, red.z)
		return a.AllocApplication(xz, yz)
	}
}

// KernelStep performs one rewrite sweep with an unbounded traversal
// budget, returning the (possibly unchanged) root.
func KernelStep(a *arena.Arena, root uint32) uint32 {
	st := NewState(root, 1)
	outcome, next := st.Run(a, Unbounded)
	if outcome == Done {
		return next
	}
	return st.Unwind(a)
}

// Reduce rewrites root toward normal form, performing at most maxSteps
// redex rewrites. A maxSteps of Unbounded runs until no redex remains;
// a zero budget returns the root unchanged.
func Reduce(a *arena.Arena, root, maxSteps uint32) uint32 {
	st := NewState(root, maxSteps)
	prev := root
	for {
		outcome, next := st.Run(a, Unbounded)
		switch outcome {
		case Done:
			if next == prev {
				return next
			}
			prev = next
			st.Restart(next)
		case StepsExhausted:
			return st.Unwind(a)
		}
	}
}
