package reduce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxdeliso/typed-ski/kernel/arena"
	"github.com/maxdeliso/typed-ski/kernel/utils"
)

func newTestArena(t *testing.T) *arena.Arena {
	t.Helper()
	a, err := arena.New(arena.Options{
		Capacity:     arena.MinCapacity,
		MaxCapacity:  4 * arena.MinCapacity,
		RingCapacity: 64,
		Logger:       utils.NewLogger(utils.LoggerConfig{Level: utils.ERROR, Component: "test"}),
	})
	require.NoError(t, err)
	return a
}

func TestReduce_I(t *testing.T) {
	a := newTestArena(t)

	i := a.AllocTerminal(arena.SymI)
	s := a.AllocTerminal(arena.SymS)
	expr := a.AllocApplication(i, s)

	assert.Equal(t, s, Reduce(a, expr, 10))
}

func TestReduce_K(t *testing.T) {
	a := newTestArena(t)

	k := a.AllocTerminal(arena.SymK)
	s := a.AllocTerminal(arena.SymS)
	i := a.AllocTerminal(arena.SymI)

	ks := a.AllocApplication(k, s)
	expr := a.AllocApplication(ks, i)

	assert.Equal(t, s, Reduce(a, expr, 10))
}

func TestKernelStep_S(t *testing.T) {
	a := newTestArena(t)

	s := a.AllocTerminal(arena.SymS)
	k := a.AllocTerminal(arena.SymK)
	i := a.AllocTerminal(arena.SymI)
	extra := a.AllocTerminal(10)

	spine := a.AllocApplication(a.AllocApplication(a.AllocApplication(s, k), i), extra)
	result := KernelStep(a, spine)

	// ((S K) I) extra => (K extra) (I extra)
	require.Equal(t, arena.KindApplication, a.KindOf(result))

	left := a.LeftOf(result)
	right := a.RightOf(result)

	require.Equal(t, arena.KindApplication, a.KindOf(left))
	assert.Equal(t, k, a.LeftOf(left))
	assert.Equal(t, extra, a.RightOf(left))

	require.Equal(t, arena.KindApplication, a.KindOf(right))
	assert.Equal(t, i, a.LeftOf(right))
	assert.Equal(t, extra, a.RightOf(right))
}

func TestKernelStep_NormalFormUnchanged(t *testing.T) {
	a := newTestArena(t)

	s := a.AllocTerminal(arena.SymS)
	k := a.AllocTerminal(arena.SymK)
	sk := a.AllocApplication(s, k)

	assert.Equal(t, sk, KernelStep(a, sk))
	assert.Equal(t, s, KernelStep(a, s))
}

func TestReduce_SSharing(t *testing.T) {
	a := newTestArena(t)

	s := a.AllocTerminal(arena.SymS)
	i := a.AllocTerminal(arena.SymI)
	k := a.AllocTerminal(arena.SymK)

	// ((S I) I) K steps to (I K) (I K); the argument occurs twice, so
	// hash-consing must share the two (I K) subterms.
	spine := a.AllocApplication(a.AllocApplication(a.AllocApplication(s, i), i), k)
	step := KernelStep(a, spine)

	require.Equal(t, arena.KindApplication, a.KindOf(step))
	assert.Equal(t, a.LeftOf(step), a.RightOf(step))

	// And the whole thing reduces to K K, since S I I x is x x.
	assert.Equal(t, a.AllocApplication(k, k), Reduce(a, spine, 10))
}

func nestedI(a *arena.Arena, depth int) (uint32, uint32) {
	i := a.AllocTerminal(arena.SymI)
	s := a.AllocTerminal(arena.SymS)
	expr := s
	for n := 0; n < depth; n++ {
		expr = a.AllocApplication(i, expr)
	}
	return expr, s
}

// leftSpineI builds ((..(I I) I)..) I, n applications deep. Each sweep
// must descend the whole spine to find the innermost redex, so small
// gas budgets yield mid-descent. The normal form is I itself.
func leftSpineI(a *arena.Arena, depth int) (uint32, uint32) {
	i := a.AllocTerminal(arena.SymI)
	expr := i
	for n := 0; n < depth; n++ {
		expr = a.AllocApplication(expr, i)
	}
	return expr, i
}

func TestReduce_StepCountDiscipline(t *testing.T) {
	a := newTestArena(t)

	expr, s := nestedI(a, 3) // I (I (I S))

	// Zero budget: the caller gets the root back, untouched.
	assert.Equal(t, expr, Reduce(a, expr, 0))

	// Two steps strip two I's.
	mid := Reduce(a, expr, 2)
	require.Equal(t, arena.KindApplication, a.KindOf(mid))
	i := a.AllocTerminal(arena.SymI)
	assert.Equal(t, i, a.LeftOf(mid))
	assert.Equal(t, s, a.RightOf(mid))

	// Three steps finish the job; more steps change nothing.
	assert.Equal(t, s, Reduce(a, expr, 3))
	assert.Equal(t, s, Reduce(a, expr, 100))
	assert.Equal(t, s, Reduce(a, expr, Unbounded))
}

func TestRun_GasYieldAndResume(t *testing.T) {
	a := newTestArena(t)

	expr, i := leftSpineI(a, 50)

	// Starve the traversal budget so the sweep yields mid-flight, park
	// the state as a suspension, resume, repeat. The answer must match
	// an uninterrupted reduction.
	st := NewState(expr, Unbounded)
	prev := expr
	yields := 0
	for rounds := 0; ; rounds++ {
		require.Less(t, rounds, 10_000, "reduction failed to converge")
		outcome, next := st.Run(a, 7)
		if outcome == GasExhausted {
			yields++
			susp := st.Suspend(a)
			require.Equal(t, arena.KindSuspension, a.KindOf(susp))
			st = Resume(a, susp)
			continue
		}
		require.Equal(t, Done, outcome)
		if next == prev {
			break
		}
		prev = next
		st.Restart(next)
	}
	assert.Equal(t, i, prev)
	assert.Greater(t, yields, 0, "the starved budget must force at least one yield")
}

func TestSuspend_CapturesExactState(t *testing.T) {
	a := newTestArena(t)

	expr, _ := leftSpineI(a, 4)
	st := NewState(expr, 17)
	outcome, _ := st.Run(a, 2)
	require.Equal(t, GasExhausted, outcome)
	require.NotEqual(t, arena.Empty, st.Stack, "the yield must land mid-descent")

	curr, stack, mode, remaining := st.Curr, st.Stack, st.Mode, st.Remaining
	susp := st.Suspend(a)

	assert.Equal(t, arena.KindSuspension, a.KindOf(susp))
	assert.Equal(t, mode, a.SymOf(susp))
	assert.Equal(t, curr, a.LeftOf(susp))
	assert.Equal(t, stack, a.RightOf(susp))
	assert.Equal(t, remaining, a.HashOf(susp))

	resumed := Resume(a, susp)
	assert.Equal(t, curr, resumed.Curr)
	assert.Equal(t, stack, resumed.Stack)
	assert.Equal(t, mode, resumed.Mode)
	assert.Equal(t, remaining, resumed.Remaining)
}

func TestReduce_DeepSpineNoRecursion(t *testing.T) {
	a := newTestArena(t)

	// Deep enough that a recursive reducer would risk its call stack;
	// the continuation-frame stack lives in the arena instead.
	expr, s := nestedI(a, 2000)
	assert.Equal(t, s, Reduce(a, expr, Unbounded))
}

func TestReduce_KDiscardsUnreducedArgument(t *testing.T) {
	a := newTestArena(t)

	k := a.AllocTerminal(arena.SymK)
	s := a.AllocTerminal(arena.SymS)
	i := a.AllocTerminal(arena.SymI)

	// (K S) (I I): the outer K redex fires at the root without
	// touching the argument.
	arg := a.AllocApplication(i, i)
	expr := a.AllocApplication(a.AllocApplication(k, s), arg)

	assert.Equal(t, s, Reduce(a, expr, 1))
}

func BenchmarkReduce_NestedI(b *testing.B) {
	a, err := arena.New(arena.Options{
		Capacity:     arena.MinCapacity,
		MaxCapacity:  4 * arena.MinCapacity,
		RingCapacity: 64,
		Logger:       utils.NewLogger(utils.LoggerConfig{Level: utils.ERROR, Component: "bench"}),
	})
	if err != nil {
		b.Fatal(err)
	}
	i := a.AllocTerminal(arena.SymI)
	s := a.AllocTerminal(arena.SymS)
	expr := s
	for n := 0; n < 64; n++ {
		expr = a.AllocApplication(i, expr)
	}
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		Reduce(a, expr, Unbounded)
	}
}
