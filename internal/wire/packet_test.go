package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/maxdeliso/typed-ski/kernel/arena"
	"github.com/maxdeliso/typed-ski/kernel/utils"
)

func newTestArena(t *testing.T) *arena.Arena {
	t.Helper()
	a, err := arena.New(arena.Options{
		Capacity:     arena.MinCapacity,
		MaxCapacity:  arena.MinCapacity,
		RingCapacity: 64,
		Logger:       utils.NewLogger(utils.LoggerConfig{Level: utils.ERROR, Component: "test"}),
	})
	require.NoError(t, err)
	return a
}

func TestProgramRoundTrip(t *testing.T) {
	a := newTestArena(t)

	s := a.AllocTerminal(arena.SymS)
	k := a.AllocTerminal(arena.SymK)
	i := a.AllocTerminal(arena.SymI)
	extra := a.AllocTerminal(10)
	spine := a.AllocApplication(a.AllocApplication(a.AllocApplication(s, k), i), extra)

	prog, err := EncodeProgram(a, spine)
	require.NoError(t, err)
	// Postfix: S K @ I @ extra @
	assert.Equal(t, []byte{1, 2, OpApply, 3, OpApply, 10, OpApply}, prog)

	// Decoding into the same arena reuses the hash-consed ((S K) I)
	// prefix. Sym 10 is outside the terminal cache, so its terminal and
	// the root above it are fresh nodes.
	got, err := DecodeProgram(a, prog)
	require.NoError(t, err)
	assert.Equal(t, a.LeftOf(spine), a.LeftOf(got))
	assert.NotEqual(t, spine, got)

	// Decoding into a fresh arena rebuilds an equal structure.
	b := newTestArena(t)
	root, err := DecodeProgram(b, prog)
	require.NoError(t, err)
	assert.Equal(t, arena.KindApplication, b.KindOf(root))
	assert.Equal(t, uint8(10), b.SymOf(b.RightOf(root)))
}

func TestEncodeProgram_RejectsNonExpression(t *testing.T) {
	a := newTestArena(t)
	susp := a.AllocNode(arena.KindSuspension, 1, 0, arena.Empty, 5)
	_, err := EncodeProgram(a, susp)
	assert.Error(t, err)
}

func TestDecodeProgram_Malformed(t *testing.T) {
	a := newTestArena(t)

	_, err := DecodeProgram(a, []byte{OpApply})
	assert.Error(t, err, "apply with an empty stack")

	_, err = DecodeProgram(a, []byte{1, 2})
	assert.Error(t, err, "two operands left on the stack")

	_, err = DecodeProgram(a, nil)
	assert.Error(t, err, "empty program has no root")
}

func TestPacketRoundTrip(t *testing.T) {
	p := &Packet{
		ReqID:      42,
		Program:    []byte{1, 3, OpApply},
		Node:       7,
		MaxSteps:   100,
		Status:     StatusSuspended,
		Result:     []byte{2},
		ResultNode: 9,
		Error:      "boom",
	}

	got, err := Unmarshal(p.Marshal())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestPacketRoundTrip_Sparse(t *testing.T) {
	p := &Packet{ReqID: 1, Program: []byte{3}}
	got, err := Unmarshal(p.Marshal())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	p := &Packet{ReqID: 5}
	b := p.Marshal()
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 123456)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), got.ReqID)
}

func TestUnmarshal_Truncated(t *testing.T) {
	p := &Packet{ReqID: 5, Program: []byte{1, 2, OpApply}}
	b := p.Marshal()
	_, err := Unmarshal(b[:len(b)-2])
	assert.Error(t, err)
}
