package ring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(capacity uint32) *Ring {
	mem := make([]byte, Size(capacity))
	Initialize(mem, 0, capacity)
	return Attach(mem, 0, capacity)
}

func TestRing_EnqueueDequeue(t *testing.T) {
	r := newTestRing(8)

	for i := uint32(0); i < 5; i++ {
		require.True(t, r.Enqueue(Entry{A: i, B: i * 10, C: i * 100}))
	}
	for i := uint32(0); i < 5; i++ {
		e, ok := r.Dequeue()
		require.True(t, ok)
		assert.Equal(t, Entry{A: i, B: i * 10, C: i * 100}, e)
	}

	_, ok := r.Dequeue()
	assert.False(t, ok, "drained ring must report empty")
}

func TestRing_Full(t *testing.T) {
	r := newTestRing(4)

	for i := uint32(0); i < 4; i++ {
		require.True(t, r.Enqueue(Entry{A: i}))
	}
	assert.False(t, r.Enqueue(Entry{A: 99}), "fifth enqueue into a 4-slot ring must fail")

	e, ok := r.Dequeue()
	require.True(t, ok)
	assert.Equal(t, uint32(0), e.A)

	// One slot freed; one enqueue fits again.
	assert.True(t, r.Enqueue(Entry{A: 99}))
	assert.False(t, r.Enqueue(Entry{A: 100}))
}

func TestRing_WrapAround(t *testing.T) {
	r := newTestRing(4)

	// Push the positions through several laps so slot sequences cycle.
	next := uint32(0)
	for lap := 0; lap < 10; lap++ {
		for i := 0; i < 3; i++ {
			require.True(t, r.Enqueue(Entry{A: next + uint32(i)}))
		}
		for i := 0; i < 3; i++ {
			e, ok := r.Dequeue()
			require.True(t, ok)
			assert.Equal(t, next+uint32(i), e.A)
		}
		next += 3
	}
}

func TestRing_SPSCOrder(t *testing.T) {
	r := newTestRing(64)
	const total = 20_000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx := context.Background()
		for i := uint32(0); i < total; i++ {
			assert.NoError(t, r.EnqueueBlocking(ctx, Entry{A: i, B: ^i}))
		}
	}()

	ctx := context.Background()
	for i := uint32(0); i < total; i++ {
		e, err := r.DequeueBlocking(ctx)
		require.NoError(t, err)
		require.Equal(t, i, e.A, "dequeue order must match enqueue order")
		require.Equal(t, ^i, e.B)
	}
	wg.Wait()

	_, ok := r.Dequeue()
	assert.False(t, ok)
}

func TestRing_BlockingDequeueWakes(t *testing.T) {
	r := newTestRing(8)

	done := make(chan Entry, 1)
	go func() {
		e, err := r.DequeueBlocking(context.Background())
		if err == nil {
			done <- e
		}
	}()

	// Give the consumer time to park before waking it.
	time.Sleep(5 * time.Millisecond)
	require.True(t, r.Enqueue(Entry{A: 7}))

	select {
	case e := <-done:
		assert.Equal(t, uint32(7), e.A)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked consumer never woke")
	}
}

func TestRing_BlockingHonorsCancel(t *testing.T) {
	r := newTestRing(8)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.DequeueBlocking(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled dequeue never returned")
	}
}

func TestRing_BlockingEnqueueWaitsForSpace(t *testing.T) {
	r := newTestRing(2)
	require.True(t, r.Enqueue(Entry{A: 1}))
	require.True(t, r.Enqueue(Entry{A: 2}))

	done := make(chan struct{})
	go func() {
		_ = r.EnqueueBlocking(context.Background(), Entry{A: 3})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("enqueue into a full ring returned before space freed")
	case <-time.After(5 * time.Millisecond):
	}

	_, ok := r.Dequeue()
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked producer never woke")
	}
}

func BenchmarkRing_EnqueueDequeue(b *testing.B) {
	r := newTestRing(1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Enqueue(Entry{A: uint32(i)})
		r.Dequeue()
	}
}
