package usecase

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jigsawhub/puzzle-hub/domains/puzzle"
)

func TestCursorPipeline_CoalescesBurstsWithinWindow(t *testing.T) {
	var mu sync.Mutex
	var received []puzzle.CursorEvent

	p := NewCursorPipeline(50*time.Millisecond, func(ev puzzle.CursorEvent) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	})
	defer p.Close()

	for i := 0; i < 20; i++ {
		p.Push(puzzle.CursorEvent{UserID: "alice", X: float64(i), Y: float64(i)})
	}

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, received)
	assert.Less(t, len(received), 20, "expected coalescing to drop most of the burst")
	last := received[len(received)-1]
	assert.Equal(t, float64(19), last.X)
}

func TestCursorPipeline_CloseStopsDelivery(t *testing.T) {
	var mu sync.Mutex
	count := 0

	p := NewCursorPipeline(20*time.Millisecond, func(ev puzzle.CursorEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	p.Push(puzzle.CursorEvent{UserID: "alice", X: 1})
	time.Sleep(50 * time.Millisecond)
	p.Close()

	mu.Lock()
	after := count
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, after, count, "no events should be emitted after Close")
}
