package puzzle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildPieceMoved_CopiesUpdateResult(t *testing.T) {
	res := UpdateResult{IsPlaced: true, CompletedCount: 3, TotalCount: 5}
	payload := BuildPieceMoved("p1", Position{X: 1, Y: 2, Rotation: 3}, "alice", res, time.Unix(0, 0))

	assert.Equal(t, "p1", payload.PieceID)
	assert.True(t, payload.Placed)
	assert.Equal(t, 3, payload.CompletedCount)
	assert.Equal(t, 5, payload.TotalCount)
}

func TestBuildPuzzleCompleted_ComputesSeconds(t *testing.T) {
	payload := BuildPuzzleCompleted(90*time.Second, map[string]int{"alice": 10})
	assert.Equal(t, 90.0, payload.TotalTimeSeconds)
	assert.Equal(t, 10, payload.PlacedByUser["alice"])
}
