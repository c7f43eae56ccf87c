package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jigsawhub/puzzle-hub/domains/puzzle"
)

func TestSessionDirectory_GetSession(t *testing.T) {
	db := newTestDB(t)
	dir := NewSessionDirectory(db)
	require.NoError(t, dir.InitSchema())
	ctx := context.Background()

	require.NoError(t, dir.CreateSession(ctx, puzzle.Session{ID: "s1", PuzzleID: "pz1", Status: puzzle.SessionActive}))

	sess, err := dir.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, puzzle.SessionActive, sess.Status)

	_, err = dir.GetSession(ctx, "ghost")
	assert.ErrorIs(t, err, puzzle.ErrSessionNotFound)
}

func TestSessionDirectory_DisplayNameFallsBackToUserID(t *testing.T) {
	db := newTestDB(t)
	dir := NewSessionDirectory(db)
	require.NoError(t, dir.InitSchema())
	ctx := context.Background()

	name, err := dir.DisplayName(ctx, "u-unknown")
	require.NoError(t, err)
	assert.Equal(t, "u-unknown", name)
}
