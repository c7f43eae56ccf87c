package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jigsawhub/puzzle-hub/domains/puzzle"
)

func TestChatRepository_SavePersistsMessage(t *testing.T) {
	db := newTestDB(t)
	repo := NewChatRepository(db)
	require.NoError(t, repo.InitSchema())

	msg := puzzle.ChatMessage{ID: "m1", SessionID: "s1", UserID: "alice", Text: "hi", Timestamp: time.Now().UTC()}
	require.NoError(t, repo.Save(context.Background(), msg))

	var got chatMessageModel
	require.NoError(t, db.Where("id = ?", "m1").First(&got).Error)
	assert.Equal(t, "hi", got.Text)
	assert.Equal(t, "alice", got.UserID)
}

func TestChatRepository_SaveRejectsDuplicateID(t *testing.T) {
	db := newTestDB(t)
	repo := NewChatRepository(db)
	require.NoError(t, repo.InitSchema())
	ctx := context.Background()

	msg := puzzle.ChatMessage{ID: "m1", SessionID: "s1", UserID: "alice", Text: "hi"}
	require.NoError(t, repo.Save(ctx, msg))

	err := repo.Save(ctx, msg)
	assert.Error(t, err)
}
