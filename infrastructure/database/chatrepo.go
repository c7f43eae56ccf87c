package database

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/jigsawhub/puzzle-hub/domains/puzzle"
)

type chatMessageModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	SessionID string `gorm:"size:64;index"`
	UserID    string `gorm:"size:64"`
	Text      string `gorm:"size:1024"`
	Timestamp time.Time
}

func (chatMessageModel) TableName() string { return "puzzle_chat_messages" }

// ChatRepository implements domains/puzzle.ChatRepository over GORM.
type ChatRepository struct {
	db *gorm.DB
}

func NewChatRepository(db *gorm.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

func (r *ChatRepository) InitSchema() error {
	return r.db.AutoMigrate(&chatMessageModel{})
}

func (r *ChatRepository) Save(ctx context.Context, msg puzzle.ChatMessage) error {
	m := chatMessageModel{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		UserID:    msg.UserID,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
	}
	return r.db.WithContext(ctx).Create(&m).Error
}
