package database

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/jigsawhub/puzzle-hub/domains/puzzle"
)

// sessionModel is the durable record for session metadata. Session
// lifecycle (creation, completion) is an external concern; this table
// exists only so the core has somewhere to read status and membership
// metadata from in a standalone deployment.
type sessionModel struct {
	ID       string `gorm:"primaryKey;size:64"`
	PuzzleID string `gorm:"size:64"`
	Status   string `gorm:"size:16"`
}

func (sessionModel) TableName() string { return "puzzle_sessions" }

type userDisplayNameModel struct {
	UserID      string `gorm:"primaryKey;size:64"`
	DisplayName string `gorm:"size:128"`
}

func (userDisplayNameModel) TableName() string { return "puzzle_user_display_names" }

// SessionDirectory implements domains/puzzle.SessionDirectory over GORM,
// following the same read-mapped-to-sentinel-error pattern as PieceStore.
type SessionDirectory struct {
	db *gorm.DB
}

func NewSessionDirectory(db *gorm.DB) *SessionDirectory {
	return &SessionDirectory{db: db}
}

func (d *SessionDirectory) InitSchema() error {
	return d.db.AutoMigrate(&sessionModel{}, &userDisplayNameModel{})
}

func (d *SessionDirectory) GetSession(ctx context.Context, sessionID string) (puzzle.Session, error) {
	var m sessionModel
	err := d.db.WithContext(ctx).Where("id = ?", sessionID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return puzzle.Session{}, puzzle.ErrSessionNotFound
	}
	if err != nil {
		return puzzle.Session{}, err
	}
	return puzzle.Session{ID: m.ID, PuzzleID: m.PuzzleID, Status: puzzle.SessionStatus(m.Status)}, nil
}

func (d *SessionDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	var m userDisplayNameModel
	err := d.db.WithContext(ctx).Where("user_id = ?", userID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return userID, nil
	}
	if err != nil {
		return "", err
	}
	return m.DisplayName, nil
}

// CreateSession seeds a session row; used by the standalone deployment's
// external session-management surface, provided here only so the core is
// runnable end to end without a separate service.
func (d *SessionDirectory) CreateSession(ctx context.Context, sess puzzle.Session) error {
	m := sessionModel{ID: sess.ID, PuzzleID: sess.PuzzleID, Status: string(sess.Status)}
	return d.db.WithContext(ctx).Create(&m).Error
}
