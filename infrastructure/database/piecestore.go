package database

import (
	"context"
	"errors"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/jigsawhub/puzzle-hub/domains/puzzle"
)

// pieceModel is the GORM row for one puzzle piece.
type pieceModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	SessionID      string `gorm:"primaryKey;size:64;index"`
	X              float64
	Y              float64
	Rotation       float64
	TargetX        float64
	TargetY        float64
	TargetRotation float64
	Placed         bool
	LockOwner      string `gorm:"size:64"`
	LockExpiry     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (pieceModel) TableName() string { return "puzzle_pieces" }

// sessionProgressModel tracks the monotone completed-piece counter so
// PieceStore can detect the single instant a session crosses into fully
// placed.
type sessionProgressModel struct {
	SessionID      string `gorm:"primaryKey;size:64"`
	TotalCount     int
	CompletedCount int
	CompletedAt    *time.Time
}

func (sessionProgressModel) TableName() string { return "puzzle_session_progress" }

// PieceStore implements domains/puzzle.PieceStore on top of GORM, using a
// CRUD-plus-sentinel-error-mapping pattern for the puzzle-piece domain.
type PieceStore struct {
	db                 *gorm.DB
	positionTolerance  float64
	rotationToleranceD float64
}

// NewPieceStore wraps db. posTolerance/rotTolerance are the "placed"
// detection thresholds (defaults 5 units / 5 degrees).
func NewPieceStore(db *gorm.DB, posTolerance, rotTolerance float64) *PieceStore {
	return &PieceStore{db: db, positionTolerance: posTolerance, rotationToleranceD: rotTolerance}
}

// InitSchema runs AutoMigrate for the piece-store tables.
func (s *PieceStore) InitSchema() error {
	return s.db.AutoMigrate(&pieceModel{}, &sessionProgressModel{})
}

// SeedPiece inserts a piece row with its target, used by the out-of-scope
// puzzle-seeding process that creates pieces when a puzzle is seeded.
func (s *PieceStore) SeedPiece(ctx context.Context, sessionID, pieceID string, target puzzle.Position) error {
	m := pieceModel{
		ID:             pieceID,
		SessionID:      sessionID,
		TargetX:        target.X,
		TargetY:        target.Y,
		TargetRotation: target.Rotation,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where(sessionProgressModel{SessionID: sessionID}).
		FirstOrCreate(&sessionProgressModel{SessionID: sessionID}).Error
}

func (s *PieceStore) ReadPiece(ctx context.Context, sessionID, pieceID string) (puzzle.Piece, error) {
	var m pieceModel
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND id = ?", sessionID, pieceID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return puzzle.Piece{}, puzzle.ErrPieceNotFound
	}
	if err != nil {
		return puzzle.Piece{}, err
	}
	return toPiece(m), nil
}

func (s *PieceStore) UpdatePosition(ctx context.Context, sessionID, pieceID string, pos puzzle.Position) (puzzle.UpdateResult, error) {
	var result puzzle.UpdateResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m pieceModel
		if err := tx.Where("session_id = ? AND id = ?", sessionID, pieceID).First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return puzzle.ErrPieceNotFound
			}
			return err
		}

		wasPlaced := m.Placed
		m.X, m.Y, m.Rotation = pos.X, pos.Y, pos.Rotation
		nowPlaced := m.Placed || isWithinTolerance(m, s.positionTolerance, s.rotationToleranceD)
		m.Placed = nowPlaced

		if err := tx.Save(&m).Error; err != nil {
			return err
		}

		var total, completed int64
		if err := tx.Model(&pieceModel{}).Where("session_id = ?", sessionID).Count(&total).Error; err != nil {
			return err
		}
		if err := tx.Model(&pieceModel{}).Where("session_id = ? AND placed = ?", sessionID, true).Count(&completed).Error; err != nil {
			return err
		}

		puzzleComplete := false
		if !wasPlaced && nowPlaced && total > 0 && completed == total {
			var progress sessionProgressModel
			err := tx.Where("session_id = ?", sessionID).First(&progress).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				progress = sessionProgressModel{SessionID: sessionID}
			} else if err != nil {
				return err
			}
			if progress.CompletedAt == nil {
				now := time.Now().UTC()
				progress.CompletedAt = &now
				puzzleComplete = true
			}
			progress.TotalCount = int(total)
			progress.CompletedCount = int(completed)
			if err := tx.Save(&progress).Error; err != nil {
				return err
			}
		}

		result = puzzle.UpdateResult{
			Applied:        true,
			NewPosition:    puzzle.Position{X: m.X, Y: m.Y, Rotation: m.Rotation},
			IsPlaced:       nowPlaced,
			CompletedCount: int(completed),
			TotalCount:     int(total),
			PuzzleComplete: puzzleComplete,
		}
		return nil
	})
	if err != nil {
		return puzzle.UpdateResult{}, err
	}
	return result, nil
}

func (s *PieceStore) SetLock(ctx context.Context, sessionID, pieceID, userIDOrEmpty string) error {
	updates := map[string]interface{}{"lock_owner": userIDOrEmpty}
	if userIDOrEmpty == "" {
		updates["lock_expiry"] = nil
	} else {
		expiry := time.Now().UTC().Add(30 * time.Second)
		updates["lock_expiry"] = &expiry
	}
	return s.db.WithContext(ctx).
		Model(&pieceModel{}).
		Where("session_id = ? AND id = ?", sessionID, pieceID).
		Updates(updates).Error
}

func (s *PieceStore) ClearLocksFor(ctx context.Context, sessionID, userID string) (int, error) {
	res := s.db.WithContext(ctx).
		Model(&pieceModel{}).
		Where("session_id = ? AND lock_owner = ?", sessionID, userID).
		Updates(map[string]interface{}{"lock_owner": "", "lock_expiry": nil})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (s *PieceStore) ListLocked(ctx context.Context, sessionID string) ([]puzzle.Piece, error) {
	var rows []pieceModel
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND lock_owner <> ?", sessionID, "").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]puzzle.Piece, 0, len(rows))
	for _, m := range rows {
		out = append(out, toPiece(m))
	}
	return out, nil
}

func toPiece(m pieceModel) puzzle.Piece {
	p := puzzle.Piece{
		ID:        m.ID,
		SessionID: m.SessionID,
		Position:  puzzle.Position{X: m.X, Y: m.Y, Rotation: m.Rotation},
		Target:    puzzle.Position{X: m.TargetX, Y: m.TargetY, Rotation: m.TargetRotation},
		Placed:    m.Placed,
		LockOwner: m.LockOwner,
	}
	if m.LockExpiry != nil {
		p.LockExpiry = *m.LockExpiry
	}
	return p
}

func isWithinTolerance(m pieceModel, posTolerance, rotToleranceDeg float64) bool {
	if math.Abs(m.X-m.TargetX) > posTolerance {
		return false
	}
	if math.Abs(m.Y-m.TargetY) > posTolerance {
		return false
	}
	return angleDelta(m.Rotation, m.TargetRotation) <= rotToleranceDeg
}

// angleDelta returns the smallest absolute difference between two angles
// in degrees, wrapping correctly across the 0/360 boundary.
func angleDelta(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}
