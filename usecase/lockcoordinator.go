// Package usecase holds the core business-logic services: the lock
// coordinator, the connection registry, the cursor pipeline, the backplane
// adapter, and the session router built on top of them. Services log
// through logrus with bracketed component tags.
package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jigsawhub/puzzle-hub/domains/puzzle"
)

// AcquireResult is returned by LockCoordinator.Acquire.
type AcquireResult struct {
	Acquired     bool
	CurrentOwner string
}

// ReleaseResult is returned by Release/Extend.
type ReleaseResult struct {
	OK     bool
	Reason string
}

// LockCoordinator is the cross-replica mutual-exclusion layer over
// pieces, built on a KVStore and reconciled against a PieceStore.
type LockCoordinator struct {
	kv    puzzle.KVStore
	db    puzzle.PieceStore
	ttl   time.Duration
	clock func() time.Time
}

// NewLockCoordinator wires a LockCoordinator over kv and db with the given
// lock TTL (spec default 30s).
func NewLockCoordinator(kv puzzle.KVStore, db puzzle.PieceStore, ttl time.Duration) *LockCoordinator {
	return &LockCoordinator{kv: kv, db: db, ttl: ttl, clock: time.Now}
}

func lockKey(pieceID string) string {
	return "lock:" + pieceID
}

// Acquire attempts to take exclusive ownership of pieceID for userID.
func (c *LockCoordinator) Acquire(ctx context.Context, sessionID, pieceID, userID string) (AcquireResult, error) {
	if _, err := c.db.ReadPiece(ctx, sessionID, pieceID); err != nil {
		return AcquireResult{}, err
	}

	applied, err := c.kv.Set(ctx, lockKey(pieceID), userID, c.ttl, puzzle.SetIfAbsent)
	if err != nil {
		return AcquireResult{}, err
	}

	if applied {
		if err := c.db.SetLock(ctx, sessionID, pieceID, userID); err != nil {
			logrus.WithFields(logrus.Fields{"piece": pieceID, "user": userID}).
				Warnf("[LOCK] acquired K/V lock but failed to cache durable lock-owner: %v", err)
		}
		return AcquireResult{Acquired: true}, nil
	}

	owner, found, err := c.kv.Get(ctx, lockKey(pieceID))
	if err != nil {
		return AcquireResult{}, err
	}
	if !found {
		// Lock expired between the failed SET and this read; treat as a
		// transient loss for the caller to retry rather than fabricating
		// an owner.
		return AcquireResult{Acquired: false}, nil
	}
	return AcquireResult{Acquired: false, CurrentOwner: owner}, nil
}

// Release gives up ownership of pieceID if userID is the current owner.
func (c *LockCoordinator) Release(ctx context.Context, sessionID, pieceID, userID string) (ReleaseResult, error) {
	deleted, err := c.kv.CompareDelete(ctx, lockKey(pieceID), userID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if !deleted {
		if reconciled, rerr := c.tryReconcileRelease(ctx, sessionID, pieceID, userID); rerr == nil && reconciled {
			return ReleaseResult{OK: true}, nil
		}
		return ReleaseResult{OK: false, Reason: "NotOwner"}, nil
	}
	if err := c.db.SetLock(ctx, sessionID, pieceID, ""); err != nil {
		logrus.WithFields(logrus.Fields{"piece": pieceID}).Warnf("[LOCK] failed to clear durable lock-owner: %v", err)
	}
	return ReleaseResult{OK: true}, nil
}

// tryReconcileRelease implements a bounded reconciliation window: if the
// K/V lock has already expired but the durable lock-owner still names
// the caller, the release is still honored.
func (c *LockCoordinator) tryReconcileRelease(ctx context.Context, sessionID, pieceID, userID string) (bool, error) {
	piece, err := c.db.ReadPiece(ctx, sessionID, pieceID)
	if err != nil {
		return false, err
	}
	if piece.LockOwner != userID {
		return false, nil
	}
	if err := c.db.SetLock(ctx, sessionID, pieceID, ""); err != nil {
		return false, err
	}
	return true, nil
}

// Extend resets pieceID's TTL if userID currently owns it.
func (c *LockCoordinator) Extend(ctx context.Context, pieceID, userID string) (ReleaseResult, error) {
	extended, err := c.kv.CompareExtend(ctx, lockKey(pieceID), userID, c.ttl)
	if err != nil {
		return ReleaseResult{}, err
	}
	if !extended {
		return ReleaseResult{OK: false, Reason: "NotOwner"}, nil
	}
	return ReleaseResult{OK: true}, nil
}

// ReleaseAllFor bulk-clears the durable lock-owner for every piece userID
// holds in sessionID, and best-effort deletes the matching K/V keys.
func (c *LockCoordinator) ReleaseAllFor(ctx context.Context, sessionID, userID string) (int, error) {
	if locked, lerr := c.db.ListLocked(ctx, sessionID); lerr == nil {
		for _, p := range locked {
			if p.LockOwner != userID {
				continue
			}
			if _, derr := c.kv.CompareDelete(ctx, lockKey(p.ID), userID); derr != nil {
				logrus.WithFields(logrus.Fields{"piece": p.ID, "user": userID}).
					Debugf("[LOCK] best-effort K/V lock delete failed: %v", derr)
			}
		}
	}
	count, err := c.db.ClearLocksFor(ctx, sessionID, userID)
	if err != nil {
		return 0, fmt.Errorf("release-all-for: %w", err)
	}
	return count, nil
}

// CheckMoveAuthorized implements the permissive move-authorization rule:
// the caller may move a piece it owns the lock on, or a piece nobody
// currently holds.
func (c *LockCoordinator) CheckMoveAuthorized(ctx context.Context, pieceID, userID string) (bool, string, error) {
	owner, found, err := c.kv.Get(ctx, lockKey(pieceID))
	if err != nil {
		return false, "", err
	}
	if !found || owner == userID {
		return true, "", nil
	}
	return false, owner, nil
}
