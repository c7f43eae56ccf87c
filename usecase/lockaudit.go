package usecase

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jigsawhub/puzzle-hub/domains/puzzle"
)

// UnlockNotifier is notified when the auditor reclaims an abandoned lock,
// so peers still attached to the session can be told the same way an
// explicit unlock-piece would tell them.
type UnlockNotifier interface {
	NotifySystemUnlock(ctx context.Context, sessionID, pieceID string)
}

// LockAuditor periodically reconciles durable lock-owner fields against
// live K/V locks for every session this replica has local members in.
// It covers a crashed-process lock held by a dead user whose K/V TTL
// already expired. LockCoordinator's reconciliation window clears such a
// field only when the recorded owner calls Release; a move-piece by any
// user leaves it in place. This sweep clears the remaining stale fields.
type LockAuditor struct {
	kv       puzzle.KVStore
	pieces   puzzle.PieceStore
	registry *Registry
	interval time.Duration
	notifier UnlockNotifier
}

// NewLockAuditor builds a LockAuditor that runs every interval. notifier
// may be nil, in which case reclaimed locks are cleared silently.
func NewLockAuditor(kv puzzle.KVStore, pieces puzzle.PieceStore, registry *Registry, interval time.Duration, notifier UnlockNotifier) *LockAuditor {
	return &LockAuditor{kv: kv, pieces: pieces, registry: registry, interval: interval, notifier: notifier}
}

// Run blocks, sweeping on interval until ctx is cancelled.
func (a *LockAuditor) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepOnce(ctx)
		}
	}
}

func (a *LockAuditor) sweepOnce(ctx context.Context) {
	for _, sessionID := range a.registry.ActiveSessions() {
		locked, err := a.pieces.ListLocked(ctx, sessionID)
		if err != nil {
			logrus.Warnf("[LOCKAUDIT] failed to list locked pieces for %q: %v", sessionID, err)
			continue
		}
		for _, piece := range locked {
			_, found, err := a.kv.Get(ctx, "lock:"+piece.ID)
			if err != nil {
				logrus.Debugf("[LOCKAUDIT] K/V read failed for %q: %v", piece.ID, err)
				continue
			}
			if found {
				continue
			}
			// K/V lock already expired but the durable cache still names
			// an owner: clear it proactively instead of waiting for the
			// next mutation to hit the reconciliation window.
			if err := a.pieces.SetLock(ctx, sessionID, piece.ID, ""); err != nil {
				logrus.Warnf("[LOCKAUDIT] failed to clear stale lock-owner for %q: %v", piece.ID, err)
				continue
			}
			logrus.Infof("[LOCKAUDIT] reclaimed stale durable lock for piece %q (was %q)", piece.ID, piece.LockOwner)
			if a.notifier != nil {
				a.notifier.NotifySystemUnlock(ctx, sessionID, piece.ID)
			}
		}
	}
}
