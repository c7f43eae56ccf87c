// Package puzzle holds the core entities, leaf-collaborator contracts, and
// sentinel errors shared by the session router, the lock coordinator, and
// the connection registry. It has no dependency on any concrete adapter.
package puzzle

import (
	"context"
	"errors"
	"time"
)

// SessionStatus mirrors the external session lifecycle the router observes
// but never drives.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Session is the externally owned collaboration context the router fans
// events into. The router only ever reads it through SessionDirectory.
type Session struct {
	ID       string
	PuzzleID string
	Status   SessionStatus
}

// ConnectionState is the per-connection state machine.
type ConnectionState string

const (
	StateUnattached ConnectionState = "unattached"
	StateAttached   ConnectionState = "attached"
	StateDraining   ConnectionState = "draining"
)

// Connection is the router's in-memory record for one live transport.
type Connection struct {
	ID             string
	UserID         string
	DisplayName    string
	SessionID      string
	State          ConnectionState
	EstablishedAt  time.Time
	LastSeenAt     time.Time
	ReplicaID      string
}

// Position is a piece's location and orientation.
type Position struct {
	X        float64
	Y        float64
	Rotation float64
}

// Piece is the durable-store projection the router and lock coordinator act
// on. Pieces themselves are owned by the piece-state adapter.
type Piece struct {
	ID         string
	SessionID  string
	Position   Position
	Target     Position
	Placed     bool
	LockOwner  string
	LockExpiry time.Time
}

// CursorEvent is an ephemeral, never-persisted sample.
type CursorEvent struct {
	UserID    string
	SessionID string
	X         float64
	Y         float64
	Seq       uint64
}

// ChatMessage is persisted externally and fanned out exactly once.
type ChatMessage struct {
	ID        string
	SessionID string
	UserID    string
	Text      string
	Timestamp time.Time
}

// Sentinel errors returned by leaf collaborators and wrapped into
// pkg/apierr at the router boundary.
var (
	ErrPieceNotFound   = errors.New("piece not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrConnNotFound    = errors.New("connection not found")
)

// SetMode selects the K/V SET semantics used by the lock coordinator.
type SetMode int

const (
	SetAlways SetMode = iota
	SetIfAbsent
)

// KVMessage is one (topic, payload) pair yielded by a subscription stream.
type KVMessage struct {
	Topic   string
	Payload []byte
}

// KVStore is the leaf contract over the external key-value service.
// Implementations must fail every method with apierr.StoreUnavailable on
// transport loss rather than returning a raw driver error.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration, mode SetMode) (applied bool, err error)
	Delete(ctx context.Context, key string) error
	// CompareDelete deletes key only if its current value equals expect,
	// atomically. Returns true if the delete happened.
	CompareDelete(ctx context.Context, key, expect string) (bool, error)
	// CompareExtend resets key's TTL only if its current value equals
	// expect, atomically.
	CompareExtend(ctx context.Context, key, expect string, ttl time.Duration) (bool, error)
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a channel of messages matching pattern. The
	// channel closes when ctx is cancelled.
	Subscribe(ctx context.Context, pattern string) (<-chan KVMessage, error)
}

// UpdateResult is returned by PieceStore.UpdatePosition.
type UpdateResult struct {
	Applied        bool
	NewPosition    Position
	IsPlaced       bool
	CompletedCount int
	TotalCount     int
	PuzzleComplete bool
}

// PieceStore is the leaf contract over durable puzzle-piece records.
type PieceStore interface {
	ReadPiece(ctx context.Context, sessionID, pieceID string) (Piece, error)
	UpdatePosition(ctx context.Context, sessionID, pieceID string, pos Position) (UpdateResult, error)
	SetLock(ctx context.Context, sessionID, pieceID, userIDOrEmpty string) error
	ClearLocksFor(ctx context.Context, sessionID, userID string) (int, error)
	// ListLocked returns every piece in sessionID that currently has a
	// durable lock-owner set, for the lock coordinator's audit sweep.
	ListLocked(ctx context.Context, sessionID string) ([]Piece, error)
}

// ChatRepository is the out-of-scope external collaborator that persists
// chat history; the core only depends on this narrow interface.
type ChatRepository interface {
	Save(ctx context.Context, msg ChatMessage) error
}

// SessionDirectory is the out-of-scope external collaborator that owns
// session metadata and membership display names.
type SessionDirectory interface {
	GetSession(ctx context.Context, sessionID string) (Session, error)
	DisplayName(ctx context.Context, userID string) (string, error)
}
