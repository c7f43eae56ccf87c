package puzzle

import "time"

// Envelope is the backplane wire wrapper published to K/V topics and
// consumed by every replica's backplane adapter, whose deliver callback
// turns its Kind and Payload into a ServerFrame event.
type Envelope struct {
	OriginReplicaID string      `json:"origin_replica_id"`
	OriginConnID    string      `json:"origin_conn_id"`
	SessionID       string      `json:"session_id"`
	Kind            string      `json:"kind"`
	Seq             uint64      `json:"seq"`
	Payload         interface{} `json:"payload"`
}

// The following are pure, side-effect-free event payload builders. They
// hold no logic beyond shaping data.

type UserJoinedPayload struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Timestamp   time.Time `json:"timestamp"`
}

func BuildUserJoined(userID, displayName string, at time.Time) UserJoinedPayload {
	return UserJoinedPayload{UserID: userID, DisplayName: displayName, Timestamp: at}
}

type UserLeftPayload struct {
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

func BuildUserLeft(userID string, at time.Time) UserLeftPayload {
	return UserLeftPayload{UserID: userID, Timestamp: at}
}

type PieceMovedPayload struct {
	PieceID        string    `json:"piece_id"`
	X              float64   `json:"x"`
	Y              float64   `json:"y"`
	Rotation       float64   `json:"rotation"`
	Mover          string    `json:"mover"`
	Placed         bool      `json:"placed"`
	CompletedCount int       `json:"completed_count"`
	TotalCount     int       `json:"total_count"`
	Timestamp      time.Time `json:"timestamp"`
}

func BuildPieceMoved(pieceID string, pos Position, mover string, res UpdateResult, at time.Time) PieceMovedPayload {
	return PieceMovedPayload{
		PieceID:        pieceID,
		X:              pos.X,
		Y:              pos.Y,
		Rotation:       pos.Rotation,
		Mover:          mover,
		Placed:         res.IsPlaced,
		CompletedCount: res.CompletedCount,
		TotalCount:     res.TotalCount,
		Timestamp:      at,
	}
}

type PieceLockedPayload struct {
	PieceID string    `json:"piece_id"`
	Owner   string    `json:"owner"`
	Expiry  time.Time `json:"expiry"`
}

func BuildPieceLocked(pieceID, owner string, expiry time.Time) PieceLockedPayload {
	return PieceLockedPayload{PieceID: pieceID, Owner: owner, Expiry: expiry}
}

type PieceUnlockedPayload struct {
	PieceID string `json:"piece_id"`
	By      string `json:"by"`
}

func BuildPieceUnlocked(pieceID, by string) PieceUnlockedPayload {
	return PieceUnlockedPayload{PieceID: pieceID, By: by}
}

type ChatMessagePayload struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func BuildChatMessage(msg ChatMessage) ChatMessagePayload {
	return ChatMessagePayload{MessageID: msg.ID, UserID: msg.UserID, Text: msg.Text, Timestamp: msg.Timestamp}
}

type CursorUpdatePayload struct {
	UserID string  `json:"user_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

func BuildCursorUpdate(ev CursorEvent) CursorUpdatePayload {
	return CursorUpdatePayload{UserID: ev.UserID, X: ev.X, Y: ev.Y}
}

type PuzzleCompletedPayload struct {
	TotalTimeSeconds  float64        `json:"total_time_seconds"`
	PlacedByUser      map[string]int `json:"placed_by_user"`
}

func BuildPuzzleCompleted(totalTime time.Duration, placedByUser map[string]int) PuzzleCompletedPayload {
	return PuzzleCompletedPayload{TotalTimeSeconds: totalTime.Seconds(), PlacedByUser: placedByUser}
}
