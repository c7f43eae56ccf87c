package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jigsawhub/puzzle-hub/domains/puzzle"
	"github.com/jigsawhub/puzzle-hub/usecase"
)

// testKV is a minimal in-memory puzzle.KVStore for gateway-level tests; the
// full KVStore behavior (TTL, atomic compare ops) is exercised in
// infrastructure/valkey and usecase, so this only needs to not crash.
type testKV struct {
	mu   sync.Mutex
	vals map[string]string
}

func newTestKV() *testKV { return &testKV{vals: make(map[string]string)} }

func (k *testKV) Get(ctx context.Context, key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.vals[key]
	return v, ok, nil
}

func (k *testKV) Set(ctx context.Context, key, value string, ttl time.Duration, mode puzzle.SetMode) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if mode == puzzle.SetIfAbsent {
		if _, ok := k.vals[key]; ok {
			return false, nil
		}
	}
	k.vals[key] = value
	return true, nil
}

func (k *testKV) Delete(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.vals, key)
	return nil
}

func (k *testKV) CompareDelete(ctx context.Context, key, expect string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.vals[key] != expect {
		return false, nil
	}
	delete(k.vals, key)
	return true, nil
}

func (k *testKV) CompareExtend(ctx context.Context, key, expect string, ttl time.Duration) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.vals[key] == expect, nil
}

func (k *testKV) Publish(ctx context.Context, topic string, payload []byte) error { return nil }

func (k *testKV) Subscribe(ctx context.Context, pattern string) (<-chan puzzle.KVMessage, error) {
	ch := make(chan puzzle.KVMessage)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// testPieces is a minimal in-memory puzzle.PieceStore.
type testPieces struct {
	mu     sync.Mutex
	pieces map[string]puzzle.Piece
}

func newTestPieces() *testPieces { return &testPieces{pieces: make(map[string]puzzle.Piece)} }

func (p *testPieces) ReadPiece(ctx context.Context, sessionID, pieceID string) (puzzle.Piece, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	piece, ok := p.pieces[sessionID+"/"+pieceID]
	if !ok {
		return puzzle.Piece{}, puzzle.ErrPieceNotFound
	}
	return piece, nil
}

func (p *testPieces) UpdatePosition(ctx context.Context, sessionID, pieceID string, pos puzzle.Position) (puzzle.UpdateResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := sessionID + "/" + pieceID
	piece, ok := p.pieces[k]
	if !ok {
		return puzzle.UpdateResult{}, puzzle.ErrPieceNotFound
	}
	piece.Position = pos
	p.pieces[k] = piece
	return puzzle.UpdateResult{Applied: true, NewPosition: pos}, nil
}

func (p *testPieces) SetLock(ctx context.Context, sessionID, pieceID, userIDOrEmpty string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := sessionID + "/" + pieceID
	piece, ok := p.pieces[k]
	if !ok {
		return puzzle.ErrPieceNotFound
	}
	piece.LockOwner = userIDOrEmpty
	p.pieces[k] = piece
	return nil
}

func (p *testPieces) ClearLocksFor(ctx context.Context, sessionID, userID string) (int, error) {
	return 0, nil
}

func (p *testPieces) ListLocked(ctx context.Context, sessionID string) ([]puzzle.Piece, error) {
	return nil, nil
}

// testDirectory is a minimal in-memory puzzle.SessionDirectory.
type testDirectory struct {
	sessions map[string]puzzle.Session
}

func (d *testDirectory) GetSession(ctx context.Context, sessionID string) (puzzle.Session, error) {
	s, ok := d.sessions[sessionID]
	if !ok {
		return puzzle.Session{}, puzzle.ErrSessionNotFound
	}
	return s, nil
}

func (d *testDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	return userID, nil
}

// testChat is a minimal in-memory puzzle.ChatRepository.
type testChat struct{}

func (testChat) Save(ctx context.Context, msg puzzle.ChatMessage) error { return nil }

func newTestGateway(t *testing.T) (*Gateway, *usecase.Router, *testPieces, *testDirectory) {
	t.Helper()
	kv := newTestKV()
	registry := usecase.NewRegistry(4, kv, "replica-a")
	pieces := newTestPieces()
	locks := usecase.NewLockCoordinator(kv, pieces, 30*time.Second)
	dir := &testDirectory{sessions: map[string]puzzle.Session{"s1": {ID: "s1", Status: puzzle.SessionActive}}}
	backplane := usecase.NewBackplane(kv, registry, "puzzlehub", "replica-a", func([]*puzzle.Connection, puzzle.Envelope) {})

	gw := NewGateway(nil, time.Minute, time.Minute, 2*time.Second)
	router := usecase.NewRouter(registry, locks, pieces, testChat{}, dir, backplane, gw, 2*time.Second, 50*time.Millisecond)
	gw.SetRouter(router)

	return gw, router, pieces, dir
}

func TestGateway_DispatchJoinSession(t *testing.T) {
	gw, router, _, _ := newTestGateway(t)
	router.OnConnect("c1", "alice", "Alice")

	frame, err := json.Marshal(ClientFrame{
		Op:   "join-session",
		Seq:  1,
		Args: mustJSON(t, joinSessionArgs{SessionID: "s1"}),
	})
	require.NoError(t, err)

	// No entry is registered in gw.conns for "c1", so g.write's response
	// lookup silently no-ops; this exercises the router-dispatch path
	// without needing a live *ws.Conn.
	gw.dispatch(context.Background(), "c1", frame)

	// join-session is idempotent-guarded: a connection already attached to
	// a session gets AlreadyInSession, which is only possible if the first
	// dispatch actually attached it.
	_, err = router.JoinSession(context.Background(), "c1", "s1")
	require.Error(t, err)
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
