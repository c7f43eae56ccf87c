package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/jigsawhub/puzzle-hub/domains/puzzle"
)

// fakeKV is an in-memory stand-in for puzzle.KVStore, used so the
// coordinator/registry/backplane tests don't need a live Valkey. A real
// expiry check is modeled with a deadline per key, mirroring what the Lua
// scripts in infrastructure/valkey/store.go do atomically server-side.
type fakeKV struct {
	mu   sync.Mutex
	vals map[string]string
	exp  map[string]time.Time
	subs map[string][]chan puzzle.KVMessage
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		vals: make(map[string]string),
		exp:  make(map[string]time.Time),
		subs: make(map[string][]chan puzzle.KVMessage),
	}
}

func (f *fakeKV) expired(key string) bool {
	dl, ok := f.exp[key]
	return ok && time.Now().After(dl)
}

func (f *fakeKV) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired(key) {
		delete(f.vals, key)
		delete(f.exp, key)
		return "", false, nil
	}
	v, ok := f.vals[key]
	return v, ok, nil
}

func (f *fakeKV) Set(ctx context.Context, key, value string, ttl time.Duration, mode puzzle.SetMode) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired(key) {
		delete(f.vals, key)
		delete(f.exp, key)
	}
	if mode == puzzle.SetIfAbsent {
		if _, ok := f.vals[key]; ok {
			return false, nil
		}
	}
	f.vals[key] = value
	if ttl > 0 {
		f.exp[key] = time.Now().Add(ttl)
	} else {
		delete(f.exp, key)
	}
	return true, nil
}

func (f *fakeKV) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vals, key)
	delete(f.exp, key)
	return nil
}

func (f *fakeKV) CompareDelete(ctx context.Context, key, expect string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired(key) {
		delete(f.vals, key)
		delete(f.exp, key)
		return false, nil
	}
	if f.vals[key] != expect {
		return false, nil
	}
	delete(f.vals, key)
	delete(f.exp, key)
	return true, nil
}

func (f *fakeKV) CompareExtend(ctx context.Context, key, expect string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired(key) {
		delete(f.vals, key)
		delete(f.exp, key)
		return false, nil
	}
	if f.vals[key] != expect {
		return false, nil
	}
	f.exp[key] = time.Now().Add(ttl)
	return true, nil
}

func (f *fakeKV) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	subs := append([]chan puzzle.KVMessage(nil), f.subs[topic]...)
	f.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- puzzle.KVMessage{Topic: topic, Payload: payload}:
		default:
		}
	}
	return nil
}

func (f *fakeKV) Subscribe(ctx context.Context, pattern string) (<-chan puzzle.KVMessage, error) {
	ch := make(chan puzzle.KVMessage, 16)
	f.mu.Lock()
	f.subs[pattern] = append(f.subs[pattern], ch)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		list := f.subs[pattern]
		for i, c := range list {
			if c == ch {
				f.subs[pattern] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (f *fakeKV) expire(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exp[key] = time.Now().Add(-time.Second)
}

// fakePieceStore is an in-memory stand-in for puzzle.PieceStore.
type fakePieceStore struct {
	mu     sync.Mutex
	pieces map[string]puzzle.Piece // key: sessionID + "/" + pieceID
}

func newFakePieceStore() *fakePieceStore {
	return &fakePieceStore{pieces: make(map[string]puzzle.Piece)}
}

func (s *fakePieceStore) key(sessionID, pieceID string) string {
	return sessionID + "/" + pieceID
}

func (s *fakePieceStore) put(p puzzle.Piece) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pieces[s.key(p.SessionID, p.ID)] = p
}

func (s *fakePieceStore) ReadPiece(ctx context.Context, sessionID, pieceID string) (puzzle.Piece, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pieces[s.key(sessionID, pieceID)]
	if !ok {
		return puzzle.Piece{}, puzzle.ErrPieceNotFound
	}
	return p, nil
}

func (s *fakePieceStore) UpdatePosition(ctx context.Context, sessionID, pieceID string, pos puzzle.Position) (puzzle.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(sessionID, pieceID)
	p, ok := s.pieces[k]
	if !ok {
		return puzzle.UpdateResult{}, puzzle.ErrPieceNotFound
	}
	p.Position = pos
	placed := withinTolerance(pos, p.Target)
	wasPlaced := p.Placed
	p.Placed = placed
	s.pieces[k] = p

	total, completed := 0, 0
	for _, other := range s.pieces {
		if other.SessionID != sessionID {
			continue
		}
		total++
		if other.Placed {
			completed++
		}
	}
	complete := !wasPlaced && placed && completed == total && total > 0
	return puzzle.UpdateResult{
		Applied:        true,
		NewPosition:    pos,
		IsPlaced:       placed,
		CompletedCount: completed,
		TotalCount:     total,
		PuzzleComplete: complete,
	}, nil
}

func withinTolerance(a, b puzzle.Position) bool {
	const posTol, rotTol = 5.0, 5.0
	dx, dy := a.X-b.X, a.Y-b.Y
	if dx < -posTol || dx > posTol || dy < -posTol || dy > posTol {
		return false
	}
	diff := a.Rotation - b.Rotation
	for diff > 180 {
		diff -= 360
	}
	for diff < -180 {
		diff += 360
	}
	if diff < 0 {
		diff = -diff
	}
	return diff <= rotTol
}

func (s *fakePieceStore) SetLock(ctx context.Context, sessionID, pieceID, userIDOrEmpty string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(sessionID, pieceID)
	p, ok := s.pieces[k]
	if !ok {
		return puzzle.ErrPieceNotFound
	}
	p.LockOwner = userIDOrEmpty
	s.pieces[k] = p
	return nil
}

func (s *fakePieceStore) ClearLocksFor(ctx context.Context, sessionID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, p := range s.pieces {
		if p.SessionID == sessionID && p.LockOwner == userID {
			p.LockOwner = ""
			s.pieces[k] = p
			n++
		}
	}
	return n, nil
}

func (s *fakePieceStore) ListLocked(ctx context.Context, sessionID string) ([]puzzle.Piece, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []puzzle.Piece
	for _, p := range s.pieces {
		if p.SessionID == sessionID && p.LockOwner != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// fakeDirectory is an in-memory stand-in for puzzle.SessionDirectory.
type fakeDirectory struct {
	mu       sync.Mutex
	sessions map[string]puzzle.Session
	names    map[string]string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{sessions: make(map[string]puzzle.Session), names: make(map[string]string)}
}

func (d *fakeDirectory) GetSession(ctx context.Context, sessionID string) (puzzle.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sessionID]
	if !ok {
		return puzzle.Session{}, puzzle.ErrSessionNotFound
	}
	return s, nil
}

func (d *fakeDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.names[userID]; ok {
		return n, nil
	}
	return userID, nil
}

// fakeChatRepo is an in-memory stand-in for puzzle.ChatRepository.
type fakeChatRepo struct {
	mu       sync.Mutex
	messages []puzzle.ChatMessage
}

func (c *fakeChatRepo) Save(ctx context.Context, msg puzzle.ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

// fakeSender records every frame sent to a connection, implementing
// usecase.Sender for router tests.
type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]sentFrame
}

type sentFrame struct {
	Kind    string
	Payload interface{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][]sentFrame)}
}

func (s *fakeSender) Send(connID, kind string, payload interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[connID] = append(s.sent[connID], sentFrame{Kind: kind, Payload: payload})
}

func (s *fakeSender) framesFor(connID string) []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentFrame(nil), s.sent[connID]...)
}
