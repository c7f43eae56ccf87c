package usecase

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/jigsawhub/puzzle-hub/domains/puzzle"
	"github.com/jigsawhub/puzzle-hub/metrics"
	"github.com/jigsawhub/puzzle-hub/pkg/apierr"
	"github.com/jigsawhub/puzzle-hub/pkg/idgen"
)

const maxChatLength = 1000

// Sender delivers a named event or response to one connection's transport.
// The session router depends on this interface rather than the ws gateway
// directly, keeping the dependency graph leaves-first: the gateway
// implements Sender and is injected here, not the other way around.
type Sender interface {
	Send(connID, kind string, payload interface{})
}

// SessionSnapshot is returned by JoinSession.
type SessionSnapshot struct {
	SessionID       string   `json:"session_id"`
	Participants    []string `json:"participants"`
	CompletionRatio float64  `json:"completion_ratio"`
}

// MoveResult is returned by MovePiece.
type MoveResult struct {
	PieceID        string          `json:"piece_id"`
	Position       puzzle.Position `json:"position"`
	Placed         bool            `json:"placed"`
	CompletedCount int             `json:"completed_count"`
	TotalCount     int             `json:"total_count"`
	PuzzleComplete bool            `json:"puzzle_complete"`
}

// LockResult is returned by LockPiece.
type LockResult struct {
	Acquired bool      `json:"acquired"`
	Owner    string    `json:"owner,omitempty"`
	Expiry   time.Time `json:"expiry,omitempty"`
}

// ChatResult is returned by SendChat.
type ChatResult struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Router is the session hub core: it validates and dispatches the client
// operation surface, owns disconnect cleanup ordering, and fans
// notifications out via the backplane. It holds no transport code itself,
// just dispatch logic plus calls to its leaf collaborators.
type Router struct {
	registry  *Registry
	locks     *LockCoordinator
	pieces    puzzle.PieceStore
	chat      puzzle.ChatRepository
	sessions  puzzle.SessionDirectory
	backplane *Backplane
	sender    Sender

	opDeadline   time.Duration
	cursorWindow time.Duration
	shuttingDown atomic.Bool

	cursorMu sync.Mutex
	cursors  map[string]*CursorPipeline

	startedAt sync.Map // sessionID -> time.Time, first-join watermark for total-time stats
}

// NewRouter wires a Router from its leaf collaborators.
func NewRouter(
	registry *Registry,
	locks *LockCoordinator,
	pieces puzzle.PieceStore,
	chat puzzle.ChatRepository,
	sessions puzzle.SessionDirectory,
	backplane *Backplane,
	sender Sender,
	opDeadline, cursorWindow time.Duration,
) *Router {
	return &Router{
		registry:     registry,
		locks:        locks,
		pieces:       pieces,
		chat:         chat,
		sessions:     sessions,
		backplane:    backplane,
		sender:       sender,
		opDeadline:   opDeadline,
		cursorWindow: cursorWindow,
		cursors:      make(map[string]*CursorPipeline),
	}
}

// BeginShutdown makes every subsequent operation fail fast with
// ShuttingDown, except cursor, which never reports failure; in-flight
// operations already past this check are allowed to complete within the
// caller's grace window.
func (r *Router) BeginShutdown() {
	r.shuttingDown.Store(true)
}

// OnConnect registers a freshly accepted transport in the unattached
// state.
func (r *Router) OnConnect(connID, userID, displayName string) *puzzle.Connection {
	metrics.ActiveConnections.Inc()
	return r.registry.Register(connID, userID, displayName)
}

func (r *Router) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opDeadline)
}

func (r *Router) guardShutdown() error {
	if r.shuttingDown.Load() {
		return apierr.ShuttingDown()
	}
	return nil
}

// JoinSession implements the join-session operation.
func (r *Router) JoinSession(ctx context.Context, connID, sessionID string) (result SessionSnapshot, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("join-session", codeOf(err), start) }()

	if err = r.guardShutdown(); err != nil {
		return
	}
	if strings.TrimSpace(sessionID) == "" {
		err = apierr.InvalidSessionId(sessionID)
		return
	}

	conn, ok := r.registry.LookupByConnection(connID)
	if !ok {
		err = apierr.Internal(nil)
		return
	}
	if conn.State == puzzle.StateAttached {
		err = apierr.AlreadyInSession()
		return
	}

	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	sess, serr := r.sessions.GetSession(ctx, sessionID)
	if serr != nil {
		if serr == puzzle.ErrSessionNotFound {
			err = apierr.SessionNotFound(sessionID)
			return
		}
		err = apierr.StoreUnavailable(serr)
		return
	}
	if sess.Status != puzzle.SessionActive {
		err = apierr.SessionNotActive(sessionID)
		return
	}

	if aerr := r.registry.AttachToSession(ctx, connID, sessionID); aerr != nil {
		err = apierr.Internal(aerr)
		return
	}
	// EnsureSubscribed must outlive this operation's deadline-bound ctx, so
	// it gets its own long-lived context rather than the one scoped to this
	// call (see withDeadline above).
	r.backplane.EnsureSubscribed(context.Background(), sessionID)
	r.startCursorPipeline(connID, sessionID)
	r.startedAt.LoadOrStore(sessionID, time.Now().UTC())

	displayName, _ := r.sessions.DisplayName(ctx, conn.UserID)
	r.fanOut(ctx, sessionID, connID, "user-joined", puzzle.BuildUserJoined(conn.UserID, displayName, time.Now().UTC()))

	members := r.registry.LookupBySession(sessionID)
	participants := make([]string, 0, len(members))
	for _, m := range members {
		participants = append(participants, m.UserID)
	}

	result = SessionSnapshot{
		SessionID:    sessionID,
		Participants: participants,
	}
	return
}

// LeaveSession implements the leave-session operation.
func (r *Router) LeaveSession(ctx context.Context, connID string) error {
	start := time.Now()
	if err := r.guardShutdown(); err != nil {
		metrics.ObserveOperation("leave-session", codeOf(err), start)
		return err
	}
	conn, ok := r.registry.LookupByConnection(connID)
	if !ok || conn.State != puzzle.StateAttached {
		metrics.ObserveOperation("leave-session", "NotInSession", start)
		logrus.Debugf("[ROUTER] leave-session on connection not in a session: %s", connID)
		return nil
	}

	err := r.runCleanup(ctx, connID, conn)
	metrics.ObserveOperation("leave-session", codeOf(err), start)
	return err
}

// runCleanup implements the cleanup ordering for both explicit leave and
// disconnect/eviction.
func (r *Router) runCleanup(ctx context.Context, connID string, conn *puzzle.Connection) error {
	sessionID := conn.SessionID

	// 1. remove from in-memory session index
	r.registry.Detach(connID)

	// 2. release all locks held by the user
	if _, err := r.locks.ReleaseAllFor(ctx, sessionID, conn.UserID); err != nil {
		logrus.Warnf("[ROUTER] release-all-for failed during cleanup: %v", err)
	}

	// 3. publish user-left
	r.fanOut(ctx, sessionID, connID, "user-left", puzzle.BuildUserLeft(conn.UserID, time.Now().UTC()))

	// 4. ephemeral K/V records already deleted by registry.Detach

	// 5. close per-connection cursor channel
	r.stopCursorPipeline(connID)
	r.backplane.Release(sessionID)

	return nil
}

// Disconnect implements transport-close and idle-timeout eviction, which
// follow the same cleanup ordering as an explicit leave-session.
func (r *Router) Disconnect(connID string) {
	metrics.ActiveConnections.Dec()
	conn, ok := r.registry.LookupByConnection(connID)
	if ok && conn.State == puzzle.StateAttached {
		ctx, cancel := context.WithTimeout(context.Background(), r.opDeadline)
		_ = r.runCleanup(ctx, connID, conn)
		cancel()
	}
	r.registry.Remove(connID)
}

// MovePiece implements the move-piece operation.
func (r *Router) MovePiece(ctx context.Context, connID, pieceID string, pos puzzle.Position) (result MoveResult, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("move-piece", codeOf(err), start) }()

	if err = r.guardShutdown(); err != nil {
		return
	}
	conn, sessionID, verr := r.requireAttached(connID)
	if verr != nil {
		err = verr
		return
	}
	if strings.TrimSpace(pieceID) == "" {
		err = apierr.InvalidPieceId(pieceID)
		return
	}

	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	authorized, owner, aerr := r.locks.CheckMoveAuthorized(ctx, pieceID, conn.UserID)
	if aerr != nil {
		err = apierr.StoreUnavailable(aerr)
		return
	}
	if !authorized {
		err = apierr.PieceLocked(pieceID, owner)
		return
	}

	upd, uerr := r.pieces.UpdatePosition(ctx, sessionID, pieceID, pos)
	if uerr != nil {
		if uerr == puzzle.ErrPieceNotFound {
			err = apierr.PieceNotFound(pieceID)
			return
		}
		err = apierr.StoreUnavailable(uerr)
		return
	}

	result = MoveResult{
		PieceID:        pieceID,
		Position:       upd.NewPosition,
		Placed:         upd.IsPlaced,
		CompletedCount: upd.CompletedCount,
		TotalCount:     upd.TotalCount,
		PuzzleComplete: upd.PuzzleComplete,
	}

	r.fanOut(ctx, sessionID, connID, "piece-moved", puzzle.BuildPieceMoved(pieceID, upd.NewPosition, conn.UserID, upd, time.Now().UTC()))

	if upd.PuzzleComplete {
		started, _ := r.startedAt.Load(sessionID)
		var total time.Duration
		if t, ok := started.(time.Time); ok {
			total = time.Since(t)
		}
		r.fanOut(ctx, sessionID, "", "puzzle-completed", puzzle.BuildPuzzleCompleted(total, nil))
	}
	return
}

// LockPiece implements the lock-piece operation.
func (r *Router) LockPiece(ctx context.Context, connID, pieceID string) (result LockResult, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("lock-piece", codeOf(err), start) }()

	if err = r.guardShutdown(); err != nil {
		return
	}
	conn, sessionID, verr := r.requireAttached(connID)
	if verr != nil {
		err = verr
		return
	}

	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	acq, aerr := r.locks.Acquire(ctx, sessionID, pieceID, conn.UserID)
	if aerr != nil {
		if aerr == puzzle.ErrPieceNotFound {
			err = apierr.PieceNotFound(pieceID)
			metrics.LockOperationsTotal.WithLabelValues("acquire", "not_found").Inc()
			return
		}
		err = apierr.StoreUnavailable(aerr)
		metrics.LockOperationsTotal.WithLabelValues("acquire", "error").Inc()
		return
	}
	if !acq.Acquired {
		metrics.LockOperationsTotal.WithLabelValues("acquire", "contended").Inc()
		err = apierr.PieceLocked(pieceID, acq.CurrentOwner)
		return
	}

	metrics.LockOperationsTotal.WithLabelValues("acquire", "ok").Inc()
	expiry := time.Now().UTC().Add(r.locks.ttl)
	result = LockResult{Acquired: true, Owner: conn.UserID, Expiry: expiry}
	r.fanOut(ctx, sessionID, connID, "piece-locked", puzzle.BuildPieceLocked(pieceID, conn.UserID, expiry))
	return
}

// UnlockPiece implements the unlock-piece operation.
func (r *Router) UnlockPiece(ctx context.Context, connID, pieceID string) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("unlock-piece", codeOf(err), start) }()

	if err = r.guardShutdown(); err != nil {
		return
	}
	conn, sessionID, verr := r.requireAttached(connID)
	if verr != nil {
		err = verr
		return
	}

	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	rel, rerr := r.locks.Release(ctx, sessionID, pieceID, conn.UserID)
	if rerr != nil {
		metrics.LockOperationsTotal.WithLabelValues("release", "error").Inc()
		err = apierr.StoreUnavailable(rerr)
		return
	}
	if !rel.OK {
		metrics.LockOperationsTotal.WithLabelValues("release", "not_owner").Inc()
		err = apierr.NotOwner()
		return
	}

	metrics.LockOperationsTotal.WithLabelValues("release", "ok").Inc()
	r.fanOut(ctx, sessionID, connID, "piece-unlocked", puzzle.BuildPieceUnlocked(pieceID, conn.UserID))
	return
}

// NotifySystemUnlock fans out a piece-unlocked event attributed to the
// system rather than a connection, for use when a background process
// (the lock auditor) reclaims an abandoned lock instead of the owner
// releasing it through UnlockPiece.
func (r *Router) NotifySystemUnlock(ctx context.Context, sessionID, pieceID string) {
	r.fanOut(ctx, sessionID, "", "piece-unlocked", puzzle.BuildPieceUnlocked(pieceID, "system"))
}

// SendChat implements the send-chat operation.
func (r *Router) SendChat(ctx context.Context, connID, text string) (result ChatResult, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation("send-chat", codeOf(err), start) }()

	if err = r.guardShutdown(); err != nil {
		return
	}
	conn, sessionID, verr := r.requireAttached(connID)
	if verr != nil {
		err = verr
		return
	}

	trimmed := strings.TrimSpace(text)
	if len(trimmed) == 0 {
		err = apierr.EmptyMessage()
		return
	}
	if utf8.RuneCountInString(trimmed) > maxChatLength {
		err = apierr.MessageTooLong(maxChatLength)
		return
	}

	ctx, cancel := r.withDeadline(ctx)
	defer cancel()

	msg := puzzle.ChatMessage{
		ID:        idgen.NewMessageID(),
		SessionID: sessionID,
		UserID:    conn.UserID,
		Text:      trimmed,
		Timestamp: time.Now().UTC(),
	}
	if serr := r.chat.Save(ctx, msg); serr != nil {
		err = apierr.StoreUnavailable(serr)
		return
	}

	result = ChatResult{MessageID: msg.ID, Timestamp: msg.Timestamp}

	// Sender sees its own message once, authoritatively ordered: deliver
	// directly here rather than excluding connID from fan-out.
	r.sender.Send(connID, "chat-message", puzzle.BuildChatMessage(msg))
	r.fanOut(ctx, sessionID, connID, "chat-message", puzzle.BuildChatMessage(msg))
	return
}

// Cursor implements the cursor operation: enqueue only, never fails visibly.
func (r *Router) Cursor(connID string, x, y float64) {
	conn, ok := r.registry.LookupByConnection(connID)
	if !ok || conn.State != puzzle.StateAttached {
		return
	}

	r.cursorMu.Lock()
	pipeline := r.cursors[connID]
	r.cursorMu.Unlock()
	if pipeline == nil {
		return
	}
	pipeline.Push(puzzle.CursorEvent{UserID: conn.UserID, SessionID: conn.SessionID, X: x, Y: y})
}

// Touch records connection activity, for idle-timeout accounting.
func (r *Router) Touch(ctx context.Context, connID string) {
	r.registry.Touch(ctx, connID)
}

func (r *Router) requireAttached(connID string) (*puzzle.Connection, string, error) {
	conn, ok := r.registry.LookupByConnection(connID)
	if !ok || conn.State != puzzle.StateAttached {
		return nil, "", apierr.NotInSession()
	}
	return conn, conn.SessionID, nil
}

// fanOut delivers kind/payload to every local member of sessionID except
// the origin connection, and publishes the same envelope to the backplane
// for cross-replica members. originConnID may be empty for system events.
func (r *Router) fanOut(ctx context.Context, sessionID, originConnID, kind string, payload interface{}) {
	for _, c := range r.registry.LookupBySession(sessionID) {
		if c.ID == originConnID {
			continue
		}
		r.sender.Send(c.ID, kind, payload)
	}
	if err := r.backplane.Publish(ctx, sessionID, originConnID, kind, payload); err != nil {
		metrics.BackplanePublishErrorsTotal.Inc()
	}
}

func (r *Router) startCursorPipeline(connID, sessionID string) {
	pipeline := NewCursorPipeline(r.cursorWindow, func(ev puzzle.CursorEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), r.opDeadline)
		defer cancel()
		r.fanOut(ctx, sessionID, connID, "cursor-update", puzzle.BuildCursorUpdate(ev))
	})
	r.cursorMu.Lock()
	r.cursors[connID] = pipeline
	r.cursorMu.Unlock()
}

func (r *Router) stopCursorPipeline(connID string) {
	r.cursorMu.Lock()
	pipeline := r.cursors[connID]
	delete(r.cursors, connID)
	r.cursorMu.Unlock()
	if pipeline != nil {
		pipeline.Close()
	}
}

func codeOf(err error) string {
	if err == nil {
		return ""
	}
	if ge, ok := apierr.As(err); ok {
		return ge.Code()
	}
	return "Internal"
}
