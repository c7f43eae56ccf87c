package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	ws "github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"github.com/jigsawhub/puzzle-hub/domains/puzzle"
	"github.com/jigsawhub/puzzle-hub/pkg/apierr"
	"github.com/jigsawhub/puzzle-hub/pkg/idgen"
	"github.com/jigsawhub/puzzle-hub/usecase"
)

// connEntry pairs a live transport with the mutex guarding writes to it;
// fasthttp/websocket connections, like gorilla's, are not safe for
// concurrent writers, and both the dispatch loop and cross-connection
// fan-out write to the same conn.
type connEntry struct {
	conn *ws.Conn
	mu   sync.Mutex
}

// Gateway is the Fiber-backed transport. It implements usecase.Sender and
// owns the per-connection read loop, idle-timeout enforcement, and
// keepalive pings.
type Gateway struct {
	router *usecase.Router

	mu    sync.RWMutex
	conns map[string]*connEntry

	idleTimeout time.Duration
	keepalive   time.Duration
	opDeadline  time.Duration
}

// NewGateway wires a Gateway. router may be nil at construction time if the
// router itself needs a reference to this Gateway as its Sender; call
// SetRouter before RegisterRoutes in that case.
func NewGateway(router *usecase.Router, idleTimeout, keepalive, opDeadline time.Duration) *Gateway {
	return &Gateway{
		router:      router,
		conns:       make(map[string]*connEntry),
		idleTimeout: idleTimeout,
		keepalive:   keepalive,
		opDeadline:  opDeadline,
	}
}

// SetRouter attaches the router this gateway dispatches into. Must be
// called before RegisterRoutes if router was nil at construction.
func (g *Gateway) SetRouter(router *usecase.Router) {
	g.router = router
}

// Send implements usecase.Sender.
func (g *Gateway) Send(connID, kind string, payload interface{}) {
	g.write(connID, ServerFrame{Kind: "event", Name: kind, OK: true, Result: payload})
}

func (g *Gateway) sendResponse(connID string, seq uint64, name string, result interface{}, err error) {
	frame := ServerFrame{Kind: "response", Seq: &seq, Name: name}
	if err != nil {
		frame.OK = false
		frame.Error = toErrorPayload(err)
	} else {
		frame.OK = true
		frame.Result = result
	}
	g.write(connID, frame)
}

func toErrorPayload(err error) *ErrorPayload {
	if ge, ok := apierr.As(err); ok {
		return &ErrorPayload{Code: ge.Code(), Message: ge.Error()}
	}
	return &ErrorPayload{Code: "Internal", Message: err.Error()}
}

func (g *Gateway) write(connID string, frame ServerFrame) {
	g.mu.RLock()
	entry, ok := g.conns[connID]
	g.mu.RUnlock()
	if !ok {
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		logrus.Errorf("[WS] marshal error for %s: %v", connID, err)
		return
	}

	entry.mu.Lock()
	werr := entry.conn.WriteMessage(ws.TextMessage, data)
	entry.mu.Unlock()
	if werr != nil {
		logrus.Debugf("[WS] write to %s failed: %v", connID, werr)
	}
}

// RegisterRoutes mounts the /ws upgrade endpoint behind the standard
// Fiber websocket upgrade guard.
func (g *Gateway) RegisterRoutes(app fiber.Router) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if ws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})

	app.Get("/ws", ws.New(func(conn *ws.Conn) {
		g.handleConnection(conn)
	}))
}

func (g *Gateway) handleConnection(conn *ws.Conn) {
	connID := idgen.NewMessageID()
	userID := conn.Query("user_id", connID)
	displayName := conn.Query("display_name", userID)

	entry := &connEntry{conn: conn}
	g.mu.Lock()
	g.conns[connID] = entry
	g.mu.Unlock()

	g.router.OnConnect(connID, userID, displayName)

	keepaliveDone := make(chan struct{})
	go g.runKeepalive(connID, entry, keepaliveDone)

	defer func() {
		close(keepaliveDone)
		g.mu.Lock()
		delete(g.conns, connID)
		g.mu.Unlock()
		g.router.Disconnect(connID)
		_ = conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(g.idleTimeout))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseGoingAway, ws.CloseAbnormalClosure) {
				logrus.Debugf("[WS] read error on %s: %v", connID, err)
			}
			return
		}

		ctx := context.Background()
		g.router.Touch(ctx, connID)

		switch messageType {
		case ws.TextMessage:
			g.dispatch(ctx, connID, data)
		case ws.BinaryMessage:
			logrus.Debugf("[WS] %v on %s", apierr.BinaryNotSupported(), connID)
		}
	}
}

func (g *Gateway) runKeepalive(connID string, entry *connEntry, done <-chan struct{}) {
	ticker := time.NewTicker(g.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			entry.mu.Lock()
			err := entry.conn.WriteMessage(ws.PingMessage, nil)
			entry.mu.Unlock()
			if err != nil {
				logrus.Debugf("[WS] keepalive ping to %s failed: %v", connID, err)
				return
			}
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, connID string, data []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logrus.Debugf("[WS] malformed frame from %s: %v", connID, err)
		return
	}

	switch frame.Op {
	case "join-session":
		var args joinSessionArgs
		_ = json.Unmarshal(frame.Args, &args)
		result, err := g.router.JoinSession(ctx, connID, args.SessionID)
		g.sendResponse(connID, frame.Seq, frame.Op, result, err)

	case "leave-session":
		err := g.router.LeaveSession(ctx, connID)
		g.sendResponse(connID, frame.Seq, frame.Op, struct{}{}, err)

	case "move-piece":
		var args movePieceArgs
		_ = json.Unmarshal(frame.Args, &args)
		pos := puzzle.Position{X: args.X, Y: args.Y, Rotation: args.Rotation}
		result, err := g.router.MovePiece(ctx, connID, args.PieceID, pos)
		g.sendResponse(connID, frame.Seq, frame.Op, result, err)

	case "lock-piece":
		var args pieceIDArgs
		_ = json.Unmarshal(frame.Args, &args)
		result, err := g.router.LockPiece(ctx, connID, args.PieceID)
		g.sendResponse(connID, frame.Seq, frame.Op, result, err)

	case "unlock-piece":
		var args pieceIDArgs
		_ = json.Unmarshal(frame.Args, &args)
		err := g.router.UnlockPiece(ctx, connID, args.PieceID)
		g.sendResponse(connID, frame.Seq, frame.Op, struct{}{}, err)

	case "send-chat":
		var args sendChatArgs
		_ = json.Unmarshal(frame.Args, &args)
		result, err := g.router.SendChat(ctx, connID, args.Text)
		g.sendResponse(connID, frame.Seq, frame.Op, result, err)

	case "cursor":
		var args cursorArgs
		_ = json.Unmarshal(frame.Args, &args)
		g.router.Cursor(connID, args.X, args.Y)
		// No response frame: cursor never fails visibly.

	default:
		g.sendResponse(connID, frame.Seq, frame.Op, nil, apierr.Internal(fmt.Errorf("unknown op %q", frame.Op)))
	}
}
