package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gambit/server/game"
	"github.com/gambit/server/host"
	"github.com/gambit/server/logger"
	"github.com/gambit/server/registry"
	"github.com/gambit/server/rpc"
	"github.com/gambit/server/rules"
	"github.com/gambit/server/watch"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"
)

// RPCHandler handles JSON-RPC 2.0 over WebSocket.
type RPCHandler struct {
	token       string
	version     string
	devMode     bool
	registry    *registry.Registry
	tables      *host.Manager
	rules       rules.Engine
	gameWatcher *watch.GameWatcher
}

// NewRPCHandler starts the game watcher and registers it as the commentary
// listener of tables.
func NewRPCHandler(token, version string, devMode bool, reg *registry.Registry, tables *host.Manager, re rules.Engine) *RPCHandler {
	gameWatcher := watch.NewGameWatcher(tables, reg)
	tables.SetCommentaryListener(gameWatcher)
	gameWatcher.Start()

	return &RPCHandler{
		token:       token,
		version:     version,
		devMode:     devMode,
		registry:    reg,
		tables:      tables,
		rules:       re,
		gameWatcher: gameWatcher,
	}
}

// Stop stops the RPC handler and releases resources.
func (h *RPCHandler) Stop() {
	h.gameWatcher.Stop()
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *RPCHandler) handleConnection(ctx context.Context, wsConn *websocket.Conn) {
	stream := newWebSocketStream(wsConn)
	connID := uuid.Must(uuid.NewV7()).String()
	h.HandleStream(ctx, stream, connID)
}

func (h *RPCHandler) HandleStream(ctx context.Context, stream jsonrpc2.ObjectStream, connID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "websocket connection crashed", "connId", connID)
		}
	}()

	log := slog.With("connId", connID)
	log.Info("new connection")

	state := &rpcConnState{
		connID: connID,
		log:    log,
	}

	handler := &rpcMethodHandler{
		RPCHandler: h,
		state:      state,
		log:        log,
	}

	rpcConn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(handler))
	state.setConn(rpcConn)

	<-rpcConn.DisconnectNotify()

	state.cleanup()
	log.Info("connection closed")
}

// rpcConnState tracks per-connection state.
type rpcConnState struct {
	mu            sync.Mutex
	connID        string
	conn          *jsonrpc2.Conn
	notifier      *JSONRPCNotifier
	log           *slog.Logger
	player        *game.Player             // set after auth
	subscriptions map[string]watch.Watcher // subID → watcher for cleanup
}

func (s *rpcConnState) setConn(conn *jsonrpc2.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.notifier = NewJSONRPCNotifier(conn)
	s.subscriptions = make(map[string]watch.Watcher)
	s.mu.Unlock()
}

func (s *rpcConnState) getNotifier() watch.Notifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifier
}

func (s *rpcConnState) getPlayer() (game.Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil {
		return game.Player{}, false
	}
	return *s.player, true
}

func (s *rpcConnState) setPlayer(p game.Player) {
	s.mu.Lock()
	s.player = &p
	s.mu.Unlock()
}

// trackSubscription reports false when the connection is already closed;
// the caller must then unsubscribe itself.
func (s *rpcConnState) trackSubscription(id string, watcher watch.Watcher) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscriptions == nil {
		return false
	}
	s.subscriptions[id] = watcher
	return true
}

func (s *rpcConnState) untrackSubscription(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[id]; !ok {
		return false
	}
	delete(s.subscriptions, id)
	return true
}

func (s *rpcConnState) cleanup() {
	s.mu.Lock()
	subs := s.subscriptions
	s.subscriptions = nil
	s.player = nil
	s.mu.Unlock()

	for id, watcher := range subs {
		watcher.Unsubscribe(id)
	}
}

type rpcMethodHandler struct {
	*RPCHandler
	state *rpcConnState
	log   *slog.Logger
}

func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "rpc handler panic", "method", req.Method, "connId", h.state.connID)
		}
	}()

	h.log.Debug("received request", "method", req.Method, "id", req.ID)

	// Auth must be the first request
	player, ok := h.state.getPlayer()
	if !ok {
		if req.Method != "auth" {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "first request must be auth")
			conn.Close()
			return
		}
		h.handleAuth(ctx, conn, req)
		return
	}

	switch req.Method {
	case "game.create":
		h.handleCreate(ctx, conn, req, player)
	case "game.create_automated":
		h.handleCreateAutomated(ctx, conn, req, player)
	case "game.join":
		h.handleJoin(ctx, conn, req, player)
	case "game.list_open":
		h.handleListOpen(ctx, conn, req)
	case "game.get":
		h.handleGet(ctx, conn, req)
	case "game.move":
		h.handleMove(ctx, conn, req, player)
	case "game.abandon":
		h.handleAbandon(ctx, conn, req, player)
	case "game.legal_moves":
		h.handleLegalMoves(ctx, conn, req)
	case "game.subscribe":
		h.handleSubscribe(ctx, conn, req)
	case "game.unsubscribe":
		h.handleWatcherUnsubscribe(ctx, conn, req, h.gameWatcher, "game")
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *rpcMethodHandler) handleAuth(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.AuthParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		conn.Close()
		return
	}

	if subtle.ConstantTimeCompare([]byte(params.Token), []byte(h.token)) != 1 {
		h.log.Warn("invalid auth token")
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "invalid token")
		conn.Close()
		return
	}

	if params.Player.PlayerID == "" || params.Player.PlayerID == game.AutomatedPlayerID {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "player id is required")
		conn.Close()
		return
	}

	h.state.setPlayer(params.Player)
	h.log.Info("authenticated", "playerId", params.Player.PlayerID)

	result := rpc.AuthResult{
		Version:  h.version,
		PlayerID: params.Player.PlayerID,
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send auth response", "error", err)
	}
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, id, err); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

// replyGameError maps domain errors to JSON-RPC errors carrying an
// rpc.ErrorData code. Anything unrecognised is an internal error.
func (h *rpcMethodHandler) replyGameError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, err error, action string) {
	code, message := gameErrorCode(err)
	if code == "" {
		h.log.Error("failed to "+action, "error", err)
		h.replyError(ctx, conn, id, jsonrpc2.CodeInternalError, "failed to "+action)
		return
	}

	rpcErr := &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: message}
	data, _ := json.Marshal(rpc.ErrorData{Code: code})
	raw := json.RawMessage(data)
	rpcErr.Data = &raw
	if replyErr := conn.ReplyWithError(ctx, id, rpcErr); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

func gameErrorCode(err error) (code, message string) {
	switch {
	case errors.Is(err, game.ErrSessionNotFound):
		return rpc.CodeNotFound, "session not found"
	case errors.Is(err, game.ErrSessionNotJoinable):
		return rpc.CodeNotJoinable, "session not joinable"
	case errors.Is(err, game.ErrSelfJoinRejected):
		return rpc.CodeSelfJoin, "cannot join own session"
	case errors.Is(err, game.ErrSessionNotActive):
		return rpc.CodeNotActive, "session not active"
	case errors.Is(err, game.ErrNotParticipant):
		return rpc.CodeNotParticipant, "player is not a participant"
	case errors.Is(err, game.ErrInvalidSession), errors.Is(err, rules.ErrInvalidPosition):
		return rpc.CodeValidation, err.Error()
	}
	return "", ""
}

func unmarshalParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return errors.New("params required")
	}
	return json.Unmarshal(*req.Params, v)
}

func (h *rpcMethodHandler) handleWatcherUnsubscribe(
	ctx context.Context,
	conn *jsonrpc2.Conn,
	req *jsonrpc2.Request,
	watcher watch.Watcher,
	logName string,
) {
	var params rpc.UnsubscribeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.ID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "id is required")
		return
	}

	// Only subscriptions owned by this connection may be removed.
	if h.state.untrackSubscription(params.ID) {
		watcher.Unsubscribe(params.ID)
		h.log.Debug("unsubscribed", "watcher", logName, "watchId", params.ID)
	}

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send "+logName+" unsubscribe response", "error", err)
	}
}

// writeTimeout bounds one frame write so a stalled client cannot hold up
// the game watcher's delivery loop.
const writeTimeout = 5 * time.Second

// webSocketStream adapts coder/websocket to jsonrpc2.ObjectStream.
type webSocketStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects writes
}

func newWebSocketStream(conn *websocket.Conn) *webSocketStream {
	return &webSocketStream{conn: conn}
}

func (s *webSocketStream) ReadObject(v interface{}) error {
	_, data, err := s.conn.Read(context.Background())
	if err != nil {
		// Treat normal close frames as EOF so jsonrpc2 shuts down gracefully
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return io.EOF
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *webSocketStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *webSocketStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Ensure webSocketStream implements ObjectStream
var _ jsonrpc2.ObjectStream = (*webSocketStream)(nil)
