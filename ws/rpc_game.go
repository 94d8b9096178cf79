package ws

import (
	"context"

	"github.com/gambit/server/game"
	"github.com/gambit/server/rpc"
	"github.com/sourcegraph/jsonrpc2"
)

func (h *rpcMethodHandler) handleCreate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, player game.Player) {
	id, err := h.registry.CreateHumanSession(ctx, player)
	if err != nil {
		h.replyGameError(ctx, conn, req.ID, err, "create session")
		return
	}

	h.log.Info("session created", "sessionId", id)

	if err := conn.Reply(ctx, req.ID, rpc.CreateResult{SessionID: id}); err != nil {
		h.log.Error("failed to send game create response", "error", err)
	}
}

func (h *rpcMethodHandler) handleCreateAutomated(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, player game.Player) {
	var params rpc.CreateAutomatedParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	id, err := h.registry.CreateAutomatedSession(ctx, player, params.Difficulty)
	if err != nil {
		h.replyGameError(ctx, conn, req.ID, err, "create session")
		return
	}

	h.log.Info("automated session created", "sessionId", id, "difficulty", params.Difficulty)

	if err := conn.Reply(ctx, req.ID, rpc.CreateResult{SessionID: id}); err != nil {
		h.log.Error("failed to send game create response", "error", err)
	}
}

func (h *rpcMethodHandler) handleJoin(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, player game.Player) {
	var params rpc.SessionParams
	if err := unmarshalParams(req, &params); err != nil || params.SessionID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if err := h.registry.JoinSession(ctx, params.SessionID, player); err != nil {
		h.replyGameError(ctx, conn, req.ID, err, "join session")
		return
	}

	h.log.Info("session joined", "sessionId", params.SessionID)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send game join response", "error", err)
	}
}

func (h *rpcMethodHandler) handleListOpen(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ListOpenParams
	if req.Params != nil {
		if err := unmarshalParams(req, &params); err != nil {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
			return
		}
	}

	sessions, err := h.registry.ListOpenSessions(ctx, params.Limit)
	if err != nil {
		h.replyGameError(ctx, conn, req.ID, err, "list sessions")
		return
	}

	if err := conn.Reply(ctx, req.ID, rpc.ListOpenResult{Sessions: sessions}); err != nil {
		h.log.Error("failed to send game list response", "error", err)
	}
}

func (h *rpcMethodHandler) handleGet(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionParams
	if err := unmarshalParams(req, &params); err != nil || params.SessionID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	s, err := h.registry.Get(ctx, params.SessionID)
	if err != nil {
		h.replyGameError(ctx, conn, req.ID, err, "get session")
		return
	}

	if err := conn.Reply(ctx, req.ID, s); err != nil {
		h.log.Error("failed to send game get response", "error", err)
	}
}

// handleMove replies with the submission outcome. A rejected move is a
// normal result, not an RPC error.
func (h *rpcMethodHandler) handleMove(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, player game.Player) {
	var params rpc.MoveParams
	if err := unmarshalParams(req, &params); err != nil || params.SessionID == "" || params.Move == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	res, err := h.tables.SubmitMove(ctx, params.SessionID, player.PlayerID, params.Move)
	if err != nil {
		h.replyGameError(ctx, conn, req.ID, err, "submit move")
		return
	}

	result := rpc.MoveResult{
		Applied: res.Applied,
		Reason:  res.Reason,
		Detail:  res.Detail,
		Session: res.Session,
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send game move response", "error", err)
	}
}

func (h *rpcMethodHandler) handleAbandon(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, player game.Player) {
	var params rpc.SessionParams
	if err := unmarshalParams(req, &params); err != nil || params.SessionID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	s, err := h.registry.Abandon(ctx, params.SessionID, player.PlayerID)
	if err != nil {
		h.replyGameError(ctx, conn, req.ID, err, "abandon session")
		return
	}

	h.log.Info("session abandoned", "sessionId", params.SessionID)

	if err := conn.Reply(ctx, req.ID, s); err != nil {
		h.log.Error("failed to send game abandon response", "error", err)
	}
}

func (h *rpcMethodHandler) handleLegalMoves(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionParams
	if err := unmarshalParams(req, &params); err != nil || params.SessionID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	s, err := h.registry.Get(ctx, params.SessionID)
	if err != nil {
		h.replyGameError(ctx, conn, req.ID, err, "get session")
		return
	}

	result := rpc.LegalMovesResult{Moves: []rpc.LegalMove{}}
	if s.Status == game.StatusActive {
		moves, err := h.rules.LegalMoves(s.Position)
		if err != nil {
			h.replyGameError(ctx, conn, req.ID, err, "list legal moves")
			return
		}
		for _, m := range moves {
			result.Moves = append(result.Moves, rpc.LegalMove{UCI: m.UCI, SAN: m.SAN, Capture: m.Capture, Check: m.Check})
		}
	}

	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send legal moves response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionParams
	if err := unmarshalParams(req, &params); err != nil || params.SessionID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	id, current, err := h.gameWatcher.Subscribe(ctx, h.state.getNotifier(), h.state.connID, params.SessionID)
	if err != nil {
		h.replyGameError(ctx, conn, req.ID, err, "subscribe")
		return
	}
	if !h.state.trackSubscription(id, h.gameWatcher) {
		h.gameWatcher.Unsubscribe(id)
		return
	}
	h.log.Debug("subscribed", "watcher", "game", "watchId", id, "sessionId", params.SessionID)

	if err := conn.Reply(ctx, req.ID, rpc.SubscribeResult{ID: id, Session: current}); err != nil {
		h.log.Error("failed to send game subscribe response", "error", err)
	}
}
