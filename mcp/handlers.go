package mcp

import (
	"context"
	"encoding/json"

	"github.com/gambit/server/game"
	"github.com/gambit/server/rpc"
	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) handleListOpen(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := s.registry.ListOpenSessions(ctx, req.GetInt("limit", 0))
	if err != nil {
		return InternalError(err), nil
	}
	return jsonResult(rpc.ListOpenResult{Sessions: sessions})
}

func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return ValidationError("session_id is required"), nil
	}

	doc, err := s.registry.Get(ctx, id)
	if err != nil {
		return GameError(id, err), nil
	}
	return jsonResult(doc)
}

func (s *Server) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.registry.CreateHumanSession(ctx, s.player)
	if err != nil {
		return GameError("", err), nil
	}
	return jsonResult(rpc.CreateResult{SessionID: id})
}

func (s *Server) handleCreateAutomated(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	difficulty, err := req.RequireString("difficulty")
	if err != nil {
		return ValidationError("difficulty is required"), nil
	}

	id, err := s.registry.CreateAutomatedSession(ctx, s.player, game.Difficulty(difficulty))
	if err != nil {
		return GameError("", err), nil
	}
	return jsonResult(rpc.CreateResult{SessionID: id})
}

func (s *Server) handleJoin(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return ValidationError("session_id is required"), nil
	}

	if err := s.registry.JoinSession(ctx, id, s.player); err != nil {
		return GameError(id, err), nil
	}
	return mcp.NewToolResultText(`{"success":true}`), nil
}

func (s *Server) handleMove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return ValidationError("session_id is required"), nil
	}
	move, err := req.RequireString("move")
	if err != nil {
		return ValidationError("move is required"), nil
	}

	res, err := s.mover.SubmitMove(ctx, id, s.player.PlayerID, move)
	if err != nil {
		return GameError(id, err), nil
	}
	return jsonResult(rpc.MoveResult{
		Applied: res.Applied,
		Reason:  res.Reason,
		Detail:  res.Detail,
		Session: res.Session,
	})
}

func (s *Server) handleLegalMoves(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return ValidationError("session_id is required"), nil
	}

	doc, err := s.registry.Get(ctx, id)
	if err != nil {
		return GameError(id, err), nil
	}

	result := rpc.LegalMovesResult{Moves: []rpc.LegalMove{}}
	if doc.Status == game.StatusActive {
		moves, err := s.rules.LegalMoves(doc.Position)
		if err != nil {
			return GameError(id, err), nil
		}
		for _, m := range moves {
			result.Moves = append(result.Moves, rpc.LegalMove{UCI: m.UCI, SAN: m.SAN, Capture: m.Capture, Check: m.Check})
		}
	}
	return jsonResult(result)
}

func (s *Server) handleAbandon(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return ValidationError("session_id is required"), nil
	}

	doc, err := s.registry.Abandon(ctx, id, s.player.PlayerID)
	if err != nil {
		return GameError(id, err), nil
	}
	return jsonResult(doc)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}
