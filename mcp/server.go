// Package mcp implements a stdio MCP server so an agent can play as a
// configured player.
package mcp

import (
	"context"
	"fmt"

	"github.com/gambit/server/game"
	"github.com/gambit/server/rules"
	"github.com/gambit/server/session"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName    = "gambit"
	serverVersion = "1.0.0"
)

// Registry is the lifecycle surface used by the tools. *registry.Registry
// implements it.
type Registry interface {
	CreateHumanSession(ctx context.Context, creator game.Player) (string, error)
	CreateAutomatedSession(ctx context.Context, creator game.Player, difficulty game.Difficulty) (string, error)
	JoinSession(ctx context.Context, id string, joiner game.Player) error
	ListOpenSessions(ctx context.Context, limit int) ([]game.Session, error)
	Get(ctx context.Context, id string) (game.Session, error)
	Abandon(ctx context.Context, id, playerID string) (game.Session, error)
}

// Mover submits moves on live tables. *host.Manager implements it.
type Mover interface {
	SubmitMove(ctx context.Context, id, playerID, move string) (session.Result, error)
}

type Server struct {
	mcpServer *server.MCPServer
	registry  Registry
	mover     Mover
	rules     rules.Engine
	player    game.Player
}

// NewServer registers every game tool. All tools act as player.
func NewServer(reg Registry, mover Mover, re rules.Engine, player game.Player) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false)),
		registry:  reg,
		mover:     mover,
		rules:     re,
		player:    player,
	}
	s.registerTools()
	return s
}

// Serve blocks serving MCP over stdio.
func (s *Server) Serve() error {
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("serve MCP: %w", err)
	}
	return nil
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("game_list_open",
		mcp.WithDescription("List sessions waiting for an opponent, newest first."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sessions to return"), mcp.Min(1)),
	), s.handleListOpen)

	s.mcpServer.AddTool(mcp.NewTool("game_get",
		mcp.WithDescription("Get the current document of a session, including position, status and last move."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	), s.handleGet)

	s.mcpServer.AddTool(mcp.NewTool("game_create",
		mcp.WithDescription("Create a session against another human. You play white; the session stays pending until someone joins."),
	), s.handleCreate)

	s.mcpServer.AddTool(mcp.NewTool("game_create_automated",
		mcp.WithDescription("Create a session against the computer. You play white and the game starts immediately."),
		mcp.WithString("difficulty", mcp.Required(),
			mcp.Description("Opponent strength"),
			mcp.Enum(string(game.DifficultyEasy), string(game.DifficultyMedium), string(game.DifficultyHard)),
		),
	), s.handleCreateAutomated)

	s.mcpServer.AddTool(mcp.NewTool("game_join",
		mcp.WithDescription("Join a pending session as black."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	), s.handleJoin)

	s.mcpServer.AddTool(mcp.NewTool("game_move",
		mcp.WithDescription("Play a move in an active session. Accepts UCI (e2e4, e7e8q) or SAN (Nf3). A rejected move returns applied=false with a reason."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("move", mcp.Required(), mcp.Description("Move in UCI or SAN notation")),
	), s.handleMove)

	s.mcpServer.AddTool(mcp.NewTool("game_legal_moves",
		mcp.WithDescription("List legal moves for the side to move in an active session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	), s.handleLegalMoves)

	s.mcpServer.AddTool(mcp.NewTool("game_abandon",
		mcp.WithDescription("Abandon an active session you are playing in."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	), s.handleAbandon)
}
