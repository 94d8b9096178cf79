package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/gambit/server/game"
	"github.com/gambit/server/host"
	"github.com/gambit/server/registry"
	"github.com/gambit/server/rpc"
	"github.com/gambit/server/rules"
	"github.com/gambit/server/session"
	"github.com/gambit/server/store"
	"github.com/mark3labs/mcp-go/mcp"
)

var (
	alice = game.Player{PlayerID: "alice", DisplayName: "Alice"}
	bob   = game.Player{PlayerID: "bob", DisplayName: "Bob"}
)

type testEnv struct {
	registry *registry.Registry
	alice    *Server
	bob      *Server
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	re := rules.New()
	reg := registry.New(st, re, registry.Options{})
	m := host.NewManager(st, host.Options{Rules: re, Registry: reg})
	t.Cleanup(func() {
		m.Shutdown()
		st.Close()
	})
	return testEnv{
		registry: reg,
		alice:    NewServer(reg, m, re, alice),
		bob:      NewServer(reg, m, re, bob),
	}
}

type toolHandler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

func call(t *testing.T, h toolHandler, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return res
}

func toolText(t *testing.T, r *mcp.CallToolResult) string {
	t.Helper()
	if len(r.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := r.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content = %T, want TextContent", r.Content[0])
	}
	return tc.Text
}

func decode[T any](t *testing.T, r *mcp.CallToolResult) T {
	t.Helper()
	if r.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, r))
	}
	var v T
	if err := json.Unmarshal([]byte(toolText(t, r)), &v); err != nil {
		t.Fatalf("unmarshal %s: %v", toolText(t, r), err)
	}
	return v
}

func toolError(t *testing.T, r *mcp.CallToolResult) ToolError {
	t.Helper()
	if !r.IsError {
		t.Fatalf("expected tool error, got %s", toolText(t, r))
	}
	var e ToolError
	if err := json.Unmarshal([]byte(toolText(t, r)), &e); err != nil {
		t.Fatalf("unmarshal tool error: %v", err)
	}
	return e
}

func TestTools_CreateJoinMove(t *testing.T) {
	env := newTestEnv(t)

	created := decode[rpc.CreateResult](t, call(t, env.alice.handleCreate, nil))
	if created.SessionID == "" {
		t.Fatal("empty session id")
	}

	open := decode[rpc.ListOpenResult](t, call(t, env.bob.handleListOpen, map[string]any{"limit": 10}))
	if len(open.Sessions) != 1 {
		t.Fatalf("open sessions = %d, want 1", len(open.Sessions))
	}

	if r := call(t, env.bob.handleJoin, map[string]any{"session_id": created.SessionID}); r.IsError {
		t.Fatalf("join: %s", toolText(t, r))
	}

	moved := decode[rpc.MoveResult](t, call(t, env.alice.handleMove, map[string]any{"session_id": created.SessionID, "move": "Nf3"}))
	if !moved.Applied || moved.Session.LastMove == nil || moved.Session.LastMove.UCI != "g1f3" {
		t.Fatalf("move result = %+v", moved)
	}

	rejected := decode[rpc.MoveResult](t, call(t, env.alice.handleMove, map[string]any{"session_id": created.SessionID, "move": "e2e4"}))
	if rejected.Applied || rejected.Reason != session.ReasonTurnMismatch {
		t.Errorf("out of turn result = %+v", rejected)
	}

	legal := decode[rpc.LegalMovesResult](t, call(t, env.bob.handleLegalMoves, map[string]any{"session_id": created.SessionID}))
	if len(legal.Moves) != 20 {
		t.Errorf("legal moves = %d, want 20", len(legal.Moves))
	}

	doc := decode[game.Session](t, call(t, env.bob.handleAbandon, map[string]any{"session_id": created.SessionID}))
	if doc.Status != game.StatusAbandoned {
		t.Errorf("status = %s, want abandoned", doc.Status)
	}
}

func TestTools_Errors(t *testing.T) {
	env := newTestEnv(t)
	created := decode[rpc.CreateResult](t, call(t, env.alice.handleCreate, nil))

	tests := []struct {
		name string
		h    toolHandler
		args map[string]any
		want ErrorCode
	}{
		{"get missing", env.alice.handleGet, map[string]any{"session_id": "missing"}, ErrNotFound},
		{"get without id", env.alice.handleGet, nil, ErrValidation},
		{"self join", env.alice.handleJoin, map[string]any{"session_id": created.SessionID}, ErrSelfJoin},
		{"abandon pending", env.alice.handleAbandon, map[string]any{"session_id": created.SessionID}, ErrNotActive},
		{"abandon by stranger", env.bob.handleAbandon, map[string]any{"session_id": created.SessionID}, ErrNotParticipant},
		{"unknown difficulty", env.alice.handleCreateAutomated, map[string]any{"difficulty": "grandmaster"}, ErrValidation},
		{"move without move", env.alice.handleMove, map[string]any{"session_id": created.SessionID}, ErrValidation},
		{"move on missing session", env.alice.handleMove, map[string]any{"session_id": "missing", "move": "e2e4"}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toolError(t, call(t, tt.h, tt.args)); got.Code != tt.want {
				t.Errorf("code = %s, want %s (%s)", got.Code, tt.want, got.Message)
			}
		})
	}
}

func TestTools_CreateAutomated(t *testing.T) {
	env := newTestEnv(t)

	created := decode[rpc.CreateResult](t, call(t, env.alice.handleCreateAutomated, map[string]any{"difficulty": "hard"}))
	doc := decode[game.Session](t, call(t, env.alice.handleGet, map[string]any{"session_id": created.SessionID}))

	if doc.Status != game.StatusActive || !doc.Automated {
		t.Errorf("doc = status %s automated %v", doc.Status, doc.Automated)
	}
	if doc.Black == nil || doc.Black.PlayerID != game.AutomatedPlayerID {
		t.Errorf("black = %+v", doc.Black)
	}
}

func TestGameError_Unknown(t *testing.T) {
	r := GameError("s1", context.DeadlineExceeded)
	var e ToolError
	if err := json.Unmarshal([]byte(toolText(t, r)), &e); err != nil {
		t.Fatal(err)
	}
	if e.Code != ErrInternal {
		t.Errorf("code = %s, want internal", e.Code)
	}
}
