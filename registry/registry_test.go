package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gambit/server/game"
	"github.com/gambit/server/rules"
	"github.com/gambit/server/store"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var (
	alice = game.Player{PlayerID: "alice", DisplayName: "Alice", Rating: 1500}
	bob   = game.Player{PlayerID: "bob", DisplayName: "Bob", Rating: 1400}
)

func newTestRegistry(t *testing.T) (*Registry, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return New(st, rules.New(), Options{}), st
}

func mustGet(t *testing.T, r *Registry, id string) game.Session {
	t.Helper()
	s, err := r.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return s
}

func TestCreateHumanSession(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.CreateHumanSession(context.Background(), alice)
	if err != nil {
		t.Fatalf("CreateHumanSession: %v", err)
	}

	s := mustGet(t, r, id)
	if s.Position != startFEN {
		t.Errorf("Position = %q, want start position", s.Position)
	}
	if s.Status != game.StatusPending {
		t.Errorf("Status = %q, want pending", s.Status)
	}
	if s.Black != nil {
		t.Errorf("Black = %+v, want absent", s.Black)
	}
	if s.SideToMove != game.White {
		t.Errorf("SideToMove = %q, want white", s.SideToMove)
	}
	if s.White.PlayerID != "alice" {
		t.Errorf("White = %+v", s.White)
	}
}

func TestCreateHumanSession_RequiresPlayerID(t *testing.T) {
	r, _ := newTestRegistry(t)
	for _, p := range []game.Player{{}, {PlayerID: game.AutomatedPlayerID}} {
		if _, err := r.CreateHumanSession(context.Background(), p); !errors.Is(err, game.ErrInvalidSession) {
			t.Errorf("CreateHumanSession(%q) error = %v, want ErrInvalidSession", p.PlayerID, err)
		}
	}
}

func TestCreateAutomatedSession(t *testing.T) {
	r, _ := newTestRegistry(t)

	id, err := r.CreateAutomatedSession(context.Background(), alice, game.DifficultyMedium)
	if err != nil {
		t.Fatalf("CreateAutomatedSession: %v", err)
	}

	s := mustGet(t, r, id)
	if s.Status != game.StatusActive || !s.Automated || s.Difficulty != game.DifficultyMedium {
		t.Errorf("session = status %s automated %v difficulty %s", s.Status, s.Automated, s.Difficulty)
	}
	if s.Black == nil || s.Black.PlayerID != game.AutomatedPlayerID {
		t.Errorf("Black = %+v, want automated player", s.Black)
	}
	if s.JoinedAt == nil {
		t.Error("JoinedAt not set")
	}

	if _, err := r.CreateAutomatedSession(context.Background(), alice, "grandmaster"); !errors.Is(err, game.ErrInvalidSession) {
		t.Errorf("invalid difficulty error = %v, want ErrInvalidSession", err)
	}
}

func TestJoinSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	id, _ := r.CreateHumanSession(ctx, alice)

	if err := r.JoinSession(ctx, id, bob); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	s := mustGet(t, r, id)
	if s.Status != game.StatusActive {
		t.Errorf("Status = %q, want active", s.Status)
	}
	if s.Black == nil || s.Black.PlayerID != "bob" {
		t.Errorf("Black = %+v, want bob", s.Black)
	}
	if s.JoinedAt == nil {
		t.Error("JoinedAt not set")
	}

	carol := game.Player{PlayerID: "carol"}
	if err := r.JoinSession(ctx, id, carol); !errors.Is(err, game.ErrSessionNotJoinable) {
		t.Errorf("join full session error = %v, want ErrSessionNotJoinable", err)
	}
}

func TestJoinSession_SelfJoinRejected(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	id, _ := r.CreateHumanSession(ctx, alice)

	if err := r.JoinSession(ctx, id, alice); !errors.Is(err, game.ErrSelfJoinRejected) {
		t.Fatalf("error = %v, want ErrSelfJoinRejected", err)
	}
	s := mustGet(t, r, id)
	if s.Status != game.StatusPending || s.Black != nil {
		t.Errorf("session changed: status %s black %+v", s.Status, s.Black)
	}
}

func TestJoinSession_NotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.JoinSession(context.Background(), "missing", bob); !errors.Is(err, game.ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestJoinSession_ConcurrentJoinersOneWins(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()
	id, _ := r.CreateHumanSession(ctx, alice)

	const joiners = 8
	errs := make([]error, joiners)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range joiners {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = r.JoinSession(ctx, id, game.Player{PlayerID: fmt.Sprintf("joiner-%d", i)})
		}(i)
	}
	close(start)
	wg.Wait()

	var wins int
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, game.ErrSessionNotJoinable):
		default:
			t.Errorf("joiner %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}

	s := mustGet(t, r, id)
	if s.Status != game.StatusActive || s.Black == nil {
		t.Errorf("session = status %s black %+v", s.Status, s.Black)
	}
	// Creation plus exactly one join.
	if s.Version != 2 {
		t.Errorf("Version = %d, want 2", s.Version)
	}
	active, _ := st.Query(ctx, store.Query{Status: game.StatusActive})
	if len(active) != 1 {
		t.Errorf("active sessions = %d, want 1", len(active))
	}
}

func TestListOpenSessions(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	var ids []string
	for i := range 3 {
		id, err := r.CreateHumanSession(ctx, game.Player{PlayerID: fmt.Sprintf("p%d", i)})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}
	if err := r.JoinSession(ctx, ids[1], bob); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := r.CreateAutomatedSession(ctx, alice, game.DifficultyEasy); err != nil {
		t.Fatalf("create automated: %v", err)
	}

	open, err := r.ListOpenSessions(ctx, 0)
	if err != nil {
		t.Fatalf("ListOpenSessions: %v", err)
	}
	if len(open) != 2 || open[0].ID != ids[2] || open[1].ID != ids[0] {
		t.Errorf("open = %d sessions, want [%s %s] newest first", len(open), ids[2], ids[0])
	}

	one, _ := r.ListOpenSessions(ctx, 1)
	if len(one) != 1 {
		t.Errorf("limit 1 returned %d", len(one))
	}
}

func TestListOpenSessions_EmptyIsNonNil(t *testing.T) {
	r, _ := newTestRegistry(t)
	open, err := r.ListOpenSessions(context.Background(), 5)
	if err != nil {
		t.Fatalf("ListOpenSessions: %v", err)
	}
	if open == nil {
		t.Error("expected empty slice, got nil")
	}
}

func TestAbandon(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	id, _ := r.CreateHumanSession(ctx, alice)

	if _, err := r.Abandon(ctx, id, "alice"); !errors.Is(err, game.ErrSessionNotActive) {
		t.Errorf("abandon pending error = %v, want ErrSessionNotActive", err)
	}
	_ = r.JoinSession(ctx, id, bob)

	if _, err := r.Abandon(ctx, id, "mallory"); !errors.Is(err, game.ErrNotParticipant) {
		t.Errorf("abandon by stranger error = %v, want ErrNotParticipant", err)
	}

	s, err := r.Abandon(ctx, id, "bob")
	if err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if s.Status != game.StatusAbandoned || s.Winner != "" {
		t.Errorf("session = status %s winner %q", s.Status, s.Winner)
	}

	if _, err := r.Abandon(ctx, id, "alice"); !errors.Is(err, game.ErrSessionNotActive) {
		t.Errorf("second abandon error = %v, want ErrSessionNotActive", err)
	}
}

func TestAbandonIfIdle(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	id, _ := r.CreateHumanSession(ctx, alice)
	_ = r.JoinSession(ctx, id, bob)

	ok, err := r.AbandonIfIdle(ctx, id, time.Now().Add(-time.Hour))
	if err != nil || ok {
		t.Fatalf("fresh session: abandoned=%v err=%v", ok, err)
	}

	ok, err = r.AbandonIfIdle(ctx, id, time.Now().Add(time.Hour))
	if err != nil || !ok {
		t.Fatalf("idle session: abandoned=%v err=%v", ok, err)
	}
	if s := mustGet(t, r, id); s.Status != game.StatusAbandoned {
		t.Errorf("Status = %q, want abandoned", s.Status)
	}
}
