package opponent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gambit/server/game"
	"github.com/gambit/server/registry"
	"github.com/gambit/server/rules"
	"github.com/gambit/server/session"
	"github.com/gambit/server/store"
	"github.com/gambit/server/store/storetest"
)

// fixedSuggester always proposes the same move.
type fixedSuggester struct {
	move  string
	err   error
	calls atomic.Int32
}

func (f *fixedSuggester) Suggest(ctx context.Context, position string, d game.Difficulty) (string, error) {
	f.calls.Add(1)
	return f.move, f.err
}

// blockingSuggester holds every call until release is closed or the
// context ends.
type blockingSuggester struct {
	release  chan struct{}
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	ctxErrs  atomic.Int32
}

func (b *blockingSuggester) Suggest(ctx context.Context, position string, d game.Difficulty) (string, error) {
	b.calls.Add(1)
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		m := b.maxSeen.Load()
		if n <= m || b.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	select {
	case <-b.release:
		return "e7e5", nil
	case <-ctx.Done():
		b.ctxErrs.Add(1)
		return "", ctx.Err()
	}
}

type recordingMover struct {
	mu    sync.Mutex
	moves []string
}

func (m *recordingMover) SubmitMove(ctx context.Context, playerID, move string) (session.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moves = append(m.moves, playerID+":"+move)
	return session.Result{Applied: true}, nil
}

func (m *recordingMover) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.moves)
}

func awaiting(version int64) game.Session {
	black := game.AutomatedPlayer(game.DifficultyEasy)
	return game.Session{
		ID:         "s1",
		White:      &game.Player{PlayerID: "alice"},
		Black:      &black,
		Position:   storetest.AfterE4,
		SideToMove: game.Black,
		Status:     game.StatusActive,
		Automated:  true,
		Difficulty: game.DifficultyEasy,
		Version:    version,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type table struct {
	store   *store.MemoryStore
	session *session.Session
	id      string
}

func newAutomatedTable(t *testing.T, sg *fixedSuggester) (*table, *Opponent) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	re := rules.New()

	id, err := registry.New(st, re, registry.Options{}).CreateAutomatedSession(context.Background(), game.Player{PlayerID: "alice"}, game.DifficultyEasy)
	if err != nil {
		t.Fatalf("CreateAutomatedSession: %v", err)
	}
	sess := session.New(id, st, re, session.Options{})
	op := New(id, sess, sg, Options{Timeout: time.Second})
	t.Cleanup(op.Stop)
	sess.AddMoveListener(op)
	return &table{store: st, session: sess, id: id}, op
}

func (tb *table) get(t *testing.T) game.Session {
	t.Helper()
	s, _, err := tb.store.Get(context.Background(), tb.id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return s
}

func TestOpponent_RepliesToHumanMove(t *testing.T) {
	sg := &fixedSuggester{move: "e7e5"}
	tb, _ := newAutomatedTable(t, sg)

	res, err := tb.session.SubmitMove(context.Background(), "alice", "e2e4")
	if err != nil || !res.Applied {
		t.Fatalf("human move: %+v, %v", res, err)
	}

	waitFor(t, "automated reply", func() bool { return tb.get(t).Version == 3 })
	s := tb.get(t)
	if s.SideToMove != game.White || s.LastMove == nil || s.LastMove.UCI != "e7e5" || s.LastMove.By != game.Black {
		t.Errorf("after reply: side %s last move %+v", s.SideToMove, s.LastMove)
	}
	if sg.calls.Load() != 1 {
		t.Errorf("suggester calls = %d, want 1", sg.calls.Load())
	}
}

func TestOpponent_IllegalSuggestionLeavesSessionActive(t *testing.T) {
	sg := &fixedSuggester{move: "e2e4"} // a white move, illegal for black
	tb, op := newAutomatedTable(t, sg)

	if res, err := tb.session.SubmitMove(context.Background(), "alice", "e2e4"); err != nil || !res.Applied {
		t.Fatalf("human move: %+v, %v", res, err)
	}
	waitFor(t, "suggestion", func() bool { return sg.calls.Load() == 1 })
	before := tb.get(t)

	// The same version is never attempted twice.
	op.OnSnapshot(before)
	time.Sleep(50 * time.Millisecond)

	after := tb.get(t)
	if after.Status != game.StatusActive {
		t.Errorf("Status = %s, want active", after.Status)
	}
	if after.Version != before.Version || after.Position != storetest.AfterE4 || after.SideToMove != game.Black {
		t.Errorf("session changed: version %d position %q side %s", after.Version, after.Position, after.SideToMove)
	}
	if sg.calls.Load() != 1 {
		t.Errorf("suggester calls = %d, want 1 (no retry loop)", sg.calls.Load())
	}
}

func TestOpponent_SuggesterFailureIsDropped(t *testing.T) {
	sg := &fixedSuggester{err: errors.New("engine unavailable")}
	tb, _ := newAutomatedTable(t, sg)

	if res, err := tb.session.SubmitMove(context.Background(), "alice", "d2d4"); err != nil || !res.Applied {
		t.Fatalf("human move: %+v, %v", res, err)
	}
	waitFor(t, "suggestion", func() bool { return sg.calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)

	s := tb.get(t)
	if s.Status != game.StatusActive || s.SideToMove != game.Black || s.Version != 2 {
		t.Errorf("session = status %s side %s version %d", s.Status, s.SideToMove, s.Version)
	}
}

func TestOpponent_SingleFlight(t *testing.T) {
	sg := &blockingSuggester{release: make(chan struct{})}
	mover := &recordingMover{}
	op := New("s1", mover, sg, Options{Timeout: 5 * time.Second})
	defer op.Stop()

	op.OnSnapshot(awaiting(2))
	op.OnSnapshot(awaiting(2))
	op.OnMoveApplied(session.MoveApplied{Session: awaiting(4)})
	op.OnSnapshot(awaiting(3))

	waitFor(t, "first request", func() bool { return sg.calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if sg.calls.Load() != 1 {
		t.Fatalf("calls while in flight = %d, want 1", sg.calls.Load())
	}

	close(sg.release)
	waitFor(t, "queued request", func() bool { return mover.count() == 2 })
	time.Sleep(20 * time.Millisecond)

	if sg.calls.Load() != 2 {
		t.Errorf("suggester calls = %d, want 2 (v2 then newest queued v4)", sg.calls.Load())
	}
	if sg.maxSeen.Load() != 1 {
		t.Errorf("max concurrent requests = %d, want 1", sg.maxSeen.Load())
	}
	if mover.moves[0] != game.AutomatedPlayerID+":e7e5" {
		t.Errorf("move = %q", mover.moves[0])
	}
}

func TestOpponent_IgnoresSnapshotsNotAwaitingIt(t *testing.T) {
	sg := &fixedSuggester{move: "e7e5"}
	op := New("s1", &recordingMover{}, sg, Options{})
	defer op.Stop()

	whiteToMove := awaiting(2)
	whiteToMove.SideToMove = game.White

	human := awaiting(3)
	human.Automated = false

	completed := awaiting(4)
	completed.Status = game.StatusCompleted

	other := awaiting(5)
	other.ID = "s2"

	for _, s := range []game.Session{whiteToMove, human, completed, other} {
		op.OnSnapshot(s)
	}
	time.Sleep(20 * time.Millisecond)
	if sg.calls.Load() != 0 {
		t.Errorf("suggester calls = %d, want 0", sg.calls.Load())
	}
}

func TestOpponent_StopCancelsInFlight(t *testing.T) {
	sg := &blockingSuggester{release: make(chan struct{})}
	mover := &recordingMover{}
	op := New("s1", mover, sg, Options{Timeout: time.Minute})

	op.OnSnapshot(awaiting(2))
	waitFor(t, "request", func() bool { return sg.calls.Load() == 1 })

	op.Stop()
	if sg.ctxErrs.Load() != 1 {
		t.Errorf("cancelled requests = %d, want 1", sg.ctxErrs.Load())
	}
	if mover.count() != 0 {
		t.Errorf("moves after stop = %d, want 0", mover.count())
	}

	op.OnSnapshot(awaiting(3))
	time.Sleep(20 * time.Millisecond)
	if sg.calls.Load() != 1 {
		t.Errorf("calls after stop = %d, want 1", sg.calls.Load())
	}
}
