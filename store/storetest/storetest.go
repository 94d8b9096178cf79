// Package storetest holds the behavior shared by every store backend and
// fixtures for tests that need session documents.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gambit/server/game"
	"github.com/gambit/server/store"
)

const (
	StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	AfterE4  = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1"
)

// missingID is a well-formed id no test ever creates.
const missingID = "0190c5c0-0000-7000-8000-000000000000"

func NewPending(whiteID string) game.Session {
	return game.Session{
		White:      &game.Player{PlayerID: whiteID, DisplayName: whiteID},
		Position:   StartFEN,
		SideToMove: game.White,
		Status:     game.StatusPending,
	}
}

func JoinPatch(blackID string) store.Patch {
	active := game.StatusActive
	now := time.Now()
	return store.Patch{
		Black:    &game.Player{PlayerID: blackID, DisplayName: blackID},
		Status:   &active,
		JoinedAt: &now,
	}
}

func JoinPrecondition() store.Precondition {
	return store.Precondition{Status: game.StatusPending, BlackUnset: true}
}

// MovePatch plays 1. e4.
func MovePatch() store.Patch {
	pos := AfterE4
	side := game.Black
	return store.Patch{
		Position:   &pos,
		SideToMove: &side,
		LastMove:   &game.Move{From: "e2", To: "e4", SAN: "e4", UCI: "e2e4", By: game.White},
	}
}

// Recorder collects subscription deliveries.
type Recorder struct {
	mu   sync.Mutex
	docs []game.Session
}

func (r *Recorder) Add(s game.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, s)
}

func (r *Recorder) Versions() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.docs))
	for i, d := range r.docs {
		out[i] = d.Version
	}
	return out
}

func (r *Recorder) Last() (game.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.docs) == 0 {
		return game.Session{}, false
	}
	return r.docs[len(r.docs)-1], true
}

// WaitForVersion blocks until a delivery of at least version v arrives.
func (r *Recorder) WaitForVersion(t *testing.T, v int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		vs := r.Versions()
		if len(vs) > 0 && vs[len(vs)-1] >= v {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("version %d not delivered; got %v", v, r.Versions())
}

// Run exercises the behavior every store backend must share. newStore must
// return an empty store that is closed when t ends.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("create assigns id and version", func(t *testing.T) {
		s := newStore(t)
		doc, err := s.Create(ctx, NewPending("alice"))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if doc.ID == "" || doc.Version != 1 || doc.CreatedAt.IsZero() {
			t.Errorf("Create returned %+v", doc)
		}
		got, found, err := s.Get(ctx, doc.ID)
		if err != nil || !found {
			t.Fatalf("Get: found=%v err=%v", found, err)
		}
		if got.White.PlayerID != "alice" || got.Status != game.StatusPending {
			t.Errorf("Get = %+v", got)
		}
	})

	t.Run("create rejects invalid document", func(t *testing.T) {
		s := newStore(t)
		bad := NewPending("alice")
		bad.Status = game.StatusActive
		if _, err := s.Create(ctx, bad); !errors.Is(err, game.ErrInvalidSession) {
			t.Errorf("error = %v, want ErrInvalidSession", err)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, found, err := s.Get(ctx, missingID)
		if err != nil || found {
			t.Errorf("Get missing = found %v, err %v", found, err)
		}
	})

	t.Run("conditional update", func(t *testing.T) {
		s := newStore(t)
		doc, _ := s.Create(ctx, NewPending("alice"))

		joined, err := s.ConditionalUpdate(ctx, doc.ID, JoinPrecondition(), JoinPatch("bob"))
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		if joined.Status != game.StatusActive || joined.Version != 2 {
			t.Errorf("joined = status %s version %d", joined.Status, joined.Version)
		}
		if joined.LastUpdated.Before(doc.LastUpdated) {
			t.Error("LastUpdated went backwards")
		}

		if _, err := s.ConditionalUpdate(ctx, doc.ID, JoinPrecondition(), JoinPatch("carol")); !errors.Is(err, store.ErrConflict) {
			t.Errorf("second join error = %v, want store.ErrConflict", err)
		}

		stale := store.Precondition{Status: game.StatusActive, Version: 1}
		if _, err := s.ConditionalUpdate(ctx, doc.ID, stale, MovePatch()); !errors.Is(err, store.ErrConflict) {
			t.Errorf("stale move error = %v, want store.ErrConflict", err)
		}

		fresh := store.Precondition{Status: game.StatusActive, Version: joined.Version}
		moved, err := s.ConditionalUpdate(ctx, doc.ID, fresh, MovePatch())
		if err != nil {
			t.Fatalf("move: %v", err)
		}
		if moved.SideToMove != game.Black || moved.Position != AfterE4 {
			t.Errorf("moved = %s / %s", moved.SideToMove, moved.Position)
		}
	})

	t.Run("conditional update missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.ConditionalUpdate(ctx, missingID, JoinPrecondition(), JoinPatch("bob"))
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("error = %v, want store.ErrNotFound", err)
		}
	})

	t.Run("invalid patch leaves document unchanged", func(t *testing.T) {
		s := newStore(t)
		doc, _ := s.Create(ctx, NewPending("alice"))
		if _, err := s.ConditionalUpdate(ctx, doc.ID, store.Precondition{}, MovePatch()); !errors.Is(err, game.ErrInvalidSession) {
			t.Fatalf("error = %v, want ErrInvalidSession", err)
		}
		got, _, _ := s.Get(ctx, doc.ID)
		if got.Version != 1 || got.Position != StartFEN {
			t.Errorf("document changed: %+v", got)
		}
	})

	t.Run("concurrent joins have one winner", func(t *testing.T) {
		s := newStore(t)
		doc, _ := s.Create(ctx, NewPending("alice"))

		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for _, id := range []string{"bob", "carol", "dave", "erin"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := s.ConditionalUpdate(ctx, doc.ID, JoinPrecondition(), JoinPatch(id))
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, store.ErrConflict):
					conflicts.Add(1)
				default:
					t.Errorf("join %s: %v", id, err)
				}
			}(id)
		}
		wg.Wait()
		if wins.Load() != 1 || conflicts.Load() != 3 {
			t.Errorf("wins = %d, conflicts = %d; want 1, 3", wins.Load(), conflicts.Load())
		}
	})

	t.Run("subscribe delivers current then updates", func(t *testing.T) {
		s := newStore(t)
		doc, _ := s.Create(ctx, NewPending("alice"))

		var rec Recorder
		sub, err := s.Subscribe(doc.ID, rec.Add)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer sub.Cancel()
		rec.WaitForVersion(t, 1)

		if _, err := s.ConditionalUpdate(ctx, doc.ID, JoinPrecondition(), JoinPatch("bob")); err != nil {
			t.Fatalf("join: %v", err)
		}
		rec.WaitForVersion(t, 2)

		vs := rec.Versions()
		for i := 1; i < len(vs); i++ {
			if vs[i] <= vs[i-1] {
				t.Errorf("versions out of order: %v", vs)
			}
		}
	})

	t.Run("subscribe missing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Subscribe(missingID, func(game.Session) {}); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("error = %v, want store.ErrNotFound", err)
		}
	})

	t.Run("query newest first", func(t *testing.T) {
		s := newStore(t)
		first, _ := s.Create(ctx, NewPending("alice"))
		time.Sleep(2 * time.Millisecond)
		second, _ := s.Create(ctx, NewPending("bob"))
		time.Sleep(2 * time.Millisecond)
		third, _ := s.Create(ctx, NewPending("carol"))
		if _, err := s.ConditionalUpdate(ctx, second.ID, JoinPrecondition(), JoinPatch("dave")); err != nil {
			t.Fatalf("join: %v", err)
		}

		open, err := s.Query(ctx, store.Query{Status: game.StatusPending})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(open) != 2 || open[0].ID != third.ID || open[1].ID != first.ID {
			t.Errorf("Query = %v", IDs(open))
		}

		limited, _ := s.Query(ctx, store.Query{Status: game.StatusPending, Limit: 1})
		if len(limited) != 1 || limited[0].ID != third.ID {
			t.Errorf("limited = %v", IDs(limited))
		}
	})
}

// IDs lists session ids in order.
func IDs(sessions []game.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}
