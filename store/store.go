// Package store defines the shared session document store contract and its
// in-process and file-backed implementations.
//
// The store is the only coordination point between participants. Every
// mutation is a conditional write: the caller states what it observed
// (Precondition) and what it wants to change (Patch), and the store applies
// the patch atomically only if the precondition still holds.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gambit/server/game"
	"github.com/google/uuid"
)

var (
	ErrConflict = errors.New("precondition failed")
	ErrNotFound = errors.New("document not found")
)

// Store is implemented by every backend.
type Store interface {
	// Create assigns id, timestamps and version 1, validates and persists s.
	Create(ctx context.Context, s game.Session) (game.Session, error)
	Get(ctx context.Context, id string) (game.Session, bool, error)

	// ConditionalUpdate applies patch only if pre holds against the stored
	// document. Returns ErrConflict when it does not and ErrNotFound when
	// the document is missing.
	ConditionalUpdate(ctx context.Context, id string, pre Precondition, patch Patch) (game.Session, error)

	// Subscribe delivers the current document and then every later
	// revision, in version order. Intermediate revisions may be skipped.
	Subscribe(id string, fn func(game.Session)) (*Subscription, error)

	// Query lists documents newest first.
	Query(ctx context.Context, q Query) ([]game.Session, error)

	Close() error
}

// Precondition is evaluated against the stored document inside the write.
// Zero fields are not checked.
type Precondition struct {
	Status     game.Status
	BlackUnset bool
	Version    int64
}

func (p Precondition) Holds(s game.Session) bool {
	if p.Status != "" && s.Status != p.Status {
		return false
	}
	if p.BlackUnset && s.Black != nil {
		return false
	}
	if p.Version != 0 && s.Version != p.Version {
		return false
	}
	return true
}

// Patch lists the fields a write changes. Nil fields are left unchanged.
type Patch struct {
	Black      *game.Player
	Status     *game.Status
	Position   *string
	SideToMove *game.Color
	LastMove   *game.Move
	Winner     *game.Winner
	JoinedAt   *time.Time
}

// Apply returns prev with the patch applied, the version bumped and
// LastUpdated advanced. The result is checked against every document
// invariant and against prev.
func (p Patch) Apply(prev game.Session, now time.Time) (game.Session, error) {
	next := prev.Clone()
	if p.Black != nil {
		b := *p.Black
		next.Black = &b
	}
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.Position != nil {
		next.Position = *p.Position
	}
	if p.SideToMove != nil {
		next.SideToMove = *p.SideToMove
	}
	if p.LastMove != nil {
		m := *p.LastMove
		next.LastMove = &m
	}
	if p.Winner != nil {
		next.Winner = *p.Winner
	}
	if p.JoinedAt != nil {
		t := p.JoinedAt.UTC()
		next.JoinedAt = &t
	}

	now = now.UTC()
	if now.Before(prev.LastUpdated) {
		now = prev.LastUpdated
	}
	next.LastUpdated = now
	next.Version = prev.Version + 1

	if err := next.Validate(); err != nil {
		return game.Session{}, err
	}
	if err := game.ValidateTransition(prev, next); err != nil {
		return game.Session{}, err
	}
	return next, nil
}

// Query selects documents. An empty Status matches every document; a
// non-positive Limit means no limit.
type Query struct {
	Status game.Status
	Limit  int
}

func (q Query) Matches(s game.Session) bool {
	return q.Status == "" || s.Status == q.Status
}

// NewDocument prepares s for its first write.
func NewDocument(s game.Session, now time.Time) (game.Session, error) {
	doc := s.Clone()
	doc.ID = uuid.Must(uuid.NewV7()).String()
	now = now.UTC()
	doc.CreatedAt = now
	doc.LastUpdated = now
	doc.Version = 1
	if err := doc.Validate(); err != nil {
		return game.Session{}, fmt.Errorf("create: %w", err)
	}
	return doc, nil
}

// SortNewestFirst orders by creation time descending, breaking ties on id
// (UUIDv7 ids sort by creation time).
func SortNewestFirst(sessions []game.Session) {
	slices.SortFunc(sessions, func(a, b game.Session) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}

// Truncate cuts sessions to q.Limit when it is positive.
func (q Query) Truncate(sessions []game.Session) []game.Session {
	if q.Limit > 0 && len(sessions) > q.Limit {
		return sessions[:q.Limit]
	}
	return sessions
}
