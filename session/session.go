// Package session implements the turn state machine for one game session.
//
// A Session holds the latest snapshot it has seen and applies moves through
// conditional writes against the shared store. Every participant process
// runs its own Session for the same id; they agree only through the store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gambit/server/game"
	"github.com/gambit/server/metrics"
	"github.com/gambit/server/rules"
	"github.com/gambit/server/store"
	"github.com/gambit/server/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultMaxRetries bounds how often a move is re-planned after losing a
// write race.
const DefaultMaxRetries = 3

// Reason explains why SubmitMove made no write.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonNotActive      Reason = "not_active"
	ReasonNotParticipant Reason = "not_participant"
	ReasonTurnMismatch   Reason = "turn_mismatch"
	ReasonIllegalMove    Reason = "illegal_move"
	ReasonConflict       Reason = "conflict"
)

// Result is the observable outcome of a move submission.
type Result struct {
	Applied bool
	Reason  Reason
	Detail  string
	// Session is the snapshot the decision was based on, or the written
	// snapshot when Applied.
	Session game.Session
	Move    *game.Move
}

// MoveApplied is delivered to listeners after a move is durably written.
type MoveApplied struct {
	Session  game.Session
	Move     game.Move
	PlayerID string
}

// MoveListener is notified after every move this Session writes.
// Implementations must not block.
type MoveListener interface {
	OnMoveApplied(event MoveApplied)
}

type Options struct {
	MaxRetries int
	Metrics    *metrics.Metrics
}

type Session struct {
	id         string
	store      store.Store
	rules      rules.Engine
	metrics    *metrics.Metrics
	maxRetries int

	viewMu  sync.RWMutex
	view    game.Session
	hasView bool

	listenersMu sync.RWMutex
	listeners   []MoveListener
}

func New(id string, st store.Store, re rules.Engine, opts Options) *Session {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Session{
		id:         id,
		store:      st,
		rules:      re,
		metrics:    opts.Metrics,
		maxRetries: maxRetries,
	}
}

func (s *Session) ID() string { return s.id }

// OnSnapshot replaces the local view wholesale when doc is newer.
func (s *Session) OnSnapshot(doc game.Session) {
	if doc.ID != s.id {
		return
	}
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if s.hasView && doc.Version <= s.view.Version {
		return
	}
	s.view = doc.Clone()
	s.hasView = true
}

// View returns the latest snapshot seen, if any.
func (s *Session) View() (game.Session, bool) {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view.Clone(), s.hasView
}

func (s *Session) AddMoveListener(l MoveListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// SubmitMove validates and applies move on behalf of playerID. move is UCI
// ("e2e4", "e7e8q") or SAN ("Nf3").
//
// Rejections are reported in Result with a nil error; only store and
// context failures are returned as errors.
func (s *Session) SubmitMove(ctx context.Context, playerID, move string) (res Result, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "session.SubmitMove")
	span.SetAttributes(
		attribute.String("session.id", s.id),
		attribute.String("player.id", playerID),
		attribute.String("move", move),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("move.applied", res.Applied), attribute.String("move.reason", string(res.Reason)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	for attempt := 0; ; attempt++ {
		observed, err := s.load(ctx)
		if err != nil {
			return Result{}, err
		}

		p, rejected, err := s.plan(observed, playerID, move)
		if err != nil {
			return Result{}, err
		}
		if rejected != nil {
			s.metrics.MoveRejected(string(rejected.Reason))
			slog.Debug("move rejected",
				"sessionId", s.id,
				"playerId", playerID,
				"move", move,
				"reason", rejected.Reason)
			return *rejected, nil
		}

		next, err := s.store.ConditionalUpdate(ctx, s.id, p.pre, p.patch)
		switch {
		case err == nil:
			s.OnSnapshot(next)
			s.applied(next, p.move, playerID)
			mv := p.move
			return Result{Applied: true, Session: next, Move: &mv}, nil
		case errors.Is(err, store.ErrConflict):
			s.metrics.StoreConflict("move")
			if attempt >= s.maxRetries {
				s.metrics.MoveRejected(string(ReasonConflict))
				slog.Warn("move abandoned after repeated conflicts",
					"sessionId", s.id,
					"playerId", playerID,
					"attempts", attempt+1)
				return Result{Reason: ReasonConflict, Session: observed}, nil
			}
			slog.Debug("move conflicted, re-planning", "sessionId", s.id, "attempt", attempt+1)
		case errors.Is(err, store.ErrNotFound):
			return Result{}, game.ErrSessionNotFound
		default:
			return Result{}, fmt.Errorf("write move: %w", err)
		}
	}
}

// load reads the authoritative snapshot so decisions never rest on a view
// that a subscription has not refreshed yet.
func (s *Session) load(ctx context.Context) (game.Session, error) {
	doc, found, err := s.store.Get(ctx, s.id)
	if err != nil {
		return game.Session{}, fmt.Errorf("read session: %w", err)
	}
	if !found {
		return game.Session{}, game.ErrSessionNotFound
	}
	s.OnSnapshot(doc)
	return doc, nil
}

type plannedMove struct {
	pre   store.Precondition
	patch store.Patch
	move  game.Move
}

// plan decides the write for move against observed, or the reason there
// is none.
func (s *Session) plan(observed game.Session, playerID, move string) (plannedMove, *Result, error) {
	reject := func(r Reason, detail string) (plannedMove, *Result, error) {
		return plannedMove{}, &Result{Reason: r, Detail: detail, Session: observed}, nil
	}

	if observed.Status != game.StatusActive {
		return reject(ReasonNotActive, fmt.Sprintf("session is %s", observed.Status))
	}
	color, ok := observed.ColorOf(playerID)
	if !ok {
		return reject(ReasonNotParticipant, "player is not seated in this session")
	}
	if color != observed.SideToMove {
		return reject(ReasonTurnMismatch, fmt.Sprintf("%s to move", observed.SideToMove))
	}

	applied, err := s.rules.Apply(observed.Position, move)
	if errors.Is(err, rules.ErrIllegalMove) {
		return reject(ReasonIllegalMove, err.Error())
	}
	if err != nil {
		return plannedMove{}, nil, fmt.Errorf("apply move: %w", err)
	}
	if applied.Move.By != color || applied.SideToMove != color.Opposite() {
		return plannedMove{}, nil, fmt.Errorf("%w: position %q disagrees with side to move %s",
			game.ErrInvalidSession, observed.Position, color)
	}

	pos := applied.Position
	side := applied.SideToMove
	mv := applied.Move
	patch := store.Patch{
		Position:   &pos,
		SideToMove: &side,
		LastMove:   &mv,
	}
	if applied.Terminal.IsTerminal() {
		completed := game.StatusCompleted
		winner := game.WinnerDraw
		if applied.Terminal.Kind == rules.Checkmate {
			winner = game.WinnerFor(color)
		}
		patch.Status = &completed
		patch.Winner = &winner
	}

	return plannedMove{
		pre:   store.Precondition{Status: game.StatusActive, Version: observed.Version},
		patch: patch,
		move:  mv,
	}, nil, nil
}

func (s *Session) applied(next game.Session, mv game.Move, playerID string) {
	by := "human"
	if playerID == game.AutomatedPlayerID {
		by = "automated"
	}
	s.metrics.MoveApplied(by)

	attrs := []any{
		"sessionId", s.id,
		"playerId", playerID,
		"move", mv.SAN,
		"version", next.Version,
	}
	if next.Status == game.StatusCompleted {
		attrs = append(attrs, "winner", next.Winner)
		slog.Info("move applied, game over", attrs...)
	} else {
		slog.Info("move applied", attrs...)
	}

	s.listenersMu.RLock()
	listeners := make([]MoveListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	event := MoveApplied{Session: next.Clone(), Move: mv, PlayerID: playerID}
	for _, l := range listeners {
		l.OnMoveApplied(event)
	}
}
