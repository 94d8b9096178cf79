// Package registry creates sessions, lists open ones and runs the join
// handshake. The join is a single conditional write, so two players racing
// for the same open seat cannot both win it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gambit/server/game"
	"github.com/gambit/server/metrics"
	"github.com/gambit/server/rules"
	"github.com/gambit/server/store"
	"github.com/gambit/server/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

type Options struct {
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Registry struct {
	store   store.Store
	rules   rules.Engine
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(st store.Store, re rules.Engine, opts Options) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:   st,
		rules:   re,
		metrics: opts.Metrics,
		now:     now,
	}
}

// CreateHumanSession opens a pending session with creator as white.
func (r *Registry) CreateHumanSession(ctx context.Context, creator game.Player) (string, error) {
	if err := validatePlayer(creator); err != nil {
		return "", err
	}
	s, err := r.newSession(creator)
	if err != nil {
		return "", err
	}
	s.Status = game.StatusPending

	created, err := r.store.Create(ctx, s)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	slog.Info("session created", "sessionId", created.ID, "playerId", creator.PlayerID)
	return created.ID, nil
}

// CreateAutomatedSession starts an active session against the automated
// opponent, which always plays black.
func (r *Registry) CreateAutomatedSession(ctx context.Context, creator game.Player, difficulty game.Difficulty) (string, error) {
	if err := validatePlayer(creator); err != nil {
		return "", err
	}
	if !difficulty.IsValid() {
		return "", fmt.Errorf("%w: unknown difficulty %q", game.ErrInvalidSession, difficulty)
	}
	s, err := r.newSession(creator)
	if err != nil {
		return "", err
	}
	automated := game.AutomatedPlayer(difficulty)
	now := r.now().UTC()
	s.Black = &automated
	s.Status = game.StatusActive
	s.Automated = true
	s.Difficulty = difficulty
	s.JoinedAt = &now

	created, err := r.store.Create(ctx, s)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	slog.Info("automated session created",
		"sessionId", created.ID,
		"playerId", creator.PlayerID,
		"difficulty", difficulty)
	return created.ID, nil
}

func (r *Registry) newSession(white game.Player) (game.Session, error) {
	pos := r.rules.InitialPosition()
	side, err := r.rules.SideToMove(pos)
	if err != nil {
		return game.Session{}, fmt.Errorf("initial position: %w", err)
	}
	w := white
	return game.Session{
		White:      &w,
		Position:   pos,
		SideToMove: side,
	}, nil
}

// JoinSession seats joiner as black and activates the session in one
// conditional write.
func (r *Registry) JoinSession(ctx context.Context, id string, joiner game.Player) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "registry.JoinSession")
	span.SetAttributes(attribute.String("session.id", id), attribute.String("player.id", joiner.PlayerID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := validatePlayer(joiner); err != nil {
		return err
	}

	s, found, err := r.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if !found {
		r.metrics.Join("not_found")
		return game.ErrSessionNotFound
	}
	if s.White != nil && s.White.PlayerID == joiner.PlayerID {
		r.metrics.Join("self_join")
		return game.ErrSelfJoinRejected
	}
	if s.Status != game.StatusPending || s.Black != nil {
		r.metrics.Join("not_joinable")
		return game.ErrSessionNotJoinable
	}

	active := game.StatusActive
	now := r.now()
	j := joiner
	_, err = r.store.ConditionalUpdate(ctx, id,
		store.Precondition{Status: game.StatusPending, BlackUnset: true},
		store.Patch{Black: &j, Status: &active, JoinedAt: &now},
	)
	switch {
	case errors.Is(err, store.ErrConflict):
		r.metrics.StoreConflict("join")
		r.metrics.Join("not_joinable")
		slog.Info("join lost race", "sessionId", id, "playerId", joiner.PlayerID)
		return game.ErrSessionNotJoinable
	case errors.Is(err, store.ErrNotFound):
		r.metrics.Join("not_found")
		return game.ErrSessionNotFound
	case err != nil:
		return fmt.Errorf("join session: %w", err)
	}

	r.metrics.Join("ok")
	slog.Info("session joined", "sessionId", id, "playerId", joiner.PlayerID)
	return nil
}

// ListOpenSessions returns pending sessions, newest first. A non-positive
// limit selects DefaultListLimit; larger limits are capped at MaxListLimit.
func (r *Registry) ListOpenSessions(ctx context.Context, limit int) ([]game.Session, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	sessions, err := r.store.Query(ctx, store.Query{Status: game.StatusPending, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	if sessions == nil {
		sessions = []game.Session{}
	}
	return sessions, nil
}

func (r *Registry) Get(ctx context.Context, id string) (game.Session, error) {
	s, found, err := r.store.Get(ctx, id)
	if err != nil {
		return game.Session{}, fmt.Errorf("get session: %w", err)
	}
	if !found {
		return game.Session{}, game.ErrSessionNotFound
	}
	return s, nil
}

// Abandon ends an active session without a winner on behalf of one of its
// participants.
func (r *Registry) Abandon(ctx context.Context, id, playerID string) (game.Session, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return game.Session{}, err
	}
	if _, ok := s.ColorOf(playerID); !ok || playerID == game.AutomatedPlayerID {
		return game.Session{}, game.ErrNotParticipant
	}
	if s.Status != game.StatusActive {
		return game.Session{}, game.ErrSessionNotActive
	}

	updated, err := r.abandon(ctx, id, store.Precondition{Status: game.StatusActive})
	if err != nil {
		return game.Session{}, err
	}
	slog.Info("session abandoned", "sessionId", id, "playerId", playerID)
	return updated, nil
}

// AbandonIfIdle abandons an active session that has not been written since
// cutoff. It reports whether the session was abandoned.
func (r *Registry) AbandonIfIdle(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if s.Status != game.StatusActive || !s.LastUpdated.Before(cutoff) {
		return false, nil
	}

	_, err = r.abandon(ctx, id, store.Precondition{Status: game.StatusActive, Version: s.Version})
	if errors.Is(err, game.ErrSessionNotActive) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	slog.Info("idle session abandoned", "sessionId", id, "lastUpdated", s.LastUpdated)
	return true, nil
}

func (r *Registry) abandon(ctx context.Context, id string, pre store.Precondition) (game.Session, error) {
	abandoned := game.StatusAbandoned
	updated, err := r.store.ConditionalUpdate(ctx, id, pre, store.Patch{Status: &abandoned})
	switch {
	case errors.Is(err, store.ErrConflict):
		r.metrics.StoreConflict("abandon")
		return game.Session{}, game.ErrSessionNotActive
	case errors.Is(err, store.ErrNotFound):
		return game.Session{}, game.ErrSessionNotFound
	case err != nil:
		return game.Session{}, fmt.Errorf("abandon session: %w", err)
	}
	return updated, nil
}

func validatePlayer(p game.Player) error {
	if p.PlayerID == "" {
		return fmt.Errorf("%w: player id is required", game.ErrInvalidSession)
	}
	if p.PlayerID == game.AutomatedPlayerID {
		return fmt.Errorf("%w: player id %q is reserved", game.ErrInvalidSession, p.PlayerID)
	}
	return nil
}
