// Package opponent plays the automated side of an automated session.
//
// An Opponent watches one session. Whenever the session is active and the
// automated color is on move, it asks a Suggester for a move and submits it
// through the same path a human move takes. Bad suggestions are dropped: the
// session stays active and the position is unchanged.
package opponent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gambit/server/game"
	"github.com/gambit/server/logger"
	"github.com/gambit/server/metrics"
	"github.com/gambit/server/session"
	"github.com/gambit/server/suggest"
	"github.com/gambit/server/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DefaultTimeout = 10 * time.Second

// Mover submits moves on behalf of a player. *session.Session implements it.
type Mover interface {
	SubmitMove(ctx context.Context, playerID, move string) (session.Result, error)
}

type Options struct {
	Timeout time.Duration
	Metrics *metrics.Metrics
}

type Opponent struct {
	id        string
	mover     Mover
	suggester suggest.Suggester
	timeout   time.Duration
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processingMu  sync.Mutex
	processing    bool  // at most one suggestion in flight
	lastAttempted int64 // version of the last snapshot a move was requested for
	queued        *game.Session
	stopped       bool
}

func New(id string, mover Mover, sg suggest.Suggester, opts Options) *Opponent {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Opponent{
		id:        id,
		mover:     mover,
		suggester: sg,
		timeout:   timeout,
		metrics:   opts.Metrics,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnSnapshot implements livesync.Observer.
func (o *Opponent) OnSnapshot(s game.Session) {
	o.consider(s)
}

// OnMoveApplied implements session.MoveListener.
func (o *Opponent) OnMoveApplied(e session.MoveApplied) {
	o.consider(e.Session)
}

func (o *Opponent) consider(s game.Session) {
	if s.ID != o.id || !s.AwaitsAutomatedMove() {
		return
	}

	o.processingMu.Lock()
	defer o.processingMu.Unlock()
	if o.stopped || s.Version <= o.lastAttempted {
		return
	}
	if o.processing {
		// Picked up when the in-flight request finishes.
		if o.queued == nil || s.Version > o.queued.Version {
			c := s.Clone()
			o.queued = &c
		}
		return
	}
	o.start(s)
}

// start must be called with processingMu held.
func (o *Opponent) start(s game.Session) {
	o.processing = true
	o.lastAttempted = s.Version
	o.wg.Add(1)
	go o.run(s)
}

func (o *Opponent) run(s game.Session) {
	defer o.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "automated opponent crashed", "sessionId", o.id)
		}
		o.finish()
	}()
	o.play(s)
}

func (o *Opponent) finish() {
	o.processingMu.Lock()
	defer o.processingMu.Unlock()
	o.processing = false
	next := o.queued
	o.queued = nil
	if next != nil && !o.stopped && next.Version > o.lastAttempted {
		o.start(*next)
	}
}

func (o *Opponent) play(s game.Session) {
	ctx, cancel := context.WithTimeout(o.ctx, o.timeout)
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "opponent.play")
	span.SetAttributes(
		attribute.String("session.id", o.id),
		attribute.Int64("session.version", s.Version),
		attribute.String("difficulty", string(s.Difficulty)),
	)
	defer span.End()

	mv, err := o.suggester.Suggest(ctx, s.Position, s.Difficulty)
	if err != nil {
		o.metrics.AutomatedMove("suggest_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("automated opponent could not get a move",
			"sessionId", o.id,
			"version", s.Version,
			"error", err)
		return
	}

	res, err := o.mover.SubmitMove(ctx, game.AutomatedPlayerID, mv)
	if err != nil {
		o.metrics.AutomatedMove("submit_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("automated move failed", "sessionId", o.id, "move", mv, "error", err)
		return
	}
	if !res.Applied {
		o.metrics.AutomatedMove("rejected")
		span.SetAttributes(attribute.String("move.reason", string(res.Reason)))
		slog.Warn("automated move rejected",
			"sessionId", o.id,
			"version", s.Version,
			"move", logger.Truncate(mv, 16),
			"reason", res.Reason,
			"detail", res.Detail)
		return
	}
	o.metrics.AutomatedMove("applied")
	slog.Debug("automated move applied", "sessionId", o.id, "move", mv, "version", res.Session.Version)
}

// Stop cancels any in-flight request and waits for it to return. Later
// snapshots are ignored. Stop is safe on a nil Opponent.
func (o *Opponent) Stop() {
	if o == nil {
		return
	}
	o.processingMu.Lock()
	o.stopped = true
	o.queued = nil
	o.processingMu.Unlock()

	o.cancel()
	o.wg.Wait()
}
