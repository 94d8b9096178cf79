// Package advisory produces commentary on applied moves. It only observes:
// nothing it does can delay, gate or change a session.
package advisory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gambit/server/logger"
	"github.com/gambit/server/metrics"
	"github.com/gambit/server/session"
	"github.com/gambit/server/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DefaultTimeout = 15 * time.Second

// FallbackText is reported when the commentator fails.
const FallbackText = "Commentary is unavailable for this move."

// Commentator returns free-form text about the move san that produced
// position.
type Commentator interface {
	Comment(ctx context.Context, position, san string) (string, error)
}

// Commentary is delivered once per applied move. Deliveries for different
// moves may arrive in any order.
type Commentary struct {
	SessionID string `json:"session_id"`
	Version   int64  `json:"version"`
	Move      string `json:"move"`
	Text      string `json:"text"`
	Fallback  bool   `json:"fallback"`
}

type Sink interface {
	OnCommentary(c Commentary)
}

type SinkFunc func(Commentary)

func (f SinkFunc) OnCommentary(c Commentary) { f(c) }

type Options struct {
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// Reporter implements session.MoveListener.
type Reporter struct {
	commentator Commentator
	sink        Sink
	timeout     time.Duration
	metrics     *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

func NewReporter(c Commentator, sink Sink, opts Options) *Reporter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		commentator: c,
		sink:        sink,
		timeout:     timeout,
		metrics:     opts.Metrics,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// OnMoveApplied starts a commentary request and returns immediately.
func (r *Reporter) OnMoveApplied(e session.MoveApplied) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				logger.LogPanic(rec, "advisory request crashed", "sessionId", e.Session.ID)
			}
		}()
		r.report(e)
	}()
}

func (r *Reporter) report(e session.MoveApplied) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	ctx, span := telemetry.Tracer().Start(ctx, "advisory.comment")
	span.SetAttributes(
		attribute.String("session.id", e.Session.ID),
		attribute.Int64("session.version", e.Session.Version),
		attribute.String("move", e.Move.SAN),
	)
	defer span.End()

	c := Commentary{
		SessionID: e.Session.ID,
		Version:   e.Session.Version,
		Move:      e.Move.SAN,
	}

	started := time.Now()
	text, err := r.commentator.Comment(ctx, e.Session.Position, e.Move.SAN)
	r.metrics.ObserveExternalCall("advisory", started)
	if err == nil && text == "" {
		err = errEmptyCommentary
	}
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		r.metrics.AdvisoryResult("fallback")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("advisory unavailable, using fallback",
			"sessionId", e.Session.ID,
			"version", e.Session.Version,
			"error", err)
		c.Text = FallbackText
		c.Fallback = true
	} else {
		r.metrics.AdvisoryResult("ok")
		c.Text = text
	}

	if r.sink != nil {
		r.sink.OnCommentary(c)
	}
}

// Stop cancels outstanding requests and waits for them to return.
func (r *Reporter) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
