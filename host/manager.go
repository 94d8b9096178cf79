// Package host keeps the live tables of this process: one sync channel,
// one turn state machine and, for automated sessions, one automated
// opponent per session id.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gambit/server/advisory"
	"github.com/gambit/server/game"
	"github.com/gambit/server/livesync"
	"github.com/gambit/server/logger"
	"github.com/gambit/server/metrics"
	"github.com/gambit/server/opponent"
	"github.com/gambit/server/registry"
	"github.com/gambit/server/rules"
	"github.com/gambit/server/session"
	"github.com/gambit/server/store"
	"github.com/gambit/server/suggest"
)

const DefaultIdleTimeout = 5 * time.Minute

type Options struct {
	Rules       rules.Engine
	Suggester   suggest.Suggester
	Commentator advisory.Commentator
	// Registry is required when AbandonAfter is set.
	Registry *registry.Registry
	Metrics  *metrics.Metrics

	MaxRetries      int
	SuggestTimeout  time.Duration
	AdvisoryTimeout time.Duration
	// IdleTimeout closes tables nobody has held or used for this long.
	IdleTimeout time.Duration
	// AbandonAfter abandons active sessions held here whose document has
	// not changed for this long. Zero disables it.
	AbandonAfter time.Duration
}

// Manager manages live tables.
type Manager struct {
	store     store.Store
	rules     rules.Engine
	suggester suggest.Suggester
	registry  *registry.Registry
	metrics   *metrics.Metrics
	reporter  *advisory.Reporter

	maxRetries     int
	suggestTimeout time.Duration
	idleTimeout    time.Duration
	abandonAfter   time.Duration

	tablesMu sync.Mutex
	tables   map[string]*Table

	listenerMu         sync.RWMutex
	commentaryListener advisory.Sink

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Table is one live session. Do not cache references past Release.
type Table struct {
	id       string
	channel  *livesync.Channel
	session  *session.Session
	opponent *opponent.Opponent

	mu         sync.Mutex
	refs       int
	lastActive time.Time
}

func NewManager(st store.Store, opts Options) *Manager {
	re := opts.Rules
	if re == nil {
		re = rules.New()
	}
	sg := opts.Suggester
	if sg == nil {
		sg = suggest.NewLocal(re)
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:          st,
		rules:          re,
		suggester:      sg,
		registry:       opts.Registry,
		metrics:        opts.Metrics,
		maxRetries:     opts.MaxRetries,
		suggestTimeout: opts.SuggestTimeout,
		idleTimeout:    idle,
		abandonAfter:   opts.AbandonAfter,
		tables:         make(map[string]*Table),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	commentator := opts.Commentator
	if commentator == nil {
		commentator = advisory.NewPlain(re)
	}
	m.reporter = advisory.NewReporter(commentator, m, advisory.Options{
		Timeout: opts.AdvisoryTimeout,
		Metrics: opts.Metrics,
	})
	if m.abandonAfter > 0 && m.registry == nil {
		slog.Warn("abandon timeout set without a registry, disabling")
		m.abandonAfter = 0
	}
	go m.runReaper()
	return m
}

// SetCommentaryListener sets the receiver of advisory commentary for every
// table.
func (m *Manager) SetCommentaryListener(l advisory.Sink) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.commentaryListener = l
}

// OnCommentary implements advisory.Sink.
func (m *Manager) OnCommentary(c advisory.Commentary) {
	m.listenerMu.RLock()
	l := m.commentaryListener
	m.listenerMu.RUnlock()
	if l != nil {
		l.OnCommentary(c)
	}
}

// Acquire returns the live table for id, opening it on first use. Every
// Acquire must be paired with a Release.
func (m *Manager) Acquire(ctx context.Context, id string) (*Table, error) {
	m.tablesMu.Lock()
	defer m.tablesMu.Unlock()

	if m.ctx.Err() != nil {
		return nil, fmt.Errorf("host is shut down")
	}
	if t, ok := m.tables[id]; ok {
		t.acquire()
		return t, nil
	}

	t, err := m.open(ctx, id)
	if err != nil {
		return nil, err
	}
	t.acquire()
	m.tables[id] = t
	m.metrics.SetLiveTables(len(m.tables))
	return t, nil
}

func (m *Manager) open(ctx context.Context, id string) (*Table, error) {
	doc, found, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if !found {
		return nil, game.ErrSessionNotFound
	}

	t := &Table{id: id, lastActive: time.Now()}
	t.session = session.New(id, m.store, m.rules, session.Options{
		MaxRetries: m.maxRetries,
		Metrics:    m.metrics,
	})
	t.session.AddMoveListener(m.reporter)
	observers := []livesync.Observer{t.session}

	if doc.Automated {
		t.opponent = opponent.New(id, t.session, m.suggester, opponent.Options{
			Timeout: m.suggestTimeout,
			Metrics: m.metrics,
		})
		t.session.AddMoveListener(t.opponent)
		observers = append(observers, t.opponent)
	}

	// The table outlives the request that opened it.
	t.channel, err = livesync.Open(m.ctx, m.store, id, observers...)
	if err != nil {
		t.opponent.Stop()
		return nil, err
	}
	slog.Info("table opened", "sessionId", id, "automated", doc.Automated)
	return t, nil
}

// Release drops one reference taken by Acquire. The table stays open until
// it has been idle for the idle timeout.
func (m *Manager) Release(id string) {
	m.tablesMu.Lock()
	defer m.tablesMu.Unlock()
	if t, ok := m.tables[id]; ok {
		t.release()
	}
}

// SubmitMove applies move on the table for id, opening it if needed.
func (m *Manager) SubmitMove(ctx context.Context, id, playerID, move string) (session.Result, error) {
	t, err := m.Acquire(ctx, id)
	if err != nil {
		return session.Result{}, err
	}
	defer m.Release(id)
	return t.session.SubmitMove(ctx, playerID, move)
}

// TableCount returns the number of open tables.
func (m *Manager) TableCount() int {
	m.tablesMu.Lock()
	defer m.tablesMu.Unlock()
	return len(m.tables)
}

// HasTable reports whether id is open in this process.
func (m *Manager) HasTable(id string) bool {
	m.tablesMu.Lock()
	defer m.tablesMu.Unlock()
	_, ok := m.tables[id]
	return ok
}

// removeWhere removes tables matching the predicate and returns them.
func (m *Manager) removeWhere(predicate func(*Table) bool) []*Table {
	m.tablesMu.Lock()
	defer m.tablesMu.Unlock()

	var removed []*Table
	for id, t := range m.tables {
		if predicate(t) {
			removed = append(removed, t)
			delete(m.tables, id)
		}
	}
	m.metrics.SetLiveTables(len(m.tables))
	return removed
}

// Shutdown closes every table and stops background work.
func (m *Manager) Shutdown() {
	m.cancel()
	<-m.done
	tables := m.removeWhere(func(*Table) bool { return true })
	for _, t := range tables {
		t.close()
	}
	m.reporter.Stop()
	slog.Info("host shutdown complete", "tablesClosed", len(tables))
}

func (m *Manager) runReaper() {
	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "table reaper crashed")
		}
	}()

	interval := m.idleTimeout / 4
	if m.abandonAfter > 0 && m.abandonAfter/4 < interval {
		interval = m.abandonAfter / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.abandonIdle()
			m.reapIdle()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) reapIdle() {
	now := time.Now()
	tables := m.removeWhere(func(t *Table) bool {
		return t.idleSince(now) > m.idleTimeout
	})
	for _, t := range tables {
		t.close()
		slog.Info("idle table closed", "sessionId", t.id)
	}
}

func (m *Manager) abandonIdle() {
	if m.abandonAfter <= 0 {
		return
	}
	m.tablesMu.Lock()
	var candidates []string
	for id, t := range m.tables {
		if s, ok := t.channel.Latest(); ok && s.Status == game.StatusActive {
			candidates = append(candidates, id)
		}
	}
	m.tablesMu.Unlock()

	cutoff := time.Now().Add(-m.abandonAfter)
	for _, id := range candidates {
		if _, err := m.registry.AbandonIfIdle(m.ctx, id, cutoff); err != nil {
			slog.Warn("failed to abandon idle session", "sessionId", id, "error", err)
		}
	}
}

func (t *Table) ID() string { return t.id }

func (t *Table) Session() *session.Session { return t.session }

// Latest returns the newest snapshot the table has seen.
func (t *Table) Latest() (game.Session, bool) { return t.channel.Latest() }

// Watch adds o to the table's channel. The latest snapshot, if any, is
// delivered immediately. The returned function removes o.
func (t *Table) Watch(o livesync.Observer) (remove func()) {
	return t.channel.AddObserver(o)
}

func (t *Table) acquire() {
	t.mu.Lock()
	t.refs++
	t.lastActive = time.Now()
	t.mu.Unlock()
}

func (t *Table) release() {
	t.mu.Lock()
	if t.refs > 0 {
		t.refs--
	}
	t.lastActive = time.Now()
	t.mu.Unlock()
}

// idleSince returns how long the table has been unheld, or zero while held.
func (t *Table) idleSince(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refs > 0 {
		return 0
	}
	return now.Sub(t.lastActive)
}

func (t *Table) close() {
	t.channel.Close()
	t.opponent.Stop()
}
