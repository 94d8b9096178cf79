package watch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gambit/server/advisory"
	"github.com/gambit/server/game"
	"github.com/gambit/server/host"
	"github.com/gambit/server/livesync"
	"github.com/gambit/server/rpc"
)

var errSubscriptionClosed = errors.New("subscription closed")

const (
	MethodChanged    = "game.changed"
	MethodCommentary = "game.commentary"
)

// Tables opens live tables. *host.Manager implements it.
type Tables interface {
	Acquire(ctx context.Context, id string) (*host.Table, error)
	Release(id string)
}

// Sessions reads the stored document. *registry.Registry implements it.
type Sessions interface {
	Get(ctx context.Context, id string) (game.Session, error)
}

type gameSub struct {
	sessionID string
	remove    func()
	// floor is the version already returned to the client with the
	// subscribe result; only newer snapshots are notified.
	floor atomic.Int64
}

type gameEvent struct {
	subID      string
	session    *game.Session
	commentary *advisory.Commentary
}

// GameWatcher notifies subscribers of snapshot changes and commentary for
// the sessions they watch. Implements advisory.Sink.
type GameWatcher struct {
	*BaseWatcher
	tables   Tables
	sessions Sessions
	eventCh  chan gameEvent

	sessionMu    sync.RWMutex
	sessionToIDs map[string][]string // sessionID -> subscription IDs
	subs         map[string]*gameSub // subscription ID -> table binding
}

var (
	_ advisory.Sink = (*GameWatcher)(nil)
	_ Watcher       = (*GameWatcher)(nil)
)

func NewGameWatcher(tables Tables, sessions Sessions) *GameWatcher {
	return &GameWatcher{
		BaseWatcher:  NewBaseWatcher("game"),
		tables:       tables,
		sessions:     sessions,
		eventCh:      make(chan gameEvent, 256),
		sessionToIDs: make(map[string][]string),
		subs:         make(map[string]*gameSub),
	}
}

func (w *GameWatcher) Start() {
	go w.eventLoop()
	slog.Info("GameWatcher started")
}

// Stop ends delivery and releases every subscription.
func (w *GameWatcher) Stop() {
	w.Cancel()
	w.sessionMu.RLock()
	ids := make([]string, 0, len(w.subs))
	for id := range w.subs {
		ids = append(ids, id)
	}
	w.sessionMu.RUnlock()
	for _, id := range ids {
		w.Unsubscribe(id)
	}
	slog.Info("GameWatcher stopped")
}

// Subscribe binds notifier to sessionID and returns the subscription id
// with the current snapshot. Later snapshots arrive as game.changed.
func (w *GameWatcher) Subscribe(ctx context.Context, notifier Notifier, connID, sessionID string) (string, game.Session, error) {
	table, err := w.tables.Acquire(ctx, sessionID)
	if err != nil {
		return "", game.Session{}, err
	}

	id := w.GenerateID()
	sub := &gameSub{sessionID: sessionID}
	sub.floor.Store(math.MaxInt64)

	w.sessionMu.Lock()
	w.sessionToIDs[sessionID] = append(w.sessionToIDs[sessionID], id)
	w.subs[id] = sub
	w.sessionMu.Unlock()
	w.AddSubscription(&Subscription{ID: id, ConnID: connID, Notifier: notifier})

	remove := table.Watch(livesync.ObserverFunc(func(s game.Session) {
		if s.Version <= sub.floor.Load() {
			return
		}
		w.enqueue(gameEvent{subID: id, session: &s})
	}))
	w.sessionMu.Lock()
	_, live := w.subs[id]
	if live {
		sub.remove = remove
	}
	w.sessionMu.Unlock()
	if !live {
		// Unsubscribed concurrently, e.g. by a connection cleanup.
		remove()
		return "", game.Session{}, errSubscriptionClosed
	}

	current, ok := table.Latest()
	if !ok {
		current, err = w.sessions.Get(ctx, sessionID)
		if err != nil {
			w.Unsubscribe(id)
			return "", game.Session{}, err
		}
	}
	sub.floor.Store(current.Version)
	return id, current, nil
}

// OnCommentary implements advisory.Sink. It must not block.
func (w *GameWatcher) OnCommentary(c advisory.Commentary) {
	w.enqueue(gameEvent{commentary: &c})
}

func (w *GameWatcher) enqueue(e gameEvent) {
	if w.Context().Err() != nil {
		return
	}
	select {
	case w.eventCh <- e:
	default:
		slog.Warn("game event dropped (buffer full)", "subscriptionId", e.subID)
	}
}

func (w *GameWatcher) eventLoop() {
	for {
		select {
		case <-w.Context().Done():
			return
		case e := <-w.eventCh:
			w.dispatch(e)
		}
	}
}

func (w *GameWatcher) dispatch(e gameEvent) {
	if e.session != nil {
		w.Notify(e.subID, MethodChanged, rpc.ChangedParams{ID: e.subID, Session: *e.session})
		return
	}
	if e.commentary == nil {
		return
	}

	w.sessionMu.RLock()
	ids := make([]string, len(w.sessionToIDs[e.commentary.SessionID]))
	copy(ids, w.sessionToIDs[e.commentary.SessionID])
	w.sessionMu.RUnlock()

	for _, id := range ids {
		w.Notify(id, MethodCommentary, rpc.CommentaryParams{ID: id, Commentary: *e.commentary})
	}
}

// Unsubscribe removes a subscription and releases its table.
func (w *GameWatcher) Unsubscribe(id string) {
	w.sessionMu.Lock()
	sub, ok := w.subs[id]
	var remove func()
	if ok {
		delete(w.subs, id)
		w.removeSessionMapping(sub.sessionID, id)
		remove = sub.remove
	}
	w.sessionMu.Unlock()

	w.RemoveSubscription(id)
	if !ok {
		return
	}
	if remove != nil {
		remove()
	}
	w.tables.Release(sub.sessionID)
}

// CleanupConnection removes all subscriptions for a connection.
func (w *GameWatcher) CleanupConnection(connID string) {
	for _, sub := range w.GetSubscriptionsByConnID(connID) {
		w.Unsubscribe(sub.ID)
	}
}

// removeSessionMapping must be called with sessionMu held.
func (w *GameWatcher) removeSessionMapping(sessionID, id string) {
	ids := w.sessionToIDs[sessionID]
	for i, v := range ids {
		if v == id {
			w.sessionToIDs[sessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(w.sessionToIDs[sessionID]) == 0 {
		delete(w.sessionToIDs, sessionID)
	}
}
