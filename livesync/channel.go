// Package livesync binds one live store subscription to the local consumers
// of a session: the turn state machine, the automated opponent and any
// client watchers.
package livesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gambit/server/game"
	"github.com/gambit/server/store"
)

// Observer receives every accepted snapshot. OnSnapshot is called from the
// channel's delivery goroutine, one snapshot at a time, in version order.
type Observer interface {
	OnSnapshot(s game.Session)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(game.Session)

func (f ObserverFunc) OnSnapshot(s game.Session) { f(s) }

type observerEntry struct {
	key uint64
	o   Observer
}

// Channel owns exactly one store subscription for a session id.
type Channel struct {
	id string

	// deliverMu orders fan-out with the catch-up delivery in AddObserver
	// so no observer sees an older snapshot after a newer one.
	deliverMu sync.Mutex

	mu        sync.RWMutex
	latest    game.Session
	hasLatest bool
	observers []observerEntry
	nextKey   uint64
	closed    bool

	sub *store.Subscription
}

// Open subscribes to id and starts fanning snapshots out to observers. The
// first delivery is the current document.
func Open(ctx context.Context, st store.Store, id string, observers ...Observer) (*Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &Channel{id: id}
	for _, o := range observers {
		c.nextKey++
		c.observers = append(c.observers, observerEntry{key: c.nextKey, o: o})
	}
	sub, err := st.Subscribe(id, c.deliver)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", id, err)
	}

	c.mu.Lock()
	closed := c.closed
	c.sub = sub
	c.mu.Unlock()
	if closed {
		sub.Cancel()
	}
	return c, nil
}

func (c *Channel) ID() string { return c.id }

func (c *Channel) deliver(s game.Session) {
	if err := s.Validate(); err != nil {
		slog.Warn("dropping invalid snapshot", "sessionId", c.id, "version", s.Version, "error", err)
		return
	}
	if s.ID != c.id {
		slog.Warn("dropping snapshot for another session", "sessionId", c.id, "got", s.ID)
		return
	}

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.closed || (c.hasLatest && s.Version <= c.latest.Version) {
		c.mu.Unlock()
		return
	}
	c.latest = s.Clone()
	c.hasLatest = true
	observers := make([]observerEntry, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, e := range observers {
		e.o.OnSnapshot(s.Clone())
	}
}

// Latest returns the most recent accepted snapshot.
func (c *Channel) Latest() (game.Session, bool) {
	if c == nil {
		return game.Session{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest.Clone(), c.hasLatest
}

// AddObserver registers o and, if a snapshot has already arrived, hands it
// the latest one so late observers start from current state. The returned
// function removes o; calling it more than once is a no-op.
func (c *Channel) AddObserver(o Observer) (remove func()) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.nextKey++
	key := c.nextKey
	c.observers = append(c.observers, observerEntry{key: key, o: o})
	latest, has := c.latest.Clone(), c.hasLatest
	c.mu.Unlock()

	if has {
		o.OnSnapshot(latest)
	}
	return func() { c.removeObserver(key) }
}

func (c *Channel) removeObserver(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.observers {
		if e.key == key {
			c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
			return
		}
	}
}

// Close releases the store subscription. It is idempotent and safe on a nil
// Channel.
func (c *Channel) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	c.observers = nil
	c.mu.Unlock()

	sub.Cancel()
}
