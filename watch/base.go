// Package watch fans table events out to connected clients.
package watch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Watcher is the unsubscribe side shared by every watcher, so connections
// can release subscriptions without knowing their kind.
type Watcher interface {
	Unsubscribe(id string)
}

type Subscription struct {
	ID       string
	ConnID   string
	Notifier Notifier
}

// BaseWatcher provides subscription bookkeeping for watcher types.
type BaseWatcher struct {
	idPrefix string

	subMu         sync.RWMutex
	subscriptions map[string]*Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

func NewBaseWatcher(idPrefix string) *BaseWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &BaseWatcher{
		idPrefix:      idPrefix,
		subscriptions: make(map[string]*Subscription),
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (b *BaseWatcher) GenerateID() string {
	return b.idPrefix + "_" + uuid.Must(uuid.NewV7()).String()
}

func (b *BaseWatcher) AddSubscription(sub *Subscription) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscriptions[sub.ID] = sub
}

func (b *BaseWatcher) RemoveSubscription(id string) *Subscription {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	sub, ok := b.subscriptions[id]
	if !ok {
		return nil
	}
	delete(b.subscriptions, id)
	return sub
}

func (b *BaseWatcher) GetSubscription(id string) *Subscription {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return b.subscriptions[id]
}

func (b *BaseWatcher) GetSubscriptionsByConnID(connID string) []*Subscription {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	var subs []*Subscription
	for _, sub := range b.subscriptions {
		if sub.ConnID == connID {
			subs = append(subs, sub)
		}
	}
	return subs
}

func (b *BaseWatcher) HasSubscriptions() bool {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return len(b.subscriptions) > 0
}

// Notify sends one notification to the subscription with the given id.
// It reports whether the subscription still exists.
func (b *BaseWatcher) Notify(id, method string, params any) bool {
	sub := b.GetSubscription(id)
	if sub == nil {
		return false
	}
	if err := sub.Notifier.Notify(b.ctx, Notification{Method: method, Params: params}); err != nil {
		slog.Debug("failed to notify subscriber", "id", sub.ID, "method", method, "error", err)
	}
	return true
}

func (b *BaseWatcher) Context() context.Context { return b.ctx }
func (b *BaseWatcher) Cancel()                  { b.cancel() }
