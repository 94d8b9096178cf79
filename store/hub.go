package store

import (
	"log/slog"
	"sync"

	"github.com/gambit/server/game"
)

// Subscription is a live feed of one document. Each subscription has its
// own delivery goroutine; a slow subscriber only coalesces its own backlog.
//
// Cancel is idempotent and safe on a nil Subscription.
type Subscription struct {
	docID string
	key   uint64
	fn    func(game.Session)

	mu        sync.Mutex
	pending   *game.Session
	delivered int64

	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	release func()
}

func (s *Subscription) DocumentID() string {
	if s == nil {
		return ""
	}
	return s.docID
}

func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		close(s.done)
		if s.release != nil {
			s.release()
		}
	})
}

// Offer queues doc for delivery if it is newer than anything already
// delivered or queued.
func (s *Subscription) Offer(doc game.Session) {
	s.mu.Lock()
	if doc.Version <= s.delivered || (s.pending != nil && doc.Version <= s.pending.Version) {
		s.mu.Unlock()
		return
	}
	c := doc.Clone()
	s.pending = &c
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		s.mu.Lock()
		doc := s.pending
		s.pending = nil
		if doc != nil {
			s.delivered = doc.Version
		}
		s.mu.Unlock()

		if doc == nil {
			continue
		}
		select {
		case <-s.done:
			return
		default:
		}
		s.deliver(*doc)
	}
}

func (s *Subscription) deliver(doc game.Session) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("subscriber panicked", "sessionId", s.docID, "version", doc.Version, "panic", r)
		}
	}()
	s.fn(doc)
}

// Hub fans document revisions out to subscriptions. Backends publish every
// revision they observe, in any order; subscriptions drop stale ones.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]*Subscription
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]*Subscription)}
}

// Subscribe registers fn for id. The caller seeds the subscription with the
// current document through Offer.
func (h *Hub) Subscribe(id string, fn func(game.Session)) *Subscription {
	sub := &Subscription{
		docID: id,
		fn:    fn,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	sub.release = func() { h.remove(sub) }

	h.mu.Lock()
	h.nextID++
	sub.key = h.nextID
	if h.subs[id] == nil {
		h.subs[id] = make(map[uint64]*Subscription)
	}
	h.subs[id][sub.key] = sub
	h.mu.Unlock()

	go sub.run()
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := h.subs[sub.docID]
	delete(m, sub.key)
	if len(m) == 0 {
		delete(h.subs, sub.docID)
	}
}

func (h *Hub) Publish(doc game.Session) {
	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.subs[doc.ID]))
	for _, sub := range h.subs[doc.ID] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.Offer(doc)
	}
}

// IDs returns the document ids that currently have subscribers.
func (h *Hub) IDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, 0, len(h.subs))
	for id := range h.subs {
		out = append(out, id)
	}
	return out
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Subscription
	for _, m := range h.subs {
		for _, sub := range m {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.Cancel()
	}
}
