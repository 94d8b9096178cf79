package store

import (
	"context"
	"sync"
	"time"

	"github.com/gambit/server/game"
)

// MemoryStore keeps documents in process memory. Participants sharing it
// must live in the same process; it backs tests and single-host play.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]game.Session
	hub  *Hub
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]game.Session),
		hub:  NewHub(),
		now:  time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, s game.Session) (game.Session, error) {
	if err := ctx.Err(); err != nil {
		return game.Session{}, err
	}
	doc, err := NewDocument(s, m.now())
	if err != nil {
		return game.Session{}, err
	}

	m.mu.Lock()
	m.docs[doc.ID] = doc
	m.mu.Unlock()

	m.hub.Publish(doc)
	return doc.Clone(), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (game.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return game.Session{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[id]
	if !ok {
		return game.Session{}, false, nil
	}
	return doc.Clone(), true, nil
}

func (m *MemoryStore) ConditionalUpdate(ctx context.Context, id string, pre Precondition, patch Patch) (game.Session, error) {
	if err := ctx.Err(); err != nil {
		return game.Session{}, err
	}

	m.mu.Lock()
	prev, ok := m.docs[id]
	if !ok {
		m.mu.Unlock()
		return game.Session{}, ErrNotFound
	}
	if !pre.Holds(prev) {
		m.mu.Unlock()
		return game.Session{}, ErrConflict
	}
	next, err := patch.Apply(prev, m.now())
	if err != nil {
		m.mu.Unlock()
		return game.Session{}, err
	}
	m.docs[id] = next
	m.mu.Unlock()

	m.hub.Publish(next)
	return next.Clone(), nil
}

func (m *MemoryStore) Subscribe(id string, fn func(game.Session)) (*Subscription, error) {
	sub := m.hub.Subscribe(id, fn)

	m.mu.RLock()
	doc, ok := m.docs[id]
	m.mu.RUnlock()
	if !ok {
		sub.Cancel()
		return nil, ErrNotFound
	}
	sub.Offer(doc)
	return sub, nil
}

func (m *MemoryStore) Query(ctx context.Context, q Query) ([]game.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]game.Session, 0, len(m.docs))
	for _, doc := range m.docs {
		if q.Matches(doc) {
			out = append(out, doc.Clone())
		}
	}
	m.mu.RUnlock()

	SortNewestFirst(out)
	return q.Truncate(out), nil
}

func (m *MemoryStore) Close() error {
	m.hub.CloseAll()
	return nil
}
