// Package redisstore provides a Redis-backed session store. Conditional
// updates run under WATCH/MULTI; every committed revision is published on a
// change channel so subscribers in other processes see it without polling.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gambit/server/game"
	"github.com/gambit/server/store"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "gambit"

type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key and the change channel.
	Prefix string
}

// Store persists session documents in Redis.
type Store struct {
	client *redis.Client
	prefix string
	hub    *store.Hub
	now    func() time.Time

	pubsub    *redis.PubSub
	closeOnce sync.Once
	done      chan struct{}
}

var _ store.Store = (*Store)(nil)

// Open connects to Redis and starts listening for change notifications.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	s := &Store{
		client: client,
		prefix: prefix,
		hub:    store.NewHub(),
		now:    time.Now,
		done:   make(chan struct{}),
	}

	s.pubsub = client.Subscribe(ctx, s.changesChannel())
	// Wait for the subscription to be confirmed so no change published
	// after Open returns is missed.
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("subscribe changes: %w", err)
	}
	go s.listen()
	return s, nil
}

func (s *Store) docKey(id string) string { return s.prefix + ":session:" + id }
func (s *Store) allKey() string          { return s.prefix + ":sessions" }
func (s *Store) statusKey(st game.Status) string {
	return s.prefix + ":sessions:" + string(st)
}
func (s *Store) changesChannel() string { return s.prefix + ":changes" }

func (s *Store) Create(ctx context.Context, sess game.Session) (game.Session, error) {
	doc, err := store.NewDocument(sess, s.now())
	if err != nil {
		return game.Session{}, err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return game.Session{}, err
	}

	score := float64(doc.CreatedAt.UnixMilli())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, s.docKey(doc.ID), data, 0)
		pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: doc.ID})
		pipe.ZAdd(ctx, s.statusKey(doc.Status), redis.Z{Score: score, Member: doc.ID})
		pipe.Publish(ctx, s.changesChannel(), data)
		return nil
	})
	if err != nil {
		return game.Session{}, fmt.Errorf("create session: %w", err)
	}

	s.hub.Publish(doc)
	return doc, nil
}

func (s *Store) Get(ctx context.Context, id string) (game.Session, bool, error) {
	return s.get(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) get(ctx context.Context, c getter, id string) (game.Session, bool, error) {
	data, err := c.Get(ctx, s.docKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return game.Session{}, false, nil
	}
	if err != nil {
		return game.Session{}, false, fmt.Errorf("get session: %w", err)
	}
	doc, err := decode(data)
	if err != nil {
		return game.Session{}, false, err
	}
	return doc, true, nil
}

func (s *Store) ConditionalUpdate(ctx context.Context, id string, pre store.Precondition, patch store.Patch) (game.Session, error) {
	var next game.Session
	key := s.docKey(id)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		prev, found, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if !found {
			return store.ErrNotFound
		}
		if !pre.Holds(prev) {
			return store.ErrConflict
		}
		next, err = patch.Apply(prev, s.now())
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}

		score := float64(next.CreatedAt.UnixMilli())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if prev.Status != next.Status {
				pipe.ZRem(ctx, s.statusKey(prev.Status), id)
				pipe.ZAdd(ctx, s.statusKey(next.Status), redis.Z{Score: score, Member: id})
			}
			pipe.Publish(ctx, s.changesChannel(), data)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return game.Session{}, store.ErrConflict
	}
	if err != nil {
		return game.Session{}, err
	}

	s.hub.Publish(next)
	return next, nil
}

func (s *Store) Subscribe(id string, fn func(game.Session)) (*store.Subscription, error) {
	sub := s.hub.Subscribe(id, fn)
	doc, found, err := s.Get(context.Background(), id)
	if err != nil {
		sub.Cancel()
		return nil, err
	}
	if !found {
		sub.Cancel()
		return nil, store.ErrNotFound
	}
	sub.Offer(doc)
	return sub, nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]game.Session, error) {
	index := s.allKey()
	if q.Status != "" {
		index = s.statusKey(q.Status)
	}
	stop := int64(-1)
	if q.Limit > 0 {
		stop = int64(q.Limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}

	out := make([]game.Session, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		doc, err := decode([]byte(raw))
		if err != nil {
			slog.Warn("skipping invalid session document", "sessionId", ids[i], "error", err)
			continue
		}
		if q.Matches(doc) {
			out = append(out, doc)
		}
	}
	store.SortNewestFirst(out)
	return out, nil
}

// listen forwards change notifications from every process to local
// subscribers. Subscriptions drop revisions they have already seen.
func (s *Store) listen() {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		doc, err := decode([]byte(msg.Payload))
		if err != nil {
			slog.Warn("dropping invalid change notification", "error", err)
			continue
		}
		s.hub.Publish(doc)
	}
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.hub.CloseAll()
		if cerr := s.pubsub.Close(); cerr != nil {
			err = cerr
		}
		<-s.done
		if cerr := s.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func decode(data []byte) (game.Session, error) {
	var doc game.Session
	if err := json.Unmarshal(data, &doc); err != nil {
		return game.Session{}, fmt.Errorf("decode session: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return game.Session{}, fmt.Errorf("decode session %s: %w", doc.ID, err)
	}
	return doc, nil
}
