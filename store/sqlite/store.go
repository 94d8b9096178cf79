// Package sqlite provides a SQLite-backed session store. Several processes
// may share one database file; conditional updates compare the version
// column inside a single UPDATE statement, and subscriptions poll for
// revisions written by other processes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gambit/server/game"
	"github.com/gambit/server/store"
	"github.com/gambit/server/store/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const DefaultPollInterval = 250 * time.Millisecond

// Store persists session documents in SQLite.
type Store struct {
	sqlDB *sql.DB
	hub   *store.Hub
	now   func() time.Time

	pollInterval time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

var _ store.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Open opens a SQLite session store, applies embedded migrations and starts
// the subscription poller.
func Open(path string, pollInterval time.Duration) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{
		sqlDB:        sqlDB,
		hub:          store.NewHub(),
		now:          time.Now,
		pollInterval: pollInterval,
		stop:         make(chan struct{}),
	}
	s.wg.Add(1)
	go s.pollLoop()
	return s, nil
}

// Close stops the poller, cancels subscriptions and closes the handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.hub.CloseAll()
	return s.sqlDB.Close()
}

func (s *Store) Create(ctx context.Context, sess game.Session) (game.Session, error) {
	doc, err := store.NewDocument(sess, s.now())
	if err != nil {
		return game.Session{}, err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return game.Session{}, err
	}

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO sessions (id, status, version, created_at, updated_at, document)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID,
		string(doc.Status),
		doc.Version,
		toMillis(doc.CreatedAt),
		toMillis(doc.LastUpdated),
		string(data),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return game.Session{}, fmt.Errorf("insert session %s: duplicate id", doc.ID)
		}
		return game.Session{}, fmt.Errorf("insert session: %w", err)
	}

	s.hub.Publish(doc)
	return doc, nil
}

func (s *Store) Get(ctx context.Context, id string) (game.Session, bool, error) {
	var data string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT document FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
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
	prev, found, err := s.Get(ctx, id)
	if err != nil {
		return game.Session{}, err
	}
	if !found {
		return game.Session{}, store.ErrNotFound
	}
	if !pre.Holds(prev) {
		return game.Session{}, store.ErrConflict
	}
	next, err := patch.Apply(prev, s.now())
	if err != nil {
		return game.Session{}, err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return game.Session{}, err
	}

	// The version guard makes read-check-write atomic: a concurrent
	// writer that got there first bumped the version and this matches
	// no row.
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sessions
		    SET status = ?, version = ?, updated_at = ?, document = ?
		  WHERE id = ? AND version = ?`,
		string(next.Status),
		next.Version,
		toMillis(next.LastUpdated),
		string(data),
		id,
		prev.Version,
	)
	if err != nil {
		return game.Session{}, fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return game.Session{}, fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		return game.Session{}, store.ErrConflict
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
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT document FROM sessions
		  WHERE (? = '' OR status = ?)
		  ORDER BY created_at DESC, id DESC
		  LIMIT ?`,
		string(q.Status), string(q.Status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []game.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		doc, err := decode(data)
		if err != nil {
			slog.Warn("skipping invalid session row", "error", err)
			continue
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	store.SortNewestFirst(out)
	return out, nil
}

// pollLoop republishes every subscribed document so revisions written by
// other processes reach local subscribers.
func (s *Store) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *Store) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.pollInterval*4)
	defer cancel()

	for _, id := range s.hub.IDs() {
		doc, found, err := s.Get(ctx, id)
		if err != nil {
			slog.Debug("session poll failed", "sessionId", id, "error", err)
			continue
		}
		if found {
			s.hub.Publish(doc)
		}
	}
}

func decode(data string) (game.Session, error) {
	var doc game.Session
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return game.Session{}, fmt.Errorf("decode session: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return game.Session{}, fmt.Errorf("decode session %s: %w", doc.ID, err)
	}
	return doc, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
