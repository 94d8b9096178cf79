package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gambit/server/game"
)

// FileStore persists one JSON document per session in a shared directory.
// Several processes may open the same directory: writes are serialized with
// flock and every conditional update re-reads the document from disk while
// holding the exclusive lock. Changes made by other processes reach local
// subscribers through fsnotify.
type FileStore struct {
	dir string
	now func() time.Time

	// writeMu serializes writers within this process before they contend
	// for the file lock.
	writeMu sync.Mutex
	hub     *Hub

	watcher    *fsnotify.Watcher
	debounceMu sync.Mutex
	debounce   map[string]*time.Timer
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dataDir string) (*FileStore, error) {
	dir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{
		dir:      dir,
		now:      time.Now,
		hub:      NewHub(),
		debounce: make(map[string]*time.Timer),
	}, nil
}

func (s *FileStore) docPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// --- Read operations ---

func (s *FileStore) Get(ctx context.Context, id string) (game.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return game.Session{}, false, err
	}
	if !validID(id) {
		return game.Session{}, false, nil
	}

	unlock, err := s.lock(syscall.LOCK_SH)
	if err != nil {
		return game.Session{}, false, err
	}
	defer unlock()

	return s.readDoc(id)
}

func (s *FileStore) Query(ctx context.Context, q Query) ([]game.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock, err := s.lock(syscall.LOCK_SH)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		unlock()
		return nil, err
	}

	var out []game.Session
	for _, e := range entries {
		id, ok := docIDFromName(e.Name())
		if e.IsDir() || !ok {
			continue
		}
		doc, found, err := s.readDoc(id)
		if err != nil {
			slog.Warn("skipping unreadable session document", "sessionId", id, "error", err)
			continue
		}
		if found && q.Matches(doc) {
			out = append(out, doc)
		}
	}
	unlock()

	SortNewestFirst(out)
	return q.Truncate(out), nil
}

// --- Write operations ---

func (s *FileStore) Create(ctx context.Context, sess game.Session) (game.Session, error) {
	if err := ctx.Err(); err != nil {
		return game.Session{}, err
	}
	doc, err := NewDocument(sess, s.now())
	if err != nil {
		return game.Session{}, err
	}

	s.writeMu.Lock()
	unlock, err := s.lock(syscall.LOCK_EX)
	if err != nil {
		s.writeMu.Unlock()
		return game.Session{}, err
	}
	err = s.writeDoc(doc)
	unlock()
	s.writeMu.Unlock()
	if err != nil {
		return game.Session{}, err
	}

	s.hub.Publish(doc)
	return doc.Clone(), nil
}

func (s *FileStore) ConditionalUpdate(ctx context.Context, id string, pre Precondition, patch Patch) (game.Session, error) {
	if err := ctx.Err(); err != nil {
		return game.Session{}, err
	}
	if !validID(id) {
		return game.Session{}, ErrNotFound
	}

	s.writeMu.Lock()
	unlock, err := s.lock(syscall.LOCK_EX)
	if err != nil {
		s.writeMu.Unlock()
		return game.Session{}, err
	}
	next, err := s.updateLocked(id, pre, patch)
	unlock()
	s.writeMu.Unlock()
	if err != nil {
		return game.Session{}, err
	}

	s.hub.Publish(next)
	return next.Clone(), nil
}

// Caller must hold the exclusive file lock.
func (s *FileStore) updateLocked(id string, pre Precondition, patch Patch) (game.Session, error) {
	prev, found, err := s.readDoc(id)
	if err != nil {
		return game.Session{}, err
	}
	if !found {
		return game.Session{}, ErrNotFound
	}
	if !pre.Holds(prev) {
		return game.Session{}, ErrConflict
	}
	next, err := patch.Apply(prev, s.now())
	if err != nil {
		return game.Session{}, err
	}
	if err := s.writeDoc(next); err != nil {
		return game.Session{}, err
	}
	return next, nil
}

func (s *FileStore) Subscribe(id string, fn func(game.Session)) (*Subscription, error) {
	sub := s.hub.Subscribe(id, fn)

	doc, found, err := s.Get(context.Background(), id)
	if err != nil {
		sub.Cancel()
		return nil, err
	}
	if !found {
		sub.Cancel()
		return nil, ErrNotFound
	}
	sub.Offer(doc)
	return sub, nil
}

func (s *FileStore) Close() error {
	s.StopWatching()
	s.hub.CloseAll()
	return nil
}

// --- File I/O with flock ---
//
// A dedicated lock file is used for flock because documents are replaced via
// rename, which changes their inode.

func (s *FileStore) lockPath() string {
	return filepath.Join(s.dir, ".lock")
}

func (s *FileStore) lock(how int) (func(), error) {
	f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

// Caller must hold the file lock (shared or exclusive).
func (s *FileStore) readDoc(id string) (game.Session, bool, error) {
	f, err := os.Open(s.docPath(id))
	if os.IsNotExist(err) {
		return game.Session{}, false, nil
	}
	if err != nil {
		return game.Session{}, false, err
	}
	defer f.Close()

	var doc game.Session
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return game.Session{}, false, fmt.Errorf("decode %s: %w", id, err)
	}
	if err := doc.Validate(); err != nil {
		return game.Session{}, false, fmt.Errorf("decode %s: %w", id, err)
	}
	return doc, true, nil
}

// writeDoc writes atomically using write-temp-fsync-rename. A crash leaves
// either the old document or the new one, never a partial file.
// Caller must hold the exclusive file lock.
func (s *FileStore) writeDoc(doc game.Session) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	path := s.docPath(doc.ID)
	tmpPath := path + ".tmp"

	tmpF, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmpF.Write(data); err != nil {
		tmpF.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpF.Sync(); err != nil {
		tmpF.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmpF.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp to document: %w", err)
	}
	return nil
}

func docIDFromName(name string) (string, bool) {
	id, ok := strings.CutSuffix(name, ".json")
	if !ok || !validID(id) {
		return "", false
	}
	return id, true
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\.`)
}

// --- fsnotify: detect writes from other processes ---

func (s *FileStore) StartWatching() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory; file-level watches don't survive renames.
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher

	go s.watchLoop(watcher)
	slog.Info("session store watching for external changes", "path", s.dir)
	return nil
}

func (s *FileStore) StopWatching() {
	s.debounceMu.Lock()
	for id, t := range s.debounce {
		t.Stop()
		delete(s.debounce, id)
	}
	s.debounceMu.Unlock()

	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *FileStore) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			id, ok := docIDFromName(filepath.Base(event.Name))
			if !ok {
				continue
			}
			s.scheduleReload(id)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Error("session store fsnotify error", "error", err)
		}
	}
}

const reloadDebounce = 100 * time.Millisecond

func (s *FileStore) scheduleReload(id string) {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()

	if t, ok := s.debounce[id]; ok {
		t.Stop()
	}
	s.debounce[id] = time.AfterFunc(reloadDebounce, func() {
		s.debounceMu.Lock()
		delete(s.debounce, id)
		s.debounceMu.Unlock()
		s.reload(id)
	})
}

// reload publishes the on-disk revision. Revisions this process already
// published are filtered out by version in each subscription.
func (s *FileStore) reload(id string) {
	doc, found, err := s.Get(context.Background(), id)
	if err != nil {
		slog.Error("failed to reload session document", "sessionId", id, "error", err)
		return
	}
	if !found {
		return
	}
	s.hub.Publish(doc)
}
