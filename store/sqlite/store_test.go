package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gambit/server/store"
	"github.com/gambit/server/store/sqlite/migrations"
	"github.com/gambit/server/store/storetest"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return openTestStore(t, filepath.Join(t.TempDir(), "gambit.db"))
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open("  ", 0); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gambit.db")
	first := openTestStore(t, path)
	if err := applyMigrations(first.sqlDB, migrations.FS); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}

	var n int
	if err := first.sqlDB.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 1 {
		t.Errorf("schema_migrations rows = %d, want 1", n)
	}
}

func TestSubscribe_SeesOtherConnection(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gambit.db")
	a := openTestStore(t, path)
	b := openTestStore(t, path)

	doc, err := a.Create(ctx, storetest.NewPending("alice"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var rec storetest.Recorder
	sub, err := b.Subscribe(doc.ID, rec.Add)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()
	rec.WaitForVersion(t, 1)

	if _, err := a.ConditionalUpdate(ctx, doc.ID, storetest.JoinPrecondition(), storetest.JoinPatch("bob")); err != nil {
		t.Fatalf("join: %v", err)
	}
	rec.WaitForVersion(t, 2)

	if _, err := b.ConditionalUpdate(ctx, doc.ID, storetest.JoinPrecondition(), storetest.JoinPatch("carol")); !errors.Is(err, store.ErrConflict) {
		t.Errorf("second join error = %v, want ErrConflict", err)
	}
}

func TestExtractUpMigration(t *testing.T) {
	got := extractUpMigration("-- +migrate Up\nCREATE TABLE t (id INTEGER);\n-- +migrate Down\nDROP TABLE t;\n")
	want := "\nCREATE TABLE t (id INTEGER);\n"
	if got != want {
		t.Errorf("extractUpMigration = %q, want %q", got, want)
	}
}

func TestClose_NilSafe(t *testing.T) {
	var s *Store
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil = %v", err)
	}
}
