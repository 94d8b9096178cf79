package redisstore

import (
	"context"
	"os"
	"testing"

	"github.com/gambit/server/store"
	"github.com/gambit/server/store/storetest"
	"github.com/google/uuid"
)

// Set GAMBIT_TEST_REDIS_ADDR (e.g. localhost:6379) to run these tests.
func testAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("GAMBIT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GAMBIT_TEST_REDIS_ADDR not set")
	}
	return addr
}

func openTestStore(t *testing.T, addr, prefix string) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{Addr: addr, DB: 15, Prefix: prefix})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := s.client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			s.client.Del(ctx, keys...)
		}
		s.Close()
	})
	return s
}

func TestStoreContract(t *testing.T) {
	addr := testAddr(t)
	storetest.Run(t, func(t *testing.T) store.Store {
		return openTestStore(t, addr, "gambit-test-"+uuid.NewString())
	})
}

func TestSubscribe_SeesOtherClient(t *testing.T) {
	addr := testAddr(t)
	prefix := "gambit-test-" + uuid.NewString()
	a := openTestStore(t, addr, prefix)
	b := openTestStore(t, addr, prefix)
	ctx := context.Background()

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
}

func TestDecode_RejectsInvalid(t *testing.T) {
	if _, err := decode([]byte(`{"id":"x","status":"active"}`)); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := decode([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}
