package session

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance. Tests that
// call this helper require a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for _, prefix := range []string{SessionPrefix + "test_*", UserSessionsPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewStoreWithClient(client, "relay-test")
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := New("test_s1", "test_u1")

	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	rec, err := store.Get(ctx, "test_s1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record, got nil")
	}
	if rec.UserID != "test_u1" {
		t.Errorf("expected user_id=%q, got %q", "test_u1", rec.UserID)
	}
	if rec.Server != "relay-test" {
		t.Errorf("expected server=%q, got %q", "relay-test", rec.Server)
	}
	if rec.CreatedAt != sess.CreatedAt.Unix() {
		t.Errorf("expected created_at=%d, got %d", sess.CreatedAt.Unix(), rec.CreatedAt)
	}
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.Get(context.Background(), "test_missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil record, got %+v", rec)
	}
}

func TestListByUserAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a1, a2 := New("test_a1", "test_ua"), New("test_a2", "test_ua")

	for _, s := range []Session{a1, a2} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("Create(%s) error: %v", s.ID, err)
		}
	}

	ids, err := store.ListByUser(ctx, "test_ua")
	if err != nil {
		t.Fatalf("ListByUser() error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 sessions, got %v", ids)
	}

	if err := store.Delete(ctx, a1); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	ids, _ = store.ListByUser(ctx, "test_ua")
	if len(ids) != 1 || ids[0] != "test_a2" {
		t.Errorf("expected [test_a2], got %v", ids)
	}
	if rec, _ := store.Get(ctx, "test_a1"); rec != nil {
		t.Errorf("expected deleted session to be gone, got %+v", rec)
	}
}
