package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func mustGet(t *testing.T, store SessionTokenStore, key string) (string, bool) {
	t.Helper()
	tok, ok, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q) returned error: %v", key, err)
	}
	return tok, ok
}

func mustPut(t *testing.T, store SessionTokenStore, key, token string, expiresAt time.Time) {
	t.Helper()
	if err := store.Put(context.Background(), key, token, expiresAt); err != nil {
		t.Fatalf("Put(%q) returned error: %v", key, err)
	}
}

func TestMemoryTokenStoreLazyEviction(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryTokenStore()
	store.SetClock(func() time.Time { return now })

	mustPut(t, store, "a@b.com", "tok", now.Add(60*time.Second))
	if tok, ok := mustGet(t, store, "a@b.com"); !ok || tok != "tok" {
		t.Fatalf("Get = %q, %v; want tok, true", tok, ok)
	}

	now = now.Add(61 * time.Second)
	if _, ok := mustGet(t, store, "a@b.com"); ok {
		t.Fatalf("expired entry returned")
	}
	if store.Len() != 0 {
		t.Fatalf("expired entry should be evicted on read, %d left", store.Len())
	}
}

func TestMemoryTokenStoreOverwriteAndIsolation(t *testing.T) {
	store := NewMemoryTokenStore()
	exp := time.Now().Add(time.Hour)

	mustPut(t, store, "a@b.com", "first", exp)
	mustPut(t, store, "a@b.com", "second", exp)
	mustPut(t, store, "c@d.com", "other", exp)

	if tok, ok := mustGet(t, store, "a@b.com"); !ok || tok != "second" {
		t.Fatalf("Get = %q, %v; want second, true", tok, ok)
	}
	if _, ok := mustGet(t, store, "unknown@b.com"); ok {
		t.Fatalf("unknown key should be absent")
	}
}

func TestMemoryTokenStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTokenStore()
	exp := time.Now().Add(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("user-%d", i%5)
			_ = store.Put(ctx, key, fmt.Sprintf("tok-%d", i), exp)
			_, _, _ = store.Get(ctx, key)
		}(i)
	}
	wg.Wait()
	if store.Len() != 5 {
		t.Fatalf("expected 5 entries, got %d", store.Len())
	}
}

func TestSharedTokenStoreIsSingleton(t *testing.T) {
	if SharedTokenStore() != SharedTokenStore() {
		t.Fatalf("SharedTokenStore should return one instance")
	}
}

func TestUserKeyFallsBackToSubject(t *testing.T) {
	tests := []struct{ email, subject, want string }{
		{" a@b.com ", "sub-1", "a@b.com"},
		{"", "sub-1", "sub-1"},
		{"", "", ""},
	}
	for _, tc := range tests {
		if got := UserKey(tc.email, tc.subject); got != tc.want {
			t.Fatalf("UserKey(%q, %q) = %q, want %q", tc.email, tc.subject, got, tc.want)
		}
	}
}

func newRedisTokenStore(t *testing.T) (*RedisTokenStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewRedisTokenStore(rdb, ""), mr
}

func TestRedisTokenStoreExpiry(t *testing.T) {
	store, mr := newRedisTokenStore(t)

	mustPut(t, store, "a@b.com", "tok", time.Now().Add(60*time.Second))
	if !mr.Exists(DefaultRedisKeyPrefix + "a@b.com") {
		t.Fatalf("key not written with the default prefix")
	}
	if tok, ok := mustGet(t, store, "a@b.com"); !ok || tok != "tok" {
		t.Fatalf("Get = %q, %v; want tok, true", tok, ok)
	}

	mr.FastForward(61 * time.Second)
	if _, ok := mustGet(t, store, "a@b.com"); ok {
		t.Fatalf("entry should expire with its ttl")
	}
}

func TestRedisTokenStoreExpiredPutDeletes(t *testing.T) {
	store, mr := newRedisTokenStore(t)

	mustPut(t, store, "a@b.com", "tok", time.Now().Add(time.Hour))
	mustPut(t, store, "a@b.com", "stale", time.Now().Add(-time.Second))
	if mr.Exists(DefaultRedisKeyPrefix + "a@b.com") {
		t.Fatalf("already expired put should delete the key")
	}
}

func TestRedisTokenStoreUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	store := NewRedisTokenStore(rdb, "test:")
	mr.Close()

	if _, _, err := store.Get(context.Background(), "a@b.com"); err == nil {
		t.Fatalf("expected an error from a closed redis")
	}
}
