package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func TestSaveAndLookup(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	data := Data{UserID: "user-123", Email: "sam@studio.test"}
	if err := store.Save(ctx, "hash-1", data, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Lookup(ctx, "hash-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got.UserID != "user-123" || got.Email != "sam@studio.test" {
		t.Fatalf("Lookup() = %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be stamped")
	}
}

func TestLookupExpiredSession(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, "short", Data{UserID: "user-456"}, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.FastForward(2 * time.Second)

	if _, err := store.Lookup(ctx, "short"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Lookup() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSaveRejectsPastExpiry(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Save(context.Background(), "past", Data{UserID: "u"}, time.Now().Add(-time.Minute)); err == nil {
		t.Fatal("expected error for past expiry")
	}
}

func TestRevoke(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Save(ctx, "hash-r", Data{UserID: "user-789"}, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Revoke(ctx, "hash-r"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := store.Lookup(ctx, "hash-r"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Lookup() after revoke error = %v", err)
	}
	// Revoking twice is fine.
	if err := store.Revoke(ctx, "hash-r"); err != nil {
		t.Fatalf("second Revoke failed: %v", err)
	}
}

func TestSessionIsolation(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(time.Hour)

	for _, id := range []string{"1", "2"} {
		if err := store.Save(ctx, "token-"+id, Data{UserID: "user-" + id}, expiresAt); err != nil {
			t.Fatalf("Save %s failed: %v", id, err)
		}
	}
	if err := store.Revoke(ctx, "token-1"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	if _, err := store.Lookup(ctx, "token-1"); err == nil {
		t.Error("expected token-1 to be gone")
	}
	got, err := store.Lookup(ctx, "token-2")
	if err != nil {
		t.Fatalf("Lookup token-2 failed: %v", err)
	}
	if got.UserID != "user-2" {
		t.Errorf("expected user-2, got %s", got.UserID)
	}
}
