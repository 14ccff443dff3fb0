package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Fatalf("close redis client: %v", err)
		}
	})
	return NewRedisStore(client, ""), mr
}

func TestRedisStore_PutGetRoundTrip(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	rec := Record{
		Output:     map[string]string{"payment_txn_id": "txn-9"},
		RecordedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := store.Put(ctx, "step:charge", "saga-1:charge", rec, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, "step:charge", "saga-1:charge")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Output["payment_txn_id"] != "txn-9" {
		t.Fatalf("unexpected output: %v", got.Output)
	}
	if !got.RecordedAt.Equal(rec.RecordedAt) {
		t.Fatalf("unexpected recorded-at: %v", got.RecordedAt)
	}
}

func TestRedisStore_MissingKeyIsNotFound(t *testing.T) {
	store, _ := newRedisStore(t)

	_, err := store.Get(context.Background(), "step:charge", "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStore_RetentionExpiresEntries(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "s", "k", Record{Output: map[string]string{"a": "b"}}, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	_, err := store.Get(ctx, "s", "k")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after TTL, got %v", err)
	}
}
