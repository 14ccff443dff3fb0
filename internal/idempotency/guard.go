package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrPayloadMismatch signals a key was reused with a different payload
// fingerprint; the caller's request conflicts with the recorded one.
var ErrPayloadMismatch = errors.New("idempotency key reused with different payload")

// ErrNotFound signals no result is recorded for the (scope, key) pair.
var ErrNotFound = errors.New("no recorded result")

// Record is a previously executed operation's recorded outcome.
type Record struct {
	Output     map[string]string
	RecordedAt time.Time
}

// Store persists recorded results per (scope, key). Entries expire after
// the retention window so storage stays bounded.
type Store interface {
	Get(ctx context.Context, scope, key string) (Record, error)
	Put(ctx context.Context, scope, key string, rec Record, retention time.Duration) error
}

// Guard deduplicates operation invocations. Scope keeps one operation's
// keys from short-circuiting an unrelated one.
type Guard struct {
	store     Store
	retention time.Duration
	now       func() time.Time
}

// NewGuard constructs a Guard with the given retention window. The window
// must outlast every retry/backoff schedule that may replay a key.
func NewGuard(store Store, retention time.Duration) *Guard {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Guard{
		store:     store,
		retention: retention,
		now:       time.Now,
	}
}

// Execute returns the recorded output if (scope, key) was already executed;
// otherwise it runs fn and records the output on success. The replayed
// flag reports whether the result came from the record.
func (g *Guard) Execute(ctx context.Context, scope, key string, fn func(ctx context.Context) (map[string]string, error)) (output map[string]string, replayed bool, err error) {
	rec, err := g.store.Get(ctx, scope, key)
	switch {
	case err == nil:
		return rec.Output, true, nil
	case errors.Is(err, ErrNotFound):
	default:
		return nil, false, err
	}

	output, err = fn(ctx)
	if err != nil {
		return nil, false, err
	}

	if err := g.store.Put(ctx, scope, key, Record{Output: output, RecordedAt: g.now()}, g.retention); err != nil {
		return nil, false, err
	}
	return output, false, nil
}
