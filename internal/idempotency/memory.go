package idempotency

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	rec       Record
	expiresAt time.Time
}

// InMemoryStore keeps recorded results in memory with lazy expiry.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewInMemoryStore constructs an empty in-memory idempotency store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// SetClock overrides the store's clock (for tests).
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *InMemoryStore) Get(ctx context.Context, scope, key string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	k := scope + "\x00" + key
	e, ok := s.entries[k]
	if !ok {
		return Record{}, ErrNotFound
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, k)
		return Record{}, ErrNotFound
	}
	return e.rec, nil
}

func (s *InMemoryStore) Put(ctx context.Context, scope, key string, rec Record, retention time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var expiresAt time.Time
	if retention > 0 {
		expiresAt = s.now().Add(retention)
	}
	s.entries[scope+"\x00"+key] = entry{rec: rec, expiresAt: expiresAt}
	return nil
}
