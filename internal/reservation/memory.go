package reservation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps reservations in memory with version checks.
type InMemoryStore struct {
	mu           sync.Mutex
	reservations map[string]Reservation
}

// NewInMemoryStore constructs an empty in-memory reservation store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		reservations: make(map[string]Reservation),
	}
}

func (s *InMemoryStore) Create(ctx context.Context, res Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res.Version = 1
	res.Items = append([]Item(nil), res.Items...)
	res.PendingReturn = append([]Item(nil), res.PendingReturn...)
	s.reservations[res.ID] = res
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (Reservation, error) {
	if err := ctx.Err(); err != nil {
		return Reservation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	res.Items = append([]Item(nil), res.Items...)
	res.PendingReturn = append([]Item(nil), res.PendingReturn...)
	return res, nil
}

func (s *InMemoryStore) Update(ctx context.Context, res Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.reservations[res.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != res.Version {
		return ErrVersionConflict
	}
	res.Version = current.Version + 1
	res.Items = append([]Item(nil), res.Items...)
	res.PendingReturn = append([]Item(nil), res.PendingReturn...)
	s.reservations[res.ID] = res
	return nil
}

func (s *InMemoryStore) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reservation
	for _, res := range s.reservations {
		held := res.Status == StatusReserved || res.Status == StatusPartiallyReleased
		if held && !res.ExpiresAt.After(cutoff) {
			res.Items = append([]Item(nil), res.Items...)
			res.PendingReturn = append([]Item(nil), res.PendingReturn...)
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListUnsettled(ctx context.Context, limit int) ([]Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Reservation
	for _, res := range s.reservations {
		if len(res.PendingReturn) > 0 {
			res.Items = append([]Item(nil), res.Items...)
			res.PendingReturn = append([]Item(nil), res.PendingReturn...)
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
