package saga

import (
	"context"
	"sort"
	"sync"
)

type idemKey struct {
	workflowType string
	key          string
}

// InMemoryStore keeps saga instances in memory with version checks and a
// unique index on (workflow type, idempotency key).
type InMemoryStore struct {
	mu     sync.Mutex
	sagas  map[string]Instance
	byIdem map[idemKey]string
}

// NewInMemoryStore constructs an empty in-memory saga store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sagas:  make(map[string]Instance),
		byIdem: make(map[idemKey]string),
	}
}

func (s *InMemoryStore) Create(ctx context.Context, in Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := idemKey{in.WorkflowType, in.IdempotencyKey}
	if in.IdempotencyKey != "" {
		if _, ok := s.byIdem[key]; ok {
			return ErrDuplicateKey
		}
	}
	in.Version = 1
	s.sagas[in.ID] = in.Clone()
	if in.IdempotencyKey != "" {
		s.byIdem[key] = in.ID
	}
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return Instance{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.sagas[id]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return in.Clone(), nil
}

func (s *InMemoryStore) FindByIdempotencyKey(ctx context.Context, workflowType, key string) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return Instance{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIdem[idemKey{workflowType, key}]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return s.sagas[id].Clone(), nil
}

func (s *InMemoryStore) Update(ctx context.Context, in Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sagas[in.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != in.Version {
		return ErrVersionConflict
	}
	in.Version = current.Version + 1
	s.sagas[in.ID] = in.Clone()
	return nil
}

func (s *InMemoryStore) ListActive(ctx context.Context) ([]Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Instance
	for _, in := range s.sagas {
		if !in.Status.Terminal() {
			out = append(out, in.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
