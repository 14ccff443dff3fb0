package ledger

import (
	"context"
	"sync"
)

type recordKey struct {
	productID   string
	warehouseID string
}

// InMemoryStore keeps ledger records in memory with version checks.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]Record
}

// NewInMemoryStore constructs an empty in-memory ledger store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[recordKey]Record),
	}
}

func (s *InMemoryStore) Get(ctx context.Context, productID, warehouseID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{productID, warehouseID}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *InMemoryStore) Create(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !rec.Valid() {
		return ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{rec.ProductID, rec.WarehouseID}
	if _, ok := s.records[key]; ok {
		return ErrRecordExists
	}
	rec.Version = 1
	s.records[key] = rec
	return nil
}

func (s *InMemoryStore) Update(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !rec.Valid() {
		return ErrInvalidQuantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{rec.ProductID, rec.WarehouseID}
	current, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	if current.Version != rec.Version {
		return ErrVersionConflict
	}
	rec.Version = current.Version + 1
	s.records[key] = rec
	return nil
}
