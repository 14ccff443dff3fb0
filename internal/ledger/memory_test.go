package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func seedStore(t *testing.T, onHand int64) *InMemoryStore {
	t.Helper()
	store := NewInMemoryStore()
	err := store.Create(context.Background(), Record{
		ProductID:      "p1",
		WarehouseID:    "w1",
		QuantityOnHand: onHand,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return store
}

func TestInMemoryStore_CreateRejectsDuplicates(t *testing.T) {
	store := seedStore(t, 5)

	err := store.Create(context.Background(), Record{ProductID: "p1", WarehouseID: "w1", QuantityOnHand: 1})
	if !errors.Is(err, ErrRecordExists) {
		t.Fatalf("expected ErrRecordExists, got %v", err)
	}
}

func TestInMemoryStore_UpdateRejectsStaleVersion(t *testing.T) {
	store := seedStore(t, 5)
	ctx := context.Background()

	rec, err := store.Get(ctx, "p1", "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	first := rec
	first.QuantityReserved = 2
	if err := store.Update(ctx, first); err != nil {
		t.Fatalf("first update: %v", err)
	}

	stale := rec
	stale.QuantityReserved = 1
	if err := store.Update(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestInMemoryStore_UpdateRejectsOverReservation(t *testing.T) {
	store := seedStore(t, 5)
	ctx := context.Background()

	rec, err := store.Get(ctx, "p1", "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	rec.QuantityReserved = 6
	if err := store.Update(ctx, rec); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestMutate_RetriesOnConflict(t *testing.T) {
	store := seedStore(t, 10)
	ctx := context.Background()

	calls := 0
	rec, err := Mutate(ctx, store, "p1", "w1", 5, func(rec Record) (Record, error) {
		calls++
		if calls == 1 {
			// Sneak in a competing write so the first CAS loses.
			other, err := store.Get(ctx, "p1", "w1")
			if err != nil {
				t.Fatalf("competing get: %v", err)
			}
			other.QuantityReserved = 1
			if err := store.Update(ctx, other); err != nil {
				t.Fatalf("competing update: %v", err)
			}
		}
		rec.QuantityReserved += 2
		return rec, nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	if rec.QuantityReserved != 3 {
		t.Fatalf("expected reserved=3 after retry, got %d", rec.QuantityReserved)
	}
}

func TestMutate_SurfacesConflictWhenBudgetExhausted(t *testing.T) {
	store := seedStore(t, 10)
	ctx := context.Background()

	_, err := Mutate(ctx, store, "p1", "w1", 2, func(rec Record) (Record, error) {
		other, getErr := store.Get(ctx, "p1", "w1")
		if getErr != nil {
			t.Fatalf("competing get: %v", getErr)
		}
		other.QuantityOnHand++
		if updErr := store.Update(ctx, other); updErr != nil {
			t.Fatalf("competing update: %v", updErr)
		}
		return rec, nil
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestAdjust_RejectsDropBelowReserved(t *testing.T) {
	store := seedStore(t, 5)
	ctx := context.Background()

	rec, err := store.Get(ctx, "p1", "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	rec.QuantityReserved = 3
	if err := store.Update(ctx, rec); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, err := Adjust(ctx, store, "p1", "w1", -3, 3); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}

	updated, err := Adjust(ctx, store, "p1", "w1", 4, 3)
	if err != nil {
		t.Fatalf("adjust up: %v", err)
	}
	if updated.QuantityOnHand != 9 {
		t.Fatalf("expected on hand 9, got %d", updated.QuantityOnHand)
	}
}

func TestMutate_ConcurrentReserversNeverOversell(t *testing.T) {
	store := seedStore(t, 50)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Mutate(ctx, store, "p1", "w1", 50, func(rec Record) (Record, error) {
				if rec.Available() < 5 {
					return Record{}, ErrInvalidQuantity
				}
				rec.QuantityReserved += 5
				return rec, nil
			})
			if err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	won := 0
	for range successes {
		won++
	}
	if won != 10 {
		t.Fatalf("expected exactly 10 successful reservations of 5 units, got %d", won)
	}

	rec, err := store.Get(ctx, "p1", "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.QuantityReserved != 50 || rec.Available() != 0 {
		t.Fatalf("unexpected final record: %+v", rec)
	}
}
