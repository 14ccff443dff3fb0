package ledger

import (
	"context"
	"errors"
)

// ErrNotFound signals there is no ledger record for the (product, warehouse) pair.
var ErrNotFound = errors.New("ledger record not found")

// ErrVersionConflict signals the record changed since it was read.
var ErrVersionConflict = errors.New("ledger version conflict")

// ErrRecordExists signals a record already exists for the (product, warehouse) pair.
var ErrRecordExists = errors.New("ledger record already exists")

// ErrInvalidQuantity signals an update would leave the record with
// negative quantities or more reserved than on hand.
var ErrInvalidQuantity = errors.New("invalid ledger quantities")

// Record is the durable source of truth for one (product, warehouse) pair.
// Version increments on every successful write; all writers must
// read-check-write and retry on conflict.
type Record struct {
	ProductID        string
	WarehouseID      string
	QuantityOnHand   int64
	QuantityReserved int64
	Version          int64
}

// Available reports how many units can still be reserved.
func (r Record) Available() int64 {
	return r.QuantityOnHand - r.QuantityReserved
}

// Valid reports whether the record satisfies 0 <= reserved <= on hand.
func (r Record) Valid() bool {
	return r.QuantityReserved >= 0 && r.QuantityOnHand >= 0 && r.QuantityReserved <= r.QuantityOnHand
}

// Store abstracts persistence for ledger records. Update must apply the
// record only if the stored version matches rec.Version, and bump the
// version on success; otherwise it returns ErrVersionConflict.
type Store interface {
	Get(ctx context.Context, productID, warehouseID string) (Record, error)
	Create(ctx context.Context, rec Record) error
	Update(ctx context.Context, rec Record) error
}

// Mutate runs a bounded compare-and-swap loop: read the record, apply fn,
// write back at the read version. It retries on ErrVersionConflict up to
// attempts times before surfacing the conflict.
func Mutate(ctx context.Context, store Store, productID, warehouseID string, attempts int, fn func(Record) (Record, error)) (Record, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}

		rec, err := store.Get(ctx, productID, warehouseID)
		if err != nil {
			return Record{}, err
		}

		next, err := fn(rec)
		if err != nil {
			return Record{}, err
		}
		if !next.Valid() {
			return Record{}, ErrInvalidQuantity
		}

		next.ProductID = rec.ProductID
		next.WarehouseID = rec.WarehouseID
		next.Version = rec.Version

		if err := store.Update(ctx, next); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return Record{}, err
		}
		next.Version = rec.Version + 1
		return next, nil
	}
	return Record{}, lastErr
}

// Adjust applies an on-hand correction (receipt or write-off) through the
// same CAS discipline as reservations. The adjustment is rejected if it
// would drop on-hand below the currently reserved quantity.
func Adjust(ctx context.Context, store Store, productID, warehouseID string, delta int64, attempts int) (Record, error) {
	return Mutate(ctx, store, productID, warehouseID, attempts, func(rec Record) (Record, error) {
		rec.QuantityOnHand += delta
		if rec.QuantityOnHand < rec.QuantityReserved || rec.QuantityOnHand < 0 {
			return Record{}, ErrInvalidQuantity
		}
		return rec, nil
	})
}
