package inventorydb

import (
	"context"
	"database/sql"
	"errors"

	"stockroom/internal/ledger"
)

// LedgerStore persists inventory ledger records in Postgres. Writes go
// through a version check so concurrent reservers cannot oversell.
type LedgerStore struct {
	db *sql.DB
}

// NewLedgerStore constructs a LedgerStore backed by Postgres.
func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// NewLedgerStoreWithSchema initializes the schema then returns the store.
func NewLedgerStoreWithSchema(ctx context.Context, db *sql.DB) (*LedgerStore, error) {
	store := NewLedgerStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the ledger table if it does not exist.
func (s *LedgerStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS inventory_ledger (
			product_id TEXT NOT NULL,
			warehouse_id TEXT NOT NULL,
			quantity_on_hand BIGINT NOT NULL,
			quantity_reserved BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (product_id, warehouse_id),
			CHECK (quantity_reserved >= 0),
			CHECK (quantity_reserved <= quantity_on_hand)
		)`)
	return err
}

// Get returns the record for a (product, warehouse) pair.
func (s *LedgerStore) Get(ctx context.Context, productID, warehouseID string) (ledger.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT product_id, warehouse_id, quantity_on_hand, quantity_reserved, version
		FROM inventory_ledger
		WHERE product_id = $1 AND warehouse_id = $2`,
		productID, warehouseID,
	)

	var rec ledger.Record
	err := row.Scan(&rec.ProductID, &rec.WarehouseID, &rec.QuantityOnHand, &rec.QuantityReserved, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Record{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Record{}, err
	}
	return rec, nil
}

// Create inserts a new record at version 1.
func (s *LedgerStore) Create(ctx context.Context, rec ledger.Record) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_ledger (product_id, warehouse_id, quantity_on_hand, quantity_reserved, version)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (product_id, warehouse_id) DO NOTHING`,
		rec.ProductID, rec.WarehouseID, rec.QuantityOnHand, rec.QuantityReserved,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrRecordExists
	}
	return nil
}

// Update applies the record only if the stored version matches
// rec.Version, bumping the version on success.
func (s *LedgerStore) Update(ctx context.Context, rec ledger.Record) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_ledger
		SET quantity_on_hand = $3, quantity_reserved = $4, version = version + 1, updated_at = NOW()
		WHERE product_id = $1 AND warehouse_id = $2 AND version = $5`,
		rec.ProductID, rec.WarehouseID, rec.QuantityOnHand, rec.QuantityReserved, rec.Version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrVersionConflict
	}
	return nil
}
