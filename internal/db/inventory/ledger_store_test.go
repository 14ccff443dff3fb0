package inventorydb

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"stockroom/internal/ledger"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

func TestLedgerStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS inventory_ledger").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store, err := NewLedgerStoreWithSchema(context.Background(), db)
	if err != nil {
		t.Fatalf("WithSchema: %v", err)
	}
	if store == nil {
		t.Fatalf("expected store")
	}
}

func TestLedgerStore_Get(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT product_id, warehouse_id, quantity_on_hand, quantity_reserved, version").
		WithArgs("p1", "w1").
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "warehouse_id", "quantity_on_hand", "quantity_reserved", "version"}).
			AddRow("p1", "w1", int64(50), int64(10), int64(3)))
	mock.ExpectClose()

	rec, err := NewLedgerStore(db).Get(context.Background(), "p1", "w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Available() != 40 {
		t.Fatalf("expected 40 available, got %d", rec.Available())
	}
	if rec.Version != 3 {
		t.Fatalf("expected version 3, got %d", rec.Version)
	}
}

func TestLedgerStore_Get_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT product_id, warehouse_id").
		WithArgs("p1", "w1").
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "warehouse_id", "quantity_on_hand", "quantity_reserved", "version"}))
	mock.ExpectClose()

	_, err := NewLedgerStore(db).Get(context.Background(), "p1", "w1")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLedgerStore_Create_Duplicate(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO inventory_ledger").
		WithArgs("p1", "w1", int64(50), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	err := NewLedgerStore(db).Create(context.Background(), ledger.Record{
		ProductID: "p1", WarehouseID: "w1", QuantityOnHand: 50,
	})
	if !errors.Is(err, ledger.ErrRecordExists) {
		t.Fatalf("expected ErrRecordExists, got %v", err)
	}
}

func TestLedgerStore_Update_VersionConflict(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE inventory_ledger").
		WithArgs("p1", "w1", int64(50), int64(15), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	err := NewLedgerStore(db).Update(context.Background(), ledger.Record{
		ProductID: "p1", WarehouseID: "w1", QuantityOnHand: 50, QuantityReserved: 15, Version: 3,
	})
	if !errors.Is(err, ledger.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestLedgerStore_Update_Applies(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE inventory_ledger").
		WithArgs("p1", "w1", int64(50), int64(15), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	err := NewLedgerStore(db).Update(context.Background(), ledger.Record{
		ProductID: "p1", WarehouseID: "w1", QuantityOnHand: 50, QuantityReserved: 15, Version: 3,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}
