package sagasdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"stockroom/internal/saga"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

var sagaColumns = []string{
	"id", "workflow_type", "idempotency_key", "status", "context", "steps",
	"version", "reason", "failed_compensation", "cancel_requested", "created_at", "updated_at",
}

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

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestSagaStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS sagas_idempotency_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS sagas_active_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if _, err := NewSagaStoreWithSchema(context.Background(), db); err != nil {
		t.Fatalf("WithSchema: %v", err)
	}
}

func TestSagaStore_Create(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	in := saga.Instance{
		ID:             "saga-1",
		WorkflowType:   "ORDER_FULFILLMENT",
		IdempotencyKey: "key-1",
		Status:         saga.StatusStarted,
		Context:        map[string]string{"order_id": "order-1"},
		Steps:          []saga.Step{{Name: "reserve_inventory", Status: saga.StepPending}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	mock.ExpectExec("INSERT INTO sagas").
		WithArgs("saga-1", "ORDER_FULFILLMENT", "key-1", saga.StatusStarted,
			mustJSON(t, in.Context), mustJSON(t, in.Steps), "", "", false, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	if err := NewSagaStore(db).Create(context.Background(), in); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestSagaStore_Create_DuplicateKey(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO sagas").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "sagas_idempotency_idx"})
	mock.ExpectClose()

	err := NewSagaStore(db).Create(context.Background(), saga.Instance{ID: "saga-1", IdempotencyKey: "key-1"})
	if !errors.Is(err, saga.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestSagaStore_GetRoundTrip(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sagaCtx := map[string]string{"order_id": "order-1", "reservation_id": "res-1"}
	steps := []saga.Step{
		{Name: "reserve_inventory", Status: saga.StepCompleted, Attempts: 1},
		{Name: "charge_payment", Status: saga.StepInProgress, Attempts: 2},
	}

	mock.ExpectQuery("SELECT id, workflow_type, idempotency_key, status").
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows(sagaColumns).
			AddRow("saga-1", "ORDER_FULFILLMENT", "key-1", string(saga.StatusInProgress),
				mustJSON(t, sagaCtx), mustJSON(t, steps), int64(5), "", "", false, now, now))
	mock.ExpectClose()

	got, err := NewSagaStore(db).Get(context.Background(), "saga-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != saga.StatusInProgress || got.Version != 5 {
		t.Fatalf("unexpected saga: %+v", got)
	}
	if got.Context["reservation_id"] != "res-1" {
		t.Fatalf("expected context round trip, got %v", got.Context)
	}
	if len(got.Steps) != 2 || got.Steps[1].Attempts != 2 {
		t.Fatalf("expected step round trip, got %+v", got.Steps)
	}
}

func TestSagaStore_Get_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT id, workflow_type").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(sagaColumns))
	mock.ExpectClose()

	_, err := NewSagaStore(db).Get(context.Background(), "missing")
	if !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSagaStore_FindByIdempotencyKey(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, workflow_type, idempotency_key").
		WithArgs("ORDER_FULFILLMENT", "key-1").
		WillReturnRows(sqlmock.NewRows(sagaColumns).
			AddRow("saga-1", "ORDER_FULFILLMENT", "key-1", string(saga.StatusCompleted),
				[]byte(`{}`), []byte(`[]`), int64(9), "", "", false, now, now))
	mock.ExpectClose()

	got, err := NewSagaStore(db).FindByIdempotencyKey(context.Background(), "ORDER_FULFILLMENT", "key-1")
	if err != nil {
		t.Fatalf("FindByIdempotencyKey: %v", err)
	}
	if got.ID != "saga-1" {
		t.Fatalf("unexpected saga: %+v", got)
	}
}

func TestSagaStore_Update_VersionConflict(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	err := NewSagaStore(db).Update(context.Background(), saga.Instance{ID: "saga-1", Version: 4})
	if !errors.Is(err, saga.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestSagaStore_ListActive(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, workflow_type").
		WillReturnRows(sqlmock.NewRows(sagaColumns).
			AddRow("saga-1", "ORDER_FULFILLMENT", "", string(saga.StatusInProgress),
				[]byte(`{}`), []byte(`[]`), int64(2), "", "", false, now.Add(-time.Hour), now).
			AddRow("saga-2", "RETURN_PROCESSING", "", string(saga.StatusCompensating),
				[]byte(`{}`), []byte(`[]`), int64(7), "cancelled", "", true, now, now))
	mock.ExpectClose()

	got, err := NewSagaStore(db).ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(got) != 2 || got[0].ID != "saga-1" || got[1].CancelRequested != true {
		t.Fatalf("unexpected result: %+v", got)
	}
}
