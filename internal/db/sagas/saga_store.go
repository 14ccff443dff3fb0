package sagasdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"stockroom/internal/saga"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// SagaStore persists saga instances in Postgres. Context and step
// history are held as JSONB; every write is a compare-and-swap on the
// version column so concurrent drivers and sweepers cannot clobber each
// other.
type SagaStore struct {
	db *sql.DB
}

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the saga table if it does not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sagas (
			id TEXT PRIMARY KEY,
			workflow_type TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			context JSONB NOT NULL DEFAULT '{}',
			steps JSONB NOT NULL DEFAULT '[]',
			version BIGINT NOT NULL DEFAULT 1,
			reason TEXT NOT NULL DEFAULT '',
			failed_compensation TEXT NOT NULL DEFAULT '',
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS sagas_idempotency_idx
			ON sagas (workflow_type, idempotency_key)
			WHERE idempotency_key <> ''`,
		`CREATE INDEX IF NOT EXISTS sagas_active_idx
			ON sagas (created_at)
			WHERE status NOT IN ('COMPLETED', 'COMPENSATED', 'FAILED')`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Create inserts a new saga at version 1. A second saga for the same
// (workflow type, idempotency key) pair returns ErrDuplicateKey.
func (s *SagaStore) Create(ctx context.Context, in saga.Instance) error {
	sagaCtx, steps, err := marshalState(in)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sagas (id, workflow_type, idempotency_key, status, context, steps, version, reason, failed_compensation, cancel_requested, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8, $9, $10, $11)`,
		in.ID, in.WorkflowType, in.IdempotencyKey, in.Status, sagaCtx, steps,
		in.Reason, in.FailedCompensation, in.CancelRequested, in.CreatedAt, in.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return saga.ErrDuplicateKey
		}
		return err
	}
	return nil
}

// Get returns a saga by id.
func (s *SagaStore) Get(ctx context.Context, id string) (saga.Instance, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id)
	return scanInstance(row)
}

// FindByIdempotencyKey returns the saga created for a
// (workflow type, idempotency key) pair.
func (s *SagaStore) FindByIdempotencyKey(ctx context.Context, workflowType, key string) (saga.Instance, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE workflow_type = $1 AND idempotency_key = $2`, workflowType, key)
	return scanInstance(row)
}

// Update applies the instance only if the stored version matches,
// bumping the version on success.
func (s *SagaStore) Update(ctx context.Context, in saga.Instance) error {
	sagaCtx, steps, err := marshalState(in)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sagas
		SET status = $2, context = $3, steps = $4, version = version + 1,
			reason = $5, failed_compensation = $6, cancel_requested = $7, updated_at = $8
		WHERE id = $1 AND version = $9`,
		in.ID, in.Status, sagaCtx, steps,
		in.Reason, in.FailedCompensation, in.CancelRequested, in.UpdatedAt, in.Version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrVersionConflict
	}
	return nil
}

// ListActive returns non-terminal sagas, oldest first.
func (s *SagaStore) ListActive(ctx context.Context) ([]saga.Instance, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE status NOT IN ('COMPLETED', 'COMPENSATED', 'FAILED')
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []saga.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

const selectColumns = `
	SELECT id, workflow_type, idempotency_key, status, context, steps, version, reason, failed_compensation, cancel_requested, created_at, updated_at
	FROM sagas`

func marshalState(in saga.Instance) (sagaCtx, steps []byte, err error) {
	if in.Context == nil {
		in.Context = map[string]string{}
	}
	sagaCtx, err = json.Marshal(in.Context)
	if err != nil {
		return nil, nil, err
	}
	if in.Steps == nil {
		in.Steps = []saga.Step{}
	}
	steps, err = json.Marshal(in.Steps)
	if err != nil {
		return nil, nil, err
	}
	return sagaCtx, steps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (saga.Instance, error) {
	var in saga.Instance
	var sagaCtx, steps []byte
	err := row.Scan(&in.ID, &in.WorkflowType, &in.IdempotencyKey, &in.Status, &sagaCtx, &steps,
		&in.Version, &in.Reason, &in.FailedCompensation, &in.CancelRequested, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Instance{}, saga.ErrNotFound
	}
	if err != nil {
		return saga.Instance{}, err
	}
	if err := json.Unmarshal(sagaCtx, &in.Context); err != nil {
		return saga.Instance{}, err
	}
	if err := json.Unmarshal(steps, &in.Steps); err != nil {
		return saga.Instance{}, err
	}
	return in, nil
}
