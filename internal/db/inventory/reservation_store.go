package inventorydb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"stockroom/internal/reservation"
)

const selectColumns = `
	SELECT id, order_id, items, pending_return, status, expires_at, version, created_at, updated_at
	FROM reservations`

// ReservationStore persists reservations in Postgres. Items are held as
// JSONB; updates are compare-and-swap on the version column.
type ReservationStore struct {
	db *sql.DB
}

// NewReservationStore constructs a ReservationStore backed by Postgres.
func NewReservationStore(db *sql.DB) *ReservationStore {
	return &ReservationStore{db: db}
}

// NewReservationStoreWithSchema initializes the schema then returns the store.
func NewReservationStoreWithSchema(ctx context.Context, db *sql.DB) (*ReservationStore, error) {
	store := NewReservationStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the reservations table if it does not exist.
func (s *ReservationStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS reservations (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			items JSONB NOT NULL,
			pending_return JSONB NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS reservations_expiry_idx
			ON reservations (expires_at)
			WHERE status IN ('RESERVED', 'PARTIALLY_RELEASED')`,
		`CREATE INDEX IF NOT EXISTS reservations_unsettled_idx
			ON reservations (updated_at)
			WHERE pending_return <> '[]'`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Create inserts a new reservation at version 1.
func (s *ReservationStore) Create(ctx context.Context, res reservation.Reservation) error {
	items, pending, err := marshalItems(res)
	if err != nil {
		return err
	}
	out, err := s.db.ExecContext(ctx, `
		INSERT INTO reservations (id, order_id, items, pending_return, status, expires_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		res.ID, res.OrderID, items, pending, res.Status, res.ExpiresAt, res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := out.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return reservation.ErrConflict
	}
	return nil
}

// Get returns a reservation by id.
func (s *ReservationStore) Get(ctx context.Context, id string) (reservation.Reservation, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id)
	return scanReservation(row)
}

// Update applies the reservation only if the stored version matches,
// bumping the version on success.
func (s *ReservationStore) Update(ctx context.Context, res reservation.Reservation) error {
	items, pending, err := marshalItems(res)
	if err != nil {
		return err
	}
	out, err := s.db.ExecContext(ctx, `
		UPDATE reservations
		SET items = $2, pending_return = $3, status = $4, expires_at = $5, version = version + 1, updated_at = $6
		WHERE id = $1 AND version = $7`,
		res.ID, items, pending, res.Status, res.ExpiresAt, res.UpdatedAt, res.Version,
	)
	if err != nil {
		return err
	}
	affected, err := out.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return reservation.ErrVersionConflict
	}
	return nil
}

// ListExpired returns held reservations whose deadline passed, oldest
// first, capped at limit.
func (s *ReservationStore) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]reservation.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE status IN ('RESERVED', 'PARTIALLY_RELEASED') AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReservations(rows)
}

// ListUnsettled returns reservations with pending ledger returns, oldest
// first, capped at limit.
func (s *ReservationStore) ListUnsettled(ctx context.Context, limit int) ([]reservation.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE pending_return <> '[]'
		ORDER BY updated_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReservations(rows)
}

func collectReservations(rows *sql.Rows) ([]reservation.Reservation, error) {
	var out []reservation.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func marshalItems(res reservation.Reservation) (items, pending []byte, err error) {
	if items, err = json.Marshal(nonNilItems(res.Items)); err != nil {
		return nil, nil, err
	}
	if pending, err = json.Marshal(nonNilItems(res.PendingReturn)); err != nil {
		return nil, nil, err
	}
	return items, pending, nil
}

func nonNilItems(items []reservation.Item) []reservation.Item {
	if items == nil {
		return []reservation.Item{}
	}
	return items
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (reservation.Reservation, error) {
	var res reservation.Reservation
	var items, pending []byte
	err := row.Scan(&res.ID, &res.OrderID, &items, &pending, &res.Status, &res.ExpiresAt, &res.Version, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return reservation.Reservation{}, reservation.ErrNotFound
	}
	if err != nil {
		return reservation.Reservation{}, err
	}
	if err := json.Unmarshal(items, &res.Items); err != nil {
		return reservation.Reservation{}, err
	}
	if err := json.Unmarshal(pending, &res.PendingReturn); err != nil {
		return reservation.Reservation{}, err
	}
	if len(res.Items) == 0 {
		res.Items = nil
	}
	if len(res.PendingReturn) == 0 {
		res.PendingReturn = nil
	}
	return res, nil
}
