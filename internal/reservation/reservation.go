package reservation

import (
	"context"
	"errors"
	"time"
)

// Status captures the lifecycle of a reservation.
type Status string

const (
	StatusReserved          Status = "RESERVED"
	StatusConfirmed         Status = "CONFIRMED"
	StatusPartiallyReleased Status = "PARTIALLY_RELEASED"
	StatusReleased          Status = "RELEASED"
	StatusExpired           Status = "EXPIRED"
)

// Item is a quantity claim against one (product, warehouse) pair.
type Item struct {
	ProductID   string `json:"product_id"`
	WarehouseID string `json:"warehouse_id"`
	Quantity    int64  `json:"quantity"`
}

// Reservation is a TTL-bounded claim on inventory. Items holds the
// quantities currently held; partial releases shrink it. PendingReturn
// holds quantities already moved out of Items whose ledger return has
// not completed yet; a reservation is settled once it is empty.
type Reservation struct {
	ID            string
	OrderID       string
	Items         []Item
	PendingReturn []Item
	Status        Status
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Version       int64
}

// Held returns the quantity currently held for the given pair.
func (r Reservation) Held(productID, warehouseID string) int64 {
	for _, item := range r.Items {
		if item.ProductID == productID && item.WarehouseID == warehouseID {
			return item.Quantity
		}
	}
	return 0
}

// Active reports whether the reservation still counts against availability.
func (r Reservation) Active() bool {
	switch r.Status {
	case StatusReserved, StatusConfirmed, StatusPartiallyReleased:
		return true
	default:
		return false
	}
}

// ErrInvalidRequest signals a malformed reservation request (zero quantity,
// over-release, release on a confirmed reservation).
var ErrInvalidRequest = errors.New("invalid reservation request")

// ErrInsufficientInventory signals the batch could not be satisfied.
var ErrInsufficientInventory = errors.New("insufficient inventory")

// ErrConflict signals the CAS retry budget was exhausted; the caller may
// retry the whole operation.
var ErrConflict = errors.New("reservation conflict")

// ErrNotFound signals an unknown reservation id.
var ErrNotFound = errors.New("reservation not found")

// ErrNotReserved signals a state transition attempted on a reservation
// that already left the RESERVED state.
var ErrNotReserved = errors.New("reservation is not in RESERVED state")

// Store abstracts persistence for reservations. Update applies the record
// only if the stored version matches and bumps it, mirroring the ledger's
// CAS discipline. ListExpired returns held reservations past their
// deadline; ListUnsettled returns reservations with pending ledger
// returns, both oldest first.
type Store interface {
	Create(ctx context.Context, res Reservation) error
	Get(ctx context.Context, id string) (Reservation, error)
	Update(ctx context.Context, res Reservation) error
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]Reservation, error)
	ListUnsettled(ctx context.Context, limit int) ([]Reservation, error)
}

// ErrVersionConflict signals a reservation changed since it was read.
var ErrVersionConflict = errors.New("reservation version conflict")
