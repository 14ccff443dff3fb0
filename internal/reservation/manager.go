package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stockroom/internal/ledger"
	"stockroom/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultCASAttempts = 5

// Manager is the only gate through which callers claim inventory. Every
// ledger mutation goes through bounded compare-and-swap, never a held lock.
type Manager struct {
	ledger      ledger.Store
	store       Store
	casAttempts int
	defaultTTL  time.Duration
	newID       func() string
	now         func() time.Time
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithCASAttempts overrides the compare-and-swap retry budget.
func WithCASAttempts(attempts int) ManagerOption {
	return func(m *Manager) { m.casAttempts = attempts }
}

// WithClock overrides the manager's clock (for tests).
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides reservation id generation (for tests).
func WithIDGenerator(newID func() string) ManagerOption {
	return func(m *Manager) { m.newID = newID }
}

// WithMetrics wires Prometheus metrics.
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager constructs a Manager over a ledger and a reservation store.
func NewManager(ledgerStore ledger.Store, store Store, defaultTTL time.Duration, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		ledger:      ledgerStore,
		store:       store,
		casAttempts: defaultCASAttempts,
		defaultTTL:  defaultTTL,
		newID:       func() string { return "res-" + uuid.NewString() },
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Availability is the result of an availability check for one item.
type Availability struct {
	ProductID   string
	WarehouseID string
	Requested   int64
	Available   int64
	Sufficient  bool
}

// CheckAvailability reports current availability for each item without
// claiming anything. The answer is advisory; only Reserve claims stock.
func (m *Manager) CheckAvailability(ctx context.Context, items []Item) ([]Availability, error) {
	if err := validateItems(items); err != nil {
		return nil, err
	}

	out := make([]Availability, 0, len(items))
	for _, item := range items {
		rec, err := m.ledger.Get(ctx, item.ProductID, item.WarehouseID)
		if err != nil {
			return nil, err
		}
		out = append(out, Availability{
			ProductID:   item.ProductID,
			WarehouseID: item.WarehouseID,
			Requested:   item.Quantity,
			Available:   rec.Available(),
			Sufficient:  rec.Available() >= item.Quantity,
		})
	}
	return out, nil
}

// Reserve claims the whole batch or nothing. Partial claims made while
// working through the batch are rolled back before the error is returned.
func (m *Manager) Reserve(ctx context.Context, orderID string, items []Item, ttl time.Duration) (Reservation, error) {
	if orderID == "" {
		return Reservation{}, fmt.Errorf("%w: order id required", ErrInvalidRequest)
	}
	if err := validateItems(items); err != nil {
		return Reservation{}, err
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	claimed := make([]Item, 0, len(items))
	for _, item := range items {
		if err := m.claim(ctx, item); err != nil {
			m.rollback(ctx, claimed)
			if errors.Is(err, ErrInsufficientInventory) {
				m.metrics.Reservation("insufficient")
			}
			return Reservation{}, err
		}
		claimed = append(claimed, item)
	}

	now := m.now()
	res := Reservation{
		ID:        m.newID(),
		OrderID:   orderID,
		Items:     append([]Item(nil), items...),
		Status:    StatusReserved,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Create(ctx, res); err != nil {
		m.rollback(ctx, claimed)
		return Reservation{}, err
	}

	m.metrics.Reservation("reserved")
	m.logger.Info().
		Str("reservation_id", res.ID).
		Str("order_id", orderID).
		Int("items", len(items)).
		Time("expires_at", res.ExpiresAt).
		Msg("inventory reserved")
	return res, nil
}

// Get returns the reservation by id.
func (m *Manager) Get(ctx context.Context, id string) (Reservation, error) {
	return m.store.Get(ctx, id)
}

// Confirm marks a RESERVED reservation CONFIRMED, removing the expiry risk.
// The ledger is untouched; the claim already counts against availability.
func (m *Manager) Confirm(ctx context.Context, id string) (Reservation, error) {
	res, err := m.mutateReservation(ctx, id, func(res Reservation) (Reservation, error) {
		if res.Status != StatusReserved {
			return Reservation{}, fmt.Errorf("%w: cannot confirm %s reservation", ErrNotReserved, res.Status)
		}
		res.Status = StatusConfirmed
		return res, nil
	})
	if err != nil {
		return Reservation{}, err
	}

	m.metrics.Reservation("confirmed")
	m.logger.Info().Str("reservation_id", id).Msg("reservation confirmed")
	return res, nil
}

// Release returns held quantity to the ledger. A nil or empty items slice
// releases everything still held; otherwise each listed quantity must not
// exceed what the reservation holds. Releasing a CONFIRMED reservation is
// rejected rather than guessed at.
//
// The release is recorded on the reservation first: the quantity moves
// from Items to PendingReturn in one CAS write, then the ledger return is
// settled item by item. A release whose ledger return is interrupted can
// therefore be retried, and the sweeper finishes whatever remains.
func (m *Manager) Release(ctx context.Context, id string, items []Item) (Reservation, error) {
	res, err := m.mutateReservation(ctx, id, func(res Reservation) (Reservation, error) {
		switch res.Status {
		case StatusConfirmed:
			return Reservation{}, fmt.Errorf("%w: reservation is confirmed", ErrInvalidRequest)
		case StatusReserved, StatusPartiallyReleased:
		default:
			if len(res.PendingReturn) > 0 {
				// An earlier release moved the quantity out of the
				// reservation but its ledger return did not finish.
				return res, nil
			}
			return Reservation{}, fmt.Errorf("%w: cannot release %s reservation", ErrNotReserved, res.Status)
		}

		released, err := releaseSet(res, items)
		if err != nil {
			return Reservation{}, err
		}

		res.Items = subtractItems(res.Items, released)
		res.PendingReturn = mergeItems(res.PendingReturn, released)
		if remainingQuantity(res.Items) == 0 {
			res.Status = StatusReleased
		} else {
			res.Status = StatusPartiallyReleased
		}
		return res, nil
	})
	if err != nil {
		return Reservation{}, err
	}

	res, err = m.settle(ctx, res)
	if err != nil {
		return res, err
	}

	m.metrics.Reservation("released")
	m.logger.Info().
		Str("reservation_id", id).
		Str("status", string(res.Status)).
		Msg("reservation released")
	return res, nil
}

// Expire transitions a reservation past its deadline to EXPIRED and
// returns its remaining quantity to the ledger. Partially released
// reservations expire the same way; only their remainder is returned.
// Only the sweeper calls this.
func (m *Manager) Expire(ctx context.Context, id string) (Reservation, error) {
	res, err := m.mutateReservation(ctx, id, func(res Reservation) (Reservation, error) {
		switch res.Status {
		case StatusReserved, StatusPartiallyReleased:
		default:
			if res.Status == StatusExpired && len(res.PendingReturn) > 0 {
				return res, nil
			}
			return Reservation{}, fmt.Errorf("%w: cannot expire %s reservation", ErrNotReserved, res.Status)
		}
		if m.now().Before(res.ExpiresAt) {
			return Reservation{}, fmt.Errorf("%w: reservation has not expired", ErrInvalidRequest)
		}
		res.PendingReturn = mergeItems(res.PendingReturn, res.Items)
		res.Items = nil
		res.Status = StatusExpired
		return res, nil
	})
	if err != nil {
		return Reservation{}, err
	}

	res, err = m.settle(ctx, res)
	if err != nil {
		return res, err
	}

	m.metrics.Reservation("expired")
	m.logger.Info().Str("reservation_id", id).Msg("reservation expired")
	return res, nil
}

// ExpireDue expires every held reservation whose deadline has passed, up
// to limit, and returns the ids it transitioned.
func (m *Manager) ExpireDue(ctx context.Context, limit int) ([]string, error) {
	due, err := m.store.ListExpired(ctx, m.now(), limit)
	if err != nil {
		return nil, err
	}

	var expired []string
	for _, res := range due {
		if _, err := m.Expire(ctx, res.ID); err != nil {
			// A racing confirm or release is fine; anything else is reported.
			if errors.Is(err, ErrNotReserved) {
				continue
			}
			return expired, err
		}
		expired = append(expired, res.ID)
	}
	return expired, nil
}

// SettleDue finishes pending ledger returns left behind by interrupted
// releases and expiries, up to limit, and returns the ids it settled.
func (m *Manager) SettleDue(ctx context.Context, limit int) ([]string, error) {
	due, err := m.store.ListUnsettled(ctx, limit)
	if err != nil {
		return nil, err
	}

	var settled []string
	for _, res := range due {
		if _, err := m.settle(ctx, res); err != nil {
			return settled, err
		}
		settled = append(settled, res.ID)
	}
	return settled, nil
}

func (m *Manager) claim(ctx context.Context, item Item) error {
	_, err := ledger.Mutate(ctx, m.ledger, item.ProductID, item.WarehouseID, m.casAttempts, func(rec ledger.Record) (ledger.Record, error) {
		if rec.Available() < item.Quantity {
			return ledger.Record{}, fmt.Errorf("%w: product %s warehouse %s has %d available, %d requested",
				ErrInsufficientInventory, item.ProductID, item.WarehouseID, rec.Available(), item.Quantity)
		}
		rec.QuantityReserved += item.Quantity
		return rec, nil
	})
	if errors.Is(err, ledger.ErrVersionConflict) {
		m.metrics.CASConflict("ledger")
		return fmt.Errorf("%w: ledger contention on product %s", ErrConflict, item.ProductID)
	}
	return err
}

func (m *Manager) rollback(ctx context.Context, claimed []Item) {
	for _, item := range claimed {
		item := item
		_, err := ledger.Mutate(ctx, m.ledger, item.ProductID, item.WarehouseID, m.casAttempts, func(rec ledger.Record) (ledger.Record, error) {
			rec.QuantityReserved -= item.Quantity
			return rec, nil
		})
		if err != nil {
			m.logger.Error().Err(err).
				Str("product_id", item.ProductID).
				Str("warehouse_id", item.WarehouseID).
				Int64("quantity", item.Quantity).
				Msg("failed to roll back partial reservation")
		}
	}
}

// settle drains the reservation's pending ledger returns. Each item is
// claimed off the pending list through a CAS write before the ledger is
// touched, so concurrent settlers (a retried release and the sweeper)
// each apply a given quantity at most once.
func (m *Manager) settle(ctx context.Context, res Reservation) (Reservation, error) {
	conflicts := 0
	for len(res.PendingReturn) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		item := res.PendingReturn[0]
		next := res
		next.PendingReturn = append([]Item(nil), res.PendingReturn[1:]...)
		next.UpdatedAt = m.now()

		if err := m.store.Update(ctx, next); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				conflicts++
				if conflicts >= m.casAttempts {
					m.metrics.CASConflict("reservation")
					return res, fmt.Errorf("%w: %v", ErrConflict, err)
				}
				latest, err := m.store.Get(ctx, res.ID)
				if err != nil {
					return res, err
				}
				res = latest
				continue
			}
			return res, err
		}
		conflicts = 0
		next.Version = res.Version + 1

		if err := m.returnLedgerItem(ctx, item); err != nil {
			m.requeue(ctx, res.ID, item)
			return next, err
		}
		res = next
	}
	return res, nil
}

// requeue restores a claimed pending return after a failed ledger write.
// The caller's context may already be cancelled, so the write runs on a
// detached one.
func (m *Manager) requeue(ctx context.Context, id string, item Item) {
	_, err := m.mutateReservation(context.WithoutCancel(ctx), id, func(res Reservation) (Reservation, error) {
		res.PendingReturn = mergeItems(res.PendingReturn, []Item{item})
		return res, nil
	})
	if err != nil {
		m.logger.Error().Err(err).
			Str("reservation_id", id).
			Str("product_id", item.ProductID).
			Int64("quantity", item.Quantity).
			Msg("failed to restore pending ledger return")
	}
}

func (m *Manager) returnLedgerItem(ctx context.Context, item Item) error {
	_, err := ledger.Mutate(ctx, m.ledger, item.ProductID, item.WarehouseID, m.casAttempts, func(rec ledger.Record) (ledger.Record, error) {
		rec.QuantityReserved -= item.Quantity
		return rec, nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrVersionConflict) {
			m.metrics.CASConflict("ledger")
			err = fmt.Errorf("%w: ledger contention on product %s", ErrConflict, item.ProductID)
		}
		m.logger.Error().Err(err).
			Str("product_id", item.ProductID).
			Str("warehouse_id", item.WarehouseID).
			Int64("quantity", item.Quantity).
			Msg("failed to return released quantity to ledger")
		return err
	}
	return nil
}

// mutateReservation runs a bounded read-apply-update loop against the
// reservation store, mirroring the ledger's CAS discipline. The apply
// function re-validates state on every attempt, so a racing transition is
// observed before any effect is applied.
func (m *Manager) mutateReservation(ctx context.Context, id string, fn func(Reservation) (Reservation, error)) (Reservation, error) {
	var lastErr error
	for i := 0; i < m.casAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return Reservation{}, err
		}

		res, err := m.store.Get(ctx, id)
		if err != nil {
			return Reservation{}, err
		}

		next, err := fn(res)
		if err != nil {
			return Reservation{}, err
		}
		next.ID = res.ID
		next.Version = res.Version
		next.UpdatedAt = m.now()

		if err := m.store.Update(ctx, next); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return Reservation{}, err
		}
		next.Version = res.Version + 1
		return next, nil
	}
	m.metrics.CASConflict("reservation")
	return Reservation{}, fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func validateItems(items []Item) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: at least one item required", ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.ProductID == "" || item.WarehouseID == "" {
			return fmt.Errorf("%w: product and warehouse ids required", ErrInvalidRequest)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be positive for product %s", ErrInvalidRequest, item.ProductID)
		}
		key := item.ProductID + "/" + item.WarehouseID
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: duplicate item %s", ErrInvalidRequest, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func releaseSet(res Reservation, items []Item) ([]Item, error) {
	if len(items) == 0 {
		held := make([]Item, 0, len(res.Items))
		for _, item := range res.Items {
			if item.Quantity > 0 {
				held = append(held, item)
			}
		}
		return held, nil
	}

	if err := validateItems(items); err != nil {
		return nil, err
	}
	for _, item := range items {
		if held := res.Held(item.ProductID, item.WarehouseID); item.Quantity > held {
			return nil, fmt.Errorf("%w: release of %d exceeds held %d for product %s",
				ErrInvalidRequest, item.Quantity, held, item.ProductID)
		}
	}
	return append([]Item(nil), items...), nil
}

func mergeItems(base, add []Item) []Item {
	out := append([]Item(nil), base...)
	for _, item := range add {
		merged := false
		for i := range out {
			if out[i].ProductID == item.ProductID && out[i].WarehouseID == item.WarehouseID {
				out[i].Quantity += item.Quantity
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, item)
		}
	}
	return out
}

func subtractItems(held, released []Item) []Item {
	out := make([]Item, 0, len(held))
	for _, item := range held {
		remaining := item.Quantity
		for _, rel := range released {
			if rel.ProductID == item.ProductID && rel.WarehouseID == item.WarehouseID {
				remaining -= rel.Quantity
			}
		}
		if remaining > 0 {
			out = append(out, Item{
				ProductID:   item.ProductID,
				WarehouseID: item.WarehouseID,
				Quantity:    remaining,
			})
		}
	}
	return out
}

func remainingQuantity(items []Item) int64 {
	var total int64
	for _, item := range items {
		total += item.Quantity
	}
	return total
}
