package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"stockroom/internal/events"
	"stockroom/internal/ledger"
	"stockroom/internal/reservation"
	"stockroom/internal/saga"
)

// Workflow types.
const (
	WorkflowOrderFulfillment = "ORDER_FULFILLMENT"
	WorkflowReturnProcessing = "RETURN_PROCESSING"
)

// Step names.
const (
	StepReserveInventory = "reserve_inventory"
	StepChargePayment    = "charge_payment"
	StepArrangeShipping  = "arrange_shipping"
	StepConfirmInventory = "confirm_inventory"
	StepNotifyCustomer   = "notify_customer"
	StepValidateReturn   = "validate_return"
	StepRestockInventory = "restock_inventory"
	StepRefundPayment    = "refund_payment"
)

// Saga context keys. Inputs come from the start request; the rest are
// step outputs merged in as the saga progresses.
const (
	KeyOrderID            = "order_id"
	KeyItems              = "items"
	KeyAmount             = "amount"
	KeyAddress            = "address"
	KeyReservationID      = "reservation_id"
	KeyPaymentID          = "payment_id"
	KeyShipmentID         = "shipment_id"
	KeyInventoryConfirmed = "inventory_confirmed"
	KeyRestocked          = "restocked"
)

const defaultMaxDuration = 30 * time.Minute

// Dependencies are the collaborators the workflow steps are bound to.
type Dependencies struct {
	Reservations  *reservation.Manager
	Ledger        ledger.Store
	Payments      PaymentClient
	Shipping      ShippingClient
	Notifications NotificationClient

	// ReservationTTL is passed through to Reserve; zero means the
	// manager's default.
	ReservationTTL time.Duration
	// MaxDuration bounds each workflow end to end; zero means 30 minutes.
	MaxDuration time.Duration
	// LedgerCASAttempts bounds restock retry loops; zero means 5.
	LedgerCASAttempts int
}

func (d Dependencies) validate() error {
	if d.Reservations == nil || d.Ledger == nil {
		return errors.New("fulfillment: reservation manager and ledger are required")
	}
	if d.Payments == nil || d.Shipping == nil || d.Notifications == nil {
		return errors.New("fulfillment: payment, shipping and notification clients are required")
	}
	return nil
}

func (d Dependencies) maxDuration() time.Duration {
	if d.MaxDuration > 0 {
		return d.MaxDuration
	}
	return defaultMaxDuration
}

func (d Dependencies) casAttempts() int {
	if d.LedgerCASAttempts > 0 {
		return d.LedgerCASAttempts
	}
	return 5
}

// Register adds the order fulfillment and return processing workflows to
// the registry.
func Register(registry *saga.Registry, deps Dependencies) error {
	if err := deps.validate(); err != nil {
		return err
	}
	if err := registry.Register(NewOrderFulfillment(deps)); err != nil {
		return err
	}
	return registry.Register(NewReturnProcessing(deps))
}

// EncodeItems serializes reservation items for the saga context.
func EncodeItems(items []reservation.Item) (string, error) {
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseItems deserializes reservation items from the saga context.
func ParseItems(s string) ([]reservation.Item, error) {
	if s == "" {
		return nil, errors.New("no items in saga context")
	}
	var items []reservation.Item
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil, fmt.Errorf("malformed items: %w", err)
	}
	if len(items) == 0 {
		return nil, errors.New("empty item list")
	}
	return items, nil
}

// NewOrderFulfillment builds the ORDER_FULFILLMENT workflow: reserve
// stock, charge the customer, arrange shipping, confirm the reservation,
// notify. Each step carries the compensation undoing it.
func NewOrderFulfillment(deps Dependencies) saga.WorkflowDefinition {
	return saga.WorkflowDefinition{
		Type:                 WorkflowOrderFulfillment,
		MaxDuration:          deps.maxDuration(),
		StartedEventType:     events.TypeOrderCreated,
		CompletedEventType:   events.TypeOrderCompleted,
		CompensatedEventType: events.TypeOrderCancelled,
		Steps: []saga.StepDefinition{
			{
				Name:             StepReserveInventory,
				Handler:          reserveInventory(deps),
				EventType:        events.TypeInventoryReserved,
				FailureEventType: events.TypeInventoryReservationFailed,
				Compensation: &saga.Compensation{
					Action:    "RELEASE_INVENTORY",
					Condition: releaseApplies,
					Handler:   releaseInventory(deps),
				},
			},
			{
				Name:    StepChargePayment,
				Handler: chargePayment(deps),
				Compensation: &saga.Compensation{
					Action:    "REFUND_PAYMENT",
					Condition: saga.ContextHas(KeyPaymentID),
					Handler:   refundPayment(deps),
				},
			},
			{
				Name:    StepArrangeShipping,
				Handler: arrangeShipping(deps),
				Compensation: &saga.Compensation{
					Action:    "CANCEL_SHIPMENT",
					Condition: saga.ContextHas(KeyShipmentID),
					Handler:   cancelShipment(deps),
				},
			},
			{
				Name:    StepConfirmInventory,
				Handler: confirmInventory(deps),
				Compensation: &saga.Compensation{
					Action:    "RESTOCK_INVENTORY",
					Condition: saga.ContextHas(KeyInventoryConfirmed),
					Handler:   restockItems(deps, 1),
				},
			},
			{
				Name:    StepNotifyCustomer,
				Handler: notifyCustomer(deps, "your order is confirmed"),
			},
		},
	}
}

// NewReturnProcessing builds the RETURN_PROCESSING workflow: validate the
// return, put the units back on hand, refund, notify.
func NewReturnProcessing(deps Dependencies) saga.WorkflowDefinition {
	return saga.WorkflowDefinition{
		Type:        WorkflowReturnProcessing,
		MaxDuration: deps.maxDuration(),
		Steps: []saga.StepDefinition{
			{
				Name:    StepValidateReturn,
				Handler: validateReturn,
			},
			{
				Name:    StepRestockInventory,
				Handler: restockForReturn(deps),
				Compensation: &saga.Compensation{
					Action:    "UNDO_RESTOCK",
					Condition: saga.ContextHas(KeyRestocked),
					Handler:   restockItems(deps, -1),
				},
			},
			{
				Name:    StepRefundPayment,
				Handler: refundForReturn(deps),
			},
			{
				Name:    StepNotifyCustomer,
				Handler: notifyCustomer(deps, "your return was processed"),
			},
		},
	}
}

// releaseApplies holds when a reservation exists and was not yet turned
// into a permanent deduction; a confirmed reservation is undone by
// restocking instead.
func releaseApplies(sagaCtx map[string]string) bool {
	if _, ok := sagaCtx[KeyReservationID]; !ok {
		return false
	}
	_, confirmed := sagaCtx[KeyInventoryConfirmed]
	return !confirmed
}

func reserveInventory(deps Dependencies) saga.Handler {
	return func(ctx context.Context, sagaCtx map[string]string) saga.StepResult {
		orderID := sagaCtx[KeyOrderID]
		if orderID == "" {
			return saga.FatalFailure(errors.New("no order id in saga context"))
		}
		items, err := ParseItems(sagaCtx[KeyItems])
		if err != nil {
			return saga.FatalFailure(err)
		}

		res, err := deps.Reservations.Reserve(ctx, orderID, items, deps.ReservationTTL)
		switch {
		case err == nil:
			return saga.Success(map[string]string{KeyReservationID: res.ID})
		case errors.Is(err, reservation.ErrInsufficientInventory),
			errors.Is(err, reservation.ErrInvalidRequest):
			return saga.FatalFailure(err)
		default:
			return saga.RetryableFailure(err)
		}
	}
}

func releaseInventory(deps Dependencies) saga.Handler {
	return func(ctx context.Context, sagaCtx map[string]string) saga.StepResult {
		_, err := deps.Reservations.Release(ctx, sagaCtx[KeyReservationID], nil)
		switch {
		case err == nil,
			errors.Is(err, reservation.ErrNotReserved),
			errors.Is(err, reservation.ErrNotFound):
			// Already released or expired; the units are back either way.
			return saga.Success(nil)
		default:
			return saga.RetryableFailure(err)
		}
	}
}

func chargePayment(deps Dependencies) saga.Handler {
	return func(ctx context.Context, sagaCtx map[string]string) saga.StepResult {
		orderID := sagaCtx[KeyOrderID]
		amount, err := strconv.ParseFloat(sagaCtx[KeyAmount], 64)
		if err != nil || amount <= 0 {
			return saga.FatalFailure(fmt.Errorf("invalid order amount %q", sagaCtx[KeyAmount]))
		}

		paymentID, err := deps.Payments.Charge(ctx, orderID, amount)
		switch {
		case err == nil:
			return saga.Success(map[string]string{KeyPaymentID: paymentID})
		case errors.Is(err, ErrPaymentDeclined):
			return saga.FatalFailure(err)
		default:
			return saga.RetryableFailure(err)
		}
	}
}

func refundPayment(deps Dependencies) saga.Handler {
	return func(ctx context.Context, sagaCtx map[string]string) saga.StepResult {
		if err := deps.Payments.Refund(ctx, sagaCtx[KeyPaymentID]); err != nil {
			return saga.RetryableFailure(err)
		}
		return saga.Success(nil)
	}
}

func arrangeShipping(deps Dependencies) saga.Handler {
	return func(ctx context.Context, sagaCtx map[string]string) saga.StepResult {
		shipmentID, err := deps.Shipping.Arrange(ctx, sagaCtx[KeyOrderID], sagaCtx[KeyAddress])
		switch {
		case err == nil:
			return saga.Success(map[string]string{KeyShipmentID: shipmentID})
		case errors.Is(err, ErrNoCarrier):
			return saga.FatalFailure(err)
		default:
			return saga.RetryableFailure(err)
		}
	}
}

func cancelShipment(deps Dependencies) saga.Handler {
	return func(ctx context.Context, sagaCtx map[string]string) saga.StepResult {
		if err := deps.Shipping.CancelShipment(ctx, sagaCtx[KeyShipmentID]); err != nil {
			return saga.RetryableFailure(err)
		}
		return saga.Success(nil)
	}
}

func confirmInventory(deps Dependencies) saga.Handler {
	return func(ctx context.Context, sagaCtx map[string]string) saga.StepResult {
		_, err := deps.Reservations.Confirm(ctx, sagaCtx[KeyReservationID])
		switch {
		case err == nil:
			return saga.Success(map[string]string{KeyInventoryConfirmed: "true"})
		case errors.Is(err, reservation.ErrNotReserved),
			errors.Is(err, reservation.ErrNotFound):
			// The hold lapsed before confirmation; the order cannot ship.
			return saga.FatalFailure(err)
		default:
			return saga.RetryableFailure(err)
		}
	}
}

func notifyCustomer(deps Dependencies, message string) saga.Handler {
	return func(ctx context.Context, sagaCtx map[string]string) saga.StepResult {
		if err := deps.Notifications.Notify(ctx, sagaCtx[KeyOrderID], message); err != nil {
			return saga.RetryableFailure(err)
		}
		return saga.Success(nil)
	}
}

func validateReturn(_ context.Context, sagaCtx map[string]string) saga.StepResult {
	if sagaCtx[KeyOrderID] == "" {
		return saga.FatalFailure(errors.New("no order id in saga context"))
	}
	if sagaCtx[KeyPaymentID] == "" {
		return saga.FatalFailure(errors.New("no payment to refund"))
	}
	if _, err := ParseItems(sagaCtx[KeyItems]); err != nil {
		return saga.FatalFailure(err)
	}
	return saga.Success(nil)
}

func restockForReturn(deps Dependencies) saga.Handler {
	restock := restockItems(deps, 1)
	return func(ctx context.Context, sagaCtx map[string]string) saga.StepResult {
		res := restock(ctx, sagaCtx)
		if !res.OK() {
			return res
		}
		return saga.Success(map[string]string{KeyRestocked: "true"})
	}
}

// restockItems adjusts on-hand stock by sign*quantity for every item in
// the saga context.
func restockItems(deps Dependencies, sign int64) saga.Handler {
	return func(ctx context.Context, sagaCtx map[string]string) saga.StepResult {
		items, err := ParseItems(sagaCtx[KeyItems])
		if err != nil {
			return saga.FatalFailure(err)
		}
		for _, item := range items {
			_, err := ledger.Adjust(ctx, deps.Ledger, item.ProductID, item.WarehouseID, sign*item.Quantity, deps.casAttempts())
			if err != nil {
				return saga.RetryableFailure(err)
			}
		}
		return saga.Success(nil)
	}
}

func refundForReturn(deps Dependencies) saga.Handler {
	return func(ctx context.Context, sagaCtx map[string]string) saga.StepResult {
		if err := deps.Payments.Refund(ctx, sagaCtx[KeyPaymentID]); err != nil {
			return saga.RetryableFailure(err)
		}
		return saga.Success(nil)
	}
}
