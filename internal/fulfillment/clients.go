package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPaymentDeclined signals the payment was rejected outright; retrying
// the same charge will not help.
var ErrPaymentDeclined = errors.New("payment declined")

// ErrNoCarrier signals no carrier can take the shipment.
var ErrNoCarrier = errors.New("no carrier available")

// PaymentClient charges and refunds orders.
type PaymentClient interface {
	Charge(ctx context.Context, orderID string, amount float64) (paymentID string, err error)
	Refund(ctx context.Context, paymentID string) error
}

// ShippingClient arranges and cancels shipments.
type ShippingClient interface {
	Arrange(ctx context.Context, orderID, address string) (shipmentID string, err error)
	CancelShipment(ctx context.Context, shipmentID string) error
}

// NotificationClient delivers customer-facing notifications.
type NotificationClient interface {
	Notify(ctx context.Context, orderID, message string) error
}

// NewInMemoryPaymentClient constructs an in-memory payment client.
func NewInMemoryPaymentClient() *InMemoryPaymentClient {
	return &InMemoryPaymentClient{
		charges:  make(map[string]charge),
		refunded: make(map[string]bool),
	}
}

type charge struct {
	orderID string
	amount  float64
}

// InMemoryPaymentClient tracks charges and refunds in memory.
type InMemoryPaymentClient struct {
	mu        sync.Mutex
	seq       int
	charges   map[string]charge
	refunded  map[string]bool
	chargeErr error
}

// FailCharges makes subsequent charges fail with err (nil restores).
func (c *InMemoryPaymentClient) FailCharges(err error) {
	c.mu.Lock()
	c.chargeErr = err
	c.mu.Unlock()
}

func (c *InMemoryPaymentClient) Charge(_ context.Context, orderID string, amount float64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chargeErr != nil {
		return "", c.chargeErr
	}
	c.seq++
	id := fmt.Sprintf("pay-%d", c.seq)
	c.charges[id] = charge{orderID: orderID, amount: amount}
	return id, nil
}

func (c *InMemoryPaymentClient) Refund(_ context.Context, paymentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.charges[paymentID]; !ok {
		return errors.New("refund without charge")
	}
	c.refunded[paymentID] = true
	return nil
}

// WasCharged reports whether an order was charged (for testing/inspection).
func (c *InMemoryPaymentClient) WasCharged(orderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.charges {
		if ch.orderID == orderID {
			return true
		}
	}
	return false
}

// WasRefunded reports whether a payment was refunded (for testing/inspection).
func (c *InMemoryPaymentClient) WasRefunded(paymentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refunded[paymentID]
}

// NewInMemoryShippingClient constructs an in-memory shipping client.
func NewInMemoryShippingClient() *InMemoryShippingClient {
	return &InMemoryShippingClient{
		shipments: make(map[string]string),
		cancelled: make(map[string]bool),
	}
}

// InMemoryShippingClient tracks shipments in memory.
type InMemoryShippingClient struct {
	mu         sync.Mutex
	seq        int
	shipments  map[string]string
	cancelled  map[string]bool
	arrangeErr error
}

// FailArrangements makes subsequent arrangements fail with err (nil restores).
func (c *InMemoryShippingClient) FailArrangements(err error) {
	c.mu.Lock()
	c.arrangeErr = err
	c.mu.Unlock()
}

func (c *InMemoryShippingClient) Arrange(_ context.Context, orderID, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.arrangeErr != nil {
		return "", c.arrangeErr
	}
	c.seq++
	id := fmt.Sprintf("ship-%d", c.seq)
	c.shipments[id] = orderID
	return id, nil
}

func (c *InMemoryShippingClient) CancelShipment(_ context.Context, shipmentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.shipments[shipmentID]; !ok {
		return errors.New("cancel of unknown shipment")
	}
	c.cancelled[shipmentID] = true
	return nil
}

// WasCancelled reports whether a shipment was cancelled (for testing/inspection).
func (c *InMemoryShippingClient) WasCancelled(shipmentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[shipmentID]
}

// NewInMemoryNotificationClient constructs an in-memory notification client.
func NewInMemoryNotificationClient() *InMemoryNotificationClient {
	return &InMemoryNotificationClient{
		messages: make(map[string][]string),
	}
}

// InMemoryNotificationClient records notifications in memory.
type InMemoryNotificationClient struct {
	mu       sync.Mutex
	messages map[string][]string
}

func (c *InMemoryNotificationClient) Notify(_ context.Context, orderID, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[orderID] = append(c.messages[orderID], message)
	return nil
}

// Notifications returns the messages sent for an order.
func (c *InMemoryNotificationClient) Notifications(orderID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages[orderID]...)
}
