package fulfillment

import (
	"context"

	"stockroom/internal/reliability"
)

// ReliablePaymentClient wraps a PaymentClient with reliability controls.
type ReliablePaymentClient struct {
	base    PaymentClient
	limiter *reliability.RateLimiter
	breaker *reliability.CircuitBreaker
	retry   reliability.RetryPolicy
}

// NewReliablePaymentClient constructs a reliability-wrapped payment client.
func NewReliablePaymentClient(base PaymentClient, limiter *reliability.RateLimiter, breaker *reliability.CircuitBreaker, retry reliability.RetryPolicy) *ReliablePaymentClient {
	return &ReliablePaymentClient{
		base:    base,
		limiter: limiter,
		breaker: breaker,
		retry:   retry,
	}
}

func (c *ReliablePaymentClient) Charge(ctx context.Context, orderID string, amount float64) (string, error) {
	var id string
	err := c.do(ctx, func() error {
		var err error
		id, err = c.base.Charge(ctx, orderID, amount)
		return err
	})
	return id, err
}

func (c *ReliablePaymentClient) Refund(ctx context.Context, paymentID string) error {
	return c.do(ctx, func() error {
		return c.base.Refund(ctx, paymentID)
	})
}

func (c *ReliablePaymentClient) do(ctx context.Context, fn func() error) error {
	attempt := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if c.breaker != nil {
			return c.breaker.Execute(fn)
		}
		return fn()
	}
	return c.retry.Do(ctx, attempt)
}

// ReliableShippingClient wraps a ShippingClient with reliability controls.
type ReliableShippingClient struct {
	base    ShippingClient
	limiter *reliability.RateLimiter
	breaker *reliability.CircuitBreaker
	retry   reliability.RetryPolicy
}

// NewReliableShippingClient constructs a reliability-wrapped shipping client.
func NewReliableShippingClient(base ShippingClient, limiter *reliability.RateLimiter, breaker *reliability.CircuitBreaker, retry reliability.RetryPolicy) *ReliableShippingClient {
	return &ReliableShippingClient{
		base:    base,
		limiter: limiter,
		breaker: breaker,
		retry:   retry,
	}
}

func (c *ReliableShippingClient) Arrange(ctx context.Context, orderID, address string) (string, error) {
	var id string
	err := c.do(ctx, func() error {
		var err error
		id, err = c.base.Arrange(ctx, orderID, address)
		return err
	})
	return id, err
}

func (c *ReliableShippingClient) CancelShipment(ctx context.Context, shipmentID string) error {
	return c.do(ctx, func() error {
		return c.base.CancelShipment(ctx, shipmentID)
	})
}

func (c *ReliableShippingClient) do(ctx context.Context, fn func() error) error {
	attempt := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if c.breaker != nil {
			return c.breaker.Execute(fn)
		}
		return fn()
	}
	return c.retry.Do(ctx, attempt)
}
