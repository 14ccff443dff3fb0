package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook event names for terminal workflow transitions.
const (
	WebhookWorkflowCompleted = "workflow.completed"
	WebhookWorkflowFailed    = "workflow.failed"
	WebhookSagaCompensated   = "saga.compensated"
	WebhookWorkflowTimedOut  = "workflow.timed_out"
)

// WebhookPayload mirrors the saga status snapshot plus a signature over
// the serialized body.
type WebhookPayload struct {
	Event     string          `json:"event"`
	SagaID    string          `json:"saga_id"`
	Timestamp time.Time       `json:"timestamp"`
	Snapshot  json.RawMessage `json:"snapshot"`
	Signature string          `json:"signature,omitempty"`
}

// Sign computes the hex-encoded HMAC-SHA256 of the payload body (with the
// signature field empty) under the given secret.
func (p WebhookPayload) Sign(secret []byte) (string, error) {
	unsigned := p
	unsigned.Signature = ""
	body, err := json.Marshal(unsigned)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature reports whether the payload's signature matches.
func (p WebhookPayload) VerifySignature(secret []byte) bool {
	want, err := p.Sign(secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(p.Signature))
}

// WebhookDispatcher delivers signed payloads to one endpoint.
type WebhookDispatcher struct {
	endpoint string
	secret   []byte
	client   *http.Client
	now      func() time.Time
}

// NewWebhookDispatcher constructs a dispatcher posting to endpoint.
func NewWebhookDispatcher(endpoint string, secret []byte, client *http.Client) *WebhookDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookDispatcher{
		endpoint: endpoint,
		secret:   secret,
		client:   client,
		now:      time.Now,
	}
}

// Dispatch signs and posts the payload. Delivery is at-least-once; the
// receiving side dedups on (event, saga_id, timestamp).
func (d *WebhookDispatcher) Dispatch(ctx context.Context, event, sagaID string, snapshot any) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	payload := WebhookPayload{
		Event:     event,
		SagaID:    sagaID,
		Timestamp: d.now().UTC(),
		Snapshot:  raw,
	}
	sig, err := payload.Sign(d.secret)
	if err != nil {
		return err
	}
	payload.Signature = sig

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %s", resp.Status)
	}
	return nil
}
