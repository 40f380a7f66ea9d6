package domain

import (
	"context"
	"errors"
	"net/http"
	"time"
)

const (
	EventTypeSubscriptionCreated = "customer.subscription.created"
	EventTypeSubscriptionUpdated = "customer.subscription.updated"
	EventTypeSubscriptionDeleted = "customer.subscription.deleted"
	EventTypeInvoicePaid         = "invoice.payment_succeeded"
	EventTypeInvoiceFailed       = "invoice.payment_failed"
	EventTypeCheckoutCompleted   = "checkout.session.completed"
)

// Event is the canonical billing event parsed by provider adapters. UserID is
// zero when the provider payload carries no user mapping; the service then
// falls back to the stored customer id.
type Event struct {
	Provider          string
	EventID           string
	Type              string
	UserID            int64
	CustomerID        string
	SubscriptionID    string
	PriceID           string
	Status            string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	CanceledAt        *time.Time
	InvoiceStatus     string
	OccurredAt        time.Time
}

// Adapter verifies and parses one provider's webhook payloads.
type Adapter interface {
	Provider() string
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*Event, error)
}

// Service ingests billing provider webhooks.
type Service interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}

var (
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrEventIgnored     = errors.New("event_ignored")
)
