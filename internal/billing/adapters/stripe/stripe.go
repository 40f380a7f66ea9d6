package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/resellrai/resellr/internal/billing/domain"
	"github.com/resellrai/resellr/internal/clock"
	"github.com/resellrai/resellr/internal/config"
)

const signatureHeader = "Stripe-Signature"

// Adapter verifies and parses Stripe webhook payloads.
type Adapter struct {
	secret    []byte
	tolerance time.Duration
	clock     clock.Clock
}

func NewAdapter(cfg config.StripeConfig, clk clock.Clock) *Adapter {
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Adapter{
		secret:    []byte(cfg.WebhookSecret),
		tolerance: tolerance,
		clock:     clk,
	}
}

func (a *Adapter) Provider() string { return "stripe" }

// Verify checks the Stripe-Signature header: a timestamp within tolerance and
// an HMAC-SHA256 of "<t>.<payload>" matching one of the v1 signatures.
func (a *Adapter) Verify(_ context.Context, payload []byte, headers http.Header) error {
	header := headers.Get(signatureHeader)
	if header == "" || len(a.secret) == 0 {
		return domain.ErrInvalidSignature
	}

	var timestamp int64
	var signatures [][]byte
	for _, element := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(element), "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			parsed, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return domain.ErrInvalidSignature
			}
			timestamp = parsed
		case "v1":
			decoded, err := hex.DecodeString(parts[1])
			if err != nil {
				continue
			}
			signatures = append(signatures, decoded)
		}
	}
	if timestamp == 0 || len(signatures) == 0 {
		return domain.ErrInvalidSignature
	}

	age := a.clock.Now().Sub(time.Unix(timestamp, 0))
	if age < 0 {
		age = -age
	}
	if age > a.tolerance {
		return domain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, signature := range signatures {
		if hmac.Equal(expected, signature) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type subscriptionObject struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CanceledAt        int64  `json:"canceled_at"`
	Items             struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

type invoiceObject struct {
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata"`
}

type checkoutSessionObject struct {
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// Parse maps a verified Stripe payload onto the canonical event shape. Event
// types outside the subscription lifecycle come back as ErrEventIgnored.
func (a *Adapter) Parse(_ context.Context, payload []byte) (*domain.Event, error) {
	var raw stripeEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if raw.ID == "" || raw.Type == "" {
		return nil, domain.ErrInvalidEvent
	}

	event := &domain.Event{
		Provider:   "stripe",
		EventID:    raw.ID,
		Type:       raw.Type,
		OccurredAt: time.Unix(raw.Created, 0).UTC(),
	}

	switch raw.Type {
	case domain.EventTypeSubscriptionCreated,
		domain.EventTypeSubscriptionUpdated,
		domain.EventTypeSubscriptionDeleted:
		var sub subscriptionObject
		if err := json.Unmarshal(raw.Data.Object, &sub); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		event.CustomerID = sub.Customer
		event.SubscriptionID = sub.ID
		event.Status = sub.Status
		event.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		event.UserID = metadataUserID(sub.Metadata)
		if sub.CurrentPeriodEnd > 0 {
			at := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			event.CurrentPeriodEnd = &at
		}
		if sub.CanceledAt > 0 {
			at := time.Unix(sub.CanceledAt, 0).UTC()
			event.CanceledAt = &at
		}
		if len(sub.Items.Data) > 0 {
			event.PriceID = sub.Items.Data[0].Price.ID
		}
	case domain.EventTypeInvoicePaid, domain.EventTypeInvoiceFailed:
		var invoice invoiceObject
		if err := json.Unmarshal(raw.Data.Object, &invoice); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		event.CustomerID = invoice.Customer
		event.SubscriptionID = invoice.Subscription
		event.InvoiceStatus = invoice.Status
		event.UserID = metadataUserID(invoice.Metadata)
	case domain.EventTypeCheckoutCompleted:
		var session checkoutSessionObject
		if err := json.Unmarshal(raw.Data.Object, &session); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		event.CustomerID = session.Customer
		event.SubscriptionID = session.Subscription
		event.UserID = metadataUserID(session.Metadata)
		if event.UserID == 0 && session.ClientReferenceID != "" {
			if parsed, err := strconv.ParseInt(session.ClientReferenceID, 10, 64); err == nil {
				event.UserID = parsed
			}
		}
	default:
		return nil, domain.ErrEventIgnored
	}

	if event.CustomerID == "" && event.UserID == 0 {
		return nil, domain.ErrInvalidEvent
	}
	return event, nil
}

func metadataUserID(metadata map[string]string) int64 {
	value, ok := metadata["user_id"]
	if !ok {
		return 0
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
