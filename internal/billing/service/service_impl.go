package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/resellrai/resellr/internal/billing/adapters"
	billingdomain "github.com/resellrai/resellr/internal/billing/domain"
	"github.com/resellrai/resellr/internal/clock"
	entitlementdomain "github.com/resellrai/resellr/internal/entitlement/domain"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	Adapters     *adapters.Registry
	Entitlements entitlementdomain.Service
}

// Service turns verified billing webhooks into subscription state.
type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	adapters     *adapters.Registry
	entitlements entitlementdomain.Service
}

func NewService(p Params) billingdomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("billing.service"),
		clock:        p.Clock,
		adapters:     p.Adapters,
		entitlements: p.Entitlements,
	}
}

// IngestWebhook verifies, deduplicates, and applies one provider webhook.
// Duplicate deliveries and ignorable event types both come back nil so the
// provider sees a 2xx and stops retrying.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return billingdomain.ErrInvalidProvider
	}
	adapter, ok := s.adapters.Adapter(provider)
	if !ok {
		return billingdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return billingdomain.ErrInvalidPayload
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		return err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, billingdomain.ErrEventIgnored) {
			s.log.Debug("billing event ignored", zap.String("provider", provider))
			return nil
		}
		return err
	}

	alreadyProcessed, err := s.markWebhookProcessed(ctx, provider, event.EventID)
	if err != nil {
		return err
	}
	if alreadyProcessed {
		s.log.Info("duplicate billing event acknowledged",
			zap.String("provider", provider),
			zap.String("event_id", event.EventID),
		)
		return nil
	}

	return s.applyEvent(ctx, event)
}

// markWebhookProcessed records the event id, returning true when it was seen
// before. Check-then-insert is deliberately best-effort: the realistic race is
// a duplicate provider delivery, and the downstream subscription upsert is
// idempotent, so a rare double-process is harmless.
func (s *Service) markWebhookProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM processed_webhook_events WHERE event_id = ?`,
		eventID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}

	res := s.db.WithContext(ctx).Exec(
		`INSERT INTO processed_webhook_events (event_id, provider, received_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID,
		provider,
		s.clock.Now(),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 0, nil
}

func (s *Service) applyEvent(ctx context.Context, event *billingdomain.Event) error {
	existing, err := s.entitlements.FindSubscriptionByCustomerID(ctx, event.Provider, event.CustomerID)
	if err != nil {
		return err
	}

	userID := event.UserID
	if userID == 0 && existing != nil {
		userID = existing.UserID
	}
	if userID == 0 {
		// Nothing to attach the event to. Acknowledge it so the
		// provider stops retrying; a later event with metadata will
		// establish the mapping.
		s.log.Warn("billing event has no resolvable user",
			zap.String("provider", event.Provider),
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.Type),
		)
		return nil
	}

	record := &entitlementdomain.SubscriptionRecord{
		UserID:             userID,
		Provider:           event.Provider,
		ProviderCustomerID: event.CustomerID,
	}
	if existing != nil {
		*record = *existing
		record.UserID = userID
	}
	if record.ProviderCustomerID == "" {
		record.ProviderCustomerID = event.CustomerID
	}

	switch event.Type {
	case billingdomain.EventTypeSubscriptionCreated, billingdomain.EventTypeSubscriptionUpdated:
		record.Tier = "premium"
		record.Status = event.Status
		record.ProviderSubscriptionID = event.SubscriptionID
		record.PriceID = event.PriceID
		record.CurrentPeriodEnd = event.CurrentPeriodEnd
		record.CancelAtPeriodEnd = event.CancelAtPeriodEnd
		record.CanceledAt = event.CanceledAt
	case billingdomain.EventTypeSubscriptionDeleted:
		record.Tier = "free"
		record.Status = "canceled"
		record.CanceledAt = event.CanceledAt
		if record.CanceledAt == nil {
			now := s.clock.Now()
			record.CanceledAt = &now
		}
	case billingdomain.EventTypeInvoicePaid:
		record.LatestInvoiceStatus = "paid"
		if event.SubscriptionID != "" {
			record.ProviderSubscriptionID = event.SubscriptionID
		}
	case billingdomain.EventTypeInvoiceFailed:
		record.LatestInvoiceStatus = "failed"
	case billingdomain.EventTypeCheckoutCompleted:
		if event.SubscriptionID != "" {
			record.ProviderSubscriptionID = event.SubscriptionID
		}
	default:
		return billingdomain.ErrInvalidEvent
	}

	if err := s.entitlements.UpsertSubscription(ctx, record); err != nil {
		return err
	}
	s.log.Info("billing event applied",
		zap.String("provider", event.Provider),
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.Type),
		zap.Int64("user_id", userID),
	)
	return nil
}
