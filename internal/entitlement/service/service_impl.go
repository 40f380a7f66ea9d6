package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/resellrai/resellr/internal/cache"
	"github.com/resellrai/resellr/internal/clock"
	"github.com/resellrai/resellr/internal/entitlement/domain"
)

const subscriptionCacheTTL = 30 * time.Second

// Params collects the ledger's dependencies.
type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

// Service implements the entitlement ledger on single-row conditional
// updates; no multi-row transactions are required.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	subs  *cache.TTLCache[int64, *domain.SubscriptionRecord]
}

// NewService constructs the ledger.
func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("entitlement.service"),
		clock: p.Clock,
		subs:  cache.NewTTLCache[int64, *domain.SubscriptionRecord](),
	}
}

func (s *Service) CanDirectPublish(ctx context.Context, userID int64) (domain.Decision, error) {
	sub, err := s.subscription(ctx, userID)
	if err != nil {
		return domain.Decision{}, err
	}
	if sub.ActiveAt(s.clock.Now()) {
		return domain.Decision{Allowed: true, Reason: domain.ReasonPremium}, nil
	}

	trial, err := s.trial(ctx, userID)
	if err != nil {
		return domain.Decision{}, err
	}
	if trial != nil && trial.UsedAt == nil {
		return domain.Decision{Allowed: true, Reason: domain.ReasonTrialAvailable}, nil
	}
	return domain.Decision{Allowed: false, Reason: domain.ReasonUpgradeRequired}, nil
}

func (s *Service) GrantOnEbayConnect(ctx context.Context, userID int64) error {
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO free_publish_trials (user_id, granted_at, grant_source)
		 VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
		now,
		"ebay_connect",
	).Error
	if err != nil {
		return err
	}
	s.log.Info("free publish trial ensured", zap.Int64("user_id", userID))
	return nil
}

func (s *Service) ConsumeOnSuccessfulPublish(ctx context.Context, userID, listingID int64, result []byte) (bool, error) {
	now := s.clock.Now()
	var payload datatypes.JSON
	if len(result) > 0 {
		payload = datatypes.JSON(result)
	}

	// The used_at IS NULL predicate is the compare-and-swap: under N racing
	// attempts exactly one update reports a row affected.
	res := s.db.WithContext(ctx).Exec(
		`UPDATE free_publish_trials
		 SET used_at = ?, used_listing_id = ?, used_publish_result = ?
		 WHERE user_id = ? AND used_at IS NULL`,
		now,
		listingID,
		payload,
		userID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	consumed := res.RowsAffected == 1
	if consumed {
		s.log.Info("free publish trial consumed",
			zap.Int64("user_id", userID),
			zap.Int64("listing_id", listingID),
		)
	}
	return consumed, nil
}

func (s *Service) UpsertSubscription(ctx context.Context, record *domain.SubscriptionRecord) error {
	if record == nil || record.UserID == 0 {
		return errors.New("invalid_subscription_record")
	}
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			user_id, tier, status, provider, provider_customer_id,
			provider_subscription_id, price_id, current_period_end,
			cancel_at_period_end, canceled_at, latest_invoice_status,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			tier = excluded.tier,
			status = excluded.status,
			provider = excluded.provider,
			provider_customer_id = excluded.provider_customer_id,
			provider_subscription_id = excluded.provider_subscription_id,
			price_id = excluded.price_id,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			canceled_at = excluded.canceled_at,
			latest_invoice_status = excluded.latest_invoice_status,
			updated_at = excluded.updated_at`,
		record.UserID,
		record.Tier,
		record.Status,
		record.Provider,
		record.ProviderCustomerID,
		record.ProviderSubscriptionID,
		record.PriceID,
		record.CurrentPeriodEnd,
		record.CancelAtPeriodEnd,
		record.CanceledAt,
		record.LatestInvoiceStatus,
		now,
		now,
	).Error
	if err != nil {
		return err
	}
	s.subs.Delete(record.UserID)
	return nil
}

func (s *Service) FindSubscriptionByCustomerID(ctx context.Context, provider, customerID string) (*domain.SubscriptionRecord, error) {
	if customerID == "" {
		return nil, nil
	}
	var record domain.SubscriptionRecord
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_customer_id = ?", provider, customerID).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// subscription returns the user's subscription row, nil-safe, with a short
// cache in front of the premium check hot path.
func (s *Service) subscription(ctx context.Context, userID int64) (*domain.SubscriptionRecord, error) {
	if cached, ok := s.subs.Get(userID); ok {
		return cached, nil
	}
	var record domain.SubscriptionRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.subs.Set(userID, nil, subscriptionCacheTTL)
			return nil, nil
		}
		return nil, err
	}
	s.subs.Set(userID, &record, subscriptionCacheTTL)
	return &record, nil
}

func (s *Service) trial(ctx context.Context, userID int64) (*domain.FreePublishTrial, error) {
	var trial domain.FreePublishTrial
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&trial).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trial, nil
}
