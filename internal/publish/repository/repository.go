package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/resellrai/resellr/internal/publish/domain"
)

// AttemptRecord is the persisted audit row for one publish attempt.
type AttemptRecord struct {
	ID            int64          `gorm:"column:id;primaryKey" json:"id"`
	UserID        int64          `gorm:"column:user_id" json:"userId"`
	ListingID     int64          `gorm:"column:listing_id" json:"listingId"`
	TraceID       string         `gorm:"column:trace_id" json:"traceId"`
	Success       bool           `gorm:"column:success" json:"success"`
	SKU           string         `gorm:"column:sku" json:"sku"`
	OfferID       string         `gorm:"column:offer_id" json:"offerId,omitempty"`
	EbayListingID string         `gorm:"column:ebay_listing_id" json:"ebayListingId,omitempty"`
	ListingURL    string         `gorm:"column:listing_url" json:"listingUrl,omitempty"`
	FailedStep    string         `gorm:"column:failed_step" json:"failedStep,omitempty"`
	ErrorCode     string         `gorm:"column:error_code" json:"errorCode,omitempty"`
	ErrorMessage  string         `gorm:"column:error_message" json:"errorMessage,omitempty"`
	StepOutcomes  datatypes.JSON `gorm:"column:step_outcomes" json:"steps"`
	AttemptedAt   time.Time      `gorm:"column:attempted_at" json:"attemptedAt"`
	PublishedAt   *time.Time     `gorm:"column:published_at" json:"publishedAt,omitempty"`
}

func (AttemptRecord) TableName() string { return "publish_results" }

// Repository records publish attempts for auditing.
type Repository interface {
	Record(ctx context.Context, userID, listingID int64, result *domain.Result, attemptedAt time.Time) error
	ListByUser(ctx context.Context, userID int64, limit int) ([]AttemptRecord, error)
}

type Params struct {
	fx.In

	DB    *gorm.DB
	GenID *snowflake.Node
}

type gormRepository struct {
	db    *gorm.DB
	genID *snowflake.Node
}

// NewRepository builds the gorm-backed audit repository.
func NewRepository(p Params) Repository {
	return &gormRepository{db: p.DB, genID: p.GenID}
}

func (r *gormRepository) Record(ctx context.Context, userID, listingID int64, result *domain.Result, attemptedAt time.Time) error {
	outcomes, err := json.Marshal(result.Steps)
	if err != nil {
		return err
	}
	record := AttemptRecord{
		ID:            r.genID.Generate().Int64(),
		UserID:        userID,
		ListingID:     listingID,
		TraceID:       result.TraceID,
		Success:       result.Success,
		SKU:           result.SKU,
		OfferID:       result.OfferID,
		EbayListingID: result.EbayListingID,
		ListingURL:    result.ListingURL,
		FailedStep:    string(result.FailedStep),
		ErrorCode:     result.ErrorCode,
		ErrorMessage:  result.ErrorMessage,
		StepOutcomes:  datatypes.JSON(outcomes),
		AttemptedAt:   attemptedAt,
	}
	if result.Success {
		record.PublishedAt = &attemptedAt
	}
	return r.db.WithContext(ctx).Create(&record).Error
}

func (r *gormRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]AttemptRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var records []AttemptRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("attempted_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}
