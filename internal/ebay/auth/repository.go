package auth

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// TokenRecord is the persisted shape of a user's eBay OAuth tokens. Both
// token columns hold vault ciphertext, never plaintext.
type TokenRecord struct {
	UserID                 int64     `gorm:"column:user_id"`
	AccessTokenCiphertext  string    `gorm:"column:access_token_ciphertext"`
	RefreshTokenCiphertext string    `gorm:"column:refresh_token_ciphertext"`
	AccessExpiresAt        time.Time `gorm:"column:access_expires_at"`
	RefreshExpiresAt       time.Time `gorm:"column:refresh_expires_at"`
	CreatedAt              time.Time `gorm:"column:created_at"`
	UpdatedAt              time.Time `gorm:"column:updated_at"`
}

// Repository persists eBay token records keyed by user.
type Repository interface {
	Find(ctx context.Context, userID int64) (*TokenRecord, error)
	Upsert(ctx context.Context, record *TokenRecord) error
	Delete(ctx context.Context, userID int64) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository builds the gorm-backed token repository.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Find(ctx context.Context, userID int64) (*TokenRecord, error) {
	var record TokenRecord
	err := r.db.WithContext(ctx).
		Table("ebay_tokens").
		Where("user_id = ?", userID).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *gormRepository) Upsert(ctx context.Context, record *TokenRecord) error {
	if record == nil {
		return errors.New("missing_token_record")
	}
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Exec(
		`INSERT INTO ebay_tokens (
			user_id, access_token_ciphertext, refresh_token_ciphertext,
			access_expires_at, refresh_expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			access_token_ciphertext = excluded.access_token_ciphertext,
			refresh_token_ciphertext = excluded.refresh_token_ciphertext,
			access_expires_at = excluded.access_expires_at,
			refresh_expires_at = excluded.refresh_expires_at,
			updated_at = excluded.updated_at`,
		record.UserID,
		record.AccessTokenCiphertext,
		record.RefreshTokenCiphertext,
		record.AccessExpiresAt,
		record.RefreshExpiresAt,
		now,
		now,
	).Error
}

func (r *gormRepository) Delete(ctx context.Context, userID int64) error {
	return r.db.WithContext(ctx).
		Exec(`DELETE FROM ebay_tokens WHERE user_id = ?`, userID).Error
}
