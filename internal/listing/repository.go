package listing

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

// ErrDraftNotFound is returned when a draft id does not exist or belongs to
// another user.
var ErrDraftNotFound = errors.New("listing_draft_not_found")

// Repository loads listing drafts for publication.
type Repository interface {
	FindByID(ctx context.Context, userID, draftID int64) (*Draft, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository builds the gorm-backed draft repository.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindByID(ctx context.Context, userID, draftID int64) (*Draft, error) {
	var draft Draft
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", draftID, userID).
		Take(&draft).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDraftNotFound
		}
		return nil, err
	}
	return &draft, nil
}

// Module provides the draft repository.
var Module = fx.Module("listing",
	fx.Provide(NewRepository),
)
