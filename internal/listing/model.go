package listing

import (
	"time"

	"gorm.io/datatypes"
)

// Draft is a locally generated listing awaiting publication. Field formatting
// for specific marketplaces happens upstream; publish consumes it read-only.
type Draft struct {
	ID          int64          `gorm:"column:id;primaryKey"`
	UserID      int64          `gorm:"column:user_id"`
	Title       string         `gorm:"column:title"`
	Description string         `gorm:"column:description"`
	CategoryID  string         `gorm:"column:category_id"`
	Condition   string         `gorm:"column:condition"`
	PriceAmount int64          `gorm:"column:price_amount"` // minor units
	Currency    string         `gorm:"column:currency"`
	Quantity    int            `gorm:"column:quantity"`
	ImageURLs   datatypes.JSON `gorm:"column:image_urls"`
	Aspects     datatypes.JSON `gorm:"column:aspects"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at"`
}

func (Draft) TableName() string { return "listing_drafts" }
