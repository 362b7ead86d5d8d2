package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// JobStatus 采集作业状态。
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// PricingData 表示一条入库的价格记录。
//
// (Marketplace, SourceListingID) 唯一，重复采集时以最后写入为准。
type PricingData struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time // 首次入库时间
	UpdatedAt time.Time // 最后更新时间

	// 关联的刊物 ID
	ItemID string `gorm:"type:varchar(191);index"`
	// 来源市场与市场原始 ID，组合唯一
	Marketplace     string `gorm:"type:varchar(32);not null;uniqueIndex:idx_pricing_source,priority:1"`
	SourceListingID string `gorm:"type:varchar(191);not null;uniqueIndex:idx_pricing_source,priority:2"`

	Title        string          `gorm:"type:varchar(512);not null"`
	Price        decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	ConditionRaw string          `gorm:"type:varchar(128)"`

	// 分类结果；Grade 为 0 表示未评级
	Condition      string  `gorm:"type:varchar(32);not null;default:unknown;index"`
	Grade          float64 `gorm:"not null;default:0"`
	GradingService string  `gorm:"type:varchar(8)"`
	VariantType    string  `gorm:"type:varchar(16)"`
	VariantSubtype string  `gorm:"type:varchar(32)"`

	SaleType   string `gorm:"type:varchar(16)"`
	URL        string `gorm:"type:varchar(1024)"`
	ObservedOn string `gorm:"type:char(10);not null;index"` // 采集日期 (UTC, YYYY-MM-DD)
	ScrapedAt  time.Time
	RawData    datatypes.JSON
}

// TableName 指定表名。
func (PricingData) TableName() string { return "pricing_data" }

// PriceHistoryBucket 某刊物在某市场、某品相/评级下的单日价格统计。
type PriceHistoryBucket struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	ItemID      string          `gorm:"type:varchar(191);not null;uniqueIndex:idx_price_bucket,priority:1" json:"item_id"`
	Marketplace string          `gorm:"type:varchar(32);not null;uniqueIndex:idx_price_bucket,priority:2" json:"marketplace"`
	Condition   string          `gorm:"type:varchar(32);not null;uniqueIndex:idx_price_bucket,priority:3" json:"condition"`
	Grade       float64         `gorm:"not null;default:0;uniqueIndex:idx_price_bucket,priority:4" json:"grade"`
	DatePeriod  string          `gorm:"type:char(10);not null;uniqueIndex:idx_price_bucket,priority:5" json:"date_period"`
	AvgPrice    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"avg_price"`
	MinPrice    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"min_price"`
	MaxPrice    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"max_price"`
	MedianPrice decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"median_price"`
	SaleCount   int             `gorm:"not null" json:"sale_count"`
}

// TableName 指定表名。
func (PriceHistoryBucket) TableName() string { return "price_history" }

// MarketplaceRecord 市场登记信息。
type MarketplaceRecord struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Name        string `gorm:"type:varchar(32);uniqueIndex;not null"`
	DisplayName string `gorm:"type:varchar(64)"`
	BaseURL     string `gorm:"type:varchar(512)"`
	Enabled     bool   `gorm:"not null"`
}

// TableName 指定表名。
func (MarketplaceRecord) TableName() string { return "marketplaces" }

// CollectionJob 一次 CollectPricingData 调用的作业记录。
//
// 开始时创建（running），结束时写入各市场计数与错误列表。
type CollectionJob struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	JobID                  string         `gorm:"type:char(36);uniqueIndex;not null"`
	Query                  string         `gorm:"type:varchar(512)"`
	ItemID                 string         `gorm:"type:varchar(191);index"`
	Status                 JobStatus      `gorm:"type:varchar(16);not null;default:pending"`
	MarketplacesSearched   int            `gorm:"not null;default:0"`
	MarketplacesSuccessful int            `gorm:"not null;default:0"`
	TotalResults           int            `gorm:"not null;default:0"`
	Counts                 datatypes.JSON // 各市场结果数
	Errors                 datatypes.JSON // 错误列表
	StartedAt              time.Time
	FinishedAt             *time.Time
}

// TableName 指定表名。
func (CollectionJob) TableName() string { return "collection_jobs" }

// HistoryQuery price_history 查询条件，空字段不过滤。
type HistoryQuery struct {
	ItemID      string
	Marketplace string
	Condition   string
	Since       string // 含，YYYY-MM-DD
	Until       string // 不含，YYYY-MM-DD
}

// NewPricingData 由商品记录生成待入库的价格行，未分类时品相为 unknown。
func NewPricingData(itemID string, l Listing) PricingData {
	return PricingData{
		ItemID:          itemID,
		Marketplace:     string(l.Marketplace),
		SourceListingID: l.ID,
		Title:           l.Title,
		Price:           l.Price,
		ConditionRaw:    l.ConditionRaw,
		Condition:       "unknown",
		SaleType:        string(l.SaleType),
		URL:             l.URL,
		ObservedOn:      DateKey(l.ScrapedAt),
		ScrapedAt:       l.ScrapedAt,
		RawData:         datatypes.JSON(l.RawData),
	}
}

// NewClassifiedPricingData 在 NewPricingData 基础上写入分类结果。
func NewClassifiedPricingData(itemID string, cl ClassifiedListing) PricingData {
	row := NewPricingData(itemID, cl.Listing)
	if cl.Condition.Condition != "" {
		row.Condition = cl.Condition.Condition
	}
	row.Grade = GradeKey(cl.Condition.Grade)
	if cl.Condition.GradingService != nil {
		row.GradingService = *cl.Condition.GradingService
	}
	row.VariantType = cl.Variant.Type
	row.VariantSubtype = cl.Variant.Subtype
	return row
}
