// Package storage 基于 gorm 的持久化层：价格记录、价格历史桶、采集作业与市场登记。
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"github.com/jaydubya818/comicogs-sub003/internal/config"
	"github.com/jaydubya818/comicogs-sub003/internal/model"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/logger"
)

// ErrDisabled database.driver 为 none 时由 Open 返回。
var ErrDisabled = errors.New("storage disabled")

const defaultPricingLimit = 100

// Store 持有 gorm 连接。
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// PricingFilter GetCurrentPricing 的过滤条件，零值字段不过滤。
type PricingFilter struct {
	Marketplace string
	Condition   string
	Grade       *float64
	Days        int // 只返回最近 Days 天（含今天）采集的记录
	Limit       int
}

// Open 按 driver 打开数据库并执行自动迁移。
func Open(cfg config.DatabaseConfig, log *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "none", "":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	return New(db, log)
}

// New 包装已有连接并迁移表结构。
func New(db *gorm.DB, log *slog.Logger) (*Store, error) {
	if err := db.AutoMigrate(
		&model.PricingData{},
		&model.PriceHistoryBucket{},
		&model.MarketplaceRecord{},
		&model.CollectionJob{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Store{db: db, logger: logger.OrDiscard(log)}, nil
}

// Ping 检查连接可用。
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error
}

// Close 关闭连接池。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertPricingData 按 (marketplace, source_listing_id) 写入或覆盖价格记录，返回行 ID。
func (s *Store) InsertPricingData(ctx context.Context, row *model.PricingData) (uint, error) {
	if row.ObservedOn == "" {
		row.ObservedOn = model.DateKey(row.ScrapedAt)
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "marketplace"}, {Name: "source_listing_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"item_id", "title", "price", "condition_raw", "condition", "grade",
			"grading_service", "variant_type", "variant_subtype", "sale_type",
			"url", "observed_on", "scraped_at", "raw_data", "updated_at",
		}),
	}).Create(row).Error
	if err != nil {
		return 0, fmt.Errorf("upsert pricing data: %w", err)
	}

	// 冲突更新时部分驱动不回填 ID
	if row.ID == 0 {
		var existing model.PricingData
		if err := s.db.WithContext(ctx).Select("id").
			Where("marketplace = ? AND source_listing_id = ?", row.Marketplace, row.SourceListingID).
			First(&existing).Error; err != nil {
			return 0, err
		}
		row.ID = existing.ID
	}
	return row.ID, nil
}

// GetCurrentPricing 返回刊物最近的价格记录，按采集时间倒序。
func (s *Store) GetCurrentPricing(ctx context.Context, itemID string, f PricingFilter) ([]model.PricingData, error) {
	q := s.db.WithContext(ctx).Model(&model.PricingData{}).Where("item_id = ?", itemID)
	if f.Marketplace != "" {
		q = q.Where("marketplace = ?", f.Marketplace)
	}
	if f.Condition != "" {
		// condition 在 MySQL 中是保留字，用 map 让 gorm 负责转义
		q = q.Where(map[string]interface{}{"condition": f.Condition})
	}
	if f.Grade != nil {
		q = q.Where("grade = ?", *f.Grade)
	}
	if f.Days > 0 {
		q = q.Where("observed_on >= ?", model.DateKey(time.Now().AddDate(0, 0, -(f.Days-1))))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultPricingLimit
	}

	var rows []model.PricingData
	if err := q.Order("scraped_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query pricing data: %w", err)
	}
	return rows, nil
}

// ListingsForDay 返回某天某市场的全部价格记录。
func (s *Store) ListingsForDay(ctx context.Context, itemID, marketplace, day string) ([]model.PricingData, error) {
	var rows []model.PricingData
	err := s.db.WithContext(ctx).
		Where("item_id = ? AND marketplace = ? AND observed_on = ?", itemID, marketplace, day).
		Order("id").
		Find(&rows).Error
	return rows, err
}

// ReplacePriceHistory 在一个事务内替换 (item_id, marketplace, date_period) 下的全部桶：
// 删除新集合中不存在的 (condition, grade)，其余按唯一键覆盖统计值。buckets 为空时清空当天。
func (s *Store) ReplacePriceHistory(ctx context.Context, itemID, marketplace, day string, buckets []model.PriceHistoryBucket) error {
	keep := make(map[string]struct{}, len(buckets))
	for _, b := range buckets {
		if b.ItemID != itemID || b.Marketplace != marketplace || b.DatePeriod != day {
			return fmt.Errorf("bucket %s/%s/%s outside %s/%s/%s",
				b.ItemID, b.Marketplace, b.DatePeriod, itemID, marketplace, day)
		}
		keep[gradeKey(b.Condition, b.Grade)] = struct{}{}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []model.PriceHistoryBucket
		if err := tx.
			Where("item_id = ? AND marketplace = ? AND date_period = ?", itemID, marketplace, day).
			Find(&existing).Error; err != nil {
			return fmt.Errorf("load day buckets: %w", err)
		}
		var stale []uint
		for _, e := range existing {
			if _, ok := keep[gradeKey(e.Condition, e.Grade)]; !ok {
				stale = append(stale, e.ID)
			}
		}
		if len(stale) > 0 {
			if err := tx.Delete(&model.PriceHistoryBucket{}, stale).Error; err != nil {
				return fmt.Errorf("delete stale buckets: %w", err)
			}
		}
		if len(buckets) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "item_id"}, {Name: "marketplace"}, {Name: "condition"},
				{Name: "grade"}, {Name: "date_period"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"avg_price", "min_price", "max_price", "median_price", "sale_count", "updated_at",
			}),
		}).Create(&buckets).Error
	})
}

func gradeKey(condition string, grade float64) string {
	return condition + "|" + strconv.FormatFloat(grade, 'f', -1, 64)
}

// PriceHistory 按条件查询价格历史桶，按日期倒序。
func (s *Store) PriceHistory(ctx context.Context, hq model.HistoryQuery) ([]model.PriceHistoryBucket, error) {
	q := s.db.WithContext(ctx).Model(&model.PriceHistoryBucket{})
	if hq.ItemID != "" {
		q = q.Where("item_id = ?", hq.ItemID)
	}
	if hq.Marketplace != "" {
		q = q.Where("marketplace = ?", hq.Marketplace)
	}
	if hq.Condition != "" {
		q = q.Where(map[string]interface{}{"condition": hq.Condition})
	}
	if hq.Since != "" {
		q = q.Where("date_period >= ?", hq.Since)
	}
	if hq.Until != "" {
		q = q.Where("date_period < ?", hq.Until)
	}

	var rows []model.PriceHistoryBucket
	if err := q.Order("date_period DESC").Order("marketplace").Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query price history: %w", err)
	}
	return rows, nil
}

// CreateJob 写入一条采集作业记录。
func (s *Store) CreateJob(ctx context.Context, job *model.CollectionJob) error {
	return s.db.WithContext(ctx).Create(job).Error
}

// FinishJob 写入作业的最终状态与计数。
func (s *Store) FinishJob(ctx context.Context, job *model.CollectionJob) error {
	updates := map[string]interface{}{
		"status":                  job.Status,
		"marketplaces_searched":   job.MarketplacesSearched,
		"marketplaces_successful": job.MarketplacesSuccessful,
		"total_results":           job.TotalResults,
		"counts":                  job.Counts,
		"errors":                  job.Errors,
		"finished_at":             job.FinishedAt,
	}
	res := s.db.WithContext(ctx).Model(&model.CollectionJob{}).Where("job_id = ?", job.JobID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetJob 按作业 ID 查询。
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.CollectionJob, error) {
	var job model.CollectionJob
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// EnsureMarketplaces 登记市场信息，已存在的覆盖展示名、地址与启用状态。
func (s *Store) EnsureMarketplaces(ctx context.Context, records []model.MarketplaceRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "base_url", "enabled", "updated_at"}),
	}).Create(&records).Error
	if err != nil {
		return fmt.Errorf("ensure marketplaces: %w", err)
	}
	s.logger.Info("marketplaces registered", slog.Int("count", len(records)))
	return nil
}

// ListMarketplaces 返回已登记的市场。
func (s *Store) ListMarketplaces(ctx context.Context) ([]model.MarketplaceRecord, error) {
	var rows []model.MarketplaceRecord
	err := s.db.WithContext(ctx).Order("name").Find(&rows).Error
	return rows, err
}

// MarketplaceRecords 根据配置生成市场登记信息，enabled 列表之外的市场标记为停用。
func MarketplaceRecords(cfg *config.Config) []model.MarketplaceRecord {
	enabled := make(map[string]bool, len(cfg.Collection.EnabledMarketplaces))
	for _, name := range cfg.Collection.EnabledMarketplaces {
		enabled[name] = true
	}
	all := model.Marketplaces()
	records := make([]model.MarketplaceRecord, 0, len(all))
	for _, m := range all {
		records = append(records, model.MarketplaceRecord{
			Name:        string(m),
			DisplayName: m.DisplayName(),
			BaseURL:     cfg.Adapters[string(m)].BaseURL,
			Enabled:     enabled[string(m)],
		})
	}
	return records
}
