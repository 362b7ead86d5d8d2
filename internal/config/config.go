package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jaydubya818/comicogs-sub003/internal/model"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/apperr"
)

// Config 保存应用程序配置。
type Config struct {
	App            AppConfig                `json:"app"`
	Database       DatabaseConfig           `json:"database"`
	Redis          RedisConfig              `json:"redis"`
	Collection     CollectionConfig         `json:"collection"`
	Validation     ValidationConfig         `json:"validation"`
	Classification ClassificationConfig     `json:"classification"`
	Aggregation    AggregationConfig        `json:"aggregation"`
	Scheduler      SchedulerConfig          `json:"scheduler"`
	Adapters       map[string]AdapterConfig `json:"adapters"` // 按市场名配置适配器，未配置的使用 mock
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env         string `json:"env"`          // 运行环境: local / prod
	LogLevel    string `json:"log_level"`    // 日志级别: debug / info / warn / error
	HTTPAddr    string `json:"http_addr"`    // API 服务监听地址
	MetricsAddr string `json:"metrics_addr"` // CLI 模式下的 metrics 监听地址（为空不启动）
}

// DatabaseConfig 数据库配置。
type DatabaseConfig struct {
	Driver string `json:"driver"` // mysql / postgres / sqlite / none
	DSN    string `json:"dsn"`    // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`  // 是否启用（限流 redis 后端、调度去重、价格事件依赖它）
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
	DB       int    `json:"db"`
}

// CollectionConfig 采集编排配置。
type CollectionConfig struct {
	EnabledMarketplaces   []string        `json:"enabled_marketplaces"`    // 启用的市场（需在适配器注册表中存在）
	MaxRetries            int             `json:"max_retries"`             // 单个市场最大重试次数
	RetryDelay            time.Duration   `json:"retry_delay"`             // 重试基础延迟（指数退避）
	MaxRetryDelay         time.Duration   `json:"max_retry_delay"`         // 退避上限
	Timeout               time.Duration   `json:"timeout"`                 // 单次请求超时
	MaxConcurrentRequests int             `json:"max_concurrent_requests"` // 并发市场数上限
	MaxResults            int             `json:"max_results"`             // 每个市场默认最大结果数
	RecentErrorLimit      int             `json:"recent_error_limit"`      // 最近错误环形缓冲大小
	RateLimit             RateLimitConfig `json:"rate_limit"`
}

// RateLimitConfig 每个市场的令牌桶配置。
type RateLimitConfig struct {
	Backend        string              `json:"backend"` // local / redis
	Rate           float64             `json:"rate"`    // 默认速率（token/s）
	Burst          int                 `json:"burst"`   // 默认桶容量
	PerMarketplace map[string]RateSpec `json:"per_marketplace"`
}

// RateSpec 单个市场的限流参数。
type RateSpec struct {
	Rate  float64 `json:"rate"`
	Burst int     `json:"burst"`
}

// ValidationConfig 商品校验配置。
type ValidationConfig struct {
	MinPrice           float64  `json:"min_price"`
	MaxPrice           float64  `json:"max_price"`
	AllowedConditions  []string `json:"allowed_conditions"`  // 为空表示不限制
	SuspiciousPatterns []string `json:"suspicious_patterns"` // 正则，匹配标题或描述即丢弃
}

// ClassificationConfig 分类配置。
type ClassificationConfig struct {
	CacheSize         int     `json:"cache_size"`
	BatchConcurrency  int     `json:"batch_concurrency"`
	MinConfidence     float64 `json:"min_confidence"`     // 低于该值的结果标记为待复核
	AccuracyThreshold float64 `json:"accuracy_threshold"` // 总体准确率门槛
	CategoryThreshold float64 `json:"category_threshold"` // 分类别准确率门槛
}

// AggregationConfig 价格聚合配置。
type AggregationConfig struct {
	PriceChangeThreshold float64 `json:"price_change_threshold"` // 触发价格变动事件的百分比
	EventStream          string  `json:"event_stream"`           // Redis Stream 名称
	TrendDays            int     `json:"trend_days"`             // 默认趋势天数
}

// SchedulerConfig 关注列表定时采集配置。
type SchedulerConfig struct {
	Enabled       bool          `json:"enabled"`
	Interval      time.Duration `json:"interval"`
	Workers       int           `json:"workers"`
	QueueCapacity int           `json:"queue_capacity"`
	DedupWindow   time.Duration `json:"dedup_window"` // 同一关注项在窗口内只采集一次
	Watchlist     []WatchItem   `json:"watchlist"`
}

// WatchItem 关注的刊物。
type WatchItem struct {
	ItemID       string   `json:"item_id"`
	Query        string   `json:"query"`
	Marketplaces []string `json:"marketplaces"`
}

// AdapterConfig 单个市场适配器配置。
type AdapterConfig struct {
	Kind        string        `json:"kind"` // mock / http
	BaseURL     string        `json:"base_url"`
	UserAgent   string        `json:"user_agent"`
	Timeout     time.Duration `json:"timeout"`
	Seed        int64         `json:"seed"`
	FailureRate float64       `json:"failure_rate"` // mock 专用：注入失败概率
	Latency     time.Duration `json:"latency"`      // mock 专用：模拟延迟
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值；
// 随后加载 .env、应用环境变量覆盖并校验。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 读取、解析失败或配置非法（*apperr.ConfigurationError）时返回
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// .env 不存在时忽略
	_ = godotenv.Load()

	var cfg *Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg = getDefaultConfig()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		cfg = &Config{}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		applyDefaults(cfg)
	}

	// 环境变量优先覆盖配置
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回默认配置。
func Default() *Config {
	return getDefaultConfig()
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:      "local",
			LogLevel: "info",
			HTTPAddr: ":8081",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "comiccomp.db",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		Collection: CollectionConfig{
			EnabledMarketplaces: []string{
				string(model.MarketplaceEbay),
				string(model.MarketplaceMyComicShop),
				string(model.MarketplaceComicConnect),
				string(model.MarketplaceHeritage),
				string(model.MarketplaceWhatnot),
			},
			MaxRetries:            3,
			RetryDelay:            time.Second,
			MaxRetryDelay:         30 * time.Second,
			Timeout:               30 * time.Second,
			MaxConcurrentRequests: 3,
			MaxResults:            50,
			RecentErrorLimit:      100,
			RateLimit: RateLimitConfig{
				Backend: "local",
				Rate:    1,
				Burst:   2,
			},
		},
		Validation: ValidationConfig{
			MinPrice: 0.01,
			MaxPrice: 100000,
			SuspiciousPatterns: []string{
				`(?i)\b(replica|counterfeit|bootleg)\b`,
				`(?i)\bempty\s+(slab|case)\b`,
				`(?i)\bslab\s+only\b`,
				`(?i)\bnot\s+an?\s+(actual|real)\s+comic\b`,
			},
		},
		Classification: ClassificationConfig{
			CacheSize:         10000,
			BatchConcurrency:  8,
			MinConfidence:     0.5,
			AccuracyThreshold: 0.90,
			CategoryThreshold: 0.85,
		},
		Aggregation: AggregationConfig{
			PriceChangeThreshold: 10,
			EventStream:          "comiccomp:price:events",
			TrendDays:            30,
		},
		Scheduler: SchedulerConfig{
			Enabled:       false,
			Interval:      time.Hour,
			Workers:       2,
			QueueCapacity: 100,
			DedupWindow:   30 * time.Minute,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaults.Database.Driver
		if cfg.Database.DSN == "" {
			cfg.Database.DSN = defaults.Database.DSN
		}
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}

	c := &cfg.Collection
	if c.EnabledMarketplaces == nil {
		// 仅在字段缺省时补默认市场；显式的空列表交给 Validate 报错
		c.EnabledMarketplaces = defaults.Collection.EnabledMarketplaces
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.Collection.RetryDelay
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = defaults.Collection.MaxRetryDelay
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.Collection.Timeout
	}
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = defaults.Collection.MaxConcurrentRequests
	}
	if c.MaxResults == 0 {
		c.MaxResults = defaults.Collection.MaxResults
	}
	if c.RecentErrorLimit == 0 {
		c.RecentErrorLimit = defaults.Collection.RecentErrorLimit
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = defaults.Collection.RateLimit.Backend
	}
	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = defaults.Collection.RateLimit.Rate
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = defaults.Collection.RateLimit.Burst
	}

	if cfg.Validation.MaxPrice == 0 {
		cfg.Validation.MaxPrice = defaults.Validation.MaxPrice
	}
	if cfg.Validation.MinPrice == 0 {
		cfg.Validation.MinPrice = defaults.Validation.MinPrice
	}
	if cfg.Validation.SuspiciousPatterns == nil {
		cfg.Validation.SuspiciousPatterns = defaults.Validation.SuspiciousPatterns
	}

	cl := &cfg.Classification
	if cl.CacheSize == 0 {
		cl.CacheSize = defaults.Classification.CacheSize
	}
	if cl.BatchConcurrency == 0 {
		cl.BatchConcurrency = defaults.Classification.BatchConcurrency
	}
	if cl.MinConfidence == 0 {
		cl.MinConfidence = defaults.Classification.MinConfidence
	}
	if cl.AccuracyThreshold == 0 {
		cl.AccuracyThreshold = defaults.Classification.AccuracyThreshold
	}
	if cl.CategoryThreshold == 0 {
		cl.CategoryThreshold = defaults.Classification.CategoryThreshold
	}

	if cfg.Aggregation.PriceChangeThreshold == 0 {
		cfg.Aggregation.PriceChangeThreshold = defaults.Aggregation.PriceChangeThreshold
	}
	if cfg.Aggregation.EventStream == "" {
		cfg.Aggregation.EventStream = defaults.Aggregation.EventStream
	}
	if cfg.Aggregation.TrendDays == 0 {
		cfg.Aggregation.TrendDays = defaults.Aggregation.TrendDays
	}

	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = defaults.Scheduler.Interval
	}
	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = defaults.Scheduler.Workers
	}
	if cfg.Scheduler.QueueCapacity == 0 {
		cfg.Scheduler.QueueCapacity = defaults.Scheduler.QueueCapacity
	}
	if cfg.Scheduler.DedupWindow == 0 {
		cfg.Scheduler.DedupWindow = defaults.Scheduler.DedupWindow
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}

	if v := os.Getenv("COLLECTION_ENABLED_MARKETPLACES"); v != "" {
		cfg.Collection.EnabledMarketplaces = splitList(v)
	}
	if v := os.Getenv("COLLECTION_MAX_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Collection.MaxRetries = i
		}
	}
	if v := os.Getenv("COLLECTION_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Collection.RetryDelay = d
		}
	}
	if v := os.Getenv("COLLECTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Collection.Timeout = d
		}
	}
	if v := os.Getenv("COLLECTION_MAX_CONCURRENT_REQUESTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Collection.MaxConcurrentRequests = i
		}
	}
	if v := os.Getenv("RATE_LIMIT_BACKEND"); v != "" {
		cfg.Collection.RateLimit.Backend = v
	}
	if v := os.Getenv("VALIDATION_MIN_PRICE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Validation.MinPrice = f
		}
	}
	if v := os.Getenv("VALIDATION_MAX_PRICE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Validation.MaxPrice = f
		}
	}
	if v := os.Getenv("SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SCHEDULER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.Interval = d
		}
	}

	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Database.DSN = v
	} else if cfg.Database.Driver == "mysql" && (hasAnyEnv("DB_PORT", "DB_USER", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "") {
		parsed := parseMySQLDSN(cfg.Database.DSN)
		if v := viper.GetString("db_host"); v != "" {
			host := v
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = host + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.Database.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = v == "true" || v == "1"
	}
}

// Validate 校验配置，失败返回 *apperr.ConfigurationError。
func (c *Config) Validate() error {
	if len(c.Collection.EnabledMarketplaces) == 0 {
		return &apperr.ConfigurationError{Field: "collection.enabled_marketplaces", Reason: "no marketplaces enabled"}
	}
	for _, name := range c.Collection.EnabledMarketplaces {
		if _, ok := model.ParseMarketplace(name); !ok {
			return &apperr.ConfigurationError{Field: "collection.enabled_marketplaces", Reason: fmt.Sprintf("unknown marketplace %q", name)}
		}
	}
	if c.Collection.MaxRetries < 0 {
		return &apperr.ConfigurationError{Field: "collection.max_retries", Reason: "must be >= 0"}
	}
	if c.Collection.MaxConcurrentRequests <= 0 {
		return &apperr.ConfigurationError{Field: "collection.max_concurrent_requests", Reason: "must be > 0"}
	}
	if c.Collection.Timeout <= 0 {
		return &apperr.ConfigurationError{Field: "collection.timeout", Reason: "must be > 0"}
	}
	switch c.Collection.RateLimit.Backend {
	case "local":
	case "redis":
		if !c.Redis.Enabled {
			return &apperr.ConfigurationError{Field: "collection.rate_limit.backend", Reason: "redis backend requires redis.enabled"}
		}
	default:
		return &apperr.ConfigurationError{Field: "collection.rate_limit.backend", Reason: fmt.Sprintf("unknown backend %q", c.Collection.RateLimit.Backend)}
	}

	if c.Validation.MinPrice < 0 {
		return &apperr.ConfigurationError{Field: "validation.min_price", Reason: "must be >= 0"}
	}
	if c.Validation.MaxPrice <= c.Validation.MinPrice {
		return &apperr.ConfigurationError{Field: "validation.max_price", Reason: "must be greater than min_price"}
	}
	for _, p := range c.Validation.SuspiciousPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return &apperr.ConfigurationError{Field: "validation.suspicious_patterns", Reason: err.Error()}
		}
	}

	for field, v := range map[string]float64{
		"classification.accuracy_threshold": c.Classification.AccuracyThreshold,
		"classification.category_threshold": c.Classification.CategoryThreshold,
		"classification.min_confidence":     c.Classification.MinConfidence,
	} {
		if v < 0 || v > 1 {
			return &apperr.ConfigurationError{Field: field, Reason: "must be within [0,1]"}
		}
	}

	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite", "none":
	default:
		return &apperr.ConfigurationError{Field: "database.driver", Reason: fmt.Sprintf("unknown driver %q", c.Database.Driver)}
	}

	for name, a := range c.Adapters {
		if _, ok := model.ParseMarketplace(name); !ok {
			return &apperr.ConfigurationError{Field: "adapters", Reason: fmt.Sprintf("unknown marketplace %q", name)}
		}
		if a.Kind == "http" && a.BaseURL == "" {
			return &apperr.ConfigurationError{Field: "adapters." + name + ".base_url", Reason: "required for http adapters"}
		}
	}
	return nil
}

// IsConfigurationError 判断是否为配置错误。
func IsConfigurationError(err error) bool {
	var cfgErr *apperr.ConfigurationError
	return errors.As(err, &cfgErr)
}

// RateFor 返回指定市场的限流参数。
func (r RateLimitConfig) RateFor(marketplace string) RateSpec {
	if spec, ok := r.PerMarketplace[marketplace]; ok && spec.Rate > 0 {
		if spec.Burst <= 0 {
			spec.Burst = r.Burst
		}
		return spec
	}
	return RateSpec{Rate: r.Rate, Burst: r.Burst}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "comiccomp",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "UTC",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDuration(field, v string, dst *time.Duration) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s format: %w", field, err)
	}
	*dst = d
	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (c *CollectionConfig) UnmarshalJSON(data []byte) error {
	type Alias CollectionConfig
	aux := &struct {
		RetryDelay    string `json:"retry_delay"`
		MaxRetryDelay string `json:"max_retry_delay"`
		Timeout       string `json:"timeout"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := parseDuration("retry_delay", aux.RetryDelay, &c.RetryDelay); err != nil {
		return err
	}
	if err := parseDuration("max_retry_delay", aux.MaxRetryDelay, &c.MaxRetryDelay); err != nil {
		return err
	}
	return parseDuration("timeout", aux.Timeout, &c.Timeout)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (c CollectionConfig) MarshalJSON() ([]byte, error) {
	type Alias CollectionConfig
	return json.Marshal(&struct {
		RetryDelay    string `json:"retry_delay"`
		MaxRetryDelay string `json:"max_retry_delay"`
		Timeout       string `json:"timeout"`
		*Alias
	}{
		RetryDelay:    c.RetryDelay.String(),
		MaxRetryDelay: c.MaxRetryDelay.String(),
		Timeout:       c.Timeout.String(),
		Alias:         (*Alias)(&c),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (s *SchedulerConfig) UnmarshalJSON(data []byte) error {
	type Alias SchedulerConfig
	aux := &struct {
		Interval    string `json:"interval"`
		DedupWindow string `json:"dedup_window"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := parseDuration("interval", aux.Interval, &s.Interval); err != nil {
		return err
	}
	return parseDuration("dedup_window", aux.DedupWindow, &s.DedupWindow)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (s SchedulerConfig) MarshalJSON() ([]byte, error) {
	type Alias SchedulerConfig
	return json.Marshal(&struct {
		Interval    string `json:"interval"`
		DedupWindow string `json:"dedup_window"`
		*Alias
	}{
		Interval:    s.Interval.String(),
		DedupWindow: s.DedupWindow.String(),
		Alias:       (*Alias)(&s),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (a *AdapterConfig) UnmarshalJSON(data []byte) error {
	type Alias AdapterConfig
	aux := &struct {
		Timeout string `json:"timeout"`
		Latency string `json:"latency"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := parseDuration("timeout", aux.Timeout, &a.Timeout); err != nil {
		return err
	}
	return parseDuration("latency", aux.Latency, &a.Latency)
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AdapterConfig) MarshalJSON() ([]byte, error) {
	type Alias AdapterConfig
	return json.Marshal(&struct {
		Timeout string `json:"timeout"`
		Latency string `json:"latency"`
		*Alias
	}{
		Timeout: a.Timeout.String(),
		Latency: a.Latency.String(),
		Alias:   (*Alias)(&a),
	})
}
