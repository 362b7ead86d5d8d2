package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jaydubya818/comicogs-sub003/internal/aggregate"
	"github.com/jaydubya818/comicogs-sub003/internal/api/middleware"
	"github.com/jaydubya818/comicogs-sub003/internal/app"
	"github.com/jaydubya818/comicogs-sub003/internal/classify"
	"github.com/jaydubya818/comicogs-sub003/internal/collector"
	"github.com/jaydubya818/comicogs-sub003/internal/model"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/events"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/logger"
	"github.com/jaydubya818/comicogs-sub003/internal/storage"
)

const (
	maxBatchItems     = 1000
	defaultEventCount = 100
	maxEventCount     = 1000
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 各依赖以接口持有，未配置存储或 Redis 时对应的端点返回 503。
type Server struct {
	logger     *slog.Logger
	router     *gin.Engine
	collector  Collector
	classifier Classifier
	pricing    PricingStore
	history    PriceHistory
	events     EventReader
	pinger     Pinger
}

type Collector interface {
	CollectPricingData(ctx context.Context, query string, opts collector.Options) *collector.Result
	GetCollectionMetrics() collector.Metrics
	EnabledMarketplaces() []string
}

type Classifier interface {
	Classify(item classify.Item) classify.Result
	ClassifyBatch(ctx context.Context, items []classify.Item) classify.BatchResult
	ValidateAccuracy(dataset []classify.LabeledItem) classify.AccuracyReport
}

type PricingStore interface {
	GetCurrentPricing(ctx context.Context, itemID string, f storage.PricingFilter) ([]model.PricingData, error)
}

type PriceHistory interface {
	UpdatePriceHistory(ctx context.Context, itemID, marketplace string, day time.Time) ([]model.PriceHistoryBucket, error)
	GetPriceTrends(ctx context.Context, itemID string, opts aggregate.TrendOptions) ([]aggregate.TrendPoint, error)
}

type EventReader interface {
	Read(ctx context.Context, afterID string, count int64) ([]events.Message, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps NewServer 的依赖，nil 字段对应的端点不可用。
type Deps struct {
	Collector  Collector
	Classifier Classifier
	Pricing    PricingStore
	History    PriceHistory
	Events     EventReader
	Pinger     Pinger
}

// DepsFromApp 从已组装的服务中取出依赖，避免把 nil 指针装进接口。
func DepsFromApp(a *app.App) Deps {
	d := Deps{Collector: a.Collector, Classifier: a.Classifier, Pinger: a}
	if a.Store != nil {
		d.Pricing = a.Store
	}
	if a.Aggregator != nil {
		d.History = a.Aggregator
	}
	if a.Publisher != nil {
		d.Events = a.Publisher
	}
	return d
}

// NewServer 初始化 Gin 路由引擎并注册路由。
func NewServer(deps Deps, log *slog.Logger) *Server {
	log = logger.OrDiscard(log)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))

	s := &Server{
		logger:     log,
		router:     r,
		collector:  deps.Collector,
		classifier: deps.Classifier,
		pricing:    deps.Pricing,
		history:    deps.History,
		events:     deps.Events,
		pinger:     deps.Pinger,
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	v1 := s.router.Group("/api/v1")
	v1.POST("/collect", s.handleCollect)
	v1.GET("/collect/metrics", s.handleCollectMetrics)
	v1.POST("/classify", s.handleClassify)
	v1.POST("/classify/batch", s.handleClassifyBatch)
	v1.GET("/classify/accuracy", s.handleAccuracy)
	v1.GET("/items/:id/pricing", s.handleItemPricing)
	v1.GET("/items/:id/trends", s.handleItemTrends)
	v1.POST("/items/:id/history", s.handleUpdateHistory)
	v1.GET("/events", s.handleEvents)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.pinger != nil {
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// collectRequest 采集请求参数。空 query 也会被受理，结果中带警告。
type collectRequest struct {
	Query        string   `json:"query"`
	Marketplaces []string `json:"marketplaces"`
	MaxResults   int      `json:"max_results"`
	TimeoutMs    int      `json:"timeout_ms"`
	ItemID       string   `json:"item_id"`
	Classify     bool     `json:"classify"`
}

// handleCollect 执行一次同步采集。
//
// POST /api/v1/collect
func (s *Server) handleCollect(c *gin.Context) {
	var req collectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxResults < 0 || req.TimeoutMs < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_results and timeout_ms must be >= 0"})
		return
	}

	res := s.collector.CollectPricingData(c.Request.Context(), req.Query, collector.Options{
		MaxResults:   req.MaxResults,
		Marketplaces: req.Marketplaces,
		Timeout:      time.Duration(req.TimeoutMs) * time.Millisecond,
		ItemID:       strings.TrimSpace(req.ItemID),
		Classify:     req.Classify,
	})
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleCollectMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.collector.GetCollectionMetrics())
}

// handleClassify 分类单条商品，标题为空返回 422。
//
// POST /api/v1/classify
func (s *Server) handleClassify(c *gin.Context) {
	var item classify.Item
	if err := c.ShouldBindJSON(&item); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := s.classifier.Classify(item)
	if res.Error != "" {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

type classifyBatchRequest struct {
	Items []classify.Item `json:"items" binding:"required"`
}

// handleClassifyBatch 批量分类，单条失败不影响其它条目。
//
// POST /api/v1/classify/batch
func (s *Server) handleClassifyBatch(c *gin.Context) {
	var req classifyBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Items) > maxBatchItems {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many items"})
		return
	}
	c.JSON(http.StatusOK, s.classifier.ClassifyBatch(c.Request.Context(), req.Items))
}

// handleAccuracy 用内置标注数据集评估分类准确率。
//
// GET /api/v1/classify/accuracy
func (s *Server) handleAccuracy(c *gin.Context) {
	dataset, err := classify.LoadDataset()
	if err != nil {
		s.logger.Error("load labeled dataset failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load dataset failed"})
		return
	}
	c.JSON(http.StatusOK, s.classifier.ValidateAccuracy(dataset))
}

// pricingView 价格记录的对外格式。
type pricingView struct {
	Marketplace     string    `json:"marketplace"`
	SourceListingID string    `json:"source_listing_id"`
	Title           string    `json:"title"`
	Price           string    `json:"price"`
	Condition       string    `json:"condition"`
	Grade           *float64  `json:"grade"`
	GradingService  string    `json:"grading_service,omitempty"`
	VariantType     string    `json:"variant_type,omitempty"`
	VariantSubtype  string    `json:"variant_subtype,omitempty"`
	SaleType        string    `json:"sale_type,omitempty"`
	URL             string    `json:"url"`
	ObservedOn      string    `json:"observed_on"`
	ScrapedAt       time.Time `json:"scraped_at"`
}

// handleItemPricing 查询刊物当前价格记录。
//
// GET /api/v1/items/:id/pricing?marketplace=&condition=&grade=&days=&limit=
func (s *Server) handleItemPricing(c *gin.Context) {
	if s.pricing == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage not configured"})
		return
	}
	filter := storage.PricingFilter{
		Marketplace: c.Query("marketplace"),
		Condition:   c.Query("condition"),
		Days:        parseQueryInt(c, "days", 0),
		Limit:       parseQueryInt(c, "limit", 0),
	}
	if g := c.Query("grade"); g != "" {
		grade, err := strconv.ParseFloat(g, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid grade"})
			return
		}
		filter.Grade = &grade
	}

	itemID := c.Param("id")
	rows, err := s.pricing.GetCurrentPricing(c.Request.Context(), itemID, filter)
	if err != nil {
		s.logger.Error("get current pricing failed", slog.String("item_id", itemID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query pricing failed"})
		return
	}

	views := make([]pricingView, 0, len(rows))
	for _, r := range rows {
		views = append(views, pricingView{
			Marketplace:     r.Marketplace,
			SourceListingID: r.SourceListingID,
			Title:           r.Title,
			Price:           r.Price.StringFixed(2),
			Condition:       r.Condition,
			Grade:           model.GradeFromKey(r.Grade),
			GradingService:  r.GradingService,
			VariantType:     r.VariantType,
			VariantSubtype:  r.VariantSubtype,
			SaleType:        r.SaleType,
			URL:             r.URL,
			ObservedOn:      r.ObservedOn,
			ScrapedAt:       r.ScrapedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"item_id": itemID, "count": len(views), "listings": views})
}

// handleItemTrends 查询价格趋势（最近的在前）。
//
// GET /api/v1/items/:id/trends?marketplace=&condition=&days=
func (s *Server) handleItemTrends(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage not configured"})
		return
	}
	itemID := c.Param("id")
	points, err := s.history.GetPriceTrends(c.Request.Context(), itemID, aggregate.TrendOptions{
		Marketplace: c.Query("marketplace"),
		Condition:   c.Query("condition"),
		Days:        parseQueryInt(c, "days", 0),
	})
	if err != nil {
		s.logger.Error("get price trends failed", slog.String("item_id", itemID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query trends failed"})
		return
	}
	if points == nil {
		points = []aggregate.TrendPoint{}
	}
	c.JSON(http.StatusOK, gin.H{"item_id": itemID, "points": points})
}

type updateHistoryRequest struct {
	Marketplace string `json:"marketplace"`
	Date        string `json:"date"` // YYYY-MM-DD，默认今天
}

// handleUpdateHistory 重新计算某天的价格桶。未指定市场时计算全部启用的市场。
//
// POST /api/v1/items/:id/history
func (s *Server) handleUpdateHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage not configured"})
		return
	}
	var req updateHistoryRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	day := time.Now()
	if req.Date != "" {
		parsed, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date"})
			return
		}
		day = parsed
	}

	marketplaces := s.collector.EnabledMarketplaces()
	if req.Marketplace != "" {
		m, ok := model.ParseMarketplace(req.Marketplace)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown marketplace"})
			return
		}
		marketplaces = []string{string(m)}
	}

	itemID := c.Param("id")
	buckets := []model.PriceHistoryBucket{}
	for _, m := range marketplaces {
		got, err := s.history.UpdatePriceHistory(c.Request.Context(), itemID, m, day)
		if err != nil {
			s.logger.Error("update price history failed",
				slog.String("item_id", itemID),
				slog.String("marketplace", m),
				slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update price history failed"})
			return
		}
		buckets = append(buckets, got...)
	}
	c.JSON(http.StatusOK, gin.H{"item_id": itemID, "date": model.DateKey(day), "buckets": buckets})
}

// handleEvents 读取价格变动事件。
//
// GET /api/v1/events?after=<stream id>&count=
func (s *Server) handleEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "redis not configured"})
		return
	}
	count := parseQueryInt(c, "count", defaultEventCount)
	if count <= 0 || count > maxEventCount {
		count = defaultEventCount
	}
	msgs, err := s.events.Read(c.Request.Context(), c.Query("after"), int64(count))
	if err != nil {
		s.logger.Error("read price events failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read events failed"})
		return
	}
	if msgs == nil {
		msgs = []events.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"events": msgs})
}

func parseQueryInt(c *gin.Context, key string, def int) int {
	val := c.Query(key)
	if val == "" {
		return def
	}
	iv, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return iv
}
