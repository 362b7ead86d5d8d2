package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jaydubya818/comicogs-sub003/internal/aggregate"
	"github.com/jaydubya818/comicogs-sub003/internal/app"
	"github.com/jaydubya818/comicogs-sub003/internal/classify"
	"github.com/jaydubya818/comicogs-sub003/internal/collector"
	"github.com/jaydubya818/comicogs-sub003/internal/config"
	"github.com/jaydubya818/comicogs-sub003/internal/pkg/logger"
)

// errAccuracyBelowThreshold accuracy 命令未达标时返回，进程以非零码退出。
var errAccuracyBelowThreshold = errors.New("classification accuracy below threshold")

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "comiccomp",
		Short:         "Collect, classify and aggregate comic marketplace prices",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "configs/config.json", "path to the JSON config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override app.log_level (debug, info, warn, error)")

	root.AddCommand(
		newCollectCmd(opts),
		newClassifyCmd(opts),
		newAccuracyCmd(opts),
		newTrendsCmd(opts),
	)
	return root
}

// load 读取配置并创建写到 stderr 的日志，stdout 只输出 JSON 结果。
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.App.LogLevel = o.logLevel
	}
	return cfg, logger.NewWithWriter(os.Stderr, cfg.App.Env, cfg.App.LogLevel), nil
}

// --- collect ---

func newCollectCmd(opts *rootOptions) *cobra.Command {
	var (
		itemID       string
		marketplaces string
		maxResults   int
		timeout      time.Duration
		classifyOn   bool
	)
	cmd := &cobra.Command{
		Use:   "collect <query>",
		Short: "Search enabled marketplaces and print the collection result as JSON",
		Long: `Search enabled marketplaces and print the collection result as JSON.

Examples:
  comiccomp collect "Amazing Spider-Man #300" --item-id asm-300 --classify
  comiccomp collect "Batman #1" --marketplaces ebay,heritage --timeout 20s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			services, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer services.Close()

			if cfg.App.MetricsAddr != "" {
				stopMetrics := serveMetrics(cfg.App.MetricsAddr, log)
				defer stopMetrics()
			}

			res := services.Collector.CollectPricingData(ctx, args[0], collector.Options{
				MaxResults:   maxResults,
				Marketplaces: splitCSV(marketplaces),
				Timeout:      timeout,
				ItemID:       itemID,
				Classify:     classifyOn,
			})
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&itemID, "item-id", "", "item ID used to persist listings and update price history")
	cmd.Flags().StringVar(&marketplaces, "marketplaces", "", "comma-separated marketplaces (default: all enabled)")
	cmd.Flags().IntVar(&maxResults, "max-results", 0, "max results per marketplace (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall deadline for the collection, 0 means none")
	cmd.Flags().BoolVar(&classifyOn, "classify", false, "classify variant and condition of each listing")
	return cmd
}

// --- classify ---

func newClassifyCmd(opts *rootOptions) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "classify <title>",
		Short: "Classify the variant and condition of a listing title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			facade, err := classify.NewFacade(cfg.Classification, log)
			if err != nil {
				return err
			}
			res := facade.Classify(classify.Item{Title: args[0], Description: description})
			if res.Error != "" {
				return fmt.Errorf("classify: %s", res.Error)
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "listing description")
	return cmd
}

// --- accuracy ---

func newAccuracyCmd(opts *rootOptions) *cobra.Command {
	var datasetPath string
	cmd := &cobra.Command{
		Use:   "accuracy",
		Short: "Evaluate classification accuracy against a labeled dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			facade, err := classify.NewFacade(cfg.Classification, log)
			if err != nil {
				return err
			}

			var dataset []classify.LabeledItem
			if datasetPath != "" {
				dataset, err = classify.LoadDatasetFile(datasetPath)
			} else {
				dataset, err = classify.LoadDataset()
			}
			if err != nil {
				return err
			}

			report := facade.ValidateAccuracy(dataset)
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.MeetsThreshold {
				return errAccuracyBelowThreshold
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&datasetPath, "dataset", "", "labeled dataset JSON file (default: built-in dataset)")
	return cmd
}

// --- trends ---

func newTrendsCmd(opts *rootOptions) *cobra.Command {
	var (
		days        int
		marketplace string
		condition   string
	)
	cmd := &cobra.Command{
		Use:   "trends <item-id>",
		Short: "Print daily price trends for an item, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			services, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer services.Close()

			if services.Aggregator == nil {
				return errors.New("trends require a database (database.driver is none)")
			}
			points, err := services.Aggregator.GetPriceTrends(ctx, args[0], aggregate.TrendOptions{
				Marketplace: marketplace,
				Condition:   condition,
				Days:        days,
			})
			if err != nil {
				return err
			}
			if points == nil {
				points = []aggregate.TrendPoint{}
			}
			return writeJSON(cmd.OutOrStdout(), points)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "number of days to include (default from config)")
	cmd.Flags().StringVar(&marketplace, "marketplace", "", "only this marketplace")
	cmd.Flags().StringVar(&condition, "condition", "", "only this condition")
	return cmd
}

func serveMetrics(addr string, log *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("metrics listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
