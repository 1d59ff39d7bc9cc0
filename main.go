package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fundingflow/config"
	"fundingflow/internal/analyzer"
	"fundingflow/internal/archive"
	"fundingflow/internal/exchange"
	"fundingflow/internal/pipeline"
	"fundingflow/internal/scheduler"
	"fundingflow/internal/store"
	"fundingflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	historical := flag.Bool("historical", false, "Backfill funding history and snapshots, then exit")
	update := flag.Bool("update", false, "Run one incremental collection cycle, then exit")
	analyze := flag.Bool("analyze", false, "Print funding summaries from stored data, then exit")
	export := flag.Bool("export", false, "Export stored history to S3 as parquet, then exit")
	schedule := flag.Bool("schedule", false, "Run incremental collection on a fixed interval")
	days := flag.Int("days", 0, "Days of history for -historical, -analyze and -export (0 uses the configured default)")
	interval := flag.Duration("interval", time.Hour, "Collection interval for -schedule")

	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath, "config/config.yml"))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	format := cfg.Logging.Format
	if format == "" && config.IsProductionLike(config.AppEnvironment()) {
		format = "json"
	}
	if err := log.Configure(cfg.Logging.Level, format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Fundingflow.Name,
		"version": cfg.Fundingflow.Version,
	}).Info("starting fundingflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
	}()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}
	if cfg.Funding.LogIntervalHours > 0 {
		logger.StartReport(ctx, log, time.Duration(cfg.Funding.LogIntervalHours)*time.Hour)
	}

	db, err := store.Open(cfg.Database)
	if err != nil {
		log.WithError(err).Error("Failed to open database")
		os.Exit(1)
	}
	defer db.Close()

	exitCode := 0
	switch {
	case *historical:
		collector := pipeline.NewCollector(exchange.NewClient(cfg.Exchange), db, cfg.Funding)
		if _, err := collector.CollectHistorical(ctx, *days); err != nil {
			log.WithError(err).Error("historical collection failed")
			exitCode = 1
		}

	case *update:
		collector := pipeline.NewCollector(exchange.NewClient(cfg.Exchange), db, cfg.Funding)
		if _, err := collector.CollectUpdate(ctx); err != nil {
			log.WithError(err).Error("update collection failed")
			exitCode = 1
		}

	case *schedule:
		collector := pipeline.NewCollector(exchange.NewClient(cfg.Exchange), db, cfg.Funding)
		job := func(ctx context.Context) error {
			_, err := collector.CollectUpdate(ctx)
			return err
		}
		if err := scheduler.New(*interval, job).Run(ctx); err != nil && err != context.Canceled {
			log.WithError(err).Error("scheduler failed")
			exitCode = 1
		}

	case *analyze:
		exitCode = runAnalyze(ctx, db, analysisDays(*days))

	case *export:
		if !cfg.Storage.S3.Enabled {
			log.Error("S3 storage is disabled, nothing to export")
			exitCode = 1
			break
		}
		exporter, err := archive.NewExporter(ctx, cfg.Storage.S3, db)
		if err != nil {
			log.WithError(err).Error("Failed to create exporter")
			exitCode = 1
			break
		}
		if _, err := exporter.Export(ctx, analysisDays(*days)); err != nil {
			log.WithError(err).Error("export failed")
			exitCode = 1
		}

	default:
		flag.Usage()
		exitCode = 2
	}

	log.Info("fundingflow stopped")
	os.Exit(exitCode)
}

func analysisDays(days int) int {
	if days <= 0 {
		return 7
	}
	return days
}

// runAnalyze prints top movers and price impacts as JSON on stdout so the
// output can be piped into other tools.
func runAnalyze(ctx context.Context, db *store.Store, days int) int {
	log := logger.GetLogger()
	a := analyzer.New(db)

	report, err := a.Patterns(ctx, days, 20)
	if err != nil {
		log.WithError(err).Error("analysis failed")
		return 1
	}
	impacts, err := a.Impacts(ctx, days, 20)
	if err != nil {
		log.WithError(err).Error("analysis failed")
		return 1
	}

	out := struct {
		*analyzer.PatternReport
		Impacts []analyzer.PriceImpact `json:"impacts"`
	}{PatternReport: report, Impacts: impacts}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.WithError(err).Error("encode analysis output")
		return 1
	}
	return 0
}
