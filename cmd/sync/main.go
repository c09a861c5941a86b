package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/mdelaney/sirbridge/internal/archive"
	"github.com/mdelaney/sirbridge/internal/awsutil"
	"github.com/mdelaney/sirbridge/internal/config"
	"github.com/mdelaney/sirbridge/internal/downstream"
	"github.com/mdelaney/sirbridge/internal/logger"
	"github.com/mdelaney/sirbridge/internal/repository"
	"github.com/mdelaney/sirbridge/internal/secrets"
	"github.com/mdelaney/sirbridge/internal/service"
	"github.com/mdelaney/sirbridge/internal/transform"
	"github.com/mdelaney/sirbridge/internal/upstream"
	"github.com/mdelaney/sirbridge/internal/watermark"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "sirbridge-sync",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	dryRun := flag.Bool("dry-run", false, "Run the pipeline without submitting or advancing the watermark")
	runTime := flag.String("time", "", "Override the run-start timestamp (RFC 3339), for replays")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	if *logLevel != "" {
		envCfg := logger.LoadFromEnv()
		envCfg.Level = *logLevel
		appLogger = logger.New(envCfg)
		logger.SetDefaultLogger(appLogger)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	loc, err := time.LoadLocation(cfg.Watermark.Timezone)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load reference timezone")
	}

	var overrideTime time.Time
	if *runTime != "" {
		overrideTime, err = time.Parse(time.RFC3339, *runTime)
		if err != nil {
			appLogger.WithError(err).Fatal("Invalid -time value, expected RFC 3339")
		}
	}

	appLogger.WithFields(logger.Fields{
		"dry_run":         *dryRun,
		"watermark_store": cfg.Watermark.Store,
	}).Info("Starting sync run")

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	// Resolve AWS config once; the watermark store, secret overlay, and
	// archive all share it.
	var awsCfg aws.Config
	needsAWS := cfg.Watermark.Store == "ssm" || cfg.Secrets.SecretID != "" || cfg.Archive.Enabled
	if needsAWS {
		awsCfg, err = awsutil.LoadConfig(ctx, cfg.AWS)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to load AWS config")
		}
	}

	// Overlay secret material before building any client.
	if err := secrets.Overlay(ctx, awsCfg, cfg); err != nil {
		appLogger.WithError(err).Fatal("Failed to apply secret overlay")
	}

	// Watermark store
	var store watermark.Store
	switch cfg.Watermark.Store {
	case "file":
		store = watermark.NewFileStore(cfg.Watermark.FilePath)
	default:
		store = watermark.NewSSMStoreFromConfig(awsCfg, cfg.Watermark.ParameterName)
	}

	// Upstream and downstream clients
	fetcher := upstream.NewClient(cfg.Upstream, appLogger)
	submitter, err := downstream.NewClient(cfg.Downstream, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize destination client")
	}

	// Pipeline
	pipeline := transform.NewPipeline(cfg.Filters, loc, appLogger)
	mapper := transform.NewMapper(cfg.Mapping, loc, appLogger)

	syncService := service.NewSyncService(store, fetcher, submitter, pipeline, mapper, loc, appLogger)

	// Optional sinks
	if cfg.Ledger.Enabled {
		db, err := repository.InitDB(&cfg.Ledger)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize run ledger")
		}
		syncService.WithLedger(repository.NewRunRepository(db))
	}
	if cfg.Archive.Enabled {
		syncService.WithArchiver(archive.NewS3Archive(awsCfg, &cfg.Archive))
	}

	// Run
	summary, runErr := syncService.Run(ctx, service.RunOptions{
		DryRun: *dryRun,
		Time:   overrideTime,
	})

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		appLogger.WithError(err).Error("Failed to encode run summary")
	} else {
		fmt.Println(string(out))
	}

	logger.Sync()
	if runErr != nil {
		os.Exit(1)
	}
}
