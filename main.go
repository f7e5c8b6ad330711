package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"tickflow/config"
	"tickflow/internal/contracts"
	"tickflow/internal/metadata"
	"tickflow/internal/metrics"
	"tickflow/internal/publish"
	"tickflow/internal/session"
	"tickflow/internal/watchlist"
	"tickflow/logger"
	"tickflow/processor"
	"tickflow/reader"
	"tickflow/reader/replay"
	"tickflow/reader/stream"
	"tickflow/writer"
)

const defaultConfigPath = "config/config.yml"

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath, defaultConfigPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	sessionID := uuid.NewString()
	log.WithFields(logger.Fields{
		"service":    cfg.App.Name,
		"version":    cfg.App.Version,
		"env":        env,
		"session_id": sessionID,
	}).Info("starting tickflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}
	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		logger.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard)
	}
	metrics.Serve(ctx, cfg.Metrics.Listen)

	wl, err := watchlist.Load(cfg.Watchlist.File)
	if err != nil {
		log.WithError(err).Error("Failed to load watchlist")
		os.Exit(1)
	}
	if wl.Len() == 0 {
		log.WithField("file", cfg.Watchlist.File).Error("watchlist is empty")
		os.Exit(1)
	}
	checkWatchlist(cfg, wl)

	if config.IsProductionLike(env) && cfg.Feed.Kind == "websocket" &&
		cfg.Feed.SessionToken == "" && cfg.Feed.APIKey == "" {
		log.Error("feed credentials are required outside development")
		os.Exit(1)
	}

	csvWriter, err := writer.NewCSVWriter(cfg.Storage)
	if err != nil {
		log.WithError(err).Error("failed to create csv writer")
		os.Exit(1)
	}

	var opts []processor.Option
	var archive *writer.ArchiveWriter
	var table *metadata.Table
	if cfg.Storage.Archive.Enabled {
		var store writer.ObjectPutter
		if cfg.Storage.S3.Enabled {
			client, err := writer.NewS3Client(ctx, cfg.Storage.S3)
			if err != nil {
				log.WithError(err).Error("failed to create S3 client")
				os.Exit(1)
			}
			store = client
		}
		var archiveOpts []writer.ArchiveOption
		if cfg.Storage.Archive.Metadata {
			table = writer.NewArchiveTable(cfg.Storage, store != nil)
			archiveOpts = append(archiveOpts, writer.WithTable(table))
		}
		archive, err = writer.NewArchiveWriter(cfg.Storage, store, archiveOpts...)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		}
		opts = append(opts, processor.WithArchive(archive))
	} else {
		log.WithComponent("main").Info("tick archive disabled")
	}

	var kafkaSink *writer.KafkaWriter
	if cfg.Storage.Kafka.Enabled {
		kafkaSink, err = writer.NewKafkaWriter(cfg.Storage.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka writer")
			os.Exit(1)
		}
		if err := kafkaSink.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start kafka writer")
			os.Exit(1)
		}
		opts = append(opts, processor.WithSink("kafka", kafkaSink))
	}

	ingestor := processor.NewIngestor(cfg.Ingest, wl, csvWriter, opts...)

	snapshots, err := writer.NewSnapshotWriter(cfg.Snapshot, sessionID)
	if err != nil {
		log.WithError(err).Error("failed to create snapshot writer")
		os.Exit(1)
	}

	publisher, err := publish.New(ctx, cfg.Publish, cfg.Storage.S3)
	if err != nil {
		log.WithError(err).Error("failed to create publisher")
		os.Exit(1)
	}

	var feed reader.Feed
	switch cfg.Feed.Kind {
	case "replay":
		feed = replay.New(cfg.Feed)
	default:
		feed = stream.New(cfg.Feed)
	}
	metrics.WatchChannel(ctx, feed.Ticks(), 5*time.Second)

	sess := session.New(cfg, session.Deps{
		ID:        sessionID,
		Feed:      feed,
		Ingestor:  ingestor,
		Snapshots: snapshots,
		Publisher: publisher,
		Files:     csvWriter,
	}, session.WithStateHook(session.SystemdNotifier()))

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
			stopRun()
		case <-runCtx.Done():
		}
	}()

	done := make(chan error, 1)
	go func() { done <- sess.Run(runCtx) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-runCtx.Done():
		select {
		case runErr = <-done:
		case <-time.After(30 * time.Second):
			log.Warn("graceful shutdown timeout exceeded")
		}
	}

	if archive != nil {
		log.Info("stopping archive writer")
		archive.Stop()
	}
	if kafkaSink != nil {
		log.Info("stopping kafka writer")
		kafkaSink.Stop()
	}
	if table != nil {
		catalogDir := filepath.Join(cfg.Storage.Archive.Dir, "catalog")
		if err := table.WriteCatalogEntry(catalogDir); err != nil {
			log.WithError(err).Warn("failed to write archive catalog entry")
		} else {
			log.WithFields(logger.Fields{"files": table.Files(), "rows": table.Rows()}).Info("archive catalog updated")
		}
	}
	cancel()

	if runErr != nil {
		if errors.Is(runErr, session.ErrConnectFailed) {
			log.WithError(runErr).Error("could not reach the market data feed")
		} else {
			log.WithError(runErr).Error("session failed")
		}
		os.Exit(1)
	}
	log.Info("tickflow stopped")
}

// checkWatchlist warns about watchlist symbols whose token no longer matches
// the active contract, which happens when the file predates a rollover.
func checkWatchlist(cfg *config.Config, wl *watchlist.Watchlist) {
	log := logger.GetLogger().WithComponent("main")
	if cfg.Contracts.File == "" {
		return
	}
	if _, err := os.Stat(cfg.Contracts.File); err != nil {
		log.WithField("file", cfg.Contracts.File).Debug("contract file not found, skipping watchlist check")
		return
	}

	resolver, err := contracts.Load(cfg.Contracts.File, cfg.Contracts.InstrumentType, cfg.Contracts.RolloverDays,
		contracts.WithLocation(cfg.Market.Location()))
	if err != nil {
		log.WithError(err).Warn("failed to load contracts")
		return
	}
	expiry, err := resolver.CurrentExpiry()
	if err != nil {
		log.WithError(err).Warn("no active expiry in contract file")
		return
	}
	log.WithFields(logger.Fields{
		"expiry":  expiry,
		"symbols": len(resolver.Symbols()),
		"skipped": resolver.Skipped(),
	}).Info("contracts loaded")

	stale := 0
	for _, e := range wl.Entries() {
		c, err := resolver.TokenInfo(e.Symbol, expiry)
		if err != nil || c.Token == e.Token {
			continue
		}
		stale++
		log.WithFields(logger.Fields{
			"symbol":        e.Symbol,
			"token":         e.Token,
			"current_token": c.Token,
		}).Warn("watchlist token is not the active contract")
	}
	if stale > 0 {
		log.WithField("stale", stale).Warn("watchlist needs regenerating with the tokens command")
	}
}
