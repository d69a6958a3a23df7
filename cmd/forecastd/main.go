// Command forecastd keeps a rolling window of GFS forecast hours in a PostGIS
// raster table, publishing colorized mosaics and a wind-vector field per hour.
//
// Usage:
//
//	forecastd                    # run a batch now and then every BATCH_INTERVAL
//	forecastd -once              # run a single batch and exit
//	forecastd -reprocess ./grids # ingest data_<yyyyMMdd_HHmmss>.grib2 files and exit
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/forecast-raster-etl/internal/adapter/artifact"
	"github.com/couchcryptid/forecast-raster-etl/internal/adapter/gcs"
	"github.com/couchcryptid/forecast-raster-etl/internal/adapter/gdal"
	"github.com/couchcryptid/forecast-raster-etl/internal/adapter/geoserver"
	httpadapter "github.com/couchcryptid/forecast-raster-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/forecast-raster-etl/internal/adapter/kafka"
	"github.com/couchcryptid/forecast-raster-etl/internal/adapter/postgis"
	"github.com/couchcryptid/forecast-raster-etl/internal/config"
	"github.com/couchcryptid/forecast-raster-etl/internal/domain"
	"github.com/couchcryptid/forecast-raster-etl/internal/observability"
	"github.com/couchcryptid/forecast-raster-etl/internal/pipeline"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
)

func main() {
	once := flag.Bool("once", false, "run a single batch and exit")
	reprocess := flag.String("reprocess", "", "ingest already-downloaded grids from `dir` and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgis.Open(cfg.DatabaseURL, cfg.DBMaxOpenConns, logger)
	if err != nil {
		logger.Error("failed to open spatial store", "error", err)
		os.Exit(1)
	}
	if err := store.Migrate(); err != nil {
		logger.Error("failed to migrate spatial store", "error", err)
		os.Exit(1)
	}
	closers := []io.Closer{store}

	var indexer gdal.Indexer
	if cfg.GeoServerURL != "" {
		indexer = geoserver.NewClient(cfg.GeoServerURL, cfg.GeoServerWorkspace, cfg.GeoServerUser, cfg.GeoServerPassword, cfg.DownloadTimeout, logger)
		logger.Info("mosaic index publishing enabled", "url", cfg.GeoServerURL, "workspace", cfg.GeoServerWorkspace)
	} else {
		logger.Info("mosaic index publishing disabled")
	}
	toolchain := gdal.NewToolchain(
		gdal.NewRunner(cfg.ToolchainBinDir, cfg.CommandTimeout, logger),
		gdal.NewDownloader(cfg.DownloadTimeout),
		indexer,
		logger,
	)

	products := artifact.NewLocalSink(cfg.OutputDir)
	deps := pipeline.Deps{
		Store:     store,
		Toolchain: toolchain,
		Products:  products,
		URLs: domain.URLPlanner{
			BaseURL:           cfg.Forecast.BaseURL,
			DirectoryFormat:   cfg.Forecast.DirectoryFormat,
			FileFormat:        cfg.Forecast.FileFormat,
			DefaultParameters: cfg.Forecast.DefaultParameters,
			DefaultLevels:     cfg.Forecast.DefaultLevels,
		},
		Sinks:    []pipeline.ArtifactSink{products},
		Recorder: postgis.NewRunRecorder(store.DB(), cfg.RasterTable),
	}

	if cfg.GCSBucket != "" {
		archive, err := gcs.NewSink(ctx, cfg.GCSBucket, cfg.GCSPrefix, logger)
		if err != nil {
			logger.Error("failed to create wind archive", "error", err)
			os.Exit(1)
		}
		deps.Sinks = append(deps.Sinks, archive)
		closers = append(closers, archive)
		logger.Info("wind archive enabled", "bucket", cfg.GCSBucket, "prefix", cfg.GCSPrefix)
	}

	if len(cfg.KafkaBrokers) > 0 {
		notifier := kafkaadapter.NewNotifier(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		deps.Notifier = notifier
		closers = append(closers, notifier)
		logger.Info("ingestion notifications enabled", "topic", cfg.KafkaTopic)
	}

	orch := pipeline.NewOrchestrator(deps, pipeline.Options{
		Table:       cfg.RasterTable,
		Horizon:     cfg.Forecast.Horizon(),
		Concurrency: cfg.Concurrency,
		ScratchDir:  cfg.ScratchDir,
		ColormapDir: cfg.ColormapDir,
	}, clockwork.NewRealClock(), logger, metrics)

	switch {
	case *reprocess != "":
		_, err = orch.ReprocessLocal(ctx, *reprocess)
	case *once:
		_, err = orch.RunBatch(ctx)
	default:
		err = serve(ctx, cfg, orch, store, logger)
	}

	if cerr := closeAll(closers); cerr != nil {
		logger.Error("close error", "error", cerr)
	}
	if err != nil {
		logger.Error("ingestion failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// serve runs the scheduler next to the health server until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, orch *pipeline.Orchestrator, store *postgis.Store, logger *slog.Logger) error {
	srv := httpadapter.NewServer(cfg.HTTPAddr, readiness{orch, store}, orch, logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx, cfg.BatchInterval) }()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	// Tasks observe ctx through their subprocesses; wait for them to unwind
	// so scratch directories are removed before exit.
	select {
	case err := <-done:
		return err
	case <-shutdownCtx.Done():
		return errors.New("ingestion did not stop within the shutdown timeout")
	}
}

// readiness is ready when every check passes.
type readiness []sharedobs.ReadinessChecker

func (r readiness) CheckReadiness(ctx context.Context) error {
	for _, c := range r {
		if err := c.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}

func closeAll(closers []io.Closer) error {
	var merr *multierror.Error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
