package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/forecast-raster-etl/internal/domain"
	"github.com/couchcryptid/forecast-raster-etl/internal/observability"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/couchcryptid/forecast-raster-etl/internal/pipeline")

// Store is the spatial store as seen by the orchestrator. Implementations
// must be safe for concurrent use by every task of a batch.
type Store interface {
	CoverageReader
	EnsureTable(ctx context.Context, table string) error
	InsertRaster(ctx context.Context, table string, instant time.Time, raster []byte) error
}

// RasterToolchain runs one conversion stage per call. Every method is a
// file-to-file transform except PublishToIndex.
type RasterToolchain interface {
	Download(ctx context.Context, url, dest string) error
	ConvertToRaster(ctx context.Context, src, dest string) error
	Reproject(ctx context.Context, src, dest, targetSRS string) error
	ExtractBand(ctx context.Context, src, dest string, sel domain.BandSelector) error
	Scale(ctx context.Context, src, dest string, r domain.ScaleRange) error
	Colorize(ctx context.Context, src, dest, colormap string) error
	Regrid(ctx context.Context, src, dest string, resolution float64) error
	ExportVectorJSON(ctx context.Context, src, dest string) error
	PublishToIndex(ctx context.Context, path, collection string) error
}

// ProductTree locates published products on the local filesystem.
type ProductTree interface {
	Path(name string) (string, error)
}

// ArtifactSink receives finished products such as the wind-vector JSON.
type ArtifactSink interface {
	Put(ctx context.Context, name string, data []byte) error
}

// Notifier announces hours that reached the store.
type Notifier interface {
	NotifyIngested(ctx context.Context, hour domain.IngestedHour) error
}

// RunRecorder keeps an audit row per batch.
type RunRecorder interface {
	RecordRun(ctx context.Context, report domain.BatchReport) error
}

// Deps are the orchestrator's collaborators. Sinks, Notifier and Recorder
// are optional.
type Deps struct {
	Store     Store
	Toolchain RasterToolchain
	Products  ProductTree
	URLs      domain.URLPlanner
	Sinks     []ArtifactSink
	Notifier  Notifier
	Recorder  RunRecorder
}

// Options tune a batch.
type Options struct {
	Table          string
	Horizon        int
	Concurrency    int
	ScratchDir     string
	ColormapDir    string
	Parameters     []string // nil selects the URL planner defaults
	Levels         []string
	Layers         []domain.LayerSpec
	WindResolution float64
}

// Orchestrator plans and runs ingestion batches.
type Orchestrator struct {
	deps    Deps
	opts    Options
	planner *Planner
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	ready atomic.Bool

	mu   sync.Mutex
	last *domain.BatchReport
}

// NewOrchestrator wires an orchestrator. Zero-valued options fall back to the
// default product catalog, a single worker and the OS temp dir.
func NewOrchestrator(deps Deps, opts Options, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Layers == nil {
		opts.Layers = domain.DefaultLayers
	}
	if opts.WindResolution <= 0 {
		opts.WindResolution = domain.WindVectorResolution
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	return &Orchestrator{
		deps:    deps,
		opts:    opts,
		planner: NewPlanner(deps.Store, clock, opts.Table, opts.Horizon),
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}
}

// CheckReadiness returns nil once a batch has finished without a batch-level error.
func (o *Orchestrator) CheckReadiness(_ context.Context) error {
	if !o.ready.Load() {
		return errors.New("no ingestion batch has completed yet")
	}
	return nil
}

// LastReport returns the most recent batch report.
func (o *Orchestrator) LastReport() (domain.BatchReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return domain.BatchReport{}, false
	}
	return *o.last, true
}

// Run executes a batch immediately and then once per interval until ctx is
// cancelled. A failed batch is logged by finish; the next tick plans again.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	o.logger.Info("ingestion scheduler started", "interval", interval, "table", o.opts.Table)
	o.metrics.PipelineRunning.Set(1)
	defer o.metrics.PipelineRunning.Set(0)

	ticker := o.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, _ = o.RunBatch(ctx)

		select {
		case <-ctx.Done():
			o.logger.Info("ingestion scheduler stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
		}
	}
}

// RunBatch ensures the raster table, plans a window and ingests every hour in
// it. The returned error covers batch-level failures only; per-hour failures
// are in the report.
func (o *Orchestrator) RunBatch(ctx context.Context) (domain.BatchReport, error) {
	report := o.newReport()
	ctx, span := tracer.Start(ctx, "ingest.batch", trace.WithAttributes(
		attribute.String("run_id", report.RunID),
		attribute.String("table", o.opts.Table),
	))
	defer span.End()
	logger := o.logger.With("run_id", report.RunID)

	if err := o.deps.Store.EnsureTable(ctx, o.opts.Table); err != nil {
		return o.finish(ctx, span, logger, report, err)
	}

	window, latest, err := o.planner.Plan(ctx)
	if err != nil {
		return o.finish(ctx, span, logger, report, err)
	}
	o.observeLatest(latest)
	report.Window = window
	o.metrics.HoursPlanned.Add(float64(window.Count))
	span.SetAttributes(attribute.String("window.start", window.Start.Format(time.RFC3339)), attribute.Int("window.count", window.Count))

	if window.Count == 0 {
		logger.Info("store coverage is current, nothing to fetch", "latest", latest)
		return o.finish(ctx, span, logger, report, nil)
	}

	urls := slices.Collect(o.deps.URLs.Expand(window, o.opts.Parameters, o.opts.Levels))
	logger.Info("ingesting forecast window", "start", window.Start, "count", window.Count)

	jobs := make([]hourJob, len(urls))
	for i, u := range urls {
		jobs[i] = hourJob{source: u}
	}
	report.Hours = o.runTasks(ctx, report.RunID, jobs)

	if latest, err := o.deps.Store.LatestTimestamp(ctx, o.opts.Table); err == nil {
		o.observeLatest(latest)
	}
	return o.finish(ctx, span, logger, report, nil)
}

// ReprocessLocal ingests grid files already on disk in dir. Only files named
// data_<yyyyMMdd_HHmmss>.grib2 are considered; the source files are left in place.
func (o *Orchestrator) ReprocessLocal(ctx context.Context, dir string) (domain.BatchReport, error) {
	report := o.newReport()
	ctx, span := tracer.Start(ctx, "ingest.reprocess", trace.WithAttributes(
		attribute.String("run_id", report.RunID),
		attribute.String("dir", dir),
	))
	defer span.End()
	logger := o.logger.With("run_id", report.RunID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return o.finish(ctx, span, logger, report, fmt.Errorf("read grid dir: %w", err))
	}

	var jobs []hourJob
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "data_") || !strings.HasSuffix(name, ".grib2") {
			continue
		}
		instant, err := domain.ParseFromScratchName(name)
		if err != nil {
			logger.Warn("skipping grid file", "file", name, "error", err)
			continue
		}
		path, err := filepath.Abs(filepath.Join(dir, name))
		if err != nil {
			return o.finish(ctx, span, logger, report, fmt.Errorf("resolve grid file: %w", err))
		}
		jobs = append(jobs, hourJob{source: path, instant: instant, local: true})
	}
	slices.SortFunc(jobs, func(a, b hourJob) int { return a.instant.Compare(b.instant) })

	if err := o.deps.Store.EnsureTable(ctx, o.opts.Table); err != nil {
		return o.finish(ctx, span, logger, report, err)
	}

	logger.Info("reprocessing local grids", "dir", dir, "files", len(jobs))
	report.Hours = o.runTasks(ctx, report.RunID, jobs)
	return o.finish(ctx, span, logger, report, nil)
}

// runTasks ingests jobs under the concurrency bound. A task's failure never
// cancels its siblings, so the group always waits for every task.
func (o *Orchestrator) runTasks(ctx context.Context, runID string, jobs []hourJob) []domain.HourOutcome {
	outcomes := make([]domain.HourOutcome, len(jobs))
	var storeDown atomic.Bool

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			o.metrics.TasksInFlight.Inc()
			defer o.metrics.TasksInFlight.Dec()
			outcomes[i] = o.ingestHour(ctx, runID, job, &storeDown)
			return nil
		})
	}
	_ = g.Wait() // tasks report through outcomes

	return outcomes
}

func (o *Orchestrator) newReport() domain.BatchReport {
	return domain.BatchReport{RunID: uuid.NewString(), StartedAt: o.clock.Now().UTC()}
}

// finish stamps, audits and publishes report, then returns it with err.
func (o *Orchestrator) finish(ctx context.Context, span trace.Span, logger *slog.Logger, report domain.BatchReport, err error) (domain.BatchReport, error) {
	report.FinishedAt = o.clock.Now().UTC()
	o.metrics.BatchDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())

	result := "completed"
	switch {
	case err != nil:
		result = "failed"
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch failed")
		logger.Error("batch aborted", "error", err)
	case len(report.Hours) == 0:
		result = "empty"
	default:
		logger.Info("batch finished",
			"stored", report.Count(domain.OutcomeStored),
			"failed", report.Count(domain.OutcomeFailed),
			"skipped", report.Count(domain.OutcomeSkipped),
			"duration", report.FinishedAt.Sub(report.StartedAt),
		)
	}
	o.metrics.BatchesRun.WithLabelValues(result).Inc()

	if o.deps.Recorder != nil {
		// The audit row is written even when the caller's context is done.
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if rerr := o.deps.Recorder.RecordRun(recCtx, report); rerr != nil {
			logger.Warn("record batch failed", "error", rerr)
		}
		cancel()
	}

	o.mu.Lock()
	o.last = &report
	o.mu.Unlock()
	if err == nil {
		o.ready.Store(true)
	}
	return report, err
}

func (o *Orchestrator) observeLatest(latest *time.Time) {
	if latest != nil {
		o.metrics.LatestStoredInstant.Set(float64(latest.Unix()))
	}
}
