package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/forecast-raster-etl/internal/domain"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// hourJob is one forecast hour to ingest. source is a download URL, or a grid
// file path when local is set (instant is then already known).
type hourJob struct {
	source  string
	instant time.Time
	local   bool
}

// hourTask carries the state of one ingestion through its stages.
type hourTask struct {
	o       *Orchestrator
	job     hourJob
	instant time.Time
	scratch string
	stage   domain.Stage
	logger  *slog.Logger

	colorized map[string]domain.RasterProduct // keyed by collection
	windField domain.RasterProduct
	subset    string
}

// ingestHour runs one task to completion and never returns an error: failures
// end up in the outcome, and the scratch directory is removed on every path.
func (o *Orchestrator) ingestHour(ctx context.Context, runID string, job hourJob, storeDown *atomic.Bool) (out domain.HourOutcome) {
	t := &hourTask{
		o:         o,
		job:       job,
		stage:     domain.StagePending,
		logger:    o.logger.With("run_id", runID, "source", job.source),
		colorized: make(map[string]domain.RasterProduct),
	}
	out = domain.HourOutcome{Source: job.source, Outcome: domain.OutcomeFailed}

	ctx, span := tracer.Start(ctx, "ingest.hour", trace.WithAttributes(attribute.String("source", job.source)))
	defer span.End()

	defer func() {
		o.metrics.TaskOutcomes.WithLabelValues(string(out.Outcome)).Inc()
		if out.Outcome == domain.OutcomeFailed {
			o.metrics.StageFailures.WithLabelValues(string(out.FailedAt)).Inc()
			span.SetStatus(codes.Error, out.Error)
		}
	}()

	instant, err := t.resolveInstant()
	if err != nil {
		t.logger.Warn("unusable forecast source", "error", err)
		out.FailedAt, out.Error, out.Cleaned = domain.StagePending, err.Error(), true
		return out
	}
	t.instant, out.Instant = instant, instant
	t.logger = t.logger.With("instant", instant.Format(time.RFC3339))
	span.SetAttributes(attribute.String("instant", instant.Format(time.RFC3339)))

	scratch, err := os.MkdirTemp(o.opts.ScratchDir, "hour-"+domain.Stamp(instant)+"-")
	if err != nil {
		t.logger.Warn("create scratch dir failed", "error", err)
		out.FailedAt, out.Error, out.Cleaned = domain.StagePending, err.Error(), true
		return out
	}
	t.scratch = scratch
	defer func() {
		if rerr := os.RemoveAll(scratch); rerr != nil {
			t.logger.Error("scratch cleanup failed", "dir", scratch, "error", rerr)
			return
		}
		out.Cleaned = true
		t.logger.Debug("task state", "stage", domain.StageCleaned)
	}()

	outcome, err := t.run(ctx, storeDown)
	out.Outcome = outcome
	if err != nil {
		out.FailedAt, out.Error = t.stage, err.Error()
		span.RecordError(err)
		if outcome == domain.OutcomeSkipped {
			t.logger.Warn("store unavailable, hour not stored", "stage", t.stage)
		} else {
			t.logger.Warn("forecast hour failed", "stage", t.stage, "error", err)
		}
		return out
	}
	t.logger.Info("forecast hour stored")
	return out
}

func (t *hourTask) resolveInstant() (time.Time, error) {
	if t.job.local {
		return t.job.instant, nil
	}
	return domain.ParseFromDownloadURL(t.job.source)
}

func (t *hourTask) enter(stage domain.Stage) {
	t.stage = stage
	t.logger.Debug("task state", "stage", stage)
}

// run drives the stages in order and reports how the hour ended.
func (t *hourTask) run(ctx context.Context, storeDown *atomic.Bool) (domain.Outcome, error) {
	t.enter(domain.StageDownloading)
	grid, err := t.fetch(ctx)
	if err != nil {
		return domain.OutcomeFailed, err
	}

	t.enter(domain.StageConverting)
	if err := t.convert(ctx, grid); err != nil {
		return domain.OutcomeFailed, err
	}

	t.enter(domain.StagePublishing)
	t.publish(ctx)

	t.enter(domain.StageStoring)
	if storeDown.Load() {
		return domain.OutcomeSkipped, domain.ErrStoreUnavailable
	}
	if err := t.store(ctx); err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			storeDown.Store(true)
		}
		return domain.OutcomeFailed, err
	}

	t.notify(ctx)
	return domain.OutcomeStored, nil
}

func (t *hourTask) path(name string) string {
	return filepath.Join(t.scratch, name)
}

func (t *hourTask) fetch(ctx context.Context) (string, error) {
	if t.job.local {
		if _, err := os.Stat(t.job.source); err != nil {
			return "", fmt.Errorf("local grid: %w", err)
		}
		return t.job.source, nil
	}
	dest := t.path(domain.GribName(t.instant))
	err := t.o.timed("download", func() error {
		return t.o.deps.Toolchain.Download(ctx, t.job.source, dest)
	})
	return dest, err
}

// convert derives every product from the downloaded grid: the colorized
// layers, the wind-vector field and the store's band subset.
func (t *hourTask) convert(ctx context.Context, grid string) error {
	tc := t.o.deps.Toolchain
	geoTIFF := t.path(domain.GeoTIFFName(t.instant))
	reprojected := t.path(domain.ReprojectedName(t.instant))

	if err := t.o.timed("convert", func() error { return tc.ConvertToRaster(ctx, grid, geoTIFF) }); err != nil {
		return err
	}
	if err := t.o.timed("reproject", func() error { return tc.Reproject(ctx, geoTIFF, reprojected, domain.TargetSRS) }); err != nil {
		return err
	}

	for _, layer := range t.o.opts.Layers {
		if err := t.colorizeLayer(ctx, reprojected, layer); err != nil {
			return err
		}
	}

	if err := t.windVector(ctx, grid); err != nil {
		return err
	}

	t.subset = t.path(domain.StoreSubsetName(t.instant))
	return t.o.timed("extract_band", func() error {
		return tc.ExtractBand(ctx, reprojected, t.subset, domain.BandSelector{Bands: domain.StoreBands, Format: "GTiff"})
	})
}

func (t *hourTask) colorizeLayer(ctx context.Context, src string, layer domain.LayerSpec) error {
	tc := t.o.deps.Toolchain
	band := t.path(domain.BandName(layer.Prefix, t.instant))
	if err := t.o.timed("extract_band", func() error {
		return tc.ExtractBand(ctx, src, band, domain.BandSelector{Bands: []int{layer.Band}, Format: "GTiff"})
	}); err != nil {
		return err
	}

	if layer.Scale != nil {
		scaled := t.path(domain.ScaledName(layer.Prefix, t.instant))
		if err := t.o.timed("scale", func() error { return tc.Scale(ctx, band, scaled, *layer.Scale) }); err != nil {
			return err
		}
		band = scaled
	}

	dest, err := t.o.deps.Products.Path(filepath.Join(layer.Dir, layer.ColorizedName(t.instant)))
	if err != nil {
		return &domain.ConversionFailedError{Operation: "colorize", Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return &domain.ConversionFailedError{Operation: "colorize", Err: err}
	}
	colormap := filepath.Join(t.o.opts.ColormapDir, layer.Colormap)
	if err := t.o.timed("colorize", func() error { return tc.Colorize(ctx, band, dest, colormap) }); err != nil {
		return err
	}
	t.colorized[layer.Collection] = domain.RasterProduct{Instant: t.instant, Variable: layer.Variable, Path: dest}
	return nil
}

// windVector exports the U/V bands as browser-friendly JSON and hands it to
// the artifact sinks. Sink failures are logged and do not fail the hour.
func (t *hourTask) windVector(ctx context.Context, grid string) error {
	tc := t.o.deps.Toolchain
	bands := t.path(domain.WindBandsName(t.instant))
	regridded := t.path(domain.WindRegriddedName(t.instant))
	rawJSON := t.path("raw_" + domain.WindVectorName(t.instant))

	if err := t.o.timed("extract_band", func() error {
		return tc.ExtractBand(ctx, grid, bands, domain.BandSelector{Bands: domain.WindVectorBands, Format: "GRIB"})
	}); err != nil {
		return err
	}
	if err := t.o.timed("regrid", func() error { return tc.Regrid(ctx, bands, regridded, t.o.opts.WindResolution) }); err != nil {
		return err
	}
	if err := t.o.timed("export_json", func() error { return tc.ExportVectorJSON(ctx, regridded, rawJSON) }); err != nil {
		return err
	}

	raw, err := os.ReadFile(rawJSON)
	if err != nil {
		return &domain.ConversionFailedError{Operation: "normalize_wind", Err: err}
	}
	field, err := domain.NormalizeWindField(raw)
	if err != nil {
		return &domain.ConversionFailedError{Operation: "normalize_wind", Err: err}
	}

	name := filepath.ToSlash(filepath.Join(domain.WindVectorDir, domain.WindVectorName(t.instant)))
	var merr *multierror.Error
	for _, sink := range t.o.deps.Sinks {
		if err := sink.Put(ctx, name, field); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		t.logger.Warn("wind field not fully published", "error", err)
	}
	t.windField = domain.RasterProduct{Instant: t.instant, Variable: domain.VariableWindVector, Path: name}
	return nil
}

// publish registers colorized layers with the mosaic index. Failures only
// degrade serving freshness, so they are logged and counted.
func (t *hourTask) publish(ctx context.Context) {
	for _, layer := range t.o.opts.Layers {
		product, ok := t.colorized[layer.Collection]
		if !ok {
			continue
		}
		err := t.o.timed("publish_index", func() error {
			return t.o.deps.Toolchain.PublishToIndex(ctx, product.Path, layer.Collection)
		})
		if err != nil {
			t.o.metrics.IndexPublishFailures.WithLabelValues(layer.Collection).Inc()
			t.logger.Warn("index publish failed", "collection", layer.Collection, "error", err)
		}
	}
}

func (t *hourTask) store(ctx context.Context) error {
	raster, err := os.ReadFile(t.subset)
	if err != nil {
		return fmt.Errorf("read store subset: %w", err)
	}
	return t.o.timed("insert_raster", func() error {
		return t.o.deps.Store.InsertRaster(ctx, t.o.opts.Table, t.instant, raster)
	})
}

func (t *hourTask) notify(ctx context.Context) {
	if t.o.deps.Notifier == nil {
		return
	}
	layers := make(map[string]string, len(t.colorized))
	for collection, product := range t.colorized {
		layers[collection] = product.Path
	}
	hour := domain.IngestedHour{
		Instant:    t.instant,
		Table:      t.o.opts.Table,
		Layers:     layers,
		WindField:  t.windField.Path,
		Source:     t.job.source,
		IngestedAt: t.o.clock.Now().UTC(),
	}
	if err := t.o.deps.Notifier.NotifyIngested(ctx, hour); err != nil {
		t.o.metrics.NotificationFailures.Inc()
		t.logger.Warn("ingestion notification failed", "error", err)
	}
}

// timed records the duration of one toolchain or store operation.
func (o *Orchestrator) timed(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	o.metrics.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	return err
}
