package pipeline_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/couchcryptid/forecast-raster-etl/internal/domain"
	"github.com/couchcryptid/forecast-raster-etl/internal/observability"
	"github.com/couchcryptid/forecast-raster-etl/internal/pipeline"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = "weather_raster"

var testNow = time.Date(2024, 4, 26, 11, 37, 0, 0, time.UTC)

func testURLs() domain.URLPlanner {
	return domain.URLPlanner{
		BaseURL:           "https://nomads.ncep.noaa.gov/cgi-bin/filter_gfs_0p25_1hr.pl",
		DirectoryFormat:   "/gfs.{date}/{hour}/atmos",
		FileFormat:        "gfs.t{hour}z.pgrb2.0p25.f{forecastHour}",
		DefaultParameters: []string{"GUST", "TMP", "PRATE", "UGRD", "VGRD"},
		DefaultLevels:     []string{"surface", "10 m above ground"},
	}
}

type harness struct {
	store     *fakeStore
	toolchain *fakeToolchain
	sink      *memorySink
	notifier  *fakeNotifier
	recorder  *fakeRecorder
	clock     *clockwork.FakeClock
	metrics   *observability.Metrics
	scratch   string
	output    string

	deps pipeline.Deps
	opts pipeline.Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     newFakeStore(),
		toolchain: &fakeToolchain{},
		sink:      &memorySink{},
		notifier:  &fakeNotifier{},
		recorder:  &fakeRecorder{},
		clock:     clockwork.NewFakeClockAt(testNow),
		metrics:   observability.NewMetricsForTesting(),
		scratch:   t.TempDir(),
		output:    t.TempDir(),
	}
	h.deps = pipeline.Deps{
		Store:     h.store,
		Toolchain: h.toolchain,
		Products:  dirTree{root: h.output},
		URLs:      testURLs(),
		Sinks:     []pipeline.ArtifactSink{h.sink},
		Notifier:  h.notifier,
		Recorder:  h.recorder,
	}
	h.opts = pipeline.Options{
		Table:       testTable,
		Horizon:     3,
		Concurrency: 4,
		ScratchDir:  h.scratch,
		ColormapDir: "/colormaps",
	}
	return h
}

func (h *harness) orchestrator() *pipeline.Orchestrator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return pipeline.NewOrchestrator(h.deps, h.opts, h.clock, logger, h.metrics)
}

func (h *harness) scratchEntries(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.scratch)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRunBatch_EmptyStoreEndToEnd(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()

	report, err := o.RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.ForecastWindow{Start: testNow.Add(-time.Hour), Count: 4}, report.Window)
	require.Len(t, report.Hours, 4)
	for _, hr := range report.Hours {
		assert.Equal(t, domain.OutcomeStored, hr.Outcome, hr.Error)
		assert.True(t, hr.Cleaned)
		assert.Empty(t, hr.FailedAt)
	}

	want := []time.Time{hourAt(11), hourAt(12), hourAt(13), hourAt(14)}
	if diff := cmp.Diff(want, h.store.instants()); diff != "" {
		t.Errorf("stored instants mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, h.store.ensured)

	latest, err := h.store.LatestTimestamp(context.Background(), testTable)
	require.NoError(t, err)
	assert.Equal(t, hourAt(14), *latest)

	second, err := o.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Window.Count)
	assert.Empty(t, second.Hours)
	assert.Equal(t, int32(4), h.toolchain.downloads.Load(), "covered hours are not fetched again")

	assert.Empty(t, h.scratchEntries(t), "scratch dirs are removed")
	assert.Equal(t, 2, h.recorder.count())
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.BatchesRun.WithLabelValues("completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.BatchesRun.WithLabelValues("empty")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(h.metrics.TaskOutcomes.WithLabelValues("stored")), 0)
	assert.InDelta(t, float64(hourAt(14).Unix()), testutil.ToFloat64(h.metrics.LatestStoredInstant), 0)
}

func TestRunBatch_ProductsAndNotifications(t *testing.T) {
	h := newHarness(t)
	h.opts.Horizon = 0 // one hour: 11:00

	report, err := h.orchestrator().RunBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Hours, 1)
	require.Equal(t, domain.OutcomeStored, report.Hours[0].Outcome, report.Hours[0].Error)

	instant := hourAt(11)
	for _, layer := range domain.DefaultLayers {
		path := filepath.Join(h.output, layer.Dir, layer.ColorizedName(instant))
		assert.FileExists(t, path, "colorized products outlive the scratch dir")
		collection, ok := h.toolchain.published.Load(path)
		require.True(t, ok, "layer %s published", layer.Collection)
		assert.Equal(t, layer.Collection, collection)
	}
	assert.Equal(t, 1, h.toolchain.count("scale"), "only precipitation is scaled")

	windName := "UV_Wind/uvWind_20240426_110000.json"
	field, ok := h.sink.get(windName)
	require.True(t, ok)
	var msgs []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(field, &msgs))
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `[5.68,1.23]`, string(msgs[0]["data"]), "rows flipped north to south and rounded")

	require.Len(t, h.notifier.hours, 1)
	note := h.notifier.hours[0]
	assert.Equal(t, instant, note.Instant)
	assert.Equal(t, testTable, note.Table)
	assert.Equal(t, windName, note.WindField)
	assert.Len(t, note.Layers, len(domain.DefaultLayers))
	for _, layer := range domain.DefaultLayers {
		assert.Equal(t, filepath.Join(h.output, layer.Dir, layer.ColorizedName(instant)), note.Layers[layer.Collection])
	}
	assert.Equal(t, testNow, note.IngestedAt)
	assert.Contains(t, note.Source, "gfs.t00z.pgrb2.0p25.f011")
}

func TestRunBatch_FaultIsolation(t *testing.T) {
	h := newHarness(t)
	h.toolchain.fail = failFor("reproject", hourAt(12), errors.New("gdalwarp: exit status 1"))

	report, err := h.orchestrator().RunBatch(context.Background())
	require.NoError(t, err, "a failed hour does not fail the batch")

	require.Len(t, report.Hours, 4)
	assert.Equal(t, 3, report.Count(domain.OutcomeStored))
	assert.Equal(t, 1, report.Count(domain.OutcomeFailed))

	for _, hr := range report.Hours {
		assert.True(t, hr.Cleaned, "scratch removed for %s", hr.Instant)
		if hr.Instant.Equal(hourAt(12)) {
			assert.Equal(t, domain.OutcomeFailed, hr.Outcome)
			assert.Equal(t, domain.StageConverting, hr.FailedAt)
			assert.Contains(t, hr.Error, "reproject")
		}
	}

	if diff := cmp.Diff([]time.Time{hourAt(11), hourAt(13), hourAt(14)}, h.store.instants()); diff != "" {
		t.Errorf("stored instants mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, h.scratchEntries(t))
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.StageFailures.WithLabelValues("converting")), 0)
	assert.Len(t, h.notifier.hours, 3, "failed hours are not announced")
}

func TestRunBatch_DownloadFailure(t *testing.T) {
	h := newHarness(t)
	h.toolchain.fail = failFor("download", hourAt(13), errors.New("unexpected status 404"))

	report, err := h.orchestrator().RunBatch(context.Background())
	require.NoError(t, err)

	for _, hr := range report.Hours {
		if hr.Instant.Equal(hourAt(13)) {
			assert.Equal(t, domain.StageDownloading, hr.FailedAt)
			assert.Contains(t, hr.Error, "download")
		}
	}
	assert.Equal(t, 3, report.Count(domain.OutcomeStored))
	assert.Empty(t, h.scratchEntries(t))
}

func TestRunBatch_IndexPublishFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.toolchain.fail = func(op, _ string) error {
		if op == "publish_index" {
			return errors.New("geoserver error: status 500")
		}
		return nil
	}

	report, err := h.orchestrator().RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Count(domain.OutcomeStored))
	assert.InDelta(t, 4, testutil.ToFloat64(h.metrics.IndexPublishFailures.WithLabelValues("temperature_mosaic")), 0)
}

func TestRunBatch_SinkFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.deps.Sinks = []pipeline.ArtifactSink{&memorySink{err: errors.New("bucket not found")}, h.sink}

	report, err := h.orchestrator().RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Count(domain.OutcomeStored))
	_, ok := h.sink.get("UV_Wind/uvWind_20240426_140000.json")
	assert.True(t, ok, "remaining sinks still receive the product")
}

func TestRunBatch_StoreUnavailableSkipsRemainingInserts(t *testing.T) {
	h := newHarness(t)
	h.opts.Concurrency = 1
	h.store.insertErr = func(time.Time) error {
		return &domain.StoreUnavailableError{Op: "insert raster", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}
	}

	report, err := h.orchestrator().RunBatch(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Hours, 4)
	assert.Equal(t, 1, report.Count(domain.OutcomeFailed))
	assert.Equal(t, 3, report.Count(domain.OutcomeSkipped))
	for _, hr := range report.Hours {
		assert.Equal(t, domain.StageStoring, hr.FailedAt)
		assert.True(t, hr.Cleaned)
	}
	assert.Equal(t, 4, h.toolchain.count("reproject"), "conversions still run")
	assert.Empty(t, h.store.instants())
}

func TestRunBatch_SchemaBootstrapFailure(t *testing.T) {
	h := newHarness(t)
	h.store.ensureErr = &domain.SchemaBootstrapError{Table: testTable, Err: errors.New(`type "raster" does not exist`)}
	o := h.orchestrator()

	report, err := o.RunBatch(context.Background())

	require.ErrorIs(t, err, domain.ErrSchemaBootstrapFailed)
	assert.Empty(t, report.Hours)
	assert.Contains(t, report.Error, "raster")
	assert.Equal(t, int32(0), h.toolchain.downloads.Load())
	assert.Error(t, o.CheckReadiness(context.Background()))

	last, ok := o.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.RunID, last.RunID)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.BatchesRun.WithLabelValues("failed")), 0)
}

func TestRunBatch_UnreachableStoreAbortsPlanning(t *testing.T) {
	h := newHarness(t)
	h.store.latestErr = &domain.StoreUnavailableError{Op: "latest timestamp", Err: errors.New("connection refused")}

	report, err := h.orchestrator().RunBatch(context.Background())

	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Zero(t, report.Window.Count)
	assert.Equal(t, int32(0), h.toolchain.downloads.Load(), "an unreachable store is not treated as empty")
}

func TestRunBatch_MalformedSourceFailsOnlyThatHour(t *testing.T) {
	h := newHarness(t)
	h.deps.URLs.DirectoryFormat = "/archive/{hour}"

	report, err := h.orchestrator().RunBatch(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Hours, 4)
	for _, hr := range report.Hours {
		assert.Equal(t, domain.OutcomeFailed, hr.Outcome)
		assert.Equal(t, domain.StagePending, hr.FailedAt)
		assert.Contains(t, hr.Error, "malformed")
		assert.True(t, hr.Cleaned)
	}
	assert.Equal(t, int32(0), h.toolchain.downloads.Load())
}

func TestRunBatch_ConcurrencyBound(t *testing.T) {
	h := newHarness(t)
	h.opts.Horizon = 11
	h.opts.Concurrency = 2
	h.toolchain.delay = 5 * time.Millisecond

	report, err := h.orchestrator().RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12, report.Count(domain.OutcomeStored))
	assert.LessOrEqual(t, h.toolchain.maxSeen, 2)
}

func TestRunBatch_StaleStoreCatchesUpFromPresent(t *testing.T) {
	h := newHarness(t)
	stale := time.Date(2024, 4, 20, 6, 0, 0, 0, time.UTC)
	h.store.preset = &stale

	report, err := h.orchestrator().RunBatch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, testNow.Add(-time.Hour), report.Window.Start)
	assert.Equal(t, 3, report.Window.Count)
	if diff := cmp.Diff([]time.Time{hourAt(11), hourAt(12), hourAt(13)}, h.store.instants()); diff != "" {
		t.Errorf("stored instants mismatch (-want +got):\n%s", diff)
	}
}

func TestReprocessLocal(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	for _, name := range []string{"data_20240426_140000.grib2", "data_20240426_120000.grib2", "data_latest.grib2", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("GRIB"), 0o644))
	}

	report, err := h.orchestrator().ReprocessLocal(context.Background(), dir)
	require.NoError(t, err)

	require.Len(t, report.Hours, 2, "malformed names are skipped")
	assert.Equal(t, hourAt(12), report.Hours[0].Instant)
	assert.Equal(t, hourAt(14), report.Hours[1].Instant)
	assert.Equal(t, 2, report.Count(domain.OutcomeStored))
	assert.Equal(t, int32(0), h.toolchain.downloads.Load())
	assert.FileExists(t, filepath.Join(dir, "data_20240426_140000.grib2"), "sources stay in place")
	assert.Empty(t, h.scratchEntries(t))
}

func TestReprocessLocal_MissingDir(t *testing.T) {
	h := newHarness(t)

	report, err := h.orchestrator().ReprocessLocal(context.Background(), filepath.Join(t.TempDir(), "missing"))

	require.Error(t, err)
	assert.NotEmpty(t, report.Error)
}

func TestOrchestrator_ReadinessAndLastReport(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()

	require.Error(t, o.CheckReadiness(context.Background()))
	_, ok := o.LastReport()
	assert.False(t, ok)

	report, err := o.RunBatch(context.Background())
	require.NoError(t, err)

	require.NoError(t, o.CheckReadiness(context.Background()))
	last, ok := o.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.RunID, last.RunID)
	assert.NotEmpty(t, last.RunID)
}

func TestOrchestrator_RunSchedulesBatches(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, time.Hour) }()

	require.Eventually(t, func() bool { return h.recorder.count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))

	h.clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return h.recorder.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	assert.InDelta(t, 0, testutil.ToFloat64(h.metrics.PipelineRunning), 0)
}

func TestOrchestrator_RunLogsBatchFailureOnce(t *testing.T) {
	h := newHarness(t)
	h.store.ensureErr = &domain.SchemaBootstrapError{Table: testTable, Err: errors.New("permission denied")}

	var logs bytes.Buffer
	o := pipeline.NewOrchestrator(h.deps, h.opts, h.clock, slog.New(slog.NewTextHandler(&logs, nil)), h.metrics)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, time.Hour) }()

	require.Eventually(t, func() bool { return h.recorder.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1, strings.Count(logs.String(), "level=ERROR"), logs.String())
	assert.Contains(t, logs.String(), "permission denied")
}
