package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/forecast-raster-etl/internal/domain"
)

// --- store ---

type fakeStore struct {
	mu        sync.Mutex
	rows      map[time.Time][]byte
	preset    *time.Time
	ensureErr error
	latestErr error
	insertErr func(instant time.Time) error
	ensured   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[time.Time][]byte)}
}

func (s *fakeStore) EnsureTable(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured++
	return s.ensureErr
}

func (s *fakeStore) LatestTimestamp(_ context.Context, _ string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	var latest *time.Time
	if s.preset != nil {
		p := *s.preset
		latest = &p
	}
	for t := range s.rows {
		if latest == nil || t.After(*latest) {
			v := t
			latest = &v
		}
	}
	return latest, nil
}

func (s *fakeStore) InsertRaster(_ context.Context, _ string, instant time.Time, raster []byte) error {
	if s.insertErr != nil {
		if err := s.insertErr(instant); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[instant] = raster
	return nil
}

func (s *fakeStore) instants() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, 0, len(s.rows))
	for t := range s.rows {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out
}

// --- toolchain ---

const sampleWindJSON = `[{"header":{"la1":-90,"la2":90,"nx":1,"ny":2,"dy":180},"data":[1.234,5.678]},
{"header":{"la1":-90,"la2":90,"nx":1,"ny":2,"dy":180},"data":[-1.111,2.222]}]`

// fakeToolchain materializes every output as a small file so the orchestrator's
// file handling runs for real. fail decides per operation and destination.
type fakeToolchain struct {
	fail      func(op, dest string) error
	published sync.Map // path -> collection
	downloads atomic.Int32

	mu       sync.Mutex
	ops      []string
	inFlight int
	maxSeen  int
	delay    time.Duration
}

func (f *fakeToolchain) step(op, dest string, content []byte) error {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.inFlight++
	f.maxSeen = max(f.maxSeen, f.inFlight)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail != nil {
		if err := f.fail(op, dest); err != nil {
			return err
		}
	}
	return os.WriteFile(dest, content, 0o644)
}

func (f *fakeToolchain) Download(_ context.Context, url, dest string) error {
	f.downloads.Add(1)
	if err := f.step("download", dest, []byte("GRIB")); err != nil {
		return &domain.DownloadFailedError{URL: url, Err: err}
	}
	return nil
}

func (f *fakeToolchain) convert(op, src, dest string) error {
	if _, err := os.Stat(src); err != nil {
		return &domain.ConversionFailedError{Operation: op, Err: err}
	}
	if err := f.step(op, dest, []byte(op+":"+filepath.Base(src))); err != nil {
		return &domain.ConversionFailedError{Operation: op, Err: err}
	}
	return nil
}

func (f *fakeToolchain) ConvertToRaster(_ context.Context, src, dest string) error {
	return f.convert("convert", src, dest)
}

func (f *fakeToolchain) Reproject(_ context.Context, src, dest, _ string) error {
	return f.convert("reproject", src, dest)
}

func (f *fakeToolchain) ExtractBand(_ context.Context, src, dest string, _ domain.BandSelector) error {
	return f.convert("extract_band", src, dest)
}

func (f *fakeToolchain) Scale(_ context.Context, src, dest string, _ domain.ScaleRange) error {
	return f.convert("scale", src, dest)
}

func (f *fakeToolchain) Colorize(_ context.Context, src, dest, _ string) error {
	return f.convert("colorize", src, dest)
}

func (f *fakeToolchain) Regrid(_ context.Context, src, dest string, _ float64) error {
	return f.convert("regrid", src, dest)
}

func (f *fakeToolchain) ExportVectorJSON(_ context.Context, src, dest string) error {
	if _, err := os.Stat(src); err != nil {
		return &domain.ConversionFailedError{Operation: "export_json", Err: err}
	}
	if err := f.step("export_json", dest, []byte(sampleWindJSON)); err != nil {
		return &domain.ConversionFailedError{Operation: "export_json", Err: err}
	}
	return nil
}

func (f *fakeToolchain) PublishToIndex(_ context.Context, path, collection string) error {
	if f.fail != nil {
		if err := f.fail("publish_index", path); err != nil {
			return &domain.IndexPublishFailedError{Path: path, Collection: collection, Err: err}
		}
	}
	f.published.Store(path, collection)
	return nil
}

func (f *fakeToolchain) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.ops {
		if o == op {
			n++
		}
	}
	return n
}

// failFor fails op whenever the destination mentions the stamp of instant.
func failFor(op string, instant time.Time, err error) func(string, string) error {
	stamp := domain.Stamp(instant)
	return func(o, dest string) error {
		if o == op && strings.Contains(filepath.Base(dest), stamp) {
			return err
		}
		return nil
	}
}

// --- products and sinks ---

type dirTree struct{ root string }

func (d dirTree) Path(name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", errors.New("escapes root")
	}
	return filepath.Join(d.root, name), nil
}

type memorySink struct {
	mu    sync.Mutex
	items map[string][]byte
	err   error
}

func (m *memorySink) Put(_ context.Context, name string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string][]byte)
	}
	m.items[name] = data
	return nil
}

func (m *memorySink) get(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.items[name]
	return b, ok
}

// --- notifier and recorder ---

type fakeNotifier struct {
	mu    sync.Mutex
	hours []domain.IngestedHour
	err   error
}

func (n *fakeNotifier) NotifyIngested(_ context.Context, hour domain.IngestedHour) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hours = append(n.hours, hour)
	return n.err
}

type fakeRecorder struct {
	mu      sync.Mutex
	reports []domain.BatchReport
}

func (r *fakeRecorder) RecordRun(_ context.Context, report domain.BatchReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func hourAt(h int) time.Time {
	return time.Date(2024, 4, 26, h, 0, 0, 0, time.UTC)
}
