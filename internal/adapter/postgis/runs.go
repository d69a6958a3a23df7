package postgis

import (
	"context"
	"time"

	"github.com/couchcryptid/forecast-raster-etl/internal/domain"
	"gorm.io/gorm"
)

// IngestRun is one audited batch. The planner never reads it; the spatial
// store's latest timestamp stays the only source of truth for coverage.
type IngestRun struct {
	ID          uint64     `gorm:"primaryKey"`
	RunID       string     `gorm:"column:run_id;type:uuid"`
	RasterTable string     `gorm:"column:raster_table"`
	StartedAt   time.Time  `gorm:"column:started_at"`
	FinishedAt  time.Time  `gorm:"column:finished_at"`
	WindowStart *time.Time `gorm:"column:window_start"`
	Requested   int        `gorm:"column:requested"`
	Stored      int        `gorm:"column:stored"`
	Failed      int        `gorm:"column:failed"`
	Skipped     int        `gorm:"column:skipped"`
	Error       string     `gorm:"column:error"`
}

// TableName implements gorm's tabler.
func (IngestRun) TableName() string { return "ingest_runs" }

// RunRecorder writes batch reports to ingest_runs.
type RunRecorder struct {
	db    *gorm.DB
	table string
}

// NewRunRecorder creates a recorder for batches loading table.
func NewRunRecorder(db *gorm.DB, table string) *RunRecorder {
	return &RunRecorder{db: db, table: table}
}

// RecordRun inserts one row summarizing report.
func (r *RunRecorder) RecordRun(ctx context.Context, report domain.BatchReport) error {
	run := IngestRun{
		RunID:       report.RunID,
		RasterTable: r.table,
		StartedAt:   report.StartedAt,
		FinishedAt:  report.FinishedAt,
		Requested:   report.Window.Count,
		Stored:      report.Count(domain.OutcomeStored),
		Failed:      report.Count(domain.OutcomeFailed),
		Skipped:     report.Count(domain.OutcomeSkipped),
		Error:       report.Error,
	}
	if !report.Window.Start.IsZero() {
		start := report.Window.Start
		run.WindowStart = &start
	}

	if err := r.db.WithContext(ctx).Create(&run).Error; err != nil {
		return classify("record run", err)
	}
	return nil
}
