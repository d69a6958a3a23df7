package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/couchcryptid/forecast-raster-etl/internal/domain"
	"github.com/jonboulle/clockwork"
)

// CoverageReader reports the newest forecast hour held by the spatial store.
type CoverageReader interface {
	LatestTimestamp(ctx context.Context, table string) (*time.Time, error)
}

// Planner decides which forecast hours the next batch requests.
type Planner struct {
	store   CoverageReader
	clock   clockwork.Clock
	table   string
	horizon int
}

// NewPlanner creates a planner keeping horizon hours of coverage in table.
func NewPlanner(store CoverageReader, clock clockwork.Clock, table string, horizon int) *Planner {
	return &Planner{store: store, clock: clock, table: table, horizon: horizon}
}

// Plan reads the store's coverage and returns the window to fetch. An
// unreachable store is an error, not an empty store: treating it as empty
// would re-request hours that are already stored.
func (p *Planner) Plan(ctx context.Context) (domain.ForecastWindow, *time.Time, error) {
	latest, err := p.store.LatestTimestamp(ctx, p.table)
	if err != nil {
		return domain.ForecastWindow{}, nil, fmt.Errorf("read coverage of %s: %w", p.table, err)
	}
	return domain.PlanWindow(latest, p.clock.Now(), p.horizon), latest, nil
}
