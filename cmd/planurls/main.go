// Command planurls prints the forecast window and download URLs the next batch
// would request, without touching the network or the spatial store.
//
// Usage:
//
//	planurls -config forecast.yaml -latest 2024-04-26T14:00:00Z
//	planurls -config forecast.yaml -now 2024-04-26T11:37:00Z -horizon 6
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/couchcryptid/forecast-raster-etl/internal/config"
	"github.com/couchcryptid/forecast-raster-etl/internal/domain"
	"github.com/couchcryptid/forecast-raster-etl/internal/pipeline"
	"github.com/jonboulle/clockwork"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

type plannedHour struct {
	Instant time.Time `json:"instant"`
	URL     string    `json:"url"`
}

type plan struct {
	Latest *time.Time            `json:"latest"`
	Window domain.ForecastWindow `json:"window"`
	Hours  []plannedHour         `json:"hours"`
}

// fixedCoverage reports a caller-supplied latest instant.
type fixedCoverage struct{ latest *time.Time }

func (f fixedCoverage) LatestTimestamp(context.Context, string) (*time.Time, error) {
	return f.latest, nil
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("planurls", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("FORECAST_CONFIG"), "forecast source YAML file")
	latestFlag := fs.String("latest", "", "newest stored instant, RFC3339 (empty for an empty store)")
	nowFlag := fs.String("now", "", "planning time, RFC3339 (default: current time)")
	horizon := fs.Int("horizon", -1, "override horizon_hours from the config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		fs.Usage()
		return errors.New("missing required flag: -config")
	}

	forecast, err := config.LoadForecast(*configPath)
	if err != nil {
		return err
	}
	h := forecast.Horizon()
	if *horizon >= 0 {
		h = *horizon
	}

	now := time.Now().UTC()
	if *nowFlag != "" {
		if now, err = time.Parse(time.RFC3339, *nowFlag); err != nil {
			return fmt.Errorf("invalid -now: %w", err)
		}
	}
	var latest *time.Time
	if *latestFlag != "" {
		t, err := time.Parse(time.RFC3339, *latestFlag)
		if err != nil {
			return fmt.Errorf("invalid -latest: %w", err)
		}
		latest = &t
	}

	planner := pipeline.NewPlanner(fixedCoverage{latest: latest}, clockwork.NewFakeClockAt(now), "", h)
	window, _, err := planner.Plan(context.Background())
	if err != nil {
		return err
	}

	urls := domain.URLPlanner{
		BaseURL:           forecast.BaseURL,
		DirectoryFormat:   forecast.DirectoryFormat,
		FileFormat:        forecast.FileFormat,
		DefaultParameters: forecast.DefaultParameters,
		DefaultLevels:     forecast.DefaultLevels,
	}

	result := plan{Latest: latest, Window: window, Hours: []plannedHour{}}
	for u := range urls.Expand(window, nil, nil) {
		instant, err := domain.ParseFromDownloadURL(u)
		if err != nil {
			return err
		}
		result.Hours = append(result.Hours, plannedHour{Instant: instant, URL: u})
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(result)
}
