package domain

import (
	"math"
	"time"
)

// SafetyMargin is subtracted from the current time before planning because the
// freshest upstream cycle is usually not published yet.
const SafetyMargin = time.Hour

// ForecastWindow is the range of forecast hours a batch fetches: hours
// Start+1 through Start+Count.
type ForecastWindow struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// PlanWindow keeps horizon hours of future coverage in the store. latest is the
// newest stored valid time (nil for an empty store), now the current time.
//
// The window never starts before now-SafetyMargin, so a stale store catches up
// from the present rather than from history. Coverage is measured from now, not
// from the margin. An empty store requests horizon+1 hours; a store already
// covering the horizon requests none. The result depends
// only on its inputs, so re-planning without new rows yields the same window.
func PlanWindow(latest *time.Time, now time.Time, horizon int) ForecastWindow {
	if horizon < 0 {
		horizon = 0
	}
	now = now.UTC()
	margin := now.Add(-SafetyMargin)

	if latest == nil {
		return ForecastWindow{Start: margin, Count: horizon + 1}
	}

	start := latest.UTC()
	if margin.After(start) {
		start = margin
	}

	hoursShort := int(math.Ceil(latest.Sub(now).Hours()))
	count := 0
	if hoursShort < horizon {
		count = min(horizon-hoursShort, horizon)
	}
	return ForecastWindow{Start: start, Count: count}
}

// Hours lists the valid times the window covers. Start is truncated to the hour
// first, matching the offsets the URL planner requests.
func (w ForecastWindow) Hours() []time.Time {
	base := w.Start.UTC().Truncate(time.Hour)
	hours := make([]time.Time, 0, w.Count)
	for i := 1; i <= w.Count; i++ {
		hours = append(hours, base.Add(time.Duration(i)*time.Hour))
	}
	return hours
}
