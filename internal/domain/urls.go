package domain

import (
	"fmt"
	"iter"
	"strings"
)

// CycleHour is the model cycle every planned URL requests. The planner always
// reads offsets from the first cycle of the window's start date.
const CycleHour = "00"

// URLPlanner expands a ForecastWindow into GRIB filter download URLs.
type URLPlanner struct {
	BaseURL           string
	DirectoryFormat   string // {date} and {hour} placeholders
	FileFormat        string // {hour} and {forecastHour} placeholders
	DefaultParameters []string
	DefaultLevels     []string
}

// Expand yields one URL per forecast hour in w, in ascending offset order.
// Nil parameters or levels fall back to the planner defaults. The sequence is
// lazy and may be ranged over any number of times with identical results.
func (p URLPlanner) Expand(w ForecastWindow, parameters, levels []string) iter.Seq[string] {
	if parameters == nil {
		parameters = p.DefaultParameters
	}
	if levels == nil {
		levels = p.DefaultLevels
	}

	start := w.Start.UTC()
	dir := strings.NewReplacer(
		"{date}", Format(start, "yyyyMMdd"),
		"{hour}", CycleHour,
	).Replace(p.DirectoryFormat)

	query := make([]string, 0, len(parameters)+len(levels))
	for _, v := range parameters {
		query = append(query, "var_"+v+"=on")
	}
	for _, l := range levels {
		query = append(query, "lev_"+strings.ReplaceAll(l, " ", "_")+"=on")
	}
	suffix := ""
	if len(query) > 0 {
		suffix = "&" + strings.Join(query, "&")
	}

	first := start.Hour() + 1
	last := start.Hour() + w.Count

	return func(yield func(string) bool) {
		for offset := first; offset <= last; offset++ {
			file := strings.NewReplacer(
				"{hour}", CycleHour,
				"{forecastHour}", fmt.Sprintf("%03d", offset),
			).Replace(p.FileFormat)

			if !yield(p.BaseURL + "?dir=" + dir + "&file=" + file + suffix) {
				return
			}
		}
	}
}
