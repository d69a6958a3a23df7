package domain

import "time"

// Outcome is how one forecast hour ended.
type Outcome string

const (
	OutcomeStored  Outcome = "stored"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped" // store already unavailable, conversion kept
)

// HourOutcome records one task. FailedAt is the stage the task was in when it
// failed and is empty on success. Cleaned reports that scratch removal ran.
type HourOutcome struct {
	Instant  time.Time `json:"instant"`
	Source   string    `json:"source"`
	Outcome  Outcome   `json:"outcome"`
	FailedAt Stage     `json:"failed_at,omitempty"`
	Error    string    `json:"error,omitempty"`
	Cleaned  bool      `json:"cleaned"`
}

// BatchReport summarizes one batch run.
type BatchReport struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Window     ForecastWindow `json:"window"`
	Hours      []HourOutcome  `json:"hours"`
	Error      string         `json:"error,omitempty"` // batch-level failure
}

// Count returns how many hours ended with outcome o.
func (r BatchReport) Count(o Outcome) int {
	n := 0
	for _, h := range r.Hours {
		if h.Outcome == o {
			n++
		}
	}
	return n
}
