package model

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Status is the raw outcome a worker reports.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// Classification is set by the work unit in Details. It tells
// a real success apart from a task that cannot be automated.
type Classification string

const (
	ClassSuccess Classification = "success"
	ClassBlocked Classification = "blocked"
	ClassFailed  Classification = "failed"
)

type Details struct {
	Classification Classification  `json:"classification"`
	BlockerType    string          `json:"blocker_type,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Extra          json.RawMessage `json:"extra,omitempty"`
}

// Result is produced exactly once per worker.
type Result struct {
	Status          Status   `json:"status"`
	JobIndex        int      `json:"job_index"`
	CompanyName     string   `json:"company_name"`
	JobURL          string   `json:"job_url"`
	DatePosted      string   `json:"date_posted,omitempty"`
	Error           string   `json:"error,omitempty"`
	LogFile         string   `json:"log_file,omitempty"`
	DurationSeconds float64  `json:"duration_seconds"`
	Attempts        int      `json:"attempts,omitempty"`
	Details         *Details `json:"details,omitempty"`
}

// NewErrorResult synthesizes a result for a job which did not report.
func NewErrorResult(job Job, status Status, msg string, d time.Duration) Result {
	return Result{
		Status:          status,
		JobIndex:        job.Index,
		CompanyName:     job.Name,
		JobURL:          job.Target,
		DatePosted:      job.PostedDate,
		Error:           msg,
		DurationSeconds: d.Seconds(),
	}
}

// Outcome is the reporting bucket of a Result.
type Outcome string

const (
	OutcomeSuccess Outcome = "successful"
	OutcomeBlocked Outcome = "blocked"
	OutcomeFailed  Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
)

// Outcome reports failed and timeout as they are. A successful run is
// bucketed by its Details classification.
func (r Result) Outcome() Outcome {
	switch r.Status {
	case StatusTimeout:
		return OutcomeTimeout
	case StatusSuccess:
	default:
		return OutcomeFailed
	}
	if r.Details == nil {
		return OutcomeSuccess
	}
	switch {
	case r.Details.Classification == ClassBlocked, r.Details.BlockerType != "":
		return OutcomeBlocked
	case r.Details.Classification == ClassFailed:
		return OutcomeFailed
	}
	return OutcomeSuccess
}

type Stats struct {
	Total       int     `json:"total_jobs"`
	Successful  int     `json:"successful"`
	Blocked     int     `json:"impossible_tasks"`
	Failed      int     `json:"failed"`
	TimedOut    int     `json:"timeouts"`
	SuccessRate float64 `json:"success_rate"`
}

// Summarize counts results per Outcome. SuccessRate is a fraction in [0, 1].
func Summarize(results []Result) Stats {
	s := Stats{Total: len(results)}
	for _, r := range results {
		switch r.Outcome() {
		case OutcomeSuccess:
			s.Successful++
		case OutcomeBlocked:
			s.Blocked++
		case OutcomeTimeout:
			s.TimedOut++
		default:
			s.Failed++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Total)
	}
	return s
}

// BatchRun is the aggregate of one supervised run. Results are kept
// in completion order.
type BatchRun struct {
	ID          uuid.UUID `json:"run_id"`
	Start       time.Time `json:"start_time"`
	End         time.Time `json:"end_time"`
	Results     []Result  `json:"results"`
	Interrupted bool      `json:"interrupted"`
}

func (b BatchRun) Stats() Stats {
	return Summarize(b.Results)
}

func (b BatchRun) Duration() time.Duration {
	return b.End.Sub(b.Start)
}

// Sorted returns the results ordered by job index.
func (b BatchRun) Sorted() []Result {
	ret := slices.Clone(b.Results)
	slices.SortStableFunc(ret, func(a, b Result) int {
		return a.JobIndex - b.JobIndex
	})
	return ret
}
