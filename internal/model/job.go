package model

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode"
)

// Job is an immutable descriptor of one application target.
type Job struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Target     string `json:"apply_link"`
	PostedDate string `json:"date_posted,omitempty"`
}

// jobEntry accepts the key spellings found in scraped job lists.
type jobEntry struct {
	Name       string `json:"name"`
	Company    string `json:"company"`
	ApplyLink  string `json:"apply_link"`
	Target     string `json:"target"`
	URL        string `json:"url"`
	DatePosted string `json:"date_posted"`
	PostedDate string `json:"posted_date"`
}

// LoadJobs parses a JSON array of job entries. Index is the position
// in the array. An entry without a target is kept: it fails on its own
// when the batch runs.
func LoadJobs(r io.Reader) ([]Job, error) {
	var entries []jobEntry
	dec := json.NewDecoder(r)
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding job list: %w", err)
	}

	jobs := make([]Job, 0, len(entries))
	for i, e := range entries {
		jobs = append(jobs, Job{
			Index:      i,
			Name:       firstNonEmpty(e.Name, e.Company, fmt.Sprintf("Job_%d", i+1)),
			Target:     firstNonEmpty(e.ApplyLink, e.Target, e.URL),
			PostedDate: firstNonEmpty(e.DatePosted, e.PostedDate),
		})
	}
	return jobs, nil
}

// Reindex returns a copy of jobs with indexes matching their positions.
func Reindex(jobs []Job) []Job {
	ret := make([]Job, len(jobs))
	for i, j := range jobs {
		j.Index = i
		ret[i] = j
	}
	return ret
}

// Validate reports a per-job input error.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Target) == "" {
		return ErrEmptyTarget
	}
	return nil
}

// SafeName returns the job name usable as a file name component.
func (j Job) SafeName() string {
	var b strings.Builder
	for _, r := range j.Name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte('_')
		}
	}
	r := []rune(b.String())
	if len(r) > 50 {
		r = r[:50]
	}
	if len(r) == 0 {
		return "job"
	}
	return string(r)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// RunConfig is shared by value with every worker of a run.
type RunConfig struct {
	SkipGeneration bool `json:"skip_generation"`
	Headless       bool `json:"headless"`
	TimeoutMinutes int  `json:"timeout_minutes"`
}
