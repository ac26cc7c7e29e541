// Package report turns a finished BatchRun into artifacts: JSON and text
// summaries, an HTML page and an optional webhook publication.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/CZERTAINLY/Applier/internal/model"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// TimeFormat stamps every per-run artifact name.
const TimeFormat = "20060102_150405"

// Stamp is the artifact name suffix of run.
func Stamp(run model.BatchRun) string {
	return run.Start.Format(TimeFormat)
}

// Document is the JSON report. SuccessRate is a percentage.
type Document struct {
	Timestamp       time.Time      `json:"timestamp"`
	RunID           uuid.UUID      `json:"run_id"`
	DurationSeconds float64        `json:"duration_seconds"`
	TotalJobs       int            `json:"total_jobs"`
	Successful      int            `json:"successful"`
	ImpossibleTasks int            `json:"impossible_tasks"`
	Failed          int            `json:"failed"`
	Timeouts        int            `json:"timeouts"`
	SuccessRate     float64        `json:"success_rate"`
	Interrupted     bool           `json:"interrupted,omitempty"`
	Results         []model.Result `json:"results"`
}

func NewDocument(run model.BatchRun) Document {
	s := run.Stats()
	return Document{
		Timestamp:       run.End,
		RunID:           run.ID,
		DurationSeconds: run.Duration().Seconds(),
		TotalJobs:       s.Total,
		Successful:      s.Successful,
		ImpossibleTasks: s.Blocked,
		Failed:          s.Failed,
		Timeouts:        s.TimedOut,
		SuccessRate:     s.SuccessRate * 100,
		Interrupted:     run.Interrupted,
		Results:         run.Sorted(),
	}
}

// EmitAll runs every emitter concurrently. A failing emitter does not stop
// the others; all failures are joined.
func EmitAll(ctx context.Context, run model.BatchRun, emitters ...model.Emitter) error {
	errs := make([]error, len(emitters))
	var g errgroup.Group
	for i, e := range emitters {
		g.Go(func() error {
			if err := e.Emit(ctx, run); err != nil {
				errs[i] = fmt.Errorf("%T: %w", e, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close closes the emitters holding resources.
func Close(ctx context.Context, emitters ...model.Emitter) {
	for _, e := range emitters {
		if closer, ok := e.(model.EmitCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing emitter have failed", "emitter", fmt.Sprintf("%T", e), "error", err)
			}
		}
	}
}

// rootDir saves artifacts into one directory.
type rootDir struct {
	path string
	root *os.Root
}

func openRoot(path string) (rootDir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return rootDir{}, fmt.Errorf("creating report directory: %w", err)
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return rootDir{}, err
	}
	return rootDir{path: path, root: root}, nil
}

func (d *rootDir) save(ctx context.Context, name string, b []byte) (string, error) {
	if d.root == nil {
		return "", errors.New("report directory already closed")
	}
	f, err := d.root.Create(name)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", name, err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("saving %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", name, err)
	}
	path := filepath.Join(d.path, name)
	slog.InfoContext(ctx, "report saved", "path", path)
	return path, nil
}

func (d *rootDir) Close() error {
	if d.root == nil {
		return errors.New("report directory already closed")
	}
	err := d.root.Close()
	d.root = nil
	return err
}
