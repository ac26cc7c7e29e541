// Package executor runs one job inside a worker process and reports its
// Result through the handoff directory.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/CZERTAINLY/Applier/internal/handoff"
	"github.com/CZERTAINLY/Applier/internal/log"
	"github.com/CZERTAINLY/Applier/internal/model"
)

// Executor does the work of one job. Details classify the outcome; an
// error means the work could not be done.
type Executor interface {
	Execute(ctx context.Context, job model.Job, cfg model.RunConfig, logger *slog.Logger) (model.Details, error)
}

type Func func(ctx context.Context, job model.Job, cfg model.RunConfig, logger *slog.Logger) (model.Details, error)

func (f Func) Execute(ctx context.Context, job model.Job, cfg model.RunConfig, logger *slog.Logger) (model.Details, error) {
	return f(ctx, job, cfg, logger)
}

// New returns the executor configured in the worker section.
func New(cfg model.Worker) (Executor, error) {
	switch cfg.Executor {
	case model.ExecutorProbe:
		return NewProbe(cfg.Probe, http.DefaultClient), nil
	case model.ExecutorCommand:
		if cfg.Command == nil {
			return nil, model.ErrNoCommand
		}
		return NewCommand(*cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported executor %q", cfg.Executor)
	}
}

// LogPath is the log file of a worker started at t.
func LogPath(dir string, job model.Job, t time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%03d_%s_%s.log", job.Index+1, job.SafeName(), t.Format("20060102_150405")))
}

// Run executes job, writes its Result and returns the process exit code:
// 0 for success, 1 for any other result, 2 when no result could be written.
//
// The timeout applied here is best effort. The supervisor kills a worker
// which overruns its budget whether or not this one fires.
func Run(ctx context.Context, ex Executor, job model.Job, cfg model.RunConfig, dir *handoff.Dir, logsDir string) int {
	start := time.Now()
	logger := log.Discard()
	logPath := LogPath(logsDir, job, start)
	f, err := log.CreateFile(logPath)
	if err != nil {
		logPath = ""
	} else {
		defer func() { _ = f.Close() }()
		logger = slog.New(f.Handler(slog.LevelDebug))
	}
	logger = logger.With(slog.Group("job",
		slog.Int("index", job.Index),
		slog.String("company", job.Name),
	))
	logger.InfoContext(ctx, "worker started", "url", job.Target, "config", cfg)

	if cfg.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMinutes)*time.Minute)
		defer cancel()
	}

	details, err := execute(ctx, ex, job, cfg, logger)
	r := model.Result{
		Status:      model.StatusSuccess,
		JobIndex:    job.Index,
		CompanyName: job.Name,
		JobURL:      job.Target,
		DatePosted:  job.PostedDate,
		LogFile:     logPath,
	}
	if details.Classification != "" || details.BlockerType != "" {
		r.Details = &details
	}
	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		r.Status = model.StatusTimeout
		r.Error = fmt.Sprintf("Job exceeded %d minute timeout", cfg.TimeoutMinutes)
	case err != nil:
		r.Status = model.StatusFailed
		r.Error = err.Error()
	case details.Classification == model.ClassFailed:
		r.Status = model.StatusFailed
		r.Error = details.Reason
	}
	r.DurationSeconds = time.Since(start).Seconds()

	if err := dir.Write(r); err != nil {
		logger.ErrorContext(ctx, "writing result", "error", err)
		return 2
	}
	logger.InfoContext(ctx, "worker finished",
		"status", r.Status,
		"outcome", r.Outcome(),
		"error", r.Error,
		"duration", time.Since(start).Round(time.Millisecond).String(),
	)
	if r.Status != model.StatusSuccess {
		return 1
	}
	return 0
}

func execute(ctx context.Context, ex Executor, job model.Job, cfg model.RunConfig, logger *slog.Logger) (d model.Details, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.ErrorContext(ctx, "executor panicked", "panic", p)
			d = model.Details{}
			err = fmt.Errorf("executor panicked: %v", p)
		}
	}()
	return ex.Execute(ctx, job, cfg, logger)
}
