package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Applier/internal/handoff"
	"github.com/CZERTAINLY/Applier/internal/log"
	"github.com/CZERTAINLY/Applier/internal/model"
)

var ErrAlreadyStarted = errors.New("worker already started")

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusKilled    Status = "killed"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusKilled:
		return true
	}
	return false
}

const (
	msgInterrupted = "Batch interrupted by user"
	msgNeverRun    = "Worker process was never started"
)

type Options struct {
	// KillWait bounds the wait for the OS to reap a killed process.
	KillWait time.Duration
	// CollectWait bounds the wait for exit before a result is collected.
	CollectWait time.Duration
	// Attempt is 1 for the first run of a job.
	Attempt int
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.KillWait <= 0 {
		o.KillWait = 5 * time.Second
	}
	if o.CollectWait <= 0 {
		o.CollectWait = 10 * time.Second
	}
	if o.Attempt <= 0 {
		o.Attempt = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Handle is the supervisor side of one worker process. It is not safe
// for concurrent use: the supervisor owns it.
type Handle struct {
	job      model.Job
	cfg      model.RunConfig
	launcher Launcher
	dir      *handoff.Dir
	opts     Options
	log      *slog.Logger

	proc        Process
	spawnErr    error
	started     time.Time
	ended       time.Time
	status      Status
	interrupted bool
	result      *model.Result
}

func NewHandle(job model.Job, cfg model.RunConfig, launcher Launcher, dir *handoff.Dir, opts Options) *Handle {
	opts = opts.withDefaults()
	return &Handle{
		job:      job,
		cfg:      cfg,
		launcher: launcher,
		dir:      dir,
		opts:     opts,
		log: opts.Logger.With(slog.Group("job",
			slog.Int("index", job.Index),
			slog.String("company", job.Name),
			slog.Int("attempt", opts.Attempt),
		)),
		status: StatusPending,
	}
}

func (h *Handle) Job() model.Job {
	return h.job
}

func (h *Handle) Attempt() int {
	return h.opts.Attempt
}

func (h *Handle) Status() Status {
	return h.status
}

// Pid returns 0 for a handle without a process.
func (h *Handle) Pid() int {
	if h.proc == nil {
		return 0
	}
	return h.proc.Pid()
}

// Start spawns the worker and returns without waiting for it. A job
// without target or a failed spawn leaves the handle failed.
func (h *Handle) Start(ctx context.Context) error {
	if h.status != StatusPending {
		return ErrAlreadyStarted
	}
	h.started = time.Now()
	if err := h.job.Validate(); err != nil {
		h.fail(err)
		return err
	}
	proc, err := h.launcher.Launch(ctx, Spec{Job: h.job, Config: h.cfg})
	if err != nil {
		h.fail(err)
		return err
	}
	h.proc = proc
	h.status = StatusRunning
	h.log.InfoContext(ctx, "worker started", "pid", proc.Pid(), "url", h.job.Target)
	return nil
}

func (h *Handle) fail(err error) {
	h.spawnErr = err
	h.ended = time.Now()
	h.status = StatusFailed
	h.log.Error("worker not started", "error", err)
}

// IsRunning polls the process. The first poll after exit moves the
// handle to completed or failed depending on the exit code.
func (h *Handle) IsRunning() bool {
	if h.proc == nil || h.status != StatusRunning {
		return false
	}
	if !h.proc.Exited() {
		return true
	}
	h.exited()
	return false
}

func (h *Handle) exited() {
	if h.status != StatusRunning {
		return
	}
	h.ended = time.Now()
	if code := h.proc.ExitCode(); code == 0 {
		h.status = StatusCompleted
	} else {
		h.status = StatusFailed
	}
}

// Kill terminates a running worker. It never changes a terminal status
// and it is a no-op for a worker that already exited.
func (h *Handle) Kill() error {
	return h.kill(StatusKilled)
}

// Timeout kills the worker because it exceeded its time budget.
func (h *Handle) Timeout() error {
	h.log.Warn("worker exceeded its time budget: killing", "runtime", h.Runtime().String(), "timeout_minutes", h.cfg.TimeoutMinutes)
	return h.kill(StatusTimeout)
}

// Interrupt kills a running worker or cancels a pending one. The collected
// result then reports the interruption.
func (h *Handle) Interrupt() error {
	h.interrupted = true
	if h.status == StatusPending {
		h.status = StatusKilled
		return nil
	}
	return h.kill(StatusKilled)
}

func (h *Handle) kill(reason Status) error {
	if h.proc == nil {
		return nil
	}
	if h.status == StatusRunning {
		if h.proc.Exited() {
			h.exited()
			return nil
		}
		h.ended = time.Now()
		h.status = reason
	}
	if h.proc.Exited() {
		return nil
	}
	err := h.proc.Kill()
	if err != nil {
		h.log.Error("killing worker", "pid", h.proc.Pid(), "error", err)
	}
	if werr := h.proc.Wait(h.opts.KillWait); werr != nil {
		h.log.Warn("worker not reaped after kill", "pid", h.proc.Pid(), "wait", h.opts.KillWait.String())
		err = errors.Join(err, werr)
	}
	return err
}

// Runtime is zero for a handle which never started.
func (h *Handle) Runtime() time.Duration {
	switch {
	case h.started.IsZero():
		return 0
	case h.ended.IsZero():
		return time.Since(h.started)
	default:
		return h.ended.Sub(h.started)
	}
}

// Collect resolves the Result of the handle. It never fails: whatever
// goes wrong is described in the returned Result. Repeated calls return
// the first Result.
func (h *Handle) Collect() model.Result {
	if h.result != nil {
		return *h.result
	}

	if h.proc != nil && !h.proc.Exited() {
		if err := h.proc.Wait(h.opts.CollectWait); err != nil {
			h.log.Warn("worker still running at collection: killing", "wait", h.opts.CollectWait.String())
			_ = h.Kill()
		}
	}
	if h.proc != nil {
		h.exited()
	}

	r := h.resolve()
	r.Attempts = h.opts.Attempt
	h.result = &r

	logResult(h.log, r)
	h.log = log.Discard()
	return r
}

func (h *Handle) resolve() model.Result {
	runtime := h.Runtime()
	switch {
	case h.proc == nil && h.interrupted:
		return model.NewErrorResult(h.job, model.StatusFailed, msgInterrupted, 0)
	case h.proc == nil && h.spawnErr != nil:
		return model.NewErrorResult(h.job, model.StatusFailed, "Failed to start worker: "+h.spawnErr.Error(), runtime)
	case h.proc == nil:
		return model.NewErrorResult(h.job, model.StatusFailed, msgNeverRun, 0)
	}

	reported, err := h.dir.Take(h.job.Index)
	switch {
	case h.interrupted:
		return model.NewErrorResult(h.job, model.StatusFailed, msgInterrupted, runtime)
	case h.status == StatusTimeout:
		return model.NewErrorResult(h.job, model.StatusTimeout,
			fmt.Sprintf("Worker timed out after %d minutes", h.cfg.TimeoutMinutes), runtime)
	case errors.Is(err, handoff.ErrNoResult):
		return model.NewErrorResult(h.job, model.StatusFailed,
			fmt.Sprintf("Worker did not create result file (exit code %d)", h.proc.ExitCode()), runtime)
	case errors.Is(err, handoff.ErrMalformed):
		return model.NewErrorResult(h.job, model.StatusFailed, "Invalid result file: "+err.Error(), runtime)
	case err != nil:
		return model.NewErrorResult(h.job, model.StatusFailed, "Reading result file: "+err.Error(), runtime)
	case reported.JobIndex != h.job.Index:
		return model.NewErrorResult(h.job, model.StatusFailed,
			fmt.Sprintf("Result file belongs to job %d", reported.JobIndex), runtime)
	}

	if reported.CompanyName == "" {
		reported.CompanyName = h.job.Name
	}
	if reported.JobURL == "" {
		reported.JobURL = h.job.Target
	}
	if reported.DatePosted == "" {
		reported.DatePosted = h.job.PostedDate
	}
	if reported.DurationSeconds <= 0 {
		reported.DurationSeconds = runtime.Seconds()
	}
	return reported
}

func logResult(logger *slog.Logger, r model.Result) {
	attrs := []any{
		"status", r.Status,
		"outcome", r.Outcome(),
		"duration", time.Duration(r.DurationSeconds * float64(time.Second)).Round(time.Second).String(),
	}
	switch r.Outcome() {
	case model.OutcomeSuccess:
		logger.Info("worker succeeded", attrs...)
	case model.OutcomeBlocked:
		logger.Info("worker hit a blocker", append(attrs, "blocker", r.Details.BlockerType)...)
	case model.OutcomeTimeout:
		logger.Warn("worker timed out", attrs...)
	default:
		logger.Error("worker failed", append(attrs, "error", truncate(r.Error, 100))...)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
