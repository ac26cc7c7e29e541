package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/CZERTAINLY/Applier/internal/handoff"
	"github.com/CZERTAINLY/Applier/internal/model"
	"github.com/CZERTAINLY/Applier/internal/worker"
)

const (
	defaultPollInterval = 2 * time.Second
	activeShown         = 3
)

type Options struct {
	MaxConcurrent int
	PollInterval  time.Duration
	// Retries is how many times a failed job is queued again.
	Retries int
	// StartRate limits worker starts per second, 0 means no limit.
	StartRate float64
	Worker    worker.Options
	Logger    *slog.Logger
	Metrics   *Metrics
}

// OptionsFromConfig maps the batch section of a config file.
func OptionsFromConfig(b model.Batch) Options {
	return Options{
		MaxConcurrent: b.Ceiling(),
		PollInterval:  b.PollInterval.Value(),
		Retries:       b.Retries,
		StartRate:     b.StartRate,
		Worker: worker.Options{
			KillWait:    b.KillWait.Value(),
			CollectWait: b.CollectWait.Value(),
		},
	}
}

type Supervisor struct {
	opts     Options
	launcher worker.Launcher
	dir      *handoff.Dir
	log      *slog.Logger
	shutdown atomic.Bool

	mx   sync.RWMutex
	snap Snapshot
}

func New(launcher worker.Launcher, dir *handoff.Dir, opts Options) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Worker.Logger == nil {
		opts.Worker.Logger = opts.Logger
	}
	return &Supervisor{
		opts:     opts,
		launcher: launcher,
		dir:      dir,
		log:      opts.Logger,
	}
}

// Shutdown asks a running batch to stop at its next tick. It returns
// immediately and may be called from any goroutine.
func (s *Supervisor) Shutdown() {
	s.shutdown.Store(true)
}

func (s *Supervisor) stopping(ctx context.Context) bool {
	return s.shutdown.Load() || ctx.Err() != nil
}

// batch is the state of one Run. Only the Run goroutine touches it.
type batch struct {
	run     model.BatchRun
	total   int
	cfg     model.RunConfig
	timeout time.Duration
	limiter *rate.Limiter
	pending []*worker.Handle
	running []*worker.Handle
}

func (b *batch) done() int {
	return len(b.run.Results)
}

// Run executes jobs and returns one Result per job. Errors are returned
// only for a batch which cannot start at all.
func (s *Supervisor) Run(ctx context.Context, jobs []model.Job, cfg model.RunConfig) (model.BatchRun, error) {
	if s.opts.MaxConcurrent < 1 {
		return model.BatchRun{}, fmt.Errorf("max concurrent must be positive: got %d", s.opts.MaxConcurrent)
	}
	if cfg.TimeoutMinutes < 1 {
		return model.BatchRun{}, fmt.Errorf("timeout must be positive: got %d minutes", cfg.TimeoutMinutes)
	}
	seen := make(map[int]struct{}, len(jobs))
	for _, j := range jobs {
		if _, ok := seen[j.Index]; ok {
			return model.BatchRun{}, fmt.Errorf("duplicate job index %d", j.Index)
		}
		seen[j.Index] = struct{}{}
	}

	b := &batch{
		run: model.BatchRun{
			ID:      uuid.New(),
			Start:   time.Now(),
			Results: make([]model.Result, 0, len(jobs)),
		},
		total:   len(jobs),
		cfg:     cfg,
		timeout: time.Duration(cfg.TimeoutMinutes) * time.Minute,
	}
	if s.opts.StartRate > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(s.opts.StartRate), 1)
	}
	for _, j := range jobs {
		b.pending = append(b.pending, s.newHandle(j, cfg, 1))
	}

	log := s.log.With("run_id", b.run.ID.String())
	if removed, err := s.dir.Purge(); err != nil {
		log.WarnContext(ctx, "purging stale results", "error", err)
	} else if len(removed) > 0 {
		log.InfoContext(ctx, "removed stale results", "files", removed)
	}
	log.InfoContext(ctx, "batch started",
		"jobs", b.total,
		"max_concurrent", s.opts.MaxConcurrent,
		"timeout_minutes", cfg.TimeoutMinutes,
		"poll_interval", s.opts.PollInterval.String(),
	)

	timer := time.NewTimer(s.opts.PollInterval)
	defer timer.Stop()
	for {
		if s.stopping(ctx) {
			s.interrupt(ctx, log, b)
			break
		}
		s.admit(ctx, log, b)
		s.publish(b)
		if len(b.pending) == 0 && len(b.running) == 0 {
			break
		}

		timer.Reset(s.opts.PollInterval)
		select {
		case <-ctx.Done():
			continue
		case <-timer.C:
		}
		if s.stopping(ctx) {
			continue
		}

		for _, h := range s.scan(ctx, b) {
			s.reconcile(ctx, b, h)
		}
		s.progress(ctx, log, b)
	}

	b.run.End = time.Now()
	s.publish(b)
	stats := b.run.Stats()
	log.InfoContext(ctx, "batch finished",
		"interrupted", b.run.Interrupted,
		"duration", b.run.Duration().Round(time.Second).String(),
		"total", stats.Total,
		"successful", stats.Successful,
		"blocked", stats.Blocked,
		"failed", stats.Failed,
		"timeouts", stats.TimedOut,
	)
	return b.run, nil
}

func (s *Supervisor) newHandle(j model.Job, cfg model.RunConfig, attempt int) *worker.Handle {
	o := s.opts.Worker
	o.Attempt = attempt
	return worker.NewHandle(j, cfg, s.launcher, s.dir, o)
}

// admit starts pending handles in order. A handle which fails to start is
// done at once.
func (s *Supervisor) admit(ctx context.Context, log *slog.Logger, b *batch) {
	for len(b.pending) > 0 && len(b.running) < s.opts.MaxConcurrent {
		if b.limiter != nil && !b.limiter.Allow() {
			log.DebugContext(ctx, "start rate reached", "pending", len(b.pending))
			return
		}
		h := b.pending[0]
		b.pending = b.pending[1:]
		if err := s.start(ctx, h); err != nil {
			s.reconcile(ctx, b, h)
			continue
		}
		s.opts.Metrics.workerStarted()
		b.running = append(b.running, h)
	}
}

func (s *Supervisor) start(ctx context.Context, h *worker.Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("starting worker panicked: %v", r)
		}
	}()
	return h.Start(ctx)
}

// scan removes handles which exited or timed out from running. Exit is
// checked before the timeout.
func (s *Supervisor) scan(ctx context.Context, b *batch) []*worker.Handle {
	var finished []*worker.Handle
	still := b.running[:0]
	for _, h := range b.running {
		if s.check(ctx, b, h) {
			finished = append(finished, h)
			continue
		}
		still = append(still, h)
	}
	clear(b.running[len(still):])
	b.running = still
	return finished
}

func (s *Supervisor) check(ctx context.Context, b *batch, h *worker.Handle) (finished bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "health check panicked", "job_index", h.Job().Index, "panic", r)
			_ = h.Kill()
			finished = true
		}
	}()
	if !h.IsRunning() {
		return true
	}
	if h.Runtime() > b.timeout {
		if err := h.Timeout(); err != nil {
			s.log.WarnContext(ctx, "killing timed out worker", "job_index", h.Job().Index, "error", err)
		}
		s.opts.Metrics.killed("timeout")
		return true
	}
	return false
}

// reconcile collects the Result of a finished handle. A failed job with
// retries left goes back to the end of pending instead.
func (s *Supervisor) reconcile(ctx context.Context, b *batch, h *worker.Handle) {
	r := s.collect(ctx, h)
	if s.retry(h, r) {
		s.log.InfoContext(ctx, "queueing failed job again",
			"job_index", h.Job().Index,
			"attempt", h.Attempt()+1,
			"error", r.Error,
		)
		s.opts.Metrics.jobRetried()
		b.pending = append(b.pending, s.newHandle(h.Job(), b.cfg, h.Attempt()+1))
		return
	}
	s.opts.Metrics.collected(r)
	b.run.Results = append(b.run.Results, r)
}

func (s *Supervisor) retry(h *worker.Handle, r model.Result) bool {
	return r.Status == model.StatusFailed &&
		h.Attempt() <= s.opts.Retries &&
		h.Job().Validate() == nil &&
		h.Status() != worker.StatusKilled
}

func (s *Supervisor) collect(ctx context.Context, h *worker.Handle) (r model.Result) {
	defer func() {
		if p := recover(); p != nil {
			s.log.ErrorContext(ctx, "collecting result panicked", "job_index", h.Job().Index, "panic", p)
			r = model.NewErrorResult(h.Job(), model.StatusFailed, fmt.Sprintf("Collecting result failed: %v", p), h.Runtime())
		}
	}()
	return h.Collect()
}

// interrupt ends the batch. Workers which exited since the last scan keep
// their own Result, the others are killed in parallel, and every handle
// still pending or running gets an interrupted Result.
func (s *Supervisor) interrupt(ctx context.Context, log *slog.Logger, b *batch) {
	b.run.Interrupted = true

	still := b.running[:0]
	for _, h := range b.running {
		if s.alive(ctx, h) {
			still = append(still, h)
			continue
		}
		r := s.collect(ctx, h)
		s.opts.Metrics.collected(r)
		b.run.Results = append(b.run.Results, r)
	}
	clear(b.running[len(still):])
	b.running = still

	log.WarnContext(ctx, "batch interrupted: stopping workers",
		"running", len(b.running),
		"pending", len(b.pending),
		"done", b.done(),
	)

	var g errgroup.Group
	for _, h := range b.running {
		g.Go(func() error {
			if err := h.Interrupt(); err != nil {
				log.WarnContext(ctx, "killing interrupted worker", "job_index", h.Job().Index, "error", err)
			}
			return nil
		})
		s.opts.Metrics.killed("interrupt")
	}
	_ = g.Wait()

	for _, h := range b.pending {
		_ = h.Interrupt()
	}
	for _, h := range append(b.running, b.pending...) {
		r := s.collect(ctx, h)
		s.opts.Metrics.collected(r)
		b.run.Results = append(b.run.Results, r)
	}
	b.running = nil
	b.pending = nil
}

func (s *Supervisor) alive(ctx context.Context, h *worker.Handle) (running bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "health check panicked", "job_index", h.Job().Index, "panic", r)
			running = true
		}
	}()
	return h.IsRunning()
}

func (s *Supervisor) progress(ctx context.Context, log *slog.Logger, b *batch) {
	if n := len(b.pending) + len(b.running) + b.done(); n != b.total {
		log.ErrorContext(ctx, "job accounting mismatch", "accounted", n, "total", b.total)
	}

	active := make([]string, 0, activeShown)
	for _, h := range b.running[:min(activeShown, len(b.running))] {
		active = append(active, fmt.Sprintf("%s (%s)", h.Job().Name, h.Runtime().Round(time.Second)))
	}
	attrs := []any{
		"done", b.done(),
		"total", b.total,
		"running", len(b.running),
		"pending", len(b.pending),
		"active", active,
	}
	if len(b.running) > activeShown {
		attrs = append(attrs, "more", len(b.running)-activeShown)
	}
	if log.Enabled(ctx, slog.LevelDebug) {
		attrs = append(attrs, hostAttrs(ctx)...)
	}
	log.InfoContext(ctx, "progress", attrs...)
}

// hostAttrs describe how loaded the machine running the workers is.
func hostAttrs(ctx context.Context) []any {
	var attrs []any
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		attrs = append(attrs, "mem_used_percent", int(vm.UsedPercent))
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		attrs = append(attrs, "load1", avg.Load1)
	}
	return attrs
}
