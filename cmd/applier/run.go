package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/CZERTAINLY/Applier/internal/handoff"
	"github.com/CZERTAINLY/Applier/internal/history"
	"github.com/CZERTAINLY/Applier/internal/log"
	"github.com/CZERTAINLY/Applier/internal/model"
	"github.com/CZERTAINLY/Applier/internal/report"
	"github.com/CZERTAINLY/Applier/internal/service"
	"github.com/CZERTAINLY/Applier/internal/supervisor"
	"github.com/CZERTAINLY/Applier/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var ErrBelowThreshold = errors.New("success rate below threshold")

var flagJobs string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run applies to every job of the list under supervision",
	RunE:  doRun,
}

func init() {
	flags := runCmd.Flags()
	flags.StringVar(&flagJobs, "jobs", "jobs.json", "JSON list of jobs to apply to")
	flags.Int("max-concurrent", 0, "maximum concurrent workers, 0 picks by skip-generation")
	flags.Int("timeout", 30, "per job timeout in minutes")
	flags.Int("retries", 0, "how many times a failed job is queued again")
	flags.Bool("headless", false, "run the browser without a window")
	flags.Bool("skip-generation", false, "skip document generation")
	flags.Bool("resume", false, "skip jobs already settled in the history database")
	flags.String("metrics-addr", "", "serve /metrics and /status on this address while running")
}

func doRun(cmd *cobra.Command, _ []string) error {
	attrs := slog.Group("applier",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobs, err := readJobs(flagJobs)
	if err != nil {
		return err
	}

	switch config.Service.Mode {
	case model.ServiceModeTimer:
		scheduler, err := service.NewScheduler(ctx, config.Service.Schedule, func(ctx context.Context) {
			if _, err := runBatch(ctx, cmd.OutOrStdout(), jobs); err != nil {
				slog.ErrorContext(ctx, "scheduled batch failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("timer mode failed: %w", err)
		}
		return scheduler.Run(ctx)
	default:
		stats, err := runBatch(ctx, cmd.OutOrStdout(), jobs)
		if err != nil {
			return err
		}
		return checkThreshold(stats, config.Batch.SuccessThreshold)
	}
}

// checkThreshold fails a batch whose success rate is below threshold. An
// empty batch has a rate of zero.
func checkThreshold(stats model.Stats, threshold float64) error {
	if stats.SuccessRate < threshold {
		return fmt.Errorf("%w: %.1f%% < %.1f%%", ErrBelowThreshold, stats.SuccessRate*100, threshold*100)
	}
	return nil
}

func readJobs(path string) ([]model.Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening job list: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return model.LoadJobs(f)
}

// runBatch supervises one batch and emits its reports.
func runBatch(ctx context.Context, stdout io.Writer, jobs []model.Job) (model.Stats, error) {
	dir, err := handoff.Open(config.Worker.ResultsDir)
	if err != nil {
		return model.Stats{}, err
	}
	defer func() {
		_ = dir.Close()
	}()
	if err := dir.Lock(); err != nil {
		return model.Stats{}, err
	}

	supervisorLog := filepath.Join(config.Report.Dir, "supervisor_"+time.Now().Format(report.TimeFormat)+".log")
	logFile, err := log.CreateFile(supervisorLog)
	if err != nil {
		return model.Stats{}, err
	}
	defer func() {
		_ = logFile.Close()
	}()
	logger := slog.New(log.NewTee(slog.Default().Handler(), logFile.Handler(log.Level(config.Service.Verbose))))

	var store *history.Store
	if config.Report.History != "" {
		store, err = history.Open(ctx, config.Report.History)
		if err != nil {
			return model.Stats{}, err
		}
	}
	if config.Batch.Resume {
		jobs, err = resume(ctx, logger, store, jobs)
		if err != nil {
			_ = store.Close()
			return model.Stats{}, err
		}
	}

	launcher, err := worker.NewExecLauncher(workerArgs()...)
	if err != nil {
		_ = store.Close()
		return model.Stats{}, err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := supervisor.OptionsFromConfig(config.Batch)
	opts.Logger = logger
	opts.Metrics = supervisor.NewMetrics(reg)
	sup := supervisor.New(launcher, dir, opts)

	var wg sync.WaitGroup
	srvCtx, stopServer := context.WithCancel(ctx)
	if addr := config.Service.MetricsAddr; addr != "" {
		wg.Go(func() {
			if err := supervisor.Serve(srvCtx, addr, supervisor.NewRouter(sup, reg)); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "metrics server failed", "addr", addr, "error", err)
			}
		})
	}

	run, err := sup.Run(ctx, jobs, config.Batch.RunConfig())
	stopServer()
	wg.Wait()
	if err != nil {
		_ = store.Close()
		return model.Stats{}, err
	}

	// reports are written even when the batch was interrupted
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	emitters := newEmitters(emitCtx, logger, stdout, supervisorLog, store)
	defer report.Close(emitCtx, emitters...)
	if err := report.EmitAll(emitCtx, run, emitters...); err != nil {
		logger.ErrorContext(emitCtx, "emitting reports", "error", err)
	}

	return run.Stats(), nil
}

// workerArgs re-execute this binary as a worker with the same config.
func workerArgs() []string {
	args := []string{"--config", configPath}
	if config.Service.Verbose {
		args = append(args, "--verbose")
	}
	return append(args, workerCmd.Use)
}

func resume(ctx context.Context, logger *slog.Logger, store *history.Store, jobs []model.Job) ([]model.Job, error) {
	if store == nil {
		return nil, errors.New("resume needs report.history to be configured")
	}
	settled, err := store.Settled(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	pending := slices.DeleteFunc(slices.Clone(jobs), func(j model.Job) bool {
		return settled[j.Target]
	})
	logger.InfoContext(ctx, "resuming", "skipped", len(jobs)-len(pending), "pending", len(pending))
	return model.Reindex(pending), nil
}

// newEmitters returns every configured emitter. One which cannot be
// created is logged and left out.
func newEmitters(ctx context.Context, logger *slog.Logger, stdout io.Writer, supervisorLog string, store *history.Store) []model.Emitter {
	var ret []model.Emitter
	add := func(e model.Emitter, err error) {
		if err != nil {
			logger.ErrorContext(ctx, "initializing report", "error", err)
			return
		}
		ret = append(ret, e)
	}
	add(report.NewJSON(config.Report.Dir))
	add(report.NewText(config.Report.Dir, stdout))
	add(report.NewHTML(config.Report.HTMLDir, supervisorLog))
	if config.Report.Webhook != nil {
		add(report.NewWebhook(*config.Report.Webhook, nil))
	}
	if store != nil {
		ret = append(ret, store)
	}
	return ret
}
