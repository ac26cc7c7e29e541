package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Applier/internal/model"
)

type Scheduler struct {
	scheduler gocron.Scheduler
	fn        func(context.Context)
	ctx       context.Context
}

// NewScheduler returns a scheduler calling fn on the given schedule.
func NewScheduler(ctx context.Context, cfgp *model.TimerSchedule, fn func(context.Context)) (*Scheduler, error) {
	if cfgp == nil {
		return nil, model.ErrNoSchedule
	}
	cfg := *cfgp
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if _, err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		if d <= 0 {
			return nil, errors.New("service.schedule.duration must be positive")
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
		job = gocron.DurationJob(d)
	default:
		return nil, model.ErrNoSchedule
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	ret := &Scheduler{scheduler: s, fn: fn}
	_, err = s.NewJob(
		job,
		gocron.NewTask(ret.tick),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithName("batch"),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return ret, nil
}

func (s *Scheduler) tick() {
	if s.ctx.Err() != nil {
		return
	}
	slog.InfoContext(s.ctx, "scheduled batch starting")
	s.fn(s.ctx)
}

// Run starts the schedule and blocks until ctx is done and the running
// batch, if any, has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.scheduler.Start()
	<-ctx.Done()
	slog.InfoContext(ctx, "stopping scheduler")
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("stopping scheduler: %w", err)
	}
	return nil
}
