package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/Applier/internal/model"
	"github.com/CZERTAINLY/Applier/internal/service"
	"github.com/stretchr/testify/require"
)

func TestScheduler(t *testing.T) {
	t.Parallel()
	var runs, active, maxActive atomic.Int32
	batch := func(ctx context.Context) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		runs.Add(1)
		select {
		case <-ctx.Done():
		case <-time.After(250 * time.Millisecond):
		}
	}

	ctx, cancel := context.WithCancel(t.Context())
	s, err := service.NewScheduler(ctx, &model.TimerSchedule{Duration: "PT0.1S"}, batch)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var runErr error
	wg.Go(func() { runErr = s.Run(ctx) })

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	wg.Wait()

	require.NoError(t, runErr)
	require.Equal(t, int32(1), maxActive.Load())
	require.Zero(t, active.Load())
}

func TestScheduler_Immediate(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	s, err := service.NewScheduler(ctx, &model.TimerSchedule{Cron: "0 3 * * *"}, func(context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first batch did not start immediately")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestNewScheduler_Invalid(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    *model.TimerSchedule
		then     error
	}{
		{"nil", nil, model.ErrNoSchedule},
		{"empty", &model.TimerSchedule{}, model.ErrNoSchedule},
		{"bad cron", &model.TimerSchedule{Cron: "every monday"}, nil},
		{"bad duration", &model.TimerSchedule{Duration: "1h"}, model.ErrISOFormat},
		{"zero duration", &model.TimerSchedule{Duration: "PT0S"}, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := service.NewScheduler(t.Context(), tc.given, func(context.Context) {})
			require.Error(t, err)
			if tc.then != nil {
				require.ErrorIs(t, err, tc.then)
			}
		})
	}
}
