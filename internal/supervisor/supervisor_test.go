package supervisor_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Applier/internal/handoff"
	"github.com/CZERTAINLY/Applier/internal/log"
	"github.com/CZERTAINLY/Applier/internal/model"
	"github.com/CZERTAINLY/Applier/internal/supervisor"
	"github.com/CZERTAINLY/Applier/internal/worker"
	"github.com/CZERTAINLY/Applier/internal/worker/workertest"
	"github.com/stretchr/testify/require"
)

var oneMinute = model.RunConfig{TimeoutMinutes: 1}

func jobs(n int) []model.Job {
	ret := make([]model.Job, n)
	for i := range ret {
		ret[i] = model.Job{
			Index:  i,
			Name:   fmt.Sprintf("Company %d", i),
			Target: fmt.Sprintf("https://jobs.example/%d", i),
		}
	}
	return ret
}

func options(maxConcurrent int) supervisor.Options {
	return supervisor.Options{
		MaxConcurrent: maxConcurrent,
		PollInterval:  2 * time.Second,
		Worker: worker.Options{
			KillWait:    5 * time.Second,
			CollectWait: 10 * time.Second,
			Logger:      log.Discard(),
		},
		Logger: log.Discard(),
	}
}

func dir(t *testing.T) *handoff.Dir {
	t.Helper()
	d, err := handoff.Open(filepath.Join(t.TempDir(), "logs"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func byIndex(t *testing.T, n int, results []model.Result) map[int]model.Result {
	t.Helper()
	require.Len(t, results, n)
	m := make(map[int]model.Result, n)
	for _, r := range results {
		require.GreaterOrEqual(t, r.JobIndex, 0)
		require.Less(t, r.JobIndex, n)
		_, dup := m[r.JobIndex]
		require.False(t, dup, "job %d reported twice", r.JobIndex)
		m[r.JobIndex] = r
	}
	return m
}

func TestRun_TimeoutScenario(t *testing.T) {
	t.Parallel()
	d := dir(t)
	synctest.Test(t, func(t *testing.T) {
		l := &workertest.Launcher{Dir: d, Behave: func(spec worker.Spec) workertest.Behavior {
			if spec.Job.Index == 1 {
				return workertest.Hang()
			}
			return workertest.Succeed(5 * time.Second)
		}}
		s := supervisor.New(l, d, options(2))

		run, err := s.Run(t.Context(), jobs(5), oneMinute)
		require.NoError(t, err)
		results := byIndex(t, 5, run.Results)

		stats := run.Stats()
		require.Equal(t, 5, stats.Total)
		require.Equal(t, 4, stats.Successful)
		require.Equal(t, 1, stats.TimedOut)
		require.False(t, run.Interrupted)

		hung := results[1]
		require.Equal(t, model.StatusTimeout, hung.Status)
		require.InDelta(t, 60, hung.DurationSeconds, 2, "killed within one poll interval")

		require.Equal(t, []int{0, 1, 2, 3, 4}, l.Launched())
		require.LessOrEqual(t, l.MaxRunning(), 2)
		require.Zero(t, l.Running())

		// completion order, the hung job finishes last
		require.Equal(t, 1, run.Results[4].JobIndex)
		require.Equal(t, 62*time.Second, run.Duration())
	})
}

func TestRun_Ceiling(t *testing.T) {
	t.Parallel()
	d := dir(t)
	synctest.Test(t, func(t *testing.T) {
		l := &workertest.Launcher{Dir: d, Behave: func(spec worker.Spec) workertest.Behavior {
			return workertest.Succeed(time.Duration(3+spec.Job.Index%4) * time.Second)
		}}
		s := supervisor.New(l, d, options(3))
		run, err := s.Run(t.Context(), jobs(10), oneMinute)
		require.NoError(t, err)
		byIndex(t, 10, run.Results)
		require.Equal(t, 10, run.Stats().Successful)
		require.Equal(t, 3, l.MaxRunning())
	})
}

func TestRun_CrashTolerance(t *testing.T) {
	t.Parallel()
	d := dir(t)
	synctest.Test(t, func(t *testing.T) {
		l := &workertest.Launcher{Dir: d, Behave: func(spec worker.Spec) workertest.Behavior {
			switch spec.Job.Index {
			case 0:
				return workertest.Crash(time.Second)
			case 1:
				return workertest.Garbage(time.Second)
			case 2:
				return workertest.Behavior{SpawnErr: errors.New("no such file or directory")}
			case 4:
				return workertest.Blocked(3*time.Second, "captcha")
			default:
				return workertest.Succeed(3 * time.Second)
			}
		}}
		given := jobs(6)
		given[3].Target = ""

		s := supervisor.New(l, d, options(6))
		run, err := s.Run(t.Context(), given, oneMinute)
		require.NoError(t, err)
		results := byIndex(t, 6, run.Results)

		require.Contains(t, results[0].Error, "did not create result file")
		require.Contains(t, results[1].Error, "Invalid result file")
		require.Contains(t, results[2].Error, "Failed to start worker")
		require.Contains(t, results[3].Error, model.ErrEmptyTarget.Error())
		require.Equal(t, model.OutcomeBlocked, results[4].Outcome())
		require.Equal(t, model.OutcomeSuccess, results[5].Outcome())

		stats := run.Stats()
		require.Equal(t, 1, stats.Successful)
		require.Equal(t, 1, stats.Blocked)
		require.Equal(t, 4, stats.Failed)
		require.InDelta(t, 1.0/6.0, stats.SuccessRate, 1e-9)
	})
}

func TestRun_Shutdown(t *testing.T) {
	t.Parallel()
	d := dir(t)
	synctest.Test(t, func(t *testing.T) {
		l := &workertest.Launcher{Dir: d, Behave: func(worker.Spec) workertest.Behavior {
			return workertest.Hang()
		}}
		s := supervisor.New(l, d, options(2))

		type ret struct {
			run model.BatchRun
			err error
		}
		done := make(chan ret, 1)
		go func() {
			run, err := s.Run(context.Background(), jobs(6), oneMinute)
			done <- ret{run, err}
		}()

		time.Sleep(7 * time.Second)
		snap := s.Snapshot()
		require.Equal(t, 6, snap.Total)
		require.Equal(t, 4, snap.Pending)
		require.Len(t, snap.Running, 2)
		require.Equal(t, 0, snap.Running[0].Index)

		s.Shutdown()
		got := <-done
		require.NoError(t, got.err)
		require.True(t, got.run.Interrupted)

		results := byIndex(t, 6, got.run.Results)
		for _, r := range results {
			require.Equal(t, model.StatusFailed, r.Status)
			require.Equal(t, "Batch interrupted by user", r.Error)
		}
		require.Equal(t, []int{0, 1}, l.Launched())
		require.Zero(t, l.Running())
		require.Equal(t, 6, s.Snapshot().Done)
	})
}

func TestRun_ShutdownKeepsFinished(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    workertest.Behavior
		then     model.Outcome
	}{
		{"success", workertest.Succeed(500 * time.Millisecond), model.OutcomeSuccess},
		{"blocked", workertest.Blocked(500*time.Millisecond, "captcha"), model.OutcomeBlocked},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			d := dir(t)
			synctest.Test(t, func(t *testing.T) {
				l := &workertest.Launcher{Dir: d, Behave: func(spec worker.Spec) workertest.Behavior {
					if spec.Job.Index == 0 {
						return tc.given
					}
					return workertest.Hang()
				}}
				s := supervisor.New(l, d, options(2))
				// job 0 exits at 0.5s, the batch stops at 1s before the first scan
				time.AfterFunc(time.Second, s.Shutdown)

				run, err := s.Run(t.Context(), jobs(3), oneMinute)
				require.NoError(t, err)
				require.True(t, run.Interrupted)

				results := byIndex(t, 3, run.Results)
				require.Equal(t, model.StatusSuccess, results[0].Status)
				require.Empty(t, results[0].Error)
				require.Equal(t, tc.then, results[0].Outcome())
				for _, i := range []int{1, 2} {
					require.Equal(t, model.StatusFailed, results[i].Status)
					require.Equal(t, "Batch interrupted by user", results[i].Error)
				}

				_, err = d.Take(0)
				require.ErrorIs(t, err, handoff.ErrNoResult)
				require.Zero(t, l.Running())

				stats := run.Stats()
				require.Equal(t, 3, stats.Total)
				require.Equal(t, 2, stats.Failed)
			})
		})
	}
}

func TestRun_ContextCanceled(t *testing.T) {
	t.Parallel()
	d := dir(t)
	synctest.Test(t, func(t *testing.T) {
		l := &workertest.Launcher{Dir: d, Behave: func(worker.Spec) workertest.Behavior {
			return workertest.Hang()
		}}
		s := supervisor.New(l, d, options(1))
		ctx, cancel := context.WithCancel(t.Context())
		time.AfterFunc(3*time.Second, cancel)

		start := time.Now()
		run, err := s.Run(ctx, jobs(3), oneMinute)
		require.NoError(t, err)
		require.Equal(t, 3*time.Second, time.Since(start), "sleep is cut short")
		require.True(t, run.Interrupted)
		byIndex(t, 3, run.Results)
	})
}

func TestRun_Retries(t *testing.T) {
	t.Parallel()
	d := dir(t)
	synctest.Test(t, func(t *testing.T) {
		var mx sync.Mutex
		attempts := map[int]int{}
		l := &workertest.Launcher{Dir: d, Behave: func(spec worker.Spec) workertest.Behavior {
			mx.Lock()
			defer mx.Unlock()
			attempts[spec.Job.Index]++
			if spec.Job.Index == 0 && attempts[0] == 1 {
				return workertest.Crash(time.Second)
			}
			if spec.Job.Index == 1 {
				return workertest.Crash(time.Second)
			}
			return workertest.Succeed(time.Second)
		}}
		opts := options(2)
		opts.Retries = 2
		s := supervisor.New(l, d, opts)

		run, err := s.Run(t.Context(), jobs(3), oneMinute)
		require.NoError(t, err)
		results := byIndex(t, 3, run.Results)

		require.Equal(t, model.StatusSuccess, results[0].Status)
		require.Equal(t, 2, results[0].Attempts)
		require.Equal(t, model.StatusFailed, results[1].Status)
		require.Equal(t, 3, results[1].Attempts)
		require.Equal(t, 1, results[2].Attempts)
		require.Equal(t, []int{0, 1, 2, 0, 1, 1}, l.Launched())
	})
}

func TestRun_StartRate(t *testing.T) {
	t.Parallel()
	d := dir(t)
	synctest.Test(t, func(t *testing.T) {
		l := &workertest.Launcher{Dir: d, Behave: func(worker.Spec) workertest.Behavior {
			return workertest.Succeed(15 * time.Second)
		}}
		opts := options(3)
		opts.StartRate = 0.5
		s := supervisor.New(l, d, opts)

		done := make(chan model.BatchRun, 1)
		go func() {
			run, _ := s.Run(t.Context(), jobs(3), oneMinute)
			done <- run
		}()

		time.Sleep(time.Second)
		require.Len(t, l.Launched(), 1)
		time.Sleep(2 * time.Second)
		require.Len(t, l.Launched(), 2)
		time.Sleep(2 * time.Second)
		require.Len(t, l.Launched(), 3)

		run := <-done
		require.Equal(t, 3, run.Stats().Successful)
	})
}

type panicLauncher struct {
	workertest.Launcher
}

func (l *panicLauncher) Launch(ctx context.Context, spec worker.Spec) (worker.Process, error) {
	if spec.Job.Index == 0 {
		panic("launcher bug")
	}
	return l.Launcher.Launch(ctx, spec)
}

func TestRun_PanicIsolation(t *testing.T) {
	t.Parallel()
	d := dir(t)
	synctest.Test(t, func(t *testing.T) {
		l := &panicLauncher{Launcher: workertest.Launcher{Dir: d}}
		s := supervisor.New(l, d, options(2))
		run, err := s.Run(t.Context(), jobs(2), oneMinute)
		require.NoError(t, err)
		results := byIndex(t, 2, run.Results)
		require.Equal(t, model.StatusFailed, results[0].Status)
		require.Equal(t, model.StatusSuccess, results[1].Status)
	})
}

func TestRun_PurgesStaleResults(t *testing.T) {
	t.Parallel()
	d := dir(t)
	// a success left by a previous run must not be taken for job 0
	require.NoError(t, d.Write(model.Result{Status: model.StatusSuccess, JobIndex: 0}))
	synctest.Test(t, func(t *testing.T) {
		l := &workertest.Launcher{Dir: d, Behave: func(worker.Spec) workertest.Behavior {
			return workertest.Crash(time.Second)
		}}
		s := supervisor.New(l, d, options(1))
		run, err := s.Run(t.Context(), jobs(1), oneMinute)
		require.NoError(t, err)
		require.Equal(t, model.StatusFailed, run.Results[0].Status)
	})
}

func TestRun_Invalid(t *testing.T) {
	t.Parallel()
	d := dir(t)
	l := &workertest.Launcher{Dir: d}

	_, err := supervisor.New(l, d, options(0)).Run(t.Context(), jobs(1), oneMinute)
	require.Error(t, err)

	dup := jobs(2)
	dup[1].Index = 0
	_, err = supervisor.New(l, d, options(1)).Run(t.Context(), dup, oneMinute)
	require.ErrorContains(t, err, "duplicate job index 0")

	_, err = supervisor.New(l, d, options(1)).Run(t.Context(), jobs(1), model.RunConfig{})
	require.Error(t, err)
	require.Empty(t, l.Launched())
}

func TestRun_Empty(t *testing.T) {
	t.Parallel()
	d := dir(t)
	run, err := supervisor.New(&workertest.Launcher{Dir: d}, d, options(1)).Run(t.Context(), nil, oneMinute)
	require.NoError(t, err)
	require.Empty(t, run.Results)
	require.Zero(t, run.Stats().SuccessRate)
}

func TestOptionsFromConfig(t *testing.T) {
	t.Parallel()
	b := model.DefaultConfig().Batch
	b.SkipGeneration = true
	b.Retries = 1
	opts := supervisor.OptionsFromConfig(b)
	require.Equal(t, 10, opts.MaxConcurrent)
	require.Equal(t, 2*time.Second, opts.PollInterval)
	require.Equal(t, 5*time.Second, opts.Worker.KillWait)
	require.Equal(t, 10*time.Second, opts.Worker.CollectWait)
	require.Equal(t, 1, opts.Retries)
}
