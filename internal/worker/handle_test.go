package worker_test

import (
	"errors"
	"path/filepath"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Applier/internal/handoff"
	"github.com/CZERTAINLY/Applier/internal/log"
	"github.com/CZERTAINLY/Applier/internal/model"
	"github.com/CZERTAINLY/Applier/internal/worker"
	"github.com/CZERTAINLY/Applier/internal/worker/workertest"
	"github.com/stretchr/testify/require"
)

var runConfig = model.RunConfig{TimeoutMinutes: 1}

func job(index int) model.Job {
	return model.Job{
		Index:  index,
		Name:   "Company",
		Target: "https://jobs.example/" + string(rune('a'+index)),
	}
}

func dir(t *testing.T) *handoff.Dir {
	t.Helper()
	d, err := handoff.Open(filepath.Join(t.TempDir(), "logs"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func newHandle(t *testing.T, d *handoff.Dir, b workertest.Behavior) (*worker.Handle, *workertest.Launcher) {
	t.Helper()
	l := &workertest.Launcher{
		Dir:    d,
		Behave: func(worker.Spec) workertest.Behavior { return b },
	}
	h := worker.NewHandle(job(0), runConfig, l, d, worker.Options{
		KillWait:    time.Second,
		CollectWait: 10 * time.Second,
		Logger:      log.Discard(),
	})
	return h, l
}

func TestHandle_NeverStarted(t *testing.T) {
	t.Parallel()
	h, _ := newHandle(t, dir(t), workertest.Hang())
	require.False(t, h.IsRunning())
	require.Zero(t, h.Runtime())
	require.NoError(t, h.Kill())
	require.Equal(t, worker.StatusPending, h.Status())

	r := h.Collect()
	require.Equal(t, model.StatusFailed, r.Status)
	require.Equal(t, "Worker process was never started", r.Error)
	require.Equal(t, 0, r.JobIndex)
	require.Equal(t, 1, r.Attempts)
}

func TestHandle_StartErrors(t *testing.T) {
	t.Parallel()
	spawnErr := errors.New("fork/exec: resource temporarily unavailable")
	var testCases = []struct {
		scenario string
		given    func(t *testing.T) *worker.Handle
		then     string
	}{
		{
			scenario: "empty target",
			given: func(t *testing.T) *worker.Handle {
				d := dir(t)
				j := job(2)
				j.Target = " "
				return worker.NewHandle(j, runConfig, &workertest.Launcher{Dir: d}, d, worker.Options{Logger: log.Discard()})
			},
			then: "Failed to start worker: job has no target url",
		},
		{
			scenario: "spawn failure",
			given: func(t *testing.T) *worker.Handle {
				h, _ := newHandle(t, dir(t), workertest.Behavior{SpawnErr: spawnErr})
				return h
			},
			then: "Failed to start worker: " + spawnErr.Error(),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			h := tc.given(t)
			require.Error(t, h.Start(t.Context()))
			require.Equal(t, worker.StatusFailed, h.Status())
			require.False(t, h.IsRunning())
			require.ErrorIs(t, h.Start(t.Context()), worker.ErrAlreadyStarted)

			r := h.Collect()
			require.Equal(t, model.StatusFailed, r.Status)
			require.Equal(t, tc.then, r.Error)
		})
	}
}

func TestHandle_Success(t *testing.T) {
	t.Parallel()
	d := dir(t)
	synctest.Test(t, func(t *testing.T) {
		h, _ := newHandle(t, d, workertest.Succeed(6*time.Second))
		require.NoError(t, h.Start(t.Context()))
		require.Equal(t, worker.StatusRunning, h.Status())
		require.NotZero(t, h.Pid())

		time.Sleep(4 * time.Second)
		require.True(t, h.IsRunning())
		require.Equal(t, 4*time.Second, h.Runtime())

		time.Sleep(4 * time.Second)
		synctest.Wait()
		require.False(t, h.IsRunning())
		require.Equal(t, worker.StatusCompleted, h.Status())
		require.Equal(t, 8*time.Second, h.Runtime())

		r := h.Collect()
		require.Equal(t, model.StatusSuccess, r.Status)
		require.Equal(t, model.OutcomeSuccess, r.Outcome())
		require.Equal(t, "Company", r.CompanyName)
		require.InDelta(t, 8, r.DurationSeconds, 0.001)
		require.NoFileExists(t, d.ResultPath(0))

		// collected once
		require.Equal(t, r, h.Collect())
	})
}

func TestHandle_Failures(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    workertest.Behavior
		then     string
	}{
		{
			scenario: "crash without report",
			given:    workertest.Crash(time.Second),
			then:     "Worker did not create result file (exit code 1)",
		},
		{
			scenario: "malformed report",
			given:    workertest.Garbage(time.Second),
			then:     "Invalid result file: malformed result",
		},
		{
			scenario: "report of another job",
			given: workertest.Behavior{Run: time.Second, Report: func(model.Job) []byte {
				return []byte(`{"status": "success", "job_index": 99}`)
			}},
			then: "Result file belongs to job 99",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			d := dir(t)
			synctest.Test(t, func(t *testing.T) {
				h, _ := newHandle(t, d, tc.given)
				require.NoError(t, h.Start(t.Context()))
				time.Sleep(2 * time.Second)
				synctest.Wait()
				require.False(t, h.IsRunning())

				r := h.Collect()
				require.Equal(t, model.StatusFailed, r.Status)
				require.Contains(t, r.Error, tc.then)
				require.NoFileExists(t, d.ResultPath(0))
			})
		})
	}
}

func TestHandle_Timeout(t *testing.T) {
	t.Parallel()
	d := dir(t)
	synctest.Test(t, func(t *testing.T) {
		h, l := newHandle(t, d, workertest.Hang())
		require.NoError(t, h.Start(t.Context()))

		time.Sleep(62 * time.Second)
		require.True(t, h.IsRunning())
		require.NoError(t, h.Timeout())
		require.Equal(t, worker.StatusTimeout, h.Status())
		require.Zero(t, l.Running())

		// a later kill does not change the terminal status
		require.NoError(t, h.Kill())
		require.Equal(t, worker.StatusTimeout, h.Status())

		r := h.Collect()
		require.Equal(t, model.StatusTimeout, r.Status)
		require.Equal(t, "Worker timed out after 1 minutes", r.Error)
		require.InDelta(t, 62, r.DurationSeconds, 0.001)
	})
}

func TestHandle_KillAfterExit(t *testing.T) {
	t.Parallel()
	d := dir(t)
	synctest.Test(t, func(t *testing.T) {
		h, _ := newHandle(t, d, workertest.Succeed(time.Second))
		require.NoError(t, h.Start(t.Context()))
		time.Sleep(2 * time.Second)
		synctest.Wait()

		// exit not polled yet, kill observes it
		require.NoError(t, h.Kill())
		require.NoError(t, h.Kill())
		require.Equal(t, worker.StatusCompleted, h.Status())
		require.Equal(t, model.StatusSuccess, h.Collect().Status)
	})
}

func TestHandle_Interrupt(t *testing.T) {
	t.Parallel()
	d := dir(t)
	synctest.Test(t, func(t *testing.T) {
		running, _ := newHandle(t, d, workertest.Hang())
		require.NoError(t, running.Start(t.Context()))
		pending := worker.NewHandle(job(1), runConfig, &workertest.Launcher{Dir: d}, d, worker.Options{Logger: log.Discard()})

		time.Sleep(5 * time.Second)
		require.NoError(t, running.Interrupt())
		require.NoError(t, pending.Interrupt())
		require.Equal(t, worker.StatusKilled, running.Status())
		require.Equal(t, worker.StatusKilled, pending.Status())

		r := running.Collect()
		require.Equal(t, model.StatusFailed, r.Status)
		require.Equal(t, "Batch interrupted by user", r.Error)
		require.InDelta(t, 5, r.DurationSeconds, 0.001)

		p := pending.Collect()
		require.Equal(t, model.StatusFailed, p.Status)
		require.Equal(t, "Batch interrupted by user", p.Error)
		require.Equal(t, 1, p.JobIndex)
		require.Zero(t, p.DurationSeconds)
	})
}

func TestHandle_CollectRunning(t *testing.T) {
	t.Parallel()
	d := dir(t)
	synctest.Test(t, func(t *testing.T) {
		h, _ := newHandle(t, d, workertest.Hang())
		require.NoError(t, h.Start(t.Context()))

		start := time.Now()
		r := h.Collect()
		require.Equal(t, 10*time.Second, time.Since(start))
		require.Equal(t, worker.StatusKilled, h.Status())
		require.Equal(t, model.StatusFailed, r.Status)
		require.Equal(t, "Worker did not create result file (exit code -1)", r.Error)
	})
}

func TestHandle_KillUnresponsive(t *testing.T) {
	t.Parallel()
	d := dir(t)
	synctest.Test(t, func(t *testing.T) {
		b := workertest.Hang()
		b.IgnoreKill = true
		h, l := newHandle(t, d, b)
		defer l.Close()
		require.NoError(t, h.Start(t.Context()))

		start := time.Now()
		err := h.Kill()
		require.ErrorIs(t, err, worker.ErrWaitTimeout)
		require.Equal(t, time.Second, time.Since(start), "kill wait is bounded")
		require.Equal(t, worker.StatusKilled, h.Status())
		l.Close()
	})
}
