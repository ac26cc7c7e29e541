package supervisor_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Applier/internal/supervisor"
	"github.com/CZERTAINLY/Applier/internal/worker"
	"github.com/CZERTAINLY/Applier/internal/worker/workertest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRouter(t *testing.T) {
	t.Parallel()
	d := dir(t)
	reg := prometheus.NewRegistry()
	var s *supervisor.Supervisor
	synctest.Test(t, func(t *testing.T) {
		l := &workertest.Launcher{Dir: d, Behave: func(spec worker.Spec) workertest.Behavior {
			if spec.Job.Index == 2 {
				return workertest.Hang()
			}
			return workertest.Succeed(3 * time.Second)
		}}
		opts := options(3)
		opts.Metrics = supervisor.NewMetrics(reg)
		s = supervisor.New(l, d, opts)
		_, err := s.Run(t.Context(), jobs(3), oneMinute)
		require.NoError(t, err)
	})
	router := supervisor.NewRouter(s, reg)

	count, err := testutil.GatherAndCount(reg, "applier_results_total")
	require.NoError(t, err)
	require.Equal(t, 2, count, "one series per outcome")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, `applier_results_total{outcome="successful"} 2`)
	require.Contains(t, body, `applier_results_total{outcome="timeout"} 1`)
	require.Contains(t, body, `applier_workers_killed_total{reason="timeout"} 1`)
	require.Contains(t, body, `applier_workers_started_total 3`)
	require.Contains(t, body, `applier_workers_running 0`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap supervisor.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, 3, snap.Total)
	require.Equal(t, 3, snap.Done)
	require.Equal(t, 2, snap.Stats.Successful)
	require.Empty(t, snap.Running)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}
