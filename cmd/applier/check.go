package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/CZERTAINLY/Applier/internal/log"
	"github.com/CZERTAINLY/Applier/internal/model"
	"github.com/CZERTAINLY/Applier/internal/parallel"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var ErrCheckFailed = errors.New("pre-flight check failed")

var (
	flagCheckJobs    string
	flagCheckLimit   int
	flagCheckTimeout time.Duration
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "check validates the job list and probes every target",
	RunE:  doCheck,
}

func init() {
	flags := checkCmd.Flags()
	flags.StringVar(&flagCheckJobs, "jobs", "jobs.json", "JSON list of jobs to check")
	flags.IntVar(&flagCheckLimit, "concurrency", 8, "targets probed at once")
	flags.DurationVar(&flagCheckTimeout, "timeout", 15*time.Second, "per target timeout")
}

func doCheck(cmd *cobra.Command, _ []string) error {
	attrs := slog.Group("applier",
		slog.String("cmd", "check"),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)

	jobs, err := readJobs(flagCheckJobs)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "checking jobs",
		"jobs", len(jobs),
		"max_concurrent", config.Batch.Ceiling(),
		"executor", config.Worker.Executor,
	)

	client := &http.Client{Timeout: flagCheckTimeout}
	probe := func(ctx context.Context, j model.Job) (int, error) {
		return headProbe(ctx, client, config.Worker.Probe.UserAgent, j)
	}
	results := parallel.NewMap(flagCheckLimit, probe).Collect(ctx, slices.Values(jobs))

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("#", "Company", "Target", "Check")
	var failed int
	for _, r := range results {
		j := jobs[r.Index]
		state := strconv.Itoa(r.Value)
		if r.Err != nil {
			failed++
			state = r.Err.Error()
		}
		if err := table.Append(strconv.Itoa(j.Index+1), j.Name, j.Target, state); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d targets", ErrCheckFailed, failed, len(jobs))
	}
	return nil
}

// headProbe checks that the target is a valid http url which answers
// with a non error status.
func headProbe(ctx context.Context, client *http.Client, userAgent string, j model.Job) (int, error) {
	if err := j.Validate(); err != nil {
		return 0, err
	}
	u, err := url.Parse(j.Target)
	if err != nil {
		return 0, fmt.Errorf("invalid target: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return 0, fmt.Errorf("invalid target: %q is not an http url", j.Target)
	}

	status, err := request(ctx, client, http.MethodHead, userAgent, j.Target)
	if err == nil && status == http.StatusMethodNotAllowed {
		status, err = request(ctx, client, http.MethodGet, userAgent, j.Target)
	}
	if err != nil {
		return 0, err
	}
	if status >= 400 {
		return status, fmt.Errorf("HTTP %d", status)
	}
	return status, nil
}

func request(ctx context.Context, client *http.Client, method, userAgent, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return 0, err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}
