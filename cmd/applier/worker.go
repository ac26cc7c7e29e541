package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/CZERTAINLY/Applier/internal/executor"
	"github.com/CZERTAINLY/Applier/internal/handoff"
	"github.com/CZERTAINLY/Applier/internal/log"
	"github.com/CZERTAINLY/Applier/internal/model"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:    "_worker",
	Short:  "internal command",
	Args:   cobra.ExactArgs(3),
	RunE:   doWorker,
	Hidden: true,
}

// doWorker runs one job: _worker <job json> <run config json> <index>.
func doWorker(cmd *cobra.Command, args []string) error {
	attrs := slog.Group("applier",
		slog.String("cmd", "_worker"),
		slog.Int("pid", os.Getpid()),
	)
	ctx := log.ContextAttrs(cmd.Context(), attrs)

	var job model.Job
	if err := json.Unmarshal([]byte(args[0]), &job); err != nil {
		return fmt.Errorf("parsing job: %w", err)
	}
	var rc model.RunConfig
	if err := json.Unmarshal([]byte(args[1]), &rc); err != nil {
		return fmt.Errorf("parsing run config: %w", err)
	}
	index, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("parsing job index: %w", err)
	}
	if index != job.Index {
		return fmt.Errorf("job index %d does not match argument %d", job.Index, index)
	}

	dir, err := handoff.Open(config.Worker.ResultsDir)
	if err != nil {
		return err
	}
	defer func() {
		_ = dir.Close()
	}()

	ex, err := executor.New(config.Worker)
	if err != nil {
		// the supervisor learns why from the result
		r := model.NewErrorResult(job, model.StatusFailed, "Initializing executor: "+err.Error(), 0)
		if werr := dir.Write(r); werr != nil {
			slog.ErrorContext(ctx, "writing result", "error", werr)
		}
		return err
	}

	if code := executor.Run(ctx, ex, job, rc, dir, config.Worker.LogsDir); code != 0 {
		return exitCode(code)
	}
	return nil
}
