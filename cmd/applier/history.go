package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/CZERTAINLY/Applier/internal/history"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var flagHistoryLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "history lists recent batch runs",
	RunE:  doHistory,
}

func init() {
	historyCmd.Flags().IntVar(&flagHistoryLimit, "limit", 10, "number of runs to list")
}

func doHistory(cmd *cobra.Command, _ []string) error {
	if config.Report.History == "" {
		return errors.New("report.history is not configured")
	}
	store, err := history.Open(cmd.Context(), config.Report.History)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()
	runs, err := store.Runs(cmd.Context(), flagHistoryLimit)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Run", "Started", "Duration", "Jobs", "Successful", "Blocked", "Failed", "Timeouts", "Rate")
	for _, r := range runs {
		started := r.Started.Local().Format(time.DateTime)
		if r.Interrupted {
			started += " (interrupted)"
		}
		err := table.Append(
			r.ID,
			started,
			r.Finished.Sub(r.Started).Round(time.Second).String(),
			strconv.Itoa(r.Stats.Total),
			strconv.Itoa(r.Stats.Successful),
			strconv.Itoa(r.Stats.Blocked),
			strconv.Itoa(r.Stats.Failed),
			strconv.Itoa(r.Stats.TimedOut),
			fmt.Sprintf("%.1f%%", r.Stats.SuccessRate*100),
		)
		if err != nil {
			return err
		}
	}
	return table.Render()
}
