package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Applier/internal/model"
	"github.com/olekukonko/tablewriter"
)

const rule = "================================================================================"

// Text saves batch_summary_<stamp>.txt and prints it to out.
type Text struct {
	rootDir
	out io.Writer
}

// NewText returns a text emitter. A nil out only saves the file.
func NewText(dir string, out io.Writer) (*Text, error) {
	d, err := openRoot(dir)
	if err != nil {
		return nil, err
	}
	return &Text{rootDir: d, out: out}, nil
}

func (t *Text) Emit(ctx context.Context, run model.BatchRun) error {
	var buf bytes.Buffer
	if err := Summary(&buf, run); err != nil {
		return err
	}
	if _, err := t.save(ctx, "batch_summary_"+Stamp(run)+".txt", buf.Bytes()); err != nil {
		return err
	}
	if t.out != nil {
		_, err := t.out.Write(buf.Bytes())
		return err
	}
	return nil
}

// Summary writes the human readable summary of run.
func Summary(w io.Writer, run model.BatchRun) error {
	s := run.Stats()
	results := run.Sorted()

	var b strings.Builder
	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, "BATCH JOB APPLICATION - SUMMARY REPORT")
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Run:          %s\n", run.ID)
	fmt.Fprintf(&b, "Started:      %s\n", run.Start.Format(time.DateTime))
	fmt.Fprintf(&b, "Finished:     %s\n", run.End.Format(time.DateTime))
	fmt.Fprintf(&b, "Duration:     %s\n", run.Duration().Round(time.Second))
	if run.Interrupted {
		fmt.Fprintln(&b, "Interrupted:  yes")
	}
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "STATISTICS")
	fmt.Fprintf(&b, "Total jobs:   %d\n", s.Total)
	fmt.Fprintf(&b, "Successful:   %d\n", s.Successful)
	fmt.Fprintf(&b, "Blocked:      %d\n", s.Blocked)
	fmt.Fprintf(&b, "Failed:       %d\n", s.Failed)
	fmt.Fprintf(&b, "Timeouts:     %d\n", s.TimedOut)
	fmt.Fprintf(&b, "Success rate: %.1f%%\n", s.SuccessRate*100)

	if blockers := blockerCounts(results); len(blockers) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "BLOCKERS")
		for _, k := range slices.Sorted(maps.Keys(blockers)) {
			fmt.Fprintf(&b, "%s: %d\n", k, blockers[k])
		}
	}
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "RESULTS")
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("#", "Company", "Outcome", "Duration", "Attempts", "Note")
	for _, r := range results {
		err := table.Append(
			strconv.Itoa(r.JobIndex+1),
			r.CompanyName,
			string(r.Outcome()),
			(time.Duration(r.DurationSeconds * float64(time.Second))).Round(time.Second).String(),
			strconv.Itoa(max(r.Attempts, 1)),
			note(r),
		)
		if err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	b.Reset()
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "LOGS")
	for _, r := range results {
		if r.LogFile != "" {
			fmt.Fprintf(&b, "%03d %s: %s\n", r.JobIndex+1, r.CompanyName, r.LogFile)
		}
	}
	fmt.Fprintln(&b, rule)
	_, err := io.WriteString(w, b.String())
	return err
}

func blockerCounts(results []model.Result) map[string]int {
	ret := make(map[string]int)
	for _, r := range results {
		if r.Outcome() == model.OutcomeBlocked && r.Details != nil {
			ret[blockerName(r.Details)]++
		}
	}
	return ret
}

func blockerName(d *model.Details) string {
	if d.BlockerType == "" {
		return "unspecified"
	}
	return strings.ReplaceAll(d.BlockerType, "_", " ")
}

func note(r model.Result) string {
	switch {
	case r.Error != "":
		return r.Error
	case r.Outcome() == model.OutcomeBlocked:
		return blockerName(r.Details)
	case r.Details != nil:
		return r.Details.Reason
	}
	return ""
}
