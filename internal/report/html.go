package report

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"os"
	"time"

	"github.com/CZERTAINLY/Applier/internal/model"
)

//go:embed report.html.tmpl
var htmlSource string

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"seconds": func(s float64) string {
		return time.Duration(s * float64(time.Second)).Round(time.Second).String()
	},
	"percent": func(f float64) string { return fmt.Sprintf("%.1f%%", f) },
	"ordinal": func(i int) int { return i + 1 },
	"note":    note,
}).Parse(htmlSource))

// HTML saves batch_report_<stamp>.html with the supervisor log embedded.
type HTML struct {
	rootDir
	supervisorLog string
}

func NewHTML(dir, supervisorLog string) (*HTML, error) {
	d, err := openRoot(dir)
	if err != nil {
		return nil, err
	}
	return &HTML{rootDir: d, supervisorLog: supervisorLog}, nil
}

type htmlData struct {
	Document
	Started       time.Time
	Duration      time.Duration
	SupervisorLog string
}

func (h *HTML) Emit(ctx context.Context, run model.BatchRun) error {
	data := htmlData{
		Document: NewDocument(run),
		Started:  run.Start,
		Duration: run.Duration().Round(time.Second),
	}
	if h.supervisorLog != "" {
		b, err := os.ReadFile(h.supervisorLog)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return fmt.Errorf("reading supervisor log: %w", err)
		default:
			data.SupervisorLog = string(b)
		}
	}

	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, data); err != nil {
		return fmt.Errorf("rendering html report: %w", err)
	}
	_, err := h.save(ctx, "batch_report_"+Stamp(run)+".html", buf.Bytes())
	return err
}
