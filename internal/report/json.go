package report

import (
	"context"
	"encoding/json"

	"github.com/CZERTAINLY/Applier/internal/model"
)

// JSON saves batch_report_<stamp>.json.
type JSON struct {
	rootDir
}

func NewJSON(dir string) (*JSON, error) {
	d, err := openRoot(dir)
	if err != nil {
		return nil, err
	}
	return &JSON{rootDir: d}, nil
}

func (j *JSON) Emit(ctx context.Context, run model.BatchRun) error {
	b, err := json.MarshalIndent(NewDocument(run), "", "  ")
	if err != nil {
		return err
	}
	_, err = j.save(ctx, "batch_report_"+Stamp(run)+".json", b)
	return err
}
