// Package handoff moves a worker Result to the supervisor through files.
//
// A worker writes result_<index>.json into a shared directory. The write goes
// to a temporary file which is synced and renamed, so a reader never sees a
// partial file. The supervisor takes the file exactly once: reading deletes
// it, including a malformed one. A missing file means the worker did not
// report, which is the normal outcome of a killed worker.
//
// Every worker owns the file of its index, so no two writers meet. The
// directory lock only keeps two supervisors from sharing one index space.
package handoff

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/CZERTAINLY/Applier/internal/model"
	"github.com/gofrs/flock"
)

var (
	ErrNoResult  = errors.New("no result")
	ErrMalformed = errors.New("malformed result")
	ErrLocked    = errors.New("results directory is used by another batch")
)

const lockName = ".applier.lock"

var staleRx = regexp.MustCompile(`^(result_\d+\.json|\.result_\d+\.\d+\.tmp)$`)

type Dir struct {
	path string
	root *os.Root
	lock *flock.Flock
}

// Open creates the directory if needed.
func Open(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating results directory: %w", err)
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, fmt.Errorf("opening results directory: %w", err)
	}
	return &Dir{path: path, root: root}, nil
}

func Name(index int) string {
	return fmt.Sprintf("result_%03d.json", index)
}

func (d *Dir) Path() string {
	return d.path
}

// ResultPath is where the worker of index reports.
func (d *Dir) ResultPath(index int) string {
	return filepath.Join(d.path, Name(index))
}

// Write stores r under its job index.
func (d *Dir) Write(r model.Result) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	name := Name(r.JobIndex)
	tmp := fmt.Sprintf(".result_%03d.%d.tmp", r.JobIndex, os.Getpid())

	f, err := d.root.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	_, err = f.Write(b)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = d.root.Remove(tmp)
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := d.root.Rename(tmp, name); err != nil {
		_ = d.root.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

// Take reads and deletes the result of index. It returns ErrNoResult when
// there is nothing to read and an error wrapping ErrMalformed when the file
// does not hold a Result. The file is gone afterwards in both cases.
func (d *Dir) Take(index int) (model.Result, error) {
	name := Name(index)
	b, err := d.root.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return model.Result{}, ErrNoResult
	}
	if err != nil {
		return model.Result{}, fmt.Errorf("reading %s: %w", name, err)
	}
	if err := d.root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("consumed result not removed", "path", d.ResultPath(index), "error", err)
	}

	var r model.Result
	if err := json.Unmarshal(b, &r); err != nil {
		return model.Result{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	switch r.Status {
	case model.StatusSuccess, model.StatusFailed, model.StatusTimeout:
	default:
		return model.Result{}, fmt.Errorf("%w: unknown status %q", ErrMalformed, r.Status)
	}
	return r, nil
}

// Purge removes results and temporary files left by a previous run.
func (d *Dir) Purge() ([]string, error) {
	entries, err := fs.ReadDir(d.root.FS(), ".")
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", d.path, err)
	}
	var removed []string
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !staleRx.MatchString(e.Name()) {
			continue
		}
		if err := d.root.Remove(e.Name()); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, e.Name())
	}
	return removed, errors.Join(errs...)
}

// Lock marks the directory as used by this process until Close.
func (d *Dir) Lock() error {
	if d.lock != nil {
		return nil
	}
	l := flock.New(filepath.Join(d.path, lockName))
	ok, err := l.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", d.path, err)
	}
	if !ok {
		return ErrLocked
	}
	d.lock = l
	return nil
}

func (d *Dir) Close() error {
	var errs []error
	if d.lock != nil {
		errs = append(errs, d.lock.Unlock())
		d.lock = nil
	}
	if d.root != nil {
		errs = append(errs, d.root.Close())
		d.root = nil
	}
	return errors.Join(errs...)
}
