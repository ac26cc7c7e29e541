package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Applier/internal/model"
	"github.com/zalando/go-keyring"
)

// KeyringService is the keyring service holding secrets referenced as
// keyring:<account> in the command environment.
const KeyringService = "applier"

const keyringPrefix = "keyring:"

// Command runs an external program for each job. The program gets the job
// and run config as JSON on stdin, logs to stderr and may print Details
// as JSON on stdout.
type Command struct {
	Path string
	Args []string
	Env  []string
}

type commandInput struct {
	Job    model.Job       `json:"job"`
	Config model.RunConfig `json:"config"`
}

func NewCommand(cfg model.Command) (Command, error) {
	if cfg.Path == "" {
		return Command{}, model.ErrNoCommand
	}
	env, err := expandEnv(cfg.Env)
	if err != nil {
		return Command{}, err
	}
	return Command{
		Path: cfg.Path,
		Args: slices.Clone(cfg.Args),
		Env:  env,
	}, nil
}

func expandEnv(vars map[string]string) ([]string, error) {
	env := make([]string, 0, len(vars))
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		v := vars[k]
		switch {
		case strings.HasPrefix(v, keyringPrefix):
			secret, err := keyring.Get(KeyringService, strings.TrimPrefix(v, keyringPrefix))
			if err != nil {
				return nil, fmt.Errorf("reading %s from keyring: %w", k, err)
			}
			v = secret
		case strings.HasPrefix(v, "$"):
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return env, nil
}

func (c Command) Execute(ctx context.Context, job model.Job, cfg model.RunConfig, logger *slog.Logger) (model.Details, error) {
	stdin, err := json.Marshal(commandInput{Job: job, Config: cfg})
	if err != nil {
		return model.Details{}, err
	}
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env,
		"APPLIER_JOB_INDEX="+strconv.Itoa(job.Index),
		"APPLIER_HEADLESS="+strconv.FormatBool(cfg.Headless),
		"APPLIER_SKIP_GENERATION="+strconv.FormatBool(cfg.SkipGeneration),
	)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.WaitDelay = 5 * time.Second
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	// stderr goes through a pipe of our own so WaitDelay still bounds Wait
	// when a grandchild keeps the descriptor open
	pr, pw := io.Pipe()
	cmd.Stderr = pw
	lastLine := make(chan string, 1)
	go func() { lastLine <- processStderr(ctx, pr, logger) }()

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		<-lastLine
		return model.Details{}, fmt.Errorf("starting %s: %w", c.Path, err)
	}
	logger.DebugContext(ctx, "command started", "path", c.Path, "pid", cmd.Process.Pid)
	err = cmd.Wait()
	_ = pw.Close()
	last := <-lastLine

	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.Details{}, fmt.Errorf("%s: %w", c.Path, ctxErr)
	}
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		msg := fmt.Sprintf("%s exited with code %d", c.Path, exitErr.ExitCode())
		if last != "" {
			msg += ": " + last
		}
		return model.Details{}, errors.New(msg)
	case err != nil:
		return model.Details{}, err
	}
	return parseDetails(stdout.Bytes())
}

// processStderr logs every stderr line and returns the last non-empty one.
func processStderr(ctx context.Context, stderr io.Reader, logger *slog.Logger) string {
	var last string
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		logger.InfoContext(ctx, "stderr", "line", line)
		if s := strings.TrimSpace(line); s != "" {
			last = s
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		logger.ErrorContext(ctx, "processing stderr", "error", err)
	}
	_, _ = io.Copy(io.Discard, stderr)
	return last
}

func parseDetails(stdout []byte) (model.Details, error) {
	stdout = bytes.TrimSpace(stdout)
	if len(stdout) == 0 {
		return model.Details{Classification: model.ClassSuccess}, nil
	}
	var d model.Details
	if err := json.Unmarshal(stdout, &d); err != nil {
		return model.Details{}, fmt.Errorf("invalid details on stdout: %w", err)
	}
	switch d.Classification {
	case "":
		d.Classification = model.ClassSuccess
	case model.ClassSuccess, model.ClassBlocked, model.ClassFailed:
	default:
		return model.Details{}, fmt.Errorf("invalid details on stdout: unknown classification %q", d.Classification)
	}
	return d, nil
}
