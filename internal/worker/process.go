package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/CZERTAINLY/Applier/internal/model"
	"github.com/shirou/gopsutil/v4/process"
)

var ErrWaitTimeout = errors.New("process did not exit in time")

// Spec is everything a worker process gets from the supervisor.
type Spec struct {
	Job    model.Job
	Config model.RunConfig
}

// Process is a started worker.
type Process interface {
	Pid() int
	// Exited reports without blocking whether the process is gone.
	Exited() bool
	// ExitCode is -1 while running or when the process was signaled.
	ExitCode() int
	// Kill terminates the process with all its descendants. Killing an
	// exited process is not an error.
	Kill() error
	// Wait blocks at most timeout for the process to exit.
	Wait(timeout time.Duration) error
}

type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher starts Path with Args followed by the job JSON, the run
// configuration JSON and the job index. The worker's stdout and stderr
// are not connected, it must log into its own file.
type ExecLauncher struct {
	Path string
	Args []string
	Env  []string // nil means the environment of the supervisor
}

// NewExecLauncher re-executes the running binary with the given arguments.
func NewExecLauncher(args ...string) (ExecLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return ExecLauncher{}, fmt.Errorf("locating executable: %w", err)
	}
	return ExecLauncher{Path: exe, Args: args}, nil
}

func (l ExecLauncher) Launch(_ context.Context, spec Spec) (Process, error) {
	job, err := json.Marshal(spec.Job)
	if err != nil {
		return nil, fmt.Errorf("marshaling job: %w", err)
	}
	cfg, err := json.Marshal(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("marshaling run config: %w", err)
	}
	args := append(slices.Clone(l.Args), string(job), string(cfg), strconv.Itoa(spec.Job.Index))

	// the supervisor owns the lifetime, so no CommandContext here
	cmd := exec.Command(l.Path, args...)
	cmd.Env = l.Env
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &execProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mx    sync.Mutex
	state *os.ProcessState
}

func (p *execProcess) wait() {
	_ = p.cmd.Wait()
	p.mx.Lock()
	p.state = p.cmd.ProcessState
	p.mx.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) ExitCode() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.state == nil {
		return -1
	}
	return p.state.ExitCode()
}

func (p *execProcess) Wait(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
		return ErrWaitTimeout
	}
}

func (p *execProcess) Kill() error {
	if p.Exited() {
		return nil
	}
	pid := p.Pid()
	// children first, they get reparented once the worker dies
	descendants := descendants(int32(pid))
	killGroup(pid)
	err := p.cmd.Process.Kill()
	for _, d := range descendants {
		_ = d.Kill()
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// descendants lists the process tree below pid. Browser helpers started
// by a worker may leave its process group, so the group kill is not enough.
func descendants(pid int32) []*process.Process {
	root, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	var ret []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			continue
		}
		ret = append(ret, children...)
		queue = append(queue, children...)
	}
	return ret
}
