// Package workertest provides an in-memory worker.Launcher. Its processes
// are goroutines driven by timers, so tests can run them in a synctest
// bubble.
package workertest

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/CZERTAINLY/Applier/internal/handoff"
	"github.com/CZERTAINLY/Applier/internal/model"
	"github.com/CZERTAINLY/Applier/internal/worker"
)

// Behavior scripts one fake process.
type Behavior struct {
	// Run is how long the process works before it reports and exits.
	Run time.Duration
	// Hang makes the process run until killed.
	Hang bool
	// IgnoreKill makes Kill a no-op. Close releases such a process.
	IgnoreKill bool
	ExitCode   int
	// Report returns the result file content, nil means no file.
	Report   func(job model.Job) []byte
	SpawnErr error
}

func Succeed(after time.Duration) Behavior {
	return Behavior{Run: after, Report: ResultJSON(model.StatusSuccess, nil)}
}

func Blocked(after time.Duration, blocker string) Behavior {
	return Behavior{Run: after, Report: ResultJSON(model.StatusSuccess, &model.Details{
		Classification: model.ClassBlocked,
		BlockerType:    blocker,
	})}
}

// Crash exits without a result file.
func Crash(after time.Duration) Behavior {
	return Behavior{Run: after, ExitCode: 1}
}

// Garbage writes a truncated result file and exits 0.
func Garbage(after time.Duration) Behavior {
	return Behavior{Run: after, Report: func(model.Job) []byte {
		return []byte(`{"status": "succ`)
	}}
}

func Hang() Behavior {
	return Behavior{Hang: true}
}

func ResultJSON(status model.Status, details *model.Details) func(model.Job) []byte {
	return func(job model.Job) []byte {
		b, err := json.Marshal(model.Result{
			Status:      status,
			JobIndex:    job.Index,
			CompanyName: job.Name,
			JobURL:      job.Target,
			Details:     details,
		})
		if err != nil {
			panic(err)
		}
		return b
	}
}

type Launcher struct {
	Dir *handoff.Dir
	// Behave picks the behavior of a launched job, nil means Succeed(time.Second).
	Behave func(spec worker.Spec) Behavior

	mx         sync.Mutex
	nextPid    int
	running    int
	maxRunning int
	launched   []int
	stop       chan struct{}
	closeOnce  sync.Once
}

func (l *Launcher) Launch(_ context.Context, spec worker.Spec) (worker.Process, error) {
	b := Succeed(time.Second)
	if l.Behave != nil {
		b = l.Behave(spec)
	}
	if b.SpawnErr != nil {
		return nil, b.SpawnErr
	}

	l.mx.Lock()
	if l.stop == nil {
		l.stop = make(chan struct{})
	}
	l.nextPid++
	l.running++
	l.maxRunning = max(l.maxRunning, l.running)
	l.launched = append(l.launched, spec.Job.Index)
	p := &Process{
		l:    l,
		pid:  1000 + l.nextPid,
		job:  spec.Job,
		b:    b,
		code: -1,
		done: make(chan struct{}),
		kill: make(chan struct{}),
		stop: l.stop,
	}
	l.mx.Unlock()

	go p.run()
	return p, nil
}

// MaxRunning is the highest number of processes alive at once.
func (l *Launcher) MaxRunning() int {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.maxRunning
}

func (l *Launcher) Running() int {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.running
}

// Launched lists job indexes in launch order.
func (l *Launcher) Launched() []int {
	l.mx.Lock()
	defer l.mx.Unlock()
	return append([]int(nil), l.launched...)
}

// Close ends every process still alive, including those ignoring Kill.
func (l *Launcher) Close() {
	l.mx.Lock()
	if l.stop == nil {
		l.stop = make(chan struct{})
	}
	stop := l.stop
	l.mx.Unlock()
	l.closeOnce.Do(func() { close(stop) })
}

type Process struct {
	l   *Launcher
	pid int
	job model.Job
	b   Behavior

	mx       sync.Mutex
	code     int
	done     chan struct{}
	kill     chan struct{}
	stop     chan struct{}
	killOnce sync.Once
}

func (p *Process) run() {
	var timer <-chan time.Time
	if !p.b.Hang {
		t := time.NewTimer(p.b.Run)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-timer:
		if p.b.Report != nil && p.l.Dir != nil {
			_ = os.WriteFile(p.l.Dir.ResultPath(p.job.Index), p.b.Report(p.job), 0o644)
		}
		p.finish(p.b.ExitCode)
	case <-p.kill:
		p.finish(-1)
	case <-p.stop:
		p.finish(-1)
	}
}

func (p *Process) finish(code int) {
	p.mx.Lock()
	p.code = code
	p.mx.Unlock()
	p.l.mx.Lock()
	p.l.running--
	p.l.mx.Unlock()
	close(p.done)
}

func (p *Process) Pid() int {
	return p.pid
}

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) ExitCode() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.code
}

func (p *Process) Kill() error {
	if p.b.IgnoreKill {
		return nil
	}
	p.killOnce.Do(func() { close(p.kill) })
	return nil
}

func (p *Process) Wait(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
		return worker.ErrWaitTimeout
	}
}
