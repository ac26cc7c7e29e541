package model

import (
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	ExecutorProbe   = "probe"
	ExecutorCommand = "command"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Batch   Batch   `json:"batch" yaml:"batch"`
	Worker  Worker  `json:"worker" yaml:"worker"`
	Report  Report  `json:"report" yaml:"report"`
	Service Service `json:"service" yaml:"service"`
}

// Batch controls the process pool.
type Batch struct {
	MaxConcurrent    int         `json:"max_concurrent" yaml:"max_concurrent"` // 0 => auto
	Concurrency      Concurrency `json:"concurrency" yaml:"concurrency"`
	TimeoutMinutes   int         `json:"timeout_minutes" yaml:"timeout_minutes"`
	PollInterval     Duration    `json:"poll_interval" yaml:"poll_interval"`
	KillWait         Duration    `json:"kill_wait" yaml:"kill_wait"`
	CollectWait      Duration    `json:"collect_wait" yaml:"collect_wait"`
	SuccessThreshold float64     `json:"success_threshold" yaml:"success_threshold"`
	Retries          int         `json:"retries" yaml:"retries"`
	StartRate        float64     `json:"start_rate" yaml:"start_rate"` // workers per second, 0 => unlimited
	SkipGeneration   bool        `json:"skip_generation" yaml:"skip_generation"`
	Headless         bool        `json:"headless" yaml:"headless"`
	Resume           bool        `json:"resume" yaml:"resume"`
}

// Concurrency is the automatic ceiling. Cheap applies when document
// generation is skipped, expensive otherwise.
type Concurrency struct {
	Cheap     int `json:"cheap" yaml:"cheap"`
	Expensive int `json:"expensive" yaml:"expensive"`
}

// Ceiling returns the effective max_concurrent.
func (b Batch) Ceiling() int {
	switch {
	case b.MaxConcurrent > 0:
		return b.MaxConcurrent
	case b.SkipGeneration:
		return b.Concurrency.Cheap
	default:
		return b.Concurrency.Expensive
	}
}

func (b Batch) Timeout() time.Duration {
	return time.Duration(b.TimeoutMinutes) * time.Minute
}

func (b Batch) RunConfig() RunConfig {
	return RunConfig{
		SkipGeneration: b.SkipGeneration,
		Headless:       b.Headless,
		TimeoutMinutes: b.TimeoutMinutes,
	}
}

// Worker describes how a single job is executed.
type Worker struct {
	ResultsDir string   `json:"results_dir" yaml:"results_dir"`
	LogsDir    string   `json:"logs_dir" yaml:"logs_dir"`
	Executor   string   `json:"executor" yaml:"executor"` // "probe" | "command"
	Command    *Command `json:"command,omitempty" yaml:"command,omitempty"`
	Probe      Probe    `json:"probe" yaml:"probe"`
}

// Command is an external work unit. It gets the job as JSON on stdin and
// prints Details as JSON on stdout.
type Command struct {
	Path string            `json:"path" yaml:"path"`
	Args []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty" yaml:"env,omitempty"` // $VAR and keyring:account are expanded
}

// Probe fetches the target page and looks for blocker markers.
type Probe struct {
	UserAgent string   `json:"user_agent" yaml:"user_agent"`
	Blockers  []string `json:"blockers" yaml:"blockers"`
}

type Report struct {
	Dir     string   `json:"dir" yaml:"dir"`
	HTMLDir string   `json:"html_dir" yaml:"html_dir"`
	History string   `json:"history,omitempty" yaml:"history,omitempty"` // sqlite file
	Webhook *Webhook `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

// Webhook receives the JSON report.
type Webhook struct {
	URL   string `json:"url" yaml:"url"`
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

type Service struct {
	Mode        string         `json:"mode" yaml:"mode"` // "manual" | "timer"
	Verbose     bool           `json:"verbose" yaml:"verbose"`
	MetricsAddr string         `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`
	Schedule    *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// TimerSchedule is either a cron expression or an ISO-8601 duration.
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// DefaultConfig mirrors the defaults of the embedded schema.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Batch: Batch{
			Concurrency:      Concurrency{Cheap: 10, Expensive: 3},
			TimeoutMinutes:   30,
			PollInterval:     "2s",
			KillWait:         "5s",
			CollectWait:      "10s",
			SuccessThreshold: 0.5,
		},
		Worker: Worker{
			ResultsDir: "logs",
			LogsDir:    "logs/company_logs",
			Executor:   ExecutorProbe,
			Probe: Probe{
				UserAgent: "applier/0",
				Blockers: []string{
					"captcha",
					"verify you are human",
					"no longer accepting",
					"position has been filled",
					"job has expired",
				},
			},
		},
		Report: Report{
			Dir:     "logs",
			HTMLDir: "reports",
		},
		Service: Service{
			Mode: ServiceModeManual,
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	if err := out.check(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// check covers the cross field rules the schema does not express.
func (c Config) check() error {
	if c.Worker.Executor == ExecutorCommand && (c.Worker.Command == nil || c.Worker.Command.Path == "") {
		return ErrNoCommand
	}
	if c.Service.Mode == ServiceModeTimer {
		if c.Service.Schedule == nil || (c.Service.Schedule.Cron == "" && c.Service.Schedule.Duration == "") {
			return ErrNoSchedule
		}
	}
	if c.Batch.PollInterval.Value() <= 0 {
		return fmt.Errorf("batch.poll_interval must be positive: got %q", c.Batch.PollInterval)
	}
	return nil
}
