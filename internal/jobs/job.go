package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zsprackett/jobkit/internal/config"
	"github.com/zsprackett/jobkit/internal/history"
)

// Action does the work of one invocation, writing output to inv.Output.
type Action func(ctx context.Context, inv *history.Invocation) error

// Middleware wraps every action the manager runs.
type Middleware func(next Action) Action

// Job is a named action with an optional schedule.
type Job struct {
	cfg      config.JobConfig
	schedule cron.Schedule
	action   Action
}

type JobOption func(*Job)

// WithSchedule overrides the schedule parsed from the config.
func WithSchedule(s cron.Schedule) JobOption {
	return func(j *Job) { j.schedule = s }
}

// NewJob validates cfg and parses its schedule.
func NewJob(cfg config.JobConfig, action Action, opts ...JobOption) (*Job, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if action == nil {
		return nil, fmt.Errorf("job %s: action is required", cfg.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	j := &Job{cfg: cfg, action: action}
	if cfg.Schedule != "" {
		s, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("job %s: parse schedule %q: %w", cfg.Name, cfg.Schedule, err)
		}
		j.schedule = s
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

func (j *Job) Name() string                   { return j.cfg.Name }
func (j *Job) Description() string            { return j.cfg.Description }
func (j *Job) Labels() map[string]string      { return j.cfg.Labels }
func (j *Job) Parameters() []config.Parameter { return j.cfg.Parameters }
func (j *Job) Config() config.JobConfig       { return j.cfg }

// Schedule returns nil for on-demand jobs.
func (j *Job) Schedule() cron.Schedule { return j.schedule }

func (j *Job) Timeout() time.Duration { return j.cfg.Timeout.Std() }
