package jobs

import (
	"context"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/zsprackett/jobkit/internal/config"
	"github.com/zsprackett/jobkit/internal/history"
)

// JobStatus is the API view of one job.
type JobStatus struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Labels      map[string]string  `json:"labels,omitempty"`
	Schedule    string             `json:"schedule,omitempty"`
	NextRuntime *time.Time         `json:"nextRuntime,omitempty"`
	Disabled    bool               `json:"disabled"`
	Parameters  []config.Parameter `json:"parameters,omitempty"`
	Current     *history.Summary   `json:"current,omitempty"`
	Last        *history.Summary   `json:"last,omitempty"`
	Stats       JobStats           `json:"stats"`
}

// Status is the API view of the manager.
type Status struct {
	Paused  bool        `json:"paused"`
	Running int         `json:"running"`
	Jobs    []JobStatus `json:"jobs"`
}

func (m *Manager) jobStatus(ctx context.Context, mj *managedJob) JobStatus {
	m.mu.Lock()
	js := JobStatus{
		Name:        mj.job.Name(),
		Description: mj.job.Description(),
		Labels:      mj.job.Labels(),
		Schedule:    mj.job.cfg.Schedule,
		Disabled:    mj.disabled,
		Parameters:  mj.job.Parameters(),
	}
	if !mj.nextRuntime.IsZero() {
		next := mj.nextRuntime
		js.NextRuntime = &next
	}
	if mj.current != nil {
		js.Current = &history.Summary{Invocation: mj.current}
	}
	if mj.last != nil {
		js.Last = &history.Summary{Invocation: mj.last}
	}
	m.mu.Unlock()

	if entries, err := m.history.Entries(ctx, js.Name); err == nil {
		js.Stats = ComputeStats(entries)
	} else {
		m.logger.Warn("load history for stats", "job", js.Name, "err", err)
	}
	return js
}

// JobStatus returns the status of one job.
func (m *Manager) JobStatus(ctx context.Context, name string) (JobStatus, error) {
	m.mu.Lock()
	mj, ok := m.jobs[name]
	m.mu.Unlock()
	if !ok {
		return JobStatus{}, ErrJobNotFound
	}
	return m.jobStatus(ctx, mj), nil
}

// Status returns every job matching sel, sorted by name. A nil sel matches
// every job.
func (m *Manager) Status(ctx context.Context, sel Selector) Status {
	if sel == nil {
		sel = Everything
	}
	m.mu.Lock()
	paused := m.paused
	managed := lo.Filter(lo.Values(m.jobs), func(mj *managedJob, _ int) bool {
		return sel(mj.job.Labels())
	})
	m.mu.Unlock()

	sort.Slice(managed, func(i, j int) bool { return managed[i].job.Name() < managed[j].job.Name() })
	st := Status{Paused: paused, Jobs: make([]JobStatus, 0, len(managed))}
	for _, mj := range managed {
		js := m.jobStatus(ctx, mj)
		if js.Current != nil {
			st.Running++
		}
		st.Jobs = append(st.Jobs, js)
	}
	return st
}

// Running returns the running invocations sorted by start time.
func (m *Manager) Running() []*history.Invocation {
	m.mu.Lock()
	running := lo.FilterMap(lo.Values(m.jobs), func(mj *managedJob, _ int) (*history.Invocation, bool) {
		return mj.current, mj.current != nil
	})
	m.mu.Unlock()
	sort.Slice(running, func(i, j int) bool { return running[i].Started.Before(running[j].Started) })
	return running
}
