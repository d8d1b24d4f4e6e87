package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/zsprackett/jobkit/internal/events"
	"github.com/zsprackett/jobkit/internal/history"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobAlreadyRunning = errors.New("job already running")
	ErrJobDisabled       = errors.New("job disabled")
	ErrManagerStopped    = errors.New("manager stopped")

	// ErrCancelled is the cause recorded when an invocation is cancelled
	// through CancelJob.
	ErrCancelled = errors.New("invocation cancelled")
	// ErrShutdown is the cause recorded when Stop cancels an invocation.
	ErrShutdown = errors.New("shutting down")
)

// Invocation ID aliases.
const (
	Current = "current"
	Last    = "last"
)

type managedJob struct {
	job         *Job
	disabled    bool
	current     *history.Invocation
	cancel      context.CancelCauseFunc
	last        *history.Invocation
	lastStatus  history.Status
	nextRuntime time.Time
}

// Manager runs jobs on demand and on their schedules, at most one
// invocation per job at a time.
type Manager struct {
	history     history.Provider
	broadcaster events.Broadcaster
	middleware  []Middleware
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	jobs    map[string]*managedJob
	paused  bool
	started bool
	stopped bool

	stop  chan struct{}
	loops sync.WaitGroup
	runs  sync.WaitGroup
}

// NewManager returns a manager recording completed invocations in provider.
// broadcaster may be nil.
func NewManager(provider history.Provider, broadcaster events.Broadcaster, logger *slog.Logger, middleware ...Middleware) *Manager {
	if provider == nil {
		provider = history.NewMemory()
	}
	return &Manager{
		history:     provider,
		broadcaster: broadcaster,
		middleware:  middleware,
		logger:      logger,
		now:         time.Now,
		jobs:        make(map[string]*managedJob),
		stop:        make(chan struct{}),
	}
}

// LoadJobs registers jobs. Names must be unique.
func (m *Manager) LoadJobs(jobs ...*Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range jobs {
		if _, ok := m.jobs[j.Name()]; ok {
			return fmt.Errorf("load job %s: duplicate name", j.Name())
		}
		m.jobs[j.Name()] = &managedJob{
			job:      j,
			disabled: j.cfg.DisabledOrDefault(),
		}
	}
	return nil
}

func (m *Manager) Job(name string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[name]
	if !ok {
		return nil, ErrJobNotFound
	}
	return mj.job, nil
}

// Jobs returns every job sorted by name.
func (m *Manager) Jobs() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := lo.MapToSlice(m.jobs, func(_ string, mj *managedJob) *Job { return mj.job })
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Start restores the last invocation of every job from history and starts
// a schedule loop for each scheduled job.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	managed := lo.Values(m.jobs)
	m.mu.Unlock()

	for _, mj := range managed {
		m.restore(ctx, mj)
		if mj.job.schedule == nil {
			continue
		}
		m.loops.Add(1)
		go m.scheduleLoop(ctx, mj)
	}
	m.logger.Info("job manager started", "jobs", len(managed))
}

// restore loads the newest invocation, the only one read with its output,
// and the status broken/fixed detection compares against.
func (m *Manager) restore(ctx context.Context, mj *managedJob) {
	name := mj.job.Name()
	entries, err := m.history.Entries(ctx, name)
	if err != nil {
		m.logger.Warn("restore history", "job", name, "err", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	last, err := m.history.Get(ctx, name, entries[len(entries)-1].ID)
	if err != nil {
		m.logger.Warn("restore last invocation", "job", name, "err", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if mj.last == nil {
		mj.last = last
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if s := entries[i].Status; s == history.StatusSuccess || s == history.StatusFailed {
			mj.lastStatus = s
			break
		}
	}
}

func (m *Manager) scheduleLoop(ctx context.Context, mj *managedJob) {
	defer m.loops.Done()
	name := mj.job.Name()
	for {
		next := mj.job.schedule.Next(m.now())
		m.mu.Lock()
		mj.nextRuntime = next
		m.mu.Unlock()

		timer := time.NewTimer(time.Until(next))
		select {
		case <-m.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if m.IsPaused() {
			m.logger.Debug("scheduled run skipped, paused", "job", name)
			continue
		}
		if _, err := m.RunJob(ctx, name, nil); err != nil {
			if errors.Is(err, ErrJobDisabled) {
				m.logger.Debug("scheduled run skipped", "job", name, "err", err)
			} else {
				m.logger.Warn("scheduled run skipped", "job", name, "err", err)
			}
		}
	}
}

// Stop ends the schedule loops and waits for running invocations. Each
// one gets its job's shutdown grace period before it is cancelled.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stop)
	type running struct {
		inv    *history.Invocation
		cancel context.CancelCauseFunc
		grace  time.Duration
	}
	var inflight []running
	for _, mj := range m.jobs {
		if mj.current != nil {
			inflight = append(inflight, running{mj.current, mj.cancel, mj.job.cfg.ShutdownGracePeriod.Std()})
		}
	}
	m.mu.Unlock()

	m.loops.Wait()
	for _, r := range inflight {
		go func() {
			if r.grace > 0 {
				timer := time.NewTimer(r.grace)
				defer timer.Stop()
				select {
				case <-r.inv.Done():
					return
				case <-timer.C:
				}
			}
			r.cancel(ErrShutdown)
		}()
	}
	m.runs.Wait()
	m.logger.Info("job manager stopped")
}

func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.logger.Info("schedules paused")
}

func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.logger.Info("schedules resumed")
}

func (m *Manager) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

func (m *Manager) IsRunning(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[name]
	return ok && mj.current != nil
}

// RunJob starts an invocation in the background and returns it. ctx only
// carries values such as a trace parent; its cancellation does not stop
// the invocation.
func (m *Manager) RunJob(ctx context.Context, name string, params map[string]string) (*history.Invocation, error) {
	m.mu.Lock()
	mj, ok := m.jobs[name]
	switch {
	case m.stopped:
		m.mu.Unlock()
		return nil, ErrManagerStopped
	case !ok:
		m.mu.Unlock()
		return nil, ErrJobNotFound
	case mj.disabled:
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", name, ErrJobDisabled)
	case mj.current != nil:
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", name, ErrJobAlreadyRunning)
	}
	resolved, err := ResolveParameters(mj.job.Parameters(), params)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	inv := history.New(uuid.NewString(), name, m.now().UTC(), resolved)
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	mj.current = inv
	mj.cancel = cancel
	m.runs.Add(1)
	m.mu.Unlock()

	m.logger.Info("job started", "job", name, "invocation", inv.ID)
	m.broadcast(events.ForInvocation(events.TypeStarted, inv, inv.Started))
	go m.execute(runCtx, cancel, mj, inv)
	return inv, nil
}

func (m *Manager) execute(ctx context.Context, cancel context.CancelCauseFunc, mj *managedJob, inv *history.Invocation) {
	defer m.runs.Done()
	defer cancel(nil)

	runCtx := ctx
	if timeout := mj.job.Timeout(); timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	action := mj.job.action
	for i := len(m.middleware) - 1; i >= 0; i-- {
		action = m.middleware[i](action)
	}

	err := safeRun(runCtx, action, inv)
	status := history.StatusSuccess
	if err != nil {
		status = history.StatusFailed
		cause := context.Cause(runCtx)
		switch {
		case errors.Is(cause, ErrCancelled), errors.Is(cause, ErrShutdown):
			status = history.StatusCancelled
			err = cause
		case errors.Is(cause, context.DeadlineExceeded):
			err = fmt.Errorf("timed out after %s: %w", mj.job.Timeout(), err)
		}
	}
	finished := inv.Finish(m.now().UTC(), status, err)

	m.mu.Lock()
	previous := mj.lastStatus
	mj.current = nil
	mj.cancel = nil
	mj.last = finished
	if status != history.StatusCancelled {
		mj.lastStatus = status
	}
	m.mu.Unlock()

	m.record(mj, finished)
	inv.Output.Close()
	defer finished.MarkDone()

	m.logger.Info("job complete", "job", finished.JobName, "invocation", finished.ID,
		"status", finished.Status, "elapsed", finished.Elapsed(), "err", finished.Err)

	m.broadcast(events.ForInvocation(eventType(status), finished, finished.Complete))
	switch {
	case previous == history.StatusSuccess && status == history.StatusFailed:
		m.broadcast(events.ForInvocation(events.TypeBroken, finished, finished.Complete))
	case previous == history.StatusFailed && status == history.StatusSuccess:
		m.broadcast(events.ForInvocation(events.TypeFixed, finished, finished.Complete))
	}
}

func (m *Manager) record(mj *managedJob, inv *history.Invocation) {
	cfg := mj.job.cfg
	if cfg.HistoryDisabledOrDefault() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.history.Add(ctx, inv); err != nil {
		m.logger.Warn("save invocation", "job", inv.JobName, "invocation", inv.ID, "err", err)
		return
	}
	if err := m.history.Cull(ctx, inv.JobName, cfg.HistoryMaxCountOrDefault(), cfg.HistoryMaxAge.Std()); err != nil {
		m.logger.Warn("cull history", "job", inv.JobName, "err", err)
	}
}

func safeRun(ctx context.Context, action Action, inv *history.Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return action(ctx, inv)
}

func eventType(s history.Status) string {
	switch s {
	case history.StatusSuccess:
		return events.TypeSuccess
	case history.StatusCancelled:
		return events.TypeCancelled
	default:
		return events.TypeFailed
	}
}

func (m *Manager) broadcast(e events.Event) {
	if m.broadcaster != nil {
		m.broadcaster.Broadcast(e)
	}
}

// CancelJob cancels the job's running invocation, if any.
func (m *Manager) CancelJob(name string) error {
	m.mu.Lock()
	mj, ok := m.jobs[name]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	cancel := mj.cancel
	m.mu.Unlock()
	if cancel != nil {
		m.logger.Info("cancelling job", "job", name)
		cancel(ErrCancelled)
	}
	return nil
}

func (m *Manager) EnableJob(name string) error {
	return m.setDisabled(name, false)
}

func (m *Manager) DisableJob(name string) error {
	return m.setDisabled(name, true)
}

func (m *Manager) setDisabled(name string, disabled bool) error {
	m.mu.Lock()
	mj, ok := m.jobs[name]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	changed := mj.disabled != disabled
	mj.disabled = disabled
	m.mu.Unlock()
	if !changed {
		return nil
	}
	typ := events.TypeEnabled
	if disabled {
		typ = events.TypeDisabled
	}
	m.logger.Info("job state changed", "job", name, "event", typ)
	m.broadcast(events.Event{Type: typ, JobName: name, Timestamp: m.now().UTC()})
	return nil
}

// Invocation finds an invocation by ID. "current" is the running
// invocation, or the last one when nothing is running; "last" is the most
// recently completed one.
func (m *Manager) Invocation(ctx context.Context, name, id string) (*history.Invocation, error) {
	m.mu.Lock()
	mj, ok := m.jobs[name]
	if !ok {
		m.mu.Unlock()
		return nil, ErrJobNotFound
	}
	current, last := mj.current, mj.last
	m.mu.Unlock()

	switch id {
	case Current:
		if current != nil {
			return current, nil
		}
		fallthrough
	case Last:
		if last != nil {
			return last, nil
		}
		return nil, history.ErrNotFound
	}
	if current != nil && current.ID == id {
		return current, nil
	}
	if last != nil && last.ID == id {
		return last, nil
	}
	return m.history.Get(ctx, name, id)
}

// History returns a job's completed invocations, oldest first.
func (m *Manager) History(ctx context.Context, name string) ([]*history.Invocation, error) {
	m.mu.Lock()
	mj, ok := m.jobs[name]
	if !ok {
		m.mu.Unlock()
		return nil, ErrJobNotFound
	}
	last := mj.last
	m.mu.Unlock()

	list, err := m.history.List(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 && last != nil {
		list = []*history.Invocation{last}
	}
	return list, nil
}
