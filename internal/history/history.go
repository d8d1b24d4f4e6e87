// Package history stores completed job invocations.
package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned for unknown invocations.
var ErrNotFound = errors.New("invocation not found")

// Provider is a store of completed invocations.
type Provider interface {
	Add(ctx context.Context, inv *Invocation) error
	// List returns a job's invocations, oldest first.
	List(ctx context.Context, jobName string) ([]*Invocation, error)
	Get(ctx context.Context, jobName, id string) (*Invocation, error)
	// Entries lists a job's invocations, oldest first, without loading
	// their output.
	Entries(ctx context.Context, jobName string) ([]Entry, error)
	// Cull keeps at most maxCount invocations no older than maxAge.
	// Zero disables either limit.
	Cull(ctx context.Context, jobName string, maxCount int, maxAge time.Duration) error
}

// Entry is a stored invocation without its output.
type Entry struct {
	ID          string
	JobName     string
	Started     time.Time
	Complete    time.Time
	Status      Status
	Err         string
	OutputBytes int
}

func (e Entry) Elapsed() time.Duration {
	if e.Complete.IsZero() {
		return 0
	}
	return e.Complete.Sub(e.Started)
}

// Entry returns the output-free view of ji.
func (ji *Invocation) Entry() Entry {
	return Entry{
		ID:          ji.ID,
		JobName:     ji.JobName,
		Started:     ji.Started,
		Complete:    ji.Complete,
		Status:      ji.Status,
		Err:         ji.Err,
		OutputBytes: ji.Output.Len(),
	}
}

var _ Provider = (*Memory)(nil)

// Memory is an in-process Provider.
type Memory struct {
	mu   sync.Mutex
	jobs map[string][]*Invocation
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string][]*Invocation),
		now:  time.Now,
	}
}

func (m *Memory) Add(_ context.Context, inv *Invocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.jobs[inv.JobName]
	for i, existing := range list {
		if existing.ID == inv.ID {
			list[i] = inv
			return nil
		}
	}
	list = append(list, inv)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Started.Before(list[j].Started) })
	m.jobs[inv.JobName] = list
	return nil
}

func (m *Memory) List(_ context.Context, jobName string) ([]*Invocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Invocation(nil), m.jobs[jobName]...), nil
}

func (m *Memory) Entries(_ context.Context, jobName string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.jobs[jobName]
	entries := make([]Entry, len(list))
	for i, inv := range list {
		entries[i] = inv.Entry()
	}
	return entries, nil
}

func (m *Memory) Get(_ context.Context, jobName, id string) (*Invocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.jobs[jobName] {
		if inv.ID == id {
			return inv, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Cull(_ context.Context, jobName string, maxCount int, maxAge time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.jobs[jobName]
	now := m.now()
	var kept []*Invocation
	for i, inv := range list {
		if maxCount > 0 && i < len(list)-maxCount {
			continue
		}
		if maxAge > 0 && now.Sub(inv.Started) > maxAge {
			continue
		}
		kept = append(kept, inv)
	}
	m.jobs[jobName] = kept
	return nil
}
