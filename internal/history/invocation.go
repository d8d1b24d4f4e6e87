package history

import (
	"encoding/json"
	"time"

	"github.com/zsprackett/jobkit/internal/output"
)

// InvocationHeader is set on output stream replies to the id the request
// resolved to, so a client that asked for "current" or "last" can resume
// the same invocation.
const InvocationHeader = "X-Jobkit-Invocation"

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Invocation is one run of a job. A published Invocation is never mutated;
// completion produces a new value via Finish.
type Invocation struct {
	ID         string
	JobName    string
	Started    time.Time
	Complete   time.Time
	Status     Status
	Err        string
	Parameters map[string]string
	Output     *output.Buffer

	done chan struct{}
}

// New returns a running invocation with an empty output buffer.
func New(id, jobName string, started time.Time, params map[string]string) *Invocation {
	return &Invocation{
		ID:         id,
		JobName:    jobName,
		Started:    started,
		Status:     StatusRunning,
		Parameters: params,
		Output:     output.NewBuffer(),
		done:       make(chan struct{}),
	}
}

// Finish returns a completed copy sharing the output buffer and done channel.
func (ji *Invocation) Finish(complete time.Time, status Status, err error) *Invocation {
	finished := *ji
	finished.Complete = complete
	finished.Status = status
	if err != nil {
		finished.Err = err.Error()
	}
	return &finished
}

// MarkDone closes the channel returned by Done. It must be called once.
func (ji *Invocation) MarkDone() {
	if ji.done != nil {
		close(ji.done)
	}
}

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done is closed when the invocation has finished. Invocations restored
// from storage are always done.
func (ji *Invocation) Done() <-chan struct{} {
	if ji.done == nil {
		return closedDone
	}
	return ji.done
}

// Elapsed is the run time of a completed invocation, or the time since it
// started for a running one.
func (ji *Invocation) Elapsed() time.Duration {
	if !ji.Complete.IsZero() {
		return ji.Complete.Sub(ji.Started)
	}
	if ji.Started.IsZero() {
		return 0
	}
	return time.Since(ji.Started)
}

type invocationJSON struct {
	ID          string            `json:"id"`
	JobName     string            `json:"jobName"`
	Started     time.Time         `json:"started"`
	Complete    *time.Time        `json:"complete,omitempty"`
	Status      Status            `json:"status"`
	Err         string            `json:"err,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	ElapsedMS   int64             `json:"elapsedMs"`
	OutputBytes int               `json:"outputBytes"`
	Output      *output.Buffer    `json:"output,omitempty"`
}

func (ji *Invocation) toJSON(withOutput bool) invocationJSON {
	v := invocationJSON{
		ID:          ji.ID,
		JobName:     ji.JobName,
		Started:     ji.Started,
		Status:      ji.Status,
		Err:         ji.Err,
		Parameters:  ji.Parameters,
		ElapsedMS:   ji.Elapsed().Milliseconds(),
		OutputBytes: ji.Output.Len(),
	}
	if !ji.Complete.IsZero() {
		complete := ji.Complete
		v.Complete = &complete
	}
	if withOutput {
		v.Output = ji.Output
	}
	return v
}

func (ji *Invocation) MarshalJSON() ([]byte, error) {
	return json.Marshal(ji.toJSON(true))
}

func (ji *Invocation) UnmarshalJSON(data []byte) error {
	var v invocationJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	ji.ID = v.ID
	ji.JobName = v.JobName
	ji.Started = v.Started
	if v.Complete != nil {
		ji.Complete = *v.Complete
	}
	ji.Status = v.Status
	ji.Err = v.Err
	ji.Parameters = v.Parameters
	ji.Output = v.Output
	if ji.Output == nil {
		ji.Output = output.FromChunks(nil)
	}
	return nil
}

// Summary is the invocation without its output, for listings.
type Summary struct {
	*Invocation
}

func (s Summary) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Invocation.toJSON(false))
}

// Summaries wraps invocations for output-free marshaling.
func Summaries(invocations []*Invocation) []Summary {
	out := make([]Summary, len(invocations))
	for i, inv := range invocations {
		out[i] = Summary{inv}
	}
	return out
}
