package events

import (
	"time"

	"github.com/zsprackett/jobkit/internal/history"
)

// Event types, one per job lifecycle transition.
const (
	TypeStarted   = "job.started"
	TypeSuccess   = "job.success"
	TypeFailed    = "job.failed"
	TypeCancelled = "job.cancelled"
	TypeBroken    = "job.broken"
	TypeFixed     = "job.fixed"
	TypeEnabled   = "job.enabled"
	TypeDisabled  = "job.disabled"
)

// Event is a job lifecycle update pushed to web clients, the message bus,
// metrics and notifications.
type Event struct {
	Type         string         `json:"type"`
	JobName      string         `json:"job"`
	InvocationID string         `json:"invocation_id,omitempty"`
	Status       history.Status `json:"status,omitempty"`
	ElapsedMS    int64          `json:"elapsed_ms,omitempty"`
	Err          string         `json:"error,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`

	// Invocation is set for invocation events. It is not serialized.
	Invocation *history.Invocation `json:"-"`
}

// ForInvocation builds an event describing inv.
func ForInvocation(typ string, inv *history.Invocation, ts time.Time) Event {
	e := Event{
		Type:         typ,
		JobName:      inv.JobName,
		InvocationID: inv.ID,
		Status:       inv.Status,
		Err:          inv.Err,
		Timestamp:    ts.UTC(),
		Invocation:   inv,
	}
	if !inv.Complete.IsZero() {
		e.ElapsedMS = inv.Complete.Sub(inv.Started).Milliseconds()
	}
	return e
}

// Broadcaster sends events to interested parties.
// A nil Broadcaster is safe to use -- Broadcast becomes a no-op.
type Broadcaster interface {
	Broadcast(e Event)
}

// Multi fans an event out to several broadcasters in order.
type Multi []Broadcaster

func (m Multi) Broadcast(e Event) {
	for _, b := range m {
		if b != nil {
			b.Broadcast(e)
		}
	}
}

// Func adapts a function to a Broadcaster.
type Func func(e Event)

func (f Func) Broadcast(e Event) { f(e) }
