package events_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/zsprackett/jobkit/internal/events"
	"github.com/zsprackett/jobkit/internal/history"
)

func TestMultiSkipsNil(t *testing.T) {
	var got []string
	rec := events.Func(func(e events.Event) { got = append(got, e.Type) })
	m := events.Multi{rec, nil, rec}
	m.Broadcast(events.Event{Type: events.TypeStarted})
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
}

func TestForInvocation(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	inv := history.New("id-1", "backup", started, nil).
		Finish(started.Add(90*time.Second), history.StatusFailed, errString("exit status 2"))

	e := events.ForInvocation(events.TypeFailed, inv, started.Add(90*time.Second))
	if e.ElapsedMS != 90000 || e.Err != "exit status 2" || e.Status != history.StatusFailed {
		t.Errorf("unexpected event: %+v", e)
	}
	data, _ := json.Marshal(e)
	if !strings.Contains(string(data), `"job":"backup"`) || strings.Contains(string(data), "Invocation") {
		t.Errorf("unexpected json: %s", data)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
