package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zsprackett/jobkit/internal/events"
	"github.com/zsprackett/jobkit/internal/history"
	"github.com/zsprackett/jobkit/internal/metrics"
)

func TestCollectorCountsInvocations(t *testing.T) {
	c := metrics.New()
	started := time.Now()
	inv := history.New("1", "backup", started, nil)
	inv.Output.Write([]byte("0123456789"))

	c.Broadcast(events.ForInvocation(events.TypeStarted, inv, started))
	finished := inv.Finish(started.Add(2*time.Second), history.StatusFailed, nil)
	c.Broadcast(events.ForInvocation(events.TypeFailed, finished, finished.Complete))
	c.Broadcast(events.ForInvocation(events.TypeBroken, finished, finished.Complete))

	n, err := testutil.GatherAndCount(c.Registry(), "jobkit_invocations_total", "jobkit_transitions_total")
	if err != nil || n != 2 {
		t.Errorf("gathered %d series, err %v", n, err)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`jobkit_invocations_total{job="backup",status="failed"} 1`,
		`jobkit_invocations_running{job="backup"} 0`,
		`jobkit_output_bytes_total{job="backup"} 10`,
		`jobkit_transitions_total{job="backup",type="job.broken"} 1`,
		`jobkit_invocation_duration_seconds_count{job="backup"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}
