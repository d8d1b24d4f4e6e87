package webserver_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/zsprackett/jobkit/internal/config"
	"github.com/zsprackett/jobkit/internal/db"
	"github.com/zsprackett/jobkit/internal/events"
	"github.com/zsprackett/jobkit/internal/history"
	"github.com/zsprackett/jobkit/internal/jobs"
	"github.com/zsprackett/jobkit/internal/webserver"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	mgr *jobs.Manager
	srv *webserver.Server
	ts  *httptest.Server
}

func newFixture(t *testing.T, cfg webserver.Config, store *db.DB, js ...*jobs.Job) *fixture {
	t.Helper()
	var srv *webserver.Server
	mgr := jobs.NewManager(history.NewMemory(), events.Func(func(e events.Event) {
		srv.Broadcast(e)
	}), discardLogger())
	if err := mgr.LoadJobs(js...); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mgr.Stop)

	srv = webserver.New(mgr, store, cfg, discardLogger())
	srv.SetStreamIntervals(time.Hour, time.Hour)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{mgr: mgr, srv: srv, ts: ts}
}

func mustJob(t *testing.T, cfg config.JobConfig, action jobs.Action) *jobs.Job {
	t.Helper()
	if cfg.Exec == nil {
		cfg.Exec = []string{"true"}
	}
	j, err := jobs.NewJob(cfg, action)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func writeLines(lines ...string) jobs.Action {
	return func(ctx context.Context, inv *history.Invocation) error {
		for _, l := range lines {
			if _, err := inv.Output.Write([]byte(l)); err != nil {
				return err
			}
		}
		return nil
	}
}

// gatedJob writes each line sent on the returned channel and succeeds
// once the channel is closed.
func gatedJob(t *testing.T, name string) (*jobs.Job, chan string) {
	t.Helper()
	gate := make(chan string)
	job := mustJob(t, config.JobConfig{Name: name}, func(ctx context.Context, inv *history.Invocation) error {
		for {
			select {
			case line, ok := <-gate:
				if !ok {
					return nil
				}
				inv.Output.Write([]byte(line))
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		}
	})
	return job, gate
}

func wait(t *testing.T, inv *history.Invocation) {
	t.Helper()
	select {
	case <-inv.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("invocation %s did not finish", inv.ID)
	}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, webserver.Config{}, nil,
		mustJob(t, config.JobConfig{Name: "backup", Labels: map[string]string{"env": "prod"}}, writeLines("ok\n")),
		mustJob(t, config.JobConfig{Name: "report"}, writeLines("ok\n")),
	)
	resp := f.do(t, "GET", "/status.json", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	status := decode[jobs.Status](t, resp)
	if len(status.Jobs) != 2 || status.Jobs[0].Name != "backup" {
		t.Errorf("unexpected status %+v", status)
	}

	resp = f.do(t, "GET", "/api/jobs?selector="+url.QueryEscape("env=prod"), nil)
	list := decode[[]jobs.JobStatus](t, resp)
	if len(list) != 1 || list[0].Name != "backup" {
		t.Errorf("selector: %+v", list)
	}

	resp = f.do(t, "GET", "/api/jobs?selector="+url.QueryEscape("env in (prod"), nil)
	if resp.StatusCode != 400 {
		t.Errorf("bad selector: expected 400, got %d", resp.StatusCode)
	}
}

func TestRunAndInvocationEndpoints(t *testing.T) {
	f := newFixture(t, webserver.Config{}, nil,
		mustJob(t, config.JobConfig{Name: "backup"}, writeLines("build started\n", "step 1 ok\n", "done\n")),
	)
	resp := f.do(t, "POST", "/api/job.run/backup", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	started := decode[map[string]any](t, resp)
	id, _ := started["id"].(string)
	if id == "" {
		t.Fatalf("expected an invocation id in %v", started)
	}
	inv, err := f.mgr.Invocation(context.Background(), "backup", id)
	if err != nil {
		t.Fatal(err)
	}
	wait(t, inv)

	resp = f.do(t, "GET", "/api/job.invocation/backup/"+id, nil)
	var got history.Invocation
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Status != history.StatusSuccess || got.Output.String() != "build started\nstep 1 ok\ndone\n" {
		t.Errorf("unexpected invocation %+v output %q", got, got.Output.String())
	}

	resp = f.do(t, "GET", "/api/job.invocation/backup/last", nil)
	if last := decode[map[string]any](t, resp); last["id"] != id {
		t.Errorf("last alias: %v", last["id"])
	}

	chunks := got.Output.Chunks()
	after := chunks[0].ID()
	resp = f.do(t, "GET", "/api/job.invocation.output/backup/"+id+"?afterNanos="+strconv.FormatInt(after, 10), nil)
	out := decode[struct {
		Complete bool `json:"complete"`
		Chunks   []struct {
			Data []byte `json:"data"`
		} `json:"chunks"`
	}](t, resp)
	if !out.Complete || len(out.Chunks) != 2 || string(out.Chunks[0].Data) != "step 1 ok\n" {
		t.Errorf("output after first chunk: %+v", out)
	}

	resp = f.do(t, "GET", "/api/job.invocation/backup/nope", nil)
	if resp.StatusCode != 404 {
		t.Errorf("unknown invocation: expected 404, got %d", resp.StatusCode)
	}
	if body := decode[map[string]string](t, resp); body["error"] == "" {
		t.Error("expected an error body")
	}
}

func TestRunConflictsAndBadInput(t *testing.T) {
	job, gate := gatedJob(t, "deploy")
	f := newFixture(t, webserver.Config{}, nil,
		job,
		mustJob(t, config.JobConfig{
			Name: "greet",
			Parameters: []config.Parameter{
				{Name: "who", Text: &config.ParameterText{Required: true}},
			},
		}, writeLines("hi\n")),
	)

	if resp := f.do(t, "POST", "/api/job.run/deploy", nil); resp.StatusCode != 200 {
		t.Fatalf("first run: %d", resp.StatusCode)
	}
	if resp := f.do(t, "POST", "/api/job.run/deploy", nil); resp.StatusCode != 409 {
		t.Errorf("concurrent run: expected 409, got %d", resp.StatusCode)
	}
	resp := f.do(t, "GET", "/api/jobs.running", nil)
	if running := decode[[]map[string]any](t, resp); len(running) != 1 || running[0]["jobName"] != "deploy" {
		t.Errorf("running: %v", running)
	}
	close(gate)

	if resp := f.do(t, "POST", "/api/job.run/missing", nil); resp.StatusCode != 404 {
		t.Errorf("unknown job: expected 404, got %d", resp.StatusCode)
	}
	if resp := f.do(t, "POST", "/api/job.run/greet", strings.NewReader(`{}`)); resp.StatusCode != 400 {
		t.Errorf("missing parameter: expected 400, got %d", resp.StatusCode)
	}
	if resp := f.do(t, "POST", "/api/job.run/greet", strings.NewReader(`{"who":{"nested":1}}`)); resp.StatusCode != 400 {
		t.Errorf("nested parameter: expected 400, got %d", resp.StatusCode)
	}
	resp = f.do(t, "POST", "/api/job.run/greet", strings.NewReader(`{"who":"world"}`))
	if resp.StatusCode != 200 {
		t.Errorf("run with parameters: %d", resp.StatusCode)
	}
	if inv := decode[map[string]any](t, resp); inv["parameters"].(map[string]any)["who"] != "world" {
		t.Errorf("parameters: %v", inv["parameters"])
	}

	resp = f.do(t, "GET", "/api/job.parameters/greet", nil)
	if params := decode[[]config.Parameter](t, resp); len(params) != 1 || params[0].Name != "who" {
		t.Errorf("parameters: %+v", params)
	}
}

func TestEnableDisablePause(t *testing.T) {
	f := newFixture(t, webserver.Config{}, nil, mustJob(t, config.JobConfig{Name: "backup"}, writeLines("ok\n")))

	if resp := f.do(t, "POST", "/api/job.disable/backup", nil); resp.StatusCode != 200 {
		t.Fatalf("disable: %d", resp.StatusCode)
	}
	if resp := f.do(t, "POST", "/api/job.run/backup", nil); resp.StatusCode != 400 {
		t.Errorf("run disabled: expected 400, got %d", resp.StatusCode)
	}
	resp := f.do(t, "GET", "/api/job/backup", nil)
	if js := decode[jobs.JobStatus](t, resp); !js.Disabled {
		t.Error("expected job to be disabled")
	}
	if resp := f.do(t, "POST", "/api/job.enable/backup", nil); resp.StatusCode != 200 {
		t.Fatalf("enable: %d", resp.StatusCode)
	}
	if resp := f.do(t, "POST", "/api/job.cancel/backup", nil); resp.StatusCode != 200 {
		t.Errorf("cancel idle job: %d", resp.StatusCode)
	}

	f.do(t, "POST", "/api/pause", nil)
	if !f.mgr.IsPaused() {
		t.Error("expected paused")
	}
	f.do(t, "POST", "/api/resume", nil)
	if f.mgr.IsPaused() {
		t.Error("expected resumed")
	}
}

func TestPages(t *testing.T) {
	f := newFixture(t, webserver.Config{Title: "Nightly"}, nil,
		mustJob(t, config.JobConfig{Name: "backup", Labels: map[string]string{"env": "prod"}}, writeLines("ok\n")),
		mustJob(t, config.JobConfig{
			Name:       "greet",
			Parameters: []config.Parameter{{Name: "who", Label: "Who to greet", Text: &config.ParameterText{Value: "world"}}},
		}, writeLines("hi\n")),
	)

	resp := f.do(t, "GET", "/", nil)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || !strings.Contains(string(body), "Nightly") || !strings.Contains(string(body), `href="/job/backup"`) {
		t.Errorf("index: %d %s", resp.StatusCode, body)
	}

	resp = f.do(t, "GET", "/search?selector=env%3Dstaging", nil)
	body, _ = io.ReadAll(resp.Body)
	if strings.Contains(string(body), `href="/job/backup"`) {
		t.Error("search should filter out backup")
	}
	if resp := f.do(t, "GET", "/search?selector=%3D%3D", nil); resp.StatusCode != 400 {
		t.Errorf("bad selector page: %d", resp.StatusCode)
	}

	resp = f.do(t, "GET", "/job.parameters/backup", nil)
	if resp.StatusCode != 303 || resp.Header.Get("Location") != "/job.run/backup" {
		t.Errorf("parameters without parameters: %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}
	resp = f.do(t, "GET", "/job.parameters/greet", nil)
	body, _ = io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Who to greet") {
		t.Errorf("parameters page: %s", body)
	}

	resp = f.do(t, "GET", "/job.run/greet?who=there", nil)
	loc := resp.Header.Get("Location")
	if resp.StatusCode != 303 || !strings.HasPrefix(loc, "/job.invocation/greet/") {
		t.Fatalf("run page: %d %s", resp.StatusCode, loc)
	}
	id := strings.TrimPrefix(loc, "/job.invocation/greet/")
	inv, err := f.mgr.Invocation(context.Background(), "greet", id)
	if err != nil {
		t.Fatal(err)
	}
	if inv.Parameters["who"] != "there" {
		t.Errorf("form parameters: %v", inv.Parameters)
	}
	wait(t, inv)

	resp = f.do(t, "GET", loc, nil)
	body, _ = io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `data-invocation="`+id+`"`) || !strings.Contains(string(body), "/static/js/logs.js") {
		t.Errorf("invocation page: %s", body)
	}

	resp = f.do(t, "GET", "/job/greet", nil)
	body, _ = io.ReadAll(resp.Body)
	if !strings.Contains(string(body), id) {
		t.Errorf("job page should list the invocation: %s", body)
	}

	if resp := f.do(t, "GET", "/job/missing", nil); resp.StatusCode != 404 {
		t.Errorf("missing job page: %d", resp.StatusCode)
	}
	if resp := f.do(t, "GET", "/job.disable/backup", nil); resp.StatusCode != 303 {
		t.Errorf("disable page: %d", resp.StatusCode)
	}
	if resp := f.do(t, "GET", "/static/js/logs.js", nil); resp.StatusCode != 200 {
		t.Errorf("static: %d", resp.StatusCode)
	}
}

func TestMetricsMount(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "jobkit_up 1\n")
	})
	f := newFixture(t, webserver.Config{Metrics: metrics}, nil)
	resp := f.do(t, "GET", "/metrics", nil)
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "jobkit_up 1\n" {
		t.Errorf("metrics: %q", body)
	}

	bare := newFixture(t, webserver.Config{}, nil)
	if resp := bare.do(t, "GET", "/metrics", nil); resp.StatusCode != 404 {
		t.Errorf("metrics without a handler: %d", resp.StatusCode)
	}
}
