package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsprackett/jobkit/internal/applog"
	"github.com/zsprackett/jobkit/internal/config"
	"github.com/zsprackett/jobkit/internal/history"
	"github.com/zsprackett/jobkit/internal/jobs"
)

func newTestManager(t *testing.T, action jobs.Action, params ...config.Parameter) *jobs.Manager {
	t.Helper()
	job, err := jobs.NewJob(config.JobConfig{Name: "build", Exec: []string{"true"}, Parameters: params}, action)
	require.NoError(t, err)
	mgr := jobs.NewManager(history.NewMemory(), nil, applog.Discard())
	require.NoError(t, mgr.LoadJobs(job))
	t.Cleanup(mgr.Stop)
	return mgr
}

func TestRunJobCopiesOutput(t *testing.T) {
	mgr := newTestManager(t, func(ctx context.Context, inv *history.Invocation) error {
		for _, l := range []string{"build started\n", "step 1 ok\n", "done\n"} {
			inv.Output.Write([]byte(l))
		}
		return nil
	})
	var out bytes.Buffer
	status, err := runJob(context.Background(), mgr, "build", nil, &out)
	require.NoError(t, err)
	assert.Equal(t, history.StatusSuccess, status)
	assert.Equal(t, "build started\nstep 1 ok\ndone\n", out.String())
}

func TestRunJobReportsFailure(t *testing.T) {
	mgr := newTestManager(t, func(ctx context.Context, inv *history.Invocation) error {
		inv.Output.Write([]byte("boom\n"))
		return errors.New("exit status 1")
	})
	var out bytes.Buffer
	status, err := runJob(context.Background(), mgr, "build", nil, &out)
	require.NoError(t, err)
	assert.Equal(t, history.StatusFailed, status)
	assert.Equal(t, "boom\n", out.String())
}

func TestRunJobCancelledByContext(t *testing.T) {
	started := make(chan struct{})
	mgr := newTestManager(t, func(ctx context.Context, inv *history.Invocation) error {
		close(started)
		<-ctx.Done()
		return context.Cause(ctx)
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	status, err := runJob(ctx, mgr, "build", nil, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, history.StatusCancelled, status)
}

func TestRunJobPassesParameters(t *testing.T) {
	mgr := newTestManager(t, func(ctx context.Context, inv *history.Invocation) error {
		inv.Output.Write([]byte(inv.Parameters["TARGET"]))
		return nil
	}, config.Parameter{Name: "TARGET", Text: &config.ParameterText{}})

	params, err := parseParams([]string{"TARGET=prod"})
	require.NoError(t, err)
	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)

	var out bytes.Buffer
	_, err = runJob(context.Background(), mgr, "build", params, &out)
	require.NoError(t, err)
	assert.Equal(t, "prod", out.String())
}

func TestRunJobUnknown(t *testing.T) {
	mgr := newTestManager(t, func(context.Context, *history.Invocation) error { return nil })
	_, err := runJob(context.Background(), mgr, "missing", nil, &bytes.Buffer{})
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestApplyBind(t *testing.T) {
	cfg := config.Defaults()
	cfg.Webserver.Enabled = false
	require.NoError(t, applyBind(&cfg, "127.0.0.1:9090"))
	assert.Equal(t, "127.0.0.1", cfg.Webserver.Host)
	assert.Equal(t, 9090, cfg.Webserver.Port)
	assert.True(t, cfg.Webserver.Enabled)

	assert.Error(t, applyBind(&cfg, "9090"))
	assert.Error(t, applyBind(&cfg, "localhost:http"))
}

// parseServe parses args with the serve command's flag set.
func parseServe(t *testing.T, args ...string) (*serveOptions, []string) {
	t.Helper()
	opts := &serveOptions{}
	cmd := newServeCommand("serve", opts)
	require.NoError(t, cmd.ParseFlags(args))
	return opts, cmd.Flags().Args()
}

func TestCommandJob(t *testing.T) {
	opts, argv := parseServe(t, "-n", "backup", "-s", "@every 1h", "--", "rsync", "-a", "src", "dst")
	jc, err := opts.commandJob(argv)
	require.NoError(t, err)
	assert.Equal(t, "backup", jc.Name)
	assert.Equal(t, "@every 1h", jc.Schedule)
	assert.Equal(t, []string{"rsync", "-a", "src", "dst"}, jc.Exec)
	assert.Nil(t, jc.HistoryDisabled)
	assert.Nil(t, jc.HistoryMaxCount)
	assert.Nil(t, jc.HideOutput)

	_, err = jobs.NewJob(jc, func(context.Context, *history.Invocation) error { return nil })
	assert.NoError(t, err)

	opts, argv = parseServe(t, "-n", "", "--", "true")
	_, err = opts.commandJob(argv)
	assert.Error(t, err)

	opts, argv = parseServe(t, "--label", "novalue", "--", "true")
	_, err = opts.commandJob(argv)
	assert.Error(t, err)
}

func TestServeFlagsConfigureCommandJob(t *testing.T) {
	opts, argv := parseServe(t,
		"--title", "nightly",
		"--disable-server",
		"--name", "sync",
		"--timeout", "5m",
		"--shutdown-grace-period", "30s",
		"--label", "team=infra,env=prod",
		"--label", "tier=batch",
		"--history-disabled",
		"--history-max-count", "10",
		"--history-max-age", "72h",
		"--skip-expand-env",
		"--discard-output",
		"--hide-output=false",
		"--", "sh", "-c", "echo $HOME",
	)
	cfg := config.Defaults()
	require.NoError(t, opts.apply(&cfg, argv))

	assert.Equal(t, "nightly", cfg.Title)
	assert.False(t, cfg.Webserver.Enabled)
	require.Len(t, cfg.Jobs, 1)
	jc := cfg.Jobs[0]
	assert.Equal(t, "sync", jc.Name)
	assert.Equal(t, []string{"sh", "-c", "echo $HOME"}, jc.Exec)
	assert.Equal(t, 5*time.Minute, jc.Timeout.Std())
	assert.Equal(t, 30*time.Second, jc.ShutdownGracePeriod.Std())
	assert.Equal(t, 72*time.Hour, jc.HistoryMaxAge.Std())
	assert.Equal(t, map[string]string{"team": "infra", "env": "prod", "tier": "batch"}, jc.Labels)
	require.NotNil(t, jc.HistoryDisabled)
	assert.True(t, *jc.HistoryDisabled)
	require.NotNil(t, jc.HistoryMaxCount)
	assert.Equal(t, 10, *jc.HistoryMaxCount)
	require.NotNil(t, jc.SkipExpandEnv)
	assert.True(t, *jc.SkipExpandEnv)
	require.NotNil(t, jc.DiscardOutput)
	assert.True(t, *jc.DiscardOutput)
	require.NotNil(t, jc.HideOutput)
	assert.False(t, *jc.HideOutput)
}

func TestServeApplyRejectsDuplicateAndEmpty(t *testing.T) {
	opts, argv := parseServe(t, "-n", "backup", "--", "true")
	cfg := config.Defaults()
	cfg.Jobs = []config.JobConfig{{Name: "backup", Exec: []string{"true"}}}
	assert.Error(t, opts.apply(&cfg, argv))

	opts, argv = parseServe(t, "--bind", "127.0.0.1:9090")
	cfg = config.Defaults()
	assert.Error(t, opts.apply(&cfg, argv))
	assert.Equal(t, 9090, cfg.Webserver.Port)
}

func TestRootCommandDispatch(t *testing.T) {
	root := newRootCommand()
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"tail", "http://localhost:8080", "build", "current"}, "tail"},
		{[]string{"run", "-p", "A=1", "build"}, "run"},
		{[]string{"serve", "--", "echo", "hi"}, "serve"},
		{[]string{"--", "echo", "hi"}, "jobkit"},
		{[]string{"-n", "echo", "--", "echo", "hi"}, "jobkit"},
	}
	for _, c := range cases {
		cmd, _, err := root.Find(c.args)
		require.NoError(t, err, "%v", c.args)
		assert.Equal(t, c.want, cmd.Name(), "%v", c.args)
	}
}
