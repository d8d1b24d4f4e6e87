package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zsprackett/jobkit/internal/applog"
	"github.com/zsprackett/jobkit/internal/config"
	"github.com/zsprackett/jobkit/internal/db"
	"github.com/zsprackett/jobkit/internal/events"
	"github.com/zsprackett/jobkit/internal/history"
	"github.com/zsprackett/jobkit/internal/jobs"
	"github.com/zsprackett/jobkit/internal/metrics"
	"github.com/zsprackett/jobkit/internal/natsbus"
	"github.com/zsprackett/jobkit/internal/notify"
	"github.com/zsprackett/jobkit/internal/tracing"
	"github.com/zsprackett/jobkit/internal/webserver"
)

const jwtSecretKey = "jwt_secret"

func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("JOBKIT_CONFIG"); v != "" {
		return v
	}
	return config.DefaultPath()
}

func loadConfig(flagValue string) (config.Config, error) {
	return config.Load(configPath(flagValue))
}

func initLogger(cfg config.Config) (*slog.Logger, io.Closer) {
	logger, closer, err := applog.Init(applog.InitConfig{
		LogDir:   cfg.LogDir,
		LogLevel: cfg.LogLevel,
		Stderr:   cfg.LogStderr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		return slog.Default(), io.NopCloser(nil)
	}
	return logger, closer
}

// applyBind overrides the webserver host and port from a host:port value.
func applyBind(cfg *config.Config, bind string) error {
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return fmt.Errorf("invalid --bind %q: %w", bind, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid --bind port %q", port)
	}
	cfg.Webserver.Host = host
	cfg.Webserver.Port = p
	cfg.Webserver.Enabled = true
	return nil
}

// serveOptions are the serve flags. The job flags describe the job given
// after -- and override nothing in the config file.
type serveOptions struct {
	flags *pflag.FlagSet

	configPath    string
	title         string
	bind          string
	disableServer bool

	name                string
	schedule            string
	timeout             time.Duration
	shutdownGracePeriod time.Duration
	labels              []string
	historyDisabled     bool
	historyMaxCount     int
	historyMaxAge       time.Duration
	skipExpandEnv       bool
	discardOutput       bool
	hideOutput          bool
}

func newServeCommand(use string, opts *serveOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: "Run the scheduler and the web ui",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.serve(cmd.Context(), args)
		},
	}
	opts.bindFlags(cmd.Flags())
	return cmd
}

func (o *serveOptions) bindFlags(fs *pflag.FlagSet) {
	o.flags = fs
	fs.StringVarP(&o.configPath, "config", "f", "", "config file (json or yaml)")
	fs.StringVar(&o.title, "title", "", "title shown in the web ui and notifications")
	fs.StringVar(&o.bind, "bind", "", "webserver listen address, host:port")
	fs.BoolVar(&o.disableServer, "disable-server", false, "do not start the webserver")

	fs.StringVarP(&o.name, "name", "n", "default", "name of the job given after --")
	fs.StringVarP(&o.schedule, "schedule", "s", "", "cron schedule of the job (ex: '*/5 * * * *')")
	fs.DurationVar(&o.timeout, "timeout", 0, "cancel an invocation after this long (ex: 5m)")
	fs.DurationVar(&o.shutdownGracePeriod, "shutdown-grace-period", 0, "time a running invocation gets to finish on stop")
	fs.StringSliceVar(&o.labels, "label", nil, "job label as key=value (repeatable)")
	fs.BoolVar(&o.historyDisabled, "history-disabled", false, "do not keep invocation history")
	fs.IntVar(&o.historyMaxCount, "history-max-count", 0, "invocations to keep in history (0 keeps all)")
	fs.DurationVar(&o.historyMaxAge, "history-max-age", 0, "drop history older than this (0 keeps all)")
	fs.BoolVar(&o.skipExpandEnv, "skip-expand-env", false, "do not expand $VARS in the command")
	fs.BoolVar(&o.discardOutput, "discard-output", false, "do not keep output in invocation history")
	fs.BoolVar(&o.hideOutput, "hide-output", false, "do not copy output to the log")
}

func (o *serveOptions) changed(name string) bool {
	return o.flags != nil && o.flags.Changed(name)
}

// commandJob builds the job defined by the arguments after --.
func (o *serveOptions) commandJob(argv []string) (config.JobConfig, error) {
	jc := config.JobConfig{
		Name:                o.name,
		Schedule:            o.schedule,
		Exec:                argv,
		Timeout:             config.Duration(o.timeout),
		ShutdownGracePeriod: config.Duration(o.shutdownGracePeriod),
		HistoryMaxAge:       config.Duration(o.historyMaxAge),
	}
	for _, label := range o.labels {
		k, v, ok := strings.Cut(strings.TrimSpace(label), "=")
		if !ok || k == "" {
			return jc, fmt.Errorf("invalid --label %q: expected key=value", label)
		}
		if jc.Labels == nil {
			jc.Labels = map[string]string{}
		}
		jc.Labels[k] = v
	}
	if o.changed("history-disabled") {
		jc.HistoryDisabled = lo.ToPtr(o.historyDisabled)
	}
	if o.changed("history-max-count") {
		jc.HistoryMaxCount = lo.ToPtr(o.historyMaxCount)
	}
	if o.changed("skip-expand-env") {
		jc.SkipExpandEnv = lo.ToPtr(o.skipExpandEnv)
	}
	if o.changed("discard-output") {
		jc.DiscardOutput = lo.ToPtr(o.discardOutput)
	}
	if o.changed("hide-output") {
		jc.HideOutput = lo.ToPtr(o.hideOutput)
	}
	if err := config.ValidateJob(jc); err != nil {
		return jc, fmt.Errorf("command job: %w", err)
	}
	return jc, nil
}

// apply merges the command line into a loaded config.
func (o *serveOptions) apply(cfg *config.Config, argv []string) error {
	if o.title != "" {
		cfg.Title = o.title
	}
	if o.bind != "" {
		if err := applyBind(cfg, o.bind); err != nil {
			return err
		}
	}
	if o.disableServer {
		cfg.Webserver.Enabled = false
	}
	if len(argv) > 0 {
		if lo.ContainsBy(cfg.Jobs, func(jc config.JobConfig) bool { return jc.Name == o.name }) {
			return fmt.Errorf("job %s is already defined in the config", o.name)
		}
		jc, err := o.commandJob(argv)
		if err != nil {
			return err
		}
		cfg.Jobs = append(cfg.Jobs, jc)
	}
	if len(cfg.Jobs) == 0 {
		return errors.New("no jobs configured; add jobs to the config or pass a command after --")
	}
	return nil
}

func buildJobs(cfg config.Config, logger *slog.Logger) ([]*jobs.Job, error) {
	list := make([]*jobs.Job, 0, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		job, err := jobs.NewJob(jc, jobs.NewShellAction(jc, logger).Execute)
		if err != nil {
			return nil, err
		}
		list = append(list, job)
	}
	return list, nil
}

func (o *serveOptions) serve(ctx context.Context, argv []string) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	if err := o.apply(&cfg, argv); err != nil {
		return err
	}

	logger, logCloser := initLogger(cfg)
	defer logCloser.Close()

	if err := runServer(ctx, cfg, logger); err != nil {
		logger.Error("jobkit stopped", "err", err)
		return err
	}
	return nil
}

func runServer(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// The sqlite store holds accounts and refresh tokens, and invocation
	// history when that driver is selected.
	var store *db.DB
	if cfg.History == config.HistorySQLite || cfg.Webserver.Auth.Enabled {
		s, err := openDB(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer s.Close()
		store = s
	}

	var provider history.Provider
	switch cfg.History {
	case config.HistoryMemory:
		provider = history.NewMemory()
	case config.HistoryPostgres:
		pg, err := history.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		provider = pg
	default:
		provider = store
	}

	collector := metrics.New()
	broadcasters := events.Multi{collector}

	if cfg.NATS.URL != "" {
		pub, err := natsbus.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		broadcasters = append(broadcasters, pub)
	}

	if cfg.Notifications.Enabled {
		notifier, err := notify.New(cfg.Notifications, cfg.Jobs, logger)
		if err != nil {
			return err
		}
		notifier.Start(ctx)
		defer notifier.Stop()
		broadcasters = append(broadcasters, notifier)
	}

	var srv *webserver.Server
	broadcasters = append(broadcasters, events.Func(func(e events.Event) {
		if srv != nil {
			srv.Broadcast(e)
		}
	}))

	tp, shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, "jobkit", os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("shutdown tracing", "err", err)
		}
	}()

	mgr := jobs.NewManager(provider, broadcasters, logger, tracing.Middleware(tracing.Tracer(tp)))
	list, err := buildJobs(cfg, logger)
	if err != nil {
		return err
	}
	if err := mgr.LoadJobs(list...); err != nil {
		return err
	}

	if cfg.Webserver.Enabled {
		wcfg := webserver.Config{
			Title:   cfg.TitleOrDefault(),
			Host:    cfg.Webserver.Host,
			Port:    cfg.Webserver.Port,
			TLS:     cfg.Webserver.TLS,
			Metrics: collector.Handler(),
		}
		if auth := cfg.Webserver.Auth; auth.Enabled {
			secret := auth.JWTSecret
			if secret == "" {
				if secret, err = store.EnsureSecret(jwtSecretKey); err != nil {
					return fmt.Errorf("jwt secret: %w", err)
				}
			}
			if ok, err := store.HasAnyAccount(); err == nil && !ok {
				logger.Warn("auth is enabled but no accounts exist; create one with jobkit adduser")
			}
			wcfg.JWTSecret = secret
			wcfg.AccessTokenTTL = auth.AccessTokenTTL.Std()
			wcfg.RefreshTokenTTL = auth.RefreshTokenTTL.Std()
			go pruneRefreshTokens(ctx, store, logger)
		}
		srv = webserver.New(mgr, store, wcfg, logger)
		addr, err := srv.Start()
		if err != nil {
			return err
		}
		logger.Info("webserver listening", "addr", addr, "tls", cfg.Webserver.TLS.Mode != "")
		fmt.Fprintf(os.Stderr, "jobkit listening on %s\n", addr)
	}

	mgr.Start(ctx)
	<-ctx.Done()
	logger.Info("shutting down")

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("shutdown webserver", "err", err)
		}
		cancel()
	}
	mgr.Stop()
	return nil
}

func pruneRefreshTokens(ctx context.Context, store *db.DB, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if err := store.PruneRefreshTokens(); err != nil {
			logger.Warn("prune refresh tokens", "err", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
