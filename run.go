package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsprackett/jobkit/internal/applog"
	"github.com/zsprackett/jobkit/internal/client"
	"github.com/zsprackett/jobkit/internal/config"
	"github.com/zsprackett/jobkit/internal/history"
	"github.com/zsprackett/jobkit/internal/jobs"
	"github.com/zsprackett/jobkit/internal/tail"
	"github.com/zsprackett/jobkit/internal/ui"
)

// parseParams reads repeated -p name=value flags.
func parseParams(values []string) (map[string]string, error) {
	params := make(map[string]string, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", v)
		}
		params[name] = value
	}
	return params, nil
}

func newRunCommand() *cobra.Command {
	var (
		cfgPath string
		params  []string
	)
	cmd := &cobra.Command{
		Use:   "run [flags] <job>",
		Short: "Run a configured job once in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseParams(params)
			if err != nil {
				return err
			}
			return runOnce(cmd.Context(), cfgPath, args[0], values)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "f", "", "config file (json or yaml)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "job parameter as name=value (repeatable)")
	return cmd
}

// runOnce runs a configured job in the foreground and copies its output
// to stdout.
func runOnce(ctx context.Context, cfgPath, name string, params map[string]string) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	list, err := buildJobs(cfg, logger)
	if err != nil {
		return err
	}
	mgr := jobs.NewManager(history.NewMemory(), nil, logger)
	if err := mgr.LoadJobs(list...); err != nil {
		return err
	}
	defer mgr.Stop()

	status, err := runJob(ctx, mgr, name, params, os.Stdout)
	if err != nil {
		return err
	}
	if status != history.StatusSuccess {
		return exitCode(1)
	}
	return nil
}

// runJob starts the job and writes its output to w until it finishes.
// Cancelling ctx cancels the invocation.
func runJob(ctx context.Context, mgr *jobs.Manager, name string, params map[string]string, w io.Writer) (history.Status, error) {
	inv, err := mgr.RunJob(ctx, name, params)
	if err != nil {
		return "", err
	}
	sub := inv.Output.Subscribe(time.Time{})
	defer sub.Unsubscribe()

	for {
		chunks, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			mgr.CancelJob(name)
			break
		}
		for _, c := range chunks {
			if _, err := w.Write(c.Data); err != nil {
				return "", err
			}
		}
	}
	<-inv.Done()

	finished, err := mgr.Invocation(context.WithoutCancel(ctx), name, inv.ID)
	if err != nil {
		return "", err
	}
	if finished.Err != "" {
		fmt.Fprintf(os.Stderr, "%s: %s\n", finished.Status, finished.Err)
	}
	return finished.Status, nil
}

func newTailCommand() *cobra.Command {
	var (
		token      string
		reconnects int
	)
	cmd := &cobra.Command{
		Use:   "tail [flags] <server-url> <job> <id|current|last>",
		Short: "Follow an invocation's output on a running server",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := &tail.Follower{
				Token:         token,
				MaxReconnects: reconnects,
				ReconnectWait: time.Second,
			}
			status, err := f.Follow(cmd.Context(), tail.StreamURL(args[0], args[1], args[2]), os.Stdout)
			if err != nil {
				return err
			}
			if status != history.StatusSuccess {
				fmt.Fprintf(os.Stderr, "%s\n", status)
				return exitCode(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", os.Getenv("JOBKIT_TOKEN"), "access token")
	cmd.Flags().IntVar(&reconnects, "reconnects", 5, "times to resume a dropped stream")
	return cmd
}

func newTopCommand() *cobra.Command {
	var token, title string
	cmd := &cobra.Command{
		Use:   "top [flags] <server-url>",
		Short: "Open the terminal dashboard for a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return top(cmd.Context(), args[0], token, title)
		},
	}
	cmd.Flags().StringVar(&token, "token", os.Getenv("JOBKIT_TOKEN"), "access token")
	cmd.Flags().StringVar(&title, "title", "JOBKIT", "dashboard title")
	return cmd
}

func top(ctx context.Context, serverURL, token, title string) error {
	// The dashboard owns the terminal, so log to a file next to the
	// server's logs instead of stderr.
	cfg := config.Defaults()
	logger, closer, err := applog.Init(applog.InitConfig{LogDir: cfg.LogDir, LogLevel: cfg.LogLevel})
	if err != nil {
		logger = applog.Discard()
	} else {
		defer closer.Close()
	}
	return ui.NewApp(client.New(serverURL, token), title, logger).Run(ctx)
}
