package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/creack/pty"

	"github.com/zsprackett/jobkit/internal/config"
	"github.com/zsprackett/jobkit/internal/history"
)

// ShellAction runs an argv with the invocation parameters in its
// environment.
type ShellAction struct {
	Exec          []string
	SkipExpandEnv bool
	DiscardOutput bool
	HideOutput    bool
	TTY           bool
	Logger        *slog.Logger
}

func NewShellAction(cfg config.JobConfig, logger *slog.Logger) ShellAction {
	return ShellAction{
		Exec:          cfg.Exec,
		SkipExpandEnv: cfg.SkipExpandEnvOrDefault(),
		DiscardOutput: cfg.DiscardOutputOrDefault(),
		HideOutput:    cfg.HideOutputOrDefault(),
		TTY:           cfg.TTYOrDefault(),
		Logger:        logger,
	}
}

// Args returns the argv with $NAME and ${NAME} in every argument after the
// first replaced from params, falling back to the process environment.
func (sa ShellAction) Args(params map[string]string) []string {
	args := append([]string(nil), sa.Exec...)
	if sa.SkipExpandEnv {
		return args
	}
	lookup := func(name string) string {
		if v, ok := params[name]; ok {
			return v
		}
		return os.Getenv(name)
	}
	for i := 1; i < len(args); i++ {
		args[i] = os.Expand(args[i], lookup)
	}
	return args
}

func (sa ShellAction) Execute(ctx context.Context, inv *history.Invocation) error {
	if len(sa.Exec) == 0 {
		return errors.New("no command to run")
	}
	args := sa.Args(inv.Parameters)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), environ(inv.Parameters)...)
	cmd.WaitDelay = 5 * time.Second

	var writers []io.Writer
	if !sa.DiscardOutput {
		writers = append(writers, inv.Output)
	}
	if !sa.HideOutput && sa.Logger != nil {
		writers = append(writers, logWriter{logger: sa.Logger, job: inv.JobName, invocation: inv.ID})
	}
	if sa.TTY {
		var out io.Writer = io.Discard
		if len(writers) > 0 {
			out = io.MultiWriter(writers...)
		}
		if err := runPTY(cmd, out); err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		return nil
	}

	// Stdout and Stderr share one writer so exec uses a single pipe and
	// interleaving is preserved.
	switch len(writers) {
	case 0:
	case 1:
		cmd.Stdout = writers[0]
		cmd.Stderr = writers[0]
	default:
		w := io.MultiWriter(writers...)
		cmd.Stdout = w
		cmd.Stderr = w
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}

// runPTY runs cmd with a pseudo-terminal as stdin, stdout and stderr and
// copies what the terminal prints to out.
func runPTY(cmd *exec.Cmd, out io.Writer) error {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 120})
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	defer ptmx.Close()

	done := make(chan struct{})
	go func() {
		io.Copy(out, ptmx)
		close(done)
	}()

	err = cmd.Wait()
	// The copy ends once the terminal is drained, unless a background
	// child still holds it open.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		ptmx.Close()
		<-done
	}
	return err
}

func environ(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+params[k])
	}
	return env
}

type logWriter struct {
	logger     *slog.Logger
	job        string
	invocation string
}

func (lw logWriter) Write(p []byte) (int, error) {
	lw.logger.Debug("output", "job", lw.job, "invocation", lw.invocation, "data", string(p))
	return len(p), nil
}
