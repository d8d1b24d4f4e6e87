// Package ui is the terminal dashboard for a running jobkit server.
package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/zsprackett/jobkit/internal/client"
	"github.com/zsprackett/jobkit/internal/events"
	"github.com/zsprackett/jobkit/internal/tail"
	"github.com/zsprackett/jobkit/internal/ui/dialogs"
)

const refreshEvery = 5 * time.Second

type App struct {
	tapp   *tview.Application
	pages  *tview.Pages
	home   *Home
	client *client.Client
	logger *slog.Logger

	ctx context.Context

	// Only touched on the UI goroutine.
	follow       context.CancelFunc
	followGen    int
	followJob    string
	followTarget string
}

func NewApp(c *client.Client, title string, logger *slog.Logger) *App {
	a := &App{
		client: c,
		logger: logger,
		ctx:    context.Background(),
	}

	a.tapp = tview.NewApplication()
	a.pages = tview.NewPages()
	a.home = NewHome(a.tapp, title)

	a.pages.AddPage("home", a.home, true, true)
	a.tapp.SetRoot(a.pages, true).EnableMouse(false)
	a.tapp.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == '?' && !a.dialogOpen() {
			a.showHelp()
			return nil
		}
		return event
	})

	a.home.SetCallbacks(
		a.onRun,
		a.onCancel,
		a.onToggle,
		func(job client.Job) { a.followJobOutput(job.Name, "current") },
		func(job client.Job) { a.followJobOutput(job.Name, "last") },
		a.onPause,
		a.refresh,
		func() { a.tapp.Stop() },
	)

	return a
}

// Run shows the dashboard until the user quits or ctx is done.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.ctx = ctx

	st, err := a.client.Status(ctx)
	if err != nil {
		return fmt.Errorf("load status: %w", err)
	}
	a.home.Update(st)
	if job, ok := a.home.selectedJob(); ok {
		a.followJobOutput(job.Name, "current")
	}

	go a.watchEvents(ctx)
	go a.tick(ctx)
	go func() {
		<-ctx.Done()
		a.tapp.Stop()
	}()

	return a.tapp.Run()
}

// refresh reloads the job list in the background.
func (a *App) refresh() {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
		defer cancel()
		st, err := a.client.Status(ctx)
		if err != nil {
			a.logger.Warn("refresh status", "err", err)
			return
		}
		a.tapp.QueueUpdateDraw(func() {
			a.home.Update(st)
		})
	}()
}

func (a *App) tick(ctx context.Context) {
	ticker := time.NewTicker(refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.refresh()
		case <-ctx.Done():
			return
		}
	}
}

// watchEvents refreshes on every lifecycle event and switches the output
// pane to a new invocation of the job being watched.
func (a *App) watchEvents(ctx context.Context) {
	for {
		err := a.client.Events(ctx, func(e client.Event) {
			a.refresh()
			if e.Type != events.TypeStarted {
				return
			}
			a.tapp.QueueUpdateDraw(func() {
				if e.JobName == a.followJob && a.followTarget == "current" {
					a.followJobOutput(e.JobName, e.InvocationID)
					a.followTarget = "current"
				}
			})
		})
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("event feed closed", "err", err)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

// paneWriter copies stream chunks into the output pane on the UI
// goroutine, dropping writes from a stream that is no longer shown.
type paneWriter struct {
	a   *App
	gen int
	out io.Writer
}

func (w *paneWriter) Write(p []byte) (int, error) {
	data := append([]byte(nil), p...)
	w.a.tapp.QueueUpdateDraw(func() {
		if w.gen != w.a.followGen {
			return
		}
		w.out.Write(data)
		w.a.home.Preview().ScrollToEnd()
	})
	return len(p), nil
}

// followJobOutput points the output pane at an invocation of the job.
func (a *App) followJobOutput(name, id string) {
	if a.follow != nil {
		a.follow()
	}
	a.followGen++
	a.followJob, a.followTarget = name, id

	preview := a.home.Preview()
	preview.Clear()
	preview.SetTitle(" " + name + " ")

	ctx, cancel := context.WithCancel(a.ctx)
	a.follow = cancel
	w := &paneWriter{a: a, gen: a.followGen, out: tview.ANSIWriter(preview)}
	f := &tail.Follower{Token: a.client.Token(), MaxReconnects: 3, ReconnectWait: time.Second}
	url := tail.StreamURL(a.client.Base(), name, id)

	go func() {
		status, err := f.Follow(ctx, url, w)
		if ctx.Err() != nil {
			return
		}
		var line string
		var se *tail.StatusError
		switch {
		case errors.As(err, &se) && se.Code == 404:
			line = "[gray]no invocations yet[-]\n"
		case err != nil:
			line = fmt.Sprintf("[red]stream error: %s[-]\n", tview.Escape(err.Error()))
		default:
			_, color := StatusIcon(string(status))
			line = fmt.Sprintf("\n[#%06x]── %s ──[-]\n", color.Hex(), status)
		}
		a.tapp.QueueUpdateDraw(func() {
			if w.gen == a.followGen {
				fmt.Fprint(preview, line)
				preview.ScrollToEnd()
			}
		})
	}()
}

func (a *App) dialogOpen() bool {
	name, _ := a.pages.GetFrontPage()
	return name != "home"
}

func (a *App) showDialog(name string, widget tview.Primitive, width, height int) {
	modal := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexColumn).
			AddItem(nil, 0, 1, false).
			AddItem(widget, width, 0, true).
			AddItem(nil, 0, 1, false), height, 0, true).
		AddItem(nil, 0, 1, false)
	a.pages.AddPage(name, modal, true, true)
	a.tapp.SetFocus(widget)
}

func (a *App) closeDialog(name string) {
	a.pages.RemovePage(name)
	a.tapp.SetFocus(a.home.table)
}

func (a *App) showHelp() {
	help := dialogs.HelpDialog(func() {
		a.closeDialog("help")
	})
	a.showDialog("help", help, 60, 22)
}

func (a *App) showError(msg string) {
	modal := tview.NewModal().
		SetText(msg).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(_ int, _ string) {
			a.closeDialog("error")
		})
	a.pages.AddPage("error", modal, true, true)
}

// call runs a server request off the UI goroutine and reports a failure
// in a modal.
func (a *App) call(what string, fn func(ctx context.Context) error, then func()) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
		defer cancel()
		err := fn(ctx)
		a.tapp.QueueUpdateDraw(func() {
			if err != nil {
				a.showError(fmt.Sprintf("%s failed: %v", what, err))
				return
			}
			if then != nil {
				then()
			}
		})
		a.refresh()
	}()
}

func (a *App) onRun(job client.Job) {
	start := func(params map[string]string) {
		var inv client.Invocation
		a.call("Run "+job.Name, func(ctx context.Context) error {
			var err error
			inv, err = a.client.RunJob(ctx, job.Name, params)
			return err
		}, func() {
			a.followJobOutput(job.Name, inv.ID)
		})
	}
	if len(job.Parameters) == 0 {
		start(nil)
		return
	}
	form := dialogs.RunDialog(job.Name, job.Parameters, func(values map[string]string) {
		a.closeDialog("run")
		start(values)
	}, func() { a.closeDialog("run") })
	a.showDialog("run", form, 60, 2*len(job.Parameters)+5)
}

func (a *App) onCancel(job client.Job) {
	if job.Current == nil {
		return
	}
	modal := dialogs.ConfirmDialog(
		fmt.Sprintf("Job %q is running.\nCancel it?", job.Name),
		"Cancel job",
		func() {
			a.closeDialog("confirm-cancel")
			a.call("Cancel "+job.Name, func(ctx context.Context) error {
				return a.client.CancelJob(ctx, job.Name)
			}, nil)
		},
		func() { a.closeDialog("confirm-cancel") },
	)
	a.pages.AddPage("confirm-cancel", modal, true, true)
}

func (a *App) onToggle(job client.Job) {
	if job.Disabled {
		a.call("Enable "+job.Name, func(ctx context.Context) error {
			return a.client.EnableJob(ctx, job.Name)
		}, nil)
		return
	}
	a.call("Disable "+job.Name, func(ctx context.Context) error {
		return a.client.DisableJob(ctx, job.Name)
	}, nil)
}

func (a *App) onPause(paused bool) {
	if paused {
		a.call("Resume", a.client.Resume, nil)
		return
	}
	a.call("Pause", a.client.Pause, nil)
}
