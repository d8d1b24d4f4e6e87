package ui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/zsprackett/jobkit/internal/client"
)

// Home is the main screen: the job list and the output pane of the
// selected job.
type Home struct {
	*tview.Flex
	app     *tview.Application
	table   *tview.Table
	preview *tview.TextView
	header  *tview.TextView
	footer  *tview.TextView

	title    string
	status   client.Status
	selected int
	now      func() time.Time

	onRun     func(job client.Job)
	onCancel  func(job client.Job)
	onToggle  func(job client.Job)
	onSelect  func(job client.Job)
	onFollow  func(job client.Job)
	onPause   func(paused bool)
	onRefresh func()
	onQuit    func()
}

func NewHome(app *tview.Application, title string) *Home {
	h := &Home{app: app, title: title, now: time.Now}

	h.header = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	h.header.SetBackgroundColor(ColorBackgroundPanel)

	h.table = tview.NewTable().
		SetSelectable(true, false).
		SetSelectedStyle(tcell.StyleDefault.
			Background(ColorSelected).
			Foreground(ColorSelectedText))
	h.table.SetBackgroundColor(ColorBackground)
	h.table.SetBorderPadding(0, 0, 0, 0)
	h.table.SetSelectionChangedFunc(func(row, _ int) {
		if row == h.selected {
			return
		}
		h.selected = row
		if job, ok := h.selectedJob(); ok && h.onSelect != nil {
			h.onSelect(job)
		}
	})

	h.preview = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false).
		SetMaxLines(5000)
	h.preview.SetBackgroundColor(ColorBackground)
	h.preview.SetBorder(true).SetBorderColor(ColorBorder).SetTitleAlign(tview.AlignLeft)

	h.footer = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	h.footer.SetBackgroundColor(ColorBackgroundPanel)
	h.footer.SetText(
		"[green]↑↓[-] navigate  [green]Enter/r[-] run  [green]c[-] cancel  " +
			"[green]e[-] enable/disable  [green]l[-] last output  [green]p[-] pause  " +
			"[green]R[-] refresh  [green]?[-] help  [green]q[-] quit")

	separator := tview.NewBox().SetBackgroundColor(ColorBorder)

	content := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(h.table, 0, 40, true).
		AddItem(separator, 1, 0, false).
		AddItem(h.preview, 0, 60, false)

	h.Flex = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(h.header, 1, 0, false).
		AddItem(content, 0, 1, true).
		AddItem(h.footer, 1, 0, false)

	h.setupInput()
	return h
}

func (h *Home) SetCallbacks(
	onRun func(client.Job),
	onCancel func(client.Job),
	onToggle func(client.Job),
	onSelect func(client.Job),
	onFollow func(client.Job),
	onPause func(paused bool),
	onRefresh func(),
	onQuit func(),
) {
	h.onRun = onRun
	h.onCancel = onCancel
	h.onToggle = onToggle
	h.onSelect = onSelect
	h.onFollow = onFollow
	h.onPause = onPause
	h.onRefresh = onRefresh
	h.onQuit = onQuit
}

// Update redraws the job list from st, keeping the selected job selected
// when it still exists.
func (h *Home) Update(st client.Status) {
	prev, hadPrev := h.selectedJob()
	h.status = st
	if hadPrev {
		for i, j := range st.Jobs {
			if j.Name == prev.Name {
				h.selected = i
				break
			}
		}
	}
	h.renderTable()
	h.updateHeader()
}

// Preview is the pane the selected job's output is written to.
func (h *Home) Preview() *tview.TextView {
	return h.preview
}

func (h *Home) renderTable() {
	h.table.Clear()
	for i, job := range h.status.Jobs {
		icon, color := StatusIcon(job.State())
		name := job.Name
		if len(name) > 24 {
			name = name[:22] + ".."
		}
		cell := tview.NewTableCell(fmt.Sprintf(" %s %-24s %s", icon, name, h.detail(job))).
			SetTextColor(color).
			SetBackgroundColor(ColorBackground).
			SetExpansion(1).
			SetSelectable(true)
		h.table.SetCell(i, 0, cell)
	}

	if h.selected >= len(h.status.Jobs) && len(h.status.Jobs) > 0 {
		h.selected = len(h.status.Jobs) - 1
	}
	if len(h.status.Jobs) > 0 {
		h.table.Select(h.selected, 0)
	}
}

// detail is the text after the job name: the running time, the time
// since the last run, or the next scheduled run.
func (h *Home) detail(job client.Job) string {
	now := h.now()
	switch {
	case job.Current != nil:
		return "running " + formatAge(now.Sub(job.Current.Started))
	case job.Disabled:
		return "disabled"
	case job.NextRuntime != nil:
		next := "next in " + formatAge(job.NextRuntime.Sub(now))
		if job.Last != nil && job.Last.Complete != nil {
			return formatAge(now.Sub(*job.Last.Complete)) + " ago, " + next
		}
		return next
	case job.Last != nil && job.Last.Complete != nil:
		return formatAge(now.Sub(*job.Last.Complete)) + " ago"
	}
	return ""
}

func (h *Home) updateHeader() {
	failed := 0
	for _, j := range h.status.Jobs {
		if j.Current == nil && j.Last != nil && j.Last.Status == "failed" {
			failed++
		}
	}
	paused := ""
	if h.status.Paused {
		paused = "  [yellow]⏸ paused[-]"
	}
	h.header.SetText(fmt.Sprintf(
		"[blue]%s[-]   [blue]● %d running[-]  [red]✗ %d failed[-]  %d jobs%s",
		h.title, h.status.Running, failed, len(h.status.Jobs), paused))
}

func (h *Home) selectedJob() (client.Job, bool) {
	if h.selected < 0 || h.selected >= len(h.status.Jobs) {
		return client.Job{}, false
	}
	return h.status.Jobs[h.selected], true
}

func (h *Home) withSelected(fn func(client.Job)) {
	if job, ok := h.selectedJob(); ok && fn != nil {
		fn(job)
	}
}

func (h *Home) setupInput() {
	h.table.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		row, _ := h.table.GetSelection()
		h.selected = row

		if event.Key() == tcell.KeyEnter {
			h.withSelected(h.onRun)
			return nil
		}

		switch event.Rune() {
		case 'r':
			h.withSelected(h.onRun)
			return nil
		case 'c':
			h.withSelected(h.onCancel)
			return nil
		case 'e':
			h.withSelected(h.onToggle)
			return nil
		case 'l':
			h.withSelected(h.onFollow)
			return nil
		case 'p':
			if h.onPause != nil {
				h.onPause(h.status.Paused)
			}
			return nil
		case 'R':
			if h.onRefresh != nil {
				h.onRefresh()
			}
			return nil
		case 'q':
			if h.onQuit != nil {
				h.onQuit()
			}
			return nil
		case 'j':
			h.move(1)
			return nil
		case 'k':
			h.move(-1)
			return nil
		}
		return event
	})
}

func (h *Home) move(delta int) {
	row := h.selected + delta
	if row < 0 || row >= len(h.status.Jobs) {
		return
	}
	h.table.Select(row, 0)
}

func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
