package dialogs

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const helpText = `[yellow]Jobs[-]

  [green]↑/k[-]      Previous job
  [green]↓/j[-]      Next job
  [green]Enter/r[-]  Run job (asks for parameters when it has any)
  [green]c[-]        Cancel the running invocation
  [green]e[-]        Enable or disable job
  [green]l[-]        Follow the last invocation's output
  [green]p[-]        Pause or resume all schedules
  [green]R[-]        Refresh
  [green]?[-]        This help
  [green]q[-]        Quit

The right pane follows the selected job's current
invocation, or its last one when nothing is running.

Press [green]Escape[-] or [green]?[-] to close.`

func HelpDialog(onClose func()) *tview.TextView {
	tv := tview.NewTextView()
	tv.SetBorder(true).SetTitle(" Help ").SetTitleAlign(tview.AlignLeft)
	tv.SetDynamicColors(true)
	tv.SetBackgroundColor(tcell.ColorDefault)
	tv.SetText(helpText)
	tv.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Rune() == '?' {
			onClose()
			return nil
		}
		return event
	})
	return tv
}
