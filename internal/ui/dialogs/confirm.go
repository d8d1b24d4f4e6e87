package dialogs

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// ConfirmDialog asks before a destructive action such as cancelling a
// running job. onConfirm runs on the confirm button; onCancel on the other
// button or Escape.
func ConfirmDialog(message, confirmLabel string, onConfirm func(), onCancel func()) *tview.Modal {
	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{confirmLabel, "Back"}).
		SetDoneFunc(func(_ int, label string) {
			if label == confirmLabel {
				onConfirm()
			} else {
				onCancel()
			}
		})
	modal.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			onCancel()
			return nil
		}
		return event
	})
	return modal
}
