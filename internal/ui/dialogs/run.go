package dialogs

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/zsprackett/jobkit/internal/config"
)

func paramLabel(p config.Parameter) string {
	if p.Label != "" {
		return p.Label
	}
	return p.Name
}

// RunDialog shows a form with one field per job parameter, pre-filled
// with the defaults. onSubmit receives the values keyed by parameter name.
func RunDialog(jobName string, params []config.Parameter, onSubmit func(map[string]string), onCancel func()) *tview.Form {
	form := tview.NewForm()
	form.SetBorder(true).SetTitle(" Run " + jobName + " ").SetTitleAlign(tview.AlignLeft)
	form.SetBackgroundColor(tcell.ColorDefault)
	form.SetFieldBackgroundColor(tcell.ColorDefault)

	for _, p := range params {
		label := paramLabel(p)
		switch {
		case p.Checkbox != nil:
			form.AddCheckbox(label, p.Checkbox.Checked, nil)
		case len(p.Select) > 0:
			options := make([]string, len(p.Select))
			for i, o := range p.Select {
				options[i] = o.Text
				if options[i] == "" {
					options[i] = o.Value
				}
			}
			form.AddDropDown(label, options, 0, nil)
		case p.Text != nil && p.Text.Password:
			form.AddPasswordField(label, p.Text.Value, 40, '*', nil)
		default:
			form.AddInputField(label, p.Default(), 40, nil, nil)
		}
	}

	form.AddButton("Run", func() {
		onSubmit(FormValues(form, params))
	})
	form.AddButton("Cancel", onCancel)
	form.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			onCancel()
			return nil
		}
		return event
	})
	return form
}

// FormValues reads the parameter values back out of a RunDialog form.
func FormValues(form *tview.Form, params []config.Parameter) map[string]string {
	values := make(map[string]string, len(params))
	for _, p := range params {
		item := form.GetFormItemByLabel(paramLabel(p))
		switch field := item.(type) {
		case *tview.Checkbox:
			if field.IsChecked() {
				values[p.Name] = "true"
			} else {
				values[p.Name] = "false"
			}
		case *tview.DropDown:
			idx, _ := field.GetCurrentOption()
			if idx >= 0 && idx < len(p.Select) {
				values[p.Name] = p.Select[idx].Value
			}
		case *tview.InputField:
			values[p.Name] = field.GetText()
		}
	}
	return values
}
