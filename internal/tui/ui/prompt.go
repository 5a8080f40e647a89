package ui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Prompt is the ":" command input bar.
type Prompt struct {
	*tview.InputField
	onSubmit func(text string)
	onCancel func()
	history  []string
	cursor   int
}

// NewPrompt creates a new prompt input bar.
func NewPrompt(theme *Theme) *Prompt {
	input := tview.NewInputField().
		SetLabel(":").
		SetFieldWidth(0)
	input.SetBorder(true)
	input.SetTitle(" Command ")
	input.SetBorderColor(theme.BorderFocusColor)
	input.SetBackgroundColor(theme.BgColor)
	input.SetFieldBackgroundColor(theme.BgColor)
	input.SetFieldTextColor(theme.FgColor)
	input.SetLabelColor(theme.MenuKeyColor)

	p := &Prompt{InputField: input}

	input.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEnter:
			text := p.GetText()
			p.SetText("")
			if text == "" {
				p.cancel()
				return
			}
			p.history = append(p.history, text)
			p.cursor = len(p.history)
			if p.onSubmit != nil {
				p.onSubmit(text)
			}
		case tcell.KeyEscape:
			p.SetText("")
			p.cancel()
		}
	})
	input.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		switch ev.Key() {
		case tcell.KeyUp:
			p.recall(-1)
			return nil
		case tcell.KeyDown:
			p.recall(1)
			return nil
		}
		return ev
	})

	return p
}

func (p *Prompt) recall(step int) {
	next := p.cursor + step
	if next < 0 || next > len(p.history) {
		return
	}
	p.cursor = next
	if next == len(p.history) {
		p.SetText("")
		return
	}
	p.SetText(p.history[next])
}

func (p *Prompt) cancel() {
	p.cursor = len(p.history)
	if p.onCancel != nil {
		p.onCancel()
	}
}

// SetOnSubmit sets the callback when the prompt is submitted.
func (p *Prompt) SetOnSubmit(fn func(text string)) {
	p.onSubmit = fn
}

// SetOnCancel sets the callback when the prompt is cancelled.
func (p *Prompt) SetOnCancel(fn func()) {
	p.onCancel = fn
}
