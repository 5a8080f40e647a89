package views

import (
	"fmt"

	"github.com/matheus3301/chatcore/internal/tui/keys"
	"github.com/matheus3301/chatcore/internal/tui/ui"
	"github.com/rivo/tview"
)

// HelpTopic is one section of the help page.
type HelpTopic struct {
	Title string
	Hints []keys.Hint
}

// HelpView displays the key binding and command reference.
type HelpView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewHelpView creates a new help view.
func NewHelpView(theme *ui.Theme) *HelpView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Help ")
	tv.SetTitleColor(theme.TitleColor)

	return &HelpView{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders topics in order.
func (hv *HelpView) Update(topics []HelpTopic) {
	hv.Clear()
	kc := ui.Tag(hv.theme.MenuKeyColor)
	for _, topic := range topics {
		_, _ = fmt.Fprintf(hv, "\n  [::b]%s[-:-:-]\n\n", topic.Title)
		for _, h := range topic.Hints {
			_, _ = fmt.Fprintf(hv, "  %s%-18s[-] %s\n", kc, tview.Escape(h.Key), h.Description)
		}
	}
	hv.ScrollToBeginning()
}
