package views

import (
	"fmt"
	"time"

	"github.com/matheus3301/chatcore/internal/api"
	"github.com/matheus3301/chatcore/internal/tui/ui"
	"github.com/rivo/tview"
)

// StatusBar displays the profile and connection state.
type StatusBar struct {
	*tview.TextView
	theme *ui.Theme
	diag  api.DiagnosticsView
	now   func() time.Time
}

// NewStatusBar creates a new status bar.
func NewStatusBar(theme *ui.Theme) *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	sb := &StatusBar{TextView: tv, theme: theme, now: time.Now}
	sb.render()
	return sb
}

// Update renders new diagnostics.
func (sb *StatusBar) Update(d api.DiagnosticsView) {
	sb.diag = d
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()
	d := sb.diag

	state := d.State
	if state == "" {
		state = "unknown"
	}
	switch {
	case d.AuthHalted:
		state += " (login required)"
	case d.State == "connecting" && d.Attempt > 0:
		state += fmt.Sprintf(" %d/%d", d.Attempt, d.MaxAttempts)
	case d.State == "error" && d.StateDetail != "":
		state += ": " + d.StateDetail
	}

	who := d.Identity
	if who == "" {
		who = "-"
	}
	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s | %s%s[-]",
		tview.Escape(d.Profile), tview.Escape(who), ui.Tag(sb.theme.StateColor(d.State)), tview.Escape(state))
	if d.Failures > 0 {
		line += fmt.Sprintf(" | %sfailures %d[-]", ui.Tag(sb.theme.FlashWarnColor), d.Failures)
	}
	if d.PendingRequests > 0 {
		line += fmt.Sprintf(" | in flight %d", d.PendingRequests)
	}
	line += " | " + sb.now().Format("15:04")

	_, _ = fmt.Fprint(sb, line)
}
