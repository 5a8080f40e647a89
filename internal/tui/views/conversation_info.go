package views

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/chatcore/internal/api"
	"github.com/matheus3301/chatcore/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConversationInfo displays detailed information about a conversation.
type ConversationInfo struct {
	*tview.TextView
	theme *ui.Theme
}

// NewConversationInfo creates a new conversation info view.
func NewConversationInfo(theme *ui.Theme) *ConversationInfo {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Conversation Details ")
	tv.SetTitleColor(theme.TitleColor)

	return &ConversationInfo{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders the details of c. loaded is the number of messages in
// the open thread.
func (ci *ConversationInfo) Update(c api.ConversationView, loaded int, hasMore bool) {
	ci.Clear()

	label := ui.Tag(ci.theme.TableHeaderFg)
	presence := ui.Tag(ci.theme.DimColor) + "offline[-]"
	if c.Online {
		presence = ui.Tag(ci.theme.OnlineColor) + "online[-]"
	}
	if c.Typing {
		presence += " " + ui.Tag(ci.theme.TypingColor) + "typing…[-]"
	}
	matched := "-"
	if c.CreatedAtMs > 0 {
		t := time.UnixMilli(c.CreatedAtMs)
		matched = fmt.Sprintf("%s (%s)", t.Format("2006-01-02 15:04"), humanize.Time(t))
	}
	history := "complete"
	if hasMore {
		history = "more on server"
	}

	_, _ = fmt.Fprintf(ci, "\n  %sName:[-]      %s\n", label, clean(c.Name))
	_, _ = fmt.Fprintf(ci, "  %sID:[-]        %s\n", label, tview.Escape(c.CounterpartID))
	_, _ = fmt.Fprintf(ci, "  %sPresence:[-]  %s\n", label, presence)
	_, _ = fmt.Fprintf(ci, "  %sMatched:[-]   %s\n", label, matched)
	_, _ = fmt.Fprintf(ci, "  %sUnread:[-]    %d\n", label, c.UnreadCount)
	_, _ = fmt.Fprintf(ci, "  %sLoaded:[-]    %d (%s)\n", label, loaded, history)
	if c.LastMessage != nil {
		_, _ = fmt.Fprintf(ci, "  %sLast:[-]      %s %s(%s)[-]\n", label, clean(oneLine(c.LastMessage.Content, 80)),
			ui.Tag(ci.theme.DimColor), humanize.Time(time.UnixMilli(c.LastMessage.CreatedAtMs)))
	}
}
