package views

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatcore/internal/api"
	"github.com/matheus3301/chatcore/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConversationList is the main conversation table, most recent first.
type ConversationList struct {
	*tview.Table
	theme   *ui.Theme
	convs   []api.ConversationView
	visible []api.ConversationView
	filter  string
	now     func() time.Time
}

// NewConversationList creates a new conversation list table.
func NewConversationList(theme *ui.Theme) *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	table.SetTitleColor(theme.TitleColor)

	cl := &ConversationList{Table: table, theme: theme, now: time.Now}
	cl.render()
	return cl
}

// Update replaces the rows, keeping the selected conversation selected.
func (cl *ConversationList) Update(convs []api.ConversationView) {
	selected := cl.Selected()
	cl.convs = convs
	cl.render()
	cl.reselect(selected)
}

// SetFilter narrows the list to names or previews containing filter.
func (cl *ConversationList) SetFilter(filter string) {
	cl.filter = filter
	cl.render()
	cl.Select(1, 0)
}

func (cl *ConversationList) render() {
	cl.Clear()

	headers := []struct {
		text  string
		exp   int
		align int
	}{
		{" ", 0, tview.AlignLeft},
		{"NAME", 1, tview.AlignLeft},
		{"LAST MESSAGE", 3, tview.AlignLeft},
		{"UNREAD", 0, tview.AlignRight},
		{"TIME", 0, tview.AlignRight},
	}
	for col, h := range headers {
		cl.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(cl.theme.TableHeaderFg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp).
			SetAlign(h.align))
	}

	cl.visible = cl.visible[:0]
	for _, c := range cl.convs {
		preview := ""
		if c.LastMessage != nil {
			preview = c.LastMessage.Content
			if c.LastMessage.File != nil {
				preview = "📎 " + c.LastMessage.File.Name
			}
		}
		if cl.filter != "" && !containsFold(c.Name, cl.filter) && !containsFold(preview, cl.filter) {
			continue
		}
		cl.visible = append(cl.visible, c)
		row := len(cl.visible)

		presence, presenceColor := "○", cl.theme.DimColor
		if c.Online {
			presence, presenceColor = "●", cl.theme.OnlineColor
		}
		previewColor := cl.theme.FgColor
		if c.Typing {
			preview, previewColor = "typing…", cl.theme.TypingColor
		}
		unread := ""
		nameColor := cl.theme.FgColor
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf("%d", c.UnreadCount)
			nameColor = cl.theme.UnreadColor
		}
		ts := c.CreatedAtMs
		if c.LastMessage != nil {
			ts = c.LastMessage.CreatedAtMs
		}

		cl.SetCell(row, 0, tview.NewTableCell(presence).SetTextColor(presenceColor))
		cl.SetCell(row, 1, tview.NewTableCell(clean(c.Name)).SetExpansion(1).SetTextColor(nameColor))
		cl.SetCell(row, 2, tview.NewTableCell(clean(oneLine(preview, 60))).SetExpansion(3).SetTextColor(previewColor))
		cl.SetCell(row, 3, tview.NewTableCell(unread).SetAlign(tview.AlignRight).SetTextColor(cl.theme.UnreadColor))
		cl.SetCell(row, 4, tview.NewTableCell(formatTimestamp(ts, cl.now())).SetAlign(tview.AlignRight).SetTextColor(cl.theme.DimColor))
	}

	if cl.filter != "" {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d/%d) /%s ", len(cl.visible), len(cl.convs), cl.filter))
	} else {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d) ", len(cl.convs)))
	}
}

func (cl *ConversationList) reselect(counterpartID string) {
	for i, c := range cl.visible {
		if c.CounterpartID == counterpartID {
			cl.Select(i+1, 0)
			return
		}
	}
	if len(cl.visible) > 0 {
		cl.Select(1, 0)
	}
}

// Selected returns the counterpart of the selected row.
func (cl *ConversationList) Selected() string {
	row, _ := cl.GetSelection()
	return cl.ByIndex(row)
}

// ByIndex returns the counterpart of the Nth visible row (1-based).
func (cl *ConversationList) ByIndex(n int) string {
	if n < 1 || n > len(cl.visible) {
		return ""
	}
	return cl.visible[n-1].CounterpartID
}

// Find returns the counterpart whose id or name matches query.
func (cl *ConversationList) Find(query string) string {
	for _, c := range cl.convs {
		if c.CounterpartID == query {
			return c.CounterpartID
		}
	}
	for _, c := range cl.convs {
		if containsFold(c.Name, query) {
			return c.CounterpartID
		}
	}
	return ""
}
