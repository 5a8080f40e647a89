package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatcore/internal/api"
	"github.com/matheus3301/chatcore/internal/domain"
	"github.com/matheus3301/chatcore/internal/tui/ui"
	"github.com/rivo/tview"
)

// MessageThread displays messages and a composer for a single conversation.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	messages *tview.TextView
	typing   *tview.TextView
	composer *tview.InputField
	name     string
	onSend   func(text string)
	onType   func()
	now      func() time.Time
}

// NewMessageThread creates a new message thread view.
func NewMessageThread(theme *ui.Theme) *MessageThread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitle(" Messages ")
	messages.SetTitleColor(theme.TitleColor)

	typing := tview.NewTextView().SetDynamicColors(true)
	typing.SetBackgroundColor(theme.BgColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.MenuKeyColor)
	composer.SetTitle(" Compose (i to focus) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(typing, 1, 0, false).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		messages: messages,
		typing:   typing,
		composer: composer,
		now:      time.Now,
	}

	composer.SetChangedFunc(func(text string) {
		if text != "" && mt.onType != nil {
			mt.onType()
		}
	})
	composer.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && mt.onSend != nil {
			text := strings.TrimSpace(composer.GetText())
			if text != "" {
				mt.onSend(text)
				composer.SetText("")
			}
		}
	})

	return mt
}

// SetOnSend sets the callback for submitted composer text.
func (mt *MessageThread) SetOnSend(fn func(text string)) { mt.onSend = fn }

// SetOnType sets the callback fired on every composer edit.
func (mt *MessageThread) SetOnType(fn func()) { mt.onType = fn }

// Composer returns the input field so the app can move focus to it.
func (mt *MessageThread) Composer() *tview.InputField { return mt.composer }

// Messages returns the scrollable message area.
func (mt *MessageThread) Messages() *tview.TextView { return mt.messages }

// Update renders the thread. name is the counterpart display name.
func (mt *MessageThread) Update(name string, res api.MessagesResult) {
	mt.name = name
	mt.messages.Clear()
	mt.messages.SetTitle(fmt.Sprintf(" %s (%d) ", clean(name), len(res.Messages)))

	if res.HasMore {
		_, _ = fmt.Fprintf(mt.messages, "%s  ↑ older messages (m to load)[-]\n", ui.Tag(mt.theme.DimColor))
	}
	if res.Loading {
		_, _ = fmt.Fprintf(mt.messages, "%s  loading…[-]\n", ui.Tag(mt.theme.DimColor))
	}
	now := mt.now()
	for _, m := range res.Messages {
		_, _ = fmt.Fprintln(mt.messages, mt.formatMessage(m, res.CounterpartID, now))
	}
	mt.messages.ScrollToEnd()

	mt.typing.Clear()
	if res.Typing {
		_, _ = fmt.Fprintf(mt.typing, " %s%s is typing…[-]", ui.Tag(mt.theme.TypingColor), clean(name))
	}
}

func (mt *MessageThread) formatMessage(m api.MessageView, counterpart string, now time.Time) string {
	ts := formatTimestamp(m.CreatedAtMs, now)
	if domain.MessageType(m.Type) == domain.TypeSystem || domain.MessageType(m.Type) == domain.TypeVideoEvent {
		return fmt.Sprintf("%s  [%s] · %s[-]", ui.Tag(mt.theme.DimColor), ts, clean(m.Content))
	}

	body := clean(m.Content)
	switch domain.MessageType(m.Type) {
	case domain.TypeWink:
		body = "😉 wink"
	case domain.TypeFile:
		if m.File != nil {
			body = fmt.Sprintf("📎 %s (%s)", clean(m.File.Name), humanize.Bytes(uint64(max(m.File.Size, 0))))
		}
	}

	if m.SenderID == counterpart {
		return fmt.Sprintf("%s[%s][-] %s%s:[-] %s", ui.Tag(mt.theme.DimColor), ts, ui.Tag(mt.theme.PeerColor), clean(mt.name), body)
	}
	line := fmt.Sprintf("%s[%s][-] %sYou:[-] %s %s", ui.Tag(mt.theme.DimColor), ts, ui.Tag(mt.theme.SelfColor), body, mt.statusGlyph(m))
	if m.FailReason != "" {
		line += fmt.Sprintf(" %s(%s, r to retry)[-]", ui.Tag(mt.theme.FailedColor), clean(m.FailReason))
	}
	return line
}

func (mt *MessageThread) statusGlyph(m api.MessageView) string {
	switch domain.Status(m.Status) {
	case domain.StatusPending:
		return ui.Tag(mt.theme.PendingColor) + "◷[-]"
	case domain.StatusSent:
		return ui.Tag(mt.theme.DimColor) + "✓[-]"
	case domain.StatusDelivered:
		return ui.Tag(mt.theme.DimColor) + "✓✓[-]"
	case domain.StatusRead:
		return ui.Tag(mt.theme.ReadColor) + "✓✓[-]"
	case domain.StatusFailed:
		return ui.Tag(mt.theme.FailedColor) + "✗[-]"
	}
	return ""
}
