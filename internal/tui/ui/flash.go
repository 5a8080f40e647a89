package ui

import (
	"fmt"
	"sync"
	"time"

	"github.com/rivo/tview"
)

// FlashLevel is the severity of a notice.
type FlashLevel int

const (
	FlashInfo FlashLevel = iota
	FlashWarn
	FlashErr
)

var flashTTL = map[FlashLevel]time.Duration{
	FlashInfo: 5 * time.Second,
	FlashWarn: 8 * time.Second,
	FlashErr:  10 * time.Second,
}

// FlashMessage is one notice shown in the flash bar until it expires.
type FlashMessage struct {
	Text    string
	Level   FlashLevel
	Expires time.Time
}

// FlashModel holds the notice on screen. A live notice is only replaced by
// one of equal or higher level, so an incoming call notice cannot hide a
// send failure.
type FlashModel struct {
	mu      sync.Mutex
	current FlashMessage
	now     func() time.Time
}

// NewFlashModel creates a new flash model.
func NewFlashModel() *FlashModel {
	return &FlashModel{now: time.Now}
}

func (f *FlashModel) Info(msg string) { f.post(msg, FlashInfo) }

func (f *FlashModel) Warn(msg string) { f.post(msg, FlashWarn) }

func (f *FlashModel) Err(err error) { f.post(err.Error(), FlashErr) }

// Clear drops the current notice regardless of level.
func (f *FlashModel) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = FlashMessage{}
}

func (f *FlashModel) post(msg string, level FlashLevel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	if f.live(now) && f.current.Level > level {
		return
	}
	f.current = FlashMessage{Text: msg, Level: level, Expires: now.Add(flashTTL[level])}
}

func (f *FlashModel) live(now time.Time) bool {
	return f.current.Text != "" && now.Before(f.current.Expires)
}

// Current returns the live notice, or nil.
func (f *FlashModel) Current() *FlashMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live(f.now()) {
		return nil
	}
	m := f.current
	return &m
}

// FlashBar renders the current notice on one line.
type FlashBar struct {
	*tview.TextView
	theme *Theme
}

// NewFlashBar creates a new flash bar.
func NewFlashBar(theme *Theme) *FlashBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	return &FlashBar{TextView: tv, theme: theme}
}

// Update shows msg, or blanks the bar when msg is nil.
func (fb *FlashBar) Update(msg *FlashMessage) {
	fb.Clear()
	if msg == nil {
		return
	}
	color := fb.theme.FlashInfoColor
	switch msg.Level {
	case FlashWarn:
		color = fb.theme.FlashWarnColor
	case FlashErr:
		color = fb.theme.FlashErrColor
	}
	_, _ = fmt.Fprintf(fb, " %s%s[-]", Tag(color), tview.Escape(msg.Text))
}
