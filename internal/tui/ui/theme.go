package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
)

// Theme holds color constants for the TUI.
type Theme struct {
	BgColor          tcell.Color
	FgColor          tcell.Color
	DimColor         tcell.Color
	BorderColor      tcell.Color
	BorderFocusColor tcell.Color
	TableHeaderFg    tcell.Color
	TableCursorFg    tcell.Color
	TableCursorBg    tcell.Color
	MenuKeyColor     tcell.Color
	TitleColor       tcell.Color
	SelfColor        tcell.Color
	PeerColor        tcell.Color
	UnreadColor      tcell.Color
	OnlineColor      tcell.Color
	TypingColor      tcell.Color
	PendingColor     tcell.Color
	FailedColor      tcell.Color
	ReadColor        tcell.Color
	FlashInfoColor   tcell.Color
	FlashWarnColor   tcell.Color
	FlashErrColor    tcell.Color
	StateColors      map[string]tcell.Color
}

// DefaultTheme returns a k9s-inspired dark theme.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:          tcell.ColorBlack,
		FgColor:          tcell.ColorCadetBlue,
		DimColor:         tcell.ColorSlateGray,
		BorderColor:      tcell.ColorDodgerBlue,
		BorderFocusColor: tcell.ColorLightSkyBlue,
		TableHeaderFg:    tcell.ColorWhite,
		TableCursorFg:    tcell.ColorBlack,
		TableCursorBg:    tcell.ColorAqua,
		MenuKeyColor:     tcell.ColorDodgerBlue,
		TitleColor:       tcell.ColorFuchsia,
		SelfColor:        tcell.ColorAqua,
		PeerColor:        tcell.ColorPapayaWhip,
		UnreadColor:      tcell.ColorFuchsia,
		OnlineColor:      tcell.ColorLimeGreen,
		TypingColor:      tcell.ColorGold,
		PendingColor:     tcell.ColorSlateGray,
		FailedColor:      tcell.ColorOrangeRed,
		ReadColor:        tcell.ColorDeepSkyBlue,
		FlashInfoColor:   tcell.ColorNavajoWhite,
		FlashWarnColor:   tcell.ColorOrange,
		FlashErrColor:    tcell.ColorOrangeRed,
		StateColors: map[string]tcell.Color{
			"connected":    tcell.ColorLimeGreen,
			"connecting":   tcell.ColorGold,
			"disconnected": tcell.ColorSlateGray,
			"error":        tcell.ColorOrangeRed,
		},
	}
}

// StateColor returns the color of a connection state.
func (t *Theme) StateColor(state string) tcell.Color {
	if c, ok := t.StateColors[state]; ok {
		return c
	}
	return t.FgColor
}

// Tag returns a tview color tag for c, e.g. "[#00ffff]".
func Tag(c tcell.Color) string {
	return fmt.Sprintf("[#%06x]", c.Hex())
}
