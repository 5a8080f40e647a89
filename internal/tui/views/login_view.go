package views

import (
	"strings"

	"github.com/matheus3301/chatcore/internal/tui/ui"
	"github.com/rivo/tview"
)

// LoginView asks for an identity and access token.
type LoginView struct {
	*tview.Form
	onSubmit func(identity, token string)
	onCancel func()
}

// NewLoginView creates a new login form.
func NewLoginView(theme *ui.Theme) *LoginView {
	form := tview.NewForm()
	form.SetBorder(true)
	form.SetTitle(" Login ")
	form.SetTitleColor(theme.TitleColor)
	form.SetBorderColor(theme.BorderColor)
	form.SetBackgroundColor(theme.BgColor)
	form.SetFieldBackgroundColor(theme.TableCursorBg)
	form.SetFieldTextColor(theme.TableCursorFg)
	form.SetLabelColor(theme.FgColor)
	form.SetButtonBackgroundColor(theme.BorderColor)

	lv := &LoginView{Form: form}
	form.AddInputField("Identity", "", 40, nil, nil)
	form.AddPasswordField("Token", "", 40, '*', nil)
	form.AddButton("Login", func() {
		identity := strings.TrimSpace(form.GetFormItemByLabel("Identity").(*tview.InputField).GetText())
		token := strings.TrimSpace(form.GetFormItemByLabel("Token").(*tview.InputField).GetText())
		if identity == "" || token == "" || lv.onSubmit == nil {
			return
		}
		lv.onSubmit(identity, token)
	})
	form.AddButton("Cancel", func() {
		if lv.onCancel != nil {
			lv.onCancel()
		}
	})
	form.SetCancelFunc(func() {
		if lv.onCancel != nil {
			lv.onCancel()
		}
	})
	return lv
}

// SetIdentity prefills the identity field.
func (lv *LoginView) SetIdentity(identity string) {
	lv.GetFormItemByLabel("Identity").(*tview.InputField).SetText(identity)
}

// Reset clears the token field.
func (lv *LoginView) Reset() {
	lv.GetFormItemByLabel("Token").(*tview.InputField).SetText("")
	lv.SetFocus(0)
}

// SetOnSubmit sets the login callback.
func (lv *LoginView) SetOnSubmit(fn func(identity, token string)) { lv.onSubmit = fn }

// SetOnCancel sets the cancel callback.
func (lv *LoginView) SetOnCancel(fn func()) { lv.onCancel = fn }
