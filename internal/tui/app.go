package tui

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatcore/internal/api"
	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/tui/keys"
	"github.com/matheus3301/chatcore/internal/tui/model"
	"github.com/matheus3301/chatcore/internal/tui/ui"
	"github.com/matheus3301/chatcore/internal/tui/views"
	"github.com/rivo/tview"
)

// Page names.
const (
	pageConversations = "conversations"
	pageThread        = "thread"
	pageDetails       = "details"
	pageHelp          = "help"
	pageLogin         = "login"
)

const (
	rpcTimeout       = 10 * time.Second
	watchRetry       = 2 * time.Second
	diagnosticsEvery = 10 * time.Second
)

// App is the main TUI application shell.
type App struct {
	app      *tview.Application
	root     *tview.Flex
	pages    *ui.Pages
	theme    *ui.Theme
	vm       *model.ViewModel
	registry *keys.Registry
	flash    *ui.FlashModel

	statusBar *views.StatusBar
	flashBar  *ui.FlashBar
	prompt    *ui.Prompt
	list      *views.ConversationList
	thread    *views.MessageThread
	details   *views.ConversationInfo
	help      *views.HelpView
	login     *views.LoginView

	filtering bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(d model.Daemon) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:       tview.NewApplication(),
		pages:     ui.NewPages(),
		theme:     theme,
		vm:        model.NewViewModel(d),
		registry:  keys.NewRegistry(),
		flash:     ui.NewFlashModel(),
		statusBar: views.NewStatusBar(theme),
		flashBar:  ui.NewFlashBar(theme),
		prompt:    ui.NewPrompt(theme),
		list:      views.NewConversationList(theme),
		thread:    views.NewMessageThread(theme),
		details:   views.NewConversationInfo(theme),
		help:      views.NewHelpView(theme),
		login:     views.NewLoginView(theme),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: ':', Label: ":", Description: "Command mode", Visible: true,
		Handler: func() { a.showPrompt(false) },
	})
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: '?', Label: "?", Description: "Help", Visible: true,
		Handler: a.showHelp,
	})
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: 'q', Label: "q", Description: "Quit / Back", Visible: true,
		Handler: a.back,
	})
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyCtrlR, Label: "Ctrl-R", Description: "Reconnect now", Visible: true,
		Handler: func() { a.run("reconnect", a.vm.Reconnect) },
	})
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: 'R', Label: "R", Description: "Resume after sleep", Visible: true,
		Handler: func() { a.run("resume", a.vm.Resume) },
	})
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: 'L', Label: "L", Description: "Login", Visible: true,
		Handler: a.showLogin,
	})

	a.registry.AddPage(pageConversations, &keys.Action{
		Key: tcell.KeyRune, Rune: '/', Label: "/", Description: "Filter conversations", Visible: true,
		Handler: func() { a.showPrompt(true) },
	})
	a.registry.AddPage(pageConversations, &keys.Action{
		Key: tcell.KeyRune, Rune: '0', Label: "0", Description: "Clear filter", Visible: true,
		Handler: func() { a.list.SetFilter("") },
	})
	for n := 1; n <= 9; n++ {
		a.registry.AddPage(pageConversations, &keys.Action{
			Key: tcell.KeyRune, Rune: rune('0' + n), Label: "1-9", Description: "Open Nth conversation", Visible: n == 1,
			Handler: func() {
				if id := a.list.ByIndex(n); id != "" {
					a.open(id)
				}
			},
		})
	}

	a.registry.AddPage(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'i', Label: "i", Description: "Focus composer", Visible: true,
		Handler: func() { a.app.SetFocus(a.thread.Composer()) },
	})
	a.registry.AddPage(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'm', Label: "m", Description: "Load older messages", Visible: true,
		Handler: a.loadMore,
	})
	a.registry.AddPage(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'r', Label: "r", Description: "Retry last failed message", Visible: true,
		Handler: func() { a.retry("") },
	})
	a.registry.AddPage(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'w', Label: "w", Description: "Send a wink", Visible: true,
		Handler: func() { a.send("/wink") },
	})
	a.registry.AddPage(pageThread, &keys.Action{
		Key: tcell.KeyRune, Rune: 'd', Label: "d", Description: "Conversation details", Visible: true,
		Handler: a.showDetails,
	})
}

func (a *App) setupCallbacks() {
	a.list.SetSelectedFunc(func(row, _ int) {
		if id := a.list.ByIndex(row); id != "" {
			a.open(id)
		}
	})

	a.thread.SetOnSend(a.send)
	a.thread.SetOnType(func() {
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
			defer cancel()
			_ = a.vm.Keystroke(ctx)
		}()
	})

	a.prompt.SetOnSubmit(func(text string) {
		filtering := a.filtering
		a.hidePrompt()
		if filtering {
			a.list.SetFilter(text)
			return
		}
		a.execute(ParseCommand(text))
	})
	a.prompt.SetOnCancel(a.hidePrompt)

	a.login.SetOnSubmit(a.doLogin)
	a.login.SetOnCancel(a.back)

	a.pages.SetOnChange(func(top string) {
		a.focusPage(top)
	})
}

func (a *App) setupLayout() {
	a.pages.AddPage(pageConversations, a.list, true, false)
	a.pages.AddPage(pageThread, a.thread, true, false)
	a.pages.AddPage(pageDetails, a.details, true, false)
	a.pages.AddPage(pageHelp, a.help, true, false)
	a.pages.AddPage(pageLogin, a.login, true, false)
	a.pages.Reset(pageConversations)

	a.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.prompt, 0, 0, false).
		AddItem(a.flashBar, 1, 0, false).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(a.root, true)
	a.app.SetInputCapture(a.handleKey)
}

func (a *App) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if event.Key() == tcell.KeyCtrlC {
		a.Stop()
		return nil
	}

	focused := a.app.GetFocus()
	if event.Key() == tcell.KeyEscape {
		if focused == a.thread.Composer() {
			a.app.SetFocus(a.thread.Messages())
			return nil
		}
		if focused == a.prompt.InputField || a.pages.Current() == pageLogin {
			return event
		}
		a.back()
		return nil
	}

	// Text input widgets handle their own keys.
	if _, ok := focused.(*tview.InputField); ok {
		return event
	}
	if a.pages.Current() == pageLogin {
		return event
	}

	if a.registry.HandleEvent(a.pages.Current(), event) {
		return nil
	}
	return event
}

func (a *App) execute(cmd Command) {
	info, err := cmd.Validate(a.vm.Active() != "")
	if err != nil {
		a.flash.Err(err)
		a.renderAll()
		return
	}

	switch info.Name {
	case "open":
		id := a.list.Find(cmd.Args)
		if id == "" {
			id = cmd.Args
		}
		a.open(id)
	case "filter":
		a.list.SetFilter(cmd.Args)
	case "more":
		a.loadMore()
	case "wink":
		a.send("/wink")
	case "send-file":
		a.sendFile(cmd.Args)
	case "retry":
		a.retry(cmd.Args)
	case "login":
		identity, token, ok := strings.Cut(cmd.Args, " ")
		if !ok {
			a.showLogin()
			return
		}
		a.doLogin(strings.TrimSpace(identity), strings.TrimSpace(token))
	case "logout":
		a.run("logout", func(ctx context.Context) error {
			if err := a.vm.Logout(ctx); err != nil {
				return err
			}
			a.app.QueueUpdateDraw(func() { a.pages.Reset(pageConversations) })
			return nil
		})
	case "reconnect":
		a.run("reconnect", a.vm.Reconnect)
	case "resume":
		a.run("resume", a.vm.Resume)
	case "help":
		a.showHelp()
	case "quit":
		a.Stop()
	}
}

func (a *App) open(counterpartID string) {
	a.run("open", func(ctx context.Context) error {
		if err := a.vm.Open(ctx, counterpartID); err != nil {
			return err
		}
		a.app.QueueUpdateDraw(func() {
			a.pages.Reset(pageConversations)
			a.pages.Push(pageThread)
		})
		return nil
	})
}

func (a *App) doLogin(identity, token string) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
		defer cancel()
		err := a.vm.Login(ctx, identity, token)
		a.app.QueueUpdateDraw(func() {
			if err != nil {
				a.flash.Err(fmt.Errorf("login: %w", err))
				a.renderAll()
				return
			}
			a.flash.Info("logged in as " + identity)
			a.login.Reset()
			a.pages.Reset(pageConversations)
			a.renderAll()
		})
	}()
}

func (a *App) send(text string) {
	a.run("send", func(ctx context.Context) error {
		_, err := a.vm.Send(ctx, text)
		return err
	})
}

func (a *App) sendFile(path string) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	a.run("send file", func(ctx context.Context) error {
		msg, err := a.vm.SendFile(ctx, path)
		if err == nil && msg.File != nil {
			a.flash.Info("sent " + msg.File.Name)
		}
		return err
	})
}

func (a *App) retry(tempID string) {
	a.run("retry", func(ctx context.Context) error {
		_, err := a.vm.Retry(ctx, tempID)
		if errors.Is(err, model.ErrNoFailedMessage) {
			a.flash.Warn(err.Error())
			return nil
		}
		return err
	})
}

func (a *App) loadMore() {
	a.run("load more", func(ctx context.Context) error {
		page, err := a.vm.LoadMore(ctx)
		if err != nil {
			return err
		}
		if !page.HasMore {
			a.flash.Info("start of conversation")
		}
		return nil
	})
}

// run executes fn off the UI goroutine and redraws when it returns.
func (a *App) run(what string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.flash.Err(fmt.Errorf("%s: %w", what, err))
		}
		a.app.QueueUpdateDraw(a.renderAll)
	}()
}

func (a *App) back() {
	switch a.pages.Current() {
	case pageConversations:
		a.Stop()
		return
	case pageThread:
		a.vm.Close()
	}
	if a.pages.Pop() == "" {
		a.pages.Reset(pageConversations)
	}
	a.renderAll()
}

func (a *App) showPrompt(filter bool) {
	a.filtering = filter
	if filter {
		a.prompt.SetLabel("/")
		a.prompt.SetTitle(" Filter ")
	} else {
		a.prompt.SetLabel(":")
		a.prompt.SetTitle(" Command ")
	}
	a.root.ResizeItem(a.prompt, 3, 0)
	a.app.SetFocus(a.prompt.InputField)
}

func (a *App) hidePrompt() {
	a.filtering = false
	a.root.ResizeItem(a.prompt, 0, 0)
	a.focusPage(a.pages.Current())
}

func (a *App) showHelp() {
	var topics []views.HelpTopic
	topics = append(topics, views.HelpTopic{Title: "Global Keys", Hints: a.registry.Hints("")})
	for _, page := range a.registry.Pages() {
		topics = append(topics, views.HelpTopic{Title: "Keys: " + page, Hints: a.registry.PageHints(page)})
	}
	var cmds []keys.Hint
	for _, info := range commandTable {
		cmds = append(cmds, keys.Hint{Key: ":" + info.Usage, Description: info.Description})
	}
	topics = append(topics, views.HelpTopic{Title: "Commands", Hints: cmds})
	a.help.Update(topics)
	a.pages.Push(pageHelp)
}

func (a *App) showDetails() {
	a.renderDetails()
	a.pages.Push(pageDetails)
}

func (a *App) showLogin() {
	a.login.SetIdentity(a.vm.Diagnostics().Identity)
	a.pages.Push(pageLogin)
}

func (a *App) focusPage(page string) {
	switch page {
	case pageThread:
		a.app.SetFocus(a.thread.Composer())
	case pageDetails:
		a.app.SetFocus(a.details)
	case pageHelp:
		a.app.SetFocus(a.help)
	case pageLogin:
		a.app.SetFocus(a.login)
	default:
		a.app.SetFocus(a.list)
	}
}

// renderAll redraws every view from the view model. Must run on the UI
// goroutine.
func (a *App) renderAll() {
	a.render(model.DirtyList | model.DirtyThread | model.DirtyStatus)
}

func (a *App) render(dirty model.Dirty) {
	if dirty.Has(model.DirtyList) {
		a.list.Update(a.vm.Conversations())
	}
	if dirty.Has(model.DirtyThread) {
		a.renderThread()
		a.renderDetails()
	}
	if dirty.Has(model.DirtyStatus) {
		a.statusBar.Update(a.vm.Diagnostics())
	}
	a.flashBar.Update(a.flash.Current())
}

func (a *App) renderThread() {
	active := a.vm.Active()
	if active == "" {
		return
	}
	name := active
	if c, ok := a.vm.Conversation(active); ok && c.Name != "" {
		name = c.Name
	}
	a.thread.Update(name, a.vm.Thread())
}

func (a *App) renderDetails() {
	active := a.vm.Active()
	if active == "" {
		return
	}
	c, ok := a.vm.Conversation(active)
	if !ok {
		c = api.ConversationView{CounterpartID: active, Name: active}
	}
	thread := a.vm.Thread()
	a.details.Update(c, len(thread.Messages), thread.HasMore)
}

// Run starts the TUI application.
func (a *App) Run() error {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
		err := a.vm.Refresh(ctx)
		cancel()
		a.app.QueueUpdateDraw(func() {
			if err != nil {
				a.flash.Err(fmt.Errorf("load: %w", err))
			}
			if d := a.vm.Diagnostics(); !d.Initialized || d.AuthHalted {
				a.showLogin()
			}
			a.renderAll()
		})
		go a.watchLoop()
		a.tickLoop()
	}()

	return a.app.Run()
}

// watchLoop applies daemon events until the app stops, resubscribing
// after stream failures.
func (a *App) watchLoop() {
	for {
		err := a.vm.Watch(a.ctx, func(dirty model.Dirty, evt api.EventView) {
			if strings.HasPrefix(evt.Kind, bus.KindCallPrefix) {
				a.flash.Info(describeCall(evt))
			}
			a.app.QueueUpdateDraw(func() { a.render(dirty) })
		})
		if a.ctx.Err() != nil {
			return
		}
		if err != nil {
			a.flash.Warn("event stream lost: " + err.Error())
			a.app.QueueUpdateDraw(a.renderAll)
		}
		select {
		case <-time.After(watchRetry):
		case <-a.ctx.Done():
			return
		}
		ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
		_ = a.vm.Refresh(ctx)
		cancel()
	}
}

// tickLoop expires flash messages and polls the daemon. Reconnect
// attempts within one state have no event of their own.
func (a *App) tickLoop() {
	flashTicker := time.NewTicker(time.Second)
	diagTicker := time.NewTicker(diagnosticsEvery)
	defer flashTicker.Stop()
	defer diagTicker.Stop()
	for {
		select {
		case <-flashTicker.C:
			a.app.QueueUpdateDraw(func() { a.flashBar.Update(a.flash.Current()) })
		case <-diagTicker.C:
			ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
			_ = a.vm.Refresh(ctx)
			cancel()
			a.app.QueueUpdateDraw(a.renderAll)
		case <-a.ctx.Done():
			return
		}
	}
}

func describeCall(evt api.EventView) string {
	var p struct {
		From string `json:"from"`
	}
	_ = evt.DecodePayload(&p)
	return fmt.Sprintf("%s from %s", strings.ReplaceAll(evt.Kind, ".", " "), p.From)
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
