package model

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatcore/internal/api"
	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/domain"
	"golang.org/x/sync/errgroup"
)

// ErrNoFailedMessage is returned by Retry when the thread has nothing to resend.
var ErrNoFailedMessage = errors.New("no failed message in this conversation")

// typingEvery bounds how often keystrokes become Typing RPCs. The core
// throttles the wire signal on its own.
const typingEvery = time.Second

// Daemon is the part of the daemon client the TUI uses.
type Daemon interface {
	Diagnostics(ctx context.Context) (api.DiagnosticsView, error)
	ListConversations(ctx context.Context) (api.ConversationsResult, error)
	SetActive(ctx context.Context, counterpartID string) (api.MessagesResult, error)
	ListMessages(ctx context.Context, counterpartID string) (api.MessagesResult, error)
	LoadMore(ctx context.Context) (api.PageView, error)
	Send(ctx context.Context, content string, typ domain.MessageType, file *domain.FileMeta) (api.MessageView, error)
	SendFile(ctx context.Context, path, mimeType string) (api.MessageView, error)
	Retry(ctx context.Context, tempID string) (api.MessageView, error)
	Typing(ctx context.Context) error
	MarkRead(ctx context.Context, counterpartID string) error
	Reconnect(ctx context.Context) (api.DiagnosticsView, error)
	Resume(ctx context.Context) (api.DiagnosticsView, error)
	Login(ctx context.Context, identity, token string) (string, error)
	Logout(ctx context.Context) error
	Watch(ctx context.Context, namespace string, fn func(api.EventView) error) error
}

// Dirty tells the app which parts of the screen an update touched.
type Dirty uint8

const (
	DirtyList Dirty = 1 << iota
	DirtyThread
	DirtyStatus
)

// Has reports whether d includes part.
func (d Dirty) Has(part Dirty) bool { return d&part != 0 }

// ViewModel caches daemon state for rendering. Watch events trigger a
// refetch of whatever they touched.
type ViewModel struct {
	mu sync.RWMutex

	daemon        Daemon
	diag          api.DiagnosticsView
	conversations []api.ConversationView
	active        string
	thread        api.MessagesResult
	lastTyping    time.Time
	now           func() time.Time
}

// NewViewModel creates a new view model connected to the daemon client.
func NewViewModel(d Daemon) *ViewModel {
	return &ViewModel{daemon: d, now: time.Now}
}

// Refresh reloads diagnostics, the conversation list and the open thread.
func (vm *ViewModel) Refresh(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return vm.loadDiagnostics(ctx) })
	g.Go(func() error { return vm.loadConversations(ctx) })
	if vm.Active() != "" {
		g.Go(func() error { return vm.loadThread(ctx) })
	}
	return g.Wait()
}

func (vm *ViewModel) loadDiagnostics(ctx context.Context) error {
	d, err := vm.daemon.Diagnostics(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.diag = d
	vm.mu.Unlock()
	return nil
}

func (vm *ViewModel) loadConversations(ctx context.Context) error {
	res, err := vm.daemon.ListConversations(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.conversations = res.Conversations
	vm.mu.Unlock()
	return nil
}

func (vm *ViewModel) loadThread(ctx context.Context) error {
	res, err := vm.daemon.ListMessages(ctx, vm.Active())
	if err != nil {
		return err
	}
	vm.setThread(res)
	return nil
}

func (vm *ViewModel) setThread(res api.MessagesResult) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.active = res.CounterpartID
	vm.thread = res
}

// Open makes a conversation active and marks it read.
func (vm *ViewModel) Open(ctx context.Context, counterpartID string) error {
	res, err := vm.daemon.SetActive(ctx, counterpartID)
	if err != nil {
		return err
	}
	vm.setThread(res)
	if err := vm.daemon.MarkRead(ctx, counterpartID); err != nil {
		return err
	}
	return vm.loadConversations(ctx)
}

// Close leaves the thread view. The daemon keeps its active conversation.
func (vm *ViewModel) Close() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.active = ""
	vm.thread = api.MessagesResult{}
}

// LoadMore fetches the next older page of the open thread.
func (vm *ViewModel) LoadMore(ctx context.Context) (api.PageView, error) {
	page, err := vm.daemon.LoadMore(ctx)
	if err != nil {
		return page, err
	}
	return page, vm.loadThread(ctx)
}

// Send sends text to the open thread. A leading "/wink" sends a wink.
func (vm *ViewModel) Send(ctx context.Context, text string) (api.MessageView, error) {
	typ := domain.TypeText
	if strings.TrimSpace(text) == "/wink" {
		typ, text = domain.TypeWink, "😉"
	}
	msg, err := vm.daemon.Send(ctx, text, typ, nil)
	if reloadErr := vm.loadThread(ctx); err == nil {
		err = reloadErr
	}
	return msg, err
}

// SendFile uploads and sends a file from the local filesystem.
func (vm *ViewModel) SendFile(ctx context.Context, path string) (api.MessageView, error) {
	msg, err := vm.daemon.SendFile(ctx, path, "")
	if reloadErr := vm.loadThread(ctx); err == nil {
		err = reloadErr
	}
	return msg, err
}

// Retry resends tempID, or the newest failed message of the thread when
// tempID is empty.
func (vm *ViewModel) Retry(ctx context.Context, tempID string) (api.MessageView, error) {
	if tempID == "" {
		tempID = vm.LastFailed()
	}
	if tempID == "" {
		return api.MessageView{}, ErrNoFailedMessage
	}
	msg, err := vm.daemon.Retry(ctx, tempID)
	if reloadErr := vm.loadThread(ctx); err == nil {
		err = reloadErr
	}
	return msg, err
}

// LastFailed returns the temp id of the newest failed message in the thread.
func (vm *ViewModel) LastFailed() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for i := len(vm.thread.Messages) - 1; i >= 0; i-- {
		m := vm.thread.Messages[i]
		if m.Status == string(domain.StatusFailed) {
			return m.ID
		}
	}
	return ""
}

// Keystroke reports local typing, at most once per typingEvery.
func (vm *ViewModel) Keystroke(ctx context.Context) error {
	vm.mu.Lock()
	now := vm.now()
	if vm.active == "" || now.Sub(vm.lastTyping) < typingEvery {
		vm.mu.Unlock()
		return nil
	}
	vm.lastTyping = now
	vm.mu.Unlock()
	return vm.daemon.Typing(ctx)
}

func (vm *ViewModel) Reconnect(ctx context.Context) error {
	d, err := vm.daemon.Reconnect(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.diag = d
	vm.mu.Unlock()
	return nil
}

func (vm *ViewModel) Resume(ctx context.Context) error {
	d, err := vm.daemon.Resume(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.diag = d
	vm.mu.Unlock()
	return nil
}

// Login authenticates and reloads everything.
func (vm *ViewModel) Login(ctx context.Context, identity, token string) error {
	if _, err := vm.daemon.Login(ctx, identity, token); err != nil {
		return err
	}
	return vm.Refresh(ctx)
}

// Logout ends the session and clears the cache.
func (vm *ViewModel) Logout(ctx context.Context) error {
	if err := vm.daemon.Logout(ctx); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.conversations = nil
	vm.active = ""
	vm.thread = api.MessagesResult{}
	vm.mu.Unlock()
	return vm.loadDiagnostics(ctx)
}

// Watch streams daemon events into the view model, calling onChange after
// each applied event. It returns when ctx is done or the stream fails.
func (vm *ViewModel) Watch(ctx context.Context, onChange func(Dirty, api.EventView)) error {
	return vm.daemon.Watch(ctx, "", func(evt api.EventView) error {
		dirty, err := vm.Apply(ctx, evt)
		if err != nil {
			return err
		}
		if dirty != 0 || strings.HasPrefix(evt.Kind, bus.KindCallPrefix) {
			onChange(dirty, evt)
		}
		return nil
	})
}

// Apply refetches what evt touched and reports it.
func (vm *ViewModel) Apply(ctx context.Context, evt api.EventView) (Dirty, error) {
	var dirty Dirty
	switch ns, _, _ := strings.Cut(evt.Kind, "."); ns {
	case "message":
		var change api.MessageChange
		if err := evt.DecodePayload(&change); err != nil {
			return 0, err
		}
		if vm.inThread(change.Message) {
			if err := vm.loadThread(ctx); err != nil {
				return 0, err
			}
			dirty |= DirtyThread
		}
	case "conversation":
		if err := vm.loadConversations(ctx); err != nil {
			return 0, err
		}
		dirty |= DirtyList
		if evt.Kind != bus.KindConversationsChanged && vm.Active() != "" {
			if err := vm.loadThread(ctx); err != nil {
				return 0, err
			}
			dirty |= DirtyThread
		}
	case "typing":
		if err := vm.loadConversations(ctx); err != nil {
			return 0, err
		}
		dirty |= DirtyList
		if vm.Active() != "" {
			if err := vm.loadThread(ctx); err != nil {
				return 0, err
			}
			dirty |= DirtyThread
		}
	case "connection":
		if err := vm.loadDiagnostics(ctx); err != nil {
			return 0, err
		}
		dirty |= DirtyStatus
	}
	return dirty, nil
}

func (vm *ViewModel) inThread(m api.MessageView) bool {
	active := vm.Active()
	return active != "" && (m.SenderID == active || m.RecipientID == active)
}

// Active returns the counterpart of the open thread.
func (vm *ViewModel) Active() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.active
}

// Conversations returns a snapshot of the conversation list.
func (vm *ViewModel) Conversations() []api.ConversationView {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.conversations
}

// Conversation returns the list entry of counterpartID.
func (vm *ViewModel) Conversation(counterpartID string) (api.ConversationView, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for _, c := range vm.conversations {
		if c.CounterpartID == counterpartID {
			return c, true
		}
	}
	return api.ConversationView{}, false
}

// Thread returns a snapshot of the open thread.
func (vm *ViewModel) Thread() api.MessagesResult {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.thread
}

// Diagnostics returns the last known diagnostics.
func (vm *ViewModel) Diagnostics() api.DiagnosticsView {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.diag
}
