// Package conversations maintains the sorted conversation list, unread
// counts and per-conversation pagination.
package conversations

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/domain"
	"go.uber.org/zap"
)

const DefaultPageSize = 20

var (
	// ErrLoadInFlight is returned when a page load for the same conversation
	// is already running and the caller did not force a new one.
	ErrLoadInFlight = errors.New("conversations: page load already in flight")
	// ErrStaleResponse is returned when the active conversation changed while
	// the page was loading; the result was discarded.
	ErrStaleResponse = errors.New("conversations: stale page response discarded")
	ErrNoActive      = errors.New("conversations: no active conversation")
)

// Fetcher is the REST collaborator.
type Fetcher interface {
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	ListMessages(ctx context.Context, counterpartID string, page, limit int) ([]domain.Message, error)
	MarkRead(ctx context.Context, counterpartID string, ids []string) error
}

// Sink receives the messages of loaded pages.
type Sink interface {
	UpsertIncoming(m domain.Message) (domain.Message, bool)
}

// PageState is the pagination cursor of one conversation.
type PageState struct {
	Page    int
	HasMore bool
	Loading bool
}

// PageLoaded is the payload of conversation.page_loaded.
type PageLoaded struct {
	CounterpartID string
	Page          int
	Count         int
	HasMore       bool
}

// Index is the conversation index.
type Index struct {
	fetcher  Fetcher
	sink     Sink
	bus      *bus.Bus
	logger   *zap.Logger
	pageSize int

	mu         sync.Mutex
	convs      []domain.Conversation
	active     string
	generation uint64
	pages      map[string]PageState
	loads      map[string]uint64
	loadSeq    uint64
}

// New creates an index. pageSize zero selects the default.
func New(f Fetcher, sink Sink, b *bus.Bus, pageSize int, logger *zap.Logger) *Index {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		fetcher:  f,
		sink:     sink,
		bus:      b,
		logger:   logger,
		pageSize: pageSize,
		pages:    make(map[string]PageState),
		loads:    make(map[string]uint64),
	}
}

// Conversations returns the sorted list.
func (x *Index) Conversations() []domain.Conversation {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.convs)
}

// Get returns the conversation with counterpartID.
func (x *Index) Get(counterpartID string) (domain.Conversation, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if i := x.indexLocked(counterpartID); i >= 0 {
		return x.convs[i], true
	}
	return domain.Conversation{}, false
}

// Active returns the active counterpart id, empty when none.
func (x *Index) Active() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.active
}

// Page returns the pagination state of counterpartID.
func (x *Index) Page(counterpartID string) PageState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.pageLocked(counterpartID)
}

func (x *Index) pageLocked(id string) PageState {
	p, ok := x.pages[id]
	if !ok {
		p = PageState{HasMore: true}
	}
	_, p.Loading = x.loads[id]
	return p
}

// Refresh reloads the list from the server. On error the current list is
// kept. Local last messages newer than the server's are kept too.
func (x *Index) Refresh(ctx context.Context) error {
	fetched, err := x.fetcher.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("refresh conversations: %w", err)
	}

	x.mu.Lock()
	seen := make(map[string]bool, len(fetched))
	next := make([]domain.Conversation, 0, len(fetched)+len(x.convs))
	for _, c := range fetched {
		if c.Counterpart.ID == "" || seen[c.Counterpart.ID] {
			continue
		}
		seen[c.Counterpart.ID] = true
		if i := x.indexLocked(c.Counterpart.ID); i >= 0 {
			local := x.convs[i]
			if local.LastMessage != nil && (c.LastMessage == nil || local.LastMessage.CreatedAt.After(c.LastMessage.CreatedAt)) {
				c.LastMessage = local.LastMessage
			}
		}
		if c.Counterpart.ID == x.active {
			c.UnreadCount = 0
		}
		next = append(next, c)
	}
	// Placeholders the server does not know about yet stay listed.
	for _, c := range x.convs {
		if !seen[c.Counterpart.ID] {
			next = append(next, c)
		}
	}
	domain.SortConversations(next)
	x.convs = next
	x.mu.Unlock()

	x.publish(bus.KindConversationsChanged, nil)
	return nil
}

// UpsertFromMessage folds a message into the list. An unknown counterpart
// triggers a full refresh; if the server still does not list it a
// placeholder entry is created. Unread grows only for messages from the
// counterpart while its conversation is not active.
func (x *Index) UpsertFromMessage(ctx context.Context, m domain.Message, currentUserID, activeID string) error {
	counterpart, err := counterpartOf(m, currentUserID)
	if err != nil {
		return err
	}

	x.mu.Lock()
	known := x.indexLocked(counterpart) >= 0
	x.mu.Unlock()

	if !known {
		if err := x.Refresh(ctx); err != nil {
			x.logger.Warn("refresh for new counterpart failed",
				zap.String("counterpart", counterpart), zap.Error(err))
		}
	}

	x.mu.Lock()
	x.foldLocked(m, counterpart, activeID, !known)
	x.mu.Unlock()

	x.publish(bus.KindConversationsChanged, nil)
	return nil
}

// Fold is UpsertFromMessage without the server round trip: an unknown
// counterpart gets a placeholder at once. It reports whether the
// counterpart was already listed so the caller can refresh later; the
// refreshed entry then carries the server's unread count.
func (x *Index) Fold(m domain.Message, currentUserID, activeID string) (known bool, err error) {
	counterpart, err := counterpartOf(m, currentUserID)
	if err != nil {
		return false, err
	}

	x.mu.Lock()
	known = x.indexLocked(counterpart) >= 0
	x.foldLocked(m, counterpart, activeID, false)
	x.mu.Unlock()

	x.publish(bus.KindConversationsChanged, nil)
	return known, nil
}

func counterpartOf(m domain.Message, currentUserID string) (string, error) {
	counterpart := m.Counterpart(currentUserID)
	if counterpart == "" || counterpart == currentUserID {
		return "", fmt.Errorf("message %s has no counterpart for %s", m.ID, currentUserID)
	}
	return counterpart, nil
}

// foldLocked sets m as the last message when it is the newest and counts
// it as unread. refreshed marks an entry the server just listed, whose
// unread count already includes m.
func (x *Index) foldLocked(m domain.Message, counterpart, activeID string, refreshed bool) {
	i := x.indexLocked(counterpart)
	fromRefresh := refreshed && i >= 0
	if i < 0 {
		x.convs = append(slices.Clone(x.convs), domain.Conversation{
			Counterpart: domain.User{ID: counterpart},
			CreatedAt:   m.CreatedAt,
		})
		i = len(x.convs) - 1
	} else {
		x.convs = slices.Clone(x.convs)
	}

	c := x.convs[i]
	msg := m
	last := c.LastMessage
	sameAsLast := last != nil && (last.HasID(m.ID.Value()) || last.HasID(m.Alias))
	if last == nil || sameAsLast || !m.CreatedAt.Before(last.CreatedAt) {
		c.LastMessage = &msg
	}
	incoming := m.SenderID == counterpart
	if incoming && counterpart != activeID && !sameAsLast && !fromRefresh && m.Status != domain.StatusRead {
		c.UnreadCount++
	}
	if counterpart == activeID {
		c.UnreadCount = 0
	}
	x.convs[i] = c
	domain.SortConversations(x.convs)
}

// Touch replaces the last message of its conversation when m is that same
// message, e.g. after a status change. Unread counts are not affected.
func (x *Index) Touch(m domain.Message, currentUserID string) {
	counterpart := m.Counterpart(currentUserID)

	x.mu.Lock()
	i := x.indexLocked(counterpart)
	if i < 0 {
		x.mu.Unlock()
		return
	}
	last := x.convs[i].LastMessage
	if last == nil || !(last.HasID(m.ID.Value()) || last.HasID(m.Alias)) {
		x.mu.Unlock()
		return
	}
	msg := m
	x.convs = slices.Clone(x.convs)
	x.convs[i].LastMessage = &msg
	domain.SortConversations(x.convs)
	x.mu.Unlock()
	x.publish(bus.KindConversationsChanged, nil)
}

// SetActive makes counterpartID the active conversation: pagination is
// reset, unread zeroed locally, the read receipt sent and page 1 loaded.
// An empty id clears the active conversation.
func (x *Index) SetActive(ctx context.Context, counterpartID string) error {
	x.mu.Lock()
	x.active = counterpartID
	x.generation++
	if counterpartID == "" {
		x.mu.Unlock()
		x.publish(bus.KindConversationActive, "")
		return nil
	}
	x.pages[counterpartID] = PageState{HasMore: true}
	hadUnread := false
	if i := x.indexLocked(counterpartID); i >= 0 && x.convs[i].UnreadCount > 0 {
		x.convs = slices.Clone(x.convs)
		x.convs[i].UnreadCount = 0
		hadUnread = true
	}
	x.mu.Unlock()

	x.publish(bus.KindConversationActive, counterpartID)
	if hadUnread {
		x.publish(bus.KindConversationsChanged, nil)
	}

	if err := x.fetcher.MarkRead(ctx, counterpartID, nil); err != nil {
		x.logger.Warn("read receipt failed", zap.String("counterpart", counterpartID), zap.Error(err))
	}
	_, err := x.LoadPage(ctx, counterpartID, 1, true)
	return err
}

// ClearUnread zeroes the local unread counter of counterpartID.
func (x *Index) ClearUnread(counterpartID string) {
	x.mu.Lock()
	i := x.indexLocked(counterpartID)
	if i < 0 || x.convs[i].UnreadCount == 0 {
		x.mu.Unlock()
		return
	}
	x.convs = slices.Clone(x.convs)
	x.convs[i].UnreadCount = 0
	x.mu.Unlock()
	x.publish(bus.KindConversationsChanged, nil)
}

// LoadPage fetches one page of history for counterpartID and hands the
// messages to the sink. A second load for the same conversation while one
// is running fails with ErrLoadInFlight unless force is set. Results that
// arrive after the active conversation changed are dropped with
// ErrStaleResponse. Errors leave the pagination state untouched.
func (x *Index) LoadPage(ctx context.Context, counterpartID string, page int, force bool) (PageLoaded, error) {
	if page < 1 {
		page = 1
	}
	x.mu.Lock()
	if _, running := x.loads[counterpartID]; running && !force {
		x.mu.Unlock()
		return PageLoaded{}, ErrLoadInFlight
	}
	x.loadSeq++
	token := x.loadSeq
	x.loads[counterpartID] = token
	gen := x.generation
	x.mu.Unlock()

	msgs, err := x.fetcher.ListMessages(ctx, counterpartID, page, x.pageSize)

	x.mu.Lock()
	if x.loads[counterpartID] == token {
		delete(x.loads, counterpartID)
	}
	if err != nil {
		x.mu.Unlock()
		return PageLoaded{}, fmt.Errorf("load page %d of %s: %w", page, counterpartID, err)
	}
	if x.generation != gen || x.active != counterpartID {
		x.mu.Unlock()
		x.logger.Debug("discarding stale page",
			zap.String("counterpart", counterpartID), zap.Int("page", page))
		return PageLoaded{}, ErrStaleResponse
	}
	res := PageLoaded{
		CounterpartID: counterpartID,
		Page:          page,
		Count:         len(msgs),
		HasMore:       len(msgs) >= x.pageSize,
	}
	x.pages[counterpartID] = PageState{Page: page, HasMore: res.HasMore}
	x.mu.Unlock()

	for _, m := range msgs {
		x.sink.UpsertIncoming(m)
	}
	x.publish(bus.KindConversationPage, res)
	return res, nil
}

// LoadMore loads the next page of the active conversation. It is a no-op
// when the server has no more pages.
func (x *Index) LoadMore(ctx context.Context) (PageLoaded, error) {
	x.mu.Lock()
	active := x.active
	p := x.pageLocked(active)
	x.mu.Unlock()

	if active == "" {
		return PageLoaded{}, ErrNoActive
	}
	if !p.HasMore {
		return PageLoaded{CounterpartID: active, Page: p.Page}, nil
	}
	return x.LoadPage(ctx, active, p.Page+1, false)
}

// SetPresence updates the online flag of userID's conversation.
func (x *Index) SetPresence(userID string, online bool) {
	x.mu.Lock()
	i := x.indexLocked(userID)
	if i < 0 || x.convs[i].Online == online {
		x.mu.Unlock()
		return
	}
	x.convs = slices.Clone(x.convs)
	x.convs[i].Online = online
	x.mu.Unlock()
	x.publish(bus.KindConversationsChanged, nil)
}

// Reset forgets every conversation and cursor.
func (x *Index) Reset() {
	x.mu.Lock()
	x.convs = nil
	x.active = ""
	x.generation++
	x.pages = make(map[string]PageState)
	x.loads = make(map[string]uint64)
	x.mu.Unlock()
	x.publish(bus.KindConversationsChanged, nil)
}

func (x *Index) indexLocked(counterpartID string) int {
	return slices.IndexFunc(x.convs, func(c domain.Conversation) bool {
		return c.Counterpart.ID == counterpartID
	})
}

func (x *Index) publish(kind string, payload any) {
	if x.bus != nil {
		x.bus.Publish(bus.NewEvent(kind, payload))
	}
}
