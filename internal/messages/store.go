// Package messages holds the in-memory, per-conversation message lists. It
// orders messages by creation time, collapses duplicates arriving through
// push, fetch and optimistic paths, and swaps temporary identities for
// server ones in place.
package messages

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/domain"
	"go.uber.org/zap"
)

const DefaultDuplicateWindow = 5 * time.Second

var (
	ErrNotFound    = errors.New("messages: not found")
	ErrNotPending  = errors.New("messages: message is not pending")
	ErrNotFailed   = errors.New("messages: message is not failed")
	ErrInvalid     = errors.New("messages: invalid message")
	ErrNotVerified = errors.New("messages: message has no server id")
)

// Change is the payload of every message.* bus event.
type Change struct {
	Key     string
	Message domain.Message
	// TempID is set on reconciliation: the optimistic id that was retired.
	TempID string
}

type entry struct {
	seq uint64
	msg domain.Message
}

// Store is the message arena. Each conversation's list is replaced as a
// whole on every write so readers always hold a consistent snapshot.
type Store struct {
	mu      sync.RWMutex
	threads map[string][]entry
	seq     uint64

	window time.Duration
	clock  clockwork.Clock
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a store. window is the duplicate window; zero selects the
// default. clock and logger may be nil.
func New(b *bus.Bus, window time.Duration, clock clockwork.Clock, logger *zap.Logger) *Store {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		threads: make(map[string][]entry),
		window:  window,
		clock:   clock,
		bus:     b,
		logger:  logger,
	}
}

func newTempID() string {
	return "tmp_" + uuid.NewString()
}

// AppendOptimistic inserts a locally composed message with a fresh temporary
// id and status pending. A zero CreatedAt is set to now.
func (s *Store) AppendOptimistic(m domain.Message) (domain.Message, error) {
	if m.SenderID == "" || m.RecipientID == "" {
		return domain.Message{}, fmt.Errorf("%w: sender and recipient are required", ErrInvalid)
	}
	if !m.Type.Valid() {
		return domain.Message{}, fmt.Errorf("%w: unknown type %q", ErrInvalid, m.Type)
	}
	if m.Content == "" && m.File == nil && m.Type != domain.TypeWink {
		return domain.Message{}, fmt.Errorf("%w: empty message", ErrInvalid)
	}
	m.ID = domain.Pending(newTempID())
	m.Alias = ""
	m.Status = domain.StatusPending
	m.FailReason = ""
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.clock.Now()
	}

	s.mu.Lock()
	s.insertLocked(m)
	s.mu.Unlock()

	s.publish(bus.KindMessageAppended, Change{Key: m.Key(), Message: m})
	return m, nil
}

// Reconcile applies a server-confirmed copy of a message. It replaces the
// matching optimistic entry in place, matched by round-tripped temporary id
// or by content within the duplicate window, or inserts the message when
// nothing matches. It returns the stored message.
func (s *Store) Reconcile(server domain.Message) (domain.Message, error) {
	if !server.ID.IsConfirmed() {
		return domain.Message{}, ErrNotVerified
	}
	key := server.Key()

	s.mu.Lock()
	thread := s.threads[key]

	if i := indexByID(thread, server.ID.Value()); i >= 0 {
		updated, changed := s.mergeLocked(key, i, server)
		s.mu.Unlock()
		if changed {
			s.publish(bus.KindMessageStatus, Change{Key: key, Message: updated})
		}
		return updated, nil
	}
	i := indexByID(thread, server.Alias)
	if i < 0 || !thread[i].msg.ID.IsPending() {
		i = s.matchPendingLocked(thread, server)
	}
	if i < 0 {
		s.insertLocked(server)
		s.mu.Unlock()
		s.publish(bus.KindMessageUpserted, Change{Key: key, Message: server})
		return server, nil
	}
	tempID, _ := thread[i].msg.ID.TempID()
	updated := s.confirmLocked(key, i, server)
	s.mu.Unlock()

	s.logger.Debug("reconciled optimistic message",
		zap.String("temp_id", tempID), zap.String("id", server.ID.Value()))
	s.publish(bus.KindMessageReconciled, Change{Key: key, Message: updated, TempID: tempID})
	return updated, nil
}

// UpsertIncoming inserts a remotely originated message unless it is already
// present. A copy of one of our own optimistic sends is reconciled instead
// of inserted. It reports whether the conversation gained a new entry.
func (s *Store) UpsertIncoming(m domain.Message) (domain.Message, bool) {
	key := m.Key()

	s.mu.Lock()
	thread := s.threads[key]
	if i := indexByID(thread, m.ID.Value()); i >= 0 {
		existing := thread[i].msg
		changed := false
		if m.ID.IsConfirmed() {
			existing, changed = s.mergeLocked(key, i, m)
		}
		s.mu.Unlock()
		if changed {
			s.publish(bus.KindMessageStatus, Change{Key: key, Message: existing})
		}
		return existing, false
	}
	if m.ID.IsConfirmed() {
		i := indexByID(thread, m.Alias)
		if i < 0 || !thread[i].msg.ID.IsPending() {
			i = s.matchPendingLocked(thread, m)
		}
		if i >= 0 {
			tempID, _ := thread[i].msg.ID.TempID()
			updated := s.confirmLocked(key, i, m)
			s.mu.Unlock()
			s.publish(bus.KindMessageReconciled, Change{Key: key, Message: updated, TempID: tempID})
			return updated, false
		}
	}
	if m.ID.IsZero() {
		m.ID = domain.Pending(newTempID())
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.clock.Now()
	}
	s.insertLocked(m)
	s.mu.Unlock()

	s.publish(bus.KindMessageUpserted, Change{Key: key, Message: m})
	return m, true
}

// MarkRead marks the given messages read. Unknown ids are ignored. It
// returns the number of messages whose status changed.
func (s *Store) MarkRead(ids []string) int {
	return s.UpdateStatus(ids, domain.StatusRead)
}

// UpdateStatus moves the given messages forward to status. Backward moves
// are ignored.
func (s *Store) UpdateStatus(ids []string, status domain.Status) int {
	var changed []Change

	s.mu.Lock()
	for _, id := range ids {
		key, i := s.locateLocked(id)
		if i < 0 {
			continue
		}
		thread := s.threads[key]
		cur := thread[i].msg
		if cur.Status == domain.StatusFailed {
			continue
		}
		next := cur.Status.Advance(status)
		if next == cur.Status {
			continue
		}
		cur.Status = next
		s.replaceLocked(key, i, cur)
		changed = append(changed, Change{Key: key, Message: cur})
	}
	s.mu.Unlock()

	for _, c := range changed {
		s.publish(bus.KindMessageStatus, c)
	}
	return len(changed)
}

// MarkFailed moves a pending optimistic message to failed with reason.
func (s *Store) MarkFailed(tempID, reason string) (domain.Message, error) {
	s.mu.Lock()
	key, i := s.locateLocked(tempID)
	if i < 0 {
		s.mu.Unlock()
		return domain.Message{}, fmt.Errorf("mark failed %s: %w", tempID, ErrNotFound)
	}
	cur := s.threads[key][i].msg
	if !cur.ID.IsPending() || cur.Status != domain.StatusPending {
		s.mu.Unlock()
		return domain.Message{}, fmt.Errorf("mark failed %s: %w", tempID, ErrNotPending)
	}
	if reason == "" {
		reason = "send failed"
	}
	cur.Status = domain.StatusFailed
	cur.FailReason = reason
	s.replaceLocked(key, i, cur)
	s.mu.Unlock()

	s.publish(bus.KindMessageFailed, Change{Key: key, Message: cur})
	return cur, nil
}

// Retry moves a failed message back to pending so it can be resent. Only
// an explicit user action calls this.
func (s *Store) Retry(tempID string) (domain.Message, error) {
	s.mu.Lock()
	key, i := s.locateLocked(tempID)
	if i < 0 {
		s.mu.Unlock()
		return domain.Message{}, fmt.Errorf("retry %s: %w", tempID, ErrNotFound)
	}
	cur := s.threads[key][i].msg
	if cur.Status != domain.StatusFailed {
		s.mu.Unlock()
		return domain.Message{}, fmt.Errorf("retry %s: %w", tempID, ErrNotFailed)
	}
	cur.Status = domain.StatusPending
	cur.FailReason = ""
	s.replaceLocked(key, i, cur)
	s.mu.Unlock()

	s.publish(bus.KindMessageStatus, Change{Key: key, Message: cur})
	return cur, nil
}

// FindRecentDuplicate returns a message with the same sender, recipient,
// type and content created within the duplicate window before now. Failed
// messages do not count.
func (s *Store) FindRecentDuplicate(m domain.Message) (domain.Message, bool) {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread := s.threads[m.Key()]
	for i := len(thread) - 1; i >= 0; i-- {
		e := thread[i].msg
		if e.Status == domain.StatusFailed || !e.SameContent(m) {
			continue
		}
		if now.Sub(e.CreatedAt) <= s.window {
			return e, true
		}
	}
	return domain.Message{}, false
}

// Lookup finds a message by server id, temporary id or retired alias.
func (s *Store) Lookup(id string) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, i := s.locateLocked(id)
	if i < 0 {
		return domain.Message{}, false
	}
	return s.threads[key][i].msg, true
}

// Messages returns the ordered messages of the conversation key.
func (s *Store) Messages(key string) []domain.Message {
	s.mu.RLock()
	thread := s.threads[key]
	s.mu.RUnlock()

	out := make([]domain.Message, len(thread))
	for i, e := range thread {
		out[i] = e.msg
	}
	return out
}

// Len returns the number of messages held for key.
func (s *Store) Len(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads[key])
}

// Reset evicts a conversation's history.
func (s *Store) Reset(key string) {
	s.mu.Lock()
	delete(s.threads, key)
	s.mu.Unlock()
}

// ResetAll evicts every conversation.
func (s *Store) ResetAll() {
	s.mu.Lock()
	s.threads = make(map[string][]entry)
	s.mu.Unlock()
}

func (s *Store) publish(kind string, c Change) {
	if s.bus != nil {
		s.bus.Publish(bus.NewEvent(kind, c))
	}
}

// insertLocked adds m at its sorted position.
func (s *Store) insertLocked(m domain.Message) {
	key := m.Key()
	s.seq++
	old := s.threads[key]
	next := make([]entry, len(old), len(old)+1)
	copy(next, old)
	next = append(next, entry{seq: s.seq, msg: m})
	sortEntries(next)
	s.threads[key] = next
}

// replaceLocked swaps the message at i and re-sorts if its timestamp moved.
func (s *Store) replaceLocked(key string, i int, m domain.Message) {
	old := s.threads[key]
	next := slices.Clone(old)
	moved := !next[i].msg.CreatedAt.Equal(m.CreatedAt)
	next[i].msg = m
	if moved {
		sortEntries(next)
	}
	s.threads[key] = next
}

// confirmLocked turns the optimistic entry at i into the confirmed server
// copy while keeping its arena sequence.
func (s *Store) confirmLocked(key string, i int, server domain.Message) domain.Message {
	cur := s.threads[key][i].msg
	tempID, _ := cur.ID.TempID()
	cur.ID = server.ID
	cur.Alias = tempID
	if !server.CreatedAt.IsZero() {
		cur.CreatedAt = server.CreatedAt
	}
	if cur.Status == domain.StatusFailed {
		cur.Status = domain.StatusSent
		cur.FailReason = ""
	}
	cur.Status = cur.Status.Advance(server.Status)
	if cur.Status == domain.StatusPending {
		cur.Status = domain.StatusSent
	}
	if server.File != nil {
		cur.File = server.File
	}
	s.replaceLocked(key, i, cur)
	return cur
}

// mergeLocked applies a later copy of an already confirmed message and
// reports whether its status moved.
func (s *Store) mergeLocked(key string, i int, server domain.Message) (domain.Message, bool) {
	cur := s.threads[key][i].msg
	if cur.Status == domain.StatusFailed {
		return cur, false
	}
	next := cur
	next.Status = cur.Status.Advance(server.Status)
	if server.File != nil {
		next.File = server.File
	}
	if next.Status == cur.Status && next.File == cur.File {
		return cur, false
	}
	s.replaceLocked(key, i, next)
	return next, next.Status != cur.Status
}

// matchPendingLocked finds the optimistic entry closest in time to m that
// carries the same content, within the duplicate window.
func (s *Store) matchPendingLocked(thread []entry, m domain.Message) int {
	best := -1
	var bestDist time.Duration
	for i, e := range thread {
		if !e.msg.ID.IsPending() || !e.msg.SameContent(m) {
			continue
		}
		d := e.msg.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if m.CreatedAt.IsZero() {
			d = 0
		}
		if d > s.window {
			continue
		}
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func (s *Store) locateLocked(id string) (string, int) {
	if id == "" {
		return "", -1
	}
	for key, thread := range s.threads {
		if i := indexByID(thread, id); i >= 0 {
			return key, i
		}
	}
	return "", -1
}

func indexByID(thread []entry, id string) int {
	if id == "" {
		return -1
	}
	for i, e := range thread {
		if e.msg.HasID(id) {
			return i
		}
	}
	return -1
}

func sortEntries(es []entry) {
	slices.SortFunc(es, func(a, b entry) int {
		if c := a.msg.CreatedAt.Compare(b.msg.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
}
