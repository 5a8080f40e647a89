package domain

import (
	"strings"
	"time"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	TypeText       MessageType = "text"
	TypeWink       MessageType = "wink"
	TypeFile       MessageType = "file"
	TypeSystem     MessageType = "system"
	TypeVideoEvent MessageType = "video-event"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeWink, TypeFile, TypeSystem, TypeVideoEvent:
		return true
	}
	return false
}

// Status is the delivery status of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

// Advance returns the later of s and next along pending→sent→delivered→read.
// Failed is never produced here; it is set explicitly by MarkFailed.
func (s Status) Advance(next Status) Status {
	cur, ok := statusRank[s]
	if !ok {
		// failed or unknown: a confirmed copy from the server wins
		if _, known := statusRank[next]; known {
			return next
		}
		return s
	}
	n, ok := statusRank[next]
	if !ok || n <= cur {
		return s
	}
	return next
}

// FileMeta describes an uploaded attachment.
type FileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	MIME string `json:"mime"`
	URL  string `json:"url"`
}

// Message is one chat message as seen by the local user.
type Message struct {
	ID Identity
	// Alias is the retired temporary id of a confirmed message, kept so the
	// optimistic entry can still be looked up while confirmations settle.
	Alias       string
	SenderID    string
	RecipientID string
	Content     string
	Type        MessageType
	CreatedAt   time.Time
	Status      Status
	FailReason  string
	File        *FileMeta
}

// Key returns the conversation key the message belongs to.
func (m Message) Key() string {
	return ConversationKey(m.SenderID, m.RecipientID)
}

// Counterpart returns the participant that is not self.
func (m Message) Counterpart(self string) string {
	if m.SenderID == self {
		return m.RecipientID
	}
	return m.SenderID
}

// HasID reports whether id is either the message's current identity or its alias.
func (m Message) HasID(id string) bool {
	if id == "" {
		return false
	}
	return m.ID.Value() == id || m.Alias == id
}

// SameContent reports whether two messages carry the same logical payload
// between the same two users.
func (m Message) SameContent(o Message) bool {
	return m.SenderID == o.SenderID &&
		m.RecipientID == o.RecipientID &&
		m.Type == o.Type &&
		m.Content == o.Content
}

// Preview returns a short one-line rendering for conversation lists.
func (m Message) Preview(maxLen int) string {
	var s string
	switch m.Type {
	case TypeWink:
		s = "😉 wink"
	case TypeFile:
		s = "📎 file"
		if m.File != nil && m.File.Name != "" {
			s = "📎 " + m.File.Name
		}
	case TypeVideoEvent:
		s = "📹 " + m.Content
	default:
		s = strings.ReplaceAll(m.Content, "\n", " ")
	}
	if r := []rune(s); len(r) > maxLen {
		return string(r[:maxLen])
	}
	return s
}

// ConversationKey returns a participant-order independent key for a pair of users.
func ConversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
