package domain

import (
	"slices"
	"time"
)

// User is the other party of a conversation.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Name returns the display name, falling back to the id.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.ID
}

// Conversation is a one-to-one thread with a counterpart user.
type Conversation struct {
	Counterpart User
	LastMessage *Message
	UnreadCount int
	Online      bool
	CreatedAt   time.Time
}

// SortTime is the time the conversation sorts by: its last message, or its
// creation time when it has none yet.
func (c Conversation) SortTime() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

// SortConversations orders convs by SortTime descending, keeping the prior
// relative order of ties.
func SortConversations(convs []Conversation) {
	slices.SortStableFunc(convs, func(a, b Conversation) int {
		return b.SortTime().Compare(a.SortTime())
	})
}
