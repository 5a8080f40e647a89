package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/conversations"
	"github.com/matheus3301/chatcore/internal/domain"
	"github.com/matheus3301/chatcore/internal/messages"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// MessageView is the RPC shape of a message.
type MessageView struct {
	ID          string           `json:"id"`
	Pending     bool             `json:"pending,omitempty"`
	Alias       string           `json:"alias,omitempty"`
	SenderID    string           `json:"senderId"`
	RecipientID string           `json:"recipientId"`
	Content     string           `json:"content"`
	Type        string           `json:"type"`
	CreatedAtMs int64            `json:"createdAtMs"`
	Status      string           `json:"status"`
	FailReason  string           `json:"failReason,omitempty"`
	File        *domain.FileMeta `json:"file,omitempty"`
}

// ConversationView is the RPC shape of a conversation.
type ConversationView struct {
	CounterpartID string       `json:"counterpartId"`
	Name          string       `json:"name"`
	LastMessage   *MessageView `json:"lastMessage,omitempty"`
	UnreadCount   int          `json:"unreadCount"`
	Online        bool         `json:"online"`
	Typing        bool         `json:"typing,omitempty"`
	CreatedAtMs   int64        `json:"createdAtMs"`
}

// DiagnosticsView is the RPC shape of the core diagnostics.
type DiagnosticsView struct {
	Profile         string   `json:"profile"`
	UptimeMs        int64    `json:"uptimeMs"`
	Identity        string   `json:"identity"`
	State           string   `json:"state"`
	StateDetail     string   `json:"stateDetail,omitempty"`
	Attempt         int      `json:"attempt,omitempty"`
	StateSinceMs    int64    `json:"stateSinceMs"`
	ConnectedAtMs   int64    `json:"connectedAtMs,omitempty"`
	Failures        int      `json:"failures"`
	MaxAttempts     int      `json:"maxAttempts"`
	ReconnectEvery  string   `json:"reconnectEvery"`
	AuthHalted      bool     `json:"authHalted,omitempty"`
	LastError       string   `json:"lastError,omitempty"`
	PendingRequests int      `json:"pendingRequests"`
	Initialized     bool     `json:"initialized"`
	Active          string   `json:"active,omitempty"`
	Conversations   int      `json:"conversations"`
	ActiveMessages  int      `json:"activeMessages"`
	Typing          []string `json:"typing,omitempty"`
	Subscriptions   int      `json:"subscriptions"`
}

// PageView is the result of a page load.
type PageView struct {
	CounterpartID string `json:"counterpartId"`
	Page          int    `json:"page"`
	Count         int    `json:"count"`
	HasMore       bool   `json:"hasMore"`
}

// EventView is one bus event on the watch stream.
type EventView struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	AtMs    int64           `json:"atMs"`
	Profile string          `json:"profile"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func messageView(m domain.Message) MessageView {
	return MessageView{
		ID:          m.ID.Value(),
		Pending:     m.ID.IsPending(),
		Alias:       m.Alias,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		Type:        string(m.Type),
		CreatedAtMs: m.CreatedAt.UnixMilli(),
		Status:      string(m.Status),
		FailReason:  m.FailReason,
		File:        m.File,
	}
}

func conversationView(c domain.Conversation, typing bool) ConversationView {
	v := ConversationView{
		CounterpartID: c.Counterpart.ID,
		Name:          c.Counterpart.Name(),
		UnreadCount:   c.UnreadCount,
		Online:        c.Online,
		Typing:        typing,
		CreatedAtMs:   c.CreatedAt.UnixMilli(),
	}
	if c.LastMessage != nil {
		last := messageView(*c.LastMessage)
		v.LastMessage = &last
	}
	return v
}

func diagnosticsView(profile string, uptime time.Duration, d chat.Diagnostics) DiagnosticsView {
	v := DiagnosticsView{
		Profile:         profile,
		UptimeMs:        uptime.Milliseconds(),
		Identity:        d.Connection.Identity,
		State:           string(d.Connection.State),
		StateDetail:     d.Connection.Detail.Message,
		Attempt:         d.Connection.Detail.Attempt,
		StateSinceMs:    d.Connection.StateSince.UnixMilli(),
		Failures:        d.Connection.Failures,
		MaxAttempts:     d.Connection.MaxAttempts,
		ReconnectEvery:  d.Connection.ReconnectInterval.String(),
		AuthHalted:      d.Connection.AuthHalted,
		LastError:       d.Connection.LastError,
		PendingRequests: d.Connection.PendingRequests,
		Initialized:     d.Initialized,
		Active:          d.Active,
		Conversations:   d.Conversations,
		ActiveMessages:  d.ActiveMessages,
		Typing:          d.Typing,
		Subscriptions:   d.Subscriptions,
	}
	if !d.Connection.ConnectedAt.IsZero() {
		v.ConnectedAtMs = d.Connection.ConnectedAt.UnixMilli()
	}
	return v
}

func pageView(p conversations.PageLoaded) PageView {
	return PageView{CounterpartID: p.CounterpartID, Page: p.Page, Count: p.Count, HasMore: p.HasMore}
}

// eventPayload renders a bus payload as JSON. Message changes carry a
// domain.Message whose identity has no JSON form of its own.
func eventPayload(evt bus.Event) (json.RawMessage, error) {
	var v any
	switch p := evt.Payload.(type) {
	case nil:
		return nil, nil
	case messages.Change:
		v = MessageChange{Key: p.Key, TempID: p.TempID, Message: messageView(p.Message)}
	case conversations.PageLoaded:
		v = pageView(p)
	default:
		v = p
	}
	return json.Marshal(v)
}

// toStruct converts a JSON-tagged view into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal view: %w", err)
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("struct from view: %w", err)
	}
	return st, nil
}

// fromStruct decodes a protobuf Struct into a JSON-tagged view.
func fromStruct(st *structpb.Struct, v any) error {
	if st == nil {
		return nil
	}
	data, err := protojson.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal struct: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("view from struct: %w", err)
	}
	return nil
}
