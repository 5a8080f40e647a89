package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chatcore/internal/domain"
)

// Event names on the wire.
const (
	EventAuthenticated = "authenticated"
	EventUnauthorized  = "unauthorized"
	EventAck           = "ack"
	EventError         = "error"
	EventPong          = "pong"

	EventMessageNew      = "message:new"
	EventMessageReceived = "messageReceived"
	EventMessageStatus   = "message:status"
	EventMessageUpdated  = "messageUpdated"
	EventUserTyping      = "userTyping"
	EventPresence        = "presence:update"

	EventMessageSend = "message:send"
	EventTyping      = "typing"
	EventMessageRead = "message:read"
	EventPing        = "ping"

	EventCallInitiate = "call:initiate"
	EventCallAnswer   = "call:answer"
	EventCallDecline  = "call:decline"
	EventCallEnd      = "call:end"
)

// IsCallEvent reports whether the event type belongs to call signaling.
func IsCallEvent(t string) bool {
	switch t {
	case EventCallInitiate, EventCallAnswer, EventCallDecline, EventCallEnd:
		return true
	}
	return false
}

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	env := Envelope{Type: eventType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	env.Payload = data
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// MessagePayload is the shape of a message on the wire and over REST.
type MessagePayload struct {
	ID          string           `json:"id,omitempty"`
	TempID      string           `json:"tempId,omitempty"`
	SenderID    string           `json:"senderId"`
	RecipientID string           `json:"recipientId"`
	Content     string           `json:"content"`
	Type        string           `json:"type"`
	Metadata    *domain.FileMeta `json:"metadata,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	Status      string           `json:"status,omitempty"`
}

// ToDomain converts a server message into the domain model. A payload
// without a server id is treated as pending under its temp id.
func (p MessagePayload) ToDomain() domain.Message {
	m := domain.Message{
		SenderID:    p.SenderID,
		RecipientID: p.RecipientID,
		Content:     p.Content,
		Type:        domain.MessageType(p.Type),
		CreatedAt:   p.CreatedAt,
		Status:      domain.Status(p.Status),
		File:        p.Metadata,
	}
	if m.Type == "" {
		m.Type = domain.TypeText
	}
	if p.ID != "" {
		m.ID = domain.Confirmed(p.ID)
		m.Alias = p.TempID
		if m.Status == "" || m.Status == domain.StatusPending {
			m.Status = domain.StatusSent
		}
	} else {
		m.ID = domain.Pending(p.TempID)
		if m.Status == "" {
			m.Status = domain.StatusPending
		}
	}
	return m
}

// FromDomain builds the wire payload of a local message.
func FromDomain(m domain.Message) MessagePayload {
	p := MessagePayload{
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		Type:        string(m.Type),
		Metadata:    m.File,
		CreatedAt:   m.CreatedAt,
		Status:      string(m.Status),
	}
	if id, ok := m.ID.ServerID(); ok {
		p.ID = id
		p.TempID = m.Alias
	} else if tmp, ok := m.ID.TempID(); ok {
		p.TempID = tmp
	}
	return p
}

// StatusPayload reports a status change for one or more messages.
type StatusPayload struct {
	IDs    []string `json:"ids"`
	Status string   `json:"status"`
}

// TypingPayload carries a typing signal. On outbound frames From is filled
// in by the server from the authenticated connection.
type TypingPayload struct {
	From     string    `json:"from,omitempty"`
	To       string    `json:"to"`
	IsTyping bool      `json:"isTyping"`
	At       time.Time `json:"at,omitempty"`
}

// PresencePayload reports a user's online state.
type PresencePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// ReadPayload marks messages from a counterpart as read.
type ReadPayload struct {
	CounterpartID string   `json:"counterpartId"`
	IDs           []string `json:"ids,omitempty"`
}

// AckPayload answers a request carrying a RequestID.
type AckPayload struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Message *MessagePayload `json:"message,omitempty"`
}

// AuthenticatedPayload is the first frame the server sends on success.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// CallPayload is opaque call-signaling data routed between two users.
type CallPayload struct {
	From string          `json:"from,omitempty"`
	To   string          `json:"to"`
	Data json.RawMessage `json:"data,omitempty"`
}
