package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by prefix, so the part before the dot is the namespace.
const (
	KindConnectionState = "connection.state_changed"

	KindTransportPrefix = "transport."

	KindMessageAppended   = "message.appended"
	KindMessageReconciled = "message.reconciled"
	KindMessageUpserted   = "message.upserted"
	KindMessageStatus     = "message.status"
	KindMessageFailed     = "message.failed"

	KindConversationsChanged = "conversation.list_changed"
	KindConversationActive   = "conversation.active_changed"
	KindConversationPage     = "conversation.page_loaded"

	KindTypingChanged = "typing.changed"

	KindCallPrefix = "call."
)

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
