package store

// User is a registered account of the dev server.
type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
	CreatedAt   int64
}

// Message is a persisted message. Timestamps are unix milliseconds.
type Message struct {
	ID          string
	TempID      string
	SenderID    string
	RecipientID string
	Content     string
	Type        string
	// Metadata is the JSON-encoded attachment description, empty for text.
	Metadata  string
	Status    string
	CreatedAt int64
}

// Conversation summarizes the exchange between a user and one counterpart.
type Conversation struct {
	Counterpart User
	Last        *Message
	Unread      int
	CreatedAt   int64
}

// Upload is a stored attachment.
type Upload struct {
	ID        string
	OwnerID   string
	Name      string
	MIME      string
	Size      int64
	Data      []byte
	CreatedAt int64
}
