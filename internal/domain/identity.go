package domain

import "fmt"

type identityKind uint8

const (
	kindNone identityKind = iota
	kindPending
	kindConfirmed
)

// Identity identifies a message either by a locally generated temporary id
// (pending) or by the durable id assigned by the server (confirmed).
// The zero value identifies nothing.
type Identity struct {
	kind  identityKind
	value string
}

// Pending returns an identity for a message not yet persisted by the server.
func Pending(tempID string) Identity {
	return Identity{kind: kindPending, value: tempID}
}

// Confirmed returns an identity carrying a server assigned id.
func Confirmed(serverID string) Identity {
	return Identity{kind: kindConfirmed, value: serverID}
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool { return i.kind == kindNone || i.value == "" }

// IsPending reports whether the identity is a temporary one.
func (i Identity) IsPending() bool { return i.kind == kindPending }

// IsConfirmed reports whether the identity was assigned by the server.
func (i Identity) IsConfirmed() bool { return i.kind == kindConfirmed }

// TempID returns the temporary id if the identity is pending.
func (i Identity) TempID() (string, bool) {
	if i.kind != kindPending {
		return "", false
	}
	return i.value, true
}

// ServerID returns the server id if the identity is confirmed.
func (i Identity) ServerID() (string, bool) {
	if i.kind != kindConfirmed {
		return "", false
	}
	return i.value, true
}

// Value returns the raw id regardless of kind.
func (i Identity) Value() string { return i.value }

func (i Identity) String() string {
	switch i.kind {
	case kindPending:
		return fmt.Sprintf("pending(%s)", i.value)
	case kindConfirmed:
		return fmt.Sprintf("confirmed(%s)", i.value)
	}
	return "none"
}
