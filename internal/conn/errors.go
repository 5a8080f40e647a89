package conn

import (
	"errors"
	"fmt"
)

var (
	// ErrRetriesExhausted is reported once when the automatic retry ceiling is
	// reached. A manual Reconnect or Resume still attempts.
	ErrRetriesExhausted = errors.New("conn: reconnect attempts exhausted")
	ErrNotConnected     = errors.New("conn: not connected")
	ErrNotInitialized   = errors.New("conn: not initialized")
	ErrClosed           = errors.New("conn: manager closed")
)

// AuthError reports missing or rejected credentials. Automatic retries stop
// until the next Initialize or Reconnect.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }
