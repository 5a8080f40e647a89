package daemon

import (
	"fmt"
	"sync"

	"github.com/matheus3301/chatcore/internal/config"
	"github.com/matheus3301/chatcore/internal/lock"
)

// Credentials holds the profile's identity and token. The REST client reads
// the token from here on every request so a login takes effect at once.
type Credentials struct {
	mu      sync.RWMutex
	path    string
	profile *config.Profile
	lock    *lock.Lock
}

// NewCredentials wraps a loaded profile stored at path. A login also
// updates the owner recorded in lk, which may be nil.
func NewCredentials(path string, p *config.Profile, lk *lock.Lock) *Credentials {
	return &Credentials{path: path, profile: p, lock: lk}
}

func (c *Credentials) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile.Token
}

func (c *Credentials) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile.Identity
}

// Store records a new login and writes it to the profile file.
func (c *Credentials) Store(identity, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile.Identity = identity
	c.profile.Token = token
	if err := config.SaveProfile(c.path, c.profile); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	if c.lock != nil {
		return c.lock.SetIdentity(identity)
	}
	return nil
}

// Clear forgets the token. The identity stays as a login hint.
func (c *Credentials) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile.Token = ""
	if err := config.SaveProfile(c.path, c.profile); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}
