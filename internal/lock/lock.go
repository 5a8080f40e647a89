// Package lock guards a profile directory so that only one daemon, and
// therefore one realtime session, runs per profile.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// FileName is the lock file inside a profile directory.
const FileName = "LOCK"

// HeldError is returned when another process holds the profile.
type HeldError struct {
	PID      int
	Identity string
	Since    time.Time
	Path     string
}

func (e *HeldError) Error() string {
	owner := fmt.Sprintf("PID %d", e.PID)
	if e.Identity != "" {
		owner += " as " + e.Identity
	}
	if !e.Since.IsZero() {
		owner += " since " + e.Since.Format(time.RFC3339)
	}
	return fmt.Sprintf("profile locked by %s (%s)", owner, e.Path)
}

// Lock is a held profile lock. The file records the owner so a second
// daemon can say who it lost to.
type Lock struct {
	mu    sync.Mutex
	file  *os.File
	path  string
	since time.Time
}

// Acquire takes an exclusive flock on dir/LOCK on behalf of identity.
func Acquire(dir, identity string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, readOwner(path)
	}

	l := &Lock{file: f, path: path, since: time.Now().UTC()}
	if err := l.SetIdentity(identity); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// SetIdentity rewrites the recorded owner after a login.
func (l *Lock) SetIdentity(identity string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("lock %s already released", l.path)
	}
	content := fmt.Sprintf("pid=%d\nidentity=%s\ntime=%s\n", os.Getpid(), identity, l.since.Format(time.RFC3339))
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("rewrite lock file: %w", err)
	}
	if _, err := l.file.WriteAt([]byte(content), 0); err != nil {
		return fmt.Errorf("rewrite lock file: %w", err)
	}
	return nil
}

// Release removes the lock file and drops the flock. Safe on a nil or
// already released lock.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func readOwner(path string) *HeldError {
	held := &HeldError{Path: path}
	data, _ := os.ReadFile(path)
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			held.PID, _ = strconv.Atoi(value)
		case "identity":
			held.Identity = value
		case "time":
			held.Since, _ = time.Parse(time.RFC3339, value)
		}
	}
	return held
}
