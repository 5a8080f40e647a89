package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLock(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	return string(data)
}

func TestAcquireRecordsOwnerAndReleaseRemovesFile(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, "alice")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if content := readLock(t, dir); !strings.Contains(content, "identity=alice") {
		t.Errorf("lock file = %q, want identity recorded", content)
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); !os.IsNotExist(err) {
		t.Errorf("lock file still present after Release: %v", err)
	}

	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestSecondAcquireReportsOwner(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, "")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l.Release() }()
	if err := l.SetIdentity("bob"); err != nil {
		t.Fatalf("SetIdentity() error = %v", err)
	}

	_, err = Acquire(dir, "carol")
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("second Acquire() error = %v, want *HeldError", err)
	}
	if held.PID != os.Getpid() || held.Identity != "bob" || held.Since.IsZero() {
		t.Errorf("HeldError = %+v", held)
	}
	if !strings.Contains(held.Error(), "as bob") {
		t.Errorf("Error() = %q", held.Error())
	}
}

func TestSetIdentityShrinksContent(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, "a-very-long-identity-name")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Release() }()

	if err := l.SetIdentity("al"); err != nil {
		t.Fatal(err)
	}
	content := readLock(t, dir)
	if strings.Contains(content, "long") || !strings.HasSuffix(content, "\n") {
		t.Errorf("lock file = %q, want only the new owner", content)
	}

	_ = l.Release()
	if err := l.SetIdentity("x"); err == nil {
		t.Error("SetIdentity() after Release succeeded")
	}
}
