package domain

import (
	"testing"
	"time"
)

func TestIdentityKinds(t *testing.T) {
	p := Pending("tmp_1")
	if !p.IsPending() || p.IsConfirmed() {
		t.Errorf("Pending identity kind wrong: %v", p)
	}
	if id, ok := p.TempID(); !ok || id != "tmp_1" {
		t.Errorf("TempID() = %q, %v", id, ok)
	}
	if _, ok := p.ServerID(); ok {
		t.Error("pending identity must not expose a server id")
	}

	c := Confirmed("m_1")
	if id, ok := c.ServerID(); !ok || id != "m_1" {
		t.Errorf("ServerID() = %q, %v", id, ok)
	}
	if !(Identity{}).IsZero() {
		t.Error("zero identity should be zero")
	}
}

func TestStatusAdvance(t *testing.T) {
	tests := []struct {
		from, next, want Status
	}{
		{StatusPending, StatusSent, StatusSent},
		{StatusSent, StatusPending, StatusSent},
		{StatusRead, StatusDelivered, StatusRead},
		{StatusDelivered, StatusRead, StatusRead},
		{StatusFailed, StatusSent, StatusSent},
		{StatusSent, StatusFailed, StatusSent},
	}
	for _, tt := range tests {
		if got := tt.from.Advance(tt.next); got != tt.want {
			t.Errorf("%s.Advance(%s) = %s, want %s", tt.from, tt.next, got, tt.want)
		}
	}
}

func TestConversationKeyIsSymmetric(t *testing.T) {
	if ConversationKey("a", "b") != ConversationKey("b", "a") {
		t.Error("ConversationKey must not depend on participant order")
	}
}

func TestSortConversations(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	convs := []Conversation{
		{Counterpart: User{ID: "old"}, LastMessage: &Message{CreatedAt: base}},
		{Counterpart: User{ID: "empty"}, CreatedAt: base.Add(time.Minute)},
		{Counterpart: User{ID: "new"}, LastMessage: &Message{CreatedAt: base.Add(2 * time.Minute)}},
		{Counterpart: User{ID: "tie"}, LastMessage: &Message{CreatedAt: base}},
	}
	SortConversations(convs)

	want := []string{"new", "empty", "old", "tie"}
	for i, id := range want {
		if convs[i].Counterpart.ID != id {
			t.Fatalf("position %d = %q, want %q", i, convs[i].Counterpart.ID, id)
		}
	}
}

func TestPreview(t *testing.T) {
	m := Message{Type: TypeFile, File: &FileMeta{Name: "photo.jpg"}}
	if got := m.Preview(40); got != "📎 photo.jpg" {
		t.Errorf("Preview() = %q", got)
	}
	m = Message{Type: TypeText, Content: "line one\nline two"}
	if got := m.Preview(8); got != "line one" {
		t.Errorf("Preview() = %q", got)
	}
}
