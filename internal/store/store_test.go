package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 || result.From != 2 {
		t.Errorf("result = %+v, want version 2 (init + uploads)", result)
	}
}

func TestResetDropsData(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertUser(&User{ID: "alice", DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}

	result, err := db.Reset()
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if result.From != 0 || result.Version != 2 || !result.Changed {
		t.Errorf("result = %+v, want 0 -> 2", result)
	}
	if _, err := db.GetUser("alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser(alice) after reset error = %v, want ErrNotFound", err)
	}
}

func TestUserUpsertKeepsProfileFields(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertUser(&User{ID: "alice", DisplayName: "Alice"}); err != nil {
		t.Fatal(err)
	}
	// A token-only login must not blank the display name.
	if err := db.UpsertUser(&User{ID: "alice"}); err != nil {
		t.Fatal(err)
	}
	u, err := db.GetUser("alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.DisplayName != "Alice" {
		t.Errorf("display name = %q, want Alice", u.DisplayName)
	}
	if _, err := db.GetUser("nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUser(nobody) error = %v, want ErrNotFound", err)
	}
}

func TestInsertMessageIdempotentOnTempID(t *testing.T) {
	db := testDB(t)

	first := &Message{ID: "m1", TempID: "tmp_a", SenderID: "alice", RecipientID: "bob", Content: "hi", Type: "text", Status: "sent", CreatedAt: 1000}
	created, err := db.InsertMessage(first)
	if err != nil || !created {
		t.Fatalf("InsertMessage() = %v, %v", created, err)
	}

	resend := &Message{ID: "m2", TempID: "tmp_a", SenderID: "alice", RecipientID: "bob", Content: "hi", Type: "text", Status: "sent", CreatedAt: 1500}
	created, err = db.InsertMessage(resend)
	if err != nil {
		t.Fatal(err)
	}
	if created || resend.ID != "m1" || resend.CreatedAt != 1000 {
		t.Errorf("resend = %+v, created=%v; want the stored m1", resend, created)
	}

	msgs, err := db.ListMessages("bob", "alice", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestListMessagesPagesNewestFirst(t *testing.T) {
	db := testDB(t)

	for i, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		if _, err := db.InsertMessage(&Message{ID: id, SenderID: "alice", RecipientID: "bob", Content: id, Type: "text", Status: "sent", CreatedAt: int64(1000 + i)}); err != nil {
			t.Fatal(err)
		}
	}
	// Unrelated conversation.
	if _, err := db.InsertMessage(&Message{ID: "x", SenderID: "alice", RecipientID: "carol", Type: "text", Status: "sent", CreatedAt: 9999}); err != nil {
		t.Fatal(err)
	}

	page1, err := db.ListMessages("alice", "bob", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	page3, err := db.ListMessages("alice", "bob", 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 || page1[0].ID != "m5" || page1[1].ID != "m4" {
		t.Errorf("page 1 = %+v", page1)
	}
	if len(page3) != 1 || page3[0].ID != "m1" {
		t.Errorf("page 3 = %+v", page3)
	}
}

func TestStatusOnlyMovesForward(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"m1", "m2"} {
		if _, err := db.InsertMessage(&Message{ID: id, SenderID: "bob", RecipientID: "alice", Type: "text", Status: "sent", CreatedAt: 1}); err != nil {
			t.Fatal(err)
		}
	}

	changed, err := db.MarkRead("alice", "bob", []string{"m1"})
	if err != nil || len(changed) != 1 {
		t.Fatalf("MarkRead() = %v, %v", changed, err)
	}
	// m1 is already read; only m2 may become delivered.
	changed, err = db.MarkDelivered("alice", []string{"m1", "m2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 1 || changed[0] != "m2" {
		t.Errorf("MarkDelivered() changed = %v, want [m2]", changed)
	}
	pending, err := db.Undelivered("alice")
	if err != nil || len(pending) != 0 {
		t.Errorf("Undelivered() = %v, %v, want none", pending, err)
	}
	m1, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m1.Status != "read" {
		t.Errorf("m1 status = %q, want read", m1.Status)
	}

	// The sender cannot mark its own messages read.
	changed, err = db.MarkRead("bob", "alice", nil)
	if err != nil || len(changed) != 0 {
		t.Errorf("MarkRead(wrong side) = %v, %v", changed, err)
	}
}

func TestListConversations(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertUser(&User{ID: "bob", DisplayName: "Bob"}); err != nil {
		t.Fatal(err)
	}
	if err := db.Match("carol", "alice", 500); err != nil {
		t.Fatal(err)
	}
	if err := db.Match("alice", "carol", 700); err != nil {
		t.Fatal(err)
	}
	msgs := []Message{
		{ID: "m1", SenderID: "alice", RecipientID: "bob", Content: "hey", Type: "text", Status: "sent", CreatedAt: 1000},
		{ID: "m2", SenderID: "bob", RecipientID: "alice", Content: "yo", Type: "text", Status: "sent", CreatedAt: 2000},
		{ID: "m3", SenderID: "bob", RecipientID: "alice", Content: "there?", Type: "text", Status: "sent", CreatedAt: 3000},
	}
	for i := range msgs {
		if _, err := db.InsertMessage(&msgs[i]); err != nil {
			t.Fatal(err)
		}
	}

	convs, err := db.ListConversations("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	bob := convs[0]
	if bob.Counterpart.DisplayName != "Bob" || bob.Unread != 2 || bob.Last == nil || bob.Last.ID != "m3" {
		t.Errorf("bob conversation = %+v", bob)
	}
	carol := convs[1]
	if carol.Counterpart.ID != "carol" || carol.Last != nil || carol.CreatedAt != 500 {
		t.Errorf("carol conversation = %+v", carol)
	}
}

func TestUploadRoundTrip(t *testing.T) {
	db := testDB(t)

	if err := db.SaveUpload(&Upload{ID: "u1", OwnerID: "alice", Name: "a.txt", MIME: "text/plain", Data: []byte("abc")}); err != nil {
		t.Fatal(err)
	}
	u, err := db.GetUpload("u1")
	if err != nil {
		t.Fatal(err)
	}
	if u.Size != 3 || string(u.Data) != "abc" {
		t.Errorf("upload = %+v", u)
	}
	if _, err := db.GetUpload("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUpload(nope) error = %v", err)
	}
}
