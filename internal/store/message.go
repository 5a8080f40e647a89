package store

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/matheus3301/chatcore/internal/domain"
)

const messageColumns = `id, temp_id, sender_id, recipient_id, content, type, metadata, status, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.TempID, &m.SenderID, &m.RecipientID, &m.Content, &m.Type, &m.Metadata, &m.Status, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessage persists m. A message whose (sender, temp id) was already
// stored is not inserted again: m is filled from the stored row and created
// is false. This keeps a REST resend of a send that reached the server over
// the socket idempotent.
func (db *DB) InsertMessage(m *Message) (created bool, err error) {
	res, err := db.Exec(`
		INSERT OR IGNORE INTO messages (`+messageColumns+`, conv_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TempID, m.SenderID, m.RecipientID, m.Content, m.Type, m.Metadata, m.Status, m.CreatedAt,
		domain.ConversationKey(m.SenderID, m.RecipientID))
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if m.TempID == "" {
		return false, nil
	}
	existing, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE sender_id = ? AND temp_id = ?`, m.SenderID, m.TempID))
	if err != nil {
		return false, err
	}
	*m = *existing
	return false, nil
}

// GetMessage returns a message by id or ErrNotFound.
func (db *DB) GetMessage(id string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// ListMessages returns one page of the conversation between a and b,
// newest first. Page numbers start at 1.
func (db *DB) ListMessages(a, b string, page, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	if page <= 0 {
		page = 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conv_key = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, domain.ConversationKey(a, b), limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// MarkDelivered moves sent messages addressed to recipient to delivered and
// returns the ids that changed.
func (db *DB) MarkDelivered(recipient string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return db.advance(`recipient_id = ? AND status = 'sent' AND id IN (`+placeholders(len(ids))+`)`,
		domain.StatusDelivered, append([]any{recipient}, toArgs(ids)...))
}

// MarkRead marks messages from sender to recipient read and returns the ids
// that changed. An empty ids marks everything unread in the conversation.
func (db *DB) MarkRead(recipient, sender string, ids []string) ([]string, error) {
	where := `recipient_id = ? AND sender_id = ? AND status <> 'read'`
	args := []any{recipient, sender}
	if len(ids) > 0 {
		where += ` AND id IN (` + placeholders(len(ids)) + `)`
		args = append(args, toArgs(ids)...)
	}
	return db.advance(where, domain.StatusRead, args)
}

func (db *DB) advance(where string, to domain.Status, args []any) ([]string, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT id FROM messages WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	var changed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		changed = append(changed, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}
	if _, err := tx.Exec(`UPDATE messages SET status = ? WHERE id IN (`+placeholders(len(changed))+`)`,
		append([]any{string(to)}, toArgs(changed)...)...); err != nil {
		return nil, err
	}
	return changed, tx.Commit()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// Undelivered returns messages addressed to recipient that are still sent.
func (db *DB) Undelivered(recipient string) ([]Message, error) {
	rows, err := db.Query(`SELECT `+messageColumns+` FROM messages WHERE recipient_id = ? AND status = 'sent' ORDER BY created_at`, recipient)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}
