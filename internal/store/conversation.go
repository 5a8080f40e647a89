package store

import (
	"database/sql"
	"errors"
	"sort"
)

// ListConversations returns every conversation of userID: counterparts it
// matched with or exchanged messages with, most recent first.
func (db *DB) ListConversations(userID string) ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT cp, MIN(opened), SUM(unread) FROM (
			SELECT CASE WHEN sender_id = ? THEN recipient_id ELSE sender_id END AS cp,
			       created_at AS opened,
			       CASE WHEN recipient_id = ? AND status <> 'read' THEN 1 ELSE 0 END AS unread
			FROM messages WHERE sender_id = ? OR recipient_id = ?
			UNION ALL
			SELECT CASE WHEN user_a = ? THEN user_b ELSE user_a END, created_at, 0
			FROM matches WHERE user_a = ? OR user_b = ?
		) GROUP BY cp`,
		userID, userID, userID, userID, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.Counterpart.ID, &c.CreatedAt, &c.Unread); err != nil {
			_ = rows.Close()
			return nil, err
		}
		convs = append(convs, c)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		c := &convs[i]
		u, err := db.GetUser(c.Counterpart.ID)
		switch {
		case err == nil:
			c.Counterpart = *u
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
		last, err := scanMessage(db.QueryRow(`
			SELECT `+messageColumns+` FROM messages
			WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
			ORDER BY created_at DESC, rowid DESC LIMIT 1`,
			userID, c.Counterpart.ID, c.Counterpart.ID, userID))
		switch {
		case err == nil:
			c.Last = last
		case !errors.Is(err, sql.ErrNoRows):
			return nil, err
		}
	}

	sort.SliceStable(convs, func(i, j int) bool { return activity(convs[i]) > activity(convs[j]) })
	return convs, nil
}

func activity(c Conversation) int64 {
	if c.Last != nil {
		return c.Last.CreatedAt
	}
	return c.CreatedAt
}
