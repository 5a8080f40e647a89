package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertUser creates a user or updates its profile fields.
func (db *DB) UpsertUser(u *User) error {
	if u.CreatedAt == 0 {
		u.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO users (id, display_name, avatar_url, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE users.display_name END,
			avatar_url = CASE WHEN excluded.avatar_url <> '' THEN excluded.avatar_url ELSE users.avatar_url END`,
		u.ID, u.DisplayName, u.AvatarURL, u.CreatedAt)
	return err
}

// GetUser returns a user by id or ErrNotFound.
func (db *DB) GetUser(id string) (*User, error) {
	var u User
	err := db.QueryRow(`SELECT id, display_name, avatar_url, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &u.AvatarURL, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Match opens a conversation between a and b. Matching twice is a no-op.
func (db *DB) Match(a, b string, at int64) error {
	if a > b {
		a, b = b, a
	}
	if at == 0 {
		at = time.Now().UnixMilli()
	}
	_, err := db.Exec(`INSERT OR IGNORE INTO matches (user_a, user_b, created_at) VALUES (?, ?, ?)`, a, b, at)
	return err
}
