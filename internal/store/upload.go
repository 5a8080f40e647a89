package store

import (
	"database/sql"
	"errors"
	"time"
)

// SaveUpload stores an attachment.
func (db *DB) SaveUpload(u *Upload) error {
	if u.CreatedAt == 0 {
		u.CreatedAt = time.Now().UnixMilli()
	}
	u.Size = int64(len(u.Data))
	_, err := db.Exec(`
		INSERT INTO uploads (id, owner_id, name, mime, size, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.OwnerID, u.Name, u.MIME, u.Size, u.Data, u.CreatedAt)
	return err
}

// GetUpload returns an attachment by id or ErrNotFound.
func (db *DB) GetUpload(id string) (*Upload, error) {
	var u Upload
	err := db.QueryRow(`SELECT id, owner_id, name, mime, size, data, created_at FROM uploads WHERE id = ?`, id).
		Scan(&u.ID, &u.OwnerID, &u.Name, &u.MIME, &u.Size, &u.Data, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
