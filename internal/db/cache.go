// Package db is the client-side sqlite cache. It exists so a restarted
// client can seed the store with its last-known thread list before the
// transport resyncs; it is never the source of truth.
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/murmurchat/murmur/internal/models"
)

// Cache handles local cache database operations.
type Cache struct {
	db        *sql.DB
	sessionID string
}

// NewCache opens or creates the cache database.
func NewCache(path string) (*Cache, error) {
	database, err := sql.Open("sqlite3", path+"?_fk=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	c := &Cache{db: database, sessionID: uuid.New().String()}
	if err := c.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return c, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

// SessionID identifies this client session in logs and the bridge handshake.
func (c *Cache) SessionID() string {
	return c.sessionID
}

func (c *Cache) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			id INTEGER PRIMARY KEY,
			label TEXT NOT NULL,
			preview TEXT NOT NULL DEFAULT '',
			unread_count INTEGER NOT NULL DEFAULT 0,
			is_group INTEGER NOT NULL DEFAULT 0,
			owner_id INTEGER,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cached_messages (
			thread_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			body TEXT NOT NULL,
			is_self INTEGER NOT NULL DEFAULT 0,
			can_delete INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			created_label TEXT NOT NULL DEFAULT '',
			sender_id INTEGER,
			sender_name TEXT,
			PRIMARY KEY (thread_id, message_id)
		);

		CREATE INDEX IF NOT EXISTS idx_cached_messages_thread
			ON cached_messages(thread_id, created_at);

		CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	_, err := c.db.Exec(schema)
	return err
}

// UpsertThread adds or updates a cached thread.
func (c *Cache) UpsertThread(t models.Thread) error {
	var ownerID sql.NullInt64
	if t.OwnerID != nil {
		ownerID = sql.NullInt64{Int64: *t.OwnerID, Valid: true}
	}
	_, err := c.db.Exec(`
		INSERT INTO threads (id, label, preview, unread_count, is_group, owner_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			preview = excluded.preview,
			unread_count = excluded.unread_count,
			is_group = excluded.is_group,
			owner_id = excluded.owner_id,
			updated_at = excluded.updated_at
	`, t.ID, t.Label, t.Preview, t.UnreadCount, t.IsGroup, ownerID, time.Now().UTC())
	return err
}

// RemoveThread deletes a thread and its cached messages.
func (c *Cache) RemoveThread(threadID int64) error {
	if _, err := c.db.Exec(`DELETE FROM cached_messages WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	_, err := c.db.Exec(`DELETE FROM threads WHERE id = ?`, threadID)
	return err
}

// Threads returns all cached threads, most recently updated last.
func (c *Cache) Threads() ([]models.Thread, error) {
	rows, err := c.db.Query(`SELECT id, label, preview, unread_count, is_group, owner_id FROM threads ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []models.Thread
	for rows.Next() {
		var t models.Thread
		var ownerID sql.NullInt64
		if err := rows.Scan(&t.ID, &t.Label, &t.Preview, &t.UnreadCount, &t.IsGroup, &ownerID); err != nil {
			return nil, err
		}
		if ownerID.Valid {
			id := ownerID.Int64
			t.OwnerID = &id
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// CacheMessage stores a message locally.
func (c *Cache) CacheMessage(msg models.Message) error {
	var senderID sql.NullInt64
	var senderName sql.NullString
	if msg.Sender != nil {
		senderID = sql.NullInt64{Int64: msg.Sender.ID, Valid: true}
		senderName = sql.NullString{String: msg.Sender.Username, Valid: true}
	}
	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO cached_messages
			(thread_id, message_id, body, is_self, can_delete, created_at, created_label, sender_id, sender_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ThreadID, msg.ID, msg.Body, msg.IsSelf, msg.CanDelete, msg.CreatedAt.UTC(), msg.CreatedLabel, senderID, senderName)
	return err
}

// RemoveMessage removes a single cached message.
func (c *Cache) RemoveMessage(threadID, messageID int64) error {
	_, err := c.db.Exec(`DELETE FROM cached_messages WHERE thread_id = ? AND message_id = ?`, threadID, messageID)
	return err
}

// Messages returns cached messages for a thread in chronological order.
func (c *Cache) Messages(threadID int64, limit int) ([]models.Message, error) {
	rows, err := c.db.Query(`
		SELECT thread_id, message_id, body, is_self, can_delete, created_at, created_label, sender_id, sender_name
		FROM cached_messages
		WHERE thread_id = ?
		ORDER BY created_at DESC, message_id DESC LIMIT ?
	`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var senderID sql.NullInt64
		var senderName sql.NullString
		if err := rows.Scan(&m.ThreadID, &m.ID, &m.Body, &m.IsSelf, &m.CanDelete, &m.CreatedAt, &m.CreatedLabel, &senderID, &senderName); err != nil {
			return nil, err
		}
		if senderID.Valid {
			m.Sender = &models.User{ID: senderID.Int64, Username: senderName.String}
		}
		messages = append(messages, m)
	}
	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, rows.Err()
}

// ReplaceMessages swaps a thread's cached history for a fresh snapshot.
func (c *Cache) ReplaceMessages(threadID int64, messages []models.Message) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM cached_messages WHERE thread_id = ?`, threadID); err != nil {
		tx.Rollback()
		return err
	}
	for _, msg := range messages {
		var senderID sql.NullInt64
		var senderName sql.NullString
		if msg.Sender != nil {
			senderID = sql.NullInt64{Int64: msg.Sender.ID, Valid: true}
			senderName = sql.NullString{String: msg.Sender.Username, Valid: true}
		}
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO cached_messages
				(thread_id, message_id, body, is_self, can_delete, created_at, created_label, sender_id, sender_name)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, threadID, msg.ID, msg.Body, msg.IsSelf, msg.CanDelete, msg.CreatedAt.UTC(), msg.CreatedLabel, senderID, senderName); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// GetPreference retrieves a preference value.
func (c *Cache) GetPreference(key string) (string, error) {
	var value string
	err := c.db.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetPreference sets a preference value.
func (c *Cache) SetPreference(key, value string) error {
	_, err := c.db.Exec(`
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}
