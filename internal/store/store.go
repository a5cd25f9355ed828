// Package store persists users and chat messages in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/parley-im/parley/internal/proto"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUsernameTaken = errors.New("username already taken")
	ErrAlreadyRead   = errors.New("message already read")
)

// User is the stored account row. PasswordHash never leaves this package
// except through CheckPassword-style comparisons in the auth layer.
type User struct {
	ID           string
	Username     string
	DisplayName  string
	PasswordHash string
	CreatedAt    int64
}

// Wire strips credentials for fan-out and API responses.
func (u *User) Wire() *proto.User {
	return &proto.User{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt,
	}
}

// DB wraps the SQLite handle.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at path, creating parent directories
// as needed.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for better concurrency between the REST path and pushes.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			display_name  TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			created_at    INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id           TEXT PRIMARY KEY,
			sender_id    TEXT NOT NULL REFERENCES users(id),
			recipient_id TEXT NOT NULL REFERENCES users(id),
			body         TEXT NOT NULL,
			sent_at      INTEGER NOT NULL,
			read_at      INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_messages_pair
			ON messages (sender_id, recipient_id, sent_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Path() string {
	return d.path
}

// CreateUser inserts a new account. The username must be unique.
func (d *DB) CreateUser(username, displayName, passwordHash string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("username is required")
	}

	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: passwordHash,
		CreatedAt:    proto.NowMillis(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(
		`INSERT INTO users (id, username, display_name, password_hash, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.DisplayName, u.PasswordHash, u.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// UserByUsername looks an account up for login.
func (d *DB) UserByUsername(username string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return scanUser(d.db.QueryRow(
		`SELECT id, username, display_name, password_hash, created_at
		 FROM users WHERE username = ?`, username))
}

// UserByID looks an account up by its ID.
func (d *DB) UserByID(id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return scanUser(d.db.QueryRow(
		`SELECT id, username, display_name, password_hash, created_at
		 FROM users WHERE id = ?`, id))
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// ListUsers returns every account, oldest first. This is the roster.
func (d *DB) ListUsers() ([]*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(
		`SELECT id, username, display_name, password_hash, created_at
		 FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

// UpdateDisplayName changes a user's display name.
func (d *DB) UpdateDisplayName(userID, displayName string) (*User, error) {
	d.mu.Lock()
	res, err := d.db.Exec(
		`UPDATE users SET display_name = ? WHERE id = ?`,
		strings.TrimSpace(displayName), userID)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return d.UserByID(userID)
}

// CreateMessage persists one direct message and returns its wire shape.
func (d *DB) CreateMessage(senderID, recipientID, body string) (*proto.ChatMessage, error) {
	if strings.TrimSpace(body) == "" {
		return nil, errors.New("message body is empty")
	}

	m := &proto.ChatMessage{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Body:        body,
		SentAt:      proto.NowMillis(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(
		`INSERT INTO messages (id, sender_id, recipient_id, body, sent_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.SenderID, m.RecipientID, m.Body, m.SentAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// Conversation returns the messages exchanged between a and b, oldest first.
func (d *DB) Conversation(a, b string, limit int) ([]*proto.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(
		`SELECT id, sender_id, recipient_id, body, sent_at, read_at
		 FROM messages
		 WHERE (sender_id = ? AND recipient_id = ?)
		    OR (sender_id = ? AND recipient_id = ?)
		 ORDER BY sent_at
		 LIMIT ?`,
		a, b, b, a, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	var out []*proto.ChatMessage
	for rows.Next() {
		var m proto.ChatMessage
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Body, &m.SentAt, &m.ReadAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MarkRead stamps a message as read by its recipient and returns the
// message. Only the recipient may mark it; marking twice is an error the
// caller can treat as a no-op.
func (d *DB) MarkRead(messageID, readerID string) (*proto.ChatMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var m proto.ChatMessage
	err := d.db.QueryRow(
		`SELECT id, sender_id, recipient_id, body, sent_at, read_at
		 FROM messages WHERE id = ?`, messageID).
		Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Body, &m.SentAt, &m.ReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}

	if m.RecipientID != readerID {
		return nil, ErrNotFound
	}
	if m.ReadAt != 0 {
		return &m, ErrAlreadyRead
	}

	m.ReadAt = proto.NowMillis()
	if _, err := d.db.Exec(
		`UPDATE messages SET read_at = ? WHERE id = ?`, m.ReadAt, m.ID); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return &m, nil
}
