// Package conversation persists chat conversations and their messages in
// SQLite. The gateway's chat path does not use it; the front end stores
// replies here through the conversation routes.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound     = errors.New("conversation not found")
	ErrInvalidRole  = errors.New("role must be one of user, assistant, system")
	ErrEmptyContent = errors.New("content is required")
)

// titleWords is how many words of the first user message become the title
// of an untitled conversation.
const titleWords = 10

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT,
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER NOT NULL,
	role TEXT CHECK(role IN ('user','assistant','system')) NOT NULL,
	content TEXT NOT NULL,
	ts DATETIME NOT NULL,
	FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS messages_conversation_ts ON messages(conversation_id, ts);
`

type Conversation struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Archived  bool      `json:"archived"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	TS             time.Time `json:"ts"`
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (*Conversation, error) {
	var (
		c     Conversation
		title sql.NullString
	)
	if err := r.Scan(&c.ID, &title, &c.Archived, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Title = title.String
	return &c, nil
}

const conversationColumns = `id, title, archived, created_at, updated_at`

func (s *Store) Create(ctx context.Context, title string) (*Conversation, error) {
	now := s.now()
	var t sql.NullString
	if title = strings.TrimSpace(title); title != "" {
		t = sql.NullString{String: title, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (title, archived, created_at, updated_at) VALUES (?, FALSE, ?, ?)`,
		t, now, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Store) Get(ctx context.Context, id int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// List returns conversations most recently updated first. Archived ones
// are included only on request and then sort after the active ones.
func (s *Store) List(ctx context.Context, limit int, includeArchived bool) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + conversationColumns + ` FROM conversations WHERE archived = FALSE ORDER BY updated_at DESC, id DESC LIMIT ?`
	if includeArchived {
		q = `SELECT ` + conversationColumns + ` FROM conversations ORDER BY archived ASC, updated_at DESC, id DESC LIMIT ?`
	}
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) update(ctx context.Context, id int64, set string, arg any) (*Conversation, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET `+set+` = ?, updated_at = ? WHERE id = ?`, arg, s.now(), id)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *Store) Rename(ctx context.Context, id int64, title string) (*Conversation, error) {
	return s.update(ctx, id, "title", strings.TrimSpace(title))
}

func (s *Store) SetArchived(ctx context.Context, id int64, archived bool) (*Conversation, error) {
	return s.update(ctx, id, "archived", archived)
}

// Delete removes a conversation and its messages.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Messages returns up to limit messages of a conversation in time order,
// oldest first unless asc is false.
func (s *Store) Messages(ctx context.Context, id int64, limit int, asc bool) ([]Message, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	order := "ASC"
	if !asc {
		order = "DESC"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, ts FROM messages WHERE conversation_id = ? ORDER BY ts `+order+`, id `+order+` LIMIT ?`,
		id, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.TS); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func validRole(role string) bool {
	switch role {
	case "user", "assistant", "system":
		return true
	}
	return false
}

// AppendMessage stores a message and bumps the conversation's updated_at.
// The first user message titles an untitled conversation.
func (s *Store) AppendMessage(ctx context.Context, id int64, role, content string) (*Message, error) {
	if !validRole(role) {
		return nil, ErrInvalidRole
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var title sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT title FROM conversations WHERE id = ?`, id).Scan(&title); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	now := s.now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, ts) VALUES (?, ?, ?, ?)`,
		id, role, content, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	msgID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if role == "user" && strings.TrimSpace(title.String) == "" {
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`, preview(content), now, id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, id)
	}
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Message{ID: msgID, ConversationID: id, Role: role, Content: content, TS: now}, nil
}

func preview(content string) string {
	words := strings.Fields(content)
	if len(words) > titleWords {
		words = words[:titleWords]
	}
	return strings.Join(words, " ")
}
