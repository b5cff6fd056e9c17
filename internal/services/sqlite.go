package services

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	_ "modernc.org/sqlite"
)

// SQLite implements the message store on a local SQLite database.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chat_messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation
    ON chat_messages(user_id, conversation_id, created_at);
`

// NewSQLite opens (creating if needed) the database at path and applies the schema.
func NewSQLite(path string) (SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return SQLite{}, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return SQLite{}, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return SQLite{}, fmt.Errorf("initialize schema: %w", err)
	}

	return SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s SQLite) Close() error {
	return s.db.Close()
}

// AddMessage inserts message into the conversation.
func (s SQLite) AddMessage(ctx context.Context, userID, conversationID string, message models.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, user_id, conversation_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		message.ID, userID, conversationID, string(message.Role), message.Content, message.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Messages returns the conversation's messages ordered by creation time.
func (s SQLite) Messages(ctx context.Context, userID, conversationID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, created_at FROM chat_messages
		 WHERE user_id = ? AND conversation_id = ?
		 ORDER BY created_at ASC, seq ASC`,
		userID, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		var createdAt int64
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.Timestamp = time.Unix(0, createdAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// Conversations summarizes the user's conversations, most recently updated first. A limit of zero or
// less returns every conversation.
func (s SQLite) Conversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.conversation_id, COUNT(*), MAX(m.created_at),
		        (SELECT l.content FROM chat_messages l
		         WHERE l.user_id = m.user_id AND l.conversation_id = m.conversation_id
		         ORDER BY l.created_at DESC, l.seq DESC LIMIT 1)
		 FROM chat_messages m
		 WHERE m.user_id = ?
		 GROUP BY m.conversation_id
		 ORDER BY MAX(m.created_at) DESC
		 LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var conv models.Conversation
		var lastUpdated int64
		if err := rows.Scan(&conv.ID, &conv.MessageCount, &lastUpdated, &conv.LastMessage); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.LastUpdated = time.Unix(0, lastUpdated)
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// DeleteConversation removes every message of the conversation.
func (s SQLite) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_messages WHERE user_id = ? AND conversation_id = ?`,
		userID, conversationID,
	)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}
