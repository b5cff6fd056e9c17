package services

import (
	"context"
	"fmt"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements the message store on the chat_messages table of a Postgres database, the layout a
// hosted Supabase project uses.
type Postgres struct {
	db *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id              UUID PRIMARY KEY,
	user_id         TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
	content         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation
	ON chat_messages (user_id, conversation_id, created_at);`

// NewPostgres connects to the database at dsn.
func NewPostgres(ctx context.Context, dsn string) (Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return Postgres{}, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return Postgres{}, fmt.Errorf("ping postgres: %w", err)
	}
	return Postgres{db: pool}, nil
}

// CreateSchema creates the chat_messages table and its index when missing.
func (p Postgres) CreateSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// DropSchema drops the chat_messages table.
func (p Postgres) DropSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `DROP TABLE IF EXISTS chat_messages CASCADE`)
	return err
}

// Close closes every pooled connection.
func (p Postgres) Close() error {
	p.db.Close()
	return nil
}

// AddMessage inserts message into the conversation.
func (p Postgres) AddMessage(ctx context.Context, userID, conversationID string, message models.Message) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO chat_messages (id, user_id, conversation_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		message.ID, userID, conversationID, string(message.Role), message.Content, message.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Messages returns the conversation's messages ordered by creation time.
func (p Postgres) Messages(ctx context.Context, userID, conversationID string) ([]models.Message, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id::text, role, content, created_at FROM chat_messages
		 WHERE user_id = $1 AND conversation_id = $2
		 ORDER BY created_at ASC`,
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
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// Conversations summarizes the user's conversations, most recently updated first. A limit of zero or
// less returns every conversation.
func (p Postgres) Conversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}
	rows, err := p.db.Query(ctx,
		`SELECT conversation_id,
		        (array_agg(content ORDER BY created_at DESC))[1],
		        COUNT(*),
		        MAX(created_at)
		 FROM chat_messages
		 WHERE user_id = $1
		 GROUP BY conversation_id
		 ORDER BY MAX(created_at) DESC
		 LIMIT $2`,
		userID, limitArg,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var conv models.Conversation
		var count int64
		if err := rows.Scan(&conv.ID, &conv.LastMessage, &count, &conv.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.MessageCount = int(count)
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// DeleteConversation removes every message of the conversation.
func (p Postgres) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	_, err := p.db.Exec(ctx,
		`DELETE FROM chat_messages WHERE user_id = $1 AND conversation_id = $2`,
		userID, conversationID,
	)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}
