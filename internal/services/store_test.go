package services_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/services"
	"github.com/google/uuid"
)

type messageStore interface {
	AddMessage(ctx context.Context, userID, conversationID string, message models.Message) error
	Messages(ctx context.Context, userID, conversationID string) ([]models.Message, error)
	Conversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, userID, conversationID string) error
	Close() error
}

func TestBoltDB(t *testing.T) {
	store, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("NewBoltDB() error = %v", err)
	}
	testMessageStore(t, store)
}

func TestSQLite(t *testing.T) {
	store, err := services.NewSQLite(filepath.Join(t.TempDir(), "data", "nova.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	testMessageStore(t, store)
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("NOVA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NOVA_TEST_POSTGRES_DSN is not set")
	}

	ctx := context.Background()
	store, err := services.NewPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgres() error = %v", err)
	}
	if err := store.DropSchema(ctx); err != nil {
		t.Fatalf("DropSchema() error = %v", err)
	}
	if err := store.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}
	testMessageStore(t, store)
}

func testMessageStore(t *testing.T, store messageStore) {
	t.Helper()
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	base := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	msg := func(role models.Role, content string, offset time.Duration) models.Message {
		return models.Message{
			ID:        uuid.NewString(),
			Role:      role,
			Content:   content,
			Timestamp: base.Add(offset),
		}
	}

	// Inserted out of order on purpose: reads must follow creation time.
	inserts := []struct {
		user, conv string
		msg        models.Message
	}{
		{"alice", "c1", msg(models.RoleUser, "What should I do for a headache?", 0)},
		{"alice", "c1", msg(models.RoleAssistant, "Rest and hydrate.", 2*time.Second)},
		{"alice", "c1", msg(models.RoleUser, "Thanks", time.Second)},
		{"alice", "c2", msg(models.RoleUser, "Is coffee ok?", time.Hour)},
		{"bob", "c1", msg(models.RoleUser, "Other user", 0)},
	}
	for _, in := range inserts {
		if err := store.AddMessage(ctx, in.user, in.conv, in.msg); err != nil {
			t.Fatalf("AddMessage() error = %v", err)
		}
	}

	t.Run("Messages ordered by creation", func(t *testing.T) {
		got, err := store.Messages(ctx, "alice", "c1")
		if err != nil {
			t.Fatalf("Messages() error = %v", err)
		}
		want := []string{"What should I do for a headache?", "Thanks", "Rest and hydrate."}
		if len(got) != len(want) {
			t.Fatalf("Messages() returned %d messages, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i].Content != want[i] {
				t.Errorf("Messages()[%d].Content = %q, want %q", i, got[i].Content, want[i])
			}
		}
		if got[2].Role != models.RoleAssistant {
			t.Errorf("Messages()[2].Role = %q, want assistant", got[2].Role)
		}
		if !got[0].Timestamp.Equal(base) {
			t.Errorf("Messages()[0].Timestamp = %v, want %v", got[0].Timestamp, base)
		}
	})

	t.Run("Unknown conversation", func(t *testing.T) {
		got, err := store.Messages(ctx, "alice", "missing")
		if err != nil {
			t.Fatalf("Messages() error = %v", err)
		}
		if len(got) != 0 {
			t.Errorf("Messages() = %v, want none", got)
		}
	})

	t.Run("Conversations", func(t *testing.T) {
		got, err := store.Conversations(ctx, "alice", 10)
		if err != nil {
			t.Fatalf("Conversations() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("Conversations() returned %d, want 2", len(got))
		}
		if got[0].ID != "c2" || got[0].MessageCount != 1 || got[0].LastMessage != "Is coffee ok?" {
			t.Errorf("Conversations()[0] = %+v", got[0])
		}
		if got[1].ID != "c1" || got[1].MessageCount != 3 || got[1].LastMessage != "Rest and hydrate." {
			t.Errorf("Conversations()[1] = %+v", got[1])
		}
		if !got[1].LastUpdated.Equal(base.Add(2 * time.Second)) {
			t.Errorf("Conversations()[1].LastUpdated = %v", got[1].LastUpdated)
		}

		limited, err := store.Conversations(ctx, "alice", 1)
		if err != nil {
			t.Fatalf("Conversations() error = %v", err)
		}
		if len(limited) != 1 || limited[0].ID != "c2" {
			t.Errorf("Conversations(limit 1) = %+v", limited)
		}
	})

	t.Run("Delete conversation", func(t *testing.T) {
		if err := store.DeleteConversation(ctx, "alice", "c1"); err != nil {
			t.Fatalf("DeleteConversation() error = %v", err)
		}
		if err := store.DeleteConversation(ctx, "alice", "missing"); err != nil {
			t.Fatalf("DeleteConversation() of unknown conversation error = %v", err)
		}

		got, err := store.Messages(ctx, "alice", "c1")
		if err != nil {
			t.Fatalf("Messages() error = %v", err)
		}
		if len(got) != 0 {
			t.Errorf("Messages() after delete = %v, want none", got)
		}

		others, err := store.Messages(ctx, "bob", "c1")
		if err != nil {
			t.Fatalf("Messages() error = %v", err)
		}
		if len(others) != 1 {
			t.Errorf("other user's conversation was touched: %v", others)
		}
	})
}
