package services

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the message store using a BoltDB backend. Messages live in nested buckets, one per
// user and, inside it, one per conversation, keyed by an insertion sequence number.
type BoltDB struct {
	db *bolt.DB
}

var usersBucket = []byte("users")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	// Another process holding the file fails fast instead of blocking.
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(usersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to create users bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func conversationBucket(tx *bolt.Tx, userID, conversationID string) *bolt.Bucket {
	users := tx.Bucket(usersBucket)
	if users == nil {
		return nil
	}
	user := users.Bucket([]byte(userID))
	if user == nil {
		return nil
	}
	return user.Bucket([]byte(conversationID))
}

// AddMessage appends message to the conversation, creating the user and conversation buckets on first
// use.
func (b BoltDB) AddMessage(_ context.Context, userID, conversationID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		user, err := tx.Bucket(usersBucket).CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return fmt.Errorf("failed to create user bucket: %w", err)
		}
		conv, err := user.CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		seq, err := conv.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return conv.Put(key, v)
	})
}

// Messages retrieves all messages of the conversation ordered by creation time. An unknown conversation
// yields no messages and no error.
func (b BoltDB) Messages(_ context.Context, userID, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		conv := conversationBucket(tx, userID, conversationID)
		if conv == nil {
			return nil
		}

		var err error
		messages, err = bucketMessages(conv)
		return err
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func bucketMessages(conv *bolt.Bucket) ([]models.Message, error) {
	var messages []models.Message
	err := conv.ForEach(func(_, v []byte) error {
		var message models.Message
		if err := json.Unmarshal(v, &message); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		messages = append(messages, message)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(messages, func(a, b models.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return messages, nil
}

// Conversations summarizes the user's conversations, most recently updated first. A limit of zero or
// less returns every conversation.
func (b BoltDB) Conversations(_ context.Context, userID string, limit int) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		user := tx.Bucket(usersBucket).Bucket([]byte(userID))
		if user == nil {
			return nil
		}

		return user.ForEachBucket(func(k []byte) error {
			messages, err := bucketMessages(user.Bucket(k))
			if err != nil {
				return err
			}
			if len(messages) == 0 {
				return nil
			}
			last := messages[len(messages)-1]
			convs = append(convs, models.Conversation{
				ID:           string(k),
				LastMessage:  last.Content,
				MessageCount: len(messages),
				LastUpdated:  last.Timestamp,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(convs, func(a, b models.Conversation) int {
		return cmp.Compare(b.LastUpdated.UnixNano(), a.LastUpdated.UnixNano())
	})
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

// DeleteConversation removes every message of the conversation. Deleting an unknown conversation is not
// an error.
func (b BoltDB) DeleteConversation(_ context.Context, userID, conversationID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		user := tx.Bucket(usersBucket).Bucket([]byte(userID))
		if user == nil || user.Bucket([]byte(conversationID)) == nil {
			return nil
		}
		if err := user.DeleteBucket([]byte(conversationID)); err != nil {
			return fmt.Errorf("failed to delete conversation bucket: %w", err)
		}
		return nil
	})
}
