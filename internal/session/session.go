// Package session drives one user's chat conversation against a streaming chat completion endpoint.
//
// A Session owns the in-memory message list, which is the source of truth for display. Sending a message
// posts the whole history to the endpoint, grows a placeholder assistant message as deltas arrive and
// persists both turns to a Store on a best-effort basis. At most one send is in flight per session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/google/uuid"
)

// Store persists conversation messages keyed by user and conversation.
type Store interface {
	AddMessage(ctx context.Context, userID, conversationID string, message models.Message) error
	Messages(ctx context.Context, userID, conversationID string) ([]models.Message, error)
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Clock tells the time messages are created at.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// DefaultGreeting seeds every new conversation.
const DefaultGreeting = "Hello! I'm Nova, your AI health assistant. How can I help you today?"

// ErrNoStore is returned by LoadConversation when the session was created without a Store.
var ErrNoStore = errors.New("session: no store configured")

// Config configures a Session.
type Config struct {
	// Endpoint is the URL of the chat completion endpoint.
	Endpoint string
	// APIKey, when set, is sent as a bearer token.
	APIKey string
	// UserID keys persisted messages. Nothing is persisted or loaded without it.
	UserID string
	// ConversationID is the initial conversation. A new one is minted when empty.
	ConversationID string
	// Greeting is the assistant message that opens a new conversation. DefaultGreeting when empty.
	Greeting string
	// Timeout bounds a whole exchange, from request to end of stream. Zero means no limit.
	Timeout time.Duration
	// OnChange, if set, receives a snapshot after every change of the session state. It is called
	// without the session lock held, possibly from the goroutine running SendMessage.
	OnChange func(State)
}

// State is a snapshot of the session as the presentation layer sees it.
type State struct {
	ConversationID string
	Messages       []models.Message
	IsTyping       bool
}

// Session manages one active conversation. It is safe for concurrent use.
type Session struct {
	cfg    Config
	client Doer
	store  Store
	clock  Clock

	logger *slog.Logger

	// writer starts with the first message worth saving.
	writerMu sync.Mutex
	writer   *writer
	closed   bool

	mu             sync.Mutex
	conversationID string
	messages       []models.Message
	isTyping       bool
	cancel         context.CancelFunc
	// generation changes whenever the conversation is replaced, so that a send started against the old
	// conversation stops touching the message list.
	generation uint64
}

const errLoggerKey = "err"

// New creates a Session seeded with the greeting. A nil store disables persistence; a nil clock means
// SystemClock. Call Close to flush pending writes.
func New(cfg Config, client Doer, store Store, clock Clock, logger *slog.Logger) *Session {
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}
	if clock == nil {
		clock = SystemClock
	}
	if client == nil {
		client = http.DefaultClient
	}

	s := &Session{
		cfg:            cfg,
		client:         client,
		store:          store,
		clock:          clock,
		logger:         logger.With(slog.String("module", "session")),
		conversationID: cfg.ConversationID,
	}
	if s.conversationID == "" {
		s.conversationID = uuid.NewString()
	}
	s.messages = []models.Message{s.greeting()}
	return s
}

func (s *Session) greeting() models.Message {
	return models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   s.cfg.Greeting,
		Timestamp: s.clock.Now(),
	}
}

// UserID returns the user the session persists for.
func (s *Session) UserID() string {
	return s.cfg.UserID
}

// State returns a snapshot of the current conversation.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return State{
		ConversationID: s.conversationID,
		Messages:       slices.Clone(s.messages),
		IsTyping:       s.isTyping,
	}
}

// Messages returns a copy of the message list in creation order.
func (s *Session) Messages() []models.Message {
	return s.State().Messages
}

// IsTyping reports whether a send is in flight.
func (s *Session) IsTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isTyping
}

// ConversationID returns the active conversation id.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// CancelStream aborts the in-flight send, if any. The aborted send ends without an error message and
// persists nothing. Calling it with nothing in flight, or more than once, has no effect.
func (s *Session) CancelStream() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
}

// StartNewConversation cancels any in-flight send, then replaces the conversation with a fresh id and a
// single greeting message. It returns the new conversation id.
func (s *Session) StartNewConversation() string {
	s.mu.Lock()
	s.detachLocked()
	s.conversationID = uuid.NewString()
	s.messages = []models.Message{s.greeting()}
	id := s.conversationID
	s.mu.Unlock()

	s.logger.Debug("Started new conversation", slog.String("conversationID", id))
	s.notify()
	return id
}

// LoadConversation replaces the conversation with the stored messages of conversationID, ordered by
// creation time. When the store has no messages for it the session is left unchanged. A successful load
// cancels any in-flight send.
func (s *Session) LoadConversation(ctx context.Context, conversationID string) error {
	if s.store == nil {
		return ErrNoStore
	}
	if s.cfg.UserID == "" {
		return nil
	}

	messages, err := s.store.Messages(ctx, s.cfg.UserID, conversationID)
	if err != nil {
		s.logger.Error("Failed to load conversation",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	s.mu.Lock()
	s.detachLocked()
	s.conversationID = conversationID
	s.messages = messages
	s.mu.Unlock()

	s.notify()
	return nil
}

// Close waits for queued persistence writes to finish. The session must not send after Close.
func (s *Session) Close() {
	s.CancelStream()

	s.writerMu.Lock()
	s.closed = true
	w := s.writer
	s.writerMu.Unlock()

	if w != nil {
		w.close()
	}
}

// detachLocked cancels the in-flight send and makes it lose ownership of the session state.
func (s *Session) detachLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = nil
	s.isTyping = false
	s.generation++
}

// update applies fn to the state if the send of generation gen still owns it.
func (s *Session) update(gen uint64, fn func()) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	fn()
	s.mu.Unlock()

	s.notify()
}

func (s *Session) notify() {
	if s.cfg.OnChange == nil {
		return
	}
	s.cfg.OnChange(s.State())
}

func (s *Session) persist(conversationID string, message models.Message) {
	if s.store == nil || s.cfg.UserID == "" || strings.TrimSpace(message.Content) == "" {
		return
	}

	s.writerMu.Lock()
	if s.closed {
		s.writerMu.Unlock()
		s.logger.Warn("Session closed, message not saved", slog.String("messageID", message.ID))
		return
	}
	if s.writer == nil {
		s.writer = newWriter(s.store, s.logger)
	}
	w := s.writer
	s.writerMu.Unlock()

	w.enqueue(persistJob{
		userID:         s.cfg.UserID,
		conversationID: conversationID,
		message:        message,
	})
}
