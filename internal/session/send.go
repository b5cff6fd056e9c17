package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/stream"
	"github.com/google/uuid"
)

// RequestError is a failed exchange with the chat endpoint. Message is safe to show to the user.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return e.Message
}

const (
	fallbackErrorMessage = "I'm sorry, I encountered an error. Please try again."
	timeoutErrorMessage  = "The request timed out. Please try again."

	maxErrorBody = 64 << 10
)

type wireMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

type completionRequest struct {
	Messages []wireMessage `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// SendMessage appends text as a user message and streams the assistant reply into the conversation. It
// blocks until the stream ends and returns the complete reply, or an empty string when text is blank, a
// send is already in flight, the exchange failed or it was cancelled.
//
// A failure is shown as a single assistant message in place of the reply; a cancellation adds nothing.
// The user message and a non-empty reply are queued for persistence; failed writes are only logged.
func (s *Session) SendMessage(ctx context.Context, text string) string {
	ex, ok := s.begin(ctx, text)
	if !ok {
		return ""
	}
	return s.exchange(ex)
}

// Start begins sending text like SendMessage, but returns once the user message is in place and streams
// the reply on a new goroutine. It reports false, changing nothing, when text is blank or a send is
// already in flight.
func (s *Session) Start(ctx context.Context, text string) bool {
	ex, ok := s.begin(ctx, text)
	if !ok {
		return false
	}
	go s.exchange(ex)
	return true
}

// send is one accepted exchange, owned by the generation it started in.
type send struct {
	ctx            context.Context
	cancel         context.CancelFunc
	gen            uint64
	conversationID string
	payload        []wireMessage
}

// begin appends the user message and marks the session as typing, unless text is blank or a send is
// already in flight.
func (s *Session) begin(ctx context.Context, text string) (send, bool) {
	if strings.TrimSpace(text) == "" {
		return send{}, false
	}

	s.mu.Lock()
	if s.isTyping {
		s.mu.Unlock()
		s.logger.Debug("Send rejected while a reply is streaming")
		return send{}, false
	}
	userMsg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: s.clock.Now(),
	}
	s.messages = append(s.messages, userMsg)
	s.isTyping = true
	ex := send{
		gen:            s.generation,
		conversationID: s.conversationID,
		payload:        wireMessages(s.messages),
	}
	ex.ctx, ex.cancel = s.requestContext(ctx)
	s.cancel = ex.cancel
	s.mu.Unlock()

	s.notify()
	s.persist(ex.conversationID, userMsg)
	return ex, true
}

func (s *Session) exchange(ex send) string {
	ctx, gen, conversationID := ex.ctx, ex.gen, ex.conversationID
	defer s.finish(gen, ex.cancel)

	reply, err := s.stream(ctx, gen, ex.payload)
	if err != nil {
		if isCanceled(ctx, err) {
			s.logger.Debug("Reply cancelled", slog.String("conversationID", conversationID))
			s.update(gen, func() { s.dropIfEmptyLocked(reply.ID) })
			return ""
		}

		s.logger.Error("Chat request failed",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		errMsg := models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			Content:   userErrorMessage(ctx, err),
			Timestamp: s.clock.Now(),
		}
		s.update(gen, func() { s.replaceLocked(reply.ID, errMsg) })
		return ""
	}

	if reply.Content == "" {
		s.update(gen, func() { s.dropIfEmptyLocked(reply.ID) })
		return ""
	}

	s.persist(conversationID, reply)
	return reply.Content
}

// requestContext derives the cancellable context of one exchange, bounded by the configured timeout.
func (s *Session) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if s.cfg.Timeout <= 0 {
		return ctx, cancel
	}
	ctx, cancelTimeout := context.WithTimeout(ctx, s.cfg.Timeout)
	return ctx, func() {
		cancelTimeout()
		cancel()
	}
}

func (s *Session) finish(gen uint64, cancel context.CancelFunc) {
	cancel()

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.isTyping = false
	s.cancel = nil
	s.mu.Unlock()

	s.notify()
}

// stream performs the exchange and returns the assistant reply as far as it got. The reply has no ID when
// the stream never started.
func (s *Session) stream(ctx context.Context, gen uint64, payload []wireMessage) (models.Message, error) {
	body, err := json.Marshal(completionRequest{Messages: payload})
	if err != nil {
		return models.Message{}, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return models.Message{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return models.Message{}, fmt.Errorf("error sending request: %w", err)
	}
	if resp.Body == nil {
		return models.Message{}, &RequestError{StatusCode: resp.StatusCode, Message: "No response body"}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.Message{}, responseError(resp)
	}
	if resp.Body == http.NoBody {
		return models.Message{}, &RequestError{StatusCode: resp.StatusCode, Message: "No response body"}
	}

	reply := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Timestamp: s.clock.Now(),
	}
	s.update(gen, func() { s.messages = append(s.messages, reply) })

	var sb strings.Builder
	for delta, err := range stream.Read(resp.Body) {
		if err != nil {
			return reply, fmt.Errorf("error reading response: %w", err)
		}
		sb.WriteString(delta)
		reply.Content = sb.String()
		content := reply.Content
		s.update(gen, func() { s.setContentLocked(reply.ID, content) })
	}
	// A read that stopped on a cancelled context may look like a clean end of stream.
	if err := ctx.Err(); err != nil {
		return reply, err
	}

	return reply, nil
}

func responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var e errorResponse
	if err := json.Unmarshal(raw, &e); err == nil && e.Error != "" {
		return &RequestError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	return &RequestError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("Request failed with status %d", resp.StatusCode),
	}
}

func wireMessages(messages []models.Message) []wireMessage {
	out := make([]wireMessage, len(messages))
	for i, m := range messages {
		out[i] = wireMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// isCanceled reports whether the exchange was stopped on purpose. A timeout is a failure, not a
// cancellation.
func isCanceled(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return false
	}
	return errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled)
}

func userErrorMessage(ctx context.Context, err error) string {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Message
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return timeoutErrorMessage
	}
	return fallbackErrorMessage
}

func (s *Session) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == id })
}

func (s *Session) setContentLocked(id, content string) {
	if i := s.indexLocked(id); i >= 0 {
		s.messages[i].Content = content
	}
}

func (s *Session) dropIfEmptyLocked(id string) {
	if i := s.indexLocked(id); i >= 0 && s.messages[i].Content == "" {
		s.messages = slices.Delete(s.messages, i, i+1)
	}
}

// replaceLocked puts msg where the placeholder id is, or appends it when there is none.
func (s *Session) replaceLocked(id string, msg models.Message) {
	if i := s.indexLocked(id); i >= 0 {
		s.messages[i] = msg
		return
	}
	s.messages = append(s.messages, msg)
}
