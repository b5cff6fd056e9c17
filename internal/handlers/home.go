package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/session"
	"github.com/google/uuid"
)

type homePageData struct {
	State         stateView
	Conversations []conversationView
}

type stateView struct {
	ConversationID string        `json:"conversationId"`
	IsTyping       bool          `json:"isTyping"`
	Messages       []messageView `json:"messages"`
}

type messageView struct {
	ID        string        `json:"id"`
	Role      models.Role   `json:"role"`
	Content   string        `json:"content"`
	HTML      template.HTML `json:"html"`
	Timestamp time.Time     `json:"timestamp"`
}

type conversationView struct {
	ID           string    `json:"id"`
	LastMessage  string    `json:"lastMessage"`
	MessageCount int       `json:"messageCount"`
	LastUpdated  time.Time `json:"lastUpdated"`
	Active       bool      `json:"active"`
}

func newID() string {
	return uuid.NewString()
}

// HandleHome renders the chat page for the requesting browser, including its current conversation and
// the most recent conversations from history.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	userID := m.userID(w, r)
	sess := m.session(userID)

	st, err := renderState(sess.State())
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	convs, err := m.conversations(r.Context(), userID, st.ConversationID)
	if err != nil {
		// History is optional on the home page.
		m.logger.Error("Failed to list conversations", slog.String(errLoggerKey, err.Error()))
	}

	data := homePageData{
		State:         st,
		Conversations: convs,
	}
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// HandleMessages accepts a user message through the "message" form field and starts streaming the
// assistant's reply in the background. Progress is delivered over server-sent events.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	msg := strings.TrimSpace(r.FormValue("message"))
	if msg == "" {
		m.logger.Error("Message is required")
		writeError(w, http.StatusBadRequest, "Message is required")
		return
	}

	sess := m.session(m.userID(w, r))

	// The reply outlives this request; it stops on cancel, timeout or shutdown.
	if !sess.Start(context.Background(), msg) {
		writeError(w, http.StatusConflict, "A reply is still streaming")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandleCancel stops the reply that is currently streaming, if any.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if sess, ok := m.existingSession(r); ok {
		sess.CancelStream()
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleNewConversation starts a fresh conversation seeded with the greeting.
func (m Main) HandleNewConversation(w http.ResponseWriter, r *http.Request) {
	sess := m.session(m.userID(w, r))
	id := sess.StartNewConversation()

	m.logger.Info("Started conversation", slog.String("conversationID", id))

	st, err := renderState(sess.State())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// HandleConversations lists the requesting user's most recent conversations.
func (m Main) HandleConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := cookieUserID(r)
	if !ok {
		writeJSON(w, http.StatusOK, []conversationView{})
		return
	}

	var activeID string
	if sess, ok := m.sessions.get(userID); ok {
		activeID = sess.ConversationID()
	}

	convs, err := m.conversations(r.Context(), userID, activeID)
	if err != nil {
		m.logger.Error("Failed to list conversations", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if convs == nil {
		convs = []conversationView{}
	}
	writeJSON(w, http.StatusOK, convs)
}

// HandleConversation loads a conversation from history into the user's session.
func (m Main) HandleConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	userID, ok := cookieUserID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	sess := m.session(userID)

	if err := sess.LoadConversation(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrNoStore) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	st := sess.State()
	if st.ConversationID != id {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}

	view, err := renderState(st)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleDeleteConversation removes a conversation from history. Deleting the active conversation starts
// a new one.
func (m Main) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		writeError(w, http.StatusNotFound, session.ErrNoStore.Error())
		return
	}

	id := r.PathValue("id")
	userID, ok := cookieUserID(r)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := m.store.DeleteConversation(r.Context(), userID, id); err != nil {
		m.logger.Error("Failed to delete conversation",
			slog.String("conversationID", id),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if sess, ok := m.sessions.get(userID); ok && sess.ConversationID() == id {
		sess.StartNewConversation()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m Main) conversations(ctx context.Context, userID, activeID string) ([]conversationView, error) {
	if m.store == nil {
		return nil, nil
	}

	convs, err := m.store.Conversations(ctx, userID, conversationLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversations: %w", err)
	}

	views := make([]conversationView, 0, len(convs))
	for _, c := range convs {
		views = append(views, conversationView{
			ID:           c.ID,
			LastMessage:  c.LastMessage,
			MessageCount: c.MessageCount,
			LastUpdated:  c.LastUpdated,
			Active:       c.ID == activeID,
		})
	}
	return views, nil
}

func renderState(st session.State) (stateView, error) {
	msgs := make([]messageView, 0, len(st.Messages))
	for _, msg := range st.Messages {
		html, err := models.RenderContent(msg.Content)
		if err != nil {
			return stateView{}, fmt.Errorf("failed to render message %s: %w", msg.ID, err)
		}
		// goldmark omits raw HTML unless WithUnsafe is set.
		msgs = append(msgs, messageView{
			ID:        msg.ID,
			Role:      msg.Role,
			Content:   msg.Content,
			HTML:      template.HTML(html),
			Timestamp: msg.Timestamp,
		})
	}

	return stateView{
		ConversationID: st.ConversationID,
		IsTyping:       st.IsTyping,
		Messages:       msgs,
	}, nil
}
