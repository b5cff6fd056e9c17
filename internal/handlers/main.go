package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"iter"
	"log/slog"
	"net/http"
	"time"

	novachat "github.com/MegaGrindStone/nova-chat"
	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/session"
	"github.com/tmaxmax/go-sse"
)

// LLM represents a large language model that streams chat replies. It accepts a context and the
// conversation so far, returning an iterator that yields reply deltas and potential errors. Errors that
// carry an upstream HTTP status implement StatusCode() int.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// Store defines the persistence the web interface needs: the message operations used by chat sessions
// plus history browsing and deletion.
type Store interface {
	session.Store
	Conversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, userID, conversationID string) error
}

// Main handles the core functionality of the chat application: it proxies completion requests to the
// LLM, keeps one chat session per browser user and pushes session changes to the browser over
// server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	llm        LLM
	store      Store
	sessionCfg session.Config
	client     session.Doer
	sessions   *sessionRegistry

	logger        *slog.Logger
	sessionLogger *slog.Logger
}

const (
	errLoggerKey = "err"

	userCookie        = "nova_uid"
	conversationLimit = 10
)

var stateSSEType = sse.Type("state")

// NewMain creates a new Main instance. Sessions it creates talk to the completion endpoint described by
// sessionCfg through client; a nil client means http.DefaultClient. The HTML templates are parsed from
// the embedded filesystem.
func NewMain(llm LLM, store Store, sessionCfg session.Config, client session.Doer, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		novachat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}

				// Each browser only hears about its own session.
				if userID, ok := cookieUserID(s.Req); ok {
					topics = append(topics, userTopic(userID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates:     tmpl,
		llm:           llm,
		store:         store,
		sessionCfg:    sessionCfg,
		client:        client,
		sessions:      newSessionRegistry(sessionIdleTTL, time.Now),
		logger:        logger.With(slog.String("module", "main")),
		sessionLogger: logger,
	}, nil
}

// Routes registers every handler on a new mux.
func (m Main) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", m.HandleCompletion)
	mux.HandleFunc("GET /{$}", m.HandleHome)
	mux.HandleFunc("POST /messages", m.HandleMessages)
	mux.HandleFunc("POST /cancel", m.HandleCancel)
	mux.HandleFunc("GET /conversations", m.HandleConversations)
	mux.HandleFunc("POST /conversations", m.HandleNewConversation)
	mux.HandleFunc("GET /conversations/{id}", m.HandleConversation)
	mux.HandleFunc("DELETE /conversations/{id}", m.HandleDeleteConversation)
	mux.HandleFunc("GET /sse", m.HandleSSE)
	return mux
}

func userTopic(userID string) string {
	return fmt.Sprintf("user-%s", userID)
}

// HandleSSE subscribes the browser to its session's state changes.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// session returns the chat session of userID, creating it on first use.
func (m Main) session(userID string) *session.Session {
	return m.sessions.getOrCreate(userID, func() *session.Session {
		cfg := m.sessionCfg
		cfg.UserID = userID
		cfg.OnChange = func(st session.State) {
			m.publishState(userID, st)
		}
		var store session.Store
		if m.store != nil {
			store = m.store
		}
		return session.New(cfg, m.client, store, nil, m.sessionLogger)
	})
}

// existingSession returns the session of the requesting browser without creating one.
func (m Main) existingSession(r *http.Request) (*session.Session, bool) {
	userID, ok := cookieUserID(r)
	if !ok {
		return nil, false
	}
	return m.sessions.get(userID)
}

func cookieUserID(r *http.Request) (string, bool) {
	c, err := r.Cookie(userCookie)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

// userID identifies the browser by cookie, issuing a new identity when it has none.
func (m Main) userID(w http.ResponseWriter, r *http.Request) string {
	if id, ok := cookieUserID(r); ok {
		return id
	}

	id := newID()
	http.SetCookie(w, &http.Cookie{
		Name:     userCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
	})
	return id
}

func (m Main) publishState(userID string, st session.State) {
	view, err := renderState(st)
	if err != nil {
		m.logger.Error("Failed to render state",
			slog.String("userID", userID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	data, err := json.Marshal(view)
	if err != nil {
		m.logger.Error("Failed to marshal state", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: stateSSEType}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(&msg, userTopic(userID)); err != nil {
		m.logger.Error("Failed to publish state",
			slog.String("userID", userID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown gracefully terminates the Main instance. It cancels every in-flight reply, waits for pending
// message writes, broadcasts a close message to all connected clients and waits up to 5 seconds for
// connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	m.sessions.closeAll()

	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

type errorResponse struct {
	Error string `json:"error"`
}
