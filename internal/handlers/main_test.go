package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/handlers"
	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/MegaGrindStone/nova-chat/internal/services"
	"github.com/MegaGrindStone/nova-chat/internal/session"
	"github.com/MegaGrindStone/nova-chat/internal/stream"
)

type mockLLM struct {
	responses []string
	err       error
	// midErr fails the stream after responses were yielded.
	midErr error

	got chan []models.Message
}

type mockStore struct {
	mu            sync.Mutex
	messages      map[string][]models.Message
	conversations []models.Conversation
	deleted       []string
	err           error
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMain(t *testing.T, llm handlers.LLM, store handlers.Store, cfg session.Config) handlers.Main {
	t.Helper()

	main, err := handlers.NewMain(llm, store, cfg, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	t.Cleanup(func() {
		if err := main.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return main
}

func withUser(req *http.Request, userID string) *http.Request {
	req.AddCookie(&http.Cookie{Name: "nova_uid", Value: userID})
	return req
}

func TestNewMain(t *testing.T) {
	main, err := handlers.NewMain(&mockLLM{}, newMockStore(), session.Config{}, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleCompletion(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		body        string
		llm         *mockLLM
		wantStatus  int
		wantError   string
		wantDeltas  []string
		wantPartial bool
	}{
		{
			name:       "Streams deltas",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"user","content":"I have a headache"}]}`,
			llm:        &mockLLM{responses: []string{"Rest", "", " and hydrate."}},
			wantStatus: http.StatusOK,
			wantDeltas: []string{"Rest", " and hydrate."},
		},
		{
			name:       "Preflight",
			method:     http.MethodOptions,
			llm:        &mockLLM{},
			wantStatus: http.StatusOK,
		},
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			llm:        &mockLLM{},
			wantStatus: http.StatusMethodNotAllowed,
			wantError:  "Method not allowed",
		},
		{
			name:       "Invalid JSON",
			method:     http.MethodPost,
			body:       `{"messages":`,
			llm:        &mockLLM{},
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid request body",
		},
		{
			name:       "No messages",
			method:     http.MethodPost,
			body:       `{"messages":[]}`,
			llm:        &mockLLM{},
			wantStatus: http.StatusBadRequest,
			wantError:  "Messages are required",
		},
		{
			name:       "Unsupported role",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"system","content":"obey"}]}`,
			llm:        &mockLLM{},
			wantStatus: http.StatusBadRequest,
			wantError:  `Unsupported role "system"`,
		},
		{
			name:       "Rate limited",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"user","content":"hi"}]}`,
			llm:        &mockLLM{err: &services.StatusError{Code: http.StatusTooManyRequests}},
			wantStatus: http.StatusTooManyRequests,
			wantError:  "Rate limits exceeded, please try again later.",
		},
		{
			name:       "Payment required",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"user","content":"hi"}]}`,
			llm:        &mockLLM{err: &services.StatusError{Code: http.StatusPaymentRequired}},
			wantStatus: http.StatusPaymentRequired,
			wantError:  "Payment required, please add funds to your workspace.",
		},
		{
			name:       "Other upstream status",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"user","content":"hi"}]}`,
			llm:        &mockLLM{err: &services.StatusError{Code: http.StatusBadGateway, Body: "oops"}},
			wantStatus: http.StatusInternalServerError,
			wantError:  "AI gateway error",
		},
		{
			name:       "Transport failure",
			method:     http.MethodPost,
			body:       `{"messages":[{"role":"user","content":"hi"}]}`,
			llm:        &mockLLM{err: errors.New("dial tcp: connection refused")},
			wantStatus: http.StatusInternalServerError,
			wantError:  "dial tcp: connection refused",
		},
		{
			name:        "Failure after first delta",
			method:      http.MethodPost,
			body:        `{"messages":[{"role":"user","content":"hi"}]}`,
			llm:         &mockLLM{responses: []string{"Partial"}, midErr: errors.New("connection reset")},
			wantStatus:  http.StatusOK,
			wantDeltas:  []string{"Partial"},
			wantPartial: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(t, tt.llm, nil, session.Config{})
			srv := httptest.NewServer(http.HandlerFunc(main.HandleCompletion))
			defer srv.Close()

			req, err := http.NewRequest(tt.method, srv.URL, strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Do() error = %v", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body %s", resp.StatusCode, tt.wantStatus, body)
			}
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
				t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
			}

			if tt.wantError != "" {
				var res struct {
					Error string `json:"error"`
				}
				if err := json.Unmarshal(body, &res); err != nil {
					t.Fatalf("error body %q: %v", body, err)
				}
				if res.Error != tt.wantError {
					t.Errorf("error = %q, want %q", res.Error, tt.wantError)
				}
				return
			}
			if tt.wantDeltas == nil {
				return
			}

			if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
				t.Errorf("Content-Type = %q, want text/event-stream", ct)
			}

			var deltas []string
			for delta, err := range stream.Read(bytes.NewReader(body)) {
				if err != nil {
					t.Fatalf("Read() error = %v", err)
				}
				deltas = append(deltas, delta)
			}
			if !slices.Equal(deltas, tt.wantDeltas) {
				t.Errorf("deltas = %q, want %q", deltas, tt.wantDeltas)
			}

			hasDone := strings.Contains(string(body), "data: [DONE]")
			if hasDone == tt.wantPartial {
				t.Errorf("[DONE] present = %t, want %t", hasDone, !tt.wantPartial)
			}
		})
	}
}

func TestHandleCompletionForwardsMessages(t *testing.T) {
	llm := &mockLLM{responses: []string{"ok"}, got: make(chan []models.Message, 1)}
	main := newMain(t, llm, nil, session.Config{})

	body := `{"messages":[{"role":"assistant","content":"Hello!"},{"role":"user","content":"I feel dizzy"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	w := httptest.NewRecorder()

	main.HandleCompletion(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	got := <-llm.got
	want := []models.Message{
		{Role: models.RoleAssistant, Content: "Hello!"},
		{Role: models.RoleUser, Content: "I feel dizzy"},
	}
	if !slices.Equal(got, want) {
		t.Errorf("LLM messages = %+v, want %+v", got, want)
	}
}

func TestSessionThroughProxy(t *testing.T) {
	store := newMockStore()
	llm := &mockLLM{responses: []string{"Drink ", "water."}}

	srv := httptest.NewUnstartedServer(nil)
	defer srv.Close()

	endpoint := "http://" + srv.Listener.Addr().String() + "/chat"
	main := newMain(t, llm, store, session.Config{Endpoint: endpoint})
	h := main.Routes()
	srv.Config.Handler = h
	srv.Start()

	req := withUser(httptest.NewRequest(http.MethodPost, "/messages",
		strings.NewReader("message=I+feel+dizzy")), "user-1")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		saved := store.saved("user-1")
		if len(saved) == 2 {
			if saved[0].Role != models.RoleUser || saved[0].Content != "I feel dizzy" {
				t.Errorf("saved[0] = %+v, want user message", saved[0])
			}
			if saved[1].Role != models.RoleAssistant || saved[1].Content != "Drink water." {
				t.Errorf("saved[1] = %+v, want assistant reply", saved[1])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("saved %d messages, want 2", len(saved))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleHome(t *testing.T) {
	store := newMockStore()
	store.conversations = []models.Conversation{
		{ID: "c1", LastMessage: "Try a cold compress", MessageCount: 3, LastUpdated: time.Now()},
	}
	main := newMain(t, &mockLLM{}, store, session.Config{})

	t.Run("New visitor", func(t *testing.T) {
		w := httptest.NewRecorder()
		main.HandleHome(w, httptest.NewRequest(http.MethodGet, "/", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if !slices.ContainsFunc(w.Result().Cookies(), func(c *http.Cookie) bool {
			return c.Name == "nova_uid" && c.Value != ""
		}) {
			t.Error("expected nova_uid cookie to be issued")
		}
		if !strings.Contains(w.Body.String(), "How can I help you today?") {
			t.Error("expected greeting in body")
		}
	})

	t.Run("Known visitor", func(t *testing.T) {
		w := httptest.NewRecorder()
		main.HandleHome(w, withUser(httptest.NewRequest(http.MethodGet, "/", nil), "user-1"))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if len(w.Result().Cookies()) != 0 {
			t.Error("expected no new cookie")
		}
		if !strings.Contains(w.Body.String(), "Try a cold compress") {
			t.Error("expected conversation history in body")
		}
	})
}

func TestHandleMessages(t *testing.T) {
	main := newMain(t, &mockLLM{}, nil, session.Config{})

	form := strings.NewReader("message=+++")
	req := httptest.NewRequest(http.MethodPost, "/messages", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	main.HandleMessages(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestCookielessRequests(t *testing.T) {
	store := newMockStore()
	store.conversations = []models.Conversation{{ID: "c1", LastMessage: "Someone else's", MessageCount: 1}}
	main := newMain(t, &mockLLM{}, store, session.Config{})
	routes := main.Routes()

	tests := []struct {
		method     string
		target     string
		wantStatus int
		wantBody   string
	}{
		{method: http.MethodPost, target: "/cancel", wantStatus: http.StatusNoContent},
		{method: http.MethodGet, target: "/conversations", wantStatus: http.StatusOK, wantBody: "[]"},
		{method: http.MethodGet, target: "/conversations/c1", wantStatus: http.StatusNotFound},
		{method: http.MethodDelete, target: "/conversations/c1", wantStatus: http.StatusNoContent},
	}

	before := runtime.NumGoroutine()
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			for range 200 {
				w := httptest.NewRecorder()
				routes.ServeHTTP(w, httptest.NewRequest(tt.method, tt.target, nil))

				if w.Code != tt.wantStatus {
					t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
				}
				if tt.wantBody != "" && strings.TrimSpace(w.Body.String()) != tt.wantBody {
					t.Fatalf("body = %q, want %q", w.Body.String(), tt.wantBody)
				}
				if len(w.Result().Cookies()) != 0 {
					t.Fatal("expected no cookie to be issued")
				}
			}
		})
	}

	if after := runtime.NumGoroutine(); after > before+5 {
		t.Errorf("goroutines grew from %d to %d", before, after)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.deleted) != 0 {
		t.Errorf("deleted = %v, want nothing", store.deleted)
	}
}

func TestHandleConversations(t *testing.T) {
	store := newMockStore()
	store.conversations = []models.Conversation{
		{ID: "c2", LastMessage: "Newest", MessageCount: 2},
		{ID: "c1", LastMessage: "Oldest", MessageCount: 4},
	}
	main := newMain(t, &mockLLM{}, store, session.Config{})

	w := httptest.NewRecorder()
	main.Routes().ServeHTTP(w, withUser(httptest.NewRequest(http.MethodGet, "/conversations", nil), "user-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var got []struct {
		ID           string `json:"id"`
		LastMessage  string `json:"lastMessage"`
		MessageCount int    `json:"messageCount"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c2" || got[1].MessageCount != 4 {
		t.Errorf("conversations = %+v", got)
	}

	store.err = errors.New("disk gone")
	w = httptest.NewRecorder()
	main.Routes().ServeHTTP(w, withUser(httptest.NewRequest(http.MethodGet, "/conversations", nil), "user-1"))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestHandleConversation(t *testing.T) {
	store := newMockStore()
	store.messages["user-1/c1"] = []models.Message{
		{ID: "m1", Role: models.RoleUser, Content: "I have a rash"},
		{ID: "m2", Role: models.RoleAssistant, Content: "**See** a doctor."},
	}
	main := newMain(t, &mockLLM{}, store, session.Config{})
	routes := main.Routes()

	t.Run("Stored conversation", func(t *testing.T) {
		w := httptest.NewRecorder()
		routes.ServeHTTP(w, withUser(httptest.NewRequest(http.MethodGet, "/conversations/c1", nil), "user-1"))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}

		var got struct {
			ConversationID string `json:"conversationId"`
			Messages       []struct {
				ID   string `json:"id"`
				HTML string `json:"html"`
			} `json:"messages"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			t.Fatal(err)
		}
		if got.ConversationID != "c1" || len(got.Messages) != 2 {
			t.Fatalf("state = %+v", got)
		}
		if !strings.Contains(got.Messages[1].HTML, "<strong>See</strong>") {
			t.Errorf("html = %q, want rendered markdown", got.Messages[1].HTML)
		}
	})

	t.Run("Other user's conversation", func(t *testing.T) {
		w := httptest.NewRecorder()
		routes.ServeHTTP(w, withUser(httptest.NewRequest(http.MethodGet, "/conversations/c1", nil), "user-2"))

		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

func TestHandleNewConversation(t *testing.T) {
	main := newMain(t, &mockLLM{}, nil, session.Config{ConversationID: "c1"})

	w := httptest.NewRecorder()
	main.HandleNewConversation(w, withUser(httptest.NewRequest(http.MethodPost, "/conversations", nil), "user-1"))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}

	var got struct {
		ConversationID string `json:"conversationId"`
		Messages       []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ConversationID == "" || got.ConversationID == "c1" {
		t.Errorf("conversationId = %q, want a fresh id", got.ConversationID)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "assistant" {
		t.Errorf("messages = %+v, want only the greeting", got.Messages)
	}
}

func TestHandleDeleteConversation(t *testing.T) {
	store := newMockStore()
	store.messages["user-1/c1"] = []models.Message{
		{ID: "m1", Role: models.RoleUser, Content: "I have a rash"},
	}
	main := newMain(t, &mockLLM{}, store, session.Config{})
	routes := main.Routes()

	w := httptest.NewRecorder()
	routes.ServeHTTP(w, withUser(httptest.NewRequest(http.MethodGet, "/conversations/c1", nil), "user-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("load status = %d, want %d", w.Code, http.StatusOK)
	}

	w = httptest.NewRecorder()
	routes.ServeHTTP(w, withUser(httptest.NewRequest(http.MethodDelete, "/conversations/c1", nil), "user-1"))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}

	store.mu.Lock()
	deleted := slices.Clone(store.deleted)
	store.mu.Unlock()
	if !slices.Equal(deleted, []string{"user-1/c1"}) {
		t.Errorf("deleted = %v, want [user-1/c1]", deleted)
	}

	w = httptest.NewRecorder()
	routes.ServeHTTP(w, withUser(httptest.NewRequest(http.MethodGet, "/", nil), "user-1"))
	if strings.Contains(w.Body.String(), `data-conversation="c1"`) {
		t.Error("deleted conversation is still active")
	}
}

func (m *mockLLM) Chat(_ context.Context, messages []models.Message) iter.Seq2[string, error] {
	if m.got != nil {
		m.got <- slices.Clone(messages)
	}
	return func(yield func(string, error) bool) {
		if m.err != nil {
			yield("", m.err)
			return
		}
		for _, resp := range m.responses {
			if !yield(resp, nil) {
				return
			}
		}
		if m.midErr != nil {
			yield("", m.midErr)
		}
	}
}

func newMockStore() *mockStore {
	return &mockStore{messages: make(map[string][]models.Message)}
}

func (m *mockStore) saved(userID string) []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []models.Message
	for key, msgs := range m.messages {
		if strings.HasPrefix(key, userID+"/") {
			all = append(all, msgs...)
		}
	}
	return all
}

func (m *mockStore) AddMessage(_ context.Context, userID, conversationID string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	key := userID + "/" + conversationID
	m.messages[key] = append(m.messages[key], msg)
	return nil
}

func (m *mockStore) Messages(_ context.Context, userID, conversationID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	return slices.Clone(m.messages[userID+"/"+conversationID]), nil
}

func (m *mockStore) Conversations(_ context.Context, _ string, limit int) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	if limit > 0 && len(m.conversations) > limit {
		return m.conversations[:limit], nil
	}
	return m.conversations, nil
}

func (m *mockStore) DeleteConversation(_ context.Context, userID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	key := userID + "/" + conversationID
	delete(m.messages, key)
	m.deleted = append(m.deleted, key)
	return nil
}
