package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

type completionRequest struct {
	Messages []completionMessage `json:"messages"`
}

type completionMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

type completionChunk struct {
	Choices []completionChoice `json:"choices"`
}

type completionChoice struct {
	Delta completionDelta `json:"delta"`
}

type completionDelta struct {
	Content string `json:"content"`
}

type statusCoder interface {
	StatusCode() int
}

const (
	rateLimitMessage       = "Rate limits exceeded, please try again later."
	paymentRequiredMessage = "Payment required, please add funds to your workspace."
	gatewayErrorMessage    = "AI gateway error"

	doneSentinel = "[DONE]"
)

// HandleCompletion proxies a chat completion to the LLM and relays the reply as an OpenAI-style
// server-sent event stream terminated by a [DONE] frame.
//
// The handler expects a JSON body of the form {"messages":[{"role":"user","content":"..."}]}. Upstream
// failures that happen before the first delta are reported as a JSON {"error":"..."} body: rate limits
// map to 429, exhausted credits to 402 and any other upstream status to 500. Once streaming has started,
// an upstream failure ends the stream early.
func (m Main) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode completion request", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "Messages are required")
		return
	}

	messages := make([]models.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if !msg.Role.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported role %q", msg.Role))
			return
		}
		messages = append(messages, models.Message{Role: msg.Role, Content: msg.Content})
	}

	m.logger.Info("Calling LLM", slog.Int("messages", len(messages)))

	// We pull the first item before upgrading so upstream failures still get a proper status code.
	next, stop := iter.Pull2(m.llm.Chat(r.Context(), messages))
	defer stop()

	delta, err, ok := next()
	if err != nil {
		status, message := upstreamFailure(err)
		m.logger.Error("LLM request failed",
			slog.Int("status", status),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, status, message)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade connection", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for ; ok; delta, err, ok = next() {
		if err != nil {
			m.logger.Error("LLM stream failed", slog.String(errLoggerKey, err.Error()))
			return
		}
		if delta == "" {
			continue
		}

		data, merr := json.Marshal(completionChunk{
			Choices: []completionChoice{{Delta: completionDelta{Content: delta}}},
		})
		if merr != nil {
			m.logger.Error("Failed to marshal chunk", slog.String(errLoggerKey, merr.Error()))
			return
		}
		if err := sendData(sess, string(data)); err != nil {
			m.logger.Warn("Client went away", slog.String(errLoggerKey, err.Error()))
			return
		}
	}

	if err := sendData(sess, doneSentinel); err != nil {
		m.logger.Warn("Failed to send stream terminator", slog.String(errLoggerKey, err.Error()))
	}
}

func sendData(sess *sse.Session, data string) error {
	msg := &sse.Message{}
	msg.AppendData(data)
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

// upstreamFailure maps an LLM error to the status and message reported to the caller.
func upstreamFailure(err error) (int, string) {
	var sc statusCoder
	if !errors.As(err, &sc) {
		return http.StatusInternalServerError, err.Error()
	}

	switch sc.StatusCode() {
	case http.StatusTooManyRequests:
		return http.StatusTooManyRequests, rateLimitMessage
	case http.StatusPaymentRequired:
		return http.StatusPaymentRequired, paymentRequiredMessage
	default:
		return http.StatusInternalServerError, gatewayErrorMessage
	}
}

func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
}
