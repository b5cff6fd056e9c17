package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/nova-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Gateway streams chat completions from an OpenAI compatible gateway reachable over plain HTTP. The
// gateway is given the full message history with the persona prompt prepended.
type Gateway struct {
	url          string
	apiKey       string
	model        string
	systemPrompt string

	client *http.Client

	logger *slog.Logger
}

type gatewayChatRequest struct {
	Model    string     `json:"model"`
	Messages []chatTurn `json:"messages"`
	Stream   bool       `json:"stream"`
}

type gatewayStreamingResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

const maxErrorBody = 64 << 10

// NewGateway creates a new Gateway posting to url with the given bearer key, model name and system
// prompt. A nil client means http.DefaultClient.
func NewGateway(url, apiKey, model, systemPrompt string, client *http.Client, logger *slog.Logger) Gateway {
	if client == nil {
		client = http.DefaultClient
	}
	return Gateway{
		url:          url,
		apiKey:       apiKey,
		model:        model,
		systemPrompt: systemPrompt,
		client:       client,
		logger:       logger.With(slog.String("module", "gateway")),
	}
}

// Chat streams the reply to messages. The iterator yields each content delta in order; a non-success
// upstream status is yielded as a *StatusError before any delta. Cancelling ctx ends the sequence without
// an error.
func (g Gateway) Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := g.doRequest(ctx, messages)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}

			g.logger.Debug("Received event", slog.String("event", ev.Data))

			if ev.Data == "[DONE]" {
				return
			}

			var res gatewayStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield("", fmt.Errorf("error unmarshaling response: %w", err))
				return
			}

			if len(res.Choices) == 0 || res.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(res.Choices[0].Delta.Content, nil) {
				return
			}
		}
	}
}

func (g Gateway) doRequest(ctx context.Context, messages []models.Message) (*http.Response, error) {
	reqBody := gatewayChatRequest{
		Model:    g.model,
		Messages: withSystemPrompt(g.systemPrompt, messages),
		Stream:   true,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	g.logger.Debug("Calling gateway", slog.Int("messages", len(messages)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	return resp, nil
}
