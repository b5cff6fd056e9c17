// Package services holds the concrete backends of the chat server: upstream language model providers that
// stream completion deltas, and persistence stores for chat messages.
package services

import (
	"fmt"
	"slices"

	"github.com/MegaGrindStone/nova-chat/internal/models"
)

// StatusError reports a non-success HTTP status returned by an upstream provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.Code, e.Body)
}

// StatusCode returns the upstream HTTP status code.
func (e *StatusError) StatusCode() int {
	return e.Code
}

type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// withSystemPrompt projects messages to role/content pairs and places the persona prompt first.
func withSystemPrompt(systemPrompt string, messages []models.Message) []chatTurn {
	turns := make([]chatTurn, 0, len(messages)+1)
	for _, msg := range messages {
		turns = append(turns, chatTurn{Role: string(msg.Role), Content: msg.Content})
	}
	if systemPrompt == "" {
		return turns
	}
	return slices.Insert(turns, 0, chatTurn{Role: "system", Content: systemPrompt})
}
