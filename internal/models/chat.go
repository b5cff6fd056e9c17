package models

import (
	"bytes"
	"fmt"
	"time"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Conversation summarizes one stored conversation for history browsing. It carries the content of the
// most recent message, the number of stored messages and the time the conversation was last written to.
type Conversation struct {
	ID           string
	LastMessage  string
	MessageCount int
	LastUpdated  time.Time
}

// Message represents one turn in a conversation. The ID is assigned when the message is created and is
// unique within its conversation. For an assistant message Content grows while the reply is streamed and
// is never changed again once the stream has ended.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a reply from the assistant, including error replies.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the roles accepted on the wire.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(highlighting.WithStyle("github")),
	),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// RenderContent converts markdown message content into HTML. Raw HTML in the source is not passed
// through.
func RenderContent(content string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}
