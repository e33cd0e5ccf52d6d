// Package chatstore persists conversations, messages and stream
// identifiers. The streaming core treats it as an opaque collaborator
// with create/read/append operations; the SQLite implementation here
// is the default backing.
package chatstore

import "time"

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

type Conversation struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"ownerId"`
	Title      string     `json:"title"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Part is one element of a message's ordered content sequence.
type Part struct {
	Type       string `json:"type"` // text | attachment | tool-call | tool-result
	Text       string `json:"text,omitempty"`
	URL        string `json:"url,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	Payload    string `json:"payload,omitempty"`
}

func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

// Message is immutable once persisted; stores append, never mutate.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Parts          []Part    `json:"parts"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Text concatenates the message's text parts in order.
func (m Message) Text() string {
	out := ""
	for _, p := range m.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}
