package models

import (
	"time"

	"github.com/cloudwego/eino/schema"
)

// Message is one turn of a conversation as stored in the history.

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Images     []string   `json:"images,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ToolCall is one tool invocation requested by an assistant message.
// Arguments is the raw JSON string as returned by the provider; it is
// validated only when the call is dispatched.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToSchema converts a stored message to the provider wire form.
func (m *Message) ToSchema() *schema.Message {
	out := &schema.Message{
		Role:       schemaRole(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, schema.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: schema.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	if len(m.Images) > 0 {
		parts := []schema.ChatMessagePart{{
			Type: schema.ChatMessagePartTypeText,
			Text: m.Content,
		}}
		for _, img := range m.Images {
			parts = append(parts, schema.ChatMessagePart{
				Type:     schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{URL: img},
			})
		}
		out.MultiContent = parts
	}
	return out
}

// FromSchema converts a provider message back into the stored form.
func FromSchema(msg *schema.Message) *Message {
	out := &Message{
		Role:       modelRole(msg.Role),
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
		CreatedAt:  time.Now().UTC(),
	}
	for _, part := range msg.MultiContent {
		switch part.Type {
		case schema.ChatMessagePartTypeText:
			if out.Content == "" {
				out.Content = part.Text
			}
		case schema.ChatMessagePartTypeImageURL:
			if part.ImageURL != nil {
				out.Images = append(out.Images, part.ImageURL.URL)
			}
		}
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

func schemaRole(r Role) schema.RoleType {
	switch r {
	case RoleAssistant:
		return schema.Assistant
	case RoleSystem:
		return schema.System
	case RoleTool:
		return schema.Tool
	default:
		return schema.User
	}
}

func modelRole(r schema.RoleType) Role {
	switch r {
	case schema.Assistant:
		return RoleAssistant
	case schema.System:
		return RoleSystem
	case schema.Tool:
		return RoleTool
	default:
		return RoleUser
	}
}
