package agent

import (
	"github.com/cloudwego/eino/schema"
)

// interruptedToolResult closes tool calls whose results were lost, so
// the provider accepts a restored conversation.
const interruptedToolResult = "Error: Tool execution was interrupted or response was lost."

// Conversation is the engine's working message buffer. It is not safe
// for concurrent use; the coordinator's run lock serializes access.
type Conversation struct {
	msgs []*schema.Message
}

func NewConversation() *Conversation {
	return &Conversation{}
}

func (c *Conversation) Append(msgs ...*schema.Message) {
	c.msgs = append(c.msgs, msgs...)
}

// ReplaceAll swaps in a complete new history.
func (c *Conversation) ReplaceAll(msgs []*schema.Message) {
	c.msgs = append([]*schema.Message(nil), msgs...)
}

func (c *Conversation) Messages() []*schema.Message {
	return c.msgs
}

func (c *Conversation) Len() int {
	return len(c.msgs)
}

// HasSystem reports whether a system message is present.
func (c *Conversation) HasSystem() bool {
	for _, m := range c.msgs {
		if m.Role == schema.System {
			return true
		}
	}
	return false
}

// Prepend inserts a message at the front of the buffer.
func (c *Conversation) Prepend(msg *schema.Message) {
	c.msgs = append([]*schema.Message{msg}, c.msgs...)
}

// Trim bounds context growth: once the buffer exceeds recentKeep+1
// messages it keeps all system messages, in order, followed by the
// most recent recentKeep non-system messages.
func (c *Conversation) Trim(recentKeep int) {
	if recentKeep <= 0 || len(c.msgs) <= recentKeep+1 {
		return
	}
	var system, rest []*schema.Message
	for _, m := range c.msgs {
		if m.Role == schema.System {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) > recentKeep {
		rest = rest[len(rest)-recentKeep:]
	}
	c.msgs = append(system, rest...)
}

// Sanitize repairs histories whose tool results were lost: every tool
// call an assistant message opened must be closed by a tool message
// before any other message type appears. Orphaned calls get a
// synthesized error result. Idempotent.
func (c *Conversation) Sanitize() {
	var out []*schema.Message
	var pending []string

	closeOrphans := func() {
		for _, id := range pending {
			out = append(out, &schema.Message{
				Role:       schema.Tool,
				Content:    interruptedToolResult,
				ToolCallID: id,
			})
		}
		pending = pending[:0]
	}

	for _, m := range c.msgs {
		switch {
		case m.Role == schema.Tool:
			for i, id := range pending {
				if id == m.ToolCallID {
					pending = append(pending[:i], pending[i+1:]...)
					break
				}
			}
			out = append(out, m)
		default:
			closeOrphans()
			out = append(out, m)
			if m.Role == schema.Assistant {
				for _, tc := range m.ToolCalls {
					pending = append(pending, tc.ID)
				}
			}
		}
	}
	closeOrphans()
	c.msgs = out
}
