package models

import "time"

// PlaceholderTitle is the description a session carries until a real
// title has been generated for it.
const PlaceholderTitle = "Chat Session"

// Session groups the full message history of one conversation thread,
// scoped to a single project. Messages are replaced wholesale on every
// save; the caller always supplies the complete reconstructed history.
type Session struct {
	ID          string     `json:"id"`
	Project     string     `json:"project"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	Messages    []*Message `json:"messages"`
}

// SessionSummary is the list view of a session.
type SessionSummary struct {
	ID           string    `json:"id"`
	Project      string    `json:"project"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
}

// UserMessageCount reports how many user turns the session holds.
func (s *Session) UserMessageCount() int {
	n := 0
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// FirstUserMessage returns the content of the earliest user turn, or "".
func (s *Session) FirstUserMessage() string {
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			return m.Content
		}
	}
	return ""
}
