package models

// ToolUse records one dispatched tool call, in dispatch order.
type ToolUse struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	ID        string `json:"id"`
}

// ExecutionMetadata summarizes a single engine run. It is rebuilt on
// every run and never persisted with the session.
type ExecutionMetadata struct {
	ToolsUsed        []ToolUse `json:"tools_used"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	APICalls         int       `json:"api_calls"`
	ElapsedSeconds   float64   `json:"elapsed_seconds"`
	Iterations       int       `json:"iterations"`
	Model            string    `json:"model"`
}
