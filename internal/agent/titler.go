package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"dbchat/internal/models"
)

// Titler generates short session titles via a side call to the chat
// model, independent of the engine's conversation state.
type Titler struct {
	chatModel model.BaseChatModel
}

func NewTitler(chatModel model.BaseChatModel) *Titler {
	return &Titler{chatModel: chatModel}
}

func (t *Titler) GenerateTitle(ctx context.Context, messages []*models.Message) (string, error) {
	if len(messages) == 0 {
		return models.PlaceholderTitle, nil
	}
	systemPrompt := "You are a conversation title generator. " +
		"Based on the dialogue between the user and the assistant, generate a concise and accurate title. " +
		"The title should be a short phrase summarizing the main topic. " +
		"Output only the title; do not include any additional content."

	var conversationText strings.Builder
	for _, msg := range messages {
		if msg.Role == models.RoleUser {
			fmt.Fprintf(&conversationText, "User: %s\n", msg.Content)
		} else if msg.Role == models.RoleAssistant && msg.Content != "" {
			fmt.Fprintf(&conversationText, "Assistant: %s\n", msg.Content)
		}
	}

	schemaMessages := []*schema.Message{
		{
			Role:    schema.System,
			Content: systemPrompt,
		},
		{
			Role:    schema.User,
			Content: fmt.Sprintf("Please generate a clean title for the following conversation:\n\n%s", conversationText.String()),
		},
	}
	resp, err := t.chatModel.Generate(ctx, schemaMessages)
	if err != nil {
		return "", fmt.Errorf("generate title failed: %w", err)
	}
	title := strings.TrimSpace(resp.Content)
	if title == "" {
		return models.PlaceholderTitle, nil
	}
	return title, nil
}
