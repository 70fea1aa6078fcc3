package agent

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"dbchat/internal/config"
)

// NewChatModel builds the configured provider's chat model and reports
// the endpoint used, for error annotation.
func NewChatModel(ctx context.Context, cfg *config.Config) (model.ToolCallingChatModel, string, string, error) {
	provider := cfg.Agent.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, "", "", fmt.Errorf("provider %s not configured", provider)
	}
	modelName := cfg.Agent.Model
	if modelName == "" {
		modelName = provCfg.Model
	}

	var (
		chatModel model.ToolCallingChatModel
		endpoint  string
		err       error
	)
	switch provider {
	case "openai":
		endpoint = provCfg.BaseURL
		if endpoint == "" {
			endpoint = "https://api.openai.com/v1"
		}
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		endpoint = "https://generativelanguage.googleapis.com"
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, "", "", fmt.Errorf("init gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		endpoint = provCfg.BaseURL
		if endpoint == "" {
			endpoint = "https://api.anthropic.com"
		}
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 4000,
		})
	default:
		return nil, "", "", fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, "", "", fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, endpoint, modelName, nil
}
