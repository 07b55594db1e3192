// Package llm translates channel posts and adds hashtags with a chat model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyResponse is returned when the model answers with no text.
var ErrEmptyResponse = errors.New("empty completion")

const promptTemplate = `
You are a helpful assistant that translates text for tweets. Translate the following text into English and add 2-3 popular hashtags relevant to the topic:
Text: "%s"
Return the result in the format: "Translated text #hashtag1 #hashtag2"
`

type Config struct {
	APIKey      string
	BaseURL     string // optional, for OpenAI-compatible gateways
	Model       string
	Temperature float32
	MaxTokens   int
}

type Translator struct {
	client *openai.Client
	cfg    Config
	logger *slog.Logger
}

func NewTranslator(cfg Config, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Translator{client: openai.NewClientWithConfig(oc), cfg: cfg, logger: logger}
}

// Prompt renders the request sent for text.
func Prompt(text string) string {
	return fmt.Sprintf(promptTemplate, text)
}

// TranslateAndTag returns text translated into English with a few hashtags appended.
// Failures are returned as-is; there is no retry.
func (t *Translator) TranslateAndTag(ctx context.Context, text string) (string, error) {
	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: Prompt(text)},
		},
		Temperature: t.cfg.Temperature,
		MaxTokens:   t.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrEmptyResponse)
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", ErrEmptyResponse
	}
	t.logger.Debug("translated", "model", t.cfg.Model, "prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return out, nil
}
