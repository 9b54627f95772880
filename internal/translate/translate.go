// Package translate provides the optional OpenAI-compatible translation
// collaborator. Translation is applied to a record's body exactly once,
// before the record reaches persistence.
package translate

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tgfeed/feedscraper/internal/logger"
)

const systemPromptFmt = "Translate the following Telegram post to %s. " +
	"Keep emojis and formatting. Output ONLY the translation. " +
	"If it is already in %s, return nothing."

// Translator translates message bodies. Failure is non-fatal by contract:
// Translate always returns usable text, falling back to the input.
type Translator struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	log     *logger.Logger
}

// Config holds translator settings.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// New creates a translator. Returns nil when no API key is configured;
// a nil *Translator is valid and translates nothing.
func New(cfg Config) *Translator {
	if cfg.APIKey == "" {
		return nil
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Translator{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: timeout,
		log:     logger.Get(),
	}
}

// Translate returns text with a translation block appended, or the original
// text unchanged when translation is unavailable, fails, or produces
// nothing. It never returns an error.
func (t *Translator) Translate(ctx context.Context, text, targetLang string) string {
	if t == nil || targetLang == "" || len([]rune(text)) < 2 {
		return text
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(systemPromptFmt, targetLang, targetLang)},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		t.log.Warn().Err(err).Msg("translate: completion failed, keeping original text")
		return text
	}
	if len(resp.Choices) == 0 {
		return text
	}

	translation := strings.TrimSpace(resp.Choices[0].Message.Content)
	if translation == "" {
		return text
	}
	return text + "\n\n[Translation]:\n" + translation
}
