// ABOUTME: OpenAI-compatible LLM provider for the streaming session
// ABOUTME: Accumulates stream deltas into cumulative snapshots; non-streaming is one snapshot

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/2389/hearth-vault/internal/session"
)

// DefaultModel is used when neither the thread nor the config names one.
const DefaultModel = "gpt-4o-mini"

// Config holds provider client configuration.
type Config struct {
	APIKey       string
	BaseURL      string // empty for api.openai.com; set for compatible local providers
	Model        string
	SystemPrompt string // the user's custom prompt from settings, may be empty
}

// Client wraps an OpenAI-compatible API endpoint.
type Client struct {
	client       *openai.Client
	model        string
	systemPrompt string
	logger       *slog.Logger
}

// New creates a provider client. The API key is required.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider API key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &Client{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		logger:       slog.Default().With("component", "provider"),
	}, nil
}

// Send runs one completion over the context window. Streaming responses are
// accumulated and delivered as cumulative snapshots through onSnapshot; if
// the endpoint rejects streaming the whole response is fetched in one call
// and delivered as a single snapshot.
func (c *Client) Send(ctx context.Context, turns []session.Turn, onSnapshot func(string)) (string, error) {
	messages := c.buildMessages(turns)

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		c.logger.Debug("stream open failed, falling back to single completion", "error", err)
		return c.sendOnce(ctx, messages, onSnapshot)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("receiving stream chunk: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if onSnapshot != nil {
			onSnapshot(sb.String())
		}
	}
	return sb.String(), nil
}

// sendOnce is the non-streaming fallback: one request, one snapshot.
func (c *Client) sendOnce(ctx context.Context, messages []openai.ChatCompletionMessage, onSnapshot func(string)) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	text := resp.Choices[0].Message.Content
	if onSnapshot != nil {
		onSnapshot(text)
	}
	return text, nil
}

// ListModels fetches the provider's model catalog. Unlike Send, errors here
// propagate to the caller.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	list, err := c.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}

	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (c *Client) buildMessages(turns []session.Turn) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	if c.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: c.systemPrompt,
		})
	}
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		if t.Role == session.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: t.Text,
		})
	}
	return messages
}

var _ session.Provider = (*Client)(nil)
