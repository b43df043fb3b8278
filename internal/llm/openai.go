package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIProvider streams chat completions from any OpenAI-compatible endpoint.
type OpenAIProvider struct {
	client oai.Client
	model  string
}

type openAIConfig struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
}

type Option func(*openAIConfig)

func WithBaseURL(url string) Option {
	return func(c *openAIConfig) { c.baseURL = strings.TrimSpace(url) }
}

func WithTimeout(d time.Duration) Option {
	return func(c *openAIConfig) { c.timeout = d }
}

// WithMaxRetries sets SDK-level retries. The default is zero so that the
// failover provider decides what happens on error.
func WithMaxRetries(n int) Option {
	return func(c *openAIConfig) { c.maxRetries = n }
}

func NewOpenAIProvider(apiKey, model string, opts ...Option) (*OpenAIProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}
	cfg := &openAIConfig{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &OpenAIProvider{client: oai.NewClient(reqOpts...), model: model}, nil
}

func (p *OpenAIProvider) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if strings.TrimSpace(req.InputText) == "" {
		return Response{}, ErrEmptyInput
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(req))
	defer stream.Close()

	var out strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Response{}, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Response{}, fmt.Errorf("openai: stream: %w", err)
	}
	return Response{Text: out.String()}, nil
}

func (p *OpenAIProvider) buildParams(req Request) oai.ChatCompletionNewParams {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.History {
		switch m.Role {
		case "user":
			messages = append(messages, oai.UserMessage(m.Content))
		case "assistant":
			messages = append(messages, oai.AssistantMessage(m.Content))
		}
	}
	messages = append(messages, oai.UserMessage(req.InputText))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.UserID != "" {
		params.User = oai.String(req.UserID)
	}
	return params
}
