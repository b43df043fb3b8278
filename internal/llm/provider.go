// Package llm turns a user utterance plus recent history into a streamed
// assistant reply.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message is one prior conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized input for one reply.
type Request struct {
	UserID       string    `json:"userId"`
	SessionID    string    `json:"sessionId,omitempty"`
	TurnID       string    `json:"turnId,omitempty"`
	InputText    string    `json:"inputText"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	History      []Message `json:"history,omitempty"`
}

// Response is the full reply after streaming finished.
type Response struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments. Returning an error aborts
// the stream.
type DeltaHandler func(delta string) error

type Provider interface {
	StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

var ErrEmptyInput = errors.New("llm: empty input")

// Config selects and configures the provider chain.
type Config struct {
	Mode    string
	APIKey  string
	BaseURL string
	Model   string

	FallbackAPIKey  string
	FallbackBaseURL string
	FallbackModel   string
	// FirstDeltaTimeout bounds how long the primary may stay silent before
	// the fallback takes over.
	FirstDeltaTimeout time.Duration
}

// NewProvider builds the configured provider. "auto" uses OpenAI when a key
// is set and the mock otherwise; a fallback key adds a failover pair.
func NewProvider(cfg Config) (Provider, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "mock":
		return NewMockProvider(), nil
	case "auto":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return NewMockProvider(), nil
		}
	case "openai":
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Mode)
	}

	primary, err := NewOpenAIProvider(cfg.APIKey, cfg.Model, WithBaseURL(cfg.BaseURL))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.FallbackAPIKey) == "" {
		return primary, nil
	}
	model := cfg.FallbackModel
	if model == "" {
		model = cfg.Model
	}
	fallback, err := NewOpenAIProvider(cfg.FallbackAPIKey, model, WithBaseURL(cfg.FallbackBaseURL))
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	failover := NewFailoverProvider(primary, fallback)
	if cfg.FirstDeltaTimeout > 0 {
		failover.WithFirstDeltaTimeout(cfg.FirstDeltaTimeout)
	}
	return failover, nil
}
