package generation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ent0n29/duavoice/internal/llm"
)

// ChatGenerator answers chat requests with the configured LLM provider.
type ChatGenerator struct {
	provider     llm.Provider
	systemPrompt string
}

func NewChatGenerator(provider llm.Provider, systemPrompt string) *ChatGenerator {
	return &ChatGenerator{provider: provider, systemPrompt: systemPrompt}
}

func (g *ChatGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	resp, err := g.provider.StreamResponse(ctx, llm.Request{
		UserID:       req.UserID,
		InputText:    req.Prompt,
		SystemPrompt: g.systemPrompt,
	}, nil)
	if err != nil {
		return Result{}, fmt.Errorf("chat completion: %w", err)
	}
	data, err := json.Marshal(map[string]string{"text": resp.Text})
	if err != nil {
		return Result{}, err
	}
	return Result{Kind: "chat", Status: StatusCompleted, Data: data}, nil
}
