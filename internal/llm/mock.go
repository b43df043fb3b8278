package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockProvider replies deterministically so the voice loop runs without keys.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	input := strings.TrimSpace(req.InputText)
	if input == "" {
		return Response{}, ErrEmptyInput
	}

	text := fmt.Sprintf("You said: %s. Tell me more about what you want to create.", input)
	if onDelta != nil {
		for _, word := range strings.SplitAfter(text, " ") {
			if err := ctx.Err(); err != nil {
				return Response{}, err
			}
			if err := onDelta(word); err != nil {
				return Response{}, err
			}
		}
	}
	return Response{Text: text}, nil
}
