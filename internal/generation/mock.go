package generation

import (
	"context"
	"encoding/json"
	"fmt"
)

// MockGenerator returns canned results for kinds without a configured vendor.
// Async kinds complete in the tracker right away.
type MockGenerator struct {
	kind    string
	tracker *Tracker
}

func NewMockGenerator(kind string, tracker *Tracker) *MockGenerator {
	return &MockGenerator{kind: kind, tracker: tracker}
}

func (g *MockGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	data, _ := json.Marshal(map[string]string{
		"url":    fmt.Sprintf("mock://%s/%s", g.kind, req.UserID),
		"prompt": req.Prompt,
	})
	if !IsAsync(g.kind) || g.tracker == nil {
		return Result{Kind: g.kind, Status: StatusCompleted, Data: data}, nil
	}
	op := g.tracker.Create(g.kind, req.UserID)
	done, err := g.tracker.Complete(ctx, op.ID, StatusCompleted, data, "")
	if err != nil {
		return Result{}, err
	}
	return Result{Kind: g.kind, OperationID: done.ID, Status: done.Status, Data: data}, nil
}
