// Package memory keeps recent conversation turns per user so the LLM sees
// what was said earlier.
package memory

import (
	"context"
	"time"

	"github.com/ent0n29/duavoice/internal/llm"
)

const defaultContextTurns = 8

// TurnRecord stores a single user or assistant conversational turn.
type TurnRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	SessionID   string    `json:"sessionId"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"piiRedacted"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists and retrieves conversational memory.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	// RecentContext returns up to limit turns in chronological order.
	RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error)
	Close() error
}

// History converts records into LLM history messages.
func History(records []TurnRecord) []llm.Message {
	if len(records) == 0 {
		return nil
	}
	out := make([]llm.Message, 0, len(records))
	for _, r := range records {
		if r.Content == "" {
			continue
		}
		out = append(out, llm.Message{Role: r.Role, Content: r.Content})
	}
	return out
}
