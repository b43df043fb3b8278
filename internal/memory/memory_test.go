package memory

import (
	"context"
	"fmt"
	"testing"
)

func TestInMemoryStoreRecentContextOrder(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	for i := 0; i < 5; i++ {
		if err := s.SaveTurn(ctx, TurnRecord{UserID: "u1", Role: "user", Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}
	_ = s.SaveTurn(ctx, TurnRecord{UserID: "u2", Role: "user", Content: "other"})

	got, err := s.RecentContext(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("RecentContext() error = %v", err)
	}
	if len(got) != 2 || got[0].Content != "m3" || got[1].Content != "m4" {
		t.Fatalf("RecentContext() = %+v, want m3,m4", got)
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("SaveTurn did not fill ID/CreatedAt: %+v", got[0])
	}
}

func TestInMemoryStoreCapsPerUser(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	s.maxPerUser = 3
	for i := 0; i < 10; i++ {
		_ = s.SaveTurn(ctx, TurnRecord{UserID: "u1", Role: "user", Content: fmt.Sprintf("m%d", i)})
	}
	got, _ := s.RecentContext(ctx, "u1", 100)
	if len(got) != 3 || got[0].Content != "m7" {
		t.Fatalf("RecentContext() = %+v, want last three", got)
	}
}

func TestHistorySkipsEmpty(t *testing.T) {
	msgs := History([]TurnRecord{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: ""},
		{Role: "assistant", Content: "hello"},
	})
	if len(msgs) != 2 || msgs[1].Role != "assistant" || msgs[1].Content != "hello" {
		t.Fatalf("History() = %+v", msgs)
	}
}
