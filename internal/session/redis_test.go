package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRedisRegistry(t *testing.T) {
	url := os.Getenv("DUAVOICE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("DUAVOICE_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	r, err := NewRedisRegistry(ctx, url, 2, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisRegistry() error = %v", err)
	}
	defer r.Close()

	user := "test-" + uuid.NewString()
	for _, id := range []string{"a", "b"} {
		if ok, err := r.Admit(ctx, user, id); err != nil || !ok {
			t.Fatalf("Admit(%s) = %v, %v; want true", id, ok, err)
		}
	}
	if ok, err := r.Admit(ctx, user, "c"); err != nil || ok {
		t.Fatalf("Admit(c) = %v, %v; want false", ok, err)
	}
	for _, id := range []string{"a", "b"} {
		if err := r.Release(ctx, user, id); err != nil {
			t.Fatalf("Release(%s) error = %v", id, err)
		}
	}
	exists, err := r.HasUser(ctx, user)
	if err != nil {
		t.Fatalf("HasUser() error = %v", err)
	}
	if exists {
		t.Fatalf("user key still present after last release")
	}
}
