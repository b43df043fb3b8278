package generation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/duavoice/internal/events"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestTrackerComplete(t *testing.T) {
	pub := &recordingPublisher{}
	tracker := NewTracker(pub, nil)
	op := tracker.Create("music", "u1")
	if op.Status != StatusPending {
		t.Fatalf("Status = %s, want pending", op.Status)
	}

	done, err := tracker.Complete(context.Background(), op.ID, StatusCompleted, json.RawMessage(`{"url":"x"}`), "")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if done.Status != StatusCompleted || string(done.Result) != `{"url":"x"}` {
		t.Fatalf("operation = %+v", done)
	}

	// A late failure callback must not overwrite the result.
	again, _ := tracker.Complete(context.Background(), op.ID, StatusFailed, nil, "late")
	if again.Status != StatusCompleted || again.Error != "" {
		t.Fatalf("operation after duplicate = %+v, want unchanged", again)
	}
	if len(pub.subjects) != 1 || pub.subjects[0] != events.SubjectGenerationCompleted {
		t.Fatalf("published = %v, want one generation.completed", pub.subjects)
	}
}

func TestTrackerErrors(t *testing.T) {
	tracker := NewTracker(nil, nil)
	if _, err := tracker.Get("missing"); !errors.Is(err, ErrOperationNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrOperationNotFound", err)
	}
	op := tracker.Create("video", "u1")
	if _, err := tracker.Complete(context.Background(), op.ID, StatusPending, nil, ""); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("Complete(pending) error = %v, want ErrInvalidStatus", err)
	}
	if _, err := tracker.Resolve("nope", "nope"); !errors.Is(err, ErrOperationNotFound) {
		t.Fatalf("Resolve(unknown) error = %v, want ErrOperationNotFound", err)
	}
}

func TestTrackerPrunesOldTerminalOperations(t *testing.T) {
	tracker := NewTracker(nil, nil)
	now := time.Unix(1_700_000_000, 0)
	tracker.now = func() time.Time { return now }

	old := tracker.Create("music", "u1")
	_, _ = tracker.Complete(context.Background(), old.ID, StatusFailed, nil, "boom")
	pending := tracker.Create("music", "u1")

	now = now.Add(defaultRetention + time.Minute)
	tracker.Create("music", "u2")

	if _, err := tracker.Get(old.ID); !errors.Is(err, ErrOperationNotFound) {
		t.Fatalf("old terminal op still present: %v", err)
	}
	if _, err := tracker.Get(pending.ID); err != nil {
		t.Fatalf("pending op pruned: %v", err)
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"SUCCESS":    StatusCompleted,
		"completed":  StatusCompleted,
		"failed":     StatusFailed,
		"processing": StatusPending,
	}
	for in, want := range cases {
		if got := ParseStatus(in); got != want {
			t.Fatalf("ParseStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

type recordingRefunder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRefunder) RefundOperation(userID, operation, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, userID+"/"+operation+"/"+reference)
	return nil
}

func TestTrackerRefundsFailedChargedOperationOnce(t *testing.T) {
	refunder := &recordingRefunder{}
	tracker := NewTracker(nil, nil)
	tracker.SetRefunder(refunder)
	ctx := context.Background()

	charged := tracker.CreateCharged("music", "u1", "ref-1")
	for i := 0; i < 2; i++ {
		if _, err := tracker.Complete(ctx, charged.ID, StatusFailed, nil, "boom"); err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
	}
	free := tracker.Create("music", "u1")
	_, _ = tracker.Complete(ctx, free.ID, StatusFailed, nil, "boom")
	ok := tracker.CreateCharged("video", "u1", "ref-2")
	_, _ = tracker.Complete(ctx, ok.ID, StatusCompleted, nil, "")
	inline := tracker.CreateCharged("music", "u1", "ref-3")
	_, _ = tracker.complete(ctx, inline.ID, StatusFailed, nil, "rejected", false)

	if len(refunder.calls) != 1 || refunder.calls[0] != "u1/music/ref-1" {
		t.Fatalf("refunds = %q, want [u1/music/ref-1]", refunder.calls)
	}
}
