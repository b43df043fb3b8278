package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type stubProvider struct {
	deltas []string
	err    error
	delay  time.Duration
	calls  int
}

func (s *stubProvider) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	if s.err != nil {
		return Response{}, s.err
	}
	var b strings.Builder
	for _, d := range s.deltas {
		b.WriteString(d)
		if err := onDelta(d); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: b.String()}, nil
}

func collect(p Provider, req Request) (string, Response, error) {
	var b strings.Builder
	resp, err := p.StreamResponse(context.Background(), req, func(d string) error {
		b.WriteString(d)
		return nil
	})
	return b.String(), resp, err
}

func TestMockProviderStreamsReply(t *testing.T) {
	streamed, resp, err := collect(NewMockProvider(), Request{InputText: "a lofi beat"})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if streamed != resp.Text || !strings.Contains(resp.Text, "a lofi beat") {
		t.Fatalf("streamed %q, resp %q", streamed, resp.Text)
	}
	if _, _, err := collect(NewMockProvider(), Request{InputText: " "}); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("empty input error = %v, want ErrEmptyInput", err)
	}
}

func TestFailoverUsesFallbackOnPrimaryError(t *testing.T) {
	primary := &stubProvider{err: errors.New("boom")}
	fallback := &stubProvider{deltas: []string{"hi ", "there"}}
	p := NewFailoverProvider(primary, fallback)

	streamed, _, err := collect(p, Request{InputText: "x"})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if streamed != "hi there" || fallback.calls != 1 {
		t.Fatalf("streamed = %q, fallback calls = %d", streamed, fallback.calls)
	}
}

func TestFailoverUsesFallbackWhenPrimarySilent(t *testing.T) {
	primary := &stubProvider{deltas: []string{"late"}, delay: time.Second}
	fallback := &stubProvider{deltas: []string{"quick"}}
	p := NewFailoverProvider(primary, fallback).WithFirstDeltaTimeout(30 * time.Millisecond)

	streamed, _, err := collect(p, Request{InputText: "x"})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if streamed != "quick" {
		t.Fatalf("streamed = %q, want quick", streamed)
	}
}

func TestFailoverKeepsPrimaryOnSuccess(t *testing.T) {
	primary := &stubProvider{deltas: []string{"primary"}}
	fallback := &stubProvider{deltas: []string{"fallback"}}
	streamed, _, err := collect(NewFailoverProvider(primary, fallback), Request{InputText: "x"})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if streamed != "primary" || fallback.calls != 0 {
		t.Fatalf("streamed = %q, fallback calls = %d", streamed, fallback.calls)
	}
}

func TestOpenAIProviderStreamsDeltas(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Sure", ", here", " you go."} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":null}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider("test-key", "m", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}
	streamed, resp, err := collect(p, Request{
		UserID:       "u1",
		InputText:    "make a beat",
		SystemPrompt: "be brief",
		History:      []Message{{Role: "user", Content: "hello"}, {Role: "assistant", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if streamed != "Sure, here you go." || resp.Text != streamed {
		t.Fatalf("streamed = %q, resp = %q", streamed, resp.Text)
	}
	for _, want := range []string{"be brief", "make a beat", `"stream":true`} {
		if !strings.Contains(gotBody, want) {
			t.Fatalf("request body missing %q: %s", want, gotBody)
		}
	}
}

func TestNewProviderAutoWithoutKeyIsMock(t *testing.T) {
	p, err := NewProvider(Config{Mode: "auto"})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if _, ok := p.(*MockProvider); !ok {
		t.Fatalf("provider = %T, want *MockProvider", p)
	}
	if _, err := NewProvider(Config{Mode: "claude"}); err == nil {
		t.Fatalf("NewProvider(unknown) error = nil")
	}
	p, err = NewProvider(Config{Mode: "openai", APIKey: "k", Model: "m", FallbackAPIKey: "k2"})
	if err != nil {
		t.Fatalf("NewProvider(openai) error = %v", err)
	}
	if _, ok := p.(*FailoverProvider); !ok {
		t.Fatalf("provider = %T, want *FailoverProvider", p)
	}
}
