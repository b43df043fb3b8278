package voice

import (
	"context"
	"strings"
	"sync"
	"time"
)

const mockCommitEvery = 8

// MockProvider stands in for ElevenLabs when no key is configured. STT emits
// a partial per chunk and commits every mockCommitEvery chunks; TTS echoes the
// text bytes back as audio.
type MockProvider struct {
	CommitEvery int
}

func NewMockProvider() *MockProvider { return &MockProvider{CommitEvery: mockCommitEvery} }

func (p *MockProvider) StartSession(_ context.Context, _ string, _ string) (STTSession, <-chan STTEvent, error) {
	every := p.CommitEvery
	if every <= 0 {
		every = mockCommitEvery
	}
	events := make(chan STTEvent, 64)
	return &mockSTTSession{events: events, commitEvery: every}, events, nil
}

func (p *MockProvider) StartStream(_ context.Context, _ string, _ string) (TTSStream, error) {
	return &mockTTSStream{events: make(chan TTSEvent, 128)}, nil
}

type mockSTTSession struct {
	mu          sync.Mutex
	events      chan STTEvent
	commitEvery int
	chunks      int
	heardAudio  bool
	closed      bool
}

func (s *mockSTTSession) SendAudio(_ context.Context, audio []byte, commit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.chunks++
	if len(audio) > 0 {
		s.heardAudio = true
		s.emit(STTEvent{Type: STTEventPartial, Text: "...", Timestamp: time.Now().UnixMilli()})
	}
	if commit || s.chunks%s.commitEvery == 0 {
		text := ""
		if s.heardAudio {
			text = "simulated voice input"
		}
		s.heardAudio = false
		s.emit(STTEvent{Type: STTEventCommitted, Text: text, Timestamp: time.Now().UnixMilli()})
	}
	return nil
}

// emit drops when the reader is behind; callers hold mu.
func (s *mockSTTSession) emit(ev STTEvent) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *mockSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

type mockTTSStream struct {
	mu     sync.Mutex
	events chan TTSEvent
	closed bool
}

func (s *mockTTSStream) SendText(ctx context.Context, text string, _ bool) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.emit(ctx, TTSEvent{Type: TTSEventAudio, Audio: []byte(text)})
}

func (s *mockTTSStream) CloseInput(ctx context.Context) error {
	return s.emit(ctx, TTSEvent{Type: TTSEventFinal})
}

func (s *mockTTSStream) emit(ctx context.Context, ev TTSEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
