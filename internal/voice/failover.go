package voice

import (
	"context"
	"fmt"
	"sync/atomic"
)

// NewFailoverProviderPair returns STT/TTS providers that start sessions on
// primary and switch both to fallback when primary fails to start. While
// fallback is active it is tried first; primary is retried once fallback fails.
func NewFailoverProviderPair(primarySTT STTProvider, primaryTTS TTSProvider, fallbackSTT STTProvider, fallbackTTS TTSProvider) (STTProvider, TTSProvider) {
	state := &failoverState{}
	return &failoverSTTProvider{state: state, primary: primarySTT, fallback: fallbackSTT},
		&failoverTTSProvider{state: state, primary: primaryTTS, fallback: fallbackTTS}
}

type failoverState struct {
	fallbackActive atomic.Bool
}

type failoverSTTProvider struct {
	state    *failoverState
	primary  STTProvider
	fallback STTProvider
}

func (p *failoverSTTProvider) StartSession(ctx context.Context, sessionID, language string) (STTSession, <-chan STTEvent, error) {
	first, second := p.primary, p.fallback
	if p.state.fallbackActive.Load() {
		first, second = p.fallback, p.primary
	}
	session, events, firstErr := first.StartSession(ctx, sessionID, language)
	if firstErr == nil {
		return session, events, nil
	}
	session, events, secondErr := second.StartSession(ctx, sessionID, language)
	if secondErr != nil {
		return nil, nil, fmt.Errorf("stt start failed: %v; retry failed: %w", firstErr, secondErr)
	}
	p.state.fallbackActive.Store(second == p.fallback)
	return session, events, nil
}

type failoverTTSProvider struct {
	state    *failoverState
	primary  TTSProvider
	fallback TTSProvider
}

func (p *failoverTTSProvider) StartStream(ctx context.Context, voiceName, language string) (TTSStream, error) {
	first, second := p.primary, p.fallback
	if p.state.fallbackActive.Load() {
		first, second = p.fallback, p.primary
	}
	stream, firstErr := first.StartStream(ctx, voiceName, language)
	if firstErr == nil {
		return stream, nil
	}
	stream, secondErr := second.StartStream(ctx, voiceName, language)
	if secondErr != nil {
		return nil, fmt.Errorf("tts start failed: %v; retry failed: %w", firstErr, secondErr)
	}
	p.state.fallbackActive.Store(second == p.fallback)
	return stream, nil
}
