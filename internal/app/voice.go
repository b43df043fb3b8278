package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/duavoice/internal/config"
	"github.com/ent0n29/duavoice/internal/voice"
)

type voiceSetup struct {
	sttProvider      voice.STTProvider
	ttsProvider      voice.TTSProvider
	resolvedProvider string
	detail           string
}

func resolveVoiceProviders(cfg config.Config) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}

	newEleven := func(baseURL string) *voice.ElevenLabsProvider {
		return voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:         cfg.ElevenLabsAPIKey,
			WSBaseURL:      baseURL,
			STTModelID:     cfg.ElevenLabsSTTModel,
			TTSModelID:     cfg.ElevenLabsTTSModel,
			OutputFormat:   cfg.ElevenLabsTTSOutputFormat,
			DefaultVoiceID: cfg.VoiceDefaultName,
		})
	}

	tryElevenLabs := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
			return voiceSetup{}, false
		}
		primary := newEleven(cfg.ElevenLabsWSBaseURL)
		if cfg.ElevenLabsFallbackURL == "" {
			return voiceSetup{
				sttProvider:      primary,
				ttsProvider:      primary,
				resolvedProvider: "elevenlabs",
				detail:           "elevenlabs realtime",
			}, true
		}
		fallback := newEleven(cfg.ElevenLabsFallbackURL)
		stt, tts := voice.NewFailoverProviderPair(primary, primary, fallback, fallback)
		return voiceSetup{
			sttProvider:      stt,
			ttsProvider:      tts,
			resolvedProvider: "elevenlabs",
			detail:           "elevenlabs realtime (fallback region " + cfg.ElevenLabsFallbackURL + ")",
		}, true
	}

	mock := func(detail string) voiceSetup {
		p := voice.NewMockProvider()
		return voiceSetup{
			sttProvider:      p,
			ttsProvider:      p,
			resolvedProvider: "mock",
			detail:           detail,
		}
	}

	switch voiceMode {
	case "elevenlabs":
		if setup, ok := tryElevenLabs(); ok {
			return setup, nil
		}
		return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
	case "mock":
		return mock("mock"), nil
	case "auto":
		if setup, ok := tryElevenLabs(); ok {
			return setup, nil
		}
		return mock("mock (no elevenlabs key)"), nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|elevenlabs|mock)", cfg.VoiceProvider)
	}
}
