package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/duavoice/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey         string
	WSBaseURL      string
	STTModelID     string
	TTSModelID     string
	OutputFormat   string
	DefaultVoiceID string
	SampleRate     int
}

// ElevenLabsProvider speaks the realtime STT and stream-input TTS websocket
// protocols.
type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v1"
	}
	if strings.TrimSpace(cfg.TTSModelID) == "" {
		cfg.TTSModelID = "eleven_flash_v2_5"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &ElevenLabsProvider{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (p *ElevenLabsProvider) StartSession(ctx context.Context, _ string, language string) (STTSession, <-chan STTEvent, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.STTModelID)
	q.Set("commit_strategy", "vad")
	if language != "" {
		q.Set("language_code", language)
	}
	u.RawQuery = q.Encode()

	conn, _, err := p.dialer.DialContext(ctx, u.String(), p.headers())
	if err != nil {
		return nil, nil, fmt.Errorf("dial stt websocket: %w", err)
	}

	events := make(chan STTEvent, 256)
	s := &elevenSTTSession{conn: conn, events: events, done: make(chan struct{}), sampleRate: p.cfg.SampleRate}
	go s.readLoop()
	return s, events, nil
}

func (p *ElevenLabsProvider) StartStream(ctx context.Context, voiceName, language string) (TTSStream, error) {
	voiceID := strings.TrimSpace(voiceName)
	if voiceID == "" {
		voiceID = p.cfg.DefaultVoiceID
	}
	if voiceID == "" {
		return nil, fmt.Errorf("voice id is required")
	}

	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.TTSModelID)
	q.Set("output_format", p.cfg.OutputFormat)
	q.Set("auto_mode", "true")
	if language != "" {
		q.Set("language_code", language)
	}
	u.RawQuery = q.Encode()

	conn, _, err := p.dialer.DialContext(ctx, u.String(), p.headers())
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}

	s := &elevenTTSStream{conn: conn, events: make(chan TTSEvent, 512), done: make(chan struct{})}
	go s.readLoop()
	// The first message must carry a single space and the voice settings.
	if err := s.writeJSON(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        0.42,
			"similarity_boost": 0.85,
			"speed":            1.0,
		},
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("prime tts stream: %w", err)
	}
	return s, nil
}

func (p *ElevenLabsProvider) headers() http.Header {
	h := http.Header{}
	h.Set("xi-api-key", p.cfg.APIKey)
	return h
}

type elevenSTTSession struct {
	conn       *websocket.Conn
	sampleRate int
	writeMu    sync.Mutex
	closeOnce  sync.Once
	done       chan struct{}
	events     chan STTEvent
}

func (s *elevenSTTSession) SendAudio(_ context.Context, audio []byte, commit bool) error {
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": base64.StdEncoding.EncodeToString(audio),
		"commit":        commit,
		"sample_rate":   s.sampleRate,
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenSTTSession) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			MessageType string `json:"message_type"`
			Text        string `json:"text"`
			Error       string `json:"error"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		now := time.Now().UnixMilli()
		var ev STTEvent
		switch msg.MessageType {
		case "partial_transcript":
			ev = STTEvent{Type: STTEventPartial, Text: msg.Text, Timestamp: now}
		case "committed_transcript", "committed_transcript_with_timestamps":
			ev = STTEvent{Type: STTEventCommitted, Text: msg.Text, Timestamp: now}
		case "", "session_started", "input_audio_chunk":
			continue
		default:
			ev = STTEvent{
				Type:      STTEventError,
				Code:      msg.MessageType,
				Detail:    msg.Error,
				Retryable: reliability.IsRetryableRealtimeCode(msg.MessageType),
				Timestamp: now,
			}
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// Close stops the read loop, which then closes the events channel.
func (s *elevenSTTSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

type elevenTTSStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	events    chan TTSEvent
}

func (s *elevenTTSStream) SendText(_ context.Context, text string, tryTrigger bool) error {
	return s.writeJSON(map[string]any{
		"text":                   text,
		"try_trigger_generation": tryTrigger,
	})
}

func (s *elevenTTSStream) CloseInput(_ context.Context) error {
	return s.writeJSON(map[string]any{"text": ""})
}

func (s *elevenTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *elevenTTSStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *elevenTTSStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenTTSStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Audio       string `json:"audio"`
			IsFinal     bool   `json:"isFinal"`
			Error       string `json:"error"`
			MessageType string `json:"message_type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		var out []TTSEvent
		if msg.Audio != "" {
			audio, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err == nil && len(audio) > 0 {
				out = append(out, TTSEvent{Type: TTSEventAudio, Audio: audio})
			}
		}
		if msg.Error != "" {
			out = append(out, TTSEvent{
				Type:      TTSEventError,
				Code:      msg.MessageType,
				Detail:    msg.Error,
				Retryable: reliability.IsRetryableRealtimeCode(msg.MessageType),
			})
		}
		if msg.IsFinal {
			out = append(out, TTSEvent{Type: TTSEventFinal})
		}
		for _, ev := range out {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}
