package voice

import "context"

type STTEventType string

const (
	STTEventPartial   STTEventType = "partial"
	STTEventCommitted STTEventType = "committed"
	STTEventError     STTEventType = "error"
)

type STTEvent struct {
	Type      STTEventType
	Text      string
	Code      string
	Detail    string
	Retryable bool
	Timestamp int64
}

// STTSession receives raw client audio as it arrives.
type STTSession interface {
	SendAudio(ctx context.Context, audio []byte, commit bool) error
	Close() error
}

type STTProvider interface {
	// StartSession opens a streaming transcription. The events channel is
	// closed when the session ends.
	StartSession(ctx context.Context, sessionID, language string) (STTSession, <-chan STTEvent, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventFinal TTSEventType = "final"
	TTSEventError TTSEventType = "error"
)

type TTSEvent struct {
	Type      TTSEventType
	Audio     []byte
	Code      string
	Detail    string
	Retryable bool
}

type TTSStream interface {
	SendText(ctx context.Context, text string, tryTrigger bool) error
	// CloseInput flushes buffered text; the stream then reports TTSEventFinal.
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

type TTSProvider interface {
	StartStream(ctx context.Context, voiceName, language string) (TTSStream, error)
}
