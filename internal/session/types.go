package session

import "time"

// State is the lifecycle phase of a voice session.
type State int

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateGenerating
	StateSpeaking
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StateSpeaking:
		return "speaking"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Active reports whether a turn can be in flight in this state.
func (s State) Active() bool {
	switch s {
	case StateTranscribing, StateGenerating, StateSpeaking:
		return true
	default:
		return false
	}
}

// CreateRequest describes a session about to be tracked.
type CreateRequest struct {
	ID          string
	UserID      string
	Language    string
	VoiceName   string
	MaxDuration time.Duration
}

// Session is a snapshot of a live voice session.
type Session struct {
	ID                string    `json:"sessionId"`
	UserID            string    `json:"userId"`
	State             State     `json:"-"`
	StateName         string    `json:"state"`
	Language          string    `json:"language"`
	VoiceName         string    `json:"voiceName"`
	ActiveTurnID      string    `json:"activeTurnId,omitempty"`
	InterruptionCount int       `json:"interruptionCount"`
	StartedAt         time.Time `json:"startedAt"`
	Deadline          time.Time `json:"deadline"`
	LastActivityAt    time.Time `json:"lastActivityAt"`
}
