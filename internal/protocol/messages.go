package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeStop MessageType = "stop"
	TypeText MessageType = "text"

	TypeConnected  MessageType = "connected"
	TypeTranscript MessageType = "transcript"
	TypeStatus     MessageType = "status"
	TypeResponse   MessageType = "response"
	TypeTurnEnd    MessageType = "turn_end"
	TypeError      MessageType = "error"
	TypeTimeout    MessageType = "timeout"
)

// Turn end reasons.
const (
	ReasonCompleted = "completed"
	ReasonStopped   = "stopped"
	ReasonBargeIn   = "barge_in"
	ReasonError     = "error"
	ReasonClosed    = "closed"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrEmptyText       = errors.New("text message requires non-empty text")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

type StopMessage struct {
	Type MessageType `json:"type"`
}

type TextMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type Connected struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type Transcript struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Text      string      `json:"text"`
	IsFinal   bool        `json:"isFinal"`
}

type Status struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	State     string      `json:"state"`
}

// Response carries one LLM text delta of a turn.
type Response struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	TurnID    string      `json:"turnId"`
	Text      string      `json:"text"`
}

type TurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	TurnID    string      `json:"turnId"`
	Reason    string      `json:"reason"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Message   string      `json:"message"`
	Source    string      `json:"source"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
}

type Timeout struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Message   string      `json:"message"`
}

// AudioFrame is a synthesized audio chunk written as a binary frame.
// It never goes through JSON.
type AudioFrame struct {
	TurnID string
	Data   []byte
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStop:
		return StopMessage{Type: TypeStop}, nil
	case TypeText:
		var msg TextMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, ErrEmptyText
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf returns the wire type of an outbound message, "audio" for frames.
func TypeOf(msg any) string {
	switch m := msg.(type) {
	case Connected:
		return string(m.Type)
	case Transcript:
		return string(m.Type)
	case Status:
		return string(m.Type)
	case Response:
		return string(m.Type)
	case TurnEnd:
		return string(m.Type)
	case ErrorEvent:
		return string(m.Type)
	case Timeout:
		return string(m.Type)
	case AudioFrame:
		return "audio"
	default:
		return "unknown"
	}
}

// Critical reports whether an outbound message must not be dropped when the
// send queue is full.
func Critical(msg any) bool {
	switch msg.(type) {
	case Connected, Status, TurnEnd, ErrorEvent, Timeout:
		return true
	default:
		return false
	}
}
