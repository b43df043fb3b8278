// Package webhook authenticates inbound vendor callbacks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"

	DefaultTolerance = 300 * time.Second
)

var (
	ErrMissingSignature = errors.New("missing webhook signature headers")
	ErrInvalidTimestamp = errors.New("invalid webhook timestamp")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside tolerance")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Sign returns the lowercase hex HMAC-SHA256 of "{timestamp}.{body}".
func Sign(secret, timestamp string, body []byte) string {
	return hex.EncodeToString(mac(secret, timestamp, body))
}

// Verify checks a signed callback. The timestamp is unix seconds and must be
// within tolerance of now in either direction.
func Verify(secret, timestampHeader, signatureHeader string, body []byte, now time.Time, tolerance time.Duration) error {
	ts := strings.TrimSpace(timestampHeader)
	sig := strings.TrimSpace(signatureHeader)
	if ts == "" || sig == "" {
		return ErrMissingSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if age := now.Sub(time.Unix(unix, 0)); age > tolerance || age < -tolerance {
		return ErrStaleTimestamp
	}
	got, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, mac(secret, ts, body)) {
		return ErrInvalidSignature
	}
	return nil
}

func mac(secret, timestamp string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(body)
	return h.Sum(nil)
}

// MusicCallback is the body the music vendor posts when a task changes state.
type MusicCallback struct {
	TaskID      string          `json:"taskId"`
	OperationID string          `json:"operationId"`
	Status      string          `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ParseMusicCallback decodes an already verified callback body.
func ParseMusicCallback(body []byte) (MusicCallback, error) {
	var cb MusicCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return MusicCallback{}, err
	}
	if cb.OperationID == "" && cb.TaskID == "" {
		return MusicCallback{}, errors.New("callback needs operationId or taskId")
	}
	return cb, nil
}
