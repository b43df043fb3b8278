package policy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingUserID  = errors.New("missing user id")
	ErrTokenTooShort  = errors.New("token too short")
	ErrTokenMalformed = errors.New("malformed token")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenMismatch  = errors.New("token does not match user")
)

// VoiceTokenPolicy gates /voice connections.
//
// Without a secret only the length check applies and the token proves nothing
// about userID. With a secret the token must be "<unixExpiry>.<hexsig>" where
// hexsig is HMAC-SHA256(secret, userID + "." + unixExpiry).
type VoiceTokenPolicy struct {
	MinLength int
	Secret    []byte
	Now       func() time.Time
}

func (p VoiceTokenPolicy) Validate(userID, token string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrMissingUserID
	}
	min := p.MinLength
	if min <= 0 {
		min = 1
	}
	if len(token) < min {
		return ErrTokenTooShort
	}
	if len(p.Secret) == 0 {
		return nil
	}

	expRaw, sig, ok := strings.Cut(token, ".")
	if !ok || expRaw == "" || sig == "" {
		return ErrTokenMalformed
	}
	exp, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil {
		return ErrTokenMalformed
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	if now().Unix() > exp {
		return ErrTokenExpired
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrTokenMalformed
	}
	if !hmac.Equal(got, voiceTokenMAC(p.Secret, userID, expRaw)) {
		return ErrTokenMismatch
	}
	return nil
}

// IssueVoiceToken mints a token bound to userID that expires at expiresAt.
func IssueVoiceToken(secret []byte, userID string, expiresAt time.Time) string {
	exp := strconv.FormatInt(expiresAt.Unix(), 10)
	return exp + "." + hex.EncodeToString(voiceTokenMAC(secret, userID, exp))
}

func voiceTokenMAC(secret []byte, userID, exp string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(userID))
	mac.Write([]byte{'.'})
	mac.Write([]byte(exp))
	return mac.Sum(nil)
}
