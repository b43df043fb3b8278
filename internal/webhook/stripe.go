package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	stripewebhook "github.com/stripe/stripe-go/v84/webhook"
)

// ErrIgnoredEvent marks a valid Stripe event that carries no top-up.
var ErrIgnoredEvent = errors.New("stripe event ignored")

// TopUp is a credit purchase confirmed by Stripe. Reference is the checkout
// session id, so replays of the same event grant once.
type TopUp struct {
	UserID    string
	Credits   int64
	Reference string
	EventID   string
}

// ParseStripeTopUp verifies the Stripe-Signature header and extracts a top-up
// from a checkout.session.completed event. The session metadata must carry
// user_id and credits.
func ParseStripeTopUp(payload []byte, signatureHeader, secret string, tolerance time.Duration) (TopUp, error) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	event, err := stripewebhook.ConstructEventWithOptions(payload, signatureHeader, secret, stripewebhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return TopUp{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Type != stripe.EventTypeCheckoutSessionCompleted || event.Data == nil {
		return TopUp{}, fmt.Errorf("%w: %s", ErrIgnoredEvent, event.Type)
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return TopUp{}, fmt.Errorf("decode checkout session: %w", err)
	}
	userID := strings.TrimSpace(session.Metadata["user_id"])
	if userID == "" {
		userID = strings.TrimSpace(session.ClientReferenceID)
	}
	if userID == "" {
		return TopUp{}, errors.New("checkout session has no user_id")
	}
	credits, err := strconv.ParseInt(strings.TrimSpace(session.Metadata["credits"]), 10, 64)
	if err != nil || credits <= 0 {
		return TopUp{}, fmt.Errorf("checkout session %s has invalid credits metadata", session.ID)
	}
	return TopUp{UserID: userID, Credits: credits, Reference: session.ID, EventID: event.ID}, nil
}
