package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/ent0n29/duavoice/internal/credits"
	"github.com/ent0n29/duavoice/internal/generation"
	"github.com/ent0n29/duavoice/internal/webhook"
)

// handleMusicWebhook applies a signed vendor callback to the operations
// tracker.
func (s *Server) handleMusicWebhook(w http.ResponseWriter, r *http.Request) {
	const source = "ai-music"
	if s.cfg.WebhookSecret == "" {
		s.countWebhook(source, "unconfigured")
		respondFailure(w, http.StatusServiceUnavailable, "webhook secret not configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondFailure(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := webhook.Verify(
		s.cfg.WebhookSecret,
		r.Header.Get(webhook.HeaderTimestamp),
		r.Header.Get(webhook.HeaderSignature),
		body, s.now(), s.cfg.WebhookTolerance,
	); err != nil {
		s.countWebhook(source, "unauthorized")
		s.log.Warn("webhook rejected", "source", source, "error", err)
		respondFailure(w, http.StatusUnauthorized, err.Error())
		return
	}

	cb, err := webhook.ParseMusicCallback(body)
	if err != nil {
		s.countWebhook(source, "invalid")
		respondFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Tracker == nil {
		respondFailure(w, http.StatusNotFound, "operation not found")
		return
	}
	id, err := s.deps.Tracker.Resolve(cb.OperationID, cb.TaskID)
	if err != nil {
		s.countWebhook(source, "unknown_operation")
		respondFailure(w, http.StatusNotFound, "operation not found")
		return
	}

	status := generation.ParseStatus(cb.Status)
	if !status.Terminal() {
		if cb.TaskID != "" {
			_ = s.deps.Tracker.AttachVendorTask(id, cb.TaskID)
		}
		s.countWebhook(source, "progress")
		respondJSON(w, http.StatusOK, map[string]any{"success": true, "operationId": id, "status": status})
		return
	}
	op, err := s.deps.Tracker.Complete(r.Context(), id, status, cb.Data, cb.Error)
	if err != nil {
		s.countWebhook(source, "error")
		respondFailure(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.countWebhook(source, "ok")
	s.log.Info("generation operation updated", "operation_id", id, "status", op.Status)
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "operationId": id, "status": op.Status})
}

// handleStripeWebhook grants purchased credits. Replays of a checkout
// session are acknowledged without granting again.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	const source = "stripe"
	if s.cfg.StripeWebhookSecret == "" || s.deps.Credits == nil {
		s.countWebhook(source, "unconfigured")
		respondFailure(w, http.StatusServiceUnavailable, "stripe webhook not configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondFailure(w, http.StatusBadRequest, "unreadable body")
		return
	}

	topUp, err := webhook.ParseStripeTopUp(body, r.Header.Get("Stripe-Signature"), s.cfg.StripeWebhookSecret, s.cfg.WebhookTolerance)
	switch {
	case errors.Is(err, webhook.ErrIgnoredEvent):
		s.countWebhook(source, "ignored")
		respondJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	case errors.Is(err, webhook.ErrInvalidSignature):
		s.countWebhook(source, "unauthorized")
		s.log.Warn("webhook rejected", "source", source, "error", err)
		respondFailure(w, http.StatusBadRequest, "invalid signature")
		return
	case err != nil:
		s.countWebhook(source, "invalid")
		respondFailure(w, http.StatusBadRequest, err.Error())
		return
	}

	tx, err := s.deps.Credits.Grant(r.Context(), topUp.UserID, topUp.Credits, topUp.Reference)
	if errors.Is(err, credits.ErrDuplicateReference) {
		s.countWebhook(source, "duplicate")
		respondJSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
		return
	}
	if err != nil {
		s.countWebhook(source, "error")
		s.log.Error("grant credits failed", "user_id", topUp.UserID, "reference", topUp.Reference, "error", err)
		respondFailure(w, http.StatusInternalServerError, "grant failed")
		return
	}
	s.countWebhook(source, "ok")
	s.log.Info("credits granted", "user_id", topUp.UserID, "credits", topUp.Credits, "balance", tx.BalanceAfter, "event_id", topUp.EventID)
	respondJSON(w, http.StatusOK, map[string]any{"received": true, "balance": tx.BalanceAfter})
}

func (s *Server) countWebhook(source, result string) {
	s.metrics.WebhookDeliveries.WithLabelValues(source, result).Inc()
}
