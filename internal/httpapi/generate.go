package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ent0n29/duavoice/internal/credits"
	"github.com/ent0n29/duavoice/internal/generation"
	"github.com/ent0n29/duavoice/internal/policy"
)

type successResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

type insufficientResponse struct {
	Success  bool   `json:"success"`
	Error    string `json:"error"`
	Required int64  `json:"required"`
	Current  int64  `json:"current"`
	Deficit  int64  `json:"deficit"`
}

func respondSuccess(w http.ResponseWriter, data any) {
	respondJSON(w, http.StatusOK, successResponse{Code: http.StatusOK, Msg: "success", Data: data})
}

// handleGenerate validates, charges through the credits gate, then calls the
// generator. A failed generation is refunded by the gate.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	kind := strings.ToLower(chi.URLParam(r, "kind"))
	if s.deps.Generate == nil || !s.deps.Generate.Supports(kind) {
		respondFailure(w, http.StatusNotFound, "unsupported generation kind")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondFailure(w, http.StatusBadRequest, "unreadable body")
		return
	}
	req, err := generation.ParseRequest(kind, raw)
	if err != nil {
		s.countGeneration(kind, "invalid")
		respondFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		s.countGeneration(kind, "invalid")
		respondFailure(w, http.StatusBadRequest, "userId is required")
		return
	}

	log := s.log.With("kind", kind, "user_id", req.UserID)
	log.Info("generation requested", "prompt", policy.LogSafe(req.Prompt, 80))

	var result generation.Result
	act := func(ctx context.Context) error {
		if s.cfg.GenerationTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.GenerationTimeout)
			defer cancel()
		}
		var err error
		result, err = s.deps.Generate.Generate(ctx, req)
		return err
	}
	if s.deps.Credits != nil {
		req.ChargeRef = uuid.NewString()
		err = s.deps.Credits.Run(r.Context(), req.UserID, kind, req.ChargeRef, act)
	} else {
		err = act(r.Context())
	}

	var (
		insufficient *credits.InsufficientError
		vendorErr    *generation.VendorError
	)
	switch {
	case err == nil:
		s.countGeneration(kind, "ok")
		respondSuccess(w, result)
	case errors.As(err, &insufficient):
		s.countGeneration(kind, "insufficient_credits")
		respondJSON(w, http.StatusPaymentRequired, insufficientResponse{
			Success:  false,
			Error:    "insufficient_credits",
			Required: insufficient.Required,
			Current:  insufficient.Current,
			Deficit:  insufficient.Deficit,
		})
	case errors.As(err, &vendorErr):
		s.countGeneration(kind, "vendor_error")
		log.Warn("vendor rejected generation", "status", vendorErr.Status, "error", vendorErr.Message)
		respondFailure(w, vendorErr.Status, vendorErr.Message)
	case errors.Is(err, credits.ErrUnknownOperation):
		s.countGeneration(kind, "invalid")
		respondFailure(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.countGeneration(kind, "timeout")
		log.Warn("generation timed out", "timeout", s.cfg.GenerationTimeout)
		respondFailure(w, http.StatusGatewayTimeout, "generation timed out")
	default:
		s.countGeneration(kind, "error")
		log.Error("generation failed", "error", err)
		respondFailure(w, http.StatusBadGateway, "generation failed")
	}
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		respondFailure(w, http.StatusNotFound, "operation not found")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		respondFailure(w, http.StatusBadRequest, "userId is required")
		return
	}
	// Another user's operation looks the same as a missing one.
	op, err := s.deps.Tracker.Get(chi.URLParam(r, "id"))
	if err != nil || op.UserID != userID {
		respondFailure(w, http.StatusNotFound, "operation not found")
		return
	}
	respondSuccess(w, op)
}

func (s *Server) countGeneration(kind, result string) {
	s.metrics.GenerationRequests.WithLabelValues(kind, result).Inc()
}
