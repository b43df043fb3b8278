package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ent0n29/duavoice/internal/credits"
)

type creditsCheckRequest struct {
	UserID    string `json:"userId"`
	Operation string `json:"operation"`
}

// handleCreditsCheck answers 200 when the user can afford the operation and
// 402 with the deficit when not. Nothing is charged.
func (s *Server) handleCreditsCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Credits == nil {
		respondFailure(w, http.StatusServiceUnavailable, "credits unavailable")
		return
	}
	var req creditsCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		respondFailure(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Operation = strings.TrimSpace(req.Operation)
	if req.UserID == "" || req.Operation == "" {
		respondFailure(w, http.StatusBadRequest, "userId and operation are required")
		return
	}

	res, err := s.deps.Credits.Check(r.Context(), req.UserID, req.Operation)
	if errors.Is(err, credits.ErrUnknownOperation) {
		respondFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Error("credits check failed", "user_id", req.UserID, "operation", req.Operation, "error", err)
		respondFailure(w, http.StatusInternalServerError, "credits check failed")
		return
	}
	status := http.StatusOK
	if !res.HasCredits {
		status = http.StatusPaymentRequired
	}
	respondJSON(w, status, res)
}

func (s *Server) handleCreditsBalance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Credits == nil {
		respondFailure(w, http.StatusServiceUnavailable, "credits unavailable")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		respondFailure(w, http.StatusBadRequest, "userId is required")
		return
	}
	balance, err := s.deps.Credits.Balance(r.Context(), userID)
	if err != nil {
		s.log.Error("read balance failed", "user_id", userID, "error", err)
		respondFailure(w, http.StatusInternalServerError, "balance unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"userId": userID, "balance": balance})
}

func (s *Server) handleCreditsTransactions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Credits == nil {
		respondFailure(w, http.StatusServiceUnavailable, "credits unavailable")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		respondFailure(w, http.StatusBadRequest, "userId is required")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			respondFailure(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	txs, err := s.deps.Credits.Transactions(r.Context(), userID, limit)
	if err != nil {
		s.log.Error("list transactions failed", "user_id", userID, "error", err)
		respondFailure(w, http.StatusInternalServerError, "transactions unavailable")
		return
	}
	if txs == nil {
		txs = []credits.Transaction{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"userId": userID, "transactions": txs})
}
