// Package httpapi serves the /voice WebSocket, health and metrics endpoints,
// the credits API, generation routes and vendor webhooks.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/duavoice/internal/config"
	"github.com/ent0n29/duavoice/internal/credits"
	"github.com/ent0n29/duavoice/internal/events"
	"github.com/ent0n29/duavoice/internal/generation"
	"github.com/ent0n29/duavoice/internal/observability"
	"github.com/ent0n29/duavoice/internal/policy"
	"github.com/ent0n29/duavoice/internal/session"
	"github.com/ent0n29/duavoice/internal/voice"
)

// Checker is a readiness probe for one backing service.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the components the API exposes. Voice holds the providers each new
// voice session is built from; its Release and Logger are set per connection.
type Deps struct {
	Registry  session.Registry
	Sessions  *session.Manager
	Voice     voice.Deps
	Tokens    policy.VoiceTokenPolicy
	Credits   *credits.Gate
	Generate  *generation.Router
	Tracker   *generation.Tracker
	Publisher events.Publisher
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	Ready     []Checker
}

type Server struct {
	cfg       config.Config
	deps      Deps
	log       *slog.Logger
	metrics   *observability.Metrics
	publisher events.Publisher
	upgrader  websocket.Upgrader
	startedAt time.Time
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = observability.DiscardLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetricsWith(prometheus.NewRegistry(), cfg.MetricsNamespace)
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Server{
		cfg:       cfg,
		deps:      deps,
		log:       log,
		metrics:   deps.Metrics,
		publisher: publisher,
		startedAt: time.Now(),
		now:       time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients usually omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/voice", s.handleVoice)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/sessions", s.handleListSessions)

	r.Route("/api", func(r chi.Router) {
		r.Post("/credits/check", s.handleCreditsCheck)
		r.Get("/credits/balance", s.handleCreditsBalance)
		r.Get("/credits/transactions", s.handleCreditsTransactions)

		r.Post("/generate/{kind}", s.handleGenerate)
		r.Get("/generate/operations/{id}", s.handleGetOperation)

		r.Post("/webhooks/ai-music", s.handleMusicWebhook)
		r.Post("/webhooks/stripe", s.handleStripeWebhook)
	})
	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// failureResponse is the {success:false} shape used by the generation and
// credits routes.
type failureResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

const maxBodyBytes = 1 << 20

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondFailure(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, failureResponse{Success: false, Error: message})
}
