// Package app wires configuration into the running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/duavoice/internal/config"
	"github.com/ent0n29/duavoice/internal/credits"
	"github.com/ent0n29/duavoice/internal/database"
	"github.com/ent0n29/duavoice/internal/events"
	"github.com/ent0n29/duavoice/internal/generation"
	"github.com/ent0n29/duavoice/internal/httpapi"
	"github.com/ent0n29/duavoice/internal/llm"
	"github.com/ent0n29/duavoice/internal/memory"
	"github.com/ent0n29/duavoice/internal/observability"
	"github.com/ent0n29/duavoice/internal/policy"
	"github.com/ent0n29/duavoice/internal/session"
	"github.com/ent0n29/duavoice/internal/voice"
)

type VoiceInfo struct {
	Provider string
	Detail   string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Registry session.Registry
	Credits  *credits.Gate
	Metrics  *observability.Metrics
	Voice    VoiceInfo

	// Cleanup releases external resources (pools, NATS, Redis) on shutdown.
	Cleanup func() error
}

// Build constructs every component from cfg. On error everything opened so
// far is closed again.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *BuildResult, err error) {
	if log == nil {
		log = observability.DiscardLogger()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var closers []func() error
	cleanup := func() error {
		var errs []string
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}
	defer func() {
		if err != nil {
			_ = cleanup()
		}
	}()

	var ready []httpapi.Checker

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = database.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres init failed: %w", err)
		}
		closers = append(closers, func() error { pool.Close(); return nil })
		ready = append(ready, httpapi.Checker{Name: "postgres", Check: pool.Ping})
		log.Info("postgres connected")
	}

	var memoryStore memory.Store = memory.NewInMemoryStore()
	if pool != nil {
		memoryStore = memory.NewPostgresStore(pool)
	}
	closers = append(closers, memoryStore.Close)

	creditStore, err := openCreditStore(ctx, cfg, pool)
	if err != nil {
		return nil, err
	}
	closers = append(closers, creditStore.Close)
	ready = append(ready, httpapi.Checker{Name: "credits", Check: creditStore.Ping})
	log.Info("credits store ready", "store", cfg.ResolvedCreditsStore())

	registry, err := openRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	closers = append(closers, registry.Close)
	if r, ok := registry.(*session.RedisRegistry); ok {
		ready = append(ready, httpapi.Checker{Name: "redis", Check: r.Ping})
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		nats, err := events.ConnectNATS(cfg.NATSURL, cfg.NATSSubjectPrefix, log)
		if err != nil {
			return nil, fmt.Errorf("nats init failed: %w", err)
		}
		publisher = nats
		ready = append(ready, httpapi.Checker{Name: "nats", Check: func(context.Context) error {
			if !nats.Healthy() {
				return errors.New("nats not connected")
			}
			return nil
		}})
	}
	closers = append(closers, publisher.Close)

	llmProvider, err := llm.NewProvider(llm.Config{
		Mode:              cfg.LLMProvider,
		APIKey:            cfg.LLMAPIKey,
		BaseURL:           cfg.LLMBaseURL,
		Model:             cfg.LLMModel,
		FallbackAPIKey:    cfg.LLMFallbackAPIKey,
		FallbackBaseURL:   cfg.LLMFallbackBaseURL,
		FallbackModel:     cfg.LLMFallbackModel,
		FirstDeltaTimeout: cfg.LLMFirstDeltaTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("llm provider init failed: %w", err)
	}

	voiceSetup, err := resolveVoiceProviders(cfg)
	if err != nil {
		return nil, err
	}
	cfg.VoiceProvider = voiceSetup.resolvedProvider
	log.Info("voice provider resolved", "provider", voiceSetup.resolvedProvider, "detail", voiceSetup.detail)

	gate := credits.NewGate(creditStore, credits.MergeCosts(cfg.CreditCosts), publisher, metrics, log)
	tracker := generation.NewTracker(publisher, log)
	tracker.SetRefunder(gate)
	router := generation.NewRouter(buildGenerators(cfg, llmProvider, tracker, log))

	sessions := session.NewManager()
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		log.Warn("session outlived its deadline", "session_id", s.ID, "user_id", s.UserID)
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Registry: registry,
		Sessions: sessions,
		Voice: voice.Deps{
			STT:    voiceSetup.sttProvider,
			TTS:    voiceSetup.ttsProvider,
			LLM:    llmProvider,
			Memory: memoryStore,
		},
		Tokens: policy.VoiceTokenPolicy{
			MinLength: cfg.VoiceMinTokenLength,
			Secret:    []byte(cfg.VoiceTokenSecret),
		},
		Credits:   gate,
		Generate:  router,
		Tracker:   tracker,
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    log,
		Ready:     ready,
	})

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Registry: registry,
		Credits:  gate,
		Metrics:  metrics,
		Voice: VoiceInfo{
			Provider: voiceSetup.resolvedProvider,
			Detail:   voiceSetup.detail,
		},
		Cleanup: cleanup,
	}, nil
}

func openCreditStore(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (credits.Store, error) {
	switch cfg.ResolvedCreditsStore() {
	case "postgres":
		if pool == nil {
			return nil, errors.New("CREDITS_STORE=postgres needs DATABASE_URL")
		}
		return credits.NewPostgresStore(pool), nil
	case "sqlite":
		db, err := database.OpenSQLite(ctx, cfg.CreditsSQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite credits store init failed: %w", err)
		}
		return credits.NewSQLiteStore(db), nil
	default:
		return credits.NewMemoryStore(), nil
	}
}

func openRegistry(ctx context.Context, cfg config.Config) (session.Registry, error) {
	if cfg.SessionRegistry != "redis" {
		return session.NewMemoryRegistry(cfg.SessionRateLimit), nil
	}
	// Keys outlive the longest session so a crashed process cannot pin a
	// user's slots forever.
	ttl := cfg.SessionMaxDuration + 5*time.Minute
	r, err := session.NewRedisRegistry(ctx, cfg.RedisURL, cfg.SessionRateLimit, ttl)
	if err != nil {
		return nil, fmt.Errorf("redis registry init failed: %w", err)
	}
	return r, nil
}

// buildGenerators picks a generator per kind: a configured vendor first,
// the LLM for chat, and the mock when GENERATION_MOCK is set. Kinds with
// none of these are not served.
func buildGenerators(cfg config.Config, provider llm.Provider, tracker *generation.Tracker, log *slog.Logger) map[string]generation.Generator {
	out := make(map[string]generation.Generator, len(config.GenerationKinds))
	for _, kind := range config.GenerationKinds {
		switch v, ok := cfg.Vendors[kind]; {
		case ok:
			out[kind] = generation.NewVendorGenerator(kind, v.URL, v.APIKey, cfg.GenerationTimeout, tracker)
		case kind == "chat":
			out[kind] = generation.NewChatGenerator(provider, cfg.LLMSystemPrompt)
		case cfg.GenerationMock:
			out[kind] = generation.NewMockGenerator(kind, tracker)
		default:
			log.Info("generation kind disabled", "kind", kind)
		}
	}
	return out
}
