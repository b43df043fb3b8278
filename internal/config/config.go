package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GenerationKinds lists the generation routes served by the API.
var GenerationKinds = []string{"chat", "music", "image", "video", "design"}

// Config contains all runtime settings for the voice gateway and generation API.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	ServiceName      string

	AllowAnyOrigin bool

	LogLevel      string
	LogFormat     string
	TraceExporter string

	SessionRateLimit   int
	SessionMaxDuration time.Duration
	SessionRegistry    string
	RedisURL           string

	VoiceMinTokenLength  int
	VoiceTokenSecret     string
	VoiceDefaultLanguage string
	VoiceDefaultName     string
	VoiceProvider        string

	ElevenLabsAPIKey          string
	ElevenLabsWSBaseURL       string
	ElevenLabsSTTModel        string
	ElevenLabsTTSModel        string
	ElevenLabsTTSOutputFormat string

	// ElevenLabsFallbackURL is a second region tried when the primary
	// endpoint fails to connect.
	ElevenLabsFallbackURL string

	LLMProvider          string
	LLMAPIKey            string
	LLMBaseURL           string
	LLMModel             string
	LLMFallbackAPIKey    string
	LLMFallbackBaseURL   string
	LLMFallbackModel     string
	LLMSystemPrompt      string
	LLMHistoryTurns      int
	LLMFirstDeltaTimeout time.Duration

	DatabaseURL       string
	CreditsStore      string
	CreditsSQLitePath string
	CreditsCostsFile  string
	// CreditCosts holds per-operation overrides read from CreditsCostsFile.
	CreditCosts map[string]int64

	WebhookSecret       string
	WebhookTolerance    time.Duration
	StripeWebhookSecret string

	NATSURL           string
	NATSSubjectPrefix string

	GenerationMock    bool
	GenerationTimeout time.Duration
	Vendors           map[string]VendorConfig
}

// VendorConfig points a generation kind at its upstream vendor.
type VendorConfig struct {
	URL    string
	APIKey string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                  envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:          envOrDefault("APP_METRICS_NAMESPACE", "duavoice"),
		ServiceName:               envOrDefault("APP_SERVICE_NAME", "duavoice"),
		LogLevel:                  strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:                 strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		TraceExporter:             strings.ToLower(envOrDefault("TRACE_EXPORTER", "none")),
		SessionRegistry:           strings.ToLower(envOrDefault("SESSION_REGISTRY", "memory")),
		RedisURL:                  stringsTrimSpace("REDIS_URL"),
		VoiceTokenSecret:          stringsTrimSpace("VOICE_TOKEN_SECRET"),
		VoiceDefaultLanguage:      envOrDefault("VOICE_DEFAULT_LANGUAGE", "en"),
		VoiceDefaultName:          envOrDefault("VOICE_DEFAULT_NAME", "cgSgspJ2msm6clMCkdW9"),
		VoiceProvider:             strings.ToLower(envOrDefault("VOICE_PROVIDER", "auto")),
		ElevenLabsAPIKey:          stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL:       envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsFallbackURL:     stringsTrimSpace("ELEVENLABS_FALLBACK_WS_BASE_URL"),
		ElevenLabsSTTModel:        envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v2_realtime"),
		ElevenLabsTTSModel:        envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_flash_v2_5"),
		ElevenLabsTTSOutputFormat: envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "pcm_16000"),
		LLMProvider:               strings.ToLower(envOrDefault("LLM_PROVIDER", "auto")),
		LLMAPIKey:                 stringsTrimSpace("LLM_API_KEY"),
		LLMBaseURL:                stringsTrimSpace("LLM_BASE_URL"),
		LLMModel:                  envOrDefault("LLM_MODEL", "gpt-4o-mini"),
		LLMFallbackAPIKey:         stringsTrimSpace("LLM_FALLBACK_API_KEY"),
		LLMFallbackBaseURL:        stringsTrimSpace("LLM_FALLBACK_BASE_URL"),
		LLMFallbackModel:          stringsTrimSpace("LLM_FALLBACK_MODEL"),
		LLMSystemPrompt: envOrDefault("LLM_SYSTEM_PROMPT",
			"You are DUA, a friendly creative assistant. Answer in short spoken sentences."),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		CreditsStore:        strings.ToLower(stringsTrimSpace("CREDITS_STORE")),
		CreditsSQLitePath:   envOrDefault("CREDITS_SQLITE_PATH", "data/credits.sqlite"),
		CreditsCostsFile:    stringsTrimSpace("CREDITS_COSTS_FILE"),
		WebhookSecret:       stringsTrimSpace("WEBHOOK_SECRET"),
		StripeWebhookSecret: stringsTrimSpace("STRIPE_WEBHOOK_SECRET"),
		NATSURL:             stringsTrimSpace("NATS_URL"),
		NATSSubjectPrefix:   envOrDefault("NATS_SUBJECT_PREFIX", "duavoice"),

		ShutdownTimeout:      15 * time.Second,
		SessionRateLimit:     3,
		SessionMaxDuration:   30 * time.Minute,
		VoiceMinTokenLength:  10,
		LLMHistoryTurns:      8,
		LLMFirstDeltaTimeout: 4 * time.Second,
		WebhookTolerance:     300 * time.Second,
		GenerationTimeout:    90 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRateLimit, err = intFromEnv("SESSION_RATE_LIMIT", cfg.SessionRateLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMaxDuration, err = durationFromEnv("SESSION_MAX_DURATION", cfg.SessionMaxDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceMinTokenLength, err = intFromEnv("VOICE_MIN_TOKEN_LENGTH", cfg.VoiceMinTokenLength)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMHistoryTurns, err = intFromEnv("LLM_HISTORY_TURNS", cfg.LLMHistoryTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMFirstDeltaTimeout, err = durationFromEnv("LLM_FIRST_DELTA_TIMEOUT", cfg.LLMFirstDeltaTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WebhookTolerance, err = durationFromEnv("WEBHOOK_TOLERANCE", cfg.WebhookTolerance)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationMock, err = boolFromEnv("GENERATION_MOCK", cfg.GenerationMock)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationTimeout, err = durationFromEnv("GENERATION_TIMEOUT", cfg.GenerationTimeout)
	if err != nil {
		return Config{}, err
	}

	cfg.Vendors = make(map[string]VendorConfig, len(GenerationKinds))
	for _, kind := range GenerationKinds {
		prefix := "GENERATION_" + strings.ToUpper(kind)
		v := VendorConfig{
			URL:    stringsTrimSpace(prefix + "_URL"),
			APIKey: stringsTrimSpace(prefix + "_API_KEY"),
		}
		if v.URL != "" {
			cfg.Vendors[kind] = v
		}
	}

	if cfg.CreditsCostsFile != "" {
		cfg.CreditCosts, err = LoadCostsFile(cfg.CreditsCostsFile)
		if err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionRateLimit < 1 {
		return fmt.Errorf("SESSION_RATE_LIMIT must be at least 1")
	}
	if c.SessionMaxDuration < time.Second {
		return fmt.Errorf("SESSION_MAX_DURATION must be at least 1s")
	}
	if c.VoiceMinTokenLength < 1 {
		return fmt.Errorf("VOICE_MIN_TOKEN_LENGTH must be positive")
	}
	if c.LLMHistoryTurns < 0 {
		return fmt.Errorf("LLM_HISTORY_TURNS must be >= 0")
	}
	if c.WebhookTolerance <= 0 {
		return fmt.Errorf("WEBHOOK_TOLERANCE must be positive")
	}
	switch c.SessionRegistry {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SESSION_REGISTRY=redis")
		}
	default:
		return fmt.Errorf("SESSION_REGISTRY must be memory or redis")
	}
	switch c.CreditsStore {
	case "", "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when CREDITS_STORE=postgres")
		}
	default:
		return fmt.Errorf("CREDITS_STORE must be memory, sqlite or postgres")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}
	switch c.TraceExporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("TRACE_EXPORTER must be none or stdout")
	}
	switch c.VoiceProvider {
	case "auto", "elevenlabs", "mock":
	default:
		return fmt.Errorf("VOICE_PROVIDER must be auto, elevenlabs or mock")
	}
	switch c.LLMProvider {
	case "auto", "openai", "mock":
	default:
		return fmt.Errorf("LLM_PROVIDER must be auto, openai or mock")
	}
	return nil
}

// ResolvedCreditsStore returns the balance store backend after defaults apply.
func (c Config) ResolvedCreditsStore() string {
	if c.CreditsStore != "" {
		return c.CreditsStore
	}
	if c.DatabaseURL != "" {
		return "postgres"
	}
	return "memory"
}

type costsFile struct {
	Costs map[string]int64 `yaml:"costs"`
}

// LoadCostsFile reads a YAML document of the form `costs: {music: 30}`.
func LoadCostsFile(path string) (map[string]int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credit costs file: %w", err)
	}
	var doc costsFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse credit costs file %s: %w", path, err)
	}
	if len(doc.Costs) == 0 {
		return nil, errors.New("credit costs file defines no costs")
	}
	for op, cost := range doc.Costs {
		if strings.TrimSpace(op) == "" {
			return nil, errors.New("credit costs file contains an empty operation name")
		}
		if cost < 0 {
			return nil, fmt.Errorf("credit cost for %q must be >= 0", op)
		}
	}
	return doc.Costs, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
