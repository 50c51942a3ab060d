package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Processor providers understood by the gateway.
const (
	ProviderSimulated = "simulated"
	ProviderAirwallex = "airwallex"
	ProviderStripe    = "stripe"
)

// Ledger drivers.
const (
	LedgerMemory   = "memory"
	LedgerRedis    = "redis"
	LedgerPostgres = "postgres"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	CORSAllowedOrigins []string
	BodyLimitBytes     int64

	LogFormat string
	LogLevel  string

	// Processor selects the payment backend. It is forced to simulated when
	// the credentials for the requested provider are missing.
	Processor                   string
	ProcessorEnv                string
	ProcessorBaseURL            string
	ProcessorAPIKey             string
	ProcessorClientID           string
	ProcessorAuthMode           string
	ProcessorAmountUnit         string
	ProcessorTimeout            time.Duration
	ProcessorMaxAttempts        int
	ProcessorTokenTTL           time.Duration
	ProcessorBreakerMinRequests int
	ProcessorBreakerRatio       float64
	ProcessorBreakerOpenFor     time.Duration
	StripeSecretKey             string

	WebhookSecret          string
	WebhookVerifySignature bool
	WebhookReplayTTL       time.Duration

	ReturnURL              string
	DefaultCurrency        string
	FallbackToSimulation   bool
	DedupeSettled          bool
	SimulationConfirmDelay time.Duration

	LedgerDriver   string
	DatabaseURL    string
	RedisURL       string
	IdempotencyTTL time.Duration

	ConfirmRateLimit  int
	ConfirmRateWindow time.Duration

	MetricsEnabled   bool
	MetricsNamespace string
	TracingEnabled   bool
	OTLPEndpoint     string
	TracingSampling  float64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		BodyLimitBytes:     int64(parseInt(k.String("HTTP_BODY_LIMIT_BYTES"), 1<<20)),

		LogFormat: valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:  valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),

		Processor:                   strings.ToLower(valueOrDefault(k.String("PROCESSOR_PROVIDER"), ProviderAirwallex)),
		ProcessorEnv:                strings.ToLower(valueOrDefault(k.String("PROCESSOR_ENV"), "sandbox")),
		ProcessorBaseURL:            strings.TrimSpace(k.String("PROCESSOR_BASE_URL")),
		ProcessorAPIKey:             strings.TrimSpace(k.String("PROCESSOR_API_KEY")),
		ProcessorClientID:           strings.TrimSpace(k.String("PROCESSOR_CLIENT_ID")),
		ProcessorAuthMode:           strings.ToLower(valueOrDefault(k.String("PROCESSOR_AUTH_MODE"), "login")),
		ProcessorAmountUnit:         strings.ToLower(valueOrDefault(k.String("PROCESSOR_AMOUNT_UNIT"), "major")),
		ProcessorTimeout:            parseDuration(k.String("PROCESSOR_TIMEOUT"), "15s"),
		ProcessorMaxAttempts:        parseInt(k.String("PROCESSOR_MAX_ATTEMPTS"), 1),
		ProcessorTokenTTL:           parseDuration(k.String("PROCESSOR_TOKEN_TTL"), "25m"),
		ProcessorBreakerMinRequests: parseInt(k.String("PROCESSOR_BREAKER_MIN_REQUESTS"), 10),
		ProcessorBreakerRatio:       parseFloat(k.String("PROCESSOR_BREAKER_FAILURE_RATIO"), 0.5),
		ProcessorBreakerOpenFor:     parseDuration(k.String("PROCESSOR_BREAKER_OPEN_FOR"), "30s"),
		StripeSecretKey:             strings.TrimSpace(k.String("STRIPE_SECRET_KEY")),

		WebhookSecret:          strings.TrimSpace(k.String("WEBHOOK_SECRET")),
		WebhookVerifySignature: parseBool(k.String("WEBHOOK_VERIFY_SIGNATURE")),
		WebhookReplayTTL:       parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),

		ReturnURL:              strings.TrimSpace(k.String("PAYMENT_RETURN_URL")),
		DefaultCurrency:        strings.ToUpper(valueOrDefault(k.String("DEFAULT_CURRENCY"), "USD")),
		FallbackToSimulation:   parseBool(k.String("PAYMENT_FALLBACK_TO_SIMULATION")),
		DedupeSettled:          parseBool(k.String("PAYMENT_DEDUPE_SETTLED")),
		SimulationConfirmDelay: parseDuration(k.String("SIMULATION_CONFIRM_DELAY"), "500ms"),

		LedgerDriver:   strings.ToLower(valueOrDefault(k.String("LEDGER_DRIVER"), LedgerMemory)),
		DatabaseURL:    strings.TrimSpace(k.String("DATABASE_URL")),
		RedisURL:       strings.TrimSpace(k.String("REDIS_URL")),
		IdempotencyTTL: parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),

		ConfirmRateLimit:  parseInt(k.String("CONFIRM_RATE_LIMIT"), 20),
		ConfirmRateWindow: parseDuration(k.String("CONFIRM_RATE_WINDOW"), "1m"),

		MetricsEnabled:   parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
		MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "checkout"),
		TracingEnabled:   parseBool(k.String("OBS_ENABLE_TRACING")),
		OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
		TracingSampling:  parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
	}

	switch cfg.Processor {
	case ProviderSimulated, ProviderAirwallex, ProviderStripe:
	default:
		return nil, fmt.Errorf("PROCESSOR_PROVIDER %q is not supported", cfg.Processor)
	}
	switch cfg.ProcessorAuthMode {
	case "login", "api_key":
	default:
		return nil, fmt.Errorf("PROCESSOR_AUTH_MODE %q is not supported", cfg.ProcessorAuthMode)
	}
	switch cfg.ProcessorAmountUnit {
	case "major", "minor":
	default:
		return nil, fmt.Errorf("PROCESSOR_AMOUNT_UNIT %q is not supported", cfg.ProcessorAmountUnit)
	}
	switch cfg.LedgerDriver {
	case LedgerMemory:
	case LedgerRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("REDIS_URL is required for the redis ledger")
		}
	case LedgerPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres ledger")
		}
	default:
		return nil, fmt.Errorf("LEDGER_DRIVER %q is not supported", cfg.LedgerDriver)
	}
	if cfg.WebhookVerifySignature && cfg.WebhookSecret == "" {
		return nil, errors.New("WEBHOOK_SECRET is required when WEBHOOK_VERIFY_SIGNATURE is enabled")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// Simulated reports whether the gateway runs without a live processor, either
// because it was asked to or because the selected provider lacks credentials.
func (c *Config) Simulated() bool {
	switch c.Processor {
	case ProviderStripe:
		return c.StripeSecretKey == ""
	case ProviderAirwallex:
		if c.ProcessorAPIKey == "" {
			return true
		}
		return c.ProcessorAuthMode == "login" && c.ProcessorClientID == ""
	default:
		return true
	}
}

// ProcessorURL resolves the processor API host from PROCESSOR_BASE_URL or the
// environment selector.
func (c *Config) ProcessorURL() string {
	if c.ProcessorBaseURL != "" {
		return strings.TrimRight(c.ProcessorBaseURL, "/")
	}
	if c.ProcessorEnv == "production" || c.ProcessorEnv == "prod" {
		return "https://api.airwallex.com"
	}
	return "https://api-demo.airwallex.com"
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// MustLoad behaves like Load but panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
