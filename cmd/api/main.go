package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/checkout-gateway/internal/common"
	"github.com/noah-isme/checkout-gateway/internal/config"
	"github.com/noah-isme/checkout-gateway/internal/health"
	"github.com/noah-isme/checkout-gateway/internal/ledger"
	"github.com/noah-isme/checkout-gateway/internal/lock"
	"github.com/noah-isme/checkout-gateway/internal/obs"
	"github.com/noah-isme/checkout-gateway/internal/payment"
	"github.com/noah-isme/checkout-gateway/internal/processor"
	"github.com/noah-isme/checkout-gateway/internal/ratelimit"
	"github.com/noah-isme/checkout-gateway/internal/resilience"
	"github.com/noah-isme/checkout-gateway/internal/security"
)

const serviceName = "checkout-gateway"

func main() {
	cfg := config.MustLoad()
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("service", serviceName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   serviceName,
			Endpoint:      cfg.OTLPEndpoint,
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: cfg.TracingSampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("init tracer")
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Error().Err(err).Msg("shutdown tracer")
			}
		}()
	}
	if cfg.MetricsEnabled {
		obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse redis url")
		}
		redisClient = redis.NewClient(opt)
		if err := redisotel.InstrumentTracing(redisClient); err != nil {
			logger.Warn().Err(err).Msg("redis tracing instrumentation")
		}
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Warn().Err(err).Msg("redis metrics instrumentation")
		}
		defer redisClient.Close()
	}

	store, closeStore := openLedger(ctx, cfg, redisClient, logger)
	defer closeStore()

	backend, breaker := selectBackend(cfg, logger)
	simulator := payment.Simulated{Delay: cfg.SimulationConfirmDelay}

	var locker lock.Locker = lock.NewMemory()
	if redisClient != nil {
		locker = lock.Redis{R: redisClient, Prefix: "checkout:lock:"}
	}

	svc := &payment.Service{
		Ledger:               store,
		Backend:              backend,
		Simulator:            simulator,
		Locker:               locker,
		Log:                  logger,
		DefaultCurrency:      cfg.DefaultCurrency,
		ReturnURL:            cfg.ReturnURL,
		FallbackToSimulation: cfg.FallbackToSimulation,
		DedupeSettled:        cfg.DedupeSettled,
	}
	paymentHandler := payment.NewHandler(svc)
	webhookHandler := payment.Webhook{
		Svc:             svc,
		Secret:          cfg.WebhookSecret,
		VerifySignature: cfg.WebhookVerifySignature,
		Replay:          redisClient,
		ReplayTTL:       cfg.WebhookReplayTTL,
		AmountUnit:      cfg.ProcessorAmountUnit,
	}
	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}

	var confirmLimiter ratelimit.Limiter = ratelimit.NewMemory(cfg.ConfirmRateLimit, cfg.ConfirmRateWindow)
	if redisClient != nil {
		rl, err := ratelimit.NewRedis(redisClient, "checkout:rl:", cfg.ConfirmRateLimit, cfg.ConfirmRateWindow)
		if err != nil {
			logger.Fatal().Err(err).Msg("init rate limiter")
		}
		confirmLimiter = rl
	}
	confirmRate := ratelimit.Handler{
		Limiter: confirmLimiter,
		Key:     ratelimit.ByClientIP("confirm"),
		OnError: func(err error) { logger.Warn().Err(err).Msg("confirm rate limiter unavailable") },
	}

	mode := "live"
	if cfg.Simulated() {
		mode = "simulation"
	}
	checks := map[string]health.Pinger{"ledger": store}
	if redisClient != nil {
		checks["redis"] = redisPinger{redisClient}
	}
	healthHandler := health.Handler{
		Checks:  checks,
		Timeout: envDurationMillis("HEALTH_READY_TIMEOUT_MS", 500),
		Status: health.Status{
			Service:     serviceName,
			Mode:        mode,
			Backend:     backend.Name(),
			Environment: cfg.AppEnv,
			Ledger:      cfg.LedgerDriver,
			Fallback:    cfg.FallbackToSimulation,
		},
	}
	if breaker != nil {
		healthHandler.Circuit = func() string { return breaker.State().String() }
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if cfg.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if cfg.MetricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		r.Use(obs.HTTPObs{Metrics: obs.NewHTTPMetrics(cfg.MetricsNamespace, buckets, nil)}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key", "X-Signature", "X-Timestamp"},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:         300,
	}))
	r.Use(security.Headers{
		Enable:                envBool("SECURE_HEADERS_ENABLE", true),
		EnableHSTS:            envBool("SECURE_HSTS_ENABLE", cfg.AppEnv == "production"),
		HSTSMaxAge:            envInt("SECURE_HSTS_MAX_AGE", 31536000),
		HSTSIncludeSubdomains: envBool("SECURE_HSTS_INCLUDE_SUBDOMAINS", true),
	}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(),
			envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", ""),
			envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")))
	}

	r.Get("/", healthHandler.Index)
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api", func(a chi.Router) {
		a.Group(func(g chi.Router) {
			g.Use(idem.Middleware)
			g.Post("/create-payment-intent", paymentHandler.CreateIntent)
			g.Post("/create-hpp-session", paymentHandler.CreateHostedSession)
			g.With(confirmRate.Middleware).Post("/confirm-payment", paymentHandler.Confirm)
		})
		a.Post("/webhook", webhookHandler.Handle)
		a.Post("/webhook/{provider}", webhookHandler.Handle)

		a.Get("/payment/{id}", paymentHandler.Payment)
		a.Get("/payment/order/{orderId}", paymentHandler.PaymentByOrder)
		a.Get("/payment-intent/{id}", paymentHandler.Intent)
		a.Get("/payments", paymentHandler.Payments)
		a.Get("/payment-intents", paymentHandler.Intents)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		logger.Info().Msg("draining")
		sctx, cancel := context.WithTimeout(context.Background(), envDurationMillis("SHUTDOWN_TIMEOUT_MS", 15000))
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().
		Str("addr", srv.Addr).
		Str("mode", mode).
		Str("backend", backend.Name()).
		Str("ledger", cfg.LedgerDriver).
		Bool("fallback_to_simulation", cfg.FallbackToSimulation).
		Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func openLedger(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger zerolog.Logger) (ledger.Store, func()) {
	switch cfg.LedgerDriver {
	case config.LedgerRedis:
		return ledger.NewRedis(redisClient, ""), func() {}
	case config.LedgerPostgres:
		if err := ledger.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migrate ledger")
		}
		pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse database url")
		}
		pcfg.ConnConfig.Tracer = obs.PGXTracer{}
		if pcfg.ConnConfig.RuntimeParams == nil {
			pcfg.ConnConfig.RuntimeParams = map[string]string{}
		}
		pcfg.ConnConfig.RuntimeParams["application_name"] = serviceName
		pool, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect database")
		}
		return ledger.NewPostgres(pool), pool.Close
	default:
		return ledger.NewMemory(), func() {}
	}
}

func selectBackend(cfg *config.Config, logger zerolog.Logger) (payment.Backend, *resilience.Breaker) {
	if cfg.Simulated() {
		if cfg.Processor != config.ProviderSimulated {
			logger.Warn().Str("provider", cfg.Processor).Msg("processor credentials missing, running in simulation")
		}
		return payment.Simulated{Delay: cfg.SimulationConfirmDelay}, nil
	}
	breaker := resilience.NewBreaker(cfg.ProcessorBreakerMinRequests, cfg.ProcessorBreakerRatio, cfg.ProcessorBreakerOpenFor).
		WithTarget(cfg.Processor).
		WithLogger(logger)
	hc := resilience.NewHTTPClient(cfg.ProcessorTimeout, cfg.ProcessorMaxAttempts, breaker)

	switch cfg.Processor {
	case config.ProviderStripe:
		stripeHTTP := &http.Client{Transport: hc.Client.Transport, Timeout: cfg.ProcessorTimeout}
		return payment.NewStripe(cfg.StripeSecretKey, envOrDefault("STRIPE_BASE_URL", ""), stripeHTTP), nil
	default:
		client := processor.New(processor.Config{
			BaseURL:  cfg.ProcessorURL(),
			APIKey:   cfg.ProcessorAPIKey,
			ClientID: cfg.ProcessorClientID,
			AuthMode: cfg.ProcessorAuthMode,
			TokenTTL: cfg.ProcessorTokenTTL,
		}, hc)
		return payment.Airwallex{Client: client, AmountUnit: cfg.ProcessorAmountUnit}, breaker
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type redisPinger struct{ c *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.c.Ping(ctx).Err() }

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
