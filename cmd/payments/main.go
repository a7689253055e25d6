package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lendpay/internal/common/cache"
	"lendpay/internal/common/clock"
	"lendpay/internal/common/database"
	"lendpay/internal/common/events"
	"lendpay/internal/common/metrics"
	"lendpay/internal/common/middleware"
	natsclient "lendpay/internal/common/nats"
	"lendpay/internal/gateway"
	"lendpay/internal/gateway/sandbox"
	"lendpay/internal/gateway/stripe"
	"lendpay/internal/gateway/toss"
	"lendpay/internal/ledger"
	ledgerapi "lendpay/internal/ledger/api"
	"lendpay/internal/payment"
	paymentapi "lendpay/internal/payment/api"
	"lendpay/internal/payment/memstore"
)

// Config holds service configuration
type Config struct {
	Port           int           `envconfig:"PAYMENTS_PORT" default:"8086"`
	Environment    string        `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string        `envconfig:"LOG_FORMAT" default:"json"`
	StoreDriver    string        `envconfig:"STORE_DRIVER" default:"postgres"`
	DefaultGateway string        `envconfig:"DEFAULT_GATEWAY" default:"sandbox"`
	APIKeys        []string      `envconfig:"API_KEYS"`
	MigrateOnStart bool          `envconfig:"MIGRATE_ON_START" default:"false"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	CORSOrigins    []string      `envconfig:"CORS_ORIGINS" default:"*"`

	Database database.Config
	NATS     natsclient.Config
	Payment  payment.Config
	Callback paymentapi.CallbackConfig
	Toss     toss.Config
	Stripe   stripe.Config
	Sandbox  sandbox.Config
}

type intentStore interface {
	payment.Store
	ledger.Accounts
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Persistence
	var (
		store  intentStore
		health func(ctx context.Context) error
	)
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		store = memstore.New()
		health = func(context.Context) error { return nil }
	case "postgres":
		if cfg.MigrateOnStart {
			if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
				logger.Error("failed to migrate database", "error", err)
				os.Exit(1)
			}
		}
		db, err := database.New(ctx, cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		store = payment.NewPostgresStore(db)
		health = db.HealthCheck
	default:
		logger.Error("unknown store driver", "driver", cfg.StoreDriver)
		os.Exit(1)
	}

	// Events
	var publisher events.Publisher = events.NewLogPublisher(logger)
	if cfg.NATS.Enabled {
		nc, err := natsclient.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		if err := nc.EnsureStream(ctx, cfg.NATS.Stream, cfg.NATS.StreamMaxAge); err != nil {
			logger.Error("failed to ensure stream", "stream", cfg.NATS.Stream, "error", err)
			os.Exit(1)
		}
		publisher = natsclient.NewPublisher(nc, logger)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Gateways
	cfg.Sandbox.CheckoutBaseURL = strings.TrimSuffix(cfg.Sandbox.CheckoutBaseURL, "/")
	sbx := sandbox.New(cfg.Sandbox, logger)
	gateways := []gateway.Gateway{sbx}
	if cfg.Toss.SecretKey != "" {
		gateways = append(gateways, toss.NewAdapter(cfg.Toss, logger))
	}
	if cfg.Stripe.Enabled() {
		gateways = append(gateways, stripe.NewAdapter(cfg.Stripe, logger))
	}
	registry, err := gateway.NewRegistry(cfg.DefaultGateway, gateways...)
	if err != nil {
		logger.Error("failed to configure gateways", "error", err)
		os.Exit(1)
	}

	// Services
	clk := clock.Real{}
	manager := payment.NewManager(payment.Deps{
		Store:      store,
		Gateways:   registry,
		Reconciler: ledger.NewReconciler(clk, m, logger),
		Clock:      clk,
		Publisher:  publisher,
		Metrics:    m,
		Logger:     logger,
	}, cfg.Payment)
	poller := payment.NewPoller(store, registry, cfg.Payment, logger)
	sweeper := payment.NewSweeper(manager, cfg.Payment.SweepInterval, logger)
	accounts := ledger.NewService(store, clk, logger)

	// Handlers
	paymentHandler := paymentapi.NewHandler(manager, poller, logger)
	callbackHandler, err := paymentapi.NewCallbackHandler(manager, cfg.Callback,
		cache.NewKeyedLimiter(cfg.Callback.RatePerSecond, cfg.Callback.RateBurst), m, logger)
	if err != nil {
		logger.Error("invalid callback configuration", "error", err)
		os.Exit(1)
	}
	accountHandler := ledgerapi.NewHandler(accounts)

	keys, err := parseAPIKeys(cfg.APIKeys)
	if err != nil {
		logger.Error("invalid API_KEYS", "error", err)
		os.Exit(1)
	}
	if len(keys) == 0 {
		logger.Warn("no API keys configured, client routes will reject every request")
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Gateway-facing routes carry no API key
	r.Mount("/payments", callbackHandler.Routes())
	if cfg.Environment != "production" {
		r.Mount("/sandbox/checkout", sbx.Routes())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(middleware.StaticKeys(keys)))
		r.Use(middleware.Idempotency(cache.NewIdempotencyStore(), cfg.IdempotencyTTL))
		r.Mount("/payments", paymentHandler.Routes())
		r.Mount("/ledger", accountHandler.Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go sweeper.Run(ctx)

	go func() {
		logger.Info("starting payments service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"store", cfg.StoreDriver,
			"gateways", registry.Names(),
			"default_gateway", registry.Default(),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// parseAPIKeys reads key:owner pairs
func parseAPIKeys(pairs []string) (map[string]string, error) {
	keys := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, owner, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || key == "" || owner == "" {
			return nil, fmt.Errorf("expected key:owner, got %q", pair)
		}
		keys[key] = owner
	}
	return keys, nil
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
