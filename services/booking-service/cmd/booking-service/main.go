package main

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/inkslot/inkslot/libs/cache"
	"github.com/inkslot/inkslot/libs/config"
	"github.com/inkslot/inkslot/libs/db"
	"github.com/inkslot/inkslot/libs/httpx"
	"github.com/inkslot/inkslot/libs/kafkax"
	otelx "github.com/inkslot/inkslot/libs/otel"
	"github.com/inkslot/inkslot/libs/runtime"
	"github.com/inkslot/inkslot/services/booking-service/internal/availability"
	"github.com/inkslot/inkslot/services/booking-service/internal/billing"
	"github.com/inkslot/inkslot/services/booking-service/internal/booking"
	"github.com/inkslot/inkslot/services/booking-service/internal/deposit"
	"github.com/inkslot/inkslot/services/booking-service/internal/handlers"
	"github.com/inkslot/inkslot/services/booking-service/internal/outbox"
	"github.com/inkslot/inkslot/services/booking-service/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Config struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"booking-service"`
	Port        string `envconfig:"PORT" default:"8083"`
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"false"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"1"`

	RedisAddr       string `envconfig:"REDIS_ADDR"`
	RedisPassword   string `envconfig:"REDIS_PASSWORD"`
	RedisDB         int    `envconfig:"REDIS_DB" default:"0"`
	CacheTTLSeconds int    `envconfig:"CACHE_TTL_SECONDS" default:"60"`

	KafkaBrokers string `envconfig:"KAFKA_BROKERS"`

	StripeSecretKey               string `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret           string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripeWebhookToleranceSeconds int    `envconfig:"STRIPE_WEBHOOK_TOLERANCE_SECONDS" default:"300"`
	PaymentCurrency               string `envconfig:"PAYMENT_CURRENCY" default:"usd"`
	SweepIntervalSeconds          int    `envconfig:"BILLING_SWEEP_INTERVAL_SECONDS" default:"300"`
	SweepMinAgeSeconds            int    `envconfig:"BILLING_SWEEP_MIN_AGE_SECONDS" default:"900"`

	DefaultTimezone    string `envconfig:"DEFAULT_TIMEZONE" default:"UTC"`
	DefaultSlotMinutes int    `envconfig:"DEFAULT_SLOT_MINUTES" default:"60"`
	DefaultOpenStart   string `envconfig:"DEFAULT_OPEN_START" default:"09:00"`
	DefaultOpenEnd     string `envconfig:"DEFAULT_OPEN_END" default:"17:00"`

	RateLimitPerMinute int    `envconfig:"RATE_LIMIT_PER_MINUTE" default:"120"`
	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS"`
}

func main() {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		panic(err)
	}
	port, err := config.Port("PORT", cfg.Port)
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.ServiceName)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelCfg, err := otelx.ConfigFromEnv(cfg.ServiceName)
	if err != nil {
		panic(err)
	}
	otelShutdown, err := otelx.Setup(ctx, otelCfg)
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := storage.Migrate(ctx, pool); err != nil {
			logger.Error("migration failed", "err", err)
			panic(err)
		}
		logger.Info("migrations applied")
	}

	checks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}
	if len(kafkax.SplitBrokers(cfg.KafkaBrokers)) > 0 {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers, outbox.Topics()...)})
	}

	// Redis backs the slot cache and the shared rate limiter. Without it both
	// fall back to per-process memory.
	var (
		slotCache cache.Cache   = cache.NewMemory()
		limiter   httpx.Limiter = httpx.NewMemoryLimiter(cfg.RateLimitPerMinute, time.Minute)
	)
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer func() { _ = rdb.Close() }()
		slotCache = cache.NewRedis(rdb, cfg.ServiceName)
		limiter = httpx.NewRedisLimiter(rdb, cfg.RateLimitPerMinute, time.Minute, cfg.ServiceName+":rl")
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: cache.ReadyCheck(rdb)})
	}

	outboxRepo := outbox.NewRepository()
	store := storage.NewPostgres(pool, outboxRepo)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   cfg.KafkaBrokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	slots := availability.NewEngine(store, slotCache, time.Duration(cfg.CacheTTLSeconds)*time.Second, availability.Defaults{
		Timezone:    cfg.DefaultTimezone,
		SlotMinutes: cfg.DefaultSlotMinutes,
		OpenStart:   cfg.DefaultOpenStart,
		OpenEnd:     cfg.DefaultOpenEnd,
	}, logger)
	bookings := booking.NewService(store, slots, logger, time.Now)
	deposits := deposit.NewService(store, time.Now)

	if strings.TrimSpace(cfg.StripeSecretKey) == "" {
		logger.Warn("STRIPE_SECRET_KEY not set; payment intents are disabled")
	}
	reconciler := billing.NewReconciler(store, billing.NewStripeGateway(cfg.StripeSecretKey), logger, billing.Config{
		Currency: cfg.PaymentCurrency,
	})
	go reconciler.RunSweeper(ctx, billing.SweepConfig{
		Interval:  time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		MinAge:    time.Duration(cfg.SweepMinAgeSeconds) * time.Second,
		BatchSize: 100,
	})

	h := handlers.New(slots, deposits, bookings, reconciler, logger, handlers.Config{
		StripeWebhookSecret:           cfg.StripeWebhookSecret,
		StripeWebhookToleranceSeconds: cfg.StripeWebhookToleranceSeconds,
	})

	mux := runtime.NewServeMux(checks...)
	h.Routes(mux)
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: config.SplitList(cfg.CORSAllowedOrigins),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			MaxAge:         10 * time.Minute,
		}),
		// Stripe retries webhooks on 429; they are authenticated by signature instead.
		httpx.RateLimit(limiter, httpx.RateLimitConfig{
			Logger:   logger,
			FailOpen: true,
			Exempt:   []string{handlers.WebhookPath},
		}),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(15*time.Second),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := runtime.Serve(ctx, srv, logger, 10*time.Second); err != nil {
		stop()
		os.Exit(1)
	}
}
