package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/qianfan-gateway/config"
	"github.com/vnmchuo/qianfan-gateway/internal/auth"
	"github.com/vnmchuo/qianfan-gateway/internal/batch"
	"github.com/vnmchuo/qianfan-gateway/internal/billing"
	"github.com/vnmchuo/qianfan-gateway/internal/censor"
	"github.com/vnmchuo/qianfan-gateway/internal/logger"
	"github.com/vnmchuo/qianfan-gateway/internal/proxy"
	"github.com/vnmchuo/qianfan-gateway/internal/qianfan"
	"github.com/vnmchuo/qianfan-gateway/internal/repair"
	"github.com/vnmchuo/qianfan-gateway/internal/stats"
	"github.com/vnmchuo/qianfan-gateway/internal/telemetry"
	"github.com/vnmchuo/qianfan-gateway/pkg/ratelimit"
)

func main() {
	log := logger.Get()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("qianfan-gateway", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping postgres")
	}
	log.Info().Msg("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to ping redis")
	}
	log.Info().Msg("Redis connected")

	// 5. Auth: static gateway keys
	keys, err := auth.ParseKeys(cfg.GatewayAPIKeys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse GATEWAY_API_KEYS")
	}
	if len(keys) == 0 {
		log.Warn().Msg("GATEWAY_API_KEYS is empty, all requests will be rejected")
	}
	authMiddleware := auth.NewMiddleware(keys)

	// 6. Billing store
	billingStore := billing.NewPostgresStore(pool)

	// 7. Rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 8. Token stats sink + chat client
	tokenStats := stats.New(stats.WithMaxDetail(cfg.StatsMaxDetail))

	chatOpts := []qianfan.Option{
		qianfan.WithTimeout(cfg.RequestTimeout),
		qianfan.WithRecorder(tokenStats),
		qianfan.WithLogger(*log),
	}
	if cfg.ChatURL != "" {
		chatOpts = append(chatOpts, qianfan.WithChatURL(cfg.ChatURL))
	}
	chatClient := qianfan.New(cfg.BaiduAPIKey, chatOpts...)

	// 9. Moderation, repair and batch (optional)
	var moderator proxy.Moderator
	var repairer proxy.Repairer
	var batchRunner *batch.Runner
	if cfg.CensorAPIKey != "" && cfg.CensorSecretKey != "" {
		censorClient := censor.New(cfg.CensorAPIKey, cfg.CensorSecretKey,
			censor.WithTokenCache(rdb),
			censor.WithLogger(*log),
		)
		repairService := repair.New(censorClient, chatClient,
			repair.WithModel(cfg.RepairModel),
			repair.WithMaxRounds(cfg.RepairMaxRounds),
			repair.WithLogger(*log),
		)
		moderator = censorClient
		repairer = repairService
		batchRunner = batch.NewRunner(repairService, batch.WithLogger(*log))
	} else {
		log.Warn().Msg("TEXT_API_KEY/TEXT_SECRET_KEY not set, moderation endpoints disabled")
	}

	// 10. Handler
	tracer := otel.GetTracerProvider().Tracer("qianfan-gateway")
	handler := proxy.NewHandler(chatClient, moderator, repairer, batchRunner, tokenStats, billingStore, limiter, tracer)

	// 11. Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"qianfan-gateway"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleChatCompletion)
		r.Post("/v1/moderation", handler.HandleModeration)
		r.Post("/v1/moderation/repair", handler.HandleModerationRepair)
		r.Post("/v1/moderation/batch", handler.HandleModerationBatch)
		r.Get("/v1/stats", handler.HandleStats)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Qianfan gateway starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	log.Info().Msg("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("Server stopped")
}
