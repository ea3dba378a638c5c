package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/forgeboard/notify/internal/api"
	"github.com/forgeboard/notify/internal/circuitbreaker"
	"github.com/forgeboard/notify/internal/config"
	"github.com/forgeboard/notify/internal/db"
	"github.com/forgeboard/notify/internal/email"
	"github.com/forgeboard/notify/internal/metrics"
	"github.com/forgeboard/notify/internal/notify"
	"github.com/forgeboard/notify/internal/observ"
	"github.com/forgeboard/notify/internal/prefs"
	"github.com/forgeboard/notify/internal/redis"
	"github.com/forgeboard/notify/internal/sqs"
	"github.com/forgeboard/notify/internal/webpush"
	"github.com/forgeboard/notify/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// typeCatalog is the set of notification types the platform ships with.
// Extensions register more at runtime via the seeding path in prefs.
func typeCatalog() []prefs.TypeSpec {
	inline := notify.Channels(notify.ChannelInline)
	inlinePush := notify.Channels(notify.ChannelInline, notify.ChannelPush)
	all := notify.AllChannels()

	return []prefs.TypeSpec{
		{Key: notify.KeyNewContent, Default: inlinePush},
		{Key: notify.KeyNewComment, Default: all},
		{Key: notify.KeyNewReview, Default: all},
		{Key: notify.KeyQuote, Default: inlinePush},
		{Key: notify.KeyNewLikes, Default: inline},
		{Key: notify.KeyFollowerContent, Default: inline},
		{Key: notify.KeyUnapprovedContent, Default: notify.Channels(notify.ChannelInline, notify.ChannelEmail)},
		// Reports surface in the moderation queue; email keeps the
		// moderators who want it in the loop.
		{Key: notify.KeyReportCenter, Default: notify.Channels(notify.ChannelEmail), Disabled: notify.Channels(notify.ChannelInline)},
		{Key: "profile_comment", Default: inlinePush},
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting notifyd",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Repositories
	memberRepo := db.NewMemberRepository(database, logger)
	inlineRepo := db.NewInlineRepository(database, logger)
	prefRepo := db.NewPreferenceRepository(database, logger)
	subRepo := db.NewSubscriptionRepository(database, logger)
	queueRepo := db.NewPushQueueRepository(database, logger)

	// Redis backs the shared defaults cache and the rate limiter; both
	// degrade gracefully without it.
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, using process-local caches",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var defaultsCache prefs.DefaultsCache
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		defaultsCache = redis.NewConfigCache(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 requests
			Window: 1 * time.Minute, // per minute per member
		})
		defer redisClient.Close()
	}

	// Web Push transport. Missing VAPID keys disable the channel rather
	// than failing startup.
	var transport *webpush.Transport
	vapidCfg := webpush.VAPIDConfig{
		Subject:    cfg.VAPIDSubject,
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
	}
	if vapidCfg.Configured() {
		transport, err = webpush.NewTransport(vapidCfg, subRepo, logger)
		if err != nil {
			return fmt.Errorf("failed to create web push transport: %w", err)
		}
		logger.Info("web push enabled", zap.String("subject", cfg.VAPIDSubject))
	} else {
		logger.Warn("vapid keys not configured, push channel disabled")
	}

	unsupported := notify.ChannelSet(0)
	if transport == nil {
		unsupported = unsupported.With(notify.ChannelPush)
	}

	resolver := prefs.NewResolver(prefRepo, defaultsCache, typeCatalog(), unsupported, logger)

	// SQS hands large push fan-outs to the background worker.
	var producer *sqs.Producer
	var consumer *sqs.Consumer
	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}
		producer, err = sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, push batches delivered in-process", zap.Error(err))
			producer = nil
		} else {
			defer producer.Close()
		}
		consumer, err = sqs.NewConsumer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, queued batches will not drain here", zap.Error(err))
			consumer = nil
		} else {
			defer consumer.Close()
		}
	}

	// Email: SES behind a circuit breaker.
	mailBreaker := circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger)
	templates := email.NewTemplateStore(cfg.TemplateDir, cfg.BoardName, logger)
	mailer, err := email.NewSESMailer(ctx, email.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
		BoardName: cfg.BoardName,
		BoardURL:  cfg.BoardURL,
	}, templates, mailBreaker, logger)
	if err != nil {
		return fmt.Errorf("failed to create mailer: %w", err)
	}

	// Push gateway + worker
	var sender worker.BatchSender
	if transport != nil {
		sender = transport
	}
	var publisher worker.JobPublisher
	if producer != nil {
		publisher = producer
	}
	gateway := worker.NewGateway(queueRepo, subRepo, sender, publisher, logger)

	if consumer != nil && transport != nil {
		w := worker.New(consumer, queueRepo, transport, worker.Config{}, logger)

		workerCtx, workerCancel := context.WithCancel(context.Background())
		defer workerCancel()

		go w.Start(workerCtx)
		logger.Info("push fan-out worker started")
	}

	dispatcher := notify.NewDispatcher(notify.DispatcherDeps{
		Members:  memberRepo,
		Prefs:    resolver,
		Inline:   inlineRepo,
		Mailer:   mailer,
		Push:     gateway,
		Composer: email.NewComposer(cfg.BoardName),
		PushTTL:  int64(cfg.PushTTL),
	}, logger)

	breakerStats := func() []circuitbreaker.Stats {
		stats := []circuitbreaker.Stats{mailBreaker.Stats()}
		if transport != nil {
			stats = append(stats, transport.BreakerStats()...)
		}
		return stats
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, dispatcher, inlineRepo, subRepo, prefRepo, resolver, breakerStats)

	r.Route("/v1", func(r chi.Router) {
		// Apply rate limiting to API routes
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.MemberKeyFunc))

		r.Post("/events", handler.DispatchEvent)

		r.Get("/notifications", handler.ListFeed)
		r.Post("/notifications/read-all", handler.MarkAllRead)
		r.Post("/notifications/{id}/read", handler.MarkRead)

		r.Post("/subscriptions", handler.SaveSubscription)
		r.Delete("/subscriptions/{id}", handler.DeleteSubscription)

		r.Get("/preferences/{memberID}", handler.GetPreferences)
		r.Put("/preferences/{memberID}", handler.SavePreferences)

		r.Post("/admin/silence", handler.Silence)
		r.Post("/admin/unsilence", handler.Unsilence)
		r.Post("/admin/defaults/invalidate", handler.InvalidateDefaults)
		r.Get("/admin/breakers", handler.Breakers)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
