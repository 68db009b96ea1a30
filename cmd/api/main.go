// Package main is the entry point for the messaging backend.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/partstream/messaging-backend/internal/bot"
	"github.com/partstream/messaging-backend/internal/config"
	"github.com/partstream/messaging-backend/internal/convo"
	"github.com/partstream/messaging-backend/internal/erp"
	"github.com/partstream/messaging-backend/internal/handler"
	"github.com/partstream/messaging-backend/internal/llm"
	"github.com/partstream/messaging-backend/internal/middleware"
	natsclient "github.com/partstream/messaging-backend/internal/nats"
	"github.com/partstream/messaging-backend/internal/provider"
	"github.com/partstream/messaging-backend/internal/queue"
	"github.com/partstream/messaging-backend/internal/ratelimit"
	"github.com/partstream/messaging-backend/internal/realtime"
	"github.com/partstream/messaging-backend/internal/service"
	"github.com/partstream/messaging-backend/internal/store"
	"github.com/partstream/messaging-backend/internal/sweeper"
	"github.com/partstream/messaging-backend/internal/tools"
	"github.com/partstream/messaging-backend/pkg/logger"
	"github.com/partstream/messaging-backend/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting messaging backend")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "messaging-backend", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", "error", err)
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Open the store
	var st store.Store
	if cfg.DatabasePath != "" {
		st, err = store.OpenSQLite(cfg.DatabasePath)
		if err != nil {
			log.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
			os.Exit(1)
		}
		log.Info("using sqlite store", "path", cfg.DatabasePath)
	} else {
		st = store.NewMemory()
		log.Warn("using in-memory store, state is lost on restart")
	}
	defer st.Close()

	// Connect to NATS
	natsClient, err := natsclient.Connect(natsclient.Config{
		URL:   cfg.NATSURL,
		Token: cfg.NATSToken,
	}, log)
	if err != nil {
		log.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	hub := realtime.NewHub(natsClient.Conn(), log)

	// Conversation state machine
	convos := convo.NewService(st, hub, log)

	// Job queue; requeue work orphaned by the previous process first.
	q := queue.New(st, queue.Config{
		Lease:       cfg.QueueLease,
		MaxAttempts: cfg.JobMaxAttempts,
		BackoffBase: cfg.JobBackoffBase,
		BackoffCap:  cfg.JobBackoffCap,
	}, log)
	if n, err := q.Recover(ctx); err != nil {
		log.Error("queue recovery failed", "error", err)
		os.Exit(1)
	} else if n > 0 {
		log.Info("recovered orphaned jobs", "count", n)
	}

	// External clients
	erpClient := erp.New(erp.Config{
		BaseURL: cfg.ERPBaseURL,
		APIKey:  cfg.ERPAPIKey,
		Timeout: cfg.ERPTimeout,
	}, log)
	providerClient := provider.NewClient(provider.Config{
		SendURL:     cfg.ProviderSendURL,
		APIKey:      cfg.ProviderAPIKey,
		Timeout:     cfg.ProviderTimeout,
		VerifyToken: cfg.ProviderVerifyToken,
	}, log)

	// LLM clients: openai drives the tool loop, anthropic writes the
	// hand-off summaries when configured.
	llmClient, err := llm.NewClient(llm.ProviderOpenAI, cfg.OpenAIAPIKey)
	if err != nil {
		log.Error("failed to create LLM client", "error", err)
		os.Exit(1)
	}
	summarizer := llmClient
	if cfg.AnthropicAPIKey != "" {
		if c, err := llm.NewAnthropicClient(cfg.AnthropicAPIKey); err != nil {
			log.Warn("failed to create summary client, falling back", "error", err)
		} else {
			summarizer = c
		}
	}

	// Tool suite and registry
	suite := tools.NewSuite(tools.Deps{
		Inventory:  erpClient,
		Convos:     convos,
		Images:     providerClient,
		Transcript: st,
		Summarizer: summarizer,
		Logger:     log,
	})
	registry := tools.NewRegistry()
	suite.RegisterAll(registry)

	// Dialogue engine
	engine, err := bot.New(llmClient, registry, bot.Config{
		Model:         cfg.LLMModel,
		MaxToolRounds: cfg.MaxToolRounds,
	}, log)
	if err != nil {
		log.Error("failed to create dialogue engine", "error", err)
		os.Exit(1)
	}

	// Delivery pipeline and job processor
	delivery := service.NewDelivery(st, providerClient, hub, service.DeliveryConfig{
		RetryCeiling: cfg.MessageRetryCeiling,
		BackoffBase:  cfg.MessageBackoffBase,
		BackoffCap:   cfg.MessageBackoffCap,
	}, log)
	processor := service.NewProcessor(st, convos, engine, delivery, hub, log)

	// Worker pool
	workerCtx, stopWorkers := context.WithCancel(ctx)
	pool := queue.NewPool(q, processor.Handle, cfg.WorkerCount, log)
	pool.Start(workerCtx)

	// Ingress rate limiter
	limiter := ratelimit.NewWindowLimiter(map[ratelimit.RouteClass]ratelimit.Limit{
		ratelimit.ClassGeneral: {Requests: cfg.RateLimitGeneral, Window: cfg.RateLimitGeneralWindow},
		ratelimit.ClassAuth:    {Requests: cfg.RateLimitAuth, Window: cfg.RateLimitAuthWindow},
		ratelimit.ClassWebhook: {Requests: cfg.RateLimitWebhook, Window: cfg.RateLimitWebhookWindow},
	})

	// Background sweepers
	var sweepers sync.WaitGroup
	sweepCtx, stopSweepers := context.WithCancel(ctx)

	retrySweeper := sweeper.NewRetrySweeper(st, delivery, cfg.RetrySweepInterval, log)
	sweepers.Add(1)
	go func() {
		defer sweepers.Done()
		retrySweeper.Run(sweepCtx)
	}()

	reaper := sweeper.NewReaper(cfg.ReapInterval, cfg.SessionIdleThreshold, log,
		sweeper.ReapTarget{Name: "bot_sessions", Reap: engine.EvictIdle},
		sweeper.ReapTarget{Name: "rate_buckets", Reap: func(time.Time) int {
			return limiter.ReapIdle(cfg.SessionIdleThreshold)
		}},
		sweeper.ReapTarget{Name: "erp_cache", Reap: func(time.Time) int {
			return erpClient.FlushExpired()
		}},
		sweeper.ReapTarget{Name: "idle_conversations", Reap: func(time.Time) int {
			archived := convos.ArchiveIdle(sweepCtx, cfg.SessionIdleThreshold)
			for _, id := range archived {
				engine.Evict(id)
				suite.Forget(id)
			}
			return len(archived)
		}},
	)
	sweepers.Add(1)
	go func() {
		defer sweepers.Done()
		reaper.Run(sweepCtx)
	}()

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(natsClient)
	webhookHandler := handler.NewWebhookHandler(cfg.ProviderVerifyToken, q, log)
	conversationHandler := handler.NewConversationHandler(convos, st, suite, log)
	streamHandler := handler.NewStreamHandler(convos, st, hub, log)
	adminHandler := handler.NewAdminHandler(q, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Provider webhook: token handshake instead of JWT, generous limits
	// so provider retries are never dropped.
	r.Route("/webhook", func(r chi.Router) {
		r.Use(ratelimit.Middleware(limiter, ratelimit.ClassWebhook, nil))
		r.Get("/", webhookHandler.Verify)
		r.Post("/", webhookHandler.Ingest)
	})

	// Operator API. The outer httprate limiter is coarse per-operator
	// flood protection; the class limiter enforces the API budget.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(300, time.Minute))
		r.Use(ratelimit.Middleware(limiter, ratelimit.ClassGeneral, nil))

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Get("/messages", conversationHandler.Messages)
				r.Put("/mode", conversationHandler.SetMode)
				r.Post("/read", conversationHandler.MarkRead)
				r.Get("/handoff", conversationHandler.Handoff)
				r.Get("/stream", streamHandler.Stream)
			})
		})

		r.Route("/admin/queue", func(r chi.Router) {
			r.Use(middleware.RequireScope("admin"))
			r.Get("/", adminHandler.Stats)
			r.Post("/pause", adminHandler.Pause)
			r.Post("/resume", adminHandler.Resume)
			r.Post("/purge", adminHandler.Purge)
			r.Get("/jobs/{id}", adminHandler.InspectJob)
			r.Post("/jobs/{id}/retry", adminHandler.RetryJob)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	// Stop intake first, then drain workers, then sweepers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	stopWorkers()
	pool.Stop()
	stopSweepers()
	sweepers.Wait()

	log.Info("server stopped")
}
