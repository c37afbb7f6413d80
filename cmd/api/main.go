// Package main is the entry point for the API server.
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
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/answer-stream/internal/answer"
	"github.com/capitalize-ai/answer-stream/internal/cache"
	"github.com/capitalize-ai/answer-stream/internal/config"
	"github.com/capitalize-ai/answer-stream/internal/handler"
	"github.com/capitalize-ai/answer-stream/internal/history"
	"github.com/capitalize-ai/answer-stream/internal/intent"
	"github.com/capitalize-ai/answer-stream/internal/middleware"
	natsclient "github.com/capitalize-ai/answer-stream/internal/nats"
	"github.com/capitalize-ai/answer-stream/internal/registry"
	"github.com/capitalize-ai/answer-stream/internal/service"
	"github.com/capitalize-ai/answer-stream/pkg/logger"
	"github.com/capitalize-ai/answer-stream/pkg/tracing"
)

const serviceName = "answer-stream"

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting API server")
	ctx := context.Background()

	policy, err := config.LoadPolicy(cfg.PipelineConfig)
	if err != nil {
		return err
	}

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	source, err := answer.NewSource(answer.Kind(cfg.AnswerSource), answer.Options{
		RAG: answer.RAGConfig{
			BaseURL:     cfg.RAGBaseURL,
			IdleTimeout: cfg.RAGTimeout,
		},
		OpenAI:    answer.LLMConfig{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel},
		Anthropic: answer.LLMConfig{APIKey: cfg.AnthropicAPIKey, Model: cfg.AnthropicModel},
		Agents:    policy.Agents,
	})
	if err != nil {
		return fmt.Errorf("answer source: %w", err)
	}

	store, natsClient, err := openHistory(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()
	if natsClient != nil {
		defer natsClient.Close()
	}

	answerCache, closeCache, err := openCache(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeCache()

	stripper, err := service.NewPatternStripper(service.DefaultIntroPattern)
	if err != nil {
		return err
	}

	reg := registry.New(registry.Config{
		TTL:        policy.Registry.TTL(),
		MaxEntries: policy.Registry.MaxEntries,
	}, log.Component("registry"))

	orchestrator := service.New(service.Deps{
		Registry:      reg,
		Source:        source,
		Classifier:    intent.NewKeywordClassifier(policy.Intents),
		History:       store,
		Cache:         answerCache,
		IntroStripper: stripper,
	}, policy, log)

	log.Info("pipeline configured",
		zap.String("answer_source", source.Name()),
		zap.String("history_backend", store.Name()),
		zap.String("cache_backend", cfg.CacheBackend),
		zap.Bool("auth_enabled", cfg.JWTSecret != ""),
	)

	healthHandler := handler.NewHealthHandler(natsClient)
	askHandler := handler.NewAskHandler(orchestrator, reg, log)
	historyHandler := handler.NewHistoryHandler(store, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/ask", func(r chi.Router) {
			r.Post("/", askHandler.Ask)
			r.Post("/cancel", askHandler.Cancel)
			r.Get("/{request_id}", askHandler.Status)
		})
		r.Get("/history", historyHandler.List)
	})

	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     r,
		ReadTimeout: cfg.ServerReadTimeout,
		// Answer streams run until the upstream finishes.
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

// openHistory selects the history backend. The NATS client is non-nil only
// for JetStream so readiness can report on it.
func openHistory(ctx context.Context, cfg *config.Config, log *logger.Logger) (history.Store, *natsclient.Client, error) {
	switch cfg.HistoryBackend {
	case "", "memory":
		return history.NewMemory(), nil, nil
	case "sqlite":
		store, err := history.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite history: %w", err)
		}
		return store, nil, nil
	case "jetstream":
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     serviceName,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to NATS: %w", err)
		}
		store, err := history.NewJetStream(ctx, natsclient.NewStreamManager(client, 0))
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("ensure history stream: %w", err)
		}
		return store, client, nil
	default:
		return nil, nil, fmt.Errorf("unknown history backend %q", cfg.HistoryBackend)
	}
}

// openCache selects the answer cache. A nil cache disables caching.
func openCache(ctx context.Context, cfg *config.Config, log *logger.Logger) (cache.Cache, func(), error) {
	switch cfg.CacheBackend {
	case "none":
		return nil, func() {}, nil
	case "", "memory":
		return cache.NewMemory(0), func() {}, nil
	case "redis":
		rdb, err := cache.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		c, err := cache.NewRedis(cache.RedisOptions{Redis: rdb, OperationTimeout: 500 * time.Millisecond})
		if err != nil {
			rdb.Close()
			return nil, nil, err
		}
		return c, func() {
			if err := rdb.Close(); err != nil {
				log.Warn("failed to close redis", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}
