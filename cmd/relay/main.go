package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nightjar-systems/relay/internal/buffer"
	"github.com/nightjar-systems/relay/internal/config"
	"github.com/nightjar-systems/relay/internal/dispatch"
	"github.com/nightjar-systems/relay/internal/dlq"
	"github.com/nightjar-systems/relay/internal/handlers"
	"github.com/nightjar-systems/relay/internal/logging"
	"github.com/nightjar-systems/relay/internal/pii"
	"github.com/nightjar-systems/relay/internal/pipeline"
	"github.com/nightjar-systems/relay/internal/projects"
	"github.com/nightjar-systems/relay/internal/quota"
	"github.com/nightjar-systems/relay/internal/ratelimit"
	"github.com/nightjar-systems/relay/internal/server"
	"github.com/nightjar-systems/relay/internal/sink"
	"github.com/nightjar-systems/relay/internal/upstream"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("relay"))
	logging.SetDefault(logger)

	slog.Info("Starting relay",
		slog.Int("port", cfg.Server.Port),
		slog.String("mode", cfg.Relay.Mode),
		slog.Bool("processing", cfg.Processing.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Project configuration source depends on the operating mode.
	var provider projects.Provider
	if cfg.Relay.Mode == config.ModeStatic {
		static := projects.NewStaticProvider()
		for i := range cfg.Projects {
			static.Add(&cfg.Projects[i])
		}
		provider = static
		slog.Info("Using static project configuration", slog.Int("projects", len(cfg.Projects)))
	} else {
		provider = projects.NewClient(cfg.Upstream.URL, cfg.Upstream.Timeout, cfg.Upstream.ConfigCacheTTL)
		slog.Info("Fetching project configuration from upstream", slog.String("url", cfg.Upstream.URL))
	}

	// Initialize edge rate limiter
	var limiter ratelimit.RateLimiter
	if cfg.Redis.Enabled && cfg.Ingestion.RateLimitEnabled {
		rl, err := ratelimit.NewRedisRateLimiter(
			cfg.Redis.URL,
			cfg.Ingestion.RateLimitRequests,
			cfg.Ingestion.RateLimitWindow,
		)
		if err != nil {
			slog.Warn("Failed to initialize redis rate limiter, continuing without",
				slog.String("error", err.Error()))
			limiter = &ratelimit.NoOpRateLimiter{}
		} else {
			limiter = rl
			slog.Info("Edge rate limiting enabled",
				slog.Int("requests", cfg.Ingestion.RateLimitRequests),
				slog.Duration("window", cfg.Ingestion.RateLimitWindow),
			)
		}
	} else {
		limiter = &ratelimit.NoOpRateLimiter{}
	}
	defer limiter.Close()

	// Initialize dead letter queue
	var deadLetters dlq.Writer
	if cfg.DLQ.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		queue, err := dlq.NewJetStreamQueue(ctx, cfg.DLQ.NatsURL)
		cancel()
		if err != nil {
			log.Fatalf("Failed to initialize DLQ: %v", err)
		}
		deadLetters = queue
		defer queue.Close()
		slog.Info("Dead letter queue enabled", slog.String("nats_url", cfg.DLQ.NatsURL))
	}

	// Quota ledger and admission queue
	ledger := quota.NewLedger()
	queue := buffer.NewQueue(cfg.Ingestion.EventBufferSize, cfg.Ingestion.EventExpiry)

	// Dispatch target: durable sink when processing, upstream otherwise.
	var store dispatch.Store
	var forwarder dispatch.Forwarder
	if cfg.Processing.Enabled {
		kafkaSink := sink.New(sink.Config{
			Brokers: cfg.Processing.KafkaBrokers,
			Topic:   cfg.Processing.KafkaTopic,
		})
		defer kafkaSink.Close()
		store = kafkaSink
		slog.Info("Dispatching to durable sink", slog.String("topic", cfg.Processing.KafkaTopic))
	} else {
		forwarder = upstream.NewClient(cfg.Upstream.URL, cfg.Upstream.Timeout)
		slog.Info("Forwarding to upstream relay", slog.String("url", cfg.Upstream.URL))
	}

	dispatcher := dispatch.New(store, forwarder, ledger, deadLetters)

	// Assemble and start the pipeline
	p := pipeline.New(pipeline.Options{
		Queue:             queue,
		Ledger:            ledger,
		Projects:          provider,
		Scrubber:          pii.NewScrubber(),
		Dispatcher:        dispatcher,
		Workers:           cfg.Ingestion.MaxConcurrentRequests,
		ProcessingEnabled: cfg.Processing.Enabled,
	})
	p.Start()

	// HTTP surface
	handler := handlers.New(p, limiter, cfg.Ingestion.MaxEventSize)
	router := server.NewRouter(handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Relay listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	p.Stop()
	slog.Info("Relay stopped")
}
