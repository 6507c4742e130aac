package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsched/internal/api"
	"github.com/drfirst/go-medsched/internal/api/handlers"
	"github.com/drfirst/go-medsched/internal/api/middleware"
	"github.com/drfirst/go-medsched/internal/config"
	"github.com/drfirst/go-medsched/internal/conventions"
	"github.com/drfirst/go-medsched/internal/events"
	"github.com/drfirst/go-medsched/internal/extraction"
	"github.com/drfirst/go-medsched/internal/observability/metrics"
	"github.com/drfirst/go-medsched/internal/observability/tracing"
	"github.com/drfirst/go-medsched/internal/session"
	"github.com/drfirst/go-medsched/pkg/circuitbreaker"
	"github.com/drfirst/go-medsched/pkg/idempotency"
	"github.com/drfirst/go-medsched/pkg/workerpool"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the schedule API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runServer(cfg *config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	tcfg := tracing.DefaultConfig(api.ServiceName)
	tcfg.ServiceVersion = version
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	m := metrics.New(nil)

	// Conventions
	source, err := conventions.NewSource(cfg.ConventionsFile, logger)
	if err != nil {
		return fmt.Errorf("load conventions: %w", err)
	}
	if cfg.ConventionsFile != "" {
		go func() {
			if err := source.Watch(ctx); err != nil {
				logger.Error("conventions watcher stopped", zap.Error(err))
			}
		}()
	}

	// Sessions
	store := session.NewStore(session.Config{TTL: cfg.SessionTTL, SweepSpec: cfg.SessionSweep}, logger)
	if err := store.StartSweeper(); err != nil {
		return err
	}
	defer store.Stop()

	// Extraction: inbox -> pool -> breaker -> client
	bcfg := circuitbreaker.DefaultConfig("extraction")
	bcfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, string(to))
	}
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		return fmt.Errorf("create circuit breaker: %w", err)
	}
	m.SetBreakerState("extraction", string(circuitbreaker.StateClosed))

	pcfg := workerpool.DefaultConfig()
	pcfg.Workers = cfg.ExtractionWorkers
	pcfg.QueueSize = cfg.ExtractionQueue
	pcfg.MaxRetries = cfg.ExtractionRetries
	pcfg.Retryable = extraction.Retryable
	pool := workerpool.New(pcfg, logger)
	pool.Start()
	defer pool.Stop()

	icfg := idempotency.DefaultInboxConfig()
	icfg.DefaultTTL = cfg.DedupeTTL
	inbox := idempotency.NewInbox(icfg, logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	if !cfg.ExtractionEnabled() {
		logger.Warn("LLM_API_KEY is not set; chat messages will fail until it is configured")
	}
	client := extraction.NewClient(extraction.Config{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	}, logger)
	svc := extraction.NewService(client, breaker, pool, inbox, logger)

	checks := map[string]handlers.Check{
		"extraction": func(context.Context) error {
			if !svc.Healthy() {
				return errors.New("circuit open or queue full")
			}
			return nil
		},
	}

	// Audit events
	var publisher events.Publisher = events.Noop{}
	if cfg.KafkaEnabled() {
		producer, err := startKafka(ctx, cfg.KafkaBrokers, logger)
		if err != nil {
			return err
		}
		publisher = producer
		checks["kafka"] = producer.Ping
	}
	defer publisher.Close()

	// Housekeeping
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, m.RateLimited.Inc)
	housekeeping := cron.New()
	housekeeping.AddFunc("@every 1m", func() {
		m.ActiveSessions.Set(float64(store.Len()))
	})
	housekeeping.AddFunc("@every 10m", func() {
		if n := limiter.Prune(30 * time.Minute); n > 0 {
			logger.Debug("rate limiter clients pruned", zap.Int("count", n))
		}
	})
	housekeeping.Start()
	defer housekeeping.Stop()

	router := api.NewRouter(api.Options{
		Sessions: handlers.NewSessionHandler(handlers.Deps{
			Store:        store,
			Parser:       svc,
			Projectors:   source,
			Publisher:    publisher,
			Metrics:      m,
			Logger:       logger,
			MessageLimit: limiter.Handler,
		}),
		Project: handlers.NewProjectHandler(source, m, logger),
		Health:  handlers.NewHealthHandler(api.ServiceName, version, checks),
		Metrics: m,
		Logger:  logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LLMTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting schedule API", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

func startKafka(ctx context.Context, brokers []string, logger *zap.Logger) (*events.Producer, error) {
	admin, err := events.NewAdmin(brokers, logger)
	if err != nil {
		return nil, err
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("could not ensure topics", zap.Error(err))
	}
	admin.Close()

	pcfg := events.DefaultProducerConfig()
	pcfg.Brokers = brokers
	producer, err := events.NewProducer(pcfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("publishing audit events", zap.Strings("brokers", brokers), zap.String("topic", pcfg.Topic))
	return producer, nil
}
