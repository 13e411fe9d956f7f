package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xaenox/lexrelay/internal/bot"
	"github.com/xaenox/lexrelay/internal/generation"
	"github.com/xaenox/lexrelay/internal/pipeline"
	"github.com/xaenox/lexrelay/internal/ratelimit"
	"github.com/xaenox/lexrelay/internal/retry"
	"github.com/xaenox/lexrelay/internal/search"
	"github.com/xaenox/lexrelay/internal/session"
	"github.com/xaenox/lexrelay/internal/storage"
	"github.com/xaenox/lexrelay/internal/supervisor"
	"github.com/xaenox/lexrelay/pkg/config"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", *configPath))
	}
	if err := cfg.Validate(); err != nil {
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			logger.Fatal("Missing required configuration", zap.Error(err), zap.String("field", cfgErr.Field))
		}
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}
		store, err = storage.NewPostgresStorage(dbConfig, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	sessions := session.NewStore(session.Config{
		SystemPrompt: cfg.Session.SystemPrompt,
		Timeout:      cfg.Session.Timeout,
		MaxHistory:   cfg.Session.MaxHistory,
	}, logger)

	limiter := ratelimit.New(cfg.RateLimit.MaxRequestsPerMinute, cfg.RateLimit.Window)

	generator := generation.NewOpenAIGenerator(generation.Config{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		MaxTokens:   cfg.OpenAI.MaxTokens,
		Temperature: cfg.OpenAI.Temperature,
		Retry:       retryPolicy(cfg.Retry, cfg.OpenAI.RequestTimeout),
	}, logger.Named("generation"))

	searcher := search.NewWorkflowClient(search.Config{
		APIKey:      cfg.Search.APIKey,
		URL:         cfg.Search.URL,
		InputField:  cfg.Search.InputField,
		OutputField: cfg.Search.OutputField,
		Retry:       retryPolicy(cfg.Retry, cfg.Search.RequestTimeout),
	}, &http.Client{}, logger.Named("search"))

	go housekeeping(ctx, sessions, limiter, cfg.RateLimit.Window, logger)

	tasks := supervisor.New(cfg.Pipeline.MaxConcurrent, logger.Named("supervisor"))

	api, err := bot.NewTelegramAPI(cfg.Telegram.Token, cfg.Telegram.APIEndpoint)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}
	messenger := bot.NewTelegramMessenger(api, logger.Named("telegram"))

	searchPipeline := pipeline.New(pipeline.Deps{
		Sessions:   sessions,
		Searcher:   searcher,
		Generator:  generator,
		Pusher:     messenger,
		Tasks:      tasks,
		Transcript: store,
	}, pipeline.DefaultTexts(), logger.Named("pipeline"))

	orchestrator := bot.NewOrchestrator(bot.Deps{
		Sessions:   sessions,
		Limiter:    limiter,
		Generator:  generator,
		Search:     searchPipeline,
		Messenger:  messenger,
		Transcript: store,
	}, bot.DefaultTexts(), logger.Named("orchestrator"))

	b := bot.New(api, messenger, orchestrator, store, logger)

	// Start the bot
	if err := b.Start(ctx); err != nil {
		logger.Error("Bot error", zap.Error(err))
	}

	logger.Info("Shutting down, waiting for background searches",
		zap.Int64("in_flight", tasks.InFlight()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownTimeout)
	defer cancel()
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Background searches did not finish in time", zap.Error(err))
	}
}

// retryPolicy overlays the configured values on the default policy.
func retryPolicy(cfg config.RetryConfig, attemptTimeout time.Duration) retry.Policy {
	policy := retry.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.MinDelay > 0 {
		policy.MinDelay = cfg.MinDelay
	}
	if cfg.MaxDelay > 0 {
		policy.MaxDelay = cfg.MaxDelay
	}
	policy.AttemptTimeout = attemptTimeout
	return policy
}

// housekeeping drops idle users from the limiter once per window and reports
// how many sessions are held.
func housekeeping(ctx context.Context, sessions *session.Store, limiter *ratelimit.Limiter, window time.Duration, logger *zap.Logger) {
	if window <= 0 {
		window = time.Minute
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned := limiter.Prune()
			logger.Debug("Housekeeping",
				zap.Int("sessions", sessions.Len()),
				zap.Int("pruned_rate_limit_entries", pruned))
		}
	}
}
