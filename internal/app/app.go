package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"speech-stream-proxy/internal/cache"
	"speech-stream-proxy/internal/config"
	"speech-stream-proxy/internal/events"
	"speech-stream-proxy/internal/observability/logging"
	"speech-stream-proxy/internal/service/bridge"
	"speech-stream-proxy/internal/service/continuity"
	"speech-stream-proxy/internal/service/sanitizer"
	"speech-stream-proxy/internal/service/stt/provider"
)

const serviceName = "speech-stream-proxy"

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Bridge    *bridge.Bridge
	Publisher *events.Publisher

	rdb   *redis.Client
	ready atomic.Bool
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config) *Application {
	a := &Application{
		Cfg: cfg,
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	appLogger.Info().Msg("Speech stream proxy application created")
	return a
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	lc := logging.DefaultConfig()
	lc.Level = a.Cfg.Observability.LogLevel
	lc.Format = a.Cfg.Observability.LogFormat
	if a.Cfg.Service.Env == "dev" {
		lc.Format = "console"
	}
	logging.Init(lc)

	a.Logger = log.With().
		Str("service", serviceName).
		Str("component", "application").
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", a.Cfg.Service.Env).
		Msg("Logger setup completed")
}

// Start builds the bridge and its collaborators. Redis is optional: when it
// cannot be reached the continuity checker runs without a verdict cache.
func (a *Application) Start(ctx context.Context) error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	cfg := a.Cfg

	factory, err := provider.NewFactory(cfg.STT)
	if err != nil {
		return fmt.Errorf("stt provider: %w", err)
	}

	var checker sanitizer.ContinuityChecker
	if cfg.Sanitizer.ContinuityEnabled {
		var verdicts cache.Cache
		if cfg.Redis.URL != "" {
			rdb, err := cache.NewRedisClient(ctx, cfg.Redis.URL)
			if err != nil {
				startLogger.Warn().Err(err).Msg("Redis unavailable, continuity verdicts will not be cached")
			} else {
				a.rdb = rdb
				verdicts = cache.NewRedisCache(rdb, serviceName)
			}
		}
		checker = continuity.NewOpenAIChecker(continuity.Config{
			APIKey:   cfg.LLM.APIKey,
			BaseURL:  cfg.LLM.BaseURL,
			Model:    cfg.LLM.Model,
			CacheTTL: cfg.Sanitizer.CacheTTL,
		}, verdicts)
	}

	a.Publisher = events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
	})

	a.Bridge = bridge.New(factory, BridgeOptions(cfg), checker, a.Publisher)
	a.ready.Store(true)

	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Str("sttProvider", cfg.STT.Provider).
		Bool("continuity", checker != nil).
		Bool("kafka", cfg.Kafka.Enabled).
		Msg("Speech stream proxy starting")
	return nil
}

// BridgeOptions maps configuration onto per-session bridge options.
func BridgeOptions(cfg *config.Config) bridge.Options {
	opts := bridge.DefaultOptions()
	opts.Provider = cfg.STT.Provider
	opts.Params = cfg.STT.Params()
	opts.Limits = cfg.Proxy.AudioLimits()
	opts.Backoff = cfg.Proxy.Backoff()
	opts.OutboundBuffer = cfg.Proxy.OutboundBuffer
	opts.IdleTimeout = cfg.Proxy.IdleTimeout
	opts.PingInterval = cfg.Proxy.PingInterval
	opts.ConnectTimeout = cfg.Proxy.ConnectTimeout
	opts.TakeoverAfter = cfg.Proxy.TakeoverAfter
	opts.Sanitizer = sanitizer.Options{
		Enabled:      cfg.Sanitizer.Enabled,
		ContextChars: cfg.Sanitizer.ContextChars,
		Timeout:      cfg.Sanitizer.ContinuityTimeout,
	}
	return opts
}

// Ready reports whether new sessions are accepted.
func (a *Application) Ready() bool {
	return a.ready.Load()
}

// Shutdown stops accepting sessions, closes every live session and releases
// collaborators.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().Msg("Speech stream proxy shutting down")
	a.ready.Store(false)

	var errList []error
	if a.Bridge != nil {
		if err := a.Bridge.CloseAll(ctx); err != nil {
			errList = append(errList, fmt.Errorf("close sessions: %w", err))
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close publisher: %w", err))
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errList...)
}
