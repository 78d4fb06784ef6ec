// Package config loads service configuration from defaults, an optional file and
// the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"speech-stream-proxy/internal/service/audio"
	"speech-stream-proxy/internal/service/backoff"
	"speech-stream-proxy/internal/service/stt"
)

// Config is the complete service configuration.
type Config struct {
	Service       ServiceConfig
	Proxy         ProxyConfig
	STT           STTConfig
	Sanitizer     SanitizerConfig
	LLM           LLMConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Principal       string
	Env             string
	HTTPPort        string
	MetricsPort     string
	ShutdownTimeout time.Duration
}

// ProxyConfig holds per-session bridge limits.
type ProxyConfig struct {
	IdleTimeout          time.Duration
	OutboundBuffer       int
	AudioMaxFrames       int
	AudioMaxBytes        int64
	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int
	// Time allowed between pongs on the inbound leg. PingInterval must be shorter.
	PongWait       time.Duration
	PingInterval   time.Duration
	ConnectTimeout time.Duration
	// A reconnecting caller may claim its session id once the old connection has
	// been silent this long. Zero always refuses a live id.
	TakeoverAfter time.Duration
}

// STTConfig selects and parameterizes the upstream provider.
type STTConfig struct {
	Provider            string
	APIKey              string
	URL                 string
	Model               string
	LanguageCode        string
	SampleRateHz        int
	AudioEncoding       string
	InterimResults      bool
	Instructions        string
	VADThreshold        float64
	SilenceDurationMs   int
	PrefixPaddingMs     int
	EndOfTurnConfidence float64
	FormatTurns         bool
}

// SanitizerConfig controls transcript cleanup.
type SanitizerConfig struct {
	Enabled           bool
	ContinuityEnabled bool
	ContextChars      int
	ContinuityTimeout time.Duration
	CacheTTL          time.Duration
}

// LLMConfig configures the language model used for continuity checks and reconstruction.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type RedisConfig struct {
	URL string
}

type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
}

type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
}

type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// Providers lists the supported STT_PROVIDER values.
var Providers = []string{"mock", "openai", "assemblyai", "google"}

// Load builds the configuration. Values come from the environment first, then
// from the file named by CONFIG_FILE when set, then from defaults. Unparseable
// values fall back to their default with a warning.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	r := reader{v: v}
	principal := r.str("SERVICE_PRINCIPAL", "svc-speech-proxy")

	cfg := &Config{
		Service: ServiceConfig{
			Principal:       principal,
			Env:             r.str("ENV", "prod"),
			HTTPPort:        r.str("HTTP_PORT", "8080"),
			MetricsPort:     r.str("METRICS_PORT", "9090"),
			ShutdownTimeout: r.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Proxy: ProxyConfig{
			IdleTimeout:          r.duration("PROXY_SESSION_IDLE_TIMEOUT", 5*time.Minute),
			OutboundBuffer:       r.int("PROXY_OUTBOUND_BUFFER", 64),
			AudioMaxFrames:       r.int("PROXY_AUDIO_MAX_FRAMES", audio.DefaultLimits().MaxFrames),
			AudioMaxBytes:        int64(r.int("PROXY_AUDIO_MAX_BYTES", int(audio.DefaultLimits().MaxBytes))),
			ReconnectBaseDelay:   r.duration("PROXY_RECONNECT_BASE_DELAY", backoff.DefaultPolicy().Base),
			ReconnectMaxAttempts: r.int("PROXY_RECONNECT_MAX_ATTEMPTS", backoff.DefaultPolicy().MaxAttempts),
			PongWait:             r.duration("PROXY_PONG_WAIT", 60*time.Second),
			PingInterval:         r.duration("PROXY_PING_INTERVAL", 30*time.Second),
			ConnectTimeout:       r.duration("PROXY_CONNECT_TIMEOUT", 10*time.Second),
			TakeoverAfter:        r.duration("PROXY_SESSION_TAKEOVER_AFTER", 15*time.Second),
		},
		STT: STTConfig{
			Provider:            strings.ToLower(r.str("STT_PROVIDER", "mock")),
			APIKey:              r.str("STT_API_KEY", ""),
			URL:                 r.str("STT_URL", ""),
			Model:               r.str("STT_MODEL", ""),
			LanguageCode:        r.str("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:        r.int("STT_SAMPLE_RATE_HZ", 16000),
			AudioEncoding:       r.str("STT_AUDIO_ENCODING", "LINEAR16"),
			InterimResults:      r.bool("STT_INTERIM_RESULTS", true),
			Instructions:        r.str("STT_INSTRUCTIONS", ""),
			VADThreshold:        r.float("STT_VAD_THRESHOLD", 0.5),
			SilenceDurationMs:   r.int("STT_SILENCE_DURATION_MS", 500),
			PrefixPaddingMs:     r.int("STT_PREFIX_PADDING_MS", 300),
			EndOfTurnConfidence: r.float("STT_END_OF_TURN_CONFIDENCE", 0.7),
			FormatTurns:         r.bool("STT_FORMAT_TURNS", true),
		},
		Sanitizer: SanitizerConfig{
			Enabled:           r.bool("SANITIZER_ENABLED", true),
			ContinuityEnabled: r.bool("CONTINUITY_ENABLED", false),
			ContextChars:      r.int("CONTINUITY_CONTEXT_CHARS", 500),
			ContinuityTimeout: r.duration("CONTINUITY_TIMEOUT", 3*time.Second),
			CacheTTL:          r.duration("CONTINUITY_CACHE_TTL", 10*time.Minute),
		},
		LLM: LLMConfig{
			APIKey:  r.str("LLM_API_KEY", ""),
			BaseURL: r.str("LLM_BASE_URL", ""),
			Model:   r.str("LLM_MODEL", "gpt-4o-mini"),
		},
		Redis: RedisConfig{
			URL: r.str("REDIS_URL", ""),
		},
		Kafka: KafkaConfig{
			Enabled:      r.bool("KAFKA_ENABLED", false),
			Brokers:      r.list("KAFKA_BROKERS"),
			TopicPartial: r.str("KAFKA_TOPIC_PARTIAL", "speech.transcript.partial"),
			TopicFinal:   r.str("KAFKA_TOPIC_FINAL", "speech.transcript.final"),
			Principal:    r.str("KAFKA_PRINCIPAL", principal),
		},
		Auth: AuthConfig{
			JWTSecret: r.str("AUTH_JWT_SECRET", ""),
			JWTIssuer: r.str("AUTH_JWT_ISSUER", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:  strings.ToLower(r.str("LOG_LEVEL", "info")),
			LogFormat: r.str("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Proxy.Validate(); err != nil {
		return fmt.Errorf("proxy config: %w", err)
	}
	if err := c.STT.Validate(); err != nil {
		return fmt.Errorf("stt config: %w", err)
	}
	if err := c.Sanitizer.Validate(); err != nil {
		return fmt.Errorf("sanitizer config: %w", err)
	}
	if c.Sanitizer.ContinuityEnabled && c.LLM.APIKey == "" {
		return fmt.Errorf("llm config: LLM_API_KEY is required when continuity checks are enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka config: KAFKA_BROKERS is required when Kafka is enabled")
	}
	return nil
}

// Validate validates proxy limits.
func (p *ProxyConfig) Validate() error {
	if p.OutboundBuffer < 1 {
		return fmt.Errorf("outbound buffer must be at least 1, got %d", p.OutboundBuffer)
	}
	if p.AudioMaxFrames < 0 {
		return fmt.Errorf("audio max frames cannot be negative, got %d", p.AudioMaxFrames)
	}
	if p.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("reconnect base delay must be positive, got %v", p.ReconnectBaseDelay)
	}
	if p.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("reconnect max attempts must be at least 1, got %d", p.ReconnectMaxAttempts)
	}
	if p.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %v", p.IdleTimeout)
	}
	if p.PingInterval <= 0 || p.PingInterval >= p.PongWait {
		return fmt.Errorf("ping interval must be positive and shorter than pong wait %v, got %v", p.PongWait, p.PingInterval)
	}
	if p.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %v", p.ConnectTimeout)
	}
	if p.TakeoverAfter < 0 {
		return fmt.Errorf("session takeover delay cannot be negative, got %v", p.TakeoverAfter)
	}
	return nil
}

// Validate validates provider settings.
func (s *STTConfig) Validate() error {
	known := false
	for _, p := range Providers {
		if s.Provider == p {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("unknown provider %q, expected one of %v", s.Provider, Providers)
	}
	if (s.Provider == "openai" || s.Provider == "assemblyai") && s.APIKey == "" {
		return fmt.Errorf("STT_API_KEY is required for provider %s", s.Provider)
	}
	if s.SampleRateHz <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", s.SampleRateHz)
	}
	if s.VADThreshold < 0 || s.VADThreshold > 1 {
		return fmt.Errorf("vad threshold must be between 0 and 1, got %f", s.VADThreshold)
	}
	if s.EndOfTurnConfidence < 0 || s.EndOfTurnConfidence > 1 {
		return fmt.Errorf("end of turn confidence must be between 0 and 1, got %f", s.EndOfTurnConfidence)
	}
	return nil
}

// Validate validates sanitizer settings.
func (s *SanitizerConfig) Validate() error {
	if s.ContextChars < 0 {
		return fmt.Errorf("context chars cannot be negative, got %d", s.ContextChars)
	}
	if s.ContinuityEnabled && s.ContinuityTimeout <= 0 {
		return fmt.Errorf("continuity timeout must be positive, got %v", s.ContinuityTimeout)
	}
	return nil
}

// Params renders the provider configuration sent once per upstream connection.
func (s STTConfig) Params() stt.Params {
	return stt.Params{
		Model:          s.Model,
		Language:       s.LanguageCode,
		SampleRateHz:   s.SampleRateHz,
		AudioEncoding:  s.AudioEncoding,
		InterimResults: s.InterimResults,
		Instructions:   s.Instructions,
		TurnDetection: stt.TurnDetection{
			Threshold:           s.VADThreshold,
			PrefixPaddingMs:     s.PrefixPaddingMs,
			SilenceDurationMs:   s.SilenceDurationMs,
			EndOfTurnConfidence: s.EndOfTurnConfidence,
		},
	}
}

// AudioLimits returns the per-session frame queue bounds.
func (p ProxyConfig) AudioLimits() audio.Limits {
	return audio.Limits{MaxFrames: p.AudioMaxFrames, MaxBytes: p.AudioMaxBytes}
}

// Backoff returns the reconnect schedule.
func (p ProxyConfig) Backoff() backoff.Policy {
	return backoff.Policy{Base: p.ReconnectBaseDelay, MaxAttempts: p.ReconnectMaxAttempts}
}

// reader wraps viper lookups with typed fallbacks.
type reader struct {
	v *viper.Viper
}

func (r reader) str(key, def string) string {
	if s := strings.TrimSpace(r.v.GetString(key)); s != "" {
		return s
	}
	return def
}

func (r reader) int(key string, def int) int {
	s := r.str(key, "")
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Warn().Str("key", key).Str("value", s).Msg("Invalid integer, using default")
		return def
	}
	return n
}

func (r reader) float(key string, def float64) float64 {
	s := r.str(key, "")
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", s).Msg("Invalid number, using default")
		return def
	}
	return f
}

func (r reader) bool(key string, def bool) bool {
	s := r.str(key, "")
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		log.Warn().Str("key", key).Str("value", s).Msg("Invalid boolean, using default")
		return def
	}
	return b
}

func (r reader) duration(key string, def time.Duration) time.Duration {
	s := r.str(key, "")
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Warn().Str("key", key).Str("value", s).Msg("Invalid duration, using default")
		return def
	}
	return d
}

func (r reader) list(key string) []string {
	var out []string
	for _, part := range strings.Split(r.str(key, ""), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
