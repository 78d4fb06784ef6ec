package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Service defaults
	if cfg.Service.Principal != "svc-speech-proxy" {
		t.Errorf("expected default principal 'svc-speech-proxy', got %s", cfg.Service.Principal)
	}
	if cfg.Service.HTTPPort != "8080" {
		t.Errorf("expected default port '8080', got %s", cfg.Service.HTTPPort)
	}

	// STT defaults
	if cfg.STT.Provider != "mock" {
		t.Errorf("expected default STT provider 'mock', got %s", cfg.STT.Provider)
	}
	if cfg.STT.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.STT.LanguageCode)
	}
	if cfg.STT.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", cfg.STT.SampleRateHz)
	}
	if !cfg.STT.InterimResults {
		t.Error("expected interim results on by default")
	}

	// Proxy defaults
	if cfg.Proxy.ReconnectBaseDelay != time.Second || cfg.Proxy.ReconnectMaxAttempts != 5 {
		t.Errorf("unexpected reconnect defaults: %v / %d", cfg.Proxy.ReconnectBaseDelay, cfg.Proxy.ReconnectMaxAttempts)
	}
	if cfg.Proxy.AudioMaxFrames != 500 || cfg.Proxy.AudioMaxBytes != 5*1024*1024 {
		t.Errorf("unexpected audio limits: %d / %d", cfg.Proxy.AudioMaxFrames, cfg.Proxy.AudioMaxBytes)
	}
	if cfg.Proxy.IdleTimeout != 5*time.Minute {
		t.Errorf("expected idle timeout 5m, got %v", cfg.Proxy.IdleTimeout)
	}
	if cfg.Proxy.PingInterval != 30*time.Second || cfg.Proxy.ConnectTimeout != 10*time.Second {
		t.Errorf("unexpected keepalive defaults: %v / %v", cfg.Proxy.PingInterval, cfg.Proxy.ConnectTimeout)
	}
	if cfg.Proxy.TakeoverAfter != 15*time.Second {
		t.Errorf("expected takeover after 15s, got %v", cfg.Proxy.TakeoverAfter)
	}

	// Sanitizer defaults
	if !cfg.Sanitizer.Enabled || cfg.Sanitizer.ContinuityEnabled {
		t.Errorf("unexpected sanitizer defaults: %+v", cfg.Sanitizer)
	}
	if cfg.Sanitizer.ContextChars != 500 {
		t.Errorf("expected 500 context chars, got %d", cfg.Sanitizer.ContextChars)
	}

	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("SERVICE_PRINCIPAL", "custom-principal")
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("STT_PROVIDER", "openai")
	t.Setenv("STT_API_KEY", "sk-test")
	t.Setenv("STT_LANGUAGE_CODE", "es-ES")
	t.Setenv("STT_SAMPLE_RATE_HZ", "8000")
	t.Setenv("STT_INTERIM_RESULTS", "false")
	t.Setenv("STT_VAD_THRESHOLD", "0.8")
	t.Setenv("PROXY_RECONNECT_BASE_DELAY", "250ms")
	t.Setenv("PROXY_AUDIO_MAX_FRAMES", "0")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Service.Principal != "custom-principal" || cfg.Service.HTTPPort != "9999" {
		t.Errorf("unexpected service config: %+v", cfg.Service)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected lowercased log level, got %s", cfg.Observability.LogLevel)
	}
	if cfg.STT.Provider != "openai" || cfg.STT.LanguageCode != "es-ES" || cfg.STT.SampleRateHz != 8000 {
		t.Errorf("unexpected stt config: %+v", cfg.STT)
	}
	if cfg.STT.InterimResults {
		t.Error("expected interim results off")
	}
	if cfg.STT.VADThreshold != 0.8 {
		t.Errorf("expected vad threshold 0.8, got %v", cfg.STT.VADThreshold)
	}
	if cfg.Proxy.ReconnectBaseDelay != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", cfg.Proxy.ReconnectBaseDelay)
	}
	if cfg.Proxy.AudioMaxFrames != 0 {
		t.Errorf("expected buffering disabled, got %d", cfg.Proxy.AudioMaxFrames)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}
}

func TestLoad_InvalidValues_FallbackToDefaults(t *testing.T) {
	t.Setenv("STT_SAMPLE_RATE_HZ", "not-a-number")
	t.Setenv("STT_INTERIM_RESULTS", "invalid")
	t.Setenv("PROXY_SESSION_IDLE_TIMEOUT", "invalid")
	t.Setenv("STT_VAD_THRESHOLD", "high")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.STT.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate on invalid input, got %d", cfg.STT.SampleRateHz)
	}
	if !cfg.STT.InterimResults {
		t.Errorf("expected default interim results on invalid input")
	}
	if cfg.Proxy.IdleTimeout != 5*time.Minute {
		t.Errorf("expected default idle timeout on invalid input, got %v", cfg.Proxy.IdleTimeout)
	}
	if cfg.STT.VADThreshold != 0.5 {
		t.Errorf("expected default threshold on invalid input, got %v", cfg.STT.VADThreshold)
	}
}

func TestLoad_KafkaPrincipal_FallsBackToServicePrincipal(t *testing.T) {
	t.Setenv("SERVICE_PRINCIPAL", "my-service")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Kafka.Principal != "my-service" {
		t.Errorf("expected Kafka principal to fall back to service principal, got %s", cfg.Kafka.Principal)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	body := "stt_provider: assemblyai\nstt_api_key: file-key\nproxy_reconnect_max_attempts: 3\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PROXY_RECONNECT_MAX_ATTEMPTS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.STT.Provider != "assemblyai" || cfg.STT.APIKey != "file-key" {
		t.Errorf("expected file values, got %+v", cfg.STT)
	}
	if cfg.Proxy.ReconnectMaxAttempts != 7 {
		t.Errorf("expected environment to override file, got %d", cfg.Proxy.ReconnectMaxAttempts)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown provider", map[string]string{"STT_PROVIDER": "whisper"}, "unknown provider"},
		{"missing api key", map[string]string{"STT_PROVIDER": "assemblyai"}, "STT_API_KEY"},
		{"continuity without llm key", map[string]string{"CONTINUITY_ENABLED": "true"}, "LLM_API_KEY"},
		{"kafka without brokers", map[string]string{"KAFKA_ENABLED": "true"}, "KAFKA_BROKERS"},
		{"zero attempts", map[string]string{"PROXY_RECONNECT_MAX_ATTEMPTS": "0"}, "max attempts"},
		{"ping slower than pong wait", map[string]string{"PROXY_PING_INTERVAL": "90s"}, "ping interval"},
		{"negative takeover", map[string]string{"PROXY_SESSION_TAKEOVER_AFTER": "-1s"}, "takeover"},
		{"threshold out of range", map[string]string{"STT_END_OF_TURN_CONFIDENCE": "1.5"}, "end of turn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSTTConfig_Params(t *testing.T) {
	s := STTConfig{
		Model:               "m",
		LanguageCode:        "fr-FR",
		SampleRateHz:        8000,
		AudioEncoding:       "MULAW",
		Instructions:        "lecture",
		VADThreshold:        0.4,
		SilenceDurationMs:   700,
		EndOfTurnConfidence: 0.6,
	}
	p := s.Params()
	if p.Language != "fr-FR" || p.SampleRateHz != 8000 || p.Instructions != "lecture" {
		t.Errorf("unexpected params: %+v", p)
	}
	if p.TurnDetection.Threshold != 0.4 || p.TurnDetection.SilenceDurationMs != 700 || p.TurnDetection.EndOfTurnConfidence != 0.6 {
		t.Errorf("unexpected turn detection: %+v", p.TurnDetection)
	}
}
