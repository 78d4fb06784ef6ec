// Package provider selects the upstream adapter implementation once, from configuration.
package provider

import (
	"fmt"

	"speech-stream-proxy/internal/config"
	"speech-stream-proxy/internal/service/stt"
	"speech-stream-proxy/internal/service/stt/assemblyai"
	"speech-stream-proxy/internal/service/stt/google"
	"speech-stream-proxy/internal/service/stt/mock"
	"speech-stream-proxy/internal/service/stt/openai"
)

// NewFactory returns the adapter factory for cfg.Provider. Every session gets its
// own adapter from the factory; the provider never changes mid-session.
func NewFactory(cfg config.STTConfig) (stt.Factory, error) {
	switch cfg.Provider {
	case mock.Name, "":
		return mock.Factory(), nil
	case openai.Name:
		return openai.Factory(openai.Config{URL: cfg.URL, APIKey: cfg.APIKey}), nil
	case assemblyai.Name:
		return assemblyai.Factory(assemblyai.Config{
			URL:         cfg.URL,
			APIKey:      cfg.APIKey,
			FormatTurns: cfg.FormatTurns,
			Audio:       cfg.Params(),
		}), nil
	case google.Name:
		return google.Factory(), nil
	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.Provider)
	}
}
