package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"speech-stream-proxy/internal/client"
	"speech-stream-proxy/internal/observability/logging"
)

// Sends synthetic silence to a running proxy and prints what comes back. Against
// STT_PROVIDER=mock this exercises the whole bridge without real audio.
func main() {
	server := flag.String("server", "ws://localhost:8080/v1/stream", "Proxy websocket URL")
	token := flag.String("token", "", "Bearer token for the proxy")
	frames := flag.Int("frames", 30, "Number of 100ms frames to send")
	flag.Parse()

	lc := logging.DefaultConfig()
	lc.Format = "console"
	logging.Init(lc)

	pt := client.NewProxyTransport(*server, "", "smoke-test")
	pt.Token = *token
	m := client.New(pt, client.DefaultOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start session")
	}
	log.Info().Str("sessionId", pt.SessionID).Msg("Connecting")

	// 100ms of 16kHz 16-bit mono silence.
	silence := make([]byte, 3200)
	for i := 0; i < *frames; i++ {
		if err := m.SendAudioChunk(silence); err != nil {
			log.Fatal().Err(err).Msg("Failed to send frame")
		}
		time.Sleep(100 * time.Millisecond)
	}

	go func() {
		time.Sleep(2 * time.Second)
		_ = m.Stop()
	}()

	var finals int
	for ev := range m.Events() {
		switch ev.Type {
		case client.EventTranscript:
			if ev.Transcript.IsFinal {
				finals++
			}
			fmt.Printf("final=%t %q\n", ev.Transcript.IsFinal, ev.Transcript.Text)
		case client.EventError:
			log.Warn().Str("code", string(ev.Code)).Bool("terminal", ev.Terminal).Msg(ev.Message)
		}
	}

	log.Info().Int("finals", finals).Msg("Session closed")
	if finals == 0 {
		os.Exit(1)
	}
}
