package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"speech-stream-proxy/internal/app"
	"speech-stream-proxy/internal/client"
	"speech-stream-proxy/internal/config"
	"speech-stream-proxy/internal/observability/logging"
	"speech-stream-proxy/internal/service/stt/provider"
)

// Audio is paced in 100ms chunks to simulate a live microphone.
const chunkInterval = 100 * time.Millisecond

func main() {
	audioFile := flag.String("audio", "", "Path to a PCM WAV file (required)")
	server := flag.String("server", "ws://localhost:8080/v1/stream", "Proxy websocket URL")
	session := flag.String("session", "", "Session id (random when empty)")
	topic := flag.String("topic", "", "Lecture topic sent to the proxy")
	token := flag.String("token", "", "Bearer token for the proxy")
	buffer := flag.Int("buffer", 100, "Frames buffered while disconnected (0 drops them)")
	direct := flag.Bool("direct", false, "Talk to the configured STT provider in process instead of the proxy")
	flag.Parse()

	_ = godotenv.Load()
	lc := logging.DefaultConfig()
	lc.Format = "console"
	logging.Init(lc)

	if *audioFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open audio file")
	}
	defer f.Close()

	format, err := readWAVHeader(f)
	if err != nil {
		log.Fatal().Err(err).Msg("Unsupported audio file")
	}
	log.Info().
		Uint16("channels", format.Channels).
		Uint32("sampleRate", format.SampleRate).
		Uint16("bitsPerSample", format.BitsPerSample).
		Msg("WAV file opened")

	var transport client.Transport
	if *direct {
		cfg, err := config.Load()
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid configuration")
		}
		factory, err := provider.NewFactory(cfg.STT)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid STT provider")
		}
		params := cfg.STT.Params()
		params.SampleRateHz = int(format.SampleRate)
		transport = client.NewDirectTransport(factory, params, app.BridgeOptions(cfg).Sanitizer, nil)
	} else {
		pt := client.NewProxyTransport(*server, *session, *topic)
		pt.Token = *token
		transport = pt
		log.Info().Str("sessionId", pt.SessionID).Str("server", *server).Msg("Using proxy")
	}

	opts := client.DefaultOptions()
	opts.BufferFrames = *buffer
	m := client.New(transport, opts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := m.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start session")
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range m.Events() {
			switch ev.Type {
			case client.EventTranscript:
				marker := "~"
				if ev.Transcript.IsFinal {
					marker = "="
				}
				fmt.Printf("%s %s (%.2f)\n", marker, ev.Transcript.Text, ev.Transcript.Confidence)
			case client.EventError:
				log.Warn().Str("code", string(ev.Code)).Bool("terminal", ev.Terminal).Msg(ev.Message)
			}
		}
	}()

	chunkSize := format.BytesPerSecond() / int(time.Second/chunkInterval)
	if chunkSize <= 0 {
		chunkSize = 1600
	}
	sent, total := stream(ctx, m, f, chunkSize)
	log.Info().Int("chunks", sent).Int64("bytes", total).Uint64("dropped", m.Dropped()).Msg("Finished streaming")

	// Give trailing finals a moment before closing.
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}
	if err := m.Stop(); err != nil {
		log.Warn().Err(err).Msg("Stop did not complete cleanly")
	}
	<-printed
}

func stream(ctx context.Context, m *client.Manager, r io.Reader, chunkSize int) (int, int64) {
	ticker := time.NewTicker(chunkInterval)
	defer ticker.Stop()

	var sent int
	var total int64
	for {
		chunk := make([]byte, chunkSize)
		n, err := io.ReadFull(r, chunk)
		if n > 0 {
			if err := m.SendAudioChunk(chunk[:n]); err != nil {
				log.Error().Err(err).Msg("Session ended while streaming")
				return sent, total
			}
			sent++
			total += int64(n)
			if sent%50 == 0 {
				log.Debug().Int("chunks", sent).Int64("bytes", total).Msg("Streaming")
			}
		}
		if err != nil {
			return sent, total
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return sent, total
		}
	}
}
