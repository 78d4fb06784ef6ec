package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"speech-stream-proxy/internal/app"
	"speech-stream-proxy/internal/config"
	"speech-stream-proxy/internal/events"
	httpapi "speech-stream-proxy/internal/http"
	"speech-stream-proxy/internal/models"
	"speech-stream-proxy/internal/observability"
	"speech-stream-proxy/internal/service/reconstruct"
	"speech-stream-proxy/internal/service/sanitizer"
)

var rootCmd = &cobra.Command{
	Use:   "speech-stream-proxy",
	Short: "Real-time transcription proxy between callers and speech providers",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env file is fine.
		_ = godotenv.Load()
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			_ = os.Setenv("CONFIG_FILE", path)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

var sanitizeCmd = &cobra.Command{
	Use:   "sanitize [text...]",
	Short: "Strip fillers and re-case transcript text (reads stdin when no text is given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return eachInput(cmd, args, func(line string) error {
			fmt.Fprintln(cmd.OutOrStdout(), sanitizer.Clean(line))
			return nil
		})
	},
}

var reconstructCmd = &cobra.Command{
	Use:   "reconstruct [text...]",
	Short: "Rewrite a noisy transcript into coherent sentences with the configured LLM",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.LLM.APIKey == "" {
			return errors.New("LLM_API_KEY is required for reconstruct")
		}
		label, _ := cmd.Flags().GetString("context")
		client := reconstruct.New(reconstruct.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		})
		return eachInput(cmd, args, func(line string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := client.Reconstruct(ctx, line, label)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		})
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print transcript records published to Kafka",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if len(cfg.Kafka.Brokers) == 0 {
			return errors.New("KAFKA_BROKERS is required for tail")
		}
		since, _ := cmd.Flags().GetDuration("since")
		finalOnly, _ := cmd.Flags().GetBool("final-only")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		topics := []string{cfg.Kafka.TopicFinal}
		if !finalOnly {
			topics = append(topics, cfg.Kafka.TopicPartial)
		}
		var start time.Time
		if since > 0 {
			start = time.Now().Add(-since)
		}

		out := cmd.OutOrStdout()
		var mu sync.Mutex
		g, ctx := errgroup.WithContext(ctx)
		for _, topic := range topics {
			consumer, err := events.NewConsumer(ctx, cfg.Kafka.Brokers, topic, start)
			if err != nil {
				return err
			}
			defer consumer.Close()
			g.Go(func() error {
				return consumer.Consume(ctx, func(rec models.TranscriptRecord) error {
					mu.Lock()
					defer mu.Unlock()
					fmt.Fprintf(out, "%s %-8s %s %q\n", rec.SessionID, kind(rec.IsFinal), rec.Provider, rec.Text)
					return nil
				})
			})
		}
		return g.Wait()
	},
}

func kind(final bool) string {
	if final {
		return "final"
	}
	return "partial"
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "YAML config file (same as CONFIG_FILE)")
	reconstructCmd.Flags().String("context", "", "Lecture or meeting label passed to the model")
	tailCmd.Flags().Duration("since", time.Hour, "Replay records newer than this (0 reads from the oldest offset)")
	tailCmd.Flags().Bool("final-only", false, "Only print final transcripts")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sanitizeCmd)
	rootCmd.AddCommand(reconstructCmd)
	rootCmd.AddCommand(tailCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// eachInput calls fn with the joined args, or with every non-empty stdin line.
func eachInput(cmd *cobra.Command, args []string, fn func(string) error) error {
	if len(args) > 0 {
		return fn(strings.Join(args, " "))
	}
	return eachLine(cmd.InOrStdin(), fn)
}

func eachLine(r io.Reader, fn func(string) error) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			if err := fn(line); err != nil {
				return err
			}
		}
	}
	return sc.Err()
}

func serve(cfg *config.Config) error {
	application := app.New(cfg)
	if err := application.Start(context.Background()); err != nil {
		return err
	}

	obs := observability.NewServer(":"+cfg.Service.MetricsPort, application.Ready)
	obs.Start()

	server := &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           httpapi.NewRouter(application),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("Speech stream proxy listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("Shutting down")
	case runErr = <-serveErr:
		log.Error().Err(runErr).Msg("HTTP server failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()

	// Websocket sessions are hijacked connections that server.Shutdown does not
	// track, so they are closed through the application first.
	if err := application.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Application shutdown incomplete")
	}
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}
	if err := obs.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Observability server shutdown incomplete")
	}
	return runErr
}
