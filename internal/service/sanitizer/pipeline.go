package sanitizer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"speech-stream-proxy/internal/errs"
	"speech-stream-proxy/internal/models"
	"speech-stream-proxy/internal/observability/metrics"
)

var (
	// ErrEmpty is returned for fragments with no text left after cleaning.
	ErrEmpty = errors.New("fragment empty after sanitizing")
	// ErrDiscontinuous is returned when the checker judged a final fragment off-topic.
	ErrDiscontinuous = errors.New("fragment does not fit prior context")
)

// Request is what the continuity checker is asked about.
type Request struct {
	NewSegment   string `json:"newSegment"`
	PriorContext string `json:"priorContext"`
	LastTopic    string `json:"lastTopic,omitempty"`
}

// Verdict is the checker's answer.
type Verdict struct {
	FitsContext bool    `json:"fitsContext"`
	Reason      string  `json:"reason,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// ContinuityChecker judges whether a new final fragment continues the prior text.
type ContinuityChecker interface {
	Check(ctx context.Context, req Request) (Verdict, error)
}

// Options configures a Pipeline.
type Options struct {
	// Enabled turns filler stripping and re-casing on.
	Enabled bool
	// ContextChars bounds the accepted text kept as prior context.
	ContextChars int
	// Timeout bounds each continuity check.
	Timeout time.Duration
	// Topic is the caller-supplied label passed to the checker.
	Topic string
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Enabled:      true,
		ContextChars: 500,
		Timeout:      3 * time.Second,
	}
}

// Pipeline applies cleaning and the continuity check to one session's fragments.
// It keeps per-session state and must be used from a single goroutine.
type Pipeline struct {
	opts    Options
	checker ContinuityChecker
	prior   string
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewPipeline creates a pipeline. checker may be nil to disable continuity checks.
func NewPipeline(opts Options, checker ContinuityChecker) *Pipeline {
	if opts.ContextChars <= 0 {
		opts.ContextChars = DefaultOptions().ContextChars
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	return &Pipeline{
		opts:    opts,
		checker: checker,
		metrics: metrics.DefaultMetrics,
		logger:  log.With().Str("component", "sanitizer").Logger(),
	}
}

// Process cleans ev and, for finals with prior context, runs the continuity check.
// Partials are never checked. A checker failure rejects the fragment.
func (p *Pipeline) Process(ctx context.Context, ev models.TranscriptEvent) (models.TranscriptEvent, error) {
	text := strings.TrimSpace(ev.Text)
	if p.opts.Enabled {
		text = Clean(text)
	}
	if text == "" {
		return ev, ErrEmpty
	}
	ev.Text = text

	if !ev.IsFinal {
		return ev, nil
	}

	if p.checker != nil && p.prior != "" {
		if err := p.check(ctx, text); err != nil {
			return ev, err
		}
	}
	p.remember(text)
	return ev, nil
}

func (p *Pipeline) check(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	start := time.Now()
	v, err := p.checker.Check(ctx, Request{
		NewSegment:   text,
		PriorContext: p.prior,
		LastTopic:    p.opts.Topic,
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		p.metrics.RecordContinuityCheck("error", elapsed)
		p.logger.Warn().Err(err).Msg("Continuity check failed, rejecting fragment")
		return errs.E(errs.CodeContinuity, "sanitizer.Process", "continuity check failed", err)
	}
	if !v.FitsContext {
		p.metrics.RecordContinuityCheck("rejected", elapsed)
		p.logger.Debug().Str("reason", v.Reason).Float64("confidence", v.Confidence).Msg("Fragment rejected as discontinuous")
		return ErrDiscontinuous
	}
	p.metrics.RecordContinuityCheck("accepted", elapsed)
	return nil
}

// remember appends accepted text, keeping only the last ContextChars runes.
func (p *Pipeline) remember(text string) {
	joined := text
	if p.prior != "" {
		joined = p.prior + " " + text
	}
	runes := []rune(joined)
	if len(runes) > p.opts.ContextChars {
		runes = runes[len(runes)-p.opts.ContextChars:]
	}
	p.prior = string(runes)
}

// PriorContext returns the accepted text currently held as context.
func (p *Pipeline) PriorContext() string {
	return p.prior
}

// Reset drops the prior context.
func (p *Pipeline) Reset() {
	p.prior = ""
}
