// Package continuity asks a language model whether a new transcript fragment
// continues what the speaker said before.
package continuity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"speech-stream-proxy/internal/cache"
	"speech-stream-proxy/internal/errs"
	"speech-stream-proxy/internal/service/sanitizer"
)

const systemPrompt = `You check live lecture transcripts for continuity.
Given the prior context, the last topic and a new segment, decide whether the new
segment is a plausible continuation of the prior context or a natural transition
to a related point. Speech recognition noise, unrelated chatter and hallucinated
phrases do not fit.
Reply with a JSON object only:
{"fitsContext": true|false, "reason": "<short reason>", "confidence": <0.0 to 1.0>}`

// Config configures the checker.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// CacheTTL is how long verdicts stay cached. Zero disables caching.
	CacheTTL time.Duration
}

// OpenAIChecker implements sanitizer.ContinuityChecker with chat completions.
type OpenAIChecker struct {
	client *openai.Client
	model  string
	cache  cache.Cache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewOpenAIChecker creates a checker. c may be nil.
func NewOpenAIChecker(cfg Config, c cache.Cache) *OpenAIChecker {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIChecker{
		client: openai.NewClientWithConfig(oc),
		model:  model,
		cache:  c,
		ttl:    cfg.CacheTTL,
		logger: log.With().Str("component", "continuity").Logger(),
	}
}

type verdictJSON struct {
	FitsContext *bool    `json:"fitsContext"`
	Reason      string   `json:"reason"`
	Confidence  *float64 `json:"confidence"`
}

// Check returns the model's verdict. Transport failures and verdicts that do not
// parse are errors; the caller rejects the fragment in both cases.
func (c *OpenAIChecker) Check(ctx context.Context, req sanitizer.Request) (sanitizer.Verdict, error) {
	key := c.cacheKey(req)
	if c.cache != nil && c.ttl > 0 {
		var v sanitizer.Verdict
		if ok, err := c.cache.GetJSON(ctx, key, &v); err == nil && ok {
			return v, nil
		} else if err != nil {
			c.logger.Debug().Err(err).Msg("Verdict cache read failed")
		}
	}

	user, err := json.Marshal(req)
	if err != nil {
		return sanitizer.Verdict{}, errs.E(errs.CodeInternal, "continuity.Check", "could not encode request", err)
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(user)},
		},
		Temperature: 0,
		MaxTokens:   100,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return sanitizer.Verdict{}, errs.E(errs.CodeContinuity, "continuity.Check", "continuity request failed", err)
	}
	if len(resp.Choices) == 0 {
		return sanitizer.Verdict{}, errs.E(errs.CodeContinuity, "continuity.Check", "empty completion", nil)
	}

	v, err := parseVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		return sanitizer.Verdict{}, err
	}

	if c.cache != nil && c.ttl > 0 {
		if err := c.cache.SetJSON(ctx, key, v, c.ttl); err != nil {
			c.logger.Debug().Err(err).Msg("Verdict cache write failed")
		}
	}
	return v, nil
}

func parseVerdict(content string) (sanitizer.Verdict, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var raw verdictJSON
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil {
		return sanitizer.Verdict{}, errs.E(errs.CodeContinuity, "continuity.parseVerdict", "malformed verdict", err)
	}
	if raw.FitsContext == nil {
		return sanitizer.Verdict{}, errs.E(errs.CodeContinuity, "continuity.parseVerdict", "verdict missing fitsContext", nil)
	}
	v := sanitizer.Verdict{FitsContext: *raw.FitsContext, Reason: raw.Reason}
	// A missing confidence is unknown, reported as 0.
	if raw.Confidence != nil {
		v.Confidence = math.Max(0, math.Min(1, *raw.Confidence))
	}
	return v, nil
}

func (c *OpenAIChecker) cacheKey(req sanitizer.Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s", c.model, req.LastTopic, req.PriorContext, req.NewSegment)
	return "continuity:" + hex.EncodeToString(h.Sum(nil))
}
