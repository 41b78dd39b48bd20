// Package llmclient wraps the LLM text-generation service (an
// external collaborator per spec §1 — only its contract matters) with
// a concrete client and a token-bucket smoothing layer in front of
// the worker-level circuit breaker.
package llmclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"

	"github.com/codegraph-dev/orchestrator/internal/version"
)

// ExtractionRequest is the POI/relationship-evidence extraction
// contract the Managed Worker handlers call.
type ExtractionRequest struct {
	SystemPrompt string
	SourceText   string
	MaxTokens    int
}

// Extractor is the narrow contract the file-analysis,
// relationship-resolution, and directory-aggregation worker handlers
// depend on, so tests can substitute a fake instead of dialing a real
// LLM endpoint. *Client satisfies it.
type Extractor interface {
	Extract(ctx context.Context, req ExtractionRequest) (string, error)
}

// Client is the concrete LLM collaborator used by the file-analysis,
// relationship-resolution, and directory-aggregation worker handlers.
type Client struct {
	inner   anthropic.Client
	limiter *rate.Limiter
}

// Config controls endpoint, auth, and outbound smoothing.
type Config struct {
	APIKey             string
	BaseURL            string
	RequestsPerSecond  float64
	Burst              int
}

// New builds a Client. If cfg.RequestsPerSecond is 0, a reasonable
// default of 5 req/s with a burst of 10 is applied, mirroring the
// teacher's infrastructure/ratelimit defaults.
func New(cfg Config) *Client {
	rps := cfg.RequestsPerSecond
	if rps == 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = 10
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHeader("User-Agent", version.UserAgent()),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		inner:   anthropic.NewClient(opts...),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Extract asks the LLM to analyze sourceText and returns its raw text
// response; callers parse it into POIs/relationship evidence. Errors
// from the underlying SDK are returned unwrapped so the breaker's
// NonCounting classifier can inspect them (rate-limit vs. other).
func (c *Client) Extract(ctx context.Context, req ExtractionRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llmclient: rate limiter: %w", err)
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 1024
	}

	msg, err := c.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.ModelClaude3_5SonnetLatest,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{{Text: req.SystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.SourceText)),
		},
	})
	if err != nil {
		return "", err
	}
	if len(msg.Content) == 0 {
		return "", fmt.Errorf("llmclient: empty response")
	}
	return msg.Content[0].Text, nil
}

// IsRateLimit classifies an SDK error as a non-counting rate-limit
// error for the breaker (spec §4.3's LLM breaker specialization).
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
