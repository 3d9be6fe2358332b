package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/contaspt/media-ingest/telemetry"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout = 60 * time.Second

	// Calls per second allowed against one provider.
	DefaultRate  = rate.Limit(2)
	DefaultBurst = 4

	maxErrorBody = 64 << 10
)

// Option configures a provider client.
type Option func(*clientConfig)

type clientConfig struct {
	baseURL string
	model   string
	prompt  string
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
	logger  *slog.Logger
}

func WithBaseURL(u string) Option {
	return func(c *clientConfig) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithModel(model string) Option {
	return func(c *clientConfig) { c.model = model }
}

// WithPrompt replaces DefaultPrompt.
func WithPrompt(prompt string) Option {
	return func(c *clientConfig) { c.prompt = prompt }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) { c.http = hc }
}

// WithRateLimit sets the request budget. A zero limit disables limiting.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *clientConfig) {
		if limit == 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithNow sets the clock used for normalisation defaults.
func WithNow(now func() time.Time) Option {
	return func(c *clientConfig) { c.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *clientConfig) { c.logger = l }
}

func newClientConfig(upstream, baseURL, model string, opts []Option) clientConfig {
	c := clientConfig{
		baseURL: baseURL,
		model:   model,
		prompt:  DefaultPrompt,
		limiter: rate.NewLimiter(DefaultRate, DefaultBurst),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, upstream),
		}
	}
	c.logger = c.logger.With("component", "analyzer", "provider", upstream)
	return c
}

func (c *clientConfig) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for analysis budget: %w", err)
	}
	return nil
}

// finish parses and normalises a model reply and records the outcome.
func (c *clientConfig) finish(ctx context.Context, provider, text string, start time.Time) (*Result, error) {
	res, err := Parse(text)
	if err != nil {
		telemetry.RecordAnalysis(ctx, provider, "parse_error", "", time.Since(start))
		return nil, fmt.Errorf("%s: %w", provider, err)
	}
	NewNormalizer(c.now).Normalize(res)
	res.Provider = provider
	res.Model = c.model
	res.Duration = time.Since(start)

	telemetry.RecordAnalysis(ctx, provider, "success", string(res.DocumentType), res.Duration)
	c.logger.Debug("document analysed",
		"document_type", res.DocumentType,
		"confidence", res.Confidence,
		"duration", res.Duration)
	return res, nil
}

// failed records an unsuccessful call and returns err unchanged.
func (c *clientConfig) failed(ctx context.Context, provider string, start time.Time, err error) error {
	outcome := "error"
	switch {
	case ctx.Err() != nil:
		outcome = "canceled"
	case errors.Is(err, ErrOverloaded):
		outcome = "overloaded"
	}
	telemetry.RecordAnalysis(ctx, provider, outcome, "", time.Since(start))
	return err
}

// ProviderError is a non-2xx provider response.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Unwrap maps throttling statuses to ErrOverloaded.
func (e *ProviderError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusServiceUnavailable {
		return ErrOverloaded
	}
	return nil
}

func readProviderError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &ProviderError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
