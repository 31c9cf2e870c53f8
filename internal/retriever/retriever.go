// Package retriever fetches remote documents through a content-extraction
// service and returns their text in a normalized, bounded form.
package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/clicense/internal/circuitbreaker"
	"github.com/mbd888/clicense/internal/security"
	"github.com/mbd888/clicense/internal/traces"
)

const (
	// DefaultMaxChars bounds the text handed to the classifier.
	DefaultMaxChars = 15000

	// DefaultTimeout bounds a Fetch whose context carries no deadline.
	DefaultTimeout  = 45 * time.Second
	maxResponseSize = 8 * 1024 * 1024
	breakerKey      = "extractor"
)

// Fetcher is what the pipeline depends on.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Document, error)
}

// Document is the normalized extraction result.
type Document struct {
	Text  string
	Title string
}

// Config configures a Client.
type Config struct {
	BaseURL  string
	APIKey   string
	MaxChars int
	Timeout  time.Duration
}

// Client calls the extraction service. One Fetch makes at most one outbound call.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker routes calls through a shared circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// NewClient creates an extraction client.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{cfg: cfg, http: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type scrapeRequest struct {
	URL             string   `json:"url"`
	Formats         []string `json:"formats"`
	OnlyMainContent bool     `json:"onlyMainContent"`
}

type scrapePayload struct {
	Markdown *string `json:"markdown"`
	Metadata struct {
		Title string `json:"title"`
	} `json:"metadata"`
}

type scrapeResponse struct {
	Success *bool          `json:"success"`
	Error   string         `json:"error"`
	Data    *scrapePayload `json:"data"`
	scrapePayload
}

// Fetch retrieves rawURL through the extraction service.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	ctx, span := traces.StartSpan(ctx, "retriever.fetch", traces.TargetURL(rawURL))
	defer span.End()

	doc, err := c.fetch(ctx, rawURL)
	traces.Fail(span, err)
	return doc, err
}

func (c *Client) fetch(ctx context.Context, rawURL string) (*Document, error) {
	if err := security.ValidateTargetURL(rawURL); err != nil {
		return nil, &Error{Reason: "invalid url", Err: err}
	}
	if c.breaker != nil && !c.breaker.Allow(breakerKey) {
		return nil, &Error{Reason: "content extraction unavailable"}
	}

	doc, err := c.call(ctx, rawURL)
	if c.breaker != nil {
		switch {
		case err == nil:
			c.breaker.RecordSuccess(breakerKey)
		case ctx.Err() == nil && isOutage(err):
			c.breaker.RecordFailure(breakerKey)
		}
	}
	return doc, err
}

func (c *Client) call(ctx context.Context, rawURL string) (*Document, error) {
	if _, ok := ctx.Deadline(); !ok && c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(scrapeRequest{URL: rawURL, Formats: []string{"markdown"}, OnlyMainContent: true})
	if err != nil {
		return nil, &Error{Reason: "marshal request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/scrape", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Reason: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &Error{Reason: "extraction request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &Error{Reason: "read response", StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Reason: fmt.Sprintf("extraction service returned HTTP %d", resp.StatusCode), StatusCode: resp.StatusCode}
	}

	var parsed scrapeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Reason: "malformed extraction payload", StatusCode: resp.StatusCode, Err: err}
	}
	if parsed.Success != nil && !*parsed.Success {
		reason := "extraction failed"
		if parsed.Error != "" {
			reason += ": " + parsed.Error
		}
		return nil, &Error{Reason: reason, StatusCode: resp.StatusCode}
	}

	payload := parsed.Data
	if payload == nil {
		payload = &parsed.scrapePayload
	}
	if payload.Markdown == nil {
		return nil, &Error{Reason: "extraction payload has no content", StatusCode: resp.StatusCode}
	}

	return &Document{
		Text:  Truncate(*payload.Markdown, c.cfg.MaxChars),
		Title: strings.TrimSpace(payload.Metadata.Title),
	}, nil
}

// Truncate returns at most max runes of s.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

func isOutage(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return true
	}
	return e.StatusCode == 0 || e.StatusCode >= 500
}
