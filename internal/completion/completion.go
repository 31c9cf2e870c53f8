// Package completion is a client for an OpenAI-compatible chat-completions
// endpoint. It makes exactly one outbound call per Complete and never retries;
// callers decide what a failure means for their own operation.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/clicense/internal/circuitbreaker"
	"github.com/mbd888/clicense/internal/metrics"
	"github.com/mbd888/clicense/internal/traces"
)

const (
	maxResponseSize = 2 * 1024 * 1024
	breakerKey      = "completion"

	// DefaultTimeout bounds a single completion call when the caller's
	// context carries no deadline.
	DefaultTimeout = 60 * time.Second
)

// Completer is the narrow interface the classifier and chat handler depend on.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Request is a single system+user prompt.
type Request struct {
	Purpose     string // metrics/tracing label, e.g. "classify" or "chat"
	System      string
	User        string
	Temperature float64
	MaxTokens   int // 0 leaves the provider default
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client talks to the completion service.
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

// NewClient creates a completion client.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		cfg:  cfg,
		http: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends req and returns the first choice's message content, which
// may be empty. Any failure is an *Error.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	ctx, span := traces.StartSpan(ctx, "completion.call", traces.Purpose(req.Purpose))
	defer span.End()

	if c.breaker != nil && !c.breaker.Allow(breakerKey) {
		err := &Error{Kind: KindUnavailable, Message: "completion service circuit open"}
		traces.Fail(span, err)
		return "", err
	}

	start := time.Now()
	text, err := c.do(ctx, req)
	metrics.CompletionDuration.WithLabelValues(req.Purpose).Observe(time.Since(start).Seconds())

	if c.breaker != nil {
		// Rate limiting and exhausted credits are answers, not outages.
		var ce *Error
		if err != nil && errors.As(err, &ce) && ce.Kind == KindUnavailable && ctx.Err() == nil {
			c.breaker.RecordFailure(breakerKey)
		} else if err == nil {
			c.breaker.RecordSuccess(breakerKey)
		}
	}
	traces.Fail(span, err)
	return text, err
}

func (c *Client) do(ctx context.Context, req Request) (string, error) {
	if _, ok := ctx.Deadline(); !ok && c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", &Error{Kind: KindUnavailable, Message: "marshal request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindUnavailable, Message: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", &Error{Kind: KindUnavailable, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", &Error{Kind: KindUnavailable, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &Error{
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("completion service returned HTTP %d", resp.StatusCode),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &Error{Kind: KindUnavailable, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

func kindForStatus(code int) Kind {
	switch code {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusPaymentRequired:
		return KindCreditsExhausted
	default:
		return KindUnavailable
	}
}
