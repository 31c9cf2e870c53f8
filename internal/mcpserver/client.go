package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/clicense/internal/license"
)

// Config holds the configuration for connecting to the CLicense API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // API key, e.g. "sk_..."
}

// APIClient is a pure HTTP client for the CLicense API.
type APIClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewAPIClient creates a new client for the CLicense API.
func NewAPIClient(cfg Config) *APIClient {
	return &APIClient{
		cfg: cfg,
		httpClient: &http.Client{
			// Scans wait on extraction and classification upstream.
			Timeout: 90 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
	RetryAfter string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Code)
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *APIClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After")}
		if json.Unmarshal(respBody, apiErr) != nil || (apiErr.Code == "" && apiErr.Message == "") {
			apiErr.Message = string(respBody)
		}
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// Scan analyzes the license of the repository or model at target.
func (c *APIClient) Scan(ctx context.Context, target string) (license.Verdict, error) {
	raw, err := c.doRequest(ctx, http.MethodPost, "/v1/scan", nil, map[string]string{"url": target})
	if err != nil {
		return license.Verdict{}, err
	}
	var resp struct {
		Data license.Verdict `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return license.Verdict{}, fmt.Errorf("decode scan response: %w", err)
	}
	return resp.Data, nil
}

// Ask sends one chat turn grounded on verdict.
func (c *APIClient) Ask(ctx context.Context, message string, verdict license.Verdict) (string, error) {
	body := map[string]any{
		"message":        message,
		"licenseContext": verdict,
	}
	raw, err := c.doRequest(ctx, http.MethodPost, "/v1/chat", nil, body)
	if err != nil {
		return "", err
	}
	var resp struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	return resp.Response, nil
}

// Quota returns the caller's quota snapshot.
func (c *APIClient) Quota(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/quota", nil, nil)
}

// History lists the caller's most recent scans.
func (c *APIClient) History(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/history", q, nil)
}
