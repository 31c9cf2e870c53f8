package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/clicense/internal/auth"
	"github.com/mbd888/clicense/internal/completion"
	"github.com/mbd888/clicense/internal/config"
	"github.com/mbd888/clicense/internal/license"
	"github.com/mbd888/clicense/internal/quota"
	"github.com/mbd888/clicense/internal/retriever"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const apacheJSON = `{"licenseName":"Apache 2.0","licenseType":"Open Source","commercialUse":"yes",` +
	`"modificationAllowed":true,"redistributionAllowed":true,"risks":["Keep the NOTICE file"],` +
	`"verdict":"Safe for commercial use with attribution.","verdictType":"safe"}`

const adminSecret = "test-admin-secret"

type stubFetcher struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *stubFetcher) Fetch(_ context.Context, rawURL string) (*retriever.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &retriever.Document{Text: "Apache License Version 2.0", Title: "apache/kafka"}, nil
}

type stubCompleter struct {
	mu       sync.Mutex
	chatErr  error
	classErr error
}

func (c *stubCompleter) Complete(_ context.Context, req completion.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req.Purpose == "classify" {
		if c.classErr != nil {
			return "", c.classErr
		}
		return apacheJSON, nil
	}
	if c.chatErr != nil {
		return "", c.chatErr
	}
	return "Yes, you can use it commercially.", nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		QuotaResetHour: 23,
		QuotaTimezone:  "UTC",
		AnonFreeTurns:  2,
		SignupCredits:  20,
		RateLimitRPM:   6000,
		AdminSecret:    adminSecret,
	}
}

type testEnv struct {
	s         *Server
	fetcher   *stubFetcher
	completer *stubCompleter
}

// newTestServer creates a server with stub upstreams and a scan limit of 3.
func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{fetcher: &stubFetcher{}, completer: &stubCompleter{}}
	s, err := New(testConfig(),
		WithFetcher(env.fetcher),
		WithCompleter(env.completer),
		WithQuotaOptions(quota.WithDraw(func() int { return 3 })),
	)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(s.Close)
	env.s = s
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.s.router.ServeHTTP(w, req)
	return w
}

// register creates an account and returns headers authenticating as it.
func (e *testEnv) register(t *testing.T, email string) map[string]string {
	t.Helper()
	w := e.do(t, "POST", "/v1/accounts", gin.H{"email": email}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		APIKey  string `json:"apiKey"`
		Account struct {
			ID string `json:"id"`
		} `json:"account"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return map[string]string{"Authorization": "Bearer " + resp.APIKey, "X-Account-ID": resp.Account.ID}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, "healthy", resp["status"])
	checks := resp["checks"].(map[string]any)
	assert.Equal(t, "ok (circuit closed)", checks["extractor"])
	assert.Equal(t, "ok (circuit closed)", checks["completion"])
}

func TestLivenessEndpoint(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "GET", "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	env := newTestServer(t)

	// Server hasn't called Run() so ready is false
	w := env.do(t, "GET", "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	env := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/v1/accounts",
		"GET:/v1/accounts/me",
		"POST:/v1/scan",
		"POST:/v1/chat",
		"GET:/v1/quota",
		"POST:/v1/plan/upgrade",
		"GET:/v1/history",
		"DELETE:/v1/history",
		"DELETE:/v1/history/:id",
		"GET:/v1/events",
		"POST:/v1/admin/subscriptions",
	}

	routeSet := make(map[string]bool)
	for _, route := range env.s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Scan
// ---------------------------------------------------------------------------

func TestScan_ReturnsVerdictAndRecordsHistory(t *testing.T) {
	env := newTestServer(t)
	h := env.register(t, "dev@example.com")

	w := env.do(t, "POST", "/v1/scan", gin.H{"url": "https://github.com/apache/kafka"}, h)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Success bool            `json:"success"`
		Data    license.Verdict `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, license.TypeOpenSource, resp.Data.LicenseType)
	assert.Equal(t, license.CommercialYes, resp.Data.CommercialUse)
	assert.Equal(t, license.VerdictSafe, resp.Data.VerdictType)
	assert.Equal(t, "https://github.com/apache/kafka", resp.Data.URL)
	assert.Equal(t, "GitHub", resp.Data.Source)

	w = env.do(t, "GET", "/v1/history", nil, h)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode(t, w)["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "Apache 2.0", entries[0].(map[string]any)["licenseName"])
}

func TestScan_QuotaExceededSetsRetryAfter(t *testing.T) {
	env := newTestServer(t)
	h := env.register(t, "limit@example.com")

	for i := 0; i < 3; i++ {
		w := env.do(t, "POST", "/v1/scan", gin.H{"url": "https://example.com/LICENSE"}, h)
		require.Equal(t, http.StatusOK, w.Code, "scan %d", i+1)
	}

	w := env.do(t, "POST", "/v1/scan", gin.H{"url": "https://example.com/LICENSE"}, h)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	resp := decode(t, w)
	assert.Equal(t, "scan_quota_exceeded", resp["error"])
	assert.EqualValues(t, 3, resp["limit"])
	assert.EqualValues(t, 3, resp["used"])
	assert.Equal(t, 3, env.fetcher.calls, "a refused scan never reaches the extractor")
}

func TestScan_InvalidURL(t *testing.T) {
	env := newTestServer(t)

	for _, body := range []any{gin.H{"url": ""}, gin.H{"url": "ftp://example.com"}, "not an object"} {
		w := env.do(t, "POST", "/v1/scan", body, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %v", body)
		assert.Equal(t, "invalid_request", decode(t, w)["error"])
	}
	assert.Zero(t, env.fetcher.calls)
}

func TestScan_RetrievalFailure(t *testing.T) {
	env := newTestServer(t)
	env.fetcher.err = &retriever.Error{Reason: "upstream returned 500", StatusCode: 500}

	w := env.do(t, "POST", "/v1/scan", gin.H{"url": "https://example.com"}, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "retrieval_failed", decode(t, w)["error"])
}

func TestScan_ClassificationUnavailable(t *testing.T) {
	env := newTestServer(t)

	env.completer.classErr = &completion.Error{Kind: completion.KindUnavailable, Err: completion.ErrUnavailable}
	w := env.do(t, "POST", "/v1/scan", gin.H{"url": "https://example.com"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	env.completer.classErr = &completion.Error{Kind: completion.KindRateLimited, Err: completion.ErrRateLimited}
	w = env.do(t, "POST", "/v1/scan", gin.H{"url": "https://example.com"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "classification_rate_limited", decode(t, w)["error"])
}

func TestScan_AnonymousSessionIssued(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "POST", "/v1/scan", gin.H{"url": "https://example.com"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(auth.SessionHeader))
}

// ---------------------------------------------------------------------------
// Chat
// ---------------------------------------------------------------------------

func TestChat_DebitsCredits(t *testing.T) {
	env := newTestServer(t)
	h := env.register(t, "chat@example.com")

	w := env.do(t, "POST", "/v1/chat", gin.H{
		"message":        "Can I use this commercially?",
		"licenseContext": gin.H{"licenseName": "MIT", "licenseType": "Open Source"},
	}, h)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Yes, you can use it commercially.", decode(t, w)["response"])

	w = env.do(t, "GET", "/v1/quota", nil, h)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 19, decode(t, w)["chatRemaining"])
}

func TestChat_AnonymousCap(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "POST", "/v1/chat", gin.H{"message": "hi"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	session := map[string]string{auth.SessionHeader: w.Header().Get(auth.SessionHeader)}

	w = env.do(t, "POST", "/v1/chat", gin.H{"message": "again"}, session)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "POST", "/v1/chat", gin.H{"message": "one more"}, session)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "chat_quota_exceeded", decode(t, w)["error"])
}

func TestChat_MissingMessage(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "POST", "/v1/chat", gin.H{"licenseContext": gin.H{}}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChat_ErrorsMapAndNeverDebit(t *testing.T) {
	env := newTestServer(t)
	h := env.register(t, "errors@example.com")

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&completion.Error{Kind: completion.KindRateLimited, Err: completion.ErrRateLimited}, http.StatusTooManyRequests, "chat_rate_limited"},
		{&completion.Error{Kind: completion.KindCreditsExhausted, Err: completion.ErrCreditsExhausted}, http.StatusPaymentRequired, "chat_provider_exhausted"},
		{errors.New("connection reset"), http.StatusServiceUnavailable, "chat_unavailable"},
	}
	for _, tc := range cases {
		env.completer.chatErr = tc.err
		w := env.do(t, "POST", "/v1/chat", gin.H{"message": "hi"}, h)
		assert.Equal(t, tc.status, w.Code, tc.code)
		assert.Equal(t, tc.code, decode(t, w)["error"])
	}

	w := env.do(t, "GET", "/v1/quota", nil, h)
	assert.EqualValues(t, 20, decode(t, w)["chatRemaining"])
}

// ---------------------------------------------------------------------------
// Plans
// ---------------------------------------------------------------------------

func TestUpgrade_RequiresAccount(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "POST", "/v1/plan/upgrade", gin.H{"plan": "Pro"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUpgrade_ProGrantsCreditsAndUnlimitedScans(t *testing.T) {
	env := newTestServer(t)
	h := env.register(t, "pro@example.com")

	w := env.do(t, "POST", "/v1/plan/upgrade", gin.H{"plan": "Pro"}, h)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode(t, w)
	q := resp["quota"].(map[string]any)
	assert.Equal(t, "pro", q["planTier"])
	assert.EqualValues(t, 500, resp["chatRemaining"])
	assert.EqualValues(t, -1, resp["scansRemaining"])

	for i := 0; i < 5; i++ {
		w := env.do(t, "POST", "/v1/scan", gin.H{"url": "https://example.com"}, h)
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestUpgrade_UnknownPlan(t *testing.T) {
	env := newTestServer(t)
	h := env.register(t, "odd@example.com")

	w := env.do(t, "POST", "/v1/plan/upgrade", gin.H{"plan": "Platinum"}, h)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_plan", decode(t, w)["error"])
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

func TestHistory_RequiresAccount(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "GET", "/v1/history", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHistory_RemoveAndClear(t *testing.T) {
	env := newTestServer(t)
	h := env.register(t, "history@example.com")

	for i := 0; i < 2; i++ {
		w := env.do(t, "POST", "/v1/scan", gin.H{"url": "https://example.com"}, h)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := env.do(t, "GET", "/v1/history?limit=1", nil, h)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode(t, w)
	assert.Equal(t, true, page["hasMore"])
	first := page["entries"].([]any)[0].(map[string]any)["id"].(string)

	w = env.do(t, "DELETE", "/v1/history/"+first, nil, h)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, "DELETE", "/v1/history/"+first, nil, h)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "DELETE", "/v1/history", nil, h)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["removed"])

	w = env.do(t, "GET", "/v1/history", nil, h)
	assert.Empty(t, decode(t, w)["entries"])
}

func TestHistory_ClearKeepsQuota(t *testing.T) {
	env := newTestServer(t)
	h := env.register(t, "keep@example.com")

	w := env.do(t, "POST", "/v1/scan", gin.H{"url": "https://example.com"}, h)
	require.Equal(t, http.StatusOK, w.Code)
	for i := 0; i < 20; i++ {
		w = env.do(t, "POST", "/v1/chat", gin.H{"message": "hi"}, h)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w = env.do(t, "DELETE", "/v1/history", nil, h)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "GET", "/v1/quota", nil, h)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.EqualValues(t, 0, resp["chatRemaining"])
	assert.EqualValues(t, 2, resp["scansRemaining"])

	w = env.do(t, "POST", "/v1/chat", gin.H{"message": "more"}, h)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "chat_quota_exceeded", decode(t, w)["error"])
}

func TestHistory_ClearKeepsPaidPlan(t *testing.T) {
	env := newTestServer(t)
	h := env.register(t, "keep-pro@example.com")

	w := env.do(t, "POST", "/v1/plan/upgrade", gin.H{"plan": "Pro"}, h)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, "POST", "/v1/chat", gin.H{"message": "hi"}, h)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "DELETE", "/v1/history", nil, h)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "GET", "/v1/quota", nil, h)
	resp := decode(t, w)
	q := resp["quota"].(map[string]any)
	assert.Equal(t, "pro", q["planTier"])
	assert.NotNil(t, q["planRenewsAt"])
	assert.EqualValues(t, 499, resp["chatRemaining"])
}

func TestHistory_BadCursor(t *testing.T) {
	env := newTestServer(t)
	h := env.register(t, "cursor@example.com")

	w := env.do(t, "GET", "/v1/history?cursor=not-base64!!!", nil, h)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

func TestAdminSubscription_RequiresSecret(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "POST", "/v1/admin/subscriptions", gin.H{"userId": "x"}, map[string]string{"X-Admin-Secret": "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminSubscription_ActivatesTier(t *testing.T) {
	env := newTestServer(t)
	h := env.register(t, "team@example.com")

	renews := time.Now().Add(30 * 24 * time.Hour).UTC()
	w := env.do(t, "POST", "/v1/admin/subscriptions", gin.H{
		"userId":   h["X-Account-ID"],
		"planName": "Team",
		"status":   "active",
		"renewsAt": renews,
	}, map[string]string{"X-Admin-Secret": adminSecret})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "team", decode(t, w)["quota"].(map[string]any)["planTier"])

	w = env.do(t, "POST", "/v1/admin/subscriptions", gin.H{
		"userId": "acct_missing", "planName": "Pro", "status": "active",
	}, map[string]string{"X-Admin-Secret": adminSecret})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnknownRoute(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "GET", "/v1/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
