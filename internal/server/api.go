package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/clicense/internal/auth"
	"github.com/mbd888/clicense/internal/chat"
	"github.com/mbd888/clicense/internal/health"
	"github.com/mbd888/clicense/internal/history"
	"github.com/mbd888/clicense/internal/idgen"
	"github.com/mbd888/clicense/internal/license"
	"github.com/mbd888/clicense/internal/logging"
	"github.com/mbd888/clicense/internal/pagination"
	"github.com/mbd888/clicense/internal/pipeline"
	"github.com/mbd888/clicense/internal/quota"
	"github.com/mbd888/clicense/internal/realtime"
	"github.com/mbd888/clicense/internal/subscription"
	"github.com/mbd888/clicense/internal/validation"
)

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses)+1)
	for _, st := range statuses {
		checks[st.Name] = describeStatus(st)
	}
	checks["realtime"] = "ok"

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
	}
	if !s.healthy.Load() {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func describeStatus(st health.Status) string {
	if st.Healthy {
		if st.Detail != "" {
			return "ok (" + st.Detail + ")"
		}
		return "ok"
	}
	return "unhealthy: " + st.Detail
}

// livenessHandler answers as long as the process is serving requests.
func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessHandler reports whether the server should receive traffic.
// Upstream circuits do not gate readiness: scans fail fast on their own.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "starting up or shutting down"})
		return
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "database unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Scan & chat
// -----------------------------------------------------------------------------

// ScanRequest is the body of POST /v1/scan.
type ScanRequest struct {
	URL string `json:"url"`
}

func (s *Server) scanHandler(c *gin.Context) {
	var req ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Request body must be JSON with a url field")
		return
	}

	id := auth.GetIdentity(c)
	ctx := logging.WithIdentityID(c.Request.Context(), id.ID)

	verdict, err := s.pipeline.Scan(ctx, req.URL, id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if !id.Anonymous {
		s.recordHistory(ctx, id.ID, verdict)
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": verdict})
}

// recordHistory keeps the verdict for the account. A failure here does not
// fail the scan: the quota was already spent.
func (s *Server) recordHistory(ctx context.Context, identityID string, v license.Verdict) {
	entry, err := history.NewEntry(identityID, v, time.Now().UTC())
	if err == nil {
		err = s.history.Append(ctx, entry)
	}
	if err != nil {
		logging.L(ctx).Error("failed to record scan history", "error", err)
	}
}

// ChatRequest is the body of POST /v1/chat. LicenseContext is the verdict
// the question is about; unknown fields read as "Unknown" in the prompt.
type ChatRequest struct {
	Message        string          `json:"message"`
	LicenseContext license.Verdict `json:"licenseContext"`
}

func (s *Server) chatHandler(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Request body must be JSON with a message field")
		return
	}

	id := auth.GetIdentity(c)
	ctx := logging.WithIdentityID(c.Request.Context(), id.ID)

	reply, err := s.pipeline.Chat(ctx, req.Message, req.LicenseContext, id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "response": reply})
}

// -----------------------------------------------------------------------------
// Quota & plans
// -----------------------------------------------------------------------------

func quotaBody(st *quota.State) gin.H {
	return gin.H{
		"success":        true,
		"quota":          st,
		"scansRemaining": st.ScansRemaining(),
		"chatRemaining":  st.ChatRemaining(),
	}
}

func (s *Server) quotaHandler(c *gin.Context) {
	st, err := s.ledger.Snapshot(c.Request.Context(), auth.GetIdentity(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quotaBody(st))
}

// UpgradeRequest is the body of POST /v1/plan/upgrade.
type UpgradeRequest struct {
	Plan string `json:"plan"`
}

func (s *Server) upgradeHandler(c *gin.Context) {
	var req UpgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Request body must be JSON with a plan field")
		return
	}
	if errs := validation.Validate(
		validation.Required("plan", req.Plan),
		validation.MaxLength("plan", req.Plan, 32),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	id := auth.GetIdentity(c)
	ctx := logging.WithIdentityID(c.Request.Context(), id.ID)

	st, err := s.ledger.UpgradePlan(ctx, id, req.Plan)
	if err != nil {
		s.writeError(c, err)
		return
	}

	logging.L(ctx).Info("plan upgraded", "tier", string(st.PlanTier), "credits", st.Chat.Credits)
	s.realtimeHub.Notify(id.ID, string(realtime.EventPlanUpgraded), gin.H{
		"tier":    st.PlanTier,
		"credits": st.Chat.Credits,
	})
	c.JSON(http.StatusOK, quotaBody(st))
}

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

func (s *Server) listHistoryHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	page, err := s.history.List(c.Request.Context(), auth.GetIdentity(c).ID, c.Query("cursor"), pagination.ClampLimit(limit))
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) {
			s.badRequest(c, "Invalid cursor")
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// clearHistoryHandler removes every history entry of the caller. Quota
// counters and chat credits are left untouched.
func (s *Server) clearHistoryHandler(c *gin.Context) {
	id := auth.GetIdentity(c)
	ctx := logging.WithIdentityID(c.Request.Context(), id.ID)

	n, err := s.history.Clear(ctx, id.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	logging.L(ctx).Info("history cleared", "entries", n)
	s.realtimeHub.Notify(id.ID, string(realtime.EventHistoryClear), gin.H{"removed": n})
	c.JSON(http.StatusOK, gin.H{"success": true, "removed": n})
}

func (s *Server) removeHistoryHandler(c *gin.Context) {
	err := s.history.Remove(c.Request.Context(), auth.GetIdentity(c).ID, c.Param("id"))
	if errors.Is(err, history.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "not_found",
			"message": "History entry not found",
		})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Admin
// -----------------------------------------------------------------------------

// SubscriptionRequest is what the billing integration posts when a
// subscription changes.
type SubscriptionRequest struct {
	UserID      string     `json:"userId"`
	ProviderRef string     `json:"providerRef"`
	PlanName    string     `json:"planName"`
	Status      string     `json:"status"`
	RenewsAt    *time.Time `json:"renewsAt"`
	EndsAt      *time.Time `json:"endsAt"`
	TrialEndsAt *time.Time `json:"trialEndsAt"`
}

func (s *Server) upsertSubscriptionHandler(c *gin.Context) {
	var req SubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.Required("planName", req.PlanName),
		validation.OneOf("status", req.Status,
			subscription.StatusActive, subscription.StatusOnTrial, subscription.StatusPaused,
			subscription.StatusCancelled, subscription.StatusExpired),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	ctx := c.Request.Context()
	acct, err := s.authMgr.Account(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, auth.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "not_found",
				"message": "Account not found",
			})
			return
		}
		s.writeError(c, err)
		return
	}

	now := time.Now().UTC()
	rec := &subscription.Record{
		ID:          idgen.WithPrefix("sub_"),
		UserID:      req.UserID,
		ProviderRef: req.ProviderRef,
		PlanName:    subscription.NormalizePlan(req.PlanName),
		Status:      req.Status,
		RenewsAt:    req.RenewsAt,
		EndsAt:      req.EndsAt,
		TrialEndsAt: req.TrialEndsAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.subs.Upsert(ctx, rec); err != nil {
		s.writeError(c, err)
		return
	}

	st, err := s.ledger.Snapshot(ctx, acct.Identity())
	if err != nil {
		s.writeError(c, err)
		return
	}

	logging.L(ctx).Info("subscription updated", "user_id", req.UserID, "plan", rec.PlanName, "status", rec.Status)
	s.realtimeHub.Notify(req.UserID, string(realtime.EventQuotaUpdated), st)
	c.JSON(http.StatusOK, gin.H{"success": true, "subscription": rec, "quota": st})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   "invalid_request",
		"message": msg,
	})
}

// writeError maps pipeline, ledger and chat errors to HTTP responses.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		exceeded     *quota.ExceededError
		retrieval    *pipeline.RetrievalError
		unclassified *pipeline.ClassificationUnavailableError
	)

	status := http.StatusInternalServerError
	body := gin.H{"success": false}

	switch {
	case errors.Is(err, pipeline.ErrInvalidInput):
		status = http.StatusBadRequest
		body["error"] = "invalid_request"
		body["message"] = err.Error()

	case errors.As(err, &exceeded) && exceeded.Kind == quota.KindScan:
		secs := int(math.Ceil(exceeded.RetryAfter.Seconds()))
		c.Header("Retry-After", strconv.Itoa(secs))
		status = http.StatusTooManyRequests
		body["error"] = "scan_quota_exceeded"
		body["message"] = "Daily scan limit reached"
		body["limit"] = exceeded.Limit
		body["used"] = exceeded.Used
		body["resetAt"] = exceeded.ResetAt.UTC().Format(time.RFC3339)
		body["retry_after"] = secs

	case errors.As(err, &exceeded):
		status = http.StatusPaymentRequired
		body["error"] = "chat_quota_exceeded"
		body["message"] = "No chat credits left"
		body["limit"] = exceeded.Limit
		body["used"] = exceeded.Used

	case errors.As(err, &retrieval):
		status = http.StatusBadGateway
		body["error"] = "retrieval_failed"
		body["message"] = "Could not retrieve the document: " + retrieval.Reason

	case errors.As(err, &unclassified):
		status = http.StatusServiceUnavailable
		body["error"] = "classification_unavailable"
		body["message"] = "License analysis is temporarily unavailable"
		if unclassified.RateLimited() {
			status = http.StatusTooManyRequests
			body["error"] = "classification_rate_limited"
			body["message"] = "License analysis is rate limited, try again shortly"
		}

	case errors.Is(err, chat.ErrRateLimited):
		status = http.StatusTooManyRequests
		body["error"] = "chat_rate_limited"
		body["message"] = "The assistant is rate limited, try again shortly"

	case errors.Is(err, chat.ErrProviderExhausted):
		status = http.StatusPaymentRequired
		body["error"] = "chat_provider_exhausted"
		body["message"] = "The assistant is out of provider credits"

	case errors.Is(err, chat.ErrUnavailable):
		status = http.StatusServiceUnavailable
		body["error"] = "chat_unavailable"
		body["message"] = "The assistant is temporarily unavailable"

	case errors.Is(err, quota.ErrUnknownIdentity):
		status = http.StatusUnauthorized
		body["error"] = "unauthorized"
		body["message"] = "A signed-in account is required"

	case errors.Is(err, quota.ErrInvalidTier):
		status = http.StatusBadRequest
		body["error"] = "invalid_plan"
		body["message"] = err.Error()

	case errors.Is(err, quota.ErrUpgradeFailed):
		body["error"] = "upgrade_failed"
		body["message"] = "Plan upgrade failed"

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusRequestTimeout
		body["error"] = "timeout"
		body["message"] = "Request timed out"

	default:
		body["error"] = "internal_error"
		body["message"] = "An unexpected error occurred"
	}

	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "status", status, "error", err)
	}
	c.JSON(status, body)
}
