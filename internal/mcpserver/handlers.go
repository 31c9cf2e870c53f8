package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/mbd888/clicense/internal/history"
	"github.com/mbd888/clicense/internal/license"
	"github.com/mbd888/clicense/internal/quota"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *APIClient

	// Concurrent tool calls for one URL share a single scan, and so a
	// single unit of the daily scan quota.
	inflight singleflight.Group

	mu       sync.Mutex
	verdicts map[string]license.Verdict // last verdict per scanned URL
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *APIClient) *Handlers {
	return &Handlers{
		client:   client,
		verdicts: make(map[string]license.Verdict),
	}
}

// HandleScanLicense scans a URL and caches the verdict for follow-up questions.
func (h *Handlers) HandleScanLicense(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target := strings.TrimSpace(req.GetString("url", ""))
	if target == "" {
		return mcp.NewToolResultError("url is required"), nil
	}

	v, err := h.scan(ctx, target)
	if err != nil {
		return mcp.NewToolResultError(describeError("Scan failed", err)), nil
	}
	return mcp.NewToolResultText(formatVerdict(v)), nil
}

// HandleAskAboutLicense answers a question about a URL's license, scanning
// the URL first unless a verdict for it is cached.
func (h *Handlers) HandleAskAboutLicense(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message := strings.TrimSpace(req.GetString("message", ""))
	if message == "" {
		return mcp.NewToolResultError("message is required"), nil
	}
	target := strings.TrimSpace(req.GetString("url", ""))
	if target == "" {
		return mcp.NewToolResultError("url is required"), nil
	}

	v, cached := h.cached(target)
	if !cached || req.GetBool("rescan", false) {
		var err error
		if v, err = h.scan(ctx, target); err != nil {
			return mcp.NewToolResultError(describeError("Scan failed", err)), nil
		}
	}

	answer, err := h.client.Ask(ctx, message, v)
	if err != nil {
		return mcp.NewToolResultError(describeError("Chat failed", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "License: %s (%s)\n\n", v.LicenseName, v.VerdictType)
	sb.WriteString(answer)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckQuota returns the caller's remaining scans and chat credits.
func (h *Handlers) HandleCheckQuota(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Quota(ctx)
	if err != nil {
		return mcp.NewToolResultError(describeError("Failed to check quota", err)), nil
	}

	text, err := formatQuota(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse quota: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListHistory lists recent scans.
func (h *Handlers) HandleListHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.History(ctx, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(describeError("Failed to list history", err)), nil
	}

	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (h *Handlers) scan(ctx context.Context, target string) (license.Verdict, error) {
	res, err, _ := h.inflight.Do(target, func() (any, error) {
		v, err := h.client.Scan(ctx, target)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.verdicts[target] = v
		h.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return license.Verdict{}, err
	}
	return res.(license.Verdict), nil
}

func (h *Handlers) cached(target string) (license.Verdict, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.verdicts[target]
	return v, ok
}

// --- Formatting helpers ---

// describeError turns API failures into a sentence the model can act on.
func describeError(prefix string, err error) string {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return fmt.Sprintf("%s: %v", prefix, err)
	}
	switch {
	case apiErr.Code == "scan_quota_exceeded":
		msg := prefix + ": daily scan limit reached."
		if apiErr.RetryAfter != "" {
			msg += " Try again in " + apiErr.RetryAfter + " seconds, or upgrade the plan."
		}
		return msg
	case apiErr.Code == "chat_quota_exceeded":
		return prefix + ": no chat credits left. Upgrade the plan to keep asking questions."
	case apiErr.Code == "chat_provider_exhausted":
		return prefix + ": the AI provider is out of credits. Try again later."
	case apiErr.Code == "chat_rate_limited", apiErr.Code == "classification_rate_limited":
		return prefix + ": the AI provider is rate limiting requests. Wait a moment and retry."
	case apiErr.StatusCode == http.StatusUnauthorized:
		return prefix + ": the API key was rejected."
	}
	return fmt.Sprintf("%s: %v", prefix, err)
}

func formatVerdict(v license.Verdict) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "License: %s\n", v.LicenseName)
	fmt.Fprintf(&sb, "Type: %s\n", v.LicenseType)
	fmt.Fprintf(&sb, "Commercial use: %s\n", v.CommercialUse)
	fmt.Fprintf(&sb, "Modification allowed: %s\n", yesNo(v.ModificationAllowed))
	fmt.Fprintf(&sb, "Redistribution allowed: %s\n", yesNo(v.RedistributionAllowed))
	if len(v.Risks) > 0 {
		sb.WriteString("Risks:\n")
		for _, r := range v.Risks {
			fmt.Fprintf(&sb, "  - %s\n", r)
		}
	}
	fmt.Fprintf(&sb, "Verdict (%s): %s\n", v.VerdictType, v.Verdict)
	if v.Source != "" {
		fmt.Fprintf(&sb, "Source: %s", v.Source)
		if v.Title != "" {
			fmt.Fprintf(&sb, " | %s", v.Title)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatQuota(raw json.RawMessage) (string, error) {
	var resp struct {
		Quota          *quota.State `json:"quota"`
		ScansRemaining int          `json:"scansRemaining"`
		ChatRemaining  int          `json:"chatRemaining"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Quota == nil {
		return "", fmt.Errorf("unexpected quota response format")
	}
	s := resp.Quota

	var sb strings.Builder
	fmt.Fprintf(&sb, "Plan: %s\n", s.PlanTier.DisplayName())
	if s.PlanTier.Paid() {
		sb.WriteString("Scans: unlimited\n")
	} else {
		fmt.Fprintf(&sb, "Scans: %d of %d used (%d left)\n", s.ScansUsed, s.ScanLimit, resp.ScansRemaining)
		fmt.Fprintf(&sb, "Resets at: %s\n", s.NextResetAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&sb, "Chat credits left: %d\n", resp.ChatRemaining)
	if s.PlanRenewsAt != nil {
		fmt.Fprintf(&sb, "Plan renews: %s\n", s.PlanRenewsAt.Format(time.DateOnly))
	}
	return sb.String(), nil
}

func formatHistory(raw json.RawMessage) (string, error) {
	var page history.Page
	if err := json.Unmarshal(raw, &page); err != nil {
		return "", err
	}
	if len(page.Entries) == 0 {
		return "No scans yet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d scan(s):\n\n", len(page.Entries))
	for i, e := range page.Entries {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, e.URL)
		fmt.Fprintf(&sb, "   %s (%s) | %s | %s\n", e.LicenseName, e.LicenseType, e.VerdictType, e.CreatedAt.Format(time.DateOnly))
	}
	if page.HasMore {
		sb.WriteString("\nMore scans are available.")
	}
	return sb.String(), nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
