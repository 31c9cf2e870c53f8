// Package chat answers single follow-up questions about a license verdict.
// Each reply is independent; no conversation history is kept.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/clicense/internal/completion"
	"github.com/mbd888/clicense/internal/license"
)

const (
	Temperature = 0.3
	MaxTokens   = 300

	// DeferralLine is what the assistant says when a question needs more
	// than a short answer.
	DeferralLine = "This needs a deeper explanation. Would you like a detailed answer? (Upgrade to Pro for unlimited detailed responses)"

	// EmptyReply stands in for a successful call that produced no text.
	EmptyReply = "Sorry, I could not generate a response."
)

var (
	ErrUnavailable       = errors.New("chat: assistant unavailable")
	ErrRateLimited       = errors.New("chat: rate limited")
	ErrProviderExhausted = errors.New("chat: provider credits exhausted")
)

// Replier is what the pipeline depends on.
type Replier interface {
	Reply(ctx context.Context, message string, verdict license.Verdict) (string, error)
}

// Handler produces verdict-grounded replies.
type Handler struct {
	completer completion.Completer
}

// NewHandler creates a chat handler.
func NewHandler(c completion.Completer) *Handler {
	return &Handler{completer: c}
}

// Reply answers message in the context of verdict. Errors wrap exactly one
// of ErrRateLimited, ErrProviderExhausted or ErrUnavailable.
func (h *Handler) Reply(ctx context.Context, message string, verdict license.Verdict) (string, error) {
	text, err := h.completer.Complete(ctx, completion.Request{
		Purpose:     "chat",
		System:      SystemPrompt(verdict),
		User:        message,
		Temperature: Temperature,
		MaxTokens:   MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", sentinelFor(err), err)
	}
	if strings.TrimSpace(text) == "" {
		return EmptyReply, nil
	}
	return text, nil
}

func sentinelFor(err error) error {
	switch completion.KindOf(err) {
	case completion.KindRateLimited:
		return ErrRateLimited
	case completion.KindCreditsExhausted:
		return ErrProviderExhausted
	default:
		return ErrUnavailable
	}
}

// SystemPrompt embeds the verdict the user is asking about.
func SystemPrompt(v license.Verdict) string {
	var b strings.Builder
	b.WriteString("You are a helpful license expert assistant. You're helping a user understand a license for an AI model or open-source project.\n\n")
	b.WriteString("License Context:\n")
	fmt.Fprintf(&b, "- License Name: %s\n", orUnknown(v.LicenseName))
	fmt.Fprintf(&b, "- License Type: %s\n", orUnknown(string(v.LicenseType)))
	fmt.Fprintf(&b, "- Commercial Use: %s\n", orUnknown(string(v.CommercialUse)))
	fmt.Fprintf(&b, "- Modification Allowed: %s\n", yesNo(v.ModificationAllowed))
	fmt.Fprintf(&b, "- Redistribution Allowed: %s\n", yesNo(v.RedistributionAllowed))
	fmt.Fprintf(&b, "- Verdict: %s\n\n", orUnknown(v.Verdict))
	b.WriteString("Rules:\n")
	b.WriteString("1. Answer in 4-5 lines at most.\n")
	b.WriteString("2. Use plain English and avoid legal jargon.\n")
	b.WriteString("3. Remind the user this is not legal advice.\n")
	fmt.Fprintf(&b, "4. If the question needs a detailed answer, respond only with: %q\n", DeferralLine)
	b.WriteString("5. Focus on what the license means in practice for developers.\n\n")
	b.WriteString("Answer the user's question about this license:")
	return b.String()
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Unknown"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
