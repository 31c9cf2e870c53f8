// Package pipeline composes retrieval, classification, the quota ledger and
// the chat handler into the two operations callers use: Scan and Chat.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/clicense/internal/chat"
	"github.com/mbd888/clicense/internal/classify"
	"github.com/mbd888/clicense/internal/identity"
	"github.com/mbd888/clicense/internal/license"
	"github.com/mbd888/clicense/internal/logging"
	"github.com/mbd888/clicense/internal/metrics"
	"github.com/mbd888/clicense/internal/quota"
	"github.com/mbd888/clicense/internal/retriever"
	"github.com/mbd888/clicense/internal/security"
	"github.com/mbd888/clicense/internal/traces"
	"github.com/mbd888/clicense/internal/validation"
)

// Event names passed to a Notifier.
const (
	EventScanCompleted = "scan.completed"
	EventChatReplied   = "chat.replied"
	EventQuotaUpdated  = "quota.updated"
)

// Classifier turns extracted text into a verdict.
type Classifier interface {
	Classify(ctx context.Context, in classify.Input) (license.Verdict, error)
}

// Notifier receives events about an identity's activity. Implementations
// must not block.
type Notifier interface {
	Notify(identityID, event string, data any)
}

// Pipeline runs scans and chat turns.
type Pipeline struct {
	fetcher    retriever.Fetcher
	classifier Classifier
	replier    chat.Replier
	ledger     *quota.Ledger
	notifier   Notifier
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithNotifier publishes scan, chat and quota events to n.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// New creates a pipeline.
func New(f retriever.Fetcher, c Classifier, r chat.Replier, l *quota.Ledger, opts ...Option) *Pipeline {
	p := &Pipeline{fetcher: f, classifier: c, replier: r, ledger: l}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ledger returns the quota ledger the pipeline debits.
func (p *Pipeline) Ledger() *quota.Ledger { return p.ledger }

// Scan fetches rawURL, classifies it and counts the scan against id.
// Nothing is counted unless a verdict is returned.
func (p *Pipeline) Scan(ctx context.Context, rawURL string, id identity.Identity) (license.Verdict, error) {
	rawURL = strings.TrimSpace(rawURL)
	ctx, span := traces.StartSpan(ctx, "pipeline.scan",
		traces.IdentityID(id.ID), traces.Anonymous(id.Anonymous), traces.TargetURL(rawURL))
	defer span.End()

	v, result, err := p.scan(ctx, rawURL, id)
	metrics.ScansTotal.WithLabelValues(result).Inc()
	span.SetAttributes(traces.Outcome(result))
	if err != nil {
		traces.Fail(span, err)
		return license.Verdict{}, err
	}
	return v, nil
}

func (p *Pipeline) scan(ctx context.Context, rawURL string, id identity.Identity) (license.Verdict, string, error) {
	if err := security.ValidateTargetURL(rawURL); err != nil {
		return license.Verdict{}, "invalid", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	ok, err := p.ledger.CheckScanAllowed(ctx, id)
	if err != nil {
		return license.Verdict{}, "error", err
	}
	if !ok {
		return license.Verdict{}, "quota", p.rejectScan(ctx, id)
	}

	doc, err := p.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		logging.L(ctx).Warn("retrieval failed", "url", rawURL, "error", err)
		return license.Verdict{}, "retrieval_failed", retrievalError(rawURL, err)
	}

	v, err := p.classifier.Classify(ctx, classify.Input{Text: doc.Text, URL: rawURL, Title: doc.Title})
	if err != nil {
		logging.L(ctx).Warn("classification unavailable", "url", rawURL, "error", err)
		return license.Verdict{}, "unavailable", &ClassificationUnavailableError{Err: err}
	}
	v = v.WithProvenance(rawURL, doc.Title)

	if err := ctx.Err(); err != nil {
		return license.Verdict{}, "cancelled", err
	}
	state, err := p.ledger.ConsumeScan(ctx, id)
	if err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			metrics.QuotaRejectionsTotal.WithLabelValues(string(quota.KindScan)).Inc()
			return license.Verdict{}, "quota", err
		}
		return license.Verdict{}, "error", err
	}

	p.notify(id, EventScanCompleted, v)
	p.notify(id, EventQuotaUpdated, state)
	logging.L(ctx).Info("scan completed",
		"url", rawURL, "license", v.LicenseName, "verdict_type", v.VerdictType, "source", v.Source)
	return v, "ok", nil
}

func (p *Pipeline) rejectScan(ctx context.Context, id identity.Identity) error {
	metrics.QuotaRejectionsTotal.WithLabelValues(string(quota.KindScan)).Inc()
	s, err := p.ledger.Snapshot(ctx, id)
	if err != nil {
		return err
	}
	return quota.ExceededFor(quota.KindScan, s, p.ledger.Now())
}

// Chat answers message about verdict and debits one chat unit from id, only
// when a reply was produced.
func (p *Pipeline) Chat(ctx context.Context, message string, verdict license.Verdict, id identity.Identity) (string, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.chat",
		traces.IdentityID(id.ID), traces.Anonymous(id.Anonymous))
	defer span.End()

	reply, result, err := p.chat(ctx, message, verdict, id)
	metrics.ChatTurnsTotal.WithLabelValues(result).Inc()
	span.SetAttributes(traces.Outcome(result))
	if err != nil {
		traces.Fail(span, err)
		return "", err
	}
	return reply, nil
}

func (p *Pipeline) chat(ctx context.Context, message string, verdict license.Verdict, id identity.Identity) (string, string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", "invalid", fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	if len(message) > validation.MaxMessageLength {
		return "", "invalid", fmt.Errorf("%w: message exceeds %d characters", ErrInvalidInput, validation.MaxMessageLength)
	}

	ok, err := p.ledger.CheckChatAllowed(ctx, id)
	if err != nil {
		return "", "error", err
	}
	if !ok {
		metrics.QuotaRejectionsTotal.WithLabelValues(string(quota.KindChat)).Inc()
		s, err := p.ledger.Snapshot(ctx, id)
		if err != nil {
			return "", "error", err
		}
		return "", "quota", quota.ExceededFor(quota.KindChat, s, p.ledger.Now())
	}

	reply, err := p.replier.Reply(ctx, message, verdict)
	if err != nil {
		logging.L(ctx).Warn("chat reply failed", "error", err)
		return "", chatResult(err), err
	}

	if err := ctx.Err(); err != nil {
		return "", "cancelled", err
	}
	state, err := p.ledger.ConsumeChatTurn(ctx, id)
	if err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			metrics.QuotaRejectionsTotal.WithLabelValues(string(quota.KindChat)).Inc()
			return "", "quota", err
		}
		return "", "error", err
	}

	p.notify(id, EventChatReplied, map[string]any{"license": verdict.LicenseName})
	p.notify(id, EventQuotaUpdated, state)
	return reply, "ok", nil
}

func (p *Pipeline) notify(id identity.Identity, event string, data any) {
	if p.notifier != nil {
		p.notifier.Notify(id.ID, event, data)
	}
}

func retrievalError(rawURL string, err error) *RetrievalError {
	re := &RetrievalError{URL: rawURL, Reason: "fetch failed", Err: err}
	var rerr *retriever.Error
	if errors.As(err, &rerr) {
		re.Reason = rerr.Reason
		re.StatusCode = rerr.StatusCode
	}
	return re
}

func chatResult(err error) string {
	switch {
	case errors.Is(err, chat.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, chat.ErrProviderExhausted):
		return "provider_exhausted"
	default:
		return "unavailable"
	}
}
