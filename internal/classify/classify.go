// Package classify turns extracted page text into a typed license verdict by
// prompting a completion service with a fixed output contract.
package classify

import (
	"context"

	"github.com/mbd888/clicense/internal/completion"
	"github.com/mbd888/clicense/internal/license"
	"github.com/mbd888/clicense/internal/logging"
	"github.com/mbd888/clicense/internal/metrics"
)

// Temperature keeps classification output close to deterministic.
const Temperature = 0.1

// Input is the material a verdict is derived from.
type Input struct {
	Text  string
	URL   string
	Title string
}

// Outcome describes how a verdict was reached.
type Outcome struct {
	Verdict  license.Verdict
	Fallback bool
	Raw      string
}

// Engine classifies documents.
type Engine struct {
	completer completion.Completer
}

// NewEngine creates a classification engine.
func NewEngine(c completion.Completer) *Engine {
	return &Engine{completer: c}
}

// Classify returns the verdict for in. Every completion response yields a
// verdict, parsed or fallback; the error is non-nil only when the completion
// call itself failed and there is nothing to classify.
func (e *Engine) Classify(ctx context.Context, in Input) (license.Verdict, error) {
	out, err := e.ClassifyDetailed(ctx, in)
	if err != nil {
		return license.Verdict{}, err
	}
	return out.Verdict, nil
}

// ClassifyDetailed is Classify with the fallback flag and raw model text.
func (e *Engine) ClassifyDetailed(ctx context.Context, in Input) (Outcome, error) {
	raw, err := e.completer.Complete(ctx, completion.Request{
		Purpose:     "classify",
		System:      systemPrompt,
		User:        userPrompt(in),
		Temperature: Temperature,
	})
	if err != nil {
		return Outcome{}, err
	}

	v, ok := ParseVerdict(raw)
	if !ok {
		metrics.ClassificationFallbacksTotal.Inc()
		logging.L(ctx).Warn("classification output unusable, using fallback verdict",
			"url", in.URL, "response_len", len(raw))
		return Outcome{Verdict: license.Fallback(), Fallback: true, Raw: raw}, nil
	}
	return Outcome{Verdict: v, Raw: raw}, nil
}
