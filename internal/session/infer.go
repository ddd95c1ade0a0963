package session

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/screenager/sift-infer/internal/runtime"
	"github.com/screenager/sift-infer/internal/sampler"
	"github.com/screenager/sift-infer/internal/utf8assemble"
)

// OnTextFunc receives only complete, valid UTF-8 strings — Infer's
// reassembler guarantees this regardless of how the tokenizer's
// byte-level pieces split codepoints.
type OnTextFunc func(s string) error

// Infer runs the full request→response cycle: optional playback of
// existing history, prompt ingestion, then token-by-token generation
// until EndOfText, ContextFull, or MaximumTokenCount is reached.
func (s *Session) Infer(ctx context.Context, model runtime.Model, rng *rand.Rand, req Request, out *runtime.OutputRequest, onText OnTextFunc) (Stats, error) {
	params := model.InferenceParameters()
	if req.ParametersOverride != nil {
		params = *req.ParametersOverride
	}

	asm := &utf8assemble.Assembler{}
	emit := func(b []byte) error {
		if onText == nil {
			return nil
		}
		text, ok := asm.Push(b)
		if !ok {
			return nil
		}
		return onText(text)
	}

	if req.PlayBackPreviousTokens {
		for _, t := range s.tokens {
			if err := emit(model.Tokenizer().TokenBytes(t)); err != nil {
				return Stats{}, &runtime.UserCallbackError{Err: err}
			}
		}
	}

	sample := func(logits []float32, tokens []runtime.TokenID, p runtime.InferenceParameters) (runtime.TokenID, error) {
		return sampler.Sample(logits, tokens, p, rng)
	}

	var stats Stats

	promptStart := time.Now()
	err := s.FeedPrompt(ctx, model, params, req.Prompt, out, emit)
	stats.FeedPromptDuration = time.Since(promptStart)
	stats.PromptTokens = s.nPast
	if err != nil {
		return stats, err
	}

	maxTokens := -1
	if req.MaximumTokenCount != nil {
		maxTokens = *req.MaximumTokenCount
	}

	predictStart := time.Now()
	for maxTokens < 0 || stats.PredictTokens < maxTokens {
		b, err := s.InferNextToken(ctx, model, params, out, sample)
		if err != nil {
			if errors.Is(err, runtime.ErrEndOfText) {
				break
			}
			stats.PredictDuration = time.Since(predictStart)
			return stats, err
		}
		stats.PredictTokens++
		if err := emit(b); err != nil {
			stats.PredictDuration = time.Since(predictStart)
			return stats, &runtime.UserCallbackError{Err: err}
		}
	}
	stats.PredictDuration = time.Since(predictStart)

	return stats, nil
}
