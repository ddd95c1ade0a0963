package session_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/screenager/sift-infer/internal/arch"
	"github.com/screenager/sift-infer/internal/runtime"
	"github.com/screenager/sift-infer/internal/sampler"
	"github.com/screenager/sift-infer/internal/session"
	"github.com/screenager/sift-infer/internal/snapshot"
	"github.com/screenager/sift-infer/internal/tok"
)

func newTestModel(t *testing.T) runtime.Model {
	t.Helper()
	tz := tok.NewReferenceTokenizer()
	bot := tz.BOSID
	p := arch.Params{
		NVocab:     258,
		NEmbd:      8,
		NLayer:     2,
		NCtx:       64,
		Tokenizer:  tz,
		BotTokenID: &bot,
		EotTokenID: tz.EOTID,
		Defaults:   runtime.DefaultInferenceParameters(),
		Compute:    &arch.SyntheticCompute{NVocab: 258, NEmbd: 8},
	}
	model, err := arch.Dispatch(arch.LLaMA, p)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	return model
}

func newTestSession(t *testing.T, model runtime.Model) *session.Session {
	t.Helper()
	sess, err := model.StartSession(runtime.SessionConfig{MemoryKType: runtime.F32, MemoryVType: runtime.F32})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	s, ok := sess.(*session.Session)
	if !ok {
		t.Fatalf("StartSession returned %T, want *session.Session", sess)
	}
	return s
}

// TestFeedPromptAdvancesNPast checks that feeding a prompt advances
// n_past by exactly the number of tokenized pieces (including BOS).
func TestFeedPromptAdvancesNPast(t *testing.T) {
	model := newTestModel(t)
	s := newTestSession(t, model)
	params := model.InferenceParameters()

	var seen []byte
	err := s.FeedPrompt(context.Background(), model, params, "hi", nil, func(b []byte) error {
		seen = append(seen, b...)
		return nil
	})
	if err != nil {
		t.Fatalf("FeedPrompt: %v", err)
	}
	if s.NPast() != 3 { // BOS + 'h' + 'i'
		t.Fatalf("NPast: got %d, want 3", s.NPast())
	}
	if string(seen) != "hi" {
		t.Fatalf("callback bytes: got %q, want %q", seen, "hi")
	}
}

// TestFeedPromptRejectsOversizedPrompt exercises the context-full edge
// case at feed_prompt time.
func TestFeedPromptRejectsOversizedPrompt(t *testing.T) {
	model := newTestModel(t)
	s := newTestSession(t, model)
	params := model.InferenceParameters()
	params.NBatch = 8

	big := bytes.Repeat([]byte("x"), 200)
	err := s.FeedPrompt(context.Background(), model, params, string(big), nil, func([]byte) error { return nil })
	if !errors.Is(err, runtime.ErrContextFull) {
		t.Fatalf("expected ErrContextFull, got %v", err)
	}
}

// TestInferMaximumTokenCountZeroNeverSamples reproduces the literal
// scenario of a zero token budget: the predict loop body must never
// execute, so PredictTokens stays 0.
func TestInferMaximumTokenCountZeroNeverSamples(t *testing.T) {
	model := newTestModel(t)
	s := newTestSession(t, model)
	rng := rand.New(rand.NewSource(7))

	zero := 0
	req := session.Request{Prompt: "hi", MaximumTokenCount: &zero}
	stats, err := s.Infer(context.Background(), model, rng, req, nil, func(string) error { return nil })
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if stats.PredictTokens != 0 {
		t.Fatalf("PredictTokens: got %d, want 0", stats.PredictTokens)
	}
}

// TestInferGeneratesUpToMaximumTokenCount checks the predict loop stops
// at the requested budget absent an earlier EndOfText/ContextFull.
func TestInferGeneratesUpToMaximumTokenCount(t *testing.T) {
	model := newTestModel(t)
	s := newTestSession(t, model)
	rng := rand.New(rand.NewSource(3))

	max := 5
	req := session.Request{Prompt: "go", MaximumTokenCount: &max}
	stats, err := s.Infer(context.Background(), model, rng, req, nil, func(string) error { return nil })
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if stats.PredictTokens > max {
		t.Fatalf("PredictTokens: got %d, want <= %d", stats.PredictTokens, max)
	}
}

// TestInferPropagatesContextFull matches the Rust original's infer()
// loop (crates/llm-base/src/inference_session.rs): only EndOfText is a
// clean break; every other error, including ContextFull, is returned to
// the caller so it can distinguish "finished" from "ran out of room".
// EotTokenID is set unreachable so only ContextFull can end the loop.
func TestInferPropagatesContextFull(t *testing.T) {
	tz := tok.NewReferenceTokenizer()
	bot := tz.BOSID
	p := arch.Params{
		NVocab:     258,
		NEmbd:      8,
		NLayer:     2,
		NCtx:       64,
		Tokenizer:  tz,
		BotTokenID: &bot,
		EotTokenID: runtime.TokenID(99999), // never sampled: forces ContextFull to be the only exit
		Defaults:   runtime.DefaultInferenceParameters(),
		Compute:    &arch.SyntheticCompute{NVocab: 258, NEmbd: 8},
	}
	model, err := arch.Dispatch(arch.LLaMA, p)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	s := newTestSession(t, model)
	rng := rand.New(rand.NewSource(1))

	unbounded := session.Request{Prompt: "hi"} // MaximumTokenCount nil == unlimited
	stats, err := s.Infer(context.Background(), model, rng, unbounded, nil, func(string) error { return nil })
	if !errors.Is(err, runtime.ErrContextFull) {
		t.Fatalf("expected Infer to propagate ErrContextFull, got %v", err)
	}
	// n_ctx=64; the loop must terminate well before exhausting the process,
	// and never exceed the context window.
	if stats.PredictTokens+3 > 64 {
		t.Fatalf("PredictTokens grew past the context window: %d", stats.PredictTokens)
	}
}

// TestSnapshotRoundTripPreservesState checks not just the gross shape of
// a restored session but spec.md's two testable properties: sampling
// with the same seed from the restored session reproduces the original's
// next draw exactly (Property 3), and re-snapshotting the restored
// session serializes to byte-identical output (Property 4).
func TestSnapshotRoundTripPreservesState(t *testing.T) {
	model := newTestModel(t)
	s := newTestSession(t, model)
	rng := rand.New(rand.NewSource(5))

	req := session.Request{Prompt: "round trip"}
	max := 3
	req.MaximumTokenCount = &max
	if _, err := s.Infer(context.Background(), model, rng, req, nil, func(string) error { return nil }); err != nil {
		t.Fatalf("Infer: %v", err)
	}

	snap := s.GetSnapshot()
	var buf bytes.Buffer
	if err := snap.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	firstBytes := append([]byte(nil), buf.Bytes()...)

	restoredSnap, err := snapshot.Read(bytes.NewReader(firstBytes))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	restored, err := session.FromSnapshot(restoredSnap, model)
	if err != nil {
		t.Fatalf("FromSnapshot: %v", err)
	}
	if restored.NPast() != s.NPast() {
		t.Fatalf("NPast: got %d, want %d", restored.NPast(), s.NPast())
	}
	if len(restored.Tokens()) != len(s.Tokens()) {
		t.Fatalf("Tokens length: got %d, want %d", len(restored.Tokens()), len(s.Tokens()))
	}

	// Property 4: snapshotting the restored session again, before any
	// further mutation, must serialize to exactly the same bytes as the
	// first snapshot.
	var buf2 bytes.Buffer
	if err := restored.GetSnapshot().Write(&buf2); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	if !bytes.Equal(firstBytes, buf2.Bytes()) {
		t.Fatalf("double round-trip snapshot bytes diverged")
	}

	// Property 3: the same RNG seed applied to the original and the
	// restored session must draw the identical next token/bytes, since
	// the restored session's memory and n_past are exact copies.
	params := model.InferenceParameters()
	origRng := rand.New(rand.NewSource(11))
	origSample := func(logits []float32, tokens []runtime.TokenID, p runtime.InferenceParameters) (runtime.TokenID, error) {
		return sampler.Sample(logits, tokens, p, origRng)
	}
	origNext, err := s.InferNextToken(context.Background(), model, params, nil, origSample)
	if err != nil {
		t.Fatalf("original InferNextToken: %v", err)
	}

	restoredRng := rand.New(rand.NewSource(11))
	restoredSample := func(logits []float32, tokens []runtime.TokenID, p runtime.InferenceParameters) (runtime.TokenID, error) {
		return sampler.Sample(logits, tokens, p, restoredRng)
	}
	restoredNext, err := restored.InferNextToken(context.Background(), model, params, nil, restoredSample)
	if err != nil {
		t.Fatalf("restored InferNextToken: %v", err)
	}
	if !bytes.Equal(origNext, restoredNext) {
		t.Fatalf("same-seed next token diverged after restore: got %v, want %v", restoredNext, origNext)
	}
}

// TestFromSnapshotRejectsSizeMismatch exercises the restore-time
// validation: a snapshot built for a different-shaped model must fail
// before mutating the freshly allocated session.
func TestFromSnapshotRejectsSizeMismatch(t *testing.T) {
	model := newTestModel(t)
	bad := &snapshot.Snapshot{
		Config:       runtime.SessionConfig{MemoryKType: runtime.F32, MemoryVType: runtime.F32},
		MemoryKBytes: []byte{1, 2, 3}, // wrong size for this model's shape
		MemoryVBytes: []byte{1, 2, 3},
	}
	_, err := session.FromSnapshot(bad, model)
	var mismatch *snapshot.MemorySizeMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *snapshot.MemorySizeMismatch, got %v", err)
	}
}
