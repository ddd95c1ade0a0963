// Package session is the stateful container for one generation stream:
// context tokens, KV-cache tensors, the last logits vector, and the
// feed_prompt/infer_next_token orchestration loops.
//
// A Session is single-owner and not internally synchronized — the public
// contract is that one session is never used from two goroutines at
// once. It may be freely handed off between goroutines.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/screenager/sift-infer/internal/runtime"
	"github.com/screenager/sift-infer/internal/snapshot"
	"github.com/screenager/sift-infer/internal/tensorctx"
)

// Shape describes the hyperparameters a session's arena is sized from.
// These come from the Model and never change for the session's lifetime.
type Shape struct {
	NContextTokens int
	NEmbedding     int
	NLayer         int
	NVocab         int
	IsRWKV         bool
}

// Session is the mutable state of one generation stream.
type Session struct {
	config runtime.SessionConfig
	shape  Shape

	arena   *tensorctx.Context
	kv      *tensorctx.KVCache
	scratch tensorctx.ScratchBuffers

	nPast       int
	tokens      []runtime.TokenID
	lastLogits  []float32
	memPerToken int
}

// New allocates a fresh session arena per shape/config. Called by a
// Model's StartSession implementation — the model decides sizing, the
// session just owns what comes back.
func New(config runtime.SessionConfig, shape Shape) (*Session, error) {
	arena := tensorctx.NewContext(0)
	kv, err := tensorctx.NewKVCache(arena, config, shape.NLayer, shape.NContextTokens, shape.NEmbedding)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if shape.IsRWKV {
		state, err := tensorctx.NewRWKVState(arena, shape.NLayer, shape.NEmbedding)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		kv.State = state
	}
	return &Session{
		config:     config,
		shape:      shape,
		arena:      arena,
		kv:         kv,
		scratch:    tensorctx.NewScratchBuffers(0),
		lastLogits: make([]float32, shape.NVocab),
	}, nil
}

// --- runtime.Session interface ---

func (s *Session) NPast() int               { return s.nPast }
func (s *Session) SetNPast(n int)           { s.nPast = n }
func (s *Session) MemoryK() runtime.KVTensor { return s.kv.MemoryK }
func (s *Session) MemoryV() runtime.KVTensor { return s.kv.MemoryV }
func (s *Session) State() (runtime.KVTensor, bool) {
	if s.kv.State == nil {
		return nil, false
	}
	return s.kv.State, true
}
func (s *Session) LastLogits() []float32        { return s.lastLogits }
func (s *Session) SetLastLogits(v []float32)    { s.lastLogits = v }
func (s *Session) MemPerToken() int             { return s.memPerToken }
func (s *Session) SetMemPerToken(n int)         { s.memPerToken = n }

// Tokens returns the committed token history. len(Tokens()) == NPast()
// at every public entry/exit, per the session invariant.
func (s *Session) Tokens() []runtime.TokenID { return s.tokens }

// Shape returns the session's fixed hyperparameter shape.
func (s *Session) Shape() Shape { return s.shape }

// Config returns the session's immutable KV element-type configuration.
func (s *Session) Config() runtime.SessionConfig { return s.config }

// Scratch returns the two per-session rotating scratch buffers.
func (s *Session) Scratch() *tensorctx.ScratchBuffers { return &s.scratch }

// recordMemPerToken updates the running mem_per_token estimate from the
// arena's high-water mark, resolving the open question of how to measure
// it: rather than a hardcoded architecture-specific constant, it's the
// arena's peak allocation so far divided by tokens evaluated so far.
func (s *Session) recordMemPerToken() {
	if s.nPast <= 0 {
		return
	}
	s.memPerToken = s.arena.HighWaterMark() / s.nPast
}

// OnTokenBytesFunc is the byte-level callback invoked once per emitted
// token during FeedPrompt with that token's raw bytes, which may be an
// incomplete UTF-8 sequence; Infer wraps it with a UTF-8 assembler.
type OnTokenBytesFunc func(b []byte) error

// FeedPrompt tokenizes prompt, partitions it into n_batch-sized chunks,
// and evaluates each chunk in turn, invoking onTokenBytes for every
// non-BOT token as it's committed.
func (s *Session) FeedPrompt(ctx context.Context, model runtime.Model, params runtime.InferenceParameters, prompt string, out *runtime.OutputRequest, onTokenBytes OnTokenBytesFunc) error {
	prependBOS := s.nPast == 0
	pieces, err := model.Tokenizer().Tokenize(prompt, prependBOS)
	if err != nil {
		return &runtime.TokenizationError{Err: err}
	}

	if s.nPast+len(pieces) >= s.shape.NContextTokens {
		logrus.Warnf("[session] feed_prompt would exceed context window (n_past=%d, +%d tokens, n_ctx=%d)", s.nPast, len(pieces), s.shape.NContextTokens)
		return runtime.ErrContextFull
	}

	botID, hasBot := model.BotTokenID()

	batchSize := params.NBatch
	if batchSize <= 0 {
		batchSize = 1
	}
	for start := 0; start < len(pieces); start += batchSize {
		end := start + batchSize
		if end > len(pieces) {
			end = len(pieces)
		}
		batch := pieces[start:end]

		ids := make([]runtime.TokenID, len(batch))
		for i, p := range batch {
			ids[i] = p.ID
		}

		logrus.Debugf("[session] evaluate batch of %d tokens (n_past=%d)", len(ids), s.nPast)
		if err := model.Evaluate(ctx, s, params, ids, out); err != nil {
			return fmt.Errorf("evaluate: %w", err)
		}
		s.recordMemPerToken()

		for i, p := range batch {
			if hasBot && p.ID == botID {
				s.tokens = append(s.tokens, p.ID)
				continue
			}
			if onTokenBytes != nil {
				if err := onTokenBytes(p.Bytes); err != nil {
					// The whole batch is already evaluated into the KV
					// cache, so commit the rest of it to keep tokens
					// aligned with n_past.
					s.tokens = append(s.tokens, ids[i:]...)
					return &runtime.UserCallbackError{Err: err}
				}
			}
			s.tokens = append(s.tokens, p.ID)
		}
	}
	return nil
}

// InferNextToken samples one token from last_logits, appends it to the
// KV cache via Evaluate, and returns its raw bytes — or ErrEndOfText if
// the sampled token is the model's EOT marker.
func (s *Session) InferNextToken(ctx context.Context, model runtime.Model, params runtime.InferenceParameters, out *runtime.OutputRequest, sample SampleFunc) ([]byte, error) {
	if s.nPast+1 >= s.shape.NContextTokens {
		logrus.Warnf("[session] infer_next_token at context frontier (n_past=%d, n_ctx=%d)", s.nPast, s.shape.NContextTokens)
		return nil, runtime.ErrContextFull
	}

	t, err := sample(s.lastLogits, s.tokens, params)
	if err != nil {
		return nil, fmt.Errorf("sample: %w", err)
	}

	s.tokens = append(s.tokens, t)
	if err := model.Evaluate(ctx, s, params, []runtime.TokenID{t}, out); err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	s.recordMemPerToken()

	if t == model.EotTokenID() {
		return nil, runtime.ErrEndOfText
	}
	return model.Tokenizer().TokenBytes(t), nil
}

// SampleFunc is internal/sampler.Sample with the rng bound: callers close
// over their own rng, so InferNextToken takes no rng parameter.
type SampleFunc func(logits []float32, tokens []runtime.TokenID, params runtime.InferenceParameters) (runtime.TokenID, error)

// GetSnapshot returns a value-type snapshot of the session's current
// state, byte-copying the KV/state tensors. Unlike the Rust original's
// borrowing SnapshotRef, Go has no equivalent read-lock-and-alias
// primitive worth fighting the GC for here, so this always produces an
// owned copy; callers should still treat "between GetSnapshot and use"
// as a window where they must not mutate the session concurrently (the
// single-owner contract already requires this).
func (s *Session) GetSnapshot() *snapshot.Snapshot {
	snap := &snapshot.Snapshot{
		NPast:        s.nPast,
		Config:       s.config,
		Tokens:       append([]runtime.TokenID(nil), s.tokens...),
		LastLogits:   append([]float32(nil), s.lastLogits...),
		MemoryKBytes: append([]byte(nil), s.kv.MemoryK.DataBytes()...),
		MemoryVBytes: append([]byte(nil), s.kv.MemoryV.DataBytes()...),
	}
	if s.kv.State != nil {
		snap.StateBytes = append([]byte(nil), s.kv.State.DataBytes()...)
	}
	return snap
}

// FromSnapshot allocates a fresh session arena via model.StartSession and
// restores snap's bytes into it. Sizes are validated before any bytes are
// copied; a mismatch returns *snapshot.MemorySizeMismatch without
// mutating the freshly allocated session.
func FromSnapshot(snap *snapshot.Snapshot, model runtime.Model) (*Session, error) {
	s, err := model.StartSession(snap.Config)
	if err != nil {
		return nil, fmt.Errorf("from_snapshot: start_session: %w", err)
	}
	sess, ok := s.(*Session)
	if !ok {
		return nil, fmt.Errorf("from_snapshot: model.StartSession returned an unexpected Session implementation")
	}

	if sess.kv.MemoryK.ByteSize() != len(snap.MemoryKBytes) {
		return nil, &snapshot.MemorySizeMismatch{Tensor: "memory_k", SelfSize: sess.kv.MemoryK.ByteSize(), InputSize: len(snap.MemoryKBytes)}
	}
	if sess.kv.MemoryV.ByteSize() != len(snap.MemoryVBytes) {
		return nil, &snapshot.MemorySizeMismatch{Tensor: "memory_v", SelfSize: sess.kv.MemoryV.ByteSize(), InputSize: len(snap.MemoryVBytes)}
	}
	if sess.kv.State != nil {
		if sess.kv.State.ByteSize() != len(snap.StateBytes) {
			return nil, &snapshot.MemorySizeMismatch{Tensor: "state", SelfSize: sess.kv.State.ByteSize(), InputSize: len(snap.StateBytes)}
		}
	} else if len(snap.StateBytes) != 0 {
		return nil, &snapshot.MemorySizeMismatch{Tensor: "state", SelfSize: 0, InputSize: len(snap.StateBytes)}
	}

	if err := sess.kv.MemoryK.WriteData(snap.MemoryKBytes); err != nil {
		return nil, fmt.Errorf("from_snapshot: %w", err)
	}
	if err := sess.kv.MemoryV.WriteData(snap.MemoryVBytes); err != nil {
		return nil, fmt.Errorf("from_snapshot: %w", err)
	}
	if sess.kv.State != nil {
		if err := sess.kv.State.WriteData(snap.StateBytes); err != nil {
			return nil, fmt.Errorf("from_snapshot: %w", err)
		}
	}

	sess.nPast = snap.NPast
	sess.tokens = append([]runtime.TokenID(nil), snap.Tokens...)
	sess.lastLogits = append([]float32(nil), snap.LastLogits...)
	return sess, nil
}

// --- infer: the top-level generation loop ---

// Request bundles the parameters of a full infer() call.
type Request struct {
	Prompt                 string
	PlayBackPreviousTokens bool
	MaximumTokenCount      *int
	ParametersOverride     *runtime.InferenceParameters
}

// Stats carries timing/count information for one Infer call.
type Stats struct {
	FeedPromptDuration time.Duration
	PromptTokens       int
	PredictDuration    time.Duration
	PredictTokens      int
}

func (st Stats) String() string {
	return fmt.Sprintf("prompt: %d tok in %s, predict: %d tok in %s", st.PromptTokens, st.FeedPromptDuration, st.PredictTokens, st.PredictDuration)
}
