package arch

import (
	"context"
	"fmt"

	"github.com/screenager/sift-infer/internal/runtime"
	"github.com/screenager/sift-infer/internal/session"
)

// genericModel drives any non-RWKV transformer architecture through the
// same Evaluate shape: token ids -> Compute.Forward -> append KV -> write
// last_logits. The real weight topology (attention heads, MLP shape,
// norm placement, etc.) lives in Compute; this type only implements the
// session-facing contract.
type genericModel struct {
	p Params
}

func newGenericModel(p Params) (runtime.Model, error) {
	if p.Compute == nil {
		return nil, fmt.Errorf("arch: generic model requires a Compute backend")
	}
	return &genericModel{p: p}, nil
}

func (m *genericModel) NContextTokens() int { return m.p.NCtx }
func (m *genericModel) NEmbedding() int     { return m.p.NEmbd }
func (m *genericModel) NVocab() int         { return m.p.NVocab }
func (m *genericModel) NLayer() int         { return m.p.NLayer }
func (m *genericModel) Tokenizer() runtime.Tokenizer { return m.p.Tokenizer }

func (m *genericModel) BotTokenID() (runtime.TokenID, bool) {
	if m.p.BotTokenID == nil {
		return 0, false
	}
	return *m.p.BotTokenID, true
}
func (m *genericModel) EotTokenID() runtime.TokenID { return m.p.EotTokenID }

func (m *genericModel) InferenceParameters() runtime.InferenceParameters { return m.p.Defaults }

func (m *genericModel) StartSession(config runtime.SessionConfig) (runtime.Session, error) {
	return session.New(config, session.Shape{
		NContextTokens: m.p.NCtx,
		NEmbedding:     m.p.NEmbd,
		NLayer:         m.p.NLayer,
		NVocab:         m.p.NVocab,
		IsRWKV:         false,
	})
}

func (m *genericModel) Evaluate(ctx context.Context, sess runtime.Session, params runtime.InferenceParameters, inputTokens []runtime.TokenID, out *runtime.OutputRequest) error {
	if len(inputTokens) == 0 {
		return fmt.Errorf("arch: evaluate requires a non-empty input batch")
	}
	nPast := sess.NPast()
	if nPast+len(inputTokens) > m.p.NCtx {
		return runtime.ErrContextFull
	}

	ids := make([]int64, len(inputTokens))
	positions := make([]int64, len(inputTokens))
	for i, t := range inputTokens {
		ids[i] = int64(t)
		positions[i] = int64(nPast + i)
	}

	logits, embedding, err := m.p.Compute.Forward(ids, positions)
	if err != nil {
		return fmt.Errorf("arch: forward: %w", err)
	}
	if len(logits) != len(inputTokens) {
		return fmt.Errorf("arch: compute backend returned %d logit rows for %d input tokens", len(logits), len(inputTokens))
	}

	if err := appendKV(sess, m.p.NLayer, m.p.NCtx, m.p.NEmbd, nPast, inputTokens); err != nil {
		return err
	}

	sess.SetNPast(nPast + len(inputTokens))
	sess.SetLastLogits(logits[len(logits)-1])

	if out != nil {
		if out.AllLogits != nil {
			*out.AllLogits = logits
		}
		if out.Embeddings != nil {
			*out.Embeddings = embedding
		}
	}

	return nil
}
