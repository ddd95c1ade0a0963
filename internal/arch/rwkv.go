package arch

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/screenager/sift-infer/internal/runtime"
	"github.com/screenager/sift-infer/internal/session"
)

// RWKVCompute is the narrow forward surface RWKV needs: unlike the
// causal-transformer Compute interface, RWKV carries explicit
// running state between steps instead of a KV cache (spec.md §9 — it is
// an RNN, not a causal transformer).
type RWKVCompute interface {
	Step(tokenID int64, state []float32) (logits []float32, newState []float32, err error)
}

// rwkvModel implements runtime.Model for the RNN-style outlier
// architecture. Every Evaluate call decodes the session's live state
// tensor into a plain slice once before stepping through the batch
// (copyIn) and writes the evolved state back once afterwards (copyOut);
// the live tensor is not aliased by the compute calls. Both steps are
// inline blocks of Evaluate, not separate functions. Evaluate fills
// OutputRequest.AllLogits but leaves OutputRequest.Embeddings untouched:
// RWKVCompute.Step returns no hidden state.
type rwkvModel struct {
	p       Params
	compute RWKVCompute
}

func newRWKVModel(p Params) (runtime.Model, error) {
	rc, ok := p.Compute.(rwkvComputeBox)
	if !ok {
		return nil, fmt.Errorf("arch: rwkv model requires an RWKVCompute (wrap with arch.WrapRWKV)")
	}
	return &rwkvModel{p: p, compute: rc.inner}, nil
}

// rwkvComputeBox lets RWKVCompute implementations travel through the
// Params.Compute field (typed as Compute) without RWKVCompute itself
// needing to satisfy Compute's Forward method.
type rwkvComputeBox struct {
	inner RWKVCompute
}

func (rwkvComputeBox) Forward(tokenIDs []int64, positions []int64) ([][]float32, []float32, error) {
	return nil, nil, fmt.Errorf("arch: rwkv compute must be driven through Step, not Forward")
}

// WrapRWKV adapts an RWKVCompute so it can be placed in Params.Compute
// for dispatch to the "rwkv" tag.
func WrapRWKV(rc RWKVCompute) Compute { return rwkvComputeBox{inner: rc} }

func (m *rwkvModel) NContextTokens() int             { return m.p.NCtx }
func (m *rwkvModel) NEmbedding() int                 { return m.p.NEmbd }
func (m *rwkvModel) NVocab() int                     { return m.p.NVocab }
func (m *rwkvModel) NLayer() int                     { return m.p.NLayer }
func (m *rwkvModel) Tokenizer() runtime.Tokenizer     { return m.p.Tokenizer }

func (m *rwkvModel) BotTokenID() (runtime.TokenID, bool) {
	if m.p.BotTokenID == nil {
		return 0, false
	}
	return *m.p.BotTokenID, true
}
func (m *rwkvModel) EotTokenID() runtime.TokenID { return m.p.EotTokenID }

func (m *rwkvModel) InferenceParameters() runtime.InferenceParameters { return m.p.Defaults }

func (m *rwkvModel) StartSession(config runtime.SessionConfig) (runtime.Session, error) {
	return session.New(config, session.Shape{
		NContextTokens: m.p.NCtx,
		NEmbedding:     m.p.NEmbd,
		NLayer:         m.p.NLayer,
		NVocab:         m.p.NVocab,
		IsRWKV:         true,
	})
}

func (m *rwkvModel) Evaluate(ctx context.Context, sess runtime.Session, params runtime.InferenceParameters, inputTokens []runtime.TokenID, out *runtime.OutputRequest) error {
	if len(inputTokens) == 0 {
		return fmt.Errorf("arch: evaluate requires a non-empty input batch")
	}
	nPast := sess.NPast()
	if nPast+len(inputTokens) > m.p.NCtx {
		return runtime.ErrContextFull
	}

	stateTensor, ok := sess.State()
	if !ok {
		return fmt.Errorf("arch: rwkv session missing state tensor")
	}

	// copyIn: decode the live state tensor into a plain float32 slice
	// for the compute call.
	state := decodeF32(stateTensor.DataBytes())

	var allLogits [][]float32
	var lastLogits []float32
	for _, t := range inputTokens {
		logits, newState, err := m.compute.Step(int64(t), state)
		if err != nil {
			return fmt.Errorf("arch: rwkv step: %w", err)
		}
		state = newState
		lastLogits = logits
		if out != nil && out.AllLogits != nil {
			allLogits = append(allLogits, logits)
		}
	}

	// copyOut: write the evolved state back into the session's live
	// tensor.
	if err := stateTensor.WriteAt(0, encodeF32(state)); err != nil {
		return fmt.Errorf("arch: rwkv copy-out state: %w", err)
	}

	sess.SetNPast(nPast + len(inputTokens))
	sess.SetLastLogits(lastLogits)
	if out != nil && out.AllLogits != nil {
		*out.AllLogits = allLogits
	}

	return nil
}

func decodeF32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : i*4+4]))
	}
	return out
}

func encodeF32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(f))
	}
	return buf
}
