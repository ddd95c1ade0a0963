// Package arch is the dispatcher (spec.md component C9): it maps a
// runtime architecture tag ("bloom", "gpt2", "gptj", "gptneox", "llama",
// "mpt", "rwkv") to a concrete Model constructor. The concrete
// per-architecture weight topologies are deliberately out of scope for
// this module (spec.md §1) — what ships here is a single generic
// causal-transformer Model shared by the six transformer tags (they
// differ only in the real weight topology, which lives outside this
// module) and a dedicated RWKV Model for the RNN outlier described in
// spec.md §9.
package arch

import (
	"fmt"

	"github.com/screenager/sift-infer/internal/runtime"
)

// Tag is a runtime architecture identifier, matching the CLI surface
// named in spec.md §6.
type Tag string

const (
	Bloom   Tag = "bloom"
	GPT2    Tag = "gpt2"
	GPTJ    Tag = "gptj"
	GPTNeoX Tag = "gptneox"
	LLaMA   Tag = "llama"
	MPT     Tag = "mpt"
	RWKV    Tag = "rwkv"
)

// Params configures a model regardless of architecture. Compute is a
// small abstraction (see Compute below) so the same constructor works
// against the ONNX reference backend or a deterministic synthetic
// backend used by tests.
type Params struct {
	NVocab, NEmbd, NLayer, NCtx int
	Tokenizer                   runtime.Tokenizer
	BotTokenID                  *runtime.TokenID
	EotTokenID                  runtime.TokenID
	Defaults                    runtime.InferenceParameters
	Compute                     Compute
}

// Compute is the narrow forward-pass surface a Model needs from a
// tensor-compute engine: given token ids and their absolute positions,
// return per-position logits (and, for the last position, an embedding).
// OnnxCompute adapts onnxbackend.Backend.Run to this shape; SyntheticCompute is a
// deterministic stand-in requiring no model file, used for tests and for
// the bundled echo/reference model.
type Compute interface {
	Forward(tokenIDs []int64, positions []int64) (logits [][]float32, lastEmbedding []float32, err error)
}

// constructor builds a Model for one architecture tag from Params.
type constructor func(Params) (runtime.Model, error)

var registry = map[Tag]constructor{
	Bloom:   newGenericModel,
	GPT2:    newGenericModel,
	GPTJ:    newGenericModel,
	GPTNeoX: newGenericModel,
	LLaMA:   newGenericModel,
	MPT:     newGenericModel,
	RWKV:    newRWKVModel,
}

// Dispatch builds a Model for the given architecture tag.
func Dispatch(tag Tag, p Params) (runtime.Model, error) {
	ctor, ok := registry[tag]
	if !ok {
		return nil, fmt.Errorf("arch: unknown architecture tag %q", tag)
	}
	return ctor(p)
}

// IsRWKV reports whether tag is the RNN-style outlier architecture,
// which carries an extra state tensor (spec.md §9).
func IsRWKV(tag Tag) bool { return tag == RWKV }
