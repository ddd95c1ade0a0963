// Package runtime defines the architecture-agnostic contract between an
// inference session and a model: how a batch of token ids is evaluated,
// how the KV cache is appended to, and how logits come back out.
//
// Everything in this package is an interface or a plain value type — the
// concrete per-architecture weight topologies and the real tensor-compute
// kernels live outside this module (see internal/arch and
// internal/backend) and are consumed only through these shapes.
package runtime

import "context"

// TokenID identifies a single vocabulary entry.
type TokenID int32

// DType is the element type of a KV-cache tensor.
type DType int

const (
	F16 DType = iota
	F32
)

// ByteSize returns the per-element size in bytes.
func (d DType) ByteSize() int {
	switch d {
	case F16:
		return 2
	case F32:
		return 4
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case F16:
		return "f16"
	case F32:
		return "f32"
	default:
		return "unknown"
	}
}

// SessionConfig is the immutable-after-creation configuration of a
// session's KV-cache element types.
type SessionConfig struct {
	MemoryKType DType
	MemoryVType DType
}

// InferenceParameters are immutable for the duration of one call; callers
// may vary them call-to-call (e.g. tightening top_p mid-conversation).
type InferenceParameters struct {
	NThreads int
	NBatch   int

	TopK                    int
	TopP                    float32
	Temperature             float32
	RepeatPenalty           float32
	RepetitionPenaltyLastN  int
	BiasTokens              map[TokenID]float32
}

// DefaultInferenceParameters mirrors commonly-shipped model defaults.
func DefaultInferenceParameters() InferenceParameters {
	return InferenceParameters{
		NThreads:               4,
		NBatch:                 8,
		TopK:                   40,
		TopP:                   0.95,
		Temperature:            0.8,
		RepeatPenalty:          1.3,
		RepetitionPenaltyLastN: 64,
		BiasTokens:             nil,
	}
}

// OutputRequest is an out-parameter struct passed into Evaluate. When a
// slot is non-nil, Evaluate must populate it; when nil, Evaluate must not
// allocate for it at all.
type OutputRequest struct {
	// AllLogits, if non-nil, receives the logits of every input position
	// (not just the last), one row per position, indexed [pos][n_vocab].
	AllLogits *[][]float32
	// Embeddings, if non-nil, receives the post-embedding hidden state of
	// the last input position.
	Embeddings *[]float32
}

// Tokenizer is the external text<->token-id collaborator. It is consumed,
// never implemented, by this module's core.
type Tokenizer interface {
	// Tokenize splits text into (bytes, id) pairs. If prependBOS is true
	// and the tokenizer has a beginning-of-text marker, it is prepended.
	Tokenize(text string, prependBOS bool) ([]TokenPiece, error)
	// TokenBytes returns the raw byte representation of a single token id.
	TokenBytes(id TokenID) []byte
}

// TokenPiece is one (bytes, id) pair produced by Tokenize.
type TokenPiece struct {
	Bytes []byte
	ID    TokenID
}

// Model is the capability set a concrete architecture must implement to
// drive a Session. The session never introspects concrete model types.
type Model interface {
	NContextTokens() int
	NEmbedding() int
	NVocab() int
	NLayer() int

	Tokenizer() Tokenizer
	BotTokenID() (TokenID, bool)
	EotTokenID() TokenID

	// InferenceParameters returns the model's own shipped defaults.
	InferenceParameters() InferenceParameters

	// StartSession sizes and allocates a fresh KV-cache arena for config
	// and returns a ready-to-use Session handle.
	StartSession(config SessionConfig) (Session, error)

	// Evaluate feeds inputTokens through the network, appends to the
	// session's KV cache, advances its committed-token count, and writes
	// the final token's logits into the session.
	Evaluate(ctx context.Context, sess Session, params InferenceParameters, inputTokens []TokenID, out *OutputRequest) error
}

// Session is the subset of session state a Model implementation needs to
// read and mutate during Evaluate. The full, richer Session type lives in
// internal/session; this narrower view keeps internal/runtime free of a
// dependency on it (avoiding an import cycle) while still letting models
// participate in the KV-cache/n_past/last_logits invariants.
type Session interface {
	NPast() int
	SetNPast(n int)
	MemoryK() KVTensor
	MemoryV() KVTensor
	State() (KVTensor, bool)
	LastLogits() []float32
	SetLastLogits([]float32)
	MemPerToken() int
	SetMemPerToken(int)
}

// KVTensor is the narrow tensor view Evaluate needs: a flat byte-backed
// buffer the model writes per-layer, per-position slices into.
type KVTensor interface {
	ElementCount() int
	ByteSize() int
	DataBytes() []byte
	WriteAt(byteOffset int, data []byte) error
}
