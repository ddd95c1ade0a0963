// Package tensorctx is the bounded-size tensor arena a session owns for
// the lifetime of one conversation. It is a stand-in for the real
// compute-backend arena (ggml-style context) described in spec §6 — this
// module consumes that backend only through the small KV-tensor surface
// it actually needs (allocate, write, read raw bytes, measure size), and
// a concrete compute engine (internal/backend/onnxbackend, or any other)
// is free to back these tensors however it likes.
package tensorctx

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/screenager/sift-infer/internal/runtime"
)

// RWKVRunningMaxSentinel is the value RWKV's fifth per-layer state slot
// (the running softmax max) is initialized to, representing "empty".
// Resolves the spec's open question in favor of -1e30 over -Inf, matching
// the reference RWKV.cpp convention gestured at in the original source.
const RWKVRunningMaxSentinel = float32(-1e30)

// Tensor is a flat, byte-backed 1-D tensor allocated inside a Context.
// It implements runtime.KVTensor.
type Tensor struct {
	dtype runtime.DType
	n     int
	data  []byte
}

func newTensor(dtype runtime.DType, n int) *Tensor {
	return &Tensor{dtype: dtype, n: n, data: make([]byte, n*dtype.ByteSize())}
}

func (t *Tensor) ElementCount() int       { return t.n }
func (t *Tensor) ByteSize() int           { return len(t.data) }
func (t *Tensor) DataBytes() []byte       { return t.data }
func (t *Tensor) DType() runtime.DType    { return t.dtype }

// WriteData overwrites the tensor's entire backing store. len(b) must
// equal ByteSize().
func (t *Tensor) WriteData(b []byte) error {
	if len(b) != len(t.data) {
		return fmt.Errorf("tensorctx: write %d bytes into %d-byte tensor", len(b), len(t.data))
	}
	copy(t.data, b)
	return nil
}

// WriteAt writes data at byteOffset, used by Evaluate implementations to
// append a newly-computed KV slice without touching the rest of the
// tensor.
func (t *Tensor) WriteAt(byteOffset int, data []byte) error {
	if byteOffset < 0 || byteOffset+len(data) > len(t.data) {
		return fmt.Errorf("tensorctx: write [%d:%d] out of bounds for %d-byte tensor", byteOffset, byteOffset+len(data), len(t.data))
	}
	copy(t.data[byteOffset:], data)
	return nil
}

// Context is a bounded arena owning every tensor allocated from it. It
// tracks a high-water mark of bytes allocated so far; this is the
// "backend measurement facility" mem_per_token is validated against (see
// SPEC_FULL.md §4).
type Context struct {
	budgetBytes  int
	allocated    int
	highWater    int
	tensors      []*Tensor
}

// NewContext creates an arena bounded at budgetBytes. A budget of 0 means
// unbounded (used by tests and by the reference backend, which doesn't
// need the real ggml no_alloc/measure-pass dance).
func NewContext(budgetBytes int) *Context {
	return &Context{budgetBytes: budgetBytes}
}

// NewTensor1D allocates a new 1-D tensor of n elements of dtype. Returns
// an error if the arena's budget would be exceeded.
func (c *Context) NewTensor1D(dtype runtime.DType, n int) (*Tensor, error) {
	t := newTensor(dtype, n)
	if c.budgetBytes > 0 && c.allocated+len(t.data) > c.budgetBytes {
		return nil, fmt.Errorf("tensorctx: arena budget %d exceeded allocating %d-byte tensor (already used %d)", c.budgetBytes, len(t.data), c.allocated)
	}
	c.allocated += len(t.data)
	if c.allocated > c.highWater {
		c.highWater = c.allocated
	}
	c.tensors = append(c.tensors, t)
	return t, nil
}

// HighWaterMark returns the largest cumulative allocation this arena has
// ever reached. Used to measure mem_per_token after the first evaluate.
func (c *Context) HighWaterMark() int { return c.highWater }

// Reset releases every tensor allocated from the arena and zeroes the
// running allocation; the high-water mark is kept. The session's
// long-lived KV arena is never reset this way; it is freed only when the
// session itself is dropped.
func (c *Context) Reset() {
	c.tensors = nil
	c.allocated = 0
}

// ScratchBuffers holds the two rotating scratch regions a backend needs
// to avoid aliasing between consecutive intermediate tensors within one
// evaluate call. Two are required, not one: certain op sequences need a
// second live region while the first is still being read.
type ScratchBuffers struct {
	Buf0 []byte
	Buf1 []byte
}

// DefaultScratchBytes is the design-constant per-buffer size used when
// NewScratchBuffers is given no positive size (session.New always passes
// 0, so every session gets this size).
const DefaultScratchBytes = 512 * 1024 * 1024

// NewScratchBuffers allocates two buffers of size bytesEach (or the
// default, if bytesEach <= 0).
func NewScratchBuffers(bytesEach int) ScratchBuffers {
	if bytesEach <= 0 {
		bytesEach = DefaultScratchBytes
	}
	return ScratchBuffers{
		Buf0: make([]byte, bytesEach),
		Buf1: make([]byte, bytesEach),
	}
}

// KVCache owns the long-lived memory_k/memory_v tensors (and, for RWKV,
// the state tensor) for one session. byteSize(MemoryK)+byteSize(MemoryV)
// is constant for the session's lifetime per the spec's data-model
// invariant.
type KVCache struct {
	MemoryK *Tensor
	MemoryV *Tensor
	State   *Tensor // nil for non-RWKV architectures
}

// NewKVCache allocates memory_k and memory_v of nLayer*nCtx*nEmbd
// elements each, from arena, typed per config.
func NewKVCache(arena *Context, config runtime.SessionConfig, nLayer, nCtx, nEmbd int) (*KVCache, error) {
	n := nLayer * nCtx * nEmbd
	k, err := arena.NewTensor1D(config.MemoryKType, n)
	if err != nil {
		return nil, fmt.Errorf("allocate memory_k: %w", err)
	}
	v, err := arena.NewTensor1D(config.MemoryVType, n)
	if err != nil {
		return nil, fmt.Errorf("allocate memory_v: %w", err)
	}
	return &KVCache{MemoryK: k, MemoryV: v}, nil
}

// NewRWKVState allocates and sentinel-initializes the RWKV state tensor:
// nLayer*5*nEmbd F32 elements, with slot 5*i+4 of every layer i set to
// RWKVRunningMaxSentinel.
func NewRWKVState(arena *Context, nLayer, nEmbd int) (*Tensor, error) {
	t, err := arena.NewTensor1D(runtime.F32, nLayer*5*nEmbd)
	if err != nil {
		return nil, fmt.Errorf("allocate rwkv state: %w", err)
	}
	buf := make([]byte, t.ByteSize())
	for i := 0; i < nLayer; i++ {
		off := (5*i + 4) * nEmbd * runtime.F32.ByteSize()
		for e := 0; e < nEmbd; e++ {
			putF32(buf, off+e*4, RWKVRunningMaxSentinel)
		}
	}
	if err := t.WriteData(buf); err != nil {
		return nil, err
	}
	return t, nil
}

func putF32(b []byte, off int, v float32) {
	binary.LittleEndian.PutUint32(b[off:off+4], math.Float32bits(v))
}
