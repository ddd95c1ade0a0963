// Package onnxbackend is the reference tensor-compute engine this module
// ships: an ONNX Runtime session running one exported "decoder step"
// graph (input_ids + positions -> logits). It is a concrete
// stand-in for the ggml-style compute backend spec.md §6 describes as an
// external collaborator — this module calls it only through the narrow
// Backend type below (via arch.OnnxCompute).
//
// Session construction directly generalizes internal/embed/embedder.go's
// ONNX session setup (intra/inter-op thread options, shared-library
// path), swapping a sentence-embedding graph for a causal decoder step.
package onnxbackend

import (
	"fmt"
	"os"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// Config controls backend construction.
type Config struct {
	// ModelPath is the exported ONNX graph for one decoder step.
	ModelPath string
	// OrtLibPath points at onnxruntime.so/.dylib; empty uses the system
	// default search path.
	OrtLibPath string
	// NumThreads sets IntraOpNumThreads; 0 = min(4, NumCPU).
	NumThreads int
	InputNames  []string
	OutputNames []string
}

// Backend wraps a single ONNX Runtime session.
type Backend struct {
	session *ort.DynamicAdvancedSession
}

// New constructs a Backend from cfg, mirroring embed.New's validation
// and session-option sequence.
func New(cfg Config) (*Backend, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("onnxbackend: model not found at %s: %w", cfg.ModelPath, err)
	}

	if cfg.OrtLibPath != "" {
		ort.SetSharedLibraryPath(cfg.OrtLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("onnxbackend: init ort: %w", err)
	}

	numThreads := cfg.NumThreads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
		if numThreads > 4 {
			numThreads = 4
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnxbackend: session options: %w", err)
	}
	defer opts.Destroy()

	if err := opts.SetIntraOpNumThreads(numThreads); err != nil {
		return nil, fmt.Errorf("onnxbackend: set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("onnxbackend: set inter threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, cfg.InputNames, cfg.OutputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("onnxbackend: create session: %w", err)
	}

	return &Backend{session: session}, nil
}

// Close releases the ONNX session.
func (b *Backend) Close() {
	if b.session != nil {
		b.session.Destroy()
	}
}

// StepInput is the ONNX-tensor-shaped input to one decoder step.
type StepInput struct {
	// InputIDs is the batch of token ids for this call, length n_tokens.
	InputIDs []int64
	// Positions is the absolute sequence position of each input id.
	Positions []int64
}

// StepOutput is what one decoder step graph produces.
type StepOutput struct {
	// Logits holds, for every input position, n_vocab float32s.
	Logits [][]float32
	// Embeddings is the post-embedding hidden state of the last position;
	// Run leaves it nil.
	Embeddings []float32
}

// Run feeds one StepInput through the ONNX graph and returns logits for
// every input position. Only the graph's first output is read, and the
// n_vocab dimension is inferred from its reported shape; no hidden state
// is read, so the returned Embeddings is always nil.
func (b *Backend) Run(in StepInput) (StepOutput, error) {
	n := len(in.InputIDs)
	if n == 0 {
		return StepOutput{}, fmt.Errorf("onnxbackend: empty input batch")
	}

	idsTensor, err := ort.NewTensor(ort.NewShape(1, int64(n)), in.InputIDs)
	if err != nil {
		return StepOutput{}, fmt.Errorf("onnxbackend: input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()

	posTensor, err := ort.NewTensor(ort.NewShape(1, int64(n)), in.Positions)
	if err != nil {
		return StepOutput{}, fmt.Errorf("onnxbackend: positions tensor: %w", err)
	}
	defer posTensor.Destroy()

	// Let ONNX Runtime allocate the output itself rather than pre-sizing
	// it — the vocab dimension isn't known on this side of the graph.
	outputs := []ort.Value{nil}
	if err := b.session.Run([]ort.Value{idsTensor, posTensor}, outputs); err != nil {
		return StepOutput{}, fmt.Errorf("onnxbackend: run: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	logitsTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return StepOutput{}, fmt.Errorf("onnxbackend: unexpected output type (want *Tensor[float32])")
	}

	shape := logitsTensor.GetShape()
	nVocab := int(shape[len(shape)-1])
	flat := logitsTensor.GetData()

	logits := make([][]float32, n)
	for i := 0; i < n; i++ {
		logits[i] = append([]float32(nil), flat[i*nVocab:(i+1)*nVocab]...)
	}

	return StepOutput{Logits: logits, Embeddings: nil}, nil
}
