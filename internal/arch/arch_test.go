package arch_test

import (
	"context"
	"errors"
	"testing"

	"github.com/screenager/sift-infer/internal/arch"
	"github.com/screenager/sift-infer/internal/runtime"
	"github.com/screenager/sift-infer/internal/tok"
)

func baseParams(compute arch.Compute) arch.Params {
	tz := tok.NewReferenceTokenizer()
	bot := tz.BOSID
	return arch.Params{
		NVocab:     258,
		NEmbd:      4,
		NLayer:     2,
		NCtx:       16,
		Tokenizer:  tz,
		BotTokenID: &bot,
		EotTokenID: tz.EOTID,
		Defaults:   runtime.DefaultInferenceParameters(),
		Compute:    compute,
	}
}

func TestDispatchUnknownTagErrors(t *testing.T) {
	_, err := arch.Dispatch(arch.Tag("not-a-real-arch"), arch.Params{})
	if err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestDispatchAllTransformerTagsShareGenericModel(t *testing.T) {
	compute := &arch.SyntheticCompute{NVocab: 258, NEmbd: 4}
	for _, tag := range []arch.Tag{arch.Bloom, arch.GPT2, arch.GPTJ, arch.GPTNeoX, arch.LLaMA, arch.MPT} {
		if _, err := arch.Dispatch(tag, baseParams(compute)); err != nil {
			t.Fatalf("Dispatch(%s): %v", tag, err)
		}
	}
}

func TestIsRWKV(t *testing.T) {
	if !arch.IsRWKV(arch.RWKV) {
		t.Fatal("expected RWKV tag to report IsRWKV true")
	}
	if arch.IsRWKV(arch.LLaMA) {
		t.Fatal("expected LLaMA tag to report IsRWKV false")
	}
}

func TestGenericModelEvaluateAppendsKVAndAdvancesNPast(t *testing.T) {
	compute := &arch.SyntheticCompute{NVocab: 258, NEmbd: 4}
	model, err := arch.Dispatch(arch.LLaMA, baseParams(compute))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	sess, err := model.StartSession(runtime.SessionConfig{MemoryKType: runtime.F32, MemoryVType: runtime.F32})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if err := model.Evaluate(context.Background(), sess, model.InferenceParameters(), []runtime.TokenID{5, 6, 7}, nil); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if sess.NPast() != 3 {
		t.Fatalf("NPast: got %d, want 3", sess.NPast())
	}
	if len(sess.LastLogits()) != 258 {
		t.Fatalf("LastLogits length: got %d, want 258", len(sess.LastLogits()))
	}

	// Layer 0 rows: NEmbd=4 F32 elements = 16 bytes per position.
	k := sess.MemoryK().DataBytes()
	const rowBytes = 16
	if bytesEqual(k[2*rowBytes:3*rowBytes], make([]byte, rowBytes)) {
		t.Fatal("expected memory_k row for position 2 to be written")
	}
	if !bytesEqual(k[3*rowBytes:4*rowBytes], make([]byte, rowBytes)) {
		t.Fatal("expected memory_k row for position 3 to be untouched")
	}
}

func TestGenericModelEvaluateRejectsContextOverflow(t *testing.T) {
	compute := &arch.SyntheticCompute{NVocab: 258, NEmbd: 4}
	p := baseParams(compute)
	p.NCtx = 2
	model, err := arch.Dispatch(arch.LLaMA, p)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	sess, err := model.StartSession(runtime.SessionConfig{MemoryKType: runtime.F32, MemoryVType: runtime.F32})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	err = model.Evaluate(context.Background(), sess, model.InferenceParameters(), []runtime.TokenID{1, 2, 3}, nil)
	if !errors.Is(err, runtime.ErrContextFull) {
		t.Fatalf("expected ErrContextFull, got %v", err)
	}
}

func TestRWKVModelRequiresWrappedCompute(t *testing.T) {
	p := baseParams(&arch.SyntheticCompute{NVocab: 258, NEmbd: 4})
	if _, err := arch.Dispatch(arch.RWKV, p); err == nil {
		t.Fatal("expected error dispatching rwkv with a non-RWKV Compute")
	}
}

func TestRWKVModelStateEvolvesAcrossSteps(t *testing.T) {
	rc := &arch.SyntheticRWKVCompute{NVocab: 258, NLayer: 2, NEmbd: 4}
	p := baseParams(arch.WrapRWKV(rc))
	model, err := arch.Dispatch(arch.RWKV, p)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	sess, err := model.StartSession(runtime.SessionConfig{MemoryKType: runtime.F32, MemoryVType: runtime.F32})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	stateTensor, ok := sess.State()
	if !ok {
		t.Fatal("expected rwkv session to carry a state tensor")
	}
	before := append([]byte(nil), stateTensor.DataBytes()...)

	if err := model.Evaluate(context.Background(), sess, model.InferenceParameters(), []runtime.TokenID{9}, nil); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	after := stateTensor.DataBytes()
	if bytesEqual(before, after) {
		t.Fatal("expected rwkv state to change after a step")
	}
	if sess.NPast() != 1 {
		t.Fatalf("NPast: got %d, want 1", sess.NPast())
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
