package arch

import "math"

// SyntheticRWKVCompute is a deterministic RWKVCompute requiring no model
// file: it maintains a running mix of token ids in state[0] of every
// layer and derives logits from it, giving state genuine, testable
// evolution across steps without real RWKV weights.
type SyntheticRWKVCompute struct {
	NVocab int
	NLayer int
	NEmbd  int
}

func (s *SyntheticRWKVCompute) Step(tokenID int64, state []float32) ([]float32, []float32, error) {
	newState := append([]float32(nil), state...)
	for li := 0; li < s.NLayer; li++ {
		base := li * 5 * s.NEmbd
		if base >= len(newState) {
			continue
		}
		// slot 0 of each layer is a running mix; decay it toward the new
		// token id, the way RWKV's time-mix state evolves.
		newState[base] = newState[base]*0.9 + float32(tokenID)*0.1
	}

	row := make([]float32, s.NVocab)
	mix := float32(0)
	if len(newState) > 0 {
		mix = newState[0]
	}
	for v := 0; v < s.NVocab; v++ {
		d := float32(v) - mix
		row[v] = -d * d / float32(s.NVocab)
	}
	return row, newState, nil
}

// SyntheticCompute is a deterministic Compute implementation requiring
// no model file or ONNX runtime: logits are a smooth, reproducible
// function of token id and position. It exists purely so the session
// pipeline (feed_prompt, sampling, snapshotting) can be exercised and
// tested without a real model — analogous to how the teacher's test
// suite exercises internal/hnsw without downloading the BGE ONNX model.
type SyntheticCompute struct {
	NVocab int
	NEmbd  int
}

func (s *SyntheticCompute) Forward(tokenIDs []int64, positions []int64) ([][]float32, []float32, error) {
	logits := make([][]float32, len(tokenIDs))
	for i, tok := range tokenIDs {
		row := make([]float32, s.NVocab)
		for v := 0; v < s.NVocab; v++ {
			// A logit surface with a clear, deterministic per-position
			// argmax so sampler monotonicity (spec property 6) is
			// testable end-to-end.
			d := float64(v) - float64((tok+positions[i])%int64(s.NVocab))
			row[v] = float32(-d * d / float64(s.NVocab))
		}
		logits[i] = row
	}
	last := tokenIDs[len(tokenIDs)-1]
	emb := make([]float32, s.NEmbd)
	for e := range emb {
		emb[e] = float32(math.Sin(float64(last)+float64(e))) * 0.1
	}
	return logits, emb, nil
}
