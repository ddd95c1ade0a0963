// Package sampler implements Top-K / Top-P nucleus sampling with a
// repetition penalty and per-token bias overrides. It is a pure,
// stateless function of logits + token history + parameters + an rng —
// it holds no session state of its own.
package sampler

import (
	"container/heap"
	"math"
	"math/rand"

	"github.com/screenager/sift-infer/internal/runtime"
)

// candidate is a (token id, score) pair used while narrowing the
// distribution, mirroring the (id, similarity) candidate shape an
// HNSW-style nearest-neighbour search carries through its own max-heap.
type candidate struct {
	id    runtime.TokenID
	value float32
}

// maxHeap orders candidates by value descending; NaNs sort last (treated
// as -Inf) so a backend NaN never wins Top-K.
type maxHeap []candidate

func (h maxHeap) Len() int { return len(h) }
func (h maxHeap) Less(i, j int) bool {
	vi, vj := h[i].value, h[j].value
	if math.IsNaN(float64(vi)) {
		return false
	}
	if math.IsNaN(float64(vj)) {
		return true
	}
	return vi > vj
}
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Sample implements spec §4.3 steps A-E and returns the next token id.
//
// tokens is the full session history (used for the repetition-penalty
// window); logits must have length n_vocab.
func Sample(logits []float32, tokens []runtime.TokenID, params runtime.InferenceParameters, rng *rand.Rand) (runtime.TokenID, error) {
	if params.TopK < 1 {
		return 0, errInvalidTopK
	}

	recent := recentWindow(tokens, params.RepetitionPenaltyLastN)

	// Step A: per-token transform (bias override, temperature, penalty).
	scored := make([]candidate, len(logits))
	for i, l := range logits {
		id := runtime.TokenID(i)
		if bias, ok := params.BiasTokens[id]; ok {
			scored[i] = candidate{id: id, value: bias}
			continue
		}
		s := l / params.Temperature
		if params.RepeatPenalty != 1.0 && recent[id] {
			// Branch on the ORIGINAL (pre-scale) sign, not the scaled
			// value — this is load-bearing: it changes at negative
			// temperatures or under bias interactions otherwise.
			if l < 0 {
				s *= params.RepeatPenalty
			} else {
				s /= params.RepeatPenalty
			}
		}
		scored[i] = candidate{id: id, value: s}
	}

	// Step B: Top-K via a bounded max-heap, mirroring the candidate
	// max-heap pattern used for nearest-neighbour beam search.
	topK := params.TopK
	if topK > len(scored) {
		topK = len(scored)
	}
	h := make(maxHeap, len(scored))
	copy(h, scored)
	heap.Init(&h)
	survivors := make([]candidate, 0, topK)
	for i := 0; i < topK; i++ {
		survivors = append(survivors, heap.Pop(&h).(candidate))
	}

	// Step C: softmax over survivors.
	probs := softmax(survivors)

	// Step D: Top-P (nucleus) truncation.
	if params.TopP < 1.0 {
		cum := float32(0)
		cut := len(probs)
		for i, p := range probs {
			cum += p
			if cum >= params.TopP {
				cut = i + 1
				break
			}
		}
		survivors = survivors[:cut]
		probs = probs[:cut]
		if cum > 0 {
			for i := range probs {
				probs[i] /= cum
			}
		}
	}

	// Step E: weighted categorical draw.
	var total float32
	for _, p := range probs {
		total += p
	}
	if total <= 0 {
		return 0, errNumericalFailure
	}
	r := rng.Float32() * total
	var acc float32
	for i, p := range probs {
		acc += p
		if r <= acc {
			return survivors[i].id, nil
		}
	}
	return survivors[len(survivors)-1].id, nil
}

// softmax returns exp(v-max)/sum(exp(v-max)) over survivors, preserving
// their existing descending order.
func softmax(survivors []candidate) []float32 {
	if len(survivors) == 0 {
		return nil
	}
	m := survivors[0].value
	for _, c := range survivors {
		if c.value > m {
			m = c.value
		}
	}
	probs := make([]float32, len(survivors))
	var z float32
	for i, c := range survivors {
		p := float32(math.Exp(float64(c.value - m)))
		probs[i] = p
		z += p
	}
	if z > 0 {
		for i := range probs {
			probs[i] /= z
		}
	}
	return probs
}

// recentWindow returns a set membership test for tokens in the trailing
// window of length lastN.
func recentWindow(tokens []runtime.TokenID, lastN int) map[runtime.TokenID]bool {
	set := make(map[runtime.TokenID]bool)
	if lastN <= 0 {
		return set
	}
	start := len(tokens) - lastN
	if start < 0 {
		start = 0
	}
	for _, t := range tokens[start:] {
		set[t] = true
	}
	return set
}
