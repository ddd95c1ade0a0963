// Package tok adapts the external tokenizer collaborator (spec §1: text
// <-> token-id, deliberately out of scope for this module's core) to the
// runtime.Tokenizer interface the session consumes.
//
// The production adapter wraps github.com/daulet/tokenizers, the same
// HuggingFace-tokenizers binding the teacher repo uses to tokenize BGE
// document chunks (internal/embed/embedder.go's tokenizers.FromFile). A
// reference byte-level tokenizer is also provided for tests and for
// architectures (bloom/gpt2-byte-bpe-ish) that don't ship a HF
// tokenizer.json.
package tok

import (
	"fmt"

	hftok "github.com/daulet/tokenizers"

	"github.com/screenager/sift-infer/internal/runtime"
)

// HFTokenizer adapts a daulet/tokenizers.Tokenizer to runtime.Tokenizer.
type HFTokenizer struct {
	tk       *hftok.Tokenizer
	bosID    runtime.TokenID
	hasBOS   bool
}

// LoadHF loads a tokenizer.json from path, exactly mirroring
// embed.New's tokenizers.FromFile call.
func LoadHF(path string, bosID runtime.TokenID, hasBOS bool) (*HFTokenizer, error) {
	tk, err := hftok.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("tok: load tokenizer.json: %w", err)
	}
	return &HFTokenizer{tk: tk, bosID: bosID, hasBOS: hasBOS}, nil
}

// Close releases the underlying tokenizer.
func (h *HFTokenizer) Close() {
	if h.tk != nil {
		h.tk.Close()
	}
}

func (h *HFTokenizer) Tokenize(text string, prependBOS bool) ([]runtime.TokenPiece, error) {
	enc := h.tk.EncodeWithOptions(text, false)
	pieces := make([]runtime.TokenPiece, 0, len(enc.IDs)+1)
	if prependBOS && h.hasBOS {
		pieces = append(pieces, runtime.TokenPiece{ID: h.bosID, Bytes: h.TokenBytes(h.bosID)})
	}
	for _, id := range enc.IDs {
		tid := runtime.TokenID(id)
		pieces = append(pieces, runtime.TokenPiece{ID: tid, Bytes: h.TokenBytes(tid)})
	}
	return pieces, nil
}

func (h *HFTokenizer) TokenBytes(id runtime.TokenID) []byte {
	return []byte(h.tk.Decode([]uint32{uint32(id)}, false))
}
