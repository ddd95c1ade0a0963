package tok

import "github.com/screenager/sift-infer/internal/runtime"

// ReferenceTokenizer is a deterministic byte-level tokenizer: each byte
// of UTF-8 text is its own token id (0-255), plus two special ids for
// BOS and EOT. It requires no external files, so it is what the test
// suite and the reference architecture in internal/arch use to exercise
// the full session pipeline without a real model file.
type ReferenceTokenizer struct {
	BOSID runtime.TokenID
	EOTID runtime.TokenID
}

const (
	refBOSID runtime.TokenID = 256
	refEOTID runtime.TokenID = 257
	refVocab                 = 258
)

// NewReferenceTokenizer returns the standard 256-byte-plus-specials
// tokenizer.
func NewReferenceTokenizer() *ReferenceTokenizer {
	return &ReferenceTokenizer{BOSID: refBOSID, EOTID: refEOTID}
}

func (r *ReferenceTokenizer) Tokenize(text string, prependBOS bool) ([]runtime.TokenPiece, error) {
	b := []byte(text)
	pieces := make([]runtime.TokenPiece, 0, len(b)+1)
	if prependBOS {
		pieces = append(pieces, runtime.TokenPiece{ID: r.BOSID, Bytes: nil})
	}
	for _, c := range b {
		pieces = append(pieces, runtime.TokenPiece{ID: runtime.TokenID(c), Bytes: []byte{c}})
	}
	return pieces, nil
}

func (r *ReferenceTokenizer) TokenBytes(id runtime.TokenID) []byte {
	if id == r.BOSID || id == r.EOTID {
		return nil
	}
	if id < 0 || id > 255 {
		return nil
	}
	return []byte{byte(id)}
}
