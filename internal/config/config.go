// Package config loads the .sift-infer.toml sidecar config, mirroring
// the teacher CLI's .sift.toml load-then-flag-override pattern
// (cmd/sift/main.go): read the file if present, let explicit flags win.
package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/screenager/sift-infer/internal/runtime"
)

// File is the on-disk shape of .sift-infer.toml.
type File struct {
	ModelPath     string  `toml:"model-path"`
	OrtLib        string  `toml:"ort-lib"`
	TokenizerPath string  `toml:"tokenizer-path"`
	Arch          string  `toml:"arch"`
	Threads       int     `toml:"threads"`
	NBatch        int     `toml:"n-batch"`
	TopK          int     `toml:"top-k"`
	TopP          float32 `toml:"top-p"`
	Temperature   float32 `toml:"temperature"`
	RepeatPenalty float32 `toml:"repeat-penalty"`
	RepetitionPenaltyLastN int `toml:"repetition-penalty-last-n"`

	// Model shape, only consulted when ModelPath is set — a synthetic
	// or bundled reference model carries its own fixed shape instead.
	NVocab     int  `toml:"n-vocab"`
	NEmbd      int  `toml:"n-embd"`
	NLayer     int  `toml:"n-layer"`
	NCtx       int  `toml:"n-ctx"`
	BosTokenID int  `toml:"bos-token-id"`
	EotTokenID int  `toml:"eot-token-id"`
	HasBOS     bool `toml:"has-bos"`
}

// Load reads path if it exists; a missing file is not an error, it just
// yields a zero-value File so flag defaults apply unchanged.
func Load(path string) (File, error) {
	var f File
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return f, err
	}
	if err := toml.Unmarshal(b, &f); err != nil {
		return f, err
	}
	return f, nil
}

// ApplyDefaults overlays non-zero fields of f onto params, returning the
// merged result. Flags parsed after this call should still win over
// whatever Load produced, matching the teacher's precedence order.
func (f File) ApplyDefaults(params runtime.InferenceParameters) runtime.InferenceParameters {
	if f.Threads > 0 {
		params.NThreads = f.Threads
	}
	if f.NBatch > 0 {
		params.NBatch = f.NBatch
	}
	if f.TopK > 0 {
		params.TopK = f.TopK
	}
	if f.TopP > 0 {
		params.TopP = f.TopP
	}
	if f.Temperature > 0 {
		params.Temperature = f.Temperature
	}
	if f.RepeatPenalty > 0 {
		params.RepeatPenalty = f.RepeatPenalty
	}
	if f.RepetitionPenaltyLastN > 0 {
		params.RepetitionPenaltyLastN = f.RepetitionPenaltyLastN
	}
	return params
}
