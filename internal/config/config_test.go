package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/screenager/sift-infer/internal/config"
	"github.com/screenager/sift-infer/internal/runtime"
)

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	f, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Arch != "" || f.TopK != 0 {
		t.Fatalf("expected zero-value File, got %+v", f)
	}
}

func TestLoadParsesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".sift-infer.toml")
	body := `
arch = "rwkv"
threads = 8
top-k = 20
top-p = 0.9
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.Arch != "rwkv" || f.Threads != 8 || f.TopK != 20 {
		t.Fatalf("unexpected parse result: %+v", f)
	}
}

func TestApplyDefaultsOverlaysNonZeroFields(t *testing.T) {
	f := config.File{TopK: 10, Temperature: 0.5}
	base := runtime.DefaultInferenceParameters()

	merged := f.ApplyDefaults(base)
	if merged.TopK != 10 {
		t.Fatalf("TopK: got %d, want 10", merged.TopK)
	}
	if merged.Temperature != 0.5 {
		t.Fatalf("Temperature: got %v, want 0.5", merged.Temperature)
	}
	if merged.TopP != base.TopP {
		t.Fatalf("TopP should be untouched: got %v, want %v", merged.TopP, base.TopP)
	}
}
