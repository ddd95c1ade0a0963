// Command siftinfer is the CLI front-end for the sift-infer runtime: it
// dispatches an architecture tag to a concrete Model (internal/arch),
// opens or restores a session, and drives it either as a one-shot prompt
// or an interactive chat TUI.
//
// Flag/config wiring mirrors the teacher CLI (cmd/sift/main.go): a
// .sift-infer.toml sidecar is read first, then persistent flags override
// it, matching cobra's usual precedence.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/screenager/sift-infer/internal/arch"
	"github.com/screenager/sift-infer/internal/backend/onnxbackend"
	"github.com/screenager/sift-infer/internal/config"
	"github.com/screenager/sift-infer/internal/modelwatch"
	"github.com/screenager/sift-infer/internal/runtime"
	"github.com/screenager/sift-infer/internal/session"
	"github.com/screenager/sift-infer/internal/snapshot"
	"github.com/screenager/sift-infer/internal/tok"
	"github.com/screenager/sift-infer/internal/tui"
)

// modelCache holds the most recently built Model/params pair, keyed by
// the configured model path, so repeated buildModel calls within one
// process reuse a live ONNX session instead of reopening it. A
// modelwatch.Watcher invalidates the entry when the backing model file
// is rewritten, forcing the next buildModel call to reload it.
type modelCache struct {
	mu      sync.Mutex
	path    string
	model   runtime.Model
	params  runtime.InferenceParameters
	watcher *modelwatch.Watcher
}

func (c *modelCache) get(path string, build func() (runtime.Model, runtime.InferenceParameters, error)) (runtime.Model, runtime.InferenceParameters, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.model != nil && c.path == path {
		return c.model, c.params, nil
	}

	model, params, err := build()
	if err != nil {
		return nil, runtime.InferenceParameters{}, err
	}
	c.model, c.params, c.path = model, params, path

	if path != "" && c.watcher == nil {
		w, err := modelwatch.New(path, func() error {
			c.mu.Lock()
			c.model = nil
			c.mu.Unlock()
			return nil
		})
		if err != nil {
			logrus.Warnf("modelwatch: not watching %s: %v", path, err)
		} else {
			c.watcher = w
			go w.Watch(make(chan struct{}))
		}
	}

	return model, params, nil
}

var modelCacheInst modelCache

func main() {
	root := &cobra.Command{
		Use:   "siftinfer",
		Short: "A small transformer inference runtime",
		Long:  "siftinfer — session-oriented inference core: KV-cache sessions, Top-K/Top-P sampling, and snapshotting over a pluggable model backend.",
	}

	var (
		archTag       string
		nThreads      int
		nBatch        int
		topK          int
		topP          float32
		temperature   float32
		repeatPenalty float32
		repLastN      int
		verbose       bool
	)

	cfg, err := config.Load(".sift-infer.toml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: reading .sift-infer.toml: %v\n", err)
	}

	root.PersistentFlags().StringVar(&archTag, "arch", firstNonEmpty(cfg.Arch, "llama"), "architecture tag (bloom|gpt2|gptj|gptneox|llama|mpt|rwkv)")
	root.PersistentFlags().IntVar(&nThreads, "threads", 0, "compute thread count (0 = model default)")
	root.PersistentFlags().IntVar(&nBatch, "n-batch", 0, "prompt batch size (0 = model default)")
	root.PersistentFlags().IntVar(&topK, "top-k", 0, "sampler top-k (0 = model default)")
	root.PersistentFlags().Float32Var(&topP, "top-p", 0, "sampler top-p (0 = model default)")
	root.PersistentFlags().Float32Var(&temperature, "temperature", 0, "sampler temperature (0 = model default)")
	root.PersistentFlags().Float32Var(&repeatPenalty, "repeat-penalty", 0, "repetition penalty (0 = model default)")
	root.PersistentFlags().IntVar(&repLastN, "repetition-penalty-last-n", 0, "repetition penalty window (0 = model default)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	var (
		modelPath     string
		ortLib        string
		tokenizerPath string
	)
	root.PersistentFlags().StringVar(&modelPath, "model", cfg.ModelPath, "path to an exported ONNX decoder-step graph (empty = bundled synthetic/reference backend)")
	root.PersistentFlags().StringVar(&ortLib, "ort-lib", cfg.OrtLib, "path to the ONNX Runtime shared library (empty = system search path)")
	root.PersistentFlags().StringVar(&tokenizerPath, "tokenizer", cfg.TokenizerPath, "path to a HuggingFace tokenizer.json (required together with --model)")

	// buildModelUncached constructs a fresh Model/params pair: the real
	// ONNX+HF stack when --model is supplied, the bundled synthetic
	// reference backend otherwise. arch's RWKV tag only runs on its
	// synthetic RWKVCompute, and --model with --arch rwkv is an error —
	// the ONNX step graph here is exported for the causal-transformer
	// Forward shape, not RWKV's Step shape.
	buildModelUncached := func() (runtime.Model, runtime.InferenceParameters, error) {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}

		tag := arch.Tag(archTag)

		var (
			tokenizer     runtime.Tokenizer
			compute       arch.Compute
			bot           runtime.TokenID
			eot           runtime.TokenID
			nVocab, nEmbd = 258, 64
			nLayer, nCtx  = 4, 2048
		)

		if modelPath != "" {
			if arch.IsRWKV(tag) {
				return nil, runtime.InferenceParameters{}, fmt.Errorf("--model: onnx backend does not yet support the rwkv architecture")
			}
			if tokenizerPath == "" {
				return nil, runtime.InferenceParameters{}, fmt.Errorf("--tokenizer is required alongside --model")
			}

			backend, err := onnxbackend.New(onnxbackend.Config{
				ModelPath:  modelPath,
				OrtLibPath: ortLib,
				NumThreads: nThreads,
			})
			if err != nil {
				return nil, runtime.InferenceParameters{}, err
			}

			bosID := runtime.TokenID(cfg.BosTokenID)
			hf, err := tok.LoadHF(tokenizerPath, bosID, cfg.HasBOS)
			if err != nil {
				return nil, runtime.InferenceParameters{}, err
			}

			tokenizer = hf
			compute = &arch.OnnxCompute{Backend: backend}
			bot = bosID
			eot = runtime.TokenID(cfg.EotTokenID)
			if cfg.NVocab > 0 {
				nVocab = cfg.NVocab
			}
			if cfg.NEmbd > 0 {
				nEmbd = cfg.NEmbd
			}
			if cfg.NLayer > 0 {
				nLayer = cfg.NLayer
			}
			if cfg.NCtx > 0 {
				nCtx = cfg.NCtx
			}
		} else {
			rt := tok.NewReferenceTokenizer()
			tokenizer = rt
			compute = &arch.SyntheticCompute{NVocab: nVocab, NEmbd: nEmbd}
			bot = rt.BOSID
			eot = rt.EOTID
		}

		params := arch.Params{
			NVocab:     nVocab,
			NEmbd:      nEmbd,
			NLayer:     nLayer,
			NCtx:       nCtx,
			Tokenizer:  tokenizer,
			BotTokenID: &bot,
			EotTokenID: eot,
			Defaults:   runtime.DefaultInferenceParameters(),
			Compute:    compute,
		}

		if arch.IsRWKV(tag) {
			params.Compute = arch.WrapRWKV(&arch.SyntheticRWKVCompute{NVocab: params.NVocab, NLayer: params.NLayer, NEmbd: params.NEmbd})
		}

		model, err := arch.Dispatch(tag, params)
		if err != nil {
			return nil, runtime.InferenceParameters{}, err
		}

		p := cfg.ApplyDefaults(model.InferenceParameters())
		if nThreads > 0 {
			p.NThreads = nThreads
		}
		if nBatch > 0 {
			p.NBatch = nBatch
		}
		if topK > 0 {
			p.TopK = topK
		}
		if topP > 0 {
			p.TopP = topP
		}
		if temperature > 0 {
			p.Temperature = temperature
		}
		if repeatPenalty > 0 {
			p.RepeatPenalty = repeatPenalty
		}
		if repLastN > 0 {
			p.RepetitionPenaltyLastN = repLastN
		}
		return model, p, nil
	}

	buildModel := func() (runtime.Model, runtime.InferenceParameters, error) {
		return modelCacheInst.get(modelPath, buildModelUncached)
	}

	// ---- siftinfer run <prompt> --------------------------------------------
	var maxTokens int
	runCmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run a single prompt to completion and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			model, params, err := buildModel()
			if err != nil {
				return err
			}
			sess, err := model.StartSession(runtime.SessionConfig{MemoryKType: runtime.F32, MemoryVType: runtime.F32})
			if err != nil {
				return fmt.Errorf("start session: %w", err)
			}
			s, ok := sess.(*session.Session)
			if !ok {
				return fmt.Errorf("unexpected session implementation")
			}

			prompt := joinArgs(args)
			req := session.Request{Prompt: prompt, MaximumTokenCount: optionalInt(maxTokens)}
			override := params
			req.ParametersOverride = &override

			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			stats, err := s.Infer(ctx, model, rng, req, nil, func(text string) error {
				fmt.Print(text)
				return nil
			})
			fmt.Println()
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, stats.String())
			return nil
		},
	}
	runCmd.Flags().IntVar(&maxTokens, "max-tokens", 256, "maximum number of tokens to generate (0 = unlimited)")
	root.AddCommand(runCmd)

	// ---- siftinfer chat -----------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "chat",
		Short: "Launch the interactive chat TUI",
		RunE: func(cmd *cobra.Command, args []string) error {
			model, params, err := buildModel()
			if err != nil {
				return err
			}
			sess, err := model.StartSession(runtime.SessionConfig{MemoryKType: runtime.F32, MemoryVType: runtime.F32})
			if err != nil {
				return fmt.Errorf("start session: %w", err)
			}
			s, ok := sess.(*session.Session)
			if !ok {
				return fmt.Errorf("unexpected session implementation")
			}

			chat := tui.NewChat(s, model, params, time.Now().UnixNano())
			p := tea.NewProgram(tui.New(chat), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	})

	// ---- siftinfer snapshot save/load --------------------------------------
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save or load a session snapshot",
	}
	snapshotCmd.AddCommand(&cobra.Command{
		Use:   "save <prompt> <file>",
		Short: "Run a prompt, then save the resulting session to file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			model, params, err := buildModel()
			if err != nil {
				return err
			}
			sess, err := model.StartSession(runtime.SessionConfig{MemoryKType: runtime.F32, MemoryVType: runtime.F32})
			if err != nil {
				return err
			}
			s := sess.(*session.Session)

			rng := rand.New(rand.NewSource(1))
			req := session.Request{Prompt: args[0], ParametersOverride: &params}
			if _, err := s.Infer(context.Background(), model, rng, req, nil, func(string) error { return nil }); err != nil {
				return err
			}

			f, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			return s.GetSnapshot().Write(f)
		},
	})
	snapshotCmd.AddCommand(&cobra.Command{
		Use:   "load <file>",
		Short: "Restore a session from file and continue generating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model, params, err := buildModel()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			snap, err := snapshot.Read(f)
			if err != nil {
				return err
			}
			s, err := session.FromSnapshot(snap, model)
			if err != nil {
				return err
			}

			rng := rand.New(rand.NewSource(2))
			req := session.Request{ParametersOverride: &params, MaximumTokenCount: optionalInt(64)}
			_, err = s.Infer(context.Background(), model, rng, req, nil, func(text string) error {
				fmt.Print(text)
				return nil
			})
			fmt.Println()
			return err
		},
	})
	root.AddCommand(snapshotCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func joinArgs(args []string) string {
	s := ""
	for i, a := range args {
		if i > 0 {
			s += " "
		}
		s += a
	}
	return s
}

func optionalInt(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}
