package main

import (
	"flag"
	"fmt"

	"github.com/thebtf/mmsearch/internal/config"
)

// options holds the flags that do not map onto config.Config.
type options struct {
	configPath   string
	listBackends bool
	debug        bool
	noColor      bool
}

// newFlagSet defines every command-line flag. Config-backed flags are read
// back through applyFlags only when set explicitly.
func newFlagSet(name string, errorHandling flag.ErrorHandling, opts *options) *flag.FlagSet {
	fs := flag.NewFlagSet(name, errorHandling)

	fs.StringVar(&opts.configPath, "config", config.SettingsPath(), "Settings file path")
	fs.BoolVar(&opts.listBackends, "backends", false, "List registered backends and exit")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	fs.String("embed-model", config.DefaultEmbedModel, "Embedding model ID")
	fs.String("rerank-model", config.DefaultRerankModel, "Reranker model ID")
	fs.Int("top-k", config.DefaultTopK, "Number of candidates passed to the reranker")
	fs.String("backend", config.BackendRemote, "Model runtime backend (remote or onnx)")
	fs.String("inference-url", config.DefaultInferenceURL, "Base URL of the remote model runtime")
	fs.String("dataset", "", "YAML dataset file (default: built-in demo set)")
	fs.String("pooling", config.PoolingLast, "Embedding pooling (last, mean or cls)")

	return fs
}

// applyFlags overlays the flags that were set explicitly on fs.
// Unset flags leave the settings file and environment values alone.
func applyFlags(cfg *config.Config, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "embed-model":
			cfg.EmbedModel = f.Value.String()
		case "rerank-model":
			cfg.RerankModel = f.Value.String()
		case "top-k":
			if v, ok := f.Value.(flag.Getter).Get().(int); ok {
				cfg.TopK = v
			}
		case "backend":
			cfg.Backend = f.Value.String()
		case "inference-url":
			cfg.InferenceURL = f.Value.String()
		case "dataset":
			cfg.DatasetPath = f.Value.String()
		case "pooling":
			cfg.Pooling = f.Value.String()
		}
	})
}

// loadConfig resolves the configuration with precedence
// flags > environment > settings file > defaults.
func loadConfig(opts *options, fs *flag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnv()
	applyFlags(cfg, fs)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
