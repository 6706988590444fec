// Package config provides configuration management for mmsearch.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultEmbedModel is the vision-language embedding checkpoint.
	DefaultEmbedModel = "Qwen/Qwen3-VL-Embedding-2B"

	// DefaultRerankModel is the vision-language cross-encoder checkpoint.
	DefaultRerankModel = "Qwen/Qwen3-VL-Reranker-2B"

	// DefaultTopK is the number of candidates passed to the reranker.
	DefaultTopK = 3

	// DefaultInferenceURL is the base URL of the remote model runtime.
	DefaultInferenceURL = "http://localhost:8800/v1"

	// DefaultRequestTimeoutSeconds bounds a single forward pass on the remote runtime.
	// Vision models on CPU are slow, so this is generous.
	DefaultRequestTimeoutSeconds = 300
)

// Backends.
const (
	BackendRemote = "remote"
	BackendONNX   = "onnx"
)

// Pooling strategies for the embedder.
const (
	PoolingLast = "last"
	PoolingMean = "mean"
	PoolingCLS  = "cls"
)

// ONNX devices.
const (
	DeviceAuto   = "auto"
	DeviceCPU    = "cpu"
	DeviceCUDA   = "cuda"
	DeviceCoreML = "coreml"
)

// Config holds the application configuration.
type Config struct {
	// Model identifiers
	EmbedModel  string `json:"embed_model"`
	RerankModel string `json:"rerank_model"`

	// Ranking
	TopK int `json:"top_k"`

	// Embedding pooling: last, mean or cls
	Pooling string `json:"pooling"`

	// Model runtime backend: remote or onnx
	Backend string `json:"backend"`

	// Remote runtime settings
	InferenceURL          string `json:"inference_url"`
	APIKey                string `json:"-"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`

	// ONNX runtime settings
	ONNXLibrary string `json:"onnx_library"` // Path to the onnxruntime shared library
	ONNXDevice  string `json:"onnx_device"`  // auto, cpu, cuda, coreml
	ModelDir    string `json:"model_dir"`    // <model_dir>/<model id>/{model.onnx,tokenizer.json}

	// Dataset file; empty means the built-in demo set
	DatasetPath string `json:"dataset_path"`
}

// DataDir returns the data directory path (~/.mmsearch).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mmsearch")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// DefaultModelDir returns the default ONNX model directory.
func DefaultModelDir() string {
	return filepath.Join(DataDir(), "models")
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		EmbedModel:            DefaultEmbedModel,
		RerankModel:           DefaultRerankModel,
		TopK:                  DefaultTopK,
		Pooling:               PoolingLast,
		Backend:               BackendRemote,
		InferenceURL:          DefaultInferenceURL,
		RequestTimeoutSeconds: DefaultRequestTimeoutSeconds,
		ONNXDevice:            DeviceAuto,
		ModelDir:              DefaultModelDir(),
	}
}

// Load loads configuration from the settings file at path, merging with defaults.
// An empty path means SettingsPath(). A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = SettingsPath()
	}

	data, err := os.ReadFile(path) // #nosec G304 -- user-supplied settings path
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}

	// Load settings into a map to tolerate unknown fields
	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Invalid settings file, using defaults")
		return cfg, nil
	}

	if v, ok := settings["MMSEARCH_EMBED_MODEL"].(string); ok && v != "" {
		cfg.EmbedModel = v
	}
	if v, ok := settings["MMSEARCH_RERANK_MODEL"].(string); ok && v != "" {
		cfg.RerankModel = v
	}
	if v, ok := settings["MMSEARCH_TOP_K"].(float64); ok && v > 0 {
		cfg.TopK = int(v)
	}
	if v, ok := settings["MMSEARCH_POOLING"].(string); ok && v != "" {
		cfg.Pooling = strings.ToLower(v)
	}
	if v, ok := settings["MMSEARCH_BACKEND"].(string); ok && v != "" {
		cfg.Backend = strings.ToLower(v)
	}
	if v, ok := settings["MMSEARCH_INFERENCE_URL"].(string); ok && v != "" {
		cfg.InferenceURL = v
	}
	if v, ok := settings["MMSEARCH_API_KEY"].(string); ok {
		cfg.APIKey = v
	}
	if v, ok := settings["MMSEARCH_REQUEST_TIMEOUT_SECONDS"].(float64); ok && v > 0 {
		cfg.RequestTimeoutSeconds = int(v)
	}
	if v, ok := settings["MMSEARCH_ONNX_LIBRARY"].(string); ok {
		cfg.ONNXLibrary = v
	}
	if v, ok := settings["MMSEARCH_ONNX_DEVICE"].(string); ok && v != "" {
		cfg.ONNXDevice = strings.ToLower(v)
	}
	if v, ok := settings["MMSEARCH_MODEL_DIR"].(string); ok && v != "" {
		cfg.ModelDir = v
	}
	if v, ok := settings["MMSEARCH_DATASET"].(string); ok {
		cfg.DatasetPath = v
	}

	return cfg, nil
}

// ApplyEnv overlays environment variables onto the config.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MMSEARCH_INFERENCE_URL"); v != "" {
		c.InferenceURL = v
	}
	if v := os.Getenv("MMSEARCH_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("MMSEARCH_BACKEND"); v != "" {
		c.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("MMSEARCH_ONNX_LIBRARY"); v != "" {
		c.ONNXLibrary = v
	}
}

// Validate checks that the configuration can drive a run.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.EmbedModel) == "" {
		return fmt.Errorf("embedding model is required")
	}
	if strings.TrimSpace(c.RerankModel) == "" {
		return fmt.Errorf("reranker model is required")
	}
	if c.TopK < 1 {
		return fmt.Errorf("top-k must be a positive integer, got %d", c.TopK)
	}
	switch c.Pooling {
	case PoolingLast, PoolingMean, PoolingCLS:
	default:
		return fmt.Errorf("unknown pooling strategy %q (want last, mean or cls)", c.Pooling)
	}
	switch c.Backend {
	case BackendRemote:
		if c.InferenceURL == "" {
			return fmt.Errorf("inference URL is required for the remote backend")
		}
	case BackendONNX:
		switch c.ONNXDevice {
		case DeviceAuto, DeviceCPU, DeviceCUDA, DeviceCoreML:
		default:
			return fmt.Errorf("unknown onnx device %q", c.ONNXDevice)
		}
	default:
		return fmt.Errorf("unknown backend %q (want remote or onnx)", c.Backend)
	}
	return nil
}
