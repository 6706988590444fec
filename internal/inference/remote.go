package inference

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/mmsearch/internal/config"
	"github.com/thebtf/mmsearch/internal/media"
	"github.com/thebtf/mmsearch/internal/privacy"
)

const (
	// RemoteBackendName is the registry name of the HTTP model runtime backend.
	RemoteBackendName = config.BackendRemote

	remoteErrorSnippetBytes = 512
)

// Capabilities advertised by the remote runtime for a loaded model.
type Capabilities struct {
	Logits    bool `json:"logits"`
	ScoreHead bool `json:"score_head"`
}

type describeRequest struct {
	Model string `json:"model"`
}

type describeResponse struct {
	Model        string       `json:"model"`
	Device       string       `json:"device"`
	HiddenSize   int          `json:"hidden_size"`
	Capabilities Capabilities `json:"capabilities"`
}

type forwardRequest struct {
	Model               string    `json:"model"`
	Messages            []Message `json:"messages"`
	AddGenerationPrompt bool      `json:"add_generation_prompt"`
}

type forwardResponse struct {
	LastHiddenState [][]float32 `json:"last_hidden_state"`
	AttentionMask   []int64     `json:"attention_mask"`
	Logits          []float32   `json:"logits,omitempty"`
}

type scoreRequest struct {
	Model       string      `json:"model"`
	HiddenState [][]float32 `json:"hidden_state"`
}

type scoreResponse struct {
	Logits []float32 `json:"logits"`
}

// remoteModel talks to an HTTP model runtime that owns the weights,
// chat templating and vision preprocessing.
type remoteModel struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	modelName  string
	device     string
	hiddenSize int
	caps       Capabilities
	images     *media.Resolver
}

// remoteScoringModel is a remote model whose runtime exposes a scoring head.
type remoteScoringModel struct {
	*remoteModel
}

// Compile-time interface checks
var (
	_ Model     = (*remoteModel)(nil)
	_ Model     = (*remoteScoringModel)(nil)
	_ ScoreHead = (*remoteScoringModel)(nil)
)

func init() {
	RegisterBackend(BackendMetadata{
		Name:        RemoteBackendName,
		Description: "HTTP model runtime serving forward passes for vision-language checkpoints",
		Images:      true,
		Default:     true,
	}, newRemoteModel)
}

func newRemoteModel(ctx context.Context, cfg *config.Config, modelID string) (Model, error) {
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeoutSeconds * time.Second
	}

	m := &remoteModel{
		client:    &http.Client{Timeout: timeout},
		baseURL:   strings.TrimRight(cfg.InferenceURL, "/"),
		apiKey:    cfg.APIKey,
		modelName: modelID,
		images:    media.NewResolver(0),
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var desc describeResponse
	if err := m.post(ctx, "/describe", describeRequest{Model: modelID}, &desc); err != nil {
		return nil, fmt.Errorf("describe model %s: %w", modelID, err)
	}
	m.device = desc.Device
	if m.device == "" {
		m.device = "unknown"
	}
	m.hiddenSize = desc.HiddenSize
	m.caps = desc.Capabilities

	log.Debug().
		Str("model", modelID).
		Str("device", m.device).
		Int("hidden_size", m.hiddenSize).
		Bool("logits", m.caps.Logits).
		Bool("score_head", m.caps.ScoreHead).
		Msg("Remote model loaded")

	if m.caps.ScoreHead {
		return &remoteScoringModel{remoteModel: m}, nil
	}
	return m, nil
}

func (m *remoteModel) Name() string   { return m.modelName }
func (m *remoteModel) Device() string { return m.device }
func (m *remoteModel) Close() error   { return nil }

// Forward sends one conversation to the runtime. Local image paths are
// inlined so the runtime does not need access to this machine's filesystem.
func (m *remoteModel) Forward(ctx context.Context, messages []Message) (*Output, error) {
	resolved, err := m.resolveImages(messages)
	if err != nil {
		return nil, err
	}

	var resp forwardResponse
	err = m.post(ctx, "/forward", forwardRequest{
		Model:               m.modelName,
		Messages:            resolved,
		AddGenerationPrompt: true,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("forward %s: %w", m.modelName, err)
	}

	if len(resp.LastHiddenState) == 0 {
		return nil, fmt.Errorf("forward %s: %w", m.modelName, ErrEmptyOutput)
	}
	if len(resp.AttentionMask) == 0 {
		// Single unpadded sequence
		resp.AttentionMask = make([]int64, len(resp.LastHiddenState))
		for i := range resp.AttentionMask {
			resp.AttentionMask[i] = 1
		}
	}
	if len(resp.AttentionMask) != len(resp.LastHiddenState) {
		return nil, fmt.Errorf("forward %s: attention mask has %d positions, hidden state has %d",
			m.modelName, len(resp.AttentionMask), len(resp.LastHiddenState))
	}

	out := &Output{
		LastHiddenState: resp.LastHiddenState,
		AttentionMask:   resp.AttentionMask,
		Logits:          resp.Logits,
	}
	if m.hiddenSize > 0 && out.HiddenSize() != m.hiddenSize {
		return nil, fmt.Errorf("forward %s: hidden size %d, model advertises %d",
			m.modelName, out.HiddenSize(), m.hiddenSize)
	}
	return out, nil
}

// Score applies the runtime's scoring head to a hidden state.
func (m *remoteScoringModel) Score(ctx context.Context, hidden [][]float32) ([]float32, error) {
	var resp scoreResponse
	if err := m.post(ctx, "/score", scoreRequest{Model: m.modelName, HiddenState: hidden}, &resp); err != nil {
		return nil, fmt.Errorf("score head %s: %w", m.modelName, err)
	}
	return resp.Logits, nil
}

func (m *remoteModel) resolveImages(messages []Message) ([]Message, error) {
	if !HasImage(messages) {
		return messages, nil
	}

	out := make([]Message, len(messages))
	for i, msg := range messages {
		parts := make([]ContentPart, len(msg.Content))
		for j, p := range msg.Content {
			if p.Type == PartImage {
				ref, err := m.images.Resolve(p.Image)
				if err != nil {
					return nil, err
				}
				p.Image = ref
			}
			parts[j] = p
		}
		out[i] = Message{Role: msg.Role, Content: parts}
	}
	return out, nil
}

func (m *remoteModel) post(ctx context.Context, path string, reqBody, out interface{}) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request to %s: %w", privacy.RedactURL(m.baseURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodySnippet, _ := io.ReadAll(io.LimitReader(resp.Body, remoteErrorSnippetBytes))
		return fmt.Errorf("runtime error (path=%s, status=%d): %s",
			path, resp.StatusCode, privacy.Redact(strings.TrimSpace(string(bodySnippet)), m.apiKey))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s%s: %w", privacy.RedactURL(m.baseURL), path, err)
	}
	return nil
}
