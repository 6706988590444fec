package inference

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/mmsearch/internal/config"
)

// fakeRuntime is an in-process stand-in for the model runtime server.
type fakeRuntime struct {
	mu       sync.Mutex
	caps     Capabilities
	forwards []forwardRequest
	scores   []scoreRequest
	auth     []string
	forward  forwardResponse
	failPath string
}

func (f *fakeRuntime) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/describe", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var req describeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if f.failPath == "/describe" {
			http.Error(w, "no such model", http.StatusNotFound)
			return
		}
		writeJSON(t, w, describeResponse{Model: req.Model, Device: "mps", HiddenSize: 2, Capabilities: f.caps})
	})
	mux.HandleFunc("/v1/forward", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var req forwardRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.forwards = append(f.forwards, req)
		f.mu.Unlock()
		if f.failPath == "/forward" {
			http.Error(w, "out of memory", http.StatusInternalServerError)
			return
		}
		writeJSON(t, w, f.forward)
	})
	mux.HandleFunc("/v1/score", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var req scoreRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.scores = append(f.scores, req)
		f.mu.Unlock()
		writeJSON(t, w, scoreResponse{Logits: []float32{0.25, 1.5}})
	})
	return mux
}

func (f *fakeRuntime) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	assert.NoError(t, json.NewEncoder(w).Encode(v))
}

func newTestRuntime(t *testing.T, f *fakeRuntime) *config.Config {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.InferenceURL = srv.URL + "/v1/"
	cfg.RequestTimeoutSeconds = 5
	return cfg
}

func TestRemote_DescribeAndForward(t *testing.T) {
	f := &fakeRuntime{
		caps: Capabilities{Logits: true},
		forward: forwardResponse{
			LastHiddenState: [][]float32{{0.1, 0.2}, {0.3, 0.4}},
			AttentionMask:   []int64{1, 1},
			Logits:          []float32{2.0},
		},
	}
	cfg := newTestRuntime(t, f)
	cfg.APIKey = "secret"

	model, err := DefaultRegistry.Open(context.Background(), RemoteBackendName, cfg, "Qwen/Qwen3-VL-Reranker-2B")
	require.NoError(t, err)
	defer model.Close()

	assert.Equal(t, "Qwen/Qwen3-VL-Reranker-2B", model.Name())
	assert.Equal(t, "mps", model.Device())
	_, isScoreHead := model.(ScoreHead)
	assert.False(t, isScoreHead, "model without score head must not implement ScoreHead")

	out, err := model.Forward(context.Background(), UserMessage(TextPart("Query: a\nDocument: "), TextPart("b")))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Positions())
	assert.Equal(t, 2, out.HiddenSize())
	assert.Equal(t, []float32{2.0}, out.Logits)

	require.Len(t, f.forwards, 1)
	assert.True(t, f.forwards[0].AddGenerationPrompt)
	assert.Equal(t, "Qwen/Qwen3-VL-Reranker-2B", f.forwards[0].Model)
	require.Len(t, f.forwards[0].Messages, 1)
	assert.Equal(t, "user", f.forwards[0].Messages[0].Role)
	for _, h := range f.auth {
		assert.Equal(t, "Bearer secret", h)
	}
}

func TestRemote_ScoreHeadCapability(t *testing.T) {
	f := &fakeRuntime{
		caps: Capabilities{ScoreHead: true},
		forward: forwardResponse{
			LastHiddenState: [][]float32{{0.1, 0.2}},
		},
	}
	cfg := newTestRuntime(t, f)

	model, err := DefaultRegistry.Open(context.Background(), RemoteBackendName, cfg, "reranker")
	require.NoError(t, err)

	head, ok := model.(ScoreHead)
	require.True(t, ok, "model advertising score_head must implement ScoreHead")

	out, err := model.Forward(context.Background(), UserMessage(TextPart("x")))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, out.AttentionMask, "missing mask defaults to all ones")
	assert.Nil(t, out.Logits)

	scores, err := head.Score(context.Background(), out.LastHiddenState)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, 1.5}, scores)
	require.Len(t, f.scores, 1)
	assert.Equal(t, out.LastHiddenState, f.scores[0].HiddenState)
}

func TestRemote_InlinesLocalImages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pic.gif")
	require.NoError(t, os.WriteFile(path, []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;"), 0600))

	f := &fakeRuntime{forward: forwardResponse{LastHiddenState: [][]float32{{1, 0}}}}
	cfg := newTestRuntime(t, f)

	model, err := DefaultRegistry.Open(context.Background(), RemoteBackendName, cfg, "embedder")
	require.NoError(t, err)

	msgs := UserMessage(TextPart("instr"), ImagePart(path), ImagePart("https://example.com/a.jpeg"))
	_, err = model.Forward(context.Background(), msgs)
	require.NoError(t, err)

	require.Len(t, f.forwards, 1)
	parts := f.forwards[0].Messages[0].Content
	require.Len(t, parts, 3)
	assert.True(t, strings.HasPrefix(parts[1].Image, "data:image/gif;base64,"))
	assert.Equal(t, "https://example.com/a.jpeg", parts[2].Image)

	// The caller's messages are left untouched
	assert.Equal(t, path, msgs[0].Content[1].Image)
}

func TestRemote_Errors(t *testing.T) {
	t.Run("describe failure", func(t *testing.T) {
		cfg := newTestRuntime(t, &fakeRuntime{failPath: "/describe"})
		_, err := DefaultRegistry.Open(context.Background(), RemoteBackendName, cfg, "missing/model")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status=404")
		assert.Contains(t, err.Error(), "no such model")
	})

	t.Run("error body does not leak the api key", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rejected "+r.Header.Get("Authorization"), http.StatusUnauthorized)
		}))
		t.Cleanup(srv.Close)

		cfg := config.Default()
		cfg.InferenceURL = srv.URL
		cfg.APIKey = "local-dev-key"
		_, err := DefaultRegistry.Open(context.Background(), RemoteBackendName, cfg, "m")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status=401")
		assert.NotContains(t, err.Error(), "local-dev-key")
		assert.Contains(t, err.Error(), "[REDACTED]")
	})

	t.Run("cancelled while loading", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		t.Cleanup(srv.Close)
		t.Cleanup(func() { close(release) })

		cfg := config.Default()
		cfg.InferenceURL = srv.URL
		cfg.RequestTimeoutSeconds = 60

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)

		start := time.Now()
		_, err := DefaultRegistry.Open(ctx, RemoteBackendName, cfg, "m")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 10*time.Second)
	})

	t.Run("forward failure", func(t *testing.T) {
		cfg := newTestRuntime(t, &fakeRuntime{failPath: "/forward"})
		model, err := DefaultRegistry.Open(context.Background(), RemoteBackendName, cfg, "m")
		require.NoError(t, err)
		_, err = model.Forward(context.Background(), UserMessage(TextPart("x")))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "out of memory")
	})

	t.Run("empty hidden state", func(t *testing.T) {
		cfg := newTestRuntime(t, &fakeRuntime{})
		model, err := DefaultRegistry.Open(context.Background(), RemoteBackendName, cfg, "m")
		require.NoError(t, err)
		_, err = model.Forward(context.Background(), UserMessage(TextPart("x")))
		assert.ErrorIs(t, err, ErrEmptyOutput)
	})

	t.Run("mask mismatch", func(t *testing.T) {
		cfg := newTestRuntime(t, &fakeRuntime{forward: forwardResponse{
			LastHiddenState: [][]float32{{1}, {2}},
			AttentionMask:   []int64{1},
		}})
		model, err := DefaultRegistry.Open(context.Background(), RemoteBackendName, cfg, "m")
		require.NoError(t, err)
		_, err = model.Forward(context.Background(), UserMessage(TextPart("x")))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "attention mask")
	})

	t.Run("hidden size differs from describe", func(t *testing.T) {
		cfg := newTestRuntime(t, &fakeRuntime{forward: forwardResponse{
			LastHiddenState: [][]float32{{1, 2, 3}},
		}})
		model, err := DefaultRegistry.Open(context.Background(), RemoteBackendName, cfg, "m")
		require.NoError(t, err)
		_, err = model.Forward(context.Background(), UserMessage(TextPart("x")))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hidden size 3, model advertises 2")
	})

	t.Run("missing local image", func(t *testing.T) {
		cfg := newTestRuntime(t, &fakeRuntime{forward: forwardResponse{LastHiddenState: [][]float32{{1}}}})
		model, err := DefaultRegistry.Open(context.Background(), RemoteBackendName, cfg, "m")
		require.NoError(t, err)
		_, err = model.Forward(context.Background(), UserMessage(TextPart("x"), ImagePart("/nonexistent/a.png")))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "open image")
	})
}
