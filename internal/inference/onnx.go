package inference

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/thebtf/mmsearch/internal/config"
)

const (
	// ONNXBackendName is the registry name of the local ONNX Runtime backend.
	ONNXBackendName = config.BackendONNX

	// MaxSequenceLength is the longest prompt the ONNX backend accepts.
	MaxSequenceLength = 8192

	onnxModelFile     = "model.onnx"
	onnxTokenizerFile = "tokenizer.json"

	inputIDsName      = "input_ids"
	attentionMaskName = "attention_mask"
	tokenTypeIDsName  = "token_type_ids"
	hiddenStateName   = "last_hidden_state"
	logitsName        = "logits"
)

// The ONNX Runtime environment is process-wide and shared by every loaded session.
var (
	envMu   sync.Mutex
	envRefs int
)

// onnxModel runs a text-only checkpoint exported to ONNX.
type onnxModel struct {
	name    string
	device  string
	tk      *tokenizer.Tokenizer
	session *ort.DynamicAdvancedSession
	mu      sync.Mutex

	inputNames  []string
	outputNames []string
	logitsIndex int // -1 when the graph has no logits output
}

// Compile-time check that onnxModel implements Model
var _ Model = (*onnxModel)(nil)

func init() {
	RegisterBackend(BackendMetadata{
		Name:        ONNXBackendName,
		Description: "Local ONNX Runtime session with a HuggingFace tokenizer (text only)",
		Images:      false,
	}, newONNXModel)
}

func newONNXModel(ctx context.Context, cfg *config.Config, modelID string) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(cfg.ModelDir, filepath.FromSlash(modelID))
	modelPath := filepath.Join(dir, onnxModelFile)
	tokenizerPath := filepath.Join(dir, onnxTokenizerFile)

	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("locate onnx model for %s: %w", modelID, err)
	}

	if err := acquireEnvironment(cfg.ONNXLibrary); err != nil {
		return nil, err
	}

	m, err := loadONNXModel(cfg, modelID, modelPath, tokenizerPath)
	if err != nil {
		releaseEnvironment()
		return nil, err
	}
	return m, nil
}

func loadONNXModel(cfg *config.Config, modelID, modelPath, tokenizerPath string) (*onnxModel, error) {
	tk, err := pretrained.FromFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", tokenizerPath, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect onnx graph %s: %w", modelPath, err)
	}

	inputNames, outputNames, logitsIndex, err := selectTensorNames(ioNames(inputs), ioNames(outputs))
	if err != nil {
		return nil, fmt.Errorf("onnx graph %s: %w", modelPath, err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()

	device := selectDevice(opts, cfg.ONNXDevice)

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("create onnx session for %s: %w", modelID, err)
	}

	log.Debug().
		Str("model", modelID).
		Str("device", device).
		Strs("inputs", inputNames).
		Strs("outputs", outputNames).
		Msg("ONNX model loaded")

	return &onnxModel{
		name:        modelID,
		device:      device,
		tk:          tk,
		session:     session,
		inputNames:  inputNames,
		outputNames: outputNames,
		logitsIndex: logitsIndex,
	}, nil
}

func ioNames(infos []ort.InputOutputInfo) []string {
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}

// selectTensorNames picks the graph inputs we can feed and the outputs we read.
// last_hidden_state is required; logits is optional.
func selectTensorNames(inputs, outputs []string) (in, out []string, logitsIndex int, err error) {
	for _, name := range []string{inputIDsName, attentionMaskName} {
		if !slices.Contains(inputs, name) {
			return nil, nil, -1, fmt.Errorf("missing required input %q", name)
		}
	}
	for _, name := range inputs {
		if name != inputIDsName && name != attentionMaskName && name != tokenTypeIDsName {
			return nil, nil, -1, fmt.Errorf("unsupported input %q", name)
		}
	}
	in = []string{inputIDsName, attentionMaskName}
	if slices.Contains(inputs, tokenTypeIDsName) {
		in = append(in, tokenTypeIDsName)
	}

	if !slices.Contains(outputs, hiddenStateName) {
		return nil, nil, -1, fmt.Errorf("missing required output %q", hiddenStateName)
	}
	out = []string{hiddenStateName}
	logitsIndex = -1
	if slices.Contains(outputs, logitsName) {
		out = append(out, logitsName)
		logitsIndex = 1
	}
	return in, out, logitsIndex, nil
}

// selectDevice appends an execution provider to opts and returns the device name.
// Provider failures fall back to CPU.
func selectDevice(opts *ort.SessionOptions, device string) string {
	tryCUDA := func() bool {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			log.Debug().Err(err).Msg("CUDA provider unavailable")
			return false
		}
		defer cudaOpts.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			log.Debug().Err(err).Msg("CUDA provider unavailable")
			return false
		}
		return true
	}
	tryCoreML := func() bool {
		if err := opts.AppendExecutionProviderCoreML(0); err != nil {
			log.Debug().Err(err).Msg("CoreML provider unavailable")
			return false
		}
		return true
	}

	switch device {
	case config.DeviceCUDA:
		if tryCUDA() {
			return config.DeviceCUDA
		}
	case config.DeviceCoreML:
		if tryCoreML() {
			return config.DeviceCoreML
		}
	case config.DeviceAuto, "":
		if runtime.GOOS == "darwin" {
			if tryCoreML() {
				return config.DeviceCoreML
			}
		} else if tryCUDA() {
			return config.DeviceCUDA
		}
	}
	return config.DeviceCPU
}

func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initialize ONNX runtime: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()

	envRefs--
	if envRefs > 0 {
		return
	}
	envRefs = 0
	if err := ort.DestroyEnvironment(); err != nil {
		log.Warn().Err(err).Msg("Failed to destroy ONNX runtime environment")
	}
}

func (m *onnxModel) Name() string   { return m.name }
func (m *onnxModel) Device() string { return m.device }

// Forward renders the conversation with the ChatML template and runs the graph.
func (m *onnxModel) Forward(ctx context.Context, messages []Message) (*Output, error) {
	if HasImage(messages) {
		return nil, fmt.Errorf("onnx model %s: %w", m.name, ErrImageUnsupported)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, fmt.Errorf("onnx model %s is closed", m.name)
	}

	// The template already carries the special tokens
	enc, err := m.tk.EncodeSingle(RenderChatML(messages, true), false)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}

	seqLength := len(enc.Ids)
	if seqLength == 0 {
		return nil, fmt.Errorf("tokenize: empty encoding")
	}
	if seqLength > MaxSequenceLength {
		return nil, fmt.Errorf("prompt has %d tokens, limit is %d", seqLength, MaxSequenceLength)
	}

	inputShape := ort.NewShape(1, int64(seqLength))
	inputIdsData := make([]int64, seqLength)
	attentionMaskData := make([]int64, seqLength)
	for i := 0; i < seqLength; i++ {
		inputIdsData[i] = int64(enc.Ids[i])
		attentionMaskData[i] = 1
	}

	inputIdsTensor, err := ort.NewTensor(inputShape, inputIdsData)
	if err != nil {
		return nil, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer inputIdsTensor.Destroy()

	attentionMaskTensor, err := ort.NewTensor(inputShape, attentionMaskData)
	if err != nil {
		return nil, fmt.Errorf("create attention_mask tensor: %w", err)
	}
	defer attentionMaskTensor.Destroy()

	inputTensors := []ort.Value{inputIdsTensor, attentionMaskTensor}
	if len(m.inputNames) == 3 {
		tokenTypeIdsTensor, err := ort.NewTensor(inputShape, make([]int64, seqLength))
		if err != nil {
			return nil, fmt.Errorf("create token_type_ids tensor: %w", err)
		}
		defer tokenTypeIdsTensor.Destroy()
		inputTensors = append(inputTensors, tokenTypeIdsTensor)
	}

	// Outputs are allocated by the runtime since their shapes depend on the prompt
	outputTensors := make([]ort.Value, len(m.outputNames))
	if err := m.session.Run(inputTensors, outputTensors); err != nil {
		return nil, fmt.Errorf("run inference: %w", err)
	}
	defer func() {
		for _, v := range outputTensors {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	hidden, err := unpackHiddenState(outputTensors[0])
	if err != nil {
		return nil, err
	}

	out := &Output{
		LastHiddenState: hidden,
		AttentionMask:   attentionMaskData,
	}
	if m.logitsIndex >= 0 {
		logits, ok := outputTensors[m.logitsIndex].(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("logits output is not a float32 tensor")
		}
		out.Logits = append([]float32(nil), logits.GetData()...)
	}
	return out, nil
}

// unpackHiddenState copies a [1, seq, hidden] tensor into [seq][hidden].
func unpackHiddenState(v ort.Value) ([][]float32, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("%s output is not a float32 tensor", hiddenStateName)
	}
	shape := t.GetShape()
	if len(shape) != 3 || shape[0] != 1 {
		return nil, fmt.Errorf("unexpected %s shape %v", hiddenStateName, shape)
	}
	return splitRows(t.GetData(), int(shape[1]), int(shape[2]))
}

// splitRows copies a flat row-major buffer into rows x cols.
func splitRows(flat []float32, rows, cols int) ([][]float32, error) {
	if len(flat) != rows*cols {
		return nil, fmt.Errorf("unexpected output size: got %d, expected %d", len(flat), rows*cols)
	}
	result := make([][]float32, rows)
	for i := 0; i < rows; i++ {
		row := make([]float32, cols)
		copy(row, flat[i*cols:(i+1)*cols])
		result[i] = row
	}
	return result, nil
}

// Close releases the session and, for the last open model, the runtime environment.
func (m *onnxModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}

	err := m.session.Destroy()
	m.session = nil
	releaseEnvironment()
	if err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	return nil
}
