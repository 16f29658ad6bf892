// Package silero implements vad.Engine on top of the Silero VAD ONNX model.
//
// The model is loaded once per Engine and shared by all Detectors; each
// Detector owns its own recurrent state and context tail, so concurrent
// streams never contaminate each other. Inference calls on the shared ONNX
// session are serialised internally.
package silero

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/TheGitCommit/voice-assistant/pkg/onnxrt"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/vad"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	// stateSize is the flattened LSTM state (2, 1, 128) the model threads
	// through consecutive calls.
	stateSize = 2 * 1 * 128

	// contextSize is the tail of the previous window the model wants
	// prepended to the next one. 64 samples at 16 kHz.
	contextSize = 64
)

// Compile-time assertion that Engine implements vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithRuntimeLibrary sets the path of the ONNX Runtime shared library. When
// empty the system loader resolves it. Only the first ONNX-backed provider
// initialised in the process decides the library path.
func WithRuntimeLibrary(path string) Option {
	return func(e *Engine) { e.runtimeLib = path }
}

// WithThreads sets the intra-op thread count for inference. Defaults to 1,
// which keeps per-window latency flat when many connections score in
// parallel.
func WithThreads(n int) Option {
	return func(e *Engine) { e.threads = n }
}

// Engine is a loaded Silero VAD model. It hands out per-stream Detectors and
// serialises their inference calls on the underlying session.
type Engine struct {
	runtimeLib string
	threads    int

	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// New loads the Silero VAD model from modelPath. The caller must Close the
// Engine when no more Detectors are needed.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("silero: modelPath must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("silero: model file: %w", err)
	}

	e := &Engine{threads: 1}
	for _, o := range opts {
		o(e)
	}

	if err := onnxrt.Initialize(e.runtimeLib); err != nil {
		return nil, fmt.Errorf("silero: %w", err)
	}

	options, err := onnxrt.NewSessionOptions(e.threads)
	if err != nil {
		return nil, fmt.Errorf("silero: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		options)
	if err != nil {
		return nil, fmt.Errorf("silero: create session for %q: %w", modelPath, err)
	}
	e.session = session
	return e, nil
}

// NewDetector returns a Detector with zeroed recurrent state.
func (e *Engine) NewDetector() (vad.Detector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, errors.New("silero: engine is closed")
	}
	return &detector{
		engine:  e,
		state:   make([]float32, stateSize),
		context: make([]float32, contextSize),
	}, nil
}

// Close releases the ONNX session. Detectors must not be used afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	if err != nil {
		return fmt.Errorf("silero: destroy session: %w", err)
	}
	return nil
}

// run executes one inference while holding the session lock.
func (e *Engine) run(inputs, outputs []ort.ArbitraryTensor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return errors.New("silero: engine is closed")
	}
	return e.session.Run(inputs, outputs)
}

// ---- detector -----------------------------------------------------------------

// Compile-time assertion that detector implements vad.Detector.
var _ vad.Detector = (*detector)(nil)

// detector carries the recurrent state of one audio stream.
type detector struct {
	engine  *Engine
	state   []float32 // (2, 1, 128) flattened
	context []float32 // last contextSize samples of the previous window
}

// Score returns the speech probability for one window of vad.WindowSize
// samples at 16 kHz.
func (d *detector) Score(window []float32) (float32, error) {
	if len(window) != vad.WindowSize {
		return 0, fmt.Errorf("silero: window must be %d samples, got %d", vad.WindowSize, len(window))
	}

	// The model expects the tail of the previous window prepended.
	input := make([]float32, contextSize+vad.WindowSize)
	copy(input, d.context)
	copy(input[contextSize:], window)

	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(input))), input)
	if err != nil {
		return 0, fmt.Errorf("silero: create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	stateTensor, err := ort.NewTensor(ort.NewShape(2, 1, 128), d.state)
	if err != nil {
		return 0, fmt.Errorf("silero: create state tensor: %w", err)
	}
	defer stateTensor.Destroy()

	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{vad.SampleRate})
	if err != nil {
		return 0, fmt.Errorf("silero: create sr tensor: %w", err)
	}
	defer srTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return 0, fmt.Errorf("silero: create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	stateOutTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		return 0, fmt.Errorf("silero: create state output tensor: %w", err)
	}
	defer stateOutTensor.Destroy()

	err = d.engine.run(
		[]ort.ArbitraryTensor{inputTensor, stateTensor, srTensor},
		[]ort.ArbitraryTensor{outputTensor, stateOutTensor},
	)
	if err != nil {
		return 0, fmt.Errorf("silero: run inference: %w", err)
	}

	copy(d.state, stateOutTensor.GetData())
	copy(d.context, input[len(input)-contextSize:])

	return outputTensor.GetData()[0], nil
}

// Reset zeroes the recurrent state and context so the next Score call sees a
// fresh stream.
func (d *detector) Reset() {
	for i := range d.state {
		d.state[i] = 0
	}
	for i := range d.context {
		d.context[i] = 0
	}
}

// Close releases per-stream resources. The detector allocates its tensors per
// call, so there is nothing to free beyond dropping the state buffers.
func (d *detector) Close() error {
	d.state = nil
	d.context = nil
	return nil
}
