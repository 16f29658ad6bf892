// Package kokoro implements tts.Provider with the Kokoro ONNX model running
// in-process.
//
// The model takes a token ID sequence, a 256-dim voice style vector and a
// speed factor, and returns a float32 waveform at 24 kHz. Styles ship as a
// raw little-endian float32 matrix indexed by token count; the vocabulary is
// a JSON character-to-ID map. Inference runs under a shared handle so
// concurrent clause synthesis queues instead of thrashing the runtime.
package kokoro

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"github.com/TheGitCommit/voice-assistant/pkg/audio"
	"github.com/TheGitCommit/voice-assistant/pkg/onnxrt"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/tts"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	defaultSampleRate = 24000
	defaultSpeed      = 1.0

	// styleDim is the width of one voice style vector.
	styleDim = 256

	// maxTokens caps the token sequence; the model's positional range is
	// 512 including the zero padding at both ends.
	maxTokens = 510
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithSampleRate overrides the output rate. Defaults to 24000 Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithSpeed sets the speaking speed factor. Defaults to 1.0.
func WithSpeed(v float32) Option {
	return func(p *Provider) { p.speed = v }
}

// WithRuntimeLibrary sets the path of the ONNX Runtime shared library. When
// empty the system loader resolves it.
func WithRuntimeLibrary(path string) Option {
	return func(p *Provider) { p.runtimeLib = path }
}

// WithThreads sets the intra-op thread count for inference. Defaults to 4;
// kokoro is the heaviest model in the process and benefits from parallelism.
func WithThreads(n int) Option {
	return func(p *Provider) { p.threads = n }
}

// WithTensorNames overrides the model's tensor names. Defaults match the
// published Kokoro ONNX export: "input_ids", "style", "speed", "waveform".
func WithTensorNames(ids, style, speed, output string) Option {
	return func(p *Provider) {
		p.idsName = ids
		p.styleName = style
		p.speedName = speed
		p.outputName = output
	}
}

// Provider implements tts.Provider backed by an in-process Kokoro model.
type Provider struct {
	sampleRate int
	speed      float32
	runtimeLib string
	threads    int
	idsName    string
	styleName  string
	speedName  string
	outputName string

	vocab  map[rune]int64
	styles [][]float32

	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// New loads the Kokoro model from modelPath, the voice style matrix from
// voicePath (raw little-endian float32, rows of 256) and the vocabulary from
// vocabPath (JSON map, optionally nested under a "vocab" key). The caller
// must Close the Provider when done.
func New(modelPath, voicePath, vocabPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" || voicePath == "" || vocabPath == "" {
		return nil, errors.New("kokoro: modelPath, voicePath and vocabPath must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("kokoro: model file: %w", err)
	}

	p := &Provider{
		sampleRate: defaultSampleRate,
		speed:      defaultSpeed,
		threads:    4,
		idsName:    "input_ids",
		styleName:  "style",
		speedName:  "speed",
		outputName: "waveform",
	}
	for _, o := range opts {
		o(p)
	}

	vocab, err := loadVocab(vocabPath)
	if err != nil {
		return nil, err
	}
	p.vocab = vocab

	styles, err := loadStyles(voicePath)
	if err != nil {
		return nil, err
	}
	p.styles = styles

	if err := onnxrt.Initialize(p.runtimeLib); err != nil {
		return nil, fmt.Errorf("kokoro: %w", err)
	}
	options, err := onnxrt.NewSessionOptions(p.threads)
	if err != nil {
		return nil, fmt.Errorf("kokoro: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{p.idsName, p.styleName, p.speedName},
		[]string{p.outputName},
		options)
	if err != nil {
		return nil, fmt.Errorf("kokoro: create session for %q: %w", modelPath, err)
	}
	p.session = session
	return p, nil
}

// Name identifies the engine.
func (p *Provider) Name() string { return "kokoro" }

// SampleRate is the output rate in Hz.
func (p *Provider) SampleRate() int { return p.sampleRate }

// Synthesize renders text as raw int16 little-endian mono PCM. Empty or
// whitespace-only text, and text with no tokenizable characters, yields nil
// audio and a nil error.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("kokoro: synthesize: %w", err)
	}

	tokens := p.tokenize(text)
	if len(tokens) == 0 {
		return nil, nil
	}

	waveform, err := p.infer(tokens)
	if err != nil {
		return nil, err
	}
	return audio.FloatToInt16LE(waveform), nil
}

// Close releases the ONNX session.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	err := p.session.Destroy()
	p.session = nil
	if err != nil {
		return fmt.Errorf("kokoro: destroy session: %w", err)
	}
	return nil
}

// tokenize maps text characters to model token IDs, skipping characters the
// vocabulary does not cover, capped at maxTokens.
func (p *Provider) tokenize(text string) []int64 {
	tokens := make([]int64, 0, len(text))
	for _, r := range text {
		id, ok := p.vocab[r]
		if !ok {
			continue
		}
		tokens = append(tokens, id)
		if len(tokens) == maxTokens {
			break
		}
	}
	return tokens
}

// infer runs one synthesis under the shared session handle and returns the
// float32 waveform.
func (p *Provider) infer(tokens []int64) ([]float32, error) {
	// Zero padding at both ends, per the model's training format.
	ids := make([]int64, 0, len(tokens)+2)
	ids = append(ids, 0)
	ids = append(ids, tokens...)
	ids = append(ids, 0)

	styleRow := len(tokens)
	if styleRow >= len(p.styles) {
		styleRow = len(p.styles) - 1
	}
	style := p.styles[styleRow]

	idsTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(ids))), ids)
	if err != nil {
		return nil, fmt.Errorf("kokoro: create ids tensor: %w", err)
	}
	defer idsTensor.Destroy()

	styleTensor, err := ort.NewTensor(ort.NewShape(1, styleDim), style)
	if err != nil {
		return nil, fmt.Errorf("kokoro: create style tensor: %w", err)
	}
	defer styleTensor.Destroy()

	speedTensor, err := ort.NewTensor(ort.NewShape(1), []float32{p.speed})
	if err != nil {
		return nil, fmt.Errorf("kokoro: create speed tensor: %w", err)
	}
	defer speedTensor.Destroy()

	// The waveform length depends on the input, so let the runtime
	// allocate the output.
	outputs := []ort.ArbitraryTensor{nil}

	p.mu.Lock()
	if p.session == nil {
		p.mu.Unlock()
		return nil, errors.New("kokoro: provider is closed")
	}
	err = p.session.Run(
		[]ort.ArbitraryTensor{idsTensor, styleTensor, speedTensor},
		outputs,
	)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("kokoro: run inference: %w", err)
	}

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
		return nil, errors.New("kokoro: model returned a non-float32 waveform")
	}
	defer out.Destroy()

	data := out.GetData()
	waveform := make([]float32, len(data))
	copy(waveform, data)
	return waveform, nil
}

// ---- model assets -------------------------------------------------------------

// loadVocab reads a JSON character-to-ID map, accepting either a flat map or
// a map nested under "vocab" (the layout of the published model config).
func loadVocab(path string) (map[rune]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kokoro: read vocab: %w", err)
	}

	var wrapped struct {
		Vocab map[string]int64 `json:"vocab"`
	}
	raw := map[string]int64{}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Vocab) > 0 {
		raw = wrapped.Vocab
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("kokoro: parse vocab %q: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("kokoro: vocab %q is empty", path)
	}

	vocab := make(map[rune]int64, len(raw))
	for k, id := range raw {
		for _, r := range k {
			vocab[r] = id
			break
		}
	}
	return vocab, nil
}

// loadStyles reads the raw float32 voice style matrix.
func loadStyles(path string) ([][]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kokoro: read voice styles: %w", err)
	}
	if len(data) == 0 || len(data)%(styleDim*4) != 0 {
		return nil, fmt.Errorf("kokoro: voice style file %q is not a float32 matrix with %d-wide rows", path, styleDim)
	}

	rows := len(data) / (styleDim * 4)
	styles := make([][]float32, rows)
	for i := 0; i < rows; i++ {
		row := make([]float32, styleDim)
		base := i * styleDim * 4
		for j := 0; j < styleDim; j++ {
			bits := binary.LittleEndian.Uint32(data[base+j*4:])
			row[j] = math.Float32frombits(bits)
		}
		styles[i] = row
	}
	return styles, nil
}
