// Package onnx implements wake.Detector with ONNX wake-word models.
//
// Each configured model is loaded into its own session and scored over
// 1280-sample windows (80 ms at 16 kHz) with a 320-sample overlap carried
// between consecutive scores. The models consume raw 16-bit amplitudes, so
// incoming [-1, 1] float samples are rescaled before buffering.
package onnx

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/TheGitCommit/voice-assistant/pkg/onnxrt"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/wake"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	// window is the number of samples scored per inference. 80 ms at 16 kHz.
	window = 1280

	// overlap is the tail carried into the next window so a phrase spanning
	// a window boundary still scores. One 20 ms frame.
	overlap = 320
)

const defaultThreshold = 0.5

// Compile-time assertion that Detector implements wake.Detector.
var _ wake.Detector = (*Detector)(nil)

// Option is a functional option for configuring a Detector.
type Option func(*Detector)

// WithThreshold sets the confidence a model must reach to fire.
// Defaults to 0.5.
func WithThreshold(v float32) Option {
	return func(d *Detector) { d.threshold = v }
}

// WithRuntimeLibrary sets the path of the ONNX Runtime shared library. When
// empty the system loader resolves it.
func WithRuntimeLibrary(path string) Option {
	return func(d *Detector) { d.runtimeLib = path }
}

// WithTensorNames overrides the model's input and output tensor names.
// Defaults to "input" and "output".
func WithTensorNames(input, output string) Option {
	return func(d *Detector) {
		d.inputName = input
		d.outputName = output
	}
}

// Detector scores buffered microphone audio against one or more wake models.
type Detector struct {
	threshold  float32
	runtimeLib string
	inputName  string
	outputName string

	models []*model
	buf    []float32 // raw 16-bit amplitude domain
}

type model struct {
	name    string
	session *ort.DynamicAdvancedSession
}

// New loads every model in paths (name → ONNX file). At least one model is
// required. The caller must Close the Detector when done.
func New(paths map[string]string, opts ...Option) (*Detector, error) {
	if len(paths) == 0 {
		return nil, errors.New("wake: at least one model is required")
	}
	for name, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("wake: model %q: %w", name, err)
		}
	}

	d := &Detector{
		threshold:  defaultThreshold,
		inputName:  "input",
		outputName: "output",
	}
	for _, o := range opts {
		o(d)
	}

	if err := onnxrt.Initialize(d.runtimeLib); err != nil {
		return nil, fmt.Errorf("wake: %w", err)
	}

	options, err := onnxrt.NewSessionOptions(1)
	if err != nil {
		return nil, fmt.Errorf("wake: %w", err)
	}
	defer options.Destroy()

	// Deterministic load and scoring order.
	names := make([]string, 0, len(paths))
	for name := range paths {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		session, err := ort.NewDynamicAdvancedSession(paths[name],
			[]string{d.inputName}, []string{d.outputName}, options)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("wake: create session for %q: %w", name, err)
		}
		d.models = append(d.models, &model{name: name, session: session})
	}
	return d, nil
}

// Feed appends one frame and scores any complete windows. The first model
// crossing the threshold wins; remaining buffered audio is kept so the caller
// decides whether to Reset after acting on the detection.
func (d *Detector) Feed(frame []float32) (wake.Detection, bool, error) {
	for _, s := range frame {
		v := s * 32767
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		d.buf = append(d.buf, v)
	}

	for len(d.buf) >= window {
		det, ok, err := d.score(d.buf[:window])
		// Keep the overlap tail regardless of outcome.
		d.buf = d.buf[window-overlap:]
		if err != nil {
			return wake.Detection{}, false, err
		}
		if ok {
			return det, true, nil
		}
	}
	return wake.Detection{}, false, nil
}

// score runs one window through every model and returns the best
// above-threshold detection.
func (d *Detector) score(win []float32) (wake.Detection, bool, error) {
	input := make([]float32, window)
	copy(input, win)

	inputTensor, err := ort.NewTensor(ort.NewShape(1, window), input)
	if err != nil {
		return wake.Detection{}, false, fmt.Errorf("wake: create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	var best wake.Detection
	for _, m := range d.models {
		outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
		if err != nil {
			return wake.Detection{}, false, fmt.Errorf("wake: create output tensor: %w", err)
		}

		err = m.session.Run(
			[]ort.ArbitraryTensor{inputTensor},
			[]ort.ArbitraryTensor{outputTensor},
		)
		if err != nil {
			outputTensor.Destroy()
			return wake.Detection{}, false, fmt.Errorf("wake: score %q: %w", m.name, err)
		}

		v := outputTensor.GetData()[0]
		outputTensor.Destroy()
		if v >= d.threshold && v > best.Score {
			best = wake.Detection{Model: m.name, Score: v}
		}
	}
	return best, best.Model != "", nil
}

// Reset drops all buffered audio.
func (d *Detector) Reset() {
	d.buf = d.buf[:0]
}

// Close releases every model session.
func (d *Detector) Close() error {
	var errs []error
	for _, m := range d.models {
		if m.session == nil {
			continue
		}
		if err := m.session.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("wake: destroy session %q: %w", m.name, err))
		}
		m.session = nil
	}
	return errors.Join(errs...)
}
