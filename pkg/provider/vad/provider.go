// Package vad defines the contract for neural voice-activity scoring.
//
// An Engine wraps a loaded model and hands out per-stream Detectors. A
// Detector scores fixed-size windows of 16 kHz mono float32 PCM and carries
// the model's recurrent state between calls, so exactly one Detector serves
// each audio stream.
package vad

const (
	// SampleRate is the only input rate the bundled models are trained on.
	SampleRate = 16000

	// WindowSize is the number of samples consumed per Score call. Silero
	// models operate on 32 ms windows at 16 kHz.
	WindowSize = 512
)

// Engine is a loaded voice-activity model. It may serve many concurrent
// streams; each stream gets its own Detector.
type Engine interface {
	// NewDetector returns a Detector with fresh recurrent state.
	NewDetector() (Detector, error)

	// Close releases the model. All Detectors created by this Engine must
	// be closed before the Engine itself.
	Close() error
}

// Detector scores consecutive windows of a single audio stream.
//
// Implementations are not safe for concurrent use; feed windows from one
// goroutine only.
type Detector interface {
	// Score returns the speech probability in [0, 1] for a window of
	// exactly WindowSize samples. Passing a window of any other length is
	// an error.
	Score(window []float32) (float32, error)

	// Reset clears the recurrent state, detaching the Detector from any
	// audio it has seen so far. Call it between unrelated streams.
	Reset()

	// Close releases per-stream resources held by the Detector.
	Close() error
}
