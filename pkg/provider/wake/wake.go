// Package wake defines the wake-word detection contract.
//
// A Detector consumes a continuous stream of microphone frames and reports
// when a wake phrase is heard. Detection is local and cheap; everything that
// happens after a hit (connecting, streaming, tones) belongs to the caller.
package wake

// Detection identifies which model fired.
type Detection struct {
	// Model is the name of the wake model that crossed its threshold.
	Model string

	// Score is the model's confidence in [0, 1].
	Score float32
}

// Detector scores a single microphone stream for wake phrases.
//
// Implementations are not safe for concurrent use; feed frames from one
// goroutine only.
type Detector interface {
	// Feed appends one frame of 16 kHz mono float32 PCM (any length;
	// frames are re-windowed internally) and reports whether a wake phrase
	// was detected in the accumulated audio.
	Feed(frame []float32) (Detection, bool, error)

	// Reset drops all buffered audio so stale windows cannot fire after a
	// state change.
	Reset()

	// Close releases the detector's resources.
	Close() error
}
