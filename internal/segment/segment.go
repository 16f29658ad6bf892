// Package segment turns a continuous stream of microphone audio into
// discrete utterances using a neural voice activity detector.
//
// A Segmenter is a per-connection state machine over 512-sample analysis
// windows at 16 kHz: IDLE (keeping a short pre-roll tail) → SPEECH
// (accumulating) → SILENCE_AFTER_SPEECH (counting down). When enough
// consecutive silence follows speech, the accumulated audio, pre-roll
// included, is emitted as one utterance.
package segment

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/TheGitCommit/voice-assistant/pkg/provider/vad"
)

// Echo suppression while the assistant is speaking: the speech threshold is
// raised by this factor, clamped to the ceiling.
const (
	echoFactor    = 1.5
	echoThreshold = 0.9
)

type state int

const (
	stateIdle state = iota
	stateSpeech
	stateSilence
)

// Params tunes segmentation. Zero values fall back to defaults.
type Params struct {
	// SpeechThreshold is the VAD probability at or above which a window
	// counts as speech. Default 0.5.
	SpeechThreshold float32

	// SilenceWindows is how many consecutive sub-threshold windows end an
	// utterance. Default 10 (320 ms).
	SilenceWindows int

	// MinUtterance discards utterances whose speech portion is shorter.
	// Default 500 ms.
	MinUtterance time.Duration

	// MaxUtterance force-closes utterances that grow longer. Default 12 s.
	MaxUtterance time.Duration

	// Preroll is how much audio preceding speech onset is retained and
	// prepended to the utterance. Capped at 500 ms. Default 500 ms.
	Preroll time.Duration
}

func (p Params) withDefaults() Params {
	if p.SpeechThreshold <= 0 {
		p.SpeechThreshold = 0.5
	}
	if p.SilenceWindows <= 0 {
		p.SilenceWindows = 10
	}
	if p.MinUtterance <= 0 {
		p.MinUtterance = 500 * time.Millisecond
	}
	if p.MaxUtterance <= 0 {
		p.MaxUtterance = 12 * time.Second
	}
	if p.Preroll <= 0 {
		p.Preroll = 500 * time.Millisecond
	}
	if p.Preroll > 500*time.Millisecond {
		p.Preroll = 500 * time.Millisecond
	}
	return p
}

// samples converts a duration to a sample count at the VAD rate.
func samples(d time.Duration) int {
	return int(int64(d) * vad.SampleRate / int64(time.Second))
}

// Segmenter accumulates audio and emits at most one utterance per Feed call.
//
// Feed and Reset must be called from a single goroutine. SetOutputActive is
// safe to call from any goroutine.
type Segmenter struct {
	det    vad.Detector
	params Params

	minSamples     int
	maxSamples     int
	prerollWindows int

	outputActive atomic.Bool

	state         state
	pending       []float32   // buffered samples shorter than one window
	preroll       [][]float32 // rolling pre-roll tail, oldest first
	utterance     []float32
	speechSamples int // samples of supra-threshold audio in the current utterance
	silenceCount  int
}

// New creates a Segmenter scoring windows with det.
func New(det vad.Detector, params Params) *Segmenter {
	p := params.withDefaults()
	return &Segmenter{
		det:            det,
		params:         p,
		minSamples:     samples(p.MinUtterance),
		maxSamples:     samples(p.MaxUtterance),
		prerollWindows: samples(p.Preroll) / vad.WindowSize,
	}
}

// Feed appends captured audio and advances the state machine. Frames of any
// length are accepted; samples are re-windowed internally and scored in
// 512-sample windows. When an utterance completes during this call it is
// returned; otherwise the utterance result is nil.
//
// At most one utterance is returned per call. Audio past a completed
// utterance stays buffered and is processed by the next call.
//
// A VAD inference failure is fatal: the error propagates and the caller is
// expected to tear down the session.
func (s *Segmenter) Feed(frame []float32) ([]float32, error) {
	s.pending = append(s.pending, frame...)

	for len(s.pending) >= vad.WindowSize {
		window := s.pending[:vad.WindowSize]
		utt, err := s.processWindow(window)
		s.pending = s.pending[vad.WindowSize:]
		if err != nil {
			return nil, err
		}
		if utt != nil {
			return utt, nil
		}
	}
	return nil, nil
}

// SetOutputActive raises the effective speech threshold by ×1.5 (clamped to
// 0.9) while the assistant's own audio is playing, so playback bleeding into
// the microphone does not register as user speech.
func (s *Segmenter) SetOutputActive(active bool) {
	s.outputActive.Store(active)
}

// Reset discards all buffered audio, any partial utterance, and the
// detector's internal state, returning to IDLE.
func (s *Segmenter) Reset() {
	s.det.Reset()
	s.state = stateIdle
	s.pending = nil
	s.preroll = nil
	s.utterance = nil
	s.speechSamples = 0
	s.silenceCount = 0
}

func (s *Segmenter) threshold() float32 {
	t := s.params.SpeechThreshold
	if s.outputActive.Load() {
		t *= echoFactor
		if t > echoThreshold {
			t = echoThreshold
		}
	}
	return t
}

func (s *Segmenter) processWindow(window []float32) ([]float32, error) {
	score, err := s.det.Score(window)
	if err != nil {
		return nil, fmt.Errorf("segment: score window: %w", err)
	}
	isSpeech := score >= s.threshold()

	switch s.state {
	case stateIdle:
		if !isSpeech {
			s.pushPreroll(window)
			return nil, nil
		}
		// Speech onset: the pre-roll tail opens the utterance.
		for _, w := range s.preroll {
			s.utterance = append(s.utterance, w...)
		}
		s.preroll = nil
		s.utterance = append(s.utterance, window...)
		s.speechSamples = len(window)
		s.state = stateSpeech

	case stateSpeech:
		s.utterance = append(s.utterance, window...)
		if isSpeech {
			s.speechSamples += len(window)
		} else {
			s.state = stateSilence
			s.silenceCount = 1
		}

	case stateSilence:
		s.utterance = append(s.utterance, window...)
		if isSpeech {
			s.speechSamples += len(window)
			s.state = stateSpeech
			s.silenceCount = 0
			break
		}
		s.silenceCount++
		if s.silenceCount >= s.params.SilenceWindows {
			return s.finish(), nil
		}
	}

	if len(s.utterance) >= s.maxSamples {
		return s.finish(), nil
	}
	return nil, nil
}

// finish closes the current utterance and returns it, or nil when its speech
// portion is too short to keep. Either way the machine returns to IDLE.
func (s *Segmenter) finish() []float32 {
	utt := s.utterance
	speechLen := s.speechSamples

	s.state = stateIdle
	s.utterance = nil
	s.speechSamples = 0
	s.silenceCount = 0

	if speechLen < s.minSamples {
		return nil
	}
	return utt
}

// pushPreroll appends a copy of window to the rolling pre-roll tail,
// dropping the oldest window when the tail is full.
func (s *Segmenter) pushPreroll(window []float32) {
	if s.prerollWindows == 0 {
		return
	}
	w := make([]float32, len(window))
	copy(w, window)
	s.preroll = append(s.preroll, w)
	if len(s.preroll) > s.prerollWindows {
		s.preroll = s.preroll[1:]
	}
}
