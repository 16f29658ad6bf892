// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify detector creation and Detector to script speech
// probabilities for the windows submitted by the code under test.
//
// Example:
//
//	det := &mock.Detector{Scores: []float32{0.1, 0.9, 0.9, 0.1}}
//	eng := &mock.Engine{Detector: det}
package mock

import (
	"sync"

	"github.com/TheGitCommit/voice-assistant/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Detector is returned by NewDetector. If nil, NewDetector returns a
	// new default Detector.
	Detector vad.Detector

	// NewDetectorErr, if non-nil, is returned as the error from NewDetector.
	NewDetectorErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// NewDetectorCallCount is the number of times NewDetector was called.
	NewDetectorCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewDetector records the call and returns Detector, NewDetectorErr.
func (e *Engine) NewDetector() (vad.Detector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewDetectorCallCount++
	if e.NewDetectorErr != nil {
		return nil, e.NewDetectorErr
	}
	if e.Detector != nil {
		return e.Detector, nil
	}
	return &Detector{}, nil
}

// Close records the call and returns CloseErr.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return e.CloseErr
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewDetectorCallCount = 0
	e.CloseCallCount = 0
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// ScoreCall records a single invocation of Detector.Score.
type ScoreCall struct {
	// Window is a copy of the samples passed to Score.
	Window []float32
}

// Detector is a mock implementation of vad.Detector. Scores are consumed in
// order; once exhausted the last score repeats, so a short script can drive a
// long stream.
type Detector struct {
	mu sync.Mutex

	// Scores are returned by successive Score calls. When empty, Score
	// returns 0.
	Scores []float32

	// ScoreFn, if non-nil, overrides Scores and computes the probability
	// from the submitted window.
	ScoreFn func(window []float32) float32

	// ScoreErr, if non-nil, is returned by every Score call.
	ScoreErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// ScoreCalls records every call to Score in order.
	ScoreCalls []ScoreCall

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	next int
}

// Score records the call and returns the next scripted probability.
func (d *Detector) Score(window []float32) (float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]float32, len(window))
	copy(cp, window)
	d.ScoreCalls = append(d.ScoreCalls, ScoreCall{Window: cp})

	if d.ScoreErr != nil {
		return 0, d.ScoreErr
	}
	if d.ScoreFn != nil {
		return d.ScoreFn(window), nil
	}
	if len(d.Scores) == 0 {
		return 0, nil
	}
	idx := d.next
	if idx >= len(d.Scores) {
		idx = len(d.Scores) - 1
	}
	d.next++
	return d.Scores[idx], nil
}

// Reset records the call by incrementing ResetCallCount.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCallCount++
	return d.CloseErr
}

// ResetCalls clears all recorded call history and rewinds the score script.
// Thread-safe.
func (d *Detector) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ScoreCalls = nil
	d.ResetCallCount = 0
	d.CloseCallCount = 0
	d.next = 0
}

// Ensure Detector implements vad.Detector at compile time.
var _ vad.Detector = (*Detector)(nil)
