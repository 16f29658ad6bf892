// Package mock provides a test double for the wake package interface.
//
// Script detections with the Results queue; each Feed call consumes one
// entry. When the queue is exhausted, Feed reports no detection.
package mock

import (
	"sync"

	"github.com/TheGitCommit/voice-assistant/pkg/provider/wake"
)

// FeedResult scripts the outcome of a single Feed call.
type FeedResult struct {
	Detection wake.Detection
	Detected  bool
	Err       error
}

// Detector is a mock implementation of wake.Detector.
type Detector struct {
	mu sync.Mutex

	// Results are consumed by successive Feed calls.
	Results []FeedResult

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// FeedCallCount is the number of times Feed was called.
	FeedCallCount int

	// FedSamples is the total number of samples passed to Feed.
	FedSamples int

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	next int
}

// Feed records the call and returns the next scripted result.
func (d *Detector) Feed(frame []float32) (wake.Detection, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.FeedCallCount++
	d.FedSamples += len(frame)
	if d.next >= len(d.Results) {
		return wake.Detection{}, false, nil
	}
	r := d.Results[d.next]
	d.next++
	return r.Detection, r.Detected, r.Err
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

// ResetCalls clears all recorded call history and rewinds the result script.
// Thread-safe.
func (d *Detector) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.FeedCallCount = 0
	d.FedSamples = 0
	d.ResetCallCount = 0
	d.CloseCallCount = 0
	d.next = 0
}

// Ensure Detector implements wake.Detector at compile time.
var _ wake.Detector = (*Detector)(nil)
