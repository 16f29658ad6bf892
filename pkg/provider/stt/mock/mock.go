// Package mock provides a test double for the stt package interface.
//
// Script transcriptions with the Texts queue (consumed per call, last entry
// repeats) or compute them per call with TranscribeFn.
package mock

import (
	"context"
	"sync"

	"github.com/TheGitCommit/voice-assistant/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Samples is the number of samples passed to Transcribe.
	Samples int
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Texts are returned by successive Transcribe calls; once exhausted the
	// last entry repeats. When empty, Transcribe returns "".
	Texts []string

	// TranscribeFn, if non-nil, overrides Texts.
	TranscribeFn func(ctx context.Context, samples []float32) (string, error)

	// TranscribeErr, if non-nil, is returned by every Transcribe call.
	TranscribeErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	next int
}

// Transcribe records the call and returns the next scripted text.
func (p *Provider) Transcribe(ctx context.Context, samples []float32) (string, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Samples: len(samples)})
	fn := p.TranscribeFn
	transcribeErr := p.TranscribeErr
	var text string
	if len(p.Texts) > 0 {
		idx := p.next
		if idx >= len(p.Texts) {
			idx = len(p.Texts) - 1
		}
		p.next++
		text = p.Texts[idx]
	}
	p.mu.Unlock()

	if transcribeErr != nil {
		return "", transcribeErr
	}
	if fn != nil {
		return fn(ctx, samples)
	}
	return text, nil
}

// Close records the call and returns CloseErr.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCallCount++
	return p.CloseErr
}

// Reset clears all recorded calls and rewinds the text script. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
	p.CloseCallCount = 0
	p.next = 0
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
