// Package mock provides a test double for the tts package interface.
//
// By default Synthesize derives deterministic audio from the input text so
// ordering tests can tell clause results apart. Override with Audio or
// SynthesizeFn for exact control.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/TheGitCommit/voice-assistant/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	// Text is the clause passed to Synthesize.
	Text string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// Rate is returned by SampleRate. Defaults to 24000.
	Rate int

	// Audio, if non-nil, is returned by every Synthesize call.
	Audio []byte

	// SynthesizeFn, if non-nil, computes the result per call and overrides
	// Audio.
	SynthesizeFn func(ctx context.Context, text string) ([]byte, error)

	// SynthesizeErr, if non-nil, is returned by every Synthesize call.
	SynthesizeErr error

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Name returns NameValue or "mock".
func (p *Provider) Name() string {
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

// SampleRate returns Rate or 24000.
func (p *Provider) SampleRate() int {
	if p.Rate == 0 {
		return 24000
	}
	return p.Rate
}

// Synthesize records the call and returns the configured result. With no
// overrides set, it returns two bytes per input byte so callers can assert
// on distinct, non-empty audio per clause.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text})
	fn := p.SynthesizeFn
	audio := p.Audio
	synthErr := p.SynthesizeErr
	p.mu.Unlock()

	if synthErr != nil {
		return nil, synthErr
	}
	if fn != nil {
		return fn(ctx, text)
	}
	if audio != nil {
		return audio, nil
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	out := make([]byte, 0, len(text)*2)
	for i := 0; i < len(text); i++ {
		out = append(out, text[i], 0)
	}
	return out, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Calls returns a copy of the recorded synthesize texts in order.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	texts := make([]string, len(p.SynthesizeCalls))
	for i, c := range p.SynthesizeCalls {
		texts[i] = c.Text
	}
	return texts
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
