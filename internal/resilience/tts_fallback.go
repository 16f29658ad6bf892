package resilience

import (
	"context"

	"github.com/TheGitCommit/voice-assistant/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple synthesis engines. Each engine has its own circuit breaker: a
// failing primary is bypassed for the breaker's reset window and the next
// engine serves the clause.
//
// Name and SampleRate follow the engine the next Synthesize call will try
// first, so callers announce the correct playback rate after a failover.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred engine.
func NewTTSFallback(primary tts.Provider, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primary.Name(), cfg),
	}
}

// AddFallback registers an additional engine. Fallbacks are tried in the
// order they are added, after the primary.
func (f *TTSFallback) AddFallback(provider tts.Provider) {
	f.group.AddFallback(provider.Name(), provider)
}

// Name returns the name of the engine currently serving synthesis.
func (f *TTSFallback) Name() string {
	return f.group.Active().Name()
}

// SampleRate returns the output rate of the engine currently serving
// synthesis.
func (f *TTSFallback) SampleRate() int {
	return f.group.Active().SampleRate()
}

// Synthesize renders text with the first healthy engine. A failed engine
// counts against its breaker and the next one is tried within the same call.
func (f *TTSFallback) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text)
	})
}
