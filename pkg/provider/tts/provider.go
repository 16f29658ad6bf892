// Package tts defines the text-to-speech synthesis contract.
//
// Engines are batch synthesizers: one clause of text in, one buffer of PCM
// out. Streaming and ordering concerns live with the caller, which submits
// clauses concurrently and collects results in submission order.
package tts

import "context"

// Provider synthesizes speech from text.
//
// Implementations must be safe for concurrent Synthesize calls; engines that
// serialize inference internally still satisfy the contract, they just queue.
type Provider interface {
	// Name identifies the engine (e.g. "kokoro", "piper") for logs and
	// metrics.
	Name() string

	// SampleRate is the rate in Hz of the PCM returned by Synthesize.
	SampleRate() int

	// Synthesize renders text as raw 16-bit little-endian mono PCM at
	// SampleRate. Empty or whitespace-only text yields nil audio and a nil
	// error.
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
