// Package stt defines the Provider interface for Speech-to-Text backends.
//
// Unlike streaming recognisers, providers here transcribe one complete
// utterance at a time: the utterance segmenter owns endpoint detection, so an
// STT provider receives the full 16 kHz mono float32 sample buffer of a
// finished utterance and returns its text.
//
// Implementations must be safe for concurrent use; the server runs a small
// transcription worker pool over a single shared provider.
package stt

import "context"

// Provider is the abstraction over any utterance transcription backend.
type Provider interface {
	// Transcribe runs recognition over one complete utterance. samples is
	// 16 kHz mono float32 PCM in [-1, 1]. The returned text is trimmed; an
	// empty string means no speech was recognised (not an error).
	//
	// Implementations must honour ctx cancellation where the backend allows.
	Transcribe(ctx context.Context, samples []float32) (string, error)

	// Close releases backend resources (loaded models, connections). The
	// provider must not be used after Close.
	Close() error
}
