// Package llm defines the Provider interface for chat completion backends.
//
// An LLM provider wraps an OpenAI-compatible endpoint (the supervised local
// llama.cpp server, a hosted API, or anything speaking the same protocol) and
// exposes a uniform streaming interface to the response pipeline.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"
	"fmt"
)

// Roles used in conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry in a conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`
}

// CompletionRequest carries everything the model needs to produce a response.
// Messages must be non-empty; a zero-value request is invalid.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero means use
	// the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int
}

// FinishReasonError is the FinishReason carried by a chunk that reports a
// mid-stream failure. The chunk's Text holds the error message.
const FinishReasonError = "error"

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content. May be empty on the final chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or
	// FinishReasonError for a mid-stream failure.
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string
}

// Provider is the abstraction over any chat completion backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or ctx is cancelled.
	//
	// Callers must drain the channel. Errors after the stream opens surface
	// as a Chunk with FinishReason "error"; the initial error return is
	// non-nil only when the stream cannot start at all.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response. Convenience wrapper
	// for callers that do not need incremental output.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// StatusError reports a request that reached the backend and came back with a
// non-2xx HTTP status. Status errors are permanent: the round that caused
// them is skipped rather than retried.
type StatusError struct {
	// Code is the HTTP status code.
	Code int

	// Message is the error body or status text.
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: backend returned status %d: %s", e.Code, e.Message)
}
