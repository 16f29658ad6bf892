// Package conversation maintains one connection's chat history and drives
// streaming completions against an llm.Provider.
//
// A Conversation owns the message history for a single session: it appends
// the user turn, assembles the trimmed prompt, retries transient stream
// failures, and records the assistant's reply (complete or interrupted).
// When the session ends, Close persists the transcript through the
// configured store.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TheGitCommit/voice-assistant/internal/session"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/llm"
)

const (
	// maxAttempts bounds stream-open attempts per round. Status errors from
	// the backend are permanent and are never retried.
	maxAttempts = 3

	// defaultRetryBackoff is multiplied by the failed attempt number, giving
	// a linear 1s, 2s ramp between attempts.
	defaultRetryBackoff = time.Second

	defaultMaxTurns = 10
)

// InterruptedMarker is appended to partial assistant text committed to
// history when the round was cut off mid-response.
const InterruptedMarker = " [interrupted]"

// Option configures a Conversation.
type Option func(*Conversation)

// WithSystemPrompt sets the system preamble sent with every request.
func WithSystemPrompt(prompt string) Option {
	return func(c *Conversation) {
		c.systemPrompt = prompt
	}
}

// WithMaxTurns bounds how many turns of history are sent per request.
// One turn is a user message and the assistant's reply.
func WithMaxTurns(n int) Option {
	return func(c *Conversation) {
		c.maxTurns = n
	}
}

// WithStore sets the store Close persists the transcript to.
func WithStore(store session.Store) Option {
	return func(c *Conversation) {
		c.store = store
	}
}

// WithTemperature sets the sampling temperature sent with every request.
func WithTemperature(v float64) Option {
	return func(c *Conversation) {
		c.temperature = v
	}
}

// WithMaxTokens caps completion length per request.
func WithMaxTokens(n int) Option {
	return func(c *Conversation) {
		c.maxTokens = n
	}
}

// WithRetryBackoff overrides the base retry delay.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Conversation) {
		c.retryBackoff = d
	}
}

// WithLogger sets the logger; the per-connection logger usually goes here.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conversation) {
		c.logger = logger
	}
}

// Conversation is the per-session chat state. Safe for concurrent use,
// though rounds are naturally sequential: one Stream, then one Commit,
// CommitInterrupted, or Rollback.
type Conversation struct {
	provider     llm.Provider
	sessionID    string
	store        session.Store
	systemPrompt string
	maxTurns     int
	temperature  float64
	maxTokens    int
	retryBackoff time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	history []llm.Message
}

// New creates a Conversation for one session.
func New(provider llm.Provider, sessionID string, opts ...Option) *Conversation {
	c := &Conversation{
		provider:     provider,
		sessionID:    sessionID,
		maxTurns:     defaultMaxTurns,
		retryBackoff: defaultRetryBackoff,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream appends userText as the next user turn and opens a completion
// stream for it. Transport failures are retried up to three times with a
// linear backoff; an [llm.StatusError] is permanent and fails immediately.
// When no stream could be opened, the user turn is rolled back so a failed
// round leaves no trace in history.
//
// The returned channel is the provider's: it is closed when generation
// finishes or ctx is cancelled, and the caller must drain it.
func (c *Conversation) Stream(ctx context.Context, userText string) (<-chan llm.Chunk, error) {
	c.mu.Lock()
	c.history = append(c.history, llm.Message{Role: llm.RoleUser, Content: userText})
	req := llm.CompletionRequest{
		Messages:     c.trimmedLocked(),
		SystemPrompt: c.systemPrompt,
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
	}
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := time.Duration(attempt-1) * c.retryBackoff
			select {
			case <-ctx.Done():
				c.Rollback()
				return nil, fmt.Errorf("conversation: open stream: %w", ctx.Err())
			case <-time.After(wait):
			}
		}

		ch, err := c.provider.StreamCompletion(ctx, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err

		var statusErr *llm.StatusError
		if errors.As(err, &statusErr) {
			c.logger.Warn("llm request rejected, not retrying",
				"session_id", c.sessionID,
				"status", statusErr.Code,
			)
			break
		}
		c.logger.Warn("llm stream attempt failed",
			"session_id", c.sessionID,
			"attempt", attempt,
			"error", err,
		)
	}

	c.Rollback()
	return nil, fmt.Errorf("conversation: open stream: %w", lastErr)
}

// Commit records the assistant's complete reply, closing the current turn.
func (c *Conversation) Commit(assistantText string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, llm.Message{Role: llm.RoleAssistant, Content: assistantText})
}

// CommitInterrupted records the partial assistant text produced before an
// interrupt, marked so the model can see its own reply was cut off. The user
// turn stays in history. An empty partial commits nothing.
func (c *Conversation) CommitInterrupted(partialText string) {
	if partialText == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, llm.Message{
		Role:    llm.RoleAssistant,
		Content: partialText + InterruptedMarker,
	})
}

// Rollback removes the most recent user turn, if that is what the history
// ends with. Used when a round fails before producing any assistant output.
func (c *Conversation) Rollback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.history); n > 0 && c.history[n-1].Role == llm.RoleUser {
		c.history = c.history[:n-1]
	}
}

// History returns a copy of the full message history.
func (c *Conversation) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Message, len(c.history))
	copy(out, c.history)
	return out
}

// Close persists the transcript when a store is configured. Safe to call
// with an empty history; nothing is written in that case.
func (c *Conversation) Close(ctx context.Context) error {
	c.mu.Lock()
	history := make([]llm.Message, len(c.history))
	copy(history, c.history)
	c.mu.Unlock()

	if c.store == nil || len(history) == 0 {
		return nil
	}
	rec := session.Record{SessionID: c.sessionID, History: history}
	if err := c.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("conversation: persist session %q: %w", c.sessionID, err)
	}
	return nil
}

// trimmedLocked returns the last maxTurns*2 messages. The system preamble
// travels separately in the request, so it always survives trimming.
func (c *Conversation) trimmedLocked() []llm.Message {
	msgs := c.history
	if maxMsgs := c.maxTurns * 2; len(msgs) > maxMsgs {
		msgs = msgs[len(msgs)-maxMsgs:]
	}
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	return out
}
