package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/TheGitCommit/voice-assistant/pkg/provider/llm"
)

// maxSpokenChars caps fallback answers. A hosted model happily produces
// essays; nobody wants one read back, and the log line stays sane.
const maxSpokenChars = 2000

// markdownRe matches the markers hosted models sprinkle into prose. They are
// stripped so a speech path never reads "asterisk asterisk" aloud.
var markdownRe = regexp.MustCompile("[*#_`~-]")

// Fallback answers a question through a hosted LLM when the assistant server
// is unreachable, keeping the device minimally useful. It covers only the
// brain: there is no local transcription or synthesis, so it rescues rounds
// whose transcript the server already produced before dying.
type Fallback struct {
	provider llm.Provider
	logger   *slog.Logger
}

// NewFallback wraps a hosted completion backend.
func NewFallback(provider llm.Provider, logger *slog.Logger) *Fallback {
	return &Fallback{provider: provider, logger: logger}
}

// Respond asks the hosted model for a single-turn answer, sanitized for
// speech.
func (f *Fallback) Respond(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("client: empty fallback prompt")
	}

	f.logger.Info("asking fallback model", "prompt_len", len(prompt))
	resp, err := f.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("client: fallback completion: %w", err)
	}
	return sanitizeSpoken(resp.Content), nil
}

// sanitizeSpoken strips markdown markers and truncates to maxSpokenChars on
// a rune boundary.
func sanitizeSpoken(s string) string {
	s = markdownRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if len(s) <= maxSpokenChars {
		return s
	}

	cut := maxSpokenChars - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
