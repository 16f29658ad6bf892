// Package anyllm adapts github.com/mozilla-ai/any-llm-go to the llm.Provider
// contract. One constructor covers every hosted backend the library speaks
// (OpenAI, Anthropic, Gemini, Groq, Mistral, DeepSeek, Ollama, llama.cpp);
// the edge client selects one through its fallback config for the rounds it
// has to answer without the assistant server.
package anyllm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/TheGitCommit/voice-assistant/pkg/provider/llm"
)

// backends maps config provider names to any-llm-go constructors.
var backends = map[string]func(...anyllmlib.Option) (anyllmlib.Provider, error){
	"openai":    func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(opts...) },
	"anthropic": func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(opts...) },
	"gemini":    func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(opts...) },
	"groq":      func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(opts...) },
	"mistral":   func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(opts...) },
	"deepseek":  func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(opts...) },
	"ollama":    func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(opts...) },
	"llamacpp":  func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(opts...) },
}

// Provider speaks to one any-llm-go backend with a fixed model.
type Provider struct {
	inner anyllmlib.Provider
	model string
}

var _ llm.Provider = (*Provider)(nil)

// New resolves name (case-insensitive) against the supported backends and
// binds the returned Provider to model. Options carry credentials and
// endpoint overrides (anyllmlib.WithAPIKey, anyllmlib.WithBaseURL); with no
// key option the backend reads its usual environment variable.
func New(name, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	ctor, ok := backends[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unknown provider %q (supported: %s)", name, supportedNames())
	}
	inner, err := ctor(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: init %s backend: %w", name, err)
	}
	return &Provider{inner: inner, model: model}, nil
}

func supportedNames() string {
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// StreamCompletion opens a streaming completion and forwards text deltas as
// they arrive. A backend failure after the stream opened surfaces as a final
// chunk with FinishReason "error".
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	deltas, errs := p.inner.CompletionStream(ctx, toParams(p.model, req))

	out := make(chan llm.Chunk, 16)
	go func() {
		defer close(out)
		emit := func(c llm.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for d := range deltas {
			if len(d.Choices) == 0 {
				continue
			}
			choice := d.Choices[0]
			if !emit(llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}) {
				return
			}
		}
		if err := <-errs; err != nil {
			emit(llm.Chunk{Text: err.Error(), FinishReason: llm.FinishReasonError})
		}
	}()
	return out, nil
}

// Complete waits for the whole response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.inner.Completion(ctx, toParams(p.model, req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: response carried no choices")
	}
	return &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}, nil
}

func toParams(model string, req llm.CompletionRequest) anyllmlib.CompletionParams {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}

	params := anyllmlib.CompletionParams{Model: model, Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params
}
