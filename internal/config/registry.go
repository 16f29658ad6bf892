package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheGitCommit/voice-assistant/pkg/provider/llm"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/llm/openaicompat"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/stt"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/stt/whisper"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/tts"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/tts/kokoro"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/tts/piper"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/vad"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/vad/silero"
)

// ErrEngineNotRegistered is returned by Create* methods when no factory has
// been registered under the requested engine name.
var ErrEngineNotRegistered = errors.New("config: engine not registered")

// Registry maps engine names to their constructor functions for each
// pipeline stage. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	stt map[string]func(*Config) (stt.Provider, error)
	tts map[string]func(*Config) (tts.Provider, error)
	vad map[string]func(*Config) (vad.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt: make(map[string]func(*Config) (stt.Provider, error)),
		tts: make(map[string]func(*Config) (tts.Provider, error)),
		vad: make(map[string]func(*Config) (vad.Engine, error)),
	}
}

// DefaultRegistry returns a [Registry] with all built-in engines registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterSTT("whisper-native", func(cfg *Config) (stt.Provider, error) {
		var opts []whisper.NativeOption
		if cfg.STT.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(cfg.STT.Language))
		}
		if cfg.STT.Threads > 0 {
			opts = append(opts, whisper.WithNativeThreads(cfg.STT.Threads))
		}
		if cfg.STT.BeamSize > 0 {
			opts = append(opts, whisper.WithNativeBeamSize(cfg.STT.BeamSize))
		}
		return whisper.NewNative(cfg.STT.Model, opts...)
	})
	r.RegisterSTT("whisper", func(cfg *Config) (stt.Provider, error) {
		var opts []whisper.Option
		if cfg.STT.Language != "" {
			opts = append(opts, whisper.WithLanguage(cfg.STT.Language))
		}
		return whisper.New(cfg.STT.ServerURL, opts...)
	})

	r.RegisterTTS("kokoro", func(cfg *Config) (tts.Provider, error) {
		opts := []kokoro.Option{
			kokoro.WithRuntimeLibrary(cfg.Onnx.RuntimeLibrary),
		}
		if cfg.TTS.Kokoro.Speed > 0 {
			opts = append(opts, kokoro.WithSpeed(float32(cfg.TTS.Kokoro.Speed)))
		}
		if cfg.TTS.Kokoro.Threads > 0 {
			opts = append(opts, kokoro.WithThreads(cfg.TTS.Kokoro.Threads))
		}
		return kokoro.New(cfg.TTS.Kokoro.Model, cfg.TTS.Kokoro.Voice, cfg.TTS.Kokoro.Vocab, opts...)
	})
	r.RegisterTTS("piper", func(cfg *Config) (tts.Provider, error) {
		opts := []piper.Option{
			piper.WithSampleRate(cfg.TTS.Piper.SampleRate),
		}
		if cfg.TTS.Piper.Speaker >= 0 {
			opts = append(opts, piper.WithSpeaker(cfg.TTS.Piper.Speaker))
		}
		return piper.New(cfg.TTS.Piper.Binary, cfg.TTS.Piper.Model, opts...)
	})

	r.RegisterVAD("silero", func(cfg *Config) (vad.Engine, error) {
		opts := []silero.Option{
			silero.WithRuntimeLibrary(cfg.Onnx.RuntimeLibrary),
		}
		if cfg.VAD.Threads > 0 {
			opts = append(opts, silero.WithThreads(cfg.VAD.Threads))
		}
		return silero.New(cfg.VAD.Model, opts...)
	})

	return r
}

// RegisterSTT registers an STT engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(*Config) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a TTS engine factory under name.
func (r *Registry) RegisterTTS(name string, factory func(*Config) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(*Config) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateSTT instantiates the STT engine named by cfg.STT.Engine.
// Returns [ErrEngineNotRegistered] if no factory is registered for that name.
func (r *Registry) CreateSTT(cfg *Config) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[cfg.STT.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrEngineNotRegistered, cfg.STT.Engine)
	}
	return factory(cfg)
}

// CreateTTS instantiates the primary TTS engine named by cfg.TTS.Engine.
func (r *Registry) CreateTTS(cfg *Config) (tts.Provider, error) {
	return r.createTTS(cfg, cfg.TTS.Engine)
}

// CreateTTSFallback instantiates the fallback TTS engine named by
// cfg.TTS.FallbackEngine. Returns (nil, nil) when no fallback is configured.
func (r *Registry) CreateTTSFallback(cfg *Config) (tts.Provider, error) {
	if cfg.TTS.FallbackEngine == "" {
		return nil, nil
	}
	return r.createTTS(cfg, cfg.TTS.FallbackEngine)
}

func (r *Registry) createTTS(cfg *Config, name string) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrEngineNotRegistered, name)
	}
	return factory(cfg)
}

// CreateVAD instantiates the VAD engine named by cfg.VAD.Engine.
func (r *Registry) CreateVAD(cfg *Config) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.VAD.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrEngineNotRegistered, cfg.VAD.Engine)
	}
	return factory(cfg)
}

// CreateLLM builds the chat completion client. There is exactly one protocol
// (OpenAI-compatible), so no name lookup is involved: the endpoint is either
// cfg.LLM.BaseURL or, when empty, the supervised llama.cpp server.
func CreateLLM(cfg *Config) (llm.Provider, error) {
	baseURL := cfg.LLM.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d/v1", cfg.Llama.Host, cfg.Llama.Port)
	}
	opts := []openaicompat.Option{
		openaicompat.WithTimeout(time.Duration(cfg.LLM.TimeoutSec) * time.Second),
	}
	if cfg.LLM.APIKey != "" {
		opts = append(opts, openaicompat.WithAPIKey(cfg.LLM.APIKey))
	}
	return openaicompat.New(baseURL, cfg.LLM.Model, opts...)
}
