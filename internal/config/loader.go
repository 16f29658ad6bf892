package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidEngineNames lists known engine names per pipeline stage.
// Used by [Validate] to warn about unrecognised engine names.
var ValidEngineNames = map[string][]string{
	"stt": {"whisper", "whisper-native"},
	"tts": {"kokoro", "piper"},
	"vad": {"silero"},
}

// Load reads the server YAML configuration file at path and returns a
// validated [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a server YAML config from r over [DefaultConfig]
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.IngressQueue <= 0 {
		errs = append(errs, fmt.Errorf("server.ingress_queue %d must be positive", cfg.Server.IngressQueue))
	}
	if cfg.Server.EgressQueue <= 0 {
		errs = append(errs, fmt.Errorf("server.egress_queue %d must be positive", cfg.Server.EgressQueue))
	}
	if cfg.Server.HeartbeatSec <= 0 {
		errs = append(errs, fmt.Errorf("server.heartbeat_sec %d must be positive", cfg.Server.HeartbeatSec))
	}

	// Audio
	if cfg.Audio.SampleRate != 16000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is unsupported; the segmenter and STT require 16000", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d must be positive", cfg.Audio.FrameSamples))
	}

	// Llama subprocess
	if cfg.Llama.Enabled {
		if cfg.Llama.Binary == "" {
			errs = append(errs, errors.New("llama.binary is required when llama.enabled is true"))
		}
		if cfg.Llama.Model == "" {
			errs = append(errs, errors.New("llama.model is required when llama.enabled is true"))
		}
		if cfg.Llama.Port <= 0 || cfg.Llama.Port > 65535 {
			errs = append(errs, fmt.Errorf("llama.port %d is out of range [1, 65535]", cfg.Llama.Port))
		}
	} else if cfg.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url is required when llama.enabled is false"))
	}

	// LLM client
	if cfg.LLM.MaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("llm.max_turns %d must be positive", cfg.LLM.MaxTurns))
	}
	if cfg.LLM.TimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("llm.timeout_sec %d must be positive", cfg.LLM.TimeoutSec))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0.0, 2.0]", cfg.LLM.Temperature))
	}

	// STT
	validateEngineName("stt", cfg.STT.Engine)
	switch cfg.STT.Engine {
	case "whisper-native":
		if cfg.STT.Model == "" {
			errs = append(errs, errors.New("stt.model is required for engine whisper-native"))
		}
	case "whisper":
		if cfg.STT.ServerURL == "" {
			errs = append(errs, errors.New("stt.server_url is required for engine whisper"))
		}
	}
	if cfg.STT.Workers <= 0 {
		errs = append(errs, fmt.Errorf("stt.workers %d must be positive", cfg.STT.Workers))
	}

	// TTS
	validateEngineName("tts", cfg.TTS.Engine)
	if cfg.TTS.FallbackEngine != "" {
		validateEngineName("tts", cfg.TTS.FallbackEngine)
		if cfg.TTS.FallbackEngine == cfg.TTS.Engine {
			errs = append(errs, fmt.Errorf("tts.fallback_engine %q must differ from tts.engine", cfg.TTS.FallbackEngine))
		}
	}
	for _, engine := range []string{cfg.TTS.Engine, cfg.TTS.FallbackEngine} {
		switch engine {
		case "kokoro":
			if cfg.TTS.Kokoro.Model == "" || cfg.TTS.Kokoro.Voice == "" || cfg.TTS.Kokoro.Vocab == "" {
				errs = append(errs, errors.New("tts.kokoro.model, tts.kokoro.voice, and tts.kokoro.vocab are required for engine kokoro"))
			}
		case "piper":
			if cfg.TTS.Piper.Binary == "" || cfg.TTS.Piper.Model == "" {
				errs = append(errs, errors.New("tts.piper.binary and tts.piper.model are required for engine piper"))
			}
		}
	}

	// VAD
	validateEngineName("vad", cfg.VAD.Engine)
	if cfg.VAD.Model == "" {
		errs = append(errs, errors.New("vad.model is required"))
	}

	// Segmenter
	if cfg.Segmenter.SpeechThreshold <= 0 || cfg.Segmenter.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("segmenter.speech_threshold %.2f is out of range (0, 1]", cfg.Segmenter.SpeechThreshold))
	}
	if cfg.Segmenter.SilenceWindows <= 0 {
		errs = append(errs, fmt.Errorf("segmenter.silence_windows %d must be positive", cfg.Segmenter.SilenceWindows))
	}
	if cfg.Segmenter.MinUtteranceMs <= 0 {
		errs = append(errs, fmt.Errorf("segmenter.min_utterance_ms %d must be positive", cfg.Segmenter.MinUtteranceMs))
	}
	if cfg.Segmenter.MaxUtteranceMs <= cfg.Segmenter.MinUtteranceMs {
		errs = append(errs, fmt.Errorf("segmenter.max_utterance_ms %d must exceed min_utterance_ms %d",
			cfg.Segmenter.MaxUtteranceMs, cfg.Segmenter.MinUtteranceMs))
	}
	if cfg.Segmenter.PrerollMs < 0 || cfg.Segmenter.PrerollMs > 500 {
		errs = append(errs, fmt.Errorf("segmenter.preroll_ms %d is out of range [0, 500]", cfg.Segmenter.PrerollMs))
	}

	// Sessions
	if cfg.Sessions.Dir != "" && cfg.Sessions.PostgresDSN != "" {
		slog.Warn("both sessions.dir and sessions.postgres_dsn are set; the Postgres store takes precedence")
	}

	// Barge-in
	if len(cfg.BargeIn.Keywords) == 0 {
		errs = append(errs, errors.New("barge_in.keywords must not be empty"))
	}
	for i, kw := range cfg.BargeIn.Keywords {
		if strings.TrimSpace(kw) == "" {
			errs = append(errs, fmt.Errorf("barge_in.keywords[%d] is blank", i))
		}
	}
	if cfg.BargeIn.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("barge_in.buffer_size %d must be positive", cfg.BargeIn.BufferSize))
	}
	if cfg.BargeIn.MinSimilarity <= 0 || cfg.BargeIn.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("barge_in.min_similarity %.2f is out of range (0, 1]", cfg.BargeIn.MinSimilarity))
	}

	return errors.Join(errs...)
}

// LoadClient reads the client YAML configuration file at path and returns a
// validated [ClientConfig].
func LoadClient(path string) (*ClientConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadClientFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadClientFromReader decodes a client YAML config from r over
// [DefaultClientConfig] and validates the result.
func LoadClientFromReader(r io.Reader) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ValidateClient(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateClient checks that cfg contains a coherent set of client values.
// It returns a joined error listing all validation failures found.
func ValidateClient(cfg *ClientConfig) error {
	var errs []error

	if cfg.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	} else if !strings.HasPrefix(cfg.ServerURL, "ws://") && !strings.HasPrefix(cfg.ServerURL, "wss://") {
		errs = append(errs, fmt.Errorf("server_url %q must use the ws:// or wss:// scheme", cfg.ServerURL))
	}
	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Wake
	if len(cfg.Wake.Models) == 0 {
		errs = append(errs, errors.New("wake.models must contain at least one model"))
	}
	for name, path := range cfg.Wake.Models {
		if path == "" {
			errs = append(errs, fmt.Errorf("wake.models[%q] has an empty path", name))
		}
	}
	if cfg.Wake.Threshold <= 0 || cfg.Wake.Threshold > 1 {
		errs = append(errs, fmt.Errorf("wake.threshold %.2f is out of range (0, 1]", cfg.Wake.Threshold))
	}
	if cfg.Wake.ActivationDelayMs < 0 {
		errs = append(errs, fmt.Errorf("wake.activation_delay_ms %d must not be negative", cfg.Wake.ActivationDelayMs))
	}

	// Capture
	if cfg.Capture.SampleRate != 16000 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d is unsupported; wake detection requires 16000", cfg.Capture.SampleRate))
	}
	if cfg.Capture.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("capture.frame_samples %d must be positive", cfg.Capture.FrameSamples))
	}
	if cfg.Capture.PrerollMs < 0 {
		errs = append(errs, fmt.Errorf("capture.preroll_ms %d must not be negative", cfg.Capture.PrerollMs))
	}

	// Local VAD
	if cfg.LocalVAD.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("local_vad.threshold %.4f must be positive", cfg.LocalVAD.Threshold))
	}
	if cfg.LocalVAD.PlaybackFactor < 1 {
		errs = append(errs, fmt.Errorf("local_vad.playback_factor %.2f must be >= 1", cfg.LocalVAD.PlaybackFactor))
	}
	if cfg.LocalVAD.MinSpeechFrames <= 0 {
		errs = append(errs, fmt.Errorf("local_vad.min_speech_frames %d must be positive", cfg.LocalVAD.MinSpeechFrames))
	}

	// Cloud fallback
	if cfg.Fallback.Provider != "" {
		if cfg.Fallback.Model == "" {
			errs = append(errs, errors.New("fallback.model is required when fallback.provider is set"))
		}
		if cfg.Fallback.APIKey == "" {
			slog.Warn("fallback.api_key is empty; the provider may reject requests", "provider", cfg.Fallback.Provider)
		}
	}

	// Reconnect
	if cfg.Reconnect.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_attempts %d must be positive", cfg.Reconnect.MaxAttempts))
	}
	if cfg.Reconnect.BackoffMs <= 0 {
		errs = append(errs, fmt.Errorf("reconnect.backoff_ms %d must be positive", cfg.Reconnect.BackoffMs))
	}
	if cfg.Reconnect.MaxBackoffMs < cfg.Reconnect.BackoffMs {
		errs = append(errs, fmt.Errorf("reconnect.max_backoff_ms %d must be >= backoff_ms %d",
			cfg.Reconnect.MaxBackoffMs, cfg.Reconnect.BackoffMs))
	}

	return errors.Join(errs...)
}

// validateEngineName logs a warning if name is non-empty and not found in
// the [ValidEngineNames] list for the given kind.
func validateEngineName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidEngineNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown engine name, may be a typo or an external registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
