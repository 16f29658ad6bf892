package config_test

import (
	"strings"
	"testing"

	"github.com/TheGitCommit/voice-assistant/internal/config"
)

// validServerConfig returns a config that passes validation; tests mutate
// individual fields to provoke specific failures.
func validServerConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Llama.Binary = "/opt/llama/llama-server"
	cfg.Llama.Model = "/models/assistant.gguf"
	cfg.STT.Model = "/models/ggml-base.en.bin"
	cfg.TTS.Kokoro.Model = "/models/kokoro.onnx"
	cfg.TTS.Kokoro.Voice = "/models/voices/af.bin"
	cfg.TTS.Kokoro.Vocab = "/models/vocab.json"
	cfg.VAD.Model = "/models/silero_vad.onnx"
	return cfg
}

func TestValidate_AcceptsCompleteConfig(t *testing.T) {
	t.Parallel()
	if err := config.Validate(validServerConfig()); err != nil {
		t.Fatalf("Validate returned error for valid config: %v", err)
	}
}

func TestValidate_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantSub string
	}{
		{
			name:    "bad log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = "verbose" },
			wantSub: "server.log_level",
		},
		{
			name:    "missing listen addr",
			mutate:  func(c *config.Config) { c.Server.ListenAddr = "" },
			wantSub: "server.listen_addr",
		},
		{
			name:    "zero ingress queue",
			mutate:  func(c *config.Config) { c.Server.IngressQueue = 0 },
			wantSub: "server.ingress_queue",
		},
		{
			name:    "unsupported sample rate",
			mutate:  func(c *config.Config) { c.Audio.SampleRate = 44100 },
			wantSub: "audio.sample_rate",
		},
		{
			name:    "llama enabled without binary",
			mutate:  func(c *config.Config) { c.Llama.Binary = "" },
			wantSub: "llama.binary",
		},
		{
			name: "llama disabled without llm endpoint",
			mutate: func(c *config.Config) {
				c.Llama.Enabled = false
				c.LLM.BaseURL = ""
			},
			wantSub: "llm.base_url",
		},
		{
			name:    "temperature out of range",
			mutate:  func(c *config.Config) { c.LLM.Temperature = 2.5 },
			wantSub: "llm.temperature",
		},
		{
			name: "whisper-native without model",
			mutate: func(c *config.Config) {
				c.STT.Engine = "whisper-native"
				c.STT.Model = ""
			},
			wantSub: "stt.model",
		},
		{
			name: "whisper server without url",
			mutate: func(c *config.Config) {
				c.STT.Engine = "whisper"
				c.STT.ServerURL = ""
			},
			wantSub: "stt.server_url",
		},
		{
			name: "fallback engine equals primary",
			mutate: func(c *config.Config) {
				c.TTS.FallbackEngine = c.TTS.Engine
			},
			wantSub: "tts.fallback_engine",
		},
		{
			name: "piper fallback without binary",
			mutate: func(c *config.Config) {
				c.TTS.FallbackEngine = "piper"
				c.TTS.Piper.Binary = ""
			},
			wantSub: "tts.piper.binary",
		},
		{
			name:    "missing vad model",
			mutate:  func(c *config.Config) { c.VAD.Model = "" },
			wantSub: "vad.model",
		},
		{
			name:    "speech threshold above one",
			mutate:  func(c *config.Config) { c.Segmenter.SpeechThreshold = 1.5 },
			wantSub: "segmenter.speech_threshold",
		},
		{
			name: "max utterance below min",
			mutate: func(c *config.Config) {
				c.Segmenter.MinUtteranceMs = 1000
				c.Segmenter.MaxUtteranceMs = 800
			},
			wantSub: "segmenter.max_utterance_ms",
		},
		{
			name:    "preroll above cap",
			mutate:  func(c *config.Config) { c.Segmenter.PrerollMs = 900 },
			wantSub: "segmenter.preroll_ms",
		},
		{
			name:    "no barge-in keywords",
			mutate:  func(c *config.Config) { c.BargeIn.Keywords = nil },
			wantSub: "barge_in.keywords",
		},
		{
			name:    "similarity above one",
			mutate:  func(c *config.Config) { c.BargeIn.MinSimilarity = 1.2 },
			wantSub: "barge_in.min_similarity",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validServerConfig()
			tc.mutate(cfg)
			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestValidate_ReportsAllFailuresAtOnce(t *testing.T) {
	t.Parallel()
	cfg := validServerConfig()
	cfg.Server.LogLevel = "verbose"
	cfg.VAD.Model = ""
	cfg.BargeIn.BufferSize = 0

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	for _, sub := range []string{"server.log_level", "vad.model", "barge_in.buffer_size"} {
		if !strings.Contains(err.Error(), sub) {
			t.Errorf("joined error missing %q: %v", sub, err)
		}
	}
}

func validClientConfig() *config.ClientConfig {
	cfg := config.DefaultClientConfig()
	cfg.Wake.Models = map[string]string{"hey_jarvis": "/models/hey_jarvis.onnx"}
	return cfg
}

func TestValidateClient_AcceptsCompleteConfig(t *testing.T) {
	t.Parallel()
	if err := config.ValidateClient(validClientConfig()); err != nil {
		t.Fatalf("ValidateClient returned error for valid config: %v", err)
	}
}

func TestValidateClient_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.ClientConfig)
		wantSub string
	}{
		{
			name:    "missing server url",
			mutate:  func(c *config.ClientConfig) { c.ServerURL = "" },
			wantSub: "server_url",
		},
		{
			name:    "http scheme",
			mutate:  func(c *config.ClientConfig) { c.ServerURL = "http://localhost:8765/ws/audio" },
			wantSub: "ws://",
		},
		{
			name:    "no wake models",
			mutate:  func(c *config.ClientConfig) { c.Wake.Models = nil },
			wantSub: "wake.models",
		},
		{
			name:    "wake threshold zero",
			mutate:  func(c *config.ClientConfig) { c.Wake.Threshold = 0 },
			wantSub: "wake.threshold",
		},
		{
			name:    "unsupported capture rate",
			mutate:  func(c *config.ClientConfig) { c.Capture.SampleRate = 48000 },
			wantSub: "capture.sample_rate",
		},
		{
			name:    "playback factor below one",
			mutate:  func(c *config.ClientConfig) { c.LocalVAD.PlaybackFactor = 0.5 },
			wantSub: "local_vad.playback_factor",
		},
		{
			name: "fallback provider without model",
			mutate: func(c *config.ClientConfig) {
				c.Fallback.Provider = "openai"
				c.Fallback.Model = ""
			},
			wantSub: "fallback.model",
		},
		{
			name: "max backoff below initial",
			mutate: func(c *config.ClientConfig) {
				c.Reconnect.BackoffMs = 5000
				c.Reconnect.MaxBackoffMs = 1000
			},
			wantSub: "reconnect.max_backoff_ms",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validClientConfig()
			tc.mutate(cfg)
			err := config.ValidateClient(cfg)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}
