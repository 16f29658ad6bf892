// Package piper implements tts.Provider on top of the piper binary.
//
// Each synthesis spawns one short-lived subprocess: the clause goes in on
// stdin, raw PCM comes back on stdout. Piper loads its voice model fast
// enough that per-call spawning stays well inside the clause budget, and it
// keeps the provider trivially safe for concurrent use.
package piper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/TheGitCommit/voice-assistant/pkg/provider/tts"
)

const (
	defaultSampleRate = 22050
	defaultTimeout    = 30 * time.Second
	defaultRetries    = 2
	defaultRetryGap   = 500 * time.Millisecond
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithSampleRate sets the output rate of the configured voice model.
// Defaults to 22050 Hz, the rate of the medium piper voices.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithTimeout bounds a single synthesis attempt. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// WithRetries sets how many times a failed attempt is repeated.
// Defaults to 2 (three attempts total).
func WithRetries(n int) Option {
	return func(p *Provider) { p.retries = n }
}

// WithRetryGap sets the pause between attempts. Defaults to 500 ms.
func WithRetryGap(d time.Duration) Option {
	return func(p *Provider) { p.retryGap = d }
}

// WithSpeaker selects a speaker ID for multi-speaker voice models.
// Negative values (the default) omit the flag.
func WithSpeaker(id int) Option {
	return func(p *Provider) { p.speaker = id }
}

// Provider implements tts.Provider backed by the piper binary.
type Provider struct {
	exePath    string
	modelPath  string
	sampleRate int
	timeout    time.Duration
	retries    int
	retryGap   time.Duration
	speaker    int
}

// New creates a Provider running exePath with the voice model at modelPath.
// Both paths must exist.
func New(exePath, modelPath string, opts ...Option) (*Provider, error) {
	if exePath == "" {
		return nil, errors.New("piper: exePath must not be empty")
	}
	if modelPath == "" {
		return nil, errors.New("piper: modelPath must not be empty")
	}
	if _, err := os.Stat(exePath); err != nil {
		return nil, fmt.Errorf("piper: binary: %w", err)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("piper: voice model: %w", err)
	}

	p := &Provider{
		exePath:    exePath,
		modelPath:  modelPath,
		sampleRate: defaultSampleRate,
		timeout:    defaultTimeout,
		retries:    defaultRetries,
		retryGap:   defaultRetryGap,
		speaker:    -1,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name identifies the engine.
func (p *Provider) Name() string { return "piper" }

// SampleRate is the output rate in Hz.
func (p *Provider) SampleRate() int { return p.sampleRate }

// Synthesize renders text as raw int16 little-endian mono PCM. Empty or
// whitespace-only text yields nil audio and a nil error. Failed attempts are
// retried unless the caller's context is done.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("piper: synthesize: %w", ctx.Err())
			case <-time.After(p.retryGap):
			}
		}

		pcm, err := p.run(ctx, text)
		if err == nil {
			return pcm, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("piper: synthesize: %w", ctx.Err())
		}
	}
	return nil, fmt.Errorf("piper: synthesize after %d attempts: %w", p.retries+1, lastErr)
}

// run performs a single subprocess round trip.
func (p *Provider) run(ctx context.Context, text string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{"--model", p.modelPath, "--output_raw"}
	if p.speaker >= 0 {
		args = append(args, "--speaker", strconv.Itoa(p.speaker))
	}

	var out, stderr bytes.Buffer
	cmd := exec.CommandContext(attemptCtx, p.exePath, args...)
	cmd.Stdin = strings.NewReader(text + "\n")
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("run piper: %w (stderr: %s)", err, tail(stderr.String(), 200))
	}
	if out.Len() == 0 {
		return nil, errors.New("piper produced no audio")
	}
	return out.Bytes(), nil
}

// tail returns the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
