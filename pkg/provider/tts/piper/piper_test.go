package piper_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TheGitCommit/voice-assistant/pkg/provider/tts/piper"
)

// fakePiper writes a shell script standing in for the piper binary and an
// empty voice model file, returning both paths.
func fakePiper(t *testing.T, script string) (exe, model string) {
	t.Helper()
	dir := t.TempDir()
	exe = filepath.Join(dir, "piper")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write fake piper: %v", err)
	}
	model = filepath.Join(dir, "voice.onnx")
	if err := os.WriteFile(model, []byte("model"), 0o644); err != nil {
		t.Fatalf("write fake model: %v", err)
	}
	return exe, model
}

// ─── New ────────────────────────────────────────────────────────────────────────

func TestNewValidatesPaths(t *testing.T) {
	t.Parallel()

	exe, model := fakePiper(t, "exit 0")

	tests := []struct {
		name  string
		exe   string
		model string
	}{
		{name: "empty exe", exe: "", model: model},
		{name: "empty model", exe: exe, model: ""},
		{name: "missing exe", exe: filepath.Join(t.TempDir(), "nope"), model: model},
		{name: "missing model", exe: exe, model: filepath.Join(t.TempDir(), "nope.onnx")},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if _, err := piper.New(tc.exe, tc.model); err == nil {
				t.Error("New succeeded, want error")
			}
		})
	}
}

// ─── Synthesize ─────────────────────────────────────────────────────────────────

func TestSynthesizeEmptyTextSkipsSubprocess(t *testing.T) {
	t.Parallel()

	// A script that would fail loudly if ever invoked.
	exe, model := fakePiper(t, "exit 7")
	p, err := piper.New(exe, model)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	audio, err := p.Synthesize(context.Background(), "   \n\t ")
	if err != nil {
		t.Fatalf("Synthesize error: %v", err)
	}
	if audio != nil {
		t.Errorf("audio = %v, want nil", audio)
	}
}

func TestSynthesizeReturnsStdout(t *testing.T) {
	t.Parallel()

	exe, model := fakePiper(t, `cat >/dev/null; printf 'PCMDATA'`)
	p, err := piper.New(exe, model)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	audio, err := p.Synthesize(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Synthesize error: %v", err)
	}
	if string(audio) != "PCMDATA" {
		t.Errorf("audio = %q, want PCMDATA", audio)
	}
}

func TestSynthesizeRetriesThenFails(t *testing.T) {
	t.Parallel()

	// Counts invocations through a side file so the test can verify the
	// retry budget was spent.
	dir := t.TempDir()
	counter := filepath.Join(dir, "count")
	exe, model := fakePiper(t, `echo x >> `+counter+`; cat >/dev/null; exit 3`)

	p, err := piper.New(exe, model,
		piper.WithRetries(2),
		piper.WithRetryGap(time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	if _, err := p.Synthesize(context.Background(), "hello"); err == nil {
		t.Fatal("Synthesize succeeded, want error")
	}

	data, err := os.ReadFile(counter)
	if err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if got := len(data) / 2; got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestSynthesizeEmptyOutputIsError(t *testing.T) {
	t.Parallel()

	exe, model := fakePiper(t, "cat >/dev/null; exit 0")
	p, err := piper.New(exe, model, piper.WithRetries(0))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	if _, err := p.Synthesize(context.Background(), "hello"); err == nil {
		t.Fatal("Synthesize with empty stdout succeeded, want error")
	}
}

func TestSynthesizeCancelledContext(t *testing.T) {
	t.Parallel()

	exe, model := fakePiper(t, "cat >/dev/null; exit 3")
	p, err := piper.New(exe, model, piper.WithRetries(5), piper.WithRetryGap(time.Minute))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if _, err := p.Synthesize(ctx, "hello"); err == nil {
		t.Fatal("Synthesize with cancelled context succeeded, want error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Synthesize blocked %v, want fast abort on cancelled context", elapsed)
	}
}

// ─── metadata ───────────────────────────────────────────────────────────────────

func TestNameAndSampleRate(t *testing.T) {
	t.Parallel()

	exe, model := fakePiper(t, "exit 0")
	p, err := piper.New(exe, model, piper.WithSampleRate(16000))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if p.Name() != "piper" {
		t.Errorf("Name = %q, want piper", p.Name())
	}
	if p.SampleRate() != 16000 {
		t.Errorf("SampleRate = %d, want 16000", p.SampleRate())
	}
}
