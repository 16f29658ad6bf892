package client

import (
	"math"
	"testing"

	"github.com/TheGitCommit/voice-assistant/pkg/audio"
)

func TestTones_RendersChimeSet(t *testing.T) {
	const rate = 24000
	tones := NewTones(rate)

	if got := tones.Rate(); got != rate {
		t.Errorf("Rate() = %d, want %d", got, rate)
	}

	cases := []struct {
		name   string
		pcm    []byte
		wantMs float64
	}{
		{"wake", tones.WakeTone(), 100},
		{"listening", tones.ListeningTone(), 100},
		{"processing", tones.ProcessingTone(), 210},
		{"ready", tones.ReadyTone(), 350},
		{"error", tones.ErrorTone(), 300},
	}
	for _, tc := range cases {
		if len(tc.pcm) == 0 {
			t.Errorf("%s: empty chime", tc.name)
			continue
		}
		if len(tc.pcm)%2 != 0 {
			t.Errorf("%s: odd byte count %d", tc.name, len(tc.pcm))
		}
		gotMs := audio.Duration(len(tc.pcm)/2, rate) * 1000
		if math.Abs(gotMs-tc.wantMs) > 1 {
			t.Errorf("%s: duration = %.2fms, want %.0fms", tc.name, gotMs, tc.wantMs)
		}
	}
}

func TestTones_FadeInAndOutAvoidClicks(t *testing.T) {
	samples := audio.Int16LEToFloat(NewTones(24000).ErrorTone())

	if samples[0] != 0 {
		t.Errorf("first sample = %v, want 0", samples[0])
	}
	if last := samples[len(samples)-1]; last != 0 {
		t.Errorf("last sample = %v, want 0", last)
	}

	var peak float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	if peak < 0.2 || peak > 0.35 {
		t.Errorf("peak amplitude = %.3f, want around the 0.3 volume", peak)
	}
}

func TestTones_NilSetIsSilent(t *testing.T) {
	var tones *Tones

	if got := tones.Rate(); got != 0 {
		t.Errorf("nil Rate() = %d, want 0", got)
	}
	for name, pcm := range map[string][]byte{
		"wake":       tones.WakeTone(),
		"listening":  tones.ListeningTone(),
		"processing": tones.ProcessingTone(),
		"ready":      tones.ReadyTone(),
		"error":      tones.ErrorTone(),
	} {
		if pcm != nil {
			t.Errorf("nil %s tone = %d bytes, want nil", name, len(pcm))
		}
	}
}
