package client

import (
	"math"
	"time"

	"github.com/TheGitCommit/voice-assistant/pkg/audio"
)

// Tones holds the pre-rendered feedback chimes as int16 LE PCM at a fixed
// sample rate. All methods are nil-safe so a disabled tone set reads as
// silence everywhere.
type Tones struct {
	rate  int
	cache map[string][]byte
}

// NewTones renders the chime set at the given playback rate.
func NewTones(rate int) *Tones {
	t := &Tones{rate: rate, cache: make(map[string][]byte)}

	// Short ascending chirp: the wake word was heard.
	t.cache["wake"] = join(
		tone(rate, 523, 50*time.Millisecond, 0.25),
		tone(rate, 659, 50*time.Millisecond, 0.25),
	)

	// Single high beep: streaming has begun, talk now.
	t.cache["listening"] = tone(rate, 880, 100*time.Millisecond, 0.3)

	// Two quick beeps: the server is thinking.
	t.cache["processing"] = join(
		tone(rate, 660, 80*time.Millisecond, 0.25),
		silence(rate, 50*time.Millisecond),
		tone(rate, 880, 80*time.Millisecond, 0.25),
	)

	// Ascending triad: the round is done, back to waiting.
	t.cache["ready"] = join(
		tone(rate, 440, 100*time.Millisecond, 0.2),
		tone(rate, 660, 100*time.Millisecond, 0.2),
		tone(rate, 880, 150*time.Millisecond, 0.25),
	)

	// Low tone: something went wrong.
	t.cache["error"] = tone(rate, 220, 300*time.Millisecond, 0.3)

	return t
}

// Rate returns the sample rate the chimes were rendered at.
func (t *Tones) Rate() int {
	if t == nil {
		return 0
	}
	return t.rate
}

func (t *Tones) WakeTone() []byte       { return t.get("wake") }
func (t *Tones) ListeningTone() []byte  { return t.get("listening") }
func (t *Tones) ProcessingTone() []byte { return t.get("processing") }
func (t *Tones) ReadyTone() []byte      { return t.get("ready") }
func (t *Tones) ErrorTone() []byte      { return t.get("error") }

func (t *Tones) get(name string) []byte {
	if t == nil {
		return nil
	}
	return t.cache[name]
}

// tone renders one sine chime with a 10 ms linear fade at both ends so the
// speaker does not click.
func tone(rate int, freq float64, dur time.Duration, volume float64) []byte {
	n := int(float64(rate) * dur.Seconds())
	fade := rate / 100
	samples := make([]float32, n)
	for i := range samples {
		v := math.Sin(2*math.Pi*freq*float64(i)/float64(rate)) * volume
		if fade > 0 && n > 2*fade {
			switch {
			case i < fade:
				v *= float64(i) / float64(fade)
			case i >= n-fade:
				v *= float64(n-1-i) / float64(fade)
			}
		}
		samples[i] = float32(v)
	}
	return audio.FloatToInt16LE(samples)
}

func silence(rate int, dur time.Duration) []byte {
	n := int(float64(rate) * dur.Seconds())
	return make([]byte, n*2)
}

func join(parts ...[]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
