package client

import (
	"github.com/TheGitCommit/voice-assistant/internal/config"
	"github.com/TheGitCommit/voice-assistant/pkg/audio"
)

// energyVAD is the client's cheap speech detector. It exists for exactly one
// decision: is the user talking over the assistant's playback. Real speech
// detection happens server-side; this one only compares frame RMS against a
// threshold that is raised while TTS audio is playing, so speaker echo does
// not count as speech.
type energyVAD struct {
	threshold       float64
	playbackFactor  float64
	minSpeechFrames int

	speechRun int
	fired     bool
}

func newEnergyVAD(cfg config.LocalVADConfig) *energyVAD {
	factor := cfg.PlaybackFactor
	if factor < 1 {
		factor = 1
	}
	frames := cfg.MinSpeechFrames
	if frames <= 0 {
		frames = 1
	}
	return &energyVAD{
		threshold:       cfg.Threshold,
		playbackFactor:  factor,
		minSpeechFrames: frames,
	}
}

// Process scores one capture frame. speech reports whether the frame is part
// of a speech run; interrupt fires once per run when sustained speech is
// heard during playback.
func (v *energyVAD) Process(frame []float32, playbackActive bool) (speech, interrupt bool) {
	th := v.threshold
	if playbackActive {
		th *= v.playbackFactor
	}

	if audio.RMS(frame) >= th {
		v.speechRun++
	} else {
		v.speechRun = 0
		v.fired = false
	}

	speech = v.speechRun > 0
	if playbackActive && !v.fired && v.speechRun >= v.minSpeechFrames {
		v.fired = true
		interrupt = true
	}
	return speech, interrupt
}

// InSpeech reports whether the detector is currently inside a speech run.
func (v *energyVAD) InSpeech() bool {
	return v.speechRun > 0
}

// Reset clears the run state between rounds.
func (v *energyVAD) Reset() {
	v.speechRun = 0
	v.fired = false
}
