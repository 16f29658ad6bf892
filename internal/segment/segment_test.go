package segment_test

import (
	"strings"
	"testing"
	"time"

	"github.com/TheGitCommit/voice-assistant/internal/segment"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/vad"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/vad/mock"
)

// Window duration at 16 kHz: 512 samples = 32 ms. Test params are sized in
// whole windows so the expected utterance lengths are exact.
const windowDur = 32 * time.Millisecond

// testParams closes an utterance after 2 silence windows, keeps 2 pre-roll
// windows, discards utterances with under 2 windows of speech, and
// force-closes at 10 windows.
func testParams() segment.Params {
	return segment.Params{
		SpeechThreshold: 0.5,
		SilenceWindows:  2,
		MinUtterance:    2 * windowDur,
		MaxUtterance:    10 * windowDur,
		Preroll:         2 * windowDur,
	}
}

// window returns one 512-sample window filled with v, so the origin of each
// window inside an emitted utterance can be identified.
func window(v float32) []float32 {
	w := make([]float32, vad.WindowSize)
	for i := range w {
		w[i] = v
	}
	return w
}

// feedAll feeds windows one per call and returns every emitted utterance.
func feedAll(t *testing.T, s *segment.Segmenter, n int) [][]float32 {
	t.Helper()
	var utts [][]float32
	for i := range n {
		utt, err := s.Feed(window(float32(i)))
		if err != nil {
			t.Fatalf("Feed window %d: %v", i, err)
		}
		if utt != nil {
			utts = append(utts, utt)
		}
	}
	return utts
}

// ─── segmentation ────────────────────────────────────────────────────────────

func TestFeed_SilenceEmitsNothing(t *testing.T) {
	t.Parallel()
	det := &mock.Detector{Scores: []float32{0.1}}
	s := segment.New(det, testParams())

	if utts := feedAll(t, s, 20); len(utts) != 0 {
		t.Errorf("silence produced %d utterances, want 0", len(utts))
	}
	if got := len(det.ScoreCalls); got != 20 {
		t.Errorf("score calls = %d, want 20", got)
	}
}

func TestFeed_EmitsUtteranceWithPreroll(t *testing.T) {
	t.Parallel()
	// 3 silent windows (pre-roll keeps the last 2), 3 speech, 2 silent.
	det := &mock.Detector{Scores: []float32{
		0.1, 0.1, 0.1,
		0.9, 0.9, 0.9,
		0.1, 0.1,
	}}
	s := segment.New(det, testParams())

	utts := feedAll(t, s, 8)
	if len(utts) != 1 {
		t.Fatalf("got %d utterances, want 1", len(utts))
	}
	utt := utts[0]

	// 2 pre-roll + 3 speech + 2 trailing silence = 7 windows.
	if want := 7 * vad.WindowSize; len(utt) != want {
		t.Fatalf("utterance length = %d, want %d", len(utt), want)
	}

	// Pre-roll holds windows 1 and 2 (window 0 was evicted); speech starts
	// at window 3.
	if utt[0] != 1 {
		t.Errorf("first pre-roll sample = %v, want window 1", utt[0])
	}
	if utt[vad.WindowSize] != 2 {
		t.Errorf("second pre-roll window = %v, want window 2", utt[vad.WindowSize])
	}
	if utt[2*vad.WindowSize] != 3 {
		t.Errorf("first speech window = %v, want window 3", utt[2*vad.WindowSize])
	}
}

func TestFeed_ShortUtteranceDiscarded(t *testing.T) {
	t.Parallel()
	// One speech window is below the 2-window minimum; then a proper
	// utterance follows to prove the machine recovered.
	det := &mock.Detector{Scores: []float32{
		0.9, 0.1, 0.1, // discarded: 1 window of speech
		0.9, 0.9, 0.9, 0.1, 0.1, // kept
	}}
	s := segment.New(det, testParams())

	utts := feedAll(t, s, 8)
	if len(utts) != 1 {
		t.Fatalf("got %d utterances, want 1", len(utts))
	}
	// No pre-roll accumulated between the discard and the second onset.
	if want := 5 * vad.WindowSize; len(utts[0]) != want {
		t.Errorf("utterance length = %d, want %d", len(utts[0]), want)
	}
}

func TestFeed_SpeechResumeResetsSilenceCount(t *testing.T) {
	t.Parallel()
	// Silence never reaches 2 consecutive windows until the end.
	det := &mock.Detector{Scores: []float32{
		0.9, 0.9, 0.1, 0.9, 0.1, 0.9, 0.1, 0.1,
	}}
	s := segment.New(det, testParams())

	utts := feedAll(t, s, 8)
	if len(utts) != 1 {
		t.Fatalf("got %d utterances, want 1", len(utts))
	}
	if want := 8 * vad.WindowSize; len(utts[0]) != want {
		t.Errorf("utterance length = %d, want %d", len(utts[0]), want)
	}
}

func TestFeed_MaxLengthForceCloses(t *testing.T) {
	t.Parallel()
	det := &mock.Detector{Scores: []float32{0.9}}
	s := segment.New(det, testParams())

	utts := feedAll(t, s, 25)
	if len(utts) != 2 {
		t.Fatalf("got %d utterances, want 2 force-closed at max length", len(utts))
	}
	for i, utt := range utts {
		if want := 10 * vad.WindowSize; len(utt) != want {
			t.Errorf("utterance %d length = %d, want %d", i, len(utt), want)
		}
	}
}

func TestFeed_ReWindowsArbitraryFrames(t *testing.T) {
	t.Parallel()
	det := &mock.Detector{Scores: []float32{0.1}}
	s := segment.New(det, testParams())

	// Two half windows produce one score; a 3.5-window frame brings the
	// total to 4 scored windows.
	if _, err := s.Feed(make([]float32, vad.WindowSize/2)); err != nil {
		t.Fatal(err)
	}
	if got := len(det.ScoreCalls); got != 0 {
		t.Fatalf("score calls after half window = %d, want 0", got)
	}
	if _, err := s.Feed(make([]float32, vad.WindowSize/2)); err != nil {
		t.Fatal(err)
	}
	if got := len(det.ScoreCalls); got != 1 {
		t.Fatalf("score calls after full window = %d, want 1", got)
	}
	if _, err := s.Feed(make([]float32, 3*vad.WindowSize+vad.WindowSize/2)); err != nil {
		t.Fatal(err)
	}
	if got := len(det.ScoreCalls); got != 4 {
		t.Errorf("score calls = %d, want 4", got)
	}
}

func TestFeed_AtMostOneUtterancePerCall(t *testing.T) {
	t.Parallel()
	// A single large frame containing a complete utterance and the start of
	// a second one. Feed must stop at the first and keep the rest buffered.
	det := &mock.Detector{Scores: []float32{
		0.9, 0.9, 0.9, 0.1, 0.1, // utterance 1 complete at window 5
		0.9, 0.9, // second onset, still open
	}}
	s := segment.New(det, testParams())

	frame := make([]float32, 7*vad.WindowSize)
	utt, err := s.Feed(frame)
	if err != nil {
		t.Fatal(err)
	}
	if utt == nil {
		t.Fatal("expected the first utterance from the large frame")
	}
	if want := 5 * vad.WindowSize; len(utt) != want {
		t.Errorf("utterance length = %d, want %d", len(utt), want)
	}
	// Only 5 windows were scored before the utterance closed.
	if got := len(det.ScoreCalls); got != 5 {
		t.Errorf("score calls = %d, want 5", got)
	}

	// The remaining two windows are processed by the next call.
	utt, err = s.Feed(nil)
	if err != nil {
		t.Fatal(err)
	}
	if utt != nil {
		t.Error("second utterance should still be open")
	}
	if got := len(det.ScoreCalls); got != 7 {
		t.Errorf("score calls = %d, want 7", got)
	}
}

// ─── echo suppression ────────────────────────────────────────────────────────

func TestSetOutputActive_RaisesThreshold(t *testing.T) {
	t.Parallel()
	// 0.6 clears the base threshold 0.5 but not the raised 0.75.
	det := &mock.Detector{Scores: []float32{0.6}}
	s := segment.New(det, testParams())

	s.SetOutputActive(true)
	if utts := feedAll(t, s, 5); len(utts) != 0 {
		t.Fatal("0.6 must not count as speech while output is active")
	}

	s.SetOutputActive(false)
	det.ResetCalls()
	// Onset now; silence scores close it.
	det.Scores = []float32{0.6, 0.6, 0.6, 0.1, 0.1}
	utts := feedAll(t, s, 5)
	if len(utts) != 1 {
		t.Errorf("got %d utterances after output inactive, want 1", len(utts))
	}
}

func TestSetOutputActive_ThresholdClamped(t *testing.T) {
	t.Parallel()
	// Base 0.7 would scale to 1.05, impossible to reach; the clamp at 0.9
	// keeps strong speech detectable.
	p := testParams()
	p.SpeechThreshold = 0.7
	det := &mock.Detector{Scores: []float32{0.92, 0.92, 0.92, 0.1, 0.1}}
	s := segment.New(det, p)

	s.SetOutputActive(true)
	utts := feedAll(t, s, 5)
	if len(utts) != 1 {
		t.Errorf("got %d utterances, want 1: 0.92 must clear the clamped threshold", len(utts))
	}
}

// ─── errors and reset ────────────────────────────────────────────────────────

func TestFeed_VADErrorPropagates(t *testing.T) {
	t.Parallel()
	det := &mock.Detector{ScoreErr: errInference}
	s := segment.New(det, testParams())

	_, err := s.Feed(window(0))
	if err == nil {
		t.Fatal("expected error from failing detector")
	}
	if !strings.Contains(err.Error(), "score window") {
		t.Errorf("error = %v, want wrapped score window error", err)
	}
}

func TestReset_DiscardsPartialUtterance(t *testing.T) {
	t.Parallel()
	det := &mock.Detector{Scores: []float32{0.9}}
	s := segment.New(det, testParams())

	// Open an utterance, then reset mid-speech.
	if _, err := s.Feed(window(0)); err != nil {
		t.Fatal(err)
	}
	s.Reset()
	if det.ResetCallCount != 1 {
		t.Errorf("detector Reset calls = %d, want 1", det.ResetCallCount)
	}

	// The partial speech is gone: a fresh short utterance after reset has no
	// leftover samples.
	det.ResetCalls()
	det.Scores = []float32{0.9, 0.9, 0.1, 0.1}
	utts := feedAll(t, s, 4)
	if len(utts) != 1 {
		t.Fatalf("got %d utterances after reset, want 1", len(utts))
	}
	if want := 4 * vad.WindowSize; len(utts[0]) != want {
		t.Errorf("utterance length = %d, want %d (no pre-reset leftovers)", len(utts[0]), want)
	}
}

var errInference = &inferenceError{}

type inferenceError struct{}

func (*inferenceError) Error() string { return "onnx session failed" }
