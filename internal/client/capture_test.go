package client

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/TheGitCommit/voice-assistant/internal/config"
)

// ─── harness ───

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeMic scripts the stream side of a Capture: each pushed frame satisfies
// one Read, and Read blocks until a frame arrives or the stream is stopped.
type fakeMic struct {
	buf      []float32
	scripts  chan []float32
	errs     chan error
	stopped  chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	starts int
	closes int
}

func newFakeMic(frameSamples int) *fakeMic {
	return &fakeMic{
		buf:     make([]float32, frameSamples),
		scripts: make(chan []float32, 1024),
		errs:    make(chan error, 8),
		stopped: make(chan struct{}),
	}
}

// push queues one constant-amplitude frame.
func (f *fakeMic) push(amp float32) {
	frame := make([]float32, len(f.buf))
	for i := range frame {
		frame[i] = amp
	}
	f.scripts <- frame
}

func (f *fakeMic) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeMic) Stop() error {
	f.stopOnce.Do(func() { close(f.stopped) })
	return nil
}

func (f *fakeMic) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeMic) Read() error {
	select {
	case err := <-f.errs:
		return err
	default:
	}
	select {
	case frame := <-f.scripts:
		copy(f.buf, frame)
		return nil
	case <-f.stopped:
		return errors.New("stream stopped")
	}
}

// captureConfig warms after four 4-sample frames (16000 Hz * 1 ms = 16
// samples of pre-roll).
func captureConfig() config.CaptureConfig {
	return config.CaptureConfig{SampleRate: 16000, FrameSamples: 4, PrerollMs: 1}
}

func startCapture(t *testing.T) (*Capture, *fakeMic) {
	t.Helper()
	mic := newFakeMic(captureConfig().FrameSamples)
	c := newCapture(mic, mic.buf, captureConfig(), testLogger())
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c, mic
}

func captureSeq(c *Capture) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// mustFrame receives one frame or fails.
func mustFrame(t *testing.T, c *Capture) []float32 {
	t.Helper()
	select {
	case frame, ok := <-c.Frames():
		if !ok {
			t.Fatal("frame queue closed")
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return nil
}

// ─── warm-up ───

func TestCapture_WithholdsFramesUntilWarm(t *testing.T) {
	c, mic := startCapture(t)

	for i := 1; i <= 3; i++ {
		mic.push(float32(i))
	}
	waitFor(t, "frames ingested", func() bool { return captureSeq(c) >= 3 })

	select {
	case frame := <-c.Frames():
		t.Fatalf("frame %v leaked before warm-up", frame)
	default:
	}

	mic.push(4)
	if !c.WaitForPreroll(2 * time.Second) {
		t.Fatal("warm-up never completed")
	}

	// The withheld frames arrive downstream in capture order.
	for i := 1; i <= 4; i++ {
		frame := mustFrame(t, c)
		if frame[0] != float32(i) {
			t.Fatalf("flushed frame %d has amplitude %v", i, frame[0])
		}
	}
}

func TestCapture_WaitForPrerollTimesOutAndProceeds(t *testing.T) {
	c, mic := startCapture(t)

	mic.push(1)
	waitFor(t, "frame ingested", func() bool { return captureSeq(c) >= 1 })

	if c.WaitForPreroll(30 * time.Millisecond) {
		t.Fatal("warm-up reported complete with a near-empty ring")
	}

	// The timeout forces steady state: buffered and live frames both flow.
	if frame := mustFrame(t, c); frame[0] != 1 {
		t.Fatalf("buffered frame amplitude = %v, want 1", frame[0])
	}
	mic.push(2)
	if frame := mustFrame(t, c); frame[0] != 2 {
		t.Fatalf("live frame amplitude = %v, want 2", frame[0])
	}
}

// ─── pre-roll mark ───

func TestCapture_TakeFromMarkReturnsOnlyPostMarkAudio(t *testing.T) {
	c, mic := startCapture(t)

	if got := c.TakeFromMark(); got != nil {
		t.Fatalf("TakeFromMark without Mark = %d samples, want none", len(got))
	}

	for i := 1; i <= 4; i++ {
		mic.push(float32(i))
	}
	if !c.WaitForPreroll(2 * time.Second) {
		t.Fatal("warm-up never completed")
	}
	for i := 0; i < 4; i++ {
		mustFrame(t, c)
	}

	mic.push(5)
	mic.push(6)
	waitFor(t, "pre-mark frames", func() bool { return captureSeq(c) >= 6 })

	c.Mark()
	mic.push(7)
	mic.push(8)
	waitFor(t, "post-mark frames", func() bool { return captureSeq(c) >= 8 })

	got := c.TakeFromMark()
	want := []float32{7, 7, 7, 7, 8, 8, 8, 8}
	if len(got) != len(want) {
		t.Fatalf("TakeFromMark = %d samples %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}

	// The backlog was drained with the mark, so the next frame downstream is
	// live audio, not a duplicate of the flushed pre-roll.
	mic.push(9)
	if frame := mustFrame(t, c); frame[0] != 9 {
		t.Fatalf("post-flush frame amplitude = %v, want 9", frame[0])
	}

	if got := c.TakeFromMark(); got != nil {
		t.Fatalf("second TakeFromMark = %d samples, want none", len(got))
	}
}

// ─── backpressure ───

func TestCapture_DropsFramesWhenQueueBacksUp(t *testing.T) {
	c, mic := startCapture(t)

	for i := 0; i < 4; i++ {
		mic.push(1)
	}
	if !c.WaitForPreroll(2 * time.Second) {
		t.Fatal("warm-up never completed")
	}

	// Nothing consumes the queue: 4 warm frames + 252 more fill it, the
	// remaining 4 are dropped.
	for i := 0; i < captureQueueCap; i++ {
		mic.push(2)
	}
	waitFor(t, "drops counted", func() bool { return c.Drops() == 4 })
}

func TestCapture_ReadErrorDoesNotKillLoop(t *testing.T) {
	c, mic := startCapture(t)

	mic.errs <- errors.New("device hiccup")
	for i := 1; i <= 4; i++ {
		mic.push(float32(i))
	}

	if !c.WaitForPreroll(2 * time.Second) {
		t.Fatal("capture did not recover from a read error")
	}
	if frame := mustFrame(t, c); frame[0] != 1 {
		t.Fatalf("first frame amplitude = %v, want 1", frame[0])
	}
}

// ─── shutdown ───

func TestCapture_StopClosesFrameQueue(t *testing.T) {
	c, mic := startCapture(t)

	mic.push(1)
	waitFor(t, "frame ingested", func() bool { return captureSeq(c) >= 1 })

	c.Stop()
	c.Stop() // idempotent

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Frames():
			if !ok {
				mic.mu.Lock()
				defer mic.mu.Unlock()
				if mic.closes != 1 {
					t.Errorf("stream closed %d times, want 1", mic.closes)
				}
				return
			}
		case <-deadline:
			t.Fatal("frame queue never closed")
		}
	}
}
