package client

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheGitCommit/voice-assistant/internal/config"
	"github.com/TheGitCommit/voice-assistant/internal/observe"
)

// captureQueueCap bounds the downstream frame queue: 256 frames of 20 ms is
// roughly five seconds of slack before the oldest audio is stale anyway.
const captureQueueCap = 256

// inputStream is the subset of the PortAudio stream API the capture loop
// needs. Substituted in tests.
type inputStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
}

// ringFrame is one captured frame tagged with its arrival order, so a marked
// suffix of the ring can be taken without index bookkeeping.
type ringFrame struct {
	seq int64
	pcm []float32
}

// Capture pumps fixed-size microphone frames into a bounded queue and keeps
// a rolling pre-roll ring of recent audio.
//
// Frames are withheld from the queue until the ring first fills. Microphones
// need a moment to stabilise after the stream opens; streaming those warm-up
// frames downstream would feed the wake detector garbage. WaitForPreroll
// blocks on that first fill and proceeds on timeout.
//
// Mark and TakeFromMark bracket the wake transition: the ring keeps rolling
// while the wake chime plays and the activation delay passes, and the marked
// suffix is flushed to the server first so the user's opening syllable is
// not clipped.
type Capture struct {
	logger *slog.Logger
	rl     *observe.RateLimitedLogger
	stream inputStream
	buf    []float32
	rate   int

	frames   chan []float32
	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
	drops    atomic.Int64

	mu          sync.Mutex
	ring        []ringFrame
	ringSamples int
	prerollMax  int
	seq         int64
	markSeq     int64
	warmed      bool
	warmedCh    chan struct{}
}

// NewCapture opens the default microphone at the configured rate and frame
// size. The capture does not run until Start is called.
func NewCapture(cfg config.CaptureConfig, logger *slog.Logger) (*Capture, error) {
	stream, buf, err := openInput(cfg.SampleRate, cfg.FrameSamples)
	if err != nil {
		return nil, err
	}
	return newCapture(stream, buf, cfg, logger), nil
}

// newCapture wires a capture around an already-open stream. Tests inject a
// fake stream here.
func newCapture(stream inputStream, buf []float32, cfg config.CaptureConfig, logger *slog.Logger) *Capture {
	prerollMax := cfg.SampleRate * cfg.PrerollMs / 1000
	if prerollMax < len(buf) {
		prerollMax = len(buf)
	}
	return &Capture{
		logger:     logger,
		rl:         observe.NewRateLimitedLogger(logger, 5*time.Second),
		stream:     stream,
		buf:        buf,
		rate:       cfg.SampleRate,
		frames:     make(chan []float32, captureQueueCap),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		prerollMax: prerollMax,
		warmedCh:   make(chan struct{}),
	}
}

// Start begins pumping frames.
func (c *Capture) Start() error {
	if err := c.stream.Start(); err != nil {
		return err
	}
	c.logger.Info("microphone capture started",
		"rate", c.rate,
		"frame_samples", len(c.buf),
		"preroll_samples", c.prerollMax,
	)
	go c.loop()
	return nil
}

// Stop halts the capture and closes the frame queue. Safe to call multiple
// times.
func (c *Capture) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		_ = c.stream.Stop() // unblocks a pending Read
		<-c.loopDone
		_ = c.stream.Close()
		close(c.frames)
		c.logger.Info("microphone capture stopped", "dropped_frames", c.drops.Load())
	})
}

// Frames is the downstream frame queue. Closed by Stop.
func (c *Capture) Frames() <-chan []float32 {
	return c.frames
}

// Drops reports how many frames were discarded because the queue was full.
func (c *Capture) Drops() int64 {
	return c.drops.Load()
}

// WaitForPreroll blocks until the pre-roll ring first fills, or the timeout
// passes. On timeout the capture proceeds with whatever it has and false is
// returned.
func (c *Capture) WaitForPreroll(timeout time.Duration) bool {
	select {
	case <-c.warmedCh:
		return true
	case <-time.After(timeout):
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.warmed {
		c.warmLocked()
	}
	return false
}

// Mark records the current ring position. TakeFromMark later returns
// everything captured after this point.
func (c *Capture) Mark() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markSeq = c.seq + 1
}

// TakeFromMark drains the queued frame backlog and returns all audio
// captured since Mark as one contiguous buffer. The backlog and the marked
// ring suffix cover the same frames; draining first means nothing is sent
// twice once the caller starts forwarding live frames.
func (c *Capture) TakeFromMark() []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.markSeq == 0 {
		return nil
	}

drain:
	for {
		select {
		case <-c.frames:
		default:
			break drain
		}
	}

	var out []float32
	for _, rf := range c.ring {
		if rf.seq >= c.markSeq {
			out = append(out, rf.pcm...)
		}
	}
	c.markSeq = 0
	return out
}

// loop reads frames off the stream until Stop.
func (c *Capture) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.stream.Read(); err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.rl.Warn("capture_read", "microphone read failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		frame := make([]float32, len(c.buf))
		copy(frame, c.buf)
		c.ingest(frame)
	}
}

// ingest appends one frame to the ring and, once warmed, to the queue.
func (c *Capture) ingest(frame []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.ring = append(c.ring, ringFrame{seq: c.seq, pcm: frame})
	c.ringSamples += len(frame)
	for c.ringSamples > c.prerollMax && len(c.ring) > 1 {
		c.ringSamples -= len(c.ring[0].pcm)
		c.ring = c.ring[1:]
	}

	if !c.warmed {
		if c.ringSamples >= c.prerollMax {
			c.warmLocked()
		}
		return
	}
	c.push(frame)
}

// warmLocked flips the capture into steady state and flushes the accumulated
// ring downstream. Caller holds mu.
func (c *Capture) warmLocked() {
	c.warmed = true
	close(c.warmedCh)
	for _, rf := range c.ring {
		c.push(rf.pcm)
	}
	c.logger.Info("microphone warm-up complete",
		"buffered_samples", c.ringSamples,
	)
}

// push enqueues one frame, dropping it when the queue is full. The consumer
// owns pacing; stale audio is worthless, so blocking here is never right.
func (c *Capture) push(frame []float32) {
	select {
	case c.frames <- frame:
	default:
		c.drops.Add(1)
		c.rl.Warn("capture_overflow", "frame queue full, dropped frame")
	}
}
