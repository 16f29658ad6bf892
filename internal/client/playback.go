package client

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheGitCommit/voice-assistant/internal/observe"
)

const (
	// defaultPlaybackRate matches the neural synth; tts_start retunes it.
	defaultPlaybackRate = 24000

	// playbackQueueCap bounds queued clips. Clips arrive per clause, so even
	// a long answer is a handful of entries.
	playbackQueueCap = 64
)

// outputStream is the subset of the PortAudio stream API playback needs.
// Substituted in tests.
type outputStream interface {
	Start() error
	Stop() error
	Close() error
	Write() error
}

// openOutput opens a mono int16 output stream at the given rate and returns
// it with the block buffer it writes from.
type openOutput func(rate int) (outputStream, []int16, error)

// playItem is one queued clip, stamped with the rate it must play at and the
// flush generation it belongs to.
type playItem struct {
	pcm  []int16
	rate int
	gen  int64
}

// Playback drains int16 LE PCM clips to the speaker on its own goroutine.
//
// The output stream is opened lazily at the rate stamped on each clip and
// reopened when the rate changes, so a tts_start advertising a different
// synth rate retunes playback between rounds. Flush abandons everything
// queued and whatever clip is mid-write; clips already handed to the device
// ring out, which is at most one block (~40 ms).
type Playback struct {
	logger *slog.Logger
	rl     *observe.RateLimitedLogger
	open   openOutput

	queue chan playItem
	gen   atomic.Int64
	rate  atomic.Int64
	drops atomic.Int64

	done      chan struct{}
	loopDone  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPlayback returns a speaker-backed playback. The device is not opened
// until the first clip arrives.
func NewPlayback(logger *slog.Logger) *Playback {
	return newPlayback(openSpeaker, logger)
}

// newPlayback wires a playback around a stream opener. Tests inject a fake
// opener here.
func newPlayback(open openOutput, logger *slog.Logger) *Playback {
	p := &Playback{
		logger:   logger,
		rl:       observe.NewRateLimitedLogger(logger, 5*time.Second),
		open:     open,
		queue:    make(chan playItem, playbackQueueCap),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	p.rate.Store(defaultPlaybackRate)
	return p
}

// Start launches the drain goroutine.
func (p *Playback) Start() {
	p.startOnce.Do(func() { go p.loop() })
}

// Close flushes and stops the drain goroutine. Safe to call multiple times.
func (p *Playback) Close() {
	p.stopOnce.Do(func() {
		p.gen.Add(1)
		close(p.done)
		<-p.loopDone
		p.logger.Info("playback closed", "dropped_clips", p.drops.Load())
	})
}

// Configure sets the rate stamped on subsequent clips.
func (p *Playback) Configure(rate int) {
	if rate > 0 {
		p.rate.Store(int64(rate))
	}
}

// Rate returns the currently configured playback rate.
func (p *Playback) Rate() int {
	return int(p.rate.Load())
}

// Play queues one clip of int16 LE PCM. Misaligned clips are logged and
// discarded; the stream stays up.
func (p *Playback) Play(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	if len(pcm)%2 != 0 {
		p.logger.Warn("discarding misaligned audio clip", "bytes", len(pcm))
		return
	}

	item := playItem{
		pcm:  int16FromLE(pcm),
		rate: int(p.rate.Load()),
		gen:  p.gen.Load(),
	}
	select {
	case p.queue <- item:
	default:
		p.drops.Add(1)
		p.rl.Warn("playback_overflow", "playback queue full, dropped clip")
	}
}

// Flush abandons all queued and in-flight audio immediately.
func (p *Playback) Flush() {
	p.gen.Add(1)
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}

// loop owns the output stream: items stamped with a stale generation are
// skipped, a rate change reopens the device.
func (p *Playback) loop() {
	defer close(p.loopDone)

	var stream outputStream
	var block []int16
	current := 0
	defer func() {
		if stream != nil {
			_ = stream.Stop()
			_ = stream.Close()
		}
	}()

	for {
		select {
		case <-p.done:
			return
		case item := <-p.queue:
			if item.gen != p.gen.Load() {
				continue
			}
			if stream == nil || item.rate != current {
				if stream != nil {
					_ = stream.Stop()
					_ = stream.Close()
				}
				s, b, err := p.openStream(item.rate)
				if err != nil {
					stream = nil
					continue
				}
				stream, block, current = s, b, item.rate
			}
			p.write(stream, block, item)
		}
	}
}

func (p *Playback) openStream(rate int) (outputStream, []int16, error) {
	s, b, err := p.open(rate)
	if err != nil {
		p.rl.Warn("playback_open", "opening speaker stream failed", "rate", rate, "error", err)
		return nil, nil, err
	}
	if err := s.Start(); err != nil {
		_ = s.Close()
		p.rl.Warn("playback_open", "starting speaker stream failed", "rate", rate, "error", err)
		return nil, nil, err
	}
	p.logger.Info("speaker stream open", "rate", rate, "block_samples", len(b))
	return s, b, nil
}

// write plays one clip block by block, bailing out when the clip's
// generation goes stale or the playback shuts down.
func (p *Playback) write(stream outputStream, block []int16, item playItem) {
	pcm := item.pcm
	for len(pcm) > 0 {
		if item.gen != p.gen.Load() {
			return
		}
		select {
		case <-p.done:
			return
		default:
		}

		n := copy(block, pcm)
		for i := n; i < len(block); i++ {
			block[i] = 0
		}
		pcm = pcm[n:]

		if err := stream.Write(); err != nil {
			p.rl.Warn("playback_write", "speaker write failed", "error", err)
			return
		}
	}
}

// int16FromLE decodes little-endian int16 PCM bytes.
func int16FromLE(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}
