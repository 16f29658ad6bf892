package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/TheGitCommit/voice-assistant/internal/conversation"
	"github.com/TheGitCommit/voice-assistant/internal/observe"
	"github.com/TheGitCommit/voice-assistant/internal/pipeline"
	"github.com/TheGitCommit/voice-assistant/internal/segment"
	"github.com/TheGitCommit/voice-assistant/pkg/audio"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/vad"
	"github.com/TheGitCommit/voice-assistant/pkg/wire"
)

// Compile-time assertion that conn is the pipeline's egress sink.
var _ pipeline.Sink = (*conn)(nil)

const (
	// audioStatusEvery is how many processed frames pass between periodic
	// audio status log lines.
	audioStatusEvery = 50

	// teardownTimeout bounds session persistence at connection close.
	teardownTimeout = 5 * time.Second
)

// errClientGone reports a clean client-initiated close. Returned as a
// non-nil error so the errgroup cancels the sibling loops immediately.
var errClientGone = errors.New("server: client closed connection")

// conn is one live WebSocket connection: its bounded queues, segmenter,
// pipeline, and the three supervised loops. The reader feeds the ingress
// queue and dispatches control messages inline, the processor turns frames
// into utterances and rounds, the writer drains the egress queue onto the
// socket. Any loop exiting tears the connection down.
type conn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger
	rl     *observe.RateLimitedLogger

	ingress *ingressQueue
	egress  *egressQueue

	det  vad.Detector
	seg  *segment.Segmenter
	conv *conversation.Conversation
	pipe *pipeline.Pipeline

	metrics   *observe.Metrics
	timing    *observe.TimingStats
	heartbeat time.Duration

	started   time.Time
	framesIn  atomic.Int64
	bytesIn   atomic.Int64
	framesOut atomic.Int64
	bytesOut  atomic.Int64
}

// run supervises the connection until the socket closes, ctx is cancelled,
// or a loop fails. It always finishes the teardown: in-flight rounds are
// awaited, the session transcript is persisted, and the final per-connection
// stats are logged.
func (c *conn) run(ctx context.Context) {
	c.started = time.Now()
	c.logger.Info("connection open")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.processLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })

	err := g.Wait()
	cancel()
	c.pipe.Wait()

	if errors.Is(err, errClientGone) || errors.Is(err, context.Canceled) {
		err = nil
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer closeCancel()
	if cerr := c.conv.Close(closeCtx); cerr != nil {
		c.logger.Warn("session persist failed", "error", cerr)
	}
	if cerr := c.det.Close(); cerr != nil {
		c.logger.Warn("vad detector close failed", "error", cerr)
	}

	if err != nil {
		c.logger.Warn("connection failed", "error", err)
		c.ws.Close(websocket.StatusInternalError, "internal error")
	} else {
		c.ws.Close(websocket.StatusNormalClosure, "")
	}

	c.logStats()
}

// logStats emits the teardown summary: traffic counters, drop counters,
// rounds, and the per-stage timing aggregate.
func (c *conn) logStats() {
	c.logger.Info("connection closed",
		"duration", time.Since(c.started).Round(time.Millisecond),
		"frames_in", c.framesIn.Load(),
		"frames_out", c.framesOut.Load(),
		"bytes_in", c.bytesIn.Load(),
		"bytes_out", c.bytesOut.Load(),
		"ingress_drops", c.ingress.Drops(),
		"egress_drops", c.egress.Drops(),
		"rounds", c.pipe.Rounds(),
	)
	if summary := c.timing.String(); summary != "" {
		c.logger.Info("connection timings", "stages", summary)
	}
}

// ---- reader ----

// readLoop pumps the socket: binary frames go to the ingress queue, text
// frames are dispatched inline so an interrupt is never stuck behind queued
// audio.
func (c *conn) readLoop(ctx context.Context) error {
	defer c.ingress.Close()

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.logger.Info("client disconnected")
				return errClientGone
			}
			return fmt.Errorf("server: read socket: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			c.framesIn.Add(1)
			c.bytesIn.Add(int64(len(data)))
			if c.ingress.Push(data) {
				c.metrics.RecordQueueDrop(ctx, "ingress", "oldest")
				c.rl.Warn("ingress_overflow", "ingress queue full, dropped oldest frame")
			}
		case websocket.MessageText:
			c.handleControl(ctx, data)
		}
	}
}

// handleControl dispatches one client control message. Malformed or unknown
// messages are logged and discarded; the connection survives.
func (c *conn) handleControl(ctx context.Context, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		c.logger.Warn("discarding bad control message", "error", err)
		return
	}

	switch msg.Type {
	case wire.TypeHello:
		c.logger.Info("client hello",
			"sample_rate", msg.SampleRate,
			"channels", msg.Channels,
		)
	case wire.TypeInterrupt:
		c.pipe.Interrupt("client")
	case wire.TypeWakeWordDetected:
		c.logger.Info("client reported wake word")
	case wire.TypeTestQuestion:
		c.logger.Info("test question", "text", msg.Text)
		c.pipe.SubmitText(ctx, msg.Text)
	default:
		c.logger.Warn("discarding unexpected control message", "type", msg.Type)
	}
}

// ---- processor ----

// processLoop drains the ingress queue through the segmenter and submits
// finished utterances to the pipeline. A VAD inference failure is fatal to
// the connection.
func (c *conn) processLoop(ctx context.Context) error {
	var frames int64
	for {
		var data []byte
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok = <-c.ingress.Frames():
			if !ok {
				return nil
			}
		}

		samples := audio.DecodeFloat32LE(data)
		if len(samples) == 0 {
			c.logger.Warn("discarding undersized audio frame", "bytes", len(data))
			continue
		}

		frames++
		if frames%audioStatusEvery == 0 {
			c.rl.Info("audio_status", "audio flowing",
				"frames", frames,
				"energy", audio.RMS(samples),
				"tts_active", c.pipe.TTSActive(),
			)
		}

		c.seg.SetOutputActive(c.pipe.TTSActive())
		utt, err := c.seg.Feed(samples)
		if err != nil {
			return fmt.Errorf("server: segment frame: %w", err)
		}
		if utt != nil {
			c.logger.Info("utterance finalised",
				"samples", len(utt),
				"seconds", audio.Duration(len(utt), vad.SampleRate),
			)
			c.pipe.Submit(ctx, utt)
		}
	}
}

// ---- writer ----

// writeLoop drains the egress queue onto the socket, pinging the client when
// the connection idles.
func (c *conn) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		entry, ok := c.egress.TryPop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.egress.Ready():
			case <-ticker.C:
				if err := c.ws.Ping(ctx); err != nil {
					return fmt.Errorf("server: ping: %w", err)
				}
			}
			continue
		}

		if err := c.writeEntry(ctx, entry); err != nil {
			return err
		}
	}
}

// writeEntry sends one queued entry as a text or binary frame.
func (c *conn) writeEntry(ctx context.Context, e egressEntry) error {
	if e.msg != nil {
		data, err := e.msg.Encode()
		if err != nil {
			c.logger.Warn("dropping unencodable event", "type", e.msg.Type, "error", err)
			return nil
		}
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			return fmt.Errorf("server: write %s event: %w", e.msg.Type, err)
		}
		c.bytesOut.Add(int64(len(data)))
		return nil
	}

	if err := c.ws.Write(ctx, websocket.MessageBinary, e.pcm); err != nil {
		return fmt.Errorf("server: write audio frame: %w", err)
	}
	c.framesOut.Add(1)
	c.bytesOut.Add(int64(len(e.pcm)))
	return nil
}

// ---- pipeline.Sink ----

// SendEvent queues a control message. Control messages are exempt from the
// egress bound; they are never dropped.
func (c *conn) SendEvent(msg wire.Message) bool {
	c.egress.PushEvent(msg)
	return true
}

// SendAudio queues one binary frame, dropping it when the egress queue is at
// capacity.
func (c *conn) SendAudio(pcm []byte) bool {
	if !c.egress.PushAudio(pcm) {
		c.metrics.RecordQueueDrop(context.Background(), "egress", "new")
		c.rl.Warn("egress_overflow", "egress queue full, dropped audio frame")
		return false
	}
	return true
}

// DropPending flushes queued audio on interrupt. Control messages stay
// queued.
func (c *conn) DropPending() {
	if n := c.egress.DropAudio(); n > 0 {
		c.logger.Info("flushed queued audio", "frames", n)
	}
}
