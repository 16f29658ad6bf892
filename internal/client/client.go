// Package client implements the edge device half of the assistant: wake-word
// gated microphone streaming, playback of synthesized answers, feedback
// tones, and an optional hosted-LLM fallback for when the server is gone.
//
// The client cycles through three states. In WAITING_FOR_WAKE captured
// frames feed only the local wake detector; nothing reaches the server. A
// detection plays the wake chime, waits out the activation delay so the
// chime is not streamed, then sends hello and enters STREAMING, flushing the
// pre-roll captured since the wake hit first. STREAMING forwards every frame
// and runs the echo-suppressed energy VAD that turns sustained speech over
// playback into an interrupt. The server's tts_stop ends the round and
// returns the machine to WAITING_FOR_WAKE.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/TheGitCommit/voice-assistant/internal/config"
	"github.com/TheGitCommit/voice-assistant/pkg/audio"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/wake"
	"github.com/TheGitCommit/voice-assistant/pkg/wire"
)

const (
	// prerollWait bounds how long Run waits for microphone warm-up.
	prerollWait = 3 * time.Second

	// writeTimeout bounds a single socket write.
	writeTimeout = 5 * time.Second

	// maxServerMessage raises the read limit: a synthesized clause is one
	// binary frame and easily outgrows the library's 32 KiB default.
	maxServerMessage = 1 << 22
)

// errServerGone reports a clean server-initiated close.
var errServerGone = errors.New("client: server closed connection")

// State is the wake/stream machine position.
type State int

const (
	StateWaitingForWake State = iota
	StateWakeDetected
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateWaitingForWake:
		return "waiting_for_wake"
	case StateWakeDetected:
		return "wake_detected"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config assembles a Client. Detector, Capture, Playback and Config are
// required; Fallback is optional.
type Config struct {
	Config   *config.ClientConfig
	Detector wake.Detector
	Capture  *Capture
	Playback *Playback
	Fallback *Fallback
	Logger   *slog.Logger
}

// Client is the edge state machine plus its two supervised loops: the send
// loop pumping microphone frames and the receive loop dispatching server
// events and audio.
type Client struct {
	cfg      *config.ClientConfig
	logger   *slog.Logger
	detector wake.Detector
	capture  *Capture
	playback *Playback
	vad      *energyVAD
	fallback *Fallback
	recon    *Reconnector

	reconnected chan struct{}

	mu             sync.Mutex
	state          State
	tones          *Tones
	ttsActive      bool
	lastTranscript string
	answered       bool

	// disconnectHandled dedupes handleDisconnect: both loops detect the same
	// drop, only the first call acts. Cleared when a re-dial succeeds.
	disconnectHandled bool
}

// New validates cfg and assembles a client.
func New(cfg Config) (*Client, error) {
	if cfg.Config == nil {
		return nil, errors.New("client: Config is required")
	}
	if cfg.Detector == nil {
		return nil, errors.New("client: wake Detector is required")
	}
	if cfg.Capture == nil {
		return nil, errors.New("client: Capture is required")
	}
	if cfg.Playback == nil {
		return nil, errors.New("client: Playback is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:         cfg.Config,
		logger:      logger,
		detector:    cfg.Detector,
		capture:     cfg.Capture,
		playback:    cfg.Playback,
		vad:         newEnergyVAD(cfg.Config.LocalVAD),
		fallback:    cfg.Fallback,
		reconnected: make(chan struct{}, 1),
		state:       StateWaitingForWake,
	}
	if cfg.Config.Tones.Enabled {
		c.tones = NewTones(cfg.Playback.Rate())
	}

	c.recon = NewReconnector(ReconnectorConfig{
		Dial:        c.dialServer,
		Logger:      logger,
		MaxAttempts: cfg.Config.Reconnect.MaxAttempts,
		Backoff:     time.Duration(cfg.Config.Reconnect.BackoffMs) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.Config.Reconnect.MaxBackoffMs) * time.Millisecond,
		OnReconnect: func(*websocket.Conn) {
			c.clearDisconnectHandled()
			select {
			case c.reconnected <- struct{}{}:
			default:
			}
		},
	})
	return c, nil
}

// dialServer performs one connection attempt against the configured URL.
func (c *Client) dialServer(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", c.cfg.ServerURL, err)
	}
	conn.SetReadLimit(maxServerMessage)
	return conn, nil
}

// Run starts audio I/O, connects, and supervises the loops until ctx is
// cancelled, the capture ends, or the server stays unreachable.
func (c *Client) Run(ctx context.Context) error {
	if err := c.capture.Start(); err != nil {
		return fmt.Errorf("client: start capture: %w", err)
	}
	defer c.capture.Stop()

	c.playback.Start()
	defer c.playback.Close()

	if !c.capture.WaitForPreroll(prerollWait) {
		c.logger.Warn("microphone warm-up timed out, continuing")
	}

	if _, err := c.recon.Connect(ctx); err != nil {
		c.playTone(c.currentTones().ErrorTone())
		return err
	}
	c.recon.Monitor(ctx)
	defer c.recon.Stop()

	c.logger.Info("connected, waiting for wake word", "server", c.cfg.ServerURL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.sendLoop(gctx) })
	g.Go(func() error { return c.recvLoop(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// ---- send path ----

// sendLoop consumes capture frames: wake detection while waiting, forwarding
// while streaming.
func (c *Client) sendLoop(ctx context.Context) error {
	for {
		var frame []float32
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok = <-c.capture.Frames():
			if !ok {
				return nil
			}
		}

		switch c.currentState() {
		case StateWaitingForWake:
			if err := c.feedWake(ctx, frame); err != nil {
				return err
			}
		case StateStreaming:
			c.streamFrame(ctx, frame)
		case StateWakeDetected:
			// Transition runs inline below; frames meanwhile ride the
			// pre-roll ring.
		}
	}
}

// feedWake scores one frame and drives the wake transition on a hit. A
// detector inference failure is fatal: without wake detection the client is
// deaf.
func (c *Client) feedWake(ctx context.Context, frame []float32) error {
	det, hit, err := c.detector.Feed(frame)
	if err != nil {
		return fmt.Errorf("client: wake detection: %w", err)
	}
	if !hit {
		return nil
	}

	c.logger.Info("wake word detected", "model", det.Model, "score", det.Score)
	return c.beginStreaming(ctx)
}

// beginStreaming plays the wake chime, waits out the activation delay so the
// chime is not streamed, sends hello, and flushes the pre-roll captured
// since the hit. On any failure the machine falls back to waiting.
func (c *Client) beginStreaming(ctx context.Context) error {
	c.setState(StateWakeDetected)
	c.capture.Mark()
	c.playTone(c.currentTones().WakeTone())

	delay := time.Duration(c.cfg.Wake.ActivationDelayMs) * time.Millisecond
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}
	c.detector.Reset()

	conn := c.recon.Connection()
	if conn == nil {
		c.logger.Warn("no server connection, ignoring wake word")
		c.abortRound()
		return nil
	}

	if err := c.sendEvent(ctx, conn, wire.Hello(c.cfg.Capture.SampleRate, 1)); err != nil {
		c.logger.Warn("hello failed", "error", err)
		c.recon.NotifyDisconnect()
		c.handleDisconnect(ctx)
		return nil
	}
	if err := c.sendEvent(ctx, conn, wire.WakeWordDetected()); err != nil {
		c.logger.Warn("wake notification failed", "error", err)
	}

	c.resetRound()
	c.vad.Reset()
	c.setState(StateStreaming)
	c.playTone(c.currentTones().ListeningTone())

	if preroll := c.capture.TakeFromMark(); len(preroll) > 0 {
		if err := c.sendPreroll(ctx, conn, preroll); err != nil {
			c.logger.Warn("pre-roll flush failed", "error", err)
			c.recon.NotifyDisconnect()
			c.handleDisconnect(ctx)
		}
	}
	return nil
}

// sendPreroll forwards the marked pre-roll in capture-sized frames, so the
// flush looks like live streaming to the server instead of one oversized
// binary frame.
func (c *Client) sendPreroll(ctx context.Context, conn *websocket.Conn, preroll []float32) error {
	size := c.cfg.Capture.FrameSamples
	if size <= 0 {
		size = len(preroll)
	}
	for off := 0; off < len(preroll); off += size {
		end := off + size
		if end > len(preroll) {
			end = len(preroll)
		}
		if err := c.sendAudio(ctx, conn, preroll[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// streamFrame forwards one frame to the server and runs the local VAD that
// turns talking over playback into an interrupt.
func (c *Client) streamFrame(ctx context.Context, frame []float32) {
	conn := c.recon.Connection()
	if conn == nil {
		c.logger.Warn("connection lost mid-stream")
		c.handleDisconnect(ctx)
		return
	}

	_, interrupt := c.vad.Process(frame, c.ttsPlaying())
	if interrupt {
		c.logger.Info("local speech over playback, interrupting")
		if err := c.sendEvent(ctx, conn, wire.Interrupt()); err != nil {
			c.logger.Warn("interrupt failed", "error", err)
		}
		c.playback.Flush()
	}

	if err := c.sendAudio(ctx, conn, frame); err != nil {
		c.logger.Warn("stream frame failed", "error", err)
		c.recon.NotifyDisconnect()
		c.handleDisconnect(ctx)
	}
}

func (c *Client) sendEvent(ctx context.Context, conn *websocket.Conn, msg wire.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("client: encode %s event: %w", msg.Type, err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (c *Client) sendAudio(ctx context.Context, conn *websocket.Conn, samples []float32) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageBinary, audio.EncodeFloat32LE(samples))
}

// ---- receive path ----

// recvLoop reads from whichever connection is current, surviving reconnects.
// It returns when ctx ends or the reconnector gives up.
func (c *Client) recvLoop(ctx context.Context) error {
	for {
		conn := c.recon.Connection()
		if conn == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.reconnected:
				continue
			case <-c.recon.Failed():
				return errors.New("client: server unreachable, giving up")
			}
		}

		err := c.readFrom(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errServerGone) {
			c.logger.Info("server closed the connection")
		} else {
			c.logger.Warn("connection lost", "error", err)
		}

		c.recon.NotifyDisconnect()
		c.handleDisconnect(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.reconnected:
			c.logger.Info("reconnected, waiting for wake word")
		case <-c.recon.Failed():
			return errors.New("client: server unreachable, giving up")
		}
	}
}

// readFrom pumps one connection until it fails: binary frames go to the
// speaker, text frames to the event dispatcher.
func (c *Client) readFrom(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return errServerGone
			}
			return fmt.Errorf("client: read socket: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			c.playback.Play(data)
		case websocket.MessageText:
			c.handleEvent(data)
		}
	}
}

// handleEvent dispatches one server control message. Malformed or unknown
// messages are logged and discarded.
func (c *Client) handleEvent(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		c.logger.Warn("discarding bad server event", "error", err)
		return
	}

	switch msg.Type {
	case wire.TypeTranscription:
		c.logger.Info("transcription", "text", msg.Text)
		c.setTranscript(msg.Text)
		c.playTone(c.currentTones().ProcessingTone())
	case wire.TypePartialLLMResponse:
		c.logger.Debug("partial response", "text", msg.Text)
	case wire.TypeLLMResponse:
		c.logger.Info("assistant response", "text", msg.Text)
		c.markAnswered()
	case wire.TypeTTSStart:
		c.retune(msg.SampleRate)
		c.setTTSActive(true)
	case wire.TypeTTSStop:
		c.setTTSActive(false)
		c.finishRound()
	case wire.TypePlaybackStop:
		c.logger.Info("server stopped playback")
		c.playback.Flush()
	default:
		c.logger.Warn("discarding unexpected server event", "type", msg.Type)
	}
}

// finishRound returns the machine to waiting after the server closed the
// round. Queued answer audio keeps draining; the ready chime rings after it.
// The transcript is cleared: a question whose round ended is never re-asked
// through the fallback.
func (c *Client) finishRound() {
	c.setState(StateWaitingForWake)
	c.resetRound()
	c.vad.Reset()
	c.detector.Reset()
	c.playTone(c.currentTones().ReadyTone())
	c.logger.Info("round finished, waiting for wake word")
}

// abortRound returns the machine to waiting without a completed round.
func (c *Client) abortRound() {
	c.setState(StateWaitingForWake)
	c.resetRound()
	c.vad.Reset()
	c.detector.Reset()
	c.playTone(c.currentTones().ErrorTone())
}

// handleDisconnect resets the round on a dropped connection. Both loops spot
// the same drop; only the first call per connection acts. When the server
// died mid-round and a fallback is configured, the already-transcribed
// question is answered through the hosted model so the round is not wasted.
func (c *Client) handleDisconnect(ctx context.Context) {
	c.mu.Lock()
	if c.disconnectHandled {
		c.mu.Unlock()
		return
	}
	c.disconnectHandled = true
	c.mu.Unlock()

	c.playback.Flush()
	c.setTTSActive(false)

	transcript, pending := c.takePendingQuestion()
	c.setState(StateWaitingForWake)
	c.vad.Reset()
	c.detector.Reset()

	if pending && c.fallback != nil {
		answer, err := c.fallback.Respond(ctx, transcript)
		if err != nil {
			c.logger.Warn("fallback failed", "error", err)
			c.playTone(c.currentTones().ErrorTone())
			return
		}
		c.logger.Info("fallback response", "text", answer)
		c.playTone(c.currentTones().ReadyTone())
		return
	}
	c.playTone(c.currentTones().ErrorTone())
}

// ---- shared state ----

func (c *Client) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	old := c.state
	c.state = s
	c.mu.Unlock()
	if old != s {
		c.logger.Debug("state change", "from", old, "to", s)
	}
}

func (c *Client) ttsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttsActive
}

func (c *Client) setTTSActive(active bool) {
	c.mu.Lock()
	c.ttsActive = active
	c.mu.Unlock()
}

func (c *Client) setTranscript(text string) {
	c.mu.Lock()
	c.lastTranscript = text
	c.answered = false
	c.mu.Unlock()
}

func (c *Client) markAnswered() {
	c.mu.Lock()
	c.answered = true
	c.mu.Unlock()
}

// resetRound clears the round's transcript and answer flag.
func (c *Client) resetRound() {
	c.mu.Lock()
	c.lastTranscript = ""
	c.answered = false
	c.mu.Unlock()
}

// clearDisconnectHandled re-arms handleDisconnect after a successful re-dial.
func (c *Client) clearDisconnectHandled() {
	c.mu.Lock()
	c.disconnectHandled = false
	c.mu.Unlock()
}

// takePendingQuestion returns the transcript of a round the server never
// answered, clearing it either way.
func (c *Client) takePendingQuestion() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	transcript := c.lastTranscript
	pending := transcript != "" && !c.answered
	c.lastTranscript = ""
	return transcript, pending
}

// retune re-renders the chimes when tts_start advertises a new synth rate.
func (c *Client) retune(rate int) {
	if rate <= 0 {
		return
	}
	c.playback.Configure(rate)
	c.mu.Lock()
	if c.tones != nil && c.tones.Rate() != rate {
		c.tones = NewTones(rate)
	}
	c.mu.Unlock()
}

func (c *Client) currentTones() *Tones {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tones
}

func (c *Client) playTone(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	c.playback.Play(pcm)
}
