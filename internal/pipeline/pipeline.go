// Package pipeline runs assistant rounds for one connection: transcription,
// streaming completion, clause-level synthesis, ordered audio egress.
//
// A round starts when the segmenter finalises an utterance. The LLM stream is
// scanned for clause boundaries and every complete clause is handed to TTS
// immediately; synthesis runs concurrently but results enter the egress queue
// strictly in submission order, so playback begins after the first clause
// instead of after the full response (the waterfall).
//
// At most one round is in flight. Utterances arriving during a round are
// classified: a stop keyword interrupts the round, anything else queues in a
// bounded FIFO and replays once the round ends.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/TheGitCommit/voice-assistant/internal/bargein"
	"github.com/TheGitCommit/voice-assistant/internal/conversation"
	"github.com/TheGitCommit/voice-assistant/internal/observe"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/llm"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/stt"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/tts"
	"github.com/TheGitCommit/voice-assistant/pkg/wire"
)

const (
	// defaultChunkBytes is the size of binary audio frames queued to egress.
	defaultChunkBytes = 4096

	// clauseQueueDepth bounds clauses awaiting synthesis. A full queue blocks
	// LLM consumption, which is the backpressure we want.
	clauseQueueDepth = 32
)

// Round outcome labels used for metrics and logs.
const (
	statusCompleted   = "completed"
	statusInterrupted = "interrupted"
	statusFailed      = "failed"
	statusEmpty       = "empty"
)

// Round kinds.
const (
	kindVoice = "voice"
	kindText  = "text"
)

// Sink is the egress side of the connection as the pipeline sees it. Both
// send methods must not block; a full queue drops and reports false.
type Sink interface {
	// SendEvent queues a control message for the client.
	SendEvent(msg wire.Message) bool

	// SendAudio queues one binary PCM frame.
	SendAudio(pcm []byte) bool

	// DropPending discards queued but unsent audio frames. Control messages
	// stay queued.
	DropPending()
}

// Config carries the pipeline's dependencies. STT, Conversation, TTS and Sink
// are required.
type Config struct {
	// STT transcribes finalised utterances.
	STT stt.Provider

	// STTSem bounds concurrent transcriptions across all connections.
	// Optional; nil means unlimited.
	STTSem *semaphore.Weighted

	// Conversation holds this connection's chat history and LLM access.
	Conversation *conversation.Conversation

	// TTS synthesizes clauses. Wrap with a fallback chain before passing it
	// in; the pipeline treats it as a single engine.
	TTS tts.Provider

	// Classifier decides interrupt-vs-buffer for speech over playback.
	// Optional; nil uses the default stop keywords.
	Classifier *bargein.Classifier

	// Buffer queues utterances spoken during a round. Optional; nil uses the
	// default capacity.
	Buffer *bargein.Buffer

	// Metrics, Timing and Logger default to the package-level instances.
	Metrics *observe.Metrics
	Timing  *observe.TimingStats
	Logger  *slog.Logger

	// ChunkBytes overrides the egress audio frame size.
	ChunkBytes int
}

// Pipeline orchestrates rounds for a single connection. Safe for concurrent
// use; Submit, SubmitText and Interrupt may be called from any goroutine.
type Pipeline struct {
	stt        stt.Provider
	sttSem     *semaphore.Weighted
	conv       *conversation.Conversation
	tts        tts.Provider
	classifier *bargein.Classifier
	buffer     *bargein.Buffer
	sink       Sink
	metrics    *observe.Metrics
	timing     *observe.TimingStats
	logger     *slog.Logger
	chunkBytes int

	mu      sync.Mutex
	current *round

	ttsActive atomic.Bool
	rounds    atomic.Int64
	wg        sync.WaitGroup
}

// round is the per-round control block shared between the round goroutine
// and Interrupt.
type round struct {
	ctx    context.Context
	cancel context.CancelFunc
	kind   string
	t0     time.Time

	// started is set once tts_start has been queued. A tts_stop is only owed,
	// and only sent, after that.
	started     atomic.Bool
	interrupted atomic.Bool
	stopOnce    sync.Once
}

// ttsResult carries one clause's synthesis outcome to the ordered collector.
type ttsResult struct {
	pcm []byte
	err error
}

// New validates cfg and builds a Pipeline.
func New(sink Sink, cfg Config) (*Pipeline, error) {
	if sink == nil {
		return nil, errors.New("pipeline: sink must not be nil")
	}
	if cfg.STT == nil {
		return nil, errors.New("pipeline: STT provider must not be nil")
	}
	if cfg.Conversation == nil {
		return nil, errors.New("pipeline: conversation must not be nil")
	}
	if cfg.TTS == nil {
		return nil, errors.New("pipeline: TTS provider must not be nil")
	}

	p := &Pipeline{
		stt:        cfg.STT,
		sttSem:     cfg.STTSem,
		conv:       cfg.Conversation,
		tts:        cfg.TTS,
		classifier: cfg.Classifier,
		buffer:     cfg.Buffer,
		sink:       sink,
		metrics:    cfg.Metrics,
		timing:     cfg.Timing,
		logger:     cfg.Logger,
		chunkBytes: cfg.ChunkBytes,
	}
	if p.classifier == nil {
		p.classifier = bargein.NewClassifier(nil, 0)
	}
	if p.buffer == nil {
		p.buffer = bargein.NewBuffer(0)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.timing == nil {
		p.timing = observe.NewTimingStats()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.chunkBytes <= 0 {
		p.chunkBytes = defaultChunkBytes
	}
	return p, nil
}

// Submit routes a finalised utterance. When idle it starts a voice round.
// Once the round has announced audio (tts_start through tts_stop) it runs
// barge-in classification; before that, while transcription is still running,
// it queues the utterance for afterwards.
func (p *Pipeline) Submit(ctx context.Context, samples []float32) {
	if p.launch(ctx, kindVoice, samples, "") {
		return
	}
	if p.ttsActive.Load() {
		p.classify(ctx, samples)
		return
	}
	p.bufferUtterance(ctx, samples)
}

// SubmitText starts a text round, bypassing transcription. Used by the
// test_question control message. Dropped with a warning when a round is
// already in flight.
func (p *Pipeline) SubmitText(ctx context.Context, text string) {
	if !p.launch(ctx, kindText, nil, text) {
		p.logger.Warn("text round dropped, round already in flight")
	}
}

// Interrupt aborts the in-flight round: the LLM stream and pending synthesis
// are cancelled, queued audio is flushed, and the client gets its tts_stop
// immediately. reason is "keyword" or "client". No-op without a round.
func (p *Pipeline) Interrupt(reason string) {
	p.mu.Lock()
	r := p.current
	p.mu.Unlock()
	if r == nil || !r.interrupted.CompareAndSwap(false, true) {
		return
	}

	r.cancel()
	p.sink.DropPending()
	p.sendTTSStop(r)
	p.metrics.RecordInterrupt(context.Background(), reason)
	p.logger.Info("round interrupted", "reason", reason)
}

// TTSActive reports whether round audio is currently flowing to the client.
func (p *Pipeline) TTSActive() bool { return p.ttsActive.Load() }

// Rounds returns the number of rounds started. Teardown stats.
func (p *Pipeline) Rounds() int64 { return p.rounds.Load() }

// Wait blocks until all round goroutines have finished. Call after cancelling
// the connection context.
func (p *Pipeline) Wait() { p.wg.Wait() }

// ---- round lifecycle ----

// launch starts a round when none is in flight. Reports false when busy.
func (p *Pipeline) launch(connCtx context.Context, kind string, samples []float32, text string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		return false
	}
	p.launchLocked(connCtx, kind, samples, text)
	return true
}

// launchLocked registers and spawns the round goroutine. Caller holds p.mu.
func (p *Pipeline) launchLocked(connCtx context.Context, kind string, samples []float32, text string) {
	rctx, cancel := context.WithCancel(connCtx)
	r := &round{ctx: rctx, cancel: cancel, kind: kind, t0: time.Now()}
	p.current = r
	p.rounds.Add(1)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()

		status := p.runRound(r, samples, text)

		d := time.Since(r.t0)
		p.metrics.RecordRound(rctx, kind, status)
		if status != statusEmpty {
			p.metrics.RoundDuration.Record(rctx, d.Seconds())
			p.timing.Record("round", d)
		}
		p.logger.Info("round finished", "kind", kind, "status", status, "duration", d)

		p.finishRound(connCtx)
	}()
}

// finishRound clears the in-flight slot and replays the oldest buffered
// utterance, if any.
func (p *Pipeline) finishRound(connCtx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
	if connCtx.Err() != nil {
		return
	}
	if samples, ok := p.buffer.Pop(); ok {
		p.launchLocked(connCtx, kindVoice, samples, "")
	}
}

// maybeDrain starts a buffered round when the utterance raced a finishing
// round into the buffer.
func (p *Pipeline) maybeDrain(connCtx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil || connCtx.Err() != nil {
		return
	}
	if samples, ok := p.buffer.Pop(); ok {
		p.launchLocked(connCtx, kindVoice, samples, "")
	}
}

// runRound executes one round end to end and returns its status label.
func (p *Pipeline) runRound(r *round, samples []float32, text string) string {
	ctx, span := observe.StartSpan(r.ctx, "pipeline.round")
	defer span.End()

	if text == "" {
		var err error
		text, err = p.transcribe(ctx, samples)
		if err != nil {
			if r.interrupted.Load() {
				return statusInterrupted
			}
			p.logger.Warn("transcription failed, dropping round", "error", err)
			return statusFailed
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return statusEmpty
	}

	p.sink.SendEvent(wire.Transcription(text))

	llmStart := time.Now()
	ch, err := p.conv.Stream(ctx, text)
	if err != nil {
		if r.interrupted.Load() {
			return statusInterrupted
		}
		p.logger.Warn("llm stream failed, dropping round", "error", err)
		return statusFailed
	}

	// Stream is open: announce the audio phase. From here the client is owed
	// exactly one tts_stop, whatever happens.
	p.sendTTSStart(r)
	defer p.sendTTSStop(r)

	return p.waterfall(ctx, r, ch, llmStart)
}

// waterfall consumes the LLM stream, fans clauses out to TTS, and emits audio
// in clause order.
func (p *Pipeline) waterfall(ctx context.Context, r *round, ch <-chan llm.Chunk, llmStart time.Time) string {
	pending := make(chan chan ttsResult, clauseQueueDepth)
	collectorDone := make(chan struct{})
	go p.collect(ctx, r, pending, collectorDone)

	var (
		full         strings.Builder // entire assistant response
		buf          strings.Builder // text not yet split into clauses
		spoken       []string        // clauses handed to TTS, in order
		sawFirst     bool
		streamFailed bool
	)

consume:
	for {
		select {
		case <-ctx.Done():
			break consume
		case chunk, ok := <-ch:
			if !ok {
				break consume
			}
			if !sawFirst && chunk.Text != "" {
				sawFirst = true
				wait := time.Since(llmStart)
				p.metrics.LLMFirstToken.Record(ctx, wait.Seconds())
				p.timing.Record("llm_first_token", wait)
			}
			if chunk.FinishReason == llm.FinishReasonError {
				p.logger.Warn("llm stream error mid-round", "error", chunk.Text)
				streamFailed = true
				break consume
			}
			if chunk.Text != "" {
				full.WriteString(chunk.Text)
				buf.WriteString(chunk.Text)
				// Each delta is forwarded as-is; the concatenation of all
				// partials reassembles the final response text.
				p.sink.SendEvent(wire.PartialLLMResponse(chunk.Text))
			}
			for {
				clause, rest, ok := NextClause(buf.String())
				if !ok {
					break
				}
				buf.Reset()
				buf.WriteString(rest)
				spoken = append(spoken, clause)
				p.submitClause(ctx, clause, pending)
			}
			if chunk.FinishReason != "" {
				break consume
			}
		}
	}

	// Unblock the provider goroutine if the stream was abandoned early.
	go drainChunks(ch)

	interrupted := r.interrupted.Load() || ctx.Err() != nil
	var status string
	switch {
	case interrupted:
		partial := strings.TrimSpace(strings.Join(spoken, " "))
		p.conv.CommitInterrupted(partial)
		status = statusInterrupted
	case streamFailed:
		p.conv.Rollback()
		status = statusFailed
	default:
		if residue := strings.TrimSpace(buf.String()); residue != "" {
			spoken = append(spoken, residue)
			p.submitClause(ctx, residue, pending)
		}
		finalText := strings.TrimSpace(full.String())
		p.conv.Commit(finalText)
		p.sink.SendEvent(wire.LLMResponse(finalText))
		llmTook := time.Since(llmStart)
		p.metrics.LLMDuration.Record(ctx, llmTook.Seconds())
		p.timing.Record("llm", llmTook)
		status = statusCompleted
	}

	close(pending)
	<-collectorDone
	return status
}

// submitClause queues a clause for synthesis and spawns its worker. Results
// are collected in submission order regardless of completion order.
func (p *Pipeline) submitClause(ctx context.Context, clause string, pending chan chan ttsResult) {
	rc := make(chan ttsResult, 1)
	select {
	case pending <- rc:
	case <-ctx.Done():
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		start := time.Now()
		pcm, err := p.tts.Synthesize(ctx, clause)
		if err == nil {
			d := time.Since(start)
			p.metrics.TTSDuration.Record(ctx, d.Seconds(),
				metric.WithAttributes(attribute.String("engine", p.tts.Name())))
			p.timing.Record("tts", d)
		}
		rc <- ttsResult{pcm: pcm, err: err}
	}()
}

// collect awaits clause results in submission order and chunks them onto the
// egress queue. The first audio of the round records the time-to-first-audio.
func (p *Pipeline) collect(ctx context.Context, r *round, pending <-chan chan ttsResult, done chan<- struct{}) {
	defer close(done)
	first := true
	for rc := range pending {
		res := <-rc
		if res.err != nil {
			// One silent clause; the round goes on.
			p.logger.Warn("tts clause failed, skipping",
				"engine", p.tts.Name(),
				"error", res.err,
			)
			continue
		}
		if len(res.pcm) == 0 {
			continue
		}
		if r.interrupted.Load() || ctx.Err() != nil {
			continue // keep draining so workers never block
		}

		if first {
			first = false
			ttfa := time.Since(r.t0)
			p.metrics.TTFA.Record(ctx, ttfa.Seconds())
			p.timing.Record("ttfa", ttfa)
		}

		for off := 0; off < len(res.pcm); off += p.chunkBytes {
			// An interrupt can land between frames of one clause; its flush
			// must be the last thing egress sees.
			if r.interrupted.Load() || ctx.Err() != nil {
				break
			}
			end := off + p.chunkBytes
			if end > len(res.pcm) {
				end = len(res.pcm)
			}
			p.sink.SendAudio(res.pcm[off:end])
		}
	}
}

// sendTTSStart announces the audio phase. The event is queued before the
// started flag flips so an interrupt racing the open can never put a stop on
// egress ahead of the start.
func (p *Pipeline) sendTTSStart(r *round) {
	p.sink.SendEvent(wire.TTSStart(p.tts.SampleRate()))
	p.ttsActive.Store(true)
	r.started.Store(true)
}

// sendTTSStop closes the round's audio phase. A stop is only sent when a
// start went out, and at most once per round; both normal completion and
// Interrupt route through here.
func (p *Pipeline) sendTTSStop(r *round) {
	if !r.started.Load() {
		return
	}
	r.stopOnce.Do(func() {
		p.ttsActive.Store(false)
		p.sink.SendEvent(wire.TTSStop())
	})
}

// ---- barge-in ----

// classify runs the short STT pass over speech spoken during playback and
// acts on the verdict.
func (p *Pipeline) classify(ctx context.Context, samples []float32) {
	text, err := p.transcribe(ctx, samples)
	if err != nil {
		p.logger.Warn("barge-in transcription failed, buffering utterance", "error", err)
		p.bufferUtterance(ctx, samples)
		return
	}

	if p.classifier.Classify(text) == bargein.ActionInterrupt {
		p.logger.Info("stop keyword during playback", "transcript", text)
		p.metrics.RecordBargeIn(ctx, "keyword")
		p.sink.SendEvent(wire.PlaybackStop())
		p.Interrupt("keyword")
		return
	}
	p.bufferUtterance(ctx, samples)
}

// bufferUtterance queues an utterance for after the current round.
func (p *Pipeline) bufferUtterance(ctx context.Context, samples []float32) {
	if p.buffer.Push(samples) {
		p.metrics.RecordBargeIn(ctx, "buffered")
	} else {
		p.metrics.RecordBargeIn(ctx, "dropped")
		p.logger.Warn("barge-in buffer full, dropping utterance")
	}
	// The round may have finished while we were classifying.
	p.maybeDrain(ctx)
}

// ---- helpers ----

// transcribe runs STT under the shared concurrency limit.
func (p *Pipeline) transcribe(ctx context.Context, samples []float32) (string, error) {
	if p.sttSem != nil {
		if err := p.sttSem.Acquire(ctx, 1); err != nil {
			return "", fmt.Errorf("pipeline: acquire stt slot: %w", err)
		}
		defer p.sttSem.Release(1)
	}

	ctx, span := observe.StartSpan(ctx, "stt.transcribe")
	defer span.End()

	start := time.Now()
	text, err := p.stt.Transcribe(ctx, samples)
	if err != nil {
		return "", fmt.Errorf("pipeline: transcribe: %w", err)
	}
	d := time.Since(start)
	p.metrics.STTDuration.Record(ctx, d.Seconds())
	p.timing.Record("stt", d)
	return text, nil
}

// drainChunks discards the rest of an abandoned stream so the provider's
// goroutine can exit.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
