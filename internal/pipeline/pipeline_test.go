package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TheGitCommit/voice-assistant/internal/conversation"
	"github.com/TheGitCommit/voice-assistant/internal/pipeline"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/llm"
	llmmock "github.com/TheGitCommit/voice-assistant/pkg/provider/llm/mock"
	sttmock "github.com/TheGitCommit/voice-assistant/pkg/provider/stt/mock"
	ttsmock "github.com/TheGitCommit/voice-assistant/pkg/provider/tts/mock"
	"github.com/TheGitCommit/voice-assistant/pkg/wire"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// sinkEntry is one item queued to the fake sink: either a control message or
// one binary audio frame.
type sinkEntry struct {
	msg   *wire.Message
	audio []byte
}

// fakeSink records everything the pipeline queues, preserving the interleaved
// order of control messages and audio frames.
type fakeSink struct {
	mu      sync.Mutex
	entries []sinkEntry
	drops   int
}

func (s *fakeSink) SendEvent(msg wire.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := msg
	s.entries = append(s.entries, sinkEntry{msg: &m})
	return true
}

func (s *fakeSink) SendAudio(pcm []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.entries = append(s.entries, sinkEntry{audio: cp})
	return true
}

func (s *fakeSink) DropPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops++
}

// snapshot copies the recorded entries.
func (s *fakeSink) snapshot() []sinkEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// messages returns the control messages in order, skipping audio frames.
func (s *fakeSink) messages() []wire.Message {
	var out []wire.Message
	for _, e := range s.snapshot() {
		if e.msg != nil {
			out = append(out, *e.msg)
		}
	}
	return out
}

// audioFrames returns the binary frames in order, skipping control messages.
func (s *fakeSink) audioFrames() [][]byte {
	var out [][]byte
	for _, e := range s.snapshot() {
		if e.audio != nil {
			out = append(out, e.audio)
		}
	}
	return out
}

// count returns how many control messages of the given type were queued.
func (s *fakeSink) count(typ wire.Type) int {
	n := 0
	for _, m := range s.messages() {
		if m.Type == typ {
			n++
		}
	}
	return n
}

// indexOf returns the position of the first entry matching the type among all
// entries, or -1.
func (s *fakeSink) indexOf(typ wire.Type) int {
	for i, e := range s.snapshot() {
		if e.msg != nil && e.msg.Type == typ {
			return i
		}
	}
	return -1
}

// dropCalls returns how many times DropPending ran.
func (s *fakeSink) dropCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// gatedLLM emits its first chunk immediately, then holds the stream open
// until the gate closes or the context ends. It makes interrupt and barge-in
// timing deterministic: the round cannot finish while the gate is shut.
type gatedLLM struct {
	first llm.Chunk
	rest  []llm.Chunk
	gate  chan struct{}

	mu          sync.Mutex
	streamCalls int
}

func newGatedLLM(first string, rest ...llm.Chunk) *gatedLLM {
	return &gatedLLM{
		first: llm.Chunk{Text: first},
		rest:  rest,
		gate:  make(chan struct{}),
	}
}

func (g *gatedLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	g.mu.Lock()
	g.streamCalls++
	g.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		select {
		case ch <- g.first:
		case <-ctx.Done():
			return
		}
		select {
		case <-g.gate:
		case <-ctx.Done():
			return
		}
		for _, c := range g.rest {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (g *gatedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("gatedLLM: Complete not supported")
}

func (g *gatedLLM) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streamCalls
}

var _ llm.Provider = (*gatedLLM)(nil)

// rig bundles a pipeline with its doubles so tests can assert on all sides.
type rig struct {
	sink *fakeSink
	stt  *sttmock.Provider
	tts  *ttsmock.Provider
	conv *conversation.Conversation
	pipe *pipeline.Pipeline
}

// newRig builds a pipeline around prov with quiet logging and a fast retry
// backoff. Tests script r.stt.Texts before submitting.
func newRig(t *testing.T, prov llm.Provider, mods ...func(*pipeline.Config)) *rig {
	t.Helper()

	r := &rig{
		sink: &fakeSink{},
		stt:  &sttmock.Provider{},
		tts:  &ttsmock.Provider{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r.conv = conversation.New(prov, "test-session",
		conversation.WithRetryBackoff(time.Millisecond),
		conversation.WithLogger(logger),
	)

	cfg := pipeline.Config{
		STT:          r.stt,
		Conversation: r.conv,
		TTS:          r.tts,
		Logger:       logger,
	}
	for _, mod := range mods {
		mod(&cfg)
	}

	p, err := pipeline.New(r.sink, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.pipe = p
	return r
}

// chunks builds a scripted stream; the last chunk carries FinishReason "stop".
func chunks(texts ...string) []llm.Chunk {
	out := make([]llm.Chunk, len(texts))
	for i, txt := range texts {
		out[i] = llm.Chunk{Text: txt}
	}
	if len(out) > 0 {
		out[len(out)-1].FinishReason = "stop"
	}
	return out
}

// mockAudio mirrors the tts mock's default encoding of two bytes per input
// byte, so tests can assert exact frame contents.
func mockAudio(text string) []byte {
	out := make([]byte, 0, len(text)*2)
	for i := 0; i < len(text); i++ {
		out = append(out, text[i], 0)
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ─── full rounds ─────────────────────────────────────────────────────────────

// TestSubmit_RunsFullRound drives one voice round end to end and checks the
// event sequence: transcription, one partial per stream chunk, audio after
// tts_start, llm_response, and a final tts_stop.
func TestSubmit_RunsFullRound(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{
		StreamChunks: chunks("It is sunny today, ", "and mild. ", "Enjoy!"),
	}
	r := newRig(t, prov)
	r.stt.Texts = []string{"how is the weather"}

	r.pipe.Submit(context.Background(), make([]float32, 16000))
	r.pipe.Wait()

	msgs := r.sink.messages()
	if len(msgs) == 0 || msgs[0].Type != wire.TypeTranscription {
		t.Fatalf("first message: want transcription, got %+v", msgs)
	}
	if msgs[0].Text != "how is the weather" {
		t.Errorf("transcription text = %q, want %q", msgs[0].Text, "how is the weather")
	}

	if got := r.sink.count(wire.TypePartialLLMResponse); got != 3 {
		t.Errorf("partial_llm_response count: want one per chunk (3), got %d", got)
	}
	var concat strings.Builder
	for _, m := range msgs {
		if m.Type == wire.TypePartialLLMResponse {
			concat.WriteString(m.Text)
		}
	}
	if got := concat.String(); got != "It is sunny today, and mild. Enjoy!" {
		t.Errorf("concatenated partials = %q, want the full response text", got)
	}

	const finalText = "It is sunny today, and mild. Enjoy!"
	if got := r.sink.count(wire.TypeLLMResponse); got != 1 {
		t.Errorf("llm_response count: want 1, got %d", got)
	}
	for _, m := range msgs {
		if m.Type == wire.TypeLLMResponse && m.Text != finalText {
			t.Errorf("llm_response text = %q, want %q", m.Text, finalText)
		}
	}

	frames := r.sink.audioFrames()
	if len(frames) != 2 {
		t.Fatalf("audio frames: want 2, got %d", len(frames))
	}
	if !bytes.Equal(frames[0], mockAudio("It is sunny today,")) {
		t.Errorf("frame[0] does not match first clause audio")
	}
	if !bytes.Equal(frames[1], mockAudio("and mild. Enjoy!")) {
		t.Errorf("frame[1] does not match residue clause audio")
	}

	start := r.sink.indexOf(wire.TypeTTSStart)
	if start == -1 {
		t.Fatal("tts_start never sent")
	}
	if partial := r.sink.indexOf(wire.TypePartialLLMResponse); partial < start {
		t.Errorf("partial_llm_response at %d precedes tts_start at %d", partial, start)
	}
	for i, e := range r.sink.snapshot() {
		if e.audio != nil && i < start {
			t.Errorf("audio frame at index %d precedes tts_start at %d", i, start)
		}
	}
	for _, m := range msgs {
		if m.Type == wire.TypeTTSStart && m.SampleRate != 24000 {
			t.Errorf("tts_start sample_rate = %d, want 24000", m.SampleRate)
		}
	}

	if got := r.sink.count(wire.TypeTTSStop); got != 1 {
		t.Errorf("tts_stop count: want 1, got %d", got)
	}
	entries := r.sink.snapshot()
	if last := entries[len(entries)-1]; last.msg == nil || last.msg.Type != wire.TypeTTSStop {
		t.Errorf("last entry: want tts_stop, got %+v", last)
	}

	hist := r.conv.History()
	if len(hist) != 2 {
		t.Fatalf("history length: want 2, got %d", len(hist))
	}
	if hist[1].Content != finalText {
		t.Errorf("assistant turn = %q, want %q", hist[1].Content, finalText)
	}

	if r.pipe.TTSActive() {
		t.Error("TTSActive still true after round end")
	}
	if got := r.pipe.Rounds(); got != 1 {
		t.Errorf("rounds started: want 1, got %d", got)
	}
}

// TestSubmitText_BypassesTranscription runs a text round and verifies the STT
// provider never fires.
func TestSubmitText_BypassesTranscription(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{StreamChunks: chunks("It is three in the afternoon.")}
	r := newRig(t, prov)

	r.pipe.SubmitText(context.Background(), "what time is it")
	r.pipe.Wait()

	if got := len(r.stt.TranscribeCalls); got != 0 {
		t.Errorf("Transcribe calls: want 0, got %d", got)
	}
	msgs := r.sink.messages()
	if len(msgs) == 0 || msgs[0].Type != wire.TypeTranscription || msgs[0].Text != "what time is it" {
		t.Fatalf("first message: want transcription %q, got %+v", "what time is it", msgs)
	}
	if got := len(prov.StreamCalls); got != 1 {
		t.Fatalf("StreamCompletion calls: want 1, got %d", got)
	}
	reqMsgs := prov.StreamCalls[0].Req.Messages
	if len(reqMsgs) != 1 || reqMsgs[0].Content != "what time is it" {
		t.Errorf("request messages = %+v, want single user turn", reqMsgs)
	}
	if got := r.sink.count(wire.TypeTTSStop); got != 1 {
		t.Errorf("tts_stop count: want 1, got %d", got)
	}
}

// TestSubmit_EmptyTranscriptIsSilent checks that a whitespace-only transcript
// ends the round before anything reaches the client.
func TestSubmit_EmptyTranscriptIsSilent(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{StreamChunks: chunks("unused")}
	r := newRig(t, prov)
	r.stt.Texts = []string{"   "}

	r.pipe.Submit(context.Background(), make([]float32, 8000))
	r.pipe.Wait()

	if got := len(r.sink.snapshot()); got != 0 {
		t.Errorf("sink entries: want 0, got %d", got)
	}
	if got := len(prov.StreamCalls); got != 0 {
		t.Errorf("StreamCompletion calls: want 0, got %d", got)
	}
	if got := len(r.conv.History()); got != 0 {
		t.Errorf("history length: want 0, got %d", got)
	}
}

// TestPartials_ReassembleFinalResponse crosses two clause boundaries
// mid-stream and verifies each partial carries its chunk's delta, so the
// concatenation of all partials equals the llm_response text exactly.
func TestPartials_ReassembleFinalResponse(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{
		StreamChunks: chunks(
			"One two three four. ",
			"Five six seven eight. ",
			"Nine.",
		),
	}
	r := newRig(t, prov)
	r.stt.Texts = []string{"count again"}

	r.pipe.Submit(context.Background(), make([]float32, 16000))
	r.pipe.Wait()

	var parts []string
	var final string
	for _, m := range r.sink.messages() {
		switch m.Type {
		case wire.TypePartialLLMResponse:
			parts = append(parts, m.Text)
		case wire.TypeLLMResponse:
			final = m.Text
		}
	}

	want := []string{"One two three four. ", "Five six seven eight. ", "Nine."}
	if len(parts) != len(want) {
		t.Fatalf("partials = %q, want %q", parts, want)
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Errorf("partial[%d] = %q, want %q", i, parts[i], want[i])
		}
	}
	if got := strings.Join(parts, ""); got != final {
		t.Errorf("concatenated partials = %q, llm_response = %q", got, final)
	}
}

// TestClauseAudio_StaysOrdered makes the first clause the slowest to
// synthesize and checks its audio still reaches the sink first.
func TestClauseAudio_StaysOrdered(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{
		StreamChunks: chunks(
			"One two three four five, ",
			"six seven eight nine ten. ",
			"eleven twelve thirteen fourteen.",
		),
	}
	r := newRig(t, prov)
	r.stt.Texts = []string{"count for me"}
	r.tts.SynthesizeFn = func(_ context.Context, text string) ([]byte, error) {
		switch {
		case strings.HasPrefix(text, "One"):
			time.Sleep(80 * time.Millisecond)
			return []byte{1}, nil
		case strings.HasPrefix(text, "six"):
			return []byte{2}, nil
		default:
			return []byte{3}, nil
		}
	}

	r.pipe.Submit(context.Background(), make([]float32, 16000))
	r.pipe.Wait()

	frames := r.sink.audioFrames()
	if len(frames) != 3 {
		t.Fatalf("audio frames: want 3, got %d", len(frames))
	}
	for i, want := range []byte{1, 2, 3} {
		if len(frames[i]) != 1 || frames[i][0] != want {
			t.Errorf("frame[%d] = %v, want [%d]", i, frames[i], want)
		}
	}
}

// TestCollect_ChunksLargeAudio verifies a big synthesis result is split into
// egress frames of at most ChunkBytes.
func TestCollect_ChunksLargeAudio(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{StreamChunks: chunks("This is a long answer. ")}
	r := newRig(t, prov, func(cfg *pipeline.Config) {
		cfg.ChunkBytes = 4096
	})
	r.stt.Texts = []string{"tell me everything"}
	r.tts.Audio = bytes.Repeat([]byte{9}, 10000)

	r.pipe.Submit(context.Background(), make([]float32, 16000))
	r.pipe.Wait()

	frames := r.sink.audioFrames()
	wantLens := []int{4096, 4096, 1808}
	if len(frames) != len(wantLens) {
		t.Fatalf("audio frames: want %d, got %d", len(wantLens), len(frames))
	}
	total := 0
	for i, f := range frames {
		if len(f) != wantLens[i] {
			t.Errorf("frame[%d] length = %d, want %d", i, len(f), wantLens[i])
		}
		total += len(f)
	}
	if total != 10000 {
		t.Errorf("total audio bytes = %d, want 10000", total)
	}
}

// TestRound_TTSFailureDoesNotAbort lets the first clause fail synthesis and
// checks the round still completes with the remaining audio.
func TestRound_TTSFailureDoesNotAbort(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{
		StreamChunks: chunks("First clause goes here, ", "second clause follows here."),
	}
	r := newRig(t, prov)
	r.stt.Texts = []string{"say two things"}
	r.tts.SynthesizeFn = func(_ context.Context, text string) ([]byte, error) {
		if strings.HasPrefix(text, "First") {
			return nil, errors.New("engine busy")
		}
		return []byte{7, 7}, nil
	}

	r.pipe.Submit(context.Background(), make([]float32, 16000))
	r.pipe.Wait()

	frames := r.sink.audioFrames()
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{7, 7}) {
		t.Fatalf("audio frames = %v, want single [7 7]", frames)
	}
	if got := r.sink.count(wire.TypeTTSStart); got != 1 {
		t.Errorf("tts_start count: want 1, got %d", got)
	}
	if got := r.sink.count(wire.TypeLLMResponse); got != 1 {
		t.Errorf("llm_response count: want 1, got %d", got)
	}
	hist := r.conv.History()
	if len(hist) != 2 {
		t.Fatalf("history length: want 2, got %d", len(hist))
	}
	const want = "First clause goes here, second clause follows here."
	if hist[1].Content != want {
		t.Errorf("assistant turn = %q, want %q", hist[1].Content, want)
	}
}

// ─── failures ────────────────────────────────────────────────────────────────

// TestSubmit_STTFailureDropsRound checks a failed transcription produces no
// client traffic at all.
func TestSubmit_STTFailureDropsRound(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{StreamChunks: chunks("unused")}
	r := newRig(t, prov)
	r.stt.TranscribeErr = errors.New("model not loaded")

	r.pipe.Submit(context.Background(), make([]float32, 8000))
	r.pipe.Wait()

	if got := len(r.sink.snapshot()); got != 0 {
		t.Errorf("sink entries: want 0, got %d", got)
	}
	if got := len(prov.StreamCalls); got != 0 {
		t.Errorf("StreamCompletion calls: want 0, got %d", got)
	}
	if got := r.pipe.Rounds(); got != 1 {
		t.Errorf("rounds started: want 1, got %d", got)
	}
}

// TestSubmit_LLMFailureRollsBack exhausts the conversation retries and checks
// the round ends after the transcription event, with no unpaired tts_stop and
// a clean history.
func TestSubmit_LLMFailureRollsBack(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{StreamErr: errors.New("backend down")}
	r := newRig(t, prov)
	r.stt.Texts = []string{"are you there"}

	r.pipe.Submit(context.Background(), make([]float32, 8000))
	r.pipe.Wait()

	msgs := r.sink.messages()
	if len(msgs) != 1 || msgs[0].Type != wire.TypeTranscription {
		t.Fatalf("messages: want single transcription, got %+v", msgs)
	}
	// No tts_start went out, so no tts_stop is owed.
	if got := r.sink.count(wire.TypeTTSStart); got != 0 {
		t.Errorf("tts_start count: want 0, got %d", got)
	}
	if got := r.sink.count(wire.TypeTTSStop); got != 0 {
		t.Errorf("tts_stop count: want 0, got %d", got)
	}
	if got := len(r.sink.audioFrames()); got != 0 {
		t.Errorf("audio frames: want 0, got %d", got)
	}
	if got := len(prov.StreamCalls); got != 3 {
		t.Errorf("StreamCompletion calls: want 3, got %d", got)
	}
	if got := len(r.conv.History()); got != 0 {
		t.Errorf("history length: want 0, got %d", got)
	}
}

// ─── interrupts and barge-in ─────────────────────────────────────────────────

// TestInterrupt_ClientStopsRound interrupts mid-playback and verifies the
// partial response is committed with the interruption marker, queued audio is
// flushed, and exactly one tts_stop goes out.
func TestInterrupt_ClientStopsRound(t *testing.T) {
	t.Parallel()

	gated := newGatedLLM("Alpha beta gamma delta, and then",
		llm.Chunk{Text: " some more.", FinishReason: "stop"})
	r := newRig(t, gated)
	r.stt.Texts = []string{"turn the music on"}

	r.pipe.Submit(context.Background(), make([]float32, 16000))
	waitFor(t, func() bool { return len(r.sink.audioFrames()) > 0 }, "first clause audio never queued")

	r.pipe.Interrupt("client")
	r.pipe.Wait()

	hist := r.conv.History()
	if len(hist) != 2 {
		t.Fatalf("history length: want 2, got %d", len(hist))
	}
	want := "Alpha beta gamma delta," + conversation.InterruptedMarker
	if hist[1].Content != want {
		t.Errorf("assistant turn = %q, want %q", hist[1].Content, want)
	}

	if got := r.sink.dropCalls(); got == 0 {
		t.Error("DropPending never called")
	}
	if got := r.sink.count(wire.TypeTTSStop); got != 1 {
		t.Errorf("tts_stop count: want 1, got %d", got)
	}
	if got := r.sink.count(wire.TypeLLMResponse); got != 0 {
		t.Errorf("llm_response count: want 0, got %d", got)
	}
	if got := r.sink.count(wire.TypePlaybackStop); got != 0 {
		t.Errorf("playback_stop count: want 0, got %d", got)
	}

	total := 0
	for _, f := range r.sink.audioFrames() {
		total += len(f)
	}
	if want := len("Alpha beta gamma delta,") * 2; total != want {
		t.Errorf("audio bytes = %d, want %d (first clause only)", total, want)
	}

	if gated.calls() != 1 {
		t.Errorf("StreamCompletion calls: want 1, got %d", gated.calls())
	}
	if r.pipe.TTSActive() {
		t.Error("TTSActive still true after interrupt")
	}
}

// flushSink records the interleaved order of events, audio frames and flush
// calls, and stalls the first audio send until released. It pins the moment
// an interrupt lands between the frames of one clause.
type flushSink struct {
	mu  sync.Mutex
	log []string

	stalled chan struct{}
	release chan struct{}
	once    sync.Once
}

func newFlushSink() *flushSink {
	return &flushSink{
		stalled: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *flushSink) SendEvent(msg wire.Message) bool {
	s.mu.Lock()
	s.log = append(s.log, "event:"+string(msg.Type))
	s.mu.Unlock()
	return true
}

func (s *flushSink) SendAudio(pcm []byte) bool {
	s.mu.Lock()
	s.log = append(s.log, "audio")
	s.mu.Unlock()
	s.once.Do(func() {
		close(s.stalled)
		<-s.release
	})
	return true
}

func (s *flushSink) DropPending() {
	s.mu.Lock()
	s.log = append(s.log, "flush")
	s.mu.Unlock()
}

func (s *flushSink) entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.log))
	copy(out, s.log)
	return out
}

// TestInterrupt_StopsMidClauseAudio interrupts while a clause's frames are
// mid-drain and verifies the remaining frames never reach the sink: the
// flush is the last audio-related thing egress sees.
func TestInterrupt_StopsMidClauseAudio(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{StreamChunks: chunks("Here is the full weather report. ")}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conv := conversation.New(prov, "test-session",
		conversation.WithRetryBackoff(time.Millisecond),
		conversation.WithLogger(logger),
	)
	stt := &sttmock.Provider{Texts: []string{"weather please"}}
	tts := &ttsmock.Provider{Audio: bytes.Repeat([]byte{5}, 100)}
	sink := newFlushSink()

	p, err := pipeline.New(sink, pipeline.Config{
		STT:          stt,
		Conversation: conv,
		TTS:          tts,
		Logger:       logger,
		ChunkBytes:   10, // 10 frames per clause
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.Submit(context.Background(), make([]float32, 16000))
	<-sink.stalled

	p.Interrupt("client")
	close(sink.release)
	p.Wait()

	log := sink.entries()
	flushIdx := -1
	for i, e := range log {
		if e == "flush" {
			flushIdx = i
			break
		}
	}
	if flushIdx == -1 {
		t.Fatalf("queued audio never flushed: %v", log)
	}
	for _, e := range log[flushIdx+1:] {
		if e == "audio" {
			t.Fatalf("audio queued after flush: %v", log[flushIdx:])
		}
	}
}

// TestSubmit_KeywordBargeInInterrupts speaks a stop keyword during playback
// and verifies the round is cancelled with playback_stop ahead of tts_stop.
func TestSubmit_KeywordBargeInInterrupts(t *testing.T) {
	t.Parallel()

	gated := newGatedLLM("Lights are coming on now, please wait",
		llm.Chunk{Text: " a moment.", FinishReason: "stop"})
	r := newRig(t, gated)
	r.stt.Texts = []string{"turn on the lights", "stop"}

	r.pipe.Submit(context.Background(), make([]float32, 16000))
	waitFor(t, func() bool { return len(r.sink.audioFrames()) > 0 }, "first clause audio never queued")

	r.pipe.Submit(context.Background(), make([]float32, 4000))
	r.pipe.Wait()

	if got := len(r.stt.TranscribeCalls); got != 2 {
		t.Errorf("Transcribe calls: want 2, got %d", got)
	}
	if got := gated.calls(); got != 1 {
		t.Errorf("StreamCompletion calls: want 1, got %d", got)
	}
	if got := r.pipe.Rounds(); got != 1 {
		t.Errorf("rounds started: want 1, got %d", got)
	}

	stopIdx := r.sink.indexOf(wire.TypePlaybackStop)
	ttsStopIdx := r.sink.indexOf(wire.TypeTTSStop)
	if stopIdx == -1 || ttsStopIdx == -1 {
		t.Fatalf("missing playback_stop (%d) or tts_stop (%d)", stopIdx, ttsStopIdx)
	}
	if stopIdx > ttsStopIdx {
		t.Errorf("playback_stop at %d after tts_stop at %d", stopIdx, ttsStopIdx)
	}
	if got := r.sink.count(wire.TypeTTSStop); got != 1 {
		t.Errorf("tts_stop count: want 1, got %d", got)
	}

	hist := r.conv.History()
	if len(hist) != 2 {
		t.Fatalf("history length: want 2, got %d", len(hist))
	}
	want := "Lights are coming on now," + conversation.InterruptedMarker
	if hist[1].Content != want {
		t.Errorf("assistant turn = %q, want %q", hist[1].Content, want)
	}
}

// TestSubmit_KeywordWhileThinkingInterrupts speaks the stop keyword after the
// stream has opened but before any clause produced audio, and verifies the
// round dies with a paired tts_start/tts_stop and no assistant turn.
func TestSubmit_KeywordWhileThinkingInterrupts(t *testing.T) {
	t.Parallel()

	gated := newGatedLLM("Thinking",
		llm.Chunk{Text: " about it.", FinishReason: "stop"})
	r := newRig(t, gated)
	r.stt.Texts = []string{"add two and two", "stop"}

	r.pipe.Submit(context.Background(), make([]float32, 16000))
	waitFor(t, r.pipe.TTSActive, "stream never opened")

	r.pipe.Submit(context.Background(), make([]float32, 4000))
	r.pipe.Wait()

	if got := len(r.stt.TranscribeCalls); got != 2 {
		t.Errorf("Transcribe calls: want 2, got %d", got)
	}
	if got := gated.calls(); got != 1 {
		t.Errorf("StreamCompletion calls: want 1, got %d", got)
	}
	if got := len(r.sink.audioFrames()); got != 0 {
		t.Errorf("audio frames: want 0, got %d", got)
	}
	if got := r.sink.count(wire.TypeTTSStart); got != 1 {
		t.Errorf("tts_start count: want 1, got %d", got)
	}
	if got := r.sink.count(wire.TypeTTSStop); got != 1 {
		t.Errorf("tts_stop count: want 1, got %d", got)
	}
	if got := r.sink.count(wire.TypePlaybackStop); got != 1 {
		t.Errorf("playback_stop count: want 1, got %d", got)
	}
	// No clause was spoken, so no partial is committed; the user turn stays.
	hist := r.conv.History()
	if len(hist) != 1 || hist[0].Role != llm.RoleUser {
		t.Fatalf("history = %+v, want single user turn", hist)
	}
}

// TestSubmit_QuestionDuringPlaybackIsBuffered speaks a non-keyword question
// during playback and verifies it runs as its own round after the first one
// finishes.
func TestSubmit_QuestionDuringPlaybackIsBuffered(t *testing.T) {
	t.Parallel()

	gated := newGatedLLM("Lights are on now my friend, done. ",
		llm.Chunk{Text: "All set.", FinishReason: "stop"})
	r := newRig(t, gated)
	r.stt.Texts = []string{"lights on please", "what about tomorrow"}

	r.pipe.Submit(context.Background(), make([]float32, 16000))
	waitFor(t, r.pipe.TTSActive, "playback never started")

	// "what" scores close to "wait"; the classifier must buffer, not interrupt.
	r.pipe.Submit(context.Background(), make([]float32, 4000))
	close(gated.gate)
	r.pipe.Wait()

	if got := r.pipe.Rounds(); got != 2 {
		t.Fatalf("rounds started: want 2, got %d", got)
	}
	if got := gated.calls(); got != 2 {
		t.Errorf("StreamCompletion calls: want 2, got %d", got)
	}
	if got := len(r.stt.TranscribeCalls); got != 3 {
		t.Errorf("Transcribe calls: want 3, got %d", got)
	}
	if got := r.sink.dropCalls(); got != 0 {
		t.Errorf("DropPending calls: want 0, got %d", got)
	}
	if got := r.sink.count(wire.TypePlaybackStop); got != 0 {
		t.Errorf("playback_stop count: want 0, got %d", got)
	}

	var transcripts []string
	firstStop := -1
	secondTranscript := -1
	for i, m := range r.sink.messages() {
		switch m.Type {
		case wire.TypeTranscription:
			transcripts = append(transcripts, m.Text)
			if len(transcripts) == 2 {
				secondTranscript = i
			}
		case wire.TypeTTSStop:
			if firstStop == -1 {
				firstStop = i
			}
		}
	}
	want := []string{"lights on please", "what about tomorrow"}
	if len(transcripts) != 2 || transcripts[0] != want[0] || transcripts[1] != want[1] {
		t.Fatalf("transcripts = %v, want %v", transcripts, want)
	}
	if firstStop == -1 || secondTranscript < firstStop {
		t.Errorf("second round started before first tts_stop (%d < %d)", secondTranscript, firstStop)
	}
	if got := r.sink.count(wire.TypeLLMResponse); got != 2 {
		t.Errorf("llm_response count: want 2, got %d", got)
	}

	if got := len(r.conv.History()); got != 4 {
		t.Errorf("history length: want 4, got %d", got)
	}
}

// TestSubmit_BuffersDuringTranscription submits a second utterance while the
// first is still inside STT, before any tts_start, and verifies it is queued
// without a classification pass.
func TestSubmit_BuffersDuringTranscription(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{StreamChunks: chunks("The answer is four.")}
	r := newRig(t, prov)

	var (
		mu     sync.Mutex
		nCalls int
	)
	entered := make(chan struct{})
	release := make(chan struct{})
	r.stt.TranscribeFn = func(context.Context, []float32) (string, error) {
		mu.Lock()
		nCalls++
		n := nCalls
		mu.Unlock()
		if n == 1 {
			close(entered)
			<-release
			return "add two and two", nil
		}
		return "and three more", nil
	}

	r.pipe.Submit(context.Background(), make([]float32, 16000))
	<-entered

	r.pipe.Submit(context.Background(), make([]float32, 4000))
	close(release)
	r.pipe.Wait()

	if got := r.pipe.Rounds(); got != 2 {
		t.Fatalf("rounds started: want 2, got %d", got)
	}
	// Round one transcribes, round two transcribes; nothing in between.
	if got := len(r.stt.TranscribeCalls); got != 2 {
		t.Errorf("Transcribe calls: want 2, got %d", got)
	}
	if got := len(prov.StreamCalls); got != 2 {
		t.Errorf("StreamCompletion calls: want 2, got %d", got)
	}
	if got := len(r.conv.History()); got != 4 {
		t.Errorf("history length: want 4, got %d", got)
	}
}

// TestInterrupt_WithoutRoundIsNoOp checks Interrupt on an idle pipeline does
// nothing.
func TestInterrupt_WithoutRoundIsNoOp(t *testing.T) {
	t.Parallel()

	prov := &llmmock.Provider{}
	r := newRig(t, prov)

	r.pipe.Interrupt("client")

	if got := len(r.sink.snapshot()); got != 0 {
		t.Errorf("sink entries: want 0, got %d", got)
	}
	if got := r.sink.dropCalls(); got != 0 {
		t.Errorf("DropPending calls: want 0, got %d", got)
	}
}

// ─── construction ────────────────────────────────────────────────────────────

// TestNew_ValidatesRequiredDeps checks each missing dependency is rejected by
// name.
func TestNew_ValidatesRequiredDeps(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conv := conversation.New(&llmmock.Provider{}, "s", conversation.WithLogger(logger))
	valid := func() pipeline.Config {
		return pipeline.Config{
			STT:          &sttmock.Provider{},
			Conversation: conv,
			TTS:          &ttsmock.Provider{},
			Logger:       logger,
		}
	}

	if _, err := pipeline.New(nil, valid()); err == nil || !strings.Contains(err.Error(), "sink") {
		t.Errorf("nil sink: want sink error, got %v", err)
	}

	cfg := valid()
	cfg.STT = nil
	if _, err := pipeline.New(&fakeSink{}, cfg); err == nil || !strings.Contains(err.Error(), "STT") {
		t.Errorf("nil STT: want STT error, got %v", err)
	}

	cfg = valid()
	cfg.Conversation = nil
	if _, err := pipeline.New(&fakeSink{}, cfg); err == nil || !strings.Contains(err.Error(), "conversation") {
		t.Errorf("nil conversation: want conversation error, got %v", err)
	}

	cfg = valid()
	cfg.TTS = nil
	if _, err := pipeline.New(&fakeSink{}, cfg); err == nil || !strings.Contains(err.Error(), "TTS") {
		t.Errorf("nil TTS: want TTS error, got %v", err)
	}

	if _, err := pipeline.New(&fakeSink{}, valid()); err != nil {
		t.Errorf("valid config: unexpected error %v", err)
	}
}
