// Package server accepts voice clients over a single WebSocket endpoint and
// supervises one connection pipeline per client.
//
// Each accepted socket gets bounded ingress and egress queues and three
// loops under one errgroup: the reader splits binary audio from inline
// control messages, the processor segments audio into utterances and drives
// the round pipeline, the writer drains ordered events and synthesized audio
// back to the client. The same mux serves the health and metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/TheGitCommit/voice-assistant/internal/bargein"
	"github.com/TheGitCommit/voice-assistant/internal/config"
	"github.com/TheGitCommit/voice-assistant/internal/conversation"
	"github.com/TheGitCommit/voice-assistant/internal/health"
	"github.com/TheGitCommit/voice-assistant/internal/observe"
	"github.com/TheGitCommit/voice-assistant/internal/pipeline"
	"github.com/TheGitCommit/voice-assistant/internal/segment"
	"github.com/TheGitCommit/voice-assistant/internal/session"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/llm"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/stt"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/tts"
	"github.com/TheGitCommit/voice-assistant/pkg/provider/vad"
)

const (
	defaultHeartbeat = 30 * time.Second
	shutdownTimeout  = 10 * time.Second

	// maxClientMessage caps inbound frames. Audio arrives in capture-sized
	// chunks well under this; the headroom covers control messages and
	// clients that batch their pre-roll flush.
	maxClientMessage = 1 << 20
)

// Config carries the Server's dependencies. STT, TTS, LLM and VAD are
// required; Store, Llama, Metrics and Logger are optional.
type Config struct {
	// Config is the loaded server configuration. Nil uses the defaults.
	Config *config.Config

	// STT transcribes utterances; shared by all connections under the
	// workers semaphore.
	STT stt.Provider

	// TTS synthesizes clauses. Pass the fallback-wrapped chain here.
	TTS tts.Provider

	// LLM is the chat completion backend each conversation streams from.
	LLM llm.Provider

	// VAD hands out one detector per connection.
	VAD vad.Engine

	// Store persists session transcripts at connection close. Nil disables
	// persistence.
	Store session.Store

	// Llama reports the supervised subprocess state on /health. Nil when no
	// subprocess is supervised.
	Llama health.LlamaReporter

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Server hosts the WebSocket audio endpoint plus the health and metrics
// routes. Per-connection state lives in conn; the Server only holds the
// shared providers and settings.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observe.Metrics

	stt       stt.Provider
	tts       tts.Provider
	llm       llm.Provider
	vadEngine vad.Engine
	store     session.Store
	llama     health.LlamaReporter

	sttSem     *semaphore.Weighted
	classifier *bargein.Classifier
	segParams  segment.Params

	heartbeat    time.Duration
	logRateLimit time.Duration

	// baseCtx is the lifetime of accepted connections. ListenAndServe swaps
	// it for the serve context before the listener opens.
	baseCtx context.Context
	conns   sync.WaitGroup
}

// New validates cfg and builds a Server.
func New(cfg Config) (*Server, error) {
	if cfg.STT == nil {
		return nil, errors.New("server: stt provider must not be nil")
	}
	if cfg.TTS == nil {
		return nil, errors.New("server: tts provider must not be nil")
	}
	if cfg.LLM == nil {
		return nil, errors.New("server: llm provider must not be nil")
	}
	if cfg.VAD == nil {
		return nil, errors.New("server: vad engine must not be nil")
	}
	conf := cfg.Config
	if conf == nil {
		conf = config.DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	workers := conf.STT.Workers
	if workers <= 0 {
		workers = 2
	}
	heartbeat := time.Duration(conf.Server.HeartbeatSec) * time.Second
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	return &Server{
		cfg:       conf,
		logger:    logger,
		metrics:   metrics,
		stt:       cfg.STT,
		tts:       cfg.TTS,
		llm:       cfg.LLM,
		vadEngine: cfg.VAD,
		store:     cfg.Store,
		llama:     cfg.Llama,
		sttSem:    semaphore.NewWeighted(int64(workers)),
		classifier: bargein.NewClassifier(
			conf.BargeIn.Keywords,
			conf.BargeIn.MinSimilarity,
		),
		segParams: segment.Params{
			SpeechThreshold: float32(conf.Segmenter.SpeechThreshold),
			SilenceWindows:  conf.Segmenter.SilenceWindows,
			MinUtterance:    time.Duration(conf.Segmenter.MinUtteranceMs) * time.Millisecond,
			MaxUtterance:    time.Duration(conf.Segmenter.MaxUtteranceMs) * time.Millisecond,
			Preroll:         time.Duration(conf.Segmenter.PrerollMs) * time.Millisecond,
		},
		heartbeat:    heartbeat,
		logRateLimit: time.Duration(conf.Server.LogRateLimitSec) * time.Second,
		baseCtx:      context.Background(),
	}, nil
}

// Handler returns the HTTP surface: the audio WebSocket plus the health and
// metrics endpoints. The monitoring routes sit behind the request-duration
// middleware; the WebSocket route does not, its upgrade needs the raw
// response writer.
func (s *Server) Handler() http.Handler {
	wrap := observe.Middleware(s.metrics, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/audio", s.handleWS)
	mux.Handle("GET /health", wrap(health.New(s.llama)))
	mux.Handle("GET /metrics", wrap(promhttp.Handler()))
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down: the
// listener closes, live connections are cancelled, and their teardown is
// awaited.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.baseCtx = ctx

	httpSrv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutCancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	s.logger.Info("server listening", "addr", s.cfg.Server.ListenAddr)
	err := httpSrv.ListenAndServe()
	cancel()
	<-shutdownDone
	s.conns.Wait()

	if errors.Is(err, http.ErrServerClosed) {
		s.logger.Info("server stopped")
		return nil
	}
	return fmt.Errorf("server: listen on %s: %w", s.cfg.Server.ListenAddr, err)
}

// handleWS upgrades the request and runs the connection to completion.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxClientMessage)

	det, err := s.vadEngine.NewDetector()
	if err != nil {
		s.logger.Error("vad detector unavailable", "error", err)
		ws.Close(websocket.StatusInternalError, "vad unavailable")
		return
	}

	c, err := s.newConn(ws, det)
	if err != nil {
		s.logger.Error("connection setup failed", "error", err)
		_ = det.Close()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return
	}

	s.conns.Add(1)
	s.metrics.ActiveConnections.Add(r.Context(), 1)
	defer func() {
		s.metrics.ActiveConnections.Add(context.Background(), -1)
		s.conns.Done()
	}()

	c.run(s.baseCtx)
}

// newConn assembles the per-connection state: queues, segmenter,
// conversation, and the round pipeline sinking into the egress queue.
func (s *Server) newConn(ws *websocket.Conn, det vad.Detector) (*conn, error) {
	id := uuid.NewString()[:8]
	logger := s.logger.With("conn_id", id)
	timing := observe.NewTimingStats()

	convOpts := []conversation.Option{
		conversation.WithSystemPrompt(s.cfg.LLM.SystemPrompt),
		conversation.WithMaxTurns(s.cfg.LLM.MaxTurns),
		conversation.WithTemperature(s.cfg.LLM.Temperature),
		conversation.WithMaxTokens(s.cfg.LLM.MaxTokens),
		conversation.WithLogger(logger),
	}
	if s.store != nil {
		convOpts = append(convOpts, conversation.WithStore(s.store))
	}
	conv := conversation.New(s.llm, id, convOpts...)

	c := &conn{
		id:        id,
		ws:        ws,
		logger:    logger,
		rl:        observe.NewRateLimitedLogger(logger, s.logRateLimit),
		ingress:   newIngressQueue(s.cfg.Server.IngressQueue),
		egress:    newEgressQueue(s.cfg.Server.EgressQueue),
		det:       det,
		seg:       segment.New(det, s.segParams),
		conv:      conv,
		metrics:   s.metrics,
		timing:    timing,
		heartbeat: s.heartbeat,
	}

	pipe, err := pipeline.New(c, pipeline.Config{
		STT:          s.stt,
		STTSem:       s.sttSem,
		Conversation: conv,
		TTS:          s.tts,
		Classifier:   s.classifier,
		Buffer:       bargein.NewBuffer(s.cfg.BargeIn.BufferSize),
		Metrics:      s.metrics,
		Timing:       timing,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("server: build pipeline: %w", err)
	}
	c.pipe = pipe
	return c, nil
}
