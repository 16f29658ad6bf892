// Package llamasrv supervises a llama.cpp server subprocess.
//
// The supervisor validates the binary and model paths up front, spawns
// llama-server with the configured flags, and watches it: an exit within the
// startup window is classified from captured output into a readable failure,
// later exits and failed health probes trigger restarts. Restarts are capped
// at 5 per rolling window; past the cap the supervisor kills whatever is left,
// reports [ErrDegraded], and stops restarting, which flips the serving
// process's /health endpoint to "degraded".
package llamasrv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/TheGitCommit/voice-assistant/internal/config"
	"github.com/TheGitCommit/voice-assistant/internal/health"
	"github.com/TheGitCommit/voice-assistant/internal/observe"
)

const (
	// earlyExitWindow is how long Start watches for an immediate crash.
	earlyExitWindow = 2 * time.Second

	// stopGrace is how long a SIGTERM gets before escalating to SIGKILL.
	stopGrace = 5 * time.Second

	// healthTimeout bounds a single probe of the subprocess HTTP API.
	healthTimeout = 5 * time.Second

	// checkInterval is the monitor's probe cadence.
	checkInterval = 10 * time.Second

	// restartCap is the maximum number of restarts per rolling window.
	restartCap = 5

	// restartWindow is the rolling window the cap applies to.
	restartWindow = 5 * time.Minute

	// outputTailBytes bounds the captured subprocess output kept for
	// failure classification.
	outputTailBytes = 8 << 10
)

// ErrDegraded is returned once the restart cap is exhausted. The supervisor
// will not spawn further processes until the operator intervenes.
var ErrDegraded = errors.New("llamasrv: restart cap exceeded, supervisor degraded")

// Compile-time assertion that Supervisor satisfies the health reporter.
var _ health.LlamaReporter = (*Supervisor)(nil)

// Option is a functional option for configuring a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithCheckInterval sets the monitor probe cadence. Defaults to 10 s.
func WithCheckInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.checkInterval = d }
}

// WithStartupWindow sets how long Start watches for an early exit.
// Defaults to 2 s.
func WithStartupWindow(d time.Duration) Option {
	return func(s *Supervisor) { s.startupWindow = d }
}

// WithStopGrace sets how long Stop waits after SIGTERM before SIGKILL.
// Defaults to 5 s.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.stopGrace = d }
}

// WithRestartWindow sets the rolling window for the restart cap.
// Defaults to 5 min.
func WithRestartWindow(d time.Duration) Option {
	return func(s *Supervisor) { s.restartWindow = d }
}

// Supervisor manages the llama-server process lifecycle. All methods are safe
// for concurrent use.
type Supervisor struct {
	cfg     config.LlamaConfig
	logger  *slog.Logger
	metrics *observe.Metrics
	client  *http.Client

	startupWindow time.Duration
	stopGrace     time.Duration
	checkInterval time.Duration
	restartWindow time.Duration

	mu       sync.Mutex
	cmd      *exec.Cmd
	output   *tailBuffer
	waitDone chan struct{} // closed once the current process is reaped
	exitErr  error
	restarts []time.Time
	degraded bool
	stopped  bool
}

// New validates the configured paths and returns a supervisor ready to Start.
// The binary must exist and be executable, the model file must exist. A
// multi-part GGUF model with absent sibling parts logs a warning per part.
func New(cfg config.LlamaConfig, opts ...Option) (*Supervisor, error) {
	info, err := os.Stat(cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("llamasrv: binary: %w", err)
	}
	if info.Mode()&0o111 == 0 {
		return nil, fmt.Errorf("llamasrv: binary %q is not executable", cfg.Binary)
	}
	if _, err := os.Stat(cfg.Model); err != nil {
		return nil, fmt.Errorf("llamasrv: model: %w", err)
	}

	s := &Supervisor{
		cfg:           cfg,
		logger:        slog.Default(),
		metrics:       observe.DefaultMetrics(),
		client:        &http.Client{},
		startupWindow: earlyExitWindow,
		stopGrace:     stopGrace,
		checkInterval: checkInterval,
		restartWindow: restartWindow,
	}
	for _, o := range opts {
		o(s)
	}
	s.warnMissingParts()
	return s, nil
}

// splitPartRe matches llama.cpp split-model names: model-00002-of-00007.gguf.
var splitPartRe = regexp.MustCompile(`^(.+)-(\d{5})-of-(\d{5})\.gguf$`)

// warnMissingParts logs a warning for each absent sibling of a multi-part
// GGUF model. llama.cpp resolves the remaining parts next to the given one,
// so a missing sibling will fail the spawn later.
func (s *Supervisor) warnMissingParts() {
	m := splitPartRe.FindStringSubmatch(filepath.Base(s.cfg.Model))
	if m == nil {
		return
	}
	total, err := strconv.Atoi(m[3])
	if err != nil || total <= 1 {
		return
	}
	dir := filepath.Dir(s.cfg.Model)
	for i := 1; i <= total; i++ {
		part := fmt.Sprintf("%s-%05d-of-%05d.gguf", m[1], i, total)
		if _, err := os.Stat(filepath.Join(dir, part)); err != nil {
			s.logger.Warn("split model part missing", "part", part)
		}
	}
}

// args builds the llama-server command line.
func (s *Supervisor) args() []string {
	args := []string{
		"-m", s.cfg.Model,
		"-ngl", strconv.Itoa(s.cfg.GPULayers),
		"-c", strconv.Itoa(s.cfg.ContextSize),
		"-t", strconv.Itoa(s.cfg.Threads),
		"-b", strconv.Itoa(s.cfg.BatchSize),
		"--host", s.cfg.Host,
		"--port", strconv.Itoa(s.cfg.Port),
	}
	if s.cfg.MLock {
		args = append(args, "--mlock")
	}
	if s.cfg.NoMmap {
		args = append(args, "--no-mmap")
	}
	return args
}

// ---- lifecycle ----

// Start spawns the llama-server process and watches it for the startup
// window. An exit inside the window fails Start with the captured output
// classified into a readable reason. Calling Start with a live process is a
// warned no-op.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.cmd != nil {
		select {
		case <-s.waitDone:
		default:
			pid := s.cmd.Process.Pid
			s.mu.Unlock()
			s.logger.Warn("llama server already running", "pid", pid)
			return nil
		}
	}
	s.mu.Unlock()

	output := newTailBuffer(outputTailBytes)
	cmd := exec.Command(s.cfg.Binary, s.args()...)
	cmd.Stdout = output
	cmd.Stderr = output
	// Unblocks Wait when a child of the server keeps the output pipes open.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("llamasrv: spawn %s: %w", s.cfg.Binary, err)
	}

	waitDone := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.output = output
	s.waitDone = waitDone
	s.exitErr = nil
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.exitErr = err
		s.mu.Unlock()
		close(waitDone)
	}()

	s.logger.Info("llama server starting",
		"model", filepath.Base(s.cfg.Model),
		"port", s.cfg.Port,
		"gpu_layers", s.cfg.GPULayers,
		"pid", cmd.Process.Pid,
	)

	select {
	case <-waitDone:
		out := output.String()
		return fmt.Errorf("llamasrv: start: %s (exit: %v, output: %s)",
			classifyExit(out), s.lastExit(), clip(out, 200))
	case <-time.After(s.startupWindow):
	}

	s.logger.Info("llama server running", "pid", cmd.Process.Pid)
	return nil
}

// Stop shuts the subprocess down and prevents the monitor from restarting it.
// Safe to call multiple times and with no process running.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.terminate()
}

// terminate stops the current process: SIGTERM, the grace period, then
// SIGKILL. No-op when nothing is running.
func (s *Supervisor) terminate() {
	s.mu.Lock()
	cmd := s.cmd
	waitDone := s.waitDone
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	select {
	case <-waitDone:
		return
	default:
	}

	s.logger.Info("stopping llama server", "pid", cmd.Process.Pid)
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitDone:
		s.logger.Info("llama server stopped")
	case <-time.After(s.stopGrace):
		s.logger.Warn("llama server ignored SIGTERM, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-waitDone
	}
}

// IsRunning reports whether the subprocess is alive.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.waitDone:
		return false
	default:
		return true
	}
}

// HealthCheck probes the subprocess HTTP API. The context bounds the probe;
// callers without a deadline get the default 5 s.
func (s *Supervisor) HealthCheck(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, healthTimeout)
		defer cancel()
	}

	url := "http://" + net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)) + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("llamasrv: build health request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("llamasrv: health probe: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llamasrv: health probe: status %d", resp.StatusCode)
	}
	return nil
}

// Degraded reports whether the restart cap was exhausted and supervision
// stopped.
func (s *Supervisor) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// ---- monitoring ----

// Restart stops any live process and starts a fresh one, counting against the
// rolling restart cap. Past the cap it kills whatever is left and returns
// [ErrDegraded].
func (s *Supervisor) Restart(ctx context.Context) error {
	if !s.allowRestart() {
		s.setDegraded()
		s.terminate()
		return ErrDegraded
	}
	s.metrics.LlamaRestarts.Add(ctx, 1)
	s.terminate()
	return s.Start()
}

// MonitorLoop supervises the subprocess until ctx is cancelled. Every check
// interval it verifies liveness and probes health; an unexpected exit or a
// failed probe triggers a restart. Returns [ErrDegraded] once the restart cap
// is exhausted, nil after Stop, or ctx.Err() on cancellation.
func (s *Supervisor) MonitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if s.isStopped() {
			return nil
		}

		if s.IsRunning() {
			err := s.HealthCheck(ctx)
			if err == nil {
				continue
			}
			s.logger.Warn("llama health probe failed, restarting", "error", err)
		} else {
			s.logger.Warn("llama server exited unexpectedly", "error", s.lastExit())
		}

		switch err := s.Restart(ctx); {
		case errors.Is(err, ErrDegraded):
			s.logger.Error("llama restart cap exceeded, supervisor degraded",
				"cap", restartCap, "window", s.restartWindow)
			return err
		case err != nil:
			s.logger.Error("llama restart failed", "error", err)
		default:
			s.logger.Info("llama server restarted", "pid", s.pid())
		}
	}
}

// allowRestart prunes the rolling window and reserves one restart slot.
func (s *Supervisor) allowRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.restartWindow)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = kept

	if len(s.restarts) >= restartCap {
		return false
	}
	s.restarts = append(s.restarts, time.Now())
	return true
}

func (s *Supervisor) setDegraded() {
	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()
}

func (s *Supervisor) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Supervisor) lastExit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

func (s *Supervisor) pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// ---- failure classification ----

// classifyExit maps captured subprocess output to a readable startup failure.
func classifyExit(output string) string {
	lower := strings.ToLower(output)
	missingFile := strings.Contains(lower, "no such file") ||
		strings.Contains(lower, "failed to open") ||
		strings.Contains(lower, "error loading model")
	switch {
	case missingFile && strings.Contains(lower, "-of-"):
		return "split model part missing"
	case missingFile:
		return "model file missing"
	default:
		return "llama-server exited during startup"
	}
}

// clip returns the last n bytes of s, trimmed.
func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// tailBuffer keeps the last max bytes written to it. llama-server is chatty
// at startup; only the tail matters for failure classification.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
