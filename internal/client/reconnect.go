package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Default reconnection parameters.
const (
	defaultMaxAttempts = 10
	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// DialFunc performs one connection attempt.
type DialFunc func(ctx context.Context) (*websocket.Conn, error)

// Reconnector monitors the server connection and automatically re-dials on
// disconnection.
//
// Callers obtain the initial connection via [Reconnector.Connect], then call
// [Reconnector.Monitor] to start a background goroutine that watches for
// disconnections. When a drop is signalled via [Reconnector.NotifyDisconnect],
// the monitor re-dials with exponential backoff and invokes the configured
// OnReconnect callback on success. Once the attempt budget for a disconnect
// is spent, the channel returned by [Reconnector.Failed] is closed.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	dial        DialFunc
	logger      *slog.Logger
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(*websocket.Conn)

	mu           sync.Mutex
	conn         *websocket.Conn
	done         chan struct{}
	failed       chan struct{}
	stopOnce     sync.Once
	failOnce     sync.Once
	disconnected chan struct{} // signalled when a disconnect is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Dial establishes one connection attempt. Required.
	Dial DialFunc

	// Logger receives attempt progress. Defaults to slog.Default().
	Logger *slog.Logger

	// MaxAttempts is the number of re-dials per disconnect before giving up.
	// Defaults to 10 if zero.
	MaxAttempts int

	// Backoff is the initial delay between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful re-dial with the new
	// connection. May be nil.
	OnReconnect func(*websocket.Conn)
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconnector{
		dial:         cfg.Dial,
		logger:       logger,
		maxAttempts:  maxAttempts,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		done:         make(chan struct{}),
		failed:       make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Connect performs the initial connection.
func (r *Reconnector) Connect(ctx context.Context) (*websocket.Conn, error) {
	conn, err := r.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: initial connect: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	return conn, nil
}

// Monitor starts watching for disconnect notifications in a background
// goroutine.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the connection has been lost and
// re-dialing should begin. Safe to call multiple times; only the first call
// per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// Stop halts monitoring and closes the current connection. Safe to call
// multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client shutting down")
	}
}

// Connection returns the current active connection. May return nil during
// reconnection.
func (r *Reconnector) Connection() *websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// Failed returns a channel closed when an attempt budget was spent without a
// successful re-dial.
func (r *Reconnector) Failed() <-chan struct{} {
	return r.failed
}

// monitorLoop waits for disconnect notifications and attempts reconnection.
func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect re-dials with exponential backoff.
func (r *Reconnector) attemptReconnect(ctx context.Context) {
	// Detach the dead connection first so Connection reports nil while the
	// re-dial is in flight.
	r.mu.Lock()
	oldConn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if oldConn != nil {
		_ = oldConn.Close(websocket.StatusNormalClosure, "replaced")
	}

	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		r.logger.Info("attempting reconnection",
			"attempt", attempt,
			"max_attempts", r.maxAttempts,
			"backoff", currentBackoff,
		)

		conn, err := r.dial(ctx)
		if err == nil {
			r.mu.Lock()
			r.conn = conn
			r.mu.Unlock()

			r.logger.Info("reconnection successful", "attempt", attempt)

			// Both loops may have signalled the same drop. Any token queued
			// up to this point refers to the connection just replaced, so
			// swallow it rather than tearing the new one down.
			select {
			case <-r.disconnected:
			default:
			}

			if r.onReconnect != nil {
				r.onReconnect(conn)
			}
			return
		}

		r.logger.Warn("reconnection attempt failed",
			"attempt", attempt,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	r.logger.Error("reconnection failed after max attempts",
		"max_attempts", r.maxAttempts,
	)
	r.failOnce.Do(func() { close(r.failed) })
}
