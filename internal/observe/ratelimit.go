package observe

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultLogInterval is how long a key is muted after it logs once.
const defaultLogInterval = 5 * time.Second

// RateLimitedLogger passes through at most one log record per key per
// interval. Suppressed occurrences are counted and attached as a
// "suppressed" attribute to the next record that gets through, so bursts
// (queue overflow, repeated drops) stay visible without flooding the log.
//
// Safe for concurrent use.
type RateLimitedLogger struct {
	logger   *slog.Logger
	interval time.Duration

	mu         sync.Mutex
	lastLogged map[string]time.Time
	suppressed map[string]int

	// now is swappable for tests.
	now func() time.Time
}

// NewRateLimitedLogger wraps logger with per-key rate limiting. A
// non-positive interval falls back to 5 s.
func NewRateLimitedLogger(logger *slog.Logger, interval time.Duration) *RateLimitedLogger {
	if interval <= 0 {
		interval = defaultLogInterval
	}
	return &RateLimitedLogger{
		logger:     logger,
		interval:   interval,
		lastLogged: make(map[string]time.Time),
		suppressed: make(map[string]int),
		now:        time.Now,
	}
}

// Warn logs msg at warn level, at most once per interval for the given key.
func (l *RateLimitedLogger) Warn(key, msg string, args ...any) {
	l.log(slog.LevelWarn, key, msg, args...)
}

// Info logs msg at info level, at most once per interval for the given key.
func (l *RateLimitedLogger) Info(key, msg string, args ...any) {
	l.log(slog.LevelInfo, key, msg, args...)
}

func (l *RateLimitedLogger) log(level slog.Level, key, msg string, args ...any) {
	l.mu.Lock()
	now := l.now()
	if last, ok := l.lastLogged[key]; ok && now.Sub(last) < l.interval {
		l.suppressed[key]++
		l.mu.Unlock()
		return
	}
	l.lastLogged[key] = now
	n := l.suppressed[key]
	l.suppressed[key] = 0
	l.mu.Unlock()

	if n > 0 {
		args = append(args, "suppressed", n)
	}
	l.logger.Log(context.Background(), level, msg, args...)
}
